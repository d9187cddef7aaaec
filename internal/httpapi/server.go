package httpapi

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nexus/internal/auth"
	"nexus/internal/blob"
	"nexus/internal/core"
	"nexus/internal/protocol"
	"nexus/internal/store"
	"nexus/internal/ws"
)

// Options configures the HTTP surface.
type Options struct {
	PublicDir      string
	AllowedOrigins []string
	MaxUploadBytes int64
	MaxFrameBytes  int64
	TrustProxy     bool
	Gatherer       prometheus.Gatherer
}

// Server is the Echo application.
type Server struct {
	echo   *echo.Echo
	room   *core.Room
	blobs  *blob.Store
	tokens *auth.Tokens
	opts   Options
}

// New constructs an Echo app with websocket + REST routes. blobs and tokens
// may be nil, which disables uploads and admin routes respectively.
func New(room *core.Room, blobs *blob.Store, tokens *auth.Tokens, opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	if opts.TrustProxy {
		e.IPExtractor = echo.ExtractIPFromXFFHeader()
	} else {
		e.IPExtractor = echo.ExtractIPDirect()
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	e.Use(middleware.Recover())
	e.Use(requestLogger())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: opts.AllowedOrigins,
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	s := &Server{echo: e, room: room, blobs: blobs, tokens: tokens, opts: opts}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/state", s.handleState)
	s.echo.GET("/api/gallery", s.handleGallery)
	if s.opts.Gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))
	}
	if s.blobs != nil {
		upload := []echo.MiddlewareFunc{}
		if s.opts.MaxUploadBytes > 0 {
			// Headroom for multipart framing.
			limitKB := s.opts.MaxUploadBytes/1024 + 64
			upload = append(upload, middleware.BodyLimit(fmt.Sprintf("%dK", limitKB)))
		}
		s.echo.POST("/api/blobs", s.handleBlobUpload, upload...)
		s.echo.GET("/api/blobs/:id", s.handleBlobDownload)
	}
	if s.tokens.Enabled() {
		admin := s.echo.Group("/api/admin", s.requireAdmin)
		admin.POST("/kick/:id", s.handleAdminKick)
		admin.POST("/ban/:id", s.handleAdminBan)
	}

	ws.NewHandler(s.room, s.tokens, ws.Options{
		MaxFrameBytes:  s.opts.MaxFrameBytes,
		AllowedOrigins: s.opts.AllowedOrigins,
	}).Register(s.echo)

	if dir := strings.TrimSpace(s.opts.PublicDir); dir != "" {
		s.echo.Static("/", dir)
	}
}

// Run starts Echo and blocks until ctx cancellation or startup failure. A
// non-nil tlsConfig serves HTTPS.
func (s *Server) Run(ctx context.Context, addr string, tlsConfig *tls.Config) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tlsConfig != nil {
			s.echo.TLSServer.Addr = addr
			s.echo.TLSServer.TLSConfig = tlsConfig
			err = s.echo.StartServer(s.echo.TLSServer)
		} else {
			err = s.echo.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelDebug
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("remote_ip", v.RemoteIP),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("err", v.Error.Error()))
			}
			slog.LogAttrs(c.Request().Context(), level, "http request", attrs...)
			return nil
		},
	})
}

type healthResponse struct {
	Status string `json:"status"`
	Conns  int    `json:"conns"`
}

func (s *Server) handleHealth(c echo.Context) error {
	snap, err := s.room.Snapshot(c.Request().Context())
	if err != nil {
		return roomError(err)
	}
	return c.JSON(http.StatusOK, healthResponse{Status: "ok", Conns: snap.Conns})
}

func (s *Server) handleState(c echo.Context) error {
	snap, err := s.room.Snapshot(c.Request().Context())
	if err != nil {
		return roomError(err)
	}
	if snap.Participants == nil {
		snap.Participants = []protocol.Participant{}
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handleGallery(c echo.Context) error {
	media, err := s.room.Gallery(c.Request().Context())
	if err != nil {
		return roomError(err)
	}
	if media == nil {
		media = []protocol.Media{}
	}
	return c.JSON(http.StatusOK, media)
}

type blobUploadResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	CreatedAt   string `json:"created_at"`
}

func (s *Server) handleBlobUpload(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart file field \"file\" is required")
	}

	src, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("open uploaded file: %v", err))
	}
	defer src.Close()

	contentType := strings.TrimSpace(fileHeader.Header.Get(echo.HeaderContentType))
	meta, err := s.blobs.Put(c.Request().Context(), blob.PutInput{
		Kind:         c.FormValue("kind"),
		OriginalName: fileHeader.Filename,
		ContentType:  contentType,
		Reader:       src,
	})
	switch {
	case errors.Is(err, blob.ErrTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "file too large")
	case errors.Is(err, blob.ErrInvalidKind):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, blob.ErrUnsupportedType):
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("persist blob: %v", err))
	}

	return c.JSON(http.StatusCreated, blobUploadResponse{
		ID:          meta.ID,
		Kind:        meta.Kind,
		ContentType: meta.ContentType,
		SizeBytes:   meta.SizeBytes,
		CreatedAt:   meta.CreatedAt.Format(time.RFC3339Nano),
	})
}

func (s *Server) handleBlobDownload(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "blob id is required")
	}

	result, err := s.blobs.Open(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrBlobNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "blob not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("open blob: %v", err))
	}
	defer result.File.Close()

	contentType, disposition := result.Metadata.ContentType, "inline"
	if !blob.Accepts(result.Metadata.Kind, contentType) {
		contentType, disposition = "application/octet-stream", "attachment"
	}

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, contentType)
	h.Set(echo.HeaderContentLength, strconv.FormatInt(result.Metadata.SizeBytes, 10))
	h.Set(echo.HeaderContentDisposition, fmt.Sprintf(`%s; filename="%s"`, disposition, safeFilename(result.Metadata.OriginalName)))
	h.Set("Content-Security-Policy", "default-src 'none'; sandbox")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Cache-Control", "private, no-store")
	c.Response().WriteHeader(http.StatusOK)
	_, copyErr := io.Copy(c.Response().Writer, result.File)
	return copyErr
}

func (s *Server) requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := s.tokens.Verify(auth.FromRequest(c.Request())); err != nil {
			slog.Warn("admin request rejected", "remote_ip", c.RealIP(), "err", err)
			return echo.NewHTTPError(http.StatusUnauthorized, "admin token required")
		}
		return next(c)
	}
}

type adminResponse struct {
	TargetID string `json:"target_id"`
	Result   string `json:"result"`
	Until    int64  `json:"until,omitempty"`
}

func (s *Server) handleAdminKick(c echo.Context) error {
	id := c.Param("id")
	ok, err := s.room.Kick(c.Request().Context(), id)
	if err != nil {
		return roomError(err)
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "connection not found")
	}
	slog.Info("admin kick via http", "target_id", id, "remote_ip", c.RealIP())
	return c.JSON(http.StatusOK, adminResponse{TargetID: id, Result: protocol.ResultKicked})
}

func (s *Server) handleAdminBan(c echo.Context) error {
	id := c.Param("id")
	until, ok, err := s.room.Ban(c.Request().Context(), id)
	if err != nil {
		return roomError(err)
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "connection not found")
	}
	slog.Info("admin ban via http", "target_id", id, "remote_ip", c.RealIP())
	resp := adminResponse{TargetID: id, Result: protocol.ResultBanned}
	if !until.IsZero() {
		resp.Until = until.UnixMilli()
	} else {
		resp.Result = protocol.ResultKicked
	}
	return c.JSON(http.StatusOK, resp)
}

func roomError(err error) error {
	if errors.Is(err, core.ErrRoomClosed) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "room is shutting down")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func safeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "blob"
	}
	name = strings.ReplaceAll(name, `"`, "_")
	name = strings.ReplaceAll(name, "\\", "_")
	return name
}
