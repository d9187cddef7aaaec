package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"nexus/internal/auth"
	"nexus/internal/core"
	"nexus/internal/protocol"
)

const (
	writeTimeout = 5 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10

	// hardReadLimit closes the connection; frames between MaxFrameBytes and
	// this size are read and dropped.
	hardReadLimit = 1 << 20
)

// Options configures the websocket transport.
type Options struct {
	MaxFrameBytes  int64
	AllowedOrigins []string
}

// Handler owns websocket transport for the room.
type Handler struct {
	room     *core.Room
	tokens   *auth.Tokens
	maxFrame int64
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler bound to room. tokens may be nil,
// in which case no connection is privileged.
func NewHandler(room *core.Room, tokens *auth.Tokens, opts Options) *Handler {
	maxFrame := opts.MaxFrameBytes
	if maxFrame <= 0 || maxFrame > hardReadLimit {
		maxFrame = hardReadLimit
	}
	origins := opts.AllowedOrigins
	return &Handler{
		room:     room,
		tokens:   tokens,
		maxFrame: maxFrame,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return originAllowed(origins, r) },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	privileged := h.tokens.Privileged(c.Request())
	address := c.RealIP()

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(c.Request().Context(), conn, address, privileged)
	return nil
}

func (h *Handler) serveConn(ctx context.Context, conn *websocket.Conn, address string, privileged bool) {
	defer conn.Close()

	connID := uuid.NewString()
	session, err := h.room.Admit(ctx, connID, address, privileged)
	if err != nil {
		h.refuse(conn, connID, address, err)
		return
	}
	defer func() {
		if err := h.room.Disconnect(context.Background(), connID); err != nil && !errors.Is(err, core.ErrRoomClosed) {
			slog.Warn("queue disconnect", "conn_id", connID, "err", err)
		}
	}()

	go h.writeLoop(conn, session)

	conn.SetReadLimit(hardReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				slog.Debug("websocket read ended", "conn_id", connID, "err", err)
			}
			return
		}
		if int64(len(data)) > h.maxFrame {
			slog.Debug("oversized frame dropped", "conn_id", connID, "bytes", len(data))
			continue
		}

		var in protocol.Message
		if err := json.Unmarshal(data, &in); err != nil {
			slog.Debug("malformed frame dropped", "conn_id", connID, "err", err)
			continue
		}
		if err := h.room.Dispatch(ctx, connID, in); err != nil {
			slog.Debug("dispatch stopped", "conn_id", connID, "err", err)
			return
		}
	}
}

// writeLoop drains the room's outbound queue. The room closes the queue when
// it releases the connection, which ends the socket.
func (h *Handler) writeLoop(conn *websocket.Conn, session *core.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case out, ok := <-session.Send:
			if !ok {
				_ = conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeTimeout),
				)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(out); err != nil {
				slog.Debug("websocket write failed", "conn_id", session.ID, "err", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// refuse tells a connection that was not admitted why, then closes it.
func (h *Handler) refuse(conn *websocket.Conn, connID, address string, err error) {
	msg := protocol.Message{Type: protocol.TypeForceDisconnect, Reason: protocol.ReasonServerClosed}
	closeCode := websocket.CloseGoingAway

	var banned *core.BannedError
	if errors.As(err, &banned) {
		msg.Reason = protocol.ReasonBanned
		msg.Until = banned.Until.UnixMilli()
		closeCode = websocket.ClosePolicyViolation
	} else {
		slog.Warn("admit connection", "conn_id", connID, "address", address, "err", err)
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteJSON(msg)
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(closeCode, msg.Reason),
		time.Now().Add(writeTimeout),
	)
}

func originAllowed(allowed []string, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	// Same-origin requests are always fine.
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}
