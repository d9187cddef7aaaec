package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"nexus/internal/auth"
	"nexus/internal/blob"
	"nexus/internal/config"
	"nexus/internal/core"
	"nexus/internal/httpapi"
	"nexus/internal/linkpreview"
	"nexus/internal/protocol"
	"nexus/internal/store"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

const certValidity = 90 * 24 * time.Hour

func main() {
	handled, err := RunCLI(os.Args[1:], os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if handled {
		return
	}

	cfg, err := config.Load(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	// Auto-enable debug logging for dev builds; override with -debug flag.
	level := slog.LevelInfo
	if cfg.Debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	slog.Info("starting server", "version", Version, "addr", cfg.Addr, "db", cfg.DBPath, "wipe_interval", cfg.WipeInterval)

	sqliteStore, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open sqlite store: %w", err)
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			slog.Error("close sqlite store", "err", closeErr)
		}
	}()

	blobRoot := strings.TrimSpace(cfg.BlobsDir)
	if blobRoot == "" {
		blobRoot = filepath.Join(filepath.Dir(cfg.DBPath), "blobs")
	}
	blobStore, err := blob.NewStore(blobRoot, sqliteStore, cfg.MaxUploadBytes)
	if err != nil {
		return fmt.Errorf("initialize blob store: %w", err)
	}
	// Nothing survives a restart.
	if n, err := blobStore.Purge(ctx); err != nil {
		return fmt.Errorf("purge leftover uploads: %w", err)
	} else if n > 0 {
		slog.Info("purged leftover uploads", "count", n)
	}
	slog.Debug("blob store", "dir", blobRoot)

	var tlsConfig *tls.Config
	if cfg.TLS {
		var fingerprint string
		tlsConfig, fingerprint, err = generateTLSConfig(certValidity, cfg.TLSHost)
		if err != nil {
			return err
		}
		slog.Info("self-signed certificate generated", "host", cfg.TLSHost, "sha256", fingerprint)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	state := core.NewRoomState(cfg.RoomOptions(), nil, core.NewMetrics(reg))
	room := core.NewRoom(state, 0)

	state.OnWipe(func() {
		go func() {
			n, err := blobStore.Purge(ctx)
			if err != nil {
				slog.Error("purge uploads after wipe", "err", err)
				return
			}
			slog.Info("uploads purged", "count", n)
		}()
	})
	if cfg.LinkPreviews {
		fetcher := linkpreview.NewFetcher(false)
		state.OnMessage(fetcher.Watch(ctx, func(messageID string, lp protocol.LinkPreview) {
			if err := room.Post(ctx, func(s *core.RoomState) { s.AttachLinkPreview(messageID, lp) }); err != nil {
				slog.Debug("link preview dropped", "message_id", messageID, "err", err)
			}
		}))
		slog.Info("link previews enabled")
	}

	go func() {
		if err := room.Run(ctx); err != nil {
			slog.Error("room stopped", "err", err)
		}
	}()
	go RunStats(ctx, room, sqliteStore, cfg.StatsInterval)

	tokens := auth.NewTokens(cfg.AdminSecret, nil)
	if !tokens.Enabled() {
		slog.Warn("NEXUS_ADMIN_SECRET not set, admin actions disabled")
	}

	server := httpapi.New(room, blobStore, tokens, httpapi.Options{
		PublicDir:      cfg.PublicDir,
		AllowedOrigins: cfg.AllowedOrigins,
		MaxUploadBytes: cfg.MaxUploadBytes,
		MaxFrameBytes:  cfg.MaxFrameBytes,
		TrustProxy:     cfg.TrustProxy,
		Gatherer:       reg,
	})

	slog.Info("listening", "addr", cfg.Addr, "tls", cfg.TLS)
	serveErr := server.Run(ctx, cfg.Addr, tlsConfig)
	cancel()

	// The room releases every connection before the store closes.
	<-room.Done()
	return serveErr
}
