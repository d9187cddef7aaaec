package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"nexus/internal/core"
)

// Config is the full server configuration. Values come from the
// environment (optionally seeded from a .env file) and are overridden by
// command-line flags.
type Config struct {
	Addr      string `env:"NEXUS_ADDR"`
	Port      string `env:"PORT" envDefault:"3000"`
	DBPath    string `env:"NEXUS_DB" envDefault:"nexus.db"`
	BlobsDir  string `env:"NEXUS_BLOBS_DIR"`
	PublicDir string `env:"NEXUS_PUBLIC_DIR" envDefault:"public"`
	Debug     bool   `env:"NEXUS_DEBUG"`

	AdminSecret    string   `env:"NEXUS_ADMIN_SECRET"`
	TrustProxy     bool     `env:"NEXUS_TRUST_PROXY"`
	AllowedOrigins []string `env:"NEXUS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	TLS     bool   `env:"NEXUS_TLS"`
	TLSHost string `env:"NEXUS_TLS_HOST" envDefault:"localhost"`

	MaxFrameBytes  int64         `env:"NEXUS_MAX_FRAME_BYTES" envDefault:"65536"`
	MaxUploadBytes int64         `env:"NEXUS_MAX_UPLOAD_BYTES" envDefault:"10485760"`
	StatsInterval  time.Duration `env:"NEXUS_STATS_INTERVAL" envDefault:"1m"`
	LinkPreviews   bool          `env:"NEXUS_LINK_PREVIEWS"`

	RateLimitInterval time.Duration `env:"NEXUS_RATE_LIMIT_INTERVAL" envDefault:"500ms"`
	BurstLimit        int           `env:"NEXUS_BURST_LIMIT" envDefault:"8"`
	BurstWindow       time.Duration `env:"NEXUS_BURST_WINDOW" envDefault:"10s"`
	MaxWarnings       int           `env:"NEXUS_MAX_WARNINGS" envDefault:"3"`
	MuteDuration      time.Duration `env:"NEXUS_MUTE_DURATION" envDefault:"1m"`
	IdleTimeout       time.Duration `env:"NEXUS_IDLE_TIMEOUT" envDefault:"20s"`
	ActivitySweep     time.Duration `env:"NEXUS_ACTIVITY_SWEEP" envDefault:"5s"`
	VoteThreshold     float64       `env:"NEXUS_VOTE_THRESHOLD" envDefault:"0.51"`
	KicksBeforeBan    int           `env:"NEXUS_KICKS_BEFORE_BAN" envDefault:"2"`
	BanDuration       time.Duration `env:"NEXUS_BAN_DURATION" envDefault:"30m"`
	WipeInterval      time.Duration `env:"NEXUS_WIPE_INTERVAL" envDefault:"15m"`
	HistoryLimit      int           `env:"NEXUS_HISTORY_LIMIT" envDefault:"500"`
	GalleryLimit      int           `env:"NEXUS_GALLERY_LIMIT" envDefault:"200"`
	SendBuffer        int           `env:"NEXUS_SEND_BUFFER" envDefault:"64"`
}

// Load reads an optional .env file, then the environment, then args.
func Load(fset *flag.FlagSet, args []string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return Parse(fset, args, nil)
}

// Parse builds a Config from environ (nil means the process environment)
// and then applies flag overrides from args.
func Parse(fset *flag.FlagSet, args []string, environ map[string]string) (Config, error) {
	var cfg Config
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	fset.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address (defaults to :$PORT)")
	fset.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path for upload metadata")
	fset.StringVar(&cfg.BlobsDir, "blobs-dir", cfg.BlobsDir, "upload directory (defaults to <db-dir>/blobs)")
	fset.StringVar(&cfg.PublicDir, "public", cfg.PublicDir, "static asset directory")
	fset.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging (auto-enabled for dev builds)")
	fset.BoolVar(&cfg.TrustProxy, "trust-proxy", cfg.TrustProxy, "take client addresses from X-Forwarded-For")
	fset.BoolVar(&cfg.LinkPreviews, "link-previews", cfg.LinkPreviews, "fetch OpenGraph previews for shared links")
	fset.BoolVar(&cfg.TLS, "tls", cfg.TLS, "serve HTTPS with a self-signed certificate")
	fset.DurationVar(&cfg.WipeInterval, "wipe-interval", cfg.WipeInterval, "time between room wipes")
	fset.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "inactivity before a participant is idle")
	fset.Float64Var(&cfg.VoteThreshold, "vote-threshold", cfg.VoteThreshold, "fraction of the roster needed to vote-kick")
	if err := fset.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.Addr = strings.TrimSpace(cfg.Addr)
	if cfg.Addr == "" {
		cfg.Addr = ":" + strings.TrimSpace(cfg.Port)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the room cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.VoteThreshold <= 0 || c.VoteThreshold > 1 {
		errs = append(errs, fmt.Errorf("vote threshold must be in (0,1], got %v", c.VoteThreshold))
	}
	if c.WipeInterval < time.Second {
		errs = append(errs, fmt.Errorf("wipe interval must be at least 1s, got %s", c.WipeInterval))
	}
	if c.IdleTimeout <= 0 || c.ActivitySweep <= 0 {
		errs = append(errs, fmt.Errorf("idle timeout and activity sweep must be positive"))
	}
	if c.RateLimitInterval < 0 {
		errs = append(errs, fmt.Errorf("rate limit interval must not be negative"))
	}
	if c.BurstLimit < 0 || c.KicksBeforeBan < 0 {
		errs = append(errs, fmt.Errorf("burst limit and kicks before ban must not be negative"))
	}
	if c.MaxFrameBytes <= 0 {
		errs = append(errs, fmt.Errorf("max frame bytes must be positive"))
	}
	if c.SendBuffer <= 0 || c.HistoryLimit <= 0 || c.GalleryLimit <= 0 {
		errs = append(errs, fmt.Errorf("send buffer and history/gallery limits must be positive"))
	}
	if strings.TrimSpace(c.DBPath) == "" {
		errs = append(errs, fmt.Errorf("database path is required"))
	}
	return errors.Join(errs...)
}

// RoomOptions maps the room tunables onto core.Options.
func (c Config) RoomOptions() core.Options {
	return core.Options{
		RateLimitInterval: c.RateLimitInterval,
		BurstLimit:        c.BurstLimit,
		BurstWindow:       c.BurstWindow,
		MaxWarnings:       c.MaxWarnings,
		MuteDuration:      c.MuteDuration,
		IdleTimeout:       c.IdleTimeout,
		ActivitySweep:     c.ActivitySweep,
		VoteThreshold:     c.VoteThreshold,
		KicksBeforeBan:    c.KicksBeforeBan,
		BanDuration:       c.BanDuration,
		WipeInterval:      c.WipeInterval,
		HistoryLimit:      c.HistoryLimit,
		GalleryLimit:      c.GalleryLimit,
		SendBuffer:        c.SendBuffer,
	}
}
