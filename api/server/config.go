package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/malbeclabs/faucet/api/handlers"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Pinger is a backing service checked by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Logger            *slog.Logger
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	ReadyTimeout      time.Duration
	VersionInfo       VersionInfo
	CORSOrigins       []string
	Handlers          *handlers.Handlers
	// Ready maps service names to the check that must pass for /readyz.
	Ready map[string]Pinger
	// Sentry wraps handlers with panic and error reporting.
	Sentry bool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Handlers == nil {
		return errors.New("handlers are required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 5 * time.Second
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	return nil
}
