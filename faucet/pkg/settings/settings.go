// Package settings keeps operator-managed key/value configuration. Entries
// marked public are served to the frontend alongside the static config.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

const MaxKeyLength = 128

var ErrInvalid = errors.New("invalid setting")

type Entry struct {
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	Description *string   `json:"description,omitempty"`
	IsPublic    bool      `json:"isPublic"`
	UpdatedBy   string    `json:"updatedBy"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Upsert creates or replaces the value for Key. A nil Description or
// IsPublic keeps the stored one; a new entry defaults to private.
type Upsert struct {
	Key         string
	Value       string
	Description *string
	IsPublic    *bool
	UpdatedBy   string
}

type Store interface {
	UpsertSetting(ctx context.Context, u Upsert, now time.Time) (*Entry, error)
	// ListSettings returns every entry ordered by key.
	ListSettings(ctx context.Context) ([]Entry, error)
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  Store
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Registry struct {
	log *slog.Logger
	cfg Config
}

func NewRegistry(cfg Config) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Registry{log: cfg.Logger, cfg: cfg}, nil
}

func (r *Registry) Upsert(ctx context.Context, u Upsert) (*Entry, error) {
	u.Key = strings.TrimSpace(u.Key)
	if u.Key == "" {
		return nil, fmt.Errorf("%w: key is required", ErrInvalid)
	}
	if len(u.Key) > MaxKeyLength {
		return nil, fmt.Errorf("%w: key must be at most %d characters", ErrInvalid, MaxKeyLength)
	}
	if u.Value == "" {
		return nil, fmt.Errorf("%w: value is required", ErrInvalid)
	}

	entry, err := r.cfg.Store.UpsertSetting(ctx, u, r.cfg.Clock.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to upsert setting: %w", err)
	}
	r.log.Info("settings: entry updated", "key", u.Key, "value", u.Value, "updatedBy", u.UpdatedBy)
	return entry, nil
}

func (r *Registry) List(ctx context.Context) ([]Entry, error) {
	entries, err := r.cfg.Store.ListSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	return entries, nil
}

// Public returns the values of public entries by key.
func (r *Registry) Public(ctx context.Context) (map[string]string, error) {
	entries, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, e := range entries {
		if e.IsPublic {
			out[e.Key] = e.Value
		}
	}
	return out, nil
}
