// Package abuse maintains the operator-managed blacklist of wallets and
// origin addresses.
package abuse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var (
	ErrConflict = errors.New("an active entry already exists for this target")
	ErrNotFound = errors.New("no entry exists for this target")
	ErrInvalid  = errors.New("invalid entry")
)

type Kind string

const (
	KindIP     Kind = "ip"
	KindWallet Kind = "wallet"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindIP, KindWallet:
		return k, nil
	}
	return "", fmt.Errorf("%w: kind must be %q or %q", ErrInvalid, KindIP, KindWallet)
}

type Entry struct {
	ID        uuid.UUID  `json:"id"`
	Target    string     `json:"target"`
	Kind      Kind       `json:"kind"`
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	CreatedBy string     `json:"createdBy"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Active reports whether the entry is in force at now. Entries without an
// expiry never lapse.
func (e Entry) Active(now time.Time) bool {
	return e.ExpiresAt == nil || e.ExpiresAt.After(now)
}

type Filter struct {
	Kind   *Kind
	Limit  int
	Offset int
}

// Store persists entries. FindActive returns nil, nil when no active entry
// exists. Insert must fail with ErrConflict if an active entry for the same
// target and kind exists, and must replace a lapsed one.
type Store interface {
	FindActiveEntry(ctx context.Context, target string, kind Kind, now time.Time) (*Entry, error)
	InsertEntry(ctx context.Context, entry Entry, now time.Time) error
	DeleteEntries(ctx context.Context, target string, kind Kind) (int64, error)
	ListEntries(ctx context.Context, filter Filter) ([]Entry, int, error)
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

// IsBlocked returns the active entry for target, or nil.
func (r *Registry) IsBlocked(ctx context.Context, target string, kind Kind) (*Entry, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, nil
	}
	entry, err := r.cfg.Store.FindActiveEntry(ctx, target, kind, r.cfg.Clock.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s entry: %w", kind, err)
	}
	return entry, nil
}

type AddParams struct {
	Target    string
	Kind      Kind
	Reason    string
	ExpiresAt *time.Time
	CreatedBy string
}

func (r *Registry) Add(ctx context.Context, p AddParams) (*Entry, error) {
	now := r.cfg.Clock.Now().UTC()

	target := strings.TrimSpace(p.Target)
	reason := strings.TrimSpace(p.Reason)
	if target == "" {
		return nil, fmt.Errorf("%w: target is required", ErrInvalid)
	}
	if reason == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrInvalid)
	}
	if p.Kind != KindIP && p.Kind != KindWallet {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalid, p.Kind)
	}
	if p.ExpiresAt != nil && !p.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: expiry must be in the future", ErrInvalid)
	}

	entry := Entry{
		ID:        uuid.New(),
		Target:    target,
		Kind:      p.Kind,
		Reason:    reason,
		CreatedBy: p.CreatedBy,
		CreatedAt: now,
	}
	if p.ExpiresAt != nil {
		exp := p.ExpiresAt.UTC()
		entry.ExpiresAt = &exp
	}

	if err := r.cfg.Store.InsertEntry(ctx, entry, now); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to insert entry: %w", err)
	}
	r.log.Info("abuse: entry added", "target", target, "kind", p.Kind, "createdBy", p.CreatedBy)
	return &entry, nil
}

// Remove deletes every entry for target and kind and returns how many were
// removed. Zero removals is ErrNotFound.
func (r *Registry) Remove(ctx context.Context, target string, kind Kind) (int64, error) {
	n, err := r.cfg.Store.DeleteEntries(ctx, strings.TrimSpace(target), kind)
	if err != nil {
		return 0, fmt.Errorf("failed to delete entries: %w", err)
	}
	if n == 0 {
		return 0, ErrNotFound
	}
	r.log.Info("abuse: entry removed", "target", target, "kind", kind, "count", n)
	return n, nil
}

func (r *Registry) List(ctx context.Context, filter Filter) ([]Entry, int, error) {
	entries, total, err := r.cfg.Store.ListEntries(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list entries: %w", err)
	}
	return entries, total, nil
}
