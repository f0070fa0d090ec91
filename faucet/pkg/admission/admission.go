// Package admission decides whether a request may proceed given the recent
// successful disbursements for its wallet and origin address.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jonboulle/clockwork"
)

type Dimension string

const (
	DimensionWallet Dimension = "wallet"
	DimensionOrigin Dimension = "origin"
)

// Policy is a fixed-window quota. MaxRequests <= 0 disables the dimension.
type Policy struct {
	MaxRequests int
	Window      time.Duration
}

// Counter counts successful disbursements for key created at or after since.
type Counter interface {
	CountSuccessful(ctx context.Context, dim Dimension, key string, since time.Time) (int, error)
}

// Reserver holds a short-lived exclusive claim on a key. ok is false when
// someone else already holds it.
type Reserver interface {
	Reserve(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

type Decision struct {
	Allowed    bool
	Dimension  Dimension
	Count      int
	Limit      int
	RetryAfter time.Duration
	// Reserved is set when the denial comes from an in-flight claim rather
	// than the quota.
	Reserved bool

	release func()
}

// RetryAfterSeconds is the retry hint rounded up to whole seconds.
func (d Decision) RetryAfterSeconds() int {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(d.RetryAfter.Seconds()))
}

// Release drops any reservation taken while admitting. Safe to call on any
// decision, more than once.
func (d *Decision) Release() {
	if d.release != nil {
		d.release()
		d.release = nil
	}
}

type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Counter Counter
	Wallet  Policy
	Origin  Policy

	// Reserver is optional. When set, a wallet is claimed for ReservationTTL
	// between admission and finalization.
	Reserver       Reserver
	ReservationTTL time.Duration
	// TransferTimeout, when set, is the floor for ReservationTTL so a claim
	// cannot lapse while its transfer is still running.
	TransferTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Counter == nil {
		return errors.New("counter is required")
	}
	if cfg.Wallet.MaxRequests > 0 && cfg.Wallet.Window <= 0 {
		return errors.New("wallet window must be greater than 0")
	}
	if cfg.Origin.MaxRequests > 0 && cfg.Origin.Window <= 0 {
		return errors.New("origin window must be greater than 0")
	}
	if cfg.Reserver != nil && cfg.ReservationTTL <= 0 {
		return errors.New("reservation ttl must be greater than 0")
	}
	if cfg.Reserver != nil && cfg.ReservationTTL < cfg.TransferTimeout {
		return fmt.Errorf("reservation ttl (%s) must be at least the transfer timeout (%s)", cfg.ReservationTTL, cfg.TransferTimeout)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Controller struct {
	log *slog.Logger
	cfg Config
}

func NewController(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller{log: cfg.Logger, cfg: cfg}, nil
}

func (c *Controller) policy(dim Dimension) Policy {
	if dim == DimensionOrigin {
		return c.cfg.Origin
	}
	return c.cfg.Wallet
}

// Check evaluates one dimension. It has no side effects.
func (c *Controller) Check(ctx context.Context, dim Dimension, key string) (Decision, error) {
	p := c.policy(dim)
	if p.MaxRequests <= 0 {
		return Decision{Allowed: true, Dimension: dim}, nil
	}

	since := c.cfg.Clock.Now().Add(-p.Window)
	count, err := c.cfg.Counter.CountSuccessful(ctx, dim, key, since)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to count %s requests: %w", dim, err)
	}

	d := Decision{Allowed: count < p.MaxRequests, Dimension: dim, Count: count, Limit: p.MaxRequests}
	if !d.Allowed {
		d.RetryAfter = p.Window
	}
	return d, nil
}

// CheckAndReserve checks the wallet, then the origin, then takes the wallet
// reservation if one is configured. The caller must Release the returned
// decision once the request is finalized.
func (c *Controller) CheckAndReserve(ctx context.Context, wallet, origin string) (Decision, error) {
	d, err := c.Check(ctx, DimensionWallet, wallet)
	if err != nil || !d.Allowed {
		return d, err
	}
	od, err := c.Check(ctx, DimensionOrigin, origin)
	if err != nil || !od.Allowed {
		return od, err
	}

	if c.cfg.Reserver == nil {
		return d, nil
	}
	release, ok, err := c.cfg.Reserver.Reserve(ctx, string(DimensionWallet)+":"+wallet, c.cfg.ReservationTTL)
	if err != nil {
		// The durable count above still holds; a reservation outage only
		// widens the concurrent window.
		c.log.Warn("admission: reservation unavailable, continuing without it", "wallet", wallet, "error", err)
		return d, nil
	}
	if !ok {
		return Decision{
			Dimension:  DimensionWallet,
			Count:      d.Count,
			Limit:      d.Limit,
			RetryAfter: c.cfg.ReservationTTL,
			Reserved:   true,
		}, nil
	}
	d.release = release
	return d, nil
}
