package disbursement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/faucet/faucet/pkg/metrics"
)

type SweeperConfig struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Store      Store
	Interval   time.Duration
	StaleAfter time.Duration
	// TransferTimeout, when set, must be below StaleAfter so the sweeper
	// never races a transfer the orchestrator is still waiting on.
	TransferTimeout time.Duration
	Hooks           []Hook
	HookTimeout     time.Duration
}

func (cfg *SweeperConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Interval <= 0 {
		return errors.New("sweep interval must be greater than 0")
	}
	if cfg.StaleAfter <= 0 {
		return errors.New("stale after must be greater than 0")
	}
	if cfg.TransferTimeout > 0 && cfg.StaleAfter <= cfg.TransferTimeout {
		return fmt.Errorf("stale after (%s) must exceed the transfer timeout (%s)", cfg.StaleAfter, cfg.TransferTimeout)
	}
	if cfg.HookTimeout <= 0 {
		cfg.HookTimeout = defaultHookTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Sweeper fails requests left pending past StaleAfter, e.g. after a crash
// between record creation and finalization.
type Sweeper struct {
	log     *slog.Logger
	cfg     SweeperConfig
	hooks   *hookRunner
	sweepMu sync.Mutex
}

func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sweeper{
		log:   cfg.Logger,
		cfg:   cfg,
		hooks: newHookRunner(cfg.Logger, cfg.Hooks, cfg.HookTimeout),
	}, nil
}

func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		s.log.Info("sweeper: starting sweep loop", "interval", s.cfg.Interval, "staleAfter", s.cfg.StaleAfter)

		s.safeSweep(ctx)

		ticker := s.cfg.Clock.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				s.safeSweep(ctx)
			}
		}
	}()
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("sweeper: sweep panicked", "panic", r)
			metrics.SweepTotal.WithLabelValues("panic").Inc()
		}
	}()
	if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
		s.log.Error("sweeper: sweep failed", "error", err)
	}
}

// Sweep fails every request pending since before now-StaleAfter with reason
// timeout and returns how many it finalized.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	now := s.cfg.Clock.Now().UTC()
	swept, err := s.cfg.Store.FailStalePending(ctx, now.Add(-s.cfg.StaleAfter), ReasonTimeout, now)
	if err != nil {
		metrics.SweepTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("failed to sweep stale requests: %w", err)
	}
	metrics.SweepTotal.WithLabelValues("success").Inc()
	metrics.SweptRequestsTotal.Add(float64(len(swept)))

	for _, req := range swept {
		s.log.Warn("sweeper: failed stale pending request", "requestId", req.ID, "wallet", req.WalletAddress, "createdAt", req.CreatedAt)
		s.hooks.run(req)
	}
	return len(swept), nil
}

// Wait blocks until in-flight hooks finish or ctx is done.
func (s *Sweeper) Wait(ctx context.Context) error {
	return s.hooks.wait(ctx)
}
