package disbursement

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/malbeclabs/faucet/faucet/pkg/metrics"
)

// hookRunner fans a finalized request out to hooks, each in its own
// goroutine on a fresh context.
type hookRunner struct {
	log     *slog.Logger
	hooks   []Hook
	timeout time.Duration
	wg      sync.WaitGroup
}

func newHookRunner(log *slog.Logger, hooks []Hook, timeout time.Duration) *hookRunner {
	return &hookRunner{log: log, hooks: hooks, timeout: timeout}
}

func (r *hookRunner) run(req Request) {
	for _, h := range r.hooks {
		r.wg.Add(1)
		go func(h Hook) {
			defer r.wg.Done()
			defer func() {
				if p := recover(); p != nil {
					metrics.HookFailuresTotal.WithLabelValues(h.Name()).Inc()
					r.log.Error("disbursement: hook panicked", "hook", h.Name(), "requestId", req.ID, "panic", p)
				}
			}()
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			defer cancel()
			if err := h.OnFinalized(ctx, req); err != nil {
				metrics.HookFailuresTotal.WithLabelValues(h.Name()).Inc()
				r.log.Warn("disbursement: hook failed", "hook", h.Name(), "requestId", req.ID, "error", err)
			}
		}(h)
	}
}

func (r *hookRunner) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
