package transfer

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mr-tron/base58"

	"github.com/malbeclabs/faucet/faucet/pkg/stats"
)

// Simulated stands in for a real network in development. It returns a
// random 64 byte base58 signature after Delay, failing every FailEvery-th
// call when FailEvery > 0.
type Simulated struct {
	log       *slog.Logger
	delay     time.Duration
	failEvery int64
	calls     atomic.Int64
	balance   atomic.Uint64
}

type SimulatedConfig struct {
	Logger    *slog.Logger
	Delay     time.Duration
	FailEvery int64
	Balance   uint64
}

func NewSimulated(cfg SimulatedConfig) (*Simulated, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	s := &Simulated{log: cfg.Logger, delay: cfg.Delay, failEvery: cfg.FailEvery}
	s.balance.Store(cfg.Balance)
	return s, nil
}

func (s *Simulated) Transfer(ctx context.Context, to string, amount uint64) (string, error) {
	if err := ValidateAddress(to); err != nil {
		return "", &RejectedError{Reason: err.Error()}
	}
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.delay):
		}
	}
	n := s.calls.Add(1)
	if s.failEvery > 0 && n%s.failEvery == 0 {
		return "", &RejectedError{Reason: "simulated failure"}
	}
	for {
		cur := s.balance.Load()
		if cur < amount {
			return "", &RejectedError{Reason: "insufficient funds"}
		}
		if s.balance.CompareAndSwap(cur, cur-amount) {
			break
		}
	}

	sig := make([]byte, 64)
	if _, err := rand.Read(sig); err != nil {
		return "", err
	}
	ref := base58.Encode(sig)
	s.log.Info("transfer: simulated transfer", "to", to, "amount", amount, "signature", ref)
	return ref, nil
}

func (s *Simulated) Balance(context.Context) (stats.Balance, error) {
	return stats.Balance{Address: "simulated", Lamports: s.balance.Load()}, nil
}

func (s *Simulated) Ping(context.Context) error { return nil }
