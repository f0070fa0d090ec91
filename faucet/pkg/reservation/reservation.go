// Package reservation holds short-lived exclusive claims on keys so that
// concurrent requests for the same wallet cannot both pass admission.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "faucet:reservation:"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisConfig struct {
	Logger *slog.Logger
	Client redis.UniversalClient
	Prefix string
}

func (cfg *RedisConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("redis client is required")
	}
	if strings.TrimSpace(cfg.Prefix) == "" {
		cfg.Prefix = defaultPrefix
	}
	return nil
}

// Redis reserves keys with SET NX PX. A claim is released only by its
// holder, or by expiry.
type Redis struct {
	log *slog.Logger
	cfg RedisConfig
}

func NewRedis(cfg RedisConfig) (*Redis, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Redis{log: cfg.Logger, cfg: cfg}, nil
}

func (r *Redis) Reserve(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	k := r.cfg.Prefix + key
	token := uuid.NewString()
	ok, err := r.cfg.Client.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to reserve %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, r.cfg.Client, []string{k}, token).Err(); err != nil {
				r.log.Warn("reservation: failed to release", "key", key, "error", err)
			}
		})
	}
	return release, true, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.cfg.Client.Ping(ctx).Err()
}

// Memory is a single-process Reserver.
type Memory struct {
	clock clockwork.Clock
	mu    sync.Mutex
	held  map[string]claim
}

type claim struct {
	token     string
	expiresAt time.Time
}

func NewMemory(clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{clock: clock, held: make(map[string]claim)}
}

func (m *Memory) Reserve(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if c, ok := m.held[key]; ok && now.Before(c.expiresAt) {
		return nil, false, nil
	}
	token := uuid.NewString()
	m.held[key] = claim{token: token, expiresAt: now.Add(ttl)}

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.held[key]; ok && c.token == token {
			delete(m.held, key)
		}
	}, true, nil
}
