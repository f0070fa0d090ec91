package abuse

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	faucettesting "github.com/malbeclabs/faucet/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

// fakeStore mirrors the store contract with a slice.
type fakeStore struct {
	mu      sync.Mutex
	entries []Entry
}

func (s *fakeStore) FindActiveEntry(_ context.Context, target string, kind Kind, now time.Time) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.Target == target && e.Kind == kind && e.Active(now) {
			e := e
			return &e, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) InsertEntry(_ context.Context, entry Entry, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []Entry
	for _, e := range s.entries {
		if e.Target == entry.Target && e.Kind == entry.Kind {
			if e.Active(now) {
				return ErrConflict
			}
			continue
		}
		kept = append(kept, e)
	}
	s.entries = append(kept, entry)
	return nil
}

func (s *fakeStore) DeleteEntries(_ context.Context, target string, kind Kind) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.Target == target && e.Kind == kind {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return n, nil
}

func (s *fakeStore) ListEntries(_ context.Context, filter Filter) ([]Entry, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if filter.Kind == nil || *filter.Kind == e.Kind {
			out = append(out, e)
		}
	}
	return out, len(out), nil
}

func newTestRegistry(t *testing.T) (*Registry, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	r, err := NewRegistry(Config{Logger: faucettesting.NewLogger(), Clock: clock, Store: &fakeStore{}})
	require.NoError(t, err)
	return r, clock
}

func TestFaucet_Abuse_Registry(t *testing.T) {
	t.Parallel()

	t.Run("config requires store", func(t *testing.T) {
		t.Parallel()
		_, err := NewRegistry(Config{Logger: faucettesting.NewLogger()})
		require.Error(t, err)
	})

	t.Run("add then is blocked", func(t *testing.T) {
		t.Parallel()
		r, _ := newTestRegistry(t)
		ctx := context.Background()

		entry, err := r.Add(ctx, AddParams{Target: "WalletA", Kind: KindWallet, Reason: "abuse", CreatedBy: "ops@example.com"})
		require.NoError(t, err)
		require.Equal(t, "WalletA", entry.Target)

		got, err := r.IsBlocked(ctx, "WalletA", KindWallet)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, "abuse", got.Reason)

		got, err = r.IsBlocked(ctx, "WalletA", KindIP)
		require.NoError(t, err)
		require.Nil(t, got)
	})

	t.Run("duplicate active entry conflicts", func(t *testing.T) {
		t.Parallel()
		r, _ := newTestRegistry(t)
		ctx := context.Background()

		_, err := r.Add(ctx, AddParams{Target: "10.0.0.1", Kind: KindIP, Reason: "spam"})
		require.NoError(t, err)
		_, err = r.Add(ctx, AddParams{Target: "10.0.0.1", Kind: KindIP, Reason: "again"})
		require.ErrorIs(t, err, ErrConflict)
	})

	t.Run("expired entry is not blocking and can be replaced", func(t *testing.T) {
		t.Parallel()
		r, clock := newTestRegistry(t)
		ctx := context.Background()

		exp := clock.Now().Add(time.Hour)
		_, err := r.Add(ctx, AddParams{Target: "10.0.0.2", Kind: KindIP, Reason: "temp", ExpiresAt: &exp})
		require.NoError(t, err)

		got, err := r.IsBlocked(ctx, "10.0.0.2", KindIP)
		require.NoError(t, err)
		require.NotNil(t, got)

		clock.Advance(time.Hour)
		got, err = r.IsBlocked(ctx, "10.0.0.2", KindIP)
		require.NoError(t, err)
		require.Nil(t, got, "entry lapses at its expiry")

		_, err = r.Add(ctx, AddParams{Target: "10.0.0.2", Kind: KindIP, Reason: "permanent"})
		require.NoError(t, err)
	})

	t.Run("rejects invalid params", func(t *testing.T) {
		t.Parallel()
		r, clock := newTestRegistry(t)
		ctx := context.Background()
		past := clock.Now().Add(-time.Minute)

		for _, p := range []AddParams{
			{Target: "", Kind: KindIP, Reason: "x"},
			{Target: "a", Kind: KindIP, Reason: "  "},
			{Target: "a", Kind: "email", Reason: "x"},
			{Target: "a", Kind: KindIP, Reason: "x", ExpiresAt: &past},
		} {
			_, err := r.Add(ctx, p)
			require.ErrorIs(t, err, ErrInvalid)
		}
	})

	t.Run("remove reports count and not found", func(t *testing.T) {
		t.Parallel()
		r, _ := newTestRegistry(t)
		ctx := context.Background()

		_, err := r.Add(ctx, AddParams{Target: "WalletB", Kind: KindWallet, Reason: "abuse"})
		require.NoError(t, err)

		n, err := r.Remove(ctx, "WalletB", KindWallet)
		require.NoError(t, err)
		require.Equal(t, int64(1), n)

		n, err = r.Remove(ctx, "WalletB", KindWallet)
		require.ErrorIs(t, err, ErrNotFound)
		require.Zero(t, n)
	})

	t.Run("blank target is never blocked", func(t *testing.T) {
		t.Parallel()
		r, _ := newTestRegistry(t)
		got, err := r.IsBlocked(context.Background(), "  ", KindWallet)
		require.NoError(t, err)
		require.Nil(t, got)
	})
}

func TestFaucet_Abuse_ParseKind(t *testing.T) {
	t.Parallel()

	k, err := ParseKind(" IP ")
	require.NoError(t, err)
	require.Equal(t, KindIP, k)

	k, err = ParseKind("wallet")
	require.NoError(t, err)
	require.Equal(t, KindWallet, k)

	_, err = ParseKind("email")
	require.ErrorIs(t, err, ErrInvalid)
}
