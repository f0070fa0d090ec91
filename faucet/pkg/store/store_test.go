package store_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/faucet/faucet/pkg/abuse"
	"github.com/malbeclabs/faucet/faucet/pkg/admission"
	"github.com/malbeclabs/faucet/faucet/pkg/disbursement"
	"github.com/malbeclabs/faucet/faucet/pkg/settings"
	"github.com/malbeclabs/faucet/faucet/pkg/stats"
	"github.com/malbeclabs/faucet/faucet/pkg/store"
	storetesting "github.com/malbeclabs/faucet/faucet/pkg/store/testing"
	faucettesting "github.com/malbeclabs/faucet/utils/pkg/testing"
)

type fullStore interface {
	disbursement.Store
	admission.Counter
	abuse.Store
	stats.Source
	settings.Store
}

var (
	_ fullStore = (*store.Memory)(nil)
	_ fullStore = (*store.Postgres)(nil)
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func forEachStore(t *testing.T, fn func(t *testing.T, s fullStore)) {
	t.Run("memory", func(t *testing.T) {
		t.Parallel()
		fn(t, store.NewMemory())
	})
	t.Run("postgres", func(t *testing.T) {
		t.Parallel()
		s, err := store.NewPostgres(store.PostgresConfig{
			Logger: faucettesting.NewLogger(),
			Pool:   storetesting.NewTestPool(t, testDB),
		})
		require.NoError(t, err)
		fn(t, s)
	})
}

func strp(s string) *string { return &s }

func newRequest(wallet, origin string, createdAt time.Time) *disbursement.Request {
	return &disbursement.Request{
		ID:            uuid.New(),
		WalletAddress: wallet,
		OriginAddress: origin,
		Amount:        1_000_000_000,
		Status:        disbursement.StatusPending,
		Metadata: disbursement.Metadata{
			UserAgent: "curl/8.4.0",
			Browser:   strp("curl"),
			IsBot:     true,
		},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

// seed creates a request and, for terminal statuses, finalizes it.
func seed(t *testing.T, s fullStore, wallet, origin string, createdAt time.Time, status disbursement.Status) *disbursement.Request {
	t.Helper()
	ctx := t.Context()
	req := newRequest(wallet, origin, createdAt)
	require.NoError(t, s.CreateRequest(ctx, req))
	if status == disbursement.StatusPending {
		return req
	}
	f := disbursement.Finalization{Status: status, Elapsed: 1500 * time.Millisecond, At: createdAt.Add(2 * time.Second)}
	if status == disbursement.StatusSuccess {
		f.TxReference = "sig-" + req.ID.String()
	} else {
		f.FailureReason = "rejected"
	}
	final, applied, err := s.FinalizeRequest(ctx, req.ID, f)
	require.NoError(t, err)
	require.True(t, applied)
	return final
}

func TestFaucet_Store_NewPostgres(t *testing.T) {
	t.Parallel()

	_, err := store.NewPostgres(store.PostgresConfig{})
	require.Error(t, err)
	_, err = store.NewPostgres(store.PostgresConfig{Logger: faucettesting.NewLogger()})
	require.Error(t, err)
}

func TestFaucet_Store_Requests(t *testing.T) {
	t.Parallel()

	forEachStore(t, func(t *testing.T, s fullStore) {
		ctx := context.Background()

		t.Run("create and get", func(t *testing.T) {
			req := newRequest("WalletCreate", "203.0.113.1", base)
			req.Metadata.Country = strp("DE")
			require.NoError(t, s.CreateRequest(ctx, req))

			got, err := s.GetRequest(ctx, req.ID)
			require.NoError(t, err)
			require.Equal(t, req.WalletAddress, got.WalletAddress)
			require.Equal(t, disbursement.StatusPending, got.Status)
			require.Nil(t, got.TxReference)
			require.Nil(t, got.FailureReason)
			require.Equal(t, "DE", *got.Metadata.Country)
			require.True(t, got.Metadata.IsBot)
			require.True(t, base.Equal(got.CreatedAt))
		})

		t.Run("get unknown id", func(t *testing.T) {
			_, err := s.GetRequest(ctx, uuid.New())
			require.ErrorIs(t, err, disbursement.ErrRequestNotFound)
		})

		t.Run("finalize is compare and set", func(t *testing.T) {
			req := newRequest("WalletCAS", "203.0.113.2", base)
			require.NoError(t, s.CreateRequest(ctx, req))

			final, applied, err := s.FinalizeRequest(ctx, req.ID, disbursement.Finalization{
				Status: disbursement.StatusSuccess, TxReference: "sig-1", Elapsed: 2 * time.Second, At: base.Add(2 * time.Second),
			})
			require.NoError(t, err)
			require.True(t, applied)
			require.Equal(t, disbursement.StatusSuccess, final.Status)
			require.Equal(t, "sig-1", *final.TxReference)
			require.Equal(t, int64(2000), *final.ElapsedMs)

			again, applied, err := s.FinalizeRequest(ctx, req.ID, disbursement.Finalization{
				Status: disbursement.StatusFailed, FailureReason: "timeout", At: base.Add(time.Minute),
			})
			require.NoError(t, err)
			require.False(t, applied)
			require.Equal(t, disbursement.StatusSuccess, again.Status)
			require.Equal(t, "sig-1", *again.TxReference)
			require.Nil(t, again.FailureReason)
		})

		t.Run("concurrent finalize applies exactly once", func(t *testing.T) {
			req := newRequest("WalletConcurrent", "203.0.113.9", base)
			require.NoError(t, s.CreateRequest(ctx, req))

			const writers = 8
			type outcome struct {
				final   *disbursement.Request
				applied bool
				f       disbursement.Finalization
				err     error
			}
			results := make([]outcome, writers)
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < writers; i++ {
				f := disbursement.Finalization{Status: disbursement.StatusFailed, FailureReason: fmt.Sprintf("reason-%d", i), At: base.Add(time.Second)}
				if i%2 == 0 {
					f = disbursement.Finalization{Status: disbursement.StatusSuccess, TxReference: fmt.Sprintf("sig-%d", i), Elapsed: time.Second, At: base.Add(time.Second)}
				}
				wg.Add(1)
				go func(i int, f disbursement.Finalization) {
					defer wg.Done()
					<-start
					final, applied, err := s.FinalizeRequest(ctx, req.ID, f)
					results[i] = outcome{final: final, applied: applied, f: f, err: err}
				}(i, f)
			}
			close(start)
			wg.Wait()

			var winner *outcome
			for i := range results {
				require.NoError(t, results[i].err)
				if results[i].applied {
					require.Nil(t, winner, "more than one finalize applied")
					winner = &results[i]
				}
			}
			require.NotNil(t, winner)

			got, err := s.GetRequest(ctx, req.ID)
			require.NoError(t, err)
			require.Equal(t, winner.f.Status, got.Status)
			if winner.f.Status == disbursement.StatusSuccess {
				require.Equal(t, winner.f.TxReference, *got.TxReference)
				require.Nil(t, got.FailureReason)
			} else {
				require.Equal(t, winner.f.FailureReason, *got.FailureReason)
				require.Nil(t, got.TxReference)
			}
			for _, r := range results {
				require.Equal(t, got.Status, r.final.Status)
			}
		})

		t.Run("finalize unknown id", func(t *testing.T) {
			_, _, err := s.FinalizeRequest(ctx, uuid.New(), disbursement.Finalization{
				Status: disbursement.StatusFailed, FailureReason: "x", At: base,
			})
			require.ErrorIs(t, err, disbursement.ErrRequestNotFound)
		})

		t.Run("list newest first with pagination", func(t *testing.T) {
			for i := 0; i < 5; i++ {
				seed(t, s, "WalletList", "203.0.113.3", base.Add(time.Duration(i)*time.Minute), disbursement.StatusSuccess)
			}
			seed(t, s, "OtherWalletList", "203.0.113.3", base, disbursement.StatusFailed)

			page1, total, err := s.ListRequests(ctx, disbursement.Filter{WalletAddress: "WalletList", Limit: 2})
			require.NoError(t, err)
			require.Equal(t, 5, total)
			require.Len(t, page1, 2)
			require.True(t, page1[0].CreatedAt.After(page1[1].CreatedAt))
			require.True(t, base.Add(4*time.Minute).Equal(page1[0].CreatedAt))

			page3, total, err := s.ListRequests(ctx, disbursement.Filter{WalletAddress: "WalletList", Limit: 2, Offset: 4})
			require.NoError(t, err)
			require.Equal(t, 5, total)
			require.Len(t, page3, 1)

			failed := disbursement.StatusFailed
			byStatus, total, err := s.ListRequests(ctx, disbursement.Filter{WalletContains: "WalletList", Status: &failed})
			require.NoError(t, err)
			require.Equal(t, 1, total)
			require.Equal(t, "OtherWalletList", byStatus[0].WalletAddress)

			none, total, err := s.ListRequests(ctx, disbursement.Filter{WalletAddress: "NoSuchWallet", Limit: 10})
			require.NoError(t, err)
			require.Zero(t, total)
			require.Empty(t, none)
		})

		t.Run("fail stale pending", func(t *testing.T) {
			old := seed(t, s, "WalletStale", "203.0.113.4", base.Add(-10*time.Minute), disbursement.StatusPending)
			fresh := seed(t, s, "WalletStale", "203.0.113.4", base.Add(-time.Minute), disbursement.StatusPending)
			done := seed(t, s, "WalletStale", "203.0.113.4", base.Add(-10*time.Minute), disbursement.StatusSuccess)

			swept, err := s.FailStalePending(ctx, base.Add(-5*time.Minute), "timeout", base)
			require.NoError(t, err)

			var ids []uuid.UUID
			for _, r := range swept {
				if r.WalletAddress == "WalletStale" {
					ids = append(ids, r.ID)
					require.Equal(t, disbursement.StatusFailed, r.Status)
					require.Equal(t, "timeout", *r.FailureReason)
					require.Equal(t, int64(10*60*1000), *r.ElapsedMs)
				}
			}
			require.Equal(t, []uuid.UUID{old.ID}, ids)

			got, err := s.GetRequest(ctx, fresh.ID)
			require.NoError(t, err)
			require.Equal(t, disbursement.StatusPending, got.Status)

			got, err = s.GetRequest(ctx, done.ID)
			require.NoError(t, err)
			require.Equal(t, disbursement.StatusSuccess, got.Status)
		})
	})
}

func TestFaucet_Store_CountSuccessful(t *testing.T) {
	t.Parallel()

	forEachStore(t, func(t *testing.T, s fullStore) {
		ctx := context.Background()
		seed(t, s, "WalletCount", "198.51.100.1", base.Add(-time.Minute), disbursement.StatusSuccess)
		seed(t, s, "WalletCount", "198.51.100.2", base.Add(-2*time.Minute), disbursement.StatusSuccess)
		seed(t, s, "WalletCount", "198.51.100.1", base.Add(-3*time.Minute), disbursement.StatusFailed)
		seed(t, s, "WalletCount", "198.51.100.1", base.Add(-4*time.Minute), disbursement.StatusPending)
		seed(t, s, "WalletCount", "198.51.100.1", base.Add(-20*time.Minute), disbursement.StatusSuccess)

		since := base.Add(-15 * time.Minute)
		n, err := s.CountSuccessful(ctx, admission.DimensionWallet, "WalletCount", since)
		require.NoError(t, err)
		require.Equal(t, 2, n, "failed, pending and out-of-window records do not count")

		n, err = s.CountSuccessful(ctx, admission.DimensionOrigin, "198.51.100.1", since)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		n, err = s.CountSuccessful(ctx, admission.DimensionWallet, "WalletCount", base.Add(-time.Minute))
		require.NoError(t, err)
		require.Equal(t, 1, n, "since is inclusive")
	})
}

func TestFaucet_Store_AbuseEntries(t *testing.T) {
	t.Parallel()

	forEachStore(t, func(t *testing.T, s fullStore) {
		ctx := context.Background()
		entry := func(target string, kind abuse.Kind, expiresAt *time.Time, createdAt time.Time) abuse.Entry {
			return abuse.Entry{
				ID: uuid.New(), Target: target, Kind: kind, Reason: "abuse",
				ExpiresAt: expiresAt, CreatedBy: "ops@example.com", CreatedAt: createdAt,
			}
		}

		t.Run("insert find and conflict", func(t *testing.T) {
			require.NoError(t, s.InsertEntry(ctx, entry("10.1.0.1", abuse.KindIP, nil, base), base))

			got, err := s.FindActiveEntry(ctx, "10.1.0.1", abuse.KindIP, base)
			require.NoError(t, err)
			require.NotNil(t, got)
			require.Equal(t, "ops@example.com", got.CreatedBy)

			got, err = s.FindActiveEntry(ctx, "10.1.0.1", abuse.KindWallet, base)
			require.NoError(t, err)
			require.Nil(t, got)

			err = s.InsertEntry(ctx, entry("10.1.0.1", abuse.KindIP, nil, base), base)
			require.ErrorIs(t, err, abuse.ErrConflict)
		})

		t.Run("lapsed entry is inactive and replaceable", func(t *testing.T) {
			exp := base.Add(time.Hour)
			require.NoError(t, s.InsertEntry(ctx, entry("10.1.0.2", abuse.KindIP, &exp, base), base))

			got, err := s.FindActiveEntry(ctx, "10.1.0.2", abuse.KindIP, exp)
			require.NoError(t, err)
			require.Nil(t, got)

			require.NoError(t, s.InsertEntry(ctx, entry("10.1.0.2", abuse.KindIP, nil, exp), exp))
			got, err = s.FindActiveEntry(ctx, "10.1.0.2", abuse.KindIP, exp)
			require.NoError(t, err)
			require.NotNil(t, got)
			require.Nil(t, got.ExpiresAt)
		})

		t.Run("delete reports count", func(t *testing.T) {
			require.NoError(t, s.InsertEntry(ctx, entry("WalletBlocked", abuse.KindWallet, nil, base), base))

			n, err := s.DeleteEntries(ctx, "WalletBlocked", abuse.KindWallet)
			require.NoError(t, err)
			require.Equal(t, int64(1), n)

			n, err = s.DeleteEntries(ctx, "WalletBlocked", abuse.KindWallet)
			require.NoError(t, err)
			require.Zero(t, n)
		})

		t.Run("list filters by kind", func(t *testing.T) {
			require.NoError(t, s.InsertEntry(ctx, entry("WalletListed", abuse.KindWallet, nil, base.Add(time.Minute)), base))

			kind := abuse.KindWallet
			entries, total, err := s.ListEntries(ctx, abuse.Filter{Kind: &kind, Limit: 10})
			require.NoError(t, err)
			require.Equal(t, total, len(entries))
			for _, e := range entries {
				require.Equal(t, abuse.KindWallet, e.Kind)
			}
		})
	})
}

func TestFaucet_Store_Stats(t *testing.T) {
	t.Parallel()

	forEachStore(t, func(t *testing.T, s fullStore) {
		ctx := context.Background()

		a := seed(t, s, "WalletA", "192.0.2.1", base.Add(-time.Hour), disbursement.StatusSuccess)
		seed(t, s, "WalletA", "192.0.2.1", base.Add(-2*time.Hour), disbursement.StatusSuccess)
		seed(t, s, "WalletB", "192.0.2.2", base.Add(-3*time.Hour), disbursement.StatusFailed)
		seed(t, s, "WalletC", "192.0.2.3", base.Add(-48*time.Hour), disbursement.StatusPending)

		withCountry := newRequest("WalletD", "192.0.2.4", base.Add(-30*time.Minute))
		withCountry.Metadata.Country = strp("DE")
		require.NoError(t, s.CreateRequest(ctx, withCountry))
		_, _, err := s.FinalizeRequest(ctx, withCountry.ID, disbursement.Finalization{
			Status: disbursement.StatusSuccess, TxReference: "sig-d", Elapsed: 500 * time.Millisecond, At: base,
		})
		require.NoError(t, err)

		totals, err := s.StatusTotals(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(3), totals.Success)
		require.Equal(t, int64(1), totals.Failed)
		require.Equal(t, int64(1), totals.Pending)
		require.Equal(t, "3000000000", totals.SuccessAmount.String())
		require.InDelta(t, (1500.0+1500.0+500.0)/3, totals.AvgSuccessElapsedMs, 0.01)

		n, err := s.CountCreatedSince(ctx, base.Add(-24*time.Hour))
		require.NoError(t, err)
		require.Equal(t, int64(4), n)

		wallets, err := s.TopWallets(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, []stats.Bucket{{Key: "WalletA", Count: 2}}, wallets)

		countries, err := s.TopCountries(ctx, 10)
		require.NoError(t, err)
		require.Equal(t, []stats.Bucket{{Key: "Unknown", Count: 2}, {Key: "DE", Count: 1}}, countries)

		recent, err := s.RecentSuccessful(ctx, 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		require.Equal(t, withCountry.ID, recent[0].ID)
		require.Equal(t, a.ID, recent[1].ID)

		points, err := s.RequestPoints(ctx, base.Add(-4*time.Hour), base)
		require.NoError(t, err)
		require.Len(t, points, 4)
	})
}

func TestFaucet_Store_Settings(t *testing.T) {
	t.Parallel()

	forEachStore(t, func(t *testing.T, s fullStore) {
		ctx := context.Background()

		entries, err := s.ListSettings(ctx)
		require.NoError(t, err)
		require.NotNil(t, entries)
		require.Empty(t, entries)

		public := true
		created, err := s.UpsertSetting(ctx, settings.Upsert{
			Key: "maintenance_message", Value: "back soon", Description: strp("banner"), IsPublic: &public, UpdatedBy: "ops@example.com",
		}, base)
		require.NoError(t, err)
		require.Equal(t, "back soon", created.Value)
		require.Equal(t, "banner", *created.Description)
		require.True(t, created.IsPublic)
		require.True(t, base.Equal(created.CreatedAt))

		updated, err := s.UpsertSetting(ctx, settings.Upsert{Key: "maintenance_message", Value: "all good", UpdatedBy: "root"}, base.Add(time.Hour))
		require.NoError(t, err)
		require.Equal(t, "all good", updated.Value)
		require.Equal(t, "banner", *updated.Description)
		require.True(t, updated.IsPublic)
		require.Equal(t, "root", updated.UpdatedBy)
		require.True(t, base.Equal(updated.CreatedAt))
		require.True(t, base.Add(time.Hour).Equal(updated.UpdatedAt))

		_, err = s.UpsertSetting(ctx, settings.Upsert{Key: "faucet_enabled", Value: "true"}, base)
		require.NoError(t, err)

		entries, err = s.ListSettings(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		require.Equal(t, "faucet_enabled", entries[0].Key)
		require.False(t, entries[0].IsPublic)
		require.Nil(t, entries[0].Description)
		require.Equal(t, "maintenance_message", entries[1].Key)
	})
}
