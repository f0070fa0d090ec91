package stats

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/faucet/faucet/pkg/disbursement"
	faucettesting "github.com/malbeclabs/faucet/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	totals    Totals
	created   []time.Time
	points    []Point
	wallets   []Bucket
	countries []Bucket
	recent    []disbursement.Request
	err       error

	recentLimit int
}

func (f *fakeSource) StatusTotals(context.Context) (Totals, error) { return f.totals, f.err }

func (f *fakeSource) CountCreatedSince(_ context.Context, since time.Time) (int64, error) {
	var n int64
	for _, c := range f.created {
		if !c.Before(since) {
			n++
		}
	}
	return n, f.err
}

func (f *fakeSource) TopWallets(context.Context, int) ([]Bucket, error)   { return f.wallets, f.err }
func (f *fakeSource) TopCountries(context.Context, int) ([]Bucket, error) { return f.countries, f.err }

func (f *fakeSource) RecentSuccessful(_ context.Context, limit int) ([]disbursement.Request, error) {
	f.recentLimit = limit
	return f.recent, f.err
}

func (f *fakeSource) RequestPoints(_ context.Context, since, until time.Time) ([]Point, error) {
	var out []Point
	for _, p := range f.points {
		if !p.CreatedAt.Before(since) && !p.CreatedAt.After(until) {
			out = append(out, p)
		}
	}
	return out, f.err
}

type fakeBalance struct {
	err error
}

func (f fakeBalance) Balance(context.Context) (Balance, error) {
	return Balance{Address: "Faucet1111", Lamports: 42}, f.err
}

var testNow = time.Date(2024, 5, 10, 12, 30, 0, 0, time.UTC)

func newTestProjector(t *testing.T, src Source, bal BalanceReader) *Projector {
	t.Helper()
	p, err := NewProjector(Config{
		Logger:  faucettesting.NewLogger(),
		Clock:   clockwork.NewFakeClockAt(testNow),
		Source:  src,
		Balance: bal,
	})
	require.NoError(t, err)
	return p
}

func TestFaucet_Stats_Projector_Summary(t *testing.T) {
	t.Parallel()

	t.Run("empty store", func(t *testing.T) {
		t.Parallel()
		p := newTestProjector(t, &fakeSource{}, nil)
		s, err := p.Summary(context.Background())
		require.NoError(t, err)
		require.Zero(t, s.TotalRequests)
		require.Equal(t, "0", s.SuccessRate)
		require.Equal(t, "0", s.TotalTokensDistributed)
		require.Equal(t, testNow, s.LastUpdated)
	})

	t.Run("totals and windows", func(t *testing.T) {
		t.Parallel()
		src := &fakeSource{
			totals: Totals{
				Pending:             1,
				Success:             2,
				Failed:              1,
				SuccessAmount:       big.NewInt(3_000_000_000),
				AvgSuccessElapsedMs: 1234.6,
			},
			created: []time.Time{
				testNow.Add(-time.Hour),
				testNow.Add(-3 * 24 * time.Hour),
				testNow.Add(-20 * 24 * time.Hour),
				testNow.Add(-40 * 24 * time.Hour),
			},
		}
		p := newTestProjector(t, src, nil)

		s, err := p.Summary(context.Background())
		require.NoError(t, err)
		require.Equal(t, int64(4), s.TotalRequests)
		require.Equal(t, s.TotalRequests, s.SuccessfulRequests+s.FailedRequests+s.PendingRequests)
		require.Equal(t, "50.00", s.SuccessRate)
		require.Equal(t, "3000000000", s.TotalTokensDistributed)
		require.Equal(t, int64(1235), s.AverageResponseTimeMs)
		require.Equal(t, int64(1), s.RequestsToday)
		require.Equal(t, int64(2), s.RequestsThisWeek)
		require.Equal(t, int64(3), s.RequestsThisMonth)
	})

	t.Run("source error", func(t *testing.T) {
		t.Parallel()
		p := newTestProjector(t, &fakeSource{err: errors.New("boom")}, nil)
		_, err := p.Summary(context.Background())
		require.Error(t, err)
	})
}

func TestFaucet_Stats_SuccessRate(t *testing.T) {
	t.Parallel()
	require.Equal(t, "0", SuccessRate(0, 0))
	require.Equal(t, "100.00", SuccessRate(3, 3))
	require.Equal(t, "33.33", SuccessRate(1, 3))
	require.Equal(t, "66.67", SuccessRate(2, 3))
}

func TestFaucet_Stats_Projector_Admin(t *testing.T) {
	t.Parallel()

	t.Run("includes leaders and balance", func(t *testing.T) {
		t.Parallel()
		src := &fakeSource{
			wallets:   []Bucket{{Key: "w1", Count: 3}},
			countries: []Bucket{{Key: "DE", Count: 2}, {Key: "Unknown", Count: 1}},
		}
		p := newTestProjector(t, src, fakeBalance{})

		s, err := p.Admin(context.Background())
		require.NoError(t, err)
		require.Len(t, s.TopWallets, 1)
		require.Len(t, s.TopCountries, 2)
		require.NotNil(t, s.Balance)
		require.Equal(t, uint64(42), s.Balance.Lamports)
	})

	t.Run("balance failure is tolerated", func(t *testing.T) {
		t.Parallel()
		p := newTestProjector(t, &fakeSource{}, fakeBalance{err: errors.New("rpc down")})
		s, err := p.Admin(context.Background())
		require.NoError(t, err)
		require.Nil(t, s.Balance)
	})
}

func TestFaucet_Stats_Projector_Recent(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	p := newTestProjector(t, src, nil)

	_, err := p.Recent(context.Background(), 500)
	require.NoError(t, err)
	require.Equal(t, MaxRecentLimit, src.recentLimit)

	_, err = p.Recent(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 10, src.recentLimit)
}

func TestFaucet_Stats_Projector_Trends(t *testing.T) {
	t.Parallel()

	src := &fakeSource{points: []Point{
		{Status: disbursement.StatusSuccess, CreatedAt: time.Date(2024, 5, 10, 11, 5, 0, 0, time.UTC)},
		{Status: disbursement.StatusFailed, CreatedAt: time.Date(2024, 5, 10, 11, 59, 0, 0, time.UTC)},
		{Status: disbursement.StatusPending, CreatedAt: time.Date(2024, 5, 10, 12, 1, 0, 0, time.UTC)},
		{Status: disbursement.StatusSuccess, CreatedAt: time.Date(2024, 5, 9, 23, 0, 0, 0, time.UTC)},
		{Status: disbursement.StatusSuccess, CreatedAt: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)},
	}}
	p := newTestProjector(t, src, nil)

	t.Run("daily", func(t *testing.T) {
		t.Parallel()
		trends, err := p.Trends(context.Background(), PeriodDaily, 7)
		require.NoError(t, err)
		require.Equal(t, []TrendBucket{
			{Period: "2024-05-09", Total: 1, Success: 1},
			{Period: "2024-05-10", Total: 3, Success: 1, Failed: 1, Pending: 1},
		}, trends)
	})

	t.Run("hourly", func(t *testing.T) {
		t.Parallel()
		trends, err := p.Trends(context.Background(), PeriodHourly, 1)
		require.NoError(t, err)
		require.Equal(t, []TrendBucket{
			{Period: "2024-05-09T23:00:00.000Z", Total: 1, Success: 1},
			{Period: "2024-05-10T11:00:00.000Z", Total: 2, Success: 1, Failed: 1},
			{Period: "2024-05-10T12:00:00.000Z", Total: 1, Pending: 1},
		}, trends)
	})
}

func TestFaucet_Stats_ParsePeriod(t *testing.T) {
	t.Parallel()

	p, err := ParsePeriod("")
	require.NoError(t, err)
	require.Equal(t, PeriodDaily, p)

	p, err = ParsePeriod("hourly")
	require.NoError(t, err)
	require.Equal(t, PeriodHourly, p)

	_, err = ParsePeriod("weekly")
	require.Error(t, err)
}
