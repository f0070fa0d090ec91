// Package stats derives aggregate views over disbursement records without
// mutating them.
package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/faucet/faucet/pkg/disbursement"
)

const (
	DefaultTopLimit = 10
	MaxRecentLimit  = 50
	MaxTrendDays    = 90
	unknownCountry  = "Unknown"
)

// Totals is one consistent snapshot of counts per status.
type Totals struct {
	Pending int64
	Success int64
	Failed  int64
	// SuccessAmount sums the amounts of successful requests.
	SuccessAmount *big.Int
	// AvgSuccessElapsedMs averages ElapsedMs over successful requests that
	// have one.
	AvgSuccessElapsedMs float64
}

func (t Totals) Total() int64 {
	return t.Pending + t.Success + t.Failed
}

type Bucket struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

type Point struct {
	Status    disbursement.Status
	CreatedAt time.Time
}

// Source is the read side of the request store.
type Source interface {
	StatusTotals(ctx context.Context) (Totals, error)
	CountCreatedSince(ctx context.Context, since time.Time) (int64, error)
	TopWallets(ctx context.Context, limit int) ([]Bucket, error)
	// TopCountries counts successful requests per country. Requests
	// without a country are grouped under "Unknown".
	TopCountries(ctx context.Context, limit int) ([]Bucket, error)
	RecentSuccessful(ctx context.Context, limit int) ([]disbursement.Request, error)
	RequestPoints(ctx context.Context, since, until time.Time) ([]Point, error)
}

// BalanceReader reports the faucet account balance.
type BalanceReader interface {
	Balance(ctx context.Context) (Balance, error)
}

type Balance struct {
	Address  string `json:"address"`
	Lamports uint64 `json:"lamports"`
}

type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Source  Source
	Balance BalanceReader // optional
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Source == nil {
		return errors.New("source is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Projector struct {
	log *slog.Logger
	cfg Config
}

func NewProjector(cfg Config) (*Projector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Projector{log: cfg.Logger, cfg: cfg}, nil
}

type Summary struct {
	TotalRequests          int64     `json:"totalRequests"`
	SuccessfulRequests     int64     `json:"successfulRequests"`
	FailedRequests         int64     `json:"failedRequests"`
	PendingRequests        int64     `json:"pendingRequests"`
	SuccessRate            string    `json:"successRate"`
	TotalTokensDistributed string    `json:"totalTokensDistributed"`
	AverageResponseTimeMs  int64     `json:"averageResponseTime"`
	RequestsToday          int64     `json:"requestsToday"`
	RequestsThisWeek       int64     `json:"requestsThisWeek"`
	RequestsThisMonth      int64     `json:"requestsThisMonth"`
	LastUpdated            time.Time `json:"lastUpdated"`
}

// Summary computes the public counters. Totals come from a single snapshot so
// the total always equals the sum of its parts.
func (p *Projector) Summary(ctx context.Context) (*Summary, error) {
	now := p.cfg.Clock.Now().UTC()

	var (
		totals                 Totals
		today, week, thisMonth int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		totals, err = p.cfg.Source.StatusTotals(gctx)
		return err
	})
	for _, c := range []struct {
		since time.Time
		out   *int64
	}{
		{now.Add(-24 * time.Hour), &today},
		{now.Add(-7 * 24 * time.Hour), &week},
		{now.Add(-30 * 24 * time.Hour), &thisMonth},
	} {
		g.Go(func() error {
			n, err := p.cfg.Source.CountCreatedSince(gctx, c.since)
			*c.out = n
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to compute summary: %w", err)
	}

	distributed := "0"
	if totals.SuccessAmount != nil {
		distributed = totals.SuccessAmount.String()
	}
	return &Summary{
		TotalRequests:          totals.Total(),
		SuccessfulRequests:     totals.Success,
		FailedRequests:         totals.Failed,
		PendingRequests:        totals.Pending,
		SuccessRate:            SuccessRate(totals.Success, totals.Total()),
		TotalTokensDistributed: distributed,
		AverageResponseTimeMs:  int64(totals.AvgSuccessElapsedMs + 0.5),
		RequestsToday:          today,
		RequestsThisWeek:       week,
		RequestsThisMonth:      thisMonth,
		LastUpdated:            now,
	}, nil
}

// SuccessRate formats success/total as a percentage with two decimals, or
// "0" when there are no requests.
func SuccessRate(success, total int64) string {
	if total <= 0 {
		return "0"
	}
	return strconv.FormatFloat(float64(success)/float64(total)*100, 'f', 2, 64)
}

type AdminSummary struct {
	Summary
	TopWallets   []Bucket `json:"topWallets"`
	TopCountries []Bucket `json:"topCountries"`
	Balance      *Balance `json:"balance,omitempty"`
}

// Admin extends Summary with per-wallet and per-country leaders and the
// faucet balance. A balance read failure leaves Balance nil.
func (p *Projector) Admin(ctx context.Context) (*AdminSummary, error) {
	out := &AdminSummary{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := p.Summary(gctx)
		if err != nil {
			return err
		}
		out.Summary = *s
		return nil
	})
	g.Go(func() error {
		var err error
		out.TopWallets, err = p.cfg.Source.TopWallets(gctx, DefaultTopLimit)
		return err
	})
	g.Go(func() error {
		var err error
		out.TopCountries, err = p.cfg.Source.TopCountries(gctx, DefaultTopLimit)
		return err
	})
	if p.cfg.Balance != nil {
		g.Go(func() error {
			b, err := p.cfg.Balance.Balance(gctx)
			if err != nil {
				p.log.Warn("stats: failed to read faucet balance", "error", err)
				return nil
			}
			out.Balance = &b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to compute admin summary: %w", err)
	}
	return out, nil
}

func (p *Projector) Recent(ctx context.Context, limit int) ([]disbursement.Request, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > MaxRecentLimit {
		limit = MaxRecentLimit
	}
	return p.cfg.Source.RecentSuccessful(ctx, limit)
}

func (p *Projector) Countries(ctx context.Context) ([]Bucket, error) {
	return p.cfg.Source.TopCountries(ctx, DefaultTopLimit)
}

type Period string

const (
	PeriodHourly Period = "hourly"
	PeriodDaily  Period = "daily"
)

func ParsePeriod(s string) (Period, error) {
	switch Period(s) {
	case "", PeriodDaily:
		return PeriodDaily, nil
	case PeriodHourly:
		return PeriodHourly, nil
	}
	return "", fmt.Errorf("period must be %q or %q", PeriodHourly, PeriodDaily)
}

type TrendBucket struct {
	Period  string `json:"period"`
	Total   int64  `json:"total"`
	Success int64  `json:"success"`
	Failed  int64  `json:"failed"`
	Pending int64  `json:"pending"`
}

// Trends buckets the requests of the last days by UTC hour or day, sorted by
// bucket. Empty buckets are omitted.
func (p *Projector) Trends(ctx context.Context, period Period, days int) ([]TrendBucket, error) {
	if days <= 0 {
		days = 7
	}
	if days > MaxTrendDays {
		days = MaxTrendDays
	}
	until := p.cfg.Clock.Now().UTC()
	since := until.Add(-time.Duration(days) * 24 * time.Hour)

	points, err := p.cfg.Source.RequestPoints(ctx, since, until)
	if err != nil {
		return nil, fmt.Errorf("failed to load request points: %w", err)
	}

	buckets := make(map[string]*TrendBucket)
	for _, pt := range points {
		key := bucketKey(period, pt.CreatedAt)
		b, ok := buckets[key]
		if !ok {
			b = &TrendBucket{Period: key}
			buckets[key] = b
		}
		b.Total++
		switch pt.Status {
		case disbursement.StatusSuccess:
			b.Success++
		case disbursement.StatusFailed:
			b.Failed++
		case disbursement.StatusPending:
			b.Pending++
		}
	}

	out := make([]TrendBucket, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period < out[j].Period })
	return out, nil
}

func bucketKey(period Period, t time.Time) string {
	t = t.UTC()
	if period == PeriodHourly {
		return t.Truncate(time.Hour).Format("2006-01-02T15:04:05.000Z")
	}
	return t.Format("2006-01-02")
}

// CountryOrUnknown maps an empty country to the Unknown bucket.
func CountryOrUnknown(country *string) string {
	if country == nil || *country == "" {
		return unknownCountry
	}
	return *country
}
