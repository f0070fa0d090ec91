package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/malbeclabs/faucet/faucet/pkg/disbursement"
	"github.com/malbeclabs/faucet/faucet/pkg/stats"
)

// GetStats handles GET /api/stats.
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	summary, err := read(r.Context(), h, h.cfg.Stats.Summary)
	if err != nil {
		h.storeFailure(w, r, "handlers: failed to compute stats", err)
		return
	}
	writeData(w, http.StatusOK, "", summary)
}

// GetRecent handles GET /api/stats/recent.
func (h *Handlers) GetRecent(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	recent, err := read(r.Context(), h, func(ctx context.Context) ([]disbursement.Request, error) {
		return h.cfg.Stats.Recent(ctx, limit)
	})
	if err != nil {
		h.storeFailure(w, r, "handlers: failed to load recent disbursements", err)
		return
	}
	writeData(w, http.StatusOK, "", mapSlice(recent, newRecentView))
}

type countryView struct {
	Country string `json:"country"`
	Count   int64  `json:"count"`
}

// GetCountries handles GET /api/stats/countries.
func (h *Handlers) GetCountries(w http.ResponseWriter, r *http.Request) {
	buckets, err := read(r.Context(), h, h.cfg.Stats.Countries)
	if err != nil {
		h.storeFailure(w, r, "handlers: failed to load countries", err)
		return
	}
	writeData(w, http.StatusOK, "", mapSlice(buckets, func(b stats.Bucket) countryView {
		return countryView{Country: b.Key, Count: b.Count}
	}))
}

type trendsView struct {
	Period string              `json:"period"`
	Days   int                 `json:"days"`
	Trends []stats.TrendBucket `json:"trends"`
}

// GetTrends handles GET /api/stats/trends.
func (h *Handlers) GetTrends(w http.ResponseWriter, r *http.Request) {
	period, err := stats.ParsePeriod(r.URL.Query().Get("period"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	days := 7
	if d := r.URL.Query().Get("days"); d != "" {
		parsed, err := strconv.Atoi(d)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = min(parsed, stats.MaxTrendDays)
	}

	trends, err := read(r.Context(), h, func(ctx context.Context) ([]stats.TrendBucket, error) {
		return h.cfg.Stats.Trends(ctx, period, days)
	})
	if err != nil {
		h.storeFailure(w, r, "handlers: failed to compute trends", err)
		return
	}
	writeData(w, http.StatusOK, "", trendsView{Period: string(period), Days: days, Trends: trends})
}
