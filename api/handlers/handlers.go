// Package handlers maps the faucet's HTTP surface onto the disbursement
// pipeline, the abuse registry and the stats projector.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/malbeclabs/faucet/api/handlers/dberror"
	"github.com/malbeclabs/faucet/faucet/pkg/abuse"
	"github.com/malbeclabs/faucet/faucet/pkg/clientinfo"
	"github.com/malbeclabs/faucet/faucet/pkg/disbursement"
	"github.com/malbeclabs/faucet/faucet/pkg/settings"
	"github.com/malbeclabs/faucet/faucet/pkg/stats"
	"github.com/malbeclabs/faucet/utils/pkg/retry"
)

type Disbursements interface {
	Handle(ctx context.Context, in disbursement.Input) (*disbursement.Request, error)
	Get(ctx context.Context, id uuid.UUID) (*disbursement.Request, error)
	ListByWallet(ctx context.Context, wallet string, limit, offset int) ([]disbursement.Request, int, error)
	List(ctx context.Context, filter disbursement.Filter) ([]disbursement.Request, int, error)
	DefaultAmount() uint64
	MaxAmount() uint64
}

type Blacklist interface {
	Add(ctx context.Context, p abuse.AddParams) (*abuse.Entry, error)
	Remove(ctx context.Context, target string, kind abuse.Kind) (int64, error)
	List(ctx context.Context, filter abuse.Filter) ([]abuse.Entry, int, error)
}

type Stats interface {
	Summary(ctx context.Context) (*stats.Summary, error)
	Admin(ctx context.Context) (*stats.AdminSummary, error)
	Recent(ctx context.Context, limit int) ([]disbursement.Request, error)
	Countries(ctx context.Context) ([]stats.Bucket, error)
	Trends(ctx context.Context, period stats.Period, days int) ([]stats.TrendBucket, error)
}

type Settings interface {
	Upsert(ctx context.Context, u settings.Upsert) (*settings.Entry, error)
	List(ctx context.Context) ([]settings.Entry, error)
	Public(ctx context.Context) (map[string]string, error)
}

type ClientResolver interface {
	Resolve(r *http.Request) clientinfo.Context
}

var (
	_ Disbursements  = (*disbursement.Orchestrator)(nil)
	_ Blacklist      = (*abuse.Registry)(nil)
	_ Stats          = (*stats.Projector)(nil)
	_ Settings       = (*settings.Registry)(nil)
	_ ClientResolver = (*clientinfo.Resolver)(nil)
)

type Config struct {
	Logger        *slog.Logger
	Disbursements Disbursements
	Blacklist     Blacklist
	Stats         Stats
	Settings      Settings
	Resolver      ClientResolver

	// Auth guards /api/admin; nil disables the operator surface.
	Auth *OperatorAuth
	// RequestLimiter guards POST /api/faucet/request, QueryLimiter the
	// read endpoints. Either may be nil.
	RequestLimiter *RateLimiter
	QueryLimiter   *RateLimiter

	Public PublicConfig
	Retry  retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Disbursements == nil {
		return errors.New("disbursements is required")
	}
	if cfg.Blacklist == nil {
		return errors.New("blacklist is required")
	}
	if cfg.Stats == nil {
		return errors.New("stats is required")
	}
	if cfg.Settings == nil {
		return errors.New("settings is required")
	}
	if cfg.Resolver == nil {
		return errors.New("resolver is required")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = dberror.DefaultRetryConfig()
	}
	return nil
}

type Handlers struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Handlers, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Handlers{log: cfg.Logger, cfg: cfg}, nil
}

// Routes registers the /api surface on r.
func (h *Handlers) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/config", h.GetConfig)

		r.With(RateLimitMiddleware(h.cfg.RequestLimiter)).Post("/faucet/request", h.RequestDisbursement)

		r.Group(func(r chi.Router) {
			r.Use(RateLimitMiddleware(h.cfg.QueryLimiter))
			r.Get("/faucet/status/{id}", h.GetRequestStatus)
			r.Get("/faucet/history/{wallet}", h.GetWalletHistory)

			r.Get("/stats", h.GetStats)
			r.Get("/stats/recent", h.GetRecent)
			r.Get("/stats/countries", h.GetCountries)
			r.Get("/stats/trends", h.GetTrends)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireOperator(h.cfg.Auth))
			r.Get("/stats", h.GetAdminStats)
			r.Get("/requests", h.ListAdminRequests)
			r.Get("/config", h.ListSettings)
			r.Post("/config", h.UpsertSetting)
			r.Get("/blacklist", h.ListBlacklist)
			r.Post("/blacklist", h.AddBlacklist)
			r.Delete("/blacklist/{kind}/{target}", h.RemoveBlacklist)
		})
	})
}

// read runs a read-only store call with retries on transient failures.
func read[T any](ctx context.Context, h *Handlers, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return dberror.Retry(ctx, h.cfg.Retry, fn)
}

// storeFailure logs err and answers 500 with a classified message.
func (h *Handlers) storeFailure(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.log.Error(msg, "error", err, "path", r.URL.Path)
	report(r, err)
	writeError(w, http.StatusInternalServerError, dberror.UserMessage(err))
}

// report sends err to Sentry when the request carries a hub.
func report(r *http.Request, err error) {
	if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
		hub.CaptureException(err)
	}
}
