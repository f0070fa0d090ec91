package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/faucet/api/config"
	"github.com/malbeclabs/faucet/api/handlers"
	"github.com/malbeclabs/faucet/api/metrics"
	"github.com/malbeclabs/faucet/api/server"
	"github.com/malbeclabs/faucet/faucet/pkg/abuse"
	"github.com/malbeclabs/faucet/faucet/pkg/admission"
	"github.com/malbeclabs/faucet/faucet/pkg/clientinfo"
	"github.com/malbeclabs/faucet/faucet/pkg/disbursement"
	"github.com/malbeclabs/faucet/faucet/pkg/settings"
	"github.com/malbeclabs/faucet/faucet/pkg/events"
	"github.com/malbeclabs/faucet/faucet/pkg/notify"
	"github.com/malbeclabs/faucet/faucet/pkg/reservation"
	"github.com/malbeclabs/faucet/faucet/pkg/stats"
	"github.com/malbeclabs/faucet/faucet/pkg/store"
	"github.com/malbeclabs/faucet/faucet/pkg/transfer"
	"github.com/malbeclabs/faucet/utils/pkg/logger"
	"github.com/malbeclabs/faucet/utils/pkg/retry"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr = "0.0.0.0:3001"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// backend is what the transfer implementations share.
type backend interface {
	disbursement.Transferer
	stats.BalanceReader
	server.Pinger
}

// faucetStore is implemented by both store backends.
type faucetStore interface {
	disbursement.Store
	abuse.Store
	admission.Counter
	stats.Source
	settings.Store
	server.Pinger
}

func run() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	logFormatFlag := flag.String("log-format", logger.FormatText, "log format: text or json (or set LOG_FORMAT env var)")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "HTTP listen address (or set LISTEN_ADDR env var)")
	corsOriginsFlag := flag.StringSlice("cors-origins", nil, "allowed CORS origins (or set CORS_ORIGINS env var, comma separated)")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 60*time.Second, "maximum time to wait for in-flight disbursements during shutdown; at least the transfer timeout plus two store writes (or set SHUTDOWN_TIMEOUT env var)")

	// Backends
	storeFlag := flag.String("store", "postgres", "request store: postgres or memory (or set FAUCET_STORE env var)")
	transferFlag := flag.String("transfer", "solana", "transfer backend: solana or simulated (or set FAUCET_TRANSFER env var)")
	reservationFlag := flag.String("reservation", "", "wallet reservation: redis, memory or none; defaults to redis when REDIS_URL is set (or set FAUCET_RESERVATION env var)")
	networkFlag := flag.String("network", "devnet", "network name reported to clients (or set SOLANA_NETWORK env var)")
	solanaRPCFlag := flag.String("solana-rpc-url", "https://api.devnet.solana.com", "Solana RPC URL (or set SOLANA_RPC_URL env var)")
	redisURLFlag := flag.String("redis-url", "", "Redis URL for wallet reservations (or set REDIS_URL env var)")
	reservationTTLFlag := flag.Duration("reservation-ttl", time.Minute, "wallet reservation TTL (or set RESERVATION_TTL env var)")

	// Amounts and quotas
	defaultAmountFlag := flag.Uint64("default-amount", disbursement.DefaultAmount, "default disbursement in base units (or set FAUCET_DEFAULT_AMOUNT env var)")
	maxAmountFlag := flag.Uint64("max-amount", 0, "largest disbursement in base units, 0 means 10x default (or set FAUCET_MAX_AMOUNT env var)")
	windowFlag := flag.Duration("rate-limit-window", 15*time.Minute, "quota window (or set RATE_LIMIT_WINDOW env var)")
	walletMaxFlag := flag.Int("rate-limit-max-requests", 3, "successful disbursements per wallet per window (or set RATE_LIMIT_MAX_REQUESTS env var)")
	originMaxFlag := flag.Int("rate-limit-origin-max-requests", 10, "successful disbursements per origin per window (or set RATE_LIMIT_ORIGIN_MAX_REQUESTS env var)")
	httpRateFlag := flag.Float64("http-rate-limit", 1, "per-IP request rate on the disbursement endpoint, per second")
	httpBurstFlag := flag.Int("http-rate-burst", 5, "per-IP burst on the disbursement endpoint")
	queryRateFlag := flag.Float64("query-rate-limit", 10, "per-IP request rate on read endpoints, per second")
	queryBurstFlag := flag.Int("query-rate-burst", 30, "per-IP burst on read endpoints")

	// Lifecycle
	transferTimeoutFlag := flag.Duration("transfer-timeout", disbursement.DefaultTransferTimeout, "transfer deadline (or set TRANSFER_TIMEOUT env var)")
	sweepIntervalFlag := flag.Duration("sweep-interval", time.Minute, "stale-request sweep interval (or set SWEEP_INTERVAL env var)")
	sweepStaleAfterFlag := flag.Duration("sweep-stale-after", 5*time.Minute, "age after which a pending request is failed (or set SWEEP_STALE_AFTER env var)")

	// Integrations
	geoipDBFlag := flag.String("geoip-city-db", "", "path to a GeoIP2/GeoLite2 City database (or set GEOIP_CITY_DB env var)")
	rabbitURLFlag := flag.String("rabbitmq-url", "", "RabbitMQ URL for finalization events (or set RABBITMQ_URL env var)")
	rabbitExchangeFlag := flag.String("rabbitmq-exchange", "faucet.disbursements", "RabbitMQ exchange (or set RABBITMQ_EXCHANGE env var)")
	slackWebhookFlag := flag.String("slack-webhook-url", "", "Slack incoming webhook for failed disbursements (or set SLACK_WEBHOOK_URL env var)")
	slackSuccessFlag := flag.Bool("slack-notify-success", false, "also post successful disbursements to Slack")
	explorerURLFlag := flag.String("explorer-url", "https://explorer.solana.com/tx/", "transaction explorer prefix used in notifications")
	sentryEnvFlag := flag.String("sentry-environment", "development", "Sentry environment (or set SENTRY_ENVIRONMENT env var)")

	// Operator surface
	adminEmailsFlag := flag.StringSlice("admin-emails", nil, "operator emails allowed on /api/admin (or set ADMIN_EMAILS env var)")
	issueTokenFlag := flag.String("issue-operator-token", "", "print an operator token for the given email and exit")
	issueTokenTTLFlag := flag.Duration("issue-operator-token-ttl", 12*time.Hour, "lifetime of a token printed by --issue-operator-token")

	flag.Parse()

	// Override flags with environment variables if set
	envString(listenAddrFlag, "LISTEN_ADDR")
	envString(logFormatFlag, "LOG_FORMAT")
	envString(storeFlag, "FAUCET_STORE")
	envString(transferFlag, "FAUCET_TRANSFER")
	envString(reservationFlag, "FAUCET_RESERVATION")
	envString(networkFlag, "SOLANA_NETWORK")
	envString(solanaRPCFlag, "SOLANA_RPC_URL")
	envString(redisURLFlag, "REDIS_URL")
	envString(geoipDBFlag, "GEOIP_CITY_DB")
	envString(rabbitURLFlag, "RABBITMQ_URL")
	envString(rabbitExchangeFlag, "RABBITMQ_EXCHANGE")
	envString(slackWebhookFlag, "SLACK_WEBHOOK_URL")
	envString(sentryEnvFlag, "SENTRY_ENVIRONMENT")
	envList(corsOriginsFlag, "CORS_ORIGINS")
	envList(adminEmailsFlag, "ADMIN_EMAILS")
	if err := envUint64(defaultAmountFlag, "FAUCET_DEFAULT_AMOUNT"); err != nil {
		return err
	}
	if err := envUint64(maxAmountFlag, "FAUCET_MAX_AMOUNT"); err != nil {
		return err
	}
	if err := envInt(walletMaxFlag, "RATE_LIMIT_MAX_REQUESTS"); err != nil {
		return err
	}
	if err := envInt(originMaxFlag, "RATE_LIMIT_ORIGIN_MAX_REQUESTS"); err != nil {
		return err
	}
	for name, d := range map[string]*time.Duration{
		"RATE_LIMIT_WINDOW": windowFlag,
		"TRANSFER_TIMEOUT":  transferTimeoutFlag,
		"SWEEP_INTERVAL":    sweepIntervalFlag,
		"SWEEP_STALE_AFTER": sweepStaleAfterFlag,
		"RESERVATION_TTL":   reservationTTLFlag,
		"SHUTDOWN_TIMEOUT":  shutdownTimeoutFlag,
	} {
		if err := envDuration(d, name); err != nil {
			return err
		}
	}

	log := logger.New(logger.Config{Verbose: *verboseFlag, Format: *logFormatFlag})

	var auth *handlers.OperatorAuth
	if secret := os.Getenv("OPERATOR_JWT_SECRET"); secret != "" {
		var err error
		auth, err = handlers.NewOperatorAuth(handlers.OperatorAuthConfig{
			Logger:        log,
			Secret:        []byte(secret),
			AllowedEmails: *adminEmailsFlag,
			Issuer:        os.Getenv("OPERATOR_JWT_ISSUER"),
		})
		if err != nil {
			return fmt.Errorf("failed to create operator auth: %w", err)
		}
	}
	if *issueTokenFlag != "" {
		if auth == nil {
			return errors.New("OPERATOR_JWT_SECRET is required to issue operator tokens")
		}
		token, err := auth.Issue(handlers.Operator{Email: *issueTokenFlag, Role: handlers.RoleAdmin}, *issueTokenTTLFlag)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	}

	sentryDSN := os.Getenv("SENTRY_DSN")
	if sentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         sentryDSN,
			Environment: *sentryEnvFlag,
			Release:     version,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
		log.Info("sentry initialized", "environment", *sentryEnvFlag)
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ready := map[string]server.Pinger{}
	startup := retry.DefaultConfig()
	startup.OnRetry = func(attempt int, err error) {
		log.Warn("backing service not ready, retrying", "attempt", attempt, "error", err)
	}

	// Store
	var st faucetStore
	switch *storeFlag {
	case "postgres":
		pgCfg, err := config.PostgresFromEnv()
		if err != nil {
			return err
		}
		var pg *store.Postgres
		err = retry.Do(ctx, startup, func(ctx context.Context) error {
			pool, err := config.OpenPostgres(ctx, log, pgCfg)
			if err != nil {
				return err
			}
			pg, err = store.NewPostgres(store.PostgresConfig{Logger: log, Pool: pool})
			if err != nil {
				pool.Close()
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to open postgres: %w", err)
		}
		defer pg.Close()
		st = pg
	case "memory":
		log.Warn("using in-memory store, requests are lost on restart")
		st = store.NewMemory()
	default:
		return fmt.Errorf("unknown store %q", *storeFlag)
	}
	ready["database"] = st

	// Transfer backend
	var (
		xfer          backend
		faucetAddress string
	)
	switch *transferFlag {
	case "solana":
		key, err := transfer.ParsePrivateKey(os.Getenv("SOLANA_PRIVATE_KEY"))
		if err != nil {
			return fmt.Errorf("SOLANA_PRIVATE_KEY: %w", err)
		}
		sol, err := transfer.NewSolana(transfer.SolanaConfig{
			Logger:     log,
			RPC:        transfer.NewSolanaRPC(*solanaRPCFlag),
			PrivateKey: key,
		})
		if err != nil {
			return fmt.Errorf("failed to create solana transfer: %w", err)
		}
		xfer, faucetAddress = sol, sol.Address()
		log.Info("solana transfer ready", "rpc", *solanaRPCFlag, "faucet", faucetAddress)
	case "simulated":
		log.Warn("using simulated transfers, no funds are moved")
		sim, err := transfer.NewSimulated(transfer.SimulatedConfig{Logger: log, Balance: 1_000 * disbursement.DefaultAmount})
		if err != nil {
			return err
		}
		xfer = sim
	default:
		return fmt.Errorf("unknown transfer backend %q", *transferFlag)
	}
	ready["transfer"] = xfer

	// Reservation
	if *reservationFlag == "" {
		*reservationFlag = "none"
		if *redisURLFlag != "" {
			*reservationFlag = "redis"
		}
	}
	var reserver admission.Reserver
	switch *reservationFlag {
	case "redis":
		if *redisURLFlag == "" {
			return errors.New("REDIS_URL is required for redis reservations")
		}
		opts, err := redis.ParseURL(*redisURLFlag)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		if err := retry.Do(ctx, startup, func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		res, err := reservation.NewRedis(reservation.RedisConfig{Logger: log, Client: client})
		if err != nil {
			return err
		}
		reserver = res
		ready["redis"] = res
	case "memory":
		reserver = reservation.NewMemory(nil)
	case "none":
	default:
		return fmt.Errorf("unknown reservation backend %q", *reservationFlag)
	}

	// Finalization hooks
	var hooks []disbursement.Hook
	if *rabbitURLFlag != "" {
		pub, err := events.Dial(log, *rabbitURLFlag, *rabbitExchangeFlag)
		if err != nil {
			return fmt.Errorf("failed to connect to rabbitmq: %w", err)
		}
		defer pub.Close()
		hooks = append(hooks, pub)
	}
	if *slackWebhookFlag != "" {
		sl, err := notify.NewSlack(notify.SlackConfig{
			Logger:        log,
			WebhookURL:    *slackWebhookFlag,
			NotifySuccess: *slackSuccessFlag,
			ExplorerURL:   *explorerURLFlag,
		})
		if err != nil {
			return err
		}
		hooks = append(hooks, sl)
	}

	var geo clientinfo.GeoLookup
	if *geoipDBFlag != "" {
		db, err := clientinfo.OpenGeoIP2(*geoipDBFlag)
		if err != nil {
			return err
		}
		defer db.Close()
		geo = db
	}

	registry, err := abuse.NewRegistry(abuse.Config{Logger: log, Store: st})
	if err != nil {
		return err
	}
	ctrl, err := admission.NewController(admission.Config{
		Logger:         log,
		Counter:        st,
		Wallet:         admission.Policy{MaxRequests: *walletMaxFlag, Window: *windowFlag},
		Origin:         admission.Policy{MaxRequests: *originMaxFlag, Window: *windowFlag},
		Reserver:        reserver,
		ReservationTTL:  *reservationTTLFlag,
		TransferTimeout: *transferTimeoutFlag,
	})
	if err != nil {
		return err
	}
	orch, err := disbursement.NewOrchestrator(disbursement.Config{
		Logger:          log,
		Store:           st,
		Blocklist:       registry,
		Admission:       ctrl,
		Transferer:      xfer,
		ValidateAddress: transfer.ValidateAddress,
		Hooks:           hooks,
		DefaultAmount:   *defaultAmountFlag,
		MaxAmount:       *maxAmountFlag,
		TransferTimeout: *transferTimeoutFlag,
	})
	if err != nil {
		return err
	}
	if drain := orch.DrainTimeout(); *shutdownTimeoutFlag < drain {
		return fmt.Errorf("shutdown timeout (%s) must be at least %s to drain in-flight disbursements", *shutdownTimeoutFlag, drain)
	}
	sweeper, err := disbursement.NewSweeper(disbursement.SweeperConfig{
		Logger:          log,
		Store:           st,
		Interval:        *sweepIntervalFlag,
		StaleAfter:      *sweepStaleAfterFlag,
		TransferTimeout: *transferTimeoutFlag,
		Hooks:           hooks,
	})
	if err != nil {
		return err
	}
	projector, err := stats.NewProjector(stats.Config{Logger: log, Source: st, Balance: xfer})
	if err != nil {
		return err
	}
	resolver, err := clientinfo.NewResolver(clientinfo.ResolverConfig{Logger: log, Geo: geo})
	if err != nil {
		return err
	}
	operatorSettings, err := settings.NewRegistry(settings.Config{Logger: log, Store: st})
	if err != nil {
		return err
	}

	requestLimiter := handlers.NewRateLimiter(rate.Limit(*httpRateFlag), *httpBurstFlag)
	defer requestLimiter.Stop()
	queryLimiter := handlers.NewRateLimiter(rate.Limit(*queryRateFlag), *queryBurstFlag)
	defer queryLimiter.Stop()

	h, err := handlers.New(handlers.Config{
		Logger:         log,
		Disbursements:  orch,
		Blacklist:      registry,
		Stats:          projector,
		Settings:       operatorSettings,
		Resolver:       resolver,
		Auth:           auth,
		RequestLimiter: requestLimiter,
		QueryLimiter:   queryLimiter,
		Public: handlers.PublicConfig{
			Network:               *networkFlag,
			FaucetAddress:         faucetAddress,
			RateLimitWindowSecs:   int(windowFlag.Seconds()),
			RateLimitMaxRequests:  *walletMaxFlag,
			SentryDSN:             os.Getenv("SENTRY_FRONTEND_DSN"),
			SentryEnvironment:     *sentryEnvFlag,
			OperatorSurfaceActive: auth != nil,
		},
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Logger:          log,
		ListenAddr:      *listenAddrFlag,
		ShutdownTimeout: *shutdownTimeoutFlag,
		VersionInfo:     server.VersionInfo{Version: version, Commit: commit, Date: date},
		CORSOrigins:     *corsOriginsFlag,
		Handlers:        h,
		Ready:           ready,
		Sentry:          sentryDSN != "",
	})
	if err != nil {
		return err
	}

	sweeper.Start(ctx)
	log.Info("faucet api starting",
		"version", version,
		"store", *storeFlag,
		"transfer", *transferFlag,
		"reservation", *reservationFlag,
		"hooks", len(hooks),
		"operator_surface", auth != nil,
	)

	runErr := srv.Run(ctx)
	cancel()

	log.Info("waiting for in-flight disbursements", "timeout", *shutdownTimeoutFlag)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), *shutdownTimeoutFlag)
	defer waitCancel()
	if err := orch.Wait(waitCtx); err != nil {
		log.Warn("timeout waiting for in-flight disbursements", "error", err)
	}
	if err := sweeper.Wait(waitCtx); err != nil {
		log.Warn("timeout waiting for sweeper", "error", err)
	}
	log.Info("faucet api stopped")
	return runErr
}

func envString(dst *string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envList(dst *[]string, name string) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}

func envUint64(dst *uint64, name string) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = n
	return nil
}

func envInt(dst *int, name string) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = n
	return nil
}

func envDuration(dst *time.Duration, name string) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = d
	return nil
}
