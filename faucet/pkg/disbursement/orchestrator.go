package disbursement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/faucet/faucet/pkg/abuse"
	"github.com/malbeclabs/faucet/faucet/pkg/admission"
	"github.com/malbeclabs/faucet/faucet/pkg/clientinfo"
	"github.com/malbeclabs/faucet/faucet/pkg/metrics"
)

const (
	DefaultAmount          uint64 = 1_000_000_000
	DefaultTransferTimeout        = 30 * time.Second
	defaultWriteTimeout           = 10 * time.Second
	defaultHookTimeout            = 10 * time.Second
)

// Blocklist answers whether a target is currently blacklisted.
type Blocklist interface {
	IsBlocked(ctx context.Context, target string, kind abuse.Kind) (*abuse.Entry, error)
}

// Admitter runs quota admission for a wallet and origin.
type Admitter interface {
	CheckAndReserve(ctx context.Context, wallet, origin string) (admission.Decision, error)
}

// AddressValidator rejects wallet addresses the transfer layer cannot pay.
type AddressValidator func(address string) error

type Config struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Store      Store
	Blocklist  Blocklist
	Admission  Admitter
	Transferer Transferer

	ValidateAddress AddressValidator // optional
	Hooks           []Hook

	DefaultAmount   uint64
	MaxAmount       uint64
	TransferTimeout time.Duration
	WriteTimeout    time.Duration
	HookTimeout     time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Blocklist == nil {
		return errors.New("blocklist is required")
	}
	if cfg.Admission == nil {
		return errors.New("admission is required")
	}
	if cfg.Transferer == nil {
		return errors.New("transferer is required")
	}
	if cfg.DefaultAmount == 0 {
		cfg.DefaultAmount = DefaultAmount
	}
	if cfg.MaxAmount == 0 {
		cfg.MaxAmount = cfg.DefaultAmount * 10
	}
	if cfg.MaxAmount < cfg.DefaultAmount {
		return fmt.Errorf("max amount %d is below default amount %d", cfg.MaxAmount, cfg.DefaultAmount)
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = DefaultTransferTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.HookTimeout <= 0 {
		cfg.HookTimeout = defaultHookTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Input is one caller request. Amount is a decimal integer string; empty
// means the default amount.
type Input struct {
	WalletAddress string
	Amount        string
	Client        clientinfo.Context
}

type Orchestrator struct {
	log   *slog.Logger
	cfg   Config
	hooks *hookRunner

	// inflight counts requests between record creation and finalization.
	inflight sync.WaitGroup
}

func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{
		log:   cfg.Logger,
		cfg:   cfg,
		hooks: newHookRunner(cfg.Logger, cfg.Hooks, cfg.HookTimeout),
	}, nil
}

func (o *Orchestrator) DefaultAmount() uint64 { return o.cfg.DefaultAmount }
func (o *Orchestrator) MaxAmount() uint64     { return o.cfg.MaxAmount }

// DrainTimeout is the shortest shutdown grace that lets a request admitted
// just before shutdown create its record, run its transfer to the deadline
// and finalize.
func (o *Orchestrator) DrainTimeout() time.Duration {
	return o.cfg.TransferTimeout + 2*o.cfg.WriteTimeout
}

// Handle runs one request through validation, blacklist, amount, admission,
// record creation, transfer and finalization, in that order.
//
// Rejections before record creation return a nil request and one of
// ValidationError, BlacklistedError, AmountExceededError, RateLimitedError or
// InternalError. Once a record exists it is always returned; a failed
// transfer comes back with a TransferError and a failed finalize write with an
// InternalError.
func (o *Orchestrator) Handle(ctx context.Context, in Input) (*Request, error) {
	start := o.cfg.Clock.Now()

	wallet := strings.TrimSpace(in.WalletAddress)
	if wallet == "" {
		return nil, o.reject("validation", &ValidationError{Field: "walletAddress", Message: "wallet address is required"})
	}
	if o.cfg.ValidateAddress != nil {
		if err := o.cfg.ValidateAddress(wallet); err != nil {
			return nil, o.reject("validation", &ValidationError{Field: "walletAddress", Message: err.Error()})
		}
	}
	requested, err := parseAmount(in.Amount)
	if err != nil {
		return nil, o.reject("validation", err)
	}
	origin := in.Client.OriginAddress
	if origin == "" {
		origin = clientinfo.UnknownIP
	}

	if entry, err := o.cfg.Blocklist.IsBlocked(ctx, wallet, abuse.KindWallet); err != nil {
		return nil, o.reject("error", &InternalError{Op: "blacklist lookup", Err: err})
	} else if entry != nil {
		return nil, o.reject("blacklisted", &BlacklistedError{Kind: BlacklistedWallet, Reason: entry.Reason})
	}
	if entry, err := o.cfg.Blocklist.IsBlocked(ctx, origin, abuse.KindIP); err != nil {
		return nil, o.reject("error", &InternalError{Op: "blacklist lookup", Err: err})
	} else if entry != nil {
		return nil, o.reject("blacklisted", &BlacklistedError{Kind: BlacklistedOrigin, Reason: entry.Reason})
	}

	amount := o.cfg.DefaultAmount
	if requested != 0 {
		amount = requested
	}
	if amount > o.cfg.MaxAmount {
		return nil, o.reject("amount_exceeded", &AmountExceededError{Requested: amount, Max: o.cfg.MaxAmount})
	}

	decision, err := o.cfg.Admission.CheckAndReserve(ctx, wallet, origin)
	if err != nil {
		return nil, o.reject("error", &InternalError{Op: "admission", Err: err})
	}
	if !decision.Allowed {
		return nil, o.reject("rate_limited", &RateLimitedError{
			Dimension:  string(decision.Dimension),
			RetryAfter: decision.RetryAfter,
			Seconds:    decision.RetryAfterSeconds(),
		})
	}
	defer decision.Release()

	o.inflight.Add(1)
	defer o.inflight.Done()

	// From here on the caller going away must not leave the record pending.
	work := context.WithoutCancel(ctx)

	now := o.cfg.Clock.Now().UTC()
	req := &Request{
		ID:            uuid.New(),
		WalletAddress: wallet,
		OriginAddress: origin,
		Amount:        amount,
		Status:        StatusPending,
		Metadata:      metadataFrom(in.Client),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	createCtx, cancel := context.WithTimeout(work, o.cfg.WriteTimeout)
	err = o.cfg.Store.CreateRequest(createCtx, req)
	cancel()
	if err != nil {
		return nil, o.reject("error", &InternalError{Op: "create request", Err: err})
	}

	return o.transfer(work, req, start)
}

func (o *Orchestrator) transfer(ctx context.Context, req *Request, start time.Time) (*Request, error) {
	transferCtx, cancel := context.WithTimeout(ctx, o.cfg.TransferTimeout)
	transferStart := o.cfg.Clock.Now()
	txRef, terr := o.cfg.Transferer.Transfer(transferCtx, req.WalletAddress, req.Amount)
	timedOut := errors.Is(transferCtx.Err(), context.DeadlineExceeded)
	cancel()

	f := Finalization{Status: StatusSuccess, TxReference: txRef}
	switch {
	case terr != nil && (timedOut || errors.Is(terr, context.DeadlineExceeded)):
		f = Finalization{Status: StatusFailed, FailureReason: ReasonTimeout}
	case terr != nil:
		f = Finalization{Status: StatusFailed, FailureReason: terr.Error()}
	case txRef == "":
		f = Finalization{Status: StatusFailed, FailureReason: "transfer returned no transaction reference"}
	}
	metrics.TransferDuration.WithLabelValues(string(f.Status)).Observe(o.cfg.Clock.Since(transferStart).Seconds())

	f.At = o.cfg.Clock.Now().UTC()
	f.Elapsed = f.At.Sub(start)

	final, err := o.Finalize(ctx, req.ID, f)
	if err != nil {
		// Report what happened even though it could not be recorded; the
		// sweeper will fail the record if it stays pending.
		f.apply(req)
		o.log.Error("disbursement: failed to finalize request",
			"requestId", req.ID, "status", f.Status, "txReference", f.TxReference, "error", err)
		metrics.RequestsTotal.WithLabelValues("error").Inc()
		return req, &InternalError{RequestID: &req.ID, Op: "finalize request", Err: err}
	}

	metrics.RequestsTotal.WithLabelValues(string(final.Status)).Inc()
	if final.Status == StatusFailed {
		reason := ""
		if final.FailureReason != nil {
			reason = *final.FailureReason
		}
		o.log.Warn("disbursement: transfer failed", "requestId", final.ID, "wallet", final.WalletAddress, "reason", reason)
		return final, &TransferError{RequestID: final.ID, Reason: reason}
	}
	o.log.Info("disbursement: transfer succeeded",
		"requestId", final.ID, "wallet", final.WalletAddress, "amount", final.Amount, "txReference", *final.TxReference)
	return final, nil
}

// Finalize moves a pending request to its terminal state. It is idempotent:
// on a request that is already terminal it changes nothing and returns the
// stored record.
func (o *Orchestrator) Finalize(ctx context.Context, id uuid.UUID, f Finalization) (*Request, error) {
	if !f.Status.Terminal() {
		return nil, fmt.Errorf("cannot finalize to status %q", f.Status)
	}
	if f.At.IsZero() {
		f.At = o.cfg.Clock.Now().UTC()
	}

	writeCtx, cancel := context.WithTimeout(ctx, o.cfg.WriteTimeout)
	defer cancel()
	final, applied, err := o.cfg.Store.FinalizeRequest(writeCtx, id, f)
	if err != nil {
		return nil, err
	}
	if !applied {
		metrics.FinalizeConflictsTotal.Inc()
		o.log.Warn("disbursement: request already finalized",
			"requestId", id, "status", final.Status, "attempted", f.Status,
			"attemptedTxReference", f.TxReference, "attemptedReason", f.FailureReason)
		return final, nil
	}
	o.hooks.run(*final)
	return final, nil
}

// Wait blocks until every admitted request is finalized and its hooks have
// finished, or ctx is done. Callers stop accepting new requests first.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return o.hooks.wait(ctx)
}

func (o *Orchestrator) Get(ctx context.Context, id uuid.UUID) (*Request, error) {
	return o.cfg.Store.GetRequest(ctx, id)
}

// ListByWallet returns a wallet's requests, newest first, and the total
// number it has.
func (o *Orchestrator) ListByWallet(ctx context.Context, wallet string, limit, offset int) ([]Request, int, error) {
	return o.cfg.Store.ListRequests(ctx, Filter{WalletAddress: strings.TrimSpace(wallet), Limit: limit, Offset: offset})
}

// List is the operator view over all requests.
func (o *Orchestrator) List(ctx context.Context, filter Filter) ([]Request, int, error) {
	return o.cfg.Store.ListRequests(ctx, filter)
}

func (o *Orchestrator) reject(reason string, err error) error {
	metrics.RejectionsTotal.WithLabelValues(reason).Inc()
	var ie *InternalError
	if errors.As(err, &ie) {
		metrics.RequestsTotal.WithLabelValues("error").Inc()
		o.log.Error("disbursement: request failed", "op", ie.Op, "error", ie.Err)
	} else {
		metrics.RequestsTotal.WithLabelValues("rejected").Inc()
		o.log.Debug("disbursement: request rejected", "reason", reason, "error", err)
	}
	return err
}

func parseAmount(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, &ValidationError{Field: "amount", Message: "amount must be a positive integer"}
	}
	if n == 0 {
		return 0, &ValidationError{Field: "amount", Message: "amount must be greater than zero"}
	}
	return n, nil
}

func metadataFrom(c clientinfo.Context) Metadata {
	m := Metadata{UserAgent: c.UserAgent}
	if cl := c.Classification; cl != nil {
		m.Browser = strPtr(cl.Browser)
		m.OS = strPtr(cl.OS)
		m.Device = strPtr(cl.Device)
		m.IsBot = cl.IsBot
	}
	if g := c.Geography; g != nil {
		m.Country = strPtr(g.Country)
		m.Region = strPtr(g.Region)
		m.City = strPtr(g.City)
		m.Timezone = strPtr(g.Timezone)
	}
	return m
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
