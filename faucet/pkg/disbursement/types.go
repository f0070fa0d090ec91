// Package disbursement runs a faucet request from admission to its terminal
// state and owns the lifecycle of its persisted record.
package disbursement

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrRequestNotFound = errors.New("request not found")

type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// ReasonTimeout is the failure reason for transfers that did not resolve in
// time, whether cut off by the orchestrator or recovered by the sweeper.
const ReasonTimeout = "timeout"

// Metadata is informational caller context stored with a request.
type Metadata struct {
	UserAgent string  `json:"userAgent"`
	Browser   *string `json:"browser,omitempty"`
	OS        *string `json:"os,omitempty"`
	Device    *string `json:"device,omitempty"`
	IsBot     bool    `json:"isBot"`
	Country   *string `json:"country,omitempty"`
	Region    *string `json:"region,omitempty"`
	City      *string `json:"city,omitempty"`
	Timezone  *string `json:"timezone,omitempty"`
}

// Request is the durable record of one disbursement attempt. TxReference is
// set iff Status is success; FailureReason is set iff Status is failed.
type Request struct {
	ID            uuid.UUID
	WalletAddress string
	OriginAddress string
	Amount        uint64
	Status        Status
	TxReference   *string
	FailureReason *string
	ElapsedMs     *int64
	Metadata      Metadata
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Finalization is the terminal state applied to a pending request.
type Finalization struct {
	Status        Status
	TxReference   string
	FailureReason string
	Elapsed       time.Duration
	At            time.Time
}

func (f Finalization) apply(r *Request) {
	r.Status = f.Status
	r.TxReference, r.FailureReason = nil, nil
	if f.Status == StatusSuccess {
		ref := f.TxReference
		r.TxReference = &ref
	} else {
		reason := f.FailureReason
		r.FailureReason = &reason
	}
	ms := f.Elapsed.Milliseconds()
	r.ElapsedMs = &ms
	r.UpdatedAt = f.At
}

type Filter struct {
	// WalletAddress matches exactly; WalletContains is a substring match.
	WalletAddress  string
	WalletContains string
	Status         *Status
	Limit          int
	Offset         int
}

// Store persists requests. FinalizeRequest must apply the transition only if
// the record is still pending and report whether it did; either way it
// returns the record as stored.
type Store interface {
	CreateRequest(ctx context.Context, req *Request) error
	FinalizeRequest(ctx context.Context, id uuid.UUID, f Finalization) (*Request, bool, error)
	GetRequest(ctx context.Context, id uuid.UUID) (*Request, error)
	ListRequests(ctx context.Context, filter Filter) ([]Request, int, error)
	FailStalePending(ctx context.Context, createdBefore time.Time, reason string, at time.Time) ([]Request, error)
}

// Transferer moves funds. It returns a transaction reference on success and
// an error on explicit failure; a context deadline means the outcome is
// unknown.
type Transferer interface {
	Transfer(ctx context.Context, to string, amount uint64) (string, error)
}

// Hook observes requests once they reach a terminal state. Hooks are best
// effort: errors are logged and never change the record.
type Hook interface {
	Name() string
	OnFinalized(ctx context.Context, req Request) error
}
