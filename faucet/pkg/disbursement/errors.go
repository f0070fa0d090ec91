package disbursement

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ValidationError is malformed caller input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

type BlacklistKind string

const (
	BlacklistedWallet BlacklistKind = "wallet"
	BlacklistedOrigin BlacklistKind = "ip"
)

type BlacklistedError struct {
	Kind   BlacklistKind
	Reason string
}

func (e *BlacklistedError) Error() string {
	if e.Kind == BlacklistedOrigin {
		return "IP address is blacklisted: " + e.Reason
	}
	return "wallet address is blacklisted: " + e.Reason
}

type RateLimitedError struct {
	Dimension  string
	RetryAfter time.Duration
	// Seconds is RetryAfter rounded up.
	Seconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %d seconds", e.Dimension, e.Seconds)
}

type AmountExceededError struct {
	Requested uint64
	Max       uint64
}

func (e *AmountExceededError) Error() string {
	return fmt.Sprintf("requested amount %d exceeds the maximum of %d", e.Requested, e.Max)
}

// TransferError is a transfer that failed or timed out. The request has
// already been finalized as failed.
type TransferError struct {
	RequestID uuid.UUID
	Reason    string
}

func (e *TransferError) Error() string {
	return "transfer failed: " + e.Reason
}

// InternalError is an unexpected failure in a collaborator. RequestID is set
// when a record was created before the failure.
type InternalError struct {
	RequestID *uuid.UUID
	Op        string
	Err       error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() error {
	return e.Err
}
