package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/malbeclabs/faucet/faucet/pkg/disbursement"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

type envelope struct {
	Status     string      `json:"status"`
	Message    string      `json:"message,omitempty"`
	Data       any         `json:"data,omitempty"`
	Pagination *Pagination `json:"pagination,omitempty"`
}

type errorResponse struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	Field      string `json:"field,omitempty"`
	Reason     string `json:"reason,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
	MaxAmount  string `json:"maxAmount,omitempty"`
	Data       any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, envelope{Status: statusSuccess, Message: message, Data: data})
}

func writePage(w http.ResponseWriter, data any, p *Pagination) {
	writeJSON(w, http.StatusOK, envelope{Status: statusSuccess, Data: data, Pagination: p})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Status: statusError, Message: message})
}

func amountString(v uint64) string {
	return strconv.FormatUint(v, 10)
}

// RequestView is the public shape of a disbursement request. Amounts are
// decimal strings so clients never lose precision.
type RequestView struct {
	ID            uuid.UUID           `json:"id"`
	WalletAddress string              `json:"walletAddress"`
	Amount        string              `json:"amount"`
	Status        disbursement.Status `json:"status"`
	TxReference   *string             `json:"txReference"`
	FailureReason *string             `json:"failureReason"`
	ElapsedMs     *int64              `json:"elapsedMs"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

func newRequestView(r disbursement.Request) RequestView {
	return RequestView{
		ID:            r.ID,
		WalletAddress: r.WalletAddress,
		Amount:        amountString(r.Amount),
		Status:        r.Status,
		TxReference:   r.TxReference,
		FailureReason: r.FailureReason,
		ElapsedMs:     r.ElapsedMs,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

// AdminRequestView adds the origin and client metadata.
type AdminRequestView struct {
	RequestView
	OriginAddress string                `json:"originAddress"`
	Metadata      disbursement.Metadata `json:"metadata"`
}

func newAdminRequestView(r disbursement.Request) AdminRequestView {
	return AdminRequestView{
		RequestView:   newRequestView(r),
		OriginAddress: r.OriginAddress,
		Metadata:      r.Metadata,
	}
}

// RecentView is a successful disbursement on the public feed.
type RecentView struct {
	WalletAddress string    `json:"walletAddress"`
	Amount        string    `json:"amount"`
	TxReference   string    `json:"txReference"`
	ElapsedMs     *int64    `json:"elapsedMs"`
	CreatedAt     time.Time `json:"createdAt"`
}

func newRecentView(r disbursement.Request) RecentView {
	v := RecentView{
		WalletAddress: r.WalletAddress,
		Amount:        amountString(r.Amount),
		ElapsedMs:     r.ElapsedMs,
		CreatedAt:     r.CreatedAt,
	}
	if r.TxReference != nil {
		v.TxReference = *r.TxReference
	}
	return v
}

func mapSlice[T, V any](in []T, f func(T) V) []V {
	out := make([]V, 0, len(in))
	for _, v := range in {
		out = append(out, f(v))
	}
	return out
}
