package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/malbeclabs/faucet/faucet/pkg/admission"
	"github.com/malbeclabs/faucet/faucet/pkg/disbursement"
)

const maxRequestBody = 1 << 16

type disbursementRequest struct {
	WalletAddress string `json:"walletAddress"`
	Amount        string `json:"amount,omitempty"`
}

type disbursementResult struct {
	RequestID   uuid.UUID `json:"requestId"`
	TxReference string    `json:"txReference,omitempty"`
	Amount      string    `json:"amount"`
	ElapsedMs   int64     `json:"elapsedMs"`
	Error       string    `json:"error,omitempty"`
}

func newDisbursementResult(req *disbursement.Request) disbursementResult {
	res := disbursementResult{RequestID: req.ID, Amount: amountString(req.Amount)}
	if req.TxReference != nil {
		res.TxReference = *req.TxReference
	}
	if req.FailureReason != nil {
		res.Error = *req.FailureReason
	}
	if req.ElapsedMs != nil {
		res.ElapsedMs = *req.ElapsedMs
	}
	return res
}

// RequestDisbursement handles POST /api/faucet/request.
func (h *Handlers) RequestDisbursement(w http.ResponseWriter, r *http.Request) {
	var body disbursementRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Status: statusError, Message: "Request body must be a JSON object"})
		return
	}

	client := h.cfg.Resolver.Resolve(r)
	req, err := h.cfg.Disbursements.Handle(r.Context(), disbursement.Input{
		WalletAddress: strings.TrimSpace(body.WalletAddress),
		Amount:        strings.TrimSpace(body.Amount),
		Client:        client,
	})
	if err == nil {
		writeData(w, http.StatusOK, "Tokens sent successfully", newDisbursementResult(req))
		return
	}
	h.writeDisbursementError(w, r, req, err)
}

func (h *Handlers) writeDisbursementError(w http.ResponseWriter, r *http.Request, req *disbursement.Request, err error) {
	var (
		validation *disbursement.ValidationError
		blocked    *disbursement.BlacklistedError
		limited    *disbursement.RateLimitedError
		exceeded   *disbursement.AmountExceededError
		transfer   *disbursement.TransferError
		internal   *disbursement.InternalError
	)

	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Status:  statusError,
			Message: "Validation error: " + validation.Message,
			Field:   validation.Field,
		})
	case errors.As(err, &blocked):
		msg := "This wallet address is blacklisted"
		if blocked.Kind == disbursement.BlacklistedOrigin {
			msg = "This IP address is blacklisted"
		}
		writeJSON(w, http.StatusForbidden, errorResponse{Status: statusError, Message: msg, Reason: blocked.Reason})
	case errors.As(err, &limited):
		msg := "Rate limit exceeded for this wallet address"
		if limited.Dimension == string(admission.DimensionOrigin) {
			msg = "Rate limit exceeded for this IP address"
		}
		w.Header().Set("Retry-After", strconv.Itoa(limited.Seconds))
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Status: statusError, Message: msg, RetryAfter: limited.Seconds})
	case errors.As(err, &exceeded):
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Status:    statusError,
			Message:   "Requested amount exceeds maximum allowed",
			MaxAmount: amountString(exceeded.Max),
		})
	case errors.As(err, &transfer) && req != nil:
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Status:  statusError,
			Message: "Failed to send tokens",
			Data:    newDisbursementResult(req),
		})
	case errors.As(err, &internal):
		report(r, err)
		resp := errorResponse{Status: statusError, Message: "Internal server error"}
		if req != nil {
			resp.Data = newDisbursementResult(req)
		}
		writeJSON(w, http.StatusInternalServerError, resp)
	default:
		h.log.Error("handlers: unexpected disbursement error", "error", err)
		report(r, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// GetRequestStatus handles GET /api/faucet/status/{id}.
func (h *Handlers) GetRequestStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request id")
		return
	}

	req, err := read(r.Context(), h, func(ctx context.Context) (*disbursement.Request, error) {
		return h.cfg.Disbursements.Get(ctx, id)
	})
	if errors.Is(err, disbursement.ErrRequestNotFound) {
		writeError(w, http.StatusNotFound, "Request not found")
		return
	}
	if err != nil {
		h.storeFailure(w, r, "handlers: failed to get request", err)
		return
	}
	writeData(w, http.StatusOK, "", newRequestView(*req))
}

// GetWalletHistory handles GET /api/faucet/history/{wallet}.
func (h *Handlers) GetWalletHistory(w http.ResponseWriter, r *http.Request) {
	wallet := strings.TrimSpace(chi.URLParam(r, "wallet"))
	if wallet == "" {
		writeError(w, http.StatusBadRequest, "Wallet address is required")
		return
	}
	p := ParsePagination(r, DefaultHistoryLimit)

	res, err := read(r.Context(), h, func(ctx context.Context) (listPage[disbursement.Request], error) {
		items, total, err := h.cfg.Disbursements.ListByWallet(ctx, wallet, p.Limit, p.Offset)
		return listPage[disbursement.Request]{items, total}, err
	})
	if err != nil {
		h.storeFailure(w, r, "handlers: failed to list wallet history", err)
		return
	}
	writePage(w, mapSlice(res.items, newRequestView), p.Result(res.total))
}
