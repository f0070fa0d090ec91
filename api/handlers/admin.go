package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/malbeclabs/faucet/faucet/pkg/abuse"
	"github.com/malbeclabs/faucet/faucet/pkg/disbursement"
)

// GetAdminStats handles GET /api/admin/stats.
func (h *Handlers) GetAdminStats(w http.ResponseWriter, r *http.Request) {
	summary, err := read(r.Context(), h, h.cfg.Stats.Admin)
	if err != nil {
		h.storeFailure(w, r, "handlers: failed to compute admin stats", err)
		return
	}
	writeData(w, http.StatusOK, "", summary)
}

type listPage[T any] struct {
	items []T
	total int
}

// ListAdminRequests handles GET /api/admin/requests.
func (h *Handlers) ListAdminRequests(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r, DefaultAdminLimit)
	filter := disbursement.Filter{
		WalletContains: strings.TrimSpace(r.URL.Query().Get("wallet")),
		Limit:          p.Limit,
		Offset:         p.Offset,
	}
	if s := r.URL.Query().Get("status"); s != "" {
		status := disbursement.Status(s)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "status must be one of pending, success, failed")
			return
		}
		filter.Status = &status
	}

	res, err := read(r.Context(), h, func(ctx context.Context) (listPage[disbursement.Request], error) {
		items, total, err := h.cfg.Disbursements.List(ctx, filter)
		return listPage[disbursement.Request]{items, total}, err
	})
	if err != nil {
		h.storeFailure(w, r, "handlers: failed to list requests", err)
		return
	}
	writePage(w, mapSlice(res.items, newAdminRequestView), p.Result(res.total))
}

type blacklistRequest struct {
	Target    string     `json:"target"`
	Kind      string     `json:"kind"`
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// AddBlacklist handles POST /api/admin/blacklist.
func (h *Handlers) AddBlacklist(w http.ResponseWriter, r *http.Request) {
	var body blacklistRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Request body must be a JSON object")
		return
	}
	kind, err := abuse.ParseKind(body.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	op, _ := OperatorFromContext(r.Context())
	entry, err := h.cfg.Blacklist.Add(r.Context(), abuse.AddParams{
		Target:    body.Target,
		Kind:      kind,
		Reason:    body.Reason,
		ExpiresAt: body.ExpiresAt,
		CreatedBy: op.Name(),
	})
	switch {
	case errors.Is(err, abuse.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, abuse.ErrConflict):
		writeError(w, http.StatusConflict, strings.ToUpper(string(kind))+" is already blacklisted")
		return
	case err != nil:
		h.storeFailure(w, r, "handlers: failed to add blacklist entry", err)
		return
	}

	h.log.Info("handlers: operator blacklisted target",
		"operator", op.Name(), "target", entry.Target, "kind", entry.Kind, "reason", entry.Reason)
	writeData(w, http.StatusCreated, strings.ToUpper(string(kind))+" blacklisted successfully", entry)
}

// RemoveBlacklist handles DELETE /api/admin/blacklist/{kind}/{target}.
func (h *Handlers) RemoveBlacklist(w http.ResponseWriter, r *http.Request) {
	kind, err := abuse.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	target := chi.URLParam(r, "target")

	n, err := h.cfg.Blacklist.Remove(r.Context(), target, kind)
	switch {
	case errors.Is(err, abuse.ErrNotFound):
		writeError(w, http.StatusNotFound, strings.ToUpper(string(kind))+" not found in blacklist")
		return
	case err != nil:
		h.storeFailure(w, r, "handlers: failed to remove blacklist entry", err)
		return
	}

	op, _ := OperatorFromContext(r.Context())
	h.log.Info("handlers: operator removed blacklist entry", "operator", op.Name(), "target", target, "kind", kind, "count", n)
	writeData(w, http.StatusOK, strings.ToUpper(string(kind))+" removed from blacklist", map[string]int64{"removed": n})
}

// ListBlacklist handles GET /api/admin/blacklist.
func (h *Handlers) ListBlacklist(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r, DefaultAdminLimit)
	filter := abuse.Filter{Limit: p.Limit, Offset: p.Offset}
	if k := r.URL.Query().Get("kind"); k != "" {
		kind, err := abuse.ParseKind(k)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Kind = &kind
	}

	res, err := read(r.Context(), h, func(ctx context.Context) (listPage[abuse.Entry], error) {
		items, total, err := h.cfg.Blacklist.List(ctx, filter)
		return listPage[abuse.Entry]{items, total}, err
	})
	if err != nil {
		h.storeFailure(w, r, "handlers: failed to list blacklist", err)
		return
	}
	if res.items == nil {
		res.items = []abuse.Entry{}
	}
	writePage(w, res.items, p.Result(res.total))
}
