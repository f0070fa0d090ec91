package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/malbeclabs/faucet/faucet/pkg/settings"
)

// PublicConfig holds configuration that is safe to expose to the frontend.
type PublicConfig struct {
	Network               string `json:"network,omitempty"`
	FaucetAddress         string `json:"faucetAddress,omitempty"`
	RateLimitWindowSecs   int    `json:"rateLimitWindowSeconds"`
	RateLimitMaxRequests  int    `json:"rateLimitMaxRequests"`
	SentryDSN             string `json:"sentryDsn,omitempty"`
	SentryEnvironment     string `json:"sentryEnvironment,omitempty"`
	OperatorSurfaceActive bool   `json:"operatorSurfaceActive"`
}

type configResponse struct {
	PublicConfig
	DefaultAmount string            `json:"defaultAmount"`
	MaxAmount     string            `json:"maxAmount"`
	Settings      map[string]string `json:"settings,omitempty"`
}

// GetConfig returns public configuration for the frontend. Public operator
// settings are included when the store answers.
func (h *Handlers) GetConfig(w http.ResponseWriter, r *http.Request) {
	pub := h.cfg.Public
	pub.OperatorSurfaceActive = h.cfg.Auth != nil
	public, err := read(r.Context(), h, h.cfg.Settings.Public)
	if err != nil {
		h.log.Warn("handlers: failed to load public settings", "error", err)
	}
	writeData(w, http.StatusOK, "", configResponse{
		PublicConfig:  pub,
		DefaultAmount: amountString(h.cfg.Disbursements.DefaultAmount()),
		MaxAmount:     amountString(h.cfg.Disbursements.MaxAmount()),
		Settings:      public,
	})
}

// ListSettings handles GET /api/admin/config.
func (h *Handlers) ListSettings(w http.ResponseWriter, r *http.Request) {
	entries, err := read(r.Context(), h, h.cfg.Settings.List)
	if err != nil {
		h.storeFailure(w, r, "handlers: failed to list settings", err)
		return
	}
	if entries == nil {
		entries = []settings.Entry{}
	}
	writeData(w, http.StatusOK, "", entries)
}

type settingRequest struct {
	Key         string  `json:"key"`
	Value       string  `json:"value"`
	Description *string `json:"description,omitempty"`
	IsPublic    *bool   `json:"isPublic,omitempty"`
}

// UpsertSetting handles POST /api/admin/config.
func (h *Handlers) UpsertSetting(w http.ResponseWriter, r *http.Request) {
	var body settingRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Request body must be a JSON object")
		return
	}

	op, _ := OperatorFromContext(r.Context())
	entry, err := h.cfg.Settings.Upsert(r.Context(), settings.Upsert{
		Key:         body.Key,
		Value:       body.Value,
		Description: body.Description,
		IsPublic:    body.IsPublic,
		UpdatedBy:   op.Name(),
	})
	switch {
	case errors.Is(err, settings.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.storeFailure(w, r, "handlers: failed to update setting", err)
		return
	}

	h.log.Info("handlers: operator updated setting", "operator", op.Name(), "key", entry.Key)
	writeData(w, http.StatusOK, "Configuration updated successfully", entry)
}
