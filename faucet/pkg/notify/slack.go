// Package notify posts operator alerts about disbursements to Slack.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/slack-go/slack"

	"github.com/malbeclabs/faucet/faucet/pkg/disbursement"
	"github.com/malbeclabs/faucet/utils/pkg/retry"
)

type SlackConfig struct {
	Logger     *slog.Logger
	WebhookURL string
	HTTPClient *http.Client
	// NotifySuccess also posts successful disbursements. Failures are always
	// posted.
	NotifySuccess bool
	// ExplorerURL, when set, is prefixed to transaction references to build
	// links, e.g. "https://explorer.solana.com/tx/".
	ExplorerURL string
	Retry       retry.Config
}

func (cfg *SlackConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.WebhookURL == "" {
		return errors.New("webhook url is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Config{MaxAttempts: 3, BaseBackoff: 250 * time.Millisecond, MaxBackoff: 2 * time.Second}
	}
	return nil
}

// Slack is a disbursement.Hook posting to an incoming webhook.
type Slack struct {
	log *slog.Logger
	cfg SlackConfig
}

func NewSlack(cfg SlackConfig) (*Slack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Slack{log: cfg.Logger, cfg: cfg}, nil
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) OnFinalized(ctx context.Context, req disbursement.Request) error {
	if req.Status == disbursement.StatusSuccess && !s.cfg.NotifySuccess {
		return nil
	}
	msg := s.message(req)
	return retry.Do(ctx, s.cfg.Retry, func(ctx context.Context) error {
		return slack.PostWebhookCustomHTTPContext(ctx, s.cfg.WebhookURL, s.cfg.HTTPClient, msg)
	})
}

func (s *Slack) message(req disbursement.Request) *slack.WebhookMessage {
	color, title := "good", "Disbursement succeeded"
	if req.Status == disbursement.StatusFailed {
		color, title = "danger", "Disbursement failed"
	}

	fields := []slack.AttachmentField{
		{Title: "Wallet", Value: req.WalletAddress},
		{Title: "Amount", Value: strconv.FormatUint(req.Amount, 10), Short: true},
		{Title: "Origin", Value: req.OriginAddress, Short: true},
		{Title: "Request", Value: req.ID.String()},
	}
	if req.FailureReason != nil {
		fields = append(fields, slack.AttachmentField{Title: "Reason", Value: *req.FailureReason})
	}
	if req.TxReference != nil {
		ref := *req.TxReference
		if s.cfg.ExplorerURL != "" {
			ref = fmt.Sprintf("<%s%s|%s>", s.cfg.ExplorerURL, ref, ref)
		}
		fields = append(fields, slack.AttachmentField{Title: "Transaction", Value: ref})
	}
	if req.ElapsedMs != nil {
		fields = append(fields, slack.AttachmentField{Title: "Elapsed", Value: fmt.Sprintf("%dms", *req.ElapsedMs), Short: true})
	}

	return &slack.WebhookMessage{
		Text: title,
		Attachments: []slack.Attachment{{
			Color:  color,
			Fields: fields,
			Ts:     json.Number(strconv.FormatInt(req.UpdatedAt.Unix(), 10)),
		}},
	}
}
