package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/faucet/faucet/pkg/disbursement"
	"github.com/malbeclabs/faucet/utils/pkg/retry"
	faucettesting "github.com/malbeclabs/faucet/utils/pkg/testing"
)

func failedRequest() disbursement.Request {
	reason := "insufficient funds"
	elapsed := int64(1200)
	return disbursement.Request{
		ID:            uuid.New(),
		WalletAddress: "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
		OriginAddress: "203.0.113.7",
		Amount:        1_000_000_000,
		Status:        disbursement.StatusFailed,
		FailureReason: &reason,
		ElapsedMs:     &elapsed,
		UpdatedAt:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

type webhookServer struct {
	*httptest.Server
	calls    atomic.Int32
	failures int32
	last     atomic.Pointer[slack.WebhookMessage]
}

func newWebhookServer(t *testing.T, failures int32) *webhookServer {
	t.Helper()
	ws := &webhookServer{failures: failures}
	ws.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := ws.calls.Add(1)
		if n <= ws.failures {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var msg slack.WebhookMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		ws.last.Store(&msg)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ws.Close)
	return ws
}

func newTestSlack(t *testing.T, url string, notifySuccess bool) *Slack {
	t.Helper()
	s, err := NewSlack(SlackConfig{
		Logger:        faucettesting.NewLogger(),
		WebhookURL:    url,
		NotifySuccess: notifySuccess,
		ExplorerURL:   "https://explorer.solana.com/tx/",
		Retry:         retry.Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
	})
	require.NoError(t, err)
	return s
}

func TestFaucet_Notify_Slack_ConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := NewSlack(SlackConfig{WebhookURL: "http://example.com"})
	require.Error(t, err)

	_, err = NewSlack(SlackConfig{Logger: faucettesting.NewLogger()})
	require.Error(t, err)

	s, err := NewSlack(SlackConfig{Logger: faucettesting.NewLogger(), WebhookURL: "http://example.com"})
	require.NoError(t, err)
	require.Equal(t, "slack", s.Name())
	require.NotNil(t, s.cfg.HTTPClient)
	require.Equal(t, 3, s.cfg.Retry.MaxAttempts)
}

func TestFaucet_Notify_Slack_PostsFailure(t *testing.T) {
	t.Parallel()

	ws := newWebhookServer(t, 0)
	s := newTestSlack(t, ws.URL, false)

	req := failedRequest()
	require.NoError(t, s.OnFinalized(context.Background(), req))
	require.Equal(t, int32(1), ws.calls.Load())

	msg := ws.last.Load()
	require.NotNil(t, msg)
	require.Equal(t, "Disbursement failed", msg.Text)
	require.Len(t, msg.Attachments, 1)
	require.Equal(t, "danger", msg.Attachments[0].Color)

	values := map[string]string{}
	for _, f := range msg.Attachments[0].Fields {
		values[f.Title] = f.Value
	}
	require.Equal(t, req.WalletAddress, values["Wallet"])
	require.Equal(t, "1000000000", values["Amount"])
	require.Equal(t, "insufficient funds", values["Reason"])
	require.Equal(t, req.ID.String(), values["Request"])
	require.Equal(t, "1200ms", values["Elapsed"])
}

func TestFaucet_Notify_Slack_SkipsSuccessUnlessEnabled(t *testing.T) {
	t.Parallel()

	ref := "5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnb"
	req := failedRequest()
	req.Status = disbursement.StatusSuccess
	req.FailureReason = nil
	req.TxReference = &ref

	ws := newWebhookServer(t, 0)
	require.NoError(t, newTestSlack(t, ws.URL, false).OnFinalized(context.Background(), req))
	require.Equal(t, int32(0), ws.calls.Load())

	require.NoError(t, newTestSlack(t, ws.URL, true).OnFinalized(context.Background(), req))
	require.Equal(t, int32(1), ws.calls.Load())

	msg := ws.last.Load()
	require.Equal(t, "good", msg.Attachments[0].Color)
	var tx string
	for _, f := range msg.Attachments[0].Fields {
		if f.Title == "Transaction" {
			tx = f.Value
		}
	}
	require.Equal(t, "<https://explorer.solana.com/tx/"+ref+"|"+ref+">", tx)
}

func TestFaucet_Notify_Slack_RetriesUnavailable(t *testing.T) {
	t.Parallel()

	ws := newWebhookServer(t, 2)
	s := newTestSlack(t, ws.URL, false)

	require.NoError(t, s.OnFinalized(context.Background(), failedRequest()))
	require.Equal(t, int32(3), ws.calls.Load())
}

func TestFaucet_Notify_Slack_GivesUp(t *testing.T) {
	t.Parallel()

	ws := newWebhookServer(t, 10)
	s := newTestSlack(t, ws.URL, false)

	require.Error(t, s.OnFinalized(context.Background(), failedRequest()))
	require.Equal(t, int32(3), ws.calls.Load())
}
