package logger

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFaucet_Logger_FormatRFC3339Millis(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 4, 5, 6, 7, 89_000_000, time.FixedZone("X", 3600))
	require.Equal(t, "2026-03-04T04:06:07.089Z", formatRFC3339Millis(ts))
}

func TestFaucet_Logger_JSONDropsEmptyStrings(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := New(Config{Format: FormatJSON, Output: &buf})
	log.Info("disbursement: finalized", "request_id", "abc", "tx_reference", "")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "abc", line["request_id"])
	_, ok := line["tx_reference"]
	require.False(t, ok)
	require.Regexp(t, `^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z$`, line["time"])
}

func TestFaucet_Logger_VerboseEnablesDebug(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	New(Config{Format: FormatJSON, Output: &buf}).Debug("hidden")
	require.Empty(t, buf.String())

	New(Config{Format: FormatJSON, Output: &buf, Verbose: true}).Debug("shown")
	require.Contains(t, buf.String(), "shown")
}
