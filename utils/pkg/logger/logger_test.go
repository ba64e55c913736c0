package logger

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIncentives_Logger_FormatRFC3339Millis(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 4, 5, 6, 7, 89_000_000, time.FixedZone("X", 3600))
	require.Equal(t, "2026-03-04T04:06:07.089Z", formatRFC3339Millis(ts))
}

func TestIncentives_Logger_DropsEmptyStrings(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWithOptions(Options{Writer: &buf, NoColor: true})
	log.Info("relay: message acked", "message_id", "1-0", "reason", "")

	out := buf.String()
	require.Contains(t, out, "relay: message acked")
	require.Contains(t, out, "message_id=1-0")
	require.NotContains(t, out, "reason=")
}

func TestIncentives_Logger_VerboseEnablesDebug(t *testing.T) {
	t.Parallel()

	var quiet, verbose bytes.Buffer
	NewWithOptions(Options{Writer: &quiet, NoColor: true}).Debug("hidden")
	NewWithOptions(Options{Writer: &verbose, NoColor: true, Verbose: true}).Debug("shown")

	require.Empty(t, quiet.String())
	require.Contains(t, verbose.String(), "shown")
	require.True(t, NewWithOptions(Options{Writer: &verbose, Verbose: true}).Enabled(t.Context(), slog.LevelDebug))
}
