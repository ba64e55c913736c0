package alert

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	incentivestesting "github.com/malbeclabs/incentives/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func newSlackServer(t *testing.T, reply string, bodies chan<- string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if !strings.HasSuffix(r.URL.Path, "/chat.postMessage") {
			http.NotFound(w, r)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		body, err := url.QueryUnescape(string(raw))
		if err != nil {
			body = string(raw)
		}
		if bodies != nil {
			bodies <- body
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestIncentives_Alert_SlackPostsDeadLetter(t *testing.T) {
	t.Parallel()
	bodies := make(chan string, 1)
	srv, hits := newSlackServer(t, `{"ok":true,"channel":"C0ALERTS","ts":"1700000000.000100"}`, bodies)

	s, err := NewSlack(SlackConfig{
		Logger:  incentivestesting.NewLogger(),
		Token:   "xoxb-test",
		Channel: "C0ALERTS",
		APIURL:  srv.URL + "/",
	})
	require.NoError(t, err)

	err = s.Notify(t.Context(), Alert{
		MessageID:  "1700000000000-0",
		Code:       "rejected",
		Reason:     "entry 0 (uptime): insufficient pool balance",
		ContractID: "contract-1",
		Nonce:      "9f2c",
		At:         time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, hits.Load())

	body := <-bodies
	require.Contains(t, body, "C0ALERTS")
	require.Contains(t, body, "1700000000000-0")
	require.Contains(t, body, "insufficient pool balance")
	require.Contains(t, body, "2026-01-02T03:04:05Z")
}

func TestIncentives_Alert_SlackErrorIsNotRetried(t *testing.T) {
	t.Parallel()
	srv, hits := newSlackServer(t, `{"ok":false,"error":"channel_not_found"}`, nil)

	s, err := NewSlack(SlackConfig{
		Logger:  incentivestesting.NewLogger(),
		Token:   "xoxb-test",
		Channel: "C0MISSING",
		APIURL:  srv.URL + "/",
	})
	require.NoError(t, err)

	err = s.Notify(t.Context(), Alert{MessageID: "1-0", Code: "stale", Reason: "message expired"})
	require.ErrorContains(t, err, "channel_not_found")
	require.EqualValues(t, 1, hits.Load())
}

func TestIncentives_Alert_SlackConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     SlackConfig
		wantErr string
	}{
		{name: "missing logger", cfg: SlackConfig{Token: "t", Channel: "c"}, wantErr: "logger is required"},
		{name: "missing token", cfg: SlackConfig{Logger: incentivestesting.NewLogger(), Channel: "c"}, wantErr: "slack token is required"},
		{name: "missing channel", cfg: SlackConfig{Logger: incentivestesting.NewLogger(), Token: "t"}, wantErr: "slack channel is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewSlack(tt.cfg)
			require.ErrorContains(t, err, tt.wantErr)
		})
	}

	cfg := SlackConfig{Logger: incentivestesting.NewLogger(), Token: "t", Channel: "c"}
	require.NoError(t, cfg.Validate())
	require.Equal(t, 3, cfg.Retry.MaxAttempts)
}

func TestIncentives_Alert_Truncate(t *testing.T) {
	t.Parallel()
	require.Equal(t, "abc", truncate("abc", 3))
	require.Equal(t, "ab...", truncate("abc", 2))
}
