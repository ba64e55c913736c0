package message_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/incentives/relay/pkg/message"
	"github.com/malbeclabs/incentives/signing/pkg/request"
	"github.com/malbeclabs/incentives/signing/pkg/scheme"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newPair(t *testing.T) (scheme.Signer, scheme.Verifier) {
	t.Helper()
	kp, err := scheme.Generate(scheme.HMACSHA256)
	require.NoError(t, err)
	signer, err := scheme.NewSigner(scheme.HMACSHA256, kp.Secret)
	require.NoError(t, err)
	verifier, err := scheme.NewVerifier(scheme.HMACSHA256, scheme.HMACSHA256, kp.Public)
	require.NoError(t, err)
	return signer, verifier
}

func sealed(t *testing.T, signer scheme.Signer, clock clockwork.Clock) []byte {
	t.Helper()
	m := &message.Message{
		ContractID: "contract-1",
		Distribution: []request.DistributionEntry{
			{Provider: "p1", PublicKey: "0xa1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1", Points: "100"},
			{Provider: "p2", PublicKey: "0xb0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0", Points: "250"},
		},
	}
	require.NoError(t, message.Seal(m, signer, clock))
	require.Len(t, m.Metadata.Nonce, 32)
	require.Equal(t, now.Unix(), m.Metadata.Timestamp)
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	return raw
}

func rewriteMetadata(t *testing.T, raw []byte, fn func(md map[string]any)) []byte {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	md, ok := m["metadata"].(map[string]any)
	require.True(t, ok)
	fn(md)
	out, err := json.Marshal(m)
	require.NoError(t, err)
	return out
}

func TestIncentives_Message_Verify(t *testing.T) {
	t.Parallel()

	signer, verifier := newPair(t)
	raw := sealed(t, signer, clockwork.NewFakeClockAt(now))

	tests := []struct {
		name    string
		raw     func() []byte
		at      time.Time
		wantErr error
	}{
		{
			name: "valid",
			raw:  func() []byte { return raw },
			at:   now.Add(time.Minute),
		},
		{
			name: "keys reordered and whitespace added",
			raw: func() []byte {
				var m map[string]json.RawMessage
				require.NoError(t, json.Unmarshal(raw, &m))
				out, err := json.MarshalIndent(m, "", "  ")
				require.NoError(t, err)
				return out
			},
			at: now,
		},
		{
			name:    "tampered points",
			raw:     func() []byte { return []byte(strings.Replace(string(raw), `"points":100`, `"points":900`, 1)) },
			at:      now,
			wantErr: message.ErrHashMismatch,
		},
		{
			name:    "tampered contract",
			raw:     func() []byte { return []byte(strings.Replace(string(raw), `contract-1`, `contract-2`, 1)) },
			at:      now,
			wantErr: message.ErrHashMismatch,
		},
		{
			name:    "stale",
			raw:     func() []byte { return raw },
			at:      now.Add(5*time.Minute + time.Second),
			wantErr: message.ErrStale,
		},
		{
			name:    "from the future",
			raw:     func() []byte { return raw },
			at:      now.Add(-time.Minute),
			wantErr: message.ErrStale,
		},
		{
			name: "rewritten timestamp",
			raw: func() []byte {
				return rewriteMetadata(t, raw, func(md map[string]any) { md["timestamp"] = now.Add(10 * time.Minute).Unix() })
			},
			at:      now.Add(10 * time.Minute),
			wantErr: message.ErrInvalidSignature,
		},
		{
			name: "rewritten nonce",
			raw: func() []byte {
				return rewriteMetadata(t, raw, func(md map[string]any) { md["nonce"] = "00000000000000000000000000000001" })
			},
			at:      now,
			wantErr: message.ErrInvalidSignature,
		},
		{
			name: "missing nonce",
			raw: func() []byte {
				return rewriteMetadata(t, raw, func(md map[string]any) { delete(md, "nonce") })
			},
			at:      now,
			wantErr: message.ErrMalformed,
		},
		{
			name:    "not json",
			raw:     func() []byte { return []byte("{") },
			at:      now,
			wantErr: message.ErrMalformed,
		},
		{
			name:    "missing metadata",
			raw:     func() []byte { return []byte(`{"contractId":"c","distribution":[]}`) },
			at:      now,
			wantErr: message.ErrMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v, err := message.NewVerifier(message.VerifierConfig{Verifier: verifier, Clock: clockwork.NewFakeClockAt(tt.at)})
			require.NoError(t, err)

			m, err := v.Verify(tt.raw())
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				require.True(t, message.Permanent(err))
				return
			}
			require.NoError(t, err)
			require.Equal(t, "contract-1", m.ContractID)
			require.Len(t, m.Distribution, 2)
			require.Equal(t, int64(250), m.Distribution[1].PointsInt().Int64())
		})
	}
}

func TestIncentives_Message_WrongKey(t *testing.T) {
	t.Parallel()

	signer, _ := newPair(t)
	_, other := newPair(t)
	raw := sealed(t, signer, clockwork.NewFakeClockAt(now))

	v, err := message.NewVerifier(message.VerifierConfig{Verifier: other, Clock: clockwork.NewFakeClockAt(now)})
	require.NoError(t, err)
	_, err = v.Verify(raw)
	require.ErrorIs(t, err, message.ErrInvalidSignature)
}

func TestIncentives_Message_SealRejectsInvalid(t *testing.T) {
	t.Parallel()

	signer, _ := newPair(t)
	clock := clockwork.NewFakeClockAt(now)

	err := message.Seal(&message.Message{ContractID: "c"}, signer, clock)
	require.True(t, request.IsValidationError(err))

	err = message.Seal(&message.Message{
		ContractID:   "c",
		Distribution: []request.DistributionEntry{{Provider: "p", PublicKey: "0xa1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1", Points: "9007199254740993"}},
	}, signer, clock)
	require.ErrorIs(t, err, message.ErrMalformed)
}

func TestIncentives_Message_ResealKeepsNonce(t *testing.T) {
	t.Parallel()

	signer, verifier := newPair(t)
	clock := clockwork.NewFakeClockAt(now)
	raw := sealed(t, signer, clock)

	clock.Advance(time.Hour)
	v, err := message.NewVerifier(message.VerifierConfig{Verifier: verifier, Clock: clock})
	require.NoError(t, err)

	_, err = v.Verify(raw)
	require.ErrorIs(t, err, message.ErrStale)
	require.Equal(t, "stale", message.Code(err))

	m, err := v.Authentic(raw)
	require.NoError(t, err)
	nonce := m.Metadata.Nonce

	require.NoError(t, message.Seal(m, signer, clock))
	require.Equal(t, nonce, m.Metadata.Nonce)
	require.Equal(t, clock.Now().Unix(), m.Metadata.Timestamp)

	resealed, err := json.Marshal(m)
	require.NoError(t, err)
	_, err = v.Verify(resealed)
	require.NoError(t, err)

	tampered := []byte(strings.Replace(string(raw), `"points":100`, `"points":900`, 1))
	_, err = v.Authentic(tampered)
	require.ErrorIs(t, err, message.ErrHashMismatch)
	require.Equal(t, "hash_mismatch", message.Code(err))
}
