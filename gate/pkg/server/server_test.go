package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/incentives/gate/pkg/authz"
	"github.com/malbeclabs/incentives/gate/pkg/keystore"
	"github.com/malbeclabs/incentives/ledger/pkg/ledger"
	"github.com/malbeclabs/incentives/ledger/pkg/ledger/ledgertest"
	"github.com/malbeclabs/incentives/signing/pkg/client"
	"github.com/malbeclabs/incentives/signing/pkg/request"
	"github.com/malbeclabs/incentives/signing/pkg/scheme"
	incentivestesting "github.com/malbeclabs/incentives/utils/pkg/testing"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type testServer struct {
	env    *ledgertest.Env
	srv    *Server
	client *client.Signer
	clock  *clockwork.FakeClock
}

func newTestServer(t *testing.T, mutate func(cfg *Config)) *testServer {
	t.Helper()
	ctx := context.Background()
	env := ledgertest.NewEnv(t, ledger.NewMemoryStore())

	kp, err := scheme.Generate(scheme.Ed25519)
	require.NoError(t, err)
	keys := keystore.NewMemory()
	require.NoError(t, keys.Put(ctx, &keystore.KeyRecord{
		SignerID:    "svc",
		Scheme:      scheme.Ed25519,
		PublicKey:   kp.Public,
		Permissions: []request.Capability{request.CapabilityDistribute},
	}))
	ss, err := scheme.NewSigner(scheme.Ed25519, kp.Secret)
	require.NoError(t, err)
	c, err := client.New(client.Config{SignerID: "svc", Signer: ss, Nonces: client.NewCounterNonce(0), Clock: env.Clock})
	require.NoError(t, err)

	gate, err := authz.New(authz.Config{
		Logger: incentivestesting.NewLogger(),
		Clock:  env.Clock,
		Scheme: scheme.Ed25519,
		Keys:   keys,
		Nonces: keystore.NewMemoryNonces(),
		Ledger: env.Ledger,
		Caller: ledgertest.Notifier,
	})
	require.NoError(t, err)

	cfg := Config{
		Logger:      incentivestesting.NewLogger(),
		ListenAddr:  "127.0.0.1:0",
		Gate:        gate,
		Ledger:      env.Ledger,
		VersionInfo: VersionInfo{Version: "test"},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	env.NewFundedUseCase(t, "uc-1", 5000, nil, nil)
	_, err = env.Ledger.SetEventRewards(ctx, ledgertest.Owner, "uc-1", []string{"dataset_shared"}, []*big.Int{big.NewInt(1000)})
	require.NoError(t, err)

	return &testServer{env: env, srv: srv, client: c, clock: env.Clock}
}

func (ts *testServer) do(t *testing.T, method, path string, body []byte) (int, envelope, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)

	var raw struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *errorBody      `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw), rec.Body.String())
	var data map[string]any
	if len(raw.Data) > 0 && raw.Data[0] == '{' {
		require.NoError(t, json.Unmarshal(raw.Data, &data))
	}
	return rec.Code, envelope{Success: raw.Success, Error: raw.Error}, data
}

func (ts *testServer) signed(t *testing.T, factor string) []byte {
	t.Helper()
	req, err := ts.client.Sign(&request.TokenRewardRequest{
		UseCaseID: "uc-1",
		Recipient: ledgertest.Alice.Hex(),
		EventName: "dataset_shared",
		Factor:    factor,
	})
	require.NoError(t, err)
	body, err := json.Marshal(req)
	require.NoError(t, err)
	return body
}

func TestIncentives_Server_Distribute(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	status, env, data := ts.do(t, http.MethodPost, "/distribute", ts.signed(t, "0.75"))
	require.Equal(t, http.StatusOK, status)
	require.True(t, env.Success)
	require.NotEmpty(t, data["transactionId"])
	require.Equal(t, "uc-1", data["useCaseId"])
	require.Equal(t, "dataset_shared", data["eventName"])
	require.Equal(t, "750", data["amount"])

	status, _, data = ts.do(t, http.MethodGet, "/use-cases/uc-1/participants/"+ledgertest.Alice.Hex(), nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "750", data["pendingAmount"])
}

func TestIncentives_Server_DistributeErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       func(t *testing.T, ts *testServer) []byte
		wantStatus int
		wantCode   string
	}{
		{
			name:       "malformed json",
			body:       func(*testing.T, *testServer) []byte { return []byte("{") },
			wantStatus: http.StatusBadRequest,
			wantCode:   "InvalidRequest",
		},
		{
			name: "unknown field",
			body: func(t *testing.T, ts *testServer) []byte {
				return bytes.Replace(ts.signed(t, "1"), []byte(`"nonce"`), []byte(`"extra":1,"nonce"`), 1)
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   "InvalidRequest",
		},
		{
			name: "expired",
			body: func(t *testing.T, ts *testServer) []byte {
				body := ts.signed(t, "1")
				ts.clock.Advance(10 * time.Minute)
				return body
			},
			wantStatus: http.StatusUnauthorized,
			wantCode:   "Expired",
		},
		{
			name: "bad signature",
			body: func(t *testing.T, ts *testServer) []byte {
				return bytes.Replace(ts.signed(t, "0.1"), []byte(`"0.1"`), []byte(`"0.9"`), 1)
			},
			wantStatus: http.StatusUnauthorized,
			wantCode:   "InvalidSignature",
		},
		{
			name: "batch kind on single endpoint",
			body: func(t *testing.T, ts *testServer) []byte {
				req, err := ts.client.Sign(&request.DistributionBatchRequest{
					ContractID:   "c",
					Distribution: []request.DistributionEntry{{Provider: "p", PublicKey: ledgertest.Bob.Hex(), Points: "1"}},
				})
				require.NoError(t, err)
				body, err := json.Marshal(req)
				require.NoError(t, err)
				return body
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   "InvalidRequest",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ts := newTestServer(t, nil)
			status, env, _ := ts.do(t, http.MethodPost, "/distribute", tt.body(t, ts))
			require.Equal(t, tt.wantStatus, status)
			require.False(t, env.Success)
			require.Equal(t, tt.wantCode, env.Error.Code)
		})
	}
}

func TestIncentives_Server_Replay(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	body := ts.signed(t, "1")
	status, _, _ := ts.do(t, http.MethodPost, "/distribute", body)
	require.Equal(t, http.StatusOK, status)

	status, env, _ := ts.do(t, http.MethodPost, "/distribute", body)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "ReplayedNonce", env.Error.Code)
}

func TestIncentives_Server_SignerRateLimit(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, func(cfg *Config) {
		cfg.SignerRate = rate.Every(time.Hour)
		cfg.SignerBurst = 1
	})

	status, _, _ := ts.do(t, http.MethodPost, "/distribute", ts.signed(t, "1"))
	require.Equal(t, http.StatusOK, status)

	req := httptest.NewRequest(http.MethodPost, "/distribute", bytes.NewReader(ts.signed(t, "1")))
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestIncentives_Server_Reads(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	status, _, data := ts.do(t, http.MethodGet, "/use-cases/uc-1", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "5000", data["remainingRewardPool"])
	require.Equal(t, "open", data["state"])

	status, env, _ := ts.do(t, http.MethodGet, "/use-cases/missing", nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "UseCaseDoesNotExist", env.Error.Code)

	status, _, _ = ts.do(t, http.MethodGet, "/use-cases?ids=uc-1", nil)
	require.Equal(t, http.StatusOK, status)
	status, _, _ = ts.do(t, http.MethodGet, "/use-cases?ids=uc-1,missing", nil)
	require.Equal(t, http.StatusNotFound, status)
	status, _, _ = ts.do(t, http.MethodGet, "/use-cases", nil)
	require.Equal(t, http.StatusBadRequest, status)

	status, _, data = ts.do(t, http.MethodGet, "/use-cases/uc-1/total-shares", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, float64(0), data["totalRewardShares"])

	status, env, _ = ts.do(t, http.MethodGet, "/use-cases/uc-1/participants/not-an-address", nil)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "InvalidAddress", env.Error.Code)

	status, env, _ = ts.do(t, http.MethodGet, "/use-cases/uc-1/participants/"+ledgertest.Carol.Hex(), nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "ParticipantNotFound", env.Error.Code)

	status, _, data = ts.do(t, http.MethodGet, "/balances/"+ledgertest.LedgerAddress.Hex(), nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "5000", data["balance"])

	status, _, _ = ts.do(t, http.MethodGet, "/history/"+ledgertest.Owner.Hex()+"?start=yesterday", nil)
	require.Equal(t, http.StatusBadRequest, status)

	req := httptest.NewRequest(http.MethodGet, "/history/"+ledgertest.Owner.Hex(), nil)
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		Data []transferView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history.Data, 2)
	require.Equal(t, ledger.TransferMint, history.Data[0].Kind)
	require.Equal(t, ledger.TransferDeposit, history.Data[1].Kind)
}

func TestIncentives_Server_HealthEndpoints(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		ts.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
	require.JSONEq(t, `{"version":"test","commit":"","date":""}`, rec.Body.String())
}

func TestIncentives_Server_Classify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{authz.ErrExpired, http.StatusUnauthorized, "Expired"},
		{authz.ErrInvalidSignature, http.StatusUnauthorized, "InvalidSignature"},
		{authz.ErrForbidden, http.StatusForbidden, "Forbidden"},
		{fmt.Errorf("%w: revoked", authz.ErrUnknownSigner), http.StatusForbidden, "Forbidden"},
		{authz.ErrReplayedNonce, http.StatusConflict, "ReplayedNonce"},
		{authz.ErrMisconfigured, http.StatusInternalServerError, "SchemeMismatch"},
		{&request.ValidationError{Field: "nonce", Message: "must be positive"}, http.StatusBadRequest, "InvalidRequest"},
		{ledger.ErrTotalSharesExceeded, http.StatusBadRequest, "TotalSharesExceeded"},
		{ledger.ErrZeroAmount, http.StatusBadRequest, "ZeroAmount"},
		{ledger.ErrUseCaseDoesNotExist, http.StatusNotFound, "UseCaseDoesNotExist"},
		{ledger.ErrRewardsAlreadyLocked, http.StatusConflict, "RewardsAlreadyLocked"},
		{fmt.Errorf("%w: unlocks later", ledger.ErrLockupPeriodNotEnded), http.StatusConflict, "LockupPeriodNotEnded"},
		{ledger.ErrPermitExpired, http.StatusConflict, "PermitExpired"},
		{ledger.ErrInvalidSignature, http.StatusUnauthorized, "InvalidSignature"},
		{ledger.ErrNotNotifier, http.StatusForbidden, "NotAuthorizedNotifier"},
		{context.DeadlineExceeded, http.StatusServiceUnavailable, "Unavailable"},
		{errors.New("connection refused"), http.StatusServiceUnavailable, "Unavailable"},
	}
	for _, tt := range tests {
		status, code := classify(tt.err)
		require.Equal(t, tt.wantStatus, status, tt.err.Error())
		require.Equal(t, tt.wantCode, code, tt.err.Error())
	}
}
