package authz_test

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/incentives/gate/pkg/authz"
	"github.com/malbeclabs/incentives/gate/pkg/keystore"
	"github.com/malbeclabs/incentives/ledger/pkg/ledger"
	"github.com/malbeclabs/incentives/ledger/pkg/ledger/ledgertest"
	"github.com/malbeclabs/incentives/relay/pkg/message"
	"github.com/malbeclabs/incentives/signing/pkg/client"
	"github.com/malbeclabs/incentives/signing/pkg/request"
	"github.com/malbeclabs/incentives/signing/pkg/scheme"
	incentivestesting "github.com/malbeclabs/incentives/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

const signerID = "svc-rewards"

type fakePublisher struct {
	mu     sync.Mutex
	signer scheme.Signer
	clock  clockwork.Clock
	sent   []*message.Message
}

func (p *fakePublisher) Publish(_ context.Context, m *message.Message) (string, error) {
	if err := message.Seal(m, p.signer, p.clock); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, m)
	return "1700000000000-0", nil
}

type fixture struct {
	env    *ledgertest.Env
	gate   *authz.Gate
	keys   *keystore.Memory
	nonces *keystore.MemoryNonces
	client *client.Signer
	pub    *fakePublisher
}

func newFixture(t *testing.T, withPublisher bool, perms ...request.Capability) *fixture {
	t.Helper()
	ctx := context.Background()
	env := ledgertest.NewEnv(t, ledger.NewMemoryStore())

	kp, err := scheme.Generate(scheme.HMACSHA256)
	require.NoError(t, err)
	keys := keystore.NewMemory()
	require.NoError(t, keys.Put(ctx, &keystore.KeyRecord{
		SignerID:    signerID,
		Scheme:      scheme.HMACSHA256,
		PublicKey:   kp.Public,
		Permissions: perms,
		CreatedAt:   env.Clock.Now(),
	}))
	ss, err := scheme.NewSigner(scheme.HMACSHA256, kp.Secret)
	require.NoError(t, err)
	c, err := client.New(client.Config{SignerID: signerID, Signer: ss, Nonces: client.NewCounterNonce(0), Clock: env.Clock})
	require.NoError(t, err)

	f := &fixture{env: env, keys: keys, nonces: keystore.NewMemoryNonces(), client: c}
	cfg := authz.Config{
		Logger: incentivestesting.NewLogger(),
		Clock:  env.Clock,
		Scheme: scheme.HMACSHA256,
		Keys:   keys,
		Nonces: f.nonces,
		Ledger: env.Ledger,
		Caller: ledgertest.Notifier,
	}
	if withPublisher {
		f.pub = &fakePublisher{signer: ss, clock: env.Clock}
		cfg.Publisher = f.pub
	}
	f.gate, err = authz.New(cfg)
	require.NoError(t, err)
	return f
}

func (f *fixture) sign(t *testing.T, p request.Payload) *request.SignedRequest {
	t.Helper()
	req, err := f.client.Sign(p)
	require.NoError(t, err)
	return req
}

// setupEvent creates a funded use case paying 1000 per "dataset_shared" event.
func (f *fixture) setupEvent(t *testing.T, id string) {
	t.Helper()
	f.env.NewFundedUseCase(t, id, 5000, nil, nil)
	_, err := f.env.Ledger.SetEventRewards(context.Background(), ledgertest.Owner, id, []string{"dataset_shared"}, []*big.Int{big.NewInt(1000)})
	require.NoError(t, err)
}

func reward(id string, factor string) *request.TokenRewardRequest {
	return &request.TokenRewardRequest{
		UseCaseID: id,
		Recipient: ledgertest.Alice.Hex(),
		EventName: "dataset_shared",
		Factor:    factor,
	}
}

func pending(t *testing.T, f *fixture, id string, addr common.Address) int64 {
	t.Helper()
	info, err := f.env.Ledger.GetParticipantInfo(context.Background(), id, addr)
	require.NoError(t, err)
	return info.PendingAmount.Int64()
}

func TestIncentives_Gate_TokenReward(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, false, request.CapabilityDistribute)
	f.setupEvent(t, "uc-1")

	res, err := f.gate.Handle(ctx, f.sign(t, reward("uc-1", "0.5")))
	require.NoError(t, err)
	require.NotEmpty(t, res.TransactionID)
	require.Equal(t, request.KindTokenReward, res.Kind)
	require.Equal(t, "500", res.Receipt.Amount.String())
	require.Equal(t, int64(500), pending(t, f, "uc-1", ledgertest.Alice))

	last, err := f.nonces.Last(ctx, signerID)
	require.NoError(t, err)
	require.Equal(t, uint64(1), last)
}

func TestIncentives_Gate_CheckOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name    string
		perms   []request.Capability
		build   func(t *testing.T, f *fixture) *request.SignedRequest
		wantErr error
	}{
		{
			name:  "structural failure",
			perms: []request.Capability{request.CapabilityDistribute},
			build: func(t *testing.T, f *fixture) *request.SignedRequest {
				req := f.sign(t, reward("uc-1", "1"))
				req.Payload = reward("uc-1", "1.5")
				return req
			},
			wantErr: authz.ErrInvalidRequest,
		},
		{
			name:  "stale request with bad signature is expired",
			perms: []request.Capability{request.CapabilityDistribute},
			build: func(t *testing.T, f *fixture) *request.SignedRequest {
				req := f.sign(t, reward("uc-1", "1"))
				req.Signature = "AAAA"
				f.env.Clock.Advance(5*time.Minute + time.Millisecond)
				return req
			},
			wantErr: authz.ErrExpired,
		},
		{
			name:  "timestamp beyond clock skew",
			perms: []request.Capability{request.CapabilityDistribute},
			build: func(t *testing.T, f *fixture) *request.SignedRequest {
				f.env.Clock.Advance(time.Minute)
				req := f.sign(t, reward("uc-1", "1"))
				f.env.Clock.Advance(-time.Minute)
				return req
			},
			wantErr: authz.ErrExpired,
		},
		{
			name:  "unknown signer",
			perms: []request.Capability{request.CapabilityDistribute},
			build: func(t *testing.T, f *fixture) *request.SignedRequest {
				req := f.sign(t, reward("uc-1", "1"))
				req.SignerID = "someone-else"
				return req
			},
			wantErr: authz.ErrUnknownSigner,
		},
		{
			name:  "revoked signer",
			perms: []request.Capability{request.CapabilityDistribute},
			build: func(t *testing.T, f *fixture) *request.SignedRequest {
				require.NoError(t, f.keys.Revoke(ctx, signerID, f.env.Clock.Now()))
				return f.sign(t, reward("uc-1", "1"))
			},
			wantErr: authz.ErrUnknownSigner,
		},
		{
			name:  "missing capability with bad signature is forbidden",
			perms: []request.Capability{request.CapabilityDeposit},
			build: func(t *testing.T, f *fixture) *request.SignedRequest {
				req := f.sign(t, reward("uc-1", "1"))
				req.Signature = "AAAA"
				return req
			},
			wantErr: authz.ErrForbidden,
		},
		{
			name:  "tampered payload",
			perms: []request.Capability{request.CapabilityDistribute},
			build: func(t *testing.T, f *fixture) *request.SignedRequest {
				req := f.sign(t, reward("uc-1", "0.1"))
				req.Payload = reward("uc-1", "1")
				return req
			},
			wantErr: authz.ErrInvalidSignature,
		},
		{
			name:  "key registered under another scheme",
			perms: []request.Capability{request.CapabilityDistribute},
			build: func(t *testing.T, f *fixture) *request.SignedRequest {
				kp, err := scheme.Generate(scheme.Ed25519)
				require.NoError(t, err)
				require.NoError(t, f.keys.Put(ctx, &keystore.KeyRecord{
					SignerID:    signerID,
					Scheme:      scheme.Ed25519,
					PublicKey:   kp.Public,
					Permissions: []request.Capability{request.CapabilityDistribute},
				}))
				return f.sign(t, reward("uc-1", "1"))
			},
			wantErr: authz.ErrMisconfigured,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, false, tt.perms...)
			f.setupEvent(t, "uc-1")

			_, err := f.gate.Handle(ctx, tt.build(t, f))
			require.ErrorIs(t, err, tt.wantErr)

			require.Equal(t, int64(0), pendingOrZero(t, f, "uc-1", ledgertest.Alice))
			last, err := f.nonces.Last(ctx, signerID)
			require.NoError(t, err)
			require.Equal(t, uint64(0), last)
		})
	}
}

func pendingOrZero(t *testing.T, f *fixture, id string, addr common.Address) int64 {
	t.Helper()
	info, err := f.env.Ledger.GetParticipantInfo(context.Background(), id, addr)
	if err != nil {
		require.ErrorIs(t, err, ledger.ErrParticipantNotFound)
		return 0
	}
	return info.PendingAmount.Int64()
}

func TestIncentives_Gate_StructuralErrorKeepsField(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, request.CapabilityDistribute)

	req := f.sign(t, reward("uc-1", "1"))
	req.Payload = reward("uc-1", "abc")
	_, err := f.gate.Authorize(context.Background(), req)
	require.ErrorIs(t, err, authz.ErrInvalidRequest)
	require.True(t, request.IsValidationError(err))
	require.Equal(t, authz.KindValidation, authz.KindOf(err))
	require.Contains(t, err.Error(), "factor")
}

func TestIncentives_Gate_ReplayedNonce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, false, request.CapabilityDistribute)
	f.setupEvent(t, "uc-1")

	req := f.sign(t, reward("uc-1", "1"))
	_, err := f.gate.Handle(ctx, req)
	require.NoError(t, err)

	_, err = f.gate.Handle(ctx, req)
	require.ErrorIs(t, err, authz.ErrReplayedNonce)
	require.Equal(t, authz.KindReplay, authz.KindOf(err))
	require.Equal(t, int64(1000), pending(t, f, "uc-1", ledgertest.Alice))
}

func TestIncentives_Gate_ExecuteIsIdempotentPerNonce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, false, request.CapabilityDistribute)
	f.setupEvent(t, "uc-1")

	d, err := f.gate.Authorize(ctx, f.sign(t, reward("uc-1", "0.25")))
	require.NoError(t, err)

	first, err := f.gate.Execute(ctx, d)
	require.NoError(t, err)
	second, err := f.gate.Execute(ctx, d)
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Equal(t, first.TransactionID, second.TransactionID)
	require.Equal(t, "svc-rewards:1", authz.OperationID(d.Request))
	require.Equal(t, int64(250), pending(t, f, "uc-1", ledgertest.Alice))
}

func TestIncentives_Gate_OperationIDSurvivesResign(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, false, request.CapabilityDistribute)
	f.setupEvent(t, "uc-1")

	p := reward("uc-1", "1")
	p.OperationID = "evt-42"
	first, err := f.gate.Handle(ctx, f.sign(t, p))
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	// The client lost the response and re-signs under a new nonce.
	req := f.sign(t, p)
	require.Equal(t, "svc-rewards:op:evt-42", authz.OperationID(req))
	second, err := f.gate.Handle(ctx, req)
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Equal(t, first.TransactionID, second.TransactionID)
	require.Equal(t, int64(1000), pending(t, f, "uc-1", ledgertest.Alice))
}

func TestIncentives_Gate_LedgerRejection(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, request.CapabilityDistribute)

	_, err := f.gate.Handle(context.Background(), f.sign(t, reward("missing", "1")))
	require.ErrorIs(t, err, ledger.ErrUseCaseDoesNotExist)
}

func TestIncentives_Gate_PermitDeposit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, false, request.CapabilityDeposit)
	wallet := incentivestesting.NewWallet(t)

	_, err := f.env.Ledger.CreateUseCase(ctx, ledgertest.Owner, "uc-dep")
	require.NoError(t, err)
	_, err = f.env.Ledger.Mint(ctx, ledgertest.Operator, wallet.Address, big.NewInt(1000))
	require.NoError(t, err)

	deposit := func(amount int64, deadline time.Time) *request.UseCaseDepositRequest {
		p := ledger.Permit{
			Owner:    wallet.Address,
			Spender:  ledgertest.LedgerAddress,
			Value:    big.NewInt(amount),
			Deadline: deadline.Unix(),
		}
		p.Nonce, err = f.env.Ledger.PermitNonce(ctx, wallet.Address)
		require.NoError(t, err)
		require.NoError(t, ledger.SignPermit(f.env.Ledger.Domain(), &p, wallet.Key))
		return &request.UseCaseDepositRequest{
			UseCaseID: "uc-dep",
			Owner:     wallet.Address.Hex(),
			Amount:    p.Value.String(),
			Deadline:  p.Deadline,
			PermitV:   p.V,
			PermitR:   hexutil.Encode(p.R[:]),
			PermitS:   hexutil.Encode(p.S[:]),
		}
	}

	t.Run("expired permit moves nothing", func(t *testing.T) {
		_, err := f.gate.Handle(ctx, f.sign(t, deposit(300, f.env.Clock.Now().Add(-time.Second))))
		require.ErrorIs(t, err, ledger.ErrPermitExpired)
		require.Equal(t, int64(1000), f.env.Balance(t, wallet.Address))
		allowance, err := f.env.Ledger.Allowance(ctx, wallet.Address, ledgertest.LedgerAddress)
		require.NoError(t, err)
		require.Equal(t, int64(0), allowance.Int64())
	})

	t.Run("valid permit deposits", func(t *testing.T) {
		res, err := f.gate.Handle(ctx, f.sign(t, deposit(300, f.env.Clock.Now().Add(time.Hour))))
		require.NoError(t, err)
		require.Equal(t, "300", res.Receipt.Amount.String())
		require.Equal(t, int64(700), f.env.Balance(t, wallet.Address))

		info, err := f.env.Ledger.GetUseCaseInfo(ctx, "uc-dep")
		require.NoError(t, err)
		require.Equal(t, "300", info.RemainingRewardPool.String())
	})

	t.Run("token reward is forbidden for a deposit key", func(t *testing.T) {
		_, err := f.gate.Handle(ctx, f.sign(t, reward("uc-dep", "1")))
		require.ErrorIs(t, err, authz.ErrForbidden)
	})
}

func TestIncentives_Gate_DistributionBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	batch := &request.DistributionBatchRequest{
		ContractID: "contract-7",
		Distribution: []request.DistributionEntry{
			{Provider: "p1", PublicKey: ledgertest.Alice.Hex(), Points: "10"},
		},
	}

	t.Run("enqueued", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, true, request.CapabilityEnqueue)
		res, err := f.gate.Handle(ctx, f.sign(t, batch))
		require.NoError(t, err)
		require.Equal(t, "1700000000000-0", res.MessageID)
		require.NotNil(t, res.Metadata)
		require.Len(t, f.pub.sent, 1)
		require.Equal(t, f.pub.sent[0].Metadata.Hash, res.Metadata.Hash)
	})

	t.Run("no publisher configured", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, false, request.CapabilityEnqueue)
		_, err := f.gate.Handle(ctx, f.sign(t, batch))
		require.ErrorIs(t, err, authz.ErrForbidden)
	})
}

func TestIncentives_Gate_ConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := authz.Config{
		Logger: incentivestesting.NewLogger(),
		Scheme: scheme.Ed25519,
		Keys:   keystore.NewMemory(),
		Nonces: keystore.NewMemoryNonces(),
		Ledger: ledgertest.NewEnv(t, ledger.NewMemoryStore()).Ledger,
		Caller: ledgertest.Notifier,
	}
	require.NoError(t, cfg.Validate())
	require.Equal(t, authz.DefaultMaxAge, cfg.MaxAge)
	require.Equal(t, authz.DefaultMaxClockSkew, cfg.MaxClockSkew)
	require.NotNil(t, cfg.Clock)

	bad := cfg
	bad.Scheme = "rsa"
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Caller = common.Address{}
	require.Error(t, bad.Validate())
}
