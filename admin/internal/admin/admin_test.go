package admin

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/incentives/gate/pkg/keystore"
	"github.com/malbeclabs/incentives/ledger/pkg/ledger"
	"github.com/malbeclabs/incentives/ledger/pkg/ledger/ledgertest"
	"github.com/malbeclabs/incentives/relay/pkg/broker"
	"github.com/malbeclabs/incentives/signing/pkg/request"
	"github.com/malbeclabs/incentives/signing/pkg/scheme"
	incentivestesting "github.com/malbeclabs/incentives/utils/pkg/testing"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// withConsole swaps the prompt streams for the duration of the test.
func withConsole(t *testing.T, input string) *bytes.Buffer {
	t.Helper()
	out := &bytes.Buffer{}
	prevIn, prevOut := stdin, stdout
	stdin, stdout = strings.NewReader(input), out
	t.Cleanup(func() { stdin, stdout = prevIn, prevOut })
	return out
}

func TestIncentives_Admin_RegisterListRevoke(t *testing.T) {
	log := incentivestesting.NewLogger()
	ctx := context.Background()
	store := keystore.NewMemory()

	rec, secret, err := RegisterKey(ctx, log, store, now, RegisterKeyConfig{
		SignerID:    "svc-rewards",
		Scheme:      scheme.Ed25519,
		Permissions: []string{"distribute", " ENQUEUE"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, secret)
	require.Equal(t, []request.Capability{request.CapabilityDistribute, request.CapabilityEnqueue}, rec.Permissions)

	_, _, err = RegisterKey(ctx, log, store, now, RegisterKeyConfig{SignerID: "x", Scheme: scheme.Ed25519, Permissions: []string{"ADMIN"}})
	require.ErrorContains(t, err, "unknown capability")
	_, _, err = RegisterKey(ctx, log, store, now, RegisterKeyConfig{SignerID: "x", Scheme: scheme.Ed25519})
	require.ErrorContains(t, err, "at least one permission")

	var table bytes.Buffer
	require.NoError(t, ListKeys(ctx, store, &table))
	require.Contains(t, table.String(), "svc-rewards")
	require.Contains(t, table.String(), "DISTRIBUTE,ENQUEUE")

	out := withConsole(t, "no\n")
	require.NoError(t, RevokeKey(ctx, log, store, "svc-rewards", now, false))
	require.Contains(t, out.String(), "Operation cancelled")
	got, err := store.Get(ctx, "svc-rewards")
	require.NoError(t, err)
	require.False(t, got.Revoked())

	withConsole(t, "yes\n")
	require.NoError(t, RevokeKey(ctx, log, store, "svc-rewards", now, false))
	got, err = store.Get(ctx, "svc-rewards")
	require.NoError(t, err)
	require.True(t, got.Revoked())

	require.ErrorIs(t, RevokeKey(ctx, log, store, "missing", now, true), keystore.ErrNotFound)
}

func TestIncentives_Admin_SignRequest(t *testing.T) {
	t.Parallel()
	kp, err := scheme.Generate(scheme.HMACSHA256)
	require.NoError(t, err)
	nonceFile := filepath.Join(t.TempDir(), "nonce")

	cfg := SignConfig{
		SignerID:  "svc",
		Scheme:    scheme.HMACSHA256,
		Secret:    kp.Secret,
		NonceFile: nonceFile,
		Kind:      request.KindTokenReward,
		Clock:     clockwork.NewFakeClockAt(now),
	}
	payload := []byte(`{"useCaseId":"uc-1","eventName":"dataset_shared","recipient":"0xa1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1","factor":"0.5"}`)

	body, err := SignRequest(cfg, payload)
	require.NoError(t, err)
	req, err := request.Decode(body)
	require.NoError(t, err)
	require.EqualValues(t, 1, req.Nonce)
	require.Equal(t, now.UnixMilli(), req.Timestamp)

	v, err := scheme.NewVerifier(scheme.HMACSHA256, scheme.HMACSHA256, kp.Public)
	require.NoError(t, err)
	msg, err := req.SigningBytes()
	require.NoError(t, err)
	require.NoError(t, v.Verify(msg, req.Signature))

	body, err = SignRequest(cfg, payload)
	require.NoError(t, err)
	req, err = request.Decode(body)
	require.NoError(t, err)
	require.EqualValues(t, 2, req.Nonce)

	_, err = SignRequest(cfg, []byte(`{"useCaseId":"uc-1","bogus":1}`))
	require.True(t, request.IsValidationError(err))
}

type fakeDeadLetters struct {
	dead []broker.DeadLetter
}

func (f *fakeDeadLetters) DeadLetters(_ context.Context, count int64) ([]broker.DeadLetter, error) {
	return f.dead[:min(int(count), len(f.dead))], nil
}

func (f *fakeDeadLetters) RemoveDeadLetter(context.Context, string) error { return nil }

func TestIncentives_Admin_RedriveDryRun(t *testing.T) {
	out := withConsole(t, "")
	store := &fakeDeadLetters{dead: []broker.DeadLetter{
		{ID: "1-0", Code: "stale"},
		{ID: "2-0", Code: "hash_mismatch"},
	}}

	err := RedriveDeadLetters(context.Background(), incentivestesting.NewLogger(), nil, store, nil, RedriveConfig{Limit: 10, DryRun: true})
	require.NoError(t, err)
	require.Contains(t, out.String(), "1 of 2 dead letter(s)")
	require.Contains(t, out.String(), "[DRY RUN]")

	var table bytes.Buffer
	require.NoError(t, ListDeadLetters(context.Background(), store, 10, &table))
	require.Contains(t, table.String(), "hash_mismatch")
}

func TestIncentives_Admin_UseCaseLifecycle(t *testing.T) {
	t.Parallel()
	log := incentivestesting.NewLogger()
	ctx := context.Background()
	env := ledgertest.NewEnv(t, ledger.NewMemoryStore())
	l := env.Ledger
	alice, bob := ledgertest.Alice.Hex(), ledgertest.Bob.Hex()

	require.NoError(t, CreateUseCase(ctx, log, l, ledgertest.Owner, "uc-cli", []string{alice, bob}, []string{"6000", "4000"}))
	require.ErrorIs(t, CreateUseCase(ctx, log, l, ledgertest.Owner, "uc-cli", nil, nil), ledger.ErrUseCaseAlreadyExists)

	require.ErrorIs(t, Deposit(ctx, log, l, ledgertest.Owner, "uc-cli", "1000"), ledger.ErrInsufficientBalance)
	require.NoError(t, Mint(ctx, log, l, ledgertest.Operator, ledgertest.Owner, "1000"))
	require.NoError(t, Deposit(ctx, log, l, ledgertest.Owner, "uc-cli", "1000"))

	require.ErrorIs(t, Claim(ctx, log, l, ledgertest.Alice, "uc-cli"), ledger.ErrLockupPeriodNotEnded)
	require.ErrorIs(t, LockRewards(ctx, log, l, ledgertest.Owner, "uc-cli", 0), ledger.ErrInvalidLockupPeriod)
	require.NoError(t, LockRewards(ctx, log, l, ledgertest.Owner, "uc-cli", 24*time.Hour))

	var table bytes.Buffer
	require.NoError(t, ShowUseCase(ctx, l, "uc-cli", &table))
	require.Contains(t, table.String(), "locked")
	require.Contains(t, table.String(), "10000 bps, 2 participants")

	env.Clock.Advance(24 * time.Hour)
	require.NoError(t, Claim(ctx, log, l, ledgertest.Alice, "uc-cli"))
	require.Equal(t, int64(600), env.Balance(t, ledgertest.Alice))
	require.ErrorIs(t, Claim(ctx, log, l, ledgertest.Alice, "uc-cli"), ledger.ErrNoRewardsToClaim)

	table.Reset()
	require.NoError(t, ShowUseCase(ctx, l, "uc-cli", &table))
	require.Contains(t, table.String(), "claimable")
	require.Contains(t, table.String(), "400 / 1000")
}

func TestIncentives_Admin_UpdateShares(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	alice, bob := ledgertest.Alice.Hex(), ledgertest.Bob.Hex()

	tests := []struct {
		name         string
		caller       common.Address
		participants []string
		shares       []string
		wantErr      string
		wantIs       error
	}{
		{name: "length mismatch", caller: ledgertest.Owner, participants: []string{alice, bob}, shares: []string{"100"}, wantErr: "got 2 participants and 1 shares"},
		{name: "share above denominator", caller: ledgertest.Owner, participants: []string{alice}, shares: []string{"10001"}, wantErr: "invalid share"},
		{name: "share not a number", caller: ledgertest.Owner, participants: []string{alice}, shares: []string{"half"}, wantErr: "invalid share"},
		{name: "bad address", caller: ledgertest.Owner, participants: []string{"0x123"}, shares: []string{"100"}, wantErr: "invalid participant"},
		{name: "empty", caller: ledgertest.Owner, wantErr: "at least one participant"},
		{name: "total exceeded", caller: ledgertest.Owner, participants: []string{bob}, shares: []string{"5000"}, wantIs: ledger.ErrTotalSharesExceeded},
		{name: "not owner", caller: ledgertest.Alice, participants: []string{bob}, shares: []string{"100"}, wantIs: ledger.ErrNotUseCaseOwner},
		{name: "ok", caller: ledgertest.Owner, participants: []string{alice, bob}, shares: []string{"4000", "6000"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := ledgertest.NewEnv(t, ledger.NewMemoryStore())
			env.NewFundedUseCase(t, "uc-shares", 0, []common.Address{ledgertest.Alice}, []uint32{6000})

			err := UpdateShares(ctx, incentivestesting.NewLogger(), env.Ledger, tt.caller, "uc-shares", tt.participants, tt.shares)
			switch {
			case tt.wantIs != nil:
				require.ErrorIs(t, err, tt.wantIs)
			case tt.wantErr != "":
				require.ErrorContains(t, err, tt.wantErr)
			default:
				require.NoError(t, err)
				total, err := env.Ledger.TotalRewardShares(ctx, "uc-shares")
				require.NoError(t, err)
				require.Equal(t, uint32(10000), total)
			}
		})
	}
}

func TestIncentives_Admin_AddFixedRewards(t *testing.T) {
	t.Parallel()
	log := incentivestesting.NewLogger()
	ctx := context.Background()
	env := ledgertest.NewEnv(t, ledger.NewMemoryStore())
	env.NewFundedUseCase(t, "uc-fixed", 1000, []common.Address{ledgertest.Alice, ledgertest.Bob}, []uint32{5000, 5000})
	alice := ledgertest.Alice.Hex()

	require.ErrorContains(t, AddFixedRewards(ctx, log, env.Ledger, ledgertest.Owner, "uc-fixed", []string{alice}, []string{"-5"}), "invalid amount")
	require.ErrorContains(t, AddFixedRewards(ctx, log, env.Ledger, ledgertest.Owner, "uc-fixed", []string{alice}, nil), "got 1 participants and 0 amounts")
	require.NoError(t, AddFixedRewards(ctx, log, env.Ledger, ledgertest.Owner, "uc-fixed", []string{alice}, []string{"200"}))

	require.NoError(t, LockRewards(ctx, log, env.Ledger, ledgertest.Owner, "uc-fixed", time.Second))
	info, err := env.Ledger.GetParticipantInfo(ctx, "uc-fixed", ledgertest.Alice)
	require.NoError(t, err)
	require.Equal(t, "200", info.FixedReward.String())
	require.Equal(t, "600", info.Entitlement.String())
}

func TestIncentives_Admin_SetEventRewardsAndAddNotifier(t *testing.T) {
	t.Parallel()
	log := incentivestesting.NewLogger()
	ctx := context.Background()
	env := ledgertest.NewEnv(t, ledger.NewMemoryStore())
	env.NewFundedUseCase(t, "uc-events", 1000, nil, nil)

	require.ErrorContains(t, SetEventRewards(ctx, log, env.Ledger, ledgertest.Owner, "uc-events", []string{"a", "b"}, []string{"1"}), "got 2 events and 1 base rewards")
	require.NoError(t, SetEventRewards(ctx, log, env.Ledger, ledgertest.Owner, "uc-events", []string{"dataset_shared"}, []string{"100"}))

	notify := func() (*ledger.Receipt, error) {
		return env.Ledger.NotifyEvent(ctx, ledgertest.Carol, ledger.NotifyInput{
			UseCaseID:   "uc-events",
			EventName:   "dataset_shared",
			Participant: ledgertest.Alice,
			Factor:      decimal.NewFromInt(1),
		})
	}
	_, err := notify()
	require.ErrorIs(t, err, ledger.ErrNotNotifier)

	require.ErrorIs(t, AddNotifier(ctx, log, env.Ledger, ledgertest.Alice, "uc-events", ledgertest.Carol), ledger.ErrNotUseCaseOwner)
	require.NoError(t, AddNotifier(ctx, log, env.Ledger, ledgertest.Owner, "uc-events", ledgertest.Carol))
	r, err := notify()
	require.NoError(t, err)
	require.Equal(t, "100", r.Amount.String())
}

func TestIncentives_Admin_RejectRewards(t *testing.T) {
	t.Parallel()
	log := incentivestesting.NewLogger()
	ctx := context.Background()
	env := ledgertest.NewEnv(t, ledger.NewMemoryStore())
	env.NewFundedUseCase(t, "uc-reject", 1000, []common.Address{ledgertest.Alice, ledgertest.Bob}, []uint32{5000, 5000})
	require.NoError(t, LockRewards(ctx, log, env.Ledger, ledgertest.Owner, "uc-reject", time.Second))
	alice, bob := ledgertest.Alice.Hex(), ledgertest.Bob.Hex()

	require.ErrorContains(t, RejectRewards(ctx, log, env.Ledger, ledgertest.Owner, "uc-reject", []string{alice, bob}, []int{0}), "got 2 participants and 1 indices")
	require.ErrorIs(t, RejectRewards(ctx, log, env.Ledger, ledgertest.Owner, "uc-reject", []string{alice, bob}, []int{0, 9}), ledger.ErrRewardNotFound)
	require.ErrorIs(t, RejectRewards(ctx, log, env.Ledger, ledgertest.Alice, "uc-reject", []string{alice}, []int{0}), ledger.ErrNotUseCaseOwner)
	require.NoError(t, RejectRewards(ctx, log, env.Ledger, ledgertest.Owner, "uc-reject", []string{alice}, []int{0}))

	info, err := env.Ledger.GetParticipantInfo(ctx, "uc-reject", ledgertest.Alice)
	require.NoError(t, err)
	require.True(t, info.Records[0].Rejected)

	env.Clock.Advance(time.Second)
	require.ErrorIs(t, Claim(ctx, log, env.Ledger, ledgertest.Alice, "uc-reject"), ledger.ErrNoRewardsToClaim)
	require.NoError(t, Claim(ctx, log, env.Ledger, ledgertest.Bob, "uc-reject"))
}

func TestIncentives_Admin_EmergencyWithdraw(t *testing.T) {
	log := incentivestesting.NewLogger()
	ctx := context.Background()
	env := ledgertest.NewEnv(t, ledger.NewMemoryStore())
	env.NewFundedUseCase(t, "uc-exit", 700, []common.Address{ledgertest.Alice}, []uint32{10000})

	out := withConsole(t, "no\n")
	require.NoError(t, EmergencyWithdraw(ctx, log, env.Ledger, ledgertest.Owner, "uc-exit", false))
	require.Contains(t, out.String(), "Operation cancelled")
	require.Equal(t, int64(0), env.Balance(t, ledgertest.Owner))

	withConsole(t, "yes\n")
	require.NoError(t, EmergencyWithdraw(ctx, log, env.Ledger, ledgertest.Owner, "uc-exit", false))
	require.Equal(t, int64(700), env.Balance(t, ledgertest.Owner))

	require.ErrorIs(t, EmergencyWithdraw(ctx, log, env.Ledger, ledgertest.Owner, "uc-exit", true), ledger.ErrZeroAmount)
}

func TestIncentives_Admin_TransferOwnership(t *testing.T) {
	t.Parallel()
	log := incentivestesting.NewLogger()
	ctx := context.Background()
	env := ledgertest.NewEnv(t, ledger.NewMemoryStore())
	env.NewFundedUseCase(t, "uc-move", 0, nil, nil)

	require.ErrorIs(t, TransferOwnership(ctx, log, env.Ledger, ledgertest.Alice, "uc-move", ledgertest.Carol), ledger.ErrNotUseCaseOwner)
	require.NoError(t, TransferOwnership(ctx, log, env.Ledger, ledgertest.Owner, "uc-move", ledgertest.Carol))

	info, err := env.Ledger.GetUseCaseInfo(ctx, "uc-move")
	require.NoError(t, err)
	require.Equal(t, ledgertest.Carol, info.Owner)
	require.ErrorIs(t, AddNotifier(ctx, log, env.Ledger, ledgertest.Owner, "uc-move", ledgertest.Bob), ledger.ErrNotUseCaseOwner)
}
