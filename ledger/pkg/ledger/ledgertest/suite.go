// Package ledgertest runs the ledger's behavioural suite against any Store.
package ledgertest

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/incentives/ledger/pkg/ledger"
	incentivestesting "github.com/malbeclabs/incentives/utils/pkg/testing"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var (
	LedgerAddress = incentivestesting.Address(0xee)
	Operator      = incentivestesting.Address(0x01)
	Notifier      = incentivestesting.Address(0x02)
	Owner         = incentivestesting.Address(0x0a)
	Alice         = incentivestesting.Address(0xa1)
	Bob           = incentivestesting.Address(0xb0)
	Carol         = incentivestesting.Address(0xc0)
)

// Env is a ledger wired to a fake clock.
type Env struct {
	Ledger *ledger.Ledger
	Clock  *clockwork.FakeClock
}

func NewEnv(t *testing.T, store ledger.Store) *Env {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	l, err := ledger.New(ledger.Config{
		Logger:    incentivestesting.NewLogger(),
		Clock:     clock,
		Store:     store,
		Address:   LedgerAddress,
		Domain:    ledger.PermitDomain{Name: "Incentive Token", Version: "1", ChainID: 31337},
		Notifiers: []common.Address{Notifier},
		Operators: []common.Address{Operator},
	})
	require.NoError(t, err)
	return &Env{Ledger: l, Clock: clock}
}

// Fund mints amount to addr and approves the ledger to spend it.
func (e *Env) Fund(t *testing.T, addr common.Address, amount int64) {
	t.Helper()
	ctx := context.Background()
	_, err := e.Ledger.Mint(ctx, Operator, addr, big.NewInt(amount))
	require.NoError(t, err)
	_, err = e.Ledger.Approve(ctx, addr, LedgerAddress, big.NewInt(amount))
	require.NoError(t, err)
}

// NewFundedUseCase creates a use case owned by Owner with the given shares
// and deposits pool into it.
func (e *Env) NewFundedUseCase(t *testing.T, id string, pool int64, participants []common.Address, shares []uint32) {
	t.Helper()
	ctx := context.Background()
	_, err := e.Ledger.CreateUseCaseWithParticipants(ctx, Owner, id, participants, shares)
	require.NoError(t, err)
	if pool > 0 {
		e.Fund(t, Owner, pool)
		_, err = e.Ledger.DepositRewards(ctx, Owner, id, big.NewInt(pool))
		require.NoError(t, err)
	}
}

func (e *Env) Balance(t *testing.T, addr common.Address) int64 {
	t.Helper()
	b, err := e.Ledger.BalanceOf(context.Background(), addr)
	require.NoError(t, err)
	return b.Int64()
}

func requireAmount(t *testing.T, want int64, got *big.Int) {
	t.Helper()
	require.NotNil(t, got)
	require.Equal(t, big.NewInt(want).String(), got.String())
}

// Run executes the suite. newStore must return an empty store for each call.
func Run(t *testing.T, newStore func(t *testing.T) ledger.Store) {
	env := func(t *testing.T) *Env {
		return NewEnv(t, newStore(t))
	}
	ctx := context.Background()

	t.Run("shares_and_claims", func(t *testing.T) {
		t.Parallel()
		e := env(t)
		e.NewFundedUseCase(t, "uc-split", 1000, []common.Address{Alice, Bob}, []uint32{6000, 4000})

		_, err := e.Ledger.LockRewards(ctx, Owner, "uc-split", time.Hour)
		require.NoError(t, err)
		e.Clock.Advance(time.Hour)

		r, err := e.Ledger.ClaimRewards(ctx, Alice, "uc-split")
		require.NoError(t, err)
		requireAmount(t, 600, r.Amount)
		r, err = e.Ledger.ClaimRewards(ctx, Bob, "uc-split")
		require.NoError(t, err)
		requireAmount(t, 400, r.Amount)

		info, err := e.Ledger.GetUseCaseInfo(ctx, "uc-split")
		require.NoError(t, err)
		requireAmount(t, 0, info.RemainingRewardPool)
		requireAmount(t, 1000, info.TotalRewardPool)
		require.Equal(t, ledger.StateClaimable, info.State)

		_, err = e.Ledger.ClaimRewards(ctx, Alice, "uc-split")
		require.ErrorIs(t, err, ledger.ErrNoRewardsToClaim)

		require.Equal(t, int64(600), e.Balance(t, Alice))
		require.Equal(t, int64(400), e.Balance(t, Bob))
		require.Equal(t, int64(0), e.Balance(t, LedgerAddress))
	})

	t.Run("total_shares_cap", func(t *testing.T) {
		t.Parallel()
		e := env(t)
		e.NewFundedUseCase(t, "uc-cap", 0, []common.Address{Alice}, []uint32{6000})

		_, err := e.Ledger.UpdateRewardShares(ctx, Owner, "uc-cap", []common.Address{Bob}, []uint32{5000})
		require.ErrorIs(t, err, ledger.ErrTotalSharesExceeded)
		total, err := e.Ledger.TotalRewardShares(ctx, "uc-cap")
		require.NoError(t, err)
		require.Equal(t, uint32(6000), total)

		_, err = e.Ledger.UpdateRewardShares(ctx, Owner, "uc-cap", []common.Address{Alice, Bob}, []uint32{4000, 6000})
		require.NoError(t, err)
		total, err = e.Ledger.TotalRewardShares(ctx, "uc-cap")
		require.NoError(t, err)
		require.Equal(t, uint32(10000), total)

		_, err = e.Ledger.UpdateRewardShares(ctx, Owner, "uc-cap", []common.Address{Alice}, []uint32{1, 2})
		require.ErrorIs(t, err, ledger.ErrArrayLengthMismatch)
		_, err = e.Ledger.UpdateRewardShares(ctx, Alice, "uc-cap", []common.Address{Alice}, []uint32{100})
		require.ErrorIs(t, err, ledger.ErrNotUseCaseOwner)
	})

	t.Run("double_lock", func(t *testing.T) {
		t.Parallel()
		e := env(t)
		e.NewFundedUseCase(t, "uc-lock", 100, []common.Address{Alice}, []uint32{10000})

		_, err := e.Ledger.LockRewards(ctx, Owner, "uc-lock", time.Minute)
		require.NoError(t, err)
		first, err := e.Ledger.GetUseCaseInfo(ctx, "uc-lock")
		require.NoError(t, err)

		e.Clock.Advance(10 * time.Second)
		_, err = e.Ledger.LockRewards(ctx, Owner, "uc-lock", time.Hour)
		require.ErrorIs(t, err, ledger.ErrRewardsAlreadyLocked)

		second, err := e.Ledger.GetUseCaseInfo(ctx, "uc-lock")
		require.NoError(t, err)
		require.True(t, first.LockTime.Equal(*second.LockTime))
		require.Equal(t, int64(60), second.LockupPeriodSeconds)

		_, err = e.Ledger.UpdateRewardShares(ctx, Owner, "uc-lock", []common.Address{Bob}, []uint32{0})
		require.ErrorIs(t, err, ledger.ErrRewardsAlreadyLocked)
		_, err = e.Ledger.LockRewards(ctx, Owner, "uc-lock", 0)
		require.ErrorIs(t, err, ledger.ErrInvalidLockupPeriod)
	})

	t.Run("early_claim", func(t *testing.T) {
		t.Parallel()
		e := env(t)
		e.NewFundedUseCase(t, "uc-early", 100, []common.Address{Alice}, []uint32{10000})

		_, err := e.Ledger.ClaimRewards(ctx, Alice, "uc-early")
		require.ErrorIs(t, err, ledger.ErrLockupPeriodNotEnded)

		_, err = e.Ledger.LockRewards(ctx, Owner, "uc-early", time.Hour)
		require.NoError(t, err)
		e.Clock.Advance(59 * time.Minute)
		_, err = e.Ledger.ClaimRewards(ctx, Alice, "uc-early")
		require.ErrorIs(t, err, ledger.ErrLockupPeriodNotEnded)

		e.Clock.Advance(time.Minute)
		r, err := e.Ledger.ClaimRewards(ctx, Alice, "uc-early")
		require.NoError(t, err)
		requireAmount(t, 100, r.Amount)
	})

	t.Run("fixed_rewards_have_priority", func(t *testing.T) {
		t.Parallel()
		e := env(t)
		e.NewFundedUseCase(t, "uc-fixed", 1000, []common.Address{Alice, Bob}, []uint32{5000, 5000})
		_, err := e.Ledger.AddFixedRewards(ctx, Owner, "uc-fixed", []common.Address{Alice}, []*big.Int{big.NewInt(200)})
		require.NoError(t, err)

		_, err = e.Ledger.LockRewards(ctx, Owner, "uc-fixed", time.Second)
		require.NoError(t, err)
		info, err := e.Ledger.GetUseCaseInfo(ctx, "uc-fixed")
		require.NoError(t, err)
		requireAmount(t, 800, info.ShareBase)

		alice, err := e.Ledger.GetParticipantInfo(ctx, "uc-fixed", Alice)
		require.NoError(t, err)
		requireAmount(t, 600, alice.Entitlement)
		requireAmount(t, 600, alice.PendingAmount)
		requireAmount(t, 0, alice.Claimable)

		e.Clock.Advance(time.Second)
		r, err := e.Ledger.ClaimRewards(ctx, Bob, "uc-fixed")
		require.NoError(t, err)
		requireAmount(t, 400, r.Amount)
	})

	t.Run("fixed_rewards_exceed_pool", func(t *testing.T) {
		t.Parallel()
		e := env(t)
		e.NewFundedUseCase(t, "uc-short", 100, []common.Address{Alice}, []uint32{0})
		_, err := e.Ledger.AddFixedRewards(ctx, Owner, "uc-short", []common.Address{Alice}, []*big.Int{big.NewInt(101)})
		require.NoError(t, err)

		_, err = e.Ledger.LockRewards(ctx, Owner, "uc-short", time.Second)
		require.ErrorIs(t, err, ledger.ErrInsufficientRewardPool)
		info, err := e.Ledger.GetUseCaseInfo(ctx, "uc-short")
		require.NoError(t, err)
		require.False(t, info.RewardsLocked)
	})

	t.Run("floor_division", func(t *testing.T) {
		t.Parallel()
		e := env(t)
		e.NewFundedUseCase(t, "uc-floor", 1001, []common.Address{Alice, Bob, Carol}, []uint32{3333, 3333, 3334})
		r, err := e.Ledger.LockRewards(ctx, Owner, "uc-floor", time.Second)
		require.NoError(t, err)
		requireAmount(t, 999, r.Amount)

		carol, err := e.Ledger.GetParticipantInfo(ctx, "uc-floor", Carol)
		require.NoError(t, err)
		requireAmount(t, 333, carol.Entitlement)

		info, err := e.Ledger.GetUseCaseInfo(ctx, "uc-floor")
		require.NoError(t, err)
		requireAmount(t, 999, info.ReservedRewards)
	})

	t.Run("notify_event", func(t *testing.T) {
		t.Parallel()
		e := env(t)
		e.NewFundedUseCase(t, "uc-event", 1000, nil, nil)
		_, err := e.Ledger.SetEventRewards(ctx, Owner, "uc-event", []string{"dataset_shared"}, []*big.Int{big.NewInt(100)})
		require.NoError(t, err)

		in := ledger.NotifyInput{
			UseCaseID:   "uc-event",
			EventName:   "dataset_shared",
			Participant: Alice,
			Factor:      decimal.RequireFromString("0.555"),
			OperationID: "signer-1:1",
		}
		r, err := e.Ledger.NotifyEvent(ctx, Notifier, in)
		require.NoError(t, err)
		requireAmount(t, 55, r.Amount)
		require.False(t, r.Duplicate)

		dup, err := e.Ledger.NotifyEvent(ctx, Notifier, in)
		require.NoError(t, err)
		require.True(t, dup.Duplicate)
		require.Equal(t, r.TransactionID, dup.TransactionID)

		info, err := e.Ledger.GetParticipantInfo(ctx, "uc-event", Alice)
		require.NoError(t, err)
		require.Len(t, info.Records, 1)
		require.Equal(t, "dataset_shared", info.Records[0].EventType)
		require.True(t, info.Records[0].UnlockTime.IsZero())

		in.OperationID = "signer-1:2"
		in.EventName = "unknown"
		_, err = e.Ledger.NotifyEvent(ctx, Notifier, in)
		require.ErrorIs(t, err, ledger.ErrUnknownEvent)

		in.EventName = "dataset_shared"
		_, err = e.Ledger.NotifyEvent(ctx, Bob, in)
		require.ErrorIs(t, err, ledger.ErrNotNotifier)

		_, err = e.Ledger.LockRewards(ctx, Owner, "uc-event", time.Minute)
		require.NoError(t, err)
		e.Clock.Advance(time.Minute)
		claim, err := e.Ledger.ClaimRewards(ctx, Alice, "uc-event")
		require.NoError(t, err)
		requireAmount(t, 55, claim.Amount)
	})

	t.Run("event_exceeds_pool", func(t *testing.T) {
		t.Parallel()
		e := env(t)
		e.NewFundedUseCase(t, "uc-dry", 50, nil, nil)
		_, err := e.Ledger.SetEventRewards(ctx, Owner, "uc-dry", []string{"big"}, []*big.Int{big.NewInt(100)})
		require.NoError(t, err)

		_, err = e.Ledger.NotifyEvent(ctx, Owner, ledger.NotifyInput{
			UseCaseID:   "uc-dry",
			EventName:   "big",
			Participant: Alice,
			Factor:      decimal.NewFromInt(1),
		})
		require.ErrorIs(t, err, ledger.ErrInsufficientRewardPool)
	})

	t.Run("distribute_idempotent", func(t *testing.T) {
		t.Parallel()
		e := env(t)
		e.NewFundedUseCase(t, "uc-dist", 500, nil, nil)
		_, err := e.Ledger.LockRewards(ctx, Owner, "uc-dist", time.Second)
		require.NoError(t, err)

		in := ledger.DistributeInput{
			UseCaseID:   "uc-dist",
			Recipient:   Alice,
			Amount:      big.NewInt(120),
			Source:      "provider-1",
			OperationID: "abc:0",
		}
		r, err := e.Ledger.Distribute(ctx, Notifier, in)
		require.NoError(t, err)
		again, err := e.Ledger.Distribute(ctx, Notifier, in)
		require.NoError(t, err)
		require.True(t, again.Duplicate)
		require.Equal(t, r.TransactionID, again.TransactionID)

		e.Clock.Advance(time.Second)
		claim, err := e.Ledger.ClaimRewards(ctx, Alice, "uc-dist")
		require.NoError(t, err)
		requireAmount(t, 120, claim.Amount)
	})

	t.Run("reject_rewards", func(t *testing.T) {
		t.Parallel()
		e := env(t)
		e.NewFundedUseCase(t, "uc-reject", 1000, []common.Address{Alice, Bob}, []uint32{5000, 5000})
		_, err := e.Ledger.LockRewards(ctx, Owner, "uc-reject", time.Second)
		require.NoError(t, err)

		_, err = e.Ledger.BatchRejectRewards(ctx, Owner, "uc-reject", []common.Address{Alice, Bob}, []int{0, 7})
		require.ErrorIs(t, err, ledger.ErrRewardNotFound)
		alice, err := e.Ledger.GetParticipantInfo(ctx, "uc-reject", Alice)
		require.NoError(t, err)
		require.False(t, alice.Records[0].Rejected)

		_, err = e.Ledger.RejectReward(ctx, Alice, "uc-reject", Alice, 0)
		require.ErrorIs(t, err, ledger.ErrNotUseCaseOwner)
		_, err = e.Ledger.RejectReward(ctx, Owner, "uc-reject", Alice, 0)
		require.NoError(t, err)
		_, err = e.Ledger.RejectReward(ctx, Owner, "uc-reject", Alice, 0)
		require.ErrorIs(t, err, ledger.ErrRewardAlreadyRejected)

		e.Clock.Advance(time.Second)
		_, err = e.Ledger.ClaimRewards(ctx, Alice, "uc-reject")
		require.ErrorIs(t, err, ledger.ErrNoRewardsToClaim)
		_, err = e.Ledger.ClaimRewards(ctx, Bob, "uc-reject")
		require.NoError(t, err)
		_, err = e.Ledger.RejectReward(ctx, Owner, "uc-reject", Bob, 1)
		require.ErrorIs(t, err, ledger.ErrRewardAlreadyClaimed)
	})

	t.Run("emergency_withdraw", func(t *testing.T) {
		t.Parallel()
		e := env(t)
		e.NewFundedUseCase(t, "uc-exit", 700, []common.Address{Alice}, []uint32{10000})
		_, err := e.Ledger.LockRewards(ctx, Owner, "uc-exit", time.Hour)
		require.NoError(t, err)

		_, err = e.Ledger.EmergencyWithdraw(ctx, Alice, "uc-exit")
		require.ErrorIs(t, err, ledger.ErrNotUseCaseOwner)
		r, err := e.Ledger.EmergencyWithdraw(ctx, Owner, "uc-exit")
		require.NoError(t, err)
		requireAmount(t, 700, r.Amount)
		require.Equal(t, int64(700), e.Balance(t, Owner))

		e.Clock.Advance(time.Hour)
		_, err = e.Ledger.ClaimRewards(ctx, Alice, "uc-exit")
		require.ErrorIs(t, err, ledger.ErrNoRewardsToClaim)
		_, err = e.Ledger.EmergencyWithdraw(ctx, Owner, "uc-exit")
		require.ErrorIs(t, err, ledger.ErrZeroAmount)
	})

	t.Run("deposit_requires_allowance", func(t *testing.T) {
		t.Parallel()
		e := env(t)
		_, err := e.Ledger.CreateUseCase(ctx, Owner, "uc-allow")
		require.NoError(t, err)
		_, err = e.Ledger.CreateUseCase(ctx, Owner, "uc-allow")
		require.ErrorIs(t, err, ledger.ErrUseCaseAlreadyExists)

		_, err = e.Ledger.Mint(ctx, Operator, Owner, big.NewInt(100))
		require.NoError(t, err)
		_, err = e.Ledger.DepositRewards(ctx, Owner, "uc-allow", big.NewInt(50))
		require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

		_, err = e.Ledger.Approve(ctx, Owner, LedgerAddress, big.NewInt(500))
		require.NoError(t, err)
		_, err = e.Ledger.DepositRewards(ctx, Owner, "uc-allow", big.NewInt(150))
		require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
		_, err = e.Ledger.DepositRewards(ctx, Owner, "uc-allow", big.NewInt(0))
		require.ErrorIs(t, err, ledger.ErrZeroAmount)
		_, err = e.Ledger.DepositRewards(ctx, Owner, "missing", big.NewInt(10))
		require.ErrorIs(t, err, ledger.ErrUseCaseDoesNotExist)

		_, err = e.Ledger.DepositRewards(ctx, Owner, "uc-allow", big.NewInt(100))
		require.NoError(t, err)
		allowance, err := e.Ledger.Allowance(ctx, Owner, LedgerAddress)
		require.NoError(t, err)
		requireAmount(t, 400, allowance)

		transfers, err := e.Ledger.ListTransfers(ctx, Owner, time.Time{}, time.Time{})
		require.NoError(t, err)
		require.Len(t, transfers, 2)
		require.Equal(t, ledger.TransferMint, transfers[0].Kind)
		require.Equal(t, ledger.TransferDeposit, transfers[1].Kind)
		require.Equal(t, "uc-allow", transfers[1].UseCaseID)
	})

	t.Run("permit_deposit", func(t *testing.T) {
		t.Parallel()
		e := env(t)
		wallet := incentivestesting.NewWallet(t)
		_, err := e.Ledger.CreateUseCase(ctx, Owner, "uc-permit")
		require.NoError(t, err)
		_, err = e.Ledger.Mint(ctx, Operator, wallet.Address, big.NewInt(1000))
		require.NoError(t, err)

		permit := func(value, nonce uint64, deadline time.Time) ledger.Permit {
			p := ledger.Permit{
				Owner:    wallet.Address,
				Spender:  LedgerAddress,
				Value:    new(big.Int).SetUint64(value),
				Nonce:    nonce,
				Deadline: deadline.Unix(),
			}
			require.NoError(t, ledger.SignPermit(e.Ledger.Domain(), &p, wallet.Key))
			return p
		}

		expired := permit(100, 0, e.Clock.Now().Add(-time.Second))
		_, err = e.Ledger.DepositRewardsWithPermit(ctx, Owner, "uc-permit", expired)
		require.ErrorIs(t, err, ledger.ErrPermitExpired)
		info, err := e.Ledger.GetUseCaseInfo(ctx, "uc-permit")
		require.NoError(t, err)
		requireAmount(t, 0, info.TotalRewardPool)
		nonce, err := e.Ledger.PermitNonce(ctx, wallet.Address)
		require.NoError(t, err)
		require.Equal(t, uint64(0), nonce)

		valid := permit(300, 0, e.Clock.Now().Add(time.Hour))
		r, err := e.Ledger.DepositRewardsWithPermit(ctx, Owner, "uc-permit", valid)
		require.NoError(t, err)
		requireAmount(t, 300, r.Amount)
		require.Equal(t, int64(700), e.Balance(t, wallet.Address))

		_, err = e.Ledger.DepositRewardsWithPermit(ctx, Owner, "uc-permit", valid)
		require.ErrorIs(t, err, ledger.ErrInvalidPermitNonce)

		forged := permit(300, 1, e.Clock.Now().Add(time.Hour))
		forged.Value = big.NewInt(600)
		_, err = e.Ledger.DepositRewardsWithPermit(ctx, Owner, "uc-permit", forged)
		require.ErrorIs(t, err, ledger.ErrInvalidSignature)

		other := incentivestesting.NewWallet(t)
		wrongSpender := ledger.Permit{
			Owner:    wallet.Address,
			Spender:  other.Address,
			Value:    big.NewInt(10),
			Nonce:    1,
			Deadline: e.Clock.Now().Add(time.Hour).Unix(),
		}
		require.NoError(t, ledger.SignPermit(e.Ledger.Domain(), &wrongSpender, wallet.Key))
		_, err = e.Ledger.DepositRewardsWithPermit(ctx, Owner, "uc-permit", wrongSpender)
		require.ErrorIs(t, err, ledger.ErrInvalidSpender)

		info, err = e.Ledger.GetUseCaseInfo(ctx, "uc-permit")
		require.NoError(t, err)
		requireAmount(t, 300, info.RemainingRewardPool)
	})

	t.Run("concurrent_claims_pay_once", func(t *testing.T) {
		t.Parallel()
		e := env(t)
		e.NewFundedUseCase(t, "uc-race", 1000, []common.Address{Alice, Bob}, []uint32{6000, 4000})
		_, err := e.Ledger.LockRewards(ctx, Owner, "uc-race", time.Second)
		require.NoError(t, err)
		e.Clock.Advance(time.Second)

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := e.Ledger.ClaimRewards(ctx, Alice, "uc-race")
				if err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
					return
				}
				if !errors.Is(err, ledger.ErrNoRewardsToClaim) {
					t.Errorf("unexpected claim error: %v", err)
				}
			}()
		}
		wg.Wait()
		require.Equal(t, 1, successes)
		require.Equal(t, int64(600), e.Balance(t, Alice))

		info, err := e.Ledger.GetUseCaseInfo(ctx, "uc-race")
		require.NoError(t, err)
		requireAmount(t, 400, info.RemainingRewardPool)
	})

	t.Run("ownership_and_queries", func(t *testing.T) {
		t.Parallel()
		e := env(t)
		e.NewFundedUseCase(t, "uc-a", 10, []common.Address{Alice}, []uint32{2500})
		e.NewFundedUseCase(t, "uc-b", 0, nil, nil)

		owned, err := e.Ledger.ListUseCasesByOwner(ctx, Owner)
		require.NoError(t, err)
		require.Len(t, owned, 2)
		require.Equal(t, "uc-a", owned[0].ID)

		infos, err := e.Ledger.GetMultipleUseCaseInfo(ctx, []string{"uc-b", "uc-a"})
		require.NoError(t, err)
		require.Equal(t, "uc-b", infos[0].ID)
		require.Equal(t, uint32(2500), infos[1].TotalRewardShares)
		_, err = e.Ledger.GetMultipleUseCaseInfo(ctx, []string{"uc-a", "nope"})
		require.ErrorIs(t, err, ledger.ErrUseCaseDoesNotExist)

		_, err = e.Ledger.GetParticipantInfo(ctx, "uc-a", Bob)
		require.ErrorIs(t, err, ledger.ErrParticipantNotFound)

		_, err = e.Ledger.TransferUseCaseOwnership(ctx, Owner, "uc-b", common.Address{})
		require.ErrorIs(t, err, ledger.ErrZeroAddress)
		_, err = e.Ledger.TransferUseCaseOwnership(ctx, Owner, "uc-b", Carol)
		require.NoError(t, err)
		_, err = e.Ledger.AddNotifier(ctx, Owner, "uc-b", Bob)
		require.ErrorIs(t, err, ledger.ErrNotUseCaseOwner)
		_, err = e.Ledger.AddNotifier(ctx, Carol, "uc-b", Bob)
		require.NoError(t, err)

		owned, err = e.Ledger.ListUseCasesByOwner(ctx, Carol)
		require.NoError(t, err)
		require.Len(t, owned, 1)
	})
}
