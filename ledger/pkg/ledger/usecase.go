package ledger

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
)

func (l *Ledger) CreateUseCase(ctx context.Context, caller common.Address, id string) (*Receipt, error) {
	return l.CreateUseCaseWithParticipants(ctx, caller, id, nil, nil)
}

// CreateUseCaseWithParticipants creates a use case owned by caller and
// registers its initial participants in the same transaction.
func (l *Ledger) CreateUseCaseWithParticipants(ctx context.Context, caller common.Address, id string, participants []common.Address, shares []uint32) (*Receipt, error) {
	if err := validateUseCaseID(id); err != nil {
		return nil, err
	}
	if caller == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if len(participants) != len(shares) {
		return nil, ErrArrayLengthMismatch
	}
	r, err := l.mutate(ctx, "create_use_case", id, "", func(tx Tx, r *Receipt) error {
		uc := newUseCase(id, caller, r.Timestamp)
		if err := l.upsertShares(uc, participants, shares); err != nil {
			return err
		}
		return tx.CreateUseCase(uc)
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("ledger: use case created", "use_case", id, "owner", caller.Hex(), "participants", len(participants))
	return r, nil
}

func (l *Ledger) TransferUseCaseOwnership(ctx context.Context, caller common.Address, id string, newOwner common.Address) (*Receipt, error) {
	if newOwner == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	return l.mutate(ctx, "transfer_ownership", id, "", func(tx Tx, r *Receipt) error {
		uc, err := tx.UseCase(id)
		if err != nil {
			return err
		}
		if err := requireOwner(uc, caller); err != nil {
			return err
		}
		uc.Owner = newOwner
		uc.UpdatedAt = r.Timestamp
		return tx.PutUseCase(uc)
	})
}

// UpdateRewardShares upserts participant shares. The whole update is rejected
// if the resulting total exceeds 10000 bps.
func (l *Ledger) UpdateRewardShares(ctx context.Context, caller common.Address, id string, participants []common.Address, shares []uint32) (*Receipt, error) {
	if len(participants) != len(shares) {
		return nil, ErrArrayLengthMismatch
	}
	return l.mutate(ctx, "update_reward_shares", id, "", func(tx Tx, r *Receipt) error {
		uc, err := tx.UseCase(id)
		if err != nil {
			return err
		}
		if err := requireOwner(uc, caller); err != nil {
			return err
		}
		if err := requireOpen(uc); err != nil {
			return err
		}
		if err := l.upsertShares(uc, participants, shares); err != nil {
			return err
		}
		uc.UpdatedAt = r.Timestamp
		return tx.PutUseCase(uc)
	})
}

func (l *Ledger) upsertShares(uc *UseCase, participants []common.Address, shares []uint32) error {
	for i, addr := range participants {
		if addr == (common.Address{}) {
			return ErrZeroAddress
		}
		if shares[i] > BpsDenominator {
			return ErrTotalSharesExceeded
		}
		p, err := l.participantFor(uc, addr)
		if err != nil {
			return err
		}
		p.RewardShareBps = shares[i]
	}
	if uc.TotalShares() > BpsDenominator {
		return ErrTotalSharesExceeded
	}
	return nil
}

// participantFor returns the participant entry for addr, appending one if
// the address is new.
func (l *Ledger) participantFor(uc *UseCase, addr common.Address) (*Participant, error) {
	if i, ok := uc.participant(addr); ok {
		return &uc.Participants[i], nil
	}
	if len(uc.Participants) >= l.cfg.MaxParticipants {
		return nil, ErrMaxParticipants
	}
	uc.Participants = append(uc.Participants, Participant{Address: addr, FixedReward: new(big.Int)})
	return &uc.Participants[len(uc.Participants)-1], nil
}

// AddFixedRewards adds fixed amounts to participants' entitlements. Fixed
// rewards are paid before bps shares are computed.
func (l *Ledger) AddFixedRewards(ctx context.Context, caller common.Address, id string, participants []common.Address, amounts []*big.Int) (*Receipt, error) {
	if len(participants) != len(amounts) {
		return nil, ErrArrayLengthMismatch
	}
	for _, a := range amounts {
		if err := requirePositive(a); err != nil {
			return nil, err
		}
	}
	return l.mutate(ctx, "add_fixed_rewards", id, "", func(tx Tx, r *Receipt) error {
		uc, err := tx.UseCase(id)
		if err != nil {
			return err
		}
		if err := requireOwner(uc, caller); err != nil {
			return err
		}
		if err := requireOpen(uc); err != nil {
			return err
		}
		total := new(big.Int)
		for i, addr := range participants {
			if addr == (common.Address{}) {
				return ErrZeroAddress
			}
			p, err := l.participantFor(uc, addr)
			if err != nil {
				return err
			}
			p.FixedReward.Add(p.FixedReward, amounts[i])
			total.Add(total, amounts[i])
		}
		uc.UpdatedAt = r.Timestamp
		r.Amount = total
		return tx.PutUseCase(uc)
	})
}

// SetEventRewards configures the base reward paid per event name.
func (l *Ledger) SetEventRewards(ctx context.Context, caller common.Address, id string, eventNames []string, baseRewards []*big.Int) (*Receipt, error) {
	if len(eventNames) != len(baseRewards) {
		return nil, ErrArrayLengthMismatch
	}
	for i, name := range eventNames {
		if name == "" || len(name) > maxEventNameLength {
			return nil, ErrInvalidEventName
		}
		if err := requirePositive(baseRewards[i]); err != nil {
			return nil, err
		}
	}
	return l.mutate(ctx, "set_event_rewards", id, "", func(tx Tx, r *Receipt) error {
		uc, err := tx.UseCase(id)
		if err != nil {
			return err
		}
		if err := requireOwner(uc, caller); err != nil {
			return err
		}
		for i, name := range eventNames {
			uc.EventRewards[name] = cloneInt(baseRewards[i])
		}
		uc.UpdatedAt = r.Timestamp
		return tx.PutUseCase(uc)
	})
}

// AddNotifier authorizes addr to notify events for one use case.
func (l *Ledger) AddNotifier(ctx context.Context, caller common.Address, id string, addr common.Address) (*Receipt, error) {
	if addr == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	return l.mutate(ctx, "add_notifier", id, "", func(tx Tx, r *Receipt) error {
		uc, err := tx.UseCase(id)
		if err != nil {
			return err
		}
		if err := requireOwner(uc, caller); err != nil {
			return err
		}
		if uc.isNotifier(addr) {
			return nil
		}
		uc.Notifiers = append(uc.Notifiers, addr)
		uc.UpdatedAt = r.Timestamp
		return tx.PutUseCase(uc)
	})
}

// DepositRewards moves amount from caller into the use case pool, spending
// the allowance caller granted to the ledger address.
func (l *Ledger) DepositRewards(ctx context.Context, caller common.Address, id string, amount *big.Int) (*Receipt, error) {
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	r, err := l.mutate(ctx, "deposit", id, "", func(tx Tx, r *Receipt) error {
		uc, err := tx.UseCase(id)
		if err != nil {
			return err
		}
		if err := l.deposit(tx, r, uc, caller, amount); err != nil {
			return err
		}
		return tx.PutUseCase(uc)
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("ledger: rewards deposited", "use_case", id, "from", caller.Hex(), "amount", amount.String(), "tx", r.TransactionID)
	return r, nil
}

// DepositRewardsWithPermit verifies an EIP-712 permit from p.Owner, sets the
// allowance it grants and deposits p.Value, all in one transaction. The
// caller only relays the permit.
func (l *Ledger) DepositRewardsWithPermit(ctx context.Context, caller common.Address, id string, p Permit) (*Receipt, error) {
	if p.Owner == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if err := requirePositive(p.Value); err != nil {
		return nil, err
	}
	r, err := l.mutate(ctx, "deposit_with_permit", id, "", func(tx Tx, r *Receipt) error {
		uc, err := tx.UseCase(id)
		if err != nil {
			return err
		}
		acct, err := tx.Account(p.Owner)
		if err != nil {
			return fmt.Errorf("failed to load account: %w", err)
		}
		if err := l.verifyPermit(acct, &p); err != nil {
			return err
		}
		acct.PermitNonce++
		if err := tx.PutAccount(acct); err != nil {
			return fmt.Errorf("failed to save account: %w", err)
		}
		if err := tx.PutAllowance(p.Owner, p.Spender, p.Value); err != nil {
			return fmt.Errorf("failed to save allowance: %w", err)
		}
		if err := l.deposit(tx, r, uc, p.Owner, p.Value); err != nil {
			return err
		}
		return tx.PutUseCase(uc)
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("ledger: rewards deposited with permit", "use_case", id, "owner", p.Owner.Hex(), "relayer", caller.Hex(), "amount", p.Value.String(), "tx", r.TransactionID)
	return r, nil
}

func (l *Ledger) deposit(tx Tx, r *Receipt, uc *UseCase, from common.Address, amount *big.Int) error {
	allowance, err := tx.Allowance(from, l.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to load allowance: %w", err)
	}
	if allowance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: allowance %s is below %s", ErrInsufficientBalance, allowance, amount)
	}
	total := new(big.Int).Add(uc.TotalRewardPool, amount)
	if total.Cmp(math.MaxBig256) > 0 {
		return ErrRewardPoolOverflow
	}
	if err := tx.PutAllowance(from, l.cfg.Address, allowance.Sub(allowance, amount)); err != nil {
		return fmt.Errorf("failed to save allowance: %w", err)
	}
	if err := l.move(tx, r, TransferDeposit, from, l.cfg.Address, amount); err != nil {
		return err
	}
	uc.TotalRewardPool = total
	uc.RemainingRewardPool.Add(uc.RemainingRewardPool, amount)
	uc.UpdatedAt = r.Timestamp
	r.Amount = cloneInt(amount)
	return nil
}

// LockRewards fixes the participant set and starts the lockup window. The
// share base is snapshotted from the unreserved pool net of fixed rewards, and
// each participant's fixed + share entitlement becomes an allocation record.
func (l *Ledger) LockRewards(ctx context.Context, caller common.Address, id string, lockupPeriod time.Duration) (*Receipt, error) {
	if lockupPeriod < l.cfg.MinLockup || lockupPeriod > l.cfg.MaxLockup {
		return nil, ErrInvalidLockupPeriod
	}
	r, err := l.mutate(ctx, "lock_rewards", id, "", func(tx Tx, r *Receipt) error {
		uc, err := tx.UseCase(id)
		if err != nil {
			return err
		}
		if err := requireOwner(uc, caller); err != nil {
			return err
		}
		if err := requireOpen(uc); err != nil {
			return err
		}

		available := uc.Unreserved()
		fixed := uc.TotalFixed()
		if fixed.Cmp(available) > 0 {
			return fmt.Errorf("%w: fixed rewards %s exceed available pool %s", ErrInsufficientRewardPool, fixed, available)
		}

		uc.RewardsLocked = true
		uc.LockTime = r.Timestamp
		uc.LockupPeriod = lockupPeriod
		uc.ShareBase = new(big.Int).Sub(available, fixed)
		uc.UpdatedAt = r.Timestamp

		unlock := uc.UnlockAt()
		for i := range uc.Records {
			if uc.Records[i].Pending() && uc.Records[i].UnlockTime.IsZero() {
				uc.Records[i].UnlockTime = unlock
			}
		}
		allocated := new(big.Int)
		for _, p := range uc.Participants {
			amount := new(big.Int).Add(p.FixedReward, shareOf(uc.ShareBase, p.RewardShareBps))
			if amount.Sign() == 0 {
				continue
			}
			uc.appendRecord(RewardRecord{
				Participant: p.Address,
				Amount:      amount,
				EventType:   EventAllocation,
				CreatedAt:   r.Timestamp,
			})
			allocated.Add(allocated, amount)
		}
		r.Amount = allocated
		return tx.PutUseCase(uc)
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("ledger: rewards locked", "use_case", id, "lockup", lockupPeriod, "allocated", r.Amount.String(), "tx", r.TransactionID)
	return r, nil
}

// EmergencyWithdraw returns the whole remaining pool to the owner. Pending
// records are rejected since nothing backs them anymore.
func (l *Ledger) EmergencyWithdraw(ctx context.Context, caller common.Address, id string) (*Receipt, error) {
	var rejected int
	r, err := l.mutate(ctx, "emergency_withdraw", id, "", func(tx Tx, r *Receipt) error {
		rejected = 0
		uc, err := tx.UseCase(id)
		if err != nil {
			return err
		}
		if err := requireOwner(uc, caller); err != nil {
			return err
		}
		amount := cloneInt(uc.RemainingRewardPool)
		if amount.Sign() == 0 {
			return ErrZeroAmount
		}
		if err := l.move(tx, r, TransferWithdraw, l.cfg.Address, uc.Owner, amount); err != nil {
			return err
		}
		uc.RemainingRewardPool = new(big.Int)
		for i := range uc.Records {
			if uc.Records[i].Pending() {
				uc.Records[i].Rejected = true
				rejected++
			}
		}
		uc.UpdatedAt = r.Timestamp
		r.Amount = amount
		return tx.PutUseCase(uc)
	})
	if err != nil {
		return nil, err
	}
	RewardsRejectedTotal.Add(float64(rejected))
	l.log.Warn("ledger: emergency withdraw", "use_case", id, "owner", caller.Hex(), "amount", r.Amount.String(), "rejected_records", rejected, "tx", r.TransactionID)
	return r, nil
}
