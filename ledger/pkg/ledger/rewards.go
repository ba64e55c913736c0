package ledger

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

type NotifyInput struct {
	UseCaseID   string
	EventName   string
	Participant common.Address
	// Factor scales the event's base reward and must be in [0, 1].
	Factor      decimal.Decimal
	Source      string
	OperationID string
}

// NotifyEvent appends a record of floor(baseReward * factor) for the
// participant, drawn from the unreserved pool. A zero amount is acknowledged
// without creating a record.
func (l *Ledger) NotifyEvent(ctx context.Context, caller common.Address, in NotifyInput) (*Receipt, error) {
	if in.EventName == "" || len(in.EventName) > maxEventNameLength {
		return nil, ErrInvalidEventName
	}
	if in.Participant == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if in.Factor.IsNegative() || in.Factor.GreaterThan(decimal.NewFromInt(1)) {
		return nil, ErrInvalidFactor
	}
	r, err := l.mutate(ctx, "notify_event", in.UseCaseID, in.OperationID, func(tx Tx, r *Receipt) error {
		uc, err := tx.UseCase(in.UseCaseID)
		if err != nil {
			return err
		}
		if !l.isGlobalNotifier(caller) && !uc.isNotifier(caller) {
			return ErrNotNotifier
		}
		base, ok := uc.EventRewards[in.EventName]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownEvent, in.EventName)
		}
		amount := EventAmount(base, in.Factor)
		r.Amount = amount
		if amount.Sign() == 0 {
			return nil
		}
		return l.appendReward(tx, uc, r, RewardRecord{
			Participant: in.Participant,
			Amount:      amount,
			EventType:   in.EventName,
			Source:      in.Source,
			OperationID: in.OperationID,
		})
	})
	if err != nil {
		return nil, err
	}
	if !r.Duplicate {
		l.log.Info("ledger: event notified", "use_case", in.UseCaseID, "event", in.EventName, "participant", in.Participant.Hex(), "amount", r.Amount.String(), "tx", r.TransactionID)
	}
	return r, nil
}

// EventAmount returns floor(base * factor).
func EventAmount(base *big.Int, factor decimal.Decimal) *big.Int {
	return decimal.NewFromBigInt(base, 0).Mul(factor).Floor().BigInt()
}

type DistributeInput struct {
	UseCaseID   string
	Recipient   common.Address
	Amount      *big.Int
	Source      string
	OperationID string
}

// Distribute appends a distribution record for one recipient, drawn from the
// unreserved pool.
func (l *Ledger) Distribute(ctx context.Context, caller common.Address, in DistributeInput) (*Receipt, error) {
	if in.Recipient == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if err := requirePositive(in.Amount); err != nil {
		return nil, err
	}
	r, err := l.mutate(ctx, "distribute", in.UseCaseID, in.OperationID, func(tx Tx, r *Receipt) error {
		uc, err := tx.UseCase(in.UseCaseID)
		if err != nil {
			return err
		}
		if !l.isGlobalNotifier(caller) && !uc.isNotifier(caller) {
			return ErrNotNotifier
		}
		r.Amount = cloneInt(in.Amount)
		return l.appendReward(tx, uc, r, RewardRecord{
			Participant: in.Recipient,
			Amount:      cloneInt(in.Amount),
			EventType:   EventDistribution,
			Source:      in.Source,
			OperationID: in.OperationID,
		})
	})
	if err != nil {
		return nil, err
	}
	if !r.Duplicate {
		l.log.Debug("ledger: distribution recorded", "use_case", in.UseCaseID, "recipient", in.Recipient.Hex(), "amount", in.Amount.String(), "source", in.Source, "tx", r.TransactionID)
	}
	return r, nil
}

func (l *Ledger) appendReward(tx Tx, uc *UseCase, r *Receipt, rec RewardRecord) error {
	free := uc.Unreserved()
	if rec.Amount.Cmp(free) > 0 {
		return fmt.Errorf("%w: need %s, unreserved %s", ErrInsufficientRewardPool, rec.Amount, free)
	}
	rec.CreatedAt = r.Timestamp
	uc.appendRecord(rec)
	uc.UpdatedAt = r.Timestamp
	return tx.PutUseCase(uc)
}

// ClaimRewards pays caller every pending, unlocked record it owns. Records are
// marked claimed and the sum transferred in the same transaction, so a record
// is paid at most once.
func (l *Ledger) ClaimRewards(ctx context.Context, caller common.Address, id string) (*Receipt, error) {
	var claimed int
	r, err := l.mutate(ctx, "claim_rewards", id, "", func(tx Tx, r *Receipt) error {
		claimed = 0
		uc, err := tx.UseCase(id)
		if err != nil {
			return err
		}
		if !uc.RewardsLocked {
			return fmt.Errorf("%w: rewards not locked", ErrLockupPeriodNotEnded)
		}
		now := r.Timestamp
		if now.Before(uc.UnlockAt()) {
			return fmt.Errorf("%w: unlocks at %s", ErrLockupPeriodNotEnded, uc.UnlockAt().Format(time.RFC3339))
		}

		total := new(big.Int)
		for i := range uc.Records {
			rec := &uc.Records[i]
			if rec.Participant != caller || !rec.Pending() || !rec.unlocked(now) || rec.Amount.Sign() == 0 {
				continue
			}
			rec.Claimed = true
			total.Add(total, rec.Amount)
			claimed++
		}
		if claimed == 0 {
			return ErrNoRewardsToClaim
		}
		if total.Cmp(uc.RemainingRewardPool) > 0 {
			return fmt.Errorf("%w: claim %s exceeds remaining %s", ErrInsufficientRewardPool, total, uc.RemainingRewardPool)
		}
		if err := l.move(tx, r, TransferClaim, l.cfg.Address, caller, total); err != nil {
			return err
		}
		uc.RemainingRewardPool.Sub(uc.RemainingRewardPool, total)
		uc.UpdatedAt = now
		r.Amount = total
		return tx.PutUseCase(uc)
	})
	if err != nil {
		return nil, err
	}
	RewardsClaimedTotal.Add(float64(claimed))
	l.log.Info("ledger: rewards claimed", "use_case", id, "participant", caller.Hex(), "amount", r.Amount.String(), "records", claimed, "tx", r.TransactionID)
	return r, nil
}

func (l *Ledger) RejectReward(ctx context.Context, caller common.Address, id string, participant common.Address, index int) (*Receipt, error) {
	return l.BatchRejectRewards(ctx, caller, id, []common.Address{participant}, []int{index})
}

// BatchRejectRewards rejects the referenced records. Either every record is
// rejected or none is.
func (l *Ledger) BatchRejectRewards(ctx context.Context, caller common.Address, id string, participants []common.Address, indices []int) (*Receipt, error) {
	if len(participants) != len(indices) || len(participants) == 0 {
		return nil, ErrArrayLengthMismatch
	}
	r, err := l.mutate(ctx, "reject_rewards", id, "", func(tx Tx, r *Receipt) error {
		uc, err := tx.UseCase(id)
		if err != nil {
			return err
		}
		if err := requireOwner(uc, caller); err != nil {
			return err
		}
		total := new(big.Int)
		for i, addr := range participants {
			idx := indices[i]
			if idx < 0 || idx >= len(uc.Records) || uc.Records[idx].Participant != addr {
				return fmt.Errorf("%w: %s #%d", ErrRewardNotFound, addr.Hex(), idx)
			}
			rec := &uc.Records[idx]
			switch {
			case rec.Claimed:
				return ErrRewardAlreadyClaimed
			case rec.Rejected:
				return ErrRewardAlreadyRejected
			}
			rec.Rejected = true
			total.Add(total, rec.Amount)
		}
		uc.UpdatedAt = r.Timestamp
		r.Amount = total
		return tx.PutUseCase(uc)
	})
	if err != nil {
		return nil, err
	}
	RewardsRejectedTotal.Add(float64(len(participants)))
	l.log.Info("ledger: rewards rejected", "use_case", id, "records", len(participants), "amount", r.Amount.String(), "tx", r.TransactionID)
	return r, nil
}
