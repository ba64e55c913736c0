package ledger

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func (l *Ledger) GetUseCaseInfo(ctx context.Context, id string) (*UseCaseInfo, error) {
	uc, err := l.cfg.Store.UseCase(ctx, id)
	if err != nil {
		return nil, err
	}
	return newUseCaseInfo(uc, l.now()), nil
}

// GetMultipleUseCaseInfo returns infos in the order of ids. It fails if any
// id does not exist.
func (l *Ledger) GetMultipleUseCaseInfo(ctx context.Context, ids []string) ([]*UseCaseInfo, error) {
	now := l.now()
	out := make([]*UseCaseInfo, 0, len(ids))
	for _, id := range ids {
		uc, err := l.cfg.Store.UseCase(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("use case %q: %w", id, err)
		}
		out = append(out, newUseCaseInfo(uc, now))
	}
	return out, nil
}

func (l *Ledger) ListUseCasesByOwner(ctx context.Context, owner common.Address) ([]*UseCaseInfo, error) {
	ucs, err := l.cfg.Store.UseCasesByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list use cases: %w", err)
	}
	now := l.now()
	out := make([]*UseCaseInfo, 0, len(ucs))
	for _, uc := range ucs {
		out = append(out, newUseCaseInfo(uc, now))
	}
	return out, nil
}

func newUseCaseInfo(uc *UseCase, now time.Time) *UseCaseInfo {
	info := &UseCaseInfo{
		ID:                  uc.ID,
		Owner:               uc.Owner,
		State:               uc.State(now),
		TotalRewardPool:     cloneInt(uc.TotalRewardPool),
		RemainingRewardPool: cloneInt(uc.RemainingRewardPool),
		ReservedRewards:     uc.Reserved(),
		ShareBase:           cloneInt(uc.ShareBase),
		LockupPeriodSeconds: int64(uc.LockupPeriod / time.Second),
		RewardsLocked:       uc.RewardsLocked,
		TotalRewardShares:   uc.TotalShares(),
		ParticipantCount:    len(uc.Participants),
		RecordCount:         len(uc.Records),
	}
	if uc.RewardsLocked {
		lock, unlock := uc.LockTime, uc.UnlockAt()
		info.LockTime = &lock
		info.UnlockTime = &unlock
	}
	return info
}

// GetParticipantInfo returns the entitlement and record totals of addr. An
// address is known if it holds a share, a fixed reward or any record.
func (l *Ledger) GetParticipantInfo(ctx context.Context, id string, addr common.Address) (*ParticipantInfo, error) {
	uc, err := l.cfg.Store.UseCase(ctx, id)
	if err != nil {
		return nil, err
	}
	now := l.now()
	info := &ParticipantInfo{
		UseCaseID:     id,
		Address:       addr,
		FixedReward:   new(big.Int),
		Entitlement:   new(big.Int),
		PendingAmount: new(big.Int),
		Claimable:     new(big.Int),
		ClaimedAmount: new(big.Int),
	}

	i, registered := uc.participant(addr)
	if registered {
		p := uc.Participants[i]
		info.RewardShareBps = p.RewardShareBps
		info.FixedReward = cloneInt(p.FixedReward)
		base := uc.ShareBase
		if !uc.RewardsLocked {
			base = new(big.Int).Sub(uc.Unreserved(), uc.TotalFixed())
			if base.Sign() < 0 {
				base = new(big.Int)
			}
		}
		info.Entitlement.Add(p.FixedReward, shareOf(base, p.RewardShareBps))
	}

	for _, rec := range uc.Records {
		if rec.Participant != addr {
			continue
		}
		rec.Amount = cloneInt(rec.Amount)
		info.Records = append(info.Records, rec)
		switch {
		case rec.Claimed:
			info.ClaimedAmount.Add(info.ClaimedAmount, rec.Amount)
		case rec.Pending():
			info.PendingAmount.Add(info.PendingAmount, rec.Amount)
			if rec.unlocked(now) {
				info.Claimable.Add(info.Claimable, rec.Amount)
			}
		}
	}
	if !registered && len(info.Records) == 0 {
		return nil, ErrParticipantNotFound
	}
	return info, nil
}

func (l *Ledger) TotalRewardShares(ctx context.Context, id string) (uint32, error) {
	uc, err := l.cfg.Store.UseCase(ctx, id)
	if err != nil {
		return 0, err
	}
	return uc.TotalShares(), nil
}

// ListTransfers returns the journal entries touching addr in [start, end).
func (l *Ledger) ListTransfers(ctx context.Context, addr common.Address, start, end time.Time) ([]Transfer, error) {
	out, err := l.cfg.Store.Transfers(ctx, TransferFilter{Address: addr, Start: start, End: end})
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	return out, nil
}
