package pgstore

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/malbeclabs/incentives/ledger/pkg/ledger"
)

// pgTx implements ledger.Tx on one pgx transaction. Use cases are loaded with
// FOR UPDATE and remembered so PutUseCase only writes what changed.
type pgTx struct {
	ctx    context.Context
	q      pgx.Tx
	loaded map[string]*ledger.UseCase
}

func (tx *pgTx) UseCase(id string) (*ledger.UseCase, error) {
	if uc, ok := tx.loaded[id]; ok {
		return uc.Clone(), nil
	}
	uc, err := loadUseCase(tx.ctx, tx.q, id, true)
	if err != nil {
		return nil, err
	}
	tx.loaded[id] = uc
	return uc.Clone(), nil
}

func (tx *pgTx) CreateUseCase(uc *ledger.UseCase) error {
	tag, err := tx.q.Exec(tx.ctx, `INSERT INTO use_cases
		(id, owner, total_reward_pool, remaining_reward_pool, share_base, lockup_period_ms, lock_time, rewards_locked, created_at, updated_at)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		uc.ID, uc.Owner.Hex(), uc.TotalRewardPool.String(), uc.RemainingRewardPool.String(), uc.ShareBase.String(),
		uc.LockupPeriod.Milliseconds(), nullTime(uc.LockTime), uc.RewardsLocked, uc.CreatedAt, uc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert use case: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrUseCaseAlreadyExists
	}
	empty := &ledger.UseCase{ID: uc.ID, EventRewards: map[string]*big.Int{}}
	if err := tx.writeChildren(empty, uc); err != nil {
		return err
	}
	tx.loaded[uc.ID] = uc.Clone()
	return nil
}

func (tx *pgTx) PutUseCase(uc *ledger.UseCase) error {
	prev, ok := tx.loaded[uc.ID]
	if !ok {
		if _, err := tx.UseCase(uc.ID); err != nil {
			return err
		}
		prev = tx.loaded[uc.ID]
	}
	_, err := tx.q.Exec(tx.ctx, `UPDATE use_cases SET
		owner = $2, total_reward_pool = $3::numeric, remaining_reward_pool = $4::numeric, share_base = $5::numeric,
		lockup_period_ms = $6, lock_time = $7, rewards_locked = $8, updated_at = $9
		WHERE id = $1`,
		uc.ID, uc.Owner.Hex(), uc.TotalRewardPool.String(), uc.RemainingRewardPool.String(), uc.ShareBase.String(),
		uc.LockupPeriod.Milliseconds(), nullTime(uc.LockTime), uc.RewardsLocked, uc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update use case: %w", err)
	}
	if err := tx.writeChildren(prev, uc); err != nil {
		return err
	}
	tx.loaded[uc.ID] = uc.Clone()
	return nil
}

// writeChildren upserts the participants, records, event rewards and
// notifiers of uc that differ from prev. Nothing is ever deleted.
func (tx *pgTx) writeChildren(prev, uc *ledger.UseCase) error {
	batch := &pgx.Batch{}

	for i, p := range uc.Participants {
		if i < len(prev.Participants) {
			old := prev.Participants[i]
			if old.Address == p.Address && old.RewardShareBps == p.RewardShareBps && old.FixedReward.Cmp(p.FixedReward) == 0 {
				continue
			}
		}
		batch.Queue(`INSERT INTO participants (use_case_id, address, position, reward_share_bps, fixed_reward)
			VALUES ($1, $2, $3, $4, $5::numeric)
			ON CONFLICT (use_case_id, address) DO UPDATE
			SET position = EXCLUDED.position, reward_share_bps = EXCLUDED.reward_share_bps, fixed_reward = EXCLUDED.fixed_reward`,
			uc.ID, p.Address.Hex(), i, int32(p.RewardShareBps), p.FixedReward.String())
	}

	for i, r := range uc.Records {
		if i < len(prev.Records) {
			old := prev.Records[i]
			if old.Claimed == r.Claimed && old.Rejected == r.Rejected && old.UnlockTime.Equal(r.UnlockTime) {
				continue
			}
		}
		batch.Queue(`INSERT INTO reward_records
			(use_case_id, idx, participant, amount, unlock_time, event_type, source, operation_id, claimed, rejected, created_at)
			VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (use_case_id, idx) DO UPDATE
			SET unlock_time = EXCLUDED.unlock_time, claimed = EXCLUDED.claimed, rejected = EXCLUDED.rejected`,
			uc.ID, r.Index, r.Participant.Hex(), r.Amount.String(), nullTime(r.UnlockTime), r.EventType, r.Source, r.OperationID,
			r.Claimed, r.Rejected, r.CreatedAt)
	}

	for name, base := range uc.EventRewards {
		if old, ok := prev.EventRewards[name]; ok && old.Cmp(base) == 0 {
			continue
		}
		batch.Queue(`INSERT INTO event_rewards (use_case_id, event_name, base_reward) VALUES ($1, $2, $3::numeric)
			ON CONFLICT (use_case_id, event_name) DO UPDATE SET base_reward = EXCLUDED.base_reward`,
			uc.ID, name, base.String())
	}

	for i, n := range uc.Notifiers {
		if i < len(prev.Notifiers) && prev.Notifiers[i] == n {
			continue
		}
		batch.Queue(`INSERT INTO use_case_notifiers (use_case_id, address) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			uc.ID, n.Hex())
	}

	if batch.Len() == 0 {
		return nil
	}
	if err := tx.q.SendBatch(tx.ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to write use case %s: %w", uc.ID, err)
	}
	return nil
}

func (tx *pgTx) Account(addr common.Address) (*ledger.Account, error) {
	if _, err := tx.q.Exec(tx.ctx, `INSERT INTO accounts (address) VALUES ($1) ON CONFLICT DO NOTHING`, addr.Hex()); err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return loadAccount(tx.ctx, tx.q, addr, true)
}

func (tx *pgTx) PutAccount(acct *ledger.Account) error {
	_, err := tx.q.Exec(tx.ctx, `INSERT INTO accounts (address, balance, permit_nonce) VALUES ($1, $2::numeric, $3)
		ON CONFLICT (address) DO UPDATE SET balance = EXCLUDED.balance, permit_nonce = EXCLUDED.permit_nonce`,
		acct.Address.Hex(), acct.Balance.String(), int64(acct.PermitNonce))
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

func (tx *pgTx) Allowance(owner, spender common.Address) (*big.Int, error) {
	return loadAllowance(tx.ctx, tx.q, owner, spender, true)
}

func (tx *pgTx) PutAllowance(owner, spender common.Address, amount *big.Int) error {
	_, err := tx.q.Exec(tx.ctx, `INSERT INTO allowances (owner, spender, amount) VALUES ($1, $2, $3::numeric)
		ON CONFLICT (owner, spender) DO UPDATE SET amount = EXCLUDED.amount`,
		owner.Hex(), spender.Hex(), amount.String())
	if err != nil {
		return fmt.Errorf("failed to save allowance: %w", err)
	}
	return nil
}

func (tx *pgTx) Operation(id string) (*ledger.Receipt, error) {
	var (
		r      ledger.Receipt
		amount *string
	)
	err := tx.q.QueryRow(tx.ctx, `SELECT transaction_id::text, operation, use_case_id, amount::text, created_at
		FROM ledger_operations WHERE operation_id = $1`, id).
		Scan(&r.TransactionID, &r.Operation, &r.UseCaseID, &amount, &r.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load operation: %w", err)
	}
	r.Amount = new(big.Int)
	if amount != nil {
		if r.Amount, err = parseNumeric(*amount); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

func (tx *pgTx) PutOperation(id string, r ledger.Receipt) error {
	var amount *string
	if r.Amount != nil {
		s := r.Amount.String()
		amount = &s
	}
	_, err := tx.q.Exec(tx.ctx, `INSERT INTO ledger_operations (operation_id, transaction_id, operation, use_case_id, amount, created_at)
		VALUES ($1, $2::uuid, $3, $4, $5::numeric, $6)`,
		id, r.TransactionID, r.Operation, r.UseCaseID, amount, r.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to save operation: %w", err)
	}
	return nil
}

func (tx *pgTx) AppendTransfer(t ledger.Transfer) error {
	_, err := tx.q.Exec(tx.ctx, `INSERT INTO transfers (id, transaction_id, use_case_id, kind, from_address, to_address, amount, created_at)
		VALUES ($1::uuid, $2::uuid, $3, $4, $5, $6, $7::numeric, $8)`,
		t.ID, t.TransactionID, t.UseCaseID, t.Kind, t.From.Hex(), t.To.Hex(), t.Amount.String(), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append transfer: %w", err)
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
