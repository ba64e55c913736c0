// Package pgstore is the PostgreSQL implementation of ledger.Store.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/malbeclabs/incentives/ledger/pkg/ledger"
	"github.com/malbeclabs/incentives/utils/pkg/dberror"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	log   *slog.Logger
	pool  *pgxpool.Pool
	retry dberror.RetryConfig
}

var _ ledger.Store = (*Store)(nil)

// New returns a store on pool. Transactions that fail with a serialization
// conflict or deadlock are replayed; any other failure is returned as is.
func New(log *slog.Logger, pool *pgxpool.Pool) *Store {
	retry := dberror.DefaultRetryConfig()
	retry.Retryable = dberror.IsConflict
	return &Store{log: log, pool: pool, retry: retry}
}

func (s *Store) InTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	attempt := 0
	_, err := dberror.Retry(ctx, s.retry, func() (struct{}, error) {
		attempt++
		if attempt > 1 {
			s.log.Warn("pgstore: replaying transaction after conflict", "attempt", attempt)
		}
		return struct{}{}, pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			return fn(&pgTx{ctx: ctx, q: tx, loaded: map[string]*ledger.UseCase{}})
		})
	})
	return err
}

// snapshot runs fn in a read-only repeatable-read transaction so multi-query
// reads see one consistent state.
func (s *Store) snapshot(ctx context.Context, fn func(q querier) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		return fn(tx)
	})
}

func (s *Store) UseCase(ctx context.Context, id string) (*ledger.UseCase, error) {
	var uc *ledger.UseCase
	err := s.snapshot(ctx, func(q querier) error {
		var err error
		uc, err = loadUseCase(ctx, q, id, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return uc, nil
}

func (s *Store) UseCasesByOwner(ctx context.Context, owner common.Address) ([]*ledger.UseCase, error) {
	var out []*ledger.UseCase
	err := s.snapshot(ctx, func(q querier) error {
		rows, err := q.Query(ctx, `SELECT id FROM use_cases WHERE owner = $1 ORDER BY id`, owner.Hex())
		if err != nil {
			return fmt.Errorf("failed to query use cases: %w", err)
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("failed to scan use cases: %w", err)
		}
		for _, id := range ids {
			uc, err := loadUseCase(ctx, q, id, false)
			if err != nil {
				return err
			}
			out = append(out, uc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Account(ctx context.Context, addr common.Address) (*ledger.Account, error) {
	return loadAccount(ctx, s.pool, addr, false)
}

func (s *Store) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return loadAllowance(ctx, s.pool, owner, spender, false)
}

func (s *Store) Transfers(ctx context.Context, f ledger.TransferFilter) ([]ledger.Transfer, error) {
	query := `SELECT id::text, transaction_id::text, use_case_id, kind, from_address, to_address, amount::text, created_at
		FROM transfers WHERE true`
	var args []any
	if f.Address != (common.Address{}) {
		args = append(args, f.Address.Hex())
		query += fmt.Sprintf(" AND (from_address = $%d OR to_address = $%d)", len(args), len(args))
	}
	if !f.Start.IsZero() {
		args = append(args, f.Start)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !f.End.IsZero() {
		args = append(args, f.End)
		query += fmt.Sprintf(" AND created_at < $%d", len(args))
	}
	query += " ORDER BY seq"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfers: %w", err)
	}
	defer rows.Close()

	var out []ledger.Transfer
	for rows.Next() {
		var t ledger.Transfer
		var from, to, amt string
		if err := rows.Scan(&t.ID, &t.TransactionID, &t.UseCaseID, &t.Kind, &from, &to, &amt, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		t.From = common.HexToAddress(from)
		t.To = common.HexToAddress(to)
		if t.Amount, err = parseNumeric(amt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transfers: %w", err)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func loadAccount(ctx context.Context, q querier, addr common.Address, lock bool) (*ledger.Account, error) {
	query := `SELECT balance::text, permit_nonce FROM accounts WHERE address = $1`
	if lock {
		query += " FOR UPDATE"
	}
	var (
		balance string
		nonce   int64
	)
	err := q.QueryRow(ctx, query, addr.Hex()).Scan(&balance, &nonce)
	if errors.Is(err, pgx.ErrNoRows) {
		return &ledger.Account{Address: addr, Balance: new(big.Int)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	b, err := parseNumeric(balance)
	if err != nil {
		return nil, err
	}
	return &ledger.Account{Address: addr, Balance: b, PermitNonce: uint64(nonce)}, nil
}

func loadAllowance(ctx context.Context, q querier, owner, spender common.Address, lock bool) (*big.Int, error) {
	query := `SELECT amount::text FROM allowances WHERE owner = $1 AND spender = $2`
	if lock {
		query += " FOR UPDATE"
	}
	var amount string
	err := q.QueryRow(ctx, query, owner.Hex(), spender.Hex()).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load allowance: %w", err)
	}
	return parseNumeric(amount)
}

func loadUseCase(ctx context.Context, q querier, id string, lock bool) (*ledger.UseCase, error) {
	query := `SELECT owner, total_reward_pool::text, remaining_reward_pool::text, share_base::text,
		lockup_period_ms, lock_time, rewards_locked, created_at, updated_at
		FROM use_cases WHERE id = $1`
	if lock {
		query += " FOR UPDATE"
	}
	uc := &ledger.UseCase{ID: id, EventRewards: map[string]*big.Int{}}
	var (
		owner, total, remaining, shareBase string
		lockupMs                           int64
		lockTime                           *time.Time
	)
	err := q.QueryRow(ctx, query, id).Scan(&owner, &total, &remaining, &shareBase, &lockupMs, &lockTime, &uc.RewardsLocked, &uc.CreatedAt, &uc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrUseCaseDoesNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load use case: %w", err)
	}
	uc.Owner = common.HexToAddress(owner)
	uc.LockupPeriod = time.Duration(lockupMs) * time.Millisecond
	if lockTime != nil {
		uc.LockTime = *lockTime
	}
	if uc.TotalRewardPool, err = parseNumeric(total); err != nil {
		return nil, err
	}
	if uc.RemainingRewardPool, err = parseNumeric(remaining); err != nil {
		return nil, err
	}
	if uc.ShareBase, err = parseNumeric(shareBase); err != nil {
		return nil, err
	}

	if err := loadParticipants(ctx, q, uc); err != nil {
		return nil, err
	}
	if err := loadRecords(ctx, q, uc); err != nil {
		return nil, err
	}
	if err := loadEventRewards(ctx, q, uc); err != nil {
		return nil, err
	}
	if err := loadNotifiers(ctx, q, uc); err != nil {
		return nil, err
	}
	return uc, nil
}

func loadParticipants(ctx context.Context, q querier, uc *ledger.UseCase) error {
	rows, err := q.Query(ctx, `SELECT address, reward_share_bps, fixed_reward::text
		FROM participants WHERE use_case_id = $1 ORDER BY position`, uc.ID)
	if err != nil {
		return fmt.Errorf("failed to query participants: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			addr, fixed string
			bps         int32
		)
		if err := rows.Scan(&addr, &bps, &fixed); err != nil {
			return fmt.Errorf("failed to scan participant: %w", err)
		}
		f, err := parseNumeric(fixed)
		if err != nil {
			return err
		}
		uc.Participants = append(uc.Participants, ledger.Participant{
			Address:        common.HexToAddress(addr),
			RewardShareBps: uint32(bps),
			FixedReward:    f,
		})
	}
	return rows.Err()
}

func loadRecords(ctx context.Context, q querier, uc *ledger.UseCase) error {
	rows, err := q.Query(ctx, `SELECT idx, participant, amount::text, unlock_time, event_type, source, operation_id,
		claimed, rejected, created_at
		FROM reward_records WHERE use_case_id = $1 ORDER BY idx`, uc.ID)
	if err != nil {
		return fmt.Errorf("failed to query reward records: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			rec         ledger.RewardRecord
			participant string
			amount      string
			unlock      *time.Time
		)
		if err := rows.Scan(&rec.Index, &participant, &amount, &unlock, &rec.EventType, &rec.Source, &rec.OperationID,
			&rec.Claimed, &rec.Rejected, &rec.CreatedAt); err != nil {
			return fmt.Errorf("failed to scan reward record: %w", err)
		}
		rec.Participant = common.HexToAddress(participant)
		if unlock != nil {
			rec.UnlockTime = *unlock
		}
		if rec.Amount, err = parseNumeric(amount); err != nil {
			return err
		}
		uc.Records = append(uc.Records, rec)
	}
	return rows.Err()
}

func loadEventRewards(ctx context.Context, q querier, uc *ledger.UseCase) error {
	rows, err := q.Query(ctx, `SELECT event_name, base_reward::text FROM event_rewards WHERE use_case_id = $1`, uc.ID)
	if err != nil {
		return fmt.Errorf("failed to query event rewards: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name, base string
		if err := rows.Scan(&name, &base); err != nil {
			return fmt.Errorf("failed to scan event reward: %w", err)
		}
		v, err := parseNumeric(base)
		if err != nil {
			return err
		}
		uc.EventRewards[name] = v
	}
	return rows.Err()
}

func loadNotifiers(ctx context.Context, q querier, uc *ledger.UseCase) error {
	rows, err := q.Query(ctx, `SELECT address FROM use_case_notifiers WHERE use_case_id = $1 ORDER BY address`, uc.ID)
	if err != nil {
		return fmt.Errorf("failed to query notifiers: %w", err)
	}
	addrs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("failed to scan notifiers: %w", err)
	}
	for _, a := range addrs {
		uc.Notifiers = append(uc.Notifiers, common.HexToAddress(a))
	}
	return nil
}

func parseNumeric(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric value %q", s)
	}
	return v, nil
}
