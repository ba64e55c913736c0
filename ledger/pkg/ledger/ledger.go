// Package ledger implements the reward ledger: use cases with participant
// shares and fixed rewards, a one-way lock, event and distribution records,
// claims and rejections, and the token accounts that fund them.
package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultMinLockup       = time.Second
	DefaultMaxLockup       = 365 * 24 * time.Hour
	DefaultMaxParticipants = 100
	maxUseCaseIDLength     = 128
	maxEventNameLength     = 128
)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  Store

	// Address is the ledger's escrow account. Deposits move funds here, claims
	// and withdrawals move them out, and it is the only valid permit spender.
	Address common.Address
	Domain  PermitDomain

	MinLockup       time.Duration
	MaxLockup       time.Duration
	MaxParticipants int

	// Notifiers may notify events and submit distributions for every use case.
	Notifiers []common.Address
	// Operators may mint.
	Operators []common.Address
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Address == (common.Address{}) {
		return errors.New("ledger address is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MinLockup <= 0 {
		cfg.MinLockup = DefaultMinLockup
	}
	if cfg.MaxLockup <= 0 {
		cfg.MaxLockup = DefaultMaxLockup
	}
	if cfg.MinLockup > cfg.MaxLockup {
		return fmt.Errorf("min lockup %s exceeds max lockup %s", cfg.MinLockup, cfg.MaxLockup)
	}
	if cfg.MaxParticipants <= 0 {
		cfg.MaxParticipants = DefaultMaxParticipants
	}
	cfg.Domain.setDefaults(cfg.Address)
	return nil
}

type Ledger struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ledger{log: cfg.Logger, cfg: cfg}, nil
}

// Address is the escrow account and permit spender.
func (l *Ledger) Address() common.Address {
	return l.cfg.Address
}

func (l *Ledger) Domain() PermitDomain {
	return l.cfg.Domain
}

func (l *Ledger) Ping(ctx context.Context) error {
	return l.cfg.Store.Ping(ctx)
}

// mutate runs fn in one store transaction and returns the operation receipt.
//
// When opID is set, the use case row is locked first and a receipt already
// recorded under opID is returned with Duplicate set instead of running fn.
func (l *Ledger) mutate(ctx context.Context, op, useCaseID, opID string, fn func(tx Tx, r *Receipt) error) (*Receipt, error) {
	start := time.Now()
	var out *Receipt
	err := l.cfg.Store.InTx(ctx, func(tx Tx) error {
		out = nil
		if opID != "" {
			if useCaseID != "" {
				if _, err := tx.UseCase(useCaseID); err != nil {
					return err
				}
			}
			prev, err := tx.Operation(opID)
			if err != nil {
				return fmt.Errorf("failed to look up operation: %w", err)
			}
			if prev != nil {
				dup := *prev
				dup.Duplicate = true
				out = &dup
				return nil
			}
		}

		r := &Receipt{
			TransactionID: uuid.NewString(),
			Operation:     op,
			UseCaseID:     useCaseID,
			Timestamp:     l.cfg.Clock.Now().UTC(),
		}
		if err := fn(tx, r); err != nil {
			return err
		}
		if opID != "" {
			if err := tx.PutOperation(opID, *r); err != nil {
				return fmt.Errorf("failed to record operation: %w", err)
			}
		}
		out = r
		return nil
	})
	recordOperation(op, start, out, err)
	if err != nil {
		if IsRejection(err) {
			l.log.Debug("ledger: operation rejected", "operation", op, "use_case", useCaseID, "code", CodeOf(err), "error", err)
		} else {
			l.log.Error("ledger: operation failed", "operation", op, "use_case", useCaseID, "error", err)
		}
		return nil, err
	}
	if out.Duplicate {
		l.log.Info("ledger: duplicate operation", "operation", op, "use_case", useCaseID, "operation_id", opID, "tx", out.TransactionID)
	}
	return out, nil
}

func (l *Ledger) now() time.Time {
	return l.cfg.Clock.Now().UTC()
}

func (l *Ledger) isGlobalNotifier(addr common.Address) bool {
	for _, n := range l.cfg.Notifiers {
		if n == addr {
			return true
		}
	}
	return false
}

func (l *Ledger) isOperator(addr common.Address) bool {
	for _, o := range l.cfg.Operators {
		if o == addr {
			return true
		}
	}
	return false
}

func requireOwner(uc *UseCase, caller common.Address) error {
	if uc.Owner != caller {
		return ErrNotUseCaseOwner
	}
	return nil
}

func requireOpen(uc *UseCase) error {
	if uc.RewardsLocked {
		return ErrRewardsAlreadyLocked
	}
	return nil
}

func validateUseCaseID(id string) error {
	if id == "" || len(id) > maxUseCaseIDLength {
		return ErrInvalidUseCaseID
	}
	return nil
}

func requirePositive(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	return nil
}

// move transfers amount between two accounts and journals it. Accounts are
// loaded in address order so concurrent transfers lock rows consistently.
func (l *Ledger) move(tx Tx, r *Receipt, kind string, from, to common.Address, amount *big.Int) error {
	if from == to {
		acct, err := tx.Account(from)
		if err != nil {
			return fmt.Errorf("failed to load account: %w", err)
		}
		if acct.Balance.Cmp(amount) < 0 {
			return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from.Hex(), acct.Balance, amount)
		}
		return l.journal(tx, r, kind, from, to, amount)
	}
	first, second := from, to
	if bytes.Compare(from.Bytes(), to.Bytes()) > 0 {
		first, second = to, from
	}
	a, err := tx.Account(first)
	if err != nil {
		return fmt.Errorf("failed to load account: %w", err)
	}
	b, err := tx.Account(second)
	if err != nil {
		return fmt.Errorf("failed to load account: %w", err)
	}
	src, dst := a, b
	if first != from {
		src, dst = b, a
	}
	if src.Balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from.Hex(), src.Balance, amount)
	}
	src.Balance.Sub(src.Balance, amount)
	dst.Balance.Add(dst.Balance, amount)
	if err := tx.PutAccount(src); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	if err := tx.PutAccount(dst); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return l.journal(tx, r, kind, from, to, amount)
}

func (l *Ledger) journal(tx Tx, r *Receipt, kind string, from, to common.Address, amount *big.Int) error {
	err := tx.AppendTransfer(Transfer{
		ID:            uuid.NewString(),
		TransactionID: r.TransactionID,
		UseCaseID:     r.UseCaseID,
		Kind:          kind,
		From:          from,
		To:            to,
		Amount:        cloneInt(amount),
		CreatedAt:     r.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to append transfer: %w", err)
	}
	return nil
}
