package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Mint credits amount to an account out of thin air. Only operators may mint;
// it exists to fund accounts in development and tests.
func (l *Ledger) Mint(ctx context.Context, caller, to common.Address, amount *big.Int) (*Receipt, error) {
	if !l.isOperator(caller) {
		return nil, ErrNotOperator
	}
	if to == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	return l.mutate(ctx, "mint", "", "", func(tx Tx, r *Receipt) error {
		acct, err := tx.Account(to)
		if err != nil {
			return fmt.Errorf("failed to load account: %w", err)
		}
		acct.Balance.Add(acct.Balance, amount)
		if err := tx.PutAccount(acct); err != nil {
			return fmt.Errorf("failed to save account: %w", err)
		}
		r.Amount = cloneInt(amount)
		return l.journal(tx, r, TransferMint, common.Address{}, to, amount)
	})
}

// Approve sets the amount spender may move out of owner's account. A zero
// amount revokes the allowance.
func (l *Ledger) Approve(ctx context.Context, owner, spender common.Address, amount *big.Int) (*Receipt, error) {
	if owner == (common.Address{}) || spender == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrZeroAmount
	}
	return l.mutate(ctx, "approve", "", "", func(tx Tx, r *Receipt) error {
		if err := tx.PutAllowance(owner, spender, amount); err != nil {
			return fmt.Errorf("failed to save allowance: %w", err)
		}
		r.Amount = cloneInt(amount)
		return nil
	})
}

func (l *Ledger) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	acct, err := l.cfg.Store.Account(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return acct.Balance, nil
}

func (l *Ledger) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	v, err := l.cfg.Store.Allowance(ctx, owner, spender)
	if err != nil {
		return nil, fmt.Errorf("failed to load allowance: %w", err)
	}
	return v, nil
}

// PermitNonce is the nonce the next permit signed by owner must carry.
func (l *Ledger) PermitNonce(ctx context.Context, owner common.Address) (uint64, error) {
	acct, err := l.cfg.Store.Account(ctx, owner)
	if err != nil {
		return 0, fmt.Errorf("failed to load account: %w", err)
	}
	return acct.PermitNonce, nil
}
