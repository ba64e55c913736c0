package admin

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/malbeclabs/incentives/ledger/pkg/ledger"
)

// Mint credits amount tokens to to, acting as operator.
func Mint(ctx context.Context, log *slog.Logger, l *ledger.Ledger, operator, to common.Address, amount string) error {
	v, err := parseAmount(amount)
	if err != nil {
		return err
	}
	r, err := l.Mint(ctx, operator, to, v)
	if err != nil {
		return fmt.Errorf("failed to mint: %w", err)
	}
	bal, err := l.BalanceOf(ctx, to)
	if err != nil {
		return err
	}
	log.Info("admin: minted", "to", to.Hex(), "amount", v.String(), "balance", bal.String(), "tx", r.TransactionID)
	return nil
}
