package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Store persists ledger state. Every mutation runs inside InTx; the function
// may be invoked more than once when the backend retries a serialization
// conflict, so it must not have side effects outside the Tx.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error

	UseCase(ctx context.Context, id string) (*UseCase, error)
	UseCasesByOwner(ctx context.Context, owner common.Address) ([]*UseCase, error)
	Account(ctx context.Context, addr common.Address) (*Account, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	Transfers(ctx context.Context, filter TransferFilter) ([]Transfer, error)
	Ping(ctx context.Context) error
}

// Tx is a single serializable unit of work. Reads through a Tx lock the rows
// they return until the transaction ends.
type Tx interface {
	// UseCase returns a private copy of the use case, or ErrUseCaseDoesNotExist.
	UseCase(id string) (*UseCase, error)
	// CreateUseCase fails with ErrUseCaseAlreadyExists on a duplicate id.
	CreateUseCase(uc *UseCase) error
	PutUseCase(uc *UseCase) error

	// Account returns the account, or a zero account if it was never touched.
	Account(addr common.Address) (*Account, error)
	PutAccount(acct *Account) error
	Allowance(owner, spender common.Address) (*big.Int, error)
	PutAllowance(owner, spender common.Address, amount *big.Int) error

	// Operation returns the receipt recorded for an idempotency key, or nil.
	Operation(id string) (*Receipt, error)
	PutOperation(id string, r Receipt) error

	AppendTransfer(t Transfer) error
}
