package ledger

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type allowanceKey struct {
	owner, spender common.Address
}

// MemoryStore keeps ledger state in process. Transactions are serialized by a
// single mutex and staged so that a failed function leaves nothing behind.
type MemoryStore struct {
	mu         sync.Mutex
	useCases   map[string]*UseCase
	accounts   map[common.Address]*Account
	allowances map[allowanceKey]*big.Int
	operations map[string]Receipt
	transfers  []Transfer
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		useCases:   map[string]*UseCase{},
		accounts:   map[common.Address]*Account{},
		allowances: map[allowanceKey]*big.Int{},
		operations: map[string]Receipt{},
	}
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:          s,
		useCases:   map[string]*UseCase{},
		accounts:   map[common.Address]*Account{},
		allowances: map[allowanceKey]*big.Int{},
		operations: map[string]Receipt{},
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) UseCase(_ context.Context, id string) (*UseCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uc, ok := s.useCases[id]
	if !ok {
		return nil, ErrUseCaseDoesNotExist
	}
	return uc.Clone(), nil
}

func (s *MemoryStore) UseCasesByOwner(_ context.Context, owner common.Address) ([]*UseCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*UseCase
	for _, uc := range s.useCases {
		if uc.Owner == owner {
			out = append(out, uc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Account(_ context.Context, addr common.Address) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account(addr), nil
}

func (s *MemoryStore) account(addr common.Address) *Account {
	if a, ok := s.accounts[addr]; ok {
		return &Account{Address: a.Address, Balance: cloneInt(a.Balance), PermitNonce: a.PermitNonce}
	}
	return &Account{Address: addr, Balance: new(big.Int)}
}

func (s *MemoryStore) Allowance(_ context.Context, owner, spender common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneInt(s.allowances[allowanceKey{owner, spender}]), nil
}

func (s *MemoryStore) Transfers(_ context.Context, f TransferFilter) ([]Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Transfer
	for _, t := range s.transfers {
		if f.Address != (common.Address{}) && t.From != f.Address && t.To != f.Address {
			continue
		}
		if !f.Start.IsZero() && t.CreatedAt.Before(f.Start) {
			continue
		}
		if !f.End.IsZero() && !t.CreatedAt.Before(f.End) {
			continue
		}
		t.Amount = cloneInt(t.Amount)
		out = append(out, t)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

type memTx struct {
	s          *MemoryStore
	useCases   map[string]*UseCase
	accounts   map[common.Address]*Account
	allowances map[allowanceKey]*big.Int
	operations map[string]Receipt
	transfers  []Transfer
}

func (tx *memTx) UseCase(id string) (*UseCase, error) {
	if uc, ok := tx.useCases[id]; ok {
		return uc.Clone(), nil
	}
	uc, ok := tx.s.useCases[id]
	if !ok {
		return nil, ErrUseCaseDoesNotExist
	}
	return uc.Clone(), nil
}

func (tx *memTx) CreateUseCase(uc *UseCase) error {
	if _, ok := tx.useCases[uc.ID]; ok {
		return ErrUseCaseAlreadyExists
	}
	if _, ok := tx.s.useCases[uc.ID]; ok {
		return ErrUseCaseAlreadyExists
	}
	tx.useCases[uc.ID] = uc.Clone()
	return nil
}

func (tx *memTx) PutUseCase(uc *UseCase) error {
	if _, err := tx.UseCase(uc.ID); err != nil {
		return err
	}
	tx.useCases[uc.ID] = uc.Clone()
	return nil
}

func (tx *memTx) Account(addr common.Address) (*Account, error) {
	if a, ok := tx.accounts[addr]; ok {
		return &Account{Address: a.Address, Balance: cloneInt(a.Balance), PermitNonce: a.PermitNonce}, nil
	}
	return tx.s.account(addr), nil
}

func (tx *memTx) PutAccount(acct *Account) error {
	tx.accounts[acct.Address] = &Account{Address: acct.Address, Balance: cloneInt(acct.Balance), PermitNonce: acct.PermitNonce}
	return nil
}

func (tx *memTx) Allowance(owner, spender common.Address) (*big.Int, error) {
	k := allowanceKey{owner, spender}
	if v, ok := tx.allowances[k]; ok {
		return cloneInt(v), nil
	}
	return cloneInt(tx.s.allowances[k]), nil
}

func (tx *memTx) PutAllowance(owner, spender common.Address, amount *big.Int) error {
	tx.allowances[allowanceKey{owner, spender}] = cloneInt(amount)
	return nil
}

func (tx *memTx) Operation(id string) (*Receipt, error) {
	if r, ok := tx.operations[id]; ok {
		return &r, nil
	}
	if r, ok := tx.s.operations[id]; ok {
		return &r, nil
	}
	return nil, nil
}

func (tx *memTx) PutOperation(id string, r Receipt) error {
	r.Amount = cloneInt(r.Amount)
	tx.operations[id] = r
	return nil
}

func (tx *memTx) AppendTransfer(t Transfer) error {
	t.Amount = cloneInt(t.Amount)
	tx.transfers = append(tx.transfers, t)
	return nil
}

func (tx *memTx) commit() {
	s := tx.s
	for id, uc := range tx.useCases {
		s.useCases[id] = uc
	}
	for addr, a := range tx.accounts {
		s.accounts[addr] = a
	}
	for k, v := range tx.allowances {
		s.allowances[k] = v
	}
	for id, r := range tx.operations {
		s.operations[id] = r
	}
	s.transfers = append(s.transfers, tx.transfers...)
}
