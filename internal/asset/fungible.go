package asset

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Fungible is an in-memory balance ledger with allowances.
type Fungible struct {
	addr       common.Address
	mu         sync.Mutex
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
}

func NewFungible(addr common.Address) *Fungible {
	return &Fungible{
		addr:       addr,
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

func (f *Fungible) Kind() Kind              { return KindFungible }
func (f *Fungible) Address() common.Address { return f.addr }

func (f *Fungible) balanceLocked(a common.Address) *big.Int {
	if b, ok := f.balances[a]; ok {
		return b
	}
	return new(big.Int)
}

func (f *Fungible) BalanceOf(a common.Address) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.balanceLocked(a))
}

func (f *Fungible) Allowance(owner, spender common.Address) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.allowances[owner][spender]; ok {
		return new(big.Int).Set(a)
	}
	return new(big.Int)
}

func (f *Fungible) Mint(to common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[to] = new(big.Int).Add(f.balanceLocked(to), amount)
}

func (f *Fungible) MintTo(_ context.Context, to common.Address, _ *big.Int, amount *big.Int) error {
	f.Mint(to, amount)
	return nil
}

// Approve sets spender's allowance over owner's balance.
func (f *Fungible) Approve(owner, spender common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allowances[owner] == nil {
		f.allowances[owner] = make(map[common.Address]*big.Int)
	}
	f.allowances[owner][spender] = new(big.Int).Set(amount)
}

func (f *Fungible) Grant(_ context.Context, owner, operator common.Address, amount *big.Int, approved bool) error {
	if !approved || amount == nil {
		amount = new(big.Int)
	}
	f.Approve(owner, operator, amount)
	return nil
}

func (f *Fungible) Holds(_ context.Context, holder common.Address, _ *big.Int, amount *big.Int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bal := f.balanceLocked(holder)
	return bal.Sign() > 0 && bal.Cmp(amount) >= 0, nil
}

func (f *Fungible) TransferFrom(_ context.Context, operator, from, to common.Address, _ *big.Int, amount *big.Int) (*Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	spendAllowance := operator != from && amount.Sign() > 0
	if spendAllowance {
		allowance := f.allowances[from][operator]
		if allowance == nil || allowance.Cmp(amount) < 0 {
			return nil, ErrInsufficientApproval
		}
	}
	if f.balanceLocked(from).Cmp(amount) < 0 {
		return nil, ErrInsufficientBalance
	}
	if spendAllowance {
		f.allowances[from][operator] = new(big.Int).Sub(f.allowances[from][operator], amount)
	}
	return f.moveLocked(operator, from, to, amount), nil
}

func (f *Fungible) Move(_ context.Context, from, to common.Address, _ *big.Int, amount *big.Int) (*Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balanceLocked(from).Cmp(amount) < 0 {
		return nil, ErrInsufficientBalance
	}
	return f.moveLocked(from, from, to, amount), nil
}

func (f *Fungible) moveLocked(operator, from, to common.Address, amount *big.Int) *Transfer {
	f.balances[from] = new(big.Int).Sub(f.balanceLocked(from), amount)
	f.balances[to] = new(big.Int).Add(f.balanceLocked(to), amount)
	return &Transfer{
		Contract:    f.addr,
		Kind:        KindFungible,
		Operator:    operator,
		Source:      from,
		Destination: to,
		AssetID:     new(big.Int),
		Amount:      new(big.Int).Set(amount),
	}
}
