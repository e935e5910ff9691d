package asset

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Unique is an in-memory non-fungible token ledger: one owner per token id.
type Unique struct {
	addr      common.Address
	mu        sync.Mutex
	owners    map[string]common.Address
	approved  map[string]common.Address
	operators map[common.Address]map[common.Address]bool
}

func NewUnique(addr common.Address) *Unique {
	return &Unique{
		addr:      addr,
		owners:    make(map[string]common.Address),
		approved:  make(map[string]common.Address),
		operators: make(map[common.Address]map[common.Address]bool),
	}
}

func (u *Unique) Kind() Kind              { return KindUnique }
func (u *Unique) Address() common.Address { return u.addr }

// OwnerOf returns the owner of id, or the zero address if it was never minted.
func (u *Unique) OwnerOf(id *big.Int) common.Address {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.owners[id.String()]
}

func (u *Unique) Mint(to common.Address, id *big.Int) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.owners[id.String()]; ok {
		return fmt.Errorf("token %s already minted", id)
	}
	u.owners[id.String()] = to
	return nil
}

func (u *Unique) MintTo(_ context.Context, to common.Address, id *big.Int, _ *big.Int) error {
	return u.Mint(to, id)
}

// Approve lets spender move the single token id. Only the owner may approve.
func (u *Unique) Approve(owner, spender common.Address, id *big.Int) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.owners[id.String()] != owner {
		return ErrTokenNotHeld
	}
	u.approved[id.String()] = spender
	return nil
}

func (u *Unique) SetApprovalForAll(owner, operator common.Address, approved bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.operators[owner] == nil {
		u.operators[owner] = make(map[common.Address]bool)
	}
	u.operators[owner][operator] = approved
}

func (u *Unique) Grant(_ context.Context, owner, operator common.Address, _ *big.Int, approved bool) error {
	u.SetApprovalForAll(owner, operator, approved)
	return nil
}

func (u *Unique) Holds(_ context.Context, holder common.Address, id *big.Int, _ *big.Int) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	owner, ok := u.owners[id.String()]
	return ok && owner == holder, nil
}

func (u *Unique) TransferFrom(_ context.Context, operator, from, to common.Address, id *big.Int, _ *big.Int) (*Transfer, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	key := id.String()
	if owner, ok := u.owners[key]; !ok || owner != from {
		return nil, ErrTokenNotHeld
	}
	if operator != from && u.approved[key] != operator && !u.operators[from][operator] {
		return nil, ErrInsufficientApproval
	}
	return u.moveLocked(operator, from, to, id), nil
}

func (u *Unique) Move(_ context.Context, from, to common.Address, id *big.Int, _ *big.Int) (*Transfer, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if owner, ok := u.owners[id.String()]; !ok || owner != from {
		return nil, ErrTokenNotHeld
	}
	return u.moveLocked(from, from, to, id), nil
}

func (u *Unique) moveLocked(operator, from, to common.Address, id *big.Int) *Transfer {
	key := id.String()
	u.owners[key] = to
	delete(u.approved, key)
	return &Transfer{
		Contract:    u.addr,
		Kind:        KindUnique,
		Operator:    operator,
		Source:      from,
		Destination: to,
		AssetID:     new(big.Int).Set(id),
		Amount:      big.NewInt(1),
	}
}
