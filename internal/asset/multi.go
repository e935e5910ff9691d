package asset

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Multi is an in-memory semi-fungible ledger: a balance per (id, holder).
type Multi struct {
	addr      common.Address
	mu        sync.Mutex
	balances  map[string]map[common.Address]*big.Int
	operators map[common.Address]map[common.Address]bool
}

func NewMulti(addr common.Address) *Multi {
	return &Multi{
		addr:      addr,
		balances:  make(map[string]map[common.Address]*big.Int),
		operators: make(map[common.Address]map[common.Address]bool),
	}
}

func (m *Multi) Kind() Kind              { return KindMulti }
func (m *Multi) Address() common.Address { return m.addr }

func (m *Multi) balanceLocked(id *big.Int, a common.Address) *big.Int {
	if b, ok := m.balances[id.String()][a]; ok {
		return b
	}
	return new(big.Int)
}

func (m *Multi) setLocked(id *big.Int, a common.Address, v *big.Int) {
	key := id.String()
	if m.balances[key] == nil {
		m.balances[key] = make(map[common.Address]*big.Int)
	}
	m.balances[key][a] = v
}

func (m *Multi) BalanceOf(a common.Address, id *big.Int) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.balanceLocked(id, a))
}

func (m *Multi) Mint(to common.Address, id, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(id, to, new(big.Int).Add(m.balanceLocked(id, to), amount))
}

func (m *Multi) MintTo(_ context.Context, to common.Address, id, amount *big.Int) error {
	m.Mint(to, id, amount)
	return nil
}

func (m *Multi) SetApprovalForAll(owner, operator common.Address, approved bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.operators[owner] == nil {
		m.operators[owner] = make(map[common.Address]bool)
	}
	m.operators[owner][operator] = approved
}

func (m *Multi) IsApprovedForAll(owner, operator common.Address) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.operators[owner][operator]
}

func (m *Multi) Grant(_ context.Context, owner, operator common.Address, _ *big.Int, approved bool) error {
	m.SetApprovalForAll(owner, operator, approved)
	return nil
}

func (m *Multi) Holds(_ context.Context, holder common.Address, id, amount *big.Int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal := m.balanceLocked(id, holder)
	return bal.Sign() > 0 && bal.Cmp(amount) >= 0, nil
}

func (m *Multi) TransferFrom(_ context.Context, operator, from, to common.Address, id, amount *big.Int) (*Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if operator != from && !m.operators[from][operator] {
		return nil, ErrInsufficientApproval
	}
	if err := m.checkBalanceLocked(from, id, amount); err != nil {
		return nil, err
	}
	return m.moveLocked(operator, from, to, id, amount), nil
}

func (m *Multi) Move(_ context.Context, from, to common.Address, id, amount *big.Int) (*Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkBalanceLocked(from, id, amount); err != nil {
		return nil, err
	}
	return m.moveLocked(from, from, to, id, amount), nil
}

func (m *Multi) checkBalanceLocked(from common.Address, id, amount *big.Int) error {
	bal := m.balanceLocked(id, from)
	if bal.Sign() == 0 {
		return ErrTokenNotHeld
	}
	if bal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	return nil
}

func (m *Multi) moveLocked(operator, from, to common.Address, id, amount *big.Int) *Transfer {
	m.setLocked(id, from, new(big.Int).Sub(m.balanceLocked(id, from), amount))
	m.setLocked(id, to, new(big.Int).Add(m.balanceLocked(id, to), amount))
	return &Transfer{
		Contract:    m.addr,
		Kind:        KindMulti,
		Operator:    operator,
		Source:      from,
		Destination: to,
		AssetID:     new(big.Int).Set(id),
		Amount:      new(big.Int).Set(amount),
	}
}
