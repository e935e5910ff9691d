package ledger

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Memory is a process-local Ledger.
type Memory struct {
	mu      sync.Mutex
	entries map[string]State
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]State)}
}

func (m *Memory) State(_ context.Context, scope common.Address, nonce *big.Int) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[entryKey(scope, nonce)], nil
}

func (m *Memory) Reserve(_ context.Context, scope common.Address, nonce *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entryKey(scope, nonce)
	if m.entries[key] != StateUnseen {
		return ErrNonceAlreadyUsed
	}
	m.entries[key] = StateSettling
	return nil
}

func (m *Memory) Commit(_ context.Context, scope common.Address, nonce *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entryKey(scope, nonce)
	if m.entries[key] != StateSettling {
		return ErrNotReserved
	}
	m.entries[key] = StateConsumed
	return nil
}

func (m *Memory) Release(_ context.Context, scope common.Address, nonce *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entryKey(scope, nonce)
	if m.entries[key] != StateSettling {
		return ErrNotReserved
	}
	delete(m.entries, key)
	return nil
}
