package asset

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Registry resolves external asset contract references.
type Registry struct {
	mu        sync.RWMutex
	contracts map[common.Address]Standard
}

func NewRegistry() *Registry {
	return &Registry{contracts: make(map[common.Address]Standard)}
}

// Register adds or replaces the contract at s.Address().
func (r *Registry) Register(s Standard) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contracts[s.Address()] = s
}

func (r *Registry) Lookup(addr common.Address) (Standard, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.contracts[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContract, addr.Hex())
	}
	return s, nil
}

// New returns an in-memory contract of the given kind.
func New(kind Kind, addr common.Address) Custodian {
	switch kind {
	case KindUnique:
		return NewUnique(addr)
	case KindMulti:
		return NewMulti(addr)
	default:
		return NewFungible(addr)
	}
}
