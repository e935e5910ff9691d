// Package ledger records which (scope, nonce) pairs have been spent.
//
// A pair moves Unseen → Settling → Consumed. Reserve is the atomic
// check-and-set; Release undoes a reservation whose settlement failed; Commit
// makes consumption permanent. Consumed entries are never removed.
package ledger

import (
	"context"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ErrNonceAlreadyUsed is returned by Reserve when the pair is Settling or Consumed.
var ErrNonceAlreadyUsed = errors.New("nonce already used")

// ErrNotReserved is returned by Commit/Release for a pair that is not Settling.
var ErrNotReserved = errors.New("nonce not reserved")

// State of a (scope, nonce) pair.
type State uint8

const (
	StateUnseen State = iota
	StateSettling
	StateConsumed
)

func (s State) String() string {
	switch s {
	case StateUnseen:
		return "UNSEEN"
	case StateSettling:
		return "SETTLING"
	case StateConsumed:
		return "CONSUMED"
	default:
		return "UNKNOWN"
	}
}

// Ledger is the replay guard injected into the settlement engine.
type Ledger interface {
	State(ctx context.Context, scope common.Address, nonce *big.Int) (State, error)
	Reserve(ctx context.Context, scope common.Address, nonce *big.Int) error
	Commit(ctx context.Context, scope common.Address, nonce *big.Int) error
	Release(ctx context.Context, scope common.Address, nonce *big.Int) error
}

// IsConsumed reports whether the pair has been permanently consumed.
func IsConsumed(ctx context.Context, l Ledger, scope common.Address, nonce *big.Int) (bool, error) {
	st, err := l.State(ctx, scope, nonce)
	if err != nil {
		return false, err
	}
	return st == StateConsumed, nil
}

// entryKey is the canonical string form of a pair: lowercase hex scope and
// decimal nonce.
func entryKey(scope common.Address, nonce *big.Int) string {
	return strings.ToLower(scope.Hex()) + ":" + nonce.String()
}
