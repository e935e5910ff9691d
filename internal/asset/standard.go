// Package asset defines the transfer strategies the settlement engine uses
// for fungible, unique and multi-token standards, plus in-memory token
// ledgers implementing them.
package asset

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrTokenNotHeld         = errors.New("token not held")
	ErrInsufficientApproval = errors.New("insufficient approval")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrUnknownContract      = errors.New("unknown asset contract")
	ErrUnsupported          = errors.New("operation not supported by asset contract")

	// ErrTransferPending means a transfer was broadcast but its outcome is
	// unknown. The asset may still move.
	ErrTransferPending = errors.New("transfer pending")
)

// PendingError carries the hash of a broadcast transfer whose receipt never
// arrived.
type PendingError struct {
	TxHash common.Hash
	Err    error
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("%s: tx %s: %v", ErrTransferPending, e.TxHash.Hex(), e.Err)
}

func (e *PendingError) Unwrap() error { return e.Err }

func (e *PendingError) Is(target error) bool { return target == ErrTransferPending }

// Kind identifies an asset standard.
type Kind uint8

const (
	KindFungible Kind = iota
	KindUnique
	KindMulti
)

func (k Kind) String() string {
	switch k {
	case KindFungible:
		return "fungible"
	case KindUnique:
		return "unique"
	case KindMulti:
		return "multi"
	default:
		return "unknown"
	}
}

// ParseKind accepts the kind names and their ERC numbers.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fungible", "erc20":
		return KindFungible, nil
	case "unique", "erc721":
		return KindUnique, nil
	case "multi", "erc1155":
		return KindMulti, nil
	default:
		return 0, fmt.Errorf("unknown asset standard %q", s)
	}
}

// AssetID is the id a transfer of this kind reports: always 0 for fungible assets.
func (k Kind) AssetID(tokenID *big.Int) *big.Int {
	if k == KindFungible {
		return new(big.Int)
	}
	return new(big.Int).Set(tokenID)
}

// Quantity is the amount a voucher of this kind moves: always 1 for unique tokens.
func (k Kind) Quantity(balance *big.Int) *big.Int {
	if k == KindUnique {
		return big.NewInt(1)
	}
	return new(big.Int).Set(balance)
}

// Transfer describes one executed asset movement.
type Transfer struct {
	Contract    common.Address
	Kind        Kind
	Operator    common.Address
	Source      common.Address
	Destination common.Address
	AssetID     *big.Int
	Amount      *big.Int
	TxHash      common.Hash // zero for in-memory contracts
}

// Standard is the transfer strategy for one asset contract.
type Standard interface {
	Kind() Kind
	Address() common.Address
	// Holds reports whether holder owns at least amount of asset id.
	Holds(ctx context.Context, holder common.Address, id, amount *big.Int) (bool, error)
	// TransferFrom moves amount of id from -> to on behalf of operator.
	// An operator other than from needs a prior approval from from.
	TransferFrom(ctx context.Context, operator, from, to common.Address, id, amount *big.Int) (*Transfer, error)
}

// Custodian is a Standard whose ledger belongs to the settling contract, so
// its custody can be moved without an approval.
type Custodian interface {
	Standard
	Move(ctx context.Context, from, to common.Address, id, amount *big.Int) (*Transfer, error)
}

// Approvals is implemented by contracts that accept approval grants.
// Fungible contracts use amount; unique and multi contracts grant operator
// rights over all of owner's tokens.
type Approvals interface {
	Grant(ctx context.Context, owner, operator common.Address, amount *big.Int, approved bool) error
}

// Minter is implemented by contracts whose supply can be created in-process.
type Minter interface {
	MintTo(ctx context.Context, to common.Address, id, amount *big.Int) error
}
