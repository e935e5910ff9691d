package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/0gfoundation/claimvoucher/internal/asset"
)

// Minimal ABIs: only the methods external claims need.
const (
	erc20ABI = `[
{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

	erc721ABI = `[
{"type":"function","name":"ownerOf","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"getApproved","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"isApprovedForAll","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"operator","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"setApprovalForAll","stateMutability":"nonpayable","inputs":[{"name":"operator","type":"address"},{"name":"approved","type":"bool"}],"outputs":[]},
{"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"outputs":[]}
]`

	erc1155ABI = `[
{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"},{"name":"id","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"isApprovedForAll","stateMutability":"view","inputs":[{"name":"account","type":"address"},{"name":"operator","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"setApprovalForAll","stateMutability":"nonpayable","inputs":[{"name":"operator","type":"address"},{"name":"approved","type":"bool"}],"outputs":[]},
{"type":"function","name":"safeTransferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"id","type":"uint256"},{"name":"amount","type":"uint256"},{"name":"data","type":"bytes"}],"outputs":[]}
]`
)

func parseABI(kind asset.Kind) (abi.ABI, error) {
	switch kind {
	case asset.KindFungible:
		return abi.JSON(strings.NewReader(erc20ABI))
	case asset.KindUnique:
		return abi.JSON(strings.NewReader(erc721ABI))
	case asset.KindMulti:
		return abi.JSON(strings.NewReader(erc1155ABI))
	default:
		return abi.ABI{}, fmt.Errorf("unsupported asset kind %d", kind)
	}
}

// Token is an on-chain asset contract seen through the operator's key.
type Token struct {
	kind     asset.Kind
	addr     common.Address
	contract *bind.BoundContract
	client   *Client
}

// Bind returns the token at addr using c for calls and transactions.
func (c *Client) Bind(kind asset.Kind, addr common.Address) (*Token, error) {
	parsed, err := parseABI(kind)
	if err != nil {
		return nil, err
	}
	return &Token{
		kind:     kind,
		addr:     addr,
		contract: bind.NewBoundContract(addr, parsed, c.backend, c.backend, c.backend),
		client:   c,
	}, nil
}

func (t *Token) Kind() asset.Kind        { return t.kind }
func (t *Token) Address() common.Address { return t.addr }

func (t *Token) Holds(ctx context.Context, holder common.Address, id, amount *big.Int) (bool, error) {
	switch t.kind {
	case asset.KindUnique:
		owner, err := t.ownerOf(ctx, id)
		if err != nil {
			return false, err
		}
		return owner == holder, nil
	case asset.KindMulti:
		bal, err := t.callBig(ctx, "balanceOf", holder, id)
		if err != nil {
			return false, err
		}
		return bal.Sign() > 0 && bal.Cmp(amount) >= 0, nil
	default:
		bal, err := t.callBig(ctx, "balanceOf", holder)
		if err != nil {
			return false, err
		}
		return bal.Sign() > 0 && bal.Cmp(amount) >= 0, nil
	}
}

// TransferFrom checks ownership and approval with view calls before sending,
// so failures map to the asset sentinel errors instead of a bare revert.
func (t *Token) TransferFrom(ctx context.Context, operator, from, to common.Address, id, amount *big.Int) (*asset.Transfer, error) {
	if operator != t.client.operator {
		return nil, fmt.Errorf("%w: operator %s has no key here", asset.ErrUnsupported, operator.Hex())
	}
	if err := t.precheck(ctx, operator, from, id, amount); err != nil {
		return nil, err
	}

	var (
		txHash common.Hash
		err    error
	)
	switch t.kind {
	case asset.KindUnique:
		txHash, err = t.client.transact(ctx, t.contract, "transferFrom", from, to, id)
	case asset.KindMulti:
		txHash, err = t.client.transact(ctx, t.contract, "safeTransferFrom", from, to, id, amount, []byte{})
	default:
		txHash, err = t.client.transact(ctx, t.contract, "transferFrom", from, to, amount)
	}
	if err != nil {
		return nil, err
	}
	return &asset.Transfer{
		Contract:    t.addr,
		Kind:        t.kind,
		Operator:    operator,
		Source:      from,
		Destination: to,
		AssetID:     t.kind.AssetID(id),
		Amount:      new(big.Int).Set(amount),
		TxHash:      txHash,
	}, nil
}

func (t *Token) precheck(ctx context.Context, operator, from common.Address, id, amount *big.Int) error {
	switch t.kind {
	case asset.KindUnique:
		owner, err := t.ownerOf(ctx, id)
		if err != nil {
			return err
		}
		if owner != from {
			return asset.ErrTokenNotHeld
		}
		if operator == from {
			return nil
		}
		approved, err := t.callAddress(ctx, "getApproved", id)
		if err != nil {
			return err
		}
		if approved == operator {
			return nil
		}
		all, err := t.callBool(ctx, "isApprovedForAll", from, operator)
		if err != nil {
			return err
		}
		if !all {
			return asset.ErrInsufficientApproval
		}
		return nil

	case asset.KindMulti:
		if operator != from {
			all, err := t.callBool(ctx, "isApprovedForAll", from, operator)
			if err != nil {
				return err
			}
			if !all {
				return asset.ErrInsufficientApproval
			}
		}
		bal, err := t.callBig(ctx, "balanceOf", from, id)
		if err != nil {
			return err
		}
		if bal.Sign() == 0 {
			return asset.ErrTokenNotHeld
		}
		if bal.Cmp(amount) < 0 {
			return asset.ErrInsufficientBalance
		}
		return nil

	default:
		if operator != from {
			allowance, err := t.callBig(ctx, "allowance", from, operator)
			if err != nil {
				return err
			}
			if allowance.Cmp(amount) < 0 {
				return asset.ErrInsufficientApproval
			}
		}
		bal, err := t.callBig(ctx, "balanceOf", from)
		if err != nil {
			return err
		}
		if bal.Cmp(amount) < 0 {
			return asset.ErrInsufficientBalance
		}
		return nil
	}
}

// Grant approves operator on behalf of owner. Only the operator key's own
// holdings can be approved from here.
func (t *Token) Grant(ctx context.Context, owner, operator common.Address, amount *big.Int, approved bool) error {
	if owner != t.client.operator {
		return fmt.Errorf("%w: cannot sign approvals for %s", asset.ErrUnsupported, owner.Hex())
	}
	var err error
	if t.kind == asset.KindFungible {
		if !approved || amount == nil {
			amount = new(big.Int)
		}
		_, err = t.client.transact(ctx, t.contract, "approve", operator, amount)
	} else {
		_, err = t.client.transact(ctx, t.contract, "setApprovalForAll", operator, approved)
	}
	return err
}

// ownerOf treats a reverted lookup (unminted or burned token) as no owner.
func (t *Token) ownerOf(ctx context.Context, id *big.Int) (common.Address, error) {
	owner, err := t.callAddress(ctx, "ownerOf", id)
	if err != nil {
		if strings.Contains(err.Error(), "revert") {
			return common.Address{}, nil
		}
		return common.Address{}, err
	}
	return owner, nil
}

func (t *Token) call(ctx context.Context, method string, args ...interface{}) (interface{}, error) {
	var out []interface{}
	if err := t.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: empty result", method)
	}
	return out[0], nil
}

func (t *Token) callBig(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	v, err := t.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	n, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected result type %T", method, v)
	}
	return n, nil
}

func (t *Token) callAddress(ctx context.Context, method string, args ...interface{}) (common.Address, error) {
	v, err := t.call(ctx, method, args...)
	if err != nil {
		return common.Address{}, err
	}
	a, ok := v.(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s: unexpected result type %T", method, v)
	}
	return a, nil
}

func (t *Token) callBool(ctx context.Context, method string, args ...interface{}) (bool, error) {
	v, err := t.call(ctx, method, args...)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%s: unexpected result type %T", method, v)
	}
	return b, nil
}
