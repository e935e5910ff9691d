// Package chain binds external ERC-20, ERC-721 and ERC-1155 contracts as
// asset standards for external claims.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/0gfoundation/claimvoucher/internal/asset"
	"github.com/0gfoundation/claimvoucher/internal/config"
	"github.com/0gfoundation/claimvoucher/internal/keys"
)

// defaultMineTimeout bounds the wait for a receipt once a tx is broadcast.
const defaultMineTimeout = 2 * time.Minute

// Backend is what the client needs from an RPC connection.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// Client sends token transfers signed by the engine's operator key.
type Client struct {
	backend     Backend
	chainID     *big.Int
	operatorKey *ecdsa.PrivateKey
	operator    common.Address
	mineTimeout time.Duration
	closer      func()
}

func NewClient(cfg *config.Config) (*Client, error) {
	eth, err := ethclient.Dial(cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	key, err := keys.Load(cfg.Chain.OperatorKey)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("load operator key: %w", err)
	}

	c := NewClientWithBackend(eth, big.NewInt(cfg.Chain.ChainID), key.Private)
	c.closer = eth.Close
	return c, nil
}

// NewClientWithBackend wraps an existing backend, such as a simulated chain.
func NewClientWithBackend(backend Backend, chainID *big.Int, operatorKey *ecdsa.PrivateKey) *Client {
	return &Client{
		backend:     backend,
		chainID:     new(big.Int).Set(chainID),
		operatorKey: operatorKey,
		operator:    crypto.PubkeyToAddress(operatorKey.PublicKey),
		mineTimeout: defaultMineTimeout,
	}
}

// Operator returns the address transfers are sent from.
func (c *Client) Operator() common.Address { return c.operator }

// ChainID returns the configured chain ID.
func (c *Client) ChainID() *big.Int { return c.chainID }

func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// transactOpts builds a *bind.TransactOpts signed by the operator key.
func (c *Client) transactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(c.operatorKey, c.chainID)
	if err != nil {
		return nil, err
	}
	auth.Context = ctx
	return auth, nil
}

// transact sends method on contract and waits for a successful receipt.
// Once the tx is broadcast, any failure to observe its receipt is returned as
// an *asset.PendingError: the tx may still be mined.
func (c *Client) transact(ctx context.Context, contract *bind.BoundContract, method string, args ...interface{}) (common.Hash, error) {
	opts, err := c.transactOpts(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("build tx opts: %w", err)
	}

	tx, err := contract.Transact(opts, method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%s tx: %w", method, err)
	}

	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.mineTimeout)
	defer cancel()
	receipt, err := bind.WaitMined(waitCtx, c.backend, tx)
	if err != nil {
		return common.Hash{}, &asset.PendingError{TxHash: tx.Hash(), Err: fmt.Errorf("wait mined: %w", err)}
	}
	if receipt.Status == 0 {
		return common.Hash{}, fmt.Errorf("tx reverted: %s", tx.Hash().Hex())
	}
	return tx.Hash(), nil
}
