package voucher

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
)

// Issuer creates signed vouchers for one domain. It never talks to the
// settlement side, so it cannot tell whether a nonce was already spent.
type Issuer struct {
	privKey *ecdsa.PrivateKey
	domain  Domain
}

func NewIssuer(privKey *ecdsa.PrivateKey, d Domain) *Issuer {
	return &Issuer{privKey: privKey, domain: d}
}

// Address is the identity the settlement engine will recover from vouchers
// issued here.
func (i *Issuer) Address() common.Address {
	return crypto.PubkeyToAddress(i.privKey.PublicKey)
}

// Domain returns the domain vouchers are bound to.
func (i *Issuer) Domain() Domain { return i.domain }

// CreateVoucher builds and signs a voucher. Unique-token vouchers
// conventionally carry balance 0.
func (i *Issuer) CreateVoucher(tokenID, balance, nonce, expiry *big.Int) (*Voucher, error) {
	v := &Voucher{
		TokenID: tokenID,
		Balance: balance,
		Nonce:   nonce,
		Expiry:  expiry,
	}
	v = v.Clone()
	if err := Sign(v, i.privKey, i.domain); err != nil {
		return nil, fmt.Errorf("sign voucher: %w", err)
	}
	return v, nil
}

// RandomNonce samples a nonce from 4 random bytes.
func RandomNonce() (*big.Int, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return new(big.Int).SetBytes(b[:]), nil
}

// CounterNonces hands out strictly increasing nonces per signer from Redis.
type CounterNonces struct {
	rdb *redis.Client
}

func NewCounterNonces(rdb *redis.Client) *CounterNonces {
	return &CounterNonces{rdb: rdb}
}

// Next atomically increments and returns the nonce for signer.
func (c *CounterNonces) Next(ctx context.Context, signer common.Address) (*big.Int, error) {
	key := fmt.Sprintf(NonceCounterKeyFmt, strings.ToLower(signer.Hex()))
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("incr nonce: %w", err)
	}
	return big.NewInt(n), nil
}
