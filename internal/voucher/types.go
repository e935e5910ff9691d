package voucher

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Voucher is the signed claim authorization redeemed by the settlement engine.
// Only TokenID, Balance, Nonce and Expiry are covered by the EIP-712 struct;
// Signature is the 65-byte r || s || v over the domain-bound digest.
type Voucher struct {
	TokenID   *big.Int      `json:"token_id"`
	Balance   *big.Int      `json:"balance"`
	Nonce     *big.Int      `json:"nonce"`
	Expiry    *big.Int      `json:"expiry"`
	Signature hexutil.Bytes `json:"signature"`
}

var (
	// ErrInvalidVoucher is returned when a voucher field is missing, negative
	// or wider than uint256.
	ErrInvalidVoucher = errors.New("invalid voucher")
	// ErrInvalidSignatureFormat is returned for signatures that are not a
	// canonical 65-byte secp256k1 signature with v in {27,28} and low s.
	ErrInvalidSignatureFormat = errors.New("invalid signature format")
)

// Redis key templates
const (
	NonceCounterKeyFmt = "voucher:nonce:%s" // %s = signer address (lowercase)
)

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Validate checks that every struct field is present and fits in a uint256.
func (v *Voucher) Validate() error {
	if v == nil {
		return ErrInvalidVoucher
	}
	for _, f := range []struct {
		name string
		val  *big.Int
	}{
		{"token_id", v.TokenID},
		{"balance", v.Balance},
		{"nonce", v.Nonce},
		{"expiry", v.Expiry},
	} {
		if f.val == nil {
			return errors.Join(ErrInvalidVoucher, errors.New(f.name+" missing"))
		}
		if f.val.Sign() < 0 || f.val.Cmp(maxUint256) > 0 {
			return errors.Join(ErrInvalidVoucher, errors.New(f.name+" out of uint256 range"))
		}
	}
	return nil
}

// Clone returns a deep copy so callers can hand a voucher out without sharing
// the big.Int pointers.
func (v *Voucher) Clone() *Voucher {
	cp := func(x *big.Int) *big.Int {
		if x == nil {
			return nil
		}
		return new(big.Int).Set(x)
	}
	out := &Voucher{
		TokenID: cp(v.TokenID),
		Balance: cp(v.Balance),
		Nonce:   cp(v.Nonce),
		Expiry:  cp(v.Expiry),
	}
	if v.Signature != nil {
		out.Signature = append([]byte(nil), v.Signature...)
	}
	return out
}
