package voucher

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Defaults used by the deployed claim contracts.
const (
	DefaultDomainName    = "Webaverse-voucher"
	DefaultDomainVersion = "1"
)

var (
	domainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
	voucherTypeHash = crypto.Keccak256Hash([]byte(
		"NFTVoucher(uint256 tokenId,uint256 balance,uint256 nonce,uint256 expiry)",
	))
)

// Domain binds signatures to one protocol instance on one chain.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// NewDomain returns a domain using the default name and version.
func NewDomain(chainID *big.Int, contractAddr common.Address) Domain {
	return Domain{
		Name:              DefaultDomainName,
		Version:           DefaultDomainVersion,
		ChainID:           new(big.Int).Set(chainID),
		VerifyingContract: contractAddr,
	}
}

// Separator computes the EIP-712 domain separator.
func (d Domain) Separator() [32]byte {
	nameHash := crypto.Keccak256Hash([]byte(d.Name))
	versionHash := crypto.Keccak256Hash([]byte(d.Version))

	// ABI-encode: (bytes32, bytes32, bytes32, uint256, address)
	encoded := make([]byte, 5*32)
	copy(encoded[0:32], domainTypeHash[:])
	copy(encoded[32:64], nameHash[:])
	copy(encoded[64:96], versionHash[:])
	d.ChainID.FillBytes(encoded[96:128])
	copy(encoded[140:160], d.VerifyingContract.Bytes()) // addr is right-aligned in 32-byte slot

	return crypto.Keccak256Hash(encoded)
}

// StructHash is keccak256(typeHash || abi.encode(tokenId, balance, nonce, expiry)).
// The voucher must have passed Validate; FillBytes panics on values wider than 32 bytes.
func StructHash(v *Voucher) [32]byte {
	encoded := make([]byte, 5*32)
	copy(encoded[0:32], voucherTypeHash[:])
	v.TokenID.FillBytes(encoded[32:64])
	v.Balance.FillBytes(encoded[64:96])
	v.Nonce.FillBytes(encoded[96:128])
	v.Expiry.FillBytes(encoded[128:160])
	return crypto.Keccak256Hash(encoded)
}

// SigningHash is keccak256(0x1901 || domainSeparator || structHash).
func SigningHash(domainSep, structHash [32]byte) [32]byte {
	msg := make([]byte, 2+32+32)
	msg[0] = 0x19
	msg[1] = 0x01
	copy(msg[2:34], domainSep[:])
	copy(msg[34:66], structHash[:])
	return crypto.Keccak256Hash(msg)
}

// Digest returns the exact hash a voucher's signature covers under d.
func (d Domain) Digest(v *Voucher) ([32]byte, error) {
	if err := v.Validate(); err != nil {
		return [32]byte{}, err
	}
	return SigningHash(d.Separator(), StructHash(v)), nil
}

// Sign signs the voucher in-place with privKey using EIP-712.
func Sign(v *Voucher, privKey *ecdsa.PrivateKey, d Domain) error {
	digest, err := d.Digest(v)
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(digest[:], privKey)
	if err != nil {
		return err
	}
	// Convert V from 0/1 to 27/28 for Solidity ecrecover
	sig[64] += 27
	v.Signature = sig
	return nil
}

// RecoverSigner recovers the address that produced sig over digest.
// Only canonical signatures are accepted: 65 bytes, v in {27,28}, r and s in
// range and s in the lower half of the curve order.
func RecoverSigner(digest [32]byte, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignatureFormat, len(sig))
	}
	v := sig[64]
	if v != 27 && v != 28 {
		return common.Address{}, fmt.Errorf("%w: v=%d", ErrInvalidSignatureFormat, v)
	}
	r := new(big.Int).SetBytes(sig[0:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(v-27, r, s, true) {
		return common.Address{}, fmt.Errorf("%w: r/s out of range or malleable", ErrInvalidSignatureFormat)
	}

	normalized := make([]byte, crypto.SignatureLength)
	copy(normalized, sig)
	normalized[64] -= 27

	pub, err := crypto.SigToPub(digest[:], normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: ecrecover: %v", ErrInvalidSignatureFormat, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Recover rebuilds the digest from the voucher's own fields and recovers its signer.
func Recover(v *Voucher, d Domain) (common.Address, error) {
	digest, err := d.Digest(v)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverSigner(digest, v.Signature)
}

// Verify reports whether identity is exactly the expected signer.
func Verify(identity, expected common.Address) bool {
	return identity == expected && identity != (common.Address{})
}
