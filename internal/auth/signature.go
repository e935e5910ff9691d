package auth

import (
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Headers of a wallet-signed request.
const (
	HeaderWallet    = "X-Wallet-Address"
	HeaderMessage   = "X-Signed-Message"
	HeaderSignature = "X-Wallet-Signature"
)

var (
	errSignatureHex = errors.New("signature is not hex")
	errBadSignature = errors.New("invalid wallet signature")
)

// SignRequest signs req the way a wallet's personal_sign does and sets the
// three wallet headers on h.
func SignRequest(h http.Header, key *ecdsa.PrivateKey, req SignedRequest) error {
	msg, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode signed request: %w", err)
	}
	sig, err := crypto.Sign(accounts.TextHash(msg), key)
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27

	h.Set(HeaderWallet, crypto.PubkeyToAddress(key.PublicKey).Hex())
	h.Set(HeaderMessage, base64.StdEncoding.EncodeToString(msg))
	h.Set(HeaderSignature, hexutil.Encode(sig))
	return nil
}

// recoverWallet returns the address that personal_signed msg. The 0x prefix
// is optional and v may be 0/1 or 27/28. High-s signatures are rejected.
func recoverWallet(msg []byte, sigHex string) (common.Address, error) {
	sig, err := hexutil.Decode(ensure0x(sigHex))
	if err != nil {
		return common.Address{}, errSignatureHex
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: %d bytes", errBadSignature, len(sig))
	}

	v := sig[crypto.RecoveryIDOffset]
	if v >= 27 {
		v -= 27
	}
	r, s := new(big.Int).SetBytes(sig[:32]), new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(v, r, s, true) {
		return common.Address{}, fmt.Errorf("%w: v=%d", errBadSignature, sig[crypto.RecoveryIDOffset])
	}

	pub, err := crypto.SigToPub(accounts.TextHash(msg), append(sig[:64:64], v))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", errBadSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func ensure0x(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return "0x" + s[2:]
	}
	return "0x" + s
}
