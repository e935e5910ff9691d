// Package keys loads secp256k1 signing keys for the issuer and operator.
//
// A key reference is one of:
//
//	0x<64 hex chars> or <64 hex chars>   the key itself
//	env:NAME                             the key is in environment variable NAME
//	file:/path/to/key                    the key is the first line of a file
package keys

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrEmptyKey = errors.New("keys: empty key reference")

// Key is a loaded signing key and its Ethereum address.
type Key struct {
	Private *ecdsa.PrivateKey
	Address common.Address
}

// Load resolves ref and parses the key it points to.
func Load(ref string) (*Key, error) {
	raw, err := resolve(strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse parses a hex private key with or without the 0x prefix.
func Parse(raw string) (*Key, error) {
	keyHex := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if keyHex == "" {
		return nil, ErrEmptyKey
	}
	if len(keyHex) != 64 {
		return nil, fmt.Errorf("keys: private key must be a 32-byte hex string (got %d chars)", len(keyHex))
	}
	priv, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("keys: parse private key: %w", err)
	}
	return &Key{Private: priv, Address: crypto.PubkeyToAddress(priv.PublicKey)}, nil
}

func resolve(ref string) (string, error) {
	switch {
	case ref == "":
		return "", ErrEmptyKey
	case strings.HasPrefix(ref, "env:"):
		name := strings.TrimPrefix(ref, "env:")
		v := os.Getenv(name)
		if v == "" {
			return "", fmt.Errorf("keys: environment variable %s is empty", name)
		}
		return v, nil
	case strings.HasPrefix(ref, "file:"):
		path := strings.TrimPrefix(ref, "file:")
		b, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("keys: read %s: %w", path, err)
		}
		line, _, _ := strings.Cut(string(b), "\n")
		return line, nil
	default:
		return ref, nil
	}
}
