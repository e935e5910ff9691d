package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

func mintRequest() SignedRequest {
	return SignedRequest{
		Action:    "mint",
		ExpiresAt: 1_700_000_060,
		Nonce:     "mint-1",
		Payload:   json.RawMessage(`{"amount":5,"token_id":0}`),
	}
}

func approveRequest(approved bool) SignedRequest {
	payload := `{"approved":false}`
	if approved {
		payload = `{"approved":true}`
	}
	return SignedRequest{
		Action:     "approve",
		ExpiresAt:  1_700_000_060,
		Nonce:      "approve-1",
		Payload:    json.RawMessage(payload),
		ResourceID: testResource,
	}
}

// signedHeaders returns the decoded message and signature SignRequest produced.
func signedHeaders(t *testing.T, req SignedRequest) (common.Address, []byte, []byte) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	h := http.Header{}
	if err := SignRequest(h, key, req); err != nil {
		t.Fatalf("SignRequest: %v", err)
	}
	msg, err := base64.StdEncoding.DecodeString(h.Get(HeaderMessage))
	if err != nil {
		t.Fatalf("message header: %v", err)
	}
	sig, err := hexutil.Decode(h.Get(HeaderSignature))
	if err != nil {
		t.Fatalf("signature header: %v", err)
	}
	wallet := common.HexToAddress(h.Get(HeaderWallet))
	if wallet != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("wallet header %s does not match key", wallet.Hex())
	}
	return wallet, msg, sig
}

func TestSignRequest_RecoversWallet(t *testing.T) {
	for name, req := range map[string]SignedRequest{
		"mint":    mintRequest(),
		"approve": approveRequest(true),
		"revoke":  approveRequest(false),
	} {
		t.Run(name, func(t *testing.T) {
			wallet, msg, sig := signedHeaders(t, req)
			if sig[64] != 27 && sig[64] != 28 {
				t.Fatalf("wallet-style v expected, got %d", sig[64])
			}
			var decoded SignedRequest
			if err := json.Unmarshal(msg, &decoded); err != nil {
				t.Fatalf("message is not a signed request: %v", err)
			}
			if decoded.Action != req.Action || string(decoded.Payload) != string(req.Payload) {
				t.Fatalf("message changed in transit: %s", msg)
			}
			got, err := recoverWallet(msg, hexutil.Encode(sig))
			if err != nil {
				t.Fatalf("recoverWallet: %v", err)
			}
			if got != wallet {
				t.Fatalf("recovered %s, want %s", got.Hex(), wallet.Hex())
			}
		})
	}
}

// A signature over an approval does not carry over to a revocation or a
// mint, even though only the payload or action differs.
func TestRecoverWallet_BoundToMessage(t *testing.T) {
	wallet, _, sig := signedHeaders(t, approveRequest(true))

	for name, other := range map[string]SignedRequest{
		"revoke": approveRequest(false),
		"mint":   mintRequest(),
	} {
		msg, _ := json.Marshal(other)
		got, err := recoverWallet(msg, hexutil.Encode(sig))
		if err != nil {
			t.Fatalf("%s: recoverWallet: %v", name, err)
		}
		if got == wallet {
			t.Fatalf("%s: approval signature recovered to the approving wallet", name)
		}
	}
}

func TestRecoverWallet_SignatureForms(t *testing.T) {
	wallet, msg, sig := signedHeaders(t, mintRequest())
	edit := func(f func([]byte) []byte) string {
		cp := append([]byte(nil), sig...)
		return hexutil.Encode(f(cp))
	}
	n := crypto.S256().Params().N

	cases := []struct {
		name    string
		sigHex  string
		wantErr error
	}{
		{"wallet v", hexutil.Encode(sig), nil},
		{"raw v", edit(func(b []byte) []byte { b[64] -= 27; return b }), nil},
		{"no prefix", hexutil.Encode(sig)[2:], nil},
		{"upper prefix", "0X" + hexutil.Encode(sig)[2:], nil},
		{"v out of range", edit(func(b []byte) []byte { b[64] = 35; return b }), errBadSignature},
		{"truncated", edit(func(b []byte) []byte { return b[:64] }), errBadSignature},
		{"high s", edit(func(b []byte) []byte {
			s := new(big.Int).Sub(n, new(big.Int).SetBytes(b[32:64]))
			s.FillBytes(b[32:64])
			b[64] = 27 + (b[64]-27)^1
			return b
		}), errBadSignature},
		{"not hex", "0xmint", errSignatureHex},
		{"odd length", "0xabc", errSignatureHex},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := recoverWallet(msg, tc.sigHex)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("want %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil || got != wallet {
				t.Fatalf("recovered %s err=%v, want %s", got.Hex(), err, wallet.Hex())
			}
		})
	}
}
