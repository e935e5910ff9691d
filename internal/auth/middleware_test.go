package auth

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testResource = "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"

// testSetup creates a miniredis instance and a Gin engine with the auth
// middleware on POST /approve/:contract.
func testSetup(t *testing.T) (*miniredis.Miniredis, *gin.Engine) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	v := NewVerifier(rdb, 0, zap.NewNop())
	r := gin.New()
	r.POST("/approve/:contract", v.Middleware("approve", "contract"), func(c *gin.Context) {
		wallet, _ := WalletFrom(c)
		req, _ := RequestFrom(c)
		c.JSON(http.StatusOK, gin.H{"wallet": wallet.Hex(), "payload": string(req.Payload)})
	})
	return mr, r
}

type signOpts struct {
	key       *ecdsa.PrivateKey
	action    string
	resource  string
	nonce     string
	expiresIn time.Duration
}

// buildRequest creates a signed HTTP request.
func buildRequest(t *testing.T, o signOpts) *http.Request {
	t.Helper()
	if o.key == nil {
		k, err := crypto.GenerateKey()
		if err != nil {
			t.Fatal(err)
		}
		o.key = k
	}
	if o.action == "" {
		o.action = "approve"
	}
	if o.resource == "" {
		o.resource = testResource
	}
	sr := SignedRequest{
		Action:     o.action,
		ExpiresAt:  time.Now().Add(o.expiresIn).Unix(),
		Nonce:      o.nonce,
		Payload:    json.RawMessage(`{"approved":true}`),
		ResourceID: o.resource,
	}
	req := httptest.NewRequest(http.MethodPost, "/approve/"+testResource, nil)
	if err := SignRequest(req.Header, o.key, sr); err != nil {
		t.Fatal(err)
	}
	return req
}

func serve(r *gin.Engine, req *http.Request) (int, map[string]string) {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var resp map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w.Code, resp
}

// ── accepted ─────────────────────────────────────────────────────────────────

func TestMiddleware_ValidRequest(t *testing.T) {
	_, r := testSetup(t)
	key, _ := crypto.GenerateKey()

	code, resp := serve(r, buildRequest(t, signOpts{key: key, nonce: "n-1", expiresIn: 2 * time.Minute}))
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", code, resp)
	}
	if resp["wallet"] != crypto.PubkeyToAddress(key.PublicKey).Hex() {
		t.Errorf("wallet: got %s", resp["wallet"])
	}
	if resp["payload"] != `{"approved":true}` {
		t.Errorf("payload: got %s", resp["payload"])
	}
}

func TestMiddleware_SignatureWithoutPrefix(t *testing.T) {
	_, r := testSetup(t)
	req := buildRequest(t, signOpts{nonce: "n-noprefix", expiresIn: time.Minute})
	req.Header.Set(HeaderSignature, strings.TrimPrefix(req.Header.Get(HeaderSignature), "0x"))

	if code, resp := serve(r, req); code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", code, resp)
	}
}

// ── rejected ─────────────────────────────────────────────────────────────────

func TestMiddleware_Rejections(t *testing.T) {
	cases := []struct {
		name string
		opts signOpts
		edit func(*http.Request)
		want string
	}{
		{"missing headers", signOpts{nonce: "a", expiresIn: time.Minute},
			func(r *http.Request) { r.Header.Del(HeaderSignature) }, "missing auth headers"},
		{"expired", signOpts{nonce: "b", expiresIn: -time.Second}, nil, "request expired"},
		{"too far in future", signOpts{nonce: "c", expiresIn: 10 * time.Minute}, nil, "expires_at too far in future"},
		{"wrong wallet", signOpts{nonce: "d", expiresIn: time.Minute},
			func(r *http.Request) { r.Header.Set(HeaderWallet, "0x000000000000000000000000000000000000dEaD") }, "invalid signature"},
		{"bad hex", signOpts{nonce: "e", expiresIn: time.Minute},
			func(r *http.Request) { r.Header.Set(HeaderSignature, "0xzz") }, "invalid signature hex"},
		{"other action", signOpts{action: "mint", nonce: "f", expiresIn: time.Minute}, nil, "signed for a different action"},
		{"other resource", signOpts{resource: "0x0000000000000000000000000000000000000001", nonce: "g", expiresIn: time.Minute}, nil, "signed for a different resource"},
		{"no nonce", signOpts{expiresIn: time.Minute}, nil, "missing request nonce"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, r := testSetup(t)
			req := buildRequest(t, tc.opts)
			if tc.edit != nil {
				tc.edit(req)
			}
			code, resp := serve(r, req)
			if code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d: %v", code, resp)
			}
			if resp["error"] != tc.want {
				t.Errorf("error: want %q, got %q", tc.want, resp["error"])
			}
		})
	}
}

// ── nonce dedup ──────────────────────────────────────────────────────────────

func TestMiddleware_NonceReplay(t *testing.T) {
	_, r := testSetup(t)
	key, _ := crypto.GenerateKey()

	if code, resp := serve(r, buildRequest(t, signOpts{key: key, nonce: "replay", expiresIn: 2 * time.Minute})); code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d: %v", code, resp)
	}
	code, resp := serve(r, buildRequest(t, signOpts{key: key, nonce: "replay", expiresIn: 2 * time.Minute}))
	if code != http.StatusUnauthorized || resp["error"] != "nonce already used" {
		t.Fatalf("replay: expected 401 nonce already used, got %d: %v", code, resp)
	}

	// nonces are per wallet: another wallet may use the same string
	if code, resp := serve(r, buildRequest(t, signOpts{nonce: "replay", expiresIn: 2 * time.Minute})); code != http.StatusOK {
		t.Fatalf("other wallet: expected 200, got %d: %v", code, resp)
	}
}

func TestMiddleware_NonceTTL(t *testing.T) {
	mr, r := testSetup(t)
	key, _ := crypto.GenerateKey()

	if code, _ := serve(r, buildRequest(t, signOpts{key: key, nonce: "ttl", expiresIn: 2 * time.Minute})); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	nonceKey := fmt.Sprintf(NonceKeyFmt, strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()), "ttl")
	if !mr.Exists(nonceKey) {
		t.Fatalf("nonce key %s not stored", nonceKey)
	}
	if ttl := mr.TTL(nonceKey); ttl <= 0 || ttl > 2*time.Minute {
		t.Fatalf("unexpected TTL %v", ttl)
	}
	mr.FastForward(3 * time.Minute)
	if mr.Exists(nonceKey) {
		t.Fatal("nonce key should expire with the request window")
	}
}

// ── RequireWallet ────────────────────────────────────────────────────────────

func TestRequireWallet(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	v := NewVerifier(rdb, time.Minute, zap.NewNop())
	issuerKey, _ := crypto.GenerateKey()
	issuer := crypto.PubkeyToAddress(issuerKey.PublicKey)

	r := gin.New()
	r.POST("/approve/:contract", v.Middleware("approve", "contract"), RequireWallet(issuer), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	if code, _ := serve(r, buildRequest(t, signOpts{nonce: "x", expiresIn: 30 * time.Second})); code != http.StatusForbidden {
		t.Fatalf("stranger: expected 403, got %d", code)
	}
	if code, _ := serve(r, buildRequest(t, signOpts{key: issuerKey, nonce: "y", expiresIn: 30 * time.Second})); code != http.StatusNoContent {
		t.Fatalf("issuer: expected 204, got %d", code)
	}
}
