package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0gfoundation/claimvoucher/internal/asset"
	"github.com/0gfoundation/claimvoucher/internal/auth"
	"github.com/0gfoundation/claimvoucher/internal/claim"
	"github.com/0gfoundation/claimvoucher/internal/events"
	"github.com/0gfoundation/claimvoucher/internal/ledger"
	"github.com/0gfoundation/claimvoucher/internal/voucher"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var (
	settlingAddr = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	externalAddr = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	operatorAddr = common.HexToAddress("0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0")
	claimant     = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
)

// ── test setup ───────────────────────────────────────────────────────────────

type testEnv struct {
	router    *gin.Engine
	engine    *claim.Engine
	issuerKey *ecdsa.PrivateKey
	issuer    *voucher.Issuer
	custody   *asset.Fungible
	external  *asset.Unique
	sink      *events.Memory
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	issuerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	domain := voucher.NewDomain(big.NewInt(31337), settlingAddr)
	issuer := voucher.NewIssuer(issuerKey, domain)

	custody := asset.NewFungible(settlingAddr)
	external := asset.NewUnique(externalAddr)
	registry := asset.NewRegistry()
	registry.Register(external)
	sink := events.NewMemory()

	engine, err := claim.NewEngine(claim.Config{
		Domain:         domain,
		Issuer:         issuer.Address(),
		Ledger:         ledger.NewMemory(),
		LedgerBackend:  "memory",
		Custody:        custody,
		CustodyAccount: settlingAddr,
		Registry:       registry,
		Operator:       operatorAddr,
		Events:         sink,
		Log:            zap.NewNop(),
	})
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	verifier := auth.NewVerifier(rdb, time.Minute, zap.NewNop())

	r := gin.New()
	NewHandler(engine, verifier, sink, zap.NewNop()).Register(r.Group("/api"))
	return &testEnv{
		router:    r,
		engine:    engine,
		issuerKey: issuerKey,
		issuer:    issuer,
		custody:   custody,
		external:  external,
		sink:      sink,
	}
}

func (e *testEnv) do(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), "body: %s", w.Body.String())
	return w.Code, resp
}

func postJSON(t *testing.T, path string, body any) *http.Request {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func (e *testEnv) voucher(t *testing.T, balance, nonce int64, expiry time.Time) *voucher.Voucher {
	t.Helper()
	v, err := e.issuer.CreateVoucher(big.NewInt(0), big.NewInt(balance), big.NewInt(nonce), big.NewInt(expiry.Unix()))
	require.NoError(t, err)
	return v
}

// signed builds a wallet-signed management request.
func signed(t *testing.T, key *ecdsa.PrivateKey, path, action, resource, nonce string, payload string) *http.Request {
	t.Helper()
	sr := auth.SignedRequest{
		Action:     action,
		ExpiresAt:  time.Now().Add(30 * time.Second).Unix(),
		Nonce:      nonce,
		Payload:    json.RawMessage(payload),
		ResourceID: resource,
	}
	req := httptest.NewRequest(http.MethodPost, path, nil)
	require.NoError(t, auth.SignRequest(req.Header, key, sr))
	return req
}

// ── read-only ────────────────────────────────────────────────────────────────

func TestDomain(t *testing.T) {
	env := setup(t)
	code, resp := env.do(t, httptest.NewRequest(http.MethodGet, "/api/domain", nil))
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, voucher.DefaultDomainName, resp["name"])
	require.Equal(t, voucher.DefaultDomainVersion, resp["version"])
	require.EqualValues(t, 31337, resp["chain_id"])
	require.Equal(t, settlingAddr, common.HexToAddress(resp["verifying_contract"].(string)))
	require.Equal(t, env.issuer.Address(), common.HexToAddress(resp["issuer"].(string)))
	require.Equal(t, "global", resp["nonce_scope"])

	sep := env.engine.DomainSeparator()
	require.Equal(t, "0x"+hex.EncodeToString(sep[:]), resp["separator"])
}

func TestNonce_ConsumedAfterClaim(t *testing.T) {
	env := setup(t)
	env.custody.Mint(settlingAddr, big.NewInt(100))
	path := fmt.Sprintf("/api/nonces/%s/77", settlingAddr.Hex())

	code, resp := env.do(t, httptest.NewRequest(http.MethodGet, path, nil))
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, false, resp["consumed"])

	code, _ = env.do(t, postJSON(t, "/api/claim", claimRequest{
		Destination: claimant.Hex(),
		Voucher:     env.voucher(t, 5, 77, time.Now().Add(time.Hour)),
	}))
	require.Equal(t, http.StatusOK, code)

	code, resp = env.do(t, httptest.NewRequest(http.MethodGet, path, nil))
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, resp["consumed"])
}

func TestNonce_BadParams(t *testing.T) {
	env := setup(t)
	code, _ := env.do(t, httptest.NewRequest(http.MethodGet, "/api/nonces/nothex/1", nil))
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = env.do(t, httptest.NewRequest(http.MethodGet, "/api/nonces/"+settlingAddr.Hex()+"/-1", nil))
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = env.do(t, httptest.NewRequest(http.MethodGet, "/api/nonces/"+settlingAddr.Hex()+"/abc", nil))
	require.Equal(t, http.StatusBadRequest, code)
}

// ── claim ────────────────────────────────────────────────────────────────────

func TestClaim_SettlesThenConflicts(t *testing.T) {
	env := setup(t)
	env.custody.Mint(settlingAddr, big.NewInt(100))
	body := claimRequest{Destination: claimant.Hex(), Voucher: env.voucher(t, 10, 1234, time.Now().Add(time.Hour))}

	code, resp := env.do(t, postJSON(t, "/api/claim", body))
	require.Equal(t, http.StatusOK, code, "resp: %v", resp)
	require.Equal(t, "self", resp["mode"])
	require.EqualValues(t, 10, resp["amount"])
	require.Equal(t, claimant, common.HexToAddress(resp["destination"].(string)))
	require.Equal(t, 0, env.custody.BalanceOf(claimant).Cmp(big.NewInt(10)))

	code, resp = env.do(t, postJSON(t, "/api/claim", body))
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "nonce_already_used", resp["reason"])

	code, resp = env.do(t, httptest.NewRequest(http.MethodGet, "/api/events?limit=10", nil))
	require.Equal(t, http.StatusOK, code)
	require.Len(t, resp["events"], 1)
}

func TestClaim_ErrorStatuses(t *testing.T) {
	env := setup(t)
	env.custody.Mint(settlingAddr, big.NewInt(5))

	stranger, err := crypto.GenerateKey()
	require.NoError(t, err)
	forged, err := voucher.NewIssuer(stranger, env.issuer.Domain()).
		CreateVoucher(big.NewInt(0), big.NewInt(1), big.NewInt(1), big.NewInt(time.Now().Add(time.Hour).Unix()))
	require.NoError(t, err)

	malformed := env.voucher(t, 1, 2, time.Now().Add(time.Hour))
	malformed.Signature = malformed.Signature[:10]

	cases := []struct {
		name   string
		v      *voucher.Voucher
		status int
		reason string
	}{
		{"wrong signer", forged, http.StatusUnauthorized, "authorization_failed"},
		{"malformed signature", malformed, http.StatusUnauthorized, "invalid_signature_format"},
		{"expired", env.voucher(t, 1, 3, time.Now().Add(-time.Hour)), http.StatusGone, "voucher_expired"},
		{"over custody", env.voucher(t, 50, 4, time.Now().Add(time.Hour)), http.StatusUnprocessableEntity, "insufficient_balance"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, resp := env.do(t, postJSON(t, "/api/claim", claimRequest{Destination: claimant.Hex(), Voucher: tc.v}))
			require.Equal(t, tc.status, code, "resp: %v", resp)
			require.Equal(t, tc.reason, resp["reason"])
		})
	}
}

func TestClaim_BadRequests(t *testing.T) {
	env := setup(t)
	v := env.voucher(t, 1, 1, time.Now().Add(time.Hour))

	for name, body := range map[string]any{
		"zero destination": claimRequest{Destination: common.Address{}.Hex(), Voucher: v},
		"bad destination":  claimRequest{Destination: "nope", Voucher: v},
		"missing voucher":  claimRequest{Destination: claimant.Hex()},
		"missing nonce":    map[string]any{"destination": claimant.Hex(), "voucher": map[string]any{"token_id": 0, "balance": 1, "expiry": 1, "signature": "0x00"}},
	} {
		t.Run(name, func(t *testing.T) {
			code, resp := env.do(t, postJSON(t, "/api/claim", body))
			require.Equal(t, http.StatusBadRequest, code, "resp: %v", resp)
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/claim", bytes.NewBufferString("{"))
	code, _ := env.do(t, req)
	require.Equal(t, http.StatusBadRequest, code)
}

// ── external claim ───────────────────────────────────────────────────────────

func TestExternalClaim_ApproveThenClaim(t *testing.T) {
	env := setup(t)
	holderKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	holder := crypto.PubkeyToAddress(holderKey.PublicKey)
	require.NoError(t, env.external.Mint(holder, big.NewInt(7)))

	v, err := voucher.NewIssuer(holderKey, env.issuer.Domain()).
		CreateVoucher(big.NewInt(7), big.NewInt(0), big.NewInt(9), big.NewInt(time.Now().Add(time.Hour).Unix()))
	require.NoError(t, err)
	body := claimRequest{Destination: claimant.Hex(), Contract: externalAddr.Hex(), Voucher: v}

	// no approval yet: the nonce must be released
	code, resp := env.do(t, postJSON(t, "/api/claim/external", body))
	require.Equal(t, http.StatusUnprocessableEntity, code)
	require.Equal(t, "insufficient_approval", resp["reason"])

	approve := signed(t, holderKey, "/api/assets/"+externalAddr.Hex()+"/approve", "approve", externalAddr.Hex(), "a-1", `{"approved":true}`)
	code, resp = env.do(t, approve)
	require.Equal(t, http.StatusOK, code, "resp: %v", resp)
	require.Equal(t, operatorAddr, common.HexToAddress(resp["operator"].(string)))

	code, resp = env.do(t, postJSON(t, "/api/claim/external", body))
	require.Equal(t, http.StatusOK, code, "resp: %v", resp)
	require.Equal(t, "external", resp["mode"])
	require.Equal(t, claimant, env.external.OwnerOf(big.NewInt(7)))
}

func TestExternalClaim_UnknownContract(t *testing.T) {
	env := setup(t)
	v := env.voucher(t, 1, 1, time.Now().Add(time.Hour))
	code, resp := env.do(t, postJSON(t, "/api/claim/external", claimRequest{
		Destination: claimant.Hex(),
		Contract:    "0x0000000000000000000000000000000000000042",
		Voucher:     v,
	}))
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "unknown_contract", resp["reason"])

	code, _ = env.do(t, postJSON(t, "/api/claim/external", claimRequest{Destination: claimant.Hex(), Contract: "bad", Voucher: v}))
	require.Equal(t, http.StatusBadRequest, code)
}

// ── mint ─────────────────────────────────────────────────────────────────────

func TestMint_IssuerOnly(t *testing.T) {
	env := setup(t)

	code, resp := env.do(t, signed(t, env.issuerKey, "/api/assets/mint", "mint", "", "m-1", `{"amount":40}`))
	require.Equal(t, http.StatusOK, code, "resp: %v", resp)
	require.Equal(t, 0, env.custody.BalanceOf(settlingAddr).Cmp(big.NewInt(40)))

	stranger, err := crypto.GenerateKey()
	require.NoError(t, err)
	code, _ = env.do(t, signed(t, stranger, "/api/assets/mint", "mint", "", "m-2", `{"amount":40}`))
	require.Equal(t, http.StatusForbidden, code)

	code, _ = env.do(t, signed(t, env.issuerKey, "/api/assets/mint", "mint", "", "m-3", `{"amount":0}`))
	require.Equal(t, http.StatusBadRequest, code)

	// minted supply is claimable
	code, _ = env.do(t, postJSON(t, "/api/claim", claimRequest{
		Destination: claimant.Hex(),
		Voucher:     env.voucher(t, 40, 5, time.Now().Add(time.Hour)),
	}))
	require.Equal(t, http.StatusOK, code)
	require.Zero(t, env.custody.BalanceOf(settlingAddr).Sign())
}

// ── error mapping ────────────────────────────────────────────────────────────

func TestStatusFor(t *testing.T) {
	require.Equal(t, http.StatusInternalServerError, statusFor(context.DeadlineExceeded))
	require.Equal(t, http.StatusNotImplemented, statusFor(asset.ErrUnsupported))
	require.Equal(t, http.StatusBadRequest, statusFor(fmt.Errorf("wrap: %w", claim.ErrInvalidVoucher)))
	require.Equal(t, http.StatusUnprocessableEntity, statusFor(fmt.Errorf("transfer: %w", claim.ErrTokenNotHeld)))

	pending := fmt.Errorf("transfer: %w", &asset.PendingError{TxHash: common.HexToHash("0xabc"), Err: context.DeadlineExceeded})
	require.Equal(t, http.StatusAccepted, statusFor(pending))
	require.Equal(t, "transfer_pending", claim.Reason(pending))
}
