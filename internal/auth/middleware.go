// Package auth authenticates wallet-signed management requests.
package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SignedRequest is the JSON payload inside X-Signed-Message (fields sorted).
type SignedRequest struct {
	Action     string          `json:"action"`
	ExpiresAt  int64           `json:"expires_at"`
	Nonce      string          `json:"nonce"`
	Payload    json.RawMessage `json:"payload"`
	ResourceID string          `json:"resource_id"`
}

// Gin context keys set by the middleware.
const (
	WalletKey  = "wallet_address"
	RequestKey = "signed_request"
)

// NonceKeyFmt is the Redis key guarding one request nonce of one wallet.
const NonceKeyFmt = "claim:auth:nonce:%s:%s"

const DefaultWindow = 5 * time.Minute

// Verifier checks X-Wallet-* headers against EIP-191 signatures and rejects
// replayed request nonces.
type Verifier struct {
	rdb    *redis.Client
	window time.Duration
	now    func() time.Time
	log    *zap.Logger
}

func NewVerifier(rdb *redis.Client, window time.Duration, log *zap.Logger) *Verifier {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Verifier{rdb: rdb, window: window, now: time.Now, log: log}
}

// Middleware returns a Gin handler accepting only requests signed for action.
// When resourceParam is set, the signed resource_id must equal that path param.
func (v *Verifier) Middleware(action, resourceParam string) gin.HandlerFunc {
	return func(c *gin.Context) {
		walletAddr := c.GetHeader(HeaderWallet)
		signedMsgB64 := c.GetHeader(HeaderMessage)
		sigHex := c.GetHeader(HeaderSignature)

		if walletAddr == "" || signedMsgB64 == "" || sigHex == "" {
			abort(c, "missing auth headers")
			return
		}
		if !common.IsHexAddress(walletAddr) {
			abort(c, "invalid "+HeaderWallet)
			return
		}

		// Decode signed message
		msgBytes, err := base64.StdEncoding.DecodeString(signedMsgB64)
		if err != nil {
			abort(c, "invalid "+HeaderMessage+" encoding")
			return
		}

		var req SignedRequest
		if err := json.Unmarshal(msgBytes, &req); err != nil {
			abort(c, "invalid signed message JSON")
			return
		}
		if req.Action != action {
			abort(c, "signed for a different action")
			return
		}
		if resourceParam != "" && !strings.EqualFold(req.ResourceID, c.Param(resourceParam)) {
			abort(c, "signed for a different resource")
			return
		}
		if req.Nonce == "" {
			abort(c, "missing request nonce")
			return
		}

		now := v.now().Unix()

		// Check expiry
		if req.ExpiresAt <= now {
			abort(c, "request expired")
			return
		}
		if req.ExpiresAt > now+int64(v.window.Seconds()) {
			abort(c, "expires_at too far in future")
			return
		}

		recovered, err := recoverWallet(msgBytes, sigHex)
		if errors.Is(err, errSignatureHex) {
			abort(c, "invalid signature hex")
			return
		}
		if err != nil || recovered != common.HexToAddress(walletAddr) {
			abort(c, "invalid signature")
			return
		}

		// Nonce dedup via Redis SET NX, kept until the request would expire anyway
		nonceKey := fmt.Sprintf(NonceKeyFmt, strings.ToLower(recovered.Hex()), req.Nonce)
		ttl := time.Duration(req.ExpiresAt-now) * time.Second
		set, err := v.rdb.SetNX(c.Request.Context(), nonceKey, 1, ttl).Result()
		if err != nil {
			v.log.Error("auth nonce dedup", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if !set {
			abort(c, "nonce already used")
			return
		}

		c.Set(WalletKey, recovered)
		c.Set(RequestKey, &req)
		c.Next()
	}
}

// RequireWallet admits only the given wallet. It must run after Middleware.
func RequireWallet(addr common.Address) gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet, ok := WalletFrom(c)
		if !ok || wallet != addr {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "wallet not permitted"})
			return
		}
		c.Next()
	}
}

// WalletFrom returns the authenticated wallet of the request.
func WalletFrom(c *gin.Context) (common.Address, bool) {
	v, ok := c.Get(WalletKey)
	if !ok {
		return common.Address{}, false
	}
	addr, ok := v.(common.Address)
	return addr, ok
}

// RequestFrom returns the verified signed request.
func RequestFrom(c *gin.Context) (*SignedRequest, bool) {
	v, ok := c.Get(RequestKey)
	if !ok {
		return nil, false
	}
	req, ok := v.(*SignedRequest)
	return req, ok
}

func abort(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
}
