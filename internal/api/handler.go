// Package api exposes the claim engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0gfoundation/claimvoucher/internal/asset"
	"github.com/0gfoundation/claimvoucher/internal/auth"
	"github.com/0gfoundation/claimvoucher/internal/claim"
	"github.com/0gfoundation/claimvoucher/internal/events"
	"github.com/0gfoundation/claimvoucher/internal/voucher"
)

// EventReader lists recently observed transfers.
type EventReader interface {
	Recent(ctx context.Context, n int64) ([]events.TransferObserved, error)
}

const maxEventsPage = 500

// Handler wires up all claim routes onto a Gin engine.
type Handler struct {
	engine *claim.Engine
	auth   *auth.Verifier
	events EventReader
	log    *zap.Logger
}

func NewHandler(engine *claim.Engine, verifier *auth.Verifier, ev EventReader, log *zap.Logger) *Handler {
	return &Handler{engine: engine, auth: verifier, events: ev, log: log}
}

// Register mounts all routes on rg.
func (h *Handler) Register(rg *gin.RouterGroup) {
	// ── Read-only ──────────────────────────────────────────────────────────
	rg.GET("/domain", h.handleDomain)
	rg.GET("/nonces/:scope/:nonce", h.handleNonce)
	if h.events != nil {
		rg.GET("/events", h.handleEvents)
	}

	// ── Settlement ─────────────────────────────────────────────────────────
	rg.POST("/claim", h.handleClaim)
	rg.POST("/claim/external", h.handleExternalClaim)

	// ── Wallet-signed asset management ─────────────────────────────────────
	if h.auth != nil {
		rg.POST("/assets/mint", h.auth.Middleware("mint", ""), auth.RequireWallet(h.engine.Issuer()), h.handleMint)
		rg.POST("/assets/:contract/approve", h.auth.Middleware("approve", "contract"), h.handleApprove)
	}
}

// ── Read-only ───────────────────────────────────────────────────────────────

type domainResponse struct {
	Name              string         `json:"name"`
	Version           string         `json:"version"`
	ChainID           *big.Int       `json:"chain_id"`
	VerifyingContract common.Address `json:"verifying_contract"`
	Separator         string         `json:"separator"`
	Issuer            common.Address `json:"issuer"`
	Operator          common.Address `json:"operator"`
	NonceScope        string         `json:"nonce_scope"`
}

func (h *Handler) handleDomain(c *gin.Context) {
	d := h.engine.Domain()
	sep := h.engine.DomainSeparator()
	c.JSON(http.StatusOK, domainResponse{
		Name:              d.Name,
		Version:           d.Version,
		ChainID:           d.ChainID,
		VerifyingContract: d.VerifyingContract,
		Separator:         hexutil.Encode(sep[:]),
		Issuer:            h.engine.Issuer(),
		Operator:          h.engine.Operator(),
		NonceScope:        h.engine.ScopePolicy().String(),
	})
}

func (h *Handler) handleNonce(c *gin.Context) {
	scopeHex := c.Param("scope")
	if !common.IsHexAddress(scopeHex) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid scope address"})
		return
	}
	nonce, ok := new(big.Int).SetString(c.Param("nonce"), 10)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid nonce"})
		return
	}
	scope := common.HexToAddress(scopeHex)
	consumed, err := h.engine.IsNonceConsumed(c.Request.Context(), scope, nonce)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scope": scope, "nonce": nonce, "consumed": consumed})
}

func (h *Handler) handleEvents(c *gin.Context) {
	limit, err := strconv.ParseInt(c.DefaultQuery("limit", "50"), 10, 64)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	if limit > maxEventsPage {
		limit = maxEventsPage
	}
	evs, err := h.events.Recent(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if evs == nil {
		evs = []events.TransferObserved{}
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

// ── Settlement ──────────────────────────────────────────────────────────────

type claimRequest struct {
	Destination string           `json:"destination"`
	Contract    string           `json:"contract"`
	Voucher     *voucher.Voucher `json:"voucher"`
}

func (h *Handler) bindClaim(c *gin.Context, external bool) (*claimRequest, common.Address, bool) {
	var req claimRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return nil, common.Address{}, false
	}
	if !common.IsHexAddress(req.Destination) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid destination"})
		return nil, common.Address{}, false
	}
	dest := common.HexToAddress(req.Destination)
	if dest == (common.Address{}) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "destination must not be the zero address"})
		return nil, common.Address{}, false
	}
	if external && !common.IsHexAddress(req.Contract) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid contract"})
		return nil, common.Address{}, false
	}
	if req.Voucher == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing voucher"})
		return nil, common.Address{}, false
	}
	return &req, dest, true
}

func (h *Handler) handleClaim(c *gin.Context) {
	req, dest, ok := h.bindClaim(c, false)
	if !ok {
		return
	}
	rec, err := h.engine.Claim(c.Request.Context(), dest, req.Voucher)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) handleExternalClaim(c *gin.Context) {
	req, dest, ok := h.bindClaim(c, true)
	if !ok {
		return
	}
	rec, err := h.engine.ExternalClaim(c.Request.Context(), dest, common.HexToAddress(req.Contract), req.Voucher)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// ── Asset management ────────────────────────────────────────────────────────

type mintPayload struct {
	TokenID *big.Int `json:"token_id"`
	Amount  *big.Int `json:"amount"`
}

// handleMint adds supply to the engine's custody. The payload is read from the
// signed message, not the request body.
func (h *Handler) handleMint(c *gin.Context) {
	sr, _ := auth.RequestFrom(c)
	var p mintPayload
	if err := json.Unmarshal(sr.Payload, &p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid mint payload"})
		return
	}
	if p.TokenID == nil {
		p.TokenID = new(big.Int)
	}
	if p.Amount == nil {
		p.Amount = big.NewInt(1)
	}
	if p.TokenID.Sign() < 0 || p.Amount.Sign() <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token_id and amount must be positive"})
		return
	}
	minter, ok := h.engine.Custody().(asset.Minter)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "custody contract cannot mint"})
		return
	}
	custody := h.engine.CustodyAccount()
	if err := minter.MintTo(c.Request.Context(), custody, p.TokenID, p.Amount); err != nil {
		h.writeError(c, err)
		return
	}
	h.log.Info("custody minted",
		zap.String("token_id", p.TokenID.String()),
		zap.String("amount", p.Amount.String()),
	)
	c.JSON(http.StatusOK, gin.H{"custody": custody, "token_id": p.TokenID, "amount": p.Amount})
}

type approvePayload struct {
	Approved bool     `json:"approved"`
	Amount   *big.Int `json:"amount"`
}

// handleApprove lets the signing wallet grant or revoke the engine operator
// on an external contract.
func (h *Handler) handleApprove(c *gin.Context) {
	wallet, _ := auth.WalletFrom(c)
	sr, _ := auth.RequestFrom(c)
	var p approvePayload
	if err := json.Unmarshal(sr.Payload, &p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid approve payload"})
		return
	}
	contractHex := c.Param("contract")
	if !common.IsHexAddress(contractHex) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid contract"})
		return
	}
	std, err := h.engine.Registry().Lookup(common.HexToAddress(contractHex))
	if err != nil {
		h.writeError(c, err)
		return
	}
	ap, ok := std.(asset.Approvals)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "contract does not accept approvals here"})
		return
	}
	operator := h.engine.Operator()
	if err := ap.Grant(c.Request.Context(), wallet, operator, p.Amount, p.Approved); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"owner": wallet, "operator": operator, "approved": p.Approved})
}

// ── Errors ──────────────────────────────────────────────────────────────────

func statusFor(err error) int {
	switch {
	case errors.Is(err, claim.ErrAuthorizationFailed), errors.Is(err, claim.ErrInvalidSignatureFormat):
		return http.StatusUnauthorized
	case errors.Is(err, claim.ErrVoucherExpired):
		return http.StatusGone
	case errors.Is(err, claim.ErrNonceAlreadyUsed):
		return http.StatusConflict
	case errors.Is(err, claim.ErrTokenNotHeld),
		errors.Is(err, claim.ErrInsufficientApproval),
		errors.Is(err, claim.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, claim.ErrUnknownContract):
		return http.StatusNotFound
	case errors.Is(err, claim.ErrInvalidVoucher):
		return http.StatusBadRequest
	case errors.Is(err, asset.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, claim.ErrTransferPending):
		// broadcast, not yet confirmed; the nonce stays reserved
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error", "reason": "internal"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error(), "reason": claim.Reason(err)})
}
