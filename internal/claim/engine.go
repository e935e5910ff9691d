// Package claim settles signed vouchers: it verifies the signer, enforces
// expiry and single use, then moves the asset through its standard.
package claim

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/claimvoucher/internal/asset"
	"github.com/0gfoundation/claimvoucher/internal/events"
	"github.com/0gfoundation/claimvoucher/internal/ledger"
	"github.com/0gfoundation/claimvoucher/internal/metrics"
	"github.com/0gfoundation/claimvoucher/internal/voucher"
)

// Mode is the custody mode of a claim.
type Mode string

const (
	ModeSelf     Mode = "self"
	ModeExternal Mode = "external"
)

// ScopePolicy decides which nonce space a voucher's nonce is spent in.
type ScopePolicy uint8

const (
	// ScopeGlobal spends every nonce once per settling contract, whoever signed it.
	ScopeGlobal ScopePolicy = iota
	// ScopeSigner gives each recovered signer its own nonce space.
	ScopeSigner
)

func (p ScopePolicy) String() string {
	if p == ScopeSigner {
		return "signer"
	}
	return "global"
}

func ParseScopePolicy(s string) (ScopePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "global":
		return ScopeGlobal, nil
	case "signer":
		return ScopeSigner, nil
	default:
		return 0, fmt.Errorf("unknown nonce scope %q", s)
	}
}

// Receipt describes a settled claim.
type Receipt struct {
	Mode        Mode           `json:"mode"`
	Contract    common.Address `json:"contract"`
	Kind        string         `json:"kind"`
	Operator    common.Address `json:"operator"`
	Source      common.Address `json:"source"`
	Destination common.Address `json:"destination"`
	AssetID     *big.Int       `json:"asset_id"`
	Amount      *big.Int       `json:"amount"`
	Signer      common.Address `json:"signer"`
	Scope       common.Address `json:"scope"`
	Nonce       *big.Int       `json:"nonce"`
	TxHash      common.Hash    `json:"tx_hash"`
}

// Config holds the collaborators of an Engine. Ledger is required; Custody is
// required for self claims only.
type Config struct {
	Domain voucher.Domain
	Issuer common.Address
	Scope  ScopePolicy

	Ledger        ledger.Ledger
	LedgerBackend string

	Custody        asset.Custodian
	CustodyAccount common.Address
	Registry       *asset.Registry
	Operator       common.Address

	Events  events.Sink
	Metrics *metrics.Metrics
	Now     func() time.Time
	Log     *zap.Logger
}

// Engine is the claim settlement engine. One claim runs at a time.
type Engine struct {
	mu sync.Mutex

	domain    voucher.Domain
	separator [32]byte
	issuer    common.Address
	scope     ScopePolicy

	ledger        ledger.Ledger
	ledgerBackend string

	custody        asset.Custodian
	custodyAccount common.Address
	registry       *asset.Registry
	operator       common.Address

	events  events.Sink
	metrics *metrics.Metrics
	now     func() time.Time
	log     *zap.Logger
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("claim engine: ledger is required")
	}
	if cfg.Domain.ChainID == nil {
		return nil, errors.New("claim engine: domain chain id is required")
	}
	if cfg.Issuer == (common.Address{}) {
		return nil, errors.New("claim engine: issuer address is required")
	}
	e := &Engine{
		domain:         cfg.Domain,
		separator:      cfg.Domain.Separator(),
		issuer:         cfg.Issuer,
		scope:          cfg.Scope,
		ledger:         cfg.Ledger,
		ledgerBackend:  cfg.LedgerBackend,
		custody:        cfg.Custody,
		custodyAccount: cfg.CustodyAccount,
		registry:       cfg.Registry,
		operator:       cfg.Operator,
		events:         cfg.Events,
		metrics:        cfg.Metrics,
		now:            cfg.Now,
		log:            cfg.Log,
	}
	if e.ledgerBackend == "" {
		e.ledgerBackend = "unknown"
	}
	if e.registry == nil {
		e.registry = asset.NewRegistry()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	return e, nil
}

func (e *Engine) Domain() voucher.Domain         { return e.domain }
func (e *Engine) DomainSeparator() [32]byte      { return e.separator }
func (e *Engine) Issuer() common.Address         { return e.issuer }
func (e *Engine) Operator() common.Address       { return e.operator }
func (e *Engine) ScopePolicy() ScopePolicy       { return e.scope }
func (e *Engine) Registry() *asset.Registry      { return e.registry }
func (e *Engine) Custody() asset.Custodian       { return e.custody }
func (e *Engine) CustodyAccount() common.Address { return e.custodyAccount }

// ScopeFor returns the nonce scope a voucher recovered to signer is spent in.
func (e *Engine) ScopeFor(signer common.Address) common.Address {
	if e.scope == ScopeSigner {
		return signer
	}
	return e.domain.VerifyingContract
}

// IsNonceConsumed reports whether nonce has been committed in scope.
// A nonce whose claim is still settling is not consumed yet.
func (e *Engine) IsNonceConsumed(ctx context.Context, scope common.Address, nonce *big.Int) (bool, error) {
	if nonce == nil || nonce.Sign() < 0 {
		return false, fmt.Errorf("%w: bad nonce", ErrInvalidVoucher)
	}
	return ledger.IsConsumed(ctx, e.ledger, scope, nonce)
}

// Claim redeems a voucher signed by the issuer out of the engine's custody.
func (e *Engine) Claim(ctx context.Context, destination common.Address, v *voucher.Voucher) (*Receipt, error) {
	if e.custody == nil {
		return nil, errors.New("claim engine: no custody contract configured")
	}
	return e.run(ctx, ModeSelf, destination, e.custody, v)
}

// ExternalClaim redeems a voucher signed by a holder of assets in contract.
// The engine's operator must have been approved by that holder.
func (e *Engine) ExternalClaim(ctx context.Context, destination, contract common.Address, v *voucher.Voucher) (*Receipt, error) {
	std, err := e.registry.Lookup(contract)
	if err != nil {
		e.metrics.IncrementRequest(string(ModeExternal), Reason(err))
		return nil, err
	}
	return e.run(ctx, ModeExternal, destination, std, v)
}

func (e *Engine) run(ctx context.Context, mode Mode, destination common.Address, std asset.Standard, v *voucher.Voucher) (*Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	rec, err := e.settle(ctx, mode, destination, std, v)
	e.metrics.ObserveSettle(string(mode), time.Since(start))
	e.metrics.IncrementRequest(string(mode), Reason(err))

	if err != nil {
		fields := []zap.Field{
			zap.String("mode", string(mode)),
			zap.String("contract", std.Address().Hex()),
			zap.String("to", destination.Hex()),
			zap.String("reason", Reason(err)),
			zap.Error(err),
		}
		if v != nil && v.Nonce != nil {
			fields = append(fields, zap.String("nonce", v.Nonce.String()))
		}
		e.log.Warn("claim rejected", fields...)
		return nil, err
	}
	e.log.Info("claim settled",
		zap.String("mode", string(mode)),
		zap.String("contract", rec.Contract.Hex()),
		zap.String("signer", rec.Signer.Hex()),
		zap.String("to", rec.Destination.Hex()),
		zap.String("asset_id", rec.AssetID.String()),
		zap.String("amount", rec.Amount.String()),
		zap.String("nonce", rec.Nonce.String()),
	)
	return rec, nil
}

// settle runs the pipeline: digest, signer, expiry, nonce, transfer, commit.
// Callers hold e.mu.
func (e *Engine) settle(ctx context.Context, mode Mode, destination common.Address, std asset.Standard, v *voucher.Voucher) (*Receipt, error) {
	kind := std.Kind()

	// 1. digest from the presented fields
	digest, err := e.digest(v)
	if err != nil {
		return nil, err
	}
	id := kind.AssetID(v.TokenID)
	amount := kind.Quantity(v.Balance)

	// 2. signer
	signer, err := voucher.RecoverSigner(digest, v.Signature)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, mode, std, signer, id, amount); err != nil {
		return nil, err
	}

	// 3. expiry
	if err := CheckNotExpired(v.Expiry, e.now()); err != nil {
		return nil, err
	}

	// 4. nonce
	scope := e.ScopeFor(signer)
	if err := e.ledger.Reserve(ctx, scope, v.Nonce); err != nil {
		if errors.Is(err, ledger.ErrNonceAlreadyUsed) {
			e.metrics.IncrementReservation(e.ledgerBackend, "nonce_used")
			return nil, fmt.Errorf("%w: nonce %s in scope %s", ErrNonceAlreadyUsed, v.Nonce, scope.Hex())
		}
		e.metrics.IncrementReservation(e.ledgerBackend, "error")
		return nil, fmt.Errorf("reserve nonce: %w", err)
	}
	e.metrics.IncrementReservation(e.ledgerBackend, "reserved")

	// 5. transfer
	var tr *asset.Transfer
	switch mode {
	case ModeSelf:
		c, ok := std.(asset.Custodian)
		if !ok {
			err = fmt.Errorf("%w: %s has no custody", asset.ErrUnsupported, std.Address().Hex())
			break
		}
		tr, err = c.Move(ctx, e.custodyAccount, destination, id, amount)
	default:
		tr, err = std.TransferFrom(ctx, e.operator, signer, destination, id, amount)
	}
	// Ledger writes past this point must land even if the caller went away.
	lctx := context.WithoutCancel(ctx)
	if err != nil {
		if errors.Is(err, asset.ErrTransferPending) {
			// The transfer may still execute. Keep the reservation Settling
			// so the voucher cannot be paid out a second time.
			e.log.Error("transfer outcome unknown, nonce left settling",
				zap.String("scope", scope.Hex()),
				zap.String("nonce", v.Nonce.String()),
				zap.Error(err),
			)
			return nil, fmt.Errorf("transfer: %w", err)
		}
		if rerr := e.ledger.Release(lctx, scope, v.Nonce); rerr != nil {
			e.log.Error("release nonce after failed transfer",
				zap.String("scope", scope.Hex()),
				zap.String("nonce", v.Nonce.String()),
				zap.Error(rerr),
			)
		}
		return nil, fmt.Errorf("transfer: %w", err)
	}

	// 6. commit and emit
	if err := e.ledger.Commit(lctx, scope, v.Nonce); err != nil {
		// The asset has moved. The reservation stays Settling, which still
		// rejects every replay of this nonce.
		e.log.Error("commit nonce after transfer",
			zap.String("scope", scope.Hex()),
			zap.String("nonce", v.Nonce.String()),
			zap.Error(err),
		)
	}

	rec := &Receipt{
		Mode:        mode,
		Contract:    tr.Contract,
		Kind:        kind.String(),
		Operator:    tr.Operator,
		Source:      tr.Source,
		Destination: tr.Destination,
		AssetID:     tr.AssetID,
		Amount:      tr.Amount,
		Signer:      signer,
		Scope:       scope,
		Nonce:       new(big.Int).Set(v.Nonce),
		TxHash:      tr.TxHash,
	}
	if mode == ModeSelf && kind == asset.KindMulti {
		rec.Operator = destination
	}
	e.emit(lctx, rec)
	return rec, nil
}

func (e *Engine) digest(v *voucher.Voucher) ([32]byte, error) {
	if err := v.Validate(); err != nil {
		return [32]byte{}, err
	}
	return voucher.SigningHash(e.separator, voucher.StructHash(v)), nil
}

// authorize checks the recovered signer against the identity the mode expects.
func (e *Engine) authorize(ctx context.Context, mode Mode, std asset.Standard, signer common.Address, id, amount *big.Int) error {
	if mode == ModeSelf {
		if !voucher.Verify(signer, e.issuer) {
			return fmt.Errorf("%w: signer %s is not the issuer", ErrAuthorizationFailed, signer.Hex())
		}
		return nil
	}
	held, err := std.Holds(ctx, signer, id, amount)
	if err != nil {
		return fmt.Errorf("check holder: %w", err)
	}
	if !held {
		return fmt.Errorf("%w: signer %s does not hold the asset", ErrAuthorizationFailed, signer.Hex())
	}
	return nil
}

func (e *Engine) emit(ctx context.Context, rec *Receipt) {
	if e.events == nil {
		return
	}
	ev := events.TransferObserved{
		Contract:    rec.Contract,
		Kind:        rec.Kind,
		Mode:        string(rec.Mode),
		Operator:    rec.Operator,
		Source:      rec.Source,
		Destination: rec.Destination,
		AssetID:     rec.AssetID,
		Amount:      rec.Amount,
		Nonce:       rec.Nonce,
		TxHash:      rec.TxHash,
		SettledAt:   e.now().Unix(),
	}
	if err := e.events.Emit(ctx, ev); err != nil {
		e.log.Warn("emit transfer event", zap.String("nonce", rec.Nonce.String()), zap.Error(err))
	}
}
