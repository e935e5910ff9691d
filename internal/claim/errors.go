package claim

import (
	"errors"

	"github.com/0gfoundation/claimvoucher/internal/asset"
	"github.com/0gfoundation/claimvoucher/internal/ledger"
	"github.com/0gfoundation/claimvoucher/internal/voucher"
)

// Claim failures. Every error returned by the engine wraps exactly one of these.
var (
	ErrAuthorizationFailed = errors.New("authorization failed: invalid signature")
	ErrVoucherExpired      = errors.New("voucher has already expired")

	ErrNonceAlreadyUsed       = ledger.ErrNonceAlreadyUsed
	ErrInvalidSignatureFormat = voucher.ErrInvalidSignatureFormat
	ErrInvalidVoucher         = voucher.ErrInvalidVoucher
	ErrTokenNotHeld           = asset.ErrTokenNotHeld
	ErrInsufficientApproval   = asset.ErrInsufficientApproval
	ErrInsufficientBalance    = asset.ErrInsufficientBalance
	ErrUnknownContract        = asset.ErrUnknownContract
	ErrTransferPending        = asset.ErrTransferPending
)

// Reason maps an engine error to a short label used in logs, metrics and
// API responses.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAuthorizationFailed):
		return "authorization_failed"
	case errors.Is(err, ErrInvalidSignatureFormat):
		return "invalid_signature_format"
	case errors.Is(err, ErrInvalidVoucher):
		return "invalid_voucher"
	case errors.Is(err, ErrVoucherExpired):
		return "voucher_expired"
	case errors.Is(err, ErrNonceAlreadyUsed):
		return "nonce_already_used"
	case errors.Is(err, ErrTokenNotHeld):
		return "token_not_held"
	case errors.Is(err, ErrInsufficientApproval):
		return "insufficient_approval"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrUnknownContract):
		return "unknown_contract"
	case errors.Is(err, ErrTransferPending):
		return "transfer_pending"
	default:
		return "internal"
	}
}
