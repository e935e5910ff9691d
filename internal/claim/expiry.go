package claim

import (
	"fmt"
	"math/big"
	"time"
)

// CheckNotExpired fails with ErrVoucherExpired when now is past expiry.
// A voucher is still valid during the second equal to its expiry.
func CheckNotExpired(expiry *big.Int, now time.Time) error {
	if expiry == nil {
		return fmt.Errorf("%w: missing expiry", ErrInvalidVoucher)
	}
	if big.NewInt(now.Unix()).Cmp(expiry) > 0 {
		return fmt.Errorf("%w: expiry %s, now %d", ErrVoucherExpired, expiry, now.Unix())
	}
	return nil
}
