package ledger

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var (
	scopeA = common.HexToAddress("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	scopeB = common.HexToAddress("0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB")
)

// backends returns one fresh instance of every Ledger implementation.
func backends(t *testing.T) map[string]Ledger {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	sq, err := NewSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })

	return map[string]Ledger{
		"memory": NewMemory(),
		"redis":  NewRedis(rdb, "0xcontract"),
		"sqlite": sq,
	}
}

func TestLedger_Lifecycle(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			n := big.NewInt(42)

			st, err := l.State(ctx, scopeA, n)
			require.NoError(t, err)
			require.Equal(t, StateUnseen, st)

			require.NoError(t, l.Reserve(ctx, scopeA, n))
			st, err = l.State(ctx, scopeA, n)
			require.NoError(t, err)
			require.Equal(t, StateSettling, st)

			consumed, err := IsConsumed(ctx, l, scopeA, n)
			require.NoError(t, err)
			require.False(t, consumed, "settling is not consumed")

			require.NoError(t, l.Commit(ctx, scopeA, n))
			consumed, err = IsConsumed(ctx, l, scopeA, n)
			require.NoError(t, err)
			require.True(t, consumed)
		})
	}
}

func TestLedger_ReserveTwice(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			n := big.NewInt(7)

			require.NoError(t, l.Reserve(ctx, scopeA, n))
			require.ErrorIs(t, l.Reserve(ctx, scopeA, n), ErrNonceAlreadyUsed, "settling pair")

			require.NoError(t, l.Commit(ctx, scopeA, n))
			require.ErrorIs(t, l.Reserve(ctx, scopeA, n), ErrNonceAlreadyUsed, "consumed pair")
		})
	}
}

func TestLedger_ReleaseReturnsToUnseen(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			n := big.NewInt(9)

			require.NoError(t, l.Reserve(ctx, scopeA, n))
			require.NoError(t, l.Release(ctx, scopeA, n))

			st, err := l.State(ctx, scopeA, n)
			require.NoError(t, err)
			require.Equal(t, StateUnseen, st)

			// A released nonce may be reserved again.
			require.NoError(t, l.Reserve(ctx, scopeA, n))
		})
	}
}

func TestLedger_ConsumedIsFinal(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			n := big.NewInt(11)

			require.NoError(t, l.Reserve(ctx, scopeA, n))
			require.NoError(t, l.Commit(ctx, scopeA, n))

			require.ErrorIs(t, l.Release(ctx, scopeA, n), ErrNotReserved)
			require.ErrorIs(t, l.Commit(ctx, scopeA, n), ErrNotReserved)

			consumed, err := IsConsumed(ctx, l, scopeA, n)
			require.NoError(t, err)
			require.True(t, consumed)
		})
	}
}

func TestLedger_CommitWithoutReserve(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, l.Commit(context.Background(), scopeA, big.NewInt(1)), ErrNotReserved)
			require.ErrorIs(t, l.Release(context.Background(), scopeA, big.NewInt(1)), ErrNotReserved)
		})
	}
}

func TestLedger_ScopesAreIndependent(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			n := big.NewInt(5)

			require.NoError(t, l.Reserve(ctx, scopeA, n))
			require.NoError(t, l.Reserve(ctx, scopeB, n))
			require.NoError(t, l.Reserve(ctx, scopeA, big.NewInt(6)))
		})
	}
}

// TestLedger_ConcurrentReserve fires many reservations of one pair at once;
// exactly one must win and the rest must see ErrNonceAlreadyUsed.
func TestLedger_ConcurrentReserve(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			n := big.NewInt(1234)

			var wins, dups atomic.Int32
			var g errgroup.Group
			for i := 0; i < 16; i++ {
				g.Go(func() error {
					err := l.Reserve(ctx, scopeA, n)
					switch {
					case err == nil:
						wins.Add(1)
					case errors.Is(err, ErrNonceAlreadyUsed):
						dups.Add(1)
					default:
						return err
					}
					return nil
				})
			}
			require.NoError(t, g.Wait())
			require.Equal(t, int32(1), wins.Load())
			require.Equal(t, int32(15), dups.Load())
		})
	}
}

func TestRedis_KeyLayout(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewRedis(rdb, "0xcontract")
	ctx := context.Background()

	require.NoError(t, l.Reserve(ctx, scopeA, big.NewInt(3)))
	require.NoError(t, l.Commit(ctx, scopeA, big.NewInt(3)))

	val, err := mr.Get("claim:nonce:0xcontract:0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa:3")
	require.NoError(t, err)
	require.Equal(t, "consumed", val)

	// No TTL: consumption is permanent.
	require.Zero(t, mr.TTL("claim:nonce:0xcontract:0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa:3"))
}

func TestState_String(t *testing.T) {
	require.Equal(t, "UNSEEN", StateUnseen.String())
	require.Equal(t, "SETTLING", StateSettling.String())
	require.Equal(t, "CONSUMED", StateConsumed.String())
	require.Equal(t, "UNKNOWN", State(9).String())
}
