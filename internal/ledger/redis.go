package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var redisOpDurationMs = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "claim_ledger_redis_op_duration_ms",
	Help:    "Latency of Redis nonce ledger operations in milliseconds",
	Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25},
}, []string{"op"})

// NonceKeyFmt is the Redis key of one ledger entry.
// %s = namespace (settling contract), %s = scope:nonce
const NonceKeyFmt = "claim:nonce:%s:%s"

// Values stored under NonceKeyFmt.
const (
	SettlingValue = "settling"
	ConsumedValue = "consumed"
)

// Only a Settling entry may be promoted or dropped; a Consumed entry is final.
var (
	commitScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("SET", KEYS[1], ARGV[2])
  return 1
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("DEL", KEYS[1])
  return 1
end
return 0`)
)

// Redis is a Ledger shared by every engine instance pointed at the same
// Redis. Reserve is a single SETNX, so concurrent reservations of one pair
// from different processes have exactly one winner.
type Redis struct {
	rdb       *redis.Client
	namespace string
}

// NewRedis returns a Redis ledger. namespace separates deployments sharing
// one Redis, typically the settling contract address.
func NewRedis(rdb *redis.Client, namespace string) *Redis {
	return &Redis{rdb: rdb, namespace: namespace}
}

func (r *Redis) key(scope common.Address, nonce *big.Int) string {
	return fmt.Sprintf(NonceKeyFmt, r.namespace, entryKey(scope, nonce))
}

func observe(op string, start time.Time) {
	redisOpDurationMs.WithLabelValues(op).Observe(float64(time.Since(start).Microseconds()) / 1000.0)
}

func (r *Redis) State(ctx context.Context, scope common.Address, nonce *big.Int) (State, error) {
	defer observe("state", time.Now())
	val, err := r.rdb.Get(ctx, r.key(scope, nonce)).Result()
	if errors.Is(err, redis.Nil) {
		return StateUnseen, nil
	}
	if err != nil {
		return StateUnseen, fmt.Errorf("get nonce: %w", err)
	}
	switch val {
	case SettlingValue:
		return StateSettling, nil
	case ConsumedValue:
		return StateConsumed, nil
	default:
		return StateUnseen, fmt.Errorf("unexpected ledger value %q", val)
	}
}

func (r *Redis) Reserve(ctx context.Context, scope common.Address, nonce *big.Int) error {
	defer observe("reserve", time.Now())
	set, err := r.rdb.SetNX(ctx, r.key(scope, nonce), SettlingValue, 0).Result()
	if err != nil {
		return fmt.Errorf("reserve nonce: %w", err)
	}
	if !set {
		return ErrNonceAlreadyUsed
	}
	return nil
}

func (r *Redis) Commit(ctx context.Context, scope common.Address, nonce *big.Int) error {
	defer observe("commit", time.Now())
	n, err := commitScript.Run(ctx, r.rdb, []string{r.key(scope, nonce)}, SettlingValue, ConsumedValue).Int()
	if err != nil {
		return fmt.Errorf("commit nonce: %w", err)
	}
	if n == 0 {
		return ErrNotReserved
	}
	return nil
}

func (r *Redis) Release(ctx context.Context, scope common.Address, nonce *big.Int) error {
	defer observe("release", time.Now())
	n, err := releaseScript.Run(ctx, r.rdb, []string{r.key(scope, nonce)}, SettlingValue).Int()
	if err != nil {
		return fmt.Errorf("release nonce: %w", err)
	}
	if n == 0 {
		return ErrNotReserved
	}
	return nil
}
