// Package events publishes TransferObserved records for settled claims.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StreamKeyFmt is the Redis list holding observed transfers, keyed by the
// lowercase settling contract address.
const StreamKeyFmt = "claim:events:%s"

// DefaultRetention caps each event list. Older entries are trimmed on write.
const DefaultRetention = 5000

// TransferObserved is emitted once per settled claim, after the nonce commits.
type TransferObserved struct {
	Contract    common.Address `json:"contract"`
	Kind        string         `json:"kind"`
	Mode        string         `json:"mode"`
	Operator    common.Address `json:"operator"`
	Source      common.Address `json:"source"`
	Destination common.Address `json:"destination"`
	AssetID     *big.Int       `json:"asset_id"`
	Amount      *big.Int       `json:"amount"`
	Nonce       *big.Int       `json:"nonce"`
	TxHash      common.Hash    `json:"tx_hash"`
	SettledAt   int64          `json:"settled_at"`
}

// Sink receives observed transfers. Emit must not block on slow consumers.
type Sink interface {
	Emit(ctx context.Context, ev TransferObserved) error
}

// ── zap ──────────────────────────────────────────────────────────────────────

// LogSink writes each event as a structured log line.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink { return &LogSink{log: log} }

func (s *LogSink) Emit(_ context.Context, ev TransferObserved) error {
	s.log.Info("transfer observed",
		zap.String("contract", ev.Contract.Hex()),
		zap.String("kind", ev.Kind),
		zap.String("mode", ev.Mode),
		zap.String("from", ev.Source.Hex()),
		zap.String("to", ev.Destination.Hex()),
		zap.String("asset_id", ev.AssetID.String()),
		zap.String("amount", ev.Amount.String()),
		zap.String("nonce", ev.Nonce.String()),
	)
	return nil
}

// ── redis ────────────────────────────────────────────────────────────────────

// RedisSink appends events as JSON to a per-contract Redis list holding the
// newest retain entries.
type RedisSink struct {
	rdb    *redis.Client
	key    string
	retain int64
}

func NewRedisSink(rdb *redis.Client, contract common.Address) *RedisSink {
	return &RedisSink{
		rdb:    rdb,
		key:    fmt.Sprintf(StreamKeyFmt, strings.ToLower(contract.Hex())),
		retain: DefaultRetention,
	}
}

func (s *RedisSink) Emit(ctx context.Context, ev TransferObserved) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, s.key, string(raw))
	pipe.LTrim(ctx, s.key, -s.retain, -1)
	_, err = pipe.Exec(ctx)
	return err
}

// Recent returns up to n of the newest events, oldest first.
func (s *RedisSink) Recent(ctx context.Context, n int64) ([]TransferObserved, error) {
	if n <= 0 {
		return nil, nil
	}
	raws, err := s.rdb.LRange(ctx, s.key, -n, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	out := make([]TransferObserved, 0, len(raws))
	for _, raw := range raws {
		var ev TransferObserved
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// ── memory ───────────────────────────────────────────────────────────────────

// Memory keeps every event in process.
type Memory struct {
	mu     sync.Mutex
	events []TransferObserved
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Emit(_ context.Context, ev TransferObserved) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *Memory) Recent(_ context.Context, n int64) ([]TransferObserved, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 {
		return nil, nil
	}
	start := int64(len(m.events)) - n
	if start < 0 {
		start = 0
	}
	return append([]TransferObserved(nil), m.events[start:]...), nil
}

// Events returns a copy of everything emitted so far.
func (m *Memory) Events() []TransferObserved {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TransferObserved(nil), m.events...)
}

// ── fan-out ──────────────────────────────────────────────────────────────────

// Fanout emits to every sink and returns the first error after trying them all.
type Fanout []Sink

func (f Fanout) Emit(ctx context.Context, ev TransferObserved) error {
	var first error
	for _, s := range f {
		if err := s.Emit(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
