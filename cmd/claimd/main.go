package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/claimvoucher/internal/api"
	"github.com/0gfoundation/claimvoucher/internal/asset"
	"github.com/0gfoundation/claimvoucher/internal/auth"
	"github.com/0gfoundation/claimvoucher/internal/chain"
	"github.com/0gfoundation/claimvoucher/internal/claim"
	"github.com/0gfoundation/claimvoucher/internal/config"
	"github.com/0gfoundation/claimvoucher/internal/events"
	"github.com/0gfoundation/claimvoucher/internal/keys"
	"github.com/0gfoundation/claimvoucher/internal/ledger"
	"github.com/0gfoundation/claimvoucher/internal/metrics"
	"github.com/0gfoundation/claimvoucher/internal/voucher"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	contract := common.HexToAddress(cfg.Chain.ContractAddress)

	// ── Nonce ledger ──────────────────────────────────────────────────────────
	led, closeLedger, err := openLedger(cfg, rdb)
	if err != nil {
		log.Fatal("ledger init failed", zap.Error(err))
	}
	defer closeLedger()
	if cfg.Ledger.Backend == "redis" {
		go reportSettling(ctx, rdb, contract, log)
	}

	// ── Issuer identity ───────────────────────────────────────────────────────
	issuer, err := issuerAddress(cfg)
	if err != nil {
		log.Fatal("issuer init failed", zap.Error(err))
	}

	// ── Chain client (only when a chain-backed contract is configured) ────────
	var onchain *chain.Client
	if needsChain(cfg) {
		onchain, err = chain.NewClient(cfg)
		if err != nil {
			log.Fatal("chain client init failed", zap.Error(err))
		}
		defer onchain.Close()
	}

	// ── Asset contracts ───────────────────────────────────────────────────────
	kind, err := asset.ParseKind(cfg.Asset.Standard)
	if err != nil {
		log.Fatal("invalid ASSET_STANDARD", zap.Error(err))
	}
	custody := asset.New(kind, contract)
	registry, err := buildRegistry(cfg, onchain)
	if err != nil {
		log.Fatal("asset registry init failed", zap.Error(err))
	}

	// ── Events ────────────────────────────────────────────────────────────────
	sink, reader := buildEvents(cfg, rdb, contract, log)

	// ── Engine ────────────────────────────────────────────────────────────────
	scope, err := claim.ParseScopePolicy(cfg.Voucher.NonceScope)
	if err != nil {
		log.Fatal("invalid NONCE_SCOPE", zap.Error(err))
	}
	engine, err := claim.NewEngine(claim.Config{
		Domain: voucher.Domain{
			Name:              cfg.Voucher.DomainName,
			Version:           cfg.Voucher.DomainVersion,
			ChainID:           big.NewInt(cfg.Chain.ChainID),
			VerifyingContract: contract,
		},
		Issuer:         issuer,
		Scope:          scope,
		Ledger:         led,
		LedgerBackend:  cfg.Ledger.Backend,
		Custody:        custody,
		CustodyAccount: custodyAccount(cfg, contract),
		Registry:       registry,
		Operator:       operatorAddress(cfg, onchain, contract),
		Events:         sink,
		Metrics:        metrics.New(prometheus.DefaultRegisterer),
		Log:            log,
	})
	if err != nil {
		log.Fatal("claim engine init failed", zap.Error(err))
	}
	log.Info("claim engine ready",
		zap.String("contract", contract.Hex()),
		zap.String("issuer", issuer.Hex()),
		zap.String("standard", kind.String()),
		zap.String("nonce_scope", scope.String()),
		zap.String("ledger", cfg.Ledger.Backend),
	)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	verifier := auth.NewVerifier(rdb, time.Duration(cfg.Server.AuthWindowSec)*time.Second, log)
	api.NewHandler(engine, verifier, reader, log).Register(r.Group("/api"))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

func openLedger(cfg *config.Config, rdb *redis.Client) (ledger.Ledger, func(), error) {
	switch strings.ToLower(cfg.Ledger.Backend) {
	case "memory":
		return ledger.NewMemory(), func() {}, nil
	case "sqlite":
		db, err := ledger.NewSQLite(cfg.Ledger.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return db, func() { _ = db.Close() }, nil
	case "redis":
		ns := strings.ToLower(common.HexToAddress(cfg.Chain.ContractAddress).Hex())
		return ledger.NewRedis(rdb, ns), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
	}
}

// issuerAddress prefers the configured address; a signing key alone also
// identifies the issuer.
func issuerAddress(cfg *config.Config) (common.Address, error) {
	if cfg.Voucher.IssuerAddress != "" {
		return common.HexToAddress(cfg.Voucher.IssuerAddress), nil
	}
	k, err := keys.Load(cfg.Voucher.SignerKey)
	if err != nil {
		return common.Address{}, fmt.Errorf("issuer signing key: %w", err)
	}
	return k.Address, nil
}

func custodyAccount(cfg *config.Config, contract common.Address) common.Address {
	if cfg.Asset.CustodyAddress != "" {
		return common.HexToAddress(cfg.Asset.CustodyAddress)
	}
	return contract
}

// operatorAddress is the account external transfers are sent by. Without an
// explicit setting the settling contract itself is the operator.
func operatorAddress(cfg *config.Config, onchain *chain.Client, contract common.Address) common.Address {
	switch {
	case cfg.Chain.OperatorAddress != "":
		return common.HexToAddress(cfg.Chain.OperatorAddress)
	case onchain != nil:
		return onchain.Operator()
	default:
		return contract
	}
}

func needsChain(cfg *config.Config) bool {
	for _, ext := range cfg.Asset.External {
		if strings.EqualFold(ext.Source, "chain") {
			return true
		}
	}
	return false
}

// buildRegistry binds every external contract. Chain contracts go through
// onchain, which must be set when any are configured.
func buildRegistry(cfg *config.Config, onchain *chain.Client) (*asset.Registry, error) {
	reg := asset.NewRegistry()
	for _, ext := range cfg.Asset.External {
		kind, err := asset.ParseKind(ext.Standard)
		if err != nil {
			return nil, err
		}
		addr := common.HexToAddress(ext.Address)
		if !strings.EqualFold(ext.Source, "chain") {
			reg.Register(asset.New(kind, addr))
			continue
		}
		if onchain == nil {
			return nil, fmt.Errorf("external contract %s needs a chain client", addr.Hex())
		}
		tok, err := onchain.Bind(kind, addr)
		if err != nil {
			return nil, fmt.Errorf("bind %s: %w", addr.Hex(), err)
		}
		reg.Register(tok)
	}
	return reg, nil
}

// buildEvents always logs transfers. The redis backend also keeps them in a
// list, which backs GET /api/events.
func buildEvents(cfg *config.Config, rdb *redis.Client, contract common.Address, log *zap.Logger) (events.Sink, api.EventReader) {
	logSink := events.NewLogSink(log)
	if strings.EqualFold(cfg.Events.Backend, "redis") {
		rs := events.NewRedisSink(rdb, contract)
		return events.Fanout{logSink, rs}, rs
	}
	return logSink, nil
}

// reportSettling scans the ledger on startup for reservations a previous
// process left Settling. Those nonces stay blocked until an operator checks
// whether the transfer landed.
func reportSettling(ctx context.Context, rdb *redis.Client, contract common.Address, log *zap.Logger) int {
	pattern := fmt.Sprintf(ledger.NonceKeyFmt, strings.ToLower(contract.Hex()), "*")
	found := 0
	var cursor uint64
	for {
		batch, next, err := rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			log.Error("reportSettling: scan", zap.Error(err))
			return found
		}
		for _, key := range batch {
			val, err := rdb.Get(ctx, key).Result()
			if err != nil || val != ledger.SettlingValue {
				continue
			}
			found++
			log.Warn("nonce left settling by a previous run", zap.String("key", key))
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return found
}
