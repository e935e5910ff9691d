package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

type Config struct {
	Chain   ChainConfig
	Voucher VoucherConfig
	Asset   AssetConfig
	Ledger  LedgerConfig
	Events  EventsConfig
	Redis   RedisConfig
	Server  ServerConfig
}

type ChainConfig struct {
	RPCURL          string `mapstructure:"rpc_url"`
	ContractAddress string `mapstructure:"contract_address"`
	OperatorKey     string `mapstructure:"operator_key"`
	OperatorAddress string `mapstructure:"operator_address"`
	ChainID         int64  `mapstructure:"chain_id"`
}

type VoucherConfig struct {
	DomainName    string `mapstructure:"domain_name"`
	DomainVersion string `mapstructure:"domain_version"`
	IssuerAddress string `mapstructure:"issuer_address"`
	SignerKey     string `mapstructure:"signer_key"`
	NonceScope    string `mapstructure:"nonce_scope"`
}

type AssetConfig struct {
	Standard       string             `mapstructure:"standard"`
	CustodyAddress string             `mapstructure:"custody_address"`
	External       []ExternalContract `mapstructure:"external"`
}

// ExternalContract is an asset contract accepted by external claims.
// Source "memory" keeps its ledger in process, "chain" talks to RPCURL.
type ExternalContract struct {
	Address  string `mapstructure:"address"`
	Standard string `mapstructure:"standard"`
	Source   string `mapstructure:"source"`
}

type LedgerConfig struct {
	Backend    string `mapstructure:"backend"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

type EventsConfig struct {
	Backend string `mapstructure:"backend"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type ServerConfig struct {
	Port          int   `mapstructure:"port"`
	AuthWindowSec int64 `mapstructure:"auth_window_sec"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.auth_window_sec", 300)
	v.SetDefault("voucher.domain_name", "Webaverse-voucher")
	v.SetDefault("voucher.domain_version", "1")
	v.SetDefault("voucher.nonce_scope", "global")
	v.SetDefault("asset.standard", "fungible")
	v.SetDefault("ledger.backend", "redis")
	v.SetDefault("ledger.sqlite_path", "claims.db")
	v.SetDefault("events.backend", "log")
	v.SetDefault("redis.addr", "redis:6379")

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"chain.rpc_url":          "RPC_URL",
		"chain.contract_address": "CLAIM_CONTRACT",
		"chain.operator_key":     "OPERATOR_KEY",
		"chain.operator_address": "OPERATOR_ADDRESS",
		"chain.chain_id":         "CHAIN_ID",
		"voucher.domain_name":    "VOUCHER_DOMAIN_NAME",
		"voucher.domain_version": "VOUCHER_DOMAIN_VERSION",
		"voucher.issuer_address": "ISSUER_ADDRESS",
		"voucher.signer_key":     "ISSUER_SIGNING_KEY",
		"voucher.nonce_scope":    "NONCE_SCOPE",
		"asset.standard":         "ASSET_STANDARD",
		"asset.custody_address":  "CUSTODY_ADDRESS",
		"ledger.backend":         "LEDGER_BACKEND",
		"ledger.sqlite_path":     "LEDGER_SQLITE_PATH",
		"events.backend":         "EVENTS_BACKEND",
		"redis.addr":             "REDIS_ADDR",
		"redis.password":         "REDIS_PASSWORD",
		"server.port":            "PORT",
		"server.auth_window_sec": "AUTH_WINDOW_SEC",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("required config missing: CHAIN_ID")
	}
	if c.Chain.ContractAddress == "" {
		return fmt.Errorf("required config missing: CLAIM_CONTRACT")
	}
	if c.Voucher.IssuerAddress == "" && c.Voucher.SignerKey == "" {
		return fmt.Errorf("required config missing: ISSUER_ADDRESS or ISSUER_SIGNING_KEY")
	}

	for _, a := range []struct {
		val  string
		name string
	}{
		{c.Chain.ContractAddress, "CLAIM_CONTRACT"},
		{c.Chain.OperatorAddress, "OPERATOR_ADDRESS"},
		{c.Voucher.IssuerAddress, "ISSUER_ADDRESS"},
		{c.Asset.CustodyAddress, "CUSTODY_ADDRESS"},
	} {
		if a.val != "" && !common.IsHexAddress(a.val) {
			return fmt.Errorf("invalid address in %s: %q", a.name, a.val)
		}
	}

	if err := oneOf("NONCE_SCOPE", c.Voucher.NonceScope, "global", "signer"); err != nil {
		return err
	}
	if err := oneOf("ASSET_STANDARD", c.Asset.Standard, standards...); err != nil {
		return err
	}
	if err := oneOf("LEDGER_BACKEND", c.Ledger.Backend, "memory", "redis", "sqlite"); err != nil {
		return err
	}
	if c.Ledger.Backend == "sqlite" && c.Ledger.SQLitePath == "" {
		return fmt.Errorf("required config missing: LEDGER_SQLITE_PATH")
	}
	if err := oneOf("EVENTS_BACKEND", c.Events.Backend, "log", "redis"); err != nil {
		return err
	}

	for i, ext := range c.Asset.External {
		name := fmt.Sprintf("asset.external[%d]", i)
		if !common.IsHexAddress(ext.Address) {
			return fmt.Errorf("invalid address in %s: %q", name, ext.Address)
		}
		if err := oneOf(name+".standard", ext.Standard, standards...); err != nil {
			return err
		}
		if err := oneOf(name+".source", ext.Source, "memory", "chain"); err != nil {
			return err
		}
		if ext.Source == "chain" && (c.Chain.RPCURL == "" || c.Chain.OperatorKey == "") {
			return fmt.Errorf("%s: chain contracts need RPC_URL and OPERATOR_KEY", name)
		}
	}
	return nil
}

var standards = []string{"fungible", "unique", "multi", "erc20", "erc721", "erc1155"}

func oneOf(name, val string, allowed ...string) error {
	v := strings.ToLower(strings.TrimSpace(val))
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("invalid %s %q: want one of %s", name, val, strings.Join(allowed, ", "))
}
