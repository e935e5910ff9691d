package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/0gfoundation/claimvoucher/internal/keys"
	"github.com/0gfoundation/claimvoucher/internal/voucher"
)

// domainFlags are shared by every subcommand.
type domainFlags struct {
	name     string
	version  string
	chainID  int64
	contract string
}

func (f *domainFlags) domain() (voucher.Domain, error) {
	if f.chainID <= 0 {
		return voucher.Domain{}, errors.New("--chain-id is required")
	}
	if !common.IsHexAddress(f.contract) {
		return voucher.Domain{}, fmt.Errorf("invalid --contract %q", f.contract)
	}
	return voucher.Domain{
		Name:              f.name,
		Version:           f.version,
		ChainID:           big.NewInt(f.chainID),
		VerifyingContract: common.HexToAddress(f.contract),
	}, nil
}

func newRootCmd() *cobra.Command {
	df := &domainFlags{}
	root := &cobra.Command{
		Use:          "voucher",
		Short:        "Issue and inspect signed claim vouchers",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&df.name, "domain-name", voucher.DefaultDomainName, "EIP-712 domain name")
	root.PersistentFlags().StringVar(&df.version, "domain-version", voucher.DefaultDomainVersion, "EIP-712 domain version")
	root.PersistentFlags().Int64Var(&df.chainID, "chain-id", 0, "chain id of the settling contract")
	root.PersistentFlags().StringVar(&df.contract, "contract", "", "settling contract address")

	root.AddCommand(newIssueCmd(df), newRecoverCmd(df), newDomainCmd(df))
	return root
}

// ── issue ─────────────────────────────────────────────────────────────────────

func newIssueCmd(df *domainFlags) *cobra.Command {
	var (
		keyRef    string
		tokenID   string
		balance   string
		nonce     string
		redisAddr string
		ttl       time.Duration
		expiry    int64
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign a voucher and print it as JSON",
		Long: `Sign a voucher with the issuer key and print it as JSON.

The key is a hex private key, env:NAME or file:/path. Without --nonce a
random nonce is drawn, or the next per-issuer counter value when
--redis-addr is set.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := df.domain()
			if err != nil {
				return err
			}
			key, err := keys.Load(keyRef)
			if err != nil {
				return err
			}
			id, err := parseUint(tokenID, "--token-id")
			if err != nil {
				return err
			}
			bal, err := parseUint(balance, "--balance")
			if err != nil {
				return err
			}

			var n *big.Int
			switch {
			case nonce != "":
				n, err = parseUint(nonce, "--nonce")
			case redisAddr != "":
				rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
				defer rdb.Close()
				n, err = voucher.NewCounterNonces(rdb).Next(cmd.Context(), key.Address)
			default:
				n, err = voucher.RandomNonce()
			}
			if err != nil {
				return err
			}

			exp := expiry
			if exp == 0 {
				exp = time.Now().Add(ttl).Unix()
			}

			v, err := voucher.NewIssuer(key.Private, d).CreateVoucher(id, bal, n, big.NewInt(exp))
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), v)
		},
	}
	cmd.Flags().StringVar(&keyRef, "key", "env:ISSUER_SIGNING_KEY", "issuer signing key reference")
	cmd.Flags().StringVar(&tokenID, "token-id", "0", "asset id (ignored for fungible assets)")
	cmd.Flags().StringVar(&balance, "balance", "0", "amount to claim (ignored for unique tokens)")
	cmd.Flags().StringVar(&nonce, "nonce", "", "explicit nonce")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "", "draw the nonce from the issuer counter in this Redis")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "validity window when --expiry is not set")
	cmd.Flags().Int64Var(&expiry, "expiry", 0, "absolute expiry as unix seconds")
	return cmd
}

// ── recover ───────────────────────────────────────────────────────────────────

func newRecoverCmd(df *domainFlags) *cobra.Command {
	var expect string
	cmd := &cobra.Command{
		Use:   "recover [voucher.json]",
		Short: "Print the address that signed a voucher",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := df.domain()
			if err != nil {
				return err
			}
			r := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			var v voucher.Voucher
			if err := json.NewDecoder(r).Decode(&v); err != nil {
				return fmt.Errorf("decode voucher: %w", err)
			}
			signer, err := voucher.Recover(&v, d)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signer.Hex())
			if expect != "" && !voucher.Verify(signer, common.HexToAddress(expect)) {
				return fmt.Errorf("signer %s is not %s", signer.Hex(), expect)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&expect, "expect", "", "fail unless the signer is this address")
	return cmd
}

// ── domain ────────────────────────────────────────────────────────────────────

func newDomainCmd(df *domainFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "domain",
		Short: "Print the EIP-712 domain separator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := df.domain()
			if err != nil {
				return err
			}
			sep := d.Separator()
			fmt.Fprintln(cmd.OutOrStdout(), hexutil.Encode(sep[:]))
			return nil
		},
	}
}

func parseUint(s, flag string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 0)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid %s %q", flag, s)
	}
	return n, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
