// Package utils contains the command line flags and option assembly shared
// by the chainscan subcommands.
package utils

import (
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tos-network/chainscan/config"
	"github.com/tos-network/chainscan/internal/flags"
	"github.com/tos-network/chainscan/internal/jobrun"
	"github.com/tos-network/chainscan/params"
	"github.com/tos-network/chainscan/storage"
)

// These are all the command line flags we support. The flags are defined
// here so their names, environment variables and help texts are the same
// for every subcommand.

var (
	// Chain selection
	NetworkFlag = &cli.StringFlag{
		Name:     "network",
		Usage:    "Network to index (" + strings.Join(params.Names(), ", ") + ")",
		EnvVars:  []string{"NETWORK"},
		Category: flags.ChainCategory,
	}
	ChainsConfigFlag = &cli.StringFlag{
		Name:     "chains-config",
		Usage:    "Path to the chains.yaml deployment file",
		EnvVars:  []string{"CHAINS_CONFIG"},
		Category: flags.ChainCategory,
	}
	TokensDirFlag = &cli.StringFlag{
		Name:     "tokens-dir",
		Usage:    "Directory with per-network token whitelist overrides",
		EnvVars:  []string{"TOKENS_DIR"},
		Category: flags.ChainCategory,
	}

	// RPC gateway
	RPCURLsFlag = &cli.StringSliceFlag{
		Name:     "rpc-urls",
		Usage:    "RPC endpoints, primary first",
		EnvVars:  []string{"RPC_URLS"},
		Category: flags.RPCCategory,
	}
	TierFlag = &cli.StringFlag{
		Name:     "rpc-tier",
		Usage:    `RPC service tier ("free", "premium" or "auto")`,
		Value:    string(params.TierAuto),
		EnvVars:  []string{"RPC_TIER"},
		Category: flags.RPCCategory,
	}
	UseProxyFlag = &cli.BoolFlag{
		Name:     "use-proxy-rpc",
		Usage:    "Route RPC traffic through a local proxy without request spacing",
		EnvVars:  []string{"USE_PROXY_RPC"},
		Category: flags.RPCCategory,
	}
	ProxyURLFlag = &cli.StringFlag{
		Name:     "proxy-rpc-url",
		Usage:    "Local proxy RPC endpoint",
		Value:    "http://localhost:8545",
		EnvVars:  []string{"PROXY_RPC_URL"},
		Category: flags.RPCCategory,
	}
	TimeoutFlag = &cli.IntFlag{
		Name:     "timeout",
		Usage:    "Wall-clock budget of the run in seconds",
		Value:    7200,
		EnvVars:  []string{"TIMEOUT_SECONDS"},
		Category: flags.RPCCategory,
	}

	// Explorer
	ExplorerKeysFlag = &cli.StringSliceFlag{
		Name:     "explorer-keys",
		Usage:    "Explorer API keys, rotated on rate limits",
		EnvVars:  []string{"EXPLORER_API_KEYS"},
		Category: flags.ExplorerCategory,
	}

	// Scanning
	TimeDelayFlag = &cli.IntFlag{
		Name:     "time-delay",
		Usage:    "Scan window start, in hours before now",
		Value:    2,
		EnvVars:  []string{"TIME_DELAY_HOURS"},
		Category: flags.ScanCategory,
	}
	InitSchemaFlag = &cli.BoolFlag{
		Name:     "init-schema",
		Usage:    "Create missing tables and indexes before the run",
		Value:    true,
		EnvVars:  []string{"INIT_SCHEMA"},
		Category: flags.ScanCategory,
	}

	// Fund valuation
	AllFlag = &cli.BoolFlag{
		Name:     "all",
		Usage:    "Re-value every stored address regardless of staleness",
		EnvVars:  []string{"ALL_FLAG"},
		Category: flags.FundCategory,
	}
	HighFundFlag = &cli.BoolFlag{
		Name:     "high-fund",
		Usage:    fmt.Sprintf("Only re-value addresses holding at least %d USD", storage.HighFundFloor),
		EnvVars:  []string{"HIGH_FUND_FLAG"},
		Category: flags.FundCategory,
	}
	RecentContractsFlag = &cli.BoolFlag{
		Name:     "recent-contracts",
		Usage:    "Only process contracts first seen or deployed recently",
		EnvVars:  []string{"RECENT_CONTRACTS"},
		Category: flags.FundCategory,
	}
	RecentDaysFlag = &cli.IntFlag{
		Name:     "recent-days",
		Usage:    "Recency window of --recent-contracts, in days",
		Value:    7,
		EnvVars:  []string{"RECENT_DAYS"},
		Category: flags.FundCategory,
	}
	FundDelayDaysFlag = &cli.IntFlag{
		Name:     "fund-delay-days",
		Usage:    "Staleness threshold of the default fund selection, in days",
		Value:    7,
		EnvVars:  []string{"FUND_UPDATE_DELAY_DAYS"},
		Category: flags.FundCategory,
	}
	FundMaxBatchFlag = &cli.IntFlag{
		Name:     "fund-max-batch",
		Usage:    "Row cap of one fund update run",
		Value:    50000,
		EnvVars:  []string{"FUND_UPDATE_MAX_BATCH"},
		Category: flags.FundCategory,
	}
	PriceIntervalFlag = &cli.IntFlag{
		Name:     "price-interval-days",
		Usage:    "Token price age that triggers a refresh before valuation",
		Value:    7,
		EnvVars:  []string{"PRICE_UPDATE_INTERVAL_DAYS"},
		Category: flags.FundCategory,
	}
	ForcePriceFlag = &cli.BoolFlag{
		Name:     "force-price-update",
		Usage:    "Refresh token prices regardless of their age",
		EnvVars:  []string{"FORCE_PRICE_UPDATE"},
		Category: flags.FundCategory,
	}

	// Read API
	ListenFlag = &cli.StringFlag{
		Name:     "listen",
		Usage:    "Listen address of the read API",
		Value:    ":8080",
		EnvVars:  []string{"API_LISTEN"},
		Category: flags.APICategory,
	}

	// Logging
	VerbosityFlag = &cli.IntFlag{
		Name:     "verbosity",
		Usage:    "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value:    3,
		EnvVars:  []string{"VERBOSITY"},
		Category: flags.LoggingCategory,
	}
)

// JobFlags are the flags every chain-facing subcommand takes.
var JobFlags = []cli.Flag{
	NetworkFlag,
	ChainsConfigFlag,
	RPCURLsFlag,
	TierFlag,
	UseProxyFlag,
	ProxyURLFlag,
	TimeoutFlag,
	ExplorerKeysFlag,
	VerbosityFlag,
}

// MakeJobOptions assembles the run frame options from flags, environment
// and the optional chains.yaml, in that order of precedence.
func MakeJobOptions(ctx *cli.Context) (jobrun.Options, error) {
	network := ctx.String(NetworkFlag.Name)
	if network == "" {
		return jobrun.Options{}, fmt.Errorf("--%s is required", NetworkFlag.Name)
	}
	if params.ByName(network) == nil {
		return jobrun.Options{}, fmt.Errorf("unknown network %q, supported: %s",
			network, strings.Join(params.Names(), ", "))
	}

	file, err := config.Load(ctx.String(ChainsConfigFlag.Name))
	if err != nil {
		return jobrun.Options{}, err
	}
	chain := file.Chain(network)

	opts := jobrun.Options{
		Network:      network,
		Tier:         params.Tier(ctx.String(TierFlag.Name)),
		RPCURLs:      ctx.StringSlice(RPCURLsFlag.Name),
		ExplorerKeys: ctx.StringSlice(ExplorerKeysFlag.Name),
		Timeout:      time.Duration(ctx.Int(TimeoutFlag.Name)) * time.Second,
	}
	if len(opts.RPCURLs) == 0 {
		opts.RPCURLs = chain.RPCURLs
	}
	if len(opts.ExplorerKeys) == 0 {
		opts.ExplorerKeys = chain.ExplorerKeys
	}
	if ctx.Bool(UseProxyFlag.Name) {
		opts.ProxyURL = ctx.String(ProxyURLFlag.Name)
	} else if chain.ProxyURL != "" && !ctx.IsSet(RPCURLsFlag.Name) {
		opts.ProxyURL = chain.ProxyURL
	}
	if len(opts.RPCURLs) == 0 && opts.ProxyURL == "" {
		return jobrun.Options{}, fmt.Errorf("no RPC endpoints for %s: set --%s or %s",
			network, RPCURLsFlag.Name, ChainsConfigFlag.Name)
	}
	return opts, nil
}

// MakeFundSelection reads the fund updater's selection flags. The explicit
// modes are mutually exclusive.
func MakeFundSelection(ctx *cli.Context) (storage.FundSelection, error) {
	modes := 0
	for _, name := range []string{AllFlag.Name, HighFundFlag.Name, RecentContractsFlag.Name} {
		if ctx.Bool(name) {
			modes++
		}
	}
	if modes > 1 {
		return storage.FundSelection{}, fmt.Errorf("--%s, --%s and --%s are mutually exclusive",
			AllFlag.Name, HighFundFlag.Name, RecentContractsFlag.Name)
	}
	return storage.FundSelection{
		All:        ctx.Bool(AllFlag.Name),
		HighFund:   ctx.Bool(HighFundFlag.Name),
		Recent:     ctx.Bool(RecentContractsFlag.Name),
		RecentDays: ctx.Int(RecentDaysFlag.Name),
		DelayDays:  ctx.Int(FundDelayDaysFlag.Name),
		MaxBatch:   ctx.Int(FundMaxBatchFlag.Name),
	}, nil
}

// MakeRevalidationWindow reads the repair job's recency switch: zero when the
// whole pool is in scope, otherwise the window in days.
func MakeRevalidationWindow(ctx *cli.Context) int {
	if !ctx.Bool(RecentContractsFlag.Name) {
		return 0
	}
	return ctx.Int(RecentDaysFlag.Name)
}
