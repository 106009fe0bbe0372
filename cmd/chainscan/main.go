// chainscan is the multi-chain address indexer: it discovers addresses from
// ERC-20 Transfer traffic, classifies and verifies them, values their
// holdings in USD and serves the result over a read API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/tos-network/chainscan/api"
	"github.com/tos-network/chainscan/cmd/utils"
	"github.com/tos-network/chainscan/fundupdater"
	"github.com/tos-network/chainscan/internal/jobrun"
	"github.com/tos-network/chainscan/prices"
	"github.com/tos-network/chainscan/revalidator"
	"github.com/tos-network/chainscan/scanner"
	"github.com/tos-network/chainscan/storage"
	"github.com/tos-network/chainscan/tokens"
)

var (
	scanCommand = &cli.Command{
		Name:   "scan",
		Usage:  "Discover and classify addresses from recent Transfer logs",
		Action: runScan,
		Flags: append([]cli.Flag{
			utils.TimeDelayFlag,
			utils.InitSchemaFlag,
			utils.TokensDirFlag,
		}, utils.JobFlags...),
	}
	fundCommand = &cli.Command{
		Name:   "fund",
		Usage:  "Re-value stored addresses in USD",
		Action: runFund,
		Flags: append([]cli.Flag{
			utils.AllFlag,
			utils.HighFundFlag,
			utils.RecentContractsFlag,
			utils.RecentDaysFlag,
			utils.FundDelayDaysFlag,
			utils.FundMaxBatchFlag,
			utils.PriceIntervalFlag,
			utils.ForcePriceFlag,
			utils.InitSchemaFlag,
			utils.TokensDirFlag,
		}, utils.JobFlags...),
	}
	revalidateCommand = &cli.Command{
		Name:   "revalidate",
		Usage:  "Repair rows with missing or suspect classification data",
		Action: runRevalidate,
		Flags: append([]cli.Flag{
			utils.RecentContractsFlag,
			utils.RecentDaysFlag,
		}, utils.JobFlags...),
	}
	apiCommand = &cli.Command{
		Name:   "api",
		Usage:  "Serve the read API",
		Action: runAPI,
		Flags: []cli.Flag{
			utils.ListenFlag,
			utils.VerbosityFlag,
		},
	}
	maintainCommand = &cli.Command{
		Name:   "maintain",
		Usage:  "Run storage maintenance on the addresses table",
		Action: runMaintain,
		Flags: []cli.Flag{
			utils.VerbosityFlag,
			&cli.BoolFlag{Name: "reindex", Usage: "Rebuild the addresses indexes concurrently"},
			&cli.BoolFlag{Name: "vacuum", Usage: "Vacuum and analyze the addresses table"},
			&cli.IntFlag{Name: "fillfactor", Usage: "Set the addresses table fill factor (0 leaves it unchanged)"},
		},
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "chainscan"
	app.Usage = "multi-chain address indexer"
	app.Commands = []*cli.Command{
		scanCommand,
		fundCommand,
		revalidateCommand,
		apiCommand,
		maintainCommand,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(ctx *cli.Context) {
	usecolor := false
	if fi, err := os.Stderr.Stat(); err == nil {
		usecolor = fi.Mode()&os.ModeCharDevice != 0
	}
	handler := log.NewGlogHandler(log.NewTerminalHandler(os.Stderr, usecolor))
	handler.Verbosity(log.FromLegacyLevel(ctx.Int(utils.VerbosityFlag.Name)))
	log.SetDefault(log.NewLogger(handler))
}

// loadWhitelist reads the network's token whitelist and bootstraps the
// token rows so valuation and metadata lookups have them on first run.
func loadWhitelist(ctx context.Context, cliCtx *cli.Context, env *jobrun.Env) ([]tokens.Token, error) {
	list, err := tokens.Load(cliCtx.String(utils.TokensDirFlag.Name), env.Network.Name)
	if err != nil {
		return nil, err
	}
	if len(list) > 0 {
		if err := env.DB.UpsertTokens(ctx, tokens.Rows(env.Network.Name, list)); err != nil {
			return nil, err
		}
		if err := tokens.SyncMetadata(ctx, env.DB, env.Explorer, env.Network.Name, list); err != nil {
			return nil, err
		}
	}
	return list, nil
}

func runScan(cliCtx *cli.Context) error {
	setupLogging(cliCtx)
	opts, err := utils.MakeJobOptions(cliCtx)
	if err != nil {
		return err
	}
	opts.EnsureSchema = cliCtx.Bool(utils.InitSchemaFlag.Name)

	return jobrun.Run("scanner", opts, func(ctx context.Context, env *jobrun.Env) error {
		list, err := loadWhitelist(ctx, cliCtx, env)
		if err != nil {
			return err
		}
		whitelist := make([]common.Address, 0, len(list))
		for _, t := range list {
			whitelist = append(whitelist, common.HexToAddress(t.Address))
		}
		s := scanner.New(ctx, env.Network, env.RPC, env.Explorer, env.DB, env.Balances, scanner.Config{
			TimeDelayHours: cliCtx.Int(utils.TimeDelayFlag.Name),
			Whitelist:      whitelist,
		})
		return s.Run(ctx)
	})
}

func runFund(cliCtx *cli.Context) error {
	setupLogging(cliCtx)
	opts, err := utils.MakeJobOptions(cliCtx)
	if err != nil {
		return err
	}
	opts.EnsureSchema = cliCtx.Bool(utils.InitSchemaFlag.Name)
	sel, err := utils.MakeFundSelection(cliCtx)
	if err != nil {
		return err
	}

	return jobrun.Run("fundupdater", opts, func(ctx context.Context, env *jobrun.Env) error {
		list, err := loadWhitelist(ctx, cliCtx, env)
		if err != nil {
			return err
		}
		oracle := prices.New(env.DB, prices.DefaultSources(), prices.Config{
			ForceRefresh: cliCtx.Bool(utils.ForcePriceFlag.Name),
		})
		u := fundupdater.New(env.Network, env.DB, env.Balances, oracle, fundupdater.Config{
			Selection:         sel,
			PriceIntervalDays: cliCtx.Int(utils.PriceIntervalFlag.Name),
			ForcePriceUpdate:  cliCtx.Bool(utils.ForcePriceFlag.Name),
			Whitelist:         list,
		})
		return u.Run(ctx)
	})
}

func runRevalidate(cliCtx *cli.Context) error {
	setupLogging(cliCtx)
	opts, err := utils.MakeJobOptions(cliCtx)
	if err != nil {
		return err
	}
	// The repair job never creates schema: a missing table means it is
	// pointed at the wrong database.
	opts.EnsureSchema = false

	return jobrun.Run("revalidator", opts, func(ctx context.Context, env *jobrun.Env) error {
		return revalidator.New(env.Network, env.RPC, env.Explorer, env.DB, revalidator.Config{
			RecentDays: utils.MakeRevalidationWindow(cliCtx),
		}).Run(ctx)
	})
}

func runAPI(cliCtx *cli.Context) error {
	setupLogging(cliCtx)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.Connect(ctx, storage.ParamsFromEnv())
	if err != nil {
		return err
	}
	defer db.Close()

	return api.NewServer(db).ListenAndServe(ctx, cliCtx.String(utils.ListenFlag.Name))
}

func runMaintain(cliCtx *cli.Context) error {
	setupLogging(cliCtx)
	ctx := context.Background()

	db, err := storage.Connect(ctx, storage.ParamsFromEnv())
	if err != nil {
		return err
	}
	defer db.Close()

	if ff := cliCtx.Int("fillfactor"); ff > 0 {
		if err := db.SetAddressesFillFactor(ctx, ff); err != nil {
			return err
		}
	}
	if cliCtx.Bool("reindex") {
		if err := db.ReindexAddresses(ctx); err != nil {
			return err
		}
	}
	if cliCtx.Bool("vacuum") {
		if err := db.VacuumAddresses(ctx); err != nil {
			return err
		}
	}
	return nil
}
