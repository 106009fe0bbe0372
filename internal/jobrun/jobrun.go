// Package jobrun is the shared frame every batch job runs inside: it
// connects the database, dials the chain, builds the explorer client and
// balance reader, enforces the wall-clock budget and reports how the job
// ended. The jobs themselves only implement a run function.
package jobrun

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/tos-network/chainscan/balances"
	"github.com/tos-network/chainscan/chainrpc"
	"github.com/tos-network/chainscan/explorer"
	"github.com/tos-network/chainscan/params"
	"github.com/tos-network/chainscan/storage"
)

const (
	// DefaultTimeout is the wall-clock budget of one job run. Scheduled
	// runs overlap if a run exceeds it, so the frame cancels hard.
	DefaultTimeout = 2 * time.Hour

	rpcMinSpacing = 200 * time.Millisecond
)

// Options selects and configures the environment for one job run.
type Options struct {
	Network string
	Tier    params.Tier

	RPCURLs []string

	// ProxyURL, when non-empty, replaces the endpoint list with a local
	// proxy and disables request spacing.
	ProxyURL string

	ExplorerKeys []string

	Timeout time.Duration

	// EnsureSchema bootstraps tables and indexes before the job runs.
	// Repair jobs leave it off and fail fast on a missing schema instead.
	EnsureSchema bool
}

// Env is the assembled environment handed to a job's run function.
type Env struct {
	Network  *params.Network
	DB       *storage.DB
	RPC      *chainrpc.Client
	Explorer *explorer.Client
	Balances *balances.Reader
	Logger   log.Logger
}

// Run assembles the environment, runs fn under the wall-clock budget and
// tears everything down. The returned error is fn's own, or the setup
// failure that prevented fn from starting.
func Run(name string, opts Options, fn func(ctx context.Context, env *Env) error) error {
	network := params.ByName(opts.Network)
	if network == nil {
		return fmt.Errorf("jobrun: unknown network %q", opts.Network)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := log.New("job", name, "chain", network.Name)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := storage.Connect(ctx, storage.ParamsFromEnv())
	if err != nil {
		return err
	}
	defer db.Close()
	if opts.EnsureSchema {
		if err := db.EnsureSchema(ctx); err != nil {
			return err
		}
	}

	rpcCfg := chainrpc.Config{
		Network:    network,
		URLs:       opts.RPCURLs,
		Tier:       opts.Tier,
		MinSpacing: rpcMinSpacing,
	}
	if opts.ProxyURL != "" {
		rpcCfg.URLs = []string{opts.ProxyURL}
		rpcCfg.MinSpacing = 0
	}
	rpc, err := chainrpc.Dial(ctx, rpcCfg)
	if err != nil {
		return err
	}
	defer rpc.Close()

	xp, err := explorer.New(explorer.Config{
		Network: network,
		APIKeys: opts.ExplorerKeys,
	})
	if err != nil {
		return err
	}

	env := &Env{
		Network:  network,
		DB:       db,
		RPC:      rpc,
		Explorer: xp,
		Balances: balances.NewReader(rpc, network.BalanceHelper, network.Name),
		Logger:   logger,
	}

	logger.Info("Job starting", "timeout", timeout, "tier", rpc.Tier(ctx))
	t0 := time.Now()
	err = fn(ctx, env)
	elapsed := time.Since(t0)
	if err != nil {
		logger.Error("Job failed", "elapsed", elapsed, "err", err)
		return err
	}
	logger.Info("Job finished", "elapsed", elapsed)
	return nil
}
