package utils

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/urfave/cli/v2"

	"github.com/tos-network/chainscan/storage"
)

func cliContext(t *testing.T, args map[string]string, bools map[string]bool) *cli.Context {
	t.Helper()
	set := flag.NewFlagSet("test", flag.ContinueOnError)
	app := cli.NewApp()
	for _, f := range JobFlags {
		if err := f.Apply(set); err != nil {
			t.Fatal(err)
		}
	}
	for _, f := range []cli.Flag{AllFlag, HighFundFlag, RecentContractsFlag, RecentDaysFlag, FundDelayDaysFlag, FundMaxBatchFlag} {
		if err := f.Apply(set); err != nil {
			t.Fatal(err)
		}
	}
	ctx := cli.NewContext(app, set, nil)
	for name, value := range args {
		if err := ctx.Set(name, value); err != nil {
			t.Fatalf("set %s: %v", name, err)
		}
	}
	for name, value := range bools {
		if value {
			if err := ctx.Set(name, "true"); err != nil {
				t.Fatalf("set %s: %v", name, err)
			}
		}
	}
	return ctx
}

func TestMakeJobOptionsRequiresNetwork(t *testing.T) {
	if _, err := MakeJobOptions(cliContext(t, nil, nil)); err == nil {
		t.Fatal("missing network accepted")
	}
	ctx := cliContext(t, map[string]string{"network": "atlantis"}, nil)
	if _, err := MakeJobOptions(ctx); err == nil {
		t.Fatal("unknown network accepted")
	}
}

func TestMakeJobOptionsFromFlags(t *testing.T) {
	ctx := cliContext(t, map[string]string{
		"network":       "ethereum",
		"rpc-urls":      "https://rpc-a.example,https://rpc-b.example",
		"explorer-keys": "K1",
		"timeout":       "600",
	}, nil)
	opts, err := MakeJobOptions(ctx)
	if err != nil {
		t.Fatalf("MakeJobOptions: %v", err)
	}
	if len(opts.RPCURLs) != 2 || opts.RPCURLs[0] != "https://rpc-a.example" {
		t.Fatalf("urls = %v", opts.RPCURLs)
	}
	if opts.Timeout.Seconds() != 600 {
		t.Fatalf("timeout = %v", opts.Timeout)
	}
}

func TestMakeJobOptionsChainsFileFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	data := []byte(`chains:
  ethereum:
    rpc_urls:
      - https://from-file.example
    explorer_keys:
      - FILEKEY
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	ctx := cliContext(t, map[string]string{
		"network":       "ethereum",
		"chains-config": path,
	}, nil)
	opts, err := MakeJobOptions(ctx)
	if err != nil {
		t.Fatalf("MakeJobOptions: %v", err)
	}
	if len(opts.RPCURLs) != 1 || opts.RPCURLs[0] != "https://from-file.example" {
		t.Fatalf("urls = %v", opts.RPCURLs)
	}
	if len(opts.ExplorerKeys) != 1 || opts.ExplorerKeys[0] != "FILEKEY" {
		t.Fatalf("keys = %v", opts.ExplorerKeys)
	}
}

func TestMakeJobOptionsRejectsMissingEndpoints(t *testing.T) {
	ctx := cliContext(t, map[string]string{"network": "ethereum"}, nil)
	if _, err := MakeJobOptions(ctx); err == nil {
		t.Fatal("no endpoints accepted")
	}
}

func TestMakeFundSelectionModes(t *testing.T) {
	ctx := cliContext(t, map[string]string{"network": "ethereum"}, map[string]bool{"all": true, "high-fund": true})
	if _, err := MakeFundSelection(ctx); err == nil {
		t.Fatal("conflicting modes accepted")
	}
	ctx = cliContext(t, nil, map[string]bool{"all": true, "recent-contracts": true})
	if _, err := MakeFundSelection(ctx); err == nil {
		t.Fatal("conflicting modes accepted")
	}

	ctx = cliContext(t, map[string]string{"fund-delay-days": "3", "fund-max-batch": "100"}, map[string]bool{"high-fund": true})
	sel, err := MakeFundSelection(ctx)
	if err != nil {
		t.Fatalf("MakeFundSelection: %v", err)
	}
	want := storage.FundSelection{HighFund: true, RecentDays: 7, DelayDays: 3, MaxBatch: 100}
	if sel != want {
		t.Fatalf("selection = %+v, want %+v", sel, want)
	}
}

func TestMakeFundSelectionRecentMode(t *testing.T) {
	ctx := cliContext(t, map[string]string{"recent-days": "3"}, map[string]bool{"recent-contracts": true})
	sel, err := MakeFundSelection(ctx)
	if err != nil {
		t.Fatalf("MakeFundSelection: %v", err)
	}
	if !sel.Recent || sel.RecentDays != 3 {
		t.Fatalf("selection = %+v, want recent mode with a 3 day window", sel)
	}
}

func TestMakeRevalidationWindow(t *testing.T) {
	if got := MakeRevalidationWindow(cliContext(t, nil, nil)); got != 0 {
		t.Fatalf("window = %d without the recent switch", got)
	}
	ctx := cliContext(t, map[string]string{"recent-days": "5"}, map[string]bool{"recent-contracts": true})
	if got := MakeRevalidationWindow(ctx); got != 5 {
		t.Fatalf("window = %d, want 5", got)
	}
}
