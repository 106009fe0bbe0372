package flags

import "github.com/urfave/cli/v2"

const (
	ChainCategory    = "CHAIN"
	RPCCategory      = "RPC GATEWAY"
	ExplorerCategory = "EXPLORER"
	ScanCategory     = "SCANNING"
	FundCategory     = "FUND VALUATION"
	APICategory      = "READ API"
	LoggingCategory  = "LOGGING AND DEBUGGING"
	MiscCategory     = "MISC"
)

func init() {
	cli.HelpFlag.(*cli.BoolFlag).Category = MiscCategory
	cli.VersionFlag.(*cli.BoolFlag).Category = MiscCategory
}
