// Package params holds the static per-network tables the indexer jobs rely
// on: chain identities, genesis timestamps, explorer endpoints, balance
// helper deployments and log-range caps per RPC service tier.
package params

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Activity buckets a network by how many ERC-20 Transfer logs it emits per
// block. The bucket crossed with the RPC tier selects a ScanProfile.
type Activity string

const (
	HighActivity   Activity = "high-activity"
	MediumActivity Activity = "medium-activity"
	LowActivity    Activity = "low-activity"
)

// Tier is the service level of an RPC gateway. It caps the block span a
// single eth_getLogs request may cover.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
	TierAuto    Tier = "auto"
)

// DefaultLogSpan is the conservative getLogs block span used when a network
// has no tier entry of its own.
const DefaultLogSpan = 10

// Network describes one indexed chain.
type Network struct {
	Name         string   // short identifier used as the DB network column
	ChainID      *big.Int // EIP-155 chain id
	NativeSymbol string   // ticker of the native token, for pricing

	// GenesisTime is the Unix timestamp of the genesis block. Contracts
	// whose creation tx hash carries the GENESIS marker are deployed at
	// this instant.
	GenesisTime int64

	// ExplorerHost is the dedicated per-chain explorer API host. Empty
	// when the network is served through the unified v2 endpoint, in
	// which case requests carry the chainid query parameter instead.
	ExplorerHost    string
	UnifiedExplorer bool

	// BalanceHelper is the deployed multicall contract used for batched
	// native and ERC-20 balance reads. Zero when the chain has none, in
	// which case the reader degrades to per-address calls.
	BalanceHelper common.Address

	Activity Activity

	// LogSpan caps the eth_getLogs block range per tier.
	LogSpan map[Tier]uint64
}

// UnifiedExplorerURL is the v2 explorer endpoint shared by all chains that
// have no dedicated host.
const UnifiedExplorerURL = "https://api.etherscan.io/v2/api"

// GenesisTxPrefix marks creation tx hashes of contracts that are part of the
// chain's genesis allocation rather than a real deployment.
const GenesisTxPrefix = "GENESIS"

var networks = map[string]*Network{
	"ethereum": {
		Name:            "ethereum",
		ChainID:         big.NewInt(1),
		NativeSymbol:    "ETH",
		GenesisTime:     1438269973,
		UnifiedExplorer: true,
		BalanceHelper:   common.HexToAddress("0xb1f8e55c7f64d203c1400b9d8555d050f94adf39"),
		Activity:        HighActivity,
		LogSpan:         map[Tier]uint64{TierFree: 100, TierPremium: 2000},
	},
	"polygon": {
		Name:            "polygon",
		ChainID:         big.NewInt(137),
		NativeSymbol:    "POL",
		GenesisTime:     1590824836,
		UnifiedExplorer: true,
		BalanceHelper:   common.HexToAddress("0x2352c63a83f9fd126af8676146721fa00924d7e4"),
		Activity:        HighActivity,
		LogSpan:         map[Tier]uint64{TierFree: 50, TierPremium: 1000},
	},
	"bsc": {
		Name:            "bsc",
		ChainID:         big.NewInt(56),
		NativeSymbol:    "BNB",
		GenesisTime:     1598671449,
		UnifiedExplorer: true,
		BalanceHelper:   common.HexToAddress("0x2352c63a83f9fd126af8676146721fa00924d7e4"),
		Activity:        HighActivity,
		LogSpan:         map[Tier]uint64{TierFree: 50, TierPremium: 1000},
	},
	"arbitrum": {
		Name:            "arbitrum",
		ChainID:         big.NewInt(42161),
		NativeSymbol:    "ETH",
		GenesisTime:     1622240000,
		UnifiedExplorer: true,
		BalanceHelper:   common.HexToAddress("0x151e24a486d7258dd7c33fb67e4bb01919b7b32c"),
		Activity:        MediumActivity,
		LogSpan:         map[Tier]uint64{TierFree: 200, TierPremium: 5000},
	},
	"optimism": {
		Name:            "optimism",
		ChainID:         big.NewInt(10),
		NativeSymbol:    "ETH",
		GenesisTime:     1610640000,
		UnifiedExplorer: true,
		BalanceHelper:   common.HexToAddress("0xb1f8e55c7f64d203c1400b9d8555d050f94adf39"),
		Activity:        MediumActivity,
		LogSpan:         map[Tier]uint64{TierFree: 200, TierPremium: 5000},
	},
	"gnosis": {
		Name:         "gnosis",
		ChainID:      big.NewInt(100),
		NativeSymbol: "XDAI",
		GenesisTime:  1539024180,
		ExplorerHost: "https://api.gnosisscan.io/api",
		Activity:     LowActivity,
		LogSpan:      map[Tier]uint64{TierFree: 500, TierPremium: 10000},
	},
}

// ByName returns the network table entry for the given short identifier, or
// nil when the network is unknown.
func ByName(name string) *Network {
	return networks[name]
}

// Names lists every configured network identifier.
func Names() []string {
	out := make([]string, 0, len(networks))
	for name := range networks {
		out = append(out, name)
	}
	return out
}

// GenesisTimestamp returns the genesis Unix timestamp for a chain id, or 0
// when the chain is not in the table.
func GenesisTimestamp(chainID *big.Int) int64 {
	if chainID == nil {
		return 0
	}
	for _, n := range networks {
		if n.ChainID.Cmp(chainID) == 0 {
			return n.GenesisTime
		}
	}
	return 0
}

// MaxLogSpan returns the getLogs block-span cap for the network at the given
// tier, falling back to DefaultLogSpan when the table has no entry.
func (n *Network) MaxLogSpan(tier Tier) uint64 {
	if n == nil || n.LogSpan == nil {
		return DefaultLogSpan
	}
	if span, ok := n.LogSpan[tier]; ok && span > 0 {
		return span
	}
	return DefaultLogSpan
}
