// Package fundupdater implements the balance valuation job: it selects
// stored addresses whose fund figure is stale, reads their native and
// whitelisted ERC-20 balances in bulk, prices them in USD and writes the
// valuation back without touching any classification field.
package fundupdater

import (
	"context"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/tos-network/chainscan/internal/metrics"
	"github.com/tos-network/chainscan/params"
	"github.com/tos-network/chainscan/storage"
	"github.com/tos-network/chainscan/tokens"
)

const (
	// valuationBatch is how many addresses are balance-read and written
	// per outer iteration. The balance reader chunks further internally.
	valuationBatch = 1000

	defaultPriceIntervalDays = 7

	// maxSaneFund is the anomaly ceiling of a single address's USD
	// valuation. Nothing on any chain plausibly holds a quadrillion
	// dollars; a total at or above it is corrupt input, not wealth.
	maxSaneFund = 1e15
)

// Pricer is the oracle surface the updater consumes. Satisfied by
// prices.Oracle.
type Pricer interface {
	Price(ctx context.Context, symbol string) (float64, bool)
	BulkPrices(ctx context.Context, symbols []string) map[string]float64
}

// Store is the persistence surface the updater consumes. Satisfied by
// storage.DB.
type Store interface {
	SelectForFundUpdate(ctx context.Context, network string, sel storage.FundSelection) ([]storage.AddressRow, error)
	UpdateFunds(ctx context.Context, network string, funds map[string]int64) error
	NewestPriceUpdate(ctx context.Context, network string) (int64, error)
	UpdateTokenPrice(ctx context.Context, network, tokenAddress string, price float64) error
}

// BalanceSource reads bulk balances. Satisfied by balances.Reader.
type BalanceSource interface {
	NativeBalances(ctx context.Context, addrs []common.Address) []*big.Int
	ERC20Balances(ctx context.Context, addrs, tokens []common.Address) map[common.Address]map[common.Address]*big.Int
}

// Config tunes one fund update run.
type Config struct {
	Selection storage.FundSelection

	// PriceIntervalDays is how old the stored token prices may be before
	// the run refreshes them from the oracle first.
	PriceIntervalDays int

	// ForcePriceUpdate refreshes prices regardless of their age.
	ForcePriceUpdate bool

	// Whitelist is the chain's valuation token list.
	Whitelist []tokens.Token
}

// Updater is one chain's fund valuation job.
type Updater struct {
	cfg      Config
	network  *params.Network
	db       Store
	balances BalanceSource
	oracle   Pricer
	logger   log.Logger
}

func New(network *params.Network, db Store, reader BalanceSource, oracle Pricer, cfg Config) *Updater {
	if cfg.PriceIntervalDays <= 0 {
		cfg.PriceIntervalDays = defaultPriceIntervalDays
	}
	return &Updater{
		cfg:      cfg,
		network:  network,
		db:       db,
		balances: reader,
		oracle:   oracle,
		logger:   log.New("job", "fundupdater", "chain", network.Name),
	}
}

// Run values one selection of addresses. The native price is mandatory:
// without it every valuation would be wrong, so the run aborts instead of
// writing zeros over good data.
func (u *Updater) Run(ctx context.Context) error {
	tokenPrices, err := u.refreshPrices(ctx)
	if err != nil {
		return err
	}
	nativePrice, ok := u.oracle.Price(ctx, u.network.NativeSymbol)
	if !ok {
		return &PriceUnavailableError{Symbol: u.network.NativeSymbol}
	}

	rows, err := u.db.SelectForFundUpdate(ctx, u.network.Name, u.cfg.Selection)
	if err != nil {
		return err
	}
	u.logger.Info("Fund update selection", "rows", len(rows),
		"all", u.cfg.Selection.All, "highFund", u.cfg.Selection.HighFund)

	for start := 0; start < len(rows); start += valuationBatch {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		end := start + valuationBatch
		if end > len(rows) {
			end = len(rows)
		}
		funds := u.valueBatch(ctx, rows[start:end], nativePrice, tokenPrices)
		if len(funds) == 0 {
			continue
		}
		if err := u.db.UpdateFunds(ctx, u.network.Name, funds); err != nil {
			return err
		}
		metrics.FundUpdates.WithLabelValues(u.network.Name).Add(float64(len(funds)))
		u.logger.Debug("Funds written", "rows", len(funds), "progress", end, "total", len(rows))
	}
	return nil
}

// refreshPrices makes sure the DB token prices are fresh enough, then
// returns the USD price per whitelist symbol. Tokens whose price cannot be
// obtained are valued at zero rather than failing the run.
func (u *Updater) refreshPrices(ctx context.Context) (map[string]float64, error) {
	if len(u.cfg.Whitelist) == 0 {
		return nil, nil
	}
	symbols := make([]string, 0, len(u.cfg.Whitelist))
	for _, t := range u.cfg.Whitelist {
		symbols = append(symbols, t.Symbol)
	}

	newest, err := u.db.NewestPriceUpdate(ctx, u.network.Name)
	if err != nil {
		return nil, err
	}
	maxAge := time.Duration(u.cfg.PriceIntervalDays) * 24 * time.Hour
	stale := time.Since(time.Unix(newest, 0)) > maxAge
	if !stale && !u.cfg.ForcePriceUpdate {
		u.logger.Debug("Token prices fresh, skipping refresh", "newest", newest)
		return u.oracle.BulkPrices(ctx, symbols), nil
	}

	prices := u.oracle.BulkPrices(ctx, symbols)
	for _, t := range u.cfg.Whitelist {
		price, ok := prices[t.Symbol]
		if !ok {
			u.logger.Warn("No price for whitelisted token", "symbol", t.Symbol)
			continue
		}
		if err := u.db.UpdateTokenPrice(ctx, u.network.Name, t.Address, price); err != nil {
			u.logger.Warn("Token price write failed", "symbol", t.Symbol, "err", err)
		}
	}
	return prices, nil
}

// valueBatch reads balances for one batch of rows and computes each
// address's total USD valuation.
func (u *Updater) valueBatch(ctx context.Context, rows []storage.AddressRow, nativePrice float64, tokenPrices map[string]float64) map[string]int64 {
	addrs := make([]common.Address, len(rows))
	for i, r := range rows {
		addrs[i] = common.HexToAddress(r.Address)
	}

	totals := make(map[common.Address]float64, len(rows))
	for i, bal := range u.balances.NativeBalances(ctx, addrs) {
		totals[addrs[i]] = tokenValue(bal, 18, nativePrice)
	}

	var tokenAddrs []common.Address
	byAddr := make(map[common.Address]tokens.Token, len(u.cfg.Whitelist))
	for _, t := range u.cfg.Whitelist {
		if _, ok := tokenPrices[t.Symbol]; !ok {
			continue
		}
		a := common.HexToAddress(t.Address)
		tokenAddrs = append(tokenAddrs, a)
		byAddr[a] = t
	}
	if len(tokenAddrs) > 0 {
		held := u.balances.ERC20Balances(ctx, addrs, tokenAddrs)
		for holder, perToken := range held {
			for tokenAddr, bal := range perToken {
				t := byAddr[tokenAddr]
				totals[holder] += tokenValue(bal, t.Decimals, tokenPrices[t.Symbol])
			}
		}
	}

	funds := make(map[string]int64, len(rows))
	for i, r := range rows {
		total := totals[addrs[i]]
		if !saneValue(total) {
			u.logger.Warn("Implausible valuation, skipping address", "addr", r.Address, "value", total)
			continue
		}
		funds[r.Address] = int64(math.Floor(total))
	}
	return funds
}

// saneValue rejects valuations that can only come from corrupt balances or
// prices: NaN, infinities, negatives and totals past the anomaly ceiling.
func saneValue(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0 && v < maxSaneFund
}

// tokenValue converts a raw integer balance into USD: balance scaled down
// by the token's decimals, times the unit price. big.Float keeps balances
// beyond float64's integer range exact before the final multiply.
func tokenValue(balance *big.Int, decimals int, price float64) float64 {
	if balance == nil || balance.Sign() == 0 || price == 0 {
		return 0
	}
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	units := new(big.Float).Quo(new(big.Float).SetInt(balance), scale)
	value, _ := new(big.Float).Mul(units, big.NewFloat(price)).Float64()
	return value
}

// PriceUnavailableError reports that the run aborted because the native
// token could not be priced by any source.
type PriceUnavailableError struct {
	Symbol string
}

func (e *PriceUnavailableError) Error() string {
	return "fundupdater: no price available for " + e.Symbol
}
