// Package prices resolves USD prices for token symbols. Sources are tried
// in priority order until one answers; results live in a short-TTL
// in-process cache and are persisted to the symbol_prices table under the
// shared advisory lock so concurrent per-chain jobs do not interleave
// writes.
package prices

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ethereum/go-ethereum/log"

	"github.com/tos-network/chainscan/storage"
)

// SymbolPricesLockKey serializes symbol_prices writers across processes.
const SymbolPricesLockKey int64 = 0x70726963 // "pric"

// anomalyMultiple flags a returned price as suspicious when it exceeds the
// last persisted price by this factor. A known upstream bug once returned
// inflated prices for a handful of tokens.
const anomalyMultiple = 100

const (
	defaultCacheTTL  = 60 * time.Second
	defaultStaleDays = 7
	cacheSize        = 2048
)

// Source is one upstream price provider.
type Source interface {
	Name() string
	// Price returns the USD price for a symbol. A source that has no
	// answer returns (0, nil); errors mean the source is unavailable.
	Price(ctx context.Context, symbol string) (float64, error)
	// BulkPrices resolves many symbols in one call. Sources without a
	// bulk endpoint return (nil, nil) and the oracle falls back to
	// per-symbol lookups.
	BulkPrices(ctx context.Context, symbols []string) (map[string]float64, error)
}

// Config tunes the oracle.
type Config struct {
	CacheTTL     time.Duration // in-process cache TTL, default 60s
	StaleAfter   time.Duration // DB price staleness, default 7 days
	ForceRefresh bool          // bypass cache and staleness checks
}

// Oracle is the multi-source price resolver.
type Oracle struct {
	cfg     Config
	db      *storage.DB
	sources []Source
	cache   *expirable.LRU[string, float64]
	logger  log.Logger
}

// SourceEntry pairs a source with its configured priority; disabled sources
// are simply not passed in.
type SourceEntry struct {
	Source   Source
	Priority int
}

// New builds an oracle over the enabled sources, lowest priority value
// tried first.
func New(db *storage.DB, entries []SourceEntry, cfg Config) *Oracle {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleDays * 24 * time.Hour
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Priority < entries[j].Priority })
	sources := make([]Source, 0, len(entries))
	for _, e := range entries {
		sources = append(sources, e.Source)
	}
	return &Oracle{
		cfg:     cfg,
		db:      db,
		sources: sources,
		cache:   expirable.NewLRU[string, float64](cacheSize, nil, cfg.CacheTTL),
		logger:  log.New("module", "prices"),
	}
}

// sane rejects non-finite, negative and anomalously large values. reference
// is the last persisted price, 0 when none exists.
func sane(price, reference float64) bool {
	if math.IsNaN(price) || math.IsInf(price, 0) || price < 0 {
		return false
	}
	if reference > 0 && price > reference*anomalyMultiple {
		return false
	}
	return true
}

// Price resolves one symbol. The boolean is false when every source came up
// empty; a missing price is normal and the caller skips that token.
func (o *Oracle) Price(ctx context.Context, symbol string) (float64, bool) {
	if !o.cfg.ForceRefresh {
		if p, ok := o.cache.Get(symbol); ok {
			return p, true
		}
	}
	reference := o.referencePrice(ctx, symbol)
	for _, src := range o.sources {
		p, err := src.Price(ctx, symbol)
		if err != nil {
			o.logger.Debug("Price source unavailable", "source", src.Name(), "symbol", symbol, "err", err)
			continue
		}
		if p == 0 {
			continue
		}
		if !sane(p, reference) {
			o.logger.Warn("Suspicious price dropped", "source", src.Name(), "symbol", symbol, "price", p, "reference", reference)
			continue
		}
		o.cache.Add(symbol, p)
		o.persist(ctx, symbol, p)
		return p, true
	}
	return 0, false
}

// BulkPrices resolves many symbols, preferring the top source's bulk
// endpoint and falling back per-symbol for the misses.
func (o *Oracle) BulkPrices(ctx context.Context, symbols []string) map[string]float64 {
	out := make(map[string]float64, len(symbols))
	missing := symbols

	if len(o.sources) > 0 {
		bulk, err := o.sources[0].BulkPrices(ctx, symbols)
		if err != nil {
			o.logger.Debug("Bulk price lookup failed", "source", o.sources[0].Name(), "err", err)
		}
		if len(bulk) > 0 {
			missing = missing[:0:0]
			for _, sym := range symbols {
				p, ok := bulk[sym]
				if ok && sane(p, o.referencePrice(ctx, sym)) {
					out[sym] = p
					o.cache.Add(sym, p)
					o.persist(ctx, sym, p)
				} else {
					missing = append(missing, sym)
				}
			}
		}
	}
	for _, sym := range missing {
		if p, ok := o.Price(ctx, sym); ok {
			out[sym] = p
		}
	}
	return out
}

// referencePrice returns the last persisted price for anomaly checking.
func (o *Oracle) referencePrice(ctx context.Context, symbol string) float64 {
	if o.db == nil {
		return 0
	}
	stored, err := o.db.SymbolPriceFor(ctx, symbol)
	if err != nil || stored == nil {
		return 0
	}
	return stored.PriceUSD
}

func (o *Oracle) persist(ctx context.Context, symbol string, price float64) {
	if o.db == nil {
		return
	}
	err := o.db.WithAdvisoryLock(ctx, SymbolPricesLockKey, func(ctx context.Context) error {
		return o.db.UpsertSymbolPrice(ctx, storage.SymbolPrice{
			Symbol:      symbol,
			PriceUSD:    price,
			LastUpdated: time.Now().Unix(),
		})
	})
	if err != nil {
		o.logger.Warn("Failed to persist symbol price", "symbol", symbol, "err", err)
	}
}
