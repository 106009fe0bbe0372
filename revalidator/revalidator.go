// Package revalidator implements the data repair job: it re-derives the
// classification of rows whose tags, code hash or deployment timestamp are
// missing or suspect, using the same classification stage as the scanner,
// and rewrites them wholesale. Rows the chain cannot currently answer for
// are left exactly as they were.
package revalidator

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/tos-network/chainscan/addrutil"
	"github.com/tos-network/chainscan/explorer"
	"github.com/tos-network/chainscan/internal/metrics"
	"github.com/tos-network/chainscan/params"
	"github.com/tos-network/chainscan/scanner"
	"github.com/tos-network/chainscan/storage"
)

// classifyBatch bounds one batched eth_getCode round trip.
const classifyBatch = 100

// Store is the persistence surface the revalidator consumes. Satisfied by
// storage.DB.
type Store interface {
	scanner.ClassifyStore
	SelectForRevalidation(ctx context.Context, network string, recentDays int) ([]storage.AddressRow, error)
	UpsertAddresses(ctx context.Context, rows []storage.AddressRow) error
}

// Explorer is the explorer surface the revalidator consumes. Satisfied by
// explorer.Client.
type Explorer interface {
	GetContractSource(ctx context.Context, address string) (*explorer.ContractSource, error)
	GetContractCreation(ctx context.Context, addresses []string) ([]explorer.ContractCreation, error)
	TransactionBlock(ctx context.Context, txHash string) (uint64, error)
	BlockTimestamp(ctx context.Context, number uint64) (int64, error)
}

// Config tunes one repair run.
type Config struct {
	// RecentDays narrows the selection to rows first seen or deployed
	// within this many days. Zero repairs regardless of age.
	RecentDays int
}

// Revalidator is one chain's repair job.
type Revalidator struct {
	cfg     Config
	network *params.Network
	client  scanner.CodeReader
	xp      Explorer
	db      Store
	logger  log.Logger
}

func New(network *params.Network, client scanner.CodeReader, xp Explorer, db Store, cfg Config) *Revalidator {
	return &Revalidator{
		cfg:     cfg,
		network: network,
		client:  client,
		xp:      xp,
		db:      db,
		logger:  log.New("job", "revalidator", "chain", network.Name),
	}
}

// Run repairs one selection of incomplete rows.
func (r *Revalidator) Run(ctx context.Context) error {
	rows, err := r.db.SelectForRevalidation(ctx, r.network.Name, r.cfg.RecentDays)
	if err != nil {
		return err
	}
	r.logger.Info("Revalidation selection", "rows", len(rows), "recentDays", r.cfg.RecentDays)

	byAddr := make(map[string]storage.AddressRow, len(rows))
	for _, row := range rows {
		byAddr[row.Address] = row
	}

	var repaired, skipped int
	for start := 0; start < len(rows); start += classifyBatch {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		end := start + classifyBatch
		if end > len(rows) {
			end = len(rows)
		}
		addrs := make([]string, 0, end-start)
		for _, row := range rows[start:end] {
			addrs = append(addrs, row.Address)
		}

		classified, err := scanner.ClassifyAddresses(ctx, r.client, r.db, r.network.Name, addrs)
		if err != nil {
			r.logger.Warn("Classification batch failed, leaving rows untouched", "addrs", len(addrs), "err", err)
			skipped += len(addrs)
			continue
		}

		out := r.rebuildRows(ctx, classified, byAddr)
		skipped += len(classified) - len(out)
		if len(out) == 0 {
			continue
		}
		if err := r.db.UpsertAddresses(ctx, out); err != nil {
			return err
		}
		repaired += len(out)
	}

	r.logger.Info("Revalidation finished", "repaired", repaired, "skipped", skipped)
	return nil
}

// rebuildRows turns classification outcomes into full replacement rows.
// KindUnknown entries are dropped: no observation, no rewrite.
func (r *Revalidator) rebuildRows(ctx context.Context, classified []scanner.Classified, byAddr map[string]storage.AddressRow) []storage.AddressRow {
	now := time.Now().Unix()
	deployTimes := r.resolveDeployTimes(ctx, classified)

	var out []storage.AddressRow
	for _, c := range classified {
		c := c
		metrics.AddressesClassified.WithLabelValues(r.network.Name, c.Kind.String()).Inc()
		if c.Kind == addrutil.KindUnknown {
			continue
		}
		prev := byAddr[c.Address]
		row := storage.AddressRow{
			Address:     c.Address,
			Network:     r.network.Name,
			CodeHash:    c.CodeHash,
			FirstSeen:   prev.FirstSeen,
			LastUpdated: now,
		}
		if row.FirstSeen == 0 {
			row.FirstSeen = now
		}

		verified := false
		if c.Kind == addrutil.KindContract && !c.SelfDestroyed {
			if ts, ok := deployTimes[c.Address]; ok {
				deployed := ts
				row.Deployed = &deployed
			}
			if prev.NameChecked != nil && *prev.NameChecked {
				verified = prev.HasTag(addrutil.TagVerified)
				row.ContractName = prev.ContractName
				row.NameChecked = prev.NameChecked
				row.NameCheckedAt = prev.NameCheckedAt
			} else {
				metrics.VerificationCalls.WithLabelValues(r.network.Name).Inc()
				src, err := r.xp.GetContractSource(ctx, c.Address)
				if err != nil {
					// Verification fields stay untouched so a later pass
					// retries the lookup.
					r.logger.Debug("Source lookup failed", "addr", c.Address, "err", err)
				} else if src != nil {
					verified = true
					name := src.ContractName
					checked := true
					checkedAt := now
					row.ContractName = &name
					row.NameChecked = &checked
					row.NameCheckedAt = &checkedAt
				}
			}
		}
		row.Tags = c.FinalTags(verified)
		out = append(out, row)
	}
	return out
}

// resolveDeployTimes fetches creation timestamps for the contracts in the
// batch that still miss one, in explorer-capped sub-batches.
func (r *Revalidator) resolveDeployTimes(ctx context.Context, classified []scanner.Classified) map[string]int64 {
	var pending []string
	for _, c := range classified {
		if c.NeedsDeployTime {
			pending = append(pending, c.Address)
		}
	}
	out := make(map[string]int64, len(pending))
	for start := 0; start < len(pending); start += explorer.CreationBatchLimit {
		end := start + explorer.CreationBatchLimit
		if end > len(pending) {
			end = len(pending)
		}
		creations, err := r.xp.GetContractCreation(ctx, pending[start:end])
		if err != nil {
			r.logger.Debug("Creation lookup failed", "addrs", end-start, "err", err)
			continue
		}
		for _, cr := range creations {
			norm, err := addrutil.Normalize(cr.ContractAddress)
			if err != nil {
				continue
			}
			if ts, ok := r.deployTime(ctx, cr.TxHash); ok {
				out[norm] = ts
			}
		}
	}
	return out
}

func (r *Revalidator) deployTime(ctx context.Context, txHash string) (int64, bool) {
	if len(txHash) >= len(params.GenesisTxPrefix) && txHash[:len(params.GenesisTxPrefix)] == params.GenesisTxPrefix {
		if r.network.GenesisTime > 0 {
			return r.network.GenesisTime, true
		}
		return 0, false
	}
	block, err := r.xp.TransactionBlock(ctx, txHash)
	if err != nil {
		return 0, false
	}
	ts, err := r.xp.BlockTimestamp(ctx, block)
	if err != nil {
		return 0, false
	}
	return ts, true
}
