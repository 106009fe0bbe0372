// Package scanner implements the unified log-to-address pipeline: it walks
// a recent block window in adaptive getLogs batches, extracts every address
// that took part in an ERC-20 Transfer, classifies each one, verifies
// funded contracts against the explorer, and persists the results through
// the COALESCE upsert. Re-running over an overlapping window is safe: the
// upsert merges null-safely and tags are only replaced with freshly
// computed sets.
package scanner

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/errgroup"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/tos-network/chainscan/addrutil"
	"github.com/tos-network/chainscan/chainrpc"
	"github.com/tos-network/chainscan/explorer"
	"github.com/tos-network/chainscan/internal/metrics"
	"github.com/tos-network/chainscan/params"
	"github.com/tos-network/chainscan/storage"
)

// TransferTopic is topic-0 of the ERC-20 Transfer(address,address,uint256)
// event, constant across all deployments.
var TransferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

const (
	defaultTimeDelayHours = 2
	defaultMaxConcurrent  = 4

	// maxRangeRetries bounds how often one range is retried after
	// shrink; past it the scanner advances rather than spin.
	maxRangeRetries = 5
	// maxSingleRetries bounds retries of a single-block range before
	// the block is permanently excluded.
	maxSingleRetries = 3

	// deployFetchGrace bounds how long a background deployment-time
	// fetch may outlive its batch. Run blocks on these goroutines, so
	// a stalled explorer must not hold the job open past its budget.
	deployFetchGrace = 2 * time.Minute
)

// RPC is the chain surface the scanner consumes. Satisfied by
// chainrpc.Client.
type RPC interface {
	CodeReader
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, from, to uint64, topics [][]common.Hash) ([]types.Log, error)
	MaxLogSpan(ctx context.Context) uint64
	Tier(ctx context.Context) params.Tier
}

// Explorer is the explorer surface the scanner consumes. Satisfied by
// explorer.Client.
type Explorer interface {
	BlockByTimestamp(ctx context.Context, ts int64) (uint64, error)
	BlockTimestamp(ctx context.Context, number uint64) (int64, error)
	TransactionBlock(ctx context.Context, txHash string) (uint64, error)
	GetContractSource(ctx context.Context, address string) (*explorer.ContractSource, error)
	GetContractCreation(ctx context.Context, addresses []string) ([]explorer.ContractCreation, error)
}

// Store is the persistence surface the scanner consumes. Satisfied by
// storage.DB.
type Store interface {
	ClassifyStore
	KnownAddresses(ctx context.Context, network string, addrs []string) (map[string]bool, error)
	UpsertAddresses(ctx context.Context, rows []storage.AddressRow) error
	LoadExcludedBlocks(ctx context.Context, network string) (mapset.Set[uint64], error)
	RecordExcludedBlock(ctx context.Context, network string, block uint64, reason string) error
}

// BalanceSource reads bulk balances. Satisfied by balances.Reader.
type BalanceSource interface {
	NativeBalances(ctx context.Context, addrs []common.Address) []*big.Int
	ERC20Balances(ctx context.Context, addrs, tokens []common.Address) map[common.Address]map[common.Address]*big.Int
}

// Config tunes one scanner run.
type Config struct {
	// TimeDelayHours maps to the window start: scan from the block at
	// now minus this delay up to the current head.
	TimeDelayHours int

	// MaxConcurrent bounds the in-flight batch-processing tasks.
	MaxConcurrent int

	// Whitelist is the chain's ERC-20 valuation whitelist, used to gate
	// verification on held balances.
	Whitelist []common.Address
}

// Scanner is one chain's scanning pipeline.
type Scanner struct {
	cfg      Config
	network  *params.Network
	client   RPC
	xp       Explorer
	db       Store
	balances BalanceSource
	logger   log.Logger

	tuner    *batchTuner
	seen     mapset.Set[string]
	excluded mapset.Set[uint64]

	deployWG sync.WaitGroup
}

// New assembles a scanner. The batch tuner is seeded from the network's
// activity profile crossed with the client's detected tier.
func New(ctx context.Context, network *params.Network, client RPC, xp Explorer, db Store, reader BalanceSource, cfg Config) *Scanner {
	if cfg.TimeDelayHours <= 0 {
		cfg.TimeDelayHours = defaultTimeDelayHours
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	profile := params.Profile(network.Activity, client.Tier(ctx))
	return &Scanner{
		cfg:      cfg,
		network:  network,
		client:   client,
		xp:       xp,
		db:       db,
		balances: reader,
		logger:   log.New("job", "scanner", "chain", network.Name),
		tuner:    newBatchTuner(profile, client.MaxLogSpan(ctx)),
		seen:     mapset.NewSet[string](),
	}
}

// Run scans the configured window once. Partial failure is normal: ranges
// that stay unreadable are skipped or excluded and the addresses they hide
// remain absent for a later run.
func (s *Scanner) Run(ctx context.Context) error {
	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		return err
	}
	windowStart := time.Now().Add(-time.Duration(s.cfg.TimeDelayHours) * time.Hour).Unix()
	fromBlock, err := s.xp.BlockByTimestamp(ctx, windowStart)
	if err != nil {
		return err
	}
	if fromBlock > head {
		fromBlock = head
	}
	s.excluded, err = s.db.LoadExcludedBlocks(ctx, s.network.Name)
	if err != nil {
		return err
	}
	s.logger.Info("Scan window selected", "from", fromBlock, "to", head,
		"delayHours", s.cfg.TimeDelayHours, "excluded", s.excluded.Cardinality())

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.cfg.MaxConcurrent)

	cur := fromBlock
	retries := 0
	for cur <= head {
		if ctx.Err() != nil {
			break
		}
		start, end, ok := s.nextRange(cur, head)
		if !ok {
			break
		}
		cur = start

		t0 := time.Now()
		logs, err := s.client.FilterLogs(ctx, start, end, [][]common.Hash{{TransferTopic}})
		if err != nil {
			cur, retries = s.handleFetchError(ctx, err, start, end, retries)
			continue
		}
		elapsed := time.Since(t0)
		retries = 0
		s.tuner.observe(elapsed, len(logs))
		metrics.BlocksScanned.WithLabelValues(s.network.Name).Add(float64(end - start + 1))
		metrics.LogsFetched.WithLabelValues(s.network.Name).Add(float64(len(logs)))
		metrics.BatchSize.WithLabelValues(s.network.Name).Set(float64(s.tuner.current()))

		if fresh := s.extractNewAddresses(logs); len(fresh) > 0 {
			batch := fresh
			group.Go(func() error {
				if err := s.processBatch(groupCtx, batch); err != nil {
					s.logger.Warn("Batch processing failed", "addrs", len(batch), "err", err)
				}
				// Per-batch failures never abort the run.
				return nil
			})
		}
		s.logger.Debug("Batch fetched", "from", start, "to", end,
			"logs", len(logs), "took", elapsed, "nextSize", s.tuner.current())
		cur = end + 1
	}

	group.Wait()
	s.deployWG.Wait()
	return ctx.Err()
}

// nextRange returns the next contiguous non-excluded range starting at or
// after cur, sized by the tuner and cut short before any excluded block.
func (s *Scanner) nextRange(cur, head uint64) (uint64, uint64, bool) {
	for cur <= head && s.excluded != nil && s.excluded.Contains(cur) {
		cur++
	}
	if cur > head {
		return 0, 0, false
	}
	end := cur + s.tuner.current() - 1
	if end > head {
		end = head
	}
	if s.excluded != nil {
		for b := cur + 1; b <= end; b++ {
			if s.excluded.Contains(b) {
				end = b - 1
				break
			}
		}
	}
	return cur, end, true
}

// handleFetchError applies the failure policy and returns the next block
// cursor and retry counter.
func (s *Scanner) handleFetchError(ctx context.Context, err error, start, end uint64, retries int) (uint64, int) {
	kind := chainrpc.KindOf(err)
	size := end - start + 1
	s.logger.Warn("getLogs failed", "from", start, "to", end, "kind", kind, "retries", retries, "err", err)

	switch kind {
	case chainrpc.KindTimeout, chainrpc.KindTooManyResults, chainrpc.KindResponseTooLarge, chainrpc.KindRangeExceeded:
		if size == 1 && retries+1 >= maxSingleRetries {
			s.excludeBlock(ctx, start, "getLogs "+kind.String()+" after 3 retries")
			return start + 1, 0
		}
		if retries+1 >= maxRangeRetries {
			// Unreadable at every size tried; move on and let a
			// later run revisit.
			s.tuner.shrinkHalf()
			return end + 1, 0
		}
		switch kind {
		case chainrpc.KindResponseTooLarge:
			s.tuner.shrinkSlow()
		case chainrpc.KindTooManyResults, chainrpc.KindRangeExceeded:
			var rpcErr *chainrpc.Error
			if errors.As(err, &rpcErr) && rpcErr.HasSuggestion && rpcErr.SuggestedFrom == start && rpcErr.SuggestedTo < end {
				s.tuner.set(rpcErr.SuggestedTo - rpcErr.SuggestedFrom + 1)
			} else {
				s.tuner.shrinkHalf()
			}
		default:
			s.tuner.shrinkHalf()
		}
		return start, retries + 1

	case chainrpc.KindExhausted:
		if size == 1 {
			s.excludeBlock(ctx, start, "all endpoints exhausted")
			return start + 1, 0
		}
		s.tuner.shrinkHalf()
		return end + 1, 0

	default:
		return end + 1, 0
	}
}

func (s *Scanner) excludeBlock(ctx context.Context, block uint64, reason string) {
	s.logger.Warn("Permanently excluding block", "block", block, "reason", reason)
	if s.excluded != nil {
		s.excluded.Add(block)
	}
	if err := s.db.RecordExcludedBlock(ctx, s.network.Name, block, reason); err != nil {
		s.logger.Error("Failed to record excluded block", "block", block, "err", err)
	}
	metrics.ExcludedBlocks.WithLabelValues(s.network.Name).Inc()
}

// extractNewAddresses pulls the from/to parties out of Transfer logs,
// normalizes them and drops everything this run already queued.
func (s *Scanner) extractNewAddresses(logs []types.Log) []string {
	var fresh []string
	for _, lg := range logs {
		if len(lg.Topics) < 3 || lg.Topics[0] != TransferTopic {
			continue
		}
		for _, topic := range lg.Topics[1:3] {
			addr := common.BytesToAddress(topic.Bytes()).Hex()
			norm, err := addrutil.Normalize(addr)
			if err != nil {
				continue
			}
			if norm == "0x0000000000000000000000000000000000000000" {
				continue // mint/burn counterparty
			}
			if s.seen.Add(norm) {
				fresh = append(fresh, norm)
			}
		}
	}
	return fresh
}

// processBatch classifies and persists one batch of never-seen addresses.
func (s *Scanner) processBatch(ctx context.Context, addrs []string) error {
	known, err := s.db.KnownAddresses(ctx, s.network.Name, addrs)
	if err != nil {
		return err
	}
	unknown := addrs[:0:0]
	for _, a := range addrs {
		if !known[a] {
			unknown = append(unknown, a)
		}
	}
	if len(unknown) == 0 {
		return nil
	}

	classified, err := ClassifyAddresses(ctx, s.client, s.db, s.network.Name, unknown)
	if err != nil {
		return err
	}

	var contracts []Classified
	now := time.Now().Unix()
	rows := make([]storage.AddressRow, 0, len(classified))
	for _, c := range classified {
		c := c
		metrics.AddressesClassified.WithLabelValues(s.network.Name, c.Kind.String()).Inc()
		switch {
		case c.Kind == addrutil.KindUnknown:
			s.logger.Debug("Classification unknown, skipping", "addr", c.Address)
		case c.SelfDestroyed:
			rows = append(rows, storage.AddressRow{
				Address:     c.Address,
				Network:     s.network.Name,
				CodeHash:    c.CodeHash,
				FirstSeen:   now,
				LastUpdated: now,
				Tags:        c.FinalTags(false),
			})
		case c.Kind == addrutil.KindContract:
			contracts = append(contracts, c)
		default: // EOA, including EIP-7702 smart wallets
			rows = append(rows, storage.AddressRow{
				Address:     c.Address,
				Network:     s.network.Name,
				CodeHash:    c.CodeHash, // nil for plain EOAs, set for 7702
				FirstSeen:   now,
				LastUpdated: now,
				Tags:        c.FinalTags(false),
			})
		}
	}

	contractRows, pending := s.verifyContracts(ctx, contracts, now)
	rows = append(rows, contractRows...)
	if err := s.db.UpsertAddresses(ctx, rows); err != nil {
		return err
	}

	if len(pending) > 0 {
		// Detached from the batch group's cancellation, since Run waits
		// on deployWG after the group is done, but still bounded by a
		// deadline of its own.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deployFetchGrace)
		s.deployWG.Add(1)
		go func() {
			defer s.deployWG.Done()
			defer cancel()
			s.fetchDeploymentTimes(fetchCtx, pending)
		}()
	}
	return nil
}

// verifyContracts runs the selective verification stage: only contracts
// holding any non-zero balance are worth an explorer lookup; the rest are
// stored unverified. It returns the finished rows and the addresses still
// missing a deployment time.
func (s *Scanner) verifyContracts(ctx context.Context, contracts []Classified, now int64) ([]storage.AddressRow, []string) {
	if len(contracts) == 0 {
		return nil, nil
	}
	hexAddrs := make([]common.Address, len(contracts))
	for i, c := range contracts {
		hexAddrs[i] = common.HexToAddress(c.Address)
	}
	funded := make(map[string]bool, len(contracts))
	if s.balances != nil {
		native := s.balances.NativeBalances(ctx, hexAddrs)
		for i, bal := range native {
			if bal != nil && bal.Sign() > 0 {
				funded[contracts[i].Address] = true
			}
		}
		if len(s.cfg.Whitelist) > 0 {
			erc20 := s.balances.ERC20Balances(ctx, hexAddrs, s.cfg.Whitelist)
			for i, holder := range hexAddrs {
				for _, bal := range erc20[holder] {
					if bal != nil && bal.Sign() > 0 {
						funded[contracts[i].Address] = true
						break
					}
				}
			}
		}
	}

	var rows []storage.AddressRow
	var pending []string
	for _, c := range contracts {
		c := c
		row := storage.AddressRow{
			Address:     c.Address,
			Network:     s.network.Name,
			CodeHash:    c.CodeHash,
			FirstSeen:   now,
			LastUpdated: now,
		}
		verified := false
		if funded[c.Address] {
			metrics.VerificationCalls.WithLabelValues(s.network.Name).Inc()
			src, err := s.xp.GetContractSource(ctx, c.Address)
			if err != nil {
				s.logger.Debug("Source lookup failed", "addr", c.Address, "err", err)
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
		row.Tags = c.FinalTags(verified)
		rows = append(rows, row)
		if c.NeedsDeployTime {
			pending = append(pending, c.Address)
		}
	}
	return rows, pending
}

// fetchDeploymentTimes resolves creation timestamps for contracts in
// explorer-capped batches and writes them independently; the address rows
// already exist by the time this runs.
func (s *Scanner) fetchDeploymentTimes(ctx context.Context, addrs []string) {
	for start := 0; start < len(addrs); start += explorer.CreationBatchLimit {
		if ctx.Err() != nil {
			s.logger.Warn("Deployment time fetch cut short", "remaining", len(addrs)-start, "err", ctx.Err())
			return
		}
		end := start + explorer.CreationBatchLimit
		if end > len(addrs) {
			end = len(addrs)
		}
		creations, err := s.xp.GetContractCreation(ctx, addrs[start:end])
		if err != nil {
			s.logger.Debug("Creation lookup failed", "addrs", end-start, "err", err)
			continue
		}
		var rows []storage.AddressRow
		now := time.Now().Unix()
		for _, cr := range creations {
			norm, err := addrutil.Normalize(cr.ContractAddress)
			if err != nil {
				continue
			}
			ts, ok := s.resolveDeployTime(ctx, cr.TxHash)
			if !ok {
				continue
			}
			deployed := ts
			rows = append(rows, storage.AddressRow{
				Address:     norm,
				Network:     s.network.Name,
				Deployed:    &deployed,
				FirstSeen:   now,
				LastUpdated: now,
			})
		}
		if len(rows) > 0 {
			if err := s.db.UpsertAddresses(ctx, rows); err != nil {
				s.logger.Warn("Deployment time upsert failed", "rows", len(rows), "err", err)
			}
		}
	}
}

// resolveDeployTime turns a creation tx hash into a Unix timestamp. Genesis
// allocations resolve to the chain's genesis timestamp.
func (s *Scanner) resolveDeployTime(ctx context.Context, txHash string) (int64, bool) {
	if len(txHash) >= len(params.GenesisTxPrefix) && txHash[:len(params.GenesisTxPrefix)] == params.GenesisTxPrefix {
		if ts := s.network.GenesisTime; ts > 0 {
			return ts, true
		}
		return 0, false
	}
	block, err := s.xp.TransactionBlock(ctx, txHash)
	if err != nil {
		s.logger.Debug("Creation tx lookup failed", "tx", txHash, "err", err)
		return 0, false
	}
	ts, err := s.xp.BlockTimestamp(ctx, block)
	if err != nil {
		s.logger.Debug("Creation block lookup failed", "block", block, "err", err)
		return 0, false
	}
	return ts, true
}
