// Package chainrpc provides the typed JSON-RPC client the indexer jobs talk
// to a chain through. A client owns one or more gateway endpoints (primary
// plus fallbacks), probes its service tier on demand, spaces requests when
// no local proxy is in use, and reports getLogs failures with a classified
// kind so the scanner can decide whether to shrink, split, skip or exclude.
package chainrpc

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/tos-network/chainscan/params"
)

const (
	defaultRetries        = 3
	defaultRequestTimeout = 30 * time.Second
	defaultMinSpacing     = 200 * time.Millisecond
	retryBackoffBase      = 500 * time.Millisecond

	// tierInfoMethod is the gateway extension that reports the account's
	// service tier. Gateways without it answer with a method-not-found
	// error and the client assumes the free tier.
	tierInfoMethod = "gw_serviceTier"
)

// Config configures a Client for one network.
type Config struct {
	Network *params.Network
	URLs    []string // primary first, fallbacks after

	// Tier fixes the service tier; TierAuto probes the gateway on first
	// use.
	Tier params.Tier

	Retries        int           // attempts per endpoint round, default 3
	RequestTimeout time.Duration // per-attempt deadline, default 30s

	// MinSpacing is the minimum gap between consecutive requests. Zero
	// disables the budget, which is how a declared local proxy runs
	// batches back to back.
	MinSpacing time.Duration
}

// Client is a failover pool of JSON-RPC endpoints for a single chain.
type Client struct {
	cfg     Config
	clients []*rpc.Client
	logger  log.Logger

	mu       sync.Mutex
	tier     params.Tier
	probed   bool
	lastReq  time.Time
}

// Dial connects to every configured endpoint. At least one URL must be
// reachable; unreachable fallbacks are logged and dropped.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Network == nil {
		return nil, fmt.Errorf("chainrpc: nil network")
	}
	if cfg.Retries <= 0 {
		cfg.Retries = defaultRetries
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	logger := log.New("chain", cfg.Network.Name)

	var clients []*rpc.Client
	for _, url := range cfg.URLs {
		c, err := rpc.DialContext(ctx, url)
		if err != nil {
			logger.Warn("RPC endpoint unreachable, dropping", "url", url, "err", err)
			continue
		}
		clients = append(clients, c)
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("chainrpc: no reachable endpoint for %s", cfg.Network.Name)
	}
	tier := cfg.Tier
	probed := tier == params.TierFree || tier == params.TierPremium
	return &Client{cfg: cfg, clients: clients, logger: logger, tier: tier, probed: probed}, nil
}

// Close releases every endpoint connection.
func (c *Client) Close() {
	for _, cl := range c.clients {
		cl.Close()
	}
}

// Network returns the chain this client serves.
func (c *Client) Network() *params.Network { return c.cfg.Network }

// Tier returns the detected or configured service tier, probing the gateway
// on the first call when the tier was left on auto.
func (c *Client) Tier(ctx context.Context) params.Tier {
	c.mu.Lock()
	if c.probed {
		tier := c.tier
		c.mu.Unlock()
		return tier
	}
	c.mu.Unlock()

	tier := params.TierFree
	var info string
	if err := c.Request(ctx, &info, tierInfoMethod); err == nil {
		if strings.Contains(strings.ToLower(info), "premium") || strings.Contains(strings.ToLower(info), "growth") {
			tier = params.TierPremium
		}
	} else {
		c.logger.Debug("Tier probe failed, assuming free", "err", err)
	}

	c.mu.Lock()
	c.tier = tier
	c.probed = true
	c.mu.Unlock()
	c.logger.Info("RPC service tier detected", "tier", tier)
	return tier
}

// MaxLogSpan is the getLogs block-span cap for the detected tier.
func (c *Client) MaxLogSpan(ctx context.Context) uint64 {
	return c.cfg.Network.MaxLogSpan(c.Tier(ctx))
}

// pace enforces the minimum request spacing.
func (c *Client) pace() {
	if c.cfg.MinSpacing <= 0 {
		return
	}
	c.mu.Lock()
	wait := c.cfg.MinSpacing - time.Since(c.lastReq)
	c.lastReq = time.Now().Add(wait)
	c.mu.Unlock()
	if wait > 0 {
		time.Sleep(wait)
	}
}

// do runs fn against each endpoint in order, retrying the whole round with
// exponential backoff. Errors whose recovery belongs to the caller (too many
// results, oversized response, range cap) abort immediately.
func (c *Client) do(ctx context.Context, method string, fn func(ctx context.Context, cl *rpc.Client) error) error {
	var last *Error
	for round := 0; round < c.cfg.Retries; round++ {
		if round > 0 {
			backoff := retryBackoffBase << (round - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return classify(method, ctx.Err())
			}
		}
		for i, cl := range c.clients {
			c.pace()
			attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
			err := fn(attemptCtx, cl)
			cancel()
			if err == nil {
				return nil
			}
			last = classify(method, err)
			switch last.Kind {
			case KindTooManyResults, KindResponseTooLarge, KindRangeExceeded:
				return last
			}
			c.logger.Debug("RPC attempt failed", "method", method, "endpoint", i, "round", round, "kind", last.Kind, "err", err)
			if ctx.Err() != nil {
				return classify(method, ctx.Err())
			}
		}
	}
	return exhausted(method, last)
}

// Request performs a generic JSON-RPC call with failover and retry.
func (c *Client) Request(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	return c.do(ctx, method, func(ctx context.Context, cl *rpc.Client) error {
		return cl.CallContext(ctx, result, method, args...)
	})
}

// BlockNumber returns the current head block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var head hexutil.Uint64
	if err := c.Request(ctx, &head, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return uint64(head), nil
}

// HeaderByNumber returns the header of the given block.
func (c *Client) HeaderByNumber(ctx context.Context, number uint64) (*types.Header, error) {
	var head *types.Header
	err := c.Request(ctx, &head, "eth_getBlockByNumber", hexutil.EncodeUint64(number), false)
	if err != nil {
		return nil, err
	}
	if head == nil {
		return nil, &Error{Kind: KindUnknown, Method: "eth_getBlockByNumber", Err: fmt.Errorf("block %d not found", number)}
	}
	return head, nil
}

// FilterLogs runs eth_getLogs over [from, to] for the given topics. Failure
// is reported with a classified kind; range policy belongs to the caller.
func (c *Client) FilterLogs(ctx context.Context, from, to uint64, topics [][]common.Hash) ([]types.Log, error) {
	arg := map[string]interface{}{
		"fromBlock": hexutil.EncodeUint64(from),
		"toBlock":   hexutil.EncodeUint64(to),
	}
	if len(topics) > 0 {
		arg["topics"] = topics
	}
	var logs []types.Log
	if err := c.Request(ctx, &logs, "eth_getLogs", arg); err != nil {
		return nil, err
	}
	return logs, nil
}

// CallContract performs eth_call against the latest block.
func (c *Client) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	arg := map[string]interface{}{
		"to":   to,
		"data": hexutil.Bytes(data),
	}
	var out hexutil.Bytes
	if err := c.Request(ctx, &out, "eth_call", arg, "latest"); err != nil {
		return nil, err
	}
	return out, nil
}

// CodeAt returns the live code of an address at the latest block.
func (c *Client) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	var out hexutil.Bytes
	if err := c.Request(ctx, &out, "eth_getCode", addr, "latest"); err != nil {
		return nil, err
	}
	return out, nil
}

// CodeAtBatch fetches live code for many addresses in one batch request.
// The result slice is parallel to addrs; a per-element failure yields a nil
// entry rather than failing the batch.
func (c *Client) CodeAtBatch(ctx context.Context, addrs []common.Address) ([][]byte, error) {
	if len(addrs) == 0 {
		return nil, nil
	}
	results := make([]hexutil.Bytes, len(addrs))
	batch := make([]rpc.BatchElem, len(addrs))
	for i, addr := range addrs {
		batch[i] = rpc.BatchElem{
			Method: "eth_getCode",
			Args:   []interface{}{addr, "latest"},
			Result: &results[i],
		}
	}
	err := c.do(ctx, "eth_getCode", func(ctx context.Context, cl *rpc.Client) error {
		return cl.BatchCallContext(ctx, batch)
	})
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(addrs))
	for i := range batch {
		if batch[i].Error != nil {
			c.logger.Debug("Batched getCode element failed", "addr", addrs[i], "err", batch[i].Error)
			continue
		}
		out[i] = results[i]
	}
	return out, nil
}

// TransactionByHash returns a transaction by hash, or nil when unknown.
func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, error) {
	var tx *types.Transaction
	if err := c.Request(ctx, &tx, "eth_getTransactionByHash", hash); err != nil {
		return nil, err
	}
	return tx, nil
}

// NativeBalance returns the native balance of a single address.
func (c *Client) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	var out hexutil.Big
	if err := c.Request(ctx, &out, "eth_getBalance", addr, "latest"); err != nil {
		return nil, err
	}
	return (*big.Int)(&out), nil
}
