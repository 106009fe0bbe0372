// Package explorer talks to block-explorer REST APIs. One client hides the
// two dialects in use: the unified v2 endpoint addressed by chainid query
// parameter and the older dedicated per-chain hosts. Responses from regular
// modules carry a {status, message, result} envelope; the proxy module
// (eth_* passthrough) answers raw JSON-RPC, so parsing branches on the
// module name.
package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ethereum/go-ethereum/log"

	"github.com/tos-network/chainscan/params"
)

// Failure classifications. An empty result ("No data found") is not among
// them: the explorer answering "nothing indexed here" is a negative
// classification signal, not an error.
var (
	ErrRateLimited = errors.New("explorer: rate limited")
	ErrInvalidKey  = errors.New("explorer: invalid api key")
	ErrMalformed   = errors.New("explorer: malformed response")
	ErrKeysExhausted = errors.New("explorer: all api keys rejected")
)

const (
	defaultRequestsPerKey = 90
	defaultMinInterval    = 220 * time.Millisecond
	defaultTimeout        = 20 * time.Second
	sourceCacheSize       = 4096

	// CreationBatchLimit is the explorer-side cap on addresses per
	// getcontractcreation call.
	CreationBatchLimit = 5
)

// Config configures an explorer client for one network.
type Config struct {
	Network *params.Network
	APIKeys []string

	// RequestsPerKey rotates to the next key after this many requests,
	// spreading the per-key rate budget. Default 90.
	RequestsPerKey int

	// MinInterval spaces consecutive requests. Default 220ms (under the
	// common 5 req/s per-key limit).
	MinInterval time.Duration

	HTTPClient *http.Client
}

// ContractSource is the verified source metadata of a contract. A nil
// result from GetContractSource means the address has no verified source.
type ContractSource struct {
	ContractName    string `json:"ContractName"`
	SourceCode      string `json:"SourceCode"`
	ABI             string `json:"ABI"`
	CompilerVersion string `json:"CompilerVersion"`
	Proxy           string `json:"Proxy"`
	Implementation  string `json:"Implementation"`
}

// ContractCreation describes who created a contract and in which tx.
type ContractCreation struct {
	ContractAddress string `json:"contractAddress"`
	ContractCreator string `json:"contractCreator"`
	TxHash          string `json:"txHash"`
}

// TokenInfo is the explorer's token shape record, cached in the DB with a
// 30-day TTL so repeated scans do not re-query it.
type TokenInfo struct {
	ContractAddress string `json:"contractAddress"`
	TokenName       string `json:"tokenName"`
	Symbol          string `json:"symbol"`
	Divisor         string `json:"divisor"`
	LogoURL         string `json:"website"`
}

// Client is a rate-budgeted explorer REST client with a rotating key ring.
type Client struct {
	cfg    Config
	http   *http.Client
	logger log.Logger

	mu       sync.Mutex
	keyIdx   int
	keyUses  int
	lastReq  time.Time

	sourceCache *lru.Cache[string, *ContractSource]
}

// New creates a client. At least one API key is required.
func New(cfg Config) (*Client, error) {
	if cfg.Network == nil {
		return nil, fmt.Errorf("explorer: nil network")
	}
	if len(cfg.APIKeys) == 0 {
		return nil, fmt.Errorf("explorer: no api keys for %s", cfg.Network.Name)
	}
	if cfg.RequestsPerKey <= 0 {
		cfg.RequestsPerKey = defaultRequestsPerKey
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = defaultMinInterval
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: defaultTimeout}
	}
	cache, err := lru.New[string, *ContractSource](sourceCacheSize)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:         cfg,
		http:        httpc,
		logger:      log.New("chain", cfg.Network.Name),
		sourceCache: cache,
	}, nil
}

// endpoint returns the base URL and whether the unified dialect is in use.
func (c *Client) endpoint() (string, bool) {
	if c.cfg.Network.UnifiedExplorer || c.cfg.Network.ExplorerHost == "" {
		return params.UnifiedExplorerURL, true
	}
	return c.cfg.Network.ExplorerHost, false
}

// nextKey returns the current API key, rotating after the per-key budget.
func (c *Client) nextKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keyUses++
	if c.keyUses > c.cfg.RequestsPerKey {
		c.keyIdx = (c.keyIdx + 1) % len(c.cfg.APIKeys)
		c.keyUses = 1
	}
	return c.cfg.APIKeys[c.keyIdx]
}

// rotateKey advances the ring immediately, after a 429 or key rejection.
func (c *Client) rotateKey() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keyIdx = (c.keyIdx + 1) % len(c.cfg.APIKeys)
	c.keyUses = 0
}

func (c *Client) pace() {
	c.mu.Lock()
	wait := c.cfg.MinInterval - time.Since(c.lastReq)
	c.lastReq = time.Now().Add(wait)
	c.mu.Unlock()
	if wait > 0 {
		time.Sleep(wait)
	}
}

// envelope is the response frame of every non-proxy module.
type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// proxyEnvelope is the raw JSON-RPC frame the proxy module answers with.
type proxyEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// get performs one explorer request and returns the raw result payload. A
// negative answer ("No data found", "No records found") returns (nil, nil).
func (c *Client) get(ctx context.Context, module, action string, query url.Values) (json.RawMessage, error) {
	base, unified := c.endpoint()
	var lastErr error
	for attempt := 0; attempt < len(c.cfg.APIKeys)+1; attempt++ {
		c.pace()
		q := url.Values{}
		for k, vs := range query {
			q[k] = vs
		}
		q.Set("module", module)
		q.Set("action", action)
		q.Set("apikey", c.nextKey())
		if unified {
			q.Set("chainid", c.cfg.Network.ChainID.String())
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			c.logger.Debug("Explorer rate limited, rotating key", "module", module, "action", action)
			c.rotateKey()
			lastErr = ErrRateLimited
			time.Sleep(time.Second)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("explorer: http %d for %s/%s", resp.StatusCode, module, action)
		}

		if module == "proxy" {
			var pe proxyEnvelope
			if err := json.Unmarshal(body, &pe); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			if pe.Error != nil {
				return nil, fmt.Errorf("explorer proxy: %s", pe.Error.Message)
			}
			return pe.Result, nil
		}

		var env envelope
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if env.Status == "1" {
			return env.Result, nil
		}
		msg := env.Message + " " + strings.Trim(string(env.Result), `"`)
		switch {
		case containsFold(msg, "no data found"), containsFold(msg, "no records found"), containsFold(msg, "no transactions found"):
			return nil, nil
		case containsFold(msg, "rate limit"):
			c.rotateKey()
			lastErr = ErrRateLimited
			time.Sleep(time.Second)
			continue
		case containsFold(msg, "invalid api key"):
			c.rotateKey()
			lastErr = ErrInvalidKey
			continue
		default:
			return nil, fmt.Errorf("explorer: %s/%s: %s", module, action, strings.TrimSpace(msg))
		}
	}
	if lastErr == ErrInvalidKey {
		return nil, ErrKeysExhausted
	}
	return nil, lastErr
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), needle)
}

// GetContractSource returns verified source metadata for an address, or nil
// when the explorer has none. Results are cached in-process.
func (c *Client) GetContractSource(ctx context.Context, address string) (*ContractSource, error) {
	if src, ok := c.sourceCache.Get(address); ok {
		return src, nil
	}
	raw, err := c.get(ctx, "contract", "getsourcecode", url.Values{"address": {address}})
	if err != nil || raw == nil {
		return nil, err
	}
	var results []ContractSource
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(results) == 0 || results[0].ContractName == "" || results[0].ABI == "Contract source code not verified" {
		return nil, nil
	}
	src := &results[0]
	c.sourceCache.Add(address, src)
	return src, nil
}

// GetContractCreation resolves creation transactions for up to
// CreationBatchLimit addresses in one call. Addresses the explorer has no
// record of are simply absent from the result.
func (c *Client) GetContractCreation(ctx context.Context, addresses []string) ([]ContractCreation, error) {
	if len(addresses) == 0 {
		return nil, nil
	}
	if len(addresses) > CreationBatchLimit {
		return nil, fmt.Errorf("explorer: at most %d addresses per creation lookup, got %d", CreationBatchLimit, len(addresses))
	}
	raw, err := c.get(ctx, "contract", "getcontractcreation", url.Values{
		"contractaddresses": {strings.Join(addresses, ",")},
	})
	if err != nil || raw == nil {
		return nil, err
	}
	var results []ContractCreation
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return results, nil
}

// BlockByTimestamp maps a Unix timestamp to the nearest block number before
// it. The scanner uses this to turn its time-delay window into a from-block.
func (c *Client) BlockByTimestamp(ctx context.Context, ts int64) (uint64, error) {
	raw, err := c.get(ctx, "block", "getblocknobytime", url.Values{
		"timestamp": {strconv.FormatInt(ts, 10)},
		"closest":   {"before"},
	})
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, fmt.Errorf("explorer: no block at timestamp %d", ts)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return strconv.ParseUint(strings.TrimSpace(s), 10, 64)
}

// BlockTimestamp returns the timestamp of a block via the proxy module.
func (c *Client) BlockTimestamp(ctx context.Context, number uint64) (int64, error) {
	raw, err := c.get(ctx, "proxy", "eth_getBlockByNumber", url.Values{
		"tag":     {"0x" + strconv.FormatUint(number, 16)},
		"boolean": {"false"},
	})
	if err != nil {
		return 0, err
	}
	var block struct {
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &block); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	ts, err := strconv.ParseUint(strings.TrimPrefix(block.Timestamp, "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad timestamp %q", ErrMalformed, block.Timestamp)
	}
	return int64(ts), nil
}

// TransactionBlock returns the block number a transaction landed in, via
// the proxy module. Genesis marker hashes short-circuit to block zero.
func (c *Client) TransactionBlock(ctx context.Context, txHash string) (uint64, error) {
	if strings.HasPrefix(txHash, params.GenesisTxPrefix) {
		return 0, nil
	}
	raw, err := c.get(ctx, "proxy", "eth_getTransactionByHash", url.Values{"txhash": {txHash}})
	if err != nil {
		return 0, err
	}
	var tx struct {
		BlockNumber string `json:"blockNumber"`
	}
	if err := json.Unmarshal(raw, &tx); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if tx.BlockNumber == "" {
		return 0, fmt.Errorf("explorer: tx %s not mined", txHash)
	}
	return strconv.ParseUint(strings.TrimPrefix(tx.BlockNumber, "0x"), 16, 64)
}

// GetTokenInfo returns the explorer's token shape record for a token
// contract, or nil when the explorer has none.
func (c *Client) GetTokenInfo(ctx context.Context, address string) (*TokenInfo, error) {
	raw, err := c.get(ctx, "token", "tokeninfo", url.Values{"contractaddress": {address}})
	if err != nil || raw == nil {
		return nil, err
	}
	var results []TokenInfo
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	return &results[0], nil
}
