// Package balances collects native and ERC-20 balances in bulk through the
// per-chain BalanceHelper contract. Chunk size adapts to what the gateway
// tolerates; on total chunk failure the reader degrades to paced
// per-address calls, recording zero as the last resort so valuation can
// still proceed.
package balances

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

const (
	initialChunk = 200
	minChunk     = 20
	maxChunk     = 500
	growStep     = 50
	growAfter    = 3
	shrinkFactor = 0.6

	perAddressSpacing = 100 * time.Millisecond
)

// helperABIJSON is the interface of the deployed BalanceHelper contract.
const helperABIJSON = `[
	{"name":"nativeBalances","type":"function","stateMutability":"view",
	 "inputs":[{"name":"holders","type":"address[]"}],
	 "outputs":[{"name":"","type":"uint256[]"}]},
	{"name":"tokenBalances","type":"function","stateMutability":"view",
	 "inputs":[{"name":"holders","type":"address[]"},{"name":"token","type":"address"}],
	 "outputs":[{"name":"","type":"uint256[]"}]}
]`

var helperABI abi.ABI

func init() {
	var err error
	helperABI, err = abi.JSON(strings.NewReader(helperABIJSON))
	if err != nil {
		panic(err)
	}
}

// erc20BalanceOf is the 4-byte selector of balanceOf(address), used by the
// per-address fallback path.
var erc20BalanceOf = []byte{0x70, 0xa0, 0x82, 0x31}

// Caller is the RPC surface the reader needs, satisfied by chainrpc.Client.
type Caller interface {
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error)
}

// chunkSizer adapts the multicall chunk size: three consecutive successes
// grow it by a fixed step up to the ceiling; any failure drops it to 60% of
// the current size, never below the floor. A failing chunk of size one does
// not shrink further.
type chunkSizer struct {
	size   int
	streak int
}

func newChunkSizer() *chunkSizer { return &chunkSizer{size: initialChunk} }

func (c *chunkSizer) current() int { return c.size }

func (c *chunkSizer) success() {
	c.streak++
	if c.streak >= growAfter {
		c.streak = 0
		c.size += growStep
		if c.size > maxChunk {
			c.size = maxChunk
		}
	}
}

func (c *chunkSizer) failure(chunkLen int) {
	c.streak = 0
	if chunkLen <= 1 {
		return
	}
	c.size = int(float64(c.size) * shrinkFactor)
	if c.size < minChunk {
		c.size = minChunk
	}
}

// Reader batches balance reads against one chain.
type Reader struct {
	client Caller
	helper common.Address
	sizer  *chunkSizer
	logger log.Logger
}

// NewReader creates a reader using the given helper deployment. A zero
// helper address disables multicall and every read goes per-address.
func NewReader(client Caller, helper common.Address, network string) *Reader {
	return &Reader{
		client: client,
		helper: helper,
		sizer:  newChunkSizer(),
		logger: log.New("module", "balances", "chain", network),
	}
}

// NativeBalances returns the native balance of every address, parallel to
// the input. Entries that could not be read are zero.
func (r *Reader) NativeBalances(ctx context.Context, addrs []common.Address) []*big.Int {
	out := make([]*big.Int, len(addrs))
	for i := range out {
		out[i] = new(big.Int)
	}
	r.forEachChunk(ctx, addrs, func(start int, chunk []common.Address) bool {
		balances, err := r.callNative(ctx, chunk)
		if err != nil {
			return false
		}
		copy(out[start:], balances)
		return true
	}, func(i int, addr common.Address) {
		if bal, err := r.client.NativeBalance(ctx, addr); err == nil && bal != nil {
			out[i] = bal
		}
	})
	return out
}

// ERC20Balances returns holder → token → balance for every (holder, token)
// pair. Unreadable entries are zero.
func (r *Reader) ERC20Balances(ctx context.Context, addrs, tokens []common.Address) map[common.Address]map[common.Address]*big.Int {
	out := make(map[common.Address]map[common.Address]*big.Int, len(addrs))
	for _, a := range addrs {
		out[a] = make(map[common.Address]*big.Int, len(tokens))
		for _, t := range tokens {
			out[a][t] = new(big.Int)
		}
	}
	for _, token := range tokens {
		token := token
		r.forEachChunk(ctx, addrs, func(start int, chunk []common.Address) bool {
			balances, err := r.callToken(ctx, chunk, token)
			if err != nil {
				return false
			}
			for i, bal := range balances {
				out[chunk[i]][token] = bal
			}
			return true
		}, func(i int, addr common.Address) {
			if bal := r.singleTokenBalance(ctx, addr, token); bal != nil {
				out[addr][token] = bal
			}
		})
	}
	return out
}

// forEachChunk walks addrs in adaptive chunks. A failed chunk is retried
// once at the reduced size; if it fails again the fallback runs per-address
// with pacing.
func (r *Reader) forEachChunk(ctx context.Context, addrs []common.Address, call func(start int, chunk []common.Address) bool, fallback func(i int, addr common.Address)) {
	start := 0
	for start < len(addrs) {
		size := r.sizer.current()
		if r.helper == (common.Address{}) {
			size = 1
		}
		end := start + size
		if end > len(addrs) {
			end = len(addrs)
		}
		chunk := addrs[start:end]

		if r.helper != (common.Address{}) {
			if call(start, chunk) {
				r.sizer.success()
				start = end
				continue
			}
			r.sizer.failure(len(chunk))

			// One retry at the reduced size before degrading.
			retryEnd := start + r.sizer.current()
			if retryEnd > len(addrs) {
				retryEnd = len(addrs)
			}
			if call(start, addrs[start:retryEnd]) {
				r.sizer.success()
				start = retryEnd
				continue
			}
			r.sizer.failure(retryEnd - start)
			r.logger.Warn("Balance chunk failed twice, degrading to per-address", "start", start, "size", retryEnd-start)
			end = retryEnd
		}

		for i := start; i < end; i++ {
			fallback(i, addrs[i])
			time.Sleep(perAddressSpacing)
		}
		start = end
	}
}

func (r *Reader) callNative(ctx context.Context, chunk []common.Address) ([]*big.Int, error) {
	data, err := helperABI.Pack("nativeBalances", chunk)
	if err != nil {
		return nil, err
	}
	ret, err := r.client.CallContract(ctx, r.helper, data)
	if err != nil {
		return nil, err
	}
	return unpackUints("nativeBalances", ret, len(chunk))
}

func (r *Reader) callToken(ctx context.Context, chunk []common.Address, token common.Address) ([]*big.Int, error) {
	data, err := helperABI.Pack("tokenBalances", chunk, token)
	if err != nil {
		return nil, err
	}
	ret, err := r.client.CallContract(ctx, r.helper, data)
	if err != nil {
		return nil, err
	}
	return unpackUints("tokenBalances", ret, len(chunk))
}

// errBadReturn flags a helper response whose shape does not match the
// request.
var errBadReturn = errors.New("balances: malformed helper return")

func unpackUints(method string, ret []byte, want int) ([]*big.Int, error) {
	values, err := helperABI.Unpack(method, ret)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, errBadReturn
	}
	out, ok := values[0].([]*big.Int)
	if !ok || len(out) != want {
		return nil, errBadReturn
	}
	return out, nil
}

// singleTokenBalance calls balanceOf(holder) directly on the token.
func (r *Reader) singleTokenBalance(ctx context.Context, holder, token common.Address) *big.Int {
	data := make([]byte, 4+32)
	copy(data, erc20BalanceOf)
	copy(data[4+12:], holder.Bytes())
	ret, err := r.client.CallContract(ctx, token, data)
	if err != nil || len(ret) < 32 {
		return nil
	}
	return new(big.Int).SetBytes(ret[:32])
}
