package scanner

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tos-network/chainscan/addrutil"
	"github.com/tos-network/chainscan/chainrpc"
	"github.com/tos-network/chainscan/explorer"
	"github.com/tos-network/chainscan/params"
	"github.com/tos-network/chainscan/storage"
)

type fakeRPC struct {
	head   uint64
	filter func(from, to uint64) ([]types.Log, error)
	codes  map[common.Address][]byte
}

func (f *fakeRPC) BlockNumber(ctx context.Context) (uint64, error) { return f.head, nil }

func (f *fakeRPC) FilterLogs(ctx context.Context, from, to uint64, topics [][]common.Hash) ([]types.Log, error) {
	return f.filter(from, to)
}

func (f *fakeRPC) MaxLogSpan(ctx context.Context) uint64 { return 1000 }

func (f *fakeRPC) Tier(ctx context.Context) params.Tier { return params.TierFree }

func (f *fakeRPC) CodeAtBatch(ctx context.Context, addrs []common.Address) ([][]byte, error) {
	out := make([][]byte, len(addrs))
	for i, a := range addrs {
		if code, ok := f.codes[a]; ok {
			out[i] = code
		} else {
			out[i] = []byte{} // empty code, a plain EOA
		}
	}
	return out, nil
}

type fakeExplorer struct {
	fromBlock uint64
	sources   map[string]*explorer.ContractSource
	creations map[string]explorer.ContractCreation
	blockTime map[uint64]int64
	txBlock   map[string]uint64

	sourceCalls         []string
	creationCalls       int
	creationHadDeadline bool
}

func (f *fakeExplorer) BlockByTimestamp(ctx context.Context, ts int64) (uint64, error) {
	return f.fromBlock, nil
}

func (f *fakeExplorer) BlockTimestamp(ctx context.Context, number uint64) (int64, error) {
	ts, ok := f.blockTime[number]
	if !ok {
		return 0, errors.New("no such block")
	}
	return ts, nil
}

func (f *fakeExplorer) TransactionBlock(ctx context.Context, txHash string) (uint64, error) {
	b, ok := f.txBlock[txHash]
	if !ok {
		return 0, errors.New("no such tx")
	}
	return b, nil
}

func (f *fakeExplorer) GetContractSource(ctx context.Context, address string) (*explorer.ContractSource, error) {
	f.sourceCalls = append(f.sourceCalls, address)
	return f.sources[address], nil
}

func (f *fakeExplorer) GetContractCreation(ctx context.Context, addresses []string) ([]explorer.ContractCreation, error) {
	f.creationCalls++
	_, f.creationHadDeadline = ctx.Deadline()
	var out []explorer.ContractCreation
	for _, a := range addresses {
		if cr, ok := f.creations[a]; ok {
			out = append(out, cr)
		}
	}
	return out, nil
}

type fakeStore struct {
	mu       sync.Mutex
	known    map[string]bool
	hashes   map[string]string
	deployed map[string]int64
	excluded map[uint64]string
	upserts  []storage.AddressRow
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		known:    map[string]bool{},
		hashes:   map[string]string{},
		deployed: map[string]int64{},
		excluded: map[uint64]string{},
	}
}

func (f *fakeStore) KnownAddresses(ctx context.Context, network string, addrs []string) (map[string]bool, error) {
	out := map[string]bool{}
	for _, a := range addrs {
		if f.known[a] {
			out[a] = true
		}
	}
	return out, nil
}

func (f *fakeStore) StoredCodeHashes(ctx context.Context, network string, addrs []string) (map[string]string, error) {
	out := map[string]string{}
	for _, a := range addrs {
		if h, ok := f.hashes[a]; ok {
			out[a] = h
		}
	}
	return out, nil
}

func (f *fakeStore) DeployedTimes(ctx context.Context, network string, addrs []string) (map[string]int64, error) {
	out := map[string]int64{}
	for _, a := range addrs {
		if ts, ok := f.deployed[a]; ok {
			out[a] = ts
		}
	}
	return out, nil
}

func (f *fakeStore) UpsertAddresses(ctx context.Context, rows []storage.AddressRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, rows...)
	return nil
}

func (f *fakeStore) LoadExcludedBlocks(ctx context.Context, network string) (mapset.Set[uint64], error) {
	set := mapset.NewSet[uint64]()
	for b := range f.excluded {
		set.Add(b)
	}
	return set, nil
}

func (f *fakeStore) RecordExcludedBlock(ctx context.Context, network string, block uint64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.excluded[block] = reason
	return nil
}

func (f *fakeStore) row(addr string) *storage.AddressRow {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.upserts) - 1; i >= 0; i-- {
		if f.upserts[i].Address == addr {
			return &f.upserts[i]
		}
	}
	return nil
}

type fakeBalances struct {
	native map[common.Address]*big.Int
	erc20  map[common.Address]map[common.Address]*big.Int
}

func (f *fakeBalances) NativeBalances(ctx context.Context, addrs []common.Address) []*big.Int {
	out := make([]*big.Int, len(addrs))
	for i, a := range addrs {
		if b, ok := f.native[a]; ok {
			out[i] = b
		} else {
			out[i] = new(big.Int)
		}
	}
	return out
}

func (f *fakeBalances) ERC20Balances(ctx context.Context, addrs, tokens []common.Address) map[common.Address]map[common.Address]*big.Int {
	return f.erc20
}

func transferLog(from, to common.Address) types.Log {
	return types.Log{
		Topics: []common.Hash{
			TransferTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
	}
}

func testScanner(rpc *fakeRPC, xp *fakeExplorer, store *fakeStore, bal *fakeBalances) *Scanner {
	return New(context.Background(), params.ByName("ethereum"), rpc, xp, store, bal, Config{})
}

func TestExtractNewAddressesDedupes(t *testing.T) {
	a := common.HexToAddress("0x1111111111111111111111111111111111111111")
	b := common.HexToAddress("0x2222222222222222222222222222222222222222")
	s := testScanner(&fakeRPC{}, &fakeExplorer{}, newFakeStore(), nil)

	logs := []types.Log{transferLog(a, b), transferLog(b, a), transferLog(a, a)}
	fresh := s.extractNewAddresses(logs)
	if len(fresh) != 2 {
		t.Fatalf("fresh = %v, want 2 distinct addresses", fresh)
	}
	if again := s.extractNewAddresses(logs); len(again) != 0 {
		t.Fatalf("second pass returned %v, want none", again)
	}
}

func TestExtractNewAddressesSkipsZeroAddress(t *testing.T) {
	a := common.HexToAddress("0x1111111111111111111111111111111111111111")
	s := testScanner(&fakeRPC{}, &fakeExplorer{}, newFakeStore(), nil)

	fresh := s.extractNewAddresses([]types.Log{transferLog(common.Address{}, a)})
	if len(fresh) != 1 {
		t.Fatalf("fresh = %v, want only the mint recipient", fresh)
	}
}

func TestNextRangeSkipsExcluded(t *testing.T) {
	store := newFakeStore()
	store.excluded[100] = "x"
	store.excluded[103] = "x"
	s := testScanner(&fakeRPC{}, &fakeExplorer{}, store, nil)
	s.excluded, _ = store.LoadExcludedBlocks(context.Background(), "ethereum")
	s.tuner.set(10)

	start, end, ok := s.nextRange(100, 200)
	if !ok {
		t.Fatal("no range")
	}
	if start != 101 || end != 102 {
		t.Fatalf("range = [%d, %d], want [101, 102]", start, end)
	}
}

func TestHandleFetchErrorExcludesAfterSingleBlockRetries(t *testing.T) {
	store := newFakeStore()
	s := testScanner(&fakeRPC{}, &fakeExplorer{}, store, nil)
	s.excluded = mapset.NewSet[uint64]()
	timeout := &chainrpc.Error{Kind: chainrpc.KindTimeout, Method: "eth_getLogs", Err: errors.New("timed out")}

	cur, retries := uint64(500), 0
	for i := 0; i < maxSingleRetries; i++ {
		cur, retries = s.handleFetchError(context.Background(), timeout, 500, 500, retries)
	}
	if cur != 501 {
		t.Fatalf("cursor = %d, want advance past excluded block", cur)
	}
	if retries != 0 {
		t.Fatalf("retries = %d, want reset", retries)
	}
	if _, ok := store.excluded[500]; !ok {
		t.Fatal("block 500 was not recorded as excluded")
	}
}

func TestHandleFetchErrorHonorsSuggestedRange(t *testing.T) {
	s := testScanner(&fakeRPC{}, &fakeExplorer{}, newFakeStore(), nil)
	s.tuner.set(100)
	err := &chainrpc.Error{
		Kind: chainrpc.KindTooManyResults, Method: "eth_getLogs",
		Err:           errors.New("query returned more than 10000 results"),
		HasSuggestion: true, SuggestedFrom: 1000, SuggestedTo: 1024,
	}
	cur, retries := s.handleFetchError(context.Background(), err, 1000, 1099, 0)
	if cur != 1000 || retries != 1 {
		t.Fatalf("cur=%d retries=%d, want retry in place", cur, retries)
	}
	if got := s.tuner.current(); got != 25 {
		t.Fatalf("size = %d, want suggested span 25", got)
	}
}

func TestHandleFetchErrorExhaustedAdvances(t *testing.T) {
	s := testScanner(&fakeRPC{}, &fakeExplorer{}, newFakeStore(), nil)
	s.tuner.set(40)
	err := &chainrpc.Error{Kind: chainrpc.KindExhausted, Method: "eth_getLogs", Err: errors.New("boom")}
	cur, _ := s.handleFetchError(context.Background(), err, 2000, 2039, 0)
	if cur != 2040 {
		t.Fatalf("cursor = %d, want range skipped", cur)
	}
	if got := s.tuner.current(); got != 20 {
		t.Fatalf("size = %d, want halved", got)
	}
}

func TestProcessBatchClassifiesAndPersists(t *testing.T) {
	eoa := "0x1111111111111111111111111111111111111111"
	fundedContract := "0x2222222222222222222222222222222222222222"
	brokeContract := "0x3333333333333333333333333333333333333333"
	destroyed := "0x4444444444444444444444444444444444444444"
	known := "0x5555555555555555555555555555555555555555"

	code := []byte{0x60, 0x80, 0x60, 0x40}
	rpc := &fakeRPC{codes: map[common.Address][]byte{
		common.HexToAddress(fundedContract): code,
		common.HexToAddress(brokeContract):  code,
	}}
	xp := &fakeExplorer{sources: map[string]*explorer.ContractSource{
		fundedContract: {ContractName: "Vault"},
	}}
	store := newFakeStore()
	store.known[known] = true
	store.hashes[destroyed] = crypto.Keccak256Hash([]byte{0xde, 0xad}).Hex()
	store.deployed[fundedContract] = 1700000000
	store.deployed[brokeContract] = 1700000000
	bal := &fakeBalances{native: map[common.Address]*big.Int{
		common.HexToAddress(fundedContract): big.NewInt(1e18),
	}}

	s := testScanner(rpc, xp, store, bal)
	err := s.processBatch(context.Background(), []string{eoa, fundedContract, brokeContract, destroyed, known})
	if err != nil {
		t.Fatalf("processBatch: %v", err)
	}
	s.deployWG.Wait()

	if row := store.row(known); row != nil {
		t.Fatal("known address was rewritten")
	}

	row := store.row(eoa)
	if row == nil || !row.HasTag(addrutil.TagEOA) || row.CodeHash != nil {
		t.Fatalf("eoa row = %+v", row)
	}

	row = store.row(fundedContract)
	if row == nil || !row.HasTag(addrutil.TagVerified) {
		t.Fatalf("funded contract row = %+v", row)
	}
	if row.ContractName == nil || *row.ContractName != "Vault" {
		t.Fatalf("contract name = %v", row.ContractName)
	}
	if row.NameChecked == nil || !*row.NameChecked {
		t.Fatal("name_checked not set on verified contract")
	}

	row = store.row(brokeContract)
	if row == nil || !row.HasTag(addrutil.TagUnverified) {
		t.Fatalf("unfunded contract row = %+v", row)
	}
	for _, called := range xp.sourceCalls {
		if called == brokeContract {
			t.Fatal("explorer queried for a contract with no balance")
		}
	}

	row = store.row(destroyed)
	if row == nil || !row.HasTag(addrutil.TagSelfDestroyed) || !row.HasTag(addrutil.TagContract) {
		t.Fatalf("destroyed row = %+v", row)
	}
	if row.CodeHash == nil || *row.CodeHash != store.hashes[destroyed] {
		t.Fatal("stored code hash was not retained for the destroyed contract")
	}
}

func TestDeploymentTimesFetchedInBackground(t *testing.T) {
	contract := "0x2222222222222222222222222222222222222222"
	code := []byte{0x60, 0x80}
	rpc := &fakeRPC{codes: map[common.Address][]byte{
		common.HexToAddress(contract): code,
	}}
	xp := &fakeExplorer{
		sources: map[string]*explorer.ContractSource{},
		creations: map[string]explorer.ContractCreation{
			contract: {ContractAddress: contract, TxHash: "0xabc"},
		},
		txBlock:   map[string]uint64{"0xabc": 900},
		blockTime: map[uint64]int64{900: 1690000000},
	}
	store := newFakeStore()
	s := testScanner(rpc, xp, store, &fakeBalances{})

	if err := s.processBatch(context.Background(), []string{contract}); err != nil {
		t.Fatalf("processBatch: %v", err)
	}
	s.deployWG.Wait()

	var deployedRow *storage.AddressRow
	store.mu.Lock()
	for i := range store.upserts {
		if store.upserts[i].Address == contract && store.upserts[i].Deployed != nil {
			deployedRow = &store.upserts[i]
		}
	}
	store.mu.Unlock()
	if deployedRow == nil {
		t.Fatal("no deployment-time row written")
	}
	if *deployedRow.Deployed != 1690000000 {
		t.Fatalf("deployed = %d, want 1690000000", *deployedRow.Deployed)
	}
}

func TestDeploymentFetchBoundedByDeadline(t *testing.T) {
	contract := "0x2222222222222222222222222222222222222222"
	code := []byte{0x60, 0x80}
	rpc := &fakeRPC{codes: map[common.Address][]byte{
		common.HexToAddress(contract): code,
	}}
	xp := &fakeExplorer{
		creations: map[string]explorer.ContractCreation{
			contract: {ContractAddress: contract, TxHash: "0xabc"},
		},
		txBlock:   map[string]uint64{"0xabc": 900},
		blockTime: map[uint64]int64{900: 1690000000},
	}
	store := newFakeStore()
	s := testScanner(rpc, xp, store, &fakeBalances{})

	if err := s.processBatch(context.Background(), []string{contract}); err != nil {
		t.Fatalf("processBatch: %v", err)
	}
	s.deployWG.Wait()

	if xp.creationCalls == 0 {
		t.Fatal("background fetch never ran")
	}
	if !xp.creationHadDeadline {
		t.Fatal("background fetch context carries no deadline, a stalled explorer would hold the run open")
	}
}

func TestDeploymentFetchStopsOnExpiredContext(t *testing.T) {
	xp := &fakeExplorer{}
	s := testScanner(&fakeRPC{}, xp, newFakeStore(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.fetchDeploymentTimes(ctx, []string{"0x2222222222222222222222222222222222222222"})
	if xp.creationCalls != 0 {
		t.Fatalf("explorer queried %d times after the deadline", xp.creationCalls)
	}
}

func TestGenesisCreationUsesGenesisTime(t *testing.T) {
	s := testScanner(&fakeRPC{}, &fakeExplorer{}, newFakeStore(), nil)
	ts, ok := s.resolveDeployTime(context.Background(), params.GenesisTxPrefix+"_1")
	if !ok {
		t.Fatal("genesis creation not resolved")
	}
	if ts != params.ByName("ethereum").GenesisTime {
		t.Fatalf("ts = %d, want genesis time", ts)
	}
}

func TestRunScansWholeWindow(t *testing.T) {
	a := common.HexToAddress("0x1111111111111111111111111111111111111111")
	b := common.HexToAddress("0x2222222222222222222222222222222222222222")
	var mu sync.Mutex
	covered := map[uint64]bool{}
	rpc := &fakeRPC{
		head: 1019,
		filter: func(from, to uint64) ([]types.Log, error) {
			mu.Lock()
			for blk := from; blk <= to; blk++ {
				covered[blk] = true
			}
			mu.Unlock()
			if from <= 1005 && 1005 <= to {
				return []types.Log{transferLog(a, b)}, nil
			}
			return nil, nil
		},
	}
	store := newFakeStore()
	s := testScanner(rpc, &fakeExplorer{fromBlock: 1000}, store, &fakeBalances{})

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for blk := uint64(1000); blk <= 1019; blk++ {
		if !covered[blk] {
			t.Fatalf("block %d never fetched", blk)
		}
	}
	if store.row("0x1111111111111111111111111111111111111111") == nil {
		t.Fatal("transfer party never persisted")
	}
}
