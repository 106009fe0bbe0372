package revalidator

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tos-network/chainscan/addrutil"
	"github.com/tos-network/chainscan/explorer"
	"github.com/tos-network/chainscan/params"
	"github.com/tos-network/chainscan/storage"
)

type fakeCodeReader struct {
	codes map[common.Address][]byte
	err   error
}

func (f *fakeCodeReader) CodeAtBatch(ctx context.Context, addrs []common.Address) ([][]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]byte, len(addrs))
	for i, a := range addrs {
		if code, ok := f.codes[a]; ok {
			out[i] = code
		} else {
			out[i] = []byte{}
		}
	}
	return out, nil
}

type fakeStore struct {
	selection  []storage.AddressRow
	recentDays int
	hashes     map[string]string
	deployed   map[string]int64
	upserts    []storage.AddressRow
}

func (f *fakeStore) SelectForRevalidation(ctx context.Context, network string, recentDays int) ([]storage.AddressRow, error) {
	f.recentDays = recentDays
	return f.selection, nil
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
	f.upserts = append(f.upserts, rows...)
	return nil
}

func (f *fakeStore) row(addr string) *storage.AddressRow {
	for i := len(f.upserts) - 1; i >= 0; i-- {
		if f.upserts[i].Address == addr {
			return &f.upserts[i]
		}
	}
	return nil
}

type fakeExplorer struct {
	sources   map[string]*explorer.ContractSource
	sourceErr error
	creations map[string]explorer.ContractCreation
	txBlock   map[string]uint64
	blockTime map[uint64]int64

	sourceCalls int
}

func (f *fakeExplorer) GetContractSource(ctx context.Context, address string) (*explorer.ContractSource, error) {
	f.sourceCalls++
	if f.sourceErr != nil {
		return nil, f.sourceErr
	}
	return f.sources[address], nil
}

func (f *fakeExplorer) GetContractCreation(ctx context.Context, addresses []string) ([]explorer.ContractCreation, error) {
	var out []explorer.ContractCreation
	for _, a := range addresses {
		if cr, ok := f.creations[a]; ok {
			out = append(out, cr)
		}
	}
	return out, nil
}

func (f *fakeExplorer) TransactionBlock(ctx context.Context, txHash string) (uint64, error) {
	b, ok := f.txBlock[txHash]
	if !ok {
		return 0, errors.New("no such tx")
	}
	return b, nil
}

func (f *fakeExplorer) BlockTimestamp(ctx context.Context, number uint64) (int64, error) {
	ts, ok := f.blockTime[number]
	if !ok {
		return 0, errors.New("no such block")
	}
	return ts, nil
}

const (
	untagged     = "0x1111111111111111111111111111111111111111"
	bareContract = "0x2222222222222222222222222222222222222222"
	resurrected  = "0x3333333333333333333333333333333333333333"
)

func TestRunRepairsUntaggedRows(t *testing.T) {
	code := []byte{0x60, 0x80}
	client := &fakeCodeReader{codes: map[common.Address][]byte{
		common.HexToAddress(bareContract): code,
	}}
	store := &fakeStore{
		selection: []storage.AddressRow{
			{Address: untagged, Network: "ethereum", FirstSeen: 100},
			{Address: bareContract, Network: "ethereum", FirstSeen: 200},
		},
		hashes:   map[string]string{},
		deployed: map[string]int64{},
	}
	xp := &fakeExplorer{
		sources: map[string]*explorer.ContractSource{
			bareContract: {ContractName: "Registry"},
		},
		creations: map[string]explorer.ContractCreation{
			bareContract: {ContractAddress: bareContract, TxHash: "0xfeed"},
		},
		txBlock:   map[string]uint64{"0xfeed": 1234},
		blockTime: map[uint64]int64{1234: 1650000000},
	}

	r := New(params.ByName("ethereum"), client, xp, store, Config{})
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	row := store.row(untagged)
	if row == nil || !row.HasTag(addrutil.TagEOA) {
		t.Fatalf("untagged EOA row = %+v", row)
	}
	if row.FirstSeen != 100 {
		t.Fatalf("first_seen rewritten to %d", row.FirstSeen)
	}

	row = store.row(bareContract)
	if row == nil || !row.HasTag(addrutil.TagContract) || !row.HasTag(addrutil.TagVerified) {
		t.Fatalf("contract row = %+v", row)
	}
	if row.CodeHash == nil || *row.CodeHash != crypto.Keccak256Hash(code).Hex() {
		t.Fatal("code hash not repaired")
	}
	if row.Deployed == nil || *row.Deployed != 1650000000 {
		t.Fatalf("deployed = %v, want creation timestamp", row.Deployed)
	}
}

func TestRunSkipsUnobservableRows(t *testing.T) {
	client := &fakeCodeReader{err: errors.New("rpc down")}
	store := &fakeStore{
		selection: []storage.AddressRow{{Address: untagged, Network: "ethereum"}},
	}
	r := New(params.ByName("ethereum"), client, &fakeExplorer{}, store, Config{})
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(store.upserts) != 0 {
		t.Fatalf("rows rewritten without an observation: %v", store.upserts)
	}
}

func TestRunDetectsSelfDestructOnRecheck(t *testing.T) {
	oldHash := crypto.Keccak256Hash([]byte{0xde, 0xad}).Hex()
	client := &fakeCodeReader{codes: map[common.Address][]byte{}}
	store := &fakeStore{
		selection: []storage.AddressRow{{
			Address: resurrected, Network: "ethereum",
			Tags: []string{addrutil.TagContract},
		}},
		hashes: map[string]string{resurrected: oldHash},
	}
	r := New(params.ByName("ethereum"), client, &fakeExplorer{}, store, Config{})
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	row := store.row(resurrected)
	if row == nil || !row.HasTag(addrutil.TagSelfDestroyed) {
		t.Fatalf("row = %+v, want SelfDestroyed", row)
	}
	if row.CodeHash == nil || *row.CodeHash != oldHash {
		t.Fatal("old code hash not retained")
	}
}

func TestRunUnverifiedRowNotMarkedChecked(t *testing.T) {
	code := []byte{0x60, 0x80}
	client := &fakeCodeReader{codes: map[common.Address][]byte{
		common.HexToAddress(bareContract): code,
	}}
	store := &fakeStore{
		selection: []storage.AddressRow{{Address: bareContract, Network: "ethereum"}},
	}
	r := New(params.ByName("ethereum"), client, &fakeExplorer{}, store, Config{})
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	row := store.row(bareContract)
	if row == nil || !row.HasTag(addrutil.TagUnverified) {
		t.Fatalf("row = %+v, want Unverified", row)
	}
	if row.NameChecked != nil && *row.NameChecked {
		t.Fatal("name_checked true on a row without a verified source")
	}
	if row.NameCheckedAt != nil {
		t.Fatal("name_checked_at set without a verified source")
	}
}

func TestRunExplorerOutageLeavesVerificationOpen(t *testing.T) {
	code := []byte{0x60, 0x80}
	client := &fakeCodeReader{codes: map[common.Address][]byte{
		common.HexToAddress(bareContract): code,
	}}
	store := &fakeStore{
		selection: []storage.AddressRow{{Address: bareContract, Network: "ethereum"}},
	}
	xp := &fakeExplorer{sourceErr: errors.New("explorer down")}
	r := New(params.ByName("ethereum"), client, xp, store, Config{})
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	row := store.row(bareContract)
	if row == nil {
		t.Fatal("row not rewritten at all")
	}
	if row.NameChecked != nil || row.NameCheckedAt != nil || row.ContractName != nil {
		t.Fatalf("verification fields written during an outage: %+v", row)
	}
}

func TestRunReusesStoredVerification(t *testing.T) {
	code := []byte{0x60, 0x80}
	client := &fakeCodeReader{codes: map[common.Address][]byte{
		common.HexToAddress(bareContract): code,
	}}
	checked := true
	name := "Registry"
	store := &fakeStore{
		selection: []storage.AddressRow{{
			Address: bareContract, Network: "ethereum",
			Tags:         []string{addrutil.TagContract, addrutil.TagVerified},
			NameChecked:  &checked,
			ContractName: &name,
		}},
		deployed: map[string]int64{bareContract: 1650000000},
	}
	xp := &fakeExplorer{}
	r := New(params.ByName("ethereum"), client, xp, store, Config{})
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if xp.sourceCalls != 0 {
		t.Fatalf("explorer queried %d times for an already checked name", xp.sourceCalls)
	}
	row := store.row(bareContract)
	if row == nil || !row.HasTag(addrutil.TagVerified) {
		t.Fatalf("verified tag lost: %+v", row)
	}
	if row.ContractName == nil || *row.ContractName != "Registry" {
		t.Fatal("stored contract name lost")
	}
}

func TestRunPassesRecentWindowToSelection(t *testing.T) {
	store := &fakeStore{}
	r := New(params.ByName("ethereum"), &fakeCodeReader{}, &fakeExplorer{}, store, Config{RecentDays: 3})
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if store.recentDays != 3 {
		t.Fatalf("selection window = %d days, want 3", store.recentDays)
	}
}
