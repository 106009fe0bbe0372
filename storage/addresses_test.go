package storage

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestUpsertSQLPlaceholderCount(t *testing.T) {
	for _, n := range []int{1, 2, 250} {
		stmt := upsertAddressesSQL(n)
		want := n * addressFieldsPerRow
		if got := strings.Count(stmt, "$"); got != want {
			t.Fatalf("n=%d: %d placeholders, want %d", n, got, want)
		}
	}
}

func TestUpsertSQLMergeSemantics(t *testing.T) {
	stmt := upsertAddressesSQL(1)

	// Every partial-write field merges null-safely so independent jobs
	// never stomp each other's fields.
	for _, col := range []string{"code_hash", "contract_name", "deployed", "fund", "last_fund_updated", "name_checked", "name_checked_at"} {
		want := col + " = COALESCE(EXCLUDED." + col + ", addresses." + col + ")"
		if !strings.Contains(normalizeWS(stmt), want) {
			t.Fatalf("upsert lacks COALESCE merge for %s", col)
		}
	}
	// Tags are replaced wholesale when present (a reclassification
	// conclusion), kept when the incoming row carries none.
	if !strings.Contains(normalizeWS(stmt), "tags = COALESCE(EXCLUDED.tags, addresses.tags)") {
		t.Fatal("tags must replace wholesale via COALESCE on the array")
	}
	// first_seen never increases, last_updated never decreases.
	if !strings.Contains(normalizeWS(stmt), "first_seen = LEAST(addresses.first_seen, EXCLUDED.first_seen)") {
		t.Fatal("first_seen must keep its minimum")
	}
	if !strings.Contains(normalizeWS(stmt), "last_updated = GREATEST(addresses.last_updated, EXCLUDED.last_updated)") {
		t.Fatal("last_updated must keep its maximum")
	}
}

func TestUpsertSQLConflictTarget(t *testing.T) {
	stmt := upsertAddressesSQL(3)
	if !strings.Contains(stmt, "ON CONFLICT (address, network) DO UPDATE") {
		t.Fatal("conflict target must be the (address, network) key")
	}
	if !strings.HasPrefix(stmt, "INSERT INTO addresses") {
		t.Fatalf("unexpected statement head: %s", stmt[:40])
	}
}

func TestFundSelectionWhere(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	where, args := fundSelectionWhere(FundSelection{All: true}, now)
	if where != `network = $1` || len(args) != 0 {
		t.Fatalf("all mode: %q %v", where, args)
	}

	where, args = fundSelectionWhere(FundSelection{HighFund: true}, now)
	if !strings.Contains(where, "COALESCE(fund, 0) >= $2") || args[0] != HighFundFloor {
		t.Fatalf("high-fund mode: %q %v", where, args)
	}

	where, args = fundSelectionWhere(FundSelection{Recent: true, RecentDays: 3}, now)
	if !strings.Contains(where, "'Contract' = ANY(tags)") ||
		!strings.Contains(where, "first_seen >= $2 OR deployed >= $2") {
		t.Fatalf("recent mode: %q", where)
	}
	if got := args[0].(int64); got != now.Add(-3*24*time.Hour).Unix() {
		t.Fatalf("recent cutoff = %d", got)
	}

	where, args = fundSelectionWhere(FundSelection{DelayDays: 7}, now)
	if !strings.Contains(where, "COALESCE(last_fund_updated, 0) < $2") {
		t.Fatalf("default mode: %q", where)
	}
	if got := args[0].(int64); got != now.Add(-7*24*time.Hour).Unix() {
		t.Fatalf("staleness cutoff = %d", got)
	}
}

func TestHasTag(t *testing.T) {
	row := AddressRow{Tags: []string{"Contract", "Verified"}}
	if !row.HasTag("Contract") || !row.HasTag("Verified") {
		t.Fatal("expected tags missing")
	}
	if row.HasTag("EOA") {
		t.Fatal("unexpected EOA tag")
	}
}

func TestRetryOnce(t *testing.T) {
	calls := 0
	err := errors.New("transient")
	if got := retryOnce(func() error {
		calls++
		if calls == 1 {
			return err
		}
		return nil
	}); got != nil {
		t.Fatalf("second attempt succeeded but retryOnce returned %v", got)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want one retry", calls)
	}

	calls = 0
	if got := retryOnce(func() error { calls++; return err }); got != err {
		t.Fatalf("got %v, want the first error", got)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want exactly two attempts", calls)
	}

	calls = 0
	if got := retryOnce(func() error { calls++; return nil }); got != nil || calls != 1 {
		t.Fatalf("success retried: err=%v calls=%d", got, calls)
	}
}

func normalizeWS(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
