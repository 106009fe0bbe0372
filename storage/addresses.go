package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// AddressRow is one (address, network) row. Pointer fields carry the
// partial-write semantics of the upsert: a nil field is written as NULL and
// never overwrites a non-NULL stored value. Tags are the exception: when
// present they replace the stored array wholesale, because tags are a
// reclassification conclusion, not an accumulation.
type AddressRow struct {
	Address         string         `db:"address"`
	Network         string         `db:"network"`
	CodeHash        *string        `db:"code_hash"`
	ContractName    *string        `db:"contract_name"`
	Deployed        *int64         `db:"deployed"`
	FirstSeen       int64          `db:"first_seen"`
	LastUpdated     int64          `db:"last_updated"`
	Tags            pq.StringArray `db:"tags"`
	Fund            *int64         `db:"fund"`
	LastFundUpdated *int64         `db:"last_fund_updated"`
	NameChecked     *bool          `db:"name_checked"`
	NameCheckedAt   *int64         `db:"name_checked_at"`
}

// HasTag reports whether the row carries the given tag.
func (r *AddressRow) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

const addressColumns = `address, network, code_hash, contract_name, deployed,
	first_seen, last_updated, tags, fund, last_fund_updated, name_checked, name_checked_at`

const addressFieldsPerRow = 12

// upsertAddressesSQL renders the multi-row COALESCE upsert for n rows.
func upsertAddressesSQL(n int) string {
	var b strings.Builder
	b.WriteString(`INSERT INTO addresses (` + addressColumns + `) VALUES `)
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		base := i * addressFieldsPerRow
		b.WriteByte('(')
		for j := 1; j <= addressFieldsPerRow; j++ {
			if j > 1 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, "$%d", base+j)
		}
		b.WriteByte(')')
	}
	b.WriteString(` ON CONFLICT (address, network) DO UPDATE SET
		code_hash         = COALESCE(EXCLUDED.code_hash, addresses.code_hash),
		contract_name     = COALESCE(EXCLUDED.contract_name, addresses.contract_name),
		deployed          = COALESCE(EXCLUDED.deployed, addresses.deployed),
		first_seen        = LEAST(addresses.first_seen, EXCLUDED.first_seen),
		last_updated      = GREATEST(addresses.last_updated, EXCLUDED.last_updated),
		tags              = COALESCE(EXCLUDED.tags, addresses.tags),
		fund              = COALESCE(EXCLUDED.fund, addresses.fund),
		last_fund_updated = COALESCE(EXCLUDED.last_fund_updated, addresses.last_fund_updated),
		name_checked      = COALESCE(EXCLUDED.name_checked, addresses.name_checked),
		name_checked_at   = COALESCE(EXCLUDED.name_checked_at, addresses.name_checked_at)`)
	return b.String()
}

// UpsertAddresses writes the rows in chunks, each chunk one statement inside
// one transaction. A transient statement failure is retried once before the
// chunk's transaction is rolled back.
func (db *DB) UpsertAddresses(ctx context.Context, rows []AddressRow) error {
	chunkSize := db.UpsertChunk
	if chunkSize <= 0 {
		chunkSize = DefaultUpsertChunk
	}
	if chunkSize > MaxUpsertChunk {
		chunkSize = MaxUpsertChunk
	}
	for start := 0; start < len(rows); start += chunkSize {
		end := start + chunkSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := db.upsertChunk(ctx, rows[start:end]); err != nil {
			return fmt.Errorf("storage: upsert rows %d..%d: %w", start, end, err)
		}
	}
	return nil
}

func (db *DB) upsertChunk(ctx context.Context, rows []AddressRow) error {
	args := make([]interface{}, 0, len(rows)*addressFieldsPerRow)
	for _, r := range rows {
		var tags interface{}
		if r.Tags != nil {
			tags = r.Tags
		}
		args = append(args,
			r.Address, r.Network, r.CodeHash, r.ContractName, r.Deployed,
			r.FirstSeen, r.LastUpdated, tags, r.Fund, r.LastFundUpdated,
			r.NameChecked, r.NameCheckedAt)
	}
	stmt := upsertAddressesSQL(len(rows))

	// One retry for transient statement failures. A failed statement
	// aborts its transaction, so every attempt gets a fresh one.
	return retryOnce(func() error {
		return db.execUpsert(ctx, stmt, args)
	})
}

func (db *DB) execUpsert(ctx context.Context, stmt string, args []interface{}) error {
	tx, err := db.sqlx.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// retryOnce runs fn, retrying one more time on failure. The first error is
// reported when both attempts fail.
func retryOnce(fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if retryErr := fn(); retryErr == nil {
		return nil
	}
	return err
}

// KnownAddresses returns which of the given addresses already have a row for
// the network. The scanner uses it to drop already-indexed addresses before
// classification.
func (db *DB) KnownAddresses(ctx context.Context, network string, addrs []string) (map[string]bool, error) {
	if len(addrs) == 0 {
		return map[string]bool{}, nil
	}
	var known []string
	err := db.sqlx.SelectContext(ctx, &known,
		`SELECT address FROM addresses WHERE address = ANY($1) AND network = $2`,
		pq.Array(addrs), network)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(known))
	for _, a := range known {
		out[a] = true
	}
	return out, nil
}

// DeployedTimes returns the stored deployment timestamps for the given
// addresses, absent entries meaning the time is not yet known.
func (db *DB) DeployedTimes(ctx context.Context, network string, addrs []string) (map[string]int64, error) {
	if len(addrs) == 0 {
		return map[string]int64{}, nil
	}
	type row struct {
		Address  string `db:"address"`
		Deployed *int64 `db:"deployed"`
	}
	var rows []row
	err := db.sqlx.SelectContext(ctx, &rows,
		`SELECT address, deployed FROM addresses WHERE address = ANY($1) AND network = $2`,
		pq.Array(addrs), network)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64)
	for _, r := range rows {
		if r.Deployed != nil {
			out[r.Address] = *r.Deployed
		}
	}
	return out, nil
}

// StoredCodeHashes returns the stored code hashes for the given addresses.
// The scanner compares them with live code to spot self-destructed
// contracts.
func (db *DB) StoredCodeHashes(ctx context.Context, network string, addrs []string) (map[string]string, error) {
	if len(addrs) == 0 {
		return map[string]string{}, nil
	}
	type row struct {
		Address  string  `db:"address"`
		CodeHash *string `db:"code_hash"`
	}
	var rows []row
	err := db.sqlx.SelectContext(ctx, &rows,
		`SELECT address, code_hash FROM addresses WHERE address = ANY($1) AND network = $2`,
		pq.Array(addrs), network)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, r := range rows {
		if r.CodeHash != nil {
			out[r.Address] = *r.CodeHash
		}
	}
	return out, nil
}

// GetAddress loads one row, returning nil when absent.
func (db *DB) GetAddress(ctx context.Context, network, address string) (*AddressRow, error) {
	var row AddressRow
	err := db.sqlx.GetContext(ctx, &row,
		`SELECT `+addressColumns+` FROM addresses WHERE address = $1 AND network = $2`,
		address, network)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// FundSelection configures the fund updater's row selection.
type FundSelection struct {
	All        bool // ignore staleness, re-price everything
	HighFund   bool // restrict to fund >= HighFundFloor, order fund DESC
	Recent     bool // restrict to contracts first seen or deployed recently
	RecentDays int  // recency window of the recent mode, default 7
	DelayDays  int  // staleness threshold, default 7
	MaxBatch   int  // row cap per run, default 50000
}

// HighFundFloor is the fund threshold of the high-fund mode.
const HighFundFloor = 100_000

// fundSelectionWhere renders the WHERE clause of the fund selection, with
// $1 already bound to the network.
func fundSelectionWhere(sel FundSelection, now time.Time) (string, []interface{}) {
	switch {
	case sel.HighFund:
		return `network = $1 AND COALESCE(fund, 0) >= $2`, []interface{}{HighFundFloor}
	case sel.Recent:
		days := sel.RecentDays
		if days <= 0 {
			days = 7
		}
		cutoff := now.Add(-time.Duration(days) * 24 * time.Hour).Unix()
		return `network = $1 AND 'Contract' = ANY(tags) AND (first_seen >= $2 OR deployed >= $2)`,
			[]interface{}{cutoff}
	case sel.All:
		return `network = $1`, nil
	default:
		cutoff := now.Add(-time.Duration(sel.DelayDays) * 24 * time.Hour).Unix()
		return `network = $1 AND COALESCE(last_fund_updated, 0) < $2`, []interface{}{cutoff}
	}
}

// SelectForFundUpdate returns the addresses the fund updater should value
// this run, ordered highest-value-first then stalest-first.
func (db *DB) SelectForFundUpdate(ctx context.Context, network string, sel FundSelection) ([]AddressRow, error) {
	if sel.DelayDays <= 0 {
		sel.DelayDays = 7
	}
	if sel.MaxBatch <= 0 {
		sel.MaxBatch = 50_000
	}
	where, extra := fundSelectionWhere(sel, time.Now())
	args := append([]interface{}{network}, extra...)
	args = append(args, sel.MaxBatch)
	query := fmt.Sprintf(
		`SELECT `+addressColumns+` FROM addresses WHERE %s
		 ORDER BY COALESCE(fund, 0) DESC, COALESCE(last_fund_updated, 0) ASC
		 LIMIT $%d`, where, len(args))

	var rows []AddressRow
	if err := db.sqlx.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

// RevalidationLimit caps how many incomplete rows one revalidator run takes.
const RevalidationLimit = 100_000

// SelectForRevalidation returns rows whose classification is incomplete or
// potentially stale, highest-value rows first. A positive recentDays narrows
// the pool to rows first seen or deployed within that many days.
func (db *DB) SelectForRevalidation(ctx context.Context, network string, recentDays int) ([]AddressRow, error) {
	query := `SELECT ` + addressColumns + ` FROM addresses
		 WHERE network = $1 AND (
			tags IS NULL OR tags = '{}'
			OR ('Contract' = ANY(tags) AND code_hash IS NULL)
			OR ('Contract' = ANY(tags) AND deployed IS NULL)
			OR 'SelfDestroyed' = ANY(tags)
		 )`
	args := []interface{}{network}
	if recentDays > 0 {
		cutoff := time.Now().Add(-time.Duration(recentDays) * 24 * time.Hour).Unix()
		args = append(args, cutoff)
		query += ` AND (first_seen >= $2 OR deployed >= $2)`
	}
	args = append(args, RevalidationLimit)
	query += fmt.Sprintf(` ORDER BY fund DESC NULLS LAST LIMIT $%d`, len(args))

	var rows []AddressRow
	if err := db.sqlx.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

// UpdateFunds writes only the valuation fields of the given rows; the
// classification fields ride through as NULL and are left untouched by the
// COALESCE merge.
func (db *DB) UpdateFunds(ctx context.Context, network string, funds map[string]int64) error {
	now := time.Now().Unix()
	rows := make([]AddressRow, 0, len(funds))
	for addr, fund := range funds {
		f := fund
		ts := now
		rows = append(rows, AddressRow{
			Address:         addr,
			Network:         network,
			FirstSeen:       now,
			LastUpdated:     now,
			Fund:            &f,
			LastFundUpdated: &ts,
		})
	}
	return db.UpsertAddresses(ctx, rows)
}

// AddressFilter drives the read API's row listing.
type AddressFilter struct {
	Network string
	Tags    []string // rows must carry every listed tag
	MinFund int64
	After   string // exclusive cursor: last address of the previous page
	Limit   int
}

// FilterAddresses lists rows matching the filter in address order.
func (db *DB) FilterAddresses(ctx context.Context, f AddressFilter) ([]AddressRow, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	query := `SELECT ` + addressColumns + ` FROM addresses WHERE network = $1 AND address > $2`
	args := []interface{}{f.Network, f.After}
	if len(f.Tags) > 0 {
		args = append(args, pq.Array(f.Tags))
		query += fmt.Sprintf(` AND tags @> $%d`, len(args))
	}
	if f.MinFund > 0 {
		args = append(args, f.MinFund)
		query += fmt.Sprintf(` AND COALESCE(fund, 0) >= $%d`, len(args))
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(` ORDER BY address LIMIT $%d`, len(args))

	var rows []AddressRow
	if err := db.sqlx.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

// ContractCount counts rows tagged Contract for a network.
func (db *DB) ContractCount(ctx context.Context, network string) (int64, error) {
	var n int64
	err := db.sqlx.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM addresses WHERE network = $1 AND 'Contract' = ANY(tags)`, network)
	return n, err
}

// NetworkCounts returns the row count per network.
func (db *DB) NetworkCounts(ctx context.Context) (map[string]int64, error) {
	type row struct {
		Network string `db:"network"`
		Count   int64  `db:"count"`
	}
	var rows []row
	err := db.sqlx.SelectContext(ctx, &rows,
		`SELECT network, COUNT(*) AS count FROM addresses GROUP BY network`)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Network] = r.Count
	}
	return out, nil
}
