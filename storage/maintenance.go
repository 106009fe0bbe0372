package storage

import (
	"context"
	"fmt"
)

// Maintenance operations live in the maintain subcommand only; jobs never
// invoke them, keeping DDL and long-held locks out of scan paths.

var maintainedIndexes = []string{
	"idx_addresses_tags",
	"idx_addresses_network_fund",
	"idx_addresses_network_updated",
	"idx_addresses_contracts",
}

// ReindexAddresses rebuilds the address indexes without blocking writers.
func (db *DB) ReindexAddresses(ctx context.Context) error {
	for _, idx := range maintainedIndexes {
		if _, err := db.sqlx.ExecContext(ctx, fmt.Sprintf(`REINDEX INDEX CONCURRENTLY %s`, idx)); err != nil {
			return fmt.Errorf("storage: reindex %s: %w", idx, err)
		}
	}
	return nil
}

// SetAddressesFillFactor tunes the heap fillfactor of the addresses table.
// The table is update-heavy, so a lower fillfactor leaves room for HOT
// updates. Takes effect for new pages; a VACUUM FULL rewrites old ones.
func (db *DB) SetAddressesFillFactor(ctx context.Context, fillFactor int) error {
	if fillFactor < 10 || fillFactor > 100 {
		return fmt.Errorf("storage: fillfactor %d out of range", fillFactor)
	}
	_, err := db.sqlx.ExecContext(ctx,
		fmt.Sprintf(`ALTER TABLE addresses SET (fillfactor = %d)`, fillFactor))
	return err
}

// VacuumAddresses reclaims dead tuples after mass updates.
func (db *DB) VacuumAddresses(ctx context.Context) error {
	_, err := db.sqlx.ExecContext(ctx, `VACUUM (ANALYZE) addresses`)
	return err
}
