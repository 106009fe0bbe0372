package storage

import (
	"context"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// The excluded_blocks table is created lazily on first use rather than in
// the schema pass, matching its append-only, rarely-touched role.
const excludedBlocksDDL = `CREATE TABLE IF NOT EXISTS excluded_blocks (
	network      TEXT   NOT NULL,
	block_number BIGINT NOT NULL,
	reason       TEXT,
	excluded_at  BIGINT NOT NULL,
	PRIMARY KEY (network, block_number)
)`

var excludedOnce sync.Once

func (db *DB) ensureExcludedTable(ctx context.Context) error {
	var err error
	excludedOnce.Do(func() {
		_, err = db.sqlx.ExecContext(ctx, excludedBlocksDDL)
	})
	return err
}

// LoadExcludedBlocks hydrates the in-memory excluded set for a network. The
// scanner consults the set before every request so a poisoned block is never
// fetched again.
func (db *DB) LoadExcludedBlocks(ctx context.Context, network string) (mapset.Set[uint64], error) {
	if err := db.ensureExcludedTable(ctx); err != nil {
		return nil, err
	}
	var blocks []uint64
	err := db.sqlx.SelectContext(ctx, &blocks,
		`SELECT block_number FROM excluded_blocks WHERE network = $1`, network)
	if err != nil {
		return nil, err
	}
	set := mapset.NewSet[uint64]()
	for _, b := range blocks {
		set.Add(b)
	}
	return set, nil
}

// RecordExcludedBlock permanently excludes a block from scanning. The row is
// append-only; re-recording an already excluded block is a no-op.
func (db *DB) RecordExcludedBlock(ctx context.Context, network string, block uint64, reason string) error {
	if err := db.ensureExcludedTable(ctx); err != nil {
		return err
	}
	_, err := db.sqlx.ExecContext(ctx,
		`INSERT INTO excluded_blocks (network, block_number, reason, excluded_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (network, block_number) DO NOTHING`,
		network, block, reason, time.Now().Unix())
	return err
}
