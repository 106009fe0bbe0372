package storage

import "context"

// Schema statements are idempotent; every job ensures them at startup
// except the revalidator, which skips the pass to avoid DDL lock contention
// with active writers.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS addresses (
		address           TEXT    NOT NULL,
		network           TEXT    NOT NULL,
		code_hash         TEXT,
		contract_name     TEXT,
		deployed          BIGINT,
		first_seen        BIGINT  NOT NULL,
		last_updated      BIGINT  NOT NULL,
		tags              TEXT[],
		fund              BIGINT,
		last_fund_updated BIGINT,
		name_checked      BOOLEAN,
		name_checked_at   BIGINT,
		PRIMARY KEY (address, network)
	)`,
	`CREATE TABLE IF NOT EXISTS tokens (
		token_address TEXT             NOT NULL,
		network       TEXT             NOT NULL,
		name          TEXT,
		symbol        TEXT,
		decimals      INTEGER,
		price         DOUBLE PRECISION,
		price_updated BIGINT,
		is_valid      BOOLEAN NOT NULL DEFAULT TRUE,
		PRIMARY KEY (token_address, network)
	)`,
	`CREATE TABLE IF NOT EXISTS token_metadata_cache (
		network       TEXT   NOT NULL,
		token_address TEXT   NOT NULL,
		symbol        TEXT,
		name          TEXT,
		decimals      INTEGER,
		logo_url      TEXT,
		last_updated  BIGINT NOT NULL,
		PRIMARY KEY (network, token_address)
	)`,
	`CREATE TABLE IF NOT EXISTS symbol_prices (
		symbol       TEXT             NOT NULL,
		price_usd    DOUBLE PRECISION NOT NULL,
		decimals     INTEGER,
		name         TEXT,
		last_updated BIGINT           NOT NULL,
		PRIMARY KEY (symbol)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_addresses_tags ON addresses USING GIN (tags)`,
	`CREATE INDEX IF NOT EXISTS idx_addresses_network_fund ON addresses (network, fund DESC NULLS LAST)`,
	`CREATE INDEX IF NOT EXISTS idx_addresses_network_updated ON addresses (network, last_updated)`,
	`CREATE INDEX IF NOT EXISTS idx_addresses_contracts ON addresses (network, last_fund_updated)
		WHERE tags IS NULL OR NOT (tags <@ ARRAY['EOA'])`,
}

// EnsureSchema creates the tables and indexes if missing.
func (db *DB) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := db.sqlx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
