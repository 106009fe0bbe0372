package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// TokenRow is one whitelisted ERC-20 per network; it doubles as the price
// cache for token valuation.
type TokenRow struct {
	TokenAddress string   `db:"token_address"`
	Network      string   `db:"network"`
	Name         *string  `db:"name"`
	Symbol       *string  `db:"symbol"`
	Decimals     *int     `db:"decimals"`
	Price        *float64 `db:"price"`
	PriceUpdated *int64   `db:"price_updated"`
	IsValid      bool     `db:"is_valid"`
}

// SymbolPrice is a canonical native-token price indexed by ticker, shared
// across networks and updated only under the advisory lock.
type SymbolPrice struct {
	Symbol      string  `db:"symbol"`
	PriceUSD    float64 `db:"price_usd"`
	Decimals    *int    `db:"decimals"`
	Name        *string `db:"name"`
	LastUpdated int64   `db:"last_updated"`
}

// TokenMetadata is the cached explorer token shape record.
type TokenMetadata struct {
	Network      string  `db:"network"`
	TokenAddress string  `db:"token_address"`
	Symbol       *string `db:"symbol"`
	Name         *string `db:"name"`
	Decimals     *int    `db:"decimals"`
	LogoURL      *string `db:"logo_url"`
	LastUpdated  int64   `db:"last_updated"`
}

// TokenMetadataTTL is how long a cached token shape stays usable.
const TokenMetadataTTL = 30 * 24 * time.Hour

// UpsertTokens seeds or refreshes whitelist rows. Prices are not touched
// here; price refresh goes through UpdateTokenPrice.
func (db *DB) UpsertTokens(ctx context.Context, rows []TokenRow) error {
	for _, r := range rows {
		_, err := db.sqlx.ExecContext(ctx,
			`INSERT INTO tokens (token_address, network, name, symbol, decimals, is_valid)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (token_address, network) DO UPDATE SET
				name = COALESCE(EXCLUDED.name, tokens.name),
				symbol = COALESCE(EXCLUDED.symbol, tokens.symbol),
				decimals = COALESCE(EXCLUDED.decimals, tokens.decimals),
				is_valid = EXCLUDED.is_valid`,
			r.TokenAddress, r.Network, r.Name, r.Symbol, r.Decimals, r.IsValid)
		if err != nil {
			return err
		}
	}
	return nil
}

// Tokens returns the valid whitelist rows for a network.
func (db *DB) Tokens(ctx context.Context, network string) ([]TokenRow, error) {
	var rows []TokenRow
	err := db.sqlx.SelectContext(ctx, &rows,
		`SELECT token_address, network, name, symbol, decimals, price, price_updated, is_valid
		 FROM tokens WHERE network = $1 AND is_valid`, network)
	return rows, err
}

// UpdateTokenPrice stores a freshly observed token price.
func (db *DB) UpdateTokenPrice(ctx context.Context, network, tokenAddress string, price float64) error {
	_, err := db.sqlx.ExecContext(ctx,
		`UPDATE tokens SET price = $1, price_updated = $2
		 WHERE token_address = $3 AND network = $4`,
		price, time.Now().Unix(), tokenAddress, network)
	return err
}

// NewestPriceUpdate returns the most recent price_updated in the network's
// token table, 0 when no price was ever stored.
func (db *DB) NewestPriceUpdate(ctx context.Context, network string) (int64, error) {
	var newest sql.NullInt64
	err := db.sqlx.GetContext(ctx, &newest,
		`SELECT MAX(price_updated) FROM tokens WHERE network = $1`, network)
	if err != nil {
		return 0, err
	}
	return newest.Int64, nil
}

// UpsertSymbolPrice writes one canonical symbol price. Callers serialize
// through WithAdvisoryLock.
func (db *DB) UpsertSymbolPrice(ctx context.Context, p SymbolPrice) error {
	_, err := db.sqlx.ExecContext(ctx,
		`INSERT INTO symbol_prices (symbol, price_usd, decimals, name, last_updated)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (symbol) DO UPDATE SET
			price_usd = EXCLUDED.price_usd,
			decimals = COALESCE(EXCLUDED.decimals, symbol_prices.decimals),
			name = COALESCE(EXCLUDED.name, symbol_prices.name),
			last_updated = EXCLUDED.last_updated`,
		p.Symbol, p.PriceUSD, p.Decimals, p.Name, p.LastUpdated)
	return err
}

// SymbolPriceFor returns the stored price for a ticker, nil when absent.
func (db *DB) SymbolPriceFor(ctx context.Context, symbol string) (*SymbolPrice, error) {
	var p SymbolPrice
	err := db.sqlx.GetContext(ctx, &p,
		`SELECT symbol, price_usd, decimals, name, last_updated FROM symbol_prices WHERE symbol = $1`,
		symbol)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// TokenMetadataFor returns a cached token shape record if it is within the
// TTL, nil otherwise.
func (db *DB) TokenMetadataFor(ctx context.Context, network, tokenAddress string) (*TokenMetadata, error) {
	var m TokenMetadata
	err := db.sqlx.GetContext(ctx, &m,
		`SELECT network, token_address, symbol, name, decimals, logo_url, last_updated
		 FROM token_metadata_cache WHERE network = $1 AND token_address = $2`,
		network, tokenAddress)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if time.Since(time.Unix(m.LastUpdated, 0)) > TokenMetadataTTL {
		return nil, nil
	}
	return &m, nil
}

// PutTokenMetadata caches a token shape record.
func (db *DB) PutTokenMetadata(ctx context.Context, m TokenMetadata) error {
	m.LastUpdated = time.Now().Unix()
	_, err := db.sqlx.ExecContext(ctx,
		`INSERT INTO token_metadata_cache (network, token_address, symbol, name, decimals, logo_url, last_updated)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (network, token_address) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			name = EXCLUDED.name,
			decimals = EXCLUDED.decimals,
			logo_url = EXCLUDED.logo_url,
			last_updated = EXCLUDED.last_updated`,
		m.Network, m.TokenAddress, m.Symbol, m.Name, m.Decimals, m.LogoURL, m.LastUpdated)
	return err
}
