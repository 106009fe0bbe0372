package tokens

import (
	"context"
	"strconv"

	"github.com/ethereum/go-ethereum/log"

	"github.com/tos-network/chainscan/explorer"
	"github.com/tos-network/chainscan/storage"
)

// MetadataStore is the cache surface of the sync. Satisfied by storage.DB.
type MetadataStore interface {
	TokenMetadataFor(ctx context.Context, network, tokenAddress string) (*storage.TokenMetadata, error)
	PutTokenMetadata(ctx context.Context, m storage.TokenMetadata) error
}

// InfoSource answers token shape lookups. Satisfied by explorer.Client.
type InfoSource interface {
	GetTokenInfo(ctx context.Context, address string) (*explorer.TokenInfo, error)
}

// SyncMetadata makes sure every whitelisted token has a fresh cached shape
// record, querying the explorer only for expired or missing entries. Lookup
// failures are logged and skipped; the whitelist itself already carries
// enough to value the token.
func SyncMetadata(ctx context.Context, db MetadataStore, src InfoSource, network string, list []Token) error {
	logger := log.New("module", "tokens", "chain", network)
	for _, t := range list {
		cached, err := db.TokenMetadataFor(ctx, network, t.Address)
		if err != nil {
			return err
		}
		if cached != nil {
			continue
		}
		info, err := src.GetTokenInfo(ctx, t.Address)
		if err != nil {
			logger.Warn("Token info lookup failed", "symbol", t.Symbol, "err", err)
			continue
		}
		if info == nil {
			continue
		}
		m := storage.TokenMetadata{
			Network:      network,
			TokenAddress: t.Address,
			Symbol:       &info.Symbol,
			Name:         &info.TokenName,
		}
		if info.Divisor != "" {
			if d, err := strconv.Atoi(info.Divisor); err == nil {
				m.Decimals = &d
			}
		}
		if info.LogoURL != "" {
			m.LogoURL = &info.LogoURL
		}
		if err := db.PutTokenMetadata(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
