// Package tokens loads the static per-chain ERC-20 whitelists that bound
// which tokens are valued. The shipped lists are embedded; an on-disk
// directory can override them per deployment.
package tokens

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/tos-network/chainscan/addrutil"
	"github.com/tos-network/chainscan/storage"
)

//go:embed *.json
var embedded embed.FS

// Token is one whitelist entry.
type Token struct {
	Rank     int    `json:"rank"`
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Address  string `json:"address"`
	Decimals int    `json:"decimals"`
}

// Load returns the whitelist for a network, rank order, with addresses
// normalized. When dir is non-empty and contains <network>.json it takes
// precedence over the embedded list. A network without a list yields an
// empty slice, not an error: such chains simply get no token valuation.
func Load(dir, network string) ([]Token, error) {
	name := network + ".json"
	var (
		raw []byte
		err error
	)
	if dir != "" {
		raw, err = os.ReadFile(filepath.Join(dir, name))
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	if raw == nil {
		raw, err = embedded.ReadFile(name)
		if err != nil {
			return nil, nil
		}
	}
	var list []Token
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("tokens: %s: %w", name, err)
	}
	out := list[:0]
	for _, t := range list {
		addr, err := addrutil.Normalize(t.Address)
		if err != nil {
			continue
		}
		t.Address = addr
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out, nil
}

// Rows converts a whitelist into token table rows for bootstrap.
func Rows(network string, list []Token) []storage.TokenRow {
	rows := make([]storage.TokenRow, 0, len(list))
	for _, t := range list {
		t := t
		rows = append(rows, storage.TokenRow{
			TokenAddress: t.Address,
			Network:      network,
			Name:         &t.Name,
			Symbol:       &t.Symbol,
			Decimals:     &t.Decimals,
			IsValid:      true,
		})
	}
	return rows
}
