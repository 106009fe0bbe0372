package scanner

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tos-network/chainscan/addrutil"
)

// CodeReader is the RPC surface the classification stage needs. Satisfied
// by chainrpc.Client.
type CodeReader interface {
	CodeAtBatch(ctx context.Context, addrs []common.Address) ([][]byte, error)
}

// ClassifyStore is the DB surface the classification stage needs. Satisfied
// by storage.DB.
type ClassifyStore interface {
	StoredCodeHashes(ctx context.Context, network string, addrs []string) (map[string]string, error)
	DeployedTimes(ctx context.Context, network string, addrs []string) (map[string]int64, error)
}

// Classified is the outcome for one address. Kind is KindUnknown when the
// chain could not be observed; callers must skip such entries, never guess.
type Classified struct {
	Address  string
	Kind     addrutil.Kind
	CodeHash *string

	// SelfDestroyed is set when the DB remembers a code hash for the
	// address but the chain no longer has code there.
	SelfDestroyed bool

	// NeedsDeployTime is set for contracts whose deployment timestamp is
	// known neither on the row nor in this pass. The scanner resolves
	// these in a non-blocking background fetch.
	NeedsDeployTime bool
}

// ClassifyAddresses is the stateless classification stage shared by the
// scanner and the revalidator: batch code lookup, code-hash derivation,
// self-destruct detection against stored hashes, and deployment-time gap
// marking. Addresses must be in normalized form.
func ClassifyAddresses(ctx context.Context, client CodeReader, store ClassifyStore, network string, addrs []string) ([]Classified, error) {
	if len(addrs) == 0 {
		return nil, nil
	}
	hexAddrs := make([]common.Address, len(addrs))
	for i, a := range addrs {
		hexAddrs[i] = common.HexToAddress(a)
	}
	codes, err := client.CodeAtBatch(ctx, hexAddrs)
	if err != nil {
		return nil, err
	}
	storedHashes, err := store.StoredCodeHashes(ctx, network, addrs)
	if err != nil {
		return nil, err
	}
	deployed, err := store.DeployedTimes(ctx, network, addrs)
	if err != nil {
		return nil, err
	}

	out := make([]Classified, 0, len(addrs))
	for i, addr := range addrs {
		code := codes[i]
		c := Classified{Address: addr, Kind: addrutil.Classify(nil, code)}
		if c.Kind == addrutil.KindUnknown {
			out = append(out, c)
			continue
		}
		if len(code) > 0 {
			h := crypto.Keccak256Hash(code).Hex()
			c.CodeHash = &h
		}
		if stored, ok := storedHashes[addr]; ok && stored != "" && len(code) == 0 {
			// Had code once, has none now: self-destructed. The
			// stored hash is retained for audit.
			c.Kind = addrutil.KindContract
			c.SelfDestroyed = true
			c.CodeHash = &stored
		}
		if c.Kind == addrutil.KindContract && !c.SelfDestroyed {
			if _, ok := deployed[addr]; !ok {
				c.NeedsDeployTime = true
			}
		}
		out = append(out, c)
	}
	return out, nil
}

// Tags renders the final tag set for a classified address, given whether
// source verification succeeded. Self-destroyed contracts keep the Contract
// tag alongside SelfDestroyed.
func (c *Classified) FinalTags(verified bool) []string {
	if c.SelfDestroyed {
		return []string{addrutil.TagContract, addrutil.TagSelfDestroyed}
	}
	tags := c.Kind.Tags()
	if c.Kind == addrutil.KindContract {
		if verified {
			tags = append(tags, addrutil.TagVerified)
		} else {
			tags = append(tags, addrutil.TagUnverified)
		}
	}
	return tags
}
