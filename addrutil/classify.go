package addrutil

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Kind is the classification outcome for a single address.
type Kind int

const (
	// KindUnknown means the inputs were insufficient to decide. Callers
	// must skip the address rather than guess.
	KindUnknown Kind = iota
	KindEOA
	KindContract
	// KindEIP7702EOA is a key-owned account carrying an EIP-7702
	// delegation designator. It is stored as an EOA with the SmartWallet
	// tag and its code hash retained.
	KindEIP7702EOA
)

func (k Kind) String() string {
	switch k {
	case KindEOA:
		return "eoa"
	case KindContract:
		return "smart_contract"
	case KindEIP7702EOA:
		return "eip7702_eoa"
	default:
		return "unknown"
	}
}

// EmptyCodeHash is the Keccak-256 of empty code, the code hash an account
// without code reports.
var EmptyCodeHash = crypto.Keccak256Hash(nil)

// delegationPrefix is the EIP-7702 delegation designator: accounts whose
// code is 0xef0100 || address delegate execution to that address.
var delegationPrefix = []byte{0xef, 0x01, 0x00}

// IsDelegationDesignator reports whether code is an EIP-7702 delegation
// designator (exactly the 3-byte prefix plus a 20-byte target).
func IsDelegationDesignator(code []byte) bool {
	return len(code) == 23 && bytes.HasPrefix(code, delegationPrefix)
}

// Classify decides what kind of account an address is from its observed
// code and/or code hash. Live code, when available, takes precedence over
// the hash; with neither observation the answer is KindUnknown.
func Classify(codeHash *common.Hash, code []byte) Kind {
	switch {
	case code != nil:
		if len(code) == 0 {
			return KindEOA
		}
		if IsDelegationDesignator(code) {
			return KindEIP7702EOA
		}
		return KindContract
	case codeHash != nil:
		if *codeHash == (common.Hash{}) || *codeHash == EmptyCodeHash {
			return KindEOA
		}
		return KindContract
	default:
		return KindUnknown
	}
}

// Tags returns the tag set for a classification outcome, before any
// verification or self-destruct refinement.
func (k Kind) Tags() []string {
	switch k {
	case KindEOA:
		return []string{TagEOA}
	case KindContract:
		return []string{TagContract}
	case KindEIP7702EOA:
		return []string{TagEOA, TagSmartWallet}
	default:
		return nil
	}
}
