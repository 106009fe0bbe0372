// Package addrutil contains the pure address helpers shared by every job:
// canonical hex normalization, code-hash based account classification and
// the closed set of row tags.
package addrutil

import (
	"errors"
	"fmt"
	"strings"
)

// Row tags. The tags column of an address row is drawn from this closed set
// and replaced wholesale on every reclassification.
const (
	TagEOA           = "EOA"
	TagContract      = "Contract"
	TagVerified      = "Verified"
	TagUnverified    = "Unverified"
	TagSelfDestroyed = "SelfDestroyed"
	TagSmartWallet   = "SmartWallet"
)

// ErrInvalidAddress is returned by Normalize for input that cannot be read
// as a 20-byte hex address.
var ErrInvalidAddress = errors.New("invalid address")

const hexDigits = "0123456789abcdef"

// Normalize canonicalizes an address string to its stored form: lowercase,
// 0x-prefixed, exactly 40 hex digits. It tolerates surrounding whitespace,
// quoting, a missing 0x prefix and short input (left-padded with zeros), and
// is idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(s string) (string, error) {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	s = strings.TrimSpace(s)
	s = strings.ToLower(s)
	s = strings.TrimPrefix(s, "0x")
	if s == "" || len(s) > 40 {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	for _, c := range s {
		if !strings.ContainsRune(hexDigits, c) {
			return "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
	}
	if len(s) < 40 {
		s = strings.Repeat("0", 40-len(s)) + s
	}
	return "0x" + s, nil
}

// MustNormalize is Normalize for inputs known to be valid, such as addresses
// decoded from log topics. It panics on invalid input.
func MustNormalize(s string) string {
	out, err := Normalize(s)
	if err != nil {
		panic(err)
	}
	return out
}
