package addrutil

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestNormalizeCanonicalForms(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"0xdAC17F958D2ee523a2206206994597C13D831ec7", "0xdac17f958d2ee523a2206206994597c13d831ec7"},
		{"dAC17F958D2ee523a2206206994597C13D831ec7", "0xdac17f958d2ee523a2206206994597c13d831ec7"},
		{"  0xdac17f958d2ee523a2206206994597c13d831ec7  ", "0xdac17f958d2ee523a2206206994597c13d831ec7"},
		{`"0xdac17f958d2ee523a2206206994597c13d831ec7"`, "0xdac17f958d2ee523a2206206994597c13d831ec7"},
		{"0x1", "0x0000000000000000000000000000000000000001"},
		{"0x0", "0x0000000000000000000000000000000000000000"},
	}
	for _, c := range cases {
		got, err := Normalize(c.in)
		if err != nil {
			t.Fatalf("Normalize(%q) failed: %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("Normalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	in := "0XDAC17F958D2EE523A2206206994597C13D831EC7"
	once, err := Normalize(in)
	if err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	twice, err := Normalize(once)
	if err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if once != twice {
		t.Fatalf("not idempotent: %q vs %q", once, twice)
	}
}

func TestNormalizeRejectsInvalid(t *testing.T) {
	bad := []string{
		"",
		"0x",
		"0xzzac17f958d2ee523a2206206994597c13d831ec7",
		"0xdac17f958d2ee523a2206206994597c13d831ec7ff", // 21 bytes
		"not an address",
	}
	for _, in := range bad {
		if _, err := Normalize(in); err == nil {
			t.Fatalf("Normalize(%q) accepted invalid input", in)
		}
	}
}

func TestClassify(t *testing.T) {
	zero := common.Hash{}
	empty := EmptyCodeHash
	nonzero := common.HexToHash("0x0102030000000000000000000000000000000000000000000000000000000004")
	contractCode := []byte{0x60, 0x80, 0x60, 0x40}
	delegation := append([]byte{0xef, 0x01, 0x00}, make([]byte, 20)...)

	cases := []struct {
		name     string
		codeHash *common.Hash
		code     []byte
		want     Kind
	}{
		{"no inputs", nil, nil, KindUnknown},
		{"zero hash", &zero, nil, KindEOA},
		{"empty-code hash", &empty, nil, KindEOA},
		{"nonzero hash only", &nonzero, nil, KindContract},
		{"live empty code", &nonzero, []byte{}, KindEOA},
		{"live contract code", nil, contractCode, KindContract},
		{"delegation designator", &nonzero, delegation, KindEIP7702EOA},
		{"short designator prefix", nil, []byte{0xef, 0x01, 0x00}, KindContract},
	}
	for _, c := range cases {
		if got := Classify(c.codeHash, c.code); got != c.want {
			t.Fatalf("%s: Classify = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestKindTags(t *testing.T) {
	if got := KindEOA.Tags(); len(got) != 1 || got[0] != TagEOA {
		t.Fatalf("EOA tags = %v", got)
	}
	got := KindEIP7702EOA.Tags()
	if strings.Join(got, ",") != TagEOA+","+TagSmartWallet {
		t.Fatalf("EIP-7702 tags = %v", got)
	}
	if KindUnknown.Tags() != nil {
		t.Fatalf("unknown must yield no tags")
	}
}
