package pf

import (
	"fmt"
	"strings"
)

// FlagHeader is a set of TCP header flags.
type FlagHeader uint8

const (
	FlagFIN FlagHeader = 0x01
	FlagSYN FlagHeader = 0x02
	FlagRST FlagHeader = 0x04
	FlagPSH FlagHeader = 0x08
	FlagACK FlagHeader = 0x10
	FlagURG FlagHeader = 0x20
	FlagECE FlagHeader = 0x40
	FlagCWR FlagHeader = 0x80
)

var allFlags = []FlagHeader{FlagFIN, FlagSYN, FlagRST, FlagPSH, FlagACK, FlagURG, FlagECE, FlagCWR}

const flagLetters = "FSRPAUEW"

func (f FlagHeader) String() string {
	var b strings.Builder
	for i, flag := range allFlags {
		if f&flag != 0 {
			b.WriteByte(flagLetters[i])
		}
	}
	return b.String()
}

// ParseFlagHeader parses letters such as "SA".
func ParseFlagHeader(s string) (FlagHeader, error) {
	var f FlagHeader
	for _, c := range strings.ToUpper(s) {
		i := strings.IndexRune(flagLetters, c)
		if i < 0 {
			return 0, fmt.Errorf("%w: tcp flag %q", ErrInvalidRule, c)
		}
		f |= allFlags[i]
	}
	return f, nil
}

// Flags specifies which TCP flags must be Set out of the flags in OutOf
// for a rule to match.
type Flags struct {
	Set   FlagHeader
	OutOf FlagHeader
}

// Any reports whether any TCP flags are accepted.
func (f Flags) Any() bool { return f.OutOf == 0 }

// Default reports whether the default S/SA check is configured.
func (f Flags) Default() bool {
	return f.Set == FlagSYN && f.OutOf&(FlagSYN|FlagACK) == FlagSYN|FlagACK
}

// Match reports whether the header flags h satisfy the check.
func (f Flags) Match(h FlagHeader) bool {
	return h&f.OutOf == f.Set
}

// ParseFlags parses "S/SA", "/SA" or "any".
func ParseFlags(s string) (Flags, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "any" {
		return Flags{}, nil
	}
	set, outOf, ok := strings.Cut(s, "/")
	if !ok {
		return Flags{}, fmt.Errorf("%w: tcp flags %q need a flagset", ErrInvalidRule, s)
	}
	var f Flags
	var err error
	if f.Set, err = ParseFlagHeader(set); err != nil {
		return Flags{}, err
	}
	if f.OutOf, err = ParseFlagHeader(outOf); err != nil {
		return Flags{}, err
	}
	if f.Set&^f.OutOf != 0 {
		return Flags{}, fmt.Errorf("%w: tcp flags %s not in flagset %s", ErrInvalidRule, f.Set, f.OutOf)
	}
	return f, nil
}

func (f Flags) String() string {
	if f.Any() {
		return "flags any"
	}
	return "flags " + f.Set.String() + "/" + f.OutOf.String()
}
