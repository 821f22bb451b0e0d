package pf

import (
	"fmt"
	"strings"
)

// String returns the rule as pf.conf representation.
func (r *Rule) String() string {
	var dump []string

	if r.Action == ActionDrop {
		dump = append(dump, "block")
		switch {
		case r.Flags&RuleFlagReturnRST != 0:
			dump = append(dump, "return-rst")
		case r.Flags&RuleFlagReturnICMP != 0:
			dump = append(dump, "return-icmp")
		case r.Flags&RuleFlagReturn != 0:
			dump = append(dump, "return")
		default:
			dump = append(dump, "drop")
		}
	} else {
		dump = append(dump, r.Action.String())
	}

	if r.Direction != DirectionInOut {
		dump = append(dump, r.Direction.String())
	}

	if r.LogEnabled() {
		if r.LogAll() {
			dump = append(dump, "log (all)")
		} else {
			dump = append(dump, "log")
		}
		if r.LogIf != 0 {
			dump = append(dump, "to", fmt.Sprintf("pflog%d", r.LogIf))
		}
	}

	if r.Quick {
		dump = append(dump, "quick")
	}

	if r.AF != AddressFamilyAny {
		dump = append(dump, r.AF.String())
	}

	if r.Proto != ProtocolAny {
		dump = append(dump, "proto", r.Proto.String())
	}

	if r.Src.IsAnyPort() && r.Dst.IsAnyPort() {
		dump = append(dump, "all")
	} else {
		dump = append(dump, "from", r.Src.String(), "to", r.Dst.String())
	}

	if r.Flags&RuleFlagFragment != 0 {
		dump = append(dump, "fragment")
	}

	if !r.TCPFlags.Any() {
		dump = append(dump, r.TCPFlags.String())
	}

	if r.KeepState != StateNo {
		dump = append(dump, r.KeepState.String())
		var opts []string
		if r.Flags&RuleFlagNoSync != 0 {
			opts = append(opts, "no-sync")
		}
		switch {
		case r.Flags&RuleFlagRuleSrcTrack != 0:
			opts = append(opts, "source-track rule")
		case r.Flags&RuleFlagSrcTrack != 0:
			opts = append(opts, "source-track global")
		}
		if len(opts) > 0 {
			dump = append(dump, "("+strings.Join(opts, ", ")+")")
		}
	}

	if r.Action == ActionDefer {
		dump = append(dump, "anchor", fmt.Sprintf("%q", r.Anchor))
	}
	if r.Pool != "" {
		dump = append(dump, "->", "<"+r.Pool+">")
	}
	if r.Label != "" {
		dump = append(dump, "label", fmt.Sprintf("%q", r.Label))
	}

	return strings.Join(dump, " ")
}

// IsAnyPort reports whether the endpoint matches every address and port.
func (ra RuleAddr) IsAnyPort() bool {
	return !ra.Neg && ra.Addr.IsAny() && ra.Op == PortOpNone
}
