package pf

import (
	"fmt"
	"strings"
)

// RuleAddr is one side (source or destination) of a rule: an address
// matcher, a port predicate and a negation flag covering both.
type RuleAddr struct {
	Addr AddrWrap
	Port [2]uint16
	Neg  bool
	Op   PortOp
}

// Validate checks the address matcher and the port operator.
func (ra RuleAddr) Validate() error {
	if err := ra.Addr.Validate(); err != nil {
		return err
	}
	return ra.Op.Validate(ra.Port[0], ra.Port[1])
}

// HasPorts reports whether the endpoint restricts ports.
func (ra RuleAddr) HasPorts() bool { return ra.Op != PortOpNone }

// Match evaluates address and port together; Neg inverts the combined
// result. A resolver error is reported as a non-match regardless of Neg.
func (ra RuleAddr) Match(a Addr, port uint16, r Resolver) (bool, error) {
	ok, err := ra.Addr.Match(a, r)
	if err != nil {
		return false, err
	}
	if ok {
		ok = ra.Op.Match(port, ra.Port[0], ra.Port[1])
	}
	return ok != ra.Neg, nil
}

func (ra RuleAddr) String() string {
	var parts []string
	if ra.Neg {
		parts = append(parts, "!")
	}
	parts = append(parts, ra.Addr.String())
	if ra.Op != PortOpNone {
		parts = append(parts, "port", ra.Op.Format(ra.Port[0], ra.Port[1]))
	}
	return strings.Join(parts, " ")
}

// ParseRuleAddr parses a pf.conf endpoint expression:
//
//	[!] <address> [port <portspec>]
//
// where <address> is one of "any", "a.b.c.d[/len]", "a:b::c[/len]",
// "<table>", "(ifname[:network|:broadcast|:peer][:0])", "no-route",
// "urpf-failed" or "low - high".
func ParseRuleAddr(s string) (RuleAddr, error) {
	var ra RuleAddr
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "!"); ok {
		ra.Neg = true
		s = strings.TrimSpace(rest)
	}

	fields := strings.Fields(s)
	addrPart, portPart := strings.Join(fields, " "), ""
	for i, f := range fields {
		if f != "port" {
			continue
		}
		addrPart = strings.Join(fields[:i], " ")
		portPart = strings.Join(fields[i+1:], "")
		if portPart == "" {
			return RuleAddr{}, fmt.Errorf("%w: missing port after %q", ErrInvalidPortRange, s)
		}
		break
	}
	if addrPart == "" {
		addrPart = "any"
	}

	w, err := ParseAddrWrap(addrPart)
	if err != nil {
		return RuleAddr{}, err
	}
	ra.Addr = w

	if portPart != "" {
		op, lo, hi, err := ParsePortSpec(portPart)
		if err != nil {
			return RuleAddr{}, err
		}
		ra.Op, ra.Port = op, [2]uint16{lo, hi}
	}
	return ra, ra.Validate()
}

// ParseAddrWrap parses the address part of an endpoint expression.
func ParseAddrWrap(s string) (AddrWrap, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "any" || s == "all":
		return Any(), nil
	case s == "no-route":
		return NoRoute(), nil
	case s == "urpf-failed":
		return URPFFailed(), nil
	case strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">"):
		return NewTable(s[1 : len(s)-1])
	case strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")"):
		return parseDynIf(s[1 : len(s)-1])
	}

	if lo, hi, ok := strings.Cut(s, " - "); ok {
		low, err := ParseAddr(strings.TrimSpace(lo))
		if err != nil {
			return AddrWrap{}, err
		}
		high, err := ParseAddr(strings.TrimSpace(hi))
		if err != nil {
			return AddrWrap{}, err
		}
		return NewRange(low, high)
	}

	addr, bits, hasLen := strings.Cut(s, "/")
	a, err := ParseAddr(addr)
	if err != nil {
		return AddrWrap{}, err
	}
	if !hasLen {
		return Host(a), nil
	}
	var n int
	if _, err := fmt.Sscanf(bits, "%d", &n); err != nil || n < 0 || n > a.af.Len()*8 {
		return AddrWrap{}, fmt.Errorf("%w: prefix length %q", ErrInvalidAddress, bits)
	}
	return NewAddrMask(a, PrefixMask(a.af, n))
}

func parseDynIf(s string) (AddrWrap, error) {
	parts := strings.Split(s, ":")
	var flags IfaceFlags
	for _, mod := range parts[1:] {
		switch mod {
		case "network":
			flags |= IfaceNetwork
		case "broadcast":
			flags |= IfaceBroadcast
		case "peer":
			flags |= IfacePeer
		case "0":
			flags |= IfaceNoAlias
		default:
			return AddrWrap{}, fmt.Errorf("%w: interface modifier %q", ErrInvalidAddrWrap, mod)
		}
	}
	return NewDynIf(parts[0], flags)
}
