package pf

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// PortOp is the port comparison operator of a rule endpoint.
type PortOp uint8

const (
	PortOpNone PortOp = iota
	PortOpIRG         // lo <= p <= hi
	PortOpEQ
	PortOpNE
	PortOpLT
	PortOpLE
	PortOpGT
	PortOpGE
	PortOpXRG // lo < p < hi
	PortOpRRG // p < lo || p > hi
)

// IsRange reports whether the operator uses both port bounds.
func (op PortOp) IsRange() bool {
	return op == PortOpIRG || op == PortOpXRG || op == PortOpRRG
}

// Match applies the operator to port p. PortOpNone always matches.
func (op PortOp) Match(p, lo, hi uint16) bool {
	switch op {
	case PortOpNone:
		return true
	case PortOpEQ:
		return p == lo
	case PortOpNE:
		return p != lo
	case PortOpLT:
		return p < lo
	case PortOpLE:
		return p <= lo
	case PortOpGT:
		return p > lo
	case PortOpGE:
		return p >= lo
	case PortOpIRG:
		return p >= lo && p <= hi
	case PortOpXRG:
		return p > lo && p < hi
	case PortOpRRG:
		return p < lo || p > hi
	}
	return false
}

// Validate checks the operator tag and, for range operators, lo <= hi.
func (op PortOp) Validate(lo, hi uint16) error {
	if op > PortOpRRG {
		return fmt.Errorf("%w: %d", ErrUnknownPortOp, uint8(op))
	}
	if op.IsRange() && lo > hi {
		return fmt.Errorf("%w: %d > %d", ErrInvalidPortRange, lo, hi)
	}
	return nil
}

// Format renders the operator and bounds in pf.conf syntax.
func (op PortOp) Format(lo, hi uint16) string {
	switch op {
	case PortOpIRG:
		return fmt.Sprintf("%d:%d", lo, hi)
	case PortOpXRG:
		return fmt.Sprintf("%d><%d", lo, hi)
	case PortOpRRG:
		return fmt.Sprintf("%d<>%d", lo, hi)
	case PortOpEQ:
		return strconv.Itoa(int(lo))
	case PortOpNE:
		return fmt.Sprintf("!=%d", lo)
	case PortOpLT:
		return fmt.Sprintf("<%d", lo)
	case PortOpLE:
		return fmt.Sprintf("<=%d", lo)
	case PortOpGT:
		return fmt.Sprintf(">%d", lo)
	case PortOpGE:
		return fmt.Sprintf(">=%d", lo)
	}
	return ""
}

// ParsePortSpec parses a pf.conf port expression such as "80", "!=22",
// ">=1024", "1:1023", "1000><2000" or "1000<>2000". Service names are
// resolved through the system services database.
func ParsePortSpec(s string) (op PortOp, lo, hi uint16, err error) {
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return PortOpNone, 0, 0, fmt.Errorf("%w: empty port", ErrInvalidPortRange)
	}

	for _, r := range []struct {
		sep string
		op  PortOp
	}{{"><", PortOpXRG}, {"<>", PortOpRRG}, {":", PortOpIRG}} {
		if a, b, ok := strings.Cut(s, r.sep); ok {
			if lo, err = parsePort(a); err != nil {
				return
			}
			if hi, err = parsePort(b); err != nil {
				return
			}
			return r.op, lo, hi, r.op.Validate(lo, hi)
		}
	}

	for _, u := range []struct {
		prefix string
		op     PortOp
	}{{"!=", PortOpNE}, {"<=", PortOpLE}, {">=", PortOpGE}, {"<", PortOpLT}, {">", PortOpGT}, {"=", PortOpEQ}} {
		if rest, ok := strings.CutPrefix(s, u.prefix); ok {
			lo, err = parsePort(rest)
			return u.op, lo, 0, err
		}
	}

	lo, err = parsePort(s)
	return PortOpEQ, lo, 0, err
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err == nil {
		return uint16(n), nil
	}
	p, lerr := net.LookupPort("tcp", s)
	if lerr != nil {
		return 0, fmt.Errorf("%w: port %q", ErrInvalidPortRange, s)
	}
	return uint16(p), nil
}
