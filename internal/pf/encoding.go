package pf

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Encoded sizes. The layout follows struct pf_rule field order with fixed
// widths and big-endian integers; label and pool are appended after af.
const (
	addrWrapSize = 32 + 8 + 1 + 1
	RuleAddrSize = addrWrapSize + 4 + 1 + 1
	RuleSize     = 2*RuleAddrSize + RuleStatsSize + 4 + 8 + 2 + LabelSize + TableNameSize
	IOCRuleSize  = 4*4 + 2*MaxPathLen + RuleSize
)

func appendName(b []byte, s string, size int) []byte {
	n := make([]byte, size)
	copy(n, s)
	return append(b, n...)
}

func readName(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func (w AddrWrap) appendBinary(b []byte) []byte {
	var v [32]byte
	switch w.typ {
	case AddrTypeAddrMask, AddrTypeRange:
		a, m := w.addr.As16(), w.mask.As16()
		copy(v[:16], a[:])
		copy(v[16:], m[:])
	case AddrTypeDynIfTL, AddrTypeTable:
		copy(v[:], w.name)
	}
	b = append(b, v[:]...)
	b = append(b, make([]byte, 8)...) // kernel pointer or counter, never transferred
	return append(b, byte(w.typ), byte(w.iflags))
}

func decodeAddrWrap(b []byte, af AddressFamily) (AddrWrap, error) {
	w := AddrWrap{typ: AddrType(b[40]), iflags: IfaceFlags(b[41])}
	switch w.typ {
	case AddrTypeAddrMask, AddrTypeRange:
		var a, m [16]byte
		copy(a[:], b[:16])
		copy(m[:], b[16:32])
		if w.typ == AddrTypeAddrMask && a == ([16]byte{}) && m == ([16]byte{}) {
			// 0/0 within the rule's family is "any".
			break
		}
		if af == AddressFamilyAny {
			return AddrWrap{}, fmt.Errorf("%w: %s payload without address family", ErrFamilyMismatch, w.typ)
		}
		w.addr, w.mask = Addr{af: af, b: a}, Addr{af: af, b: m}
	case AddrTypeDynIfTL:
		w.name = readName(b[:IfNameSize])
	case AddrTypeTable:
		w.name = readName(b[:TableNameSize])
	}
	return w, w.Validate()
}

// AppendBinary appends the encoded endpoint.
func (ra RuleAddr) AppendBinary(b []byte) ([]byte, error) {
	if err := ra.Validate(); err != nil {
		return nil, err
	}
	b = ra.Addr.appendBinary(b)
	b = binary.BigEndian.AppendUint16(b, ra.Port[0])
	b = binary.BigEndian.AppendUint16(b, ra.Port[1])
	var neg byte
	if ra.Neg {
		neg = 1
	}
	return append(b, neg, byte(ra.Op)), nil
}

func decodeRuleAddr(b []byte, af AddressFamily) (RuleAddr, error) {
	w, err := decodeAddrWrap(b[:addrWrapSize], af)
	if err != nil {
		return RuleAddr{}, err
	}
	b = b[addrWrapSize:]
	ra := RuleAddr{
		Addr: w,
		Port: [2]uint16{binary.BigEndian.Uint16(b[0:]), binary.BigEndian.Uint16(b[2:])},
		Neg:  b[4] != 0,
		Op:   PortOp(b[5]),
	}
	return ra, ra.Op.Validate(ra.Port[0], ra.Port[1])
}

// AppendBinary appends the encoded rule including a counter snapshot.
func (r *Rule) AppendBinary(b []byte) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	var err error
	if b, err = r.Src.AppendBinary(b); err != nil {
		return nil, err
	}
	if b, err = r.Dst.AppendBinary(b); err != nil {
		return nil, err
	}
	if b, err = r.counters.Snapshot().AppendBinary(b); err != nil {
		return nil, err
	}
	b = binary.BigEndian.AppendUint32(b, uint32(r.Flags))
	var quick byte
	if r.Quick {
		quick = 1
	}
	b = append(b, byte(r.Action), byte(r.Direction), byte(r.Log), r.LogIf, quick,
		byte(r.Proto), byte(r.KeepState), byte(r.AF))
	b = append(b, byte(r.TCPFlags.Set), byte(r.TCPFlags.OutOf))
	b = appendName(b, r.Label, LabelSize)
	return appendName(b, r.Pool, TableNameSize), nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (r *Rule) MarshalBinary() ([]byte, error) {
	return r.AppendBinary(make([]byte, 0, RuleSize))
}

// UnmarshalBinary decodes a rule and its counters. The decoded rule owns
// fresh counters initialised from the record.
func (r *Rule) UnmarshalBinary(b []byte) error {
	if len(b) < RuleSize {
		return fmt.Errorf("%w: rule needs %d bytes, have %d", ErrShortBuffer, RuleSize, len(b))
	}
	tail := b[2*RuleAddrSize+RuleStatsSize:]
	af := AddressFamily(tail[11])

	var nr Rule
	var err error
	if nr.Src, err = decodeRuleAddr(b[:RuleAddrSize], af); err != nil {
		return fmt.Errorf("from: %w", err)
	}
	if nr.Dst, err = decodeRuleAddr(b[RuleAddrSize:2*RuleAddrSize], af); err != nil {
		return fmt.Errorf("to: %w", err)
	}
	var stats RuleStats
	if err := stats.UnmarshalBinary(b[2*RuleAddrSize:]); err != nil {
		return err
	}

	nr.Flags = RuleFlag(binary.BigEndian.Uint32(tail[0:]))
	nr.Action = Action(tail[4])
	nr.Direction = Direction(tail[5])
	nr.Log = LogFlags(tail[6])
	nr.LogIf = tail[7]
	nr.Quick = tail[8] != 0
	nr.Proto = Protocol(tail[9])
	nr.KeepState = State(tail[10])
	nr.AF = af
	nr.TCPFlags = Flags{Set: FlagHeader(tail[12]), OutOf: FlagHeader(tail[13])}
	nr.Label = readName(tail[14 : 14+LabelSize])
	nr.Pool = readName(tail[14+LabelSize : 14+LabelSize+TableNameSize])
	if err := nr.Validate(); err != nil {
		return err
	}

	nr.counters = new(Counters)
	nr.counters.restore(stats)
	*r = nr
	return nil
}

// IOCRule is the transfer record used to load one rule into a pending
// rule set, mirroring struct pfioc_rule.
type IOCRule struct {
	Action     uint32
	Ticket     uint32
	PoolTicket uint32
	Nr         uint32
	// Anchor is the path of the ruleset the rule is loaded into.
	Anchor string
	Rule   Rule
}

// MarshalBinary implements encoding.BinaryMarshaler. Rule.Anchor travels
// in the anchor_call field.
func (io *IOCRule) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, IOCRuleSize)
	b = binary.BigEndian.AppendUint32(b, io.Action)
	b = binary.BigEndian.AppendUint32(b, io.Ticket)
	b = binary.BigEndian.AppendUint32(b, io.PoolTicket)
	b = binary.BigEndian.AppendUint32(b, io.Nr)
	b = appendName(b, io.Anchor, MaxPathLen)
	b = appendName(b, io.Rule.Anchor, MaxPathLen)
	return io.Rule.AppendBinary(b)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (io *IOCRule) UnmarshalBinary(b []byte) error {
	if len(b) < IOCRuleSize {
		return fmt.Errorf("%w: pfioc_rule needs %d bytes, have %d", ErrShortBuffer, IOCRuleSize, len(b))
	}
	var rec IOCRule
	rec.Action = binary.BigEndian.Uint32(b[0:])
	rec.Ticket = binary.BigEndian.Uint32(b[4:])
	rec.PoolTicket = binary.BigEndian.Uint32(b[8:])
	rec.Nr = binary.BigEndian.Uint32(b[12:])
	rec.Anchor = readName(b[16 : 16+MaxPathLen])
	call := readName(b[16+MaxPathLen : 16+2*MaxPathLen])

	// The anchor call has to be in place before the rule validates.
	rb := b[16+2*MaxPathLen:]
	if err := rec.Rule.unmarshalWithAnchor(rb, call); err != nil {
		return err
	}
	*io = rec
	return nil
}

func (r *Rule) unmarshalWithAnchor(b []byte, anchor string) error {
	if Action(b[2*RuleAddrSize+RuleStatsSize+4]) != ActionDefer || anchor == "" {
		if anchor != "" {
			return fmt.Errorf("%w: anchor call on non-defer rule", ErrInvalidRule)
		}
		return r.UnmarshalBinary(b)
	}
	// Decode as a match rule, then restore the defer action with its
	// anchor so validation sees a consistent pair.
	tmp := append([]byte(nil), b[:RuleSize]...)
	tmp[2*RuleAddrSize+RuleStatsSize+4] = byte(ActionMatch)
	if err := r.UnmarshalBinary(tmp); err != nil {
		return err
	}
	r.Action, r.Anchor = ActionDefer, anchor
	return r.Validate()
}
