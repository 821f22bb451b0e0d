package filter

import (
	"fmt"
	"net/netip"
	"strconv"

	"grimm.is/pfeval/internal/pf"
)

// Packet describes the candidate packet as seen by the evaluator. Ports
// are only meaningful for TCP and UDP.
type Packet struct {
	Direction pf.Direction
	Proto     pf.Protocol
	Src       pf.Addr
	Dst       pf.Addr
	SrcPort   uint16
	DstPort   uint16
	// Len is the packet length in bytes, added to the matching rule's
	// byte counter.
	Len      uint64
	TCPFlags pf.FlagHeader
	// Fragment marks a non-first fragment, which carries no port header.
	Fragment bool
	// Iface is the interface the packet arrived on (in) or leaves by (out).
	Iface string
}

// Family returns the address family of the packet.
func (p Packet) Family() pf.AddressFamily { return p.Src.Family() }

// Validate checks that the packet can be evaluated.
func (p Packet) Validate() error {
	if p.Direction != pf.DirectionIn && p.Direction != pf.DirectionOut {
		return fmt.Errorf("%w: direction %s", ErrInvalidPacket, p.Direction)
	}
	if !p.Src.IsValid() || !p.Dst.IsValid() {
		return fmt.Errorf("%w: missing address", ErrInvalidPacket)
	}
	if p.Src.Family() != p.Dst.Family() {
		return fmt.Errorf("%w: %w", ErrInvalidPacket, pf.ErrFamilyMismatch)
	}
	return nil
}

func (p Packet) endpoint(a pf.Addr, port uint16) string {
	if !p.Proto.HasPorts() || p.Fragment {
		return a.String()
	}
	return netip.AddrPortFrom(a.NetIP(), port).String()
}

func (p Packet) String() string {
	s := p.Direction.String() + " " + p.Proto.String() + " " +
		p.endpoint(p.Src, p.SrcPort) + " -> " + p.endpoint(p.Dst, p.DstPort)
	if p.Iface != "" {
		s += " on " + p.Iface
	}
	if p.Len > 0 {
		s += " len " + strconv.FormatUint(p.Len, 10)
	}
	if p.Proto == pf.ProtocolTCP && p.TCPFlags != 0 {
		s += " flags " + p.TCPFlags.String()
	}
	return s
}
