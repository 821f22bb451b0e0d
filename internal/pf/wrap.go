package pf

import (
	"fmt"
	"strings"
)

// AddrType tags the active variant of an AddrWrap.
type AddrType uint8

const (
	AddrTypeAddrMask AddrType = iota
	AddrTypeNoRoute
	AddrTypeDynIfTL
	AddrTypeTable
	AddrTypeURPFFailed
	AddrTypeRange
)

func (t AddrType) String() string {
	switch t {
	case AddrTypeAddrMask:
		return "addrmask"
	case AddrTypeNoRoute:
		return "no-route"
	case AddrTypeDynIfTL:
		return "dynif"
	case AddrTypeTable:
		return "table"
	case AddrTypeURPFFailed:
		return "urpf-failed"
	case AddrTypeRange:
		return "range"
	default:
		return fmt.Sprintf("AddrType(%d)", uint8(t))
	}
}

// IfaceFlags select which addresses of a dynamic interface are matched.
// The mode bits are mutually exclusive; IfaceNoAlias is independent.
type IfaceFlags uint8

const (
	IfaceNetwork   IfaceFlags = 0x01
	IfaceBroadcast IfaceFlags = 0x02
	IfacePeer      IfaceFlags = 0x04
	IfaceModeMask  IfaceFlags = 0x07
	IfaceNoAlias   IfaceFlags = 0x08
)

// Mode returns only the mode bits.
func (f IfaceFlags) Mode() IfaceFlags { return f & IfaceModeMask }

func (f IfaceFlags) String() string {
	var parts []string
	switch f.Mode() {
	case IfaceNetwork:
		parts = append(parts, "network")
	case IfaceBroadcast:
		parts = append(parts, "broadcast")
	case IfacePeer:
		parts = append(parts, "peer")
	}
	if f&IfaceNoAlias != 0 {
		parts = append(parts, "0")
	}
	return strings.Join(parts, ":")
}

const (
	// IfNameSize bounds interface names, including the terminating NUL.
	IfNameSize = 16
	// TableNameSize bounds table names, including the terminating NUL.
	TableNameSize = 32
)

// Resolver answers the membership and routing questions an AddrWrap
// cannot answer from its own payload. Errors mean the collaborator could
// not decide; callers treat them as a non-match.
type Resolver interface {
	TableContains(table string, a Addr) (bool, error)
	InterfaceAddrs(ifname string, flags IfaceFlags, af AddressFamily) ([]AddrMask, error)
	HasRoute(a Addr) (bool, error)
	URPFCheck(a Addr) (bool, error)
}

// AddrWrap is the polymorphic address matcher of one rule endpoint.
// Exactly one payload is active, selected by Type.
type AddrWrap struct {
	typ    AddrType
	addr   Addr // addrmask address, range low
	mask   Addr // addrmask mask, range high
	name   string
	iflags IfaceFlags
}

// Any matches every address of every family.
func Any() AddrWrap {
	return AddrWrap{typ: AddrTypeAddrMask}
}

// NewAddrMask returns a static address/mask matcher.
func NewAddrMask(addr, mask Addr) (AddrWrap, error) {
	if !addr.IsValid() || addr.af != mask.af {
		return AddrWrap{}, fmt.Errorf("%w: %s/%s", ErrFamilyMismatch, addr, mask)
	}
	return AddrWrap{typ: AddrTypeAddrMask, addr: addr.And(mask), mask: mask}, nil
}

// Host returns a matcher for exactly one address.
func Host(a Addr) AddrWrap {
	hm := HostMask(a)
	return AddrWrap{typ: AddrTypeAddrMask, addr: hm.Addr, mask: hm.Mask}
}

// Network returns a matcher for an address/mask pair.
func Network(am AddrMask) AddrWrap {
	return AddrWrap{typ: AddrTypeAddrMask, addr: am.Addr.And(am.Mask), mask: am.Mask}
}

// NoRoute matches addresses with no outbound route.
func NoRoute() AddrWrap { return AddrWrap{typ: AddrTypeNoRoute} }

// URPFFailed matches source addresses that fail the reverse path check.
func URPFFailed() AddrWrap { return AddrWrap{typ: AddrTypeURPFFailed} }

// NewDynIf returns a matcher over the addresses bound to an interface.
func NewDynIf(ifname string, flags IfaceFlags) (AddrWrap, error) {
	w := AddrWrap{typ: AddrTypeDynIfTL, name: ifname, iflags: flags}
	return w, w.Validate()
}

// NewTable returns a matcher over a named address table.
func NewTable(name string) (AddrWrap, error) {
	w := AddrWrap{typ: AddrTypeTable, name: name}
	return w, w.Validate()
}

// NewRange returns an inclusive address range matcher.
func NewRange(low, high Addr) (AddrWrap, error) {
	w := AddrWrap{typ: AddrTypeRange, addr: low, mask: high}
	return w, w.Validate()
}

// Type returns the active variant.
func (w AddrWrap) Type() AddrType { return w.typ }

// Addr returns the address of an AddrMask matcher.
func (w AddrWrap) Addr() Addr { return w.addr }

// Mask returns the mask of an AddrMask matcher.
func (w AddrWrap) Mask() Addr { return w.mask }

// Low returns the lower bound of a Range matcher.
func (w AddrWrap) Low() Addr { return w.addr }

// High returns the upper bound of a Range matcher.
func (w AddrWrap) High() Addr { return w.mask }

// Name returns the interface or table name.
func (w AddrWrap) Name() string { return w.name }

// IfaceFlags returns the dynamic interface flags.
func (w AddrWrap) IfaceFlags() IfaceFlags { return w.iflags }

// Family returns the family pinned by the payload, or AddressFamilyAny
// when the matcher applies to both families.
func (w AddrWrap) Family() AddressFamily {
	switch w.typ {
	case AddrTypeAddrMask, AddrTypeRange:
		return w.addr.af
	}
	return AddressFamilyAny
}

// IsAny reports whether the matcher is the match-everything address.
func (w AddrWrap) IsAny() bool {
	return w.typ == AddrTypeAddrMask && !w.addr.IsValid() && w.mask.IsZero()
}

// Validate checks that the payload is consistent with the type tag.
func (w AddrWrap) Validate() error {
	switch w.typ {
	case AddrTypeAddrMask:
		if w.IsAny() {
			return nil
		}
		if !w.addr.IsValid() || w.addr.af != w.mask.af {
			return fmt.Errorf("%w: addrmask %s/%s", ErrFamilyMismatch, w.addr, w.mask)
		}
	case AddrTypeNoRoute, AddrTypeURPFFailed:
		if w.name != "" || w.addr.IsValid() {
			return fmt.Errorf("%w: %s carries a payload", ErrInvalidAddrWrap, w.typ)
		}
	case AddrTypeDynIfTL:
		if w.name == "" || len(w.name) >= IfNameSize {
			return fmt.Errorf("%w: interface name %q", ErrInvalidAddrWrap, w.name)
		}
		if w.iflags&^(IfaceModeMask|IfaceNoAlias) != 0 {
			return fmt.Errorf("%w: interface flags %#x", ErrInvalidAddrWrap, uint8(w.iflags))
		}
		switch w.iflags.Mode() {
		case 0, IfaceNetwork, IfaceBroadcast, IfacePeer:
		default:
			return fmt.Errorf("%w: more than one interface mode in %#x", ErrInvalidAddrWrap, uint8(w.iflags))
		}
	case AddrTypeTable:
		if w.name == "" || len(w.name) >= TableNameSize {
			return fmt.Errorf("%w: table name %q", ErrInvalidAddrWrap, w.name)
		}
	case AddrTypeRange:
		if !w.addr.IsValid() || w.addr.af != w.mask.af {
			return fmt.Errorf("%w: range %s - %s", ErrFamilyMismatch, w.addr, w.mask)
		}
		if w.addr.Compare(w.mask) > 0 {
			return fmt.Errorf("%w: range %s - %s is reversed", ErrInvalidAddrWrap, w.addr, w.mask)
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnknownAddrType, uint8(w.typ))
	}
	if w.typ != AddrTypeDynIfTL && w.iflags != 0 {
		return fmt.Errorf("%w: interface flags on %s", ErrInvalidAddrWrap, w.typ)
	}
	return nil
}

// Match reports whether a satisfies the matcher. A family mismatch is a
// non-match, never an error. Errors only come from the resolver.
func (w AddrWrap) Match(a Addr, r Resolver) (bool, error) {
	switch w.typ {
	case AddrTypeAddrMask:
		if w.IsAny() {
			return true, nil
		}
		return AddrMask{Addr: w.addr, Mask: w.mask}.Contains(a), nil
	case AddrTypeRange:
		if a.af != w.addr.af {
			return false, nil
		}
		return a.Compare(w.addr) >= 0 && a.Compare(w.mask) <= 0, nil
	case AddrTypeTable:
		if r == nil {
			return false, ErrNoResolver
		}
		return r.TableContains(w.name, a)
	case AddrTypeDynIfTL:
		if r == nil {
			return false, ErrNoResolver
		}
		addrs, err := r.InterfaceAddrs(w.name, w.iflags, a.af)
		if err != nil {
			return false, err
		}
		for _, am := range addrs {
			if am.Contains(a) {
				return true, nil
			}
		}
		return false, nil
	case AddrTypeNoRoute:
		if r == nil {
			return false, ErrNoResolver
		}
		ok, err := r.HasRoute(a)
		return !ok && err == nil, err
	case AddrTypeURPFFailed:
		if r == nil {
			return false, ErrNoResolver
		}
		ok, err := r.URPFCheck(a)
		return !ok && err == nil, err
	}
	return false, nil
}

func (w AddrWrap) String() string {
	switch w.typ {
	case AddrTypeAddrMask:
		if w.IsAny() {
			return "any"
		}
		return AddrMask{Addr: w.addr, Mask: w.mask}.String()
	case AddrTypeNoRoute:
		return "no-route"
	case AddrTypeURPFFailed:
		return "urpf-failed"
	case AddrTypeDynIfTL:
		if f := w.iflags.String(); f != "" {
			return "(" + w.name + ":" + f + ")"
		}
		return "(" + w.name + ")"
	case AddrTypeTable:
		return "<" + w.name + ">"
	case AddrTypeRange:
		return w.addr.String() + " - " + w.mask.String()
	}
	return w.typ.String()
}
