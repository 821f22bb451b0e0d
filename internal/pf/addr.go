package pf

import (
	"bytes"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// AddressFamily selects IPv4 or IPv6 matching. AddressFamilyAny matches both.
type AddressFamily uint8

const (
	AddressFamilyAny   AddressFamily = 0
	AddressFamilyInet  AddressFamily = unix.AF_INET
	AddressFamilyInet6 AddressFamily = unix.AF_INET6
)

func (af AddressFamily) String() string {
	switch af {
	case AddressFamilyAny:
		return "any"
	case AddressFamilyInet:
		return "inet"
	case AddressFamilyInet6:
		return "inet6"
	default:
		return fmt.Sprintf("AddressFamily(%d)", uint8(af))
	}
}

// Len returns the address length in bytes for the family.
func (af AddressFamily) Len() int {
	switch af {
	case AddressFamilyInet:
		return 4
	case AddressFamilyInet6:
		return 16
	default:
		return 0
	}
}

// ParseAddressFamily parses "inet", "inet6" or "any".
func ParseAddressFamily(s string) (AddressFamily, error) {
	switch s {
	case "", "any":
		return AddressFamilyAny, nil
	case "inet", "ipv4":
		return AddressFamilyInet, nil
	case "inet6", "ipv6":
		return AddressFamilyInet6, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownFamily, s)
}

// Addr is a family tagged 128-bit address value. IPv4 addresses occupy the
// first four bytes; the remaining bytes are always zero.
type Addr struct {
	af AddressFamily
	b  [16]byte
}

// AddrFrom4 returns an IPv4 address value.
func AddrFrom4(b [4]byte) Addr {
	a := Addr{af: AddressFamilyInet}
	copy(a.b[:4], b[:])
	return a
}

// AddrFrom16 returns an IPv6 address value.
func AddrFrom16(b [16]byte) Addr {
	return Addr{af: AddressFamilyInet6, b: b}
}

// AddrFromNetIP converts a netip.Addr. IPv4-mapped IPv6 addresses are
// unmapped to IPv4.
func AddrFromNetIP(ip netip.Addr) Addr {
	if !ip.IsValid() {
		return Addr{}
	}
	ip = ip.Unmap()
	if ip.Is4() {
		return AddrFrom4(ip.As4())
	}
	return AddrFrom16(ip.As16())
}

// ParseAddr parses a textual IPv4 or IPv6 address.
func ParseAddr(s string) (Addr, error) {
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return Addr{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return AddrFromNetIP(ip), nil
}

// MustParseAddr is ParseAddr that panics on error. Intended for tests and
// static tables.
func MustParseAddr(s string) Addr {
	a, err := ParseAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

// PrefixMask returns the netmask with the given number of leading one bits.
func PrefixMask(af AddressFamily, bits int) Addr {
	m := Addr{af: af}
	n := af.Len()
	for i := 0; i < n && bits > 0; i++ {
		if bits >= 8 {
			m.b[i] = 0xff
			bits -= 8
			continue
		}
		m.b[i] = byte(0xff << (8 - bits))
		bits = 0
	}
	return m
}

// Family returns the address family tag.
func (a Addr) Family() AddressFamily { return a.af }

// IsValid reports whether the address carries a family.
func (a Addr) IsValid() bool { return a.af == AddressFamilyInet || a.af == AddressFamilyInet6 }

// Is4 reports whether a is an IPv4 address.
func (a Addr) Is4() bool { return a.af == AddressFamilyInet }

// Is6 reports whether a is an IPv6 address.
func (a Addr) Is6() bool { return a.af == AddressFamilyInet6 }

// IsZero reports whether all address bits are zero.
func (a Addr) IsZero() bool { return a.b == [16]byte{} }

// As16 returns the raw 16 byte storage.
func (a Addr) As16() [16]byte { return a.b }

// Bytes returns the significant bytes of the address.
func (a Addr) Bytes() []byte { return append([]byte(nil), a.b[:a.af.Len()]...) }

// NetIP converts back to a netip.Addr.
func (a Addr) NetIP() netip.Addr {
	switch a.af {
	case AddressFamilyInet:
		return netip.AddrFrom4([4]byte{a.b[0], a.b[1], a.b[2], a.b[3]})
	case AddressFamilyInet6:
		return netip.AddrFrom16(a.b)
	}
	return netip.Addr{}
}

// And returns a masked with m. Both must share a family; the result keeps
// a's family.
func (a Addr) And(m Addr) Addr {
	r := Addr{af: a.af}
	for i := range r.b {
		r.b[i] = a.b[i] & m.b[i]
	}
	return r
}

// Compare orders two addresses of the same family as unsigned integers.
// Addresses of different families are ordered by family.
func (a Addr) Compare(o Addr) int {
	if a.af != o.af {
		if a.af < o.af {
			return -1
		}
		return 1
	}
	return bytes.Compare(a.b[:a.af.Len()], o.b[:o.af.Len()])
}

// Ones returns the number of leading one bits when a is used as a netmask,
// or -1 if the mask is not contiguous.
func (a Addr) Ones() int {
	n := 0
	seenZero := false
	for _, by := range a.b[:a.af.Len()] {
		for bit := 7; bit >= 0; bit-- {
			if by&(1<<bit) != 0 {
				if seenZero {
					return -1
				}
				n++
			} else {
				seenZero = true
			}
		}
	}
	return n
}

func (a Addr) String() string {
	if !a.IsValid() {
		return "invalid"
	}
	return a.NetIP().String()
}

// AddrMask is an address with its netmask.
type AddrMask struct {
	Addr Addr
	Mask Addr
}

// HostMask returns an AddrMask matching exactly a.
func HostMask(a Addr) AddrMask {
	return AddrMask{Addr: a, Mask: PrefixMask(a.af, a.af.Len()*8)}
}

// FromPrefix converts a netip.Prefix.
func FromPrefix(p netip.Prefix) AddrMask {
	a := AddrFromNetIP(p.Addr())
	bits := p.Bits()
	if p.Addr().Is4In6() {
		bits -= 96
	}
	m := PrefixMask(a.af, bits)
	return AddrMask{Addr: a.And(m), Mask: m}
}

// Contains reports whether c, masked, equals the stored address masked.
// Family mismatch is a non-match.
func (am AddrMask) Contains(c Addr) bool {
	if c.af != am.Addr.af {
		return false
	}
	return c.And(am.Mask).b == am.Addr.And(am.Mask).b
}

func (am AddrMask) String() string {
	ones := am.Mask.Ones()
	if ones == am.Addr.af.Len()*8 {
		return am.Addr.String()
	}
	if ones < 0 {
		return am.Addr.String() + "/" + am.Mask.String()
	}
	return fmt.Sprintf("%s/%d", am.Addr, ones)
}
