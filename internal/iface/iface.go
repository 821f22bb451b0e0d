// Package iface resolves the addresses bound to a network interface for
// dynamic interface endpoints such as (eth0) or (eth0:network).
package iface

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/vishvananda/netlink"

	"grimm.is/pfeval/internal/clock"
	"grimm.is/pfeval/internal/logging"
	"grimm.is/pfeval/internal/pf"
)

// Netlinker is the part of the netlink API the resolver needs.
// *netlink.Handle implements it.
type Netlinker interface {
	LinkByName(name string) (netlink.Link, error)
	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)
}

// Resolver answers interface address queries from netlink. Results are
// cached per interface for TTL when TTL is positive.
type Resolver struct {
	nl     Netlinker
	ttl    time.Duration
	clock  clock.Clock
	logger *logging.Logger

	mu    sync.Mutex
	cache map[string]cached
}

type cached struct {
	addrs   []netlink.Addr
	fetched time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTTL caches the address list of each interface for d.
func WithTTL(d time.Duration) Option { return func(r *Resolver) { r.ttl = d } }

// WithClock sets the clock used for cache expiry.
func WithClock(c clock.Clock) Option { return func(r *Resolver) { r.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option { return func(r *Resolver) { r.logger = l } }

// NewResolver returns a resolver reading addresses through nl.
func NewResolver(nl Netlinker, opts ...Option) *Resolver {
	r := &Resolver{nl: nl, cache: make(map[string]cached)}
	for _, o := range opts {
		o(r)
	}
	r.clock = clock.OrReal(r.clock)
	if r.logger == nil {
		r.logger = logging.WithComponent("iface")
	}
	return r
}

// Invalidate drops cached addresses of ifname, or of every interface when
// ifname is empty.
func (r *Resolver) Invalidate(ifname string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ifname == "" {
		clear(r.cache)
		return
	}
	delete(r.cache, ifname)
}

func (r *Resolver) addrs(ifname string) ([]netlink.Addr, error) {
	now := r.clock.Now()
	if r.ttl > 0 {
		r.mu.Lock()
		c, ok := r.cache[ifname]
		r.mu.Unlock()
		if ok && now.Sub(c.fetched) < r.ttl {
			return c.addrs, nil
		}
	}

	link, err := r.nl.LinkByName(ifname)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", ifname, err)
	}
	addrs, err := r.nl.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return nil, fmt.Errorf("interface %s: list addresses: %w", ifname, err)
	}
	r.logger.Debug("interface addresses loaded", "interface", ifname, "count", len(addrs))

	if r.ttl > 0 {
		r.mu.Lock()
		r.cache[ifname] = cached{addrs: addrs, fetched: now}
		r.mu.Unlock()
	}
	return addrs, nil
}

// Resolve returns the addresses of ifname selected by the mode in flags:
// host addresses by default, network prefixes for IfaceNetwork, broadcast
// addresses for IfaceBroadcast and point-to-point peers for IfacePeer.
// IfaceNoAlias keeps only the first address of each family and skips IPv6
// link-local addresses. af restricts the family unless it is
// AddressFamilyAny.
func (r *Resolver) Resolve(ifname string, flags pf.IfaceFlags, af pf.AddressFamily) ([]pf.AddrMask, error) {
	addrs, err := r.addrs(ifname)
	if err != nil {
		return nil, err
	}

	var out []pf.AddrMask
	seen := make(map[pf.AddressFamily]bool)
	for _, a := range addrs {
		if a.IPNet == nil {
			continue
		}
		ip, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		fam := familyOf(ip)
		if af != pf.AddressFamilyAny && fam != af {
			continue
		}
		if flags&pf.IfaceNoAlias != 0 {
			if (ip.Is6() && ip.IsLinkLocalUnicast()) || seen[fam] {
				continue
			}
		}

		am, ok := selectAddr(a, ip, flags.Mode())
		if !ok {
			continue
		}
		seen[fam] = true
		out = append(out, am)
	}
	return out, nil
}

func familyOf(ip netip.Addr) pf.AddressFamily {
	if ip.Is4() {
		return pf.AddressFamilyInet
	}
	return pf.AddressFamilyInet6
}

func selectAddr(a netlink.Addr, ip netip.Addr, mode pf.IfaceFlags) (pf.AddrMask, bool) {
	switch mode {
	case pf.IfaceNetwork:
		ones, _ := a.Mask.Size()
		if ip.Is4() && len(a.Mask) == net.IPv6len {
			ones -= 96
		}
		p, err := ip.Prefix(ones)
		if err != nil {
			return pf.AddrMask{}, false
		}
		return pf.FromPrefix(p), true
	case pf.IfaceBroadcast:
		if !ip.Is4() {
			return pf.AddrMask{}, false
		}
		if b, ok := netip.AddrFromSlice(a.Broadcast); ok && b.Unmap().IsValid() && !b.Unmap().IsUnspecified() {
			return pf.HostMask(pf.AddrFromNetIP(b)), true
		}
		ones, _ := a.Mask.Size()
		if len(a.Mask) == net.IPv6len {
			ones -= 96
		}
		if ones >= 31 {
			return pf.AddrMask{}, false
		}
		p, _ := ip.Prefix(ones)
		return pf.HostMask(pf.AddrFromNetIP(broadcast(p))), true
	case pf.IfacePeer:
		if a.Peer == nil {
			return pf.AddrMask{}, false
		}
		peer, ok := netip.AddrFromSlice(a.Peer.IP)
		if !ok {
			return pf.AddrMask{}, false
		}
		return pf.HostMask(pf.AddrFromNetIP(peer)), true
	default:
		return pf.HostMask(pf.AddrFromNetIP(ip)), true
	}
}

func broadcast(p netip.Prefix) netip.Addr {
	b := p.Masked().Addr().As4()
	for i := p.Bits(); i < 32; i++ {
		b[i/8] |= 0x80 >> (i % 8)
	}
	return netip.AddrFrom4(b)
}
