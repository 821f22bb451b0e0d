//go:build linux

package tables

import (
	"context"
	"fmt"
	"net/netip"
	"slices"

	"github.com/google/nftables"

	"grimm.is/pfeval/internal/pf"
)

// NFTConn is the subset of nftables.Conn used to read sets.
type NFTConn interface {
	ListTables() ([]*nftables.Table, error)
	GetSets(t *nftables.Table) ([]*nftables.Set, error)
	GetSetElements(s *nftables.Set) ([]nftables.SetElement, error)
}

// NFTSource fills a table from the elements of a kernel nftables set of
// IPv4 or IPv6 addresses, including interval sets.
type NFTSource struct {
	Conn   NFTConn
	Family nftables.TableFamily
	Table  string
	Set    string
}

// NewNFTSource opens a netlink connection to nftables.
func NewNFTSource(family, table, set string) (*NFTSource, error) {
	fam, err := ParseNFTFamily(family)
	if err != nil {
		return nil, err
	}
	conn, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("nftables: %w", err)
	}
	return &NFTSource{Conn: conn, Family: fam, Table: table, Set: set}, nil
}

// ParseNFTFamily maps "ip", "ip6" and "inet" to table families.
func ParseNFTFamily(s string) (nftables.TableFamily, error) {
	switch s {
	case "ip", "":
		return nftables.TableFamilyIPv4, nil
	case "ip6":
		return nftables.TableFamilyIPv6, nil
	case "inet":
		return nftables.TableFamilyINet, nil
	}
	return 0, fmt.Errorf("unknown nftables family %q", s)
}

func (n *NFTSource) Name() string { return "nftables" }

func (n *NFTSource) lookup() (*nftables.Set, error) {
	tables, err := n.Conn.ListTables()
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	idx := slices.IndexFunc(tables, func(t *nftables.Table) bool {
		return t.Name == n.Table && t.Family == n.Family
	})
	if idx < 0 {
		return nil, fmt.Errorf("nftables table %q not found", n.Table)
	}
	sets, err := n.Conn.GetSets(tables[idx])
	if err != nil {
		return nil, fmt.Errorf("list sets: %w", err)
	}
	for _, s := range sets {
		if s.Name == n.Set {
			return s, nil
		}
	}
	return nil, fmt.Errorf("nftables set %q not found in table %q", n.Set, n.Table)
}

// Fetch reads the set. Interval sets are converted to the minimal list of
// prefixes covering each interval.
func (n *NFTSource) Fetch(context.Context) ([]Entry, error) {
	set, err := n.lookup()
	if err != nil {
		return nil, err
	}
	elems, err := n.Conn.GetSetElements(set)
	if err != nil {
		return nil, fmt.Errorf("get set elements: %w", err)
	}

	if !set.Interval {
		out := make([]Entry, 0, len(elems))
		for _, el := range elems {
			if a, ok := netip.AddrFromSlice(el.Key); ok {
				out = append(out, Entry{Prefix: pf.HostMask(pf.AddrFromNetIP(a))})
			}
		}
		return out, nil
	}
	return intervalEntries(elems), nil
}

// intervalEntries pairs interval starts with the following interval end.
// The end key is exclusive; a start without an end runs to the top of the
// address space.
func intervalEntries(elems []nftables.SetElement) []Entry {
	type bound struct {
		addr netip.Addr
		end  bool
	}
	bounds := make([]bound, 0, len(elems))
	for _, el := range elems {
		if a, ok := netip.AddrFromSlice(el.Key); ok {
			bounds = append(bounds, bound{addr: a, end: el.IntervalEnd})
		}
	}
	slices.SortStableFunc(bounds, func(a, b bound) int { return a.addr.Compare(b.addr) })

	var out []Entry
	emit := func(lo, hi netip.Addr) {
		for _, p := range rangePrefixes(lo, hi) {
			out = append(out, Entry{Prefix: pf.FromPrefix(p)})
		}
	}
	var open *netip.Addr
	for i := range bounds {
		b := bounds[i]
		switch {
		case !b.end && open == nil:
			open = &bounds[i].addr
		case !b.end:
			// Adjacent start: close the previous interval just before it.
			emit(*open, b.addr.Prev())
			open = &bounds[i].addr
		case open != nil && b.addr.Compare(*open) > 0:
			emit(*open, b.addr.Prev())
			open = nil
		}
	}
	if open != nil {
		emit(*open, lastAddr(netip.PrefixFrom(*open, 0).Masked()))
	}
	return out
}
