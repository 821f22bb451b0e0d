package tables

import "net/netip"

// rangePrefixes returns the shortest list of prefixes exactly covering the
// inclusive range [lo, hi] of one family.
func rangePrefixes(lo, hi netip.Addr) []netip.Prefix {
	if !lo.IsValid() || lo.BitLen() != hi.BitLen() || lo.Compare(hi) > 0 {
		return nil
	}
	var out []netip.Prefix
	for {
		p := netip.PrefixFrom(lo, lo.BitLen())
		for b := lo.BitLen() - 1; b >= 0; b-- {
			cand := netip.PrefixFrom(lo, b).Masked()
			if cand.Addr() != lo || lastAddr(cand).Compare(hi) > 0 {
				break
			}
			p = cand
		}
		out = append(out, p)
		last := lastAddr(p)
		if last.Compare(hi) >= 0 {
			return out
		}
		lo = last.Next()
	}
}

// lastAddr returns the highest address inside p.
func lastAddr(p netip.Prefix) netip.Addr {
	b := p.Masked().Addr().AsSlice()
	for i := p.Bits(); i < len(b)*8; i++ {
		b[i/8] |= 0x80 >> (i % 8)
	}
	a, _ := netip.AddrFromSlice(b)
	return a
}
