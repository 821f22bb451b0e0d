package translate

import "grimm.is/pfeval/internal/pf"

// maxPoolBlock caps how many addresses of one pool entry are handed out.
const maxPoolBlock = 1 << 16

// size returns the number of addresses in am, capped at maxPoolBlock.
func size(am pf.AddrMask) uint64 {
	host := am.Addr.Family().Len()*8 - am.Mask.Ones()
	if am.Mask.Ones() < 0 || host < 0 {
		return 1
	}
	if host >= 16 {
		return maxPoolBlock
	}
	return 1 << host
}

// nth returns the n-th address of am.
func nth(am pf.AddrMask, n uint64) pf.Addr {
	return offset(am.Addr.And(am.Mask), n)
}

// offset adds n to the low bytes of a.
func offset(a pf.Addr, n uint64) pf.Addr {
	b := a.As16()
	l := a.Family().Len()
	var carry uint64
	for i := l - 1; i >= 0 && (n > 0 || carry > 0); i-- {
		sum := uint64(b[i]) + (n & 0xff) + carry
		b[i] = byte(sum)
		carry = sum >> 8
		n >>= 8
	}
	if a.Is4() {
		return pf.AddrFrom4([4]byte(b[:4]))
	}
	return pf.AddrFrom16(b)
}

// hostPart returns a with the bits of mask cleared.
func hostPart(a, mask pf.Addr) [16]byte {
	b, m := a.As16(), mask.As16()
	for i := range b {
		b[i] &^= m[i]
	}
	return b
}

// remap keeps the host part of a and takes the network part from to.
// binat uses it to map whole prefixes one to one.
func remap(a pf.Addr, to pf.AddrMask) pf.Addr {
	h := hostPart(a, to.Mask)
	n := to.Addr.And(to.Mask).As16()
	for i := range n {
		n[i] |= h[i]
	}
	if to.Addr.Is4() {
		return pf.AddrFrom4([4]byte(n[:4]))
	}
	return pf.AddrFrom16(n)
}

// poolSize returns the number of addresses handed out by pool.
func poolSize(pool []pf.AddrMask) uint64 {
	var total uint64
	for _, am := range pool {
		total += size(am)
	}
	return total
}

// pick returns the n-th address of pool, wrapping around.
func pick(pool []pf.AddrMask, n uint64) pf.Addr {
	n %= poolSize(pool)
	for _, am := range pool {
		s := size(am)
		if n < s {
			return nth(am, n)
		}
		n -= s
	}
	return pool[0].Addr
}
