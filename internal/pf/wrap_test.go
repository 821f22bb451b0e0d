package pf

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	tables map[string][]Addr
	ifaces map[string][]AddrMask
	routed map[Addr]bool
	urpfOK map[Addr]bool
	err    error
}

func (f *fakeResolver) TableContains(name string, a Addr) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	for _, x := range f.tables[name] {
		if x == a {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeResolver) InterfaceAddrs(name string, flags IfaceFlags, af AddressFamily) ([]AddrMask, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []AddrMask
	for _, am := range f.ifaces[name] {
		if am.Addr.Family() != af {
			continue
		}
		if flags.Mode() != IfaceNetwork {
			am = HostMask(am.Addr)
		}
		out = append(out, am)
	}
	return out, nil
}

func (f *fakeResolver) HasRoute(a Addr) (bool, error)  { return f.routed[a], f.err }
func (f *fakeResolver) URPFCheck(a Addr) (bool, error) { return f.urpfOK[a], f.err }

func TestAddrWrapStatic(t *testing.T) {
	net24, err := ParseAddrWrap("10.1.2.0/24")
	require.NoError(t, err)
	rng, err := ParseAddrWrap("10.0.0.10 - 10.0.0.20")
	require.NoError(t, err)

	tests := []struct {
		name string
		w    AddrWrap
		addr string
		want bool
	}{
		{"any v4", Any(), "192.0.2.1", true},
		{"any v6", Any(), "2001:db8::1", true},
		{"mask inside", net24, "10.1.2.200", true},
		{"mask outside", net24, "10.1.3.1", false},
		{"mask family mismatch", net24, "2001:db8::1", false},
		{"range low bound", rng, "10.0.0.10", true},
		{"range high bound", rng, "10.0.0.20", true},
		{"range below", rng, "10.0.0.9", false},
		{"range above", rng, "10.0.0.21", false},
		{"range family mismatch", rng, "::a", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.w.Match(MustParseAddr(tc.addr), nil)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestAddrWrapTable(t *testing.T) {
	r := &fakeResolver{tables: map[string][]Addr{"blocked": {MustParseAddr("10.0.0.5")}}}
	w, err := NewTable("blocked")
	require.NoError(t, err)

	ok, err := w.Match(MustParseAddr("10.0.0.5"), r)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = w.Match(MustParseAddr("10.0.0.6"), r)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = w.Match(MustParseAddr("10.0.0.5"), nil)
	assert.ErrorIs(t, err, ErrNoResolver)
}

func TestAddrWrapDynIfNetwork(t *testing.T) {
	r := &fakeResolver{ifaces: map[string][]AddrMask{
		"eth0": {{Addr: MustParseAddr("192.168.1.1"), Mask: PrefixMask(AddressFamilyInet, 24)}},
	}}
	w, err := ParseAddrWrap("(eth0:network)")
	require.NoError(t, err)
	assert.Equal(t, IfaceNetwork, w.IfaceFlags())

	ok, err := w.Match(MustParseAddr("192.168.1.50"), r)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = w.Match(MustParseAddr("192.168.2.50"), r)
	require.NoError(t, err)
	assert.False(t, ok)

	host, err := NewDynIf("eth0", 0)
	require.NoError(t, err)
	ok, err = host.Match(MustParseAddr("192.168.1.50"), r)
	require.NoError(t, err)
	assert.False(t, ok, "without network mode only the interface address matches")
}

func TestAddrWrapRouting(t *testing.T) {
	routed := MustParseAddr("198.51.100.1")
	r := &fakeResolver{
		routed: map[Addr]bool{routed: true},
		urpfOK: map[Addr]bool{routed: true},
	}

	ok, _ := NoRoute().Match(routed, r)
	assert.False(t, ok)
	ok, _ = NoRoute().Match(MustParseAddr("203.0.113.1"), r)
	assert.True(t, ok)

	ok, _ = URPFFailed().Match(routed, r)
	assert.False(t, ok)
	ok, _ = URPFFailed().Match(MustParseAddr("203.0.113.1"), r)
	assert.True(t, ok)

	r.err = errors.New("netlink down")
	ok, err := NoRoute().Match(routed, r)
	assert.False(t, ok, "resolver failure must not match")
	assert.Error(t, err)
}

func TestAddrWrapValidate(t *testing.T) {
	_, err := NewDynIf("eth0", IfaceNetwork|IfacePeer)
	assert.ErrorIs(t, err, ErrInvalidAddrWrap)

	_, err = NewDynIf("", 0)
	assert.ErrorIs(t, err, ErrInvalidAddrWrap)

	_, err = NewDynIf("eth0", IfaceBroadcast|IfaceNoAlias)
	assert.NoError(t, err)

	_, err = NewTable("this-table-name-is-far-too-long-for-pf")
	assert.ErrorIs(t, err, ErrInvalidAddrWrap)

	_, err = NewRange(MustParseAddr("10.0.0.9"), MustParseAddr("10.0.0.1"))
	assert.ErrorIs(t, err, ErrInvalidAddrWrap)

	_, err = NewRange(MustParseAddr("10.0.0.1"), MustParseAddr("::9"))
	assert.ErrorIs(t, err, ErrFamilyMismatch)

	_, err = NewAddrMask(MustParseAddr("10.0.0.1"), PrefixMask(AddressFamilyInet6, 64))
	assert.ErrorIs(t, err, ErrFamilyMismatch)

	assert.ErrorIs(t, AddrWrap{typ: 42}.Validate(), ErrUnknownAddrType)
}

func TestAddrWrapStringRoundTrip(t *testing.T) {
	for _, s := range []string{
		"any",
		"10.0.0.0/8",
		"192.0.2.7",
		"2001:db8::/32",
		"<blocked>",
		"(eth0)",
		"(eth0:network)",
		"(ppp0:peer:0)",
		"no-route",
		"urpf-failed",
		"10.0.0.1 - 10.0.0.9",
	} {
		t.Run(s, func(t *testing.T) {
			w, err := ParseAddrWrap(s)
			require.NoError(t, err)
			assert.Equal(t, s, w.String())
		})
	}
}
