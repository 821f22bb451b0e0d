package pf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortOpBoundaries(t *testing.T) {
	lo, hi := uint16(100), uint16(200)
	tests := []struct {
		op   PortOp
		port uint16
		want bool
	}{
		{PortOpIRG, 99, false},
		{PortOpIRG, 100, true},
		{PortOpIRG, 150, true},
		{PortOpIRG, 200, true},
		{PortOpIRG, 201, false},
		{PortOpXRG, 100, false},
		{PortOpXRG, 101, true},
		{PortOpXRG, 199, true},
		{PortOpXRG, 200, false},
		{PortOpRRG, 99, true},
		{PortOpRRG, 100, false},
		{PortOpRRG, 200, false},
		{PortOpRRG, 201, true},
		{PortOpEQ, 100, true},
		{PortOpEQ, 101, false},
		{PortOpNE, 100, false},
		{PortOpNE, 101, true},
		{PortOpLT, 99, true},
		{PortOpLT, 100, false},
		{PortOpLE, 100, true},
		{PortOpGT, 100, false},
		{PortOpGT, 101, true},
		{PortOpGE, 100, true},
		{PortOpNone, 0, true},
		{PortOpNone, 65535, true},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, tc.op.Match(tc.port, lo, hi), "%s port %d", tc.op.Format(lo, hi), tc.port)
	}
}

func TestRRGIsComplementOfIRG(t *testing.T) {
	for p := 0; p <= 0xffff; p++ {
		port := uint16(p)
		require.NotEqual(t, PortOpIRG.Match(port, 100, 200), PortOpRRG.Match(port, 100, 200), "port %d", p)
	}
}

func TestPortOpValidate(t *testing.T) {
	assert.NoError(t, PortOpIRG.Validate(10, 10))
	assert.ErrorIs(t, PortOpIRG.Validate(20, 10), ErrInvalidPortRange)
	assert.ErrorIs(t, PortOpXRG.Validate(20, 10), ErrInvalidPortRange)
	assert.ErrorIs(t, PortOpRRG.Validate(20, 10), ErrInvalidPortRange)
	assert.NoError(t, PortOpEQ.Validate(20, 10), "single port operators ignore the upper bound")
	assert.ErrorIs(t, PortOp(10).Validate(0, 0), ErrUnknownPortOp)
}

func TestParsePortSpec(t *testing.T) {
	tests := []struct {
		in     string
		op     PortOp
		lo, hi uint16
	}{
		{"80", PortOpEQ, 80, 0},
		{"=80", PortOpEQ, 80, 0},
		{"!=22", PortOpNE, 22, 0},
		{"<1024", PortOpLT, 1024, 0},
		{"<=1024", PortOpLE, 1024, 0},
		{">1023", PortOpGT, 1023, 0},
		{">=1024", PortOpGE, 1024, 0},
		{"1:1023", PortOpIRG, 1, 1023},
		{"1000><2000", PortOpXRG, 1000, 2000},
		{"1000<>2000", PortOpRRG, 1000, 2000},
		{"1000 <> 2000", PortOpRRG, 1000, 2000},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			op, lo, hi, err := ParsePortSpec(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.op, op)
			assert.Equal(t, tc.lo, lo)
			assert.Equal(t, tc.hi, hi)
		})
	}

	_, _, _, err := ParsePortSpec("2000:1000")
	assert.ErrorIs(t, err, ErrInvalidPortRange)
	_, _, _, err = ParsePortSpec("70000")
	assert.Error(t, err)
}

func TestRuleAddrNegation(t *testing.T) {
	base, err := ParseRuleAddr("10.0.0.0/8 port 1:1023")
	require.NoError(t, err)
	neg := base
	neg.Neg = true

	cases := []struct {
		addr string
		port uint16
	}{
		{"10.1.1.1", 80},
		{"10.1.1.1", 8080},
		{"192.0.2.1", 80},
		{"192.0.2.1", 8080},
		{"2001:db8::1", 80},
	}
	for _, c := range cases {
		a := MustParseAddr(c.addr)
		plain, err := base.Match(a, c.port, nil)
		require.NoError(t, err)
		negated, err := neg.Match(a, c.port, nil)
		require.NoError(t, err)
		assert.Equal(t, !plain, negated, "%s:%d", c.addr, c.port)
	}

	// negation covers the endpoint as a whole: a matching address with a
	// non-matching port makes the negated endpoint match
	ok, _ := neg.Match(MustParseAddr("10.1.1.1"), 8080, nil)
	assert.True(t, ok)
}

func TestRuleAddrResolverErrorNeverMatches(t *testing.T) {
	w, err := NewTable("missing")
	require.NoError(t, err)
	ra := RuleAddr{Addr: w, Neg: true}
	ok, err := ra.Match(MustParseAddr("10.0.0.1"), 0, nil)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestParseRuleAddr(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"any", "any"},
		{"", "any"},
		{"port 80", "any port 80"},
		{"! <blocked>", "! <blocked>"},
		{"!10.0.0.0/8 port != 22", "! 10.0.0.0/8 port !=22"},
		{"(eth0:network) port 1:1023", "(eth0:network) port 1:1023"},
		{"10.0.0.1 - 10.0.0.9 port >= 1024", "10.0.0.1 - 10.0.0.9 port >=1024"},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			ra, err := ParseRuleAddr(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ra.String())
		})
	}

	_, err := ParseRuleAddr("10.0.0.1 port")
	assert.ErrorIs(t, err, ErrInvalidPortRange)
	_, err = ParseRuleAddr("(eth0:sideways)")
	assert.ErrorIs(t, err, ErrInvalidAddrWrap)
}
