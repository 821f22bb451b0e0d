package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/pfeval/internal/events"
	"grimm.is/pfeval/internal/pf"
)

func TestBuilder_StaleTicket(t *testing.T) {
	e := newTestEngine(t, Config{})
	older := e.Begin()
	newer := e.Begin()
	require.NoError(t, older.AddRule(passAll()))
	require.NoError(t, newer.AddRule(blockAll()))

	_, err := older.Commit()
	assert.ErrorIs(t, err, ErrStaleTicket)

	rs, err := newer.Commit()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rs.Generation())
	assert.Same(t, rs, e.Active())

	_, err = newer.Commit()
	assert.ErrorIs(t, err, ErrTransactionClosed)
	assert.ErrorIs(t, newer.AddRule(passAll()), ErrTransactionClosed)
}

func TestBuilder_FailedAddPoisonsTransaction(t *testing.T) {
	e := newTestEngine(t, Config{})
	before := load(t, e, passAll())

	b := e.Begin()
	require.NoError(t, b.AddRule(blockAll()))
	err := b.AddRule(pf.Rule{Action: 42})
	assert.ErrorIs(t, err, pf.ErrUnknownAction)
	require.NoError(t, b.AddRule(passAll()))
	assert.ErrorIs(t, b.Err(), pf.ErrUnknownAction)

	_, err = b.Commit()
	assert.ErrorIs(t, err, ErrTransactionFailed)
	assert.ErrorIs(t, err, pf.ErrUnknownAction)
	assert.Same(t, before, e.Active(), "nothing of a failed transaction is published")
}

func TestBuilder_Rollback(t *testing.T) {
	e := newTestEngine(t, Config{})
	b := e.Begin()
	require.NoError(t, b.AddRule(passAll()))
	b.Rollback()

	_, err := b.Commit()
	assert.ErrorIs(t, err, ErrTransactionClosed)
	assert.Equal(t, uint64(0), e.Active().Generation())

	load(t, e, passAll())
	assert.Equal(t, uint64(1), e.Active().Generation())
}

func TestBuilder_RulesAreCopiedWithFreshCounters(t *testing.T) {
	e := newTestEngine(t, Config{})
	r := passAll()
	rs1 := load(t, e, r)
	e.Evaluate(tcpIn("10.0.0.1", "10.0.0.2", 22))
	rs2 := load(t, e, r)

	assert.NotSame(t, rs1.rules[0], rs2.rules[0])
	assert.Equal(t, uint64(1), evaluations(rs1, 0))
	assert.Equal(t, uint64(0), evaluations(rs2, 0))
	assert.Nil(t, r.Counters(), "the caller's rule is never mutated")
}

func TestBuilder_AddIOC(t *testing.T) {
	e := newTestEngine(t, Config{})

	t.Run("accepts records in order", func(t *testing.T) {
		b := e.Begin()
		for nr := uint32(0); nr < 3; nr++ {
			require.NoError(t, b.AddIOC(&pf.IOCRule{
				Ticket: b.Ticket(), PoolTicket: b.PoolTicket(), Nr: nr, Rule: passAll(),
			}))
		}
		require.NoError(t, b.AddIOC(&pf.IOCRule{
			Ticket: b.Ticket(), PoolTicket: b.PoolTicket(), Anchor: "web", Rule: blockAll(),
		}))
		rs, err := b.Commit()
		require.NoError(t, err)
		assert.Equal(t, 4, rs.Len())
		assert.Equal(t, []string{"web"}, rs.AnchorNames())
	})

	t.Run("rejects stale tickets", func(t *testing.T) {
		b := e.Begin()
		err := b.AddIOC(&pf.IOCRule{Ticket: b.Ticket() - 1, PoolTicket: b.PoolTicket(), Rule: passAll()})
		assert.ErrorIs(t, err, ErrStaleTicket)
		err = b.AddIOC(&pf.IOCRule{Ticket: b.Ticket(), PoolTicket: b.PoolTicket() + 1, Rule: passAll()})
		assert.ErrorIs(t, err, ErrStaleTicket)
		b.Rollback()
	})

	t.Run("rejects gaps", func(t *testing.T) {
		b := e.Begin()
		err := b.AddIOC(&pf.IOCRule{Ticket: b.Ticket(), PoolTicket: b.PoolTicket(), Nr: 1, Rule: passAll()})
		assert.ErrorIs(t, err, ErrRuleOrder)
		_, err = b.Commit()
		assert.ErrorIs(t, err, ErrRuleOrder)
	})
}

func TestBuilder_AddBinary(t *testing.T) {
	e := newTestEngine(t, Config{})
	b := e.Begin()

	rule := pf.Rule{Action: pf.ActionDrop, Quick: true, Proto: pf.ProtocolTCP, Dst: ep(t, "any port 1:1023")}
	rule.Normalize()
	io := &pf.IOCRule{Ticket: b.Ticket(), PoolTicket: b.PoolTicket(), Rule: rule}
	data, err := io.MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, b.AddBinary(data))
	assert.Error(t, b.AddBinary(data[:10]))

	_, err = b.Commit()
	assert.ErrorIs(t, err, pf.ErrShortBuffer)
}

func TestBuilder_References(t *testing.T) {
	tests := []struct {
		name  string
		build func(t *testing.T, b *Builder)
		err   error
	}{
		{"unknown anchor", func(t *testing.T, b *Builder) {
			require.NoError(t, b.AddRule(pf.Rule{Action: pf.ActionDefer, Anchor: "missing"}))
		}, ErrUnknownAnchor},
		{"anchor loop", func(t *testing.T, b *Builder) {
			require.NoError(t, b.AddRule(pf.Rule{Action: pf.ActionDefer, Anchor: "a"}))
			require.NoError(t, b.AddAnchorRule("a", pf.Rule{Action: pf.ActionDefer, Anchor: "b"}))
			require.NoError(t, b.AddAnchorRule("b", pf.Rule{Action: pf.ActionDefer, Anchor: "a"}))
		}, ErrAnchorLoop},
		{"self reference", func(t *testing.T, b *Builder) {
			require.NoError(t, b.AddAnchorRule("a", pf.Rule{Action: pf.ActionDefer, Anchor: "a"}))
		}, ErrAnchorLoop},
		{"nat without pool", func(t *testing.T, b *Builder) {
			require.NoError(t, b.AddRule(pf.Rule{Action: pf.ActionNAT, Pool: "ext"}))
		}, ErrUnknownPool},
		{"rdr in anchor without pool", func(t *testing.T, b *Builder) {
			require.NoError(t, b.AddAnchorRule("a", pf.Rule{Action: pf.ActionRDR, Pool: "web"}))
		}, ErrUnknownPool},
		{"match with unknown pool", func(t *testing.T, b *Builder) {
			require.NoError(t, b.AddRule(pf.Rule{Action: pf.ActionMatch, Pool: "nope"}))
		}, ErrUnknownPool},
		{"pass with unknown pool in anchor", func(t *testing.T, b *Builder) {
			require.NoError(t, b.AddRule(pf.Rule{Action: pf.ActionDefer, Anchor: "a"}))
			require.NoError(t, b.AddAnchorRule("a", pf.Rule{Action: pf.ActionPass, Pool: "nope"}))
		}, ErrUnknownPool},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEngine(t, Config{})
			b := e.Begin()
			tc.build(t, b)
			_, err := b.Commit()
			assert.ErrorIs(t, err, ErrTransactionFailed)
			assert.ErrorIs(t, err, tc.err)
			assert.Equal(t, uint64(0), e.Active().Generation())
		})
	}
}

func TestBuilder_Pools(t *testing.T) {
	e := newTestEngine(t, Config{})
	b := e.Begin()
	ext := pf.HostMask(pf.MustParseAddr("198.51.100.1"))
	require.NoError(t, b.AddPool("ext", ext))
	require.NoError(t, b.AddRule(pf.Rule{Action: pf.ActionNAT, Direction: pf.DirectionOut, Pool: "ext"}))
	rs, err := b.Commit()
	require.NoError(t, err)

	addrs, ok := rs.Pool("ext")
	require.True(t, ok)
	assert.Equal(t, []pf.AddrMask{ext}, addrs)
	assert.Equal(t, "pool <ext> { 198.51.100.1 }\nnat out all -> <ext>\n", rs.String())

	b = e.Begin()
	assert.ErrorIs(t, b.AddPool("empty"), pf.ErrInvalidAddress)
	b.Rollback()
}

func TestBuilder_CommitEventsAndReaping(t *testing.T) {
	states := &MockStates{}
	states.On("Live", uint64(0)).Return(0)
	states.On("Live", uint64(1)).Return(2).Once()
	states.On("Live", uint64(1)).Return(0)

	e := newTestEngine(t, Config{States: states})
	ch := e.hub.Subscribe(16, events.EventRuleSetCommitted, events.EventRuleSetRetired, events.EventRuleSetReaped)

	load(t, e, passAll())
	assert.Empty(t, e.Retired(), "the empty initial set has no states")

	load(t, e, blockAll())
	assert.Equal(t, []uint64{1}, e.Retired(), "generation 1 still has live states")

	assert.Equal(t, 1, e.Reap())
	assert.Empty(t, e.Retired())

	var got []events.EventType
	for len(ch) > 0 {
		got = append(got, (<-ch).Type)
	}
	assert.Equal(t, []events.EventType{
		events.EventRuleSetCommitted, events.EventRuleSetRetired, events.EventRuleSetReaped,
		events.EventRuleSetCommitted, events.EventRuleSetRetired,
		events.EventRuleSetReaped,
	}, got)
	states.AssertExpectations(t)
}

func TestRuleSet_String(t *testing.T) {
	e := newTestEngine(t, Config{})
	rs := loadWithAnchor(t, e,
		[]pf.Rule{
			{Action: pf.ActionDrop, Quick: true, Proto: pf.ProtocolTCP, Dst: ep(t, "any port 1:1023")},
			{Action: pf.ActionDefer, Anchor: "web"},
		},
		map[string][]pf.Rule{"web": {passAll()}})

	want := "block drop quick proto tcp from any to any port 1:1023\n" +
		"defer all anchor \"web\"\n" +
		"anchor \"web\" {\n\tpass all\n}\n"
	assert.Equal(t, want, rs.String())
}
