package filter

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"grimm.is/pfeval/internal/events"
	"grimm.is/pfeval/internal/pf"
)

func natEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e := newTestEngine(t, cfg)
	b := e.Begin()
	require.NoError(t, b.AddPool("ext", pf.HostMask(pf.MustParseAddr("198.51.100.1"))))
	require.NoError(t, b.AddRule(pf.Rule{Action: pf.ActionNAT, Direction: pf.DirectionOut, Pool: "ext"}))
	require.NoError(t, b.AddRule(pf.Rule{
		Action:    pf.ActionPass,
		Direction: pf.DirectionOut,
		Proto:     pf.ProtocolTCP,
		KeepState: pf.StateModulate,
		Log:       pf.LogFlagLog,
		Label:     "egress",
	}))
	_, err := b.Commit()
	require.NoError(t, err)
	return e
}

func outbound() Packet {
	p := tcpIn("10.0.0.1", "192.0.2.1", 443)
	p.Direction = pf.DirectionOut
	return p
}

func TestProcess_TranslateThenCreateState(t *testing.T) {
	p := outbound()
	translated := p
	translated.Src, translated.SrcPort = pf.MustParseAddr("198.51.100.1"), 50001

	tr := &MockTranslator{}
	tr.On("Translate", "ext", p).Return(Translation{
		Action: pf.ActionNAT, Pool: "ext", Src: translated.Src, SrcPort: 50001,
	}, nil)
	states := &MockStates{}
	states.On("Live", mock.Anything).Return(0)
	states.On("Create", translated, pf.StateModulate, uint64(1)).
		Return(StateHandle{ID: "s1", Generation: 1, Mode: pf.StateModulate, SeqOffset: 7}, nil)

	e := natEngine(t, Config{Translator: tr, States: states})
	matches := e.hub.Subscribe(4, events.EventRuleMatch)

	d, err := e.Process(p)
	require.NoError(t, err)
	assert.True(t, d.Pass())
	require.NotNil(t, d.Translation)
	assert.Equal(t, translated, d.Packet)
	require.NotNil(t, d.State)
	assert.Equal(t, "s1", d.State.ID)
	assert.Equal(t, uint32(7), d.State.SeqOffset)

	ev := <-matches
	data := ev.Data.(events.RuleMatchData)
	assert.Equal(t, 1, data.Nr)
	assert.Equal(t, "egress", data.Label)
	assert.Equal(t, "10.0.0.1", data.SrcIP)

	tr.AssertExpectations(t)
	states.AssertExpectations(t)
}

func TestProcess_CollaboratorFailureDrops(t *testing.T) {
	t.Run("translator", func(t *testing.T) {
		tr := &MockTranslator{}
		tr.On("Translate", "ext", mock.Anything).Return(nil, errors.New("pool exhausted"))
		e := natEngine(t, Config{Translator: tr})

		d, err := e.Process(outbound())
		require.Error(t, err)
		var ce *CollaboratorError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, CollabTranslator, ce.Collaborator)
		assert.Equal(t, pf.ActionDrop, d.Action)
		assert.Nil(t, d.Translation)
		assert.Equal(t, 1, d.Diagnostics)
		assert.Equal(t, uint64(1), e.Diagnostics())
	})

	t.Run("state table", func(t *testing.T) {
		states := &MockStates{}
		states.On("Live", mock.Anything).Return(0)
		states.On("Create", mock.Anything, pf.StateModulate, uint64(1)).Return(nil, errors.New("table full"))
		e := natEngine(t, Config{States: states})

		d, err := e.Process(outbound())
		require.Error(t, err)
		var ce *CollaboratorError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, CollabState, ce.Collaborator)
		assert.Equal(t, pf.ActionDrop, d.Action)
		assert.Nil(t, d.State)
	})
}

func TestProcess_SkipsUnconfiguredSteps(t *testing.T) {
	e := natEngine(t, Config{})
	d, err := e.Process(outbound())
	require.NoError(t, err)
	assert.True(t, d.Pass())
	assert.Nil(t, d.Translation)
	assert.Nil(t, d.State)
	assert.Equal(t, outbound(), d.Packet)
}

func TestProcess_BlockedPacketHasNoSideEffects(t *testing.T) {
	states := &MockStates{}
	states.On("Live", mock.Anything).Return(0)
	e := newTestEngine(t, Config{States: states})
	load(t, e, pf.Rule{Action: pf.ActionDrop, KeepState: pf.StateNormal})

	d, err := e.Process(tcpIn("10.0.0.1", "10.0.0.2", 22))
	require.NoError(t, err)
	assert.True(t, d.Terminal())
	assert.Nil(t, d.State)
	states.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
}
