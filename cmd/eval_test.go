package cmd

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/pfeval/internal/pf"
)

func TestPacketSpec(t *testing.T) {
	tests := []struct {
		name string
		spec PacketSpec
		err  bool
	}{
		{"defaults", PacketSpec{Src: "10.0.0.1", Dst: "10.0.0.2"}, false},
		{"udp out", PacketSpec{Direction: "out", Proto: "udp", Src: "2001:db8::1", Dst: "2001:db8::2", DstPort: 53}, false},
		{"bad direction", PacketSpec{Direction: "sideways", Src: "10.0.0.1", Dst: "10.0.0.2"}, true},
		{"mixed family", PacketSpec{Src: "10.0.0.1", Dst: "2001:db8::2"}, true},
		{"missing dst", PacketSpec{Src: "10.0.0.1"}, true},
		{"bad flags", PacketSpec{Src: "10.0.0.1", Dst: "10.0.0.2", Flags: "Q"}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := tc.spec.Packet()
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tc.spec.Direction == "" {
				assert.Equal(t, pf.DirectionIn, p.Direction)
				assert.Equal(t, pf.ProtocolTCP, p.Proto)
			}
		})
	}
}

func TestRunEval(t *testing.T) {
	path := writeFile(t, "rules.hcl", testRules)

	var out bytes.Buffer
	opts := EvalOptions{Packet: PacketSpec{Src: "192.0.2.7", Dst: "192.0.2.1", SrcPort: 40000, DstPort: 443, Flags: "S"}}
	require.NoError(t, RunEval(path, opts, &out))
	assert.Contains(t, out.String(), "verdict:  pass @0")
	assert.Contains(t, out.String(), "state:")

	out.Reset()
	opts = EvalOptions{
		Packet: PacketSpec{Direction: "out", Proto: "udp", Src: "10.1.2.3", Dst: "192.0.2.1", SrcPort: 5353, DstPort: 53},
		JSON:   true,
	}
	require.NoError(t, RunEval(path, opts, &out))
	var res EvalResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, "pass", res.Action)
	assert.Equal(t, "outbound", res.Label)
	assert.Contains(t, res.Translated, "198.51.100.1")

	out.Reset()
	opts = EvalOptions{Packet: PacketSpec{Src: "203.0.113.9", Dst: "192.0.2.1", DstPort: 443}, JSON: true}
	require.NoError(t, RunEval(path, opts, &out))
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, "block", res.Action)
	assert.True(t, res.Quick)

	err := RunEval(path, EvalOptions{Packet: PacketSpec{Src: "bogus", Dst: "192.0.2.1"}}, &out)
	assert.ErrorContains(t, err, "invalid packet")
}
