package cmd

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testScenario = `
packets:
  - name: https
    src: 192.0.2.7
    dst: 192.0.2.1
    src_port: 40000
    dst_port: 443
    flags: S
    expect: pass
    expect_label: https
  - name: ssh-internal
    src: 10.9.9.9
    dst: 192.0.2.1
    src_port: 40001
    dst_port: 22
    expect: pass
    expect_label: ssh-internal
  - name: ssh-external
    src: 192.0.2.99
    dst: 192.0.2.1
    dst_port: 22
    expect: drop
  - name: blocked
    src: 203.0.113.5
    dst: 192.0.2.1
    dst_port: 443
    expect: block
    expect_label: blocked
  - name: outbound
    direction: out
    proto: udp
    src: 10.0.0.5
    dst: 192.0.2.53
    src_port: 5000
    dst_port: 53
    expect: pass
`

func TestRunReplay(t *testing.T) {
	rules := writeFile(t, "rules.hcl", testRules)
	scenario := writeFile(t, "scenario.yaml", testScenario)

	var out bytes.Buffer
	require.NoError(t, RunReplay(rules, scenario, ReplayOptions{Workers: 3, Verbose: true}, &out))
	assert.Contains(t, out.String(), "5 of 5 packets matched")
	assert.Contains(t, out.String(), "ok    https")
}

func TestRunReplay_Mismatch(t *testing.T) {
	rules := writeFile(t, "rules.hcl", testRules)
	scenario := writeFile(t, "scenario.yaml", `
packets:
  - name: wrong
    src: 192.0.2.99
    dst: 192.0.2.1
    dst_port: 22
    expect: pass
  - src: 192.0.2.7
    dst: 192.0.2.1
    dst_port: 443
    expect_label: nope
`)

	var out bytes.Buffer
	err := RunReplay(rules, scenario, ReplayOptions{}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 packets did not match: wrong, #1")
	assert.Contains(t, out.String(), "got block, want pass")
	assert.Contains(t, out.String(), "0 of 2 packets matched")
}

func TestReplay_OrderAndErrors(t *testing.T) {
	_, c, err := LoadRules(writeFile(t, "rules.hcl", testRules))
	require.NoError(t, err)
	rt, err := NewRuntime(c, RuntimeOptions{Logger: quietLogger()})
	require.NoError(t, err)
	defer rt.Close()

	s := &Scenario{}
	for range 20 {
		s.Packets = append(s.Packets,
			PacketSpec{Name: "a", Src: "192.0.2.7", Dst: "192.0.2.1", DstPort: 443},
			PacketSpec{Name: "b", Src: "203.0.113.5", Dst: "192.0.2.1", DstPort: 443},
		)
	}
	outcomes, err := Replay(context.Background(), rt, s, 8)
	require.NoError(t, err)
	require.Len(t, outcomes, 40)
	for i, o := range outcomes {
		want := "pass"
		if i%2 == 1 {
			want = "block"
		}
		assert.Equal(t, want, o.Result.Action, "packet %d", i)
	}

	_, err = Replay(context.Background(), rt, &Scenario{Packets: []PacketSpec{{Src: "x"}}}, 1)
	assert.Error(t, err)

	_, err = LoadScenario(writeFile(t, "bad.yaml", "packets:\n  - nmae: typo\n"))
	assert.Error(t, err, "unknown keys are rejected")
}
