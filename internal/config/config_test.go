package config

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/pfeval/internal/filter"
	"grimm.is/pfeval/internal/logging"
	"grimm.is/pfeval/internal/metrics"
	"grimm.is/pfeval/internal/pf"
	"grimm.is/pfeval/internal/tables"
	"grimm.is/pfeval/internal/translate"
)

const sampleHCL = `
schema_version   = "1.0"
default_action   = "drop"
log_level        = "debug"
max_anchor_depth = 8

states {
  limit       = 1000
  tcp_timeout = "5m"
}

translation {
  port_range = "40000:40100"
  timeout    = "30s"
}

table "blocked" {
  addresses = ["10.0.0.0/8", "!10.1.0.0/16"]
}

table "feeds" {
  hosts      = ["bad.example.com"]
  nameserver = "192.0.2.53:53"
  refresh    = "1m"
}

pool "egress" {
  addresses = ["198.51.100.1", "198.51.100.2"]
}

anchor "web" {
  rule {
    action    = "pass"
    direction = "in"
    proto     = "tcp"
    to        = "any port 443"
    state     = "keep"
  }
}

rule {
  action = "pass"
}

rule {
  action = "defer"
  anchor = "web"
}

rule {
  action    = "block"
  direction = "in"
  quick     = true
  log       = "all"
  proto     = "tcp"
  from      = "<blocked>"
  return    = "rst"
  label     = "blocked"
}

rule {
  action    = "nat"
  direction = "out"
  from      = "192.168.0.0/16"
  pool      = "egress"
}

rule {
  action = "block"
  from   = "<unlisted>"
}
`

func compileSample(t *testing.T) *Compiled {
	t.Helper()
	cfg, err := LoadHCL([]byte(sampleHCL), "sample.hcl")
	require.NoError(t, err)
	c, err := Compile(cfg)
	require.NoError(t, err)
	return c
}

func TestCompile(t *testing.T) {
	c := compileSample(t)

	assert.False(t, c.DefaultPass)
	assert.Equal(t, logging.LevelDebug, c.LogLevel)
	assert.Equal(t, 8, c.MaxAnchorDepth)
	assert.Equal(t, 1000, c.StateLimit)
	assert.Equal(t, 5*time.Minute, c.Timeouts.TCP)
	assert.Equal(t, 60*time.Second, c.Timeouts.UDP, "unset timeouts keep their defaults")
	assert.Equal(t, translate.PortRange{Low: 40000, High: 40100}, c.PortRange)
	assert.Equal(t, 30*time.Second, c.TranslationTimeout)

	require.Len(t, c.Tables, 2)
	assert.False(t, c.Tables[0].Dynamic())
	assert.True(t, c.Tables[1].Dynamic())
	assert.Equal(t, time.Minute, c.RefreshInterval())
	assert.Equal(t, []string{"unlisted"}, c.Referenced)

	require.Len(t, c.Anchors, 1)
	web := c.Anchors[0].Rules[0]
	assert.Equal(t, pf.ProtocolTCP, web.Proto)
	assert.Equal(t, pf.StateNormal, web.KeepState)
	assert.Equal(t, uint16(443), web.Dst.Port[0])

	require.Len(t, c.Rules, 5)
	blk := c.Rules[2]
	assert.Equal(t, pf.ActionDrop, blk.Action)
	assert.True(t, blk.Quick)
	assert.True(t, blk.LogAll())
	assert.NotZero(t, blk.Flags&pf.RuleFlagReturnRST)
	assert.Equal(t, pf.AddrTypeTable, blk.Src.Addr.Type())

	nat := c.Rules[3]
	assert.Equal(t, pf.AddressFamilyInet, nat.AF, "family inferred from the source")
	assert.Equal(t, "egress", nat.Pool)
}

func TestCompile_Errors(t *testing.T) {
	cfg := &Config{
		DefaultAction: "maybe",
		Tables:        []Table{{Name: "has space"}},
		Pools:         []Pool{{Name: "p", Addresses: []string{"!10.0.0.1"}}},
		Anchors: []Anchor{{Name: "a", Rules: []Rule{
			{Action: "pass", Proto: "udp", Flags: "S/SA"},
		}}, {Name: "x//y"}},
		Rules: []Rule{
			{Action: "pass"},
			{Action: "defer", Anchor: "missing"},
			{Action: "pass", Return: "rst"},
			{Action: "rdr"},
			{Action: "pass", From: "10.0.0.1", To: "2001:db8::1"},
		},
	}
	_, err := Compile(cfg)
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "option: default_action")
	assert.Contains(t, msg, `pool "p"`)
	assert.Contains(t, msg, `anchor "a" rule 0`)
	assert.Contains(t, msg, `table "has space": invalid identifier`)
	assert.Contains(t, msg, `anchor "x//y": invalid anchor path`)
	assert.Contains(t, msg, "rule 1: unknown anchor")
	assert.Contains(t, msg, "rule 2: return on pass rule")
	assert.Contains(t, msg, "rule 3: rdr rule needs a pool")
	assert.Contains(t, msg, "rule 4: to:")
	assert.NotContains(t, msg, "rule 0")

	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.ErrorIs(t, err, filter.ErrUnknownAnchor)
	assert.ErrorIs(t, err, pf.ErrFamilyMismatch)
}

func TestRule_Compile(t *testing.T) {
	tests := []struct {
		name  string
		rule  Rule
		check func(t *testing.T, r pf.Rule)
		err   bool
	}{
		{
			name: "defaults",
			rule: Rule{Action: "pass"},
			check: func(t *testing.T, r pf.Rule) {
				assert.Equal(t, pf.DirectionInOut, r.Direction)
				assert.True(t, r.Src.Addr.IsAny())
				assert.True(t, r.Dst.Addr.IsAny())
				assert.Equal(t, pf.StateNo, r.KeepState)
			},
		},
		{
			name: "source tracking per rule",
			rule: Rule{Action: "pass", Proto: "tcp", State: "modulate", SourceTrack: "rule", NoSync: true},
			check: func(t *testing.T, r pf.Rule) {
				assert.Equal(t, pf.StateModulate, r.KeepState)
				assert.Equal(t, pf.RuleFlagSrcTrack|pf.RuleFlagRuleSrcTrack|pf.RuleFlagNoSync, r.Flags)
			},
		},
		{
			name: "interface endpoint",
			rule: Rule{Action: "pass", To: "(eth0:network)"},
			check: func(t *testing.T, r pf.Rule) {
				assert.Equal(t, pf.AddrTypeDynIfTL, r.Dst.Addr.Type())
				assert.Equal(t, "eth0", r.Dst.Addr.Name())
			},
		},
		{
			name: "fragment and log",
			rule: Rule{Action: "drop", Fragment: true, Log: "log", LogIf: 2},
			check: func(t *testing.T, r pf.Rule) {
				assert.Equal(t, pf.RuleFlagFragment, r.Flags)
				assert.True(t, r.LogEnabled())
				assert.False(t, r.LogAll())
				assert.Equal(t, uint8(2), r.LogIf)
			},
		},
		{name: "unknown action", rule: Rule{Action: "allow"}, err: true},
		{name: "bad log", rule: Rule{Action: "pass", Log: "verbose"}, err: true},
		{name: "log_if range", rule: Rule{Action: "pass", LogIf: 300}, err: true},
		{name: "port without proto", rule: Rule{Action: "pass", To: "any port 80"}, err: true},
		{name: "bad source track", rule: Rule{Action: "pass", SourceTrack: "all"}, err: true},
		{name: "synproxy udp", rule: Rule{Action: "pass", Proto: "udp", State: "synproxy"}, err: true},
		{name: "bad interface name", rule: Rule{Action: "pass", To: "(eth0;x)"}, err: true},
		{name: "bad table name", rule: Rule{Action: "pass", From: "<bad name>"}, err: true},
		{name: "quoted label", rule: Rule{Action: "pass", Label: `a "b"`}, err: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r, err := tc.rule.Compile()
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tc.check(t, r)
		})
	}
}

func TestLoadJSON(t *testing.T) {
	data := []byte(`{
		"default_action": "pass",
		"rules": [
			{"action": "block", "direction": "in", "proto": "udp", "to": "any port 53", "quick": true}
		]
	}`)
	cfg, err := LoadJSON(data)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, cfg.SchemaVersion)

	c, err := Compile(cfg)
	require.NoError(t, err)
	assert.True(t, c.DefaultPass)
	require.Len(t, c.Rules, 1)
	assert.Equal(t, pf.ProtocolUDP, c.Rules[0].Proto)

	_, err = LoadJSON([]byte(`{"schema_version": "2.0"}`))
	assert.ErrorContains(t, err, "unsupported schema version")
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	hclPath := filepath.Join(dir, "rules.hcl")
	require.NoError(t, os.WriteFile(hclPath, []byte(sampleHCL), 0o600))
	cfg, err := LoadFile(hclPath)
	require.NoError(t, err)
	assert.Len(t, cfg.Rules, 5)

	confPath := filepath.Join(dir, "rules.conf")
	require.NoError(t, os.WriteFile(confPath, []byte(`{"rules": [{"action": "pass"}]}`), 0o600))
	cfg, err = LoadFile(confPath)
	require.NoError(t, err, "unknown extensions fall back to JSON")
	assert.Len(t, cfg.Rules, 1)

	_, err = LoadFile(filepath.Join(dir, "missing.hcl"))
	assert.Error(t, err)

	_, err = LoadHCL([]byte(`rule { direction = "in" }`), "bad.hcl")
	assert.ErrorContains(t, err, "HCL decode error")
}

func newEngine(t *testing.T, c *Compiled) (*filter.Engine, *tables.Store) {
	t.Helper()
	logger := logging.New(logging.Config{Output: io.Discard})
	store := tables.NewStore(tables.WithLogger(logger))
	require.NoError(t, c.LoadTables(store))

	e := filter.New(filter.Config{
		DefaultPass:    c.DefaultPass,
		MaxAnchorDepth: c.MaxAnchorDepth,
		Tables:         store,
		Logger:         logger,
		Metrics:        metrics.NewRegistry(prometheus.NewRegistry()),
	})
	b := e.Begin()
	require.NoError(t, c.Apply(b))
	_, err := b.Commit()
	require.NoError(t, err)
	return e, store
}

func TestApply(t *testing.T) {
	c := compileSample(t)
	e, store := newEngine(t, c)

	assert.ElementsMatch(t, []string{"blocked", "feeds", "unlisted"}, store.Names())

	tests := []struct {
		name   string
		p      filter.Packet
		action pf.Action
		anchor string
		nat    bool
	}{
		{
			name:   "blocked source",
			p:      filter.Packet{Direction: pf.DirectionIn, Proto: pf.ProtocolTCP, Src: pf.MustParseAddr("10.2.0.1"), Dst: pf.MustParseAddr("192.0.2.1"), DstPort: 443},
			action: pf.ActionDrop,
		},
		{
			name:   "negated entry falls through to the anchor",
			p:      filter.Packet{Direction: pf.DirectionIn, Proto: pf.ProtocolTCP, Src: pf.MustParseAddr("10.1.0.1"), Dst: pf.MustParseAddr("192.0.2.1"), DstPort: 443},
			action: pf.ActionPass,
			anchor: "web",
		},
		{
			name:   "outbound from inside is translated",
			p:      filter.Packet{Direction: pf.DirectionOut, Proto: pf.ProtocolUDP, Src: pf.MustParseAddr("192.168.1.5"), Dst: pf.MustParseAddr("192.0.2.1"), DstPort: 53},
			action: pf.ActionPass,
			nat:    true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v := e.Evaluate(tc.p)
			assert.Equal(t, tc.action, v.Action)
			assert.Equal(t, tc.anchor, v.Anchor)
			if tc.nat {
				require.NotNil(t, v.Translate)
				assert.Equal(t, pf.ActionNAT, v.Translate.Rule.Action)
			} else {
				assert.Nil(t, v.Translate)
			}
		})
	}
}

func TestBindings(t *testing.T) {
	c := compileSample(t)
	bindings, err := c.Bindings()
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.Equal(t, "feeds", bindings[0].Table)
	assert.Equal(t, "static+dns", bindings[0].Source.Name())
}

func TestEncode_RoundTrip(t *testing.T) {
	c := compileSample(t)
	e, store := newEngine(t, c)

	cfg := FromRuleSet(e.Active(), c.DefaultPass, store)
	out := Encode(cfg)
	assert.Contains(t, string(out), `default_action = "drop"`)
	assert.Contains(t, string(out), `pool "egress"`)

	back, err := LoadHCL(out, "roundtrip.hcl")
	require.NoError(t, err)
	c2, err := Compile(back)
	require.NoError(t, err)

	require.Len(t, c2.Rules, len(c.Rules))
	for i := range c.Rules {
		assert.Equal(t, c.Rules[i].String(), c2.Rules[i].String(), "rule %d", i)
	}
	require.Len(t, c2.Anchors, 1)
	assert.Equal(t, c.Anchors[0].Rules[0].String(), c2.Anchors[0].Rules[0].String())
	assert.Equal(t, c.Pools, c2.Pools)
}
