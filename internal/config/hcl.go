package config

import (
	"strings"

	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"

	"grimm.is/pfeval/internal/filter"
	"grimm.is/pfeval/internal/pf"
	"grimm.is/pfeval/internal/tables"
)

// Encode renders cfg as HCL. Unset fields are omitted.
func Encode(cfg *Config) []byte {
	f := hclwrite.NewEmptyFile()
	body := f.Body()

	version := cfg.SchemaVersion
	if version == "" {
		version = CurrentSchemaVersion
	}
	body.SetAttributeValue("schema_version", cty.StringVal(version))
	setString(body, "default_action", cfg.DefaultAction)
	setString(body, "log_level", cfg.LogLevel)
	setInt(body, "max_anchor_depth", cfg.MaxAnchorDepth)

	if s := cfg.States; s != nil {
		body.AppendNewline()
		b := body.AppendNewBlock("states", nil).Body()
		setInt(b, "limit", s.Limit)
		setInt(b, "source_limit", s.SourceLimit)
		setString(b, "tcp_timeout", s.TCPTimeout)
		setString(b, "udp_timeout", s.UDPTimeout)
		setString(b, "icmp_timeout", s.ICMPTimeout)
		setString(b, "other_timeout", s.OtherTimeout)
		setString(b, "expire_interval", s.Interval)
	}
	if t := cfg.Translation; t != nil {
		body.AppendNewline()
		b := body.AppendNewBlock("translation", nil).Body()
		setString(b, "port_range", t.PortRange)
		setString(b, "timeout", t.Timeout)
	}

	for _, t := range cfg.Tables {
		body.AppendNewline()
		b := body.AppendNewBlock("table", []string{t.Name}).Body()
		setList(b, "addresses", t.Addresses)
		setList(b, "hosts", t.Hosts)
		setString(b, "nameserver", t.Nameserver)
		setString(b, "nft_set", t.NFTSet)
		setString(b, "refresh", t.Refresh)
	}
	for _, p := range cfg.Pools {
		body.AppendNewline()
		b := body.AppendNewBlock("pool", []string{p.Name}).Body()
		b.SetAttributeValue("addresses", stringList(p.Addresses))
	}
	for _, a := range cfg.Anchors {
		body.AppendNewline()
		ab := body.AppendNewBlock("anchor", []string{a.Name}).Body()
		for i, r := range a.Rules {
			if i > 0 {
				ab.AppendNewline()
			}
			encodeRule(ab.AppendNewBlock("rule", nil).Body(), r)
		}
	}
	for _, r := range cfg.Rules {
		body.AppendNewline()
		encodeRule(body.AppendNewBlock("rule", nil).Body(), r)
	}
	return f.Bytes()
}

func encodeRule(b *hclwrite.Body, r Rule) {
	b.SetAttributeValue("action", cty.StringVal(r.Action))
	setString(b, "direction", r.Direction)
	if r.Quick {
		b.SetAttributeValue("quick", cty.True)
	}
	setString(b, "log", r.Log)
	setInt(b, "log_if", r.LogIf)
	setString(b, "af", r.AF)
	setString(b, "proto", r.Proto)
	setString(b, "from", r.From)
	setString(b, "to", r.To)
	setString(b, "flags", r.Flags)
	if r.Fragment {
		b.SetAttributeValue("fragment", cty.True)
	}
	setString(b, "state", r.State)
	setString(b, "source_track", r.SourceTrack)
	if r.NoSync {
		b.SetAttributeValue("no_sync", cty.True)
	}
	setString(b, "return", r.Return)
	setString(b, "anchor", r.Anchor)
	setString(b, "pool", r.Pool)
	setString(b, "label", r.Label)
}

func setString(b *hclwrite.Body, name, v string) {
	if v != "" {
		b.SetAttributeValue(name, cty.StringVal(v))
	}
}

func setInt(b *hclwrite.Body, name string, v int) {
	if v != 0 {
		b.SetAttributeValue(name, cty.NumberIntVal(int64(v)))
	}
}

func setList(b *hclwrite.Body, name string, v []string) {
	if len(v) > 0 {
		b.SetAttributeValue(name, stringList(v))
	}
}

func stringList(v []string) cty.Value {
	if len(v) == 0 {
		return cty.ListValEmpty(cty.String)
	}
	vals := make([]cty.Value, len(v))
	for i, s := range v {
		vals[i] = cty.StringVal(s)
	}
	return cty.ListVal(vals)
}

// FromRuleSet rebuilds a rule set file from a committed rule set. Tables
// are written with their current entries when store is not nil.
func FromRuleSet(rs *filter.RuleSet, defaultPass bool, store *tables.Store) *Config {
	cfg := &Config{SchemaVersion: CurrentSchemaVersion, DefaultAction: "drop"}
	if defaultPass {
		cfg.DefaultAction = "pass"
	}
	if store != nil {
		for _, name := range store.Names() {
			entries, err := store.Entries(name)
			if err != nil {
				continue
			}
			t := Table{Name: name}
			for _, e := range entries {
				t.Addresses = append(t.Addresses, e.String())
			}
			cfg.Tables = append(cfg.Tables, t)
		}
	}
	for _, name := range rs.PoolNames() {
		addrs, _ := rs.Pool(name)
		p := Pool{Name: name}
		for _, a := range addrs {
			p.Addresses = append(p.Addresses, a.String())
		}
		cfg.Pools = append(cfg.Pools, p)
	}
	for _, name := range rs.AnchorNames() {
		rules, _ := rs.Anchor(name)
		a := Anchor{Name: name}
		for _, r := range rules {
			a.Rules = append(a.Rules, FromRule(r))
		}
		cfg.Anchors = append(cfg.Anchors, a)
	}
	for _, r := range rs.Rules() {
		cfg.Rules = append(cfg.Rules, FromRule(r))
	}
	return cfg
}

// FromRule is the inverse of Rule.Compile.
func FromRule(r *pf.Rule) Rule {
	out := Rule{
		Action:   r.Action.String(),
		Quick:    r.Quick,
		LogIf:    int(r.LogIf),
		From:     endpoint(r.Src),
		To:       endpoint(r.Dst),
		Fragment: r.Flags&pf.RuleFlagFragment != 0,
		NoSync:   r.Flags&pf.RuleFlagNoSync != 0,
		Anchor:   r.Anchor,
		Pool:     r.Pool,
		Label:    r.Label,
	}
	if r.Direction != pf.DirectionInOut {
		out.Direction = r.Direction.String()
	}
	switch {
	case r.LogAll():
		out.Log = "all"
	case r.LogEnabled():
		out.Log = "log"
	}
	if r.AF != pf.AddressFamilyAny {
		out.AF = r.AF.String()
	}
	if r.Proto != pf.ProtocolAny {
		out.Proto = r.Proto.String()
	}
	if !r.TCPFlags.Any() {
		out.Flags = strings.TrimPrefix(r.TCPFlags.String(), "flags ")
	}
	if r.KeepState != pf.StateNo {
		out.State = strings.TrimSuffix(r.KeepState.String(), " state")
	}
	switch {
	case r.Flags&pf.RuleFlagRuleSrcTrack != 0:
		out.SourceTrack = "rule"
	case r.Flags&pf.RuleFlagSrcTrack != 0:
		out.SourceTrack = "global"
	}
	switch {
	case r.Flags&pf.RuleFlagReturnRST != 0:
		out.Return = "rst"
	case r.Flags&pf.RuleFlagReturnICMP != 0:
		out.Return = "icmp"
	case r.Flags&pf.RuleFlagReturn != 0:
		out.Return = "return"
	}
	return out
}

func endpoint(ra pf.RuleAddr) string {
	if ra.Addr.IsAny() && !ra.Neg && !ra.HasPorts() {
		return ""
	}
	return ra.String()
}
