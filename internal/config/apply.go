package config

import (
	"fmt"
	"time"

	"grimm.is/pfeval/internal/filter"
	"grimm.is/pfeval/internal/state"
	"grimm.is/pfeval/internal/tables"
	"grimm.is/pfeval/internal/translate"
)

// Apply adds the pools, anchors and rules to an open transaction. The
// caller commits.
func (c *Compiled) Apply(b *filter.Builder) error {
	for _, p := range c.Pools {
		if err := b.AddPool(p.Name, p.Addrs...); err != nil {
			return fmt.Errorf("pool %q: %w", p.Name, err)
		}
	}
	for _, a := range c.Anchors {
		for i, r := range a.Rules {
			if err := b.AddAnchorRule(a.Name, r); err != nil {
				return fmt.Errorf("anchor %q rule %d: %w", a.Name, i, err)
			}
		}
	}
	for i, r := range c.Rules {
		if err := b.AddRule(r); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return nil
}

// LoadTables installs the static addresses of every table and defines the
// referenced but undeclared ones. Dynamic sources are filled by a Refresher.
func (c *Compiled) LoadTables(s *tables.Store) error {
	for _, t := range c.Tables {
		if err := s.Replace(t.Name, t.Entries); err != nil {
			return err
		}
	}
	for _, name := range c.Referenced {
		if err := s.Define(name); err != nil {
			return err
		}
	}
	return nil
}

// Bindings returns a refresh binding for every dynamic table. The static
// addresses are kept in front of the dynamic ones.
func (c *Compiled) Bindings() ([]tables.Binding, error) {
	var out []tables.Binding
	for _, t := range c.Tables {
		if !t.Dynamic() {
			continue
		}
		src := tables.Multi{tables.Static(t.Entries)}
		if len(t.Hosts) > 0 {
			src = append(src, &tables.DNSSource{Hosts: t.Hosts, Server: t.Nameserver})
		}
		if t.NFT != nil {
			nft, err := tables.NewNFTSource(t.NFT.Family, t.NFT.Table, t.NFT.Set)
			if err != nil {
				return nil, fmt.Errorf("table %q: %w", t.Name, err)
			}
			src = append(src, nft)
		}
		out = append(out, tables.Binding{Table: t.Name, Source: src})
	}
	return out, nil
}

// RefreshInterval is the shortest refresh interval of the dynamic tables,
// or zero when there are none.
func (c *Compiled) RefreshInterval() time.Duration {
	var d time.Duration
	for _, t := range c.Tables {
		if t.Dynamic() && (d == 0 || t.Refresh < d) {
			d = t.Refresh
		}
	}
	return d
}

// StateOptions returns the state table settings.
func (c *Compiled) StateOptions() []state.Option {
	opts := []state.Option{state.WithTimeouts(c.Timeouts)}
	if c.StateLimit > 0 {
		opts = append(opts, state.WithLimit(c.StateLimit))
	}
	if c.SourceLimit > 0 {
		opts = append(opts, state.WithSourceLimit(c.SourceLimit))
	}
	return opts
}

// TranslateOptions returns the translator settings.
func (c *Compiled) TranslateOptions() []translate.Option {
	return []translate.Option{
		translate.WithPortRange(c.PortRange),
		translate.WithTimeout(c.TranslationTimeout),
	}
}
