package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/pfeval/internal/config"
	"grimm.is/pfeval/internal/filter"
	"grimm.is/pfeval/internal/metrics"
	"grimm.is/pfeval/internal/tables"
)

// buildRuleSet commits c to a standalone engine without collaborators.
// Dynamic table sources are not fetched.
func buildRuleSet(c *config.Compiled) (*filter.RuleSet, *tables.Store, error) {
	logger := quietLogger()
	store := tables.NewStore(tables.WithLogger(logger))
	if err := c.LoadTables(store); err != nil {
		return nil, nil, err
	}
	e := filter.New(filter.Config{
		DefaultPass:    c.DefaultPass,
		MaxAnchorDepth: c.MaxAnchorDepth,
		Tables:         store,
		Logger:         logger,
		Metrics:        metrics.NewRegistry(prometheus.NewRegistry()),
	})
	b := e.Begin()
	if err := c.Apply(b); err != nil {
		b.Rollback()
		return nil, nil, err
	}
	rs, err := b.Commit()
	if err != nil {
		return nil, nil, err
	}
	return rs, store, nil
}

// renderPF renders the rule set in pf.conf syntax, tables first.
func renderPF(c *config.Compiled, rs *filter.RuleSet, store *tables.Store) string {
	var b strings.Builder
	action := "block"
	if c.DefaultPass {
		action = "pass"
	}
	fmt.Fprintf(&b, "# default %s\n", action)
	for _, name := range store.Names() {
		entries, _ := store.Entries(name)
		parts := make([]string, len(entries))
		for i, e := range entries {
			parts[i] = e.String()
		}
		fmt.Fprintf(&b, "table <%s> { %s }\n", name, strings.Join(parts, ", "))
	}
	b.WriteString(rs.String())
	return b.String()
}

// RunShow prints a rule set file in normalized form. Format is "pf",
// "hcl" or "json".
func RunShow(path, format string, w io.Writer) error {
	_, c, err := LoadRules(path)
	if err != nil {
		return err
	}
	rs, store, err := buildRuleSet(c)
	if err != nil {
		return err
	}

	switch format {
	case "", "pf":
		_, err = io.WriteString(w, renderPF(c, rs, store))
	case "hcl":
		_, err = w.Write(config.Encode(config.FromRuleSet(rs, c.DefaultPass, store)))
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		err = enc.Encode(config.FromRuleSet(rs, c.DefaultPass, store))
	default:
		err = fmt.Errorf("unknown format %q: want pf, hcl or json", format)
	}
	return err
}
