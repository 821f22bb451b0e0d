package filter

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"grimm.is/pfeval/internal/pf"
)

// RuleSet is an immutable, committed generation of rules. Only the rule
// counters change after commit.
type RuleSet struct {
	generation uint64
	ticket     uint32
	poolTicket uint32
	rules      []*pf.Rule
	anchors    map[string][]*pf.Rule
	pools      map[string][]pf.AddrMask

	tables          TableResolver
	tableGeneration uint64
	committed       time.Time
}

// Generation returns the rule set generation, starting at 1 for the first
// commit. The empty set installed by New has generation 0.
func (rs *RuleSet) Generation() uint64 { return rs.generation }

// Ticket returns the rule ticket of the transaction that built the set.
func (rs *RuleSet) Ticket() uint32 { return rs.ticket }

// PoolTicket returns the pool ticket of the transaction that built the set.
func (rs *RuleSet) PoolTicket() uint32 { return rs.poolTicket }

// TableGeneration returns the table generation frozen at commit.
func (rs *RuleSet) TableGeneration() uint64 { return rs.tableGeneration }

// Committed returns the commit time.
func (rs *RuleSet) Committed() time.Time { return rs.committed }

// Rules returns the main rule list.
func (rs *RuleSet) Rules() []*pf.Rule { return slices.Clone(rs.rules) }

// Anchor returns the rules of a named anchor.
func (rs *RuleSet) Anchor(name string) ([]*pf.Rule, bool) {
	rules, ok := rs.anchors[name]
	return slices.Clone(rules), ok
}

// AnchorNames returns the anchor names in sorted order.
func (rs *RuleSet) AnchorNames() []string {
	return sortedKeys(rs.anchors)
}

// Pool returns the addresses of a translation pool.
func (rs *RuleSet) Pool(name string) ([]pf.AddrMask, bool) {
	p, ok := rs.pools[name]
	return slices.Clone(p), ok
}

// PoolNames returns the pool names in sorted order.
func (rs *RuleSet) PoolNames() []string {
	return sortedKeys(rs.pools)
}

// Len returns the number of rules including anchor rules.
func (rs *RuleSet) Len() int {
	n := len(rs.rules)
	for _, a := range rs.anchors {
		n += len(a)
	}
	return n
}

// Walk calls fn for every rule, main rules first, then anchors by name.
func (rs *RuleSet) Walk(fn func(anchor string, nr int, r *pf.Rule)) {
	for nr, r := range rs.rules {
		fn("", nr, r)
	}
	for _, name := range rs.AnchorNames() {
		for nr, r := range rs.anchors[name] {
			fn(name, nr, r)
		}
	}
}

// ClearStats resets the counters of every rule in the set.
func (rs *RuleSet) ClearStats() {
	rs.Walk(func(_ string, _ int, r *pf.Rule) {
		if c := r.Counters(); c != nil {
			c.Clear()
		}
	})
}

// String renders the rule set in pf.conf syntax.
func (rs *RuleSet) String() string {
	var b strings.Builder
	for _, name := range sortedKeys(rs.pools) {
		addrs := make([]string, 0, len(rs.pools[name]))
		for _, am := range rs.pools[name] {
			addrs = append(addrs, am.String())
		}
		fmt.Fprintf(&b, "pool <%s> { %s }\n", name, strings.Join(addrs, ", "))
	}
	for _, r := range rs.rules {
		b.WriteString(r.String())
		b.WriteByte('\n')
	}
	for _, name := range rs.AnchorNames() {
		fmt.Fprintf(&b, "anchor %q {\n", name)
		for _, r := range rs.anchors[name] {
			b.WriteString("\t")
			b.WriteString(r.String())
			b.WriteByte('\n')
		}
		b.WriteString("}\n")
	}
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
