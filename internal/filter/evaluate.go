package filter

import (
	"fmt"

	"grimm.is/pfeval/internal/pf"
)

// Evaluate runs one evaluation pass of p against the active rule set.
//
// Rules are scanned in order and the last matching pass, block or synproxy
// drop rule decides, unless a quick rule stops the scan first. Every
// matching rule has its counters updated. When no rule decides, the
// engine's default action applies. Collaborator failures make the rule in
// question a non-match and are counted as diagnostics; they never abort
// the pass.
func (e *Engine) Evaluate(p Packet) Verdict {
	start := e.clock.Now()
	rs := e.Active()
	v := Verdict{
		Action:     e.defaultAction,
		Default:    true,
		Nr:         -1,
		Generation: rs.generation,
		rs:         rs,
	}

	if err := p.Validate(); err != nil {
		e.diagnose(&v, -1, collabErr(CollabPacket, err))
	} else {
		ev := &evaluation{e: e, rs: rs, p: p, v: &v}
		ev.walk("", rs.rules, 0)
	}

	e.metrics.RecordVerdict(p.Direction.String(), v.Action.String(), v.Default, e.clock.Since(start).Seconds())
	return v
}

// evaluation is the state of a single pass. It is the pf.Resolver handed
// to the address matchers.
type evaluation struct {
	e  *Engine
	rs *RuleSet
	p  Packet
	v  *Verdict

	cache map[lookup]lookupResult
}

type lookup struct {
	kind  string
	name  string
	addr  pf.Addr
	flags pf.IfaceFlags
	af    pf.AddressFamily
}

type lookupResult struct {
	ok    bool
	addrs []pf.AddrMask
	err   error
}

// walk scans rules and reports whether a quick rule ended the pass and
// whether any rule matched.
func (ev *evaluation) walk(anchor string, rules []*pf.Rule, depth int) (stop, matched bool) {
	for nr, r := range rules {
		if !ev.match(nr, r) {
			continue
		}
		matched = true
		hit := Hit{Anchor: anchor, Nr: nr, Rule: r}
		ev.record(hit)

		switch a := r.Action; {
		case a == pf.ActionPass || a.Terminal():
			ev.v.decide(hit)
		case a == pf.ActionScrub:
			ev.v.Scrub = true
		case a == pf.ActionNoScrub:
			ev.v.Scrub = false
		case a.Translation():
			ev.v.Translate = &hit
		case a == pf.ActionMatch:
			if r.Pool != "" {
				ev.v.Translate = &hit
			}
		case a == pf.ActionDefer:
			if ev.descend(nr, r, depth) {
				ev.v.Quick = true
				return true, true
			}
			continue
		}

		if r.Quick {
			// A quick rule ends the pass with its own action, side effect
			// actions included.
			ev.v.decide(hit)
			return true, true
		}
	}
	return false, matched
}

// descend evaluates the anchor of a defer rule. It returns true when the
// pass must stop, either because a quick rule inside the anchor matched or
// because the defer rule is quick and something inside matched.
func (ev *evaluation) descend(nr int, r *pf.Rule, depth int) bool {
	if depth+1 > ev.e.cfg.MaxAnchorDepth {
		ev.e.diagnose(ev.v, nr, collabErr(CollabAnchor, fmt.Errorf("%w: %q at depth %d", ErrAnchorDepth, r.Anchor, depth+1)))
		return false
	}
	sub, ok := ev.rs.anchors[r.Anchor]
	if !ok {
		ev.e.diagnose(ev.v, nr, collabErr(CollabAnchor, fmt.Errorf("%w %q", ErrUnknownAnchor, r.Anchor)))
		return false
	}
	stop, matched := ev.walk(r.Anchor, sub, depth+1)
	if stop {
		return true
	}
	return r.Quick && matched
}

func (ev *evaluation) record(h Hit) {
	r := h.Rule
	r.Counters().Record(ev.p.Direction, ev.p.Len)
	ev.v.Matches++
	if r.LogEnabled() {
		ev.v.Logged = append(ev.v.Logged, h)
	}
}

// match applies the cheap header checks before consulting the address
// matchers.
func (ev *evaluation) match(nr int, r *pf.Rule) bool {
	p := ev.p
	switch {
	case !r.Direction.Covers(p.Direction):
		return false
	case r.Proto != pf.ProtocolAny && r.Proto != p.Proto:
		return false
	case r.AF != pf.AddressFamilyAny && r.AF != p.Family():
		return false
	}

	if p.Fragment {
		if r.Flags&pf.RuleFlagFragment == 0 &&
			(r.Src.HasPorts() || r.Dst.HasPorts() || !r.TCPFlags.Any()) {
			return false
		}
	} else if r.Flags&pf.RuleFlagFragment != 0 {
		return false
	}
	if p.Proto == pf.ProtocolTCP && !p.Fragment && !r.TCPFlags.Match(p.TCPFlags) {
		return false
	}

	ok, err := r.Src.Match(p.Src, p.SrcPort, ev)
	if err != nil {
		ev.e.diagnose(ev.v, nr, err)
		return false
	}
	if !ok {
		return false
	}
	ok, err = r.Dst.Match(p.Dst, p.DstPort, ev)
	if err != nil {
		ev.e.diagnose(ev.v, nr, err)
		return false
	}
	return ok
}

func (ev *evaluation) cached(c any, key lookup, fn func() lookupResult) lookupResult {
	if !isStable(c) {
		return fn()
	}
	if res, ok := ev.cache[key]; ok {
		return res
	}
	res := fn()
	if ev.cache == nil {
		ev.cache = make(map[lookup]lookupResult)
	}
	ev.cache[key] = res
	return res
}

// TableContains consults the table snapshot frozen with the rule set, or
// the live table collaborator when none was taken.
func (ev *evaluation) TableContains(table string, a pf.Addr) (bool, error) {
	var tables TableResolver = ev.e.cfg.Tables
	if ev.rs.tables != nil {
		tables = ev.rs.tables
	}
	if tables == nil {
		return false, collabErr(CollabTables, ErrNoCollaborator)
	}
	res := ev.cached(tables, lookup{kind: CollabTables, name: table, addr: a}, func() lookupResult {
		ok, err := tables.Contains(table, a)
		return lookupResult{ok: ok, err: err}
	})
	if res.err != nil {
		return false, collabErr(CollabTables, fmt.Errorf("table <%s>: %w", table, res.err))
	}
	return res.ok, nil
}

func (ev *evaluation) InterfaceAddrs(ifname string, flags pf.IfaceFlags, af pf.AddressFamily) ([]pf.AddrMask, error) {
	ifs := ev.e.cfg.Interfaces
	if ifs == nil {
		return nil, collabErr(CollabInterfaces, ErrNoCollaborator)
	}
	res := ev.cached(ifs, lookup{kind: CollabInterfaces, name: ifname, flags: flags, af: af}, func() lookupResult {
		addrs, err := ifs.Resolve(ifname, flags, af)
		return lookupResult{addrs: addrs, err: err}
	})
	if res.err != nil {
		return nil, collabErr(CollabInterfaces, fmt.Errorf("interface %s: %w", ifname, res.err))
	}
	return res.addrs, nil
}

func (ev *evaluation) HasRoute(a pf.Addr) (bool, error) {
	rt := ev.e.cfg.Router
	if rt == nil {
		return false, collabErr(CollabRoutes, ErrNoCollaborator)
	}
	res := ev.cached(rt, lookup{kind: CollabRoutes, addr: a}, func() lookupResult {
		ok, err := rt.HasRoute(a)
		return lookupResult{ok: ok, err: err}
	})
	if res.err != nil {
		return false, collabErr(CollabRoutes, res.err)
	}
	return res.ok, nil
}

// URPFCheck verifies that the route back to a leaves through the interface
// the packet arrived on.
func (ev *evaluation) URPFCheck(a pf.Addr) (bool, error) {
	rt := ev.e.cfg.Router
	if rt == nil {
		return false, collabErr(CollabURPF, ErrNoCollaborator)
	}
	iface := ev.p.Iface
	res := ev.cached(rt, lookup{kind: CollabURPF, name: iface, addr: a}, func() lookupResult {
		ok, err := rt.URPFCheck(a, iface)
		return lookupResult{ok: ok, err: err}
	})
	if res.err != nil {
		return false, collabErr(CollabURPF, res.err)
	}
	return res.ok, nil
}
