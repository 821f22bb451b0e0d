package filter

import (
	"fmt"

	"grimm.is/pfeval/internal/events"
	"grimm.is/pfeval/internal/pf"
)

// Builder accumulates a pending rule set under a ticket pair. Only the most
// recently begun transaction can commit; beginning a new one makes older
// builders stale. The first failed add poisons the transaction so that
// nothing of it is ever published.
type Builder struct {
	e          *Engine
	ticket     uint32
	poolTicket uint32

	rules   []*pf.Rule
	anchors map[string][]*pf.Rule
	pools   map[string][]pf.AddrMask

	err  error
	done bool
}

// Begin opens a rule set transaction.
func (e *Engine) Begin() *Builder {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.ticket++
	if e.ticket == 0 {
		e.ticket++
	}
	e.poolTicket++
	if e.poolTicket == 0 {
		e.poolTicket++
	}
	e.open = e.ticket

	return &Builder{
		e:          e,
		ticket:     e.ticket,
		poolTicket: e.poolTicket,
		anchors:    make(map[string][]*pf.Rule),
		pools:      make(map[string][]pf.AddrMask),
	}
}

// Ticket returns the rule ticket of the transaction.
func (b *Builder) Ticket() uint32 { return b.ticket }

// PoolTicket returns the pool ticket of the transaction.
func (b *Builder) PoolTicket() uint32 { return b.poolTicket }

// Err returns the error that poisoned the transaction, if any.
func (b *Builder) Err() error { return b.err }

func (b *Builder) fail(err error) error {
	if b.err == nil {
		b.err = err
	}
	return err
}

// AddRule validates r and appends a copy with fresh counters to the main
// rule list.
func (b *Builder) AddRule(r pf.Rule) error {
	return b.add("", r)
}

// AddAnchorRule appends a copy of r to the named anchor.
func (b *Builder) AddAnchorRule(anchor string, r pf.Rule) error {
	if anchor == "" || len(anchor) >= pf.MaxPathLen {
		return b.fail(fmt.Errorf("%w: invalid anchor name %q", pf.ErrInvalidRule, anchor))
	}
	return b.add(anchor, r)
}

// AddPool stages the addresses of a translation pool.
func (b *Builder) AddPool(name string, addrs ...pf.AddrMask) error {
	if b.done {
		return ErrTransactionClosed
	}
	if name == "" || len(name) >= pf.TableNameSize {
		return b.fail(fmt.Errorf("%w: invalid pool name %q", ErrUnknownPool, name))
	}
	if len(addrs) == 0 {
		return b.fail(fmt.Errorf("pool %q: %w: no addresses", name, pf.ErrInvalidAddress))
	}
	for _, am := range addrs {
		if !am.Addr.IsValid() || am.Mask.Family() != am.Addr.Family() {
			return b.fail(fmt.Errorf("pool %q: %w: %s", name, pf.ErrInvalidAddress, am))
		}
	}
	b.pools[name] = append(b.pools[name], addrs...)
	return nil
}

// AddIOC appends a rule received as a pfioc_rule record. Both tickets must
// belong to this transaction and Nr must be the rule's position in the
// target list.
func (b *Builder) AddIOC(io *pf.IOCRule) error {
	if b.done {
		return ErrTransactionClosed
	}
	if io.Ticket != b.ticket || io.PoolTicket != b.poolTicket {
		return b.fail(fmt.Errorf("%w: got %d/%d, transaction has %d/%d",
			ErrStaleTicket, io.Ticket, io.PoolTicket, b.ticket, b.poolTicket))
	}
	target := b.rules
	if io.Anchor != "" {
		target = b.anchors[io.Anchor]
	}
	if int(io.Nr) != len(target) {
		return b.fail(fmt.Errorf("%w: got %d, expected %d", ErrRuleOrder, io.Nr, len(target)))
	}
	if io.Anchor != "" {
		return b.AddAnchorRule(io.Anchor, io.Rule)
	}
	return b.AddRule(io.Rule)
}

// AddBinary decodes a pfioc_rule record and appends it with AddIOC.
func (b *Builder) AddBinary(data []byte) error {
	var io pf.IOCRule
	if err := io.UnmarshalBinary(data); err != nil {
		return b.fail(err)
	}
	return b.AddIOC(&io)
}

func (b *Builder) add(anchor string, r pf.Rule) error {
	if b.done {
		return ErrTransactionClosed
	}
	nr := len(b.rules)
	if anchor != "" {
		nr = len(b.anchors[anchor])
	}

	r.Normalize()
	if err := r.Validate(); err != nil {
		if anchor != "" {
			return b.fail(fmt.Errorf("anchor %q rule %d: %w", anchor, nr, err))
		}
		return b.fail(fmt.Errorf("rule %d: %w", nr, err))
	}

	c := r.Clone()
	if anchor == "" {
		b.rules = append(b.rules, c)
	} else {
		b.anchors[anchor] = append(b.anchors[anchor], c)
	}
	return nil
}

// Rollback abandons the transaction.
func (b *Builder) Rollback() {
	b.e.mu.Lock()
	defer b.e.mu.Unlock()
	if b.e.open == b.ticket {
		b.e.open = 0
	}
	b.done = true
}

// Commit validates cross-rule references and atomically publishes the
// pending rule set. The superseded set is retained until no state created
// under it is alive.
func (b *Builder) Commit() (*RuleSet, error) {
	e := b.e
	e.mu.Lock()
	defer e.mu.Unlock()

	rs, err := b.commitLocked()
	e.metrics.RecordCommit(e.generation, e.active.Load().Len(), err)
	if err != nil {
		e.logger.Warn("Rule set transaction failed", "ticket", b.ticket, "error", err)
		return nil, err
	}
	return rs, nil
}

func (b *Builder) commitLocked() (*RuleSet, error) {
	e := b.e
	if b.done {
		return nil, ErrTransactionClosed
	}
	b.done = true
	if e.open != b.ticket {
		return nil, fmt.Errorf("%w: ticket %d", ErrStaleTicket, b.ticket)
	}
	e.open = 0
	if b.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransactionFailed, b.err)
	}
	if err := b.checkReferences(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransactionFailed, err)
	}

	e.generation++
	rs := &RuleSet{
		generation: e.generation,
		ticket:     b.ticket,
		poolTicket: b.poolTicket,
		rules:      b.rules,
		anchors:    b.anchors,
		pools:      b.pools,
		committed:  e.clock.Now(),
	}
	if snap, ok := e.cfg.Tables.(TableSnapshotter); ok {
		rs.tables, rs.tableGeneration = snap.Snapshot()
	}

	old := e.active.Swap(rs)
	data := events.RuleSetData{
		Generation: rs.generation,
		Ticket:     rs.ticket,
		Rules:      rs.Len(),
		Anchors:    len(rs.anchors),
	}
	e.logger.Info("Rule set committed", "generation", rs.generation, "ticket", rs.ticket,
		"rules", data.Rules, "anchors", data.Anchors, "table_generation", rs.tableGeneration)
	e.hub.EmitRuleSet(events.EventRuleSetCommitted, data)

	if old != nil {
		e.retired = append(e.retired, old)
		e.hub.EmitRuleSet(events.EventRuleSetRetired, events.RuleSetData{
			Generation: old.generation,
			Ticket:     old.ticket,
			Rules:      old.Len(),
			Anchors:    len(old.anchors),
		})
	}
	e.reapLocked()
	return rs, nil
}

// checkReferences verifies that defer rules name existing anchors without
// loops and that translation rules, and any rule naming a pool, name
// staged pools.
func (b *Builder) checkReferences() error {
	check := func(where string, rules []*pf.Rule) error {
		for nr, r := range rules {
			if r.Action == pf.ActionDefer {
				if _, ok := b.anchors[r.Anchor]; !ok {
					return fmt.Errorf("%s rule %d: %w %q", where, nr, ErrUnknownAnchor, r.Anchor)
				}
			}
			needsPool := r.Action == pf.ActionNAT || r.Action == pf.ActionBINAT || r.Action == pf.ActionRDR
			if needsPool || r.Pool != "" {
				if _, ok := b.pools[r.Pool]; !ok {
					return fmt.Errorf("%s rule %d: %w %q", where, nr, ErrUnknownPool, r.Pool)
				}
			}
		}
		return nil
	}
	if err := check("main", b.rules); err != nil {
		return err
	}
	for _, name := range sortedKeys(b.anchors) {
		if err := check(fmt.Sprintf("anchor %q", name), b.anchors[name]); err != nil {
			return err
		}
	}

	// Depth first search for defer cycles.
	const (
		unvisited = iota
		visiting
		visited
	)
	marks := make(map[string]int, len(b.anchors))
	var visit func(name string) error
	visit = func(name string) error {
		switch marks[name] {
		case visiting:
			return fmt.Errorf("%w through %q", ErrAnchorLoop, name)
		case visited:
			return nil
		}
		marks[name] = visiting
		for _, r := range b.anchors[name] {
			if r.Action == pf.ActionDefer {
				if err := visit(r.Anchor); err != nil {
					return err
				}
			}
		}
		marks[name] = visited
		return nil
	}
	for _, name := range sortedKeys(b.anchors) {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}
