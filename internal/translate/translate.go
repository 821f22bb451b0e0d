// Package translate implements nat, binat and rdr for the filter engine.
//
// Translation addresses come from the named pools of the rule set that
// produced the verdict. Connections keep their mapping until it has been
// idle for the configured timeout.
package translate

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"grimm.is/pfeval/internal/clock"
	"grimm.is/pfeval/internal/filter"
	"grimm.is/pfeval/internal/logging"
	"grimm.is/pfeval/internal/pf"
)

var (
	// ErrUnknownPool is returned when the rule names a pool the rule set
	// does not have.
	ErrUnknownPool = errors.New("unknown pool")
	// ErrPoolExhausted is returned when no address and port is free.
	ErrPoolExhausted = errors.New("translation pool exhausted")
	// ErrFamilyMismatch is returned when the pool has no address of the
	// packet's family.
	ErrFamilyMismatch = errors.New("pool has no address of the packet family")
	// ErrNotTranslation is returned for actions that do not translate.
	ErrNotTranslation = errors.New("action does not translate")
)

// PortRange is the inclusive range of source ports used by nat.
type PortRange struct {
	Low, High uint16
}

// DefaultPortRange is the nat proxy port range of pf.
var DefaultPortRange = PortRange{Low: 50001, High: 65535}

// DefaultTimeout is how long an idle mapping is kept.
const DefaultTimeout = 60 * time.Second

type connKey struct {
	pool    string
	proto   pf.Protocol
	src     pf.Addr
	dst     pf.Addr
	srcPort uint16
	dstPort uint16
}

type binding struct {
	proto pf.Protocol
	addr  pf.Addr
	port  uint16
}

type mapping struct {
	t        filter.Translation
	bound    binding
	lastUsed time.Time
}

// Translator is a concurrency safe filter.Translator.
type Translator struct {
	ports   PortRange
	timeout time.Duration
	clock   clock.Clock
	logger  *logging.Logger

	mu       sync.Mutex
	conns    map[connKey]*mapping
	inUse    map[binding]connKey
	next     map[string]uint64
	nextPort map[pf.Addr]uint16
}

// Option configures a Translator.
type Option func(*Translator)

// WithPortRange sets the nat source port range.
func WithPortRange(r PortRange) Option { return func(t *Translator) { t.ports = r } }

// WithTimeout sets how long idle mappings are kept.
func WithTimeout(d time.Duration) Option { return func(t *Translator) { t.timeout = d } }

// WithClock sets the clock used for idle timeouts.
func WithClock(c clock.Clock) Option { return func(t *Translator) { t.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option { return func(t *Translator) { t.logger = l } }

// New returns a translator.
func New(opts ...Option) *Translator {
	t := &Translator{
		ports:    DefaultPortRange,
		timeout:  DefaultTimeout,
		conns:    make(map[connKey]*mapping),
		inUse:    make(map[binding]connKey),
		next:     make(map[string]uint64),
		nextPort: make(map[pf.Addr]uint16),
	}
	for _, o := range opts {
		o(t)
	}
	t.clock = clock.OrReal(t.clock)
	if t.logger == nil {
		t.logger = logging.WithComponent("translate")
	}
	return t
}

// Translate maps p through the pool of r. nat rewrites the source address
// and port, rdr the destination address, binat maps the source prefix of
// r onto the pool one to one in both directions. A match rule with a pool
// behaves like nat on outbound and rdr on inbound packets.
func (t *Translator) Translate(v *filter.Verdict, r *pf.Rule, p filter.Packet) (filter.Translation, error) {
	rs := v.RuleSet()
	if rs == nil {
		return filter.Translation{}, fmt.Errorf("%w %q", ErrUnknownPool, r.Pool)
	}
	pool, ok := rs.Pool(r.Pool)
	if !ok || len(pool) == 0 {
		return filter.Translation{}, fmt.Errorf("%w %q", ErrUnknownPool, r.Pool)
	}
	pool = sameFamily(pool, p.Family())
	if len(pool) == 0 {
		return filter.Translation{}, fmt.Errorf("%w: %q", ErrFamilyMismatch, r.Pool)
	}

	action := r.Action
	if action == pf.ActionMatch {
		action = pf.ActionNAT
		if p.Direction == pf.DirectionIn {
			action = pf.ActionRDR
		}
	}

	switch action {
	case pf.ActionNAT:
		return t.nat(r.Pool, pool, p)
	case pf.ActionRDR:
		return t.rdr(r.Pool, pool, p)
	case pf.ActionBINAT:
		return binat(r, pool, p), nil
	}
	return filter.Translation{}, fmt.Errorf("%w: %s", ErrNotTranslation, r.Action)
}

func sameFamily(pool []pf.AddrMask, af pf.AddressFamily) []pf.AddrMask {
	out := make([]pf.AddrMask, 0, len(pool))
	for _, am := range pool {
		if am.Addr.Family() == af {
			out = append(out, am)
		}
	}
	return out
}

func keyOf(pool string, p filter.Packet) connKey {
	return connKey{pool: pool, proto: p.Proto, src: p.Src, dst: p.Dst, srcPort: p.SrcPort, dstPort: p.DstPort}
}

func (t *Translator) nat(name string, pool []pf.AddrMask, p filter.Packet) (filter.Translation, error) {
	now := t.clock.Now()
	key := keyOf(name, p)

	t.mu.Lock()
	defer t.mu.Unlock()

	if m, ok := t.conns[key]; ok {
		m.lastUsed = now
		return m.t, nil
	}

	addr := pick(pool, t.next[name])
	t.next[name]++

	tr := filter.Translation{Action: pf.ActionNAT, Pool: name, Src: addr, SrcPort: p.SrcPort}
	b := binding{proto: p.Proto, addr: addr}
	if p.Proto.HasPorts() && !p.Fragment {
		port, ok := t.allocPortLocked(addr, p.Proto, now)
		if !ok {
			return filter.Translation{}, fmt.Errorf("%w: %s ports %d-%d", ErrPoolExhausted, addr, t.ports.Low, t.ports.High)
		}
		tr.SrcPort = port
		b.port = port
		t.inUse[b] = key
	}
	t.conns[key] = &mapping{t: tr, bound: b, lastUsed: now}
	t.logger.Debug("nat mapping", "packet", p.String(), "addr", addr.String(), "port", tr.SrcPort)
	return tr, nil
}

// allocPortLocked returns the next free port of addr, reclaiming ports of
// idle mappings.
func (t *Translator) allocPortLocked(addr pf.Addr, proto pf.Protocol, now time.Time) (uint16, bool) {
	span := int(t.ports.High) - int(t.ports.Low) + 1
	if span <= 0 {
		return 0, false
	}
	start := t.nextPort[addr]
	if start < t.ports.Low || start > t.ports.High {
		start = t.ports.Low
	}
	for i := 0; i < span; i++ {
		port := uint16(int(t.ports.Low) + (int(start-t.ports.Low)+i)%span)
		b := binding{proto: proto, addr: addr, port: port}
		if owner, busy := t.inUse[b]; busy {
			m := t.conns[owner]
			if m != nil && now.Sub(m.lastUsed) < t.timeout {
				continue
			}
			if m != nil {
				t.removeLocked(owner, m)
			}
			delete(t.inUse, b)
		}
		t.nextPort[addr] = port + 1
		return port, true
	}
	return 0, false
}

func (t *Translator) rdr(name string, pool []pf.AddrMask, p filter.Packet) (filter.Translation, error) {
	now := t.clock.Now()
	key := keyOf(name, p)

	t.mu.Lock()
	defer t.mu.Unlock()

	if m, ok := t.conns[key]; ok {
		m.lastUsed = now
		return m.t, nil
	}
	addr := pick(pool, t.next[name])
	t.next[name]++
	tr := filter.Translation{Action: pf.ActionRDR, Pool: name, Dst: addr, DstPort: p.DstPort}
	t.conns[key] = &mapping{t: tr, lastUsed: now}
	t.logger.Debug("rdr mapping", "packet", p.String(), "addr", addr.String())
	return tr, nil
}

// binat maps the internal prefix of r, its source endpoint, onto the first
// pool entry. Outbound packets from the internal prefix get their source
// rewritten; inbound packets to the external prefix get their destination
// rewritten back.
func binat(r *pf.Rule, pool []pf.AddrMask, p filter.Packet) filter.Translation {
	ext := pool[0]
	w := r.Src.Addr
	internal := pf.AddrMask{Addr: w.Addr(), Mask: w.Mask()}
	if w.Type() != pf.AddrTypeAddrMask || !internal.Addr.IsValid() {
		internal = pf.HostMask(p.Src)
		if p.Direction == pf.DirectionIn {
			internal = pf.HostMask(p.Dst)
		}
	}

	tr := filter.Translation{Action: pf.ActionBINAT, Pool: r.Pool}
	if p.Direction == pf.DirectionIn {
		if ext.Contains(p.Dst) {
			tr.Dst = remap(p.Dst, internal)
			tr.DstPort = p.DstPort
		}
		return tr
	}
	if internal.Contains(p.Src) {
		tr.Src = remap(p.Src, ext)
		tr.SrcPort = p.SrcPort
	}
	return tr
}

func (t *Translator) removeLocked(key connKey, m *mapping) {
	delete(t.conns, key)
	if m.bound.port != 0 {
		delete(t.inUse, m.bound)
	}
}

// Expire drops mappings idle for longer than the timeout and returns how
// many were dropped.
func (t *Translator) Expire() int {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for key, m := range t.conns {
		if now.Sub(m.lastUsed) >= t.timeout {
			t.removeLocked(key, m)
			n++
		}
	}
	return n
}

// Len returns the number of live mappings.
func (t *Translator) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}
