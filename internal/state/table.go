// Package state keeps the connection states created by rules with
// keep state, modulate state or synproxy state.
//
// States are keyed by protocol, addresses and ports of the packet that
// created them, remember the rule set generation that created them and
// expire after a protocol specific timeout. The filter engine asks the
// table how many states still reference a superseded generation before
// dropping it.
package state

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/pfeval/internal/clock"
	"grimm.is/pfeval/internal/events"
	"grimm.is/pfeval/internal/filter"
	"grimm.is/pfeval/internal/logging"
	"grimm.is/pfeval/internal/metrics"
	"grimm.is/pfeval/internal/pf"
)

var (
	// ErrStateLimit is returned when the table is full.
	ErrStateLimit = errors.New("state limit reached")
	// ErrSourceLimit is returned when a tracked source owns too many states.
	ErrSourceLimit = errors.New("source state limit reached")
	// ErrNoState is returned by Create for rules without keep state.
	ErrNoState = errors.New("rule does not keep state")
)

// Timeouts are the lifetimes of new states per protocol.
type Timeouts struct {
	TCP   time.Duration
	UDP   time.Duration
	ICMP  time.Duration
	Other time.Duration
}

// DefaultTimeouts are the first-packet timeouts of pf.
var DefaultTimeouts = Timeouts{
	TCP:   120 * time.Second,
	UDP:   60 * time.Second,
	ICMP:  20 * time.Second,
	Other: 60 * time.Second,
}

func (t Timeouts) For(p pf.Protocol) time.Duration {
	switch p {
	case pf.ProtocolTCP:
		return t.TCP
	case pf.ProtocolUDP:
		return t.UDP
	case pf.ProtocolICMP, pf.ProtocolICMPv6:
		return t.ICMP
	default:
		return t.Other
	}
}

// Key identifies a connection.
type Key struct {
	Proto   pf.Protocol
	Src     pf.Addr
	Dst     pf.Addr
	SrcPort uint16
	DstPort uint16
}

// KeyOf returns the key of p.
func KeyOf(p filter.Packet) Key {
	return Key{Proto: p.Proto, Src: p.Src, Dst: p.Dst, SrcPort: p.SrcPort, DstPort: p.DstPort}
}

// Reverse returns the key of the reply direction.
func (k Key) Reverse() Key {
	return Key{Proto: k.Proto, Src: k.Dst, Dst: k.Src, SrcPort: k.DstPort, DstPort: k.SrcPort}
}

func (k Key) String() string {
	if k.Proto.HasPorts() {
		return fmt.Sprintf("%s %s:%d -> %s:%d", k.Proto, k.Src, k.SrcPort, k.Dst, k.DstPort)
	}
	return fmt.Sprintf("%s %s -> %s", k.Proto, k.Src, k.Dst)
}

// Entry is one state.
type Entry struct {
	ID         string
	Key        Key
	Direction  pf.Direction
	Iface      string
	Mode       pf.State
	Generation uint64
	Rule       string
	SeqOffset  uint32
	SrcTrack   bool
	NoSync     bool
	Created    time.Time
	Expires    time.Time
	Packets    uint64
	Bytes      uint64
}

func (e *Entry) handle() filter.StateHandle {
	return filter.StateHandle{ID: e.ID, Generation: e.Generation, Mode: e.Mode, SeqOffset: e.SeqOffset}
}

// Table is a concurrency safe state table. It implements
// filter.StateTable.
type Table struct {
	mu       sync.Mutex
	byKey    map[Key]*Entry
	byID     map[string]*Entry
	perGen   map[uint64]int
	sources  map[pf.Addr]int
	timeouts Timeouts
	limit    int
	srcLimit int

	clock   clock.Clock
	logger  *logging.Logger
	hub     *events.Hub
	metrics *metrics.Registry
	seq     func() uint32
}

// Option configures a Table.
type Option func(*Table)

// WithTimeouts sets the state lifetimes.
func WithTimeouts(t Timeouts) Option { return func(s *Table) { s.timeouts = t } }

// WithLimit caps the number of states. Zero means unlimited.
func WithLimit(n int) Option { return func(s *Table) { s.limit = n } }

// WithSourceLimit caps the states of one tracked source address.
func WithSourceLimit(n int) Option { return func(s *Table) { s.srcLimit = n } }

// WithClock sets the clock used for expiry.
func WithClock(c clock.Clock) Option { return func(s *Table) { s.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option { return func(s *Table) { s.logger = l } }

// WithHub publishes state events on h.
func WithHub(h *events.Hub) Option { return func(s *Table) { s.hub = h } }

// WithMetrics sets the metrics registry.
func WithMetrics(m *metrics.Registry) Option { return func(s *Table) { s.metrics = m } }

// NewTable returns an empty state table.
func NewTable(opts ...Option) *Table {
	t := &Table{
		byKey:    make(map[Key]*Entry),
		byID:     make(map[string]*Entry),
		perGen:   make(map[uint64]int),
		sources:  make(map[pf.Addr]int),
		timeouts: DefaultTimeouts,
		seq:      rand.Uint32,
	}
	for _, o := range opts {
		o(t)
	}
	t.clock = clock.OrReal(t.clock)
	if t.logger == nil {
		t.logger = logging.WithComponent("state")
	}
	if t.metrics == nil {
		t.metrics = metrics.Get()
	}
	return t
}

// Create inserts a state for p. A packet whose connection already has a
// state refreshes that state and gets its handle back.
func (t *Table) Create(p filter.Packet, mode pf.State, flags pf.RuleFlag, r *pf.Rule, generation uint64) (filter.StateHandle, error) {
	if mode == pf.StateNo {
		return filter.StateHandle{}, ErrNoState
	}
	if err := p.Validate(); err != nil {
		return filter.StateHandle{}, err
	}
	if mode != pf.StateNormal && p.Proto != pf.ProtocolTCP {
		mode = pf.StateNormal
	}
	key := KeyOf(p)
	now := t.clock.Now()
	ttl := t.timeouts.For(p.Proto)

	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.byKey[key]; ok {
		e.Expires = now.Add(ttl)
		e.Packets++
		e.Bytes += uint64(p.Len)
		return e.handle(), nil
	}
	if t.limit > 0 && len(t.byID) >= t.limit {
		return filter.StateHandle{}, ErrStateLimit
	}
	track := flags&(pf.RuleFlagSrcTrack|pf.RuleFlagRuleSrcTrack) != 0
	if track && t.srcLimit > 0 && t.sources[p.Src] >= t.srcLimit {
		return filter.StateHandle{}, fmt.Errorf("%w: %s", ErrSourceLimit, p.Src)
	}

	e := &Entry{
		ID:         uuid.NewString(),
		Key:        key,
		Direction:  p.Direction,
		Iface:      p.Iface,
		Mode:       mode,
		Generation: generation,
		SrcTrack:   track,
		NoSync:     flags&pf.RuleFlagNoSync != 0,
		Created:    now,
		Expires:    now.Add(ttl),
		Packets:    1,
		Bytes:      uint64(p.Len),
	}
	if r != nil {
		e.Rule = r.String()
	}
	if mode == pf.StateModulate || mode == pf.StateSynproxy {
		for e.SeqOffset == 0 {
			e.SeqOffset = t.seq()
		}
	}

	t.byKey[key] = e
	t.byID[e.ID] = e
	t.perGen[generation]++
	if track {
		t.sources[p.Src]++
	}

	t.metrics.StatesCreated.WithLabelValues(mode.String()).Inc()
	t.metrics.StatesActive.Set(float64(len(t.byID)))
	t.hub.Publish(events.Event{
		Type:      events.EventStateCreated,
		Timestamp: now,
		Source:    "state",
		Data:      events.StateData{ID: e.ID, Generation: generation, Mode: mode.String(), Key: key.String()},
	})
	t.logger.Debug("state created", "id", e.ID, "key", key.String(), "mode", mode.String(), "generation", generation)
	return e.handle(), nil
}

// Live reports how many states were created under generation.
func (t *Table) Live(generation uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.perGen[generation]
}

// Lookup returns the state p belongs to in either direction.
func (t *Table) Lookup(p filter.Packet) (Entry, bool) {
	key := KeyOf(p)
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byKey[key]
	if !ok {
		e, ok = t.byKey[key.Reverse()]
	}
	if !ok || !e.Expires.After(t.clock.Now()) {
		return Entry{}, false
	}
	return *e, true
}

// Get returns the state with the given ID.
func (t *Table) Get(id string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len returns the number of states.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// Sources returns the tracked source addresses and their state counts.
func (t *Table) Sources() map[pf.Addr]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[pf.Addr]int, len(t.sources))
	for a, n := range t.sources {
		out[a] = n
	}
	return out
}

// Entries returns all states ordered by creation time.
func (t *Table) Entries() []Entry {
	t.mu.Lock()
	out := make([]Entry, 0, len(t.byID))
	for _, e := range t.byID {
		out = append(out, *e)
	}
	t.mu.Unlock()
	slices.SortFunc(out, func(a, b Entry) int {
		if c := a.Created.Compare(b.Created); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Remove deletes a state by ID.
func (t *Table) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[id]
	if !ok {
		return false
	}
	t.removeLocked(e)
	t.metrics.StatesActive.Set(float64(len(t.byID)))
	return true
}

// Flush deletes every state and returns how many were removed.
func (t *Table) Flush() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.byID)
	clear(t.byKey)
	clear(t.byID)
	clear(t.perGen)
	clear(t.sources)
	t.metrics.StatesActive.Set(0)
	return n
}

func (t *Table) removeLocked(e *Entry) {
	delete(t.byKey, e.Key)
	delete(t.byID, e.ID)
	if t.perGen[e.Generation]--; t.perGen[e.Generation] <= 0 {
		delete(t.perGen, e.Generation)
	}
	if e.SrcTrack {
		if t.sources[e.Key.Src]--; t.sources[e.Key.Src] <= 0 {
			delete(t.sources, e.Key.Src)
		}
	}
}

// Expire removes states whose timeout has passed and returns how many
// were removed.
func (t *Table) Expire() int {
	now := t.clock.Now()
	t.mu.Lock()
	var expired []*Entry
	for _, e := range t.byID {
		if !e.Expires.After(now) {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		t.removeLocked(e)
	}
	active := len(t.byID)
	t.mu.Unlock()

	if len(expired) == 0 {
		return 0
	}
	t.metrics.StatesExpired.Add(float64(len(expired)))
	t.metrics.StatesActive.Set(float64(active))
	for _, e := range expired {
		t.hub.Publish(events.Event{
			Type:      events.EventStateExpired,
			Timestamp: now,
			Source:    "state",
			Data:      events.StateData{ID: e.ID, Generation: e.Generation, Mode: e.Mode.String(), Key: e.Key.String()},
		})
	}
	t.logger.Debug("states expired", "count", len(expired), "active", active)
	return len(expired)
}

// Run expires states every interval until ctx is done. After each sweep
// onExpire, if set, is called with the number of removed states.
func (t *Table) Run(ctx context.Context, interval time.Duration, onExpire func(n int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.Expire(); n > 0 && onExpire != nil {
				onExpire(n)
			}
		}
	}
}
