// Package tables maintains the named address tables referenced by <table>
// rule endpoints. Every change produces a new table generation; rule sets
// evaluate against the immutable snapshot taken when they were committed.
package tables

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"time"

	"grimm.is/pfeval/internal/clock"
	"grimm.is/pfeval/internal/events"
	"grimm.is/pfeval/internal/filter"
	"grimm.is/pfeval/internal/logging"
	"grimm.is/pfeval/internal/metrics"
	"grimm.is/pfeval/internal/pf"
)

var (
	ErrUnknownTable = errors.New("unknown table")
	ErrInvalidEntry = errors.New("invalid table entry")
)

// Entry is one table element. A negated entry removes its addresses from
// a wider, non-negated entry; the most specific matching entry decides.
type Entry struct {
	Prefix pf.AddrMask
	Neg    bool
}

// ParseEntry parses "[!]address[/len]".
func ParseEntry(s string) (Entry, error) {
	var e Entry
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "!"); ok {
		e.Neg = true
		s = strings.TrimSpace(rest)
	}
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return Entry{}, fmt.Errorf("%w: %q", ErrInvalidEntry, s)
		}
		e.Prefix = pf.FromPrefix(p)
		return e, nil
	}
	a, err := pf.ParseAddr(s)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %q", ErrInvalidEntry, s)
	}
	e.Prefix = pf.HostMask(a)
	return e, nil
}

// MustParseEntries parses a list of entries and panics on error. For tests
// and static tables.
func MustParseEntries(ss ...string) []Entry {
	out := make([]Entry, 0, len(ss))
	for _, s := range ss {
		e, err := ParseEntry(s)
		if err != nil {
			panic(err)
		}
		out = append(out, e)
	}
	return out
}

func (e Entry) String() string {
	if e.Neg {
		return "!" + e.Prefix.String()
	}
	return e.Prefix.String()
}

func (e Entry) bits() int {
	if n := e.Prefix.Mask.Ones(); n > 0 {
		return n
	}
	return 0
}

// table is immutable once published; every change builds a new one.
type table struct {
	name    string
	entries []Entry // most specific first
	source  string
	updated time.Time
}

func newTable(name, source string, entries []Entry, now time.Time) *table {
	t := &table{name: name, source: source, updated: now, entries: dedupe(entries)}
	slices.SortStableFunc(t.entries, func(a, b Entry) int { return b.bits() - a.bits() })
	return t
}

func dedupe(entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	seen := make(map[Entry]bool, len(entries))
	for _, e := range entries {
		e.Prefix.Addr = e.Prefix.Addr.And(e.Prefix.Mask)
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	return out
}

func (t *table) contains(a pf.Addr) bool {
	for _, e := range t.entries {
		if e.Prefix.Contains(a) {
			return !e.Neg
		}
	}
	return false
}

// Store holds the current tables. It is the live table collaborator of
// the filter engine and hands out frozen views with Snapshot.
type Store struct {
	mu     sync.RWMutex
	tables map[string]*table
	gen    uint64

	logger  *logging.Logger
	hub     *events.Hub
	metrics *metrics.Registry
	clock   clock.Clock
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(l *logging.Logger) Option { return func(s *Store) { s.logger = l } }
func WithHub(h *events.Hub) Option { return func(s *Store) { s.hub = h } }
func WithMetrics(m *metrics.Registry) Option { return func(s *Store) { s.metrics = m } }
func WithClock(c clock.Clock) Option { return func(s *Store) { s.clock = c } }

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{tables: make(map[string]*table)}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = logging.WithComponent("tables")
	}
	if s.metrics == nil {
		s.metrics = metrics.Get()
	}
	s.clock = clock.OrReal(s.clock)
	return s
}

func validName(name string) error {
	if name == "" || len(name) >= pf.TableNameSize {
		return fmt.Errorf("%w: invalid table name %q", ErrUnknownTable, name)
	}
	return nil
}

// publishLocked installs t and bumps the generation.
func (s *Store) publishLocked(t *table) {
	s.tables[t.name] = t
	s.gen++
	s.metrics.TableEntries.WithLabelValues(t.name).Set(float64(len(t.entries)))
	s.hub.Publish(events.Event{
		Type:   events.EventTableUpdated,
		Source: "tables",
		Data: events.TableData{
			Name:       t.name,
			Source:     t.source,
			Generation: s.gen,
			Entries:    len(t.entries),
		},
	})
	s.logger.Debug("Table updated", "table", t.name, "source", t.source, "entries", len(t.entries), "generation", s.gen)
}

// Define creates an empty table if it does not exist yet.
func (s *Store) Define(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[name]; !ok {
		s.publishLocked(newTable(name, "static", nil, s.clock.Now()))
	}
	return nil
}

// Replace sets the entries of a table, creating it if needed.
func (s *Store) Replace(name string, entries []Entry) error {
	return s.replace(name, "static", entries)
}

func (s *Store) replace(name, source string, entries []Entry) error {
	if err := validName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishLocked(newTable(name, source, entries, s.clock.Now()))
	return nil
}

// Add inserts entries into an existing table and returns how many were new.
func (s *Store) Add(name string, entries ...Entry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	merged := slices.Concat(t.entries, entries)
	nt := newTable(name, t.source, merged, s.clock.Now())
	added := len(nt.entries) - len(t.entries)
	if added > 0 {
		s.publishLocked(nt)
	}
	return added, nil
}

// Delete removes entries from an existing table and returns how many were
// present.
func (s *Store) Delete(name string, entries ...Entry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	drop := make(map[Entry]bool, len(entries))
	for _, e := range dedupe(entries) {
		drop[e] = true
	}
	kept := slices.DeleteFunc(slices.Clone(t.entries), func(e Entry) bool { return drop[e] })
	removed := len(t.entries) - len(kept)
	if removed > 0 {
		s.publishLocked(newTable(name, t.source, kept, s.clock.Now()))
	}
	return removed, nil
}

// Flush empties a table.
func (s *Store) Flush(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	s.publishLocked(newTable(name, t.source, nil, s.clock.Now()))
	return nil
}

// Remove deletes a table. Rule sets committed earlier keep seeing it.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[name]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	delete(s.tables, name)
	s.gen++
	s.metrics.TableEntries.DeleteLabelValues(name)
	return nil
}

// Names returns the table names in sorted order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tables))
	for n := range s.tables {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Entries returns a copy of a table's entries, most specific first.
func (s *Store) Entries(name string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	return slices.Clone(t.entries), nil
}

// Generation returns the current table generation.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// Contains answers against the live tables.
func (s *Store) Contains(name string, a pf.Addr) (bool, error) {
	s.mu.RLock()
	t, ok := s.tables[name]
	s.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	return t.contains(a), nil
}

// Snapshot freezes the current tables.
func (s *Store) Snapshot() (filter.TableResolver, uint64) {
	v := s.View()
	return v, v.gen
}

// View returns the frozen view of the current generation.
func (s *Store) View() *View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := make(map[string]*table, len(s.tables))
	for k, t := range s.tables {
		m[k] = t
	}
	return &View{tables: m, gen: s.gen}
}

// View is an immutable set of tables of one generation.
type View struct {
	tables map[string]*table
	gen    uint64
}

// Contains reports whether a is in the named table.
func (v *View) Contains(name string, a pf.Addr) (bool, error) {
	t, ok := v.tables[name]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	return t.contains(a), nil
}

// Stable reports that answers cannot change during an evaluation pass.
func (v *View) Stable() bool { return true }

// Generation returns the generation the view was taken at.
func (v *View) Generation() uint64 { return v.gen }

// Info describes one table for listings.
type Info struct {
	Name    string
	Source  string
	Entries int
	Updated time.Time
}

// Infos returns a description of every table, sorted by name.
func (s *Store) Infos() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Info, 0, len(s.tables))
	for _, t := range s.tables {
		out = append(out, Info{Name: t.name, Source: t.source, Entries: len(t.entries), Updated: t.updated})
	}
	slices.SortFunc(out, func(a, b Info) int { return strings.Compare(a.Name, b.Name) })
	return out
}
