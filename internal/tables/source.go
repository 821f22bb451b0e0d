package tables

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"grimm.is/pfeval/internal/logging"
)

// Source produces the entries of a table from somewhere outside the
// configuration.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]Entry, error)
}

// Static is a fixed entry list.
type Static []Entry

func (Static) Name() string { return "static" }

func (s Static) Fetch(context.Context) ([]Entry, error) { return s, nil }

// Multi concatenates the entries of several sources. Any failing source
// fails the whole fetch so that a table is never published half filled.
type Multi []Source

func (m Multi) Name() string {
	names := make([]string, len(m))
	for i, s := range m {
		names[i] = s.Name()
	}
	return strings.Join(names, "+")
}

func (m Multi) Fetch(ctx context.Context) ([]Entry, error) {
	var out []Entry
	for _, s := range m {
		entries, err := s.Fetch(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.Name(), err)
		}
		out = append(out, entries...)
	}
	return out, nil
}

// Refresh fetches src and replaces the table with the result. On failure
// the table keeps its previous contents.
func (s *Store) Refresh(ctx context.Context, table string, src Source) error {
	entries, err := src.Fetch(ctx)
	if err != nil {
		s.metrics.RecordTableRefresh(table, src.Name(), 0, err)
		s.logger.Warn("Table refresh failed, keeping previous entries", "table", table, "source", src.Name(), "error", err)
		return fmt.Errorf("refresh table %q: %w", table, err)
	}
	if err := s.replace(table, src.Name(), entries); err != nil {
		return err
	}
	s.metrics.RecordTableRefresh(table, src.Name(), len(entries), nil)
	return nil
}

// Binding attaches a source to a table.
type Binding struct {
	Table  string
	Source Source
}

// Refresher periodically refreshes bound tables.
type Refresher struct {
	store    *Store
	bindings []Binding
	interval time.Duration
	logger   *logging.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewRefresher creates a refresher. Start must be called to begin the
// periodic loop.
func NewRefresher(store *Store, interval time.Duration, bindings ...Binding) *Refresher {
	return &Refresher{
		store:    store,
		bindings: bindings,
		interval: interval,
		logger:   store.logger,
		stopCh:   make(chan struct{}),
	}
}

// RefreshAll refreshes every bound table concurrently and returns the
// first error. Tables whose source succeeded are updated regardless.
func (r *Refresher) RefreshAll(ctx context.Context) error {
	var g errgroup.Group
	for _, b := range r.bindings {
		g.Go(func() error {
			return r.store.Refresh(ctx, b.Table, b.Source)
		})
	}
	return g.Wait()
}

// Start runs RefreshAll every interval until Stop is called or ctx ends.
func (r *Refresher) Start(ctx context.Context) {
	if len(r.bindings) == 0 || r.interval <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				if err := r.RefreshAll(ctx); err != nil {
					r.logger.Debug("Periodic table refresh incomplete", "error", err)
				}
			}
		}
	}()
}

// Stop ends the periodic loop and waits for it to exit.
func (r *Refresher) Stop() {
	r.once.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}
