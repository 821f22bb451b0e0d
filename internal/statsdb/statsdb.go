// Package statsdb keeps a history of rule counter snapshots in SQLite.
//
// The metrics collector writes one row per rule and snapshot; the CLI reads
// the history back to show how counters evolved across reloads.
package statsdb

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"grimm.is/pfeval/internal/logging"
	"grimm.is/pfeval/internal/metrics"
	"grimm.is/pfeval/internal/pf"

	_ "modernc.org/sqlite"
)

// Record is one stored rule sample.
type Record struct {
	ID         int64
	At         time.Time
	Generation uint64
	Anchor     string
	Nr         int
	Label      string
	Action     string
	Stats      pf.RuleStats
}

// DB is the counter history database.
type DB struct {
	db     *sql.DB
	logger *logging.Logger
}

// Open opens or creates a database at path.
// Use ":memory:" for an in-memory database.
func Open(path string, logger *logging.Logger) (*DB, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would get its own empty database
		db.SetMaxOpenConns(1)
	}
	sdb, err := OpenWithDB(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return sdb, nil
}

// OpenWithDB wraps an existing database connection.
func OpenWithDB(db *sql.DB, logger *logging.Logger) (*DB, error) {
	if logger == nil {
		logger = logging.WithComponent("statsdb")
	}
	sdb := &DB{db: db, logger: logger}
	if err := sdb.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return sdb, nil
}

// Close closes the database connection.
func (s *DB) Close() error {
	return s.db.Close()
}

func (s *DB) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS rule_samples (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			taken_at INTEGER NOT NULL,
			generation INTEGER NOT NULL,
			anchor TEXT NOT NULL DEFAULT '',
			nr INTEGER NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			evaluations INTEGER NOT NULL DEFAULT 0,
			packets_in INTEGER NOT NULL DEFAULT 0,
			packets_out INTEGER NOT NULL DEFAULT 0,
			bytes_in INTEGER NOT NULL DEFAULT 0,
			bytes_out INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_samples_taken ON rule_samples(taken_at);
		CREATE INDEX IF NOT EXISTS idx_samples_rule ON rule_samples(anchor, nr);
		CREATE INDEX IF NOT EXISTS idx_samples_label ON rule_samples(label);
	`)
	return err
}

// RecordSamples stores one snapshot. It implements metrics.SampleSink.
func (s *DB) RecordSamples(at time.Time, samples []metrics.RuleSample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO rule_samples
			(taken_at, generation, anchor, nr, label, action,
			 evaluations, packets_in, packets_out, bytes_in, bytes_out)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	ts := at.UnixMilli()
	for _, r := range samples {
		if _, err := stmt.Exec(ts, int64(r.Generation), r.Anchor, r.Nr, r.Label, r.Action,
			int64(r.Stats.Evaluations), int64(r.Stats.PacketIn), int64(r.Stats.PacketOut),
			int64(r.Stats.BytesIn), int64(r.Stats.BytesOut)); err != nil {
			return fmt.Errorf("insert sample for rule %d: %w", r.Nr, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.logger.Debug("Recorded rule counters", "rules", len(samples), "at", at)
	return nil
}

// HistoryOptions filters History.
type HistoryOptions struct {
	// Anchor selects the rule set; empty is the main rule set.
	Anchor string
	// Nr selects one rule when non-negative.
	Nr    int
	Label string
	Since time.Time
	Until time.Time
	Limit int
}

// AllRules is the Nr value selecting every rule.
const AllRules = -1

// History returns stored samples in chronological order.
func (s *DB) History(opts HistoryOptions) ([]Record, error) {
	query := `
		SELECT id, taken_at, generation, anchor, nr, label, action,
		       evaluations, packets_in, packets_out, bytes_in, bytes_out
		FROM rule_samples
	`
	conditions := []string{"anchor = ?"}
	args := []any{opts.Anchor}
	if opts.Nr >= 0 {
		conditions = append(conditions, "nr = ?")
		args = append(args, opts.Nr)
	}
	if opts.Label != "" {
		conditions = append(conditions, "label = ?")
		args = append(args, opts.Label)
	}
	if !opts.Since.IsZero() {
		conditions = append(conditions, "taken_at >= ?")
		args = append(args, opts.Since.UnixMilli())
	}
	if !opts.Until.IsZero() {
		conditions = append(conditions, "taken_at < ?")
		args = append(args, opts.Until.UnixMilli())
	}
	query += " WHERE " + strings.Join(conditions, " AND ")
	query += " ORDER BY taken_at ASC, nr ASC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	return s.query(query, args...)
}

// Latest returns the most recent snapshot.
func (s *DB) Latest() ([]Record, error) {
	return s.query(`
		SELECT id, taken_at, generation, anchor, nr, label, action,
		       evaluations, packets_in, packets_out, bytes_in, bytes_out
		FROM rule_samples
		WHERE taken_at = (SELECT MAX(taken_at) FROM rule_samples)
		ORDER BY anchor ASC, nr ASC
	`)
}

func (s *DB) query(query string, args ...any) ([]Record, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var ts, gen, evals, pin, pout, bin, bout int64
		if err := rows.Scan(&r.ID, &ts, &gen, &r.Anchor, &r.Nr, &r.Label, &r.Action,
			&evals, &pin, &pout, &bin, &bout); err != nil {
			return nil, err
		}
		r.At = time.UnixMilli(ts).UTC()
		r.Generation = uint64(gen)
		r.Stats = pf.RuleStats{
			Evaluations: uint64(evals),
			PacketIn:    uint64(pin),
			PacketOut:   uint64(pout),
			BytesIn:     uint64(bin),
			BytesOut:    uint64(bout),
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes samples taken before t and returns how many were removed.
func (s *DB) Prune(before time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM rule_samples WHERE taken_at < ?", before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
