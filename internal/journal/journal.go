// Package journal persists every model exchange and stop decision made
// during task runs. Records are append-only and indexed by timestamp
// and task so a run can be audited after the fact.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Exchange kinds.
const (
	KindPlan    = "plan"
	KindReflect = "reflect"
	KindStop    = "stop"
	KindAction  = "action"
)

// Exchange is one round trip to the model gateway.
type Exchange struct {
	ID           string
	Timestamp    time.Time
	TaskID       string
	Kind         string
	Model        string
	OK           bool
	InputTokens  int
	OutputTokens int
	Elapsed      time.Duration
}

// Decision is one evaluated stop verdict together with the signals the
// model reported.
type Decision struct {
	ID                 string
	Timestamp          time.Time
	TaskID             string
	Stop               bool
	Reason             string
	ShouldStop         bool
	ObjectiveCompleted bool
	Confidence         float64
	LoopDetected       bool
	LoopCount          int
	Severity           int
	Raw                string
}

// Summary holds aggregate totals over a time window.
type Summary struct {
	Exchanges       int
	FailedExchanges int
	InputTokens     int64
	OutputTokens    int64
	Decisions       int
	Stops           int
}

// Store is an append-only SQLite journal. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens or creates the journal database at path. The schema is
// created on first use.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS exchanges (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		task_id       TEXT,
		kind          TEXT NOT NULL,
		model         TEXT,
		ok            INTEGER NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		elapsed_ms    INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_exchanges_timestamp ON exchanges(timestamp);
	CREATE INDEX IF NOT EXISTS idx_exchanges_task ON exchanges(task_id);

	CREATE TABLE IF NOT EXISTS decisions (
		id                  TEXT PRIMARY KEY,
		timestamp           TEXT NOT NULL,
		task_id             TEXT,
		stop                INTEGER NOT NULL,
		reason              TEXT NOT NULL,
		should_stop         INTEGER NOT NULL,
		objective_completed INTEGER NOT NULL,
		confidence          REAL NOT NULL,
		loop_detected       INTEGER NOT NULL,
		loop_count          INTEGER NOT NULL,
		severity            INTEGER NOT NULL,
		raw                 TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_timestamp ON decisions(timestamp);
	CREATE INDEX IF NOT EXISTS idx_decisions_task ON decisions(task_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// newID returns a time-ordered record ID.
func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// RecordExchange appends ex. Empty ID and zero Timestamp are filled in.
func (s *Store) RecordExchange(ctx context.Context, ex Exchange) error {
	if ex.ID == "" {
		id, err := newID()
		if err != nil {
			return fmt.Errorf("generate exchange ID: %w", err)
		}
		ex.ID = id
	}
	if ex.Timestamp.IsZero() {
		ex.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exchanges
			(id, timestamp, task_id, kind, model, ok, input_tokens, output_tokens, elapsed_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID,
		formatTime(ex.Timestamp),
		ex.TaskID,
		ex.Kind,
		ex.Model,
		ex.OK,
		ex.InputTokens,
		ex.OutputTokens,
		ex.Elapsed.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert exchange: %w", err)
	}
	return nil
}

// RecordDecision appends d. Empty ID and zero Timestamp are filled in.
func (s *Store) RecordDecision(ctx context.Context, d Decision) error {
	if d.ID == "" {
		id, err := newID()
		if err != nil {
			return fmt.Errorf("generate decision ID: %w", err)
		}
		d.ID = id
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions
			(id, timestamp, task_id, stop, reason, should_stop, objective_completed,
			 confidence, loop_detected, loop_count, severity, raw)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID,
		formatTime(d.Timestamp),
		d.TaskID,
		d.Stop,
		d.Reason,
		d.ShouldStop,
		d.ObjectiveCompleted,
		d.Confidence,
		d.LoopDetected,
		d.LoopCount,
		d.Severity,
		d.Raw,
	)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// Summary returns totals for records within [start, end).
func (s *Store) Summary(start, end time.Time) (*Summary, error) {
	from, to := formatTime(start), formatTime(end)

	var sum Summary
	err := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN ok = 0 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM exchanges
		 WHERE timestamp >= ? AND timestamp < ?`,
		from, to,
	).Scan(&sum.Exchanges, &sum.FailedExchanges, &sum.InputTokens, &sum.OutputTokens)
	if err != nil {
		return nil, fmt.Errorf("query exchange summary: %w", err)
	}

	err = s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(stop), 0)
		 FROM decisions
		 WHERE timestamp >= ? AND timestamp < ?`,
		from, to,
	).Scan(&sum.Decisions, &sum.Stops)
	if err != nil {
		return nil, fmt.Errorf("query decision summary: %w", err)
	}
	return &sum, nil
}

// ReasonCounts returns the number of decisions per reason within
// [start, end).
func (s *Store) ReasonCounts(start, end time.Time) (map[string]int, error) {
	rows, err := s.db.Query(
		`SELECT reason, COUNT(*)
		 FROM decisions
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY reason`,
		formatTime(start), formatTime(end),
	)
	if err != nil {
		return nil, fmt.Errorf("query reason counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var reason string
		var n int
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, fmt.Errorf("scan reason count: %w", err)
		}
		counts[reason] = n
	}
	return counts, rows.Err()
}

// Decisions returns every decision recorded for taskID, oldest first.
func (s *Store) Decisions(ctx context.Context, taskID string) ([]Decision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, task_id, stop, reason, should_stop, objective_completed,
		        confidence, loop_detected, loop_count, severity, COALESCE(raw, '')
		 FROM decisions
		 WHERE task_id = ?
		 ORDER BY timestamp, id`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		var ts string
		if err := rows.Scan(&d.ID, &ts, &d.TaskID, &d.Stop, &d.Reason, &d.ShouldStop,
			&d.ObjectiveCompleted, &d.Confidence, &d.LoopDetected, &d.LoopCount,
			&d.Severity, &d.Raw); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.Timestamp, err = time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, fmt.Errorf("parse decision timestamp %q: %w", ts, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
