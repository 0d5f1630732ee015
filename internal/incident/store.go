// Package incident persists finished fault recoveries to SQLite.
package incident

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/wheelcore/internal/fmea"
)

// DefaultRecentLimit bounds Recent when the caller passes a non-positive limit.
const DefaultRecentLimit = 50

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
}

// Incident is one stored recovery outcome.
type Incident struct {
	ID             string    `json:"id"`
	Fault          string    `json:"fault"`
	Status         string    `json:"status"`
	Attempts       uint32    `json:"attempts"`
	StepsCompleted int       `json:"steps_completed"`
	Escalated      bool      `json:"escalated"`
	Started        time.Time `json:"started"`
	Ended          time.Time `json:"ended"`
	Error          string    `json:"error,omitempty"`
}

// DurationMs is the recovery wall time in milliseconds.
func (i Incident) DurationMs() float64 {
	return float64(i.Ended.Sub(i.Started)) / float64(time.Millisecond)
}

// Store implements fmea.OutcomeRecorder.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and brings its schema up to
// date.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open incident database: %w", err)
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", p, err)
		}
	}
	s := &Store{db: db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// RecordOutcome stores o. An outcome without an ID is given one.
func (s *Store) RecordOutcome(ctx context.Context, o fmea.RecoveryOutcome) error {
	id := o.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incidents (
			incident_id, fault, status, attempts, steps_completed, escalated,
			started_unix_nanos, ended_unix_nanos, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), o.Fault.Code(), o.Status.String(), o.Attempts, o.StepsCompleted,
		o.Escalated, o.Started.UnixNano(), o.Ended.UnixNano(), o.ErrorString(),
	)
	if err != nil {
		return fmt.Errorf("failed to record incident %s: %w", id, err)
	}
	return nil
}

// Recent returns up to limit incidents, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Incident, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT incident_id, fault, status, attempts, steps_completed, escalated,
		       started_unix_nanos, ended_unix_nanos, error
		FROM incidents
		ORDER BY started_unix_nanos DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	var out []Incident
	for rows.Next() {
		var (
			inc            Incident
			started, ended int64
		)
		if err := rows.Scan(&inc.ID, &inc.Fault, &inc.Status, &inc.Attempts, &inc.StepsCompleted,
			&inc.Escalated, &started, &ended, &inc.Error); err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		inc.Started = time.Unix(0, started).UTC()
		inc.Ended = time.Unix(0, ended).UTC()
		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read incidents: %w", err)
	}
	return out, nil
}

// CountByFault returns the number of stored incidents per fault code.
func (s *Store) CountByFault(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT fault, COUNT(*) FROM incidents GROUP BY fault`)
	if err != nil {
		return nil, fmt.Errorf("failed to count incidents: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			fault string
			n     int
		)
		if err := rows.Scan(&fault, &n); err != nil {
			return nil, fmt.Errorf("failed to scan incident count: %w", err)
		}
		counts[fault] = n
	}
	return counts, rows.Err()
}

// Get returns the incident with the given ID, or sql.ErrNoRows.
func (s *Store) Get(ctx context.Context, id string) (Incident, error) {
	var (
		inc            Incident
		started, ended int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT incident_id, fault, status, attempts, steps_completed, escalated,
		       started_unix_nanos, ended_unix_nanos, error
		FROM incidents WHERE incident_id = ?`, id).
		Scan(&inc.ID, &inc.Fault, &inc.Status, &inc.Attempts, &inc.StepsCompleted,
			&inc.Escalated, &started, &ended, &inc.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return Incident{}, err
	}
	if err != nil {
		return Incident{}, fmt.Errorf("failed to get incident %s: %w", id, err)
	}
	inc.Started = time.Unix(0, started).UTC()
	inc.Ended = time.Unix(0, ended).UTC()
	return inc, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
