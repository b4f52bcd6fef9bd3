// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

// Package analytics keeps a DuckDB projection of the domain events seen by
// the consistency worker, plus an audit row per handled event.
//
// Both tables are keyed by event id, so replaying an event is a no-op.
package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/goccy/go-json"

	"github.com/tomtom215/boxoffice/internal/events"
	"github.com/tomtom215/boxoffice/internal/logging"
)

// Config configures the projection database.
type Config struct {
	Enabled bool `koanf:"enabled"`

	// Path is the DuckDB file. Empty means in-memory.
	Path      string `koanf:"path"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads"`
}

// DefaultConfig returns defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Path:      "/data/boxoffice/analytics.duckdb",
		MaxMemory: "512MB",
	}
}

// Store is the DuckDB projection.
type Store struct {
	conn *sql.DB
}

// Open opens the database and creates the schema.
func Open(cfg Config) (*Store, error) {
	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	maxMemory := cfg.MaxMemory
	if maxMemory == "" {
		maxMemory = "512MB"
	}

	path := cfg.Path
	if path == "" {
		path = ":memory:"
	} else if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create analytics directory %s: %w", dir, err)
		}
	}

	// Extensions are not needed; keep DuckDB from reaching the network.
	connStr := fmt.Sprintf("%s?threads=%d&max_memory=%s&autoinstall_known_extensions=false&autoload_known_extensions=false",
		path, threads, maxMemory)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open analytics database: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.createSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}

	logging.Info().Str("path", path).Msg("Analytics database opened")
	return s, nil
}

const schema = `
	CREATE TABLE IF NOT EXISTS event_facts (
		event_id     TEXT PRIMARY KEY,
		event_type   TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		user_id      TEXT,
		resource_id  TEXT,
		booking_id   TEXT,
		seats        BIGINT NOT NULL DEFAULT 0,
		amount       DOUBLE NOT NULL DEFAULT 0,
		occurred_at  TIMESTAMP NOT NULL,
		projected_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_event_facts_resource ON event_facts(resource_id);
	CREATE INDEX IF NOT EXISTS idx_event_facts_user ON event_facts(user_id);

	CREATE TABLE IF NOT EXISTS audit_log (
		event_id     TEXT PRIMARY KEY,
		event_type   TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		actor_id     TEXT NOT NULL,
		action       TEXT NOT NULL,
		consumer     TEXT NOT NULL,
		details      JSON,
		recorded_at  TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_log_aggregate ON audit_log(aggregate_id)
`

func (s *Store) createSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// fields is the union of the payload fields the projection reads.
type fields struct {
	UserID    string  `json:"user_id"`
	EventID   string  `json:"event_id"`
	BookingID string  `json:"booking_id"`
	Seats     int64   `json:"seats"`
	Amount    float64 `json:"amount"`
}

func extract(env events.Envelope) fields {
	var f fields
	if len(env.Data) > 0 {
		// Unknown shapes still get a fact row with empty columns.
		_ = json.Unmarshal(env.Data, &f)
	}
	return f
}

// Project records env as a fact row.
func (s *Store) Project(ctx context.Context, env events.Envelope) error {
	f := extract(env)
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO event_facts
			(event_id, event_type, aggregate_id, user_id, resource_id, booking_id, seats, amount, occurred_at, projected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`,
		env.EventID, string(env.EventType), env.AggregateID,
		f.UserID, f.EventID, f.BookingID, f.Seats, f.Amount,
		env.Timestamp.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("project event %s: %w", env.EventID, err)
	}
	return nil
}

// Audit records that consumer handled env.
func (s *Store) Audit(ctx context.Context, env events.Envelope, consumer string) error {
	f := extract(env)
	actor := f.UserID
	if actor == "" {
		actor = "system"
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO audit_log
			(event_id, event_type, aggregate_id, actor_id, action, consumer, details, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`,
		env.EventID, string(env.EventType), env.AggregateID, actor,
		strings.ReplaceAll(string(env.EventType), ".", "_"), consumer,
		string(env.Data), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("audit event %s: %w", env.EventID, err)
	}
	return nil
}

// ResourceStats summarizes the booking facts of one resource.
type ResourceStats struct {
	ResourceID     string `json:"resource_id"`
	Created        int64  `json:"created"`
	Confirmed      int64  `json:"confirmed"`
	Cancelled      int64  `json:"cancelled"`
	SeatsBooked    int64  `json:"seats_booked"`
	SeatsCancelled int64  `json:"seats_cancelled"`
}

// SeatsHeld is booked minus cancelled seats.
func (r ResourceStats) SeatsHeld() int64 { return r.SeatsBooked - r.SeatsCancelled }

// ResourceStats aggregates the booking facts of one resource.
func (s *Store) ResourceStats(ctx context.Context, resourceID string) (ResourceStats, error) {
	stats := ResourceStats{ResourceID: resourceID}
	err := s.conn.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE event_type = ?),
			COUNT(*) FILTER (WHERE event_type = ?),
			COUNT(*) FILTER (WHERE event_type = ?),
			COALESCE(SUM(seats) FILTER (WHERE event_type = ?), 0),
			COALESCE(SUM(seats) FILTER (WHERE event_type = ?), 0)
		FROM event_facts
		WHERE resource_id = ?`,
		string(events.BookingCreated), string(events.BookingConfirmed), string(events.BookingCancelled),
		string(events.BookingCreated), string(events.BookingCancelled),
		resourceID,
	).Scan(&stats.Created, &stats.Confirmed, &stats.Cancelled, &stats.SeatsBooked, &stats.SeatsCancelled)
	if err != nil {
		return ResourceStats{}, fmt.Errorf("resource stats %s: %w", resourceID, err)
	}
	return stats, nil
}

// UserActivity counts a user's events by type.
func (s *Store) UserActivity(ctx context.Context, userID string) (map[string]int64, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT event_type, COUNT(*) FROM event_facts WHERE user_id = ? GROUP BY event_type`, userID)
	if err != nil {
		return nil, fmt.Errorf("user activity %s: %w", userID, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			typ string
			n   int64
		)
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		out[typ] = n
	}
	return out, rows.Err()
}

// AuditRow is one audit_log row.
type AuditRow struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	ActorID    string    `json:"actor_id"`
	Action     string    `json:"action"`
	Consumer   string    `json:"consumer"`
	RecordedAt time.Time `json:"recorded_at"`
}

// AuditTrail returns the audit rows of an aggregate, oldest first.
func (s *Store) AuditTrail(ctx context.Context, aggregateID string) ([]AuditRow, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT event_id, event_type, actor_id, action, consumer, recorded_at
		FROM audit_log
		WHERE aggregate_id = ?
		ORDER BY recorded_at, event_id`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("audit trail %s: %w", aggregateID, err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]AuditRow, 0)
	for rows.Next() {
		var r AuditRow
		if err := rows.Scan(&r.EventID, &r.EventType, &r.ActorID, &r.Action, &r.Consumer, &r.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// Close checkpoints the WAL into the database file and closes it.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.conn.ExecContext(ctx, "CHECKPOINT"); err != nil {
		logging.Warn().Err(err).Msg("Failed to checkpoint analytics database before close")
	}
	return s.conn.Close()
}
