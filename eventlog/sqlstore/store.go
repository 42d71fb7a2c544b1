// Package sqlstore implements eventlog.Store on SQLite or PostgreSQL.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/agentflow/eventlog"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Supported driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS agentflow_events (
		id          TEXT NOT NULL,
		instance_id TEXT NOT NULL,
		seq         INTEGER NOT NULL,
		type        TEXT NOT NULL,
		payload     TEXT NOT NULL,
		created_at  TIMESTAMP NOT NULL,
		PRIMARY KEY (instance_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS agentflow_snapshots (
		instance_id TEXT PRIMARY KEY,
		seq         INTEGER NOT NULL,
		state       TEXT NOT NULL,
		created_at  TIMESTAMP NOT NULL
	)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS agentflow_events (
		id          TEXT NOT NULL,
		instance_id TEXT NOT NULL,
		seq         BIGINT NOT NULL,
		type        TEXT NOT NULL,
		payload     JSONB NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (instance_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS agentflow_snapshots (
		instance_id TEXT PRIMARY KEY,
		seq         BIGINT NOT NULL,
		state       JSONB NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL
	)`,
}

// Store is a SQL-backed eventlog.Store.
type Store struct {
	db *sqlx.DB
}

var _ eventlog.Store = (*Store)(nil)

// Open connects with the given driver and applies the schema.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// SQLite allows a single writer
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection. Call Migrate before first use.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	schema := sqliteSchema
	if s.db.DriverName() == DriverPostgres {
		schema = postgresSchema
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type eventRow struct {
	ID         string    `db:"id"`
	InstanceID string    `db:"instance_id"`
	Seq        int64     `db:"seq"`
	Type       string    `db:"type"`
	Payload    []byte    `db:"payload"`
	CreatedAt  time.Time `db:"created_at"`
}

type snapshotRow struct {
	InstanceID string    `db:"instance_id"`
	Seq        int64     `db:"seq"`
	State      []byte    `db:"state"`
	CreatedAt  time.Time `db:"created_at"`
}

func (s *Store) Append(ctx context.Context, e eventlog.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if e.Payload == nil {
		payload = []byte("{}")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var last sql.NullInt64
	err = tx.GetContext(ctx, &last,
		tx.Rebind(`SELECT MAX(seq) FROM agentflow_events WHERE instance_id = ?`), e.InstanceID)
	if err != nil {
		return fmt.Errorf("read last seq: %w", err)
	}
	if e.Seq != last.Int64+1 {
		return fmt.Errorf("%w: %s is at seq %d, got %d", eventlog.ErrSequenceConflict, e.InstanceID, last.Int64, e.Seq)
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(
		`INSERT INTO agentflow_events (id, instance_id, seq, type, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		e.ID, e.InstanceID, e.Seq, string(e.Type), string(payload), e.Timestamp.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s seq %d already written", eventlog.ErrSequenceConflict, e.InstanceID, e.Seq)
		}
		return fmt.Errorf("insert event: %w", err)
	}
	return tx.Commit()
}

func (s *Store) Load(ctx context.Context, instanceID string, afterSeq int64) ([]eventlog.Event, error) {
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT id, instance_id, seq, type, payload, created_at
		 FROM agentflow_events
		 WHERE instance_id = ? AND seq > ?
		 ORDER BY seq`), instanceID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	events := make([]eventlog.Event, 0, len(rows))
	for _, row := range rows {
		e := eventlog.Event{
			ID:         row.ID,
			InstanceID: row.InstanceID,
			Seq:        row.Seq,
			Type:       eventlog.EventType(row.Type),
			Timestamp:  row.CreatedAt.UTC(),
		}
		if err := json.Unmarshal(row.Payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", row.ID, err)
		}
		events = append(events, e)
	}
	return events, nil
}

func (s *Store) SaveSnapshot(ctx context.Context, snap *eventlog.Snapshot) error {
	state, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO agentflow_snapshots (instance_id, seq, state, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (instance_id) DO UPDATE
		 SET seq = excluded.seq, state = excluded.state, created_at = excluded.created_at`),
		snap.InstanceID, snap.Seq, string(state), snap.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *Store) LoadSnapshot(ctx context.Context, instanceID string) (*eventlog.Snapshot, error) {
	var row snapshotRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT instance_id, seq, state, created_at FROM agentflow_snapshots WHERE instance_id = ?`), instanceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	var state eventlog.State
	if err := json.Unmarshal(row.State, &state); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &eventlog.Snapshot{
		InstanceID: row.InstanceID,
		Seq:        row.Seq,
		State:      &state,
		CreatedAt:  row.CreatedAt.UTC(),
	}, nil
}

func (s *Store) Instances(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		`SELECT DISTINCT instance_id FROM agentflow_events ORDER BY instance_id`)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return ids, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
