package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cpgflow/cpgflow/cpg"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-file implementation of GraphStore, InstanceStore,
// and TraceStore.
//
// Designed for development and single-process deployments that need
// durability without a database server. Uses WAL mode so trace reads do not
// block instance writes. Records are stored as JSON columns next to the
// columns the queries filter on.
//
// Use ":memory:" as the path for an ephemeral database in tests.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the database file, applies
// pragmas, and migrates the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS process_graphs (
			graph_id TEXT NOT NULL,
			version TEXT NOT NULL,
			status TEXT NOT NULL,
			record TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (graph_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS process_instances (
			instance_id TEXT PRIMARY KEY,
			graph_id TEXT NOT NULL,
			status TEXT NOT NULL,
			version INTEGER NOT NULL,
			record TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_status ON process_instances(status)`,
		`CREATE TABLE IF NOT EXISTS decision_traces (
			trace_id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			trace_type TEXT NOT NULL,
			ts TIMESTAMP NOT NULL,
			record TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_instance ON decision_traces(instance_id, ts, trace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_type ON decision_traces(instance_id, trace_type)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// PutGraph stores a template, replacing any existing (ID, Version).
func (s *SQLiteStore) PutGraph(ctx context.Context, g *cpg.ProcessGraph) error {
	record, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO process_graphs (graph_id, version, status, record) VALUES (?, ?, ?, ?)
		 ON CONFLICT(graph_id, version) DO UPDATE SET status=excluded.status, record=excluded.record`,
		g.ID, g.Version, string(g.Status), string(record))
	return err
}

// GetGraph loads a template; empty version selects the latest published.
func (s *SQLiteStore) GetGraph(ctx context.Context, graphID, version string) (*cpg.ProcessGraph, error) {
	var row *sql.Row
	if version != "" {
		row = s.db.QueryRowContext(ctx,
			`SELECT record FROM process_graphs WHERE graph_id = ? AND version = ?`, graphID, version)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT record FROM process_graphs WHERE graph_id = ? AND status = ?
			 ORDER BY version DESC LIMIT 1`, graphID, string(cpg.GraphPublished))
	}
	var record string
	if err := row.Scan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var g cpg.ProcessGraph
	if err := json.Unmarshal([]byte(record), &g); err != nil {
		return nil, fmt.Errorf("unmarshal graph: %w", err)
	}
	return &g, nil
}

// SaveInstance persists the instance under optimistic concurrency, using a
// conditional UPDATE so two writers cannot both advance the same version.
func (s *SQLiteStore) SaveInstance(ctx context.Context, inst *cpg.ProcessInstance, expectedVersion int64) error {
	next := expectedVersion + 1
	inst.Version = next
	record, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}

	if expectedVersion == 0 {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO process_instances (instance_id, graph_id, status, version, record) VALUES (?, ?, ?, ?, ?)`,
			inst.ID, inst.GraphID, string(inst.Status), next, string(record))
		if err != nil {
			// Unique violation means someone else created it first.
			inst.Version = expectedVersion
			return ErrVersionConflict
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE process_instances SET status = ?, version = ?, record = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE instance_id = ? AND version = ?`,
		string(inst.Status), next, string(record), inst.ID, expectedVersion)
	if err != nil {
		inst.Version = expectedVersion
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		inst.Version = expectedVersion
		return err
	}
	if affected == 0 {
		inst.Version = expectedVersion
		return ErrVersionConflict
	}
	return nil
}

// LoadInstance returns the stored instance.
func (s *SQLiteStore) LoadInstance(ctx context.Context, instanceID string) (*cpg.ProcessInstance, error) {
	var record string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM process_instances WHERE instance_id = ?`, instanceID).Scan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeInstance([]byte(record))
}

// ListInstances returns every stored instance ordered by ID.
func (s *SQLiteStore) ListInstances(ctx context.Context) ([]*cpg.ProcessInstance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM process_instances ORDER BY instance_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*cpg.ProcessInstance
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		inst, err := decodeInstance([]byte(record))
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// AppendTrace appends an immutable trace record.
func (s *SQLiteStore) AppendTrace(ctx context.Context, tr *cpg.DecisionTrace) error {
	record, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO decision_traces (trace_id, instance_id, trace_type, ts, record) VALUES (?, ?, ?, ?, ?)`,
		tr.TraceID, tr.InstanceID, string(tr.Type), tr.Timestamp.UTC(), string(record))
	return err
}

// GetTrace returns one trace by ID.
func (s *SQLiteStore) GetTrace(ctx context.Context, traceID string) (*cpg.DecisionTrace, error) {
	var record string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM decision_traces WHERE trace_id = ?`, traceID).Scan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeTrace(record)
}

// ListTraces returns the instance's traces in (timestamp, traceID) order.
func (s *SQLiteStore) ListTraces(ctx context.Context, instanceID string) ([]*cpg.DecisionTrace, error) {
	return s.queryTraces(ctx,
		`SELECT record FROM decision_traces WHERE instance_id = ? ORDER BY ts, trace_id`, instanceID)
}

// ListTracesByType filters one instance's traces by step type.
func (s *SQLiteStore) ListTracesByType(ctx context.Context, instanceID string, t cpg.TraceType) ([]*cpg.DecisionTrace, error) {
	return s.queryTraces(ctx,
		`SELECT record FROM decision_traces WHERE instance_id = ? AND trace_type = ? ORDER BY ts, trace_id`,
		instanceID, string(t))
}

// ListTracesInRange filters by time window (inclusive from, exclusive to).
func (s *SQLiteStore) ListTracesInRange(ctx context.Context, instanceID string, from, to time.Time) ([]*cpg.DecisionTrace, error) {
	return s.queryTraces(ctx,
		`SELECT record FROM decision_traces WHERE instance_id = ? AND ts >= ? AND ts < ? ORDER BY ts, trace_id`,
		instanceID, from.UTC(), to.UTC())
}

// LatestTrace returns the most recent trace for the instance.
func (s *SQLiteStore) LatestTrace(ctx context.Context, instanceID string) (*cpg.DecisionTrace, error) {
	traces, err := s.queryTraces(ctx,
		`SELECT record FROM decision_traces WHERE instance_id = ? ORDER BY ts DESC, trace_id DESC LIMIT 1`,
		instanceID)
	if err != nil {
		return nil, err
	}
	if len(traces) == 0 {
		return nil, ErrNotFound
	}
	return traces[0], nil
}

// DeleteTracesBefore bulk-deletes traces older than the cutoff.
func (s *SQLiteStore) DeleteTracesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM decision_traces WHERE ts < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func (s *SQLiteStore) queryTraces(ctx context.Context, query string, args ...any) ([]*cpg.DecisionTrace, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*cpg.DecisionTrace
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		tr, err := decodeTrace(record)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func decodeTrace(record string) (*cpg.DecisionTrace, error) {
	var tr cpg.DecisionTrace
	if err := json.Unmarshal([]byte(record), &tr); err != nil {
		return nil, fmt.Errorf("unmarshal trace: %w", err)
	}
	return &tr, nil
}
