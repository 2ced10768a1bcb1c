package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cpgflow/cpgflow/cpg"
	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB implementation of GraphStore,
// InstanceStore, and TraceStore for production deployments: multiple
// processes, long-lived instances, audit retention.
//
// The DSN format follows go-sql-driver/mysql:
//
//	user:password@tcp(host:3306)/cpgflow?parseTime=true
//
// parseTime=true is required so trace timestamps scan into time.Time.
// Never hardcode credentials; read the DSN from the environment.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore connects, verifies the connection, and migrates the schema.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (m *MySQLStore) Close() error { return m.db.Close() }

func (m *MySQLStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS process_graphs (
			graph_id VARCHAR(255) NOT NULL,
			version VARCHAR(64) NOT NULL,
			status VARCHAR(32) NOT NULL,
			record JSON NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (graph_id, version)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS process_instances (
			instance_id VARCHAR(64) PRIMARY KEY,
			graph_id VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			version BIGINT NOT NULL,
			record JSON NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
			INDEX idx_instances_status (status)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS decision_traces (
			trace_id VARCHAR(64) PRIMARY KEY,
			instance_id VARCHAR(64) NOT NULL,
			trace_type VARCHAR(32) NOT NULL,
			ts TIMESTAMP(6) NOT NULL,
			record JSON NOT NULL,
			INDEX idx_traces_instance (instance_id, ts, trace_id),
			INDEX idx_traces_type (instance_id, trace_type)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	}
	for _, stmt := range stmts {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// PutGraph stores a template, replacing any existing (ID, Version).
func (m *MySQLStore) PutGraph(ctx context.Context, g *cpg.ProcessGraph) error {
	record, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}
	_, err = m.db.ExecContext(ctx,
		`INSERT INTO process_graphs (graph_id, version, status, record) VALUES (?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE status = VALUES(status), record = VALUES(record)`,
		g.ID, g.Version, string(g.Status), string(record))
	return err
}

// GetGraph loads a template; empty version selects the latest published.
func (m *MySQLStore) GetGraph(ctx context.Context, graphID, version string) (*cpg.ProcessGraph, error) {
	var row *sql.Row
	if version != "" {
		row = m.db.QueryRowContext(ctx,
			`SELECT record FROM process_graphs WHERE graph_id = ? AND version = ?`, graphID, version)
	} else {
		row = m.db.QueryRowContext(ctx,
			`SELECT record FROM process_graphs WHERE graph_id = ? AND status = ?
			 ORDER BY version DESC LIMIT 1`, graphID, string(cpg.GraphPublished))
	}
	var record []byte
	if err := row.Scan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var g cpg.ProcessGraph
	if err := json.Unmarshal(record, &g); err != nil {
		return nil, fmt.Errorf("unmarshal graph: %w", err)
	}
	return &g, nil
}

// SaveInstance persists the instance under optimistic concurrency.
func (m *MySQLStore) SaveInstance(ctx context.Context, inst *cpg.ProcessInstance, expectedVersion int64) error {
	next := expectedVersion + 1
	inst.Version = next
	record, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}

	if expectedVersion == 0 {
		_, err = m.db.ExecContext(ctx,
			`INSERT INTO process_instances (instance_id, graph_id, status, version, record) VALUES (?, ?, ?, ?, ?)`,
			inst.ID, inst.GraphID, string(inst.Status), next, string(record))
		if err != nil {
			inst.Version = expectedVersion
			return ErrVersionConflict
		}
		return nil
	}

	res, err := m.db.ExecContext(ctx,
		`UPDATE process_instances SET status = ?, version = ?, record = ?
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
func (m *MySQLStore) LoadInstance(ctx context.Context, instanceID string) (*cpg.ProcessInstance, error) {
	var record []byte
	err := m.db.QueryRowContext(ctx,
		`SELECT record FROM process_instances WHERE instance_id = ?`, instanceID).Scan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeInstance(record)
}

// ListInstances returns every stored instance ordered by ID.
func (m *MySQLStore) ListInstances(ctx context.Context) ([]*cpg.ProcessInstance, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT record FROM process_instances ORDER BY instance_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*cpg.ProcessInstance
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		inst, err := decodeInstance(record)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// AppendTrace appends an immutable trace record.
func (m *MySQLStore) AppendTrace(ctx context.Context, tr *cpg.DecisionTrace) error {
	record, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}
	_, err = m.db.ExecContext(ctx,
		`INSERT INTO decision_traces (trace_id, instance_id, trace_type, ts, record) VALUES (?, ?, ?, ?, ?)`,
		tr.TraceID, tr.InstanceID, string(tr.Type), tr.Timestamp.UTC(), string(record))
	return err
}

// GetTrace returns one trace by ID.
func (m *MySQLStore) GetTrace(ctx context.Context, traceID string) (*cpg.DecisionTrace, error) {
	var record []byte
	err := m.db.QueryRowContext(ctx,
		`SELECT record FROM decision_traces WHERE trace_id = ?`, traceID).Scan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeTrace(string(record))
}

// ListTraces returns the instance's traces in (timestamp, traceID) order.
func (m *MySQLStore) ListTraces(ctx context.Context, instanceID string) ([]*cpg.DecisionTrace, error) {
	return m.queryTraces(ctx,
		`SELECT record FROM decision_traces WHERE instance_id = ? ORDER BY ts, trace_id`, instanceID)
}

// ListTracesByType filters one instance's traces by step type.
func (m *MySQLStore) ListTracesByType(ctx context.Context, instanceID string, t cpg.TraceType) ([]*cpg.DecisionTrace, error) {
	return m.queryTraces(ctx,
		`SELECT record FROM decision_traces WHERE instance_id = ? AND trace_type = ? ORDER BY ts, trace_id`,
		instanceID, string(t))
}

// ListTracesInRange filters by time window (inclusive from, exclusive to).
func (m *MySQLStore) ListTracesInRange(ctx context.Context, instanceID string, from, to time.Time) ([]*cpg.DecisionTrace, error) {
	return m.queryTraces(ctx,
		`SELECT record FROM decision_traces WHERE instance_id = ? AND ts >= ? AND ts < ? ORDER BY ts, trace_id`,
		instanceID, from.UTC(), to.UTC())
}

// LatestTrace returns the most recent trace for the instance.
func (m *MySQLStore) LatestTrace(ctx context.Context, instanceID string) (*cpg.DecisionTrace, error) {
	traces, err := m.queryTraces(ctx,
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
func (m *MySQLStore) DeleteTracesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := m.db.ExecContext(ctx, `DELETE FROM decision_traces WHERE ts < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func (m *MySQLStore) queryTraces(ctx context.Context, query string, args ...any) ([]*cpg.DecisionTrace, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*cpg.DecisionTrace
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		tr, err := decodeTrace(string(record))
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}
