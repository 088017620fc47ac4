package execution

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresStore persists execution records in the workflow_executions table.
type PostgresStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewPostgresStore connects to the database and verifies the connection.
func NewPostgresStore(databaseURL string, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	return &PostgresStore{db: db, logger: logger.Named("execstore")}, nil
}

// NewPostgresStoreFromDB wraps an existing connection, used by tests.
func NewPostgresStoreFromDB(db *sqlx.DB, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{db: db, logger: logger.Named("execstore")}
}

// Ping checks database reachability for health probes.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Create(ctx context.Context, rec *Record) error {
	query := `INSERT INTO workflow_executions
		(execution_id, workflow_id, user_id, status, mode,
		 visual_streaming_enabled, session_id, visual_quality, inputs, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())`
	status := rec.Status
	if status == "" {
		status = StatusPending
	}
	_, err := s.db.ExecContext(ctx, query,
		rec.ExecutionID, rec.WorkflowID, rec.UserID, status, rec.Mode,
		rec.VisualStreamingEnabled, rec.SessionID, rec.VisualQuality, rec.Inputs)
	if err != nil {
		return fmt.Errorf("insert execution %s: %w", rec.ExecutionID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, executionID string) (*Record, error) {
	var rec Record
	query := `SELECT execution_id, workflow_id, user_id, status, mode,
		visual_streaming_enabled, session_id, visual_quality, inputs,
		result, error, logs, created_at, completed_at,
		execution_time_seconds, visual_events_captured, visual_stream_duration
		FROM workflow_executions WHERE execution_id = $1`
	err := s.db.GetContext(ctx, &rec, query, executionID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select execution %s: %w", executionID, err)
	}
	return &rec, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, executionID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_executions SET status = $2 WHERE execution_id = $1`,
		executionID, status)
	if err != nil {
		return fmt.Errorf("update execution %s status: %w", executionID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, executionID string, c Completion) error {
	query := `UPDATE workflow_executions SET
		status = $2,
		result = NULLIF($3, ''),
		error = NULLIF($4, ''),
		completed_at = NOW(),
		execution_time_seconds = EXTRACT(EPOCH FROM (NOW() - created_at)),
		visual_events_captured = $5,
		visual_stream_duration = $6
		WHERE execution_id = $1`
	res, err := s.db.ExecContext(ctx, query,
		executionID, c.Status, c.Result, c.Error,
		c.VisualEventsCaptured, c.VisualStreamDuration)
	if err != nil {
		return fmt.Errorf("complete execution %s: %w", executionID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
