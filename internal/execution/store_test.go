package execution

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	rec := &Record{
		ExecutionID:            "e-1",
		WorkflowID:             "wf-1",
		UserID:                 "u-1",
		Mode:                   "visual",
		VisualStreamingEnabled: true,
		SessionID:              "visual-e-1",
		VisualQuality:          "standard",
	}
	require.NoError(t, store.Create(ctx, rec))

	got, err := store.Get(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.False(t, got.CreatedAt.IsZero())
	assert.Nil(t, got.CompletedAt)

	require.NoError(t, store.UpdateStatus(ctx, "e-1", StatusRunning))
	got, err = store.Get(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)

	require.NoError(t, store.MarkCompleted(ctx, "e-1", Completion{
		Status:               StatusCompleted,
		Result:               `{"ok":true}`,
		VisualEventsCaptured: 42,
		VisualStreamDuration: 12.5,
	}))
	got, err = store.Get(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, `{"ok":true}`, *got.Result)
	assert.Nil(t, got.Error)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, int64(42), got.VisualEventsCaptured)
	assert.GreaterOrEqual(t, got.ExecutionTimeSeconds, 0.0)
}

func TestMemoryStoreNotFound(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.UpdateStatus(ctx, "nope", StatusRunning), ErrNotFound)
	assert.ErrorIs(t, store.MarkCompleted(ctx, "nope", Completion{Status: StatusFailed}), ErrNotFound)
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, &Record{ExecutionID: "e-1"}))

	got, err := store.Get(ctx, "e-1")
	require.NoError(t, err)
	got.Status = "mutated"

	again, err := store.Get(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, again.Status)
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	db := sqlx.NewDb(mockDB, "sqlmock")
	return NewPostgresStoreFromDB(db, zap.NewNop()), mock
}

func TestPostgresStoreCreate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO workflow_executions").
		WithArgs("e-1", "wf-1", "u-1", StatusRunning, "visual",
			true, "visual-e-1", "standard", []byte(`{"url":"https://example.test"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Create(context.Background(), &Record{
		ExecutionID:            "e-1",
		WorkflowID:             "wf-1",
		UserID:                 "u-1",
		Status:                 StatusRunning,
		Mode:                   "visual",
		VisualStreamingEnabled: true,
		SessionID:              "visual-e-1",
		VisualQuality:          "standard",
		Inputs:                 types.JSONText(`{"url":"https://example.test"}`),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreGet(t *testing.T) {
	store, mock := newMockStore(t)

	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"execution_id", "workflow_id", "user_id", "status", "mode",
		"visual_streaming_enabled", "session_id", "visual_quality", "inputs",
		"result", "error", "logs", "created_at", "completed_at",
		"execution_time_seconds", "visual_events_captured", "visual_stream_duration",
	}).AddRow(
		"e-1", "wf-1", "u-1", StatusRunning, "visual",
		true, "visual-e-1", "standard", []byte(`{}`),
		nil, nil, nil, created, nil,
		0.0, int64(0), 0.0,
	)
	mock.ExpectQuery("SELECT (.+) FROM workflow_executions WHERE execution_id").
		WithArgs("e-1").
		WillReturnRows(rows)

	rec, err := store.Get(context.Background(), "e-1")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", rec.WorkflowID)
	assert.Equal(t, StatusRunning, rec.Status)
	assert.True(t, rec.VisualStreamingEnabled)
	assert.Nil(t, rec.CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreGetNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM workflow_executions").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreUpdateStatus(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE workflow_executions SET status").
		WithArgs("e-1", StatusCancelled).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.UpdateStatus(context.Background(), "e-1", StatusCancelled))

	mock.ExpectExec("UPDATE workflow_executions SET status").
		WithArgs("missing", StatusCancelled).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, store.UpdateStatus(context.Background(), "missing", StatusCancelled), ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreMarkCompleted(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE workflow_executions SET").
		WithArgs("e-1", StatusCompleted, `{"ok":true}`, "", int64(42), 12.5).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.MarkCompleted(context.Background(), "e-1", Completion{
		Status:               StatusCompleted,
		Result:               `{"ok":true}`,
		VisualEventsCaptured: 42,
		VisualStreamDuration: 12.5,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
