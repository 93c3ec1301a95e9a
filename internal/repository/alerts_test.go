package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pacebeats-monitor/internal/models"
)

func setupMockAlertDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *AlertRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewAlertRepository(db, logger)

	return db, mock, repo
}

var columns = []string{
	"alert_id", "session_id", "user_id", "display_name", "heart_rate_bpm", "severity", "message",
	"triggered_at", "created_at", "updated_at", "resolved", "resolved_at", "resolved_by",
}

func testAlert() models.Alert {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	return models.Alert{
		ID:           "a-1",
		SessionID:    "S1",
		UserID:       "user-1",
		DisplayName:  "Ana",
		HeartRateBPM: 170,
		Severity:     models.SeverityHigh,
		Message:      "Ana: high heart rate 170 bpm",
		TriggeredAt:  now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestEnsureSchema(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS runner_alerts`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_runner_alerts_open`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS ix_runner_alerts_triggered`).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveAlert_Success(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	a := testAlert()
	mock.ExpectExec(`INSERT INTO runner_alerts`).
		WithArgs(a.ID, a.SessionID, a.UserID, a.DisplayName, a.HeartRateBPM, "HIGH", a.Message,
			a.TriggeredAt, a.CreatedAt, a.UpdatedAt, false, nil, "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.SaveAlert(context.Background(), a))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveAlert_Resolved(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	a := testAlert()
	at := a.CreatedAt.Add(time.Minute)
	a.Resolved = true
	a.ResolvedAt = &at
	a.ResolvedBy = models.ResolvedByAuto

	mock.ExpectExec(`ON CONFLICT \(alert_id\) DO UPDATE SET .* WHERE runner_alerts.resolved = false`).
		WithArgs(a.ID, a.SessionID, a.UserID, a.DisplayName, a.HeartRateBPM, "HIGH", a.Message,
			a.TriggeredAt, a.CreatedAt, a.UpdatedAt, true, at, "auto").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.SaveAlert(context.Background(), a))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveAlert_UniqueViolationIsConflict(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO runner_alerts`).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint \"ux_runner_alerts_open\""})

	err := repo.SaveAlert(context.Background(), testAlert())
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrConflict))
	assert.False(t, errors.Is(err, models.ErrStorageUnavailable))
}

func TestSaveAlert_ConnectionErrorIsUnavailable(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO runner_alerts`).WillReturnError(sql.ErrConnDone)

	err := repo.SaveAlert(context.Background(), testAlert())
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrStorageUnavailable))
	assert.True(t, errors.Is(err, sql.ErrConnDone))
}

func TestSaveAlert_RequiresID(t *testing.T) {
	db, _, repo := setupMockAlertDB(t)
	defer db.Close()

	err := repo.SaveAlert(context.Background(), models.Alert{})
	assert.Error(t, err)
}

func TestGetAlert_Success(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	a := testAlert()
	resolvedAt := a.CreatedAt.Add(time.Minute)
	rows := sqlmock.NewRows(columns).AddRow(
		a.ID, a.SessionID, a.UserID, a.DisplayName, a.HeartRateBPM, "HIGH", a.Message,
		a.TriggeredAt, a.CreatedAt, a.UpdatedAt, true, resolvedAt, "coach",
	)
	mock.ExpectQuery(`SELECT`).WithArgs("a-1").WillReturnRows(rows)

	got, err := repo.GetAlert(context.Background(), "a-1")
	require.NoError(t, err)
	assert.Equal(t, models.SeverityHigh, got.Severity)
	assert.True(t, got.Resolved)
	require.NotNil(t, got.ResolvedAt)
	assert.Equal(t, resolvedAt, *got.ResolvedAt)
	assert.Equal(t, "coach", got.ResolvedBy)
}

func TestGetAlert_NotFound(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT`).WithArgs("missing").WillReturnRows(sqlmock.NewRows(columns))

	_, err := repo.GetAlert(context.Background(), "missing")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestLoadOpenAlerts(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	a := testAlert()
	rows := sqlmock.NewRows(columns).
		AddRow(a.ID, a.SessionID, a.UserID, a.DisplayName, a.HeartRateBPM, "HIGH", a.Message,
			a.TriggeredAt, a.CreatedAt, a.UpdatedAt, false, nil, "").
		AddRow("a-2", "S2", "user-2", "", 190, "CRITICAL", "S2: critical heart rate 190 bpm",
			a.TriggeredAt, a.CreatedAt, a.UpdatedAt, false, nil, "")
	mock.ExpectQuery(`SELECT .* FROM runner_alerts WHERE resolved = false ORDER BY triggered_at DESC, alert_id$`).
		WillReturnRows(rows)

	alerts, err := repo.LoadOpenAlerts(context.Background())
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Nil(t, alerts[0].ResolvedAt)
	assert.Equal(t, models.SeverityCritical, alerts[1].Severity)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListAlerts_SessionWithDefaultLimit(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	mock.ExpectQuery(`WHERE session_id = \$1 ORDER BY triggered_at DESC, alert_id LIMIT \$2`).
		WithArgs("S1", 100).
		WillReturnRows(sqlmock.NewRows(columns))

	alerts, err := repo.ListAlerts(context.Background(), AlertFilter{SessionID: "S1"})
	require.NoError(t, err)
	assert.NotNil(t, alerts)
	assert.Empty(t, alerts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListAlerts_QueryError(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT`).WillReturnError(errors.New("connection refused"))

	_, err := repo.ListAlerts(context.Background(), AlertFilter{OpenOnly: true})
	assert.True(t, errors.Is(err, models.ErrStorageUnavailable))
}
