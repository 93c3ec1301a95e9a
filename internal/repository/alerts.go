package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"pacebeats-monitor/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

const uniqueViolation = "23505"

// schema runner_alerts 表
// ux_runner_alerts_open 保证同一 session_id 最多一条 resolved=false
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runner_alerts (
		alert_id       TEXT PRIMARY KEY,
		session_id     TEXT NOT NULL,
		user_id        TEXT NOT NULL,
		display_name   TEXT NOT NULL DEFAULT '',
		heart_rate_bpm INTEGER NOT NULL,
		severity       TEXT NOT NULL,
		message        TEXT NOT NULL,
		triggered_at   TIMESTAMPTZ NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL,
		resolved       BOOLEAN NOT NULL DEFAULT false,
		resolved_at    TIMESTAMPTZ NULL,
		resolved_by    TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_runner_alerts_open ON runner_alerts (session_id) WHERE resolved = false`,
	`CREATE INDEX IF NOT EXISTS ix_runner_alerts_triggered ON runner_alerts (triggered_at DESC)`,
}

const alertColumns = `alert_id, session_id, user_id, display_name, heart_rate_bpm, severity, message,
		triggered_at, created_at, updated_at, resolved, resolved_at, resolved_by`

// AlertRepository 报警持久化（PostgreSQL）
type AlertRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertRepository 创建报警仓库
func NewAlertRepository(db *sql.DB, logger *zap.Logger) *AlertRepository {
	return &AlertRepository{
		db:     db,
		logger: logger,
	}
}

// AlertFilter 报警查询条件
type AlertFilter struct {
	OpenOnly  bool
	SessionID string
	Limit     int // <=0 时默认 100
}

// EnsureSchema 建表（幂等）
func (r *AlertRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", classify(err))
		}
	}
	return nil
}

// SaveAlert 写入报警的最新版本
// 已解除的记录不再被覆盖；第二条未解除报警触发唯一索引，返回 models.ErrConflict
func (r *AlertRepository) SaveAlert(ctx context.Context, a models.Alert) error {
	if a.ID == "" {
		return fmt.Errorf("alert_id is required")
	}

	query := `
		INSERT INTO runner_alerts (` + alertColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (alert_id) DO UPDATE SET
			heart_rate_bpm = EXCLUDED.heart_rate_bpm,
			severity       = EXCLUDED.severity,
			message        = EXCLUDED.message,
			updated_at     = EXCLUDED.updated_at,
			resolved       = EXCLUDED.resolved,
			resolved_at    = EXCLUDED.resolved_at,
			resolved_by    = EXCLUDED.resolved_by
		WHERE runner_alerts.resolved = false
	`

	var resolvedAt sql.NullTime
	if a.ResolvedAt != nil {
		resolvedAt = sql.NullTime{Time: *a.ResolvedAt, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		a.ID, a.SessionID, a.UserID, a.DisplayName, a.HeartRateBPM, string(a.Severity), a.Message,
		a.TriggeredAt, a.CreatedAt, a.UpdatedAt, a.Resolved, resolvedAt, a.ResolvedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to save alert %s: %w", a.ID, classify(err))
	}
	return nil
}

// GetAlert 按 id 查询
func (r *AlertRepository) GetAlert(ctx context.Context, alertID string) (models.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM runner_alerts WHERE alert_id = $1`
	a, err := scanAlert(r.db.QueryRowContext(ctx, query, alertID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Alert{}, fmt.Errorf("alert %s: %w", alertID, models.ErrNotFound)
		}
		return models.Alert{}, fmt.Errorf("failed to get alert %s: %w", alertID, classify(err))
	}
	return a, nil
}

// LoadOpenAlerts 加载所有未解除报警（重启恢复）
func (r *AlertRepository) LoadOpenAlerts(ctx context.Context) ([]models.Alert, error) {
	return r.ListAlerts(ctx, AlertFilter{OpenOnly: true, Limit: -1})
}

// ListAlerts 按条件查询，最新触发的在前
func (r *AlertRepository) ListAlerts(ctx context.Context, f AlertFilter) ([]models.Alert, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.OpenOnly {
		where = append(where, "resolved = false")
	}
	if f.SessionID != "" {
		args = append(args, f.SessionID)
		where = append(where, fmt.Sprintf("session_id = $%d", len(args)))
	}

	query := `SELECT ` + alertColumns + ` FROM runner_alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY triggered_at DESC, alert_id"

	switch {
	case f.Limit == 0:
		args = append(args, 100)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	case f.Limit > 0:
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", classify(err))
	}
	defer rows.Close()

	out := []models.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", classify(err))
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row rowScanner) (models.Alert, error) {
	var (
		a          models.Alert
		severity   string
		resolvedAt sql.NullTime
	)
	err := row.Scan(
		&a.ID, &a.SessionID, &a.UserID, &a.DisplayName, &a.HeartRateBPM, &severity, &a.Message,
		&a.TriggeredAt, &a.CreatedAt, &a.UpdatedAt, &a.Resolved, &resolvedAt, &a.ResolvedBy,
	)
	if err != nil {
		return models.Alert{}, err
	}
	a.Severity = models.Severity(severity)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		a.ResolvedAt = &t
	}
	return a, nil
}

// classify 将驱动错误归类为 ErrConflict（不可重试）或 ErrStorageUnavailable（可重试）
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", models.ErrConflict, pqErr.Message)
	}
	return fmt.Errorf("%w: %w", models.ErrStorageUnavailable, err)
}
