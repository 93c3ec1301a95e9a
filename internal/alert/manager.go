package alert

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"

	"pacebeats-monitor/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultHistoryLimit 内存中保留的已解除报警数量
const DefaultHistoryLimit = 1000

// Transition 一次已应用的状态变化（由 ingest 在会话锁内传入）
type Transition struct {
	SessionID    string
	UserID       string
	DisplayName  string
	Previous     models.Status
	Current      models.Status
	HeartRateBPM int
	Timestamp    time.Time
}

// Manager 报警生命周期状态机：每个会话 NO_ALERT / ALERT_OPEN(severity)
// 同一会话的调用必须由调用方串行化；Manager 自身的锁只保护内部索引
type Manager struct {
	mu           sync.Mutex
	open         map[string]*models.Alert // session_id -> 未解除报警
	byID         map[string]*models.Alert
	resolved     []string // 已解除报警 id，按解除顺序
	historyLimit int

	now    func() time.Time
	newID  func() string
	logger *zap.Logger
}

// NewManager 创建报警管理器
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		open:         make(map[string]*models.Alert),
		byID:         make(map[string]*models.Alert),
		historyLimit: DefaultHistoryLimit,
		now:          time.Now,
		newID:        uuid.NewString,
		logger:       logger,
	}
}

// OnTransition 根据新状态驱动状态机，返回需要发布的报警事件（无变化时为 nil）
//
//	NO_ALERT + HIGH/CRITICAL        -> 创建报警 (alert_created)
//	ALERT_OPEN(HIGH) + CRITICAL     -> 升级 (alert_updated)
//	ALERT_OPEN(CRITICAL) + HIGH     -> 保持峰值级别，不产生事件
//	ALERT_OPEN + LOW/NORMAL         -> 自动解除 (alert_resolved)
func (m *Manager) OnTransition(tr Transition) *models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cur := m.open[tr.SessionID]

	sev, elevated := models.SeverityFor(tr.Current)
	switch {
	case elevated && cur == nil:
		a := &models.Alert{
			ID:           m.newID(),
			SessionID:    tr.SessionID,
			UserID:       tr.UserID,
			DisplayName:  tr.DisplayName,
			HeartRateBPM: tr.HeartRateBPM,
			Severity:     sev,
			Message:      alertMessage(tr.SessionID, tr.DisplayName, tr.HeartRateBPM, sev),
			TriggeredAt:  tr.Timestamp,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		m.open[tr.SessionID] = a
		m.byID[a.ID] = a
		m.logger.Info("Alert created",
			zap.String("alert_id", a.ID),
			zap.String("session_id", a.SessionID),
			zap.String("severity", string(sev)),
			zap.Int("heart_rate", tr.HeartRateBPM),
		)
		return event(models.EventAlertCreated, a, now)

	case elevated && sev == models.SeverityCritical && cur.Severity != models.SeverityCritical:
		cur.Severity = sev
		cur.HeartRateBPM = tr.HeartRateBPM
		cur.Message = alertMessage(cur.SessionID, cur.DisplayName, tr.HeartRateBPM, sev)
		cur.UpdatedAt = now
		m.logger.Info("Alert escalated",
			zap.String("alert_id", cur.ID),
			zap.String("session_id", cur.SessionID),
			zap.Int("heart_rate", tr.HeartRateBPM),
		)
		return event(models.EventAlertUpdated, cur, now)

	case !elevated && cur != nil:
		m.resolveLocked(cur, models.ResolvedByAuto, now)
		m.logger.Info("Alert auto-resolved",
			zap.String("alert_id", cur.ID),
			zap.String("session_id", cur.SessionID),
			zap.String("status", string(tr.Current)),
		)
		return event(models.EventAlertResolved, cur, now)
	}
	return nil
}

// Resolve 人工解除报警；已解除的报警再次解除返回成功且事件为 nil
// 未知 id 返回 models.ErrNotFound
func (m *Manager) Resolve(alertID, by string) (models.Alert, *models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.byID[alertID]
	if !ok {
		return models.Alert{}, nil, fmt.Errorf("alert %s: %w", alertID, models.ErrNotFound)
	}
	if a.Resolved {
		return *a, nil, nil
	}
	if by == "" {
		by = "operator"
	}
	now := m.now()
	m.resolveLocked(a, by, now)
	m.logger.Info("Alert resolved by operator",
		zap.String("alert_id", a.ID),
		zap.String("session_id", a.SessionID),
		zap.String("resolved_by", by),
	)
	return *a, event(models.EventAlertResolved, a, now), nil
}

func (m *Manager) resolveLocked(a *models.Alert, by string, now time.Time) {
	at := now
	a.Resolved = true
	a.ResolvedAt = &at
	a.ResolvedBy = by
	a.UpdatedAt = now
	if m.open[a.SessionID] == a {
		delete(m.open, a.SessionID)
	}

	m.resolved = append(m.resolved, a.ID)
	if over := len(m.resolved) - m.historyLimit; over > 0 {
		for _, id := range m.resolved[:over] {
			delete(m.byID, id)
		}
		m.resolved = slices.Clone(m.resolved[over:])
	}
}

// SessionOf 返回报警所属会话
func (m *Manager) SessionOf(alertID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[alertID]
	if !ok {
		return "", false
	}
	return a.SessionID, true
}

// Get 返回报警副本
func (m *Manager) Get(alertID string) (models.Alert, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[alertID]
	if !ok {
		return models.Alert{}, false
	}
	return *a, true
}

// OpenFor 返回会话当前未解除的报警
func (m *Manager) OpenFor(sessionID string) (models.Alert, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.open[sessionID]
	if !ok {
		return models.Alert{}, false
	}
	return *a, true
}

// OpenAlerts 所有未解除报警，按触发时间排序
func (m *Manager) OpenAlerts() []models.Alert {
	m.mu.Lock()
	out := make([]models.Alert, 0, len(m.open))
	for _, a := range m.open {
		out = append(out, *a)
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b models.Alert) int {
		if c := a.TriggeredAt.Compare(b.TriggeredAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Restore 重启后装载存储中的未解除报警
// 同一会话存在多条时保留最新一条，其余标记为 reconcile 解除并返回，由调用方重新持久化
func (m *Manager) Restore(alerts []models.Alert) []models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	sorted := slices.Clone(alerts)
	slices.SortFunc(sorted, func(a, b models.Alert) int {
		if c := b.TriggeredAt.Compare(a.TriggeredAt); c != 0 {
			return c
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})

	now := m.now()
	var reconciled []models.Alert
	for i := range sorted {
		a := sorted[i]
		if a.Resolved || a.ID == "" {
			continue
		}
		if _, known := m.byID[a.ID]; known {
			continue
		}
		if _, taken := m.open[a.SessionID]; taken {
			at := now
			a.Resolved = true
			a.ResolvedAt = &at
			a.ResolvedBy = models.ResolvedByReconcile
			a.UpdatedAt = now
			reconciled = append(reconciled, a)
			m.logger.Warn("Duplicate open alert reconciled",
				zap.String("alert_id", a.ID),
				zap.String("session_id", a.SessionID),
			)
			continue
		}
		cp := a
		m.open[a.SessionID] = &cp
		m.byID[a.ID] = &cp
	}
	return reconciled
}

func event(t models.EventType, a *models.Alert, at time.Time) *models.Event {
	cp := *a
	return &models.Event{Type: t, SessionID: a.SessionID, Alert: &cp, At: at}
}

func alertMessage(sessionID, displayName string, heartRate int, sev models.Severity) string {
	who := displayName
	if who == "" {
		who = sessionID
	}
	switch sev {
	case models.SeverityCritical:
		return fmt.Sprintf("%s: critical heart rate %d bpm", who, heartRate)
	default:
		return fmt.Sprintf("%s: high heart rate %d bpm", who, heartRate)
	}
}
