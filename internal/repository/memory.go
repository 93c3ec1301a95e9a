package repository

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"pacebeats-monitor/internal/models"
)

// MemoryAlertRepository 未启用数据库时使用的内存实现
// 与 runner_alerts 表保持相同约束（同一会话最多一条未解除报警，已解除记录不再更新）
type MemoryAlertRepository struct {
	mu     sync.RWMutex
	alerts map[string]models.Alert
}

// NewMemoryAlertRepository 创建内存报警仓库
func NewMemoryAlertRepository() *MemoryAlertRepository {
	return &MemoryAlertRepository{alerts: make(map[string]models.Alert)}
}

func (m *MemoryAlertRepository) SaveAlert(ctx context.Context, a models.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.ID == "" {
		return fmt.Errorf("alert_id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.alerts[a.ID]; ok && cur.Resolved {
		return nil
	}
	if !a.Resolved {
		for id, other := range m.alerts {
			if id != a.ID && other.SessionID == a.SessionID && !other.Resolved {
				return fmt.Errorf("%w: session %s already has open alert %s", models.ErrConflict, a.SessionID, id)
			}
		}
	}
	m.alerts[a.ID] = a
	return nil
}

func (m *MemoryAlertRepository) GetAlert(_ context.Context, alertID string) (models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[alertID]
	if !ok {
		return models.Alert{}, fmt.Errorf("alert %s: %w", alertID, models.ErrNotFound)
	}
	return a, nil
}

func (m *MemoryAlertRepository) LoadOpenAlerts(ctx context.Context) ([]models.Alert, error) {
	return m.ListAlerts(ctx, AlertFilter{OpenOnly: true, Limit: -1})
}

func (m *MemoryAlertRepository) ListAlerts(_ context.Context, f AlertFilter) ([]models.Alert, error) {
	m.mu.RLock()
	out := []models.Alert{}
	for _, a := range m.alerts {
		if f.OpenOnly && a.Resolved {
			continue
		}
		if f.SessionID != "" && a.SessionID != f.SessionID {
			continue
		}
		out = append(out, a)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b models.Alert) int {
		if c := b.TriggeredAt.Compare(a.TriggeredAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	limit := f.Limit
	if limit == 0 {
		limit = 100
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
