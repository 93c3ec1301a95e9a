package ingest

import (
	"slices"
	"time"

	"pacebeats-monitor/internal/alert"
	"pacebeats-monitor/internal/models"
	"pacebeats-monitor/internal/registry"
)

// View 当前活跃会话与未解除报警的只读快照来源（notify.SnapshotSource）
type View struct {
	registry *registry.Registry
	alerts   *alert.Manager
	now      func() time.Time
}

// NewView 创建快照来源
func NewView(reg *registry.Registry, alerts *alert.Manager) *View {
	return &View{registry: reg, alerts: alerts, now: time.Now}
}

// Snapshot 生成全量快照
func (v *View) Snapshot() models.Snapshot {
	runners := slices.Collect(v.registry.List(registry.Filter{}))
	if runners == nil {
		runners = []models.RunnerState{}
	}
	return models.Snapshot{
		Runners:     runners,
		OpenAlerts:  v.alerts.OpenAlerts(),
		GeneratedAt: v.now(),
	}
}
