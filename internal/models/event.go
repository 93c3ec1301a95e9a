package models

import "time"

// EventType 对外推送的事件类型
type EventType string

const (
	EventRunnerStateChanged EventType = "runner_state_changed"
	EventRunnerRemoved      EventType = "runner_removed"
	EventConnectionChanged  EventType = "connection_changed"
	EventAlertCreated       EventType = "alert_created"
	EventAlertUpdated       EventType = "alert_updated"
	EventAlertResolved      EventType = "alert_resolved"
)

// IsAlert 报警生命周期事件不可丢弃
func (t EventType) IsAlert() bool {
	switch t {
	case EventAlertCreated, EventAlertUpdated, EventAlertResolved:
		return true
	}
	return false
}

// Event 状态或报警变更事件
type Event struct {
	Type       EventType        `json:"type"`
	SessionID  string           `json:"session_id"`
	Runner     *RunnerState     `json:"runner,omitempty"`
	Alert      *Alert           `json:"alert,omitempty"`
	Connection ConnectionStatus `json:"connection,omitempty"`
	At         time.Time        `json:"at"`
}

// Snapshot 订阅者加入时收到的全量快照
type Snapshot struct {
	Runners     []RunnerState `json:"runners"`
	OpenAlerts  []Alert       `json:"open_alerts"`
	GeneratedAt time.Time     `json:"generated_at"`
}
