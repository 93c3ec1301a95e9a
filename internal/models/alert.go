package models

import "time"

// Severity 报警级别
type Severity string

const (
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// SeverityFor 将 HIGH/CRITICAL 状态映射为报警级别
func SeverityFor(s Status) (Severity, bool) {
	switch s {
	case StatusHigh:
		return SeverityHigh, true
	case StatusCritical:
		return SeverityCritical, true
	}
	return "", false
}

const (
	// ResolvedByAuto 心率恢复后自动解除
	ResolvedByAuto = "auto"
	// ResolvedByReconcile 恢复时发现同一会话存在多个未解除报警
	ResolvedByReconcile = "reconcile"
)

// Alert 一次健康报警（对应 runner_alerts 表）
// 同一 session_id 任意时刻最多一条 resolved=false 的记录
type Alert struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"session_id"`
	UserID       string     `json:"user_id"`
	DisplayName  string     `json:"display_name,omitempty"`
	HeartRateBPM int        `json:"heart_rate_bpm"`
	Severity     Severity   `json:"severity"`
	Message      string     `json:"message"`
	TriggeredAt  time.Time  `json:"triggered_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	Resolved     bool       `json:"resolved"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy   string     `json:"resolved_by,omitempty"`
}
