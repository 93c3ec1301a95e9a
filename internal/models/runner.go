package models

import "time"

// Status 心率风险等级
type Status string

const (
	StatusLow      Status = "LOW"
	StatusNormal   Status = "NORMAL"
	StatusHigh     Status = "HIGH"
	StatusCritical Status = "CRITICAL"
)

// Valid 是否为已知等级
func (s Status) Valid() bool {
	switch s {
	case StatusLow, StatusNormal, StatusHigh, StatusCritical:
		return true
	}
	return false
}

// Elevated HIGH / CRITICAL 需要报警
func (s Status) Elevated() bool {
	return s == StatusHigh || s == StatusCritical
}

// ConnectionStatus 连接质量（仅由最后一次采样的时间决定）
type ConnectionStatus string

const (
	ConnectionLive ConnectionStatus = "LIVE"
	ConnectionSlow ConnectionStatus = "SLOW"
	ConnectionLost ConnectionStatus = "LOST"
)

// Sample 一次遥测采样（来自可穿戴设备，可能乱序、间隔不固定）
type Sample struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	DisplayName  string    `json:"display_name,omitempty"`
	HeartRateBPM int       `json:"heart_rate_bpm"`
	Timestamp    time.Time `json:"timestamp"`
	Distance     *float64  `json:"distance,omitempty"` // 米
	Duration     *float64  `json:"duration,omitempty"` // 秒
	Pace         *float64  `json:"pace,omitempty"`     // 秒/公里
}

// RunnerState 一个活跃会话的最新状态（由 Registry 独占，其他组件只拿副本）
type RunnerState struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	DisplayName  string    `json:"display_name"`
	HeartRateBPM int       `json:"heart_rate_bpm"`
	Status       Status    `json:"status"`
	LastUpdate   time.Time `json:"last_update"`
	Distance     float64   `json:"distance"`
	Duration     float64   `json:"duration"`
	Pace         float64   `json:"pace"`
	CreatedAt    time.Time `json:"created_at"`
}

// Ack Submit 成功后的回执
type Ack struct {
	SessionID      string `json:"session_id"`
	Status         Status `json:"status"`
	PreviousStatus Status `json:"previous_status,omitempty"`
	Created        bool   `json:"created"`
	// Stale 采样时间早于 last_update，已确认但未应用
	Stale bool   `json:"stale"`
	Alert *Event `json:"alert,omitempty"`
}

// LastSeen 最近一次采样时间；注册后尚无采样时返回注册时间
func (r RunnerState) LastSeen() time.Time {
	if r.LastUpdate.IsZero() {
		return r.CreatedAt
	}
	return r.LastUpdate
}
