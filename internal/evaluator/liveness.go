package evaluator

import (
	"time"

	"pacebeats-monitor/internal/models"
)

const (
	LiveWithin = 10 * time.Second
	SlowWithin = 30 * time.Second
)

// ConnectionStatus 根据最后一次采样距今的时间判断连接质量
// 只用于展示和过滤，不影响报警
func ConnectionStatus(lastUpdate, now time.Time) models.ConnectionStatus {
	elapsed := now.Sub(lastUpdate)
	switch {
	case elapsed < LiveWithin:
		return models.ConnectionLive
	case elapsed < SlowWithin:
		return models.ConnectionSlow
	default:
		return models.ConnectionLost
	}
}
