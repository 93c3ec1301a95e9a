package evaluator

import "pacebeats-monitor/internal/models"

// 心率阈值（bpm）
const (
	CriticalAbove = 180
	HighAbove     = 160
	LowBelow      = 50
)

// Classify 心率 → 风险等级
// 纯函数；非正数心率应在 ingest 校验阶段被拒绝，不应传入
func Classify(heartRate int) models.Status {
	switch {
	case heartRate > CriticalAbove:
		return models.StatusCritical
	case heartRate > HighAbove:
		return models.StatusHigh
	case heartRate < LowBelow:
		return models.StatusLow
	default:
		return models.StatusNormal
	}
}
