package simulator

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// Sample 模拟器输出的遥测（与 /api/v1/telemetry 的 JSON 格式一致）
type Sample struct {
	SessionID    string  `json:"session_id"`
	UserID       string  `json:"user_id"`
	DisplayName  string  `json:"display_name"`
	HeartRateBPM int     `json:"heart_rate_bpm"`
	Timestamp    int64   `json:"timestamp"` // unix 毫秒
	Distance     float64 `json:"distance"`
	Duration     float64 `json:"duration"`
	Pace         float64 `json:"pace"`
}

// Runner 单个跑者的心率随机游走
// 偶尔进入冲刺阶段，心率升到 HIGH / CRITICAL 区间后回落
type Runner struct {
	SessionID   string
	UserID      string
	DisplayName string

	rng      *rand.Rand
	hr       float64
	target   float64
	sprint   int // 剩余冲刺步数
	distance float64
	started  time.Time
	last     time.Time
}

const (
	restingTarget = 140.0
	sprintTarget  = 188.0
	sprintChance  = 0.03
	maxStep       = 6.0
)

// NewRunner 创建跑者，seed 相同则序列相同
func NewRunner(index int, seed uint64, start time.Time) *Runner {
	rng := rand.New(rand.NewPCG(seed, uint64(index)))
	return &Runner{
		SessionID:   fmt.Sprintf("sim-%03d", index),
		UserID:      fmt.Sprintf("sim-user-%03d", index),
		DisplayName: fmt.Sprintf("Runner %d", index),
		rng:         rng,
		hr:          110 + rng.Float64()*20,
		target:      restingTarget,
		started:     start,
		last:        start,
	}
}

// Next 生成 now 时刻的下一条采样
func (r *Runner) Next(now time.Time) Sample {
	if r.sprint == 0 && r.rng.Float64() < sprintChance {
		r.sprint = 10 + r.rng.IntN(20)
		r.target = sprintTarget
	}
	if r.sprint > 0 {
		r.sprint--
		if r.sprint == 0 {
			r.target = restingTarget
		}
	}

	// 向目标靠拢并叠加抖动
	delta := (r.target-r.hr)*0.15 + (r.rng.Float64()*2-1)*3
	delta = max(-maxStep, min(maxStep, delta))
	r.hr = max(45, min(210, r.hr+delta))

	elapsed := now.Sub(r.last).Seconds()
	r.last = now
	speed := 2.5 + (r.hr-110)/40 // 米/秒，随心率略增
	r.distance += speed * elapsed

	duration := now.Sub(r.started).Seconds()
	var pace float64
	if r.distance > 0 {
		pace = duration / (r.distance / 1000)
	}

	return Sample{
		SessionID:    r.SessionID,
		UserID:       r.UserID,
		DisplayName:  r.DisplayName,
		HeartRateBPM: int(r.hr + 0.5),
		Timestamp:    now.UnixMilli(),
		Distance:     r.distance,
		Duration:     duration,
		Pace:         pace,
	}
}
