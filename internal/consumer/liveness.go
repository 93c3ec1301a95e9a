package consumer

import (
	"context"
	"time"

	"pacebeats-monitor/internal/evaluator"
	"pacebeats-monitor/internal/metrics"
	"pacebeats-monitor/internal/models"
	"pacebeats-monitor/internal/registry"

	"go.uber.org/zap"
)

// EventPublisher 事件出口（notify.Bridge）
type EventPublisher interface {
	Publish(ev models.Event)
}

// LivenessSweeper 周期性计算连接状态，变化时发布 connection_changed
// 同时清理过期的已结束会话记录
type LivenessSweeper struct {
	registry     *registry.Registry
	publisher    EventPublisher
	interval     time.Duration
	tombstoneTTL time.Duration
	metrics      *metrics.Metrics
	logger       *zap.Logger
	now          func() time.Time

	last map[string]models.ConnectionStatus // 只在 Run 所在 goroutine 访问
}

// NewLivenessSweeper 创建存活扫描器
func NewLivenessSweeper(
	reg *registry.Registry,
	publisher EventPublisher,
	interval, tombstoneTTL time.Duration,
	m *metrics.Metrics,
	logger *zap.Logger,
) *LivenessSweeper {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &LivenessSweeper{
		registry:     reg,
		publisher:    publisher,
		interval:     interval,
		tombstoneTTL: tombstoneTTL,
		metrics:      m,
		logger:       logger,
		now:          time.Now,
		last:         make(map[string]models.ConnectionStatus),
	}
}

// Start 周期扫描直到 ctx 结束
func (s *LivenessSweeper) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Liveness sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Liveness sweeper stopped")
			return nil
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep 执行一次扫描，返回发布的事件数
func (s *LivenessSweeper) Sweep() int {
	now := s.now()
	seen := make(map[string]struct{}, len(s.last))
	published := 0

	for st := range s.registry.List(registry.Filter{}) {
		seen[st.SessionID] = struct{}{}
		conn := evaluator.ConnectionStatus(st.LastSeen(), now)
		prev, known := s.last[st.SessionID]
		s.last[st.SessionID] = conn
		if known && prev == conn {
			continue
		}
		if !known && conn == models.ConnectionLive {
			continue // 新会话默认 LIVE，不单独通知
		}
		runner := st
		s.publisher.Publish(models.Event{
			Type:       models.EventConnectionChanged,
			SessionID:  st.SessionID,
			Runner:     &runner,
			Connection: conn,
			At:         now,
		})
		published++
	}

	for id := range s.last {
		if _, ok := seen[id]; !ok {
			delete(s.last, id)
		}
	}

	s.metrics.ActiveRunners(len(seen))

	if s.tombstoneTTL > 0 {
		if n := s.registry.PruneRemoved(now.Add(-s.tombstoneTTL)); n > 0 {
			s.logger.Debug("Pruned ended sessions", zap.Int("count", n))
		}
	}
	return published
}
