package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pacebeats-monitor/internal/alert"
	"pacebeats-monitor/internal/evaluator"
	"pacebeats-monitor/internal/metrics"
	"pacebeats-monitor/internal/models"
	"pacebeats-monitor/internal/registry"

	"go.uber.org/zap"
)

// Publisher 事件出口（notify.Bridge）
type Publisher interface {
	Publish(ev models.Event)
}

// AlertSink 报警异步持久化（persist.Persister）；不得阻塞
type AlertSink interface {
	Enqueue(a models.Alert)
}

// AlertArchive 内存中已淘汰的历史报警查询
type AlertArchive interface {
	GetAlert(ctx context.Context, alertID string) (models.Alert, error)
}

// Options 采样处理策略
type Options struct {
	// AutoRegister 未注册会话的首个采样自动建立会话
	AutoRegister bool
	MaxHeartRate int
	MaxClockSkew time.Duration
}

// DefaultOptions 默认策略
func DefaultOptions() Options {
	return Options{
		AutoRegister: true,
		MaxHeartRate: 250,
		MaxClockSkew: time.Minute,
	}
}

// Pipeline 遥测采样的唯一入口，也是 Registry 的唯一写入方
// 同一会话的 Registry 更新与报警状态机在同一把会话锁内完成
type Pipeline struct {
	registry  *registry.Registry
	alerts    *alert.Manager
	publisher Publisher
	sink      AlertSink
	archive   AlertArchive
	locks     *sessionLocks
	opts      Options
	now       func() time.Time
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewPipeline 创建采样管线；sink / archive / m 可为 nil
func NewPipeline(
	reg *registry.Registry,
	alerts *alert.Manager,
	publisher Publisher,
	sink AlertSink,
	archive AlertArchive,
	opts Options,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Pipeline {
	if opts.MaxHeartRate < 1 {
		opts.MaxHeartRate = DefaultOptions().MaxHeartRate
	}
	if opts.MaxClockSkew <= 0 {
		opts.MaxClockSkew = DefaultOptions().MaxClockSkew
	}
	return &Pipeline{
		registry:  reg,
		alerts:    alerts,
		publisher: publisher,
		sink:      sink,
		archive:   archive,
		locks:     newSessionLocks(),
		opts:      opts,
		now:       time.Now,
		metrics:   m,
		logger:    logger,
	}
}

// Submit 处理一次采样
// 返回的错误为 *models.IngestError（InvalidSample / UnknownSession），此时不修改任何状态
func (p *Pipeline) Submit(ctx context.Context, s models.Sample) (models.Ack, error) {
	if err := ctx.Err(); err != nil {
		return models.Ack{}, err
	}
	if err := p.validate(&s); err != nil {
		p.reject(s, err)
		return models.Ack{}, err
	}

	status := evaluator.Classify(s.HeartRateBPM)

	unlock := p.locks.lock(s.SessionID)
	defer unlock()

	upd, err := p.registry.Upsert(s, status, p.opts.AutoRegister)
	if err != nil {
		p.reject(s, err)
		return models.Ack{}, err
	}

	ack := models.Ack{
		SessionID:      s.SessionID,
		Status:         upd.Current.Status,
		PreviousStatus: upd.Previous,
		Created:        upd.Created,
		Stale:          upd.Stale,
	}
	if upd.Stale {
		p.metrics.Sample("stale")
		p.logger.Debug("Stale sample ignored",
			zap.String("session_id", s.SessionID),
			zap.Time("timestamp", s.Timestamp),
			zap.Time("last_update", upd.Current.LastUpdate),
		)
		return ack, nil
	}
	p.metrics.Sample("accepted")

	now := p.now()
	runner := upd.Current
	p.publisher.Publish(models.Event{
		Type:      models.EventRunnerStateChanged,
		SessionID: s.SessionID,
		Runner:    &runner,
		At:        now,
	})

	if upd.Changed() {
		ev := p.alerts.OnTransition(alert.Transition{
			SessionID:    s.SessionID,
			UserID:       runner.UserID,
			DisplayName:  runner.DisplayName,
			Previous:     upd.Previous,
			Current:      runner.Status,
			HeartRateBPM: runner.HeartRateBPM,
			Timestamp:    runner.LastUpdate,
		})
		if ev != nil {
			p.emitAlert(ev)
			ack.Alert = ev
		}
	}
	return ack, nil
}

func (p *Pipeline) reject(s models.Sample, err error) {
	result := "invalid"
	if errors.Is(err, models.ErrUnknownSession) {
		result = "unknown_session"
	}
	p.metrics.Sample(result)
	p.logger.Debug("Sample rejected",
		zap.String("session_id", s.SessionID),
		zap.Int("heart_rate", s.HeartRateBPM),
		zap.Error(err),
	)
}

// emitAlert 发布报警事件并交给持久化（调用方持有会话锁）
func (p *Pipeline) emitAlert(ev *models.Event) {
	p.metrics.AlertEvent(string(ev.Type))
	p.publisher.Publish(*ev)
	if p.sink != nil {
		p.sink.Enqueue(*ev.Alert)
	}
}

// Register 显式开始会话
func (p *Pipeline) Register(ctx context.Context, sessionID, userID, displayName string) (models.RunnerState, error) {
	if err := ctx.Err(); err != nil {
		return models.RunnerState{}, err
	}
	if !ValidSessionID(sessionID) {
		return models.RunnerState{}, models.InvalidSample(sessionID, "malformed session_id")
	}
	if userID == "" {
		return models.RunnerState{}, models.InvalidSample(sessionID, "user_id is required")
	}

	unlock := p.locks.lock(sessionID)
	defer unlock()

	st, created, err := p.registry.Register(sessionID, userID, displayName)
	if err != nil {
		return models.RunnerState{}, err
	}
	if created {
		p.logger.Info("Session registered", zap.String("session_id", sessionID), zap.String("user_id", userID))
		p.publisher.Publish(models.Event{
			Type:      models.EventRunnerStateChanged,
			SessionID: sessionID,
			Runner:    &st,
			At:        p.now(),
		})
	}
	return st, nil
}

// EndSession 结束会话（终态）；之后该会话的采样返回 UnknownSession
// 未解除的报警保留，等待人工处理
func (p *Pipeline) EndSession(ctx context.Context, sessionID string) (models.RunnerState, error) {
	if err := ctx.Err(); err != nil {
		return models.RunnerState{}, err
	}

	unlock := p.locks.lock(sessionID)
	defer unlock()

	st, ok := p.registry.Remove(sessionID)
	if !ok {
		return models.RunnerState{}, models.UnknownSession(sessionID, "session not active")
	}
	p.logger.Info("Session ended", zap.String("session_id", sessionID))
	p.publisher.Publish(models.Event{
		Type:      models.EventRunnerRemoved,
		SessionID: sessionID,
		Runner:    &st,
		At:        p.now(),
	})
	return st, nil
}

// ResolveAlert 人工解除报警；重复解除返回成功，未知 id 返回 models.ErrNotFound
func (p *Pipeline) ResolveAlert(ctx context.Context, alertID, by string) (models.Alert, error) {
	if err := ctx.Err(); err != nil {
		return models.Alert{}, err
	}

	sessionID, ok := p.alerts.SessionOf(alertID)
	if !ok {
		return p.resolveArchived(ctx, alertID, by)
	}

	unlock := p.locks.lock(sessionID)
	defer unlock()

	a, ev, err := p.alerts.Resolve(alertID, by)
	if err != nil {
		return models.Alert{}, err
	}
	if ev != nil {
		p.emitAlert(ev)
	}
	return a, nil
}

// resolveArchived 处理内存中已淘汰的报警
func (p *Pipeline) resolveArchived(ctx context.Context, alertID, by string) (models.Alert, error) {
	if p.archive == nil {
		return models.Alert{}, fmt.Errorf("alert %s: %w", alertID, models.ErrNotFound)
	}
	a, err := p.archive.GetAlert(ctx, alertID)
	if err != nil {
		return models.Alert{}, err
	}
	if a.Resolved {
		return a, nil
	}

	// 存储中存在但内存中没有的未解除报警（例如库内触发器写入）
	unlock := p.locks.lock(a.SessionID)
	defer unlock()
	if by == "" {
		by = "operator"
	}
	now := p.now()
	a.Resolved = true
	a.ResolvedAt = &now
	a.ResolvedBy = by
	a.UpdatedAt = now
	p.logger.Warn("Resolved alert unknown to memory", zap.String("alert_id", a.ID), zap.String("session_id", a.SessionID))
	p.emitAlert(&models.Event{Type: models.EventAlertResolved, SessionID: a.SessionID, Alert: &a, At: now})
	return a, nil
}

// Registry 只读访问（HTTP 查询、快照、存活扫描）
func (p *Pipeline) Registry() *registry.Registry { return p.registry }

// Alerts 报警管理器
func (p *Pipeline) Alerts() *alert.Manager { return p.alerts }
