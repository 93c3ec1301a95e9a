package persist

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"pacebeats-monitor/internal/metrics"
	"pacebeats-monitor/internal/models"

	"go.uber.org/zap"
)

// Saver 报警存储（repository.AlertRepository / MemoryAlertRepository）
type Saver interface {
	SaveAlert(ctx context.Context, a models.Alert) error
}

// Options 重试策略
type Options struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Persister 异步写入报警
// 同一报警 id 只保留最新版本；按首次入队顺序写入，保证同一会话的解除先于下一条报警落库
type Persister struct {
	saver   Saver
	opts    Options
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu     sync.Mutex
	queue  *list.List // *models.Alert
	index  map[string]*list.Element
	signal chan struct{}
}

// New 创建持久化工作者
func New(saver Saver, opts Options, m *metrics.Metrics, logger *zap.Logger) *Persister {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = 30 * time.Second
	}
	return &Persister{
		saver:   saver,
		opts:    opts,
		metrics: m,
		logger:  logger,
		queue:   list.New(),
		index:   make(map[string]*list.Element),
		signal:  make(chan struct{}, 1),
	}
}

// Enqueue 入队（不阻塞）
func (p *Persister) Enqueue(a models.Alert) {
	p.mu.Lock()
	cp := a
	if el, ok := p.index[a.ID]; ok {
		el.Value = &cp
	} else {
		p.index[a.ID] = p.queue.PushBack(&cp)
	}
	n := p.queue.Len()
	p.mu.Unlock()

	p.metrics.PersistPending(n)
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// Pending 待写入数量
func (p *Persister) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

func (p *Persister) pop() (models.Alert, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	front := p.queue.Front()
	if front == nil {
		return models.Alert{}, false
	}
	a := p.queue.Remove(front).(*models.Alert)
	delete(p.index, a.ID)
	return *a, true
}

// requeue 写入失败后放回队首；期间已有更新版本入队时丢弃旧版本
func (p *Persister) requeue(a models.Alert) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.index[a.ID]; ok {
		return
	}
	cp := a
	p.index[a.ID] = p.queue.PushFront(&cp)
}

// Run 持续写入直到 ctx 结束
func (p *Persister) Run(ctx context.Context) error {
	p.logger.Info("Alert persister started")
	backoff := p.opts.InitialBackoff

	for {
		a, ok := p.pop()
		if !ok {
			select {
			case <-ctx.Done():
				p.logger.Info("Alert persister stopped", zap.Int("pending", p.Pending()))
				return nil
			case <-p.signal:
				continue
			}
		}

		err := p.save(ctx, a)
		if err == nil {
			backoff = p.opts.InitialBackoff
			continue
		}
		if !errors.Is(err, models.ErrStorageUnavailable) && ctx.Err() == nil {
			continue
		}

		p.requeue(a)
		if ctx.Err() != nil {
			p.logger.Info("Alert persister stopped", zap.Int("pending", p.Pending()))
			return nil
		}
		p.logger.Warn("Storage unavailable, backing off",
			zap.String("alert_id", a.ID),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			p.logger.Info("Alert persister stopped", zap.Int("pending", p.Pending()))
			return nil
		case <-time.After(backoff):
			backoff *= 2
			if backoff > p.opts.MaxBackoff {
				backoff = p.opts.MaxBackoff
			}
		}
	}
}

// save 写入一条；不可重试的错误记录后丢弃
func (p *Persister) save(ctx context.Context, a models.Alert) error {
	err := p.saver.SaveAlert(ctx, a)
	p.metrics.PersistPending(p.Pending())
	switch {
	case err == nil:
		p.metrics.Persist("ok")
		p.logger.Debug("Alert persisted",
			zap.String("alert_id", a.ID),
			zap.Bool("resolved", a.Resolved),
		)
	case errors.Is(err, models.ErrStorageUnavailable):
		p.metrics.Persist("retry")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	default:
		p.metrics.Persist("dropped")
		p.logger.Error("Alert rejected by storage, dropped",
			zap.String("alert_id", a.ID),
			zap.String("session_id", a.SessionID),
			zap.Bool("conflict", errors.Is(err, models.ErrConflict)),
			zap.Error(err),
		)
	}
	return err
}

// Flush 在 Run 退出后写完剩余报警；ctx 到期时返回 ctx.Err()
func (p *Persister) Flush(ctx context.Context) error {
	backoff := p.opts.InitialBackoff
	for {
		a, ok := p.pop()
		if !ok {
			return nil
		}
		err := p.save(ctx, a)
		if err == nil || !(errors.Is(err, models.ErrStorageUnavailable) || ctx.Err() != nil) {
			continue
		}

		p.requeue(a)
		select {
		case <-ctx.Done():
			p.logger.Warn("Alert flush incomplete", zap.Int("pending", p.Pending()))
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > p.opts.MaxBackoff {
				backoff = p.opts.MaxBackoff
			}
		}
	}
}
