package notify

import (
	"errors"
	"sync"

	"pacebeats-monitor/internal/models"

	"go.uber.org/zap"
)

// DefaultAlertBacklog 单个订阅者允许积压的报警事件数
const DefaultAlertBacklog = 256

var (
	// ErrSlowSubscriber 报警事件积压超过上限，订阅已被移除，需要重新订阅获取快照
	ErrSlowSubscriber = errors.New("subscriber too slow, resubscribe for a fresh snapshot")
	// ErrResync durable 订阅积压期间丢弃了状态事件，报警已全部投递，需要重新处理快照
	ErrResync = errors.New("subscriber backlog drained, snapshot required")
	// ErrClosed 订阅或 Bridge 已关闭
	ErrClosed = errors.New("subscription closed")
)

// SnapshotSource 提供订阅加入时的全量快照
type SnapshotSource interface {
	Snapshot() models.Snapshot
}

// Options Bridge 配置
type Options struct {
	AlertBacklog int
	// OnEvict 订阅者报警积压超过上限时回调（用于指标）
	OnEvict func(name string)
}

// Bridge 将状态/报警事件异步扇出给订阅者
// Publish 从不阻塞：状态类事件按会话合并（只保留最新），报警事件按序排队；
// 普通订阅者积压超限被移除（重新订阅拿快照），durable 订阅者不丢报警
type Bridge struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	source SnapshotSource
	opts   Options
	logger *zap.Logger
}

// NewBridge 创建通知桥
func NewBridge(source SnapshotSource, opts Options, logger *zap.Logger) *Bridge {
	if opts.AlertBacklog < 1 {
		opts.AlertBacklog = DefaultAlertBacklog
	}
	return &Bridge{
		subs:   make(map[uint64]*Subscription),
		source: source,
		opts:   opts,
		logger: logger,
	}
}

// Subscribe 注册订阅者并返回当前快照
// 先注册后取快照：两者之间发布的事件会在快照之后再次收到，消费方按 id 幂等处理
func (b *Bridge) Subscribe(name string) (*Subscription, models.Snapshot, error) {
	return b.subscribe(name, false)
}

// SubscribeDurable 注册不会因积压被移除的订阅者（缓存写入、webhook）
func (b *Bridge) SubscribeDurable(name string) (*Subscription, models.Snapshot, error) {
	return b.subscribe(name, true)
}

func (b *Bridge) subscribe(name string, durable bool) (*Subscription, models.Snapshot, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, models.Snapshot{}, ErrClosed
	}
	b.nextID++
	sub := newSubscription(b, b.nextID, name, b.opts.AlertBacklog, durable)
	b.subs[sub.id] = sub
	b.mu.Unlock()

	snap := b.source.Snapshot()
	b.logger.Debug("Subscriber joined",
		zap.String("subscriber", name),
		zap.Int("runners", len(snap.Runners)),
		zap.Int("open_alerts", len(snap.OpenAlerts)),
	)
	return sub, snap, nil
}

// Publish 投递事件到所有订阅者
func (b *Bridge) Publish(ev models.Event) {
	var slow []*Subscription

	b.mu.RLock()
	for _, sub := range b.subs {
		if !sub.push(ev) {
			slow = append(slow, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range slow {
		if sub.durable {
			b.logger.Warn("Subscriber alert backlog exceeded, state updates suspended until drained",
				zap.String("subscriber", sub.name),
				zap.Int("limit", sub.limit),
			)
		} else {
			b.remove(sub.id)
			b.logger.Warn("Subscriber evicted: alert backlog exceeded",
				zap.String("subscriber", sub.name),
				zap.Int("limit", sub.limit),
			)
		}
		if b.opts.OnEvict != nil {
			b.opts.OnEvict(sub.name)
		}
	}
}

func (b *Bridge) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Snapshot 当前全量快照
func (b *Bridge) Snapshot() models.Snapshot {
	return b.source.Snapshot()
}

// SubscriberCount 当前订阅者数量
func (b *Bridge) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close 关闭所有订阅
func (b *Bridge) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		sub.fail(ErrClosed)
	}
}
