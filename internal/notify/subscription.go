package notify

import (
	"container/list"
	"context"
	"sync"

	"pacebeats-monitor/internal/models"
)

type coalesceKey struct {
	sessionID string
	kind      string
}

// Subscription 单个订阅者的待投递队列
type Subscription struct {
	id     uint64
	name   string
	bridge *Bridge
	limit  int

	// durable 订阅者积压时不移除：丢弃状态事件、保留全部报警事件，排空后要求重新同步快照
	durable bool

	mu       sync.Mutex
	queue    *list.List // *models.Event
	index    map[coalesceKey]*list.Element
	alerts   int
	overflow bool
	err      error
	signal   chan struct{}
}

func newSubscription(b *Bridge, id uint64, name string, limit int, durable bool) *Subscription {
	return &Subscription{
		id:      id,
		name:    name,
		bridge:  b,
		limit:   limit,
		durable: durable,
		queue:   list.New(),
		index:   make(map[coalesceKey]*list.Element),
		signal:  make(chan struct{}, 1),
	}
}

// Name 订阅者名称
func (s *Subscription) Name() string { return s.name }

func keyFor(ev *models.Event) coalesceKey {
	if ev.Type == models.EventConnectionChanged {
		return coalesceKey{sessionID: ev.SessionID, kind: "connection"}
	}
	// runner_state_changed 与 runner_removed 共用一个槽位，后者覆盖前者
	return coalesceKey{sessionID: ev.SessionID, kind: "runner"}
}

// push 入队；报警积压首次超过上限时返回 false
// 非 durable 订阅随即失败；durable 订阅进入 overflow，报警事件照常入队
func (s *Subscription) push(ev models.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return true
	}

	cp := ev
	accepted := true
	if ev.Type.IsAlert() {
		if s.alerts >= s.limit && !s.overflow {
			if !s.durable {
				s.failLocked(ErrSlowSubscriber)
				return false
			}
			s.overflow = true
			s.dropStateLocked()
			accepted = false
		}
		s.queue.PushBack(&cp)
		s.alerts++
	} else {
		if s.overflow {
			// 排空后由快照补齐
			return true
		}
		k := keyFor(&cp)
		if el, ok := s.index[k]; ok {
			s.queue.Remove(el)
		}
		s.index[k] = s.queue.PushBack(&cp)
	}
	s.wake()
	return accepted
}

func (s *Subscription) dropStateLocked() {
	for el := s.queue.Front(); el != nil; {
		nx := el.Next()
		if !el.Value.(*models.Event).Type.IsAlert() {
			s.queue.Remove(el)
		}
		el = nx
	}
	s.index = make(map[coalesceKey]*list.Element)
}

func (s *Subscription) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.failLocked(err)
	}
}

func (s *Subscription) failLocked(err error) {
	s.err = err
	s.queue.Init()
	s.index = make(map[coalesceKey]*list.Element)
	s.alerts = 0
	s.overflow = false
	s.wake()
}

// Next 阻塞直到有事件、订阅失败或 ctx 结束
// 订阅被移除后返回 ErrSlowSubscriber / ErrClosed；
// durable 订阅在 overflow 期间积压的报警全部投递后返回一次 ErrResync
func (s *Subscription) Next(ctx context.Context) (models.Event, error) {
	for {
		s.mu.Lock()
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return models.Event{}, err
		}
		if front := s.queue.Front(); front != nil {
			ev := s.queue.Remove(front).(*models.Event)
			if ev.Type.IsAlert() {
				s.alerts--
			} else {
				k := keyFor(ev)
				if s.index[k] == front {
					delete(s.index, k)
				}
			}
			s.mu.Unlock()
			return *ev, nil
		}
		if s.overflow {
			s.overflow = false
			s.mu.Unlock()
			return models.Event{}, ErrResync
		}
		s.mu.Unlock()

		select {
		case <-s.signal:
		case <-ctx.Done():
			return models.Event{}, ctx.Err()
		}
	}
}

// Pending 队列中待投递的事件数
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Close 取消订阅
func (s *Subscription) Close() {
	s.bridge.remove(s.id)
	s.fail(ErrClosed)
}
