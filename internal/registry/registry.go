package registry

import (
	"cmp"
	"hash/fnv"
	"iter"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pacebeats-monitor/internal/models"
)

// DefaultShards 默认分片数
const DefaultShards = 32

// Filter List 过滤条件（空值表示不过滤）
type Filter struct {
	Search string        // 匹配 session_id / user_id / display_name（不区分大小写）
	Status models.Status // 精确匹配
}

func (f Filter) match(s *models.RunnerState) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.Search == "" {
		return true
	}
	q := strings.ToLower(f.Search)
	return strings.Contains(strings.ToLower(s.SessionID), q) ||
		strings.Contains(strings.ToLower(s.UserID), q) ||
		strings.Contains(strings.ToLower(s.DisplayName), q)
}

// Update Upsert 的结果，调用方据此判断状态是否发生跳变
type Update struct {
	Previous models.Status // 新建会话时为空
	Current  models.RunnerState
	Created  bool
	Stale    bool // 采样时间早于 last_update，未应用
}

// Changed 状态是否发生变化
func (u Update) Changed() bool {
	return !u.Stale && u.Previous != u.Current.Status
}

// Registry 活跃会话的最新状态，按 session_id 哈希分片加锁
// 只保存数据，不调用报警或通知组件；调用顺序由 ingest 负责
type Registry struct {
	shards []*shard
	now    func() time.Time
	// horizon PruneRemoved 清理过的最晚结束时间（UnixNano），早于它的采样不再自动建会话
	horizon atomic.Int64
}

type shard struct {
	mu      sync.RWMutex
	runners map[string]*models.RunnerState
	removed map[string]time.Time // 已结束会话（终态），值为结束时间
}

// New 创建 Registry
func New(shardCount int) *Registry {
	if shardCount < 1 {
		shardCount = DefaultShards
	}
	r := &Registry{
		shards: make([]*shard, shardCount),
		now:    time.Now,
	}
	for i := range r.shards {
		r.shards[i] = &shard{
			runners: make(map[string]*models.RunnerState),
			removed: make(map[string]time.Time),
		}
	}
	return r
}

func (r *Registry) shardFor(sessionID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Register 显式注册会话；已存在时只补充 user_id / display_name
func (r *Registry) Register(sessionID, userID, displayName string) (models.RunnerState, bool, error) {
	sh := r.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, gone := sh.removed[sessionID]; gone {
		return models.RunnerState{}, false, models.UnknownSession(sessionID, "session already ended")
	}
	if cur, ok := sh.runners[sessionID]; ok {
		if userID != "" {
			cur.UserID = userID
		}
		if displayName != "" {
			cur.DisplayName = displayName
		}
		return *cur, false, nil
	}

	st := &models.RunnerState{
		SessionID:   sessionID,
		UserID:      userID,
		DisplayName: displayName,
		CreatedAt:   r.now(),
	}
	sh.runners[sessionID] = st
	return *st, true, nil
}

// Upsert 应用一次已分级的采样（last-write-wins）
// allowCreate=false 时未注册的会话返回 UnknownSession
func (r *Registry) Upsert(s models.Sample, status models.Status, allowCreate bool) (Update, error) {
	sh := r.shardFor(s.SessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, gone := sh.removed[s.SessionID]; gone {
		return Update{}, models.UnknownSession(s.SessionID, "session already ended")
	}

	cur, ok := sh.runners[s.SessionID]
	var upd Update
	if !ok {
		if !allowCreate {
			return Update{}, models.UnknownSession(s.SessionID, "session not registered")
		}
		if s.UserID == "" {
			return Update{}, models.InvalidSample(s.SessionID, "user_id is required for a new session")
		}
		if h := r.horizon.Load(); h != 0 && !s.Timestamp.IsZero() && s.Timestamp.UnixNano() < h {
			return Update{}, models.UnknownSession(s.SessionID, "sample predates retained session history")
		}
		cur = &models.RunnerState{
			SessionID: s.SessionID,
			CreatedAt: r.now(),
		}
		sh.runners[s.SessionID] = cur
		upd.Created = true
	} else if !cur.LastUpdate.IsZero() && s.Timestamp.Before(cur.LastUpdate) {
		return Update{Previous: cur.Status, Current: *cur, Stale: true}, nil
	}

	upd.Previous = cur.Status
	apply(cur, s, status)
	upd.Current = *cur
	return upd, nil
}

func apply(cur *models.RunnerState, s models.Sample, status models.Status) {
	if s.UserID != "" {
		cur.UserID = s.UserID
	}
	if s.DisplayName != "" {
		cur.DisplayName = s.DisplayName
	}
	cur.HeartRateBPM = s.HeartRateBPM
	cur.Status = status
	cur.LastUpdate = s.Timestamp
	if s.Distance != nil {
		cur.Distance = *s.Distance
	}
	if s.Duration != nil {
		cur.Duration = *s.Duration
	}
	if s.Pace != nil {
		cur.Pace = *s.Pace
	}
}

// Get 返回会话状态副本
func (r *Registry) Get(sessionID string) (models.RunnerState, bool) {
	sh := r.shardFor(sessionID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	cur, ok := sh.runners[sessionID]
	if !ok {
		return models.RunnerState{}, false
	}
	return *cur, true
}

// List 按过滤条件惰性遍历会话
// 每次 range 都重新读取（可重复遍历）；逐个分片取快照，分片内按 session_id 排序；
// yield 在锁外执行
func (r *Registry) List(f Filter) iter.Seq[models.RunnerState] {
	return func(yield func(models.RunnerState) bool) {
		for _, sh := range r.shards {
			sh.mu.RLock()
			batch := make([]models.RunnerState, 0, len(sh.runners))
			for _, st := range sh.runners {
				if f.match(st) {
					batch = append(batch, *st)
				}
			}
			sh.mu.RUnlock()

			slices.SortFunc(batch, func(a, b models.RunnerState) int {
				return cmp.Compare(a.SessionID, b.SessionID)
			})
			for _, st := range batch {
				if !yield(st) {
					return
				}
			}
		}
	}
}

// Remove 注销会话；之后该会话的采样一律返回 UnknownSession
func (r *Registry) Remove(sessionID string) (models.RunnerState, bool) {
	sh := r.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.removed[sessionID] = r.now()
	cur, ok := sh.runners[sessionID]
	if !ok {
		return models.RunnerState{}, false
	}
	delete(sh.runners, sessionID)
	return *cur, true
}

// IsRemoved 会话是否已结束
func (r *Registry) IsRemoved(sessionID string) bool {
	sh := r.shardFor(sessionID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	_, gone := sh.removed[sessionID]
	return gone
}

// Restore 重启后从存储恢复会话（已结束或已存在的会话跳过）
func (r *Registry) Restore(states []models.RunnerState) int {
	n := 0
	for _, st := range states {
		if st.SessionID == "" {
			continue
		}
		sh := r.shardFor(st.SessionID)
		sh.mu.Lock()
		_, gone := sh.removed[st.SessionID]
		_, exists := sh.runners[st.SessionID]
		if !gone && !exists {
			cp := st
			sh.runners[st.SessionID] = &cp
			n++
		}
		sh.mu.Unlock()
	}
	return n
}

// PruneRemoved 清理早于 before 的终态记录，返回清理数量
// 此后时间戳早于 before 的采样不能再自动创建会话
func (r *Registry) PruneRemoved(before time.Time) int {
	for {
		h := r.horizon.Load()
		if before.UnixNano() <= h || r.horizon.CompareAndSwap(h, before.UnixNano()) {
			break
		}
	}
	n := 0
	for _, sh := range r.shards {
		sh.mu.Lock()
		for id, at := range sh.removed {
			if at.Before(before) {
				delete(sh.removed, id)
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n
}

// Len 当前活跃会话数
func (r *Registry) Len() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.runners)
		sh.mu.RUnlock()
	}
	return n
}
