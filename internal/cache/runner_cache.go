package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	rediscommon "pacebeats-monitor/common/redis"
	"pacebeats-monitor/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ErrCacheMiss 缓存中没有该会话
var ErrCacheMiss = errors.New("cache miss")

// Options 缓存键与输出流配置
type Options struct {
	RealtimeKeyPrefix string        // "runner:session:"
	RealtimeSuffix    string        // ":realtime"
	RealtimeTTL       time.Duration // 0 表示不过期
	AlertStream       string        // "runner:alert:stream"
	AlertStreamMaxLen int64
}

// RunnerCache Redis 中的会话实时状态与报警事件流
type RunnerCache struct {
	client *redis.Client
	opts   Options
	logger *zap.Logger
}

// NewRunnerCache 创建会话缓存
func NewRunnerCache(client *redis.Client, opts Options, logger *zap.Logger) *RunnerCache {
	return &RunnerCache{
		client: client,
		opts:   opts,
		logger: logger,
	}
}

func (c *RunnerCache) key(sessionID string) string {
	return c.opts.RealtimeKeyPrefix + sessionID + c.opts.RealtimeSuffix
}

// SaveRunner 写入会话最新状态
func (c *RunnerCache) SaveRunner(ctx context.Context, st models.RunnerState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal runner state: %w", err)
	}
	if err := c.client.Set(ctx, c.key(st.SessionID), data, c.opts.RealtimeTTL).Err(); err != nil {
		return fmt.Errorf("failed to set runner cache: %w", err)
	}
	return nil
}

// GetRunner 读取会话状态
func (c *RunnerCache) GetRunner(ctx context.Context, sessionID string) (models.RunnerState, error) {
	val, err := c.client.Get(ctx, c.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.RunnerState{}, ErrCacheMiss
		}
		return models.RunnerState{}, fmt.Errorf("failed to get runner cache: %w", err)
	}

	var st models.RunnerState
	if err := json.Unmarshal(val, &st); err != nil {
		return models.RunnerState{}, fmt.Errorf("failed to unmarshal runner state: %w", err)
	}
	return st, nil
}

// DeleteRunner 删除会话缓存
func (c *RunnerCache) DeleteRunner(ctx context.Context, sessionID string) error {
	if err := c.client.Del(ctx, c.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete runner cache: %w", err)
	}
	return nil
}

// LoadActiveRunners 扫描所有会话缓存（重启恢复用）
// 单个键解析失败只记录日志
func (c *RunnerCache) LoadActiveRunners(ctx context.Context) ([]models.RunnerState, error) {
	pattern := c.opts.RealtimeKeyPrefix + "*" + c.opts.RealtimeSuffix

	var keys []string
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan runner keys: %w", err)
	}

	runners := make([]models.RunnerState, 0, len(keys))
	for start := 0; start < len(keys); start += 100 {
		end := min(start+100, len(keys))
		vals, err := c.client.MGet(ctx, keys[start:end]...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load runner states: %w", err)
		}
		for i, v := range vals {
			s, ok := v.(string)
			if !ok {
				continue // 扫描后过期
			}
			var st models.RunnerState
			if err := json.Unmarshal([]byte(s), &st); err != nil {
				c.logger.Warn("Skipping malformed runner cache entry",
					zap.String("key", keys[start+i]),
					zap.Error(err),
				)
				continue
			}
			runners = append(runners, st)
		}
	}
	return runners, nil
}

// AppendAlertEvent 追加报警事件到输出流
func (c *RunnerCache) AppendAlertEvent(ctx context.Context, ev models.Event) (string, error) {
	id, err := rediscommon.PublishJSONToStream(ctx, c.client, c.opts.AlertStream, ev, c.opts.AlertStreamMaxLen)
	if err != nil {
		return "", fmt.Errorf("failed to publish alert event: %w", err)
	}
	return id, nil
}
