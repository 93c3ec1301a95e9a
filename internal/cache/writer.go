package cache

import (
	"context"

	"pacebeats-monitor/internal/models"

	"go.uber.org/zap"
)

// Writer 通知桥订阅者：把状态同步到 Redis，把报警事件写入输出流
type Writer struct {
	cache  *RunnerCache
	logger *zap.Logger
}

// NewWriter 创建缓存写入订阅者
func NewWriter(cache *RunnerCache, logger *zap.Logger) *Writer {
	return &Writer{cache: cache, logger: logger}
}

// HandleSnapshot 订阅（或重新订阅）时全量写入
func (w *Writer) HandleSnapshot(ctx context.Context, snap models.Snapshot) error {
	for _, st := range snap.Runners {
		if err := w.cache.SaveRunner(ctx, st); err != nil {
			return err
		}
	}
	w.logger.Debug("Runner cache synced from snapshot", zap.Int("runners", len(snap.Runners)))
	return nil
}

// HandleEvent 增量写入
func (w *Writer) HandleEvent(ctx context.Context, ev models.Event) error {
	switch {
	case ev.Type == models.EventRunnerStateChanged && ev.Runner != nil:
		return w.cache.SaveRunner(ctx, *ev.Runner)
	case ev.Type == models.EventRunnerRemoved:
		return w.cache.DeleteRunner(ctx, ev.SessionID)
	case ev.Type.IsAlert():
		_, err := w.cache.AppendAlertEvent(ctx, ev)
		return err
	}
	return nil
}
