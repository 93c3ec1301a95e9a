package notify

import (
	"context"
	"errors"

	"pacebeats-monitor/internal/models"

	"go.uber.org/zap"
)

// Handler 长期订阅者（缓存写入、webhook、websocket）
type Handler interface {
	HandleSnapshot(ctx context.Context, snap models.Snapshot) error
	HandleEvent(ctx context.Context, ev models.Event) error
}

// Consume 以 durable 方式订阅并把事件交给 h，直到 ctx 结束或 Bridge 关闭
// 报警事件不会丢失；积压期间被丢弃的状态事件在排空后用新快照补齐
func Consume(ctx context.Context, b *Bridge, name string, h Handler, logger *zap.Logger) error {
	sub, snap, err := b.SubscribeDurable(name)
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return nil
		}
		return err
	}
	defer sub.Close()

	for {
		if err := h.HandleSnapshot(ctx, snap); err != nil {
			logger.Warn("Failed to handle snapshot", zap.String("subscriber", name), zap.Error(err))
		}

		err = drain(ctx, sub, h, logger)
		switch {
		case errors.Is(err, ErrResync):
			logger.Info("Alert backlog drained, resyncing snapshot", zap.String("subscriber", name))
			snap = b.Snapshot()
		case errors.Is(err, ErrClosed), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		default:
			return err
		}
	}
}

func drain(ctx context.Context, sub *Subscription, h Handler, logger *zap.Logger) error {
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		if err := h.HandleEvent(ctx, ev); err != nil {
			logger.Warn("Failed to handle event",
				zap.String("subscriber", sub.Name()),
				zap.String("type", string(ev.Type)),
				zap.String("session_id", ev.SessionID),
				zap.Error(err),
			)
		}
	}
}
