package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	rediscommon "pacebeats-monitor/common/redis"
	"pacebeats-monitor/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// StreamOptions Redis Stream 消费配置
type StreamOptions struct {
	Stream   string
	Group    string
	Consumer string
	Batch    int64
	Block    time.Duration
}

// StreamConsumer 以消费者组方式读取遥测流（至少一次投递）
// 被拒绝的采样同样确认，只有处理中断的消息保持 pending，
// 启动时以及出现 pending 之后先重放本消费者的 pending 列表再读新消息
type StreamConsumer struct {
	client   *redis.Client
	opts     StreamOptions
	pipeline Submitter
	logger   *zap.Logger
}

// NewStreamConsumer 创建流消费者
func NewStreamConsumer(client *redis.Client, opts StreamOptions, pipeline Submitter, logger *zap.Logger) *StreamConsumer {
	if opts.Batch <= 0 {
		opts.Batch = 50
	}
	if opts.Block <= 0 {
		opts.Block = 2 * time.Second
	}
	return &StreamConsumer{
		client:   client,
		opts:     opts,
		pipeline: pipeline,
		logger:   logger,
	}
}

// Start 消费直到 ctx 结束
func (c *StreamConsumer) Start(ctx context.Context) error {
	if err := rediscommon.CreateConsumerGroup(ctx, c.client, c.opts.Stream, c.opts.Group); err != nil {
		return err
	}
	c.logger.Info("Stream consumer started",
		zap.String("stream", c.opts.Stream),
		zap.String("group", c.opts.Group),
		zap.String("consumer", c.opts.Consumer),
	)

	backoffDuration := time.Second // 初始退避时间
	maxBackoff := 30 * time.Second // 最大退避时间
	replay := true

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Stream consumer stopped")
			return nil
		default:
		}

		var n, left int
		var err error
		if replay {
			n, left, err = c.replayPending(ctx)
		} else {
			n, left, err = c.consumeOnce(ctx)
		}
		if err == nil && replay && left > 0 {
			err = fmt.Errorf("%d pending telemetry messages still unprocessed", left)
		}
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("Stream consumer stopped")
				return nil
			}
			replay = replay || left > 0
			c.logger.Error("Failed to consume telemetry stream",
				zap.String("stream", c.opts.Stream),
				zap.Bool("replay", replay),
				zap.Error(err),
				zap.Duration("backoff", backoffDuration),
			)
			select {
			case <-ctx.Done():
				c.logger.Info("Stream consumer stopped")
				return nil
			case <-time.After(backoffDuration):
				backoffDuration *= 2
				if backoffDuration > maxBackoff {
					backoffDuration = maxBackoff
				}
			}
			continue
		}
		backoffDuration = time.Second
		replay = left > 0
		if n > 0 {
			c.logger.Debug("Consumed telemetry batch", zap.Int("messages", n), zap.Int("pending", left))
		}
	}
}

// consumeOnce 读取一批新消息并逐条处理，返回读取条数与未确认条数
func (c *StreamConsumer) consumeOnce(ctx context.Context) (int, int, error) {
	messages, err := rediscommon.ReadFromStream(ctx, c.client, c.opts.Stream, c.opts.Group, c.opts.Consumer, c.opts.Batch, c.opts.Block)
	if err != nil {
		return 0, 0, err
	}
	left, err := c.handleBatch(ctx, messages)
	return len(messages), left, err
}

// replayPending 重新处理本消费者 pending 列表中的全部消息
func (c *StreamConsumer) replayPending(ctx context.Context) (int, int, error) {
	after := "0"
	total, left := 0, 0
	for {
		messages, err := rediscommon.ReadPendingFromStream(ctx, c.client, c.opts.Stream, c.opts.Group, c.opts.Consumer, after, c.opts.Batch)
		if err != nil {
			return total, left, err
		}
		if len(messages) == 0 {
			if total > 0 {
				c.logger.Info("Replayed pending telemetry",
					zap.Int("messages", total),
					zap.Int("still_pending", left),
				)
			}
			return total, left, nil
		}
		n, err := c.handleBatch(ctx, messages)
		total += len(messages)
		left += n
		if err != nil {
			return total, left, err
		}
		after = messages[len(messages)-1].ID
	}
}

// handleBatch 处理并确认一批消息，返回未确认条数
func (c *StreamConsumer) handleBatch(ctx context.Context, messages []rediscommon.StreamMessage) (int, error) {
	acked := make([]string, 0, len(messages))
	for _, msg := range messages {
		if c.process(ctx, msg) {
			acked = append(acked, msg.ID)
		}
	}
	left := len(messages) - len(acked)
	if err := rediscommon.AckMessages(ctx, c.client, c.opts.Stream, c.opts.Group, acked...); err != nil {
		return len(messages), err
	}
	return left, nil
}

// process 返回是否应确认该消息
func (c *StreamConsumer) process(ctx context.Context, msg rediscommon.StreamMessage) bool {
	data, err := msg.Data()
	if err != nil {
		c.logger.Warn("Dropping stream message without data", zap.String("id", msg.ID), zap.Error(err))
		return true
	}
	sample, err := models.DecodeSample(data)
	if err != nil {
		c.logger.Warn("Dropping malformed telemetry", zap.String("id", msg.ID), zap.Error(err))
		return true
	}

	_, err = c.pipeline.Submit(ctx, sample)
	switch {
	case err == nil:
		return true
	case errors.Is(err, models.ErrInvalidSample), errors.Is(err, models.ErrUnknownSession):
		c.logger.Debug("Telemetry rejected",
			zap.String("id", msg.ID),
			zap.String("session_id", sample.SessionID),
			zap.Error(err),
		)
		return true
	default:
		c.logger.Warn("Telemetry not processed, left pending",
			zap.String("id", msg.ID),
			zap.Error(err),
		)
		return false
	}
}
