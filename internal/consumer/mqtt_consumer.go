package consumer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	mqttcommon "pacebeats-monitor/common/mqtt"
	"pacebeats-monitor/internal/models"

	"go.uber.org/zap"
)

// Subscriber MQTT 订阅能力（common/mqtt.Client）
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// MQTTConsumer 订阅 runner/{session_id}/telemetry 并提交采样
type MQTTConsumer struct {
	topic    string
	qos      byte
	client   Subscriber
	pipeline Submitter
	logger   *zap.Logger
}

// NewMQTTConsumer 创建MQTT消费者
func NewMQTTConsumer(topic string, qos byte, client Subscriber, pipeline Submitter, logger *zap.Logger) *MQTTConsumer {
	return &MQTTConsumer{
		topic:    topic,
		qos:      qos,
		client:   client,
		pipeline: pipeline,
		logger:   logger,
	}
}

// Start 订阅并阻塞到 ctx 结束
func (c *MQTTConsumer) Start(ctx context.Context) error {
	if err := c.client.Subscribe(c.topic, c.qos, c.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to telemetry topic: %w", err)
	}
	c.logger.Info("MQTT consumer started", zap.String("topic", c.topic))

	<-ctx.Done()

	if err := c.client.Unsubscribe(c.topic); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
	}
	c.logger.Info("MQTT consumer stopped")
	return nil
}

// handleMessage 处理一条遥测消息
// 主题格式: runner/{session_id}/telemetry；会话 id 以主题为准
func (c *MQTTConsumer) handleMessage(topic string, payload []byte) error {
	sessionID, err := sessionFromTopic(topic)
	if err != nil {
		c.logger.Warn("Invalid telemetry topic", zap.String("topic", topic))
		return err
	}

	sample, err := models.DecodeSample(payload)
	if err != nil {
		c.logger.Warn("Failed to decode telemetry",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return err
	}
	if sample.SessionID != "" && sample.SessionID != sessionID {
		c.logger.Debug("Payload session_id differs from topic, using topic",
			zap.String("topic_session", sessionID),
			zap.String("payload_session", sample.SessionID),
		)
	}
	sample.SessionID = sessionID

	if _, err := c.pipeline.Submit(context.Background(), sample); err != nil {
		var ie *models.IngestError
		if errors.As(err, &ie) {
			c.logger.Debug("Telemetry rejected", zap.String("session_id", sessionID), zap.Error(err))
		} else {
			c.logger.Error("Failed to submit telemetry", zap.String("session_id", sessionID), zap.Error(err))
		}
		return err
	}
	return nil
}

func sessionFromTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "runner" || parts[2] != "telemetry" || parts[1] == "" {
		return "", fmt.Errorf("invalid topic format: %s", topic)
	}
	return parts[1], nil
}
