package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Sender 把采样发送给监控服务
type Sender interface {
	Send(ctx context.Context, s Sample) error
}

// HTTPSender POST /api/v1/telemetry
type HTTPSender struct {
	client *resty.Client
}

// NewHTTPSender baseURL 如 http://localhost:8090
func NewHTTPSender(baseURL string, timeout time.Duration) *HTTPSender {
	return &HTTPSender{
		client: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
	}
}

func (h *HTTPSender) Send(ctx context.Context, s Sample) error {
	resp, err := h.client.R().SetContext(ctx).SetBody(s).Post("/api/v1/telemetry")
	if err != nil {
		return fmt.Errorf("failed to post sample: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("telemetry rejected: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// Publisher MQTT 发布（common/mqtt.Client）
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// MQTTSender 发布到 runner/{session_id}/telemetry
type MQTTSender struct {
	publisher Publisher
	qos       byte
}

// NewMQTTSender 创建 MQTT 发送器
func NewMQTTSender(p Publisher, qos byte) *MQTTSender {
	return &MQTTSender{publisher: p, qos: qos}
}

func (m *MQTTSender) Send(_ context.Context, s Sample) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return m.publisher.Publish(TelemetryTopic(s.SessionID), m.qos, false, payload)
}

// TelemetryTopic 采样主题
func TelemetryTopic(sessionID string) string {
	return "runner/" + sessionID + "/telemetry"
}
