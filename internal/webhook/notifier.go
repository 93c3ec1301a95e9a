package webhook

import (
	"context"
	"fmt"
	"time"

	"pacebeats-monitor/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Payload 推送到 webhook 的报警事件
type Payload struct {
	Event models.EventType `json:"event"`
	Alert *models.Alert    `json:"alert"`
	At    time.Time        `json:"at"`
}

// Notifier 通知桥订阅者：把报警生命周期事件 POST 到外部地址
type Notifier struct {
	httpClient *resty.Client
	url        string
	logger     *zap.Logger
}

// NewNotifier 创建 webhook 推送器
func NewNotifier(url string, timeout time.Duration, retryCount int, logger *zap.Logger) *Notifier {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(retryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500 || r.StatusCode() == 429
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "pacebeats-monitor")

	return &Notifier{
		httpClient: client,
		url:        url,
		logger:     logger,
	}
}

// HandleSnapshot webhook 只关心增量报警事件
func (n *Notifier) HandleSnapshot(context.Context, models.Snapshot) error {
	return nil
}

// HandleEvent 推送报警事件；状态类事件忽略
func (n *Notifier) HandleEvent(ctx context.Context, ev models.Event) error {
	if !ev.Type.IsAlert() || ev.Alert == nil {
		return nil
	}

	resp, err := n.httpClient.R().
		SetContext(ctx).
		SetBody(Payload{Event: ev.Type, Alert: ev.Alert, At: ev.At}).
		Post(n.url)
	if err != nil {
		return fmt.Errorf("failed to post webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}

	n.logger.Debug("Webhook delivered",
		zap.String("event", string(ev.Type)),
		zap.String("alert_id", ev.Alert.ID),
		zap.Int("status_code", resp.StatusCode()),
	)
	return nil
}
