package consumer

import (
	"context"

	"pacebeats-monitor/internal/models"
)

// Submitter 采样入口（ingest.Pipeline）
type Submitter interface {
	Submit(ctx context.Context, s models.Sample) (models.Ack, error)
}
