package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	mqttcommon "pacebeats-monitor/common/mqtt"
	"pacebeats-monitor/internal/alert"
	"pacebeats-monitor/internal/cache"
	"pacebeats-monitor/internal/config"
	"pacebeats-monitor/internal/consumer"
	"pacebeats-monitor/internal/httpapi"
	"pacebeats-monitor/internal/ingest"
	"pacebeats-monitor/internal/metrics"
	"pacebeats-monitor/internal/models"
	"pacebeats-monitor/internal/notify"
	"pacebeats-monitor/internal/persist"
	"pacebeats-monitor/internal/registry"
	"pacebeats-monitor/internal/repository"
	"pacebeats-monitor/internal/webhook"
	"pacebeats-monitor/internal/ws"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// AlertStore 报警存储（PostgreSQL 或内存实现）
type AlertStore interface {
	SaveAlert(ctx context.Context, a models.Alert) error
	GetAlert(ctx context.Context, alertID string) (models.Alert, error)
	LoadOpenAlerts(ctx context.Context) ([]models.Alert, error)
	ListAlerts(ctx context.Context, f repository.AlertFilter) ([]models.Alert, error)
}

// Dependencies 外部连接；为 nil 的依赖对应功能不启用
type Dependencies struct {
	DB    *sql.DB
	Redis *redis.Client
	MQTT  *mqttcommon.Client

	// Registerer / Gatherer 为 nil 时使用 prometheus 默认注册表
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// RunnerService 心率监控服务（整合各层）
type RunnerService struct {
	config *config.Config
	logger *zap.Logger

	// 各层组件
	metrics   *metrics.Metrics
	registry  *registry.Registry
	alerts    *alert.Manager
	store     AlertStore
	persister *persist.Persister
	bridge    *notify.Bridge
	pipeline  *ingest.Pipeline
	hub       *ws.Hub
	router    *httpapi.Router
	server    *Server
	sweeper   *consumer.LivenessSweeper

	runnerCache    *cache.RunnerCache
	mqttConsumer   *consumer.MQTTConsumer
	streamConsumer *consumer.StreamConsumer
	notifier       *webhook.Notifier
}

// New 创建服务
func New(cfg *config.Config, deps Dependencies, logger *zap.Logger) (*RunnerService, error) {
	if cfg.Features.Stream && deps.Redis == nil {
		return nil, fmt.Errorf("telemetry stream requires redis")
	}
	if deps.Registerer == nil {
		deps.Registerer = prometheus.DefaultRegisterer
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	s := &RunnerService{config: cfg, logger: logger}
	s.metrics = metrics.New(deps.Registerer)

	// 1. 存储层
	if deps.DB != nil {
		s.store = repository.NewAlertRepository(deps.DB, logger)
	} else {
		logger.Warn("DB disabled, alerts are kept in memory only")
		s.store = repository.NewMemoryAlertRepository()
	}
	s.persister = persist.New(s.store, persist.Options{
		InitialBackoff: config.Seconds(cfg.Persist.InitialBackoff),
		MaxBackoff:     config.Seconds(cfg.Persist.MaxBackoff),
	}, s.metrics, logger)

	// 2. 核心状态
	s.registry = registry.New(cfg.Runner.Shards)
	s.alerts = alert.NewManager(logger)

	// 3. 通知桥（快照来自 Registry + 报警管理器）
	s.bridge = notify.NewBridge(ingest.NewView(s.registry, s.alerts), notify.Options{
		AlertBacklog: cfg.Runner.AlertBacklog,
		OnEvict:      func(string) { s.metrics.SubscriberEvicted() },
	}, logger)

	// 4. 采样管线
	s.pipeline = ingest.NewPipeline(s.registry, s.alerts, s.bridge, s.persister, s.store, ingest.Options{
		AutoRegister: cfg.Runner.AutoRegister,
		MaxHeartRate: cfg.Runner.MaxHeartRate,
		MaxClockSkew: config.Seconds(cfg.Runner.MaxClockSkew),
	}, s.metrics, logger)

	s.sweeper = consumer.NewLivenessSweeper(s.registry, s.bridge,
		config.Seconds(cfg.Runner.LivenessSweep), config.Seconds(cfg.Runner.TombstoneTTL), s.metrics, logger)

	// 5. 输入
	if deps.MQTT != nil {
		s.mqttConsumer = consumer.NewMQTTConsumer(cfg.Telemetry.MQTTTopic, cfg.MQTT.QoS, deps.MQTT, s.pipeline, logger)
	}
	if deps.Redis != nil {
		s.runnerCache = cache.NewRunnerCache(deps.Redis, cache.Options{
			RealtimeKeyPrefix: cfg.Cache.RealtimeKeyPrefix,
			RealtimeSuffix:    cfg.Cache.RealtimeSuffix,
			RealtimeTTL:       config.Seconds(cfg.Cache.RealtimeTTL),
			AlertStream:       cfg.Cache.AlertStream,
			AlertStreamMaxLen: cfg.Cache.AlertStreamMaxLen,
		}, logger)
		if cfg.Features.Stream {
			s.streamConsumer = consumer.NewStreamConsumer(deps.Redis, consumer.StreamOptions{
				Stream:   cfg.Telemetry.Stream,
				Group:    cfg.Telemetry.ConsumerGroup,
				Consumer: cfg.Telemetry.ConsumerName,
				Batch:    cfg.Telemetry.BatchSize,
				Block:    config.Milliseconds(cfg.Telemetry.BlockMillis),
			}, s.pipeline, logger)
		}
	}

	// 6. 输出
	if cfg.Webhook.URL != "" {
		s.notifier = webhook.NewNotifier(cfg.Webhook.URL, config.Seconds(cfg.Webhook.Timeout), cfg.Webhook.RetryCount, logger)
	}
	s.hub = ws.New(s.bridge, cfg.Runner.ClientSendQueue, s.metrics, logger)

	// 7. HTTP
	s.router = httpapi.NewRouter(s.metrics, logger)
	s.router.RegisterMonitorRoutes(httpapi.NewMonitorHandler(s.pipeline, s.store, logger))
	s.router.RegisterStreamRoute(s.hub)
	s.router.RegisterMetricsRoute(deps.Gatherer)
	s.server = NewServer(cfg.HTTP.Addr, s.router, logger)

	return s, nil
}

// schemaEnsurer PostgreSQL 仓库在启动时建表
type schemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

// Recover 重启恢复：未解除报警从存储加载，会话实时状态从 Redis 加载
// 同一会话存在多条未解除报警时只保留最新一条，其余标记解除后重新写入
func (s *RunnerService) Recover(ctx context.Context) error {
	if se, ok := s.store.(schemaEnsurer); ok {
		if err := se.EnsureSchema(ctx); err != nil {
			return err
		}
	}

	open, err := s.store.LoadOpenAlerts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load open alerts: %w", err)
	}
	reconciled := s.alerts.Restore(open)
	for _, a := range reconciled {
		s.persister.Enqueue(a)
	}

	restored := 0
	if s.runnerCache != nil {
		runners, err := s.runnerCache.LoadActiveRunners(ctx)
		if err != nil {
			// 缓存不可用不影响启动，会话会在下一次采样时重建
			s.logger.Warn("Failed to load runners from cache", zap.Error(err))
		} else {
			restored = s.registry.Restore(runners)
		}
	}

	s.metrics.ActiveRunners(s.registry.Len())
	s.logger.Info("Recovered state",
		zap.Int("open_alerts", len(open)-len(reconciled)),
		zap.Int("reconciled_alerts", len(reconciled)),
		zap.Int("runners", restored),
	)
	return nil
}

// Start 启动所有后台组件与 HTTP 服务，阻塞直到 ctx 结束或任一组件失败
func (s *RunnerService) Start(ctx context.Context) error {
	s.logger.Info("Starting runner service",
		zap.Bool("mqtt", s.mqttConsumer != nil),
		zap.Bool("stream", s.streamConsumer != nil),
		zap.Bool("redis_cache", s.runnerCache != nil),
		zap.Bool("webhook", s.notifier != nil),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.persister.Run(gctx) })
	g.Go(func() error { return s.sweeper.Start(gctx) })
	g.Go(func() error { return s.hub.Run(gctx) })

	if s.mqttConsumer != nil {
		g.Go(func() error { return s.mqttConsumer.Start(gctx) })
	}
	if s.streamConsumer != nil {
		g.Go(func() error { return s.streamConsumer.Start(gctx) })
	}
	if s.runnerCache != nil {
		writer := cache.NewWriter(s.runnerCache, s.logger)
		g.Go(func() error { return notify.Consume(gctx, s.bridge, "redis-cache", writer, s.logger) })
	}
	if s.notifier != nil {
		g.Go(func() error { return notify.Consume(gctx, s.bridge, "webhook", s.notifier, s.logger) })
	}

	g.Go(func() error {
		if err := s.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Seconds(s.config.HTTP.ShutdownTimeout))
		defer cancel()
		return s.server.Stop(shutdownCtx)
	})

	return g.Wait()
}

// Stop 在 Start 返回后调用：关闭订阅并写完剩余报警
func (s *RunnerService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping runner service")
	s.bridge.Close()
	if err := s.persister.Flush(ctx); err != nil {
		return fmt.Errorf("failed to flush alerts: %w", err)
	}
	return nil
}

// Pipeline 采样入口（测试与嵌入使用）
func (s *RunnerService) Pipeline() *ingest.Pipeline { return s.pipeline }

// Handler HTTP 路由
func (s *RunnerService) Handler() http.Handler { return s.router }

// Addr HTTP 实际监听地址
func (s *RunnerService) Addr() string { return s.server.Addr() }
