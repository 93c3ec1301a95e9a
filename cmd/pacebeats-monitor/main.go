package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pacebeats-monitor/common/database"
	"pacebeats-monitor/common/logger"
	mqttcommon "pacebeats-monitor/common/mqtt"
	rediscommon "pacebeats-monitor/common/redis"
	"pacebeats-monitor/internal/config"
	"pacebeats-monitor/internal/service"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "pacebeats-monitor")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 3. 连接外部依赖（按开关）
	deps, closeDeps := connect(cfg, log)
	defer closeDeps()

	// 4. 创建服务
	svc, err := service.New(cfg, deps, log)
	if err != nil {
		log.Fatal("Failed to create runner service", zap.Error(err))
	}

	// 5. 创建上下文（支持优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recoverCtx, recoverCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := svc.Recover(recoverCtx); err != nil {
		recoverCancel()
		log.Fatal("Failed to recover state", zap.Error(err))
	}
	recoverCancel()

	// 6. 启动服务（在 goroutine 中）
	serviceErrChan := make(chan error, 1)
	go func() {
		serviceErrChan <- svc.Start(ctx)
	}()

	// 7. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
		if err := <-serviceErrChan; err != nil {
			log.Error("Service stopped with error", zap.Error(err))
		}
	case err := <-serviceErrChan:
		if err != nil {
			log.Error("Service error", zap.Error(err))
		}
		cancel()
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), config.Seconds(cfg.Persist.FlushTimeout))
	defer flushCancel()
	if err := svc.Stop(flushCtx); err != nil {
		log.Error("Failed to stop runner service cleanly", zap.Error(err))
	}

	log.Info("Runner service stopped")
}

// connect 建立已启用的连接；启用但连接失败视为启动错误
func connect(cfg *config.Config, log *zap.Logger) (service.Dependencies, func()) {
	var (
		deps     service.Dependencies
		db       *sql.DB
		rdb      *redis.Client
		mqClient *mqttcommon.Client
	)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if cfg.Features.DB {
		d, err := database.NewPostgresDB(ctx, &cfg.Database)
		if err != nil {
			log.Fatal("DB enabled but connection failed", zap.Error(err))
		}
		db = d
		deps.DB = db
		log.Info("DB enabled", zap.String("host", cfg.Database.Host), zap.String("database", cfg.Database.Database))
	}

	if cfg.Features.Redis {
		rdb = rediscommon.NewRedisClient(&cfg.Redis)
		if err := rediscommon.Ping(ctx, rdb); err != nil {
			log.Fatal("Redis enabled but ping failed", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		deps.Redis = rdb
		log.Info("Redis enabled", zap.String("addr", cfg.Redis.Addr))
	}

	if cfg.Features.MQTT {
		c, err := mqttcommon.NewClient(&cfg.MQTT, log)
		if err != nil {
			log.Fatal("MQTT enabled but connection failed", zap.String("broker", cfg.MQTT.Broker), zap.Error(err))
		}
		mqClient = c
		deps.MQTT = mqClient
		log.Info("MQTT enabled", zap.String("broker", cfg.MQTT.Broker))
	}

	return deps, func() {
		if mqClient != nil {
			mqClient.Disconnect()
		}
		if err := rediscommon.Close(rdb); err != nil {
			log.Error("Failed to close redis", zap.Error(err))
		}
		if err := database.Close(db); err != nil {
			log.Error("Failed to close database", zap.Error(err))
		}
	}
}
