package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"pacebeats-monitor/common/config"

	"gopkg.in/yaml.v3"
)

// Config 心率监控服务配置
type Config struct {
	Database config.DatabaseConfig `yaml:"database"`
	Redis    config.RedisConfig    `yaml:"redis"`
	MQTT     config.MQTTConfig     `yaml:"mqtt"`

	// 外部依赖开关；关闭时使用内存实现或不启动对应消费者
	Features struct {
		DB     bool `yaml:"db"`
		Redis  bool `yaml:"redis"`
		MQTT   bool `yaml:"mqtt"`
		Stream bool `yaml:"stream"` // Redis Stream 遥测输入（依赖 Redis）
	} `yaml:"features"`

	HTTP struct {
		Addr            string `yaml:"addr"`             // 如 ":8090"
		ShutdownTimeout int    `yaml:"shutdown_timeout"` // 秒
	} `yaml:"http"`

	Runner RunnerConfig `yaml:"runner"`

	// Redis 缓存与输出流
	Cache struct {
		RealtimeKeyPrefix string `yaml:"realtime_key_prefix"` // "runner:session:"
		RealtimeSuffix    string `yaml:"realtime_suffix"`     // ":realtime"
		RealtimeTTL       int    `yaml:"realtime_ttl"`        // 秒
		AlertStream       string `yaml:"alert_stream"`        // "runner:alert:stream"
		AlertStreamMaxLen int64  `yaml:"alert_stream_max_len"`
	} `yaml:"cache"`

	// 遥测输入
	Telemetry struct {
		MQTTTopic     string `yaml:"mqtt_topic"`     // "runner/+/telemetry"
		Stream        string `yaml:"stream"`         // "runner:telemetry:stream"
		ConsumerGroup string `yaml:"consumer_group"` // "pacebeats-monitor"
		ConsumerName  string `yaml:"consumer_name"`
		BatchSize     int64  `yaml:"batch_size"`
		BlockMillis   int    `yaml:"block_millis"`
	} `yaml:"telemetry"`

	// 报警持久化
	Persist struct {
		InitialBackoff int `yaml:"initial_backoff"` // 秒
		MaxBackoff     int `yaml:"max_backoff"`     // 秒
		FlushTimeout   int `yaml:"flush_timeout"`   // 秒
	} `yaml:"persist"`

	Webhook struct {
		URL        string `yaml:"url"` // 为空时不启用
		Timeout    int    `yaml:"timeout"`
		RetryCount int    `yaml:"retry_count"`
	} `yaml:"webhook"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// RunnerConfig 采样处理、存活判定与订阅配置
type RunnerConfig struct {
	Shards          int  `yaml:"shards"`
	AutoRegister    bool `yaml:"auto_register"`
	MaxHeartRate    int  `yaml:"max_heart_rate"`
	MaxClockSkew    int  `yaml:"max_clock_skew"`    // 秒
	LivenessSweep   int  `yaml:"liveness_sweep"`    // 秒
	TombstoneTTL    int  `yaml:"tombstone_ttl"`     // 秒
	AlertBacklog    int  `yaml:"alert_backlog"`     // 每个订阅者允许积压的报警事件数
	ClientSendQueue int  `yaml:"client_send_queue"` // websocket 客户端发送队列长度
}

// Load 加载配置：默认值 -> CONFIG_FILE（YAML，可选）-> 环境变量
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default 默认配置
func Default() *Config {
	cfg := &Config{}

	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "pacebeats"
	cfg.Database.SSLMode = "disable"
	cfg.Database.MaxConns = 10
	cfg.Database.MaxIdle = 5

	cfg.Redis.Addr = "localhost:6379"

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "pacebeats-monitor"
	cfg.MQTT.QoS = 1

	cfg.Features.DB = false
	cfg.Features.Redis = false
	cfg.Features.MQTT = false
	cfg.Features.Stream = false

	cfg.HTTP.Addr = ":8090"
	cfg.HTTP.ShutdownTimeout = 10

	cfg.Runner.Shards = 32
	cfg.Runner.AutoRegister = true
	cfg.Runner.MaxHeartRate = 250
	cfg.Runner.MaxClockSkew = 60
	cfg.Runner.LivenessSweep = 2
	cfg.Runner.TombstoneTTL = 3600
	cfg.Runner.AlertBacklog = 256
	cfg.Runner.ClientSendQueue = 64

	cfg.Cache.RealtimeKeyPrefix = "runner:session:"
	cfg.Cache.RealtimeSuffix = ":realtime"
	cfg.Cache.RealtimeTTL = 3600
	cfg.Cache.AlertStream = "runner:alert:stream"
	cfg.Cache.AlertStreamMaxLen = 10000

	cfg.Telemetry.MQTTTopic = "runner/+/telemetry"
	cfg.Telemetry.Stream = "runner:telemetry:stream"
	cfg.Telemetry.ConsumerGroup = "pacebeats-monitor"
	cfg.Telemetry.ConsumerName = hostname()
	cfg.Telemetry.BatchSize = 50
	cfg.Telemetry.BlockMillis = 2000

	cfg.Persist.InitialBackoff = 1
	cfg.Persist.MaxBackoff = 30
	cfg.Persist.FlushTimeout = 10

	cfg.Webhook.Timeout = 5
	cfg.Webhook.RetryCount = 3

	cfg.Log.Level = "info"
	cfg.Log.Format = "json"

	return cfg
}

func (cfg *Config) applyEnv() {
	cfg.Database.LoadFromEnv("DB")
	cfg.Redis.LoadFromEnv("REDIS")
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Features.DB = getEnvBool("DB_ENABLED", cfg.Features.DB)
	cfg.Features.Redis = getEnvBool("REDIS_ENABLED", cfg.Features.Redis)
	cfg.Features.MQTT = getEnvBool("MQTT_ENABLED", cfg.Features.MQTT)
	cfg.Features.Stream = getEnvBool("STREAM_ENABLED", cfg.Features.Stream)

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", cfg.HTTP.Addr)
	cfg.HTTP.ShutdownTimeout = getEnvInt("HTTP_SHUTDOWN_TIMEOUT_SECONDS", cfg.HTTP.ShutdownTimeout)

	cfg.Runner.Shards = getEnvInt("RUNNER_SHARDS", cfg.Runner.Shards)
	cfg.Runner.AutoRegister = getEnvBool("RUNNER_AUTO_REGISTER", cfg.Runner.AutoRegister)
	cfg.Runner.MaxHeartRate = getEnvInt("RUNNER_MAX_HEART_RATE", cfg.Runner.MaxHeartRate)
	cfg.Runner.MaxClockSkew = getEnvInt("RUNNER_MAX_CLOCK_SKEW_SECONDS", cfg.Runner.MaxClockSkew)
	cfg.Runner.LivenessSweep = getEnvInt("RUNNER_LIVENESS_SWEEP_SECONDS", cfg.Runner.LivenessSweep)
	cfg.Runner.TombstoneTTL = getEnvInt("RUNNER_TOMBSTONE_TTL_SECONDS", cfg.Runner.TombstoneTTL)
	cfg.Runner.AlertBacklog = getEnvInt("RUNNER_ALERT_BACKLOG", cfg.Runner.AlertBacklog)
	cfg.Runner.ClientSendQueue = getEnvInt("RUNNER_CLIENT_SEND_QUEUE", cfg.Runner.ClientSendQueue)

	cfg.Cache.RealtimeKeyPrefix = getEnv("CACHE_REALTIME_PREFIX", cfg.Cache.RealtimeKeyPrefix)
	cfg.Cache.RealtimeTTL = getEnvInt("CACHE_REALTIME_TTL_SECONDS", cfg.Cache.RealtimeTTL)
	cfg.Cache.AlertStream = getEnv("CACHE_ALERT_STREAM", cfg.Cache.AlertStream)

	cfg.Telemetry.MQTTTopic = getEnv("TELEMETRY_MQTT_TOPIC", cfg.Telemetry.MQTTTopic)
	cfg.Telemetry.Stream = getEnv("TELEMETRY_STREAM", cfg.Telemetry.Stream)
	cfg.Telemetry.ConsumerGroup = getEnv("TELEMETRY_CONSUMER_GROUP", cfg.Telemetry.ConsumerGroup)
	cfg.Telemetry.ConsumerName = getEnv("TELEMETRY_CONSUMER_NAME", cfg.Telemetry.ConsumerName)

	cfg.Webhook.URL = getEnv("WEBHOOK_URL", cfg.Webhook.URL)
	cfg.Webhook.Timeout = getEnvInt("WEBHOOK_TIMEOUT_SECONDS", cfg.Webhook.Timeout)
	cfg.Webhook.RetryCount = getEnvInt("WEBHOOK_RETRY_COUNT", cfg.Webhook.RetryCount)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)
}

// Validate 校验配置
func (cfg *Config) Validate() error {
	switch {
	case cfg.HTTP.Addr == "":
		return fmt.Errorf("http addr is required")
	case cfg.Runner.Shards < 1:
		return fmt.Errorf("runner shards must be >= 1, got %d", cfg.Runner.Shards)
	case cfg.Runner.MaxHeartRate < 181:
		return fmt.Errorf("runner max heart rate must be above the critical threshold, got %d", cfg.Runner.MaxHeartRate)
	case cfg.Runner.MaxClockSkew < 0:
		return fmt.Errorf("runner max clock skew must be >= 0, got %d", cfg.Runner.MaxClockSkew)
	case cfg.Runner.LivenessSweep < 1:
		return fmt.Errorf("runner liveness sweep must be >= 1s, got %d", cfg.Runner.LivenessSweep)
	case cfg.Runner.AlertBacklog < 1:
		return fmt.Errorf("runner alert backlog must be >= 1, got %d", cfg.Runner.AlertBacklog)
	case cfg.Runner.ClientSendQueue < 0:
		return fmt.Errorf("runner client send queue must be >= 0, got %d", cfg.Runner.ClientSendQueue)
	case cfg.Persist.InitialBackoff < 1 || cfg.Persist.MaxBackoff < cfg.Persist.InitialBackoff:
		return fmt.Errorf("invalid persist backoff %ds..%ds", cfg.Persist.InitialBackoff, cfg.Persist.MaxBackoff)
	case cfg.Features.Stream && !cfg.Features.Redis:
		return fmt.Errorf("stream input requires redis to be enabled")
	case cfg.Features.MQTT && cfg.MQTT.Broker == "":
		return fmt.Errorf("mqtt broker is required when mqtt is enabled")
	}
	return nil
}

// Seconds 将配置中的秒数转换为 time.Duration
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Milliseconds 将配置中的毫秒数转换为 time.Duration
func Milliseconds(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "pacebeats-monitor"
}
