package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pacebeats"

var histogramBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}

// Metrics 服务指标；nil 接收者上的方法均为空操作，测试中可直接传 nil
type Metrics struct {
	samples          *prometheus.CounterVec
	alertEvents      *prometheus.CounterVec
	activeRunners    prometheus.Gauge
	evictions        prometheus.Counter
	persistResults   *prometheus.CounterVec
	persistPending   prometheus.Gauge
	requestTotal     *prometheus.CounterVec
	requestLatency   *prometheus.HistogramVec
	streamSubscriber prometheus.Gauge
}

// New 创建并注册指标；重复注册时复用已存在的 collector
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_total",
			Help:      "Telemetry samples by ingestion result",
		}, []string{"result"}),
		alertEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_events_total",
			Help:      "Alert lifecycle events by type",
		}, []string{"type"}),
		activeRunners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runners",
			Help:      "Runners currently held in the registry",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_evictions_total",
			Help:      "Subscribers evicted for exceeding their alert backlog",
		}),
		persistResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_persist_total",
			Help:      "Alert persistence attempts by result",
		}, []string{"result"}),
		persistPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alert_persist_pending",
			Help:      "Alert versions waiting to be written to storage",
		}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}),
		streamSubscriber: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_clients",
			Help:      "Connected websocket dashboard clients",
		}),
	}

	m.samples = register(reg, m.samples)
	m.alertEvents = register(reg, m.alertEvents)
	m.activeRunners = register(reg, m.activeRunners)
	m.evictions = register(reg, m.evictions)
	m.persistResults = register(reg, m.persistResults)
	m.persistPending = register(reg, m.persistPending)
	m.requestTotal = register(reg, m.requestTotal)
	m.requestLatency = register(reg, m.requestLatency)
	m.streamSubscriber = register(reg, m.streamSubscriber)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

// Sample 记录一次采样处理结果（accepted / stale / invalid / unknown_session）
func (m *Metrics) Sample(result string) {
	if m == nil {
		return
	}
	m.samples.WithLabelValues(result).Inc()
}

// AlertEvent 记录报警生命周期事件
func (m *Metrics) AlertEvent(eventType string) {
	if m == nil {
		return
	}
	m.alertEvents.WithLabelValues(eventType).Inc()
}

// ActiveRunners 设置活跃会话数
func (m *Metrics) ActiveRunners(n int) {
	if m == nil {
		return
	}
	m.activeRunners.Set(float64(n))
}

// SubscriberEvicted 订阅者被移除
func (m *Metrics) SubscriberEvicted() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

// Persist 记录一次持久化结果（ok / retry / dropped）
func (m *Metrics) Persist(result string) {
	if m == nil {
		return
	}
	m.persistResults.WithLabelValues(result).Inc()
}

// PersistPending 设置待持久化数量
func (m *Metrics) PersistPending(n int) {
	if m == nil {
		return
	}
	m.persistPending.Set(float64(n))
}

// StreamClients 设置 websocket 连接数
func (m *Metrics) StreamClients(n int) {
	if m == nil {
		return
	}
	m.streamSubscriber.Set(float64(n))
}

// Request 记录 HTTP 请求
func (m *Metrics) Request(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestLatency.With(labels).Observe(d.Seconds())
}
