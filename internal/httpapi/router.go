package httpapi

import (
	"net/http"
	"strings"
	"time"

	"pacebeats-monitor/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux（避免引入第三方路由依赖）
type Router struct {
	mux     *http.ServeMux
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewRouter(m *metrics.Metrics, logger *zap.Logger) *Router {
	return &Router{
		mux:     http.NewServeMux(),
		metrics: m,
		logger:  logger,
	}
}

// Handle 注册路由并记录请求指标（route 标签使用注册时的 pattern）
func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, r.instrument(pattern, h))
}

// HandleHandler 支持 http.Handler 接口（websocket、/metrics），不做包装
func (r *Router) HandleHandler(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, req)
		r.metrics.Request(req.Method, route, rec.status, time.Since(start))
		if rec.status >= http.StatusInternalServerError {
			r.logger.Warn("HTTP request failed",
				zap.String("method", req.Method),
				zap.String("path", req.URL.Path),
				zap.Int("status", rec.status),
			)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// RegisterMonitorRoutes 注册采样、会话、跑者与报警接口
func (r *Router) RegisterMonitorRoutes(h *MonitorHandler) {
	r.Handle("/api/v1/telemetry", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		h.SubmitSample(w, req)
	})

	r.Handle("/api/v1/sessions", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		h.RegisterSession(w, req)
	})

	// sessions/{id}
	r.Handle("/api/v1/sessions/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodDelete {
			methodNotAllowed(w)
			return
		}
		id, ok := pathID(req.URL.Path, "/api/v1/sessions/")
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.EndSession(w, req, id)
	})

	r.Handle("/api/v1/runners", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		h.ListRunners(w, req)
	})

	// runners/{id}
	r.Handle("/api/v1/runners/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		id, ok := pathID(req.URL.Path, "/api/v1/runners/")
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.GetRunner(w, req, id)
	})

	r.Handle("/api/v1/alerts", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		h.ListAlerts(w, req)
	})

	// alerts/{id}/resolve
	r.Handle("/api/v1/alerts/", func(w http.ResponseWriter, req *http.Request) {
		rest := strings.TrimPrefix(req.URL.Path, "/api/v1/alerts/")
		id, ok := strings.CutSuffix(rest, "/resolve")
		if !ok || id == "" || strings.Contains(id, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if req.Method != http.MethodPut {
			methodNotAllowed(w)
			return
		}
		h.ResolveAlert(w, req, id)
	})

	r.Handle("/healthz", h.Health)
}

// RegisterStreamRoute 注册实时推送（websocket）
func (r *Router) RegisterStreamRoute(stream http.Handler) {
	r.HandleHandler("/api/v1/stream", stream)
}

// RegisterMetricsRoute 暴露 Prometheus 指标
func (r *Router) RegisterMetricsRoute(g prometheus.Gatherer) {
	r.HandleHandler("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}

func pathID(path, prefix string) (string, bool) {
	id := strings.TrimPrefix(path, prefix)
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
