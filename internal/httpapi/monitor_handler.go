package httpapi

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"time"

	"pacebeats-monitor/internal/evaluator"
	"pacebeats-monitor/internal/ingest"
	"pacebeats-monitor/internal/models"
	"pacebeats-monitor/internal/registry"
	"pacebeats-monitor/internal/repository"

	"go.uber.org/zap"
)

// AlertStore 报警历史查询（PostgreSQL 或内存实现）
type AlertStore interface {
	ListAlerts(ctx context.Context, f repository.AlertFilter) ([]models.Alert, error)
}

// RunnerView 跑者状态 + 读取时计算的连接质量
type RunnerView struct {
	models.RunnerState
	Connection models.ConnectionStatus `json:"connection"`
}

// MonitorHandler 采样上报、会话管理、跑者与报警查询
type MonitorHandler struct {
	pipeline *ingest.Pipeline
	store    AlertStore
	now      func() time.Time
	logger   *zap.Logger
}

// NewMonitorHandler store 为 nil 时只能查询内存中的未解除报警
func NewMonitorHandler(pipeline *ingest.Pipeline, store AlertStore, logger *zap.Logger) *MonitorHandler {
	return &MonitorHandler{
		pipeline: pipeline,
		store:    store,
		now:      time.Now,
		logger:   logger,
	}
}

// SubmitSample POST /api/v1/telemetry
func (h *MonitorHandler) SubmitSample(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r, maxBodyBytes)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("failed to read body"))
		return
	}
	sample, err := models.DecodeSample(body)
	if err != nil {
		writeError(w, err)
		return
	}
	ack, err := h.pipeline.Submit(r.Context(), sample)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(ack))
}

type registerRequest struct {
	SessionID   string `json:"session_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// RegisterSession POST /api/v1/sessions
func (h *MonitorHandler) RegisterSession(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid json body"))
		return
	}
	st, err := h.pipeline.Register(r.Context(), req.SessionID, req.UserID, req.DisplayName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(h.view(st)))
}

// EndSession DELETE /api/v1/sessions/{id}
func (h *MonitorHandler) EndSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	st, err := h.pipeline.EndSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(st))
}

// ListRunners GET /api/v1/runners?search=&status=&connection=
func (h *MonitorHandler) ListRunners(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := models.Status(strings.ToUpper(q.Get("status")))
	if status != "" && !status.Valid() {
		writeJSON(w, http.StatusBadRequest, Fail("invalid status"))
		return
	}
	conn := models.ConnectionStatus(strings.ToUpper(q.Get("connection")))
	switch conn {
	case "", models.ConnectionLive, models.ConnectionSlow, models.ConnectionLost:
	default:
		writeJSON(w, http.StatusBadRequest, Fail("invalid connection"))
		return
	}

	items := []RunnerView{}
	for st := range h.pipeline.Registry().List(registry.Filter{Search: q.Get("search"), Status: status}) {
		v := h.view(st)
		if conn != "" && v.Connection != conn {
			continue
		}
		items = append(items, v)
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": items,
		"total": len(items),
	}))
}

// GetRunner GET /api/v1/runners/{id}
func (h *MonitorHandler) GetRunner(w http.ResponseWriter, r *http.Request, sessionID string) {
	st, ok := h.pipeline.Registry().Get(sessionID)
	if !ok {
		writeJSON(w, http.StatusNotFound, Fail("runner not found"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(h.view(st)))
}

// ListAlerts GET /api/v1/alerts?open=true&session_id=&limit=
// open=true 以内存状态为准；历史查询走 AlertStore
func (h *MonitorHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	open := q.Get("open") == "true"
	sessionID := q.Get("session_id")

	if open || h.store == nil {
		items := h.pipeline.Alerts().OpenAlerts()
		if sessionID != "" {
			items = slices.DeleteFunc(items, func(a models.Alert) bool { return a.SessionID != sessionID })
		}
		writeJSON(w, http.StatusOK, Ok(map[string]any{"items": items, "total": len(items)}))
		return
	}

	items, err := h.store.ListAlerts(r.Context(), repository.AlertFilter{
		SessionID: sessionID,
		Limit:     min(max(parseInt(q.Get("limit"), 100), 1), 1000),
	})
	if err != nil {
		h.logger.Error("Failed to list alerts", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"items": items, "total": len(items)}))
}

// ResolveAlert PUT /api/v1/alerts/{id}/resolve
// 操作人取自 X-User-Id
func (h *MonitorHandler) ResolveAlert(w http.ResponseWriter, r *http.Request, alertID string) {
	a, err := h.pipeline.ResolveAlert(r.Context(), alertID, r.Header.Get("X-User-Id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(a))
}

// Health GET /healthz
func (h *MonitorHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"status":      "ok",
		"runners":     h.pipeline.Registry().Len(),
		"open_alerts": len(h.pipeline.Alerts().OpenAlerts()),
	}))
}

func (h *MonitorHandler) view(st models.RunnerState) RunnerView {
	return RunnerView{
		RunnerState: st,
		Connection:  evaluator.ConnectionStatus(st.LastSeen(), h.now()),
	}
}
