package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"pacebeats-monitor/internal/metrics"
	"pacebeats-monitor/internal/models"
	"pacebeats-monitor/internal/notify"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeTimeout 单次写入客户端的超时
	writeTimeout = 10 * time.Second

	// pongWait 超过该时间未收到 pong 视为连接已断开
	pongWait = 60 * time.Second

	// pingPeriod 必须小于 pongWait
	pingPeriod = (pongWait * 9) / 10
)

// CloseResubscribe 订阅因积压被移除时的关闭码，客户端应重连以获取新快照
const CloseResubscribe = 4000

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// 跨域由反向代理处理
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message 推送给客户端的 JSON 信封
// 连接后第一条总是 snapshot，之后是事件类型（runner_state_changed、alert_created 等）
type Message struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Hub 仪表盘实时推送；每个连接是独立的 bridge 订阅，慢客户端只影响自己
type Hub struct {
	bridge    *notify.Bridge
	sendQueue int
	metrics   *metrics.Metrics
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// New 创建 Hub
// sendQueue 为每个连接在订阅与写协程之间缓冲的事件数
func New(bridge *notify.Bridge, sendQueue int, m *metrics.Metrics, logger *zap.Logger) *Hub {
	if sendQueue < 0 {
		sendQueue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		bridge:    bridge,
		sendQueue: sendQueue,
		metrics:   m,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		clients:   make(map[*websocket.Conn]struct{}),
	}
}

// Run 阻塞直到 ctx 结束，然后关闭所有连接
func (h *Hub) Run(ctx context.Context) error {
	<-ctx.Done()
	h.cancel()
	return nil
}

// ServeHTTP 升级连接，先发快照再持续推送增量事件，直到任一端断开
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader 已写回错误响应
		return
	}
	defer conn.Close()

	sub, snap, err := h.bridge.Subscribe("ws:" + r.RemoteAddr)
	if err != nil {
		writeClose(conn, websocket.CloseGoingAway, "shutting down")
		return
	}
	defer sub.Close()

	h.register(conn)
	defer h.unregister(conn)

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	go readPump(conn, cancel)

	if err := writeJSON(conn, Message{Event: "snapshot", Data: snap}); err != nil {
		return
	}
	h.writeLoop(ctx, conn, sub)
}

func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, sub *notify.Subscription) {
	events := make(chan models.Event, h.sendQueue)
	var subErr error
	go func() {
		defer close(events)
		for {
			ev, err := sub.Next(ctx)
			if err != nil {
				subErr = err
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				switch {
				case errors.Is(subErr, notify.ErrSlowSubscriber):
					writeClose(conn, CloseResubscribe, "resubscribe")
				case h.ctx.Err() != nil, errors.Is(subErr, notify.ErrClosed):
					writeClose(conn, websocket.CloseGoingAway, "shutting down")
				}
				return
			}
			if err := writeJSON(conn, Message{Event: string(ev.Type), Data: ev}); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Count 当前连接数
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) register(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.StreamClients(n)
	h.logger.Debug("Stream client connected", zap.String("remote", conn.RemoteAddr().String()), zap.Int("clients", n))
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.StreamClients(n)
}

func writeJSON(conn *websocket.Conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
	return conn.WriteMessage(websocket.TextMessage, data)
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))                               //nolint:errcheck
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason)) //nolint:errcheck
}

// readPump 处理控制帧（pong、close），客户端断开时取消推送
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
