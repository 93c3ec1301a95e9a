package service

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Server HTTP 服务；监听地址可以是 ":0"，实际地址通过 Addr 获取
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger

	mu   sync.RWMutex
	addr string
}

func NewServer(addr string, handler http.Handler, logger *zap.Logger) *Server {
	s := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return &Server{httpServer: s, logger: logger}
}

// Start 监听并阻塞直到 Stop；正常关闭返回 http.ErrServerClosed
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	s.logger.Info("Starting pacebeats-monitor HTTP server", zap.String("addr", ln.Addr().String()))
	return s.httpServer.Serve(ln)
}

// Addr 实际监听地址；未启动时为空
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping pacebeats-monitor HTTP server")
	return s.httpServer.Shutdown(ctx)
}
