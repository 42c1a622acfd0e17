package service

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Server HTTP服务包装（实时通道升级 + 认证端点）
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

// NewServer 创建HTTP服务
func NewServer(addr string, handler http.Handler, logger *zap.Logger) *Server {
	s := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return &Server{httpServer: s, logger: logger}
}

// Start 启动监听（阻塞）
func (s *Server) Start() error {
	s.logger.Info("Starting runsheet HTTP server", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Stop 优雅关闭
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping runsheet HTTP server")
	return s.httpServer.Shutdown(ctx)
}
