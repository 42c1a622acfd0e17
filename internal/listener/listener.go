// Package listener 实现CAD入站协议监听
//
// 厂商CAD系统采用一连接一报文协议：建立TCP连接、
// 完整写入一份报文、关闭连接。每条连接独立并发处理，
// 连接间除存储与序号分配外不共享任何可变状态。
package listener

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/MichaelVanScoyk/runsheet-sub001/internal/config"
	"github.com/MichaelVanScoyk/runsheet-sub001/internal/domain"

	"go.uber.org/zap"
)

// Listener CAD入站监听器
type Listener struct {
	listeners   []config.CADListener
	maxSize     int64
	readTimeout time.Duration
	processor   *Processor
	logger      *zap.Logger
}

// NewListener 创建监听器
func NewListener(listeners []config.CADListener, maxSize int64, readTimeout time.Duration, processor *Processor, logger *zap.Logger) *Listener {
	return &Listener{
		listeners:   listeners,
		maxSize:     maxSize,
		readTimeout: readTimeout,
		processor:   processor,
		logger:      logger,
	}
}

// Start 启动全部监听端口；上下文取消时关闭
func (l *Listener) Start(ctx context.Context) error {
	for _, lc := range l.listeners {
		ln, err := net.Listen("tcp", lc.Addr)
		if err != nil {
			return err
		}
		l.logger.Info("CAD listener started",
			zap.String("addr", lc.Addr),
			zap.String("tenant_id", lc.TenantID),
		)

		go func(ln net.Listener) {
			<-ctx.Done()
			ln.Close()
		}(ln)
		go l.acceptLoop(ctx, ln, lc.TenantID)
	}
	return nil
}

func (l *Listener) acceptLoop(ctx context.Context, ln net.Listener, tenantID string) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Warn("CAD accept failed", zap.Error(err))
			continue
		}
		// 每条连接一个任务，互不阻塞
		go l.handleConn(ctx, conn, tenantID)
	}
}

// handleConn 处理单条入站连接
//
// 连接级I/O错误只丢弃当前连接；处理失败（含存储不可用）
// 只影响当前报文，监听进程继续接受新连接。
func (l *Listener) handleConn(ctx context.Context, conn net.Conn, tenantID string) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(l.readTimeout))
	payload, err := io.ReadAll(io.LimitReader(conn, l.maxSize))
	if err != nil {
		l.logger.Warn("CAD connection read failed",
			zap.String("tenant_id", tenantID),
			zap.String("remote_addr", conn.RemoteAddr().String()),
			zap.Error(err),
		)
		return
	}
	if len(payload) == 0 {
		l.logger.Debug("Empty CAD connection",
			zap.String("remote_addr", conn.RemoteAddr().String()),
		)
		return
	}

	raw := domain.RawReport{
		TenantID:   tenantID,
		Payload:    payload,
		ReceivedAt: time.Now(),
	}

	if err := l.processor.Process(ctx, raw); err != nil {
		// 对该报文致命（如存储不可用），但进程保持存活
		l.logger.Error("CAD report processing failed",
			zap.String("tenant_id", tenantID),
			zap.Int("payload_size", len(payload)),
			zap.Error(err),
		)
	}
}
