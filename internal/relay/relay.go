// Package relay 备份中转进程
//
// 与监听器唯一的耦合是共享的信箱目录：监听器每接收一份
// 原始报文写一个文件，中转进程轮询发现新文件并整份转发到
// 远端镜像。刻意的尽力而为：投递失败只计数记日志，
// 不重试不反压，信箱文件本身就是人工恢复的持久记录。
package relay

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// PendingMarker 与监听器约定的待定文件名标记
// 带此标记的文件只记录为已见，永不转发
const PendingMarker = "__PENDING"

// Config 中转配置
type Config struct {
	MailboxDir   string
	RemoteAddr   string
	PollInterval time.Duration
	QuiesceAge   time.Duration // 文件最后修改时间须早于此时长才可转发
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// Stats 投递计数
type Stats struct {
	Forwarded int64
	Failed    int64
	Skipped   int64
}

// Watcher 信箱监视器
type Watcher struct {
	cfg    Config
	seen   map[string]struct{} // 相对路径 -> 已处理
	logger *zap.Logger

	forwarded atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
}

// NewWatcher 创建监视器并把已存在的文件全部标记为已见
//
// 进程启动前的积压绝不转发（每进程生命周期至多一次语义）；
// 枚举失败不致命，首轮扫描会补上。
func NewWatcher(cfg Config, logger *zap.Logger) *Watcher {
	w := &Watcher{
		cfg:    cfg,
		seen:   map[string]struct{}{},
		logger: logger,
	}

	backlog := 0
	w.walkMailbox(func(rel string, _ os.FileInfo) {
		w.seen[rel] = struct{}{}
		backlog++
	})
	logger.Info("Relay startup backlog marked as seen",
		zap.String("mailbox", cfg.MailboxDir),
		zap.Int("files", backlog),
	)
	return w
}

// Run 轮询循环，直到上下文取消
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Scan(ctx)
		}
	}
}

// Scan 单轮扫描：发现新的、静默期已过的非待定文件并转发
func (w *Watcher) Scan(ctx context.Context) {
	now := time.Now()
	w.walkMailbox(func(rel string, info os.FileInfo) {
		if _, ok := w.seen[rel]; ok {
			return
		}
		if strings.Contains(filepath.Base(rel), PendingMarker) {
			// 待定文件：记为已见，永不转发
			w.seen[rel] = struct{}{}
			w.skipped.Add(1)
			return
		}
		if now.Sub(info.ModTime()) < w.cfg.QuiesceAge {
			// 可能仍在写入：本轮不处理也不标记，下轮再看
			return
		}

		w.seen[rel] = struct{}{}
		if err := w.deliver(filepath.Join(w.cfg.MailboxDir, rel)); err != nil {
			w.failed.Add(1)
			w.logger.Error("Relay delivery failed",
				zap.String("file", rel),
				zap.String("remote", w.cfg.RemoteAddr),
				zap.Error(err),
			)
			return
		}
		w.forwarded.Add(1)
		w.logger.Info("Report relayed",
			zap.String("file", rel),
			zap.String("remote", w.cfg.RemoteAddr),
		)

		select {
		case <-ctx.Done():
			return
		default:
		}
	})
}

// deliver 整份转发：一个文件一条新出站连接，写完即关
func (w *Watcher) deliver(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	conn, err := net.DialTimeout("tcp", w.cfg.RemoteAddr, w.cfg.DialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
	if _, err := io.Copy(conn, f); err != nil {
		return err
	}
	return nil
}

// Stats 当前计数快照
func (w *Watcher) Stats() Stats {
	return Stats{
		Forwarded: w.forwarded.Load(),
		Failed:    w.failed.Load(),
		Skipped:   w.skipped.Load(),
	}
}

// walkMailbox 遍历信箱目录（按租户一层子目录）
func (w *Watcher) walkMailbox(fn func(rel string, info os.FileInfo)) {
	entries, err := os.ReadDir(w.cfg.MailboxDir)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("Failed to read mailbox dir", zap.Error(err))
		}
		return
	}
	for _, tenant := range entries {
		if !tenant.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(w.cfg.MailboxDir, tenant.Name()))
		if err != nil {
			w.logger.Warn("Failed to read tenant mailbox",
				zap.String("tenant_dir", tenant.Name()),
				zap.Error(err),
			)
			continue
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			fn(filepath.Join(tenant.Name(), f.Name()), info)
		}
	}
}
