package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/MichaelVanScoyk/runsheet-sub001/internal/config"
	"github.com/MichaelVanScoyk/runsheet-sub001/internal/logger"
	"github.com/MichaelVanScoyk/runsheet-sub001/internal/relay"

	"go.uber.org/zap"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if cfg.Relay.RemoteAddr == "" {
		panic("RELAY_REMOTE_ADDR environment variable is required")
	}

	// 2. 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "runsheet-relay")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 3. 创建监视器（启动时把既有积压标记为已见）
	watcher := relay.NewWatcher(relay.Config{
		MailboxDir:   cfg.Relay.MailboxDir,
		RemoteAddr:   cfg.Relay.RemoteAddr,
		PollInterval: cfg.Relay.PollInterval,
		QuiesceAge:   cfg.Relay.QuiesceAge,
		DialTimeout:  cfg.Relay.DialTimeout,
		WriteTimeout: cfg.Relay.WriteTimeout,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go watcher.Run(ctx)
	log.Info("Relay watcher started",
		zap.String("mailbox", cfg.Relay.MailboxDir),
		zap.String("remote", cfg.Relay.RemoteAddr),
	)

	// 4. 等待信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	stats := watcher.Stats()
	log.Info("Relay stopped",
		zap.String("signal", sig.String()),
		zap.Int64("forwarded", stats.Forwarded),
		zap.Int64("failed", stats.Failed),
		zap.Int64("skipped", stats.Skipped),
	)
}
