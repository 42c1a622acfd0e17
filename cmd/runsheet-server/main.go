package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MichaelVanScoyk/runsheet-sub001/internal/auth"
	"github.com/MichaelVanScoyk/runsheet-sub001/internal/config"
	"github.com/MichaelVanScoyk/runsheet-sub001/internal/database"
	"github.com/MichaelVanScoyk/runsheet-sub001/internal/httpapi"
	"github.com/MichaelVanScoyk/runsheet-sub001/internal/hub"
	"github.com/MichaelVanScoyk/runsheet-sub001/internal/listener"
	"github.com/MichaelVanScoyk/runsheet-sub001/internal/logger"
	"github.com/MichaelVanScoyk/runsheet-sub001/internal/redisx"
	"github.com/MichaelVanScoyk/runsheet-sub001/internal/repository"
	"github.com/MichaelVanScoyk/runsheet-sub001/internal/service"

	"go.uber.org/zap"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if cfg.Auth.JWTSecret == "" {
		panic("AUTH_JWT_SECRET environment variable is required")
	}
	if len(cfg.CAD.Listeners) == 0 {
		panic("CAD_LISTENERS environment variable is required")
	}

	// 2. 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "runsheet-server")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 3. 外部依赖：启动期显式构造，统一注入
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close(db)

	redisClient := redisx.NewClient(&cfg.Redis)
	defer redisx.Close(redisClient)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := redisx.Ping(ctx, redisClient); err != nil {
		log.Fatal("Failed to connect to redis", zap.Error(err))
	}

	// 4. 组装认证门
	revoked := auth.NewRevocationCache(redisClient, cfg.Auth.RevocationEvery, log)
	go revoked.Run(ctx)

	authRepo := repository.NewPostgresAuthRepository(db)
	gate := auth.NewGate(cfg.Auth.JWTSecret, cfg.Auth.AccessTTL, cfg.Auth.RefreshTTL,
		authRepo, revoked, redisClient, log)

	// 5. 组装广播Hub与发布器
	broadcastHub := hub.NewHub(cfg.Hub.PingInterval, cfg.Hub.PongWait, cfg.Hub.SendBuffer, log)
	publisher := service.NewPublisher(broadcastHub, redisClient, log)

	// 6. 组装CAD监听器
	incidentsRepo := repository.NewPostgresIncidentsRepository(db, log)
	mailbox := listener.NewMailbox(cfg.CAD.MailboxDir)
	processor := listener.NewProcessor(incidentsRepo, publisher, mailbox, nil, log)
	cadListener := listener.NewListener(cfg.CAD.Listeners, cfg.CAD.MaxReportSize,
		cfg.CAD.ReadTimeout, processor, log)
	if err := cadListener.Start(ctx); err != nil {
		log.Fatal("Failed to start CAD listener", zap.Error(err))
	}

	// 7. HTTP路由（实时通道 + 认证端点）
	realtime, err := httpapi.NewRealtimeHandler(broadcastHub, gate, cfg.Auth.InternalCIDRs, log)
	if err != nil {
		log.Fatal("Failed to create realtime handler", zap.Error(err))
	}
	authHandler := httpapi.NewAuthHandler(gate, cfg.Auth.CookieDomain, cfg.Auth.CookieSecure, log)

	router := httpapi.NewRouter(log)
	router.RegisterRealtimeRoutes(realtime)
	router.RegisterAuthRoutes(authHandler)
	router.RegisterHealthRoutes()

	srv := service.NewServer(cfg.HTTP.Addr, router, log)
	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- srv.Start()
	}()

	// 8. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Stop(shutdownCtx)
	case err := <-serverErrChan:
		log.Fatal("HTTP server error", zap.Error(err))
	}

	log.Info("runsheet server stopped")
}
