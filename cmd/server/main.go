package main

import (
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ajbcloud/FutsalCulture-sub001/internal/database"
	"github.com/ajbcloud/FutsalCulture-sub001/internal/repository"
	"github.com/ajbcloud/FutsalCulture-sub001/internal/router"
	"github.com/ajbcloud/FutsalCulture-sub001/internal/services"
	"github.com/ajbcloud/FutsalCulture-sub001/pkg/config"
	"github.com/ajbcloud/FutsalCulture-sub001/pkg/logger"
	"github.com/ajbcloud/FutsalCulture-sub001/pkg/mailer"
	"github.com/ajbcloud/FutsalCulture-sub001/pkg/queue"

	"github.com/gin-gonic/gin"
)

func main() {
	// 加载配置
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化日志
	if err := logger.Initialize(cfg); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	appLogger := logger.GetLogger()
	appLogger.Info("Starting FutsalCulture Invitation Service...")

	// 初始化数据库
	if err := database.Initialize(); err != nil {
		appLogger.Fatalf("Failed to initialize database: %v", err)
	}
	defer func() {
		if err := database.Close(); err != nil {
			appLogger.Error("Failed to close database:", err)
		}
		if err := database.CloseProgressTracker(); err != nil {
			appLogger.Error("Failed to close Redis:", err)
		}
	}()

	// 执行数据库迁移
	if err := database.Migrate(); err != nil {
		appLogger.Fatalf("Failed to migrate database: %v", err)
	}

	// 设置Gin模式
	gin.SetMode(cfg.Server.Mode)

	// Redis进度镜像（不可用时降级为仅数据库）
	var tracker *queue.ProgressTracker
	t := database.GetProgressTracker()
	if err := t.Ping(); err != nil {
		appLogger.Warnf("Redis unavailable, progress mirror disabled: %v", err)
	} else {
		tracker = t
	}

	// 构建存储和服务
	db := database.GetDB()
	invStore := repository.NewInvitationStore(db)
	batchStore := repository.NewBatchStore(db)
	eventStore := repository.NewEventStore(db)

	eventService := services.NewEventService(eventStore, tracker)
	invitationService := services.NewInvitationService(invStore, eventService, cfg.Invite.ExpireDays)

	// 启动批次注册表（在路由初始化前）
	registry := services.NewBatchRegistry(time.Duration(cfg.Invite.RegistryTTL) * time.Minute)
	if err := registry.Start(); err != nil {
		appLogger.Errorf("Failed to start batch registry: %v", err)
		// 不影响主服务启动
	}
	defer registry.Stop()

	sender := mailer.NewSMTPSender(cfg.SMTP)
	dispatchService := services.NewBatchDispatchService(
		invStore, batchStore, invitationService, eventService,
		sender, tracker, registry,
		services.DispatchConfig{
			Concurrency:   cfg.Invite.BatchConcurrency,
			MaxAttempts:   cfg.Invite.MaxAttempts,
			BaseDelay:     time.Duration(cfg.Invite.RetryBaseDelay) * time.Second,
			MaxBatchSize:  cfg.Invite.MaxBatchSize,
			AcceptBaseURL: cfg.Invite.AcceptBaseURL,
		},
	)

	// 处理重启遗留的processing批次
	if err := dispatchService.RecoverStale(); err != nil {
		appLogger.Errorf("Failed to recover stale batches: %v", err)
	}

	// 设置路由
	r := router.SetupRouter(&router.Services{
		Invitations: invitationService,
		Events:      eventService,
		Dispatch:    dispatchService,
		Tracker:     tracker,
	})

	// 启动服务器
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	appLogger.Infof("Server started on port %s", cfg.Server.Port)

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")
	if err := server.Close(); err != nil {
		appLogger.Error("Server forced to shutdown:", err)
	}
	appLogger.Info("Server exited")
}
