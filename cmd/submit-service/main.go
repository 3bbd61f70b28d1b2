package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"judgeflow/internal/common/auth"
	"judgeflow/internal/common/cache"
	"judgeflow/internal/common/db"
	commonmw "judgeflow/internal/common/http/middleware"
	"judgeflow/internal/common/mq"
	"judgeflow/internal/common/storage"
	"judgeflow/internal/judge/judgeclient"
	"judgeflow/internal/judge/worker"
	"judgeflow/internal/notify"
	"judgeflow/internal/submission/controller"
	"judgeflow/internal/submission/event"
	"judgeflow/internal/submission/ratelimit"
	"judgeflow/internal/submission/repository"
	"judgeflow/internal/submission/service"
	pkgerrors "judgeflow/pkg/errors"
	"judgeflow/pkg/utils/logger"
	"judgeflow/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/submit_service.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "submit service exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.NewWithConfig(appCfg.Database)
	if err != nil {
		return fmt.Errorf("init database failed: %w", err)
	}
	defer func() {
		_ = database.Close()
	}()

	redisCache, err := cache.NewRedisCacheWithConfig(rootCtx, appCfg.Redis)
	if err != nil {
		// The supervisor keeps checking; cache-backed paths fail open meanwhile.
		logger.Warn(rootCtx, "redis not ready at startup", zap.Error(err))
	}
	if redisCache == nil {
		return fmt.Errorf("init redis failed: %w", err)
	}
	defer func() {
		_ = redisCache.Close()
	}()

	queue, err := openQueue(rootCtx, appCfg.Queue)
	if err != nil {
		return fmt.Errorf("init mq failed: %w", err)
	}
	defer func() {
		_ = queue.Close()
	}()

	var archive service.SourceArchive
	if appCfg.Archive.Enabled {
		objStorage, err := storage.NewMinIOStorage(appCfg.Archive.MinIO)
		if err != nil {
			return fmt.Errorf("init minio failed: %w", err)
		}
		sourceArchive, err := storage.NewSourceArchive(objStorage, appCfg.Archive.Bucket, appCfg.Archive.Prefix)
		if err != nil {
			return fmt.Errorf("init source archive failed: %w", err)
		}
		defer sourceArchive.Close()
		archive = sourceArchive
	}

	store := repository.NewSubmissionStore(database)
	results := repository.NewResultCache(redisCache, appCfg.Submit.ResultTTL, appCfg.Submit.StatusTTL)
	events := event.NewPublisher(queue, appCfg.Notify.EventsTopic)

	submissionService, err := service.NewSubmissionService(service.Config{
		Store:         store,
		Catalog:       repository.NewCatalog(database, redisCache),
		Limiter:       ratelimit.New(redisCache, appCfg.RateLimit),
		Languages:     judgeclient.MergeLanguages(appCfg.Submit.Languages),
		Queue:         queue,
		Events:        events,
		Results:       results,
		Archive:       archive,
		Idempotency:   service.NewIdempotencyGuard(redisCache, appCfg.Submit.IdempotencyTTL, appCfg.Submit.Timeouts.Cache),
		Topics:        appCfg.Submit.Topics,
		MaxCodeBytes:  appCfg.Submit.MaxCodeBytes,
		MaxStdinBytes: appCfg.Submit.MaxStdinBytes,
		StatusTTL:     appCfg.Submit.StatusTTL,
		Timeouts:      appCfg.Submit.Timeouts,
	})
	if err != nil {
		return fmt.Errorf("init submission service failed: %w", err)
	}

	authn := auth.NewAuthenticator(appCfg.Auth)
	hub := notify.NewHub()
	if appCfg.Notify.Enabled {
		group, err := notify.NewFanout(hub).Register(rootCtx, queue, appCfg.Notify.EventsTopic, appCfg.Notify.GroupPrefix)
		if err != nil {
			return fmt.Errorf("subscribe lifecycle events failed: %w", err)
		}
		logger.Info(rootCtx, "notification fanout subscribed", zap.String("group", group))
	}

	if appCfg.Worker.Enabled {
		if err := registerEmbeddedWorker(rootCtx, appCfg, queue, store, events, results); err != nil {
			return err
		}
	}
	if err := queue.Start(); err != nil {
		return fmt.Errorf("start mq consumers failed: %w", err)
	}
	defer func() {
		_ = queue.Stop()
	}()

	httpServer := buildHTTPServer(appCfg, submissionService, authn, hub, healthCheck(database, redisCache, queue))
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener failed: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(rootCtx, "submit http server started", zap.String("addr", appCfg.Server.Addr), zap.String("mq_driver", appCfg.Queue.Driver))
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(rootCtx, "http server stopped", zap.Error(err))
		}
	case <-rootCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
	return nil
}

func openQueue(ctx context.Context, cfg QueueConfig) (mq.MessageQueue, error) {
	if cfg.Driver == "memory" {
		return mq.NewMemoryQueue(), nil
	}
	return mq.NewKafkaQueue(ctx, cfg.Kafka)
}

func registerEmbeddedWorker(ctx context.Context, appCfg *AppConfig, queue mq.Consumer, store worker.Store, events worker.EventPublisher, status worker.StatusCache) error {
	judgeCfg := appCfg.Worker.Judge
	if len(judgeCfg.Languages) == 0 {
		judgeCfg.Languages = appCfg.Submit.Languages
	}
	judge, err := judgeclient.New(judgeCfg)
	if err != nil {
		return fmt.Errorf("init judge client failed: %w", err)
	}
	w, err := worker.New(worker.Config{
		Judge:     judge,
		Store:     store,
		Events:    events,
		Status:    status,
		StatusTTL: appCfg.Submit.StatusTTL,
		Timeouts:  appCfg.Worker.Timeouts,
	})
	if err != nil {
		return fmt.Errorf("init embedded worker failed: %w", err)
	}
	topics := []mq.WeightedTopic{
		{Topic: appCfg.Submit.Topics.Contest, Weight: 4},
		{Topic: appCfg.Submit.Topics.Practice, Weight: 2},
		{Topic: appCfg.Submit.Topics.Run, Weight: 2},
		{Topic: appCfg.Submit.Topics.Rejudge, Weight: 1},
	}
	if err := w.Register(ctx, queue, topics, mq.SubscribeOptions{Concurrency: appCfg.Worker.Concurrency}); err != nil {
		return fmt.Errorf("subscribe judge topics failed: %w", err)
	}
	logger.Info(ctx, "embedded judge worker registered", zap.Int("concurrency", appCfg.Worker.Concurrency))
	return nil
}

type readiness interface {
	Ready() bool
}

// healthCheck reports the database and broker as required and the cache as degraded-only.
func healthCheck(database db.Database, redisCache readiness, queue mq.MessageQueue) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), defaultReadTimeout)
		defer cancel()
		checks := map[string]string{"database": "ok", "mq": "ok", "redis": "ok"}
		var failed error
		if err := database.Ping(ctx); err != nil {
			checks["database"] = err.Error()
			failed = err
		}
		if err := queue.Ping(ctx); err != nil {
			checks["mq"] = err.Error()
			failed = err
		}
		if !redisCache.Ready() {
			checks["redis"] = "degraded"
		}
		if failed != nil {
			response.Error(c, pkgerrors.Wrap(failed, pkgerrors.ServiceUnavailable).WithDetail("checks", checks))
			return
		}
		response.Success(c, checks)
	}
}

func buildHTTPServer(appCfg *AppConfig, svc *service.SubmissionService, authn *auth.Authenticator, hub *notify.Hub, health gin.HandlerFunc) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(commonmw.RequestLogger())

	router.GET("/healthz", health)
	controller.RegisterRoutes(router.Group("/api/v1"), controller.NewSubmissionController(svc), authn)
	if appCfg.Notify.Enabled {
		notify.NewHandler(hub, authn, appCfg.Notify.Handler).RegisterRoutes(router)
	}

	return &http.Server{
		Addr:         appCfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  appCfg.Server.ReadTimeout,
		WriteTimeout: appCfg.Server.WriteTimeout,
		IdleTimeout:  appCfg.Server.IdleTimeout,
	}
}
