package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"judgeflow/internal/common/cache"
	"judgeflow/internal/common/db"
	"judgeflow/internal/common/mq"
	"judgeflow/internal/judge/judgeclient"
	"judgeflow/internal/judge/worker"
	"judgeflow/internal/submission/event"
	"judgeflow/internal/submission/repository"
	pkgerrors "judgeflow/pkg/errors"
	"judgeflow/pkg/utils/logger"
	"judgeflow/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/judge_worker.yaml"

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
		logger.Error(context.Background(), "judge worker exited", zap.Error(err))
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

	var status worker.StatusCache
	if appCfg.Redis.Addr != "" {
		redisCache, err := cache.NewRedisCacheWithConfig(rootCtx, appCfg.Redis)
		if err != nil {
			logger.Warn(rootCtx, "redis not ready at startup", zap.Error(err))
		}
		if redisCache != nil {
			defer func() {
				_ = redisCache.Close()
			}()
			status = repository.NewResultCache(redisCache, 0, appCfg.Worker.StatusTTL)
		}
	}

	queue, err := openQueue(rootCtx, appCfg.Queue)
	if err != nil {
		return fmt.Errorf("init mq failed: %w", err)
	}
	defer func() {
		_ = queue.Close()
	}()

	judge, err := judgeclient.New(appCfg.Judge)
	if err != nil {
		return fmt.Errorf("init judge client failed: %w", err)
	}

	w, err := worker.New(worker.Config{
		Judge:     judge,
		Store:     repository.NewSubmissionStore(database),
		Events:    event.NewPublisher(queue, appCfg.Queue.EventsTopic),
		Status:    status,
		StatusTTL: appCfg.Worker.StatusTTL,
		Timeouts:  appCfg.Worker.Timeouts,
	})
	if err != nil {
		return fmt.Errorf("init worker failed: %w", err)
	}
	if err := w.Register(rootCtx, queue, appCfg.Queue.Topics, appCfg.Queue.Subscribe); err != nil {
		return fmt.Errorf("subscribe judge topics failed: %w", err)
	}
	if err := queue.Start(); err != nil {
		return fmt.Errorf("start mq consumers failed: %w", err)
	}
	logger.Info(rootCtx, "judge worker started",
		zap.String("mq_driver", appCfg.Queue.Driver),
		zap.Int("topics", len(appCfg.Queue.Topics)),
		zap.Int("concurrency", appCfg.Queue.Subscribe.Concurrency),
	)

	healthServer := buildHealthServer(appCfg.HealthAddr, database, queue)
	errCh := make(chan error, 1)
	go func() {
		errCh <- healthServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(rootCtx, "health server stopped", zap.Error(err))
		}
	case <-rootCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	// Stop waits for in-flight jobs; anything cut off stays uncommitted and is redelivered.
	if err := queue.Stop(); err != nil {
		logger.Error(context.Background(), "stop consumers failed", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := healthServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "health server shutdown failed", zap.Error(err))
	}
	return nil
}

func openQueue(ctx context.Context, cfg QueueConfig) (mq.MessageQueue, error) {
	if cfg.Driver == "memory" {
		return mq.NewMemoryQueue(), nil
	}
	return mq.NewKafkaQueue(ctx, cfg.Kafka)
}

func buildHealthServer(addr string, database db.Database, queue mq.MessageQueue) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		if err := database.Ping(ctx); err != nil {
			response.Error(c, pkgerrors.Wrap(err, pkgerrors.ServiceUnavailable).WithDetail("check", "database"))
			return
		}
		if err := queue.Ping(ctx); err != nil {
			response.Error(c, pkgerrors.Wrap(err, pkgerrors.ServiceUnavailable).WithDetail("check", "mq"))
			return
		}
		response.Success(c, gin.H{"status": "ok"})
	})
	return &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
}
