package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/apk-analysis/apk-patcher-go/internal/api"
	"github.com/apk-analysis/apk-patcher-go/internal/api/handlers"
	"github.com/apk-analysis/apk-patcher-go/internal/config"
	"github.com/apk-analysis/apk-patcher-go/internal/domain"
	"github.com/apk-analysis/apk-patcher-go/internal/middleware"
	"github.com/apk-analysis/apk-patcher-go/internal/queue"
	"github.com/apk-analysis/apk-patcher-go/internal/repository"
	"github.com/apk-analysis/apk-patcher-go/internal/service"
	"github.com/apk-analysis/apk-patcher-go/internal/utils"
	"github.com/apk-analysis/apk-patcher-go/internal/watcher"
	"github.com/apk-analysis/apk-patcher-go/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, worker pool, queue consumer and inbox watcher",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(os.Stdout)
		if err != nil {
			return err
		}
		return serve(cfg, logger)
	},
}

func serve(cfg *config.Config, logger *logrus.Logger) error {
	logger.Infof("Starting apk patcher %s", Version)
	api.Version = Version

	if err := cfg.Patch.Validate(); err != nil {
		return fmt.Errorf("invalid patch config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. 数据库
	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	logger.Info("Database connected successfully")
	repo := repository.NewRunRepository(db, logger)

	// 2. 监控
	promMetrics := middleware.NewPrometheusMetrics(logger, "apk_patcher")
	memMonitor := middleware.NewMemoryMonitor(logger, 30*time.Second, promMetrics)
	memMonitor.Start()
	defer memMonitor.Stop()
	go func() {
		if err := utils.ReportDBStats(ctx, db, 10*time.Second, promMetrics.UpdateDBStats); err != nil {
			logger.WithError(err).Warn("DB stats reporter stopped")
		}
	}()

	// 3. 实时日志广播
	hub := handlers.NewLogHub(logger)
	hub.Start()
	defer hub.Stop()

	svc := service.NewPatchService(repo, cfg.Patch, logger,
		service.WithObserver(promMetrics),
		service.WithRetryObserver(promMetrics),
		service.WithSink(hub),
		service.WithRunLog(func(runID string) (service.RunLog, error) {
			return utils.OpenRunLog(cfg.Log.RunDir, runID, cfg.Log.CompressRuns)
		}),
	)

	// 4. 投递方式：启用 RabbitMQ 时经由队列，否则直接进入本地 worker 池
	poolOpts := []worker.Option{
		worker.WithQueueSize(cfg.Worker.QueueSize),
		worker.WithFailureRecorder(repo),
		worker.WithMetrics(promMetrics),
	}

	var (
		mq       *queue.RabbitMQ
		dispatch func(runID string) error
		pool     *worker.Pool
	)
	if cfg.RabbitMQ.Enabled {
		mq, err = queue.NewRabbitMQ(cfg.RabbitMQ, cfg.Worker.Concurrency, logger)
		if err != nil {
			return err
		}
		defer mq.Close()

		producer := queue.NewProducer(mq, logger)
		dispatch = producer.Dispatch
		poolOpts = append(poolOpts, worker.WithRequeue(producer.Dispatch))

		// 以数据库为准重建队列
		if _, err := mq.PurgeQueue(); err != nil {
			logger.WithError(err).Warn("Failed to purge queue")
		}
	}

	pool = worker.NewPool(cfg.Worker.Concurrency, svc, logger, poolOpts...)
	if dispatch == nil {
		dispatch = func(runID string) error { return pool.Submit(&worker.Job{RunID: runID}) }
	}
	dispatch = countQueued(dispatch, promMetrics)
	pool.Start(ctx)
	defer pool.Stop()
	logger.Infof("Worker pool started with %d workers", cfg.Worker.Concurrency)

	if _, err := service.RecoverRuns(ctx, repo, dispatch, logger); err != nil {
		logger.WithError(err).Warn("Failed to recover runs")
	}

	if mq != nil {
		consumer := queue.NewConsumer(mq, queue.NewRunHandler(svc, func(ctx context.Context, runID string) error {
			return pool.SubmitAndWait(ctx, &worker.Job{RunID: runID})
		}), cfg.Worker.Concurrency, logger)
		if err := consumer.Start(ctx); err != nil {
			return err
		}
		defer consumer.Stop()
		logger.Infof("Run consumer started with %d workers", cfg.Worker.Concurrency)
	}

	// 5. 投放目录
	if cfg.Watcher.Enabled {
		fw, err := watcher.NewFileWatcher(cfg.Watcher.Dir, watcher.MatchBase,
			watcher.NewInboxHandler(cfg.Patch.CacheDir, submitFromWatcher(svc, dispatch, logger)),
			cfg.Watcher.Debounce, logger)
		if err != nil {
			return err
		}
		defer fw.Stop()
		if err := fw.Start(ctx); err != nil {
			return err
		}
		logger.Infof("File watcher started for directory: %s", cfg.Watcher.Dir)
	}

	// 6. HTTP Server
	router := api.SetupRouter(cfg, logger, api.Deps{
		Service:    svc,
		Dispatch:   dispatch,
		Hub:        hub,
		MemMonitor: memMonitor,
		Metrics:    promMetrics,
	})
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down gracefully...")
	case err := <-serverErr:
		logger.WithError(err).Error("HTTP server error")
		stop()
	}

	// 30 秒内完成关闭；worker 池随 ctx 取消，正在执行的运行重置为 queued
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown error")
	}

	logger.Info("Server stopped")
	return nil
}

func countQueued(dispatch func(string) error, m *middleware.PrometheusMetrics) func(string) error {
	return func(runID string) error {
		if err := dispatch(runID); err != nil {
			return err
		}
		m.RecordRunQueued()
		return nil
	}
}

// submitFromWatcher 为投放的基础包创建运行并投递
func submitFromWatcher(svc service.PatchService, dispatch func(string) error, logger *logrus.Logger) func(ctx context.Context, version string) error {
	return func(ctx context.Context, version string) error {
		run, err := svc.Submit(ctx, service.PatchRequest{Version: version, Source: domain.RunSourceWatcher})
		if err != nil {
			return err
		}
		if err := dispatch(run.ID); err != nil {
			return fmt.Errorf("dispatch run %s: %w", run.ID, err)
		}
		logger.WithFields(logrus.Fields{
			"run_id":  run.ID,
			"version": version,
		}).Info("Run created from inbox")
		return nil
	}
}
