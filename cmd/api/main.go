// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/yourusername/uniconvert/internal/api"
	"github.com/yourusername/uniconvert/internal/cleanup"
	"github.com/yourusername/uniconvert/internal/config"
	"github.com/yourusername/uniconvert/internal/jobs"
	"github.com/yourusername/uniconvert/internal/logging"
	"github.com/yourusername/uniconvert/internal/metrics"
	"github.com/yourusername/uniconvert/internal/notify"
	"github.com/yourusername/uniconvert/internal/storage"
)

const (
	serviceName    = "uniconvert-api"
	serviceVersion = "0.1.0"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server stopped with error")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.MustRegister()

	files, err := storage.NewLocal(cfg.UploadsDir, cfg.OutputsDir, cfg.MaxFileSize)
	if err != nil {
		return fmt.Errorf("prepare storage: %w", err)
	}

	rdb, closeRedis, err := setupRedis(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRedis()

	broker, err := setupBroker(cfg, logger)
	if err != nil {
		return err
	}

	converters, prober := setupConverters(cfg, logger)

	manager, err := jobs.NewManager(jobs.ManagerConfig{
		Store:      jobs.NewStore(rdb, cfg.JobRecordTTL),
		Broker:     broker,
		Converters: converters,
		Files:      files,
		Notifier:   notify.New(cfg.WebhookTimeout, logger),
		Processor: jobs.ProcessorConfig{
			JobTimeout:      cfg.JobTimeout,
			KillOnCancel:    cfg.KillOnCancel,
			DownloadBaseURL: cfg.DownloadBaseURL,
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("init job manager: %w", err)
	}
	if err := manager.Start(); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}

	sweeper, err := cleanup.New(cleanup.Config{
		Dirs:      []string{files.UploadsDir(), files.OutputsDir()},
		Retention: cfg.FileRetention,
		Schedule:  cfg.CleanupSchedule,
		Interval:  cfg.CleanupInterval,
	}, logger)
	if err != nil {
		return fmt.Errorf("init cleanup: %w", err)
	}
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start cleanup: %w", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	router := gin.New()
	router.Use(gin.Recovery(), api.RequestLogger(logger))
	router.Use(cors.New(corsConfig(cfg.CORSAllowedOrigins)))

	setupRoutes(router, api.NewHandlers(manager, files, prober, logger))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("mode", cfg.GinMode).
			Str("queue_backend", cfg.QueueBackend).
			Msg("starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("http server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := sweeper.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("cleanup shutdown: %w", err))
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("worker shutdown: %w", err))
	}
	logger.Info().Msg("server stopped")
	return errors.Join(errs...)
}

// corsConfig は CORS_ALLOWED_ORIGINS（カンマ区切り）から CORS 設定を組み立てます。
func corsConfig(allowed string) cors.Config {
	c := cors.DefaultConfig()
	c.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		api.RequestIDHeader,
	}
	c.ExposeHeaders = []string{api.RequestIDHeader, "Content-Disposition"}

	var origins []string
	for _, o := range strings.Split(allowed, ",") {
		o = strings.TrimSpace(o)
		if o == "*" {
			c.AllowAllOrigins = true
			return c
		}
		if o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		c.AllowAllOrigins = true
		return c
	}
	c.AllowOrigins = origins
	return c
}

// handleHealth は死活監視用のエンドポイントです。外部ツールの状態は /api/health で返します。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": serviceName,
		"version": serviceVersion,
	})
}

// setupRoutes は API とメトリクスのルーティングを行います。
func setupRoutes(router *gin.Engine, handlers *api.Handlers) {
	router.GET("/health", handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handlers.Register(router)
}
