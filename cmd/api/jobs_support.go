package main

import (
	"context"
	"fmt"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/yourusername/uniconvert/internal/config"
	"github.com/yourusername/uniconvert/internal/convert"
	"github.com/yourusername/uniconvert/internal/jobs"
	"github.com/yourusername/uniconvert/internal/media"
)

// setupRedis はジョブストア用の Redis クライアントを作成します。
// memory バックエンドではプロセス内の Redis を起動し、外部の Redis なしで動かします。
func setupRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*redis.Client, func(), error) {
	if cfg.QueueBackend == config.QueueBackendMemory {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, nil, fmt.Errorf("start in-process redis: %w", err)
		}
		logger.Warn().Str("addr", mr.Addr()).Msg("using in-process redis for job records; state is lost on exit")
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		return rdb, func() {
			_ = rdb.Close()
			mr.Close()
		}, nil
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	return rdb, func() { _ = rdb.Close() }, nil
}

// setupBroker は QUEUE_BACKEND に応じたブローカーを作成します。
func setupBroker(cfg *config.Config, logger zerolog.Logger) (jobs.Broker, error) {
	concurrency := concurrencyByType(cfg)

	if cfg.QueueBackend == config.QueueBackendMemory {
		return jobs.NewMemoryBroker(jobs.MemoryBrokerConfig{
			Concurrency:     concurrency,
			MaxAttempts:     cfg.MaxAttempts,
			RetryBaseDelay:  cfg.RetryBaseDelay,
			Retention:       cfg.BrokerRetention,
			ShutdownTimeout: cfg.ShutdownTimeout,
			Logger:          logger,
		}), nil
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL for asynq: %w", err)
	}
	return jobs.NewAsynqBroker(jobs.AsynqBrokerConfig{
		RedisOpt:        redisOpt,
		Concurrency:     concurrency,
		MaxAttempts:     cfg.MaxAttempts,
		RetryBaseDelay:  cfg.RetryBaseDelay,
		JobTimeout:      cfg.JobTimeout,
		Retention:       cfg.BrokerRetention,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
	})
}

func concurrencyByType(cfg *config.Config) map[media.Type]int {
	out := make(map[media.Type]int, len(cfg.Concurrency))
	for name, n := range cfg.Concurrency {
		if t, ok := media.ParseType(name); ok {
			out[t] = n
		}
	}
	return out
}

// setupConverters は種別ごとの変換器とヘルスチェックを組み立てます。
func setupConverters(cfg *config.Config, logger zerolog.Logger) (*convert.Registry, *convert.Prober) {
	ff := convert.NewFFmpeg(cfg.FFmpegPath, cfg.FFprobePath)
	docCfg := convert.DocumentConfig{
		Pandoc:    cfg.PandocPath,
		Soffice:   cfg.SofficePath,
		PDFEngine: cfg.PDFEngine,
	}

	registry := convert.NewRegistry()
	registry.Register(media.Video, convert.NewVideo(ff, logger))
	registry.Register(media.Audio, convert.NewAudio(ff, logger))
	registry.Register(media.Image, convert.NewImage(ff, logger))
	registry.Register(media.Document, convert.NewDocument(docCfg, logger))

	return registry, convert.NewProber(ff, docCfg)
}
