// Package cleanup は保存期間を過ぎたアップロード・出力ファイルを定期的に削除します。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/yourusername/uniconvert/internal/metrics"
)

// Config は Sweeper の設定です。
type Config struct {
	Dirs      []string
	Retention time.Duration
	// Schedule は cron 式です。空なら Interval ごとに実行します。
	Schedule string
	Interval time.Duration
}

// Report は1回の掃除の結果です。
type Report struct {
	Scanned int
	Deleted int
	Errors  int
}

// Sweeper はディレクトリ直下の古い通常ファイルを削除します。ジョブの記録には触れません。
type Sweeper struct {
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	initial sync.WaitGroup
}

// New は Sweeper を作成します。
func New(cfg Config, logger zerolog.Logger) (*Sweeper, error) {
	if len(cfg.Dirs) == 0 {
		return nil, errors.New("no directories to sweep")
	}
	if cfg.Retention <= 0 {
		return nil, errors.New("retention must be positive")
	}
	if cfg.Schedule == "" && cfg.Interval <= 0 {
		return nil, errors.New("either schedule or interval is required")
	}
	return &Sweeper{
		cfg:    cfg,
		logger: logger.With().Str("component", "cleanup").Logger(),
		now:    time.Now,
	}, nil
}

func (s *Sweeper) schedule() string {
	if s.cfg.Schedule != "" {
		return s.cfg.Schedule
	}
	return "@every " + s.cfg.Interval.String()
}

// Start は起動直後に1回掃除し、以降はスケジュールに従って実行します。
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("sweeper already started")
	}

	logger := cronLogger{logger: s.logger}
	c := cron.New(cron.WithLogger(logger))
	run := func() {
		report := s.Sweep(ctx)
		s.logger.Info().
			Int("scanned", report.Scanned).
			Int("deleted", report.Deleted).
			Int("errors", report.Errors).
			Msg("cleanup finished")
	}
	// 起動直後の掃除も同じチェーンを通し、定期実行と重ならないようにする
	job := cron.NewChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)).Then(cron.FuncJob(run))
	if _, err := c.AddJob(s.schedule(), job); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", s.schedule(), err)
	}

	s.initial.Add(1)
	go func() {
		defer s.initial.Done()
		job.Run()
	}()
	c.Start()
	s.cron = c
	s.logger.Info().Str("schedule", s.schedule()).Dur("retention", s.cfg.Retention).Msg("cleanup scheduled")
	return nil
}

// Stop はスケジュールを止め、実行中の掃除（起動直後の分を含む）が終わるのを待ちます。
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		<-c.Stop().Done()
		s.initial.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep は各ディレクトリを1回走査します。個々のファイルの失敗は記録して続行します。
func (s *Sweeper) Sweep(ctx context.Context) Report {
	var total Report
	cutoff := s.now().Add(-s.cfg.Retention)

	for _, dir := range s.cfg.Dirs {
		if ctx.Err() != nil {
			break
		}
		r := s.sweepDir(ctx, dir, cutoff)
		metrics.FilesSwept(filepath.Base(dir), r.Deleted)
		total.Scanned += r.Scanned
		total.Deleted += r.Deleted
		total.Errors += r.Errors
	}
	return total
}

func (s *Sweeper) sweepDir(ctx context.Context, dir string, cutoff time.Time) Report {
	var r Report
	log := s.logger.With().Str("dir", dir).Logger()

	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Error().Err(err).Msg("failed to recreate directory")
			r.Errors++
		}
		return r
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to read directory")
		r.Errors++
		return r
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if !entry.Type().IsRegular() {
			continue
		}
		r.Scanned++

		info, err := entry.Info()
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				log.Warn().Err(err).Str("file", entry.Name()).Msg("failed to stat file")
				r.Errors++
			}
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				log.Warn().Err(err).Str("file", entry.Name()).Msg("failed to delete expired file")
				r.Errors++
			}
			continue
		}
		r.Deleted++
		log.Debug().Str("file", entry.Name()).Msg("expired file deleted")
	}
	return r
}

// cronLogger は cron のログを zerolog に流します。
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
