package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/yourusername/uniconvert/internal/convert"
	"github.com/yourusername/uniconvert/internal/media"
	"github.com/yourusername/uniconvert/internal/metrics"
)

// ManagerConfig は Manager の構成要素です。
type ManagerConfig struct {
	Store      *Store
	Broker     Broker
	Converters *convert.Registry
	Files      Files
	Notifier   Notifier // nil なら通知しない
	Processor  ProcessorConfig
	Logger     zerolog.Logger
}

// Manager はジョブの投入・照会・キャンセルと、ワーカーの起動停止を束ねます。
type Manager struct {
	store     *Store
	broker    Broker
	router    *Router
	processor *Processor
	files     Files
	notifier  Notifier
	logger    zerolog.Logger
}

// QueueStats は種別ごとのタスク状態別件数です。
type QueueStats map[media.Type]map[TaskState]int

// NewManager は Manager を初期化します。
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is nil")
	}
	if cfg.Broker == nil {
		return nil, errors.New("broker is nil")
	}
	if cfg.Converters == nil {
		return nil, errors.New("converters is nil")
	}
	if cfg.Files == nil {
		return nil, errors.New("files is nil")
	}

	return &Manager{
		store:     cfg.Store,
		broker:    cfg.Broker,
		router:    NewRouter(cfg.Store, cfg.Broker, cfg.Logger),
		processor: NewProcessor(cfg.Store, cfg.Converters, cfg.Files, cfg.Notifier, cfg.Processor, cfg.Logger),
		files:     cfg.Files,
		notifier:  cfg.Notifier,
		logger:    cfg.Logger.With().Str("component", "manager").Logger(),
	}, nil
}

// Start はブローカーの配送ループを起動します。
func (m *Manager) Start() error {
	return m.broker.Start(m.processor.Handle)
}

// Shutdown は配送を止めて実行中のジョブと送信中の Webhook を待ちます。
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.broker.Shutdown()
		if w, ok := m.notifier.(interface{ Wait() }); ok {
			w.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

// Submit はジョブを投入します。
func (m *Manager) Submit(ctx context.Context, s Submission) (*Job, error) {
	return m.router.Submit(ctx, s)
}

// Get はジョブを取得します。存在しない場合は ErrJobNotFound を返します。
func (m *Manager) Get(ctx context.Context, id string) (*Job, error) {
	if id == "" {
		return nil, ErrJobNotFound
	}
	job, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// List は全種別を統合したジョブ一覧を返します。
func (m *Manager) List(ctx context.Context, q ListQuery) (*ListPage, error) {
	return m.store.ListPage(ctx, q)
}

// Cancel はジョブを取り消します。
// 実行前のジョブはキューと記録から削除し、実行中のジョブは failed に確定してから中断を通知します。
// 既に終了しているジョブには何もしません。
func (m *Manager) Cancel(ctx context.Context, id string) (*Job, error) {
	job, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	log := m.logger.With().Str("job_id", id).Str("type", string(job.Type)).Logger()
	if job.Status.Terminal() {
		return job, nil
	}

	if job.Status == StatusQueued {
		removed, err := m.broker.Remove(ctx, job.Type, id)
		if err != nil {
			log.Warn().Err(err).Msg("failed to remove queued task")
		}
		if removed {
			if err := m.store.Delete(ctx, id); err != nil {
				return nil, fmt.Errorf("delete job record: %w", err)
			}
			if err := m.files.Remove(job.InputRef); err != nil {
				log.Warn().Err(err).Msg("failed to remove upload")
			}
			log.Info().Msg("queued job removed")
			return job, nil
		}
	}

	failed, err := m.store.Fail(ctx, id, CancelledReason)
	switch {
	case errors.Is(err, ErrTerminal):
		// 直前に終了していた
		return m.Get(ctx, id)
	case errors.Is(err, ErrJobNotFound):
		return nil, ErrJobNotFound
	case err != nil:
		return nil, fmt.Errorf("mark cancelled: %w", err)
	}

	metrics.JobFinished(string(job.Type), string(StatusFailed))
	if m.notifier != nil && failed.WebhookURL != "" {
		m.notifier.Dispatch(failed.WebhookURL, WebhookPayload(failed))
	}
	if err := m.broker.CancelActive(ctx, id); err != nil {
		log.Warn().Err(err).Msg("failed to signal active task")
	}
	log.Info().Msg("processing job cancelled")
	return failed, nil
}

// QueueStats は種別ごとにブローカー上のタスク件数を状態別に数えます。
func (m *Manager) QueueStats(ctx context.Context) (QueueStats, error) {
	stats := make(QueueStats)
	for _, t := range media.Types() {
		counts := make(map[TaskState]int, len(AllTaskStates))
		for _, s := range AllTaskStates {
			counts[s] = 0
		}
		infos, err := m.broker.ListByStates(ctx, t, AllTaskStates...)
		if err != nil {
			return nil, newError(KindTransientInfra, "QUEUE_UNAVAILABLE", "failed to read queue state", err)
		}
		for _, info := range infos {
			counts[info.State]++
		}
		stats[t] = counts
	}
	return stats, nil
}
