package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/yourusername/uniconvert/internal/logging"
	"github.com/yourusername/uniconvert/internal/media"
)

const taskTypePrefix = "convert:"

// taskTimeoutGrace はプロセッサ側のタイムアウト処理が終わるまでの猶予です。
const taskTimeoutGrace = time.Minute

// unlimitedTaskTimeout は JobTimeout=0 のときに渡すタイムアウトです。
// asynq は Timeout 未指定だと30分で打ち切るため、明示的に長い値を渡します。
const unlimitedTaskTimeout = 10 * 365 * 24 * time.Hour

// AsynqBrokerConfig は asynq ブローカーの設定です。
type AsynqBrokerConfig struct {
	RedisOpt        asynq.RedisConnOpt
	Concurrency     map[media.Type]int
	MaxAttempts     int
	RetryBaseDelay  time.Duration
	JobTimeout      time.Duration
	Retention       time.Duration
	ShutdownTimeout time.Duration
	CheckInterval   time.Duration // scheduled/retry タスクの確認間隔（0 なら asynq の既定値）
	Logger          zerolog.Logger
}

// AsynqBroker は asynq を使った Broker 実装です。
// 種別ごとに同時実行数を独立させるため、キューごとに asynq.Server を1つ起動します。
type AsynqBroker struct {
	cfg       AsynqBrokerConfig
	client    *asynq.Client
	inspector *asynq.Inspector
	servers   map[media.Type]*asynq.Server
	logger    zerolog.Logger
}

// taskPayload は asynq タスクのペイロードです。ジョブ本体はストアから読み出します。
type taskPayload struct {
	JobID string     `json:"job_id"`
	Type  media.Type `json:"type"`
}

// NewAsynqBroker は AsynqBroker を初期化します。
func NewAsynqBroker(cfg AsynqBrokerConfig) (*AsynqBroker, error) {
	if cfg.RedisOpt == nil {
		return nil, errors.New("redis option is nil")
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}

	b := &AsynqBroker{
		cfg:       cfg,
		client:    asynq.NewClient(cfg.RedisOpt),
		inspector: asynq.NewInspector(cfg.RedisOpt),
		servers:   make(map[media.Type]*asynq.Server),
		logger:    cfg.Logger.With().Str("component", "broker").Logger(),
	}

	for _, t := range media.Types() {
		concurrency := cfg.Concurrency[t]
		if concurrency < 1 {
			concurrency = 1
		}
		mediaType := t
		b.servers[t] = asynq.NewServer(cfg.RedisOpt, asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				string(t): 1,
			},
			RetryDelayFunc:           b.retryDelay,
			DelayedTaskCheckInterval: cfg.CheckInterval,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				b.logger.Warn().
					Err(err).
					Str("type", string(mediaType)).
					Str("task", task.Type()).
					Int("retried", retried).
					Msg("task attempt failed")
			}),
			ShutdownTimeout: cfg.ShutdownTimeout,
			Logger:          logging.NewAsynqLogger(cfg.Logger),
		})
	}
	return b, nil
}

// Enqueue はジョブの種別に対応するキューへタスクを投入します。タスクIDはジョブIDと同一です。
func (b *AsynqBroker) Enqueue(ctx context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	body, err := json.Marshal(taskPayload{JobID: job.ID, Type: job.Type})
	if err != nil {
		return err
	}

	task := asynq.NewTask(taskTypePrefix+string(job.Type), body)
	opts := []asynq.Option{
		asynq.Queue(string(job.Type)),
		asynq.TaskID(job.ID),
		asynq.MaxRetry(b.cfg.MaxAttempts - 1),
		asynq.Timeout(taskTimeout(b.cfg.JobTimeout)),
	}
	if b.cfg.Retention > 0 {
		opts = append(opts, asynq.Retention(b.cfg.Retention))
	}
	if _, err := b.client.EnqueueContext(ctx, task, opts...); err != nil {
		return fmt.Errorf("enqueue %s: %w", job.ID, err)
	}
	return nil
}

// retryDelay は asynq の RetryDelayFunc です。n はこれまでのリトライ回数（初回失敗時は 0）です。
func (b *AsynqBroker) retryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	return backoff(b.cfg.RetryBaseDelay, n+1)
}

func taskTimeout(jobTimeout time.Duration) time.Duration {
	if jobTimeout <= 0 {
		return unlimitedTaskTimeout
	}
	return jobTimeout + taskTimeoutGrace
}

// Lookup はタスク情報を取得します。
func (b *AsynqBroker) Lookup(_ context.Context, t media.Type, id string) (*TaskInfo, error) {
	info, err := b.inspector.GetTaskInfo(string(t), id)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return fromAsynqInfo(t, info), nil
}

const listPageSize = 100

// ListByStates は指定状態のタスクを列挙します。
func (b *AsynqBroker) ListByStates(_ context.Context, t media.Type, states ...TaskState) ([]*TaskInfo, error) {
	queue := string(t)
	var out []*TaskInfo
	for _, state := range states {
		list := b.listFunc(state)
		if list == nil {
			return nil, fmt.Errorf("unknown task state: %s", state)
		}
		for page := 1; ; page++ {
			infos, err := list(queue, asynq.Page(page), asynq.PageSize(listPageSize))
			if err != nil {
				if errors.Is(err, asynq.ErrQueueNotFound) {
					break
				}
				return nil, err
			}
			for _, info := range infos {
				out = append(out, fromAsynqInfo(t, info))
			}
			if len(infos) < listPageSize {
				break
			}
		}
	}
	return out, nil
}

func (b *AsynqBroker) listFunc(state TaskState) func(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	switch state {
	case TaskPending:
		return b.inspector.ListPendingTasks
	case TaskScheduled:
		return b.inspector.ListScheduledTasks
	case TaskRetry:
		return b.inspector.ListRetryTasks
	case TaskActive:
		return b.inspector.ListActiveTasks
	case TaskCompleted:
		return b.inspector.ListCompletedTasks
	case TaskArchived:
		return b.inspector.ListArchivedTasks
	}
	return nil
}

// Remove は実行前（pending/scheduled/retry）のタスクを削除します。
func (b *AsynqBroker) Remove(ctx context.Context, t media.Type, id string) (bool, error) {
	info, err := b.Lookup(ctx, t, id)
	if err != nil || info == nil {
		return false, err
	}
	switch info.State {
	case TaskPending, TaskScheduled, TaskRetry:
	default:
		return false, nil
	}
	if err := b.inspector.DeleteTask(string(t), id); err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) {
			return false, nil
		}
		// 削除直前に実行が始まった場合もここに来る
		b.logger.Debug().Err(err).Str("job_id", id).Msg("delete task rejected")
		return false, nil
	}
	return true, nil
}

// CancelActive は実行中タスクへキャンセルを通知します。
func (b *AsynqBroker) CancelActive(_ context.Context, id string) error {
	return b.inspector.CancelProcessing(id)
}

// Start は全キューのサーバーをバックグラウンドで起動します。
func (b *AsynqBroker) Start(h Handler) error {
	if h == nil {
		return errors.New("handler is nil")
	}
	for t, srv := range b.servers {
		mux := asynq.NewServeMux()
		mux.HandleFunc(taskTypePrefix+string(t), b.wrap(h))
		if err := srv.Start(mux); err != nil {
			return fmt.Errorf("start %s server: %w", t, err)
		}
		b.logger.Info().Str("type", string(t)).Msg("queue server started")
	}
	return nil
}

func (b *AsynqBroker) wrap(h Handler) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var payload taskPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
		}
		if payload.JobID == "" {
			return fmt.Errorf("missing job_id in payload: %w", asynq.SkipRetry)
		}

		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, ok := asynq.GetMaxRetry(ctx)
		if !ok {
			maxRetry = b.cfg.MaxAttempts - 1
		}
		err := h(ctx, Delivery{
			JobID:       payload.JobID,
			Type:        payload.Type,
			Attempt:     retried + 1,
			MaxAttempts: maxRetry + 1,
		})
		if err != nil && errors.Is(err, ErrNoRetry) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}
}

// Shutdown は全サーバーを停止し（実行中タスクの完了を待つ）、接続を閉じます。
func (b *AsynqBroker) Shutdown() {
	for _, srv := range b.servers {
		srv.Shutdown()
	}
	if err := b.client.Close(); err != nil {
		b.logger.Warn().Err(err).Msg("close asynq client")
	}
	if err := b.inspector.Close(); err != nil {
		b.logger.Warn().Err(err).Msg("close asynq inspector")
	}
}

func fromAsynqInfo(t media.Type, info *asynq.TaskInfo) *TaskInfo {
	return &TaskInfo{
		ID:            info.ID,
		Type:          t,
		State:         TaskState(info.State.String()),
		Retried:       info.Retried,
		MaxRetry:      info.MaxRetry,
		LastErr:       info.LastErr,
		NextProcessAt: info.NextProcessAt,
	}
}
