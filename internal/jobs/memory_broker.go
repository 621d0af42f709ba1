package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/uniconvert/internal/media"
)

// MemoryBrokerConfig はプロセス内ブローカーの設定です。
type MemoryBrokerConfig struct {
	Concurrency     map[media.Type]int
	MaxAttempts     int
	RetryBaseDelay  time.Duration
	Retention       time.Duration
	ShutdownTimeout time.Duration
	Logger          zerolog.Logger
}

type memTask struct {
	info       TaskInfo
	seq        uint64
	finishedAt time.Time
	cancel     context.CancelFunc
	timer      *time.Timer
}

// MemoryBroker は単一プロセス内で動く Broker 実装です。開発環境とテストで使います。
// 状態はプロセス終了とともに失われます。
type MemoryBroker struct {
	cfg    MemoryBrokerConfig
	logger zerolog.Logger

	mu      sync.Mutex
	tasks   map[string]*memTask
	ready   map[media.Type][]string
	wake    map[media.Type]chan struct{}
	seq     uint64
	started bool
	closed  bool

	stopCtx  context.Context // 新規タスクの取り出しを止める
	stop     context.CancelFunc
	abortCtx context.Context // 実行中タスクを中断する
	abort    context.CancelFunc
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewMemoryBroker は MemoryBroker を作成します。
func NewMemoryBroker(cfg MemoryBrokerConfig) *MemoryBroker {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	stopCtx, stop := context.WithCancel(context.Background())
	abortCtx, abort := context.WithCancel(context.Background())

	b := &MemoryBroker{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "broker").Logger(),
		tasks:    make(map[string]*memTask),
		ready:    make(map[media.Type][]string),
		wake:     make(map[media.Type]chan struct{}),
		stopCtx:  stopCtx,
		stop:     stop,
		abortCtx: abortCtx,
		abort:    abort,
		now:      time.Now,
	}
	for _, t := range media.Types() {
		b.wake[t] = make(chan struct{}, 1)
	}
	return b
}

// Enqueue はタスクを投入します。
func (b *MemoryBroker) Enqueue(_ context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if _, ok := b.wake[job.Type]; !ok {
		return fmt.Errorf("unknown queue: %s", job.Type)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("broker is shut down")
	}
	if _, exists := b.tasks[job.ID]; exists {
		return fmt.Errorf("task id conflict: %s", job.ID)
	}
	b.seq++
	b.tasks[job.ID] = &memTask{
		seq: b.seq,
		info: TaskInfo{
			ID:            job.ID,
			Type:          job.Type,
			State:         TaskPending,
			MaxRetry:      b.cfg.MaxAttempts - 1,
			NextProcessAt: b.now(),
		},
	}
	b.pushLocked(job.Type, job.ID)
	return nil
}

// Lookup はタスク情報のコピーを返します。
func (b *MemoryBroker) Lookup(_ context.Context, t media.Type, id string) (*TaskInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	task, ok := b.tasks[id]
	if !ok || task.info.Type != t {
		return nil, nil
	}
	info := task.info
	return &info, nil
}

// ListByStates は指定状態のタスクを投入順に返します。
func (b *MemoryBroker) ListByStates(_ context.Context, t media.Type, states ...TaskState) ([]*TaskInfo, error) {
	want := make(map[TaskState]bool, len(states))
	for _, s := range states {
		want[s] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked()

	var matched []*memTask
	for _, task := range b.tasks {
		if task.info.Type == t && want[task.info.State] {
			matched = append(matched, task)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })

	out := make([]*TaskInfo, len(matched))
	for i, task := range matched {
		info := task.info
		out[i] = &info
	}
	return out, nil
}

// Remove は実行前のタスクを削除します。
func (b *MemoryBroker) Remove(_ context.Context, t media.Type, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	task, ok := b.tasks[id]
	if !ok || task.info.Type != t {
		return false, nil
	}
	switch task.info.State {
	case TaskPending, TaskScheduled, TaskRetry:
	default:
		return false, nil
	}
	if task.timer != nil {
		task.timer.Stop()
	}
	delete(b.tasks, id)
	queue := b.ready[t]
	for i, queued := range queue {
		if queued == id {
			b.ready[t] = append(queue[:i:i], queue[i+1:]...)
			break
		}
	}
	return true, nil
}

// CancelActive は実行中タスクのコンテキストをキャンセルします。
func (b *MemoryBroker) CancelActive(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if task, ok := b.tasks[id]; ok && task.info.State == TaskActive && task.cancel != nil {
		task.cancel()
	}
	return nil
}

// Start は種別ごとの同時実行数ぶんワーカーを起動します。
func (b *MemoryBroker) Start(h Handler) error {
	if h == nil {
		return errors.New("handler is nil")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("broker is shut down")
	}
	if b.started {
		return errors.New("broker already started")
	}
	b.started = true

	for _, t := range media.Types() {
		n := b.cfg.Concurrency[t]
		if n < 1 {
			n = 1
		}
		for i := 0; i < n; i++ {
			b.wg.Add(1)
			go b.worker(t, h)
		}
		b.logger.Info().Str("type", string(t)).Int("concurrency", n).Msg("queue workers started")
	}
	return nil
}

// Shutdown は取り出しを止め、実行中タスクの終了を ShutdownTimeout まで待ちます。
// 待ちきれない場合は実行中タスクのコンテキストをキャンセルします。
func (b *MemoryBroker) Shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, task := range b.tasks {
		if task.timer != nil {
			task.timer.Stop()
		}
	}
	b.mu.Unlock()

	b.stop()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	timeout := b.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-done:
	case <-time.After(timeout):
		b.logger.Warn().Msg("shutdown timeout exceeded, aborting active tasks")
		b.abort()
		<-done
	}
	b.abort()
}

func (b *MemoryBroker) worker(t media.Type, h Handler) {
	defer b.wg.Done()
	for {
		d, ctx, cancel := b.claim(t)
		if d == nil {
			select {
			case <-b.stopCtx.Done():
				return
			case <-b.wake[t]:
			}
			continue
		}
		err := b.invoke(ctx, h, d)
		cancel()
		b.finish(d.JobID, err)
	}
}

// claim は次のタスクを1件取り出して active にします。取り出しは mu で直列化されます。
func (b *MemoryBroker) claim(t media.Type) (*Delivery, context.Context, context.CancelFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, nil
	}
	for len(b.ready[t]) > 0 {
		id := b.ready[t][0]
		b.ready[t] = b.ready[t][1:]
		task, ok := b.tasks[id]
		if !ok || task.info.State != TaskPending {
			continue
		}

		ctx, cancel := context.WithCancel(b.abortCtx)
		task.info.State = TaskActive
		task.cancel = cancel
		if len(b.ready[t]) > 0 {
			b.signalLocked(t)
		}
		return &Delivery{
			JobID:       id,
			Type:        t,
			Attempt:     task.info.Retried + 1,
			MaxAttempts: task.info.MaxRetry + 1,
		}, ctx, cancel
	}
	return nil, nil, nil
}

func (b *MemoryBroker) invoke(ctx context.Context, h Handler, d *Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, *d)
}

func (b *MemoryBroker) finish(id string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	task, ok := b.tasks[id]
	if !ok {
		return
	}
	task.cancel = nil
	now := b.now()

	if err == nil {
		task.info.State = TaskCompleted
		task.info.LastErr = ""
		task.finishedAt = now
		b.pruneLocked()
		return
	}

	task.info.LastErr = err.Error()
	if errors.Is(err, ErrNoRetry) || task.info.Retried >= task.info.MaxRetry {
		task.info.State = TaskArchived
		task.finishedAt = now
		b.pruneLocked()
		return
	}

	task.info.Retried++
	task.info.State = TaskRetry
	if b.closed {
		return
	}
	delay := backoff(b.cfg.RetryBaseDelay, task.info.Retried)
	task.info.NextProcessAt = now.Add(delay)
	task.timer = time.AfterFunc(delay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		current, ok := b.tasks[id]
		if !ok || current != task || task.info.State != TaskRetry || b.closed {
			return
		}
		task.timer = nil
		task.info.State = TaskPending
		b.pushLocked(task.info.Type, id)
	})
}

func (b *MemoryBroker) pushLocked(t media.Type, id string) {
	b.ready[t] = append(b.ready[t], id)
	b.signalLocked(t)
}

func (b *MemoryBroker) signalLocked(t media.Type) {
	select {
	case b.wake[t] <- struct{}{}:
	default:
	}
}

// pruneLocked は保持期間を過ぎた終了済みタスクを捨てます。
func (b *MemoryBroker) pruneLocked() {
	if b.cfg.Retention <= 0 {
		return
	}
	cutoff := b.now().Add(-b.cfg.Retention)
	for id, task := range b.tasks {
		if !task.finishedAt.IsZero() && task.finishedAt.Before(cutoff) {
			delete(b.tasks, id)
		}
	}
}
