package jobs

import (
	"context"
	"time"

	"github.com/yourusername/uniconvert/internal/media"
)

// TaskState はブローカー側から見たタスクの状態です。
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskScheduled TaskState = "scheduled"
	TaskRetry     TaskState = "retry"
	TaskActive    TaskState = "active"
	TaskCompleted TaskState = "completed"
	TaskArchived  TaskState = "archived"
)

// AllTaskStates はキュー統計で集計する状態の一覧です。
var AllTaskStates = []TaskState{TaskPending, TaskScheduled, TaskRetry, TaskActive, TaskCompleted, TaskArchived}

// TaskInfo はブローカーが保持するタスクの情報です。
type TaskInfo struct {
	ID            string     `json:"id"`
	Type          media.Type `json:"type"`
	State         TaskState  `json:"state"`
	Retried       int        `json:"retried"`
	MaxRetry      int        `json:"max_retry"`
	LastErr       string     `json:"last_error,omitempty"`
	NextProcessAt time.Time  `json:"next_process_at,omitempty"`
}

// Delivery は1回分の配送（試行）を表します。Attempt は1始まりです。
type Delivery struct {
	JobID       string
	Type        media.Type
	Attempt     int
	MaxAttempts int
}

// Final はこの試行が最後の試行かどうかを返します。
func (d Delivery) Final() bool {
	return d.Attempt >= d.MaxAttempts
}

// Handler は配送されたタスクを処理します。
// nil を返すと ack、エラーを返すと fail（バックオフ付きで再配送）となり、
// ErrNoRetry を含むエラーは残りの試行を行いません。
type Handler func(ctx context.Context, d Delivery) error

// Broker は種別ごとのキューを提供する配送基盤です。配送は at-least-once です。
type Broker interface {
	Enqueue(ctx context.Context, job *Job) error
	// Lookup は未知のタスクに対して nil を返します。
	Lookup(ctx context.Context, t media.Type, id string) (*TaskInfo, error)
	ListByStates(ctx context.Context, t media.Type, states ...TaskState) ([]*TaskInfo, error)
	// Remove は実行前のタスクを削除します。実行中や未知のタスクは false を返します。
	Remove(ctx context.Context, t media.Type, id string) (bool, error)
	// CancelActive は実行中のタスクに中断を通知します（ベストエフォート）。
	CancelActive(ctx context.Context, id string) error
	Start(h Handler) error
	Shutdown()
}

// backoff は n 回目の失敗後の待ち時間 base * 2^(n-1) を返します。
func backoff(base time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if n > 20 {
		n = 20
	}
	return base * time.Duration(1<<uint(n-1))
}
