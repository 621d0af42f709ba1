package jobs

import (
	"time"

	"github.com/yourusername/uniconvert/internal/media"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal は終了状態（completed / failed）かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus は一覧のフィルタ値を Status に変換します。
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return st, true
	}
	return "", false
}

// CancelledReason はユーザー操作で中断されたジョブのエラーメッセージです。
const CancelledReason = "cancelled by user"

// Result は変換成功時の成果物情報です。
type Result struct {
	DownloadURL      string         `json:"download_url"`
	Filename         string         `json:"filename"`
	OriginalFilename string         `json:"original_filename"`
	Size             int64          `json:"size"`
	ContentType      string         `json:"content_type,omitempty"`
	Meta             map[string]any `json:"meta,omitempty"`
}

// Job は1件の変換依頼と、その現在状態を表します。
type Job struct {
	ID           string            `json:"id"`
	Type         media.Type        `json:"type"`
	InputRef     string            `json:"input_ref"`
	OriginalName string            `json:"original_filename"`
	TargetFormat string            `json:"target_format"`
	Options      map[string]string `json:"options,omitempty"`
	WebhookURL   string            `json:"webhook_url,omitempty"`

	Status    Status  `json:"status"`
	Progress  int     `json:"progress"`
	Result    *Result `json:"result,omitempty"`
	Error     string  `json:"error,omitempty"`
	LastError string  `json:"last_error,omitempty"` // リトライ待ちの直近エラー（外部には返さない）
	Attempts  int     `json:"attempts"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at"`
}

// ProcessingTime は開始から終了までの経過時間を返します。未開始・未終了なら 0 です。
func (j *Job) ProcessingTime() time.Duration {
	if j == nil || j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// Submission は Router に渡される変換依頼です。
type Submission struct {
	Type         media.Type // 空なら OriginalName の拡張子から判定する
	InputRef     string
	OriginalName string
	TargetFormat string
	Options      map[string]string
	WebhookURL   string
}

// ListQuery はジョブ一覧の取得条件です。
type ListQuery struct {
	Page   int
	Limit  int
	Status Status // 空なら全件
}

// ListPage はジョブ一覧の1ページ分です。
type ListPage struct {
	Jobs  []*Job `json:"jobs"`
	Page  int    `json:"page"`
	Limit int    `json:"limit"`
	Total int    `json:"total"`
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// normalize はページ番号と件数を既定値・上限に丸めます。
func (q ListQuery) normalize() ListQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = defaultListLimit
	}
	if q.Limit > maxListLimit {
		q.Limit = maxListLimit
	}
	return q
}
