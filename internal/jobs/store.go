package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/uniconvert/internal/media"
)

const (
	jobKeyPrefix   = "job:"
	indexKeyPrefix = "jobs:index:"

	maxTxRetries = 50
)

// Store はジョブ状態を Redis に保存します。ジョブの存在と最終結果はここが正です。
type Store struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

// NewStore は Store を作成します。ttl はジョブ記録の保持期間です。
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{
		rdb: rdb,
		ttl: ttl,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Get はジョブ情報を取得します。存在しない場合は nil を返します。
func (s *Store) Get(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Upsert はジョブ情報を保存し、種別ごとのインデックスに登録します。
func (s *Store) Upsert(ctx context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if job.ID == "" {
		return fmt.Errorf("job.ID is required")
	}
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.ExpiresAt.IsZero() && s.ttl > 0 {
		job.ExpiresAt = job.CreatedAt.Add(s.ttl)
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, jobKey(job.ID), payload, s.ttl)
		pipe.ZAdd(ctx, indexKey(job.Type), redis.Z{
			Score:  float64(job.CreatedAt.UnixNano()),
			Member: job.ID,
		})
		return nil
	})
	return err
}

// Delete はジョブ記録を削除します。存在しない場合は何もしません。
func (s *Store) Delete(ctx context.Context, jobID string) error {
	job, err := s.Get(ctx, jobID)
	if err != nil || job == nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, jobKey(jobID))
		pipe.ZRem(ctx, indexKey(job.Type), jobID)
		return nil
	})
	return err
}

// MarkProcessing は試行の開始を記録します。進捗は前回の値を引き継ぎます。
func (s *Store) MarkProcessing(ctx context.Context, jobID string) (*Job, error) {
	return s.update(ctx, jobID, func(job *Job) error {
		if job.Status.Terminal() {
			return ErrTerminal
		}
		now := s.now()
		job.Status = StatusProcessing
		job.Attempts++
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
		return nil
	})
}

// UpdateProgress は進捗を更新します。値は単調増加に丸められ、終了後の更新は無視されます。
// 100 は完了時にのみ設定されるため、実行中は 99 で頭打ちにします。
func (s *Store) UpdateProgress(ctx context.Context, jobID string, percent int) error {
	_, err := s.update(ctx, jobID, func(job *Job) error {
		if job.Status.Terminal() {
			return ErrTerminal
		}
		p := clampPercent(percent)
		if p > 99 {
			p = 99
		}
		if p <= job.Progress {
			return errNoChange
		}
		job.Progress = p
		return nil
	})
	if errors.Is(err, ErrTerminal) || errors.Is(err, errNoChange) {
		return nil
	}
	return err
}

// Requeue は失敗した試行をリトライ待ちに戻します。進捗は維持します。
func (s *Store) Requeue(ctx context.Context, jobID, lastErr string) (*Job, error) {
	return s.update(ctx, jobID, func(job *Job) error {
		if job.Status.Terminal() {
			return ErrTerminal
		}
		job.Status = StatusQueued
		job.LastError = lastErr
		return nil
	})
}

// Complete はジョブを完了状態にします。processing 以外からの遷移は拒否します。
func (s *Store) Complete(ctx context.Context, jobID string, result *Result) (*Job, error) {
	if result == nil {
		return nil, fmt.Errorf("result is nil")
	}
	return s.update(ctx, jobID, func(job *Job) error {
		if job.Status.Terminal() {
			return ErrTerminal
		}
		if job.Status != StatusProcessing {
			return fmt.Errorf("cannot complete job in %s state", job.Status)
		}
		now := s.now()
		job.Status = StatusCompleted
		job.Progress = 100
		job.Result = result
		job.Error = ""
		job.LastError = ""
		job.CompletedAt = &now
		return nil
	})
}

// Fail はジョブを失敗状態にします。既に終了していれば ErrTerminal を返します。
func (s *Store) Fail(ctx context.Context, jobID, reason string) (*Job, error) {
	return s.update(ctx, jobID, func(job *Job) error {
		if job.Status.Terminal() {
			return ErrTerminal
		}
		now := s.now()
		job.Status = StatusFailed
		job.Result = nil
		job.Error = reason
		job.LastError = ""
		job.CompletedAt = &now
		return nil
	})
}

// ListPage は全種別のジョブを作成日時の降順で統合し、その後でページングします。
func (s *Store) ListPage(ctx context.Context, q ListQuery) (*ListPage, error) {
	q = q.normalize()
	now := s.now()

	var all []*Job
	for _, t := range media.Types() {
		ids, err := s.rdb.ZRevRange(ctx, indexKey(t), 0, -1).Result()
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			continue
		}
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = jobKey(id)
		}
		values, err := s.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, err
		}

		var stale []any
		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				stale = append(stale, ids[i])
				continue
			}
			var job Job
			if err := json.Unmarshal([]byte(raw), &job); err != nil {
				continue
			}
			if !job.ExpiresAt.IsZero() && job.ExpiresAt.Before(now) {
				continue
			}
			if q.Status != "" && job.Status != q.Status {
				continue
			}
			all = append(all, &job)
		}
		// TTL で消えた記録をインデックスからも外す
		if len(stale) > 0 {
			s.rdb.ZRem(ctx, indexKey(t), stale...)
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	page := &ListPage{
		Jobs:  []*Job{},
		Page:  q.Page,
		Limit: q.Limit,
		Total: len(all),
	}
	start := (q.Page - 1) * q.Limit
	if start < len(all) {
		end := start + q.Limit
		if end > len(all) {
			end = len(all)
		}
		page.Jobs = all[start:end]
	}
	return page, nil
}

var errNoChange = errors.New("no change")

// update は WATCH による楽観ロックで記録を書き換えます。
// mutate がエラーを返した場合は書き込まずにそのエラーを返します。
func (s *Store) update(ctx context.Context, jobID string, mutate func(*Job) error) (*Job, error) {
	key := jobKey(jobID)
	var updated Job

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrJobNotFound
			}
			return err
		}
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		if err := mutate(&job); err != nil {
			return err
		}
		job.UpdatedAt = s.now()
		payload, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			return nil
		})
		if err == nil {
			updated = job
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &updated, nil
	}
	return nil, fmt.Errorf("update job %s: too many concurrent writers", jobID)
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func indexKey(t media.Type) string {
	return indexKeyPrefix + string(t)
}
