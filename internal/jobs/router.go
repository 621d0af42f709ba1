package jobs

import (
	"context"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yourusername/uniconvert/internal/media"
	"github.com/yourusername/uniconvert/internal/metrics"
)

// Router はアップロードを種別に振り分け、ジョブを作成して該当キューに投入します。
type Router struct {
	store  *Store
	broker Broker
	newID  func() string
	logger zerolog.Logger
}

// NewRouter は Router を作成します。
func NewRouter(store *Store, broker Broker, logger zerolog.Logger) *Router {
	return &Router{
		store:  store,
		broker: broker,
		newID:  uuid.NewString,
		logger: logger.With().Str("component", "router").Logger(),
	}
}

// Submit はジョブを作成して投入し、変換の完了を待たずに返します。
// 入力の検証に失敗した場合はジョブを作成しません。
func (r *Router) Submit(ctx context.Context, s Submission) (*Job, error) {
	job, err := r.build(s)
	if err != nil {
		return nil, err
	}

	if err := r.store.Upsert(ctx, job); err != nil {
		return nil, newError(KindTransientInfra, "QUEUE_UNAVAILABLE", "failed to record job", err)
	}
	if err := r.broker.Enqueue(ctx, job); err != nil {
		if delErr := r.store.Delete(context.WithoutCancel(ctx), job.ID); delErr != nil {
			r.logger.Error().Err(delErr).Str("job_id", job.ID).Msg("failed to roll back job record")
		}
		return nil, newError(KindTransientInfra, "QUEUE_UNAVAILABLE", "failed to enqueue job", err)
	}

	metrics.JobSubmitted(string(job.Type))
	r.logger.Info().
		Str("job_id", job.ID).
		Str("type", string(job.Type)).
		Str("target", job.TargetFormat).
		Msg("job queued")
	return job, nil
}

func (r *Router) build(s Submission) (*Job, error) {
	target := media.NormalizeFormat(s.TargetFormat)
	if target == "" {
		return nil, validationError("target_format is required")
	}
	if s.InputRef == "" {
		return nil, validationError("file is required")
	}

	mediaType := s.Type
	if mediaType == "" {
		detected, ok := media.Classify(s.OriginalName)
		if !ok {
			return nil, validationError("unsupported file type: " + fileExt(s.OriginalName))
		}
		mediaType = detected
	}
	desc, ok := media.Lookup(mediaType)
	if !ok {
		return nil, validationError("unsupported media type: " + string(mediaType))
	}
	if !desc.SupportsFormat(target) {
		return nil, validationError("unsupported target_format for " + string(mediaType) + ": " + target)
	}

	webhook := strings.TrimSpace(s.WebhookURL)
	if webhook != "" && !validWebhookURL(webhook) {
		return nil, validationError("webhook_url must be an absolute http(s) URL")
	}

	return &Job{
		ID:           r.newID(),
		Type:         mediaType,
		InputRef:     s.InputRef,
		OriginalName: s.OriginalName,
		TargetFormat: target,
		Options:      desc.FilterOptions(s.Options),
		WebhookURL:   webhook,
		Status:       StatusQueued,
		Progress:     0,
	}, nil
}

func validWebhookURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func fileExt(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return strings.ToLower(name[i:])
	}
	return "unknown"
}
