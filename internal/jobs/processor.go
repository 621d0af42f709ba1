package jobs

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"github.com/yourusername/uniconvert/internal/convert"
	"github.com/yourusername/uniconvert/internal/metrics"
	"github.com/yourusername/uniconvert/internal/notify"
)

// Notifier は終了したジョブの Webhook 通知を非同期に送ります。
type Notifier interface {
	Dispatch(url string, payload notify.Payload)
}

// Files は入出力ファイルの配置と削除を担います。
type Files interface {
	OutputPath(jobID, originalName, targetFormat string) string
	Remove(path string) error
}

// ProcessorConfig は Processor の設定です。
type ProcessorConfig struct {
	JobTimeout      time.Duration // 0 なら無制限
	KillOnCancel    bool          // 中断時に外部プロセスも止めるか
	DownloadBaseURL string
}

// Processor はブローカーから配送されたジョブを1試行ぶん実行します。
type Processor struct {
	store      *Store
	converters *convert.Registry
	files      Files
	notifier   Notifier
	cfg        ProcessorConfig
	logger     zerolog.Logger
}

// NewProcessor は Processor を作成します。notifier は nil でも構いません。
func NewProcessor(store *Store, converters *convert.Registry, files Files, notifier Notifier, cfg ProcessorConfig, logger zerolog.Logger) *Processor {
	return &Processor{
		store:      store,
		converters: converters,
		files:      files,
		notifier:   notifier,
		cfg:        cfg,
		logger:     logger.With().Str("component", "processor").Logger(),
	}
}

type conversion struct {
	out *convert.Output
	err error
}

// Handle は Broker の Handler として使います。
func (p *Processor) Handle(ctx context.Context, d Delivery) error {
	log := p.logger.With().
		Str("job_id", d.JobID).
		Str("type", string(d.Type)).
		Int("attempt", d.Attempt).
		Logger()

	job, err := p.store.MarkProcessing(ctx, d.JobID)
	switch {
	case errors.Is(err, ErrJobNotFound):
		// 取り出し前にキャンセルされた
		log.Info().Msg("job record missing, discarding task")
		return nil
	case errors.Is(err, ErrTerminal):
		log.Debug().Msg("job already finished, skipping")
		if current, _ := p.store.Get(ctx, d.JobID); current != nil {
			_ = p.files.Remove(current.InputRef)
		}
		return nil
	case err != nil:
		return fmt.Errorf("mark processing: %w", err)
	}
	log.Info().Str("target", job.TargetFormat).Msg("conversion started")

	untrack := metrics.TrackInFlight(string(job.Type))
	start := time.Now()
	outcome, err := p.process(ctx, job, d, log)
	untrack()
	metrics.AttemptFinished(string(job.Type), outcome, time.Since(start))
	return err
}

func (p *Processor) process(ctx context.Context, job *Job, d Delivery, log zerolog.Logger) (string, error) {
	// 終了状態の書き込みは配送側のキャンセルに影響されないようにする
	bg := context.WithoutCancel(ctx)

	conv, ok := p.converters.Get(job.Type)
	if !ok {
		return p.failFinal(bg, job, fmt.Sprintf("no converter registered for %s", job.Type), log)
	}
	if _, err := os.Stat(job.InputRef); err != nil {
		return p.failFinal(bg, job, "input file is missing", log)
	}

	outPath := p.files.OutputPath(job.ID, job.OriginalName, job.TargetFormat)
	req := convert.Request{
		InputPath:    job.InputRef,
		OriginalName: job.OriginalName,
		OutputPath:   outPath,
		TargetFormat: job.TargetFormat,
		Options:      job.Options,
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if p.cfg.JobTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, p.cfg.JobTimeout)
	}
	defer cancel()

	convCtx := runCtx
	if !p.cfg.KillOnCancel {
		convCtx = context.WithoutCancel(runCtx)
	}

	tracker := newProgressTracker(job.Progress, func(percent int) {
		if err := p.store.UpdateProgress(bg, job.ID, percent); err != nil {
			log.Warn().Err(err).Int("progress", percent).Msg("failed to update progress")
		}
	})

	results := make(chan conversion, 1)
	go func() {
		var c conversion
		defer func() {
			if r := recover(); r != nil {
				c = conversion{err: fmt.Errorf("converter panic: %v", r)}
			}
			results <- c
		}()
		c.out, c.err = conv.Convert(convCtx, req, tracker.Report)
	}()

	select {
	case c := <-results:
		tracker.Close()
		if c.err != nil && runCtx.Err() != nil {
			// 中断により変換器が止まった
			return p.handleAbort(ctx, bg, job, outPath, log)
		}
		if c.err != nil {
			return p.handleFailure(bg, job, d, outPath, c.err, log)
		}
		return p.handleSuccess(bg, job, d, outPath, c.out, log)
	case <-runCtx.Done():
		tracker.Close()
		go p.discardLate(results, outPath, log)
		return p.handleAbort(ctx, bg, job, outPath, log)
	}
}

// handleAbort はタイムアウト・ユーザーキャンセル・シャットダウンによる中断を処理します。
func (p *Processor) handleAbort(ctx, bg context.Context, job *Job, outPath string, log zerolog.Logger) (string, error) {
	_ = p.files.Remove(outPath)

	current, err := p.store.Get(bg, job.ID)
	if err == nil && (current == nil || current.Status.Terminal()) {
		log.Info().Msg("conversion abandoned after cancellation")
		_ = p.files.Remove(job.InputRef)
		return "cancelled", nil
	}

	if ctx.Err() == nil {
		return p.failFinal(bg, job, fmt.Sprintf("conversion timed out after %s", p.cfg.JobTimeout), log)
	}

	// シャットダウン: 入力は残して再配送に任せる
	if _, err := p.store.Requeue(bg, job.ID, "interrupted by shutdown"); err != nil && !errors.Is(err, ErrTerminal) {
		log.Warn().Err(err).Msg("failed to requeue interrupted job")
	}
	log.Warn().Msg("conversion interrupted, leaving for redelivery")
	return "retry", ctx.Err()
}

// discardLate は中断後に終わった変換の出力を捨てます。
func (p *Processor) discardLate(results <-chan conversion, outPath string, log zerolog.Logger) {
	c := <-results
	if err := p.files.Remove(outPath); err != nil {
		log.Warn().Err(err).Msg("failed to remove late output")
	}
	if c.out != nil && c.out.Path != "" && c.out.Path != outPath {
		_ = p.files.Remove(c.out.Path)
	}
}

func (p *Processor) handleFailure(bg context.Context, job *Job, d Delivery, outPath string, convErr error, log zerolog.Logger) (string, error) {
	_ = p.files.Remove(outPath)

	msg := convErr.Error()
	if errors.Is(convErr, convert.ErrUnsupported) || errors.Is(convErr, ErrNoRetry) || d.Final() {
		return p.failFinal(bg, job, msg, log)
	}

	if _, err := p.store.Requeue(bg, job.ID, msg); err != nil {
		if errors.Is(err, ErrTerminal) || errors.Is(err, ErrJobNotFound) {
			_ = p.files.Remove(job.InputRef)
			return "cancelled", nil
		}
		log.Error().Err(err).Msg("failed to record retry")
	}
	log.Warn().Err(convErr).Int("max_attempts", d.MaxAttempts).Msg("attempt failed, will retry")
	return "retry", convErr
}

func (p *Processor) handleSuccess(bg context.Context, job *Job, d Delivery, outPath string, out *convert.Output, log zerolog.Logger) (string, error) {
	path := outPath
	var meta map[string]any
	if out != nil {
		if out.Path != "" {
			path = out.Path
		}
		meta = out.Meta
	}

	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return p.handleFailure(bg, job, d, path, errors.New("conversion produced no output"), log)
	}

	filename := filepath.Base(path)
	result := &Result{
		DownloadURL:      p.downloadURL(filename),
		Filename:         filename,
		OriginalFilename: job.OriginalName,
		Size:             info.Size(),
		Meta:             meta,
	}
	if mt, err := mimetype.DetectFile(path); err == nil {
		result.ContentType = mt.String()
	}

	completed, err := p.store.Complete(bg, job.ID, result)
	if err != nil {
		if errors.Is(err, ErrTerminal) || errors.Is(err, ErrJobNotFound) {
			// 変換中にキャンセルされた
			_ = p.files.Remove(path)
			_ = p.files.Remove(job.InputRef)
			return "cancelled", nil
		}
		return "failure", fmt.Errorf("mark completed: %w", err)
	}

	if err := p.files.Remove(job.InputRef); err != nil {
		log.Warn().Err(err).Msg("failed to remove input")
	}
	metrics.JobFinished(string(job.Type), string(StatusCompleted))
	p.notify(completed)
	log.Info().Str("output", filename).Int64("size", info.Size()).Msg("conversion completed")
	return "success", nil
}

// failFinal はジョブを failed に確定します。確定できた場合のみ Webhook を送ります。
func (p *Processor) failFinal(bg context.Context, job *Job, reason string, log zerolog.Logger) (string, error) {
	_ = p.files.Remove(job.InputRef)

	failed, err := p.store.Fail(bg, job.ID, reason)
	if err != nil {
		if errors.Is(err, ErrTerminal) || errors.Is(err, ErrJobNotFound) {
			return "cancelled", nil
		}
		return "failure", fmt.Errorf("mark failed: %w", err)
	}

	metrics.JobFinished(string(job.Type), string(StatusFailed))
	p.notify(failed)
	log.Warn().Str("reason", reason).Msg("job failed")
	return "failure", NoRetry(errors.New(reason))
}

func (p *Processor) notify(job *Job) {
	if p.notifier == nil || job == nil || job.WebhookURL == "" {
		return
	}
	p.notifier.Dispatch(job.WebhookURL, WebhookPayload(job))
}

func (p *Processor) downloadURL(filename string) string {
	return DownloadURL(p.cfg.DownloadBaseURL, filename)
}

// DownloadURL は出力ファイルの取得URLを組み立てます。base が空なら /downloads を使います。
func DownloadURL(base, filename string) string {
	if base == "" {
		base = "/downloads"
	}
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(filename)
}

// WebhookPayload は終了状態のジョブから通知本文を作ります。
func WebhookPayload(job *Job) notify.Payload {
	payload := notify.Payload{
		JobID:            job.ID,
		Status:           string(job.Status),
		Error:            job.Error,
		ProcessingTimeMs: job.ProcessingTime().Milliseconds(),
	}
	if job.Result != nil {
		payload.DownloadURL = job.Result.DownloadURL
		payload.Filename = job.Result.Filename
		payload.OriginalFilename = job.Result.OriginalFilename
	}
	return payload
}
