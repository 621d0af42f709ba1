// Package notify はジョブ終了時の Webhook 通知を送信します。
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/uniconvert/internal/metrics"
)

const userAgent = "UniConvert/1.0"

// Payload は Webhook で送信する本文です。
type Payload struct {
	JobID            string `json:"job_id"`
	Status           string `json:"status"`
	DownloadURL      string `json:"download_url,omitempty"`
	Filename         string `json:"filename,omitempty"`
	OriginalFilename string `json:"original_filename,omitempty"`
	Error            string `json:"error,omitempty"`
	ProcessingTimeMs int64  `json:"processing_time_ms,omitempty"`
	Timestamp        string `json:"timestamp"`
}

// Error は Webhook 送信の失敗を表します。ログに残すだけでジョブには影響しません。
type Error struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("webhook %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("webhook %s: unexpected status %d", e.URL, e.StatusCode)
}

func (e *Error) Unwrap() error { return e.Err }

// Notifier は Webhook を送信します。
type Notifier struct {
	client  *http.Client
	timeout time.Duration
	logger  zerolog.Logger
	now     func() time.Time
	wg      sync.WaitGroup
}

// New は Notifier を作成します。timeout は1回の送信に掛けられる上限です。
func New(timeout time.Duration, logger zerolog.Logger) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		logger:  logger.With().Str("component", "notifier").Logger(),
		now:     time.Now,
	}
}

// Notify は payload を JSON で POST します。2xx 以外は *Error を返します。
func (n *Notifier) Notify(ctx context.Context, url string, payload Payload) error {
	if payload.Timestamp == "" {
		payload.Timestamp = n.now().UTC().Format(time.RFC3339Nano)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &Error{URL: url, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := n.client.Do(req)
	if err != nil {
		return &Error{URL: url, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{URL: url, StatusCode: resp.StatusCode}
	}
	return nil
}

// Dispatch は独立したゴルーチンで1回だけ送信を試みます。失敗はログに残すのみです。
func (n *Notifier) Dispatch(url string, payload Payload) {
	if url == "" {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()

		err := n.Notify(ctx, url, payload)
		if err != nil {
			result := "error"
			if e, ok := err.(*Error); ok && e.StatusCode != 0 {
				result = "status"
			}
			metrics.WebhookDelivered(result)
			n.logger.Warn().Err(err).Str("job_id", payload.JobID).Str("url", url).Msg("webhook delivery failed")
			return
		}
		metrics.WebhookDelivered("ok")
		n.logger.Info().Str("job_id", payload.JobID).Str("status", payload.Status).Msg("webhook sent")
	}()
}

// Wait は送信中の Webhook がすべて終わるまで待ちます。
func (n *Notifier) Wait() {
	n.wg.Wait()
}
