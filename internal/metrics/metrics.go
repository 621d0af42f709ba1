// Package metrics は変換パイプラインの Prometheus メトリクスを定義します。
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var once sync.Once

var (
	jobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uniconvert_jobs_submitted_total",
			Help: "Jobs accepted by the API, by media type.",
		},
		[]string{"type"},
	)
	jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uniconvert_jobs_finished_total",
			Help: "Jobs that reached a terminal state.",
		},
		[]string{"type", "status"}, // status=completed|failed
	)
	jobAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uniconvert_job_attempts_total",
			Help: "Conversion attempts, by media type and outcome.",
		},
		[]string{"type", "outcome"}, // outcome=success|retry|failure|cancelled
	)
	conversionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "uniconvert_conversion_duration_seconds",
			Help:    "Wall time of a single conversion attempt.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 3600},
		},
		[]string{"type"},
	)
	jobsInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "uniconvert_jobs_in_flight",
			Help: "Conversions currently running.",
		},
		[]string{"type"},
	)
	webhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uniconvert_webhook_deliveries_total",
			Help: "Webhook POSTs, by result.",
		},
		[]string{"result"}, // result=ok|error|status
	)
	sweptFiles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uniconvert_swept_files_total",
			Help: "Files removed by the cleanup sweeper.",
		},
		[]string{"dir"},
	)
)

// MustRegister は全コレクタを一度だけ登録します。
func MustRegister() {
	once.Do(func() {
		prometheus.MustRegister(
			jobsSubmitted,
			jobsFinished,
			jobAttempts,
			conversionDuration,
			jobsInFlight,
			webhookDeliveries,
			sweptFiles,
		)
	})
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func JobSubmitted(mediaType string) {
	jobsSubmitted.WithLabelValues(norm(mediaType)).Inc()
}

func JobFinished(mediaType, status string) {
	jobsFinished.WithLabelValues(norm(mediaType), norm(status)).Inc()
}

func AttemptFinished(mediaType, outcome string, elapsed time.Duration) {
	jobAttempts.WithLabelValues(norm(mediaType), norm(outcome)).Inc()
	conversionDuration.WithLabelValues(norm(mediaType)).Observe(elapsed.Seconds())
}

// TrackInFlight は実行中ゲージを加算し、減算用の関数を返します。
// 使い方: defer metrics.TrackInFlight("video")()
func TrackInFlight(mediaType string) func() {
	g := jobsInFlight.WithLabelValues(norm(mediaType))
	g.Inc()
	return g.Dec
}

func WebhookDelivered(result string) {
	webhookDeliveries.WithLabelValues(norm(result)).Inc()
}

func FilesSwept(dir string, n int) {
	if n <= 0 {
		return
	}
	sweptFiles.WithLabelValues(dir).Add(float64(n))
}
