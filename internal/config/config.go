// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// キューバックエンドの種別
const (
	QueueBackendAsynq  = "asynq"
	QueueBackendMemory = "memory"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ログ設定
	LogLevel  string // trace|debug|info|warn|error
	LogFormat string // json|console

	// ファイル設定
	UploadsDir      string // アップロードファイルの保存先
	OutputsDir      string // 変換結果の保存先
	MaxFileSize     int64  // 単一ファイルの最大サイズ（バイト）
	DownloadBaseURL string // 結果ファイル取得用のベースURL（空なら /downloads）

	// ジョブ/キュー設定
	RedisURL         string         // Redis接続URL（asynq とジョブストアで共用）
	QueueBackend     string         // asynq | memory
	JobTimeout       time.Duration  // ジョブ全体のタイムアウト
	MaxAttempts      int            // 変換の最大試行回数
	RetryBaseDelay   time.Duration  // リトライ間隔の基準値（指数的に増加）
	BrokerRetention  time.Duration  // 完了/失敗タスクをブローカーに残す期間
	JobRecordTTL     time.Duration  // ジョブ記録の保持期間
	Concurrency      map[string]int // メディア種別ごとの同時実行数
	WebhookTimeout   time.Duration  // Webhook送信のタイムアウト
	ShutdownTimeout  time.Duration  // 終了時に実行中ジョブを待つ時間
	KillOnCancel     bool           // 中断時に外部プロセスを停止するか

	// クリーンアップ設定
	CleanupInterval time.Duration // スイープ間隔
	CleanupSchedule string        // cron式（指定時は CleanupInterval より優先）
	FileRetention   time.Duration // ファイル保持期間

	// 外部ツール設定
	FFmpegPath  string // ffmpeg 実行ファイルのパス
	FFprobePath string // ffprobe 実行ファイルのパス
	PandocPath  string // pandoc 実行ファイルのパス
	SofficePath string // LibreOffice (soffice) 実行ファイルのパス
	PDFEngine   string // pandoc で PDF を生成する際のエンジン
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	maxConcurrent := getEnvAsInt("MAX_CONCURRENT_JOBS", 3)
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}

	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "3000"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),

		// ログ設定
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// ファイル設定
		UploadsDir:      getEnv("UPLOADS_DIR", "./uploads"),
		OutputsDir:      getEnv("OUTPUTS_DIR", "./outputs"),
		MaxFileSize:     getEnvAsSize("MAX_FILE_SIZE", 500*1024*1024), // 500MB
		DownloadBaseURL: getEnv("DOWNLOAD_BASE_URL", ""),

		// ジョブ/キュー設定
		RedisURL:         getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),
		QueueBackend:     strings.ToLower(getEnv("QUEUE_BACKEND", QueueBackendAsynq)),
		JobTimeout:       getEnvAsDuration("JOB_TIMEOUT", time.Hour),
		MaxAttempts:      getEnvAsInt("MAX_ATTEMPTS", 3),
		RetryBaseDelay:   getEnvAsDuration("RETRY_BASE_DELAY", time.Second),
		BrokerRetention:  getEnvAsDuration("BROKER_RETENTION", 7*24*time.Hour),
		JobRecordTTL:     getEnvAsDuration("JOB_RECORD_TTL", 7*24*time.Hour),
		WebhookTimeout:   getEnvAsDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		ShutdownTimeout:  getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		KillOnCancel:     getEnvAsBool("KILL_ON_CANCEL", true),
		Concurrency: map[string]int{
			"video": getEnvAsInt("CONCURRENCY_VIDEO", maxConcurrent),
			"audio": getEnvAsInt("CONCURRENCY_AUDIO", maxConcurrent),
			// 画像は軽量なので多めに、ドキュメントは LibreOffice が重いので絞る
			"image":    getEnvAsInt("CONCURRENCY_IMAGE", maxConcurrent*2),
			"document": getEnvAsInt("CONCURRENCY_DOCUMENT", 2),
		},

		// クリーンアップ設定
		// 旧形式の *_HOURS（整数の時間数）も受け付ける
		CleanupInterval: getEnvAsDuration("CLEANUP_INTERVAL", getEnvAsHours("CLEANUP_INTERVAL_HOURS", 24*time.Hour)),
		CleanupSchedule: getEnv("CLEANUP_SCHEDULE", ""),
		FileRetention:   getEnvAsDuration("FILE_RETENTION", getEnvAsHours("FILE_RETENTION_HOURS", 168*time.Hour)),

		// 外部ツール設定
		FFmpegPath:  getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath: getEnv("FFPROBE_PATH", "ffprobe"),
		PandocPath:  getEnv("PANDOC_PATH", "pandoc"),
		SofficePath: getEnv("SOFFICE_PATH", "soffice"),
		PDFEngine:   getEnv("PDF_ENGINE", "pdflatex"),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	switch c.QueueBackend {
	case QueueBackendAsynq, QueueBackendMemory:
	default:
		return fmt.Errorf("QUEUE_BACKEND must be %q or %q (got %q)", QueueBackendAsynq, QueueBackendMemory, c.QueueBackend)
	}
	if c.QueueBackend == QueueBackendAsynq && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required for the asynq backend")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be >= 1")
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("JOB_TIMEOUT must be positive")
	}
	for kind, n := range c.Concurrency {
		if n < 1 {
			return fmt.Errorf("concurrency for %s must be >= 1", kind)
		}
	}
	if c.UploadsDir == "" || c.OutputsDir == "" {
		return fmt.Errorf("UPLOADS_DIR and OUTPUTS_DIR are required")
	}

	// 本番環境では外部ツールのパスを必須とする
	if c.GinMode == "release" {
		if c.FFmpegPath == "" {
			return fmt.Errorf("FFMPEG_PATH is required in release mode")
		}
		if c.SofficePath == "" {
			return fmt.Errorf("SOFFICE_PATH is required in release mode")
		}
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を time.Duration として取得します（例: 90s, 24h）。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsHours は整数の時間数を time.Duration として取得します。
func getEnvAsHours(key string, defaultValue time.Duration) time.Duration {
	hours := getEnvAsInt(key, 0)
	if hours <= 0 {
		return defaultValue
	}
	return time.Duration(hours) * time.Hour
}

// getEnvAsSize はサイズ表記（例: 500MB, 1GB, 1024）をバイト数として取得します。
func getEnvAsSize(key string, defaultValue int64) int64 {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return defaultValue
	}
	size, err := ParseSize(valueStr)
	if err != nil {
		return defaultValue
	}
	return size
}

// ParseSize は B/KB/MB/GB の単位付きサイズをバイト数に変換します。単位なしはバイトとして扱います。
func ParseSize(s string) (int64, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	units := []struct {
		suffix string
		factor int64
	}{
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	}
	factor := int64(1)
	for _, u := range units {
		if strings.HasSuffix(upper, u.suffix) {
			factor = u.factor
			upper = strings.TrimSuffix(upper, u.suffix)
			break
		}
	}
	n, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size: %q", s)
	}
	return n * factor, nil
}
