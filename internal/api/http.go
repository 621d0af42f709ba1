// Package api は変換ジョブの HTTP API（gin）を提供します。
package api

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/yourusername/uniconvert/internal/convert"
	"github.com/yourusername/uniconvert/internal/jobs"
	"github.com/yourusername/uniconvert/internal/media"
	"github.com/yourusername/uniconvert/internal/storage"
)

// multipart のヘッダー等に許す上限超過分
const formOverhead = 1 << 20

// JobService はジョブの投入・照会・取消を提供します。
type JobService interface {
	Submit(ctx context.Context, s jobs.Submission) (*jobs.Job, error)
	Get(ctx context.Context, id string) (*jobs.Job, error)
	List(ctx context.Context, q jobs.ListQuery) (*jobs.ListPage, error)
	Cancel(ctx context.Context, id string) (*jobs.Job, error)
	QueueStats(ctx context.Context) (jobs.QueueStats, error)
}

// FileStore はアップロードの保存と出力ファイルの解決を提供します。
type FileStore interface {
	SaveUpload(fh *multipart.FileHeader) (string, error)
	ResolveOutput(filename string) (string, error)
	Remove(path string) error
	MaxSize() int64
}

// HealthChecker は外部ツールの状態を返します。
type HealthChecker interface {
	Probe(ctx context.Context) convert.HealthReport
}

// Handlers は API のハンドラー群です。
type Handlers struct {
	jobs   JobService
	files  FileStore
	health HealthChecker
	logger zerolog.Logger
}

// NewHandlers は Handlers を作成します。health は nil でも構いません。
func NewHandlers(svc JobService, files FileStore, health HealthChecker, logger zerolog.Logger) *Handlers {
	return &Handlers{
		jobs:   svc,
		files:  files,
		health: health,
		logger: logger.With().Str("component", "api").Logger(),
	}
}

// Register はルートを登録します。
func (h *Handlers) Register(r gin.IRouter) {
	api := r.Group("/api")
	{
		api.POST("/convert/:type", h.Convert)
		api.GET("/jobs", h.ListJobs)
		api.GET("/jobs/:id", h.GetJob)
		api.DELETE("/jobs/:id", h.CancelJob)
		api.GET("/queues", h.Queues)
		api.GET("/health", h.Health)
	}
	r.GET("/downloads/:filename", h.Download)
}

// Convert は POST /api/convert/:type のハンドラーです。:type が auto なら拡張子から種別を判定します。
func (h *Handlers) Convert(c *gin.Context) {
	param := strings.ToLower(c.Param("type"))
	var mediaType media.Type
	if param != "auto" {
		t, ok := media.ParseType(param)
		if !ok {
			respondError(c, http.StatusBadRequest, "INVALID_INPUT", "unsupported media type: "+param)
			return
		}
		mediaType = t
	}

	if limit := h.files.MaxSize(); limit > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+formOverhead)
	}
	fh, err := c.FormFile("file")
	if c.Request.MultipartForm != nil {
		defer c.Request.MultipartForm.RemoveAll()
	}
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondError(c, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", tooLargeMessage(h.files.MaxSize()))
			return
		}
		respondError(c, http.StatusBadRequest, "INVALID_INPUT", "file is required")
		return
	}

	target := strings.TrimSpace(c.PostForm("target_format"))
	if target == "" {
		respondError(c, http.StatusBadRequest, "INVALID_INPUT", "target_format is required")
		return
	}

	path, err := h.files.SaveUpload(fh)
	if err != nil {
		if errors.Is(err, storage.ErrTooLarge) {
			respondError(c, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", tooLargeMessage(h.files.MaxSize()))
			return
		}
		h.logger.Error().Err(err).Msg("failed to store upload")
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to store upload")
		return
	}

	job, err := h.jobs.Submit(c.Request.Context(), jobs.Submission{
		Type:         mediaType,
		InputRef:     path,
		OriginalName: fh.Filename,
		TargetFormat: target,
		Options:      formOptions(c.Request.MultipartForm),
		WebhookURL:   c.PostForm("webhook_url"),
	})
	if err != nil {
		if rmErr := h.files.Remove(path); rmErr != nil {
			h.logger.Warn().Err(rmErr).Str("path", path).Msg("failed to remove rejected upload")
		}
		h.respondJobError(c, err)
		return
	}

	body := gin.H{
		"job_id":  job.ID,
		"status":  string(job.Status),
		"message": fmt.Sprintf("%s conversion job queued", job.Type),
	}
	if mediaType == "" {
		body["detected_type"] = string(job.Type)
	}
	c.JSON(http.StatusAccepted, body)
}

// GetJob は GET /api/jobs/:id のハンドラーです。
func (h *Handlers) GetJob(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	job, err := h.jobs.Get(c.Request.Context(), id)
	if err != nil {
		h.respondJobError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobView(job))
}

// CancelJob は DELETE /api/jobs/:id のハンドラーです。
func (h *Handlers) CancelJob(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if _, err := h.jobs.Cancel(c.Request.Context(), id); err != nil {
		h.respondJobError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Job cancelled",
		"job_id":  id,
	})
}

// ListJobs は GET /api/jobs のハンドラーです。
func (h *Handlers) ListJobs(c *gin.Context) {
	q := jobs.ListQuery{
		Page:  atoiDefault(c.Query("page")),
		Limit: atoiDefault(c.Query("limit")),
	}
	if raw := c.Query("status"); raw != "" {
		status, ok := jobs.ParseStatus(raw)
		if !ok {
			respondError(c, http.StatusBadRequest, "INVALID_INPUT", "unknown status: "+raw)
			return
		}
		q.Status = status
	}

	page, err := h.jobs.List(c.Request.Context(), q)
	if err != nil {
		h.respondJobError(c, err)
		return
	}

	views := make([]gin.H, 0, len(page.Jobs))
	for _, job := range page.Jobs {
		views = append(views, jobView(job))
	}
	c.JSON(http.StatusOK, gin.H{
		"jobs":  views,
		"page":  page.Page,
		"limit": page.Limit,
		"total": page.Total,
	})
}

// Queues は GET /api/queues のハンドラーです。
func (h *Handlers) Queues(c *gin.Context) {
	stats, err := h.jobs.QueueStats(c.Request.Context())
	if err != nil {
		h.respondJobError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queues": stats})
}

// Health は GET /api/health のハンドラーです。ツールが欠けていても 200 で degraded を返します。
func (h *Handlers) Health(c *gin.Context) {
	report := convert.HealthReport{Healthy: true, Tools: map[string]bool{"imaging": true}}
	if h.health != nil {
		report = h.health.Probe(c.Request.Context())
	}
	status := "ok"
	if !report.Healthy {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"tools":     report.Tools,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// Download は GET /downloads/:filename のハンドラーです。
func (h *Handlers) Download(c *gin.Context) {
	filename := c.Param("filename")
	path, err := h.files.ResolveOutput(filename)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(c, http.StatusNotFound, "JOB_NOT_FOUND", "output file not found")
			return
		}
		h.logger.Error().Err(err).Str("file", filename).Msg("failed to resolve output")
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to read output")
		return
	}

	contentType := "application/octet-stream"
	if mt, err := mimetype.DetectFile(path); err == nil {
		contentType = mt.String()
	}
	c.Header("Content-Type", contentType)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", filename, url.PathEscape(filename)))
	c.Header("Cache-Control", "no-store")
	c.File(path)
}

func (h *Handlers) respondJobError(c *gin.Context, err error) {
	var jobErr *jobs.Error
	if errors.As(err, &jobErr) {
		switch jobErr.Kind {
		case jobs.KindValidation:
			respondError(c, http.StatusBadRequest, jobErr.Code, jobErr.Message)
			return
		case jobs.KindNotFound:
			respondError(c, http.StatusNotFound, jobErr.Code, jobErr.Message)
			return
		case jobs.KindTransientInfra:
			h.logger.Error().Err(err).Msg("queue unavailable")
			respondError(c, http.StatusServiceUnavailable, jobErr.Code, jobErr.Message)
			return
		}
	}
	if errors.Is(err, context.Canceled) {
		respondError(c, http.StatusRequestTimeout, "REQUEST_CANCELED", "request was canceled")
		return
	}
	h.logger.Error().Err(err).Msg("request failed")
	respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"code":    code,
		"message": message,
	})
}

func jobView(job *jobs.Job) gin.H {
	view := gin.H{
		"id":                job.ID,
		"type":              string(job.Type),
		"status":            string(job.Status),
		"progress":          job.Progress,
		"created_at":        job.CreatedAt,
		"original_filename": job.OriginalName,
		"target_format":     job.TargetFormat,
	}
	if job.CompletedAt != nil {
		view["completed_at"] = job.CompletedAt
	}
	if job.Result != nil {
		view["result"] = job.Result
	}
	if job.Error != "" {
		view["error"] = job.Error
	}
	return view
}

// formOptions は file / target_format / webhook_url 以外のフォーム値をオプションとして集めます。
func formOptions(form *multipart.Form) map[string]string {
	opts := map[string]string{}
	if form == nil {
		return opts
	}
	for key, values := range form.Value {
		if key == "target_format" || key == "webhook_url" || len(values) == 0 {
			continue
		}
		opts[key] = values[0]
	}
	return opts
}

func atoiDefault(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return n
}

func tooLargeMessage(limit int64) string {
	return fmt.Sprintf("file exceeds the maximum upload size of %d bytes", limit)
}
