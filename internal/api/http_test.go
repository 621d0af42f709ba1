package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/yourusername/uniconvert/internal/convert"
	"github.com/yourusername/uniconvert/internal/jobs"
	"github.com/yourusername/uniconvert/internal/media"
	"github.com/yourusername/uniconvert/internal/storage"
)

type copyConverter struct{}

func (copyConverter) Convert(ctx context.Context, req convert.Request, progress convert.ProgressReporter) (*convert.Output, error) {
	data, err := os.ReadFile(req.InputPath)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(req.OutputPath, data, 0o644); err != nil {
		return nil, err
	}
	progress(50)
	return &convert.Output{Path: req.OutputPath, Size: int64(len(data))}, nil
}

func (copyConverter) Tools() []string { return nil }

type stubHealth struct {
	report convert.HealthReport
}

func (s stubHealth) Probe(ctx context.Context) convert.HealthReport { return s.report }

type testServer struct {
	router  *gin.Engine
	manager *jobs.Manager
	files   *storage.Local
}

func newTestServer(t *testing.T, maxSize int64) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	dir := t.TempDir()
	files, err := storage.NewLocal(filepath.Join(dir, "uploads"), filepath.Join(dir, "outputs"), maxSize)
	if err != nil {
		t.Fatalf("NewLocal returned error: %v", err)
	}

	registry := convert.NewRegistry()
	for _, mt := range media.Types() {
		registry.Register(mt, copyConverter{})
	}
	broker := jobs.NewMemoryBroker(jobs.MemoryBrokerConfig{
		MaxAttempts:     3,
		RetryBaseDelay:  10 * time.Millisecond,
		ShutdownTimeout: time.Second,
		Logger:          zerolog.Nop(),
	})
	manager, err := jobs.NewManager(jobs.ManagerConfig{
		Store:      jobs.NewStore(rdb, time.Hour),
		Broker:     broker,
		Converters: registry,
		Files:      files,
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})

	health := stubHealth{report: convert.HealthReport{
		Healthy: false,
		Tools:   map[string]bool{"ffmpeg": true, "pandoc": false, "imaging": true},
	}}

	r := gin.New()
	r.Use(RequestLogger(zerolog.Nop()))
	NewHandlers(manager, files, health, zerolog.Nop()).Register(r)

	return &testServer{router: r, manager: manager, files: files}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func uploadRequest(t *testing.T, path string, fields map[string]string, filename string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if filename != "" {
		part, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		_, _ = part.Write(content)
	}
	for k, v := range fields {
		_ = mw.WriteField(k, v)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON response %q: %v", w.Body.String(), err)
	}
	return out
}

func (s *testServer) uploadCount(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(s.files.UploadsDir())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	return len(entries)
}

func TestConvertAutoQueuesJob(t *testing.T) {
	s := newTestServer(t, 0)

	w := s.do(uploadRequest(t, "/api/convert/auto", map[string]string{
		"target_format": "webm",
		"quality":       "high",
		"unknown":       "dropped",
	}, "clip.mp4", []byte("video")))
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["status"] != "queued" || body["detected_type"] != "video" {
		t.Fatalf("unexpected body: %#v", body)
	}
	id, _ := body["job_id"].(string)
	if id == "" {
		t.Fatalf("missing job_id: %#v", body)
	}
	if w.Header().Get(RequestIDHeader) == "" {
		t.Fatal("request id header missing")
	}

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/jobs/"+id, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	job := decodeBody(t, w)
	if job["status"] != "queued" || job["progress"] != float64(0) || job["original_filename"] != "clip.mp4" || job["target_format"] != "webm" {
		t.Fatalf("unexpected job view: %#v", job)
	}
	if _, ok := job["result"]; ok {
		t.Fatal("queued job must not have a result")
	}
}

func TestConvertExplicitTypeOmitsDetectedType(t *testing.T) {
	s := newTestServer(t, 0)

	w := s.do(uploadRequest(t, "/api/convert/audio", map[string]string{"target_format": "mp3"}, "voice.wav", []byte("pcm")))
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if _, ok := body["detected_type"]; ok {
		t.Fatalf("explicit endpoint must not report detected_type: %#v", body)
	}
	if !strings.Contains(body["message"].(string), "audio") {
		t.Fatalf("unexpected message: %#v", body)
	}
}

func TestConvertRejections(t *testing.T) {
	s := newTestServer(t, 0)

	cases := []struct {
		name     string
		path     string
		fields   map[string]string
		filename string
	}{
		{"missing file", "/api/convert/video", map[string]string{"target_format": "mp4"}, ""},
		{"missing target", "/api/convert/video", nil, "clip.mp4"},
		{"unknown extension", "/api/convert/auto", map[string]string{"target_format": "mp4"}, "file.xyz"},
		{"unsupported target", "/api/convert/image", map[string]string{"target_format": "mp3"}, "a.png"},
		{"bad webhook", "/api/convert/image", map[string]string{"target_format": "png", "webhook_url": "not a url"}, "a.png"},
		{"unknown type", "/api/convert/hologram", map[string]string{"target_format": "png"}, "a.png"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := s.do(uploadRequest(t, tc.path, tc.fields, tc.filename, []byte("data")))
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
			if body := decodeBody(t, w); body["code"] != "INVALID_INPUT" {
				t.Fatalf("unexpected error body: %#v", body)
			}
			if n := s.uploadCount(t); n != 0 {
				t.Fatalf("rejected upload left %d files behind", n)
			}
		})
	}

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/jobs", nil))
	if body := decodeBody(t, w); body["total"] != float64(0) {
		t.Fatalf("rejections must not create jobs: %#v", body)
	}
}

func TestConvertTooLarge(t *testing.T) {
	s := newTestServer(t, 10)

	w := s.do(uploadRequest(t, "/api/convert/document", map[string]string{"target_format": "pdf"}, "big.md", bytes.Repeat([]byte("a"), 100)))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", w.Code, w.Body.String())
	}
	if body := decodeBody(t, w); body["code"] != "FILE_TOO_LARGE" {
		t.Fatalf("unexpected error body: %#v", body)
	}
	if n := s.uploadCount(t); n != 0 {
		t.Fatalf("oversized upload left %d files behind", n)
	}
}

func TestJobNotFound(t *testing.T) {
	s := newTestServer(t, 0)

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		w := s.do(httptest.NewRequest(method, "/api/jobs/does-not-exist", nil))
		if w.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", method, w.Code)
		}
		if body := decodeBody(t, w); body["code"] != "JOB_NOT_FOUND" {
			t.Fatalf("%s: unexpected error body: %#v", method, body)
		}
	}
}

func TestCancelQueuedJob(t *testing.T) {
	s := newTestServer(t, 0)

	w := s.do(uploadRequest(t, "/api/convert/auto", map[string]string{"target_format": "png"}, "photo.jpg", []byte("jpeg")))
	id := decodeBody(t, w)["job_id"].(string)

	w = s.do(httptest.NewRequest(http.MethodDelete, "/api/jobs/"+id, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["success"] != true || body["job_id"] != id || body["message"] != "Job cancelled" {
		t.Fatalf("unexpected cancel body: %#v", body)
	}

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/jobs/"+id, nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("cancelled queued job should be gone, got %d", w.Code)
	}
	if n := s.uploadCount(t); n != 0 {
		t.Fatalf("cancelled upload left %d files behind", n)
	}
}

func TestListJobsAndQueues(t *testing.T) {
	s := newTestServer(t, 0)

	for _, name := range []string{"a.mp4", "b.mp3", "c.png"} {
		target := map[string]string{"a.mp4": "mkv", "b.mp3": "wav", "c.png": "jpg"}[name]
		w := s.do(uploadRequest(t, "/api/convert/auto", map[string]string{"target_format": target}, name, []byte("x")))
		if w.Code != http.StatusAccepted {
			t.Fatalf("submit %s: %d %s", name, w.Code, w.Body.String())
		}
	}

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/jobs?page=1&limit=2", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["total"] != float64(3) || body["limit"] != float64(2) || len(body["jobs"].([]any)) != 2 {
		t.Fatalf("unexpected list body: %#v", body)
	}

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/jobs?status=queued", nil))
	if body := decodeBody(t, w); body["total"] != float64(3) {
		t.Fatalf("status filter: %#v", body)
	}

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/jobs?status=exploded", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid status should be 400, got %d", w.Code)
	}

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/queues", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	queues := decodeBody(t, w)["queues"].(map[string]any)
	video := queues["video"].(map[string]any)
	if video["pending"] != float64(1) || video["active"] != float64(0) {
		t.Fatalf("unexpected video queue stats: %#v", video)
	}
}

func TestHealthReportsDegraded(t *testing.T) {
	s := newTestServer(t, 0)

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "degraded" {
		t.Fatalf("unexpected health: %#v", body)
	}
	tools := body["tools"].(map[string]any)
	if tools["pandoc"] != false || tools["imaging"] != true {
		t.Fatalf("unexpected tools: %#v", tools)
	}
	if _, err := time.Parse(time.RFC3339Nano, body["timestamp"].(string)); err != nil {
		t.Fatalf("invalid timestamp: %v", err)
	}
}

func TestCompletedJobCanBeDownloaded(t *testing.T) {
	s := newTestServer(t, 0)
	if err := s.manager.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	w := s.do(uploadRequest(t, "/api/convert/document", map[string]string{"target_format": "html"}, "notes.md", []byte("<html><body>hi</body></html>")))
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	id := decodeBody(t, w)["job_id"].(string)

	var job map[string]any
	deadline := time.Now().Add(5 * time.Second)
	for {
		w = s.do(httptest.NewRequest(http.MethodGet, "/api/jobs/"+id, nil))
		job = decodeBody(t, w)
		if job["status"] == "completed" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job did not complete: %#v", job)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if job["progress"] != float64(100) || job["completed_at"] == nil {
		t.Fatalf("unexpected completed job: %#v", job)
	}

	result := job["result"].(map[string]any)
	url := result["download_url"].(string)
	if url != "/downloads/"+id+"_notes.html" {
		t.Fatalf("unexpected download url: %s", url)
	}

	w = s.do(httptest.NewRequest(http.MethodGet, url, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("download: expected 200, got %d", w.Code)
	}
	if !strings.HasPrefix(w.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("unexpected content type: %s", w.Header().Get("Content-Type"))
	}
	if w.Body.String() != "<html><body>hi</body></html>" {
		t.Fatalf("unexpected download body: %q", w.Body.String())
	}

	w = s.do(httptest.NewRequest(http.MethodGet, "/downloads/missing.html", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing download: expected 404, got %d", w.Code)
	}
}
