package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/uniconvert/internal/convert"
	"github.com/yourusername/uniconvert/internal/media"
	"github.com/yourusername/uniconvert/internal/notify"
	"github.com/yourusername/uniconvert/internal/storage"
)

type convertFunc func(ctx context.Context, req convert.Request, progress convert.ProgressReporter) (*convert.Output, error)

type stubConverter struct {
	fn convertFunc
}

func (s stubConverter) Convert(ctx context.Context, req convert.Request, progress convert.ProgressReporter) (*convert.Output, error) {
	return s.fn(ctx, req, progress)
}

func (s stubConverter) Tools() []string { return nil }

type recordingNotifier struct {
	mu    sync.Mutex
	calls []notify.Payload
	urls  []string
}

func (r *recordingNotifier) Dispatch(url string, payload notify.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urls = append(r.urls, url)
	r.calls = append(r.calls, payload)
}

func (r *recordingNotifier) snapshot() []notify.Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Payload(nil), r.calls...)
}

type testEnv struct {
	manager  *Manager
	store    *Store
	files    *storage.Local
	notifier *recordingNotifier
}

func newTestEnv(t *testing.T, fn convertFunc, procCfg ProcessorConfig) *testEnv {
	t.Helper()
	broker := NewMemoryBroker(MemoryBrokerConfig{
		Concurrency:     map[media.Type]int{media.Video: 2, media.Audio: 2, media.Image: 2, media.Document: 1},
		MaxAttempts:     3,
		RetryBaseDelay:  10 * time.Millisecond,
		ShutdownTimeout: time.Second,
		Logger:          zerolog.Nop(),
	})
	return newTestEnvWithBroker(t, fn, procCfg, broker)
}

func newTestEnvWithBroker(t *testing.T, fn convertFunc, procCfg ProcessorConfig, broker Broker) *testEnv {
	t.Helper()

	store := newTestStore(t)
	dir := t.TempDir()
	files, err := storage.NewLocal(filepath.Join(dir, "uploads"), filepath.Join(dir, "outputs"), 0)
	if err != nil {
		t.Fatalf("NewLocal returned error: %v", err)
	}

	registry := convert.NewRegistry()
	for _, mt := range media.Types() {
		registry.Register(mt, stubConverter{fn: fn})
	}

	notifier := &recordingNotifier{}
	manager, err := NewManager(ManagerConfig{
		Store:      store,
		Broker:     broker,
		Converters: registry,
		Files:      files,
		Notifier:   notifier,
		Processor:  procCfg,
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

	return &testEnv{manager: manager, store: store, files: files, notifier: notifier}
}

func (e *testEnv) upload(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(e.files.UploadsDir(), "upload-"+name)
	if err := os.WriteFile(path, []byte("source-bytes"), 0o644); err != nil {
		t.Fatalf("failed to write upload: %v", err)
	}
	return path
}

func (e *testEnv) waitStatus(t *testing.T, id string, want Status) *Job {
	t.Helper()
	var job *Job
	waitFor(t, 5*time.Second, func() bool {
		job, _ = e.store.Get(context.Background(), id)
		return job != nil && job.Status == want
	})
	return job
}

func writeOutput(req convert.Request) (*convert.Output, error) {
	if err := os.WriteFile(req.OutputPath, []byte("converted"), 0o644); err != nil {
		return nil, err
	}
	return &convert.Output{Path: req.OutputPath, Size: 9}, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestPipelineCompletesJob(t *testing.T) {
	env := newTestEnv(t, func(ctx context.Context, req convert.Request, progress convert.ProgressReporter) (*convert.Output, error) {
		progress(10)
		progress(5)
		progress(150)
		return writeOutput(req)
	}, ProcessorConfig{JobTimeout: time.Minute})

	input := env.upload(t, "clip.mov")
	job, err := env.manager.Submit(context.Background(), Submission{
		Type:         media.Video,
		InputRef:     input,
		OriginalName: "clip.mov",
		TargetFormat: "MP4",
		Options:      map[string]string{"codec": "vp9", "bitrate": "128k"},
		WebhookURL:   "https://example.com/hook",
	})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if job.Status != StatusQueued || job.Progress != 0 {
		t.Fatalf("unexpected submitted job: %#v", job)
	}
	if _, ok := job.Options["bitrate"]; ok || job.Options["codec"] != "vp9" || job.Options["quality"] != "medium" {
		t.Fatalf("options not filtered: %#v", job.Options)
	}

	if err := env.manager.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	done := env.waitStatus(t, job.ID, StatusCompleted)

	if done.Progress != 100 {
		t.Fatalf("completed progress = %d", done.Progress)
	}
	if done.Result == nil || done.Error != "" {
		t.Fatalf("completed job must have result only: %#v", done)
	}
	wantName := job.ID + "_clip.mp4"
	if done.Result.Filename != wantName || done.Result.DownloadURL != "/downloads/"+wantName {
		t.Fatalf("unexpected result: %#v", done.Result)
	}
	if done.Result.Size == 0 || done.Result.OriginalFilename != "clip.mov" {
		t.Fatalf("unexpected result: %#v", done.Result)
	}
	if fileExists(input) {
		t.Fatal("input must be removed after success")
	}
	if !fileExists(filepath.Join(env.files.OutputsDir(), wantName)) {
		t.Fatal("output missing")
	}

	waitFor(t, time.Second, func() bool { return len(env.notifier.snapshot()) == 1 })
	call := env.notifier.snapshot()[0]
	if call.Status != "completed" || call.JobID != job.ID || call.DownloadURL == "" {
		t.Fatalf("unexpected webhook payload: %#v", call)
	}
}

func TestPipelineFailsAfterThreeAttemptsWithOneWebhook(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	env := newTestEnv(t, func(ctx context.Context, req convert.Request, progress convert.ProgressReporter) (*convert.Output, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		// 部分的な出力を残して失敗する
		_ = os.WriteFile(req.OutputPath, []byte("partial"), 0o644)
		return nil, errors.New("encoder crashed")
	}, ProcessorConfig{JobTimeout: time.Minute})
	if err := env.manager.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	input := env.upload(t, "song.wav")
	job, err := env.manager.Submit(context.Background(), Submission{
		InputRef:     input,
		OriginalName: "song.wav",
		TargetFormat: "mp3",
		WebhookURL:   "http://example.com/hook",
	})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if job.Type != media.Audio {
		t.Fatalf("detected type = %s", job.Type)
	}

	failed := env.waitStatus(t, job.ID, StatusFailed)
	if failed.Error != "encoder crashed" || failed.Result != nil {
		t.Fatalf("unexpected failed record: %#v", failed)
	}
	if failed.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", failed.Attempts)
	}

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	if calls != 3 {
		t.Fatalf("converter called %d times, want 3", calls)
	}
	mu.Unlock()

	payloads := env.notifier.snapshot()
	if len(payloads) != 1 {
		t.Fatalf("expected exactly one webhook, got %d", len(payloads))
	}
	if payloads[0].Status != "failed" || payloads[0].Error != "encoder crashed" {
		t.Fatalf("unexpected webhook payload: %#v", payloads[0])
	}
	if fileExists(input) {
		t.Fatal("input must be removed after final failure")
	}
	if fileExists(env.files.OutputPath(job.ID, "song.wav", "mp3")) {
		t.Fatal("partial output must be removed")
	}
}

func TestPipelineProgressNeverDecreases(t *testing.T) {
	release := make(chan struct{})
	reported := make(chan struct{})
	env := newTestEnv(t, func(ctx context.Context, req convert.Request, progress convert.ProgressReporter) (*convert.Output, error) {
		progress(40)
		progress(20)
		progress(60)
		progress(30)
		close(reported)
		<-release
		return writeOutput(req)
	}, ProcessorConfig{JobTimeout: time.Minute})
	if err := env.manager.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	job, err := env.manager.Submit(context.Background(), Submission{
		InputRef:     env.upload(t, "a.png"),
		OriginalName: "a.png",
		TargetFormat: "jpg",
	})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	<-reported
	current, _ := env.store.Get(context.Background(), job.ID)
	if current.Status != StatusProcessing || current.Progress != 60 {
		t.Fatalf("expected processing at 60, got %s at %d", current.Status, current.Progress)
	}
	close(release)
	env.waitStatus(t, job.ID, StatusCompleted)
}

func TestPipelineTimeoutIsTerminal(t *testing.T) {
	var attempts int32
	var mu sync.Mutex
	env := newTestEnv(t, func(ctx context.Context, req convert.Request, progress convert.ProgressReporter) (*convert.Output, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}, ProcessorConfig{JobTimeout: 50 * time.Millisecond, KillOnCancel: true})
	if err := env.manager.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	job, err := env.manager.Submit(context.Background(), Submission{
		InputRef:     env.upload(t, "doc.md"),
		OriginalName: "doc.md",
		TargetFormat: "pdf",
	})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	failed := env.waitStatus(t, job.ID, StatusFailed)
	if !strings.Contains(failed.Error, "timed out") {
		t.Fatalf("unexpected error: %q", failed.Error)
	}
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if attempts != 1 {
		t.Fatalf("timeout must not be retried, got %d attempts", attempts)
	}
}

func TestCancelQueuedJobRemovesIt(t *testing.T) {
	env := newTestEnv(t, func(ctx context.Context, req convert.Request, progress convert.ProgressReporter) (*convert.Output, error) {
		return writeOutput(req)
	}, ProcessorConfig{})

	input := env.upload(t, "photo.jpg")
	job, err := env.manager.Submit(context.Background(), Submission{
		InputRef:     input,
		OriginalName: "photo.jpg",
		TargetFormat: "png",
		WebhookURL:   "http://example.com/hook",
	})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	if _, err := env.manager.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if _, err := env.manager.Get(context.Background(), job.ID); !IsNotFound(err) {
		t.Fatalf("cancelled queued job should be not found, got %v", err)
	}
	if fileExists(input) {
		t.Fatal("upload must be removed on cancel")
	}
	if len(env.notifier.snapshot()) != 0 {
		t.Fatal("removed job must not notify")
	}

	// 起動後も削除済みのタスクは処理されない
	if err := env.manager.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if fileExists(env.files.OutputPath(job.ID, "photo.jpg", "png")) {
		t.Fatal("removed job was processed")
	}
}

func TestCancelProcessingJobFailsIt(t *testing.T) {
	started := make(chan struct{})
	aborted := make(chan struct{})
	env := newTestEnv(t, func(ctx context.Context, req convert.Request, progress convert.ProgressReporter) (*convert.Output, error) {
		close(started)
		<-ctx.Done()
		close(aborted)
		return nil, ctx.Err()
	}, ProcessorConfig{JobTimeout: time.Minute, KillOnCancel: true})
	if err := env.manager.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	input := env.upload(t, "movie.mkv")
	job, err := env.manager.Submit(context.Background(), Submission{
		InputRef:     input,
		OriginalName: "movie.mkv",
		TargetFormat: "webm",
		WebhookURL:   "http://example.com/hook",
	})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("conversion never started")
	}
	env.waitStatus(t, job.ID, StatusProcessing)

	cancelled, err := env.manager.Cancel(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if cancelled.Status != StatusFailed || !strings.Contains(cancelled.Error, "cancelled") {
		t.Fatalf("unexpected cancelled record: %#v", cancelled)
	}

	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("converter was not signalled")
	}
	waitFor(t, time.Second, func() bool { return !fileExists(input) })

	time.Sleep(50 * time.Millisecond)
	payloads := env.notifier.snapshot()
	if len(payloads) != 1 || payloads[0].Status != "failed" {
		t.Fatalf("expected one failed webhook, got %#v", payloads)
	}
	final, _ := env.store.Get(context.Background(), job.ID)
	if final.Error != CancelledReason {
		t.Fatalf("terminal reason overwritten: %q", final.Error)
	}
}

func TestCancelUnknownAndTerminal(t *testing.T) {
	env := newTestEnv(t, func(ctx context.Context, req convert.Request, progress convert.ProgressReporter) (*convert.Output, error) {
		return writeOutput(req)
	}, ProcessorConfig{})

	if _, err := env.manager.Cancel(context.Background(), "nope"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := env.manager.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	job, err := env.manager.Submit(context.Background(), Submission{
		InputRef:     env.upload(t, "x.txt"),
		OriginalName: "x.txt",
		TargetFormat: "html",
	})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	env.waitStatus(t, job.ID, StatusCompleted)

	got, err := env.manager.Cancel(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Cancel on completed job returned error: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("cancel must not alter a terminal job: %s", got.Status)
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t, func(ctx context.Context, req convert.Request, progress convert.ProgressReporter) (*convert.Output, error) {
		return writeOutput(req)
	}, ProcessorConfig{})

	cases := []Submission{
		{InputRef: "/tmp/x", OriginalName: "file.xyz", TargetFormat: "mp4"},
		{InputRef: "/tmp/x", OriginalName: "clip.mp4"},
		{InputRef: "/tmp/x", OriginalName: "clip.mp4", TargetFormat: "mp3"},
		{InputRef: "/tmp/x", OriginalName: "clip.mp4", TargetFormat: "mp4", WebhookURL: "ftp://example.com"},
		{InputRef: "/tmp/x", OriginalName: "clip.mp4", TargetFormat: "mp4", Type: media.Type("hologram")},
	}
	for _, s := range cases {
		if _, err := env.manager.Submit(context.Background(), s); !IsValidation(err) {
			t.Fatalf("Submit(%+v) should be a validation error, got %v", s, err)
		}
	}

	page, err := env.manager.List(context.Background(), ListQuery{})
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if page.Total != 0 {
		t.Fatalf("rejected submissions must not create jobs, found %d", page.Total)
	}
}

func TestQueueStats(t *testing.T) {
	env := newTestEnv(t, func(ctx context.Context, req convert.Request, progress convert.ProgressReporter) (*convert.Output, error) {
		return writeOutput(req)
	}, ProcessorConfig{})

	for _, name := range []string{"a.mp4", "b.mp4", "c.pdf"} {
		if _, err := env.manager.Submit(context.Background(), Submission{
			InputRef:     env.upload(t, name),
			OriginalName: name,
			TargetFormat: map[string]string{".mp4": "webm", ".pdf": "txt"}[filepath.Ext(name)],
		}); err != nil {
			t.Fatalf("Submit returned error: %v", err)
		}
	}

	stats, err := env.manager.QueueStats(context.Background())
	if err != nil {
		t.Fatalf("QueueStats returned error: %v", err)
	}
	if stats[media.Video][TaskPending] != 2 || stats[media.Document][TaskPending] != 1 {
		t.Fatalf("unexpected stats: %#v", stats)
	}
	if stats[media.Audio][TaskActive] != 0 {
		t.Fatalf("unexpected stats: %#v", stats)
	}
}
