package storage

import (
	"bytes"
	"errors"
	"mime/multipart"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newFileHeader(t *testing.T, filename string, data []byte) *multipart.FileHeader {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("failed to write form file: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	req := httptest.NewRequest("POST", "/", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if err := req.ParseMultipartForm(1 << 20); err != nil {
		t.Fatalf("failed to parse form: %v", err)
	}
	return req.MultipartForm.File["file"][0]
}

func TestSaveUpload(t *testing.T) {
	dir := t.TempDir()
	local, err := NewLocal(filepath.Join(dir, "in"), filepath.Join(dir, "out"), 1024)
	if err != nil {
		t.Fatalf("NewLocal returned error: %v", err)
	}

	path, err := local.SaveUpload(newFileHeader(t, "Clip.MP4", []byte("video-bytes")))
	if err != nil {
		t.Fatalf("SaveUpload returned error: %v", err)
	}
	if filepath.Dir(path) != local.UploadsDir() {
		t.Fatalf("upload saved outside uploads dir: %s", path)
	}
	if !strings.HasSuffix(path, ".mp4") {
		t.Fatalf("extension not preserved: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "video-bytes" {
		t.Fatalf("unexpected content %q (err=%v)", data, err)
	}
}

func TestSaveUploadTooLarge(t *testing.T) {
	dir := t.TempDir()
	local, err := NewLocal(filepath.Join(dir, "in"), filepath.Join(dir, "out"), 4)
	if err != nil {
		t.Fatalf("NewLocal returned error: %v", err)
	}

	_, err = local.SaveUpload(newFileHeader(t, "big.png", []byte("0123456789")))
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	entries, _ := os.ReadDir(local.UploadsDir())
	if len(entries) != 0 {
		t.Fatalf("rejected upload must not be kept, found %d files", len(entries))
	}
}

func TestOutputFilename(t *testing.T) {
	cases := []struct {
		original string
		target   string
		want     string
	}{
		{"clip.mov", "mp4", "job_clip.mp4"},
		{"my.report.docx", "pdf", "job_my.report.pdf"},
		{"../../etc/passwd", "txt", "job_passwd.txt"},
		{"C:\\Users\\me\\photo.png", ".WEBP", "job_photo.webp"},
		{"", "png", "job_output.png"},
	}
	for _, tc := range cases {
		if got := OutputFilename("job", tc.original, tc.target); got != tc.want {
			t.Fatalf("OutputFilename(%q, %q) = %q, want %q", tc.original, tc.target, got, tc.want)
		}
	}
}

func TestResolveOutput(t *testing.T) {
	dir := t.TempDir()
	local, err := NewLocal(filepath.Join(dir, "in"), filepath.Join(dir, "out"), 0)
	if err != nil {
		t.Fatalf("NewLocal returned error: %v", err)
	}
	path := local.OutputPath("job", "a.mov", "mp4")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to write output: %v", err)
	}

	got, err := local.ResolveOutput("job_a.mp4")
	if err != nil || got != path {
		t.Fatalf("ResolveOutput = %q, %v", got, err)
	}
	for _, name := range []string{"../in/x", "missing.mp4", "", ".hidden"} {
		if _, err := local.ResolveOutput(name); !errors.Is(err, ErrNotFound) {
			t.Fatalf("ResolveOutput(%q) should be ErrNotFound, got %v", name, err)
		}
	}
}

func TestRemoveIgnoresMissing(t *testing.T) {
	local := &Local{}
	if err := local.Remove(filepath.Join(t.TempDir(), "nope")); err != nil {
		t.Fatalf("Remove returned error: %v", err)
	}
}
