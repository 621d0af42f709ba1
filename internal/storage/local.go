// Package storage はアップロードファイルと変換結果をローカルファイルシステム上で管理します。
package storage

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrTooLarge はアップロードが上限サイズを超えたことを表します。
	ErrTooLarge = errors.New("file too large")
	// ErrNotFound は要求されたファイルが存在しないことを表します。
	ErrNotFound = errors.New("file not found")
)

// Local はアップロード先と出力先の2つのディレクトリを扱います。
type Local struct {
	uploadsDir string
	outputsDir string
	maxSize    int64
}

// NewLocal は Local を作成し、ディレクトリが無ければ作成します。
func NewLocal(uploadsDir, outputsDir string, maxSize int64) (*Local, error) {
	for _, dir := range []string{uploadsDir, outputsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &Local{uploadsDir: uploadsDir, outputsDir: outputsDir, maxSize: maxSize}, nil
}

func (l *Local) UploadsDir() string { return l.uploadsDir }
func (l *Local) OutputsDir() string { return l.outputsDir }
func (l *Local) MaxSize() int64     { return l.maxSize }

// SaveUpload はアップロードファイルを一意な名前（uuid + 元の拡張子）で保存し、そのパスを返します。
func (l *Local) SaveUpload(fh *multipart.FileHeader) (string, error) {
	if fh == nil {
		return "", errors.New("file header is nil")
	}
	if l.maxSize > 0 && fh.Size > l.maxSize {
		return "", ErrTooLarge
	}

	src, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	name := uuid.NewString() + strings.ToLower(filepath.Ext(fh.Filename))
	path := filepath.Join(l.uploadsDir, name)
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create upload: %w", err)
	}

	var reader io.Reader = src
	if l.maxSize > 0 {
		reader = io.LimitReader(src, l.maxSize+1)
	}
	written, copyErr := io.Copy(dst, reader)
	closeErr := dst.Close()
	switch {
	case copyErr != nil:
		_ = os.Remove(path)
		return "", fmt.Errorf("write upload: %w", copyErr)
	case closeErr != nil:
		_ = os.Remove(path)
		return "", fmt.Errorf("write upload: %w", closeErr)
	case l.maxSize > 0 && written > l.maxSize:
		_ = os.Remove(path)
		return "", ErrTooLarge
	}
	return path, nil
}

// OutputFilename は `<jobID>_<元ファイル名の拡張子なし>.<target>` を返します。
// 同じジョブなら常に同じ名前になるため、再試行は同じファイルを上書きします。
func OutputFilename(jobID, originalName, targetFormat string) string {
	base := filepath.Base(strings.ReplaceAll(originalName, "\\", "/"))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = sanitize(base)
	if base == "" {
		base = "output"
	}
	return fmt.Sprintf("%s_%s.%s", jobID, base, strings.ToLower(strings.TrimPrefix(targetFormat, ".")))
}

// OutputPath は出力ファイルの絶対的な配置先を返します。
func (l *Local) OutputPath(jobID, originalName, targetFormat string) string {
	return filepath.Join(l.outputsDir, OutputFilename(jobID, originalName, targetFormat))
}

// ResolveOutput はダウンロード要求のファイル名を出力ディレクトリ内のパスに解決します。
func (l *Local) ResolveOutput(filename string) (string, error) {
	if filename == "" || filename != filepath.Base(filename) || strings.HasPrefix(filename, ".") {
		return "", ErrNotFound
	}
	path := filepath.Join(l.outputsDir, filename)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", ErrNotFound
	}
	return path, nil
}

// Remove はファイルを削除します。存在しない場合はエラーにしません。
func (l *Local) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' || r == '"' || r == '<' || r == '>' || r == '|':
			b.WriteRune('_')
		case r < 0x20:
			// 制御文字は落とす
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
