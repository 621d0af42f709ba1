// Package convert はメディア種別ごとの変換処理（ffmpeg / 画像コーデック / pandoc・LibreOffice）を提供します。
package convert

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/yourusername/uniconvert/internal/media"
)

// ProgressReporter は進捗（0-100）を受け取るコールバックです。
// 値は単調とは限らず、呼び出し側で丸めます。
type ProgressReporter func(percent int)

func reportProgress(cb ProgressReporter, percent int) {
	if cb == nil {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	cb(percent)
}

// Request は1回の変換依頼です。OutputPath は同じジョブなら常に同じ値で、再実行時は上書きします。
type Request struct {
	InputPath    string
	OriginalName string
	OutputPath   string
	TargetFormat string
	Options      map[string]string
}

// Output は変換結果です。
type Output struct {
	Path string
	Size int64
	Meta map[string]any
}

// Converter は1つのメディア種別の変換を担います。
type Converter interface {
	Convert(ctx context.Context, req Request, progress ProgressReporter) (*Output, error)
	// Tools は依存する外部コマンド名を返します（ヘルスチェック用）。
	Tools() []string
}

// ErrUnsupported は同じ入力で再試行しても成功しない変換要求を表します。
var ErrUnsupported = errors.New("unsupported conversion")

func unsupportedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsupported, fmt.Sprintf(format, args...))
}

// Registry はメディア種別から Converter を引きます。
type Registry struct {
	converters map[media.Type]Converter
}

// NewRegistry は空の Registry を作成します。
func NewRegistry() *Registry {
	return &Registry{converters: make(map[media.Type]Converter)}
}

// Register は種別に Converter を登録します。既存の登録は置き換えます。
func (r *Registry) Register(t media.Type, c Converter) {
	r.converters[t] = c
}

// Get は種別の Converter を返します。
func (r *Registry) Get(t media.Type) (Converter, bool) {
	c, ok := r.converters[t]
	return c, ok
}

func finishOutput(path string, meta map[string]any) (*Output, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("output not produced: %w", err)
	}
	if info.Size() == 0 {
		return nil, errors.New("output file is empty")
	}
	return &Output{Path: path, Size: info.Size(), Meta: meta}, nil
}
