package convert

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// stderrLimit はエラーメッセージに含める標準エラー出力の上限です。
const stderrLimit = 1024

// waitDelay はコンテキスト終了後にパイプを閉じるまでの猶予です。
const waitDelay = 5 * time.Second

// FFmpeg は ffmpeg / ffprobe の呼び出しをまとめます。
type FFmpeg struct {
	Bin   string
	Probe string
}

// NewFFmpeg は実行ファイルのパスを指定して FFmpeg を作成します。空ならPATHから探します。
func NewFFmpeg(bin, probe string) *FFmpeg {
	if bin == "" {
		bin = "ffmpeg"
	}
	if probe == "" {
		probe = "ffprobe"
	}
	return &FFmpeg{Bin: bin, Probe: probe}
}

// Duration は ffprobe で入力の再生時間を取得します。
func (f *FFmpeg) Duration(ctx context.Context, input string) (time.Duration, error) {
	cmd := exec.CommandContext(ctx, f.Probe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		input,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	return parseDuration(string(out))
}

func parseDuration(raw string) (time.Duration, error) {
	value := strings.TrimSpace(raw)
	if value == "" || value == "N/A" {
		return 0, fmt.Errorf("duration unavailable")
	}
	seconds, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", value, err)
	}
	if seconds <= 0 {
		return 0, fmt.Errorf("duration unavailable")
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// Run は ffmpeg を実行し、-progress の出力から進捗を報告します。
// total が 0 の場合は終了時にのみ 100 を報告します。
func (f *FFmpeg) Run(ctx context.Context, args []string, total time.Duration, progress ProgressReporter) error {
	full := append([]string{"-hide_banner", "-y", "-nostats", "-progress", "pipe:1"}, args...)
	cmd := exec.CommandContext(ctx, f.Bin, full...)
	cmd.WaitDelay = waitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout: %w", err)
	}
	stderr := &tailBuffer{limit: stderrLimit}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	consumeProgress(stdout, total, progress)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	reportProgress(progress, 100)
	return nil
}

func consumeProgress(r io.Reader, total time.Duration, progress ProgressReporter) {
	scanner := bufio.NewScanner(r)
	last := -1
	for scanner.Scan() {
		percent, ok := parseProgressLine(scanner.Text(), total)
		if !ok || percent <= last {
			continue
		}
		last = percent
		reportProgress(progress, percent)
	}
	// 残りを読み捨てて ffmpeg をブロックさせない
	_, _ = io.Copy(io.Discard, r)
}

// parseProgressLine は "-progress" 出力の1行を進捗率に変換します。
// out_time_ms は名前に反してマイクロ秒です。完了行までは 99 を上限にします。
func parseProgressLine(line string, total time.Duration) (int, bool) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return 0, false
	}

	var elapsed time.Duration
	switch key {
	case "out_time_us", "out_time_ms":
		us, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, false
		}
		elapsed = time.Duration(us) * time.Microsecond
	case "out_time":
		d, err := parseClock(value)
		if err != nil {
			return 0, false
		}
		elapsed = d
	case "progress":
		if value == "end" {
			return 100, true
		}
		return 0, false
	default:
		return 0, false
	}

	if total <= 0 || elapsed < 0 {
		return 0, false
	}
	percent := int(elapsed * 100 / total)
	if percent > 99 {
		percent = 99
	}
	return percent, true
}

// parseClock は "HH:MM:SS.micro" を解釈します。
func parseClock(value string) (time.Duration, error) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid clock %q", value)
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, err
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, err
	}
	seconds, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds*float64(time.Second)), nil
}

// tailBuffer は書き込まれた内容の末尾 limit バイトだけを保持します。
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	if len(p) >= t.limit {
		t.buf.Reset()
		t.buf.Write(p[len(p)-t.limit:])
		return n, nil
	}
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

// runTool は外部コマンドを実行し、失敗時は標準エラー出力の末尾をエラーに含めます。
func runTool(ctx context.Context, bin string, args ...string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.WaitDelay = waitDelay
	out := &tailBuffer{limit: stderrLimit}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s failed: %w: %s", bin, err, strings.TrimSpace(out.String()))
	}
	return nil
}
