package convert

import (
	"context"
	"os/exec"
	"sync"
	"time"
)

const probeTimeout = 5 * time.Second

// Check は外部コマンド1つの存在確認です。
type Check struct {
	Name string
	Bin  string
	Args []string
}

// HealthReport はツールごとの利用可否です。
type HealthReport struct {
	Healthy bool
	Tools   map[string]bool
}

// Prober は外部コマンドを並行して確認します。
type Prober struct {
	checks []Check
}

// NewProber はツールのパス設定から Prober を作成します。
func NewProber(ff *FFmpeg, doc DocumentConfig) *Prober {
	if doc.Pandoc == "" {
		doc.Pandoc = "pandoc"
	}
	if doc.Soffice == "" {
		doc.Soffice = "soffice"
	}
	return &Prober{checks: []Check{
		{Name: "ffmpeg", Bin: ff.Bin, Args: []string{"-version"}},
		{Name: "ffprobe", Bin: ff.Probe, Args: []string{"-version"}},
		{Name: "pandoc", Bin: doc.Pandoc, Args: []string{"--version"}},
		{Name: "libreoffice", Bin: doc.Soffice, Args: []string{"--version"}},
	}}
}

// NewProberWithChecks はテストなどで任意の確認項目を使う Prober を作成します。
func NewProberWithChecks(checks ...Check) *Prober {
	return &Prober{checks: checks}
}

// Probe は各ツールを実行して結果をまとめます。画像処理は組み込みなので常に true です。
func (p *Prober) Probe(ctx context.Context) HealthReport {
	report := HealthReport{Healthy: true, Tools: map[string]bool{"imaging": true}}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, c := range p.checks {
		wg.Add(1)
		go func(c Check) {
			defer wg.Done()
			ok := runCheck(ctx, c)
			mu.Lock()
			report.Tools[c.Name] = ok
			if !ok {
				report.Healthy = false
			}
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	return report
}

func runCheck(ctx context.Context, c Check) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return exec.CommandContext(ctx, c.Bin, c.Args...).Run() == nil
}
