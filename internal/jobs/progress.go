package jobs

import "sync"

// progressTracker は変換器からの進捗を 0-100 かつ単調増加に丸めてから書き込みます。
// close 後の報告は無視します（中断された変換の出力を信用しない）。
type progressTracker struct {
	mu     sync.Mutex
	last   int
	closed bool
	write  func(percent int)
}

func newProgressTracker(start int, write func(int)) *progressTracker {
	return &progressTracker{last: clampPercent(start), write: write}
}

// Report は ProgressReporter として変換器に渡されます。
func (t *progressTracker) Report(percent int) {
	percent = clampPercent(percent)

	t.mu.Lock()
	if t.closed || percent <= t.last {
		t.mu.Unlock()
		return
	}
	t.last = percent
	t.mu.Unlock()

	if t.write != nil {
		t.write(percent)
	}
}

func (t *progressTracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

func (t *progressTracker) Last() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}
