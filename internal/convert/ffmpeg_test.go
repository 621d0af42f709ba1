package convert

import (
	"strings"
	"testing"
	"time"
)

func TestParseProgressLine(t *testing.T) {
	total := 10 * time.Second
	cases := []struct {
		line string
		want int
		ok   bool
	}{
		{"out_time_us=5000000", 50, true},
		{"out_time_ms=2500000", 25, true},
		{"out_time=00:00:07.500000", 75, true},
		{"out_time_us=20000000", 99, true},
		{"progress=end", 100, true},
		{"progress=continue", 0, false},
		{"frame=42", 0, false},
		{"out_time_us=N/A", 0, false},
		{"garbage", 0, false},
	}
	for _, tc := range cases {
		got, ok := parseProgressLine(tc.line, total)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("parseProgressLine(%q) = %d, %v; want %d, %v", tc.line, got, ok, tc.want, tc.ok)
		}
	}

	if _, ok := parseProgressLine("out_time_us=5000000", 0); ok {
		t.Fatal("progress without a known duration must be ignored")
	}
}

func TestConsumeProgressReportsIncreasingValues(t *testing.T) {
	input := strings.Join([]string{
		"frame=1",
		"out_time_us=1000000",
		"progress=continue",
		"out_time_us=500000",
		"out_time_us=5000000",
		"progress=end",
	}, "\n")

	var got []int
	consumeProgress(strings.NewReader(input), 10*time.Second, func(p int) { got = append(got, p) })

	want := []int{10, 50, 100}
	if len(got) != len(want) {
		t.Fatalf("reported %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("reported %v, want %v", got, want)
		}
	}
}

func TestParseDuration(t *testing.T) {
	d, err := parseDuration("12.500000\n")
	if err != nil {
		t.Fatalf("parseDuration returned error: %v", err)
	}
	if d != 12500*time.Millisecond {
		t.Fatalf("duration = %s", d)
	}
	for _, raw := range []string{"", "N/A", "abc", "0"} {
		if _, err := parseDuration(raw); err == nil {
			t.Fatalf("parseDuration(%q) should fail", raw)
		}
	}
}

func TestTailBufferKeepsLastBytes(t *testing.T) {
	buf := &tailBuffer{limit: stderrLimit}
	_, _ = buf.Write([]byte(strings.Repeat("a", 2000)))
	_, _ = buf.Write([]byte("xyz"))

	got := buf.String()
	if len(got) != stderrLimit {
		t.Fatalf("tail length = %d, want %d", len(got), stderrLimit)
	}
	if !strings.HasSuffix(got, "xyz") {
		t.Fatalf("tail lost the latest output: %q", got[len(got)-10:])
	}

	small := &tailBuffer{limit: 8}
	_, _ = small.Write([]byte("abc"))
	_, _ = small.Write([]byte("defghij"))
	if small.String() != "cdefghij" {
		t.Fatalf("tail = %q", small.String())
	}
}
