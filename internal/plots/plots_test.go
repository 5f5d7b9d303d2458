package plots

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const plotID = "b137f62ad97464b6e1d4951374191f808fbd1d0b2737d194c1118b1e2f2a4ba7"

func TestParseFilename(t *testing.T) {
	name := "plot-k32-2024-11-30-18-39-" + plotID + ".plot"
	plot, ok := ParseFilename(name)
	if !ok {
		t.Fatalf("ParseFilename(%q) rejected", name)
	}
	if plot.KSize != 32 {
		t.Errorf("k = %d, want 32", plot.KSize)
	}
	if plot.ID != plotID {
		t.Errorf("id = %s", plot.ID)
	}
	want := time.Date(2024, 11, 30, 18, 39, 0, 0, time.UTC)
	if !plot.Created.Equal(want) {
		t.Errorf("created = %v, want %v", plot.Created, want)
	}

	for _, bad := range []string{
		"plot-k32-2024-11-30-18-39-" + plotID + ".plot.tmp",
		"plot-k32-2024-11-30-" + plotID + ".plot",
		"notes.txt",
		"plot-kXX-2024-11-30-18-39-" + plotID + ".plot",
	} {
		if _, ok := ParseFilename(bad); ok {
			t.Errorf("ParseFilename(%q) accepted", bad)
		}
	}
}

func TestScanDirAndSummarize(t *testing.T) {
	dir := t.TempDir()
	files := []struct {
		name string
		size int
	}{
		{"plot-k32-2024-11-30-18-39-" + plotID + ".plot", 512},
		{"plot-k33-2025-01-02-03-04-" + strings.Repeat("a", 64) + ".plot", 1024},
		{"plot-k32-2023-05-06-07-08-" + strings.Repeat("b", 64) + ".plot", 256},
		{"leftover.plot.tmp", 99},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), make([]byte, f.size), 0o644); err != nil {
			t.Fatalf("write %s: %v", f.name, err)
		}
	}

	plots, err := ScanDir(dir)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(plots) != 3 {
		t.Fatalf("found %d plots, want 3", len(plots))
	}

	s := Summarize(plots)
	if s.Count != 3 {
		t.Errorf("count = %d", s.Count)
	}
	if s.TotalBytes != 512+1024+256 {
		t.Errorf("total bytes = %d", s.TotalBytes)
	}
	if s.ByKSize[32] != 2 || s.ByKSize[33] != 1 {
		t.Errorf("by k = %v", s.ByKSize)
	}
	if s.Newest.Year() != 2025 {
		t.Errorf("newest = %v", s.Newest)
	}
}

func TestParseFarmingLine(t *testing.T) {
	line := "2 plots were eligible for farming c8134a8de5... Found 1 proofs. Time: 0.53043 s. Total 36 plots"
	attempt := ParseFarmingLine(line)
	if attempt == nil {
		t.Fatalf("ParseFarmingLine(%q) = nil", line)
	}
	if attempt.Eligible != 2 || attempt.Proofs != 1 || attempt.TotalPlots != 36 {
		t.Errorf("attempt = %+v", attempt)
	}
	if attempt.ChallengeID != "c8134a8de5" {
		t.Errorf("challenge = %s", attempt.ChallengeID)
	}
	if attempt.Seconds < 0.53 || attempt.Seconds > 0.54 {
		t.Errorf("seconds = %v", attempt.Seconds)
	}

	if got := ParseFarmingLine("INFO Added unfinished block"); got != nil {
		t.Errorf("unrelated line parsed: %+v", got)
	}
}

func TestParseFarmingLog(t *testing.T) {
	text := `
2026-02-11T10:00:01 harvester: INFO 0 plots were eligible for farming aabbccdd00... Found 0 proofs. Time: 0.01200 s. Total 36 plots
2026-02-11T10:00:10 full_node: INFO peak height 42
2026-02-11T10:00:19 harvester: INFO 3 plots were eligible for farming ddeeff1122... Found 0 proofs. Time: 0.74001 s. Total 37 plots
`
	attempts := ParseFarmingLog(text)
	if len(attempts) != 2 {
		t.Fatalf("parsed %d attempts, want 2", len(attempts))
	}

	stats := AggregateFarming(attempts)
	if stats.Attempts != 2 || stats.Eligible != 3 || stats.Proofs != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.TotalPlots != 37 {
		t.Errorf("total plots = %d, want newest count 37", stats.TotalPlots)
	}
	if stats.SlowestSec < 0.7 {
		t.Errorf("slowest = %v", stats.SlowestSec)
	}
}

func TestFormatBytes(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.00 KiB"},
		{108 << 30, "108.00 GiB"},
		{3 << 40, "3.00 TiB"},
	}
	for _, tc := range cases {
		if got := FormatBytes(tc.in); got != tc.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
