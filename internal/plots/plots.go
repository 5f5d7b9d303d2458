// Package plots reads harvester plot inventories: plot files on disk by
// their naming convention, and farming attempts from the node's debug log.
package plots

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Plot filenames encode their parameters:
// plot-k32-2024-11-30-18-39-<64 hex id>.plot
var plotNamePattern = regexp.MustCompile(`^plot-k(\d+)-(\d{4})-(\d{2})-(\d{2})-(\d{2})-(\d{2})-([0-9a-f]{64})\.plot$`)

// Harvester lines in the debug log:
// 2 plots were eligible for farming c8134a8de5... Found 0 proofs. Time: 0.53043 s. Total 36 plots
var farmingLinePattern = regexp.MustCompile(`(\d+) plots? were eligible for farming ([0-9a-f]+)\.{3} Found (\d+) proofs?\. Time: ([0-9.]+) s\. Total (\d+) plots?`)

type PlotFile struct {
	Path    string
	KSize   int
	ID      string
	Created time.Time
	Size    int64
}

// ParseFilename decodes a plot filename. The second return is false for
// names outside the convention, including in-progress .plot.tmp files.
func ParseFilename(name string) (PlotFile, bool) {
	match := plotNamePattern.FindStringSubmatch(name)
	if match == nil {
		return PlotFile{}, false
	}
	k, _ := strconv.Atoi(match[1])
	year, _ := strconv.Atoi(match[2])
	month, _ := strconv.Atoi(match[3])
	day, _ := strconv.Atoi(match[4])
	hour, _ := strconv.Atoi(match[5])
	minute, _ := strconv.Atoi(match[6])
	return PlotFile{
		KSize:   k,
		ID:      match[7],
		Created: time.Date(year, time.Month(month), day, hour, minute, 0, 0, time.UTC),
	}, true
}

// ScanDir lists the plot files directly inside dir.
func ScanDir(dir string) ([]PlotFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var plots []PlotFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		plot, ok := ParseFilename(entry.Name())
		if !ok {
			continue
		}
		plot.Path = filepath.Join(dir, entry.Name())
		if info, err := entry.Info(); err == nil {
			plot.Size = info.Size()
		}
		plots = append(plots, plot)
	}
	return plots, nil
}

type Summary struct {
	Count      int
	TotalBytes int64
	ByKSize    map[int]int
	Newest     time.Time
}

func Summarize(plots []PlotFile) Summary {
	s := Summary{ByKSize: make(map[int]int)}
	for _, p := range plots {
		s.Count++
		s.TotalBytes += p.Size
		s.ByKSize[p.KSize]++
		if p.Created.After(s.Newest) {
			s.Newest = p.Created
		}
	}
	return s
}

type FarmingAttempt struct {
	Eligible    int
	ChallengeID string
	Proofs      int
	Seconds     float64
	TotalPlots  int
}

// ParseFarmingLine extracts one harvester attempt, nil for other lines.
func ParseFarmingLine(line string) *FarmingAttempt {
	match := farmingLinePattern.FindStringSubmatch(line)
	if match == nil {
		return nil
	}
	attempt := &FarmingAttempt{ChallengeID: match[2]}
	attempt.Eligible, _ = strconv.Atoi(match[1])
	attempt.Proofs, _ = strconv.Atoi(match[3])
	attempt.Seconds, _ = strconv.ParseFloat(match[4], 64)
	attempt.TotalPlots, _ = strconv.Atoi(match[5])
	return attempt
}

// ParseFarmingLog extracts every harvester attempt from log text.
func ParseFarmingLog(text string) []FarmingAttempt {
	var attempts []FarmingAttempt
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if attempt := ParseFarmingLine(line); attempt != nil {
			attempts = append(attempts, *attempt)
		}
	}
	return attempts
}

type FarmingStats struct {
	Attempts   int
	Eligible   int
	Proofs     int
	SlowestSec float64
	TotalPlots int
}

// AggregateFarming folds attempts into totals. TotalPlots reflects the
// newest attempt.
func AggregateFarming(attempts []FarmingAttempt) FarmingStats {
	var stats FarmingStats
	for _, a := range attempts {
		stats.Attempts++
		stats.Eligible += a.Eligible
		stats.Proofs += a.Proofs
		if a.Seconds > stats.SlowestSec {
			stats.SlowestSec = a.Seconds
		}
		stats.TotalPlots = a.TotalPlots
	}
	return stats
}

// FormatBytes renders a byte count the way the farming summary shows it.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
