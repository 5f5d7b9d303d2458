package logtail

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type lineCollector struct {
	mu    sync.Mutex
	lines []string
}

func (c *lineCollector) add(line string) {
	c.mu.Lock()
	c.lines = append(c.lines, line)
	c.mu.Unlock()
}

func (c *lineCollector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func (c *lineCollector) waitFor(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if lines := c.snapshot(); len(lines) >= n {
			return lines
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d lines, have %v", n, c.snapshot())
	return nil
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestTailDeliversAppendedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	if err := os.WriteFile(path, []byte("old line\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	var c lineCollector
	tail := New(path, c.add)
	if err := tail.Start(false); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tail.Stop()

	appendLine(t, path, "harvester chia.harvester.harvester: INFO 1 plots were eligible")
	appendLine(t, path, "full_node chia.full_node: INFO Added unfinished block")

	lines := c.waitFor(t, 2)
	if lines[0] != "harvester chia.harvester.harvester: INFO 1 plots were eligible" {
		t.Errorf("line 0 = %q", lines[0])
	}
	for _, l := range lines {
		if l == "old line" {
			t.Error("line written before Start was delivered")
		}
	}
}

func TestTailFromStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	if err := os.WriteFile(path, []byte("first\nsecond\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	var c lineCollector
	tail := New(path, c.add)
	if err := tail.Start(true); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tail.Stop()

	lines := c.waitFor(t, 2)
	if lines[0] != "first" || lines[1] != "second" {
		t.Errorf("lines = %v", lines)
	}
}

func TestTailSurvivesRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "debug.log")
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	var c lineCollector
	tail := New(path, c.add)
	if err := tail.Start(false); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tail.Stop()

	appendLine(t, path, "before rotation")
	c.waitFor(t, 1)

	// Rotate by rename, the way the daemon's log handler does.
	if err := os.Rename(path, filepath.Join(dir, "debug.log.1")); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if err := os.WriteFile(path, []byte("after rotation\n"), 0o644); err != nil {
		t.Fatalf("write new: %v", err)
	}

	lines := c.waitFor(t, 2)
	if lines[len(lines)-1] != "after rotation" {
		t.Errorf("last line = %q, want %q", lines[len(lines)-1], "after rotation")
	}
}

func TestTailHandlesPartialWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	var c lineCollector
	tail := New(path, c.add)
	if err := tail.Start(false); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tail.Stop()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	if _, err := f.WriteString("half a "); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	if lines := c.snapshot(); len(lines) != 0 {
		t.Fatalf("incomplete line delivered: %v", lines)
	}
	if _, err := f.WriteString("line\r\n"); err != nil {
		t.Fatalf("write: %v", err)
	}

	lines := c.waitFor(t, 1)
	if lines[0] != "half a line" {
		t.Errorf("line = %q, want %q", lines[0], "half a line")
	}
}

func TestStartMissingFile(t *testing.T) {
	tail := New(filepath.Join(t.TempDir(), "absent.log"), func(string) {})
	if err := tail.Start(false); err == nil {
		t.Error("start on a missing file succeeded")
	}
}
