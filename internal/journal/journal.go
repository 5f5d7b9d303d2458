// Package journal persists daemon pushes to an append-only JSONL file so
// state changes that happened while no window was watching can be replayed.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type Entry struct {
	Seq     int64           `json:"seq"`
	Time    time.Time       `json:"time"`
	Origin  string          `json:"origin"`
	Command string          `json:"command"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type Journal struct {
	path     string
	maxLines int

	mu      sync.Mutex
	entries []Entry
	seq     int64
	append  *os.File
}

func Open(dir string, maxLines int) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	j := &Journal{
		path:     filepath.Join(dir, "events.jsonl"),
		maxLines: maxLines,
	}
	if err := j.load(); err != nil {
		return nil, err
	}
	if err := j.openAppend(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) load() error {
	file, err := os.Open(j.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open journal file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue // Skip invalid lines
		}
		j.entries = append(j.entries, e)
		if e.Seq > j.seq {
			j.seq = e.Seq
		}
	}
	return scanner.Err()
}

func (j *Journal) openAppend() error {
	if j.append != nil {
		return nil
	}
	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open journal file for append: %w", err)
	}
	j.append = file
	return nil
}

func (j *Journal) appendEntry(e Entry) error {
	if err := j.openAppend(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := j.append.Write(data); err != nil {
		return err
	}
	if _, err := j.append.WriteString("\n"); err != nil {
		return err
	}
	return nil
}

// compact rewrites the file to match the in-memory window.
func (j *Journal) compact() error {
	tmpPath := j.path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create journal file: %w", err)
	}
	for _, e := range j.entries {
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		if _, err := file.Write(data); err != nil {
			file.Close()
			return err
		}
		if _, err := file.WriteString("\n"); err != nil {
			file.Close()
			return err
		}
	}
	if err := file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		return err
	}
	if j.append != nil {
		_ = j.append.Close()
		j.append = nil
	}
	return j.openAppend()
}

// Record appends one push. Past the line cap the oldest tenth is dropped
// and the file rewritten, so sustained event storms stay bounded.
func (j *Journal) Record(origin, command string, data json.RawMessage) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	needsCompact := false
	if j.maxLines > 0 && len(j.entries) >= j.maxLines {
		drop := j.maxLines / 10
		if drop < 1 {
			drop = 1
		}
		j.entries = j.entries[drop:]
		needsCompact = true
	}

	j.seq++
	e := Entry{
		Seq:     j.seq,
		Time:    time.Now().UTC(),
		Origin:  origin,
		Command: command,
		Data:    data,
	}
	j.entries = append(j.entries, e)
	if needsCompact {
		return j.compact()
	}
	return j.appendEntry(e)
}

// Tail returns the newest n entries in order.
func (j *Journal) Tail(n int) []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()

	if n <= 0 || n > len(j.entries) {
		n = len(j.entries)
	}
	result := make([]Entry, n)
	copy(result, j.entries[len(j.entries)-n:])
	return result
}

// Since returns every entry recorded after seq.
func (j *Journal) Since(seq int64) []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()

	var result []Entry
	for _, e := range j.entries {
		if e.Seq > seq {
			result = append(result, e)
		}
	}
	return result
}

func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// LastSeq returns the newest sequence number, zero when empty.
func (j *Journal) LastSeq() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.append == nil {
		return nil
	}
	err := j.append.Close()
	j.append = nil
	return err
}
