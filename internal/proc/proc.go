// Package proc inspects the local process table so the launcher can tell
// whether a daemon is already running before spawning another, and which
// node services live under it.
package proc

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

type Entry struct {
	Pid     int
	PPid    int
	Cmdline string
	Comm    string
}

type Snapshot struct {
	entries  map[int]*Entry
	children map[int][]int
}

func TakeSnapshot() *Snapshot {
	entries := make(map[int]*Entry)
	children := make(map[int][]int)

	dirs, err := os.ReadDir("/proc")
	if err != nil {
		return &Snapshot{entries: entries, children: children}
	}

	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		pid, ok := parsePID(dir.Name())
		if !ok {
			continue
		}

		statPath := filepath.Join("/proc", dir.Name(), "stat")
		stat, err := os.ReadFile(statPath)
		if err != nil {
			continue
		}

		comm, ppid, ok := parseStat(string(stat))
		if !ok {
			continue
		}

		cmdline := readCmdline(pid)
		entry := &Entry{
			Pid:     pid,
			PPid:    ppid,
			Cmdline: strings.ToLower(cmdline),
			Comm:    strings.ToLower(comm),
		}
		entries[pid] = entry
		children[ppid] = append(children[ppid], pid)
	}

	return &Snapshot{entries: entries, children: children}
}

// FindCmd returns the processes whose command line (or name, when the
// command line is unreadable) contains any of the substrings. Matching is
// case-insensitive; results come back in pid order.
func (s *Snapshot) FindCmd(substrings ...string) []Entry {
	if s == nil {
		return nil
	}
	var found []Entry
	for _, entry := range s.entries {
		if matchEntry(entry, substrings) {
			found = append(found, *entry)
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Pid < found[j].Pid })
	return found
}

// Entry returns the table row for pid.
func (s *Snapshot) Entry(pid int) (Entry, bool) {
	if s == nil {
		return Entry{}, false
	}
	entry, ok := s.entries[pid]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Descendants returns pid and its transitive children.
func (s *Snapshot) Descendants(pid int) []Entry {
	if s == nil || pid <= 0 {
		return nil
	}

	var result []Entry
	queue := []int{pid}
	visited := make(map[int]struct{})
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if _, seen := visited[current]; seen {
			continue
		}
		visited[current] = struct{}{}

		if entry, ok := s.entries[current]; ok {
			result = append(result, *entry)
		}
		if kids := s.children[current]; len(kids) > 0 {
			queue = append(queue, kids...)
		}
	}
	return result
}

// HasDescendantCmd reports whether pid or any of its descendants matches
// one of the substrings. The daemon runs node services as child
// processes, so this answers "is the wallet really up under that daemon".
func (s *Snapshot) HasDescendantCmd(pid int, substrings []string) bool {
	for _, entry := range s.Descendants(pid) {
		if matchEntry(&entry, substrings) {
			return true
		}
	}
	return false
}

func matchEntry(entry *Entry, substrings []string) bool {
	haystack := entry.Cmdline
	if haystack == "" {
		haystack = entry.Comm
	}
	for _, substr := range substrings {
		if substr != "" && strings.Contains(haystack, strings.ToLower(substr)) {
			return true
		}
	}
	return false
}

func parsePID(name string) (int, bool) {
	if name == "" {
		return 0, false
	}
	for _, ch := range name {
		if ch < '0' || ch > '9' {
			return 0, false
		}
	}
	pid, err := strconv.Atoi(name)
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func parseStat(stat string) (string, int, bool) {
	stat = strings.TrimSpace(stat)
	if stat == "" {
		return "", 0, false
	}

	// The comm field is parenthesized and may itself contain spaces and
	// parens, so split around the last ")".
	rparen := strings.LastIndex(stat, ")")
	lparen := strings.Index(stat, "(")
	if lparen == -1 || rparen == -1 || rparen <= lparen {
		return "", 0, false
	}

	comm := stat[lparen+1 : rparen]
	rest := strings.Fields(stat[rparen+1:])
	if len(rest) < 2 {
		return comm, 0, false
	}

	ppid, err := strconv.Atoi(rest[1])
	if err != nil {
		return comm, 0, false
	}
	return comm, ppid, true
}

func readCmdline(pid int) string {
	path := fmt.Sprintf("/proc/%d/cmdline", pid)
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return ""
	}
	parts := strings.Split(string(data), "\x00")
	var fields []string
	for _, part := range parts {
		if part == "" {
			continue
		}
		fields = append(fields, part)
	}
	return strings.Join(fields, " ")
}
