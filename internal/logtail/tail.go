// Package logtail follows the node's debug log, surviving the rename
// rotation the log writer does when a file fills up.
package logtail

import (
	"bytes"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type LineHandler func(line string)

type Tailer struct {
	path    string
	poll    time.Duration
	handler LineHandler

	mu   sync.Mutex
	done chan struct{}
}

func New(path string, handler LineHandler) *Tailer {
	return &Tailer{
		path:    path,
		poll:    200 * time.Millisecond,
		handler: handler,
	}
}

// Start begins tailing. With fromStart false, only lines appended after
// the call are delivered. Starting an active tailer is a no-op.
func (t *Tailer) Start(fromStart bool) error {
	file, err := os.Open(t.path)
	if err != nil {
		return err
	}
	var offset int64
	if !fromStart {
		stat, err := file.Stat()
		if err != nil {
			file.Close()
			return err
		}
		offset = stat.Size()
	}

	t.mu.Lock()
	if t.done != nil {
		t.mu.Unlock()
		file.Close()
		return nil
	}
	done := make(chan struct{})
	t.done = done
	t.mu.Unlock()

	go t.run(file, offset, done)
	return nil
}

func (t *Tailer) Stop() {
	t.mu.Lock()
	if t.done != nil {
		close(t.done)
		t.done = nil
	}
	t.mu.Unlock()
}

func (t *Tailer) run(file *os.File, offset int64, done chan struct{}) {
	defer func() { file.Close() }()

	buf := make([]byte, 4096)
	var partial []byte

	for {
		select {
		case <-done:
			return
		default:
		}

		n, err := file.ReadAt(buf, offset)
		if n > 0 {
			offset += int64(n)
			partial = t.emitLines(append(partial, buf[:n]...))
		}
		if err != nil && err != io.EOF {
			return
		}
		if n > 0 {
			continue
		}

		// At EOF. The writer may have rotated the file out from under us,
		// by rename or by truncation; either way start over at the top.
		if byName, statErr := os.Stat(t.path); statErr == nil {
			cur, curErr := file.Stat()
			rotated := curErr == nil && !os.SameFile(cur, byName)
			if rotated || byName.Size() < offset {
				if nf, openErr := os.Open(t.path); openErr == nil {
					if len(partial) > 0 {
						t.handler(strings.TrimRight(string(partial), "\r"))
						partial = nil
					}
					file.Close()
					file = nf
					offset = 0
					continue
				}
			}
		}

		select {
		case <-done:
			return
		case <-time.After(t.poll):
		}
	}
}

// emitLines hands complete lines to the handler and returns the unfinished
// remainder.
func (t *Tailer) emitLines(data []byte) []byte {
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			return data
		}
		t.handler(strings.TrimRight(string(data[:i]), "\r"))
		data = data[i+1:]
	}
}
