// Package launcher starts a local daemon process when none is running and
// waits for its TLS material to appear so the bus can dial it.
package launcher

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/creack/pty"
	"github.com/fsnotify/fsnotify"

	"github.com/beacon-wallet/daemonbus/internal/proc"
)

const DefaultCertWait = 15 * time.Second

type Options struct {
	// Command and Args launch the daemon binary.
	Command string
	Args    []string

	// CertPath is the daemon certificate minted on first start; dialing
	// before it exists fails the TLS handshake.
	CertPath string

	// LogPath captures the daemon's terminal output.
	LogPath string

	// CertWait bounds WaitForCert.
	CertWait time.Duration
}

type Launcher struct {
	opts Options
}

func New(opts Options) *Launcher {
	if opts.CertWait <= 0 {
		opts.CertWait = DefaultCertWait
	}
	return &Launcher{opts: opts}
}

// Running returns the pid of an already-running daemon, zero when none.
func (l *Launcher) Running() int {
	snap := proc.TakeSnapshot()
	for _, entry := range snap.FindCmd(filepath.Base(l.opts.Command)) {
		// Our own command line mentions the daemon binary too.
		if entry.Pid == os.Getpid() {
			continue
		}
		return entry.Pid
	}
	return 0
}

// ServicesUnder reports which service processes live under the daemon
// pid. The daemon runs full_node, wallet and the rest as children, so the
// process tree answers this even before the bus is dialable.
func (l *Launcher) ServicesUnder(pid int, services []string) map[string]bool {
	snap := proc.TakeSnapshot()
	up := make(map[string]bool, len(services))
	for _, svc := range services {
		up[svc] = snap.HasDescendantCmd(pid, []string{svc})
	}
	return up
}

// Start spawns the daemon on a pty and returns its pid. A daemon that is
// already running is left alone and its pid returned. The pty keeps the
// child's startup banner flowing into the log even when it detaches.
func (l *Launcher) Start(ctx context.Context) (int, error) {
	if pid := l.Running(); pid != 0 {
		return pid, nil
	}

	cmd := exec.CommandContext(ctx, l.opts.Command, l.opts.Args...)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return 0, fmt.Errorf("start %s: %w", l.opts.Command, err)
	}
	_ = pty.Setsize(ptmx, &pty.Winsize{Rows: 24, Cols: 80})

	go l.drain(ptmx)
	go func() { _ = cmd.Wait() }()

	log.Printf("Started %s (pid %d)", l.opts.Command, cmd.Process.Pid)
	return cmd.Process.Pid, nil
}

// drain copies daemon output into the log file until the pty closes.
func (l *Launcher) drain(ptmx *os.File) {
	defer ptmx.Close()

	var w io.Writer = io.Discard
	if l.opts.LogPath != "" {
		_ = os.MkdirAll(filepath.Dir(l.opts.LogPath), 0755)
		f, err := os.OpenFile(l.opts.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err == nil {
			defer f.Close()
			w = f
		} else {
			log.Printf("Daemon log capture disabled: %v", err)
		}
	}
	_, _ = io.Copy(w, ptmx)
}

// WaitForCert blocks until the daemon certificate exists, watching its
// directory with a polling fallback as a safety net.
func (l *Launcher) WaitForCert(ctx context.Context) error {
	path := l.opts.CertPath
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, l.opts.CertWait)
	defer cancel()

	dir := filepath.Dir(path)
	_ = os.MkdirAll(dir, 0755)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return l.pollForCert(ctx, path)
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(dir); err != nil {
		return l.pollForCert(ctx, path)
	}

	// Fallback poll in case the write raced the watch setup.
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("daemon certificate %s did not appear: %w", path, ctx.Err())
		case <-watcher.Events:
			if _, err := os.Stat(path); err == nil {
				return nil
			}
		case err := <-watcher.Errors:
			log.Printf("Certificate watch error: %v", err)
		case <-ticker.C:
			if _, err := os.Stat(path); err == nil {
				return nil
			}
		}
	}
}

func (l *Launcher) pollForCert(ctx context.Context, path string) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("daemon certificate %s did not appear: %w", path, ctx.Err())
		case <-ticker.C:
			if _, err := os.Stat(path); err == nil {
				return nil
			}
		}
	}
}
