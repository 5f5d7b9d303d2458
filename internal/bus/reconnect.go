package bus

import (
	"context"
	"log"
	"sync"
	"time"
)

// ReconnectConfig shapes the retry policy.
type ReconnectConfig struct {
	// Backoff is the delay ladder in seconds between attempts; the last
	// entry repeats once the ladder is exhausted.
	Backoff []int
	// MaxAttempts caps consecutive failed attempts before giving up.
	// Zero keeps trying.
	MaxAttempts int

	// OnDrop fires when the session disconnects and a retry cycle begins.
	OnDrop func()
	// OnRecovered fires once the session is dialed and restored again.
	OnRecovered func(attempts int)
	// OnGiveUp fires after MaxAttempts consecutive failures.
	OnGiveUp func(err error)
}

// Reconnector is the caller-side reconnection policy. The transport never
// retries on its own, so a genuinely down daemon surfaces here as OnGiveUp
// instead of a silent retry storm. Nothing engages a Reconnector
// implicitly; the application opts in by starting one.
type Reconnector struct {
	client  *Client
	cfg     ReconnectConfig
	restore func(ctx context.Context) error

	stopOnce sync.Once
	stop     chan struct{}
}

// NewReconnector wires a policy around c. restore runs after every
// successful dial to redo the register_service handshake and re-attach
// session-scoped subscriptions; it may be nil.
func NewReconnector(c *Client, cfg ReconnectConfig, restore func(ctx context.Context) error) *Reconnector {
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = []int{1, 2, 5, 10, 30}
	}
	return &Reconnector{
		client:  c,
		cfg:     cfg,
		restore: restore,
		stop:    make(chan struct{}),
	}
}

// Start watches the session in the background and begins a retry cycle on
// every disconnect until Stop, context cancellation, or give-up.
func (r *Reconnector) Start(ctx context.Context) {
	go r.watch(ctx)
}

// Stop ends the watch. Call before an intentional Close so shutdown is not
// mistaken for a dropped connection.
func (r *Reconnector) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Reconnector) watch(ctx context.Context) {
	states := make(chan ConnState, 8)
	remove := r.client.OnStateChange(func(s ConnState) {
		select {
		case states <- s:
		default:
		}
	})
	defer remove()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-states:
			// Act on the current state, not the notification itself, so
			// stale disconnect events from an already-finished cycle are
			// ignored.
			if r.client.State() != StateDisconnected {
				continue
			}
			if r.cfg.OnDrop != nil {
				r.cfg.OnDrop()
			}
			if !r.retryLoop(ctx) {
				return
			}
		}
	}
}

// retryLoop walks the backoff ladder until an attempt succeeds. Returns
// false when the loop should not watch for further drops.
func (r *Reconnector) retryLoop(ctx context.Context) bool {
	attempt := 0
	for {
		idx := attempt
		if idx >= len(r.cfg.Backoff) {
			idx = len(r.cfg.Backoff) - 1
		}
		select {
		case <-ctx.Done():
			return false
		case <-r.stop:
			return false
		case <-time.After(time.Duration(r.cfg.Backoff[idx]) * time.Second):
		}

		attempt++
		log.Printf("Reconnection attempt %d", attempt)
		if err := r.attempt(ctx); err != nil {
			log.Printf("Reconnect failed: %v", err)
			if r.cfg.MaxAttempts > 0 && attempt >= r.cfg.MaxAttempts {
				if r.cfg.OnGiveUp != nil {
					r.cfg.OnGiveUp(err)
				}
				return false
			}
			continue
		}

		log.Printf("Reconnected after %d attempt(s)", attempt)
		if r.cfg.OnRecovered != nil {
			r.cfg.OnRecovered(attempt)
		}
		return true
	}
}

func (r *Reconnector) attempt(ctx context.Context) error {
	if err := r.client.Connect(ctx); err != nil {
		return err
	}
	if r.restore == nil {
		return nil
	}
	if err := r.restore(ctx); err != nil {
		// A dialed but unrestored session is useless; drop it before the
		// next attempt.
		_ = r.client.Close()
		return err
	}
	return nil
}
