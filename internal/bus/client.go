// Package bus implements the client side of the daemon message bus: one
// persistent WebSocket connection multiplexing correlated request/response
// pairs and unsolicited pushes for every backend service behind the daemon
// (full node, wallet, farmer, harvester).
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/beacon-wallet/daemonbus/internal/protocol"
)

// DefaultRequestTimeout bounds a correlated request when neither the
// context nor the options carry a deadline.
const DefaultRequestTimeout = 30 * time.Second

// Transport moves raw frames to and from the daemon. It owns exactly one
// socket at a time and delivers inbound frames one by one on a single
// goroutine. The close handler fires at most once per connection, and only
// when the connection dies out from under the session; an explicit Close
// reports through Close itself. The transport never retries on its own;
// reconnection is the Reconnector's job.
type Transport interface {
	Connect(ctx context.Context) error
	Send(frame []byte) error
	Close() error
	SetMessageHandler(fn func(frame []byte))
	SetCloseHandler(fn func(err error))
}

// Observer receives bus lifecycle signals, typically for metrics export.
// Implementations must not block; calls can come from the dispatch
// goroutine.
type Observer interface {
	RequestStarted(destination, command string)
	RequestFinished(destination, command string, elapsed time.Duration, err error)
	EventReceived(origin, command string)
	FrameDropped(reason string)
	StateChanged(state ConnState)
	BusyChanged(count int)
}

type nopObserver struct{}

func (nopObserver) RequestStarted(string, string)                        {}
func (nopObserver) RequestFinished(string, string, time.Duration, error) {}
func (nopObserver) EventReceived(string, string)                         {}
func (nopObserver) FrameDropped(string)                                  {}
func (nopObserver) StateChanged(ConnState)                               {}
func (nopObserver) BusyChanged(int)                                      {}

// Frame drop reasons reported to the observer.
const (
	dropDecode    = "decode"
	dropLate      = "late_response"
	dropUnhandled = "unhandled"
)

// Options configures a Client.
type Options struct {
	// ServiceName is the origin this client registers under so the daemon
	// knows to direct UI-bound pushes here. Defaults to wallet_ui.
	ServiceName string

	// RequestTimeout is the per-request budget applied when the caller's
	// context has no deadline of its own.
	RequestTimeout time.Duration

	// SendRate caps outbound correlated requests per second. Zero disables
	// the limiter.
	SendRate  rate.Limit
	SendBurst int
}

// Client is one owned session over the daemon bus. Independent Clients are
// fully isolated, so tests (and multiple windows) can run their own.
type Client struct {
	transport Transport

	serviceName string
	timeout     time.Duration
	limiter     *rate.Limiter

	pending *pendingTable
	router  *router
	busy    *BusyCounter
	obs     Observer

	mu             sync.Mutex
	state          ConnState
	fingerprint    int
	stateListeners map[string]func(ConnState)
}

func NewClient(t Transport, opts Options) *Client {
	if opts.ServiceName == "" {
		opts.ServiceName = protocol.ServiceWalletUI
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	c := &Client{
		transport:      t,
		serviceName:    opts.ServiceName,
		timeout:        opts.RequestTimeout,
		pending:        newPendingTable(),
		router:         newRouter(),
		busy:           &BusyCounter{},
		obs:            nopObserver{},
		state:          StateDisconnected,
		stateListeners: make(map[string]func(ConnState)),
	}
	if opts.SendRate > 0 {
		burst := opts.SendBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(opts.SendRate, burst)
	}
	c.busy.SetOnChange(func(n int) { c.obs.BusyChanged(n) })
	return c
}

// SetObserver installs the lifecycle observer. Call before Connect.
func (c *Client) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	c.obs = o
}

// Connect dials the daemon and moves the session to connected. Calling it
// while the session is already connecting or up is a no-op; a forced
// reconnect is an explicit Close followed by Connect.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateConnected, StateAuthenticated:
		c.mu.Unlock()
		return nil
	case StateClosing:
		c.mu.Unlock()
		return fmt.Errorf("connect: session still closing")
	}
	c.state = StateConnecting
	c.mu.Unlock()
	c.notifyState(StateConnecting)

	c.transport.SetMessageHandler(c.handleFrame)
	c.transport.SetCloseHandler(c.handleClose)

	if err := c.transport.Connect(ctx); err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("connect daemon: %w", err)
	}
	c.setState(StateConnected)
	return nil
}

// Register runs the register_service handshake that tells the daemon who
// this client is. On success the session is authenticated and unsolicited
// pushes start flowing. Registering an already-authenticated session is a
// no-op.
func (c *Client) Register(ctx context.Context) error {
	if c.State() == StateAuthenticated {
		return nil
	}
	_, err := c.Request(ctx, protocol.ServiceDaemon, protocol.CmdRegisterService,
		map[string]any{"service": c.serviceName})
	if err != nil {
		return err
	}

	c.mu.Lock()
	changed := false
	if c.state == StateConnected {
		c.state = StateAuthenticated
		changed = true
	}
	authed := c.state == StateAuthenticated
	c.mu.Unlock()
	if changed {
		c.notifyState(StateAuthenticated)
	}
	if !authed {
		return wrapRequestErr(protocol.ServiceDaemon, protocol.CmdRegisterService, ErrConnectionClosed)
	}
	return nil
}

// Request sends a correlated command and blocks until its matching
// response, the context deadline, or connection loss. Any number of
// requests may be in flight at once; each resolves independently by
// requestId. Abandoning the context discards the eventual response rather
// than failing it: work already dispatched to the daemon cannot be undone
// from here.
func (c *Client) Request(ctx context.Context, destination, command string, params any) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = ErrTimeout
			}
			return nil, wrapRequestErr(destination, command, err)
		}
	}

	var data json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s %s request: %w", destination, command, err)
		}
		data = b
	}

	id := uuid.New().String()
	frame, err := protocol.Encode(&protocol.Envelope{
		Destination: destination,
		Command:     command,
		Data:        data,
		RequestID:   id,
	})
	if err != nil {
		return nil, err
	}

	p := &pendingRequest{
		id:          id,
		destination: destination,
		command:     command,
		createdAt:   time.Now(),
		ch:          make(chan result, 1),
	}
	c.pending.add(p)
	c.busy.Increment()
	c.obs.RequestStarted(destination, command)
	start := time.Now()

	if err := c.transport.Send(frame); err != nil {
		if c.pending.take(id) != nil {
			c.busy.Decrement()
		}
		c.obs.RequestFinished(destination, command, time.Since(start), ErrConnectionClosed)
		return nil, wrapRequestErr(destination, command, ErrConnectionClosed)
	}

	select {
	case res := <-p.ch:
		c.obs.RequestFinished(destination, command, time.Since(start), res.err)
		if res.err != nil {
			return nil, wrapRequestErr(destination, command, res.err)
		}
		return res.data, nil

	case <-ctx.Done():
		if c.pending.take(id) != nil {
			c.busy.Decrement()
			err := ctx.Err()
			if errors.Is(err, context.DeadlineExceeded) {
				err = ErrTimeout
			}
			c.obs.RequestFinished(destination, command, time.Since(start), err)
			return nil, wrapRequestErr(destination, command, err)
		}
		// A response settled this request just as the context fired; the
		// settler has already written to the buffered channel.
		res := <-p.ch
		c.obs.RequestFinished(destination, command, time.Since(start), res.err)
		if res.err != nil {
			return nil, wrapRequestErr(destination, command, res.err)
		}
		return res.data, nil
	}
}

// Subscribe registers a handler for unsolicited (and correlated) envelopes
// matching (origin, command), returning its unsubscribe func.
// Subscriptions are scoped to the session: they are cleared on logout and
// on connection loss, so handlers must be re-attached after a reconnect.
func (c *Client) Subscribe(origin, command string, fn Handler) func() {
	return c.router.subscribe(origin, command, fn)
}

// Tap registers a handler for every inbound envelope. Taps carry
// cross-cutting concerns (journal, metrics) and survive session teardown.
func (c *Client) Tap(fn Handler) func() {
	return c.router.tap(fn)
}

// OnStateChange registers a listener for lifecycle transitions and returns
// its remove func.
func (c *Client) OnStateChange(fn func(ConnState)) func() {
	id := uuid.New().String()
	c.mu.Lock()
	c.stateListeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.stateListeners, id)
		c.mu.Unlock()
	}
}

// State returns the session's position in the connection lifecycle.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Busy reports whether any correlated request is in flight; it drives the
// global progress indicator.
func (c *Client) Busy() bool { return c.busy.Busy() }

// BusyCount returns the number of in-flight correlated requests.
func (c *Client) BusyCount() int { return c.busy.Count() }

// PendingCount returns the number of unresolved correlated requests.
func (c *Client) PendingCount() int { return c.pending.len() }

// SubscriptionCount returns the number of live keyed subscriptions.
func (c *Client) SubscriptionCount() int { return c.router.subscriptionCount() }

// SetFingerprint records the key fingerprint of the logged-in wallet.
func (c *Client) SetFingerprint(fp int) {
	c.mu.Lock()
	c.fingerprint = fp
	c.mu.Unlock()
}

// Fingerprint returns the logged-in key fingerprint, zero when none.
func (c *Client) Fingerprint() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fingerprint
}

// Close tears the session down: the transport closes, every pending
// request rejects with ErrConnectionClosed, keyed subscriptions clear, and
// the busy counter resets.
func (c *Client) Close() error {
	err := c.transport.Close()
	c.teardown()
	return err
}

// Logout ends the login session. Both pending requests and subscriptions
// belong to the session that issued them, so a fresh login never sees
// stale handlers or stray resolutions.
func (c *Client) Logout() error {
	c.mu.Lock()
	c.fingerprint = 0
	c.mu.Unlock()
	return c.Close()
}

func (c *Client) handleFrame(frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		log.Printf("Dropping frame: %v", err)
		c.obs.FrameDropped(dropDecode)
		return
	}
	c.route(env)
}

// route delivers one inbound envelope: the correlator gets first claim on
// a response, then every keyed subscriber and tap sees the envelope
// regardless, since a correlated response may also need to refresh passive
// state. Unknown (origin, command) pairs fall through harmlessly.
func (c *Client) route(env *protocol.Envelope) {
	matched := false
	if env.IsResponse() {
		if p := c.pending.take(env.RequestID); p != nil {
			matched = true
			p.ch <- responseOutcome(env)
			c.busy.Decrement()
		} else {
			log.Printf("Discarding late response %s/%s (requestId=%s)", env.Origin, env.Command, env.RequestID)
			c.obs.FrameDropped(dropLate)
		}
	} else {
		c.obs.EventReceived(env.Origin, env.Command)
	}

	delivered := c.router.dispatch(env)
	if !matched && delivered == 0 && !env.IsResponse() {
		c.obs.FrameDropped(dropUnhandled)
	}
}

// responseOutcome turns a response envelope into the caller's result. A
// response whose data carries success=false, or no boolean success at all,
// is a daemon-reported failure.
func responseOutcome(env *protocol.Envelope) result {
	var probe struct {
		Success *bool  `json:"success"`
		Error   string `json:"error"`
	}
	if len(env.Data) > 0 {
		_ = json.Unmarshal(env.Data, &probe)
	}
	switch {
	case probe.Success == nil:
		return result{err: &RemoteError{Service: env.Origin, Command: env.Command, Message: "response missing success flag"}}
	case !*probe.Success:
		return result{err: &RemoteError{Service: env.Origin, Command: env.Command, Message: probe.Error}}
	default:
		return result{data: env.Data}
	}
}

func (c *Client) handleClose(err error) {
	if err != nil {
		log.Printf("Daemon connection lost: %v", err)
	}
	c.teardown()
}

// teardown drains the session synchronously: pending requests reject with
// ErrConnectionClosed, keyed subscriptions clear, busy resets to zero. Safe
// to run twice; the second pass finds nothing to do.
func (c *Client) teardown() {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	c.mu.Unlock()
	c.notifyState(StateClosing)

	for _, p := range c.pending.drain() {
		log.Printf("Rejecting in-flight %s/%s after %s: connection closed",
			p.destination, p.command, time.Since(p.createdAt).Round(time.Millisecond))
		p.ch <- result{err: ErrConnectionClosed}
	}
	c.router.clear()
	c.busy.Reset()
	c.setState(StateDisconnected)
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.notifyState(s)
}

func (c *Client) notifyState(s ConnState) {
	c.mu.Lock()
	fns := make([]func(ConnState), 0, len(c.stateListeners))
	for _, fn := range c.stateListeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	c.obs.StateChanged(s)
	for _, fn := range fns {
		fn(s)
	}
}
