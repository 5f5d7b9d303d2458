// Package ws is the WebSocket transport under the daemon bus: one socket
// at a time, dialed with the daemon's own TLS certificates, and a reader
// goroutine feeding inbound frames to the session layer one at a time.
package ws

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultMaxMessageSize matches the daemon's own frame cap; plot and
	// transaction listings get big.
	DefaultMaxMessageSize = 50 << 20

	writeWait = 10 * time.Second
)

// Options configures a Conn.
type Options struct {
	// URL is the daemon endpoint: wss://localhost:55400 against a real
	// daemon, ws:// against plaintext test servers.
	URL string

	// CertPath and KeyPath name the client certificate pair minted by the
	// daemon for its local services. Both empty skips client auth.
	CertPath string
	KeyPath  string

	// CAPath pins the daemon's private CA. Daemons self-sign, so leaving
	// it empty usually goes together with InsecureSkipVerify.
	CAPath string

	// InsecureSkipVerify accepts the daemon certificate without chain
	// verification.
	InsecureSkipVerify bool

	// PingInterval spaces keepalive pings; a missed pong within twice the
	// interval drops the connection. Zero disables keepalive.
	PingInterval time.Duration

	// HandshakeTimeout bounds the WebSocket dial.
	HandshakeTimeout time.Duration

	// MaxMessageSize caps inbound frames in bytes.
	MaxMessageSize int64
}

// Conn is a dialable WebSocket connection. It carries raw frames only; the
// session layer above owns envelopes, correlation, and reconnect policy. A
// Conn can be dialed again after it closes.
type Conn struct {
	url            string
	dialer         *websocket.Dialer
	pingInterval   time.Duration
	maxMessageSize int64

	mu        sync.Mutex
	conn      *websocket.Conn
	onMessage func([]byte)
	onClose   func(error)

	// writeMu serializes frames; gorilla allows one concurrent writer.
	writeMu sync.Mutex
}

func New(opts Options) (*Conn, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse daemon url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("daemon url %q: scheme must be ws or wss", opts.URL)
	}

	handshake := opts.HandshakeTimeout
	if handshake <= 0 {
		handshake = DefaultHandshakeTimeout
	}
	dialer := &websocket.Dialer{HandshakeTimeout: handshake}
	if u.Scheme == "wss" {
		tlsConfig, err := buildTLSConfig(opts)
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsConfig
	}

	maxSize := opts.MaxMessageSize
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &Conn{
		url:            opts.URL,
		dialer:         dialer,
		pingInterval:   opts.PingInterval,
		maxMessageSize: maxSize,
	}, nil
}

func buildTLSConfig(opts Options) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: opts.InsecureSkipVerify,
	}
	if opts.CertPath != "" || opts.KeyPath != "" {
		cert, err := tls.LoadX509KeyPair(opts.CertPath, opts.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if opts.CAPath != "" {
		pem, err := os.ReadFile(opts.CAPath)
		if err != nil {
			return nil, fmt.Errorf("read daemon CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("daemon CA %s: no certificates found", opts.CAPath)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// SetMessageHandler installs the inbound frame handler. Install before
// Connect; frames arriving without a handler are dropped.
func (c *Conn) SetMessageHandler(fn func(frame []byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// SetCloseHandler installs the handler fired when the connection dies out
// from under the caller. An explicit Close does not fire it.
func (c *Conn) SetCloseHandler(fn func(err error)) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// Connect dials the daemon. Calling it on a live connection is a no-op.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(c.maxMessageSize)
	if c.pingInterval > 0 {
		pongWait := 2 * c.pingInterval
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}
	c.conn = conn

	done := make(chan struct{})
	go c.reader(conn, done)
	if c.pingInterval > 0 {
		go c.pinger(conn, done)
	}
	return nil
}

func (c *Conn) reader(conn *websocket.Conn, done chan struct{}) {
	var readErr error
	defer func() {
		close(done)
		conn.Close()

		c.mu.Lock()
		current := c.conn == conn
		if current {
			c.conn = nil
		}
		onClose := c.onClose
		c.mu.Unlock()

		// An explicitly closed connection was already detached under the
		// lock; only a connection that died while current reports up.
		if current && onClose != nil {
			onClose(readErr)
		}
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			return
		}
		if c.pingInterval > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(2 * c.pingInterval))
		}

		c.mu.Lock()
		onMessage := c.onMessage
		c.mu.Unlock()
		if onMessage != nil {
			onMessage(frame)
		}
	}
}

// pinger keeps the connection warm. A failed ping closes the socket, which
// unblocks the reader and surfaces the loss through the close handler.
func (c *Conn) pinger(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Printf("Keepalive ping failed: %v", err)
				conn.Close()
				return
			}
		}
	}
}

// Send writes one text frame.
func (c *Conn) Send(frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// Close tears the socket down. The reader exits on its own; the close
// handler stays quiet since the caller initiated this.
func (c *Conn) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
