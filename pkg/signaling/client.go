package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/ElisAS4/neonet-sub000/pkg/retry"
)

// ErrNotConnected is returned by Send while no relay session is open.
var ErrNotConnected = errors.New("signaling: not connected")

// Status reports the client's relay session.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusLost       Status = "lost"
	StatusGaveUp     Status = "gave_up"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	URL string
	// NodeID is requested from the relay as this client's id.
	NodeID               string
	HandshakeTimeout     time.Duration
	WriteTimeout         time.Duration
	Backoff              retry.Backoff
	MaxReconnectAttempts int
	// StableSession is how long a session must last before the next
	// reconnect skips the backoff delay.
	StableSession time.Duration
	Clock         clockwork.Clock
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = time.Second
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = 30 * time.Second
	}
	if c.StableSession <= 0 {
		c.StableSession = 10 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

// Client keeps one websocket session to the relay open, reconnecting with
// backoff until MaxReconnectAttempts consecutive dials fail.
type Client struct {
	logger    *slog.Logger
	cfg       ClientConfig
	dialer    *websocket.Dialer
	onMessage func(Message)
	onStatus  func(Status)

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func NewClient(logger *slog.Logger, cfg ClientConfig, onMessage func(Message), onStatus func(Status)) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Client{
		logger:    logger.With("component", "signaling_client"),
		cfg:       cfg,
		dialer:    &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		onMessage: onMessage,
		onStatus:  onStatus,
	}
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", err
	}
	if c.cfg.NodeID != "" {
		q := u.Query()
		q.Set("nodeId", c.cfg.NodeID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Run blocks until ctx is done or reconnection is abandoned.
func (c *Client) Run(ctx context.Context) error {
	target, err := c.dialURL()
	if err != nil {
		return fmt.Errorf("signaling url: %w", err)
	}

	failures, flaps := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.report(StatusConnecting)
		conn, _, err := c.dialer.DialContext(ctx, target, nil)
		if err != nil {
			failures++
			c.logger.Warn("relay dial failed", "url", c.cfg.URL, "attempt", failures, "error", err)
			if c.cfg.MaxReconnectAttempts > 0 && failures >= c.cfg.MaxReconnectAttempts {
				c.report(StatusGaveUp)
				return fmt.Errorf("signaling: gave up after %d attempts: %w", failures, err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.cfg.Clock.After(c.cfg.Backoff.Delay(failures - 1)):
			}
			continue
		}

		failures = 0
		opened := c.cfg.Clock.Now()
		c.setConn(conn)
		c.logger.Info("relay session open", "url", c.cfg.URL)
		c.report(StatusConnected)

		err = c.readLoop(ctx, conn)
		c.setConn(nil)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("relay session lost", "error", err)
		c.report(StatusLost)

		if c.cfg.Clock.Since(opened) >= c.cfg.StableSession {
			flaps = 0
			continue
		}
		flaps++
		delay := c.cfg.Backoff.Delay(flaps - 1)
		c.logger.Warn("relay session ended early", "lasted", c.cfg.Clock.Since(opened), "retry_in", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.cfg.Clock.After(delay):
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := Decode(data)
		if err != nil {
			c.logger.Warn("drop relay message", "error", err)
			continue
		}
		if c.onMessage != nil {
			c.onMessage(msg)
		}
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) report(s Status) {
	if c.onStatus != nil {
		c.onStatus(s)
	}
}

// Connected reports whether a relay session is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send writes one message on the current session.
func (c *Client) Send(m Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := Encode(m)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("signaling send %s: %w", m.Type, err)
	}
	return nil
}

// Drop closes the current session; Run reconnects.
func (c *Client) Drop() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
