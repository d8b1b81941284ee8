// Package push maintains the WebSocket connection that streams assistant
// replies from the backend and republishes them on the hub.
package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiaot623/gogo/mimir/internal/adapter/backend"
	"github.com/xiaot623/gogo/mimir/internal/protocol"
)

// ErrReconnectExhausted is returned by Run after too many consecutive failed
// connection attempts.
var ErrReconnectExhausted = errors.New("push: reconnect attempts exhausted")

// Publisher receives decoded events.
type Publisher interface {
	Publish(protocol.Event)
}

// Config holds the push client settings.
type Config struct {
	URL               string
	ReconnectAttempts int
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	HandshakeTimeout  time.Duration
	MaxMessageSize    int64
}

func (c *Config) setDefaults() {
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 10
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 10 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1 << 20
	}
}

// Client is a reconnecting push client.
type Client struct {
	cfg    Config
	tokens backend.TokenSource
	pub    Publisher
	log    *slog.Logger
	dialer *websocket.Dialer

	mu           sync.RWMutex
	connectionID string
	handshakes   int
}

// NewClient creates a push client that publishes to pub.
func NewClient(cfg Config, tokens backend.TokenSource, pub Publisher, logger *slog.Logger) *Client {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		tokens: tokens,
		pub:    pub,
		log:    logger.With(slog.String("module", "push")),
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
	}
}

// ConnectionID returns the id of the live connection, or "" while
// disconnected.
func (c *Client) ConnectionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectionID
}

// Run connects and keeps the connection alive until ctx is cancelled or the
// reconnect budget is spent. Each successful handshake resets the budget.
func (c *Client) Run(ctx context.Context) error {
	failures := 0
	for {
		conn, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			c.log.Warn("push connect failed",
				slog.Int("attempt", failures),
				slog.String("error", err.Error()))
			if failures >= c.cfg.ReconnectAttempts {
				return fmt.Errorf("%w: %v", ErrReconnectExhausted, err)
			}
		} else {
			failures = 0
			err = c.readLoop(ctx, conn)
			c.setConnectionID("")
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("push connection lost", slog.String("error", err.Error()))
		}

		delay := backoffDelay(failures, c.cfg.ReconnectBase, c.cfg.ReconnectMax)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// backoffDelay returns min(base*2^attempt, max).
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// connect dials and performs the hello handshake.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	addr, err := c.dialURL(ctx)
	if err != nil {
		return nil, err
	}

	conn, _, err := c.dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	id, err := c.handshake(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	c.mu.Lock()
	c.connectionID = id
	c.handshakes++
	reconnect := c.handshakes > 1
	c.mu.Unlock()

	c.log.Info("push connected", slog.String("connection_id", id), slog.Bool("reconnect", reconnect))
	c.pub.Publish(protocol.Connected{ConnectionID: id, Reconnect: reconnect})
	return conn, nil
}

func (c *Client) handshake(conn *websocket.Conn) (string, error) {
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.HandshakeTimeout)); err != nil {
		return "", err
	}
	if err := conn.WriteJSON(protocol.Hello{}); err != nil {
		return "", fmt.Errorf("write hello: %w", err)
	}
	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout)); err != nil {
		return "", err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("read helloAck: %w", err)
	}

	ev, err := protocol.Decode(data)
	if err != nil {
		return "", fmt.Errorf("decode helloAck: %w", err)
	}
	ack, ok := ev.(protocol.HelloAck)
	if !ok {
		return "", fmt.Errorf("expected %s, got: %s", protocol.ActionHelloAck, ev.Action())
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return "", err
	}
	if err := conn.SetWriteDeadline(time.Time{}); err != nil {
		return "", err
	}
	return ack.ConnectionID, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(c.cfg.MaxMessageSize)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
			conn.Close()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		ev, err := protocol.Decode(data)
		if err != nil {
			c.log.Error("dropping malformed push message",
				slog.String("error", err.Error()),
				slog.String("payload", truncate(data, 256)))
			continue
		}

		switch ev := ev.(type) {
		case protocol.StreamCompletion:
			c.pub.Publish(ev)
		default:
			c.log.Warn("unexpected push message", slog.String("action", ev.Action()))
		}
	}
}

func (c *Client) dialURL(ctx context.Context) (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse socket url: %w", err)
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to get access token: %w", err)
		}
		if token != "" {
			q := u.Query()
			q.Set("token", token)
			u.RawQuery = q.Encode()
		}
	}
	return u.String(), nil
}

func (c *Client) setConnectionID(id string) {
	c.mu.Lock()
	c.connectionID = id
	c.mu.Unlock()
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
