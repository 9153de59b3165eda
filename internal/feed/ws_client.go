// Package feed provides the websocket transport shared by exchange adapters.
// A Client owns one connection: it dials, keeps the peer alive with pings,
// replays subscriptions after a reconnect, and delivers raw frames on a
// bounded channel. Adapters decode frames into canonical domain messages.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/mmbot/internal/domain"
)

const (
	defaultHandshakeTimeout = 15 * time.Second
	defaultWriteWait        = 10 * time.Second
	defaultPongWait         = 60 * time.Second

	// reconnect backoff bounds
	defaultReconnectWait    = 2 * time.Second
	defaultMaxReconnectWait = 60 * time.Second

	defaultBufferSize = 1024
)

// Config holds connection parameters for a websocket Client.
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	PongWait         time.Duration
	ReconnectWait    time.Duration
	MaxReconnectWait time.Duration
	BufferSize       int
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = defaultPongWait
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = defaultReconnectWait
	}
	if c.MaxReconnectWait <= 0 {
		c.MaxReconnectWait = defaultMaxReconnectWait
	}
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
}

// Client is a reconnecting websocket connection. Run drives the read loop;
// raw frames arrive on Messages until Run returns, at which point the
// channel is closed.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	replayed [][]byte // subscription payloads restored after reconnect

	out chan []byte
}

// NewClient creates a client for the given endpoint. The connection is not
// established until Run is called.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "ws_client"), slog.String("url", cfg.URL)),
		out:    make(chan []byte, cfg.BufferSize),
	}
}

// Messages returns the channel of raw inbound frames.
func (c *Client) Messages() <-chan []byte {
	return c.out
}

// Subscribe sends payload now (when connected) and replays it after every
// reconnect. Safe to call before Run; the payload is sent on first connect.
func (c *Client) Subscribe(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replayed = append(c.replayed, payload)
	if c.conn == nil {
		return nil
	}
	return c.writeLocked(payload)
}

// Send writes one frame to the peer.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("feed: %s: %w", c.cfg.URL, domain.ErrWSDisconnect)
	}
	return c.writeLocked(payload)
}

func (c *Client) writeLocked(payload []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("feed: write: %w", err)
	}
	return nil
}

// Run connects and pumps frames into Messages until ctx is cancelled.
// Disconnects are retried with exponential backoff; subscriptions are
// replayed on every successful reconnect. The messages channel is closed on
// return.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.out)
	defer c.closeConn()

	delay := c.cfg.ReconnectWait
	for {
		if err := c.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("websocket connect failed, retrying",
				slog.String("error", err.Error()),
				slog.Duration("backoff", delay))
			if err := wait(ctx, delay); err != nil {
				return err
			}
			delay *= 2
			if delay > c.cfg.MaxReconnectWait {
				delay = c.cfg.MaxReconnectWait
			}
			continue
		}
		delay = c.cfg.ReconnectWait

		err := c.readLoop(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("websocket disconnected, reconnecting", slog.String("error", err.Error()))
		c.closeConn()
		if err := wait(ctx, delay); err != nil {
			return err
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("feed: dial %s: %w", c.cfg.URL, err)
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	c.mu.Lock()
	c.conn = conn
	replay := append([][]byte(nil), c.replayed...)
	c.mu.Unlock()

	for _, payload := range replay {
		if err := c.Send(payload); err != nil {
			c.closeConn()
			return fmt.Errorf("feed: restore subscription: %w", err)
		}
	}

	c.logger.Info("websocket connected", slog.Int("subscriptions", len(replay)))
	return nil
}

// readLoop pumps frames until a read error. A ping ticker keeps the
// connection alive; the pong handler extends the read deadline.
func (c *Client) readLoop(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	pingPeriod := c.cfg.PongWait * 9 / 10
	pingDone := make(chan struct{})
	defer close(pingDone)
	go c.pingLoop(conn, pingPeriod, pingDone)

	// Unblock ReadMessage on cancellation by closing the connection.
	go func() {
		select {
		case <-ctx.Done():
			c.closeConn()
		case <-pingDone:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}
		select {
		case c.out <- message:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, period time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		_ = c.conn.Close()
		c.conn = nil
	}
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
