// Package transport maintains the duplex WebSocket channel to the
// conversational backend. It owns the raw connection: serialized
// writes, keepalive pings, read deadlines, and envelope decoding.
// Session logic lives above it in pkg/session.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gradientgeeks/mitra-voice/pkg/protocol"
)

// Config holds channel tuning.
type Config struct {
	// HandshakeTimeout bounds the WebSocket upgrade.
	HandshakeTimeout time.Duration

	// ReadDeadline is the maximum silence tolerated from the server.
	// Keepalive pings keep a healthy connection well inside it.
	ReadDeadline time.Duration

	// PingInterval is the keepalive cadence.
	PingInterval time.Duration

	// WriteTimeout bounds each outbound frame.
	WriteTimeout time.Duration

	// InboundBuffer is the capacity of the decoded message channel.
	InboundBuffer int
}

// DefaultConfig returns production channel tuning.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		ReadDeadline:     120 * time.Second,
		PingInterval:     30 * time.Second,
		WriteTimeout:     10 * time.Second,
		InboundBuffer:    64,
	}
}

// Channel is one live WebSocket connection carrying protocol envelopes.
//
// Inbound envelopes arrive on Inbound() in wire order. When the
// connection ends, Inbound() is closed, Done() fires, and Err()
// reports nil for a clean close or the transport failure otherwise.
type Channel struct {
	cfg    Config
	logger *slog.Logger

	ws      *websocket.Conn
	writeMu sync.Mutex

	inbound chan *protocol.Message
	done    chan struct{}
	closing chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
}

// Dial connects to the given WebSocket URL with a bearer token and
// starts the read and keepalive loops.
func Dial(ctx context.Context, url, token string, cfg Config, logger *slog.Logger) (*Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
	}

	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transport: dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}

	c := &Channel{
		cfg:     cfg,
		logger:  logger,
		ws:      ws,
		inbound: make(chan *protocol.Message, cfg.InboundBuffer),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}

	ws.SetPingHandler(func(appData string) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})
	ws.SetReadDeadline(time.Now().Add(cfg.ReadDeadline))

	go c.readLoop()
	go c.keepAlive()

	logger.Info("channel connected", "url", url)

	return c, nil
}

// Send writes one envelope to the wire. Writes from concurrent
// goroutines are serialized.
func (c *Channel) Send(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("transport: channel closed")
	}

	c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("transport: write %s: %w", msg.Type, err)
	}
	return nil
}

// Inbound returns the channel of decoded envelopes. It is closed when
// the connection ends.
func (c *Channel) Inbound() <-chan *protocol.Message {
	return c.inbound
}

// Done fires when the connection has ended for any reason.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended. It returns nil while the
// channel is live and nil after a clean close.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close performs a best-effort clean shutdown: a close frame, then the
// underlying connection. Safe to call repeatedly.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	// Unblock a readLoop stuck delivering into a full inbound buffer.
	close(c.closing)

	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	return c.ws.Close()
}

func (c *Channel) readLoop() {
	defer func() {
		close(c.inbound)
		close(c.done)
	}()

	for {
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadDeadline))

		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.recordReadError(err)
			return
		}

		msg, err := protocol.ParseMessage(data)
		if err != nil {
			c.logger.Warn("skipping malformed frame", "error", err)
			continue
		}
		if msg.Type == "" {
			c.logger.Warn("skipping frame without type")
			continue
		}

		select {
		case c.inbound <- msg:
		case <-c.closing:
			return
		}
	}
}

func (c *Channel) recordReadError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return // local close, not a failure
	}
	c.closed = true

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Info("server closed connection")
		return
	}

	c.err = fmt.Errorf("transport: read: %w", err)
	c.logger.Warn("connection lost", "error", err)
}

func (c *Channel) keepAlive() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
