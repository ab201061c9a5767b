package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by Read when the peer closed the connection cleanly
var ErrClosed = errors.New("signaling connection closed")

const (
	defaultWriteTimeout = 1 * time.Second
	defaultPingInterval = 25 * time.Second
	defaultIdleTimeout  = 60 * time.Second
)

// Config holds signaling connection configuration
type Config struct {
	PingInterval time.Duration // WebSocket ping period; negative disables pings
	IdleTimeout  time.Duration // Max silence (no message, no pong) before reads fail
	WriteTimeout time.Duration // Deadline for a single write
}

func (c Config) withDefaults() Config {
	if c.PingInterval == 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	return c
}

// Conn is the raw signaling connection to one browser peer.
// Only one goroutine may call Read at a time; Send and Close are safe for
// concurrent use.
type Conn struct {
	ws        *websocket.Conn
	cfg       Config
	logger    *slog.Logger
	writeMu   sync.Mutex
	readMu    sync.Mutex // guards expired and read deadline updates
	expired   bool
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewConn wraps an upgraded WebSocket and starts the keepalive loop
func NewConn(ws *websocket.Conn, cfg Config, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	c := &Conn{
		ws:      ws,
		cfg:     cfg,
		logger:  logger,
		closeCh: make(chan struct{}),
	}

	ws.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	if cfg.PingInterval > 0 {
		c.wg.Add(1)
		go c.pingLoop()
	}

	return c
}

// Read blocks until the next signaling message arrives. Cancelling ctx
// expires the read deadline, so Read never outlives its context.
func (c *Conn) Read(ctx context.Context) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	stop := context.AfterFunc(ctx, c.expireRead)
	defer stop()

	for {
		c.extendReadDeadline()
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return Message{}, ctx.Err()
			}
			if isPeerClosed(err) {
				return Message{}, ErrClosed
			}
			return Message{}, fmt.Errorf("read signaling message: %w", err)
		}

		if msgType != websocket.TextMessage {
			c.logger.Debug("ignoring non-text signaling message", "type", msgType, "bytes", len(data))
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("ignoring malformed signaling message", "error", err, "bytes", len(data))
			continue
		}
		return msg, nil
	}
}

// extendReadDeadline pushes the idle deadline forward unless reads were
// expired by a cancelled context
func (c *Conn) extendReadDeadline() {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if c.expired {
		return
	}
	c.ws.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
}

// expireRead unblocks a pending ReadMessage. A gorilla connection cannot be
// read again after a deadline error, so the expiry is permanent.
func (c *Conn) expireRead() {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	c.expired = true
	c.ws.SetReadDeadline(time.Now())
}

// Send writes one message as JSON text
func (c *Conn) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closeCh:
		return ErrClosed
	default:
	}

	c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// pingLoop keeps idle connections alive through proxies
func (c *Conn) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCh:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
				return
			}
		}
	}
}

// Close sends a normal closure frame and closes the socket
func (c *Conn) Close() error {
	return c.CloseWith(websocket.CloseNormalClosure, "")
}

// CloseWith closes the connection with a specific close code. Only the first
// call has any effect.
func (c *Conn) CloseWith(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		close(c.closeCh)
		c.writeMu.Unlock()

		deadline := time.Now().Add(c.cfg.WriteTimeout)
		c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		err = c.ws.Close()
		c.wg.Wait()
	})
	return err
}

// isPeerClosed reports whether err is a clean close initiated by the peer
func isPeerClosed(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) || errors.Is(err, websocket.ErrCloseSent)
}
