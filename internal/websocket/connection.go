package websocket

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/wsupgrade"
	"github.com/luciancaetano/wsupgrade/internal/metrics"
)

type message struct {
	typ     wsupgrade.MessageType
	payload []byte
}

// Connection implements the wsupgrade.Connection interface
type Connection struct {
	id          string
	stream      wsupgrade.Stream
	reader      io.Reader
	remoteAddr  string
	subprotocol string
	ctx         context.Context
	cancel      context.CancelFunc
	sendCh      chan message
	recvCh      chan message
	mu          sync.RWMutex
	closed      bool
	writeMu     sync.Mutex
	peerClosed  atomic.Bool
	rateLimiter *rate.Limiter // Rate limiter for incoming messages

	pingInterval time.Duration
	writeTimeout time.Duration
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

var _ wsupgrade.Connection = (*Connection)(nil)

// newConnection takes over s after a successful handshake. leftover holds
// bytes that arrived after the request and are read before the stream.
func newConnection(s wsupgrade.Stream, leftover []byte, subprotocol, remoteAddr string, cfg *ConnectionConfig, logger *slog.Logger) *Connection {
	if cfg == nil {
		cfg = DefaultConnectionConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())

	var reader io.Reader = s
	if len(leftover) > 0 {
		reader = io.MultiReader(bytes.NewReader(leftover), s)
	}

	c := &Connection{
		id:           uuid.New().String(),
		stream:       s,
		reader:       reader,
		remoteAddr:   remoteAddr,
		subprotocol:  subprotocol,
		ctx:          ctx,
		cancel:       cancel,
		sendCh:       make(chan message, max(cfg.SendQueueSize, 1)),
		recvCh:       make(chan message, max(cfg.ReceiveQueueSize, 1)),
		rateLimiter:  cfg.RateLimitConfig.limiter(),
		pingInterval: cfg.PingInterval,
		writeTimeout: cfg.WriteTimeout,
		metrics:      cfg.Metrics,
		logger:       logger,
	}

	go c.readPump()
	go c.writePump()

	return c
}

// ID returns a unique identifier for the connection
func (c *Connection) ID() string {
	return c.id
}

// RemoteAddr returns the peer's network address
func (c *Connection) RemoteAddr() string {
	return c.remoteAddr
}

// Subprotocol returns the negotiated subprotocol
func (c *Connection) Subprotocol() string {
	return c.subprotocol
}

// Context returns the connection's lifecycle context
func (c *Connection) Context() context.Context {
	return c.ctx
}

// ClosedByPeer reports whether the peer sent the close frame.
func (c *Connection) ClosedByPeer() bool {
	return c.peerClosed.Load()
}

// Send queues a data message for the write pump
func (c *Connection) Send(ctx context.Context, typ wsupgrade.MessageType, payload []byte) error {
	if typ != wsupgrade.TextMessage && typ != wsupgrade.BinaryMessage {
		return fmt.Errorf("unsupported message type %d", typ)
	}

	if !c.IsAlive() {
		return wsupgrade.ErrConnectionClosed
	}

	select {
	case c.sendCh <- message{typ: typ, payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return wsupgrade.ErrContextCancelled
	}
}

// Receive returns the next data message from the peer
func (c *Connection) Receive(ctx context.Context) (wsupgrade.MessageType, []byte, error) {
	select {
	case msg := <-c.recvCh:
		return msg.typ, msg.payload, nil
	default:
	}

	select {
	case msg := <-c.recvCh:
		return msg.typ, msg.payload, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-c.ctx.Done():
		return 0, nil, wsupgrade.ErrConnectionClosed
	}
}

// Close closes the connection with a normal closure status
func (c *Connection) Close(ctx context.Context) error {
	return c.CloseWithCode(ctx, int(ws.StatusNormalClosure), "")
}

// CloseWithCode sends a close frame with code and reason, then closes the stream
func (c *Connection) CloseWithCode(ctx context.Context, code int, reason string) error {
	if !c.markClosed() {
		return nil
	}

	deadline := time.Now().Add(time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	c.setWriteDeadline(deadline)
	err := wsutil.WriteServerMessage(c.stream, ws.OpClose, ws.NewCloseFrameBody(ws.StatusCode(code), reason))
	c.writeMu.Unlock()

	if cerr := c.stream.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// IsAlive returns true if the connection is still open
func (c *Connection) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// CheckRateLimit checks if the peer has exceeded the inbound rate limit
// Returns true if the message is allowed, false if rate limited
func (c *Connection) CheckRateLimit() bool {
	if c.rateLimiter == nil {
		// Rate limiting disabled
		return true
	}
	return c.rateLimiter.Allow()
}

// shutdown closes the stream without a close frame, after the peer went away
// or the read side failed.
func (c *Connection) shutdown() {
	if c.markClosed() {
		c.stream.Close()
	}
}

// markClosed flips the connection to closed and reports whether this call
// did it.
func (c *Connection) markClosed() bool {
	c.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

// readPump reads frames from the peer. Control frames are answered inline;
// data messages go to the receive queue.
func (c *Connection) readPump() {
	defer c.shutdown()

	rw := struct {
		io.Reader
		io.Writer
	}{c.reader, lockedWriter{c}}

	for {
		payload, op, err := wsutil.ReadClientData(rw)
		if err != nil {
			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				c.peerClosed.Store(true)
			} else if c.IsAlive() && !errors.Is(err, io.EOF) {
				c.logger.Debug("websocket read failed",
					slog.String("connection", c.id),
					slog.String("error", err.Error()))
			}
			return
		}

		if !c.CheckRateLimit() {
			c.logger.Warn("rate limit exceeded",
				slog.String("connection", c.id),
				slog.String("remote", c.remoteAddr))
			c.metrics.RateLimitExceeded()
			c.CloseWithCode(context.Background(), int(ws.StatusPolicyViolation), wsupgrade.ReasonRateLimitExceeded)
			return
		}

		var typ wsupgrade.MessageType
		switch op {
		case ws.OpText:
			typ = wsupgrade.TextMessage
		case ws.OpBinary:
			typ = wsupgrade.BinaryMessage
		default:
			c.CloseWithCode(context.Background(), int(ws.StatusUnsupportedData), wsupgrade.ReasonUnsupportedData)
			return
		}
		c.metrics.Message(metrics.DirectionInbound, typ.String())

		select {
		case c.recvCh <- message{typ: typ, payload: payload}:
		case <-c.ctx.Done():
			return
		}
	}
}

// writePump pumps messages from the send queue to the stream
func (c *Connection) writePump() {
	var tick <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case msg := <-c.sendCh:
			op := ws.OpBinary
			if msg.typ == wsupgrade.TextMessage {
				op = ws.OpText
			}
			if err := c.write(op, msg.payload); err != nil {
				c.shutdown()
				return
			}
			c.metrics.Message(metrics.DirectionOutbound, msg.typ.String())

		case <-tick:
			// Send ping to keep connection alive
			if err := c.write(ws.OpPing, nil); err != nil {
				c.shutdown()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) write(op ws.OpCode, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		c.setWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return wsutil.WriteServerMessage(c.stream, op, payload)
}

func (c *Connection) setWriteDeadline(t time.Time) {
	if d, ok := c.stream.(interface{ SetWriteDeadline(time.Time) error }); ok {
		d.SetWriteDeadline(t)
	}
}

// lockedWriter serialises control frame replies with the write pump.
type lockedWriter struct {
	c *Connection
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.stream.Write(p)
}
