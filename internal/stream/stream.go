package stream

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/luciancaetano/wsupgrade"
)

// ErrReadTimeout is reported as a warning when no bytes arrive within
// Config.ReadTimeout.
var ErrReadTimeout = errors.New("read timeout")

// Config tunes a ConnStream.
type Config struct {
	// ReadBufferSize is the size of each read from the connection.
	ReadBufferSize int
	// ReadTimeout raises a warning each time the peer stays silent for this
	// long. Zero disables it.
	ReadTimeout time.Duration
}

// DefaultConfig returns a 4KiB read buffer and no read timeout.
func DefaultConfig() *Config {
	return &Config{
		ReadBufferSize: 4096,
	}
}

// ConnStream adapts a net.Conn to wsupgrade.Stream. A single pump goroutine
// reads the connection while a handler is subscribed.
//
// Handlers run on the pump goroutine. Unsubscribing from inside OnData stops
// the pump before its next read, so the caller may read the connection as
// soon as OnData returns.
type ConnStream struct {
	conn net.Conn
	cfg  Config

	mu      sync.Mutex
	handler *wsupgrade.StreamHandler
	pumping bool
	closed  bool
}

var _ wsupgrade.Stream = (*ConnStream)(nil)

// New wraps conn. A nil cfg uses DefaultConfig.
func New(conn net.Conn, cfg *Config) *ConnStream {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 4096
	}
	return &ConnStream{
		conn: conn,
		cfg:  c,
	}
}

// Subscribe implements wsupgrade.Stream.
func (s *ConnStream) Subscribe(h wsupgrade.StreamHandler) (func(), error) {
	if s == nil || s.conn == nil {
		return nil, fmt.Errorf("%w: nil connection", wsupgrade.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("%w: stream closed", wsupgrade.ErrInvalidArgument)
	}
	if s.handler != nil || s.pumping {
		return nil, fmt.Errorf("%w: stream already subscribed", wsupgrade.ErrInvalidArgument)
	}

	sub := &h
	s.handler = sub
	s.pumping = true
	go s.pump(sub)

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.handler == sub {
			s.handler = nil
			if s.cfg.ReadTimeout > 0 {
				s.conn.SetReadDeadline(time.Time{})
			}
		}
	}, nil
}

// current reports whether sub is still the subscribed handler.
func (s *ConnStream) current(sub *wsupgrade.StreamHandler) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler == sub
}

func (s *ConnStream) pump(sub *wsupgrade.StreamHandler) {
	defer func() {
		if s.cfg.ReadTimeout > 0 {
			s.conn.SetReadDeadline(time.Time{})
		}
		s.mu.Lock()
		s.pumping = false
		s.mu.Unlock()
	}()

	buf := make([]byte, s.cfg.ReadBufferSize)
	for s.current(sub) {
		if s.cfg.ReadTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}

		n, err := s.conn.Read(buf)
		if !s.current(sub) {
			return
		}
		if n > 0 && sub.OnData != nil {
			sub.OnData(buf[:n])
		}
		if err == nil {
			continue
		}

		if errors.Is(err, os.ErrDeadlineExceeded) && s.cfg.ReadTimeout > 0 {
			if sub.OnWarning != nil && s.current(sub) {
				sub.OnWarning(fmt.Errorf("%w after %s", ErrReadTimeout, s.cfg.ReadTimeout))
			}
			continue
		}

		if sub.OnError != nil && s.current(sub) {
			sub.OnError(err)
		}
		return
	}
}

// Read reads directly from the connection. It must only be used once the
// stream has no subscriber.
func (s *ConnStream) Read(p []byte) (int, error) {
	return s.conn.Read(p)
}

// Write implements io.Writer.
func (s *ConnStream) Write(p []byte) (int, error) {
	return s.conn.Write(p)
}

// Close closes the connection. A subscriber still registered receives the
// failed read through OnError.
func (s *ConnStream) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}

// RemoteAddr returns the peer address of the connection.
func (s *ConnStream) RemoteAddr() net.Addr {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.RemoteAddr()
}

// LocalAddr returns the local address of the connection.
func (s *ConnStream) LocalAddr() net.Addr {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// SetReadDeadline sets the read deadline on the connection. It must only be
// used once the stream has no subscriber.
func (s *ConnStream) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline on the connection.
func (s *ConnStream) SetWriteDeadline(t time.Time) error {
	return s.conn.SetWriteDeadline(t)
}
