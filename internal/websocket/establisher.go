package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/luciancaetano/wsupgrade"
	"github.com/luciancaetano/wsupgrade/internal/handshake"
)

var (
	// ErrPending is returned by Pending.Result before the handshake resolves.
	ErrPending = errors.New("handshake pending")

	errValidatorPanic = errors.New("validator panicked")
)

// Establisher turns accepted streams into WebSocket connections. It is safe
// for concurrent use; each call to Establish is independent.
type Establisher[T any] struct {
	validator Validator[T]
	parser    handshake.Config
	conn      *ConnectionConfig
	logger    *slog.Logger
}

// NewEstablisher creates an Establisher. A nil cfg accepts every request.
//
// It panics if cfg carries an invalid subprotocol or a negative size limit.
func NewEstablisher[T any](cfg *EstablisherConfig[T]) *Establisher[T] {
	if cfg == nil {
		cfg = &EstablisherConfig[T]{}
	}

	e := &Establisher[T]{
		validator: cfg.Validator,
		parser: handshake.Config{
			MaxSize:   cfg.MaxHandshakeSize,
			Protocols: cfg.Protocols,
			Header:    cfg.ResponseHeader,
		},
		conn:   cfg.Connection,
		logger: cfg.Logger,
	}
	if err := e.parser.Validate(); err != nil {
		panic("websocket: " + err.Error())
	}
	if e.validator == nil {
		e.validator = AcceptAll[T]()
	}
	if e.conn == nil {
		e.conn = DefaultConnectionConfig()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Establish starts the handshake on s and returns its pending result.
//
// A nil stream, or one that refuses the subscription, resolves at once with
// wsupgrade.ErrInvalidArgument. The stream is never closed by the
// establisher, whatever the outcome.
func (e *Establisher[T]) Establish(s wsupgrade.Stream) *Pending[T] {
	p := &Pending[T]{
		done:   make(chan struct{}),
		logger: e.logger,
	}

	if s == nil {
		p.resolve(nil, fmt.Errorf("%w: nil stream", wsupgrade.ErrInvalidArgument))
		return p
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.est = e
	p.stream = s
	p.parser = handshake.NewParser(&e.parser)

	// Events wait on p.mu, so the address is set before the first one runs.
	unsubscribe, err := s.Subscribe(wsupgrade.StreamHandler{
		OnData:    p.onData,
		OnError:   p.onError,
		OnWarning: p.onWarning,
	})
	if err != nil {
		if !errors.Is(err, wsupgrade.ErrInvalidArgument) {
			err = fmt.Errorf("%w: %w", wsupgrade.ErrInvalidArgument, err)
		}
		p.fail(err)
		return p
	}
	p.unsubscribe = unsubscribe
	p.remoteAddr = remoteAddr(s)

	return p
}

// Pending is the single-shot result of one handshake.
type Pending[T any] struct {
	mu       sync.Mutex
	done     chan struct{}
	resolved bool

	conn   *Connection
	values T
	err    error

	logger     *slog.Logger
	remoteAddr string

	// Released on resolution.
	est         *Establisher[T]
	stream      wsupgrade.Stream
	parser      *handshake.Parser
	unsubscribe func()
}

// Done is closed once the handshake has resolved.
func (p *Pending[T]) Done() <-chan struct{} {
	return p.done
}

// Result returns the outcome without blocking. Before resolution it returns
// ErrPending.
func (p *Pending[T]) Result() (*Connection, T, error) {
	select {
	case <-p.done:
		return p.conn, p.values, p.err
	default:
		var zero T
		return nil, zero, ErrPending
	}
}

// Wait blocks until the handshake resolves or ctx is done. An expired ctx
// does not resolve the handshake; call Abort for that.
func (p *Pending[T]) Wait(ctx context.Context) (*Connection, T, error) {
	select {
	case <-p.done:
		return p.conn, p.values, p.err
	case <-ctx.Done():
		var zero T
		return nil, zero, ctx.Err()
	}
}

// Abort resolves a still pending handshake with a failure wrapping
// wsupgrade.ErrAborted and cause, and stops listening to the stream. It
// reports whether it resolved the handshake; false means an outcome had
// already been reached.
func (p *Pending[T]) Abort(cause error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.resolved {
		return false
	}
	err := wsupgrade.ErrAborted
	if cause != nil {
		err = fmt.Errorf("%w: %w", wsupgrade.ErrAborted, cause)
	}
	p.fail(err)
	return true
}

func (p *Pending[T]) onData(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.resolved {
		return
	}

	status, err := p.parser.Feed(b)
	if err != nil {
		p.fail(fmt.Errorf("%w: %w", wsupgrade.ErrHandshakeParse, err))
		return
	}
	if status == handshake.StatusNeedMore {
		return
	}

	req := p.parser.Request()
	req.RemoteAddr = p.remoteAddr

	values, err := p.validate(req)
	if err != nil {
		p.fail(fmt.Errorf("%w: %w", wsupgrade.ErrValidationRejected, err))
		return
	}

	stream, parser, cfg := p.stream, p.parser, p.est.conn
	if _, err := stream.Write(parser.Response()); err != nil {
		p.fail(fmt.Errorf("%w: writing handshake response: %w", wsupgrade.ErrFatalIO, err))
		return
	}

	// The stream must stop delivering events before the connection starts
	// reading from it.
	p.release()
	conn := newConnection(stream, parser.Leftover(), parser.Subprotocol(), p.remoteAddr, cfg, p.logger)
	p.values = values
	p.resolve(conn, nil)

	p.logger.Debug("handshake accepted",
		slog.String("remote", p.remoteAddr),
		slog.String("path", req.Path),
		slog.String("connection", conn.ID()))
}

func (p *Pending[T]) onError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.resolved {
		return
	}
	p.fail(fmt.Errorf("%w: %w", wsupgrade.ErrFatalIO, err))
}

func (p *Pending[T]) onWarning(err error) {
	p.logger.Warn("handshake stream warning",
		slog.String("remote", p.remoteAddr),
		slog.String("error", err.Error()))
}

func (p *Pending[T]) validate(req *handshake.Request) (values T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errValidatorPanic, r)
		}
	}()
	return p.est.validator(req)
}

// fail must be called with p.mu held.
func (p *Pending[T]) fail(err error) {
	p.release()
	p.resolve(nil, err)

	p.logger.Debug("handshake failed",
		slog.String("remote", p.remoteAddr),
		slog.String("error", err.Error()))
}

func (p *Pending[T]) release() {
	if p.unsubscribe != nil {
		p.unsubscribe()
	}
	p.unsubscribe = nil
	p.stream = nil
	p.parser = nil
	p.est = nil
}

func (p *Pending[T]) resolve(conn *Connection, err error) {
	if p.resolved {
		panic("websocket: handshake resolved twice")
	}
	p.resolved = true
	p.conn = conn
	p.err = err
	close(p.done)
}

func remoteAddr(s wsupgrade.Stream) string {
	if a, ok := s.(interface{ RemoteAddr() net.Addr }); ok {
		if addr := a.RemoteAddr(); addr != nil {
			return addr.String()
		}
	}
	return ""
}
