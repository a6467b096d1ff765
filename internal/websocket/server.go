package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"

	"github.com/luciancaetano/wsupgrade"
	"github.com/luciancaetano/wsupgrade/internal/metrics"
	"github.com/luciancaetano/wsupgrade/internal/stream"
)

// DefaultHandshakeTimeout bounds handshakes when ServerConfig.HandshakeTimeout is zero.
const DefaultHandshakeTimeout = 10 * time.Second

// Server implements the wsupgrade.Server interface on a TCP listener
type Server[T any] struct {
	addr        string
	listener    net.Listener
	connections sync.Map // map[string]*Connection
	establisher *Establisher[T]

	handshakeTimeout time.Duration
	readTimeout      time.Duration

	onConnect    OnConnectFn[T]
	onMessage    OnMessageFn
	onDisconnect OnClientDisconnectFn

	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	metrics *metrics.Metrics
	logger  *slog.Logger
}

var _ wsupgrade.Server = (*Server[NoValues])(nil)

// NewServer creates a new server instance with the specified configuration.
//
// Each accepted TCP connection goes through the handshake with the
// configured validator. Handshakes that fail or time out are logged and the
// socket is closed; accepted ones are announced through OnConnect and their
// messages delivered to OnMessage.
//
// Example:
//
//	server := NewServer(&ServerConfig[NoValues]{
//	    Addr: ":8080",
//	    OnMessage: func(conn wsupgrade.Connection, typ wsupgrade.MessageType, payload []byte) {
//	        conn.Send(context.Background(), typ, payload)
//	    },
//	})
//
// A nil cfg listens on an OS-chosen port and accepts every request. cfg is
// not modified.
func NewServer[T any](cfg *ServerConfig[T]) *Server[T] {
	if cfg == nil {
		cfg = &ServerConfig[T]{}
	}
	c := *cfg
	cfg = &c

	if cfg.RateLimitConfig == nil {
		cfg.RateLimitConfig = DefaultRateLimitConfig()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	connCfg := DefaultConnectionConfig()
	connCfg.RateLimitConfig = cfg.RateLimitConfig
	connCfg.Metrics = cfg.Metrics
	if cfg.PingInterval > 0 {
		connCfg.PingInterval = cfg.PingInterval
	}

	return &Server[T]{
		addr: cfg.Addr,
		establisher: NewEstablisher(&EstablisherConfig[T]{
			Validator:        cfg.Validator,
			Protocols:        cfg.Protocols,
			MaxHandshakeSize: cfg.MaxHandshakeSize,
			ResponseHeader:   cfg.ResponseHeader,
			Connection:       connCfg,
			Logger:           logger,
		}),
		handshakeTimeout: cfg.HandshakeTimeout,
		readTimeout:      cfg.ReadTimeout,
		onConnect:        cfg.OnConnect,
		onMessage:        cfg.OnMessage,
		onDisconnect:     cfg.OnClientDisconnect,
		metrics:          cfg.Metrics,
		logger:           logger,
	}
}

// Start binds the listen address and accepts connections in the background.
// Cancelling ctx stops the server.
func (s *Server[T]) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return wsupgrade.ErrServerAlreadyRunning
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true

	s.logger.Info("websocket server started", slog.String("address", listener.Addr().String()))

	s.wg.Add(1)
	go s.acceptLoop(listener)

	go func(done <-chan struct{}) {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.Stop(stopCtx)
		case <-done:
		}
	}(s.ctx.Done())

	return nil
}

// Stop closes the listener, sends a going-away close to every connection and
// waits for their handlers to return or ctx to expire.
func (s *Server[T]) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	err := s.listener.Close()
	s.mu.Unlock()

	s.connections.Range(func(key, value any) bool {
		if conn, ok := value.(*Connection); ok {
			conn.CloseWithCode(ctx, int(ws.StatusGoingAway), wsupgrade.ReasonServerShutdown)
		}
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.logger.Info("websocket server stopped", slog.String("address", s.addr))
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// Addr returns the bound address
func (s *Server[T]) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server[T]) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("failed to accept connection", slog.String("error", err.Error()))
			time.Sleep(10 * time.Millisecond)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn runs the handshake on conn and, once accepted, its message loop.
func (s *Server[T]) handleConn(conn net.Conn) {
	started := time.Now()

	st := stream.New(conn, &stream.Config{ReadTimeout: s.readTimeout})
	pending := s.establisher.Establish(st)

	ctx, cancel := context.WithTimeout(s.ctx, s.handshakeTimeout)
	c, values, err := pending.Wait(ctx)
	if ctx.Err() != nil {
		cause := wsupgrade.ErrHandshakeTimeout
		if s.ctx.Err() != nil {
			cause = errors.New(wsupgrade.ReasonServerShutdown)
		}
		pending.Abort(cause)
		c, values, err = pending.Result()
	}
	cancel()

	s.metrics.ObserveHandshake(handshakeResult(err), time.Since(started))

	if err != nil {
		s.logger.Info("handshake failed",
			slog.String("remote", conn.RemoteAddr().String()),
			slog.String("error", err.Error()))
		st.Close()
		return
	}

	s.serve(c, values)
}

// serve handles messages from an accepted connection
func (s *Server[T]) serve(c *Connection, values T) {
	s.connections.Store(c.ID(), c)
	s.metrics.ConnectionOpened()

	defer func() {
		if s.onDisconnect != nil {
			s.onDisconnect(c, c.ClosedByPeer())
		}
		s.connections.Delete(c.ID())
		s.metrics.ConnectionClosed()
		c.Close(context.Background())
	}()

	// Stop may have run between the handshake and the Store above.
	if s.ctx.Err() != nil {
		return
	}

	if s.onConnect != nil {
		s.onConnect(c, values)
	}

	for {
		typ, payload, err := c.Receive(c.Context())
		if err != nil {
			return
		}
		if s.onMessage != nil {
			s.onMessage(c, typ, payload)
		}
	}
}

// GetConnection returns an open connection by ID
func (s *Server[T]) GetConnection(id string) (wsupgrade.Connection, bool) {
	if conn, ok := s.connections.Load(id); ok {
		return conn.(*Connection), true
	}
	return nil, false
}

// SendToConnection sends a message to a specific connection
func (s *Server[T]) SendToConnection(ctx context.Context, id string, typ wsupgrade.MessageType, payload []byte) error {
	conn, ok := s.GetConnection(id)
	if !ok {
		return fmt.Errorf("%w: %s", wsupgrade.ErrConnectionNotFound, id)
	}
	return conn.Send(ctx, typ, payload)
}

// Broadcast sends a message to all open connections
func (s *Server[T]) Broadcast(ctx context.Context, typ wsupgrade.MessageType, payload []byte) error {
	var errs []error
	s.connections.Range(func(key, value any) bool {
		if conn, ok := value.(*Connection); ok && conn.IsAlive() {
			if err := conn.Send(ctx, typ, payload); err != nil {
				errs = append(errs, fmt.Errorf("connection %s: %w", conn.ID(), err))
			}
		}
		return true
	})
	return errors.Join(errs...)
}

// handshakeResult maps a handshake outcome to its metrics label.
func handshakeResult(err error) string {
	switch {
	case err == nil:
		return metrics.ResultAccepted
	case errors.Is(err, wsupgrade.ErrInvalidArgument):
		return metrics.ResultInvalidArgument
	case errors.Is(err, wsupgrade.ErrHandshakeParse):
		return metrics.ResultParseError
	case errors.Is(err, wsupgrade.ErrValidationRejected):
		return metrics.ResultRejected
	case errors.Is(err, wsupgrade.ErrAborted):
		return metrics.ResultAborted
	default:
		return metrics.ResultIOError
	}
}
