package websocket

import (
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/luciancaetano/wsupgrade"
	"github.com/luciancaetano/wsupgrade/internal/handshake"
	"github.com/luciancaetano/wsupgrade/internal/metrics"
)

// Validator inspects a completed upgrade request. Returning an error rejects
// the handshake; otherwise the value is handed to the caller together with
// the connection.
//
// Validators must not keep the request or touch the stream.
type Validator[T any] func(req *handshake.Request) (T, error)

// NoValues is the auxiliary type of validators that only accept or reject.
type NoValues = struct{}

// AcceptAll returns a validator that accepts every request and produces the
// zero value of T.
func AcceptAll[T any]() Validator[T] {
	return func(*handshake.Request) (T, error) {
		var zero T
		return zero, nil
	}
}

// OnConnectFn is called once per accepted connection, before the message
// loop starts, with the values the validator produced.
type OnConnectFn[T any] func(conn wsupgrade.Connection, values T)

// OnMessageFn is called for every data message, in arrival order.
type OnMessageFn func(conn wsupgrade.Connection, typ wsupgrade.MessageType, payload []byte)

// OnClientDisconnectFn is called when a connection ends. voluntary is true
// when the peer initiated the close.
type OnClientDisconnectFn func(conn wsupgrade.Connection, voluntary bool)

// RateLimitConfig defines rate limiting configuration for inbound messages
type RateLimitConfig struct {
	// MessagesPerSecond defines how many messages a peer can send per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig returns the default rate limit configuration
// Allows 100 messages per second with burst of 200
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

func (c *RateLimitConfig) limiter() *rate.Limiter {
	if c == nil || !c.Enabled {
		return nil
	}
	return rate.NewLimiter(c.MessagesPerSecond, c.Burst)
}

// ConnectionConfig tunes upgraded connections.
type ConnectionConfig struct {
	RateLimitConfig *RateLimitConfig
	// PingInterval is the keepalive period. Zero disables pings.
	PingInterval time.Duration
	// WriteTimeout bounds each frame write when the stream supports deadlines.
	WriteTimeout time.Duration
	// SendQueueSize and ReceiveQueueSize size the message queues.
	SendQueueSize    int
	ReceiveQueueSize int
	Metrics          *metrics.Metrics
}

// DefaultConnectionConfig pings every 54 seconds, bounds writes at 10 seconds
// and queues up to 256 messages each way.
func DefaultConnectionConfig() *ConnectionConfig {
	return &ConnectionConfig{
		RateLimitConfig:  DefaultRateLimitConfig(),
		PingInterval:     54 * time.Second,
		WriteTimeout:     10 * time.Second,
		SendQueueSize:    256,
		ReceiveQueueSize: 256,
	}
}

// EstablisherConfig configures an Establisher.
type EstablisherConfig[T any] struct {
	// Validator decides whether a request is accepted. Nil accepts all.
	Validator Validator[T]
	// Protocols lists supported subprotocols.
	Protocols []string
	// MaxHandshakeSize bounds the request header block. Zero means
	// handshake.DefaultMaxSize.
	MaxHandshakeSize int
	// ResponseHeader is added to every 101 response.
	ResponseHeader http.Header
	// Connection configures the connections handed out on success. Nil
	// means DefaultConnectionConfig.
	Connection *ConnectionConfig
	Logger     *slog.Logger
}

// ServerConfig configures a Server.
type ServerConfig[T any] struct {
	Addr string

	Validator        Validator[T]
	Protocols        []string
	MaxHandshakeSize int
	ResponseHeader   http.Header

	// HandshakeTimeout aborts handshakes that do not complete in time.
	HandshakeTimeout time.Duration
	// ReadTimeout makes the stream report idle periods as warnings while
	// the handshake is pending.
	ReadTimeout time.Duration

	RateLimitConfig *RateLimitConfig
	PingInterval    time.Duration

	OnConnect          OnConnectFn[T]
	OnMessage          OnMessageFn
	OnClientDisconnect OnClientDisconnectFn

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}
