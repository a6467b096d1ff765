package ws

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/luciancaetano/wsupgrade"
	"github.com/luciancaetano/wsupgrade/internal/handshake"
	"github.com/luciancaetano/wsupgrade/internal/metrics"
	"github.com/luciancaetano/wsupgrade/internal/stream"
	"github.com/luciancaetano/wsupgrade/internal/websocket"
)

type Request = handshake.Request
type Validator[T any] = websocket.Validator[T]
type NoValues = websocket.NoValues

type Establisher[T any] = websocket.Establisher[T]
type Pending[T any] = websocket.Pending[T]
type Connection = websocket.Connection

type EstablisherConfig[T any] = websocket.EstablisherConfig[T]
type ServerConfig[T any] = websocket.ServerConfig[T]
type ConnectionConfig = websocket.ConnectionConfig
type RateLimitConfig = websocket.RateLimitConfig
type StreamConfig = stream.Config
type Metrics = metrics.Metrics

type OnConnectFn[T any] = websocket.OnConnectFn[T]
type OnMessageFn = websocket.OnMessageFn
type OnDisconnectFn = websocket.OnClientDisconnectFn

// ErrPending is returned by Pending.Result before the handshake resolves.
var ErrPending = websocket.ErrPending

// NewEstablisher creates an establisher for streams accepted by the caller.
//
// Example:
//
//	est := ws.NewEstablisher(&ws.EstablisherConfig[ws.NoValues]{})
//	conn, _ := listener.Accept()
//	pending := est.Establish(ws.NewStream(conn))
//	c, _, err := pending.Wait(ctx)
//	if err != nil {
//	    pending.Abort(err)
//	    conn.Close()
//	}
func NewEstablisher[T any](cfg *EstablisherConfig[T]) *Establisher[T] {
	return websocket.NewEstablisher(cfg)
}

// NewServer creates a TCP server that upgrades every accepted connection.
func NewServer[T any](cfg *ServerConfig[T]) wsupgrade.Server {
	return websocket.NewServer(cfg)
}

// NewConfig builds a server configuration that accepts every request.
//
// Parameters:
//   - addr: The server address (e.g., ":8080" or "localhost:8080")
//   - rateLimitConfig: Rate limiting configuration. Use DefaultRateLimitConfig() or NoRateLimit()
//   - onMessage: Called for every data message. Can be nil.
//   - onDisconnect: Called when a connection ends. Can be nil.
func NewConfig(addr string, rateLimitConfig *RateLimitConfig, onMessage OnMessageFn, onDisconnect OnDisconnectFn) *ServerConfig[NoValues] {
	return &ServerConfig[NoValues]{
		Addr:               addr,
		RateLimitConfig:    rateLimitConfig,
		OnMessage:          onMessage,
		OnClientDisconnect: onDisconnect,
	}
}

// NewStream wraps an accepted connection for use with an Establisher.
func NewStream(conn net.Conn) wsupgrade.Stream {
	return stream.New(conn, nil)
}

// NewStreamWithConfig is NewStream with a read buffer size and idle timeout.
func NewStreamWithConfig(conn net.Conn, cfg *StreamConfig) wsupgrade.Stream {
	return stream.New(conn, cfg)
}

// NewMetrics registers the handshake and connection collectors with reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	return metrics.New(namespace, reg)
}

// AcceptAll returns a validator that accepts every request
func AcceptAll[T any]() Validator[T] {
	return websocket.AcceptAll[T]()
}

// PathPattern accepts requests whose path matches re and returns the
// capture groups of the match.
func PathPattern(re *regexp.Regexp) Validator[[]string] {
	return func(req *Request) ([]string, error) {
		m := re.FindStringSubmatch(req.Path)
		if m == nil {
			return nil, fmt.Errorf("path %q does not match %s", req.Path, re)
		}
		return m[1:], nil
	}
}

// AllowOrigins accepts requests without an Origin header or with one of the
// given origins. Matching ignores case.
func AllowOrigins(origins ...string) Validator[NoValues] {
	return func(req *Request) (NoValues, error) {
		origin := req.Origin()
		if origin == "" {
			return NoValues{}, nil
		}
		for _, o := range origins {
			if strings.EqualFold(o, origin) {
				return NoValues{}, nil
			}
		}
		return NoValues{}, fmt.Errorf("origin %q not allowed", origin)
	}
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return websocket.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return websocket.NoRateLimit()
}

// DefaultConnectionConfig returns the defaults used for upgraded connections
func DefaultConnectionConfig() *ConnectionConfig {
	return websocket.DefaultConnectionConfig()
}
