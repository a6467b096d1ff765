// Package wsupgrade upgrades raw, already accepted byte streams into WebSocket
// connections by running the server side of the RFC 6455 opening handshake.
//
// The package root holds the interfaces shared by the implementation: the
// Stream a handshake reads from, the Connection handed out on success, the
// optional TCP Server, and the sentinel errors every failure wraps. The
// public constructors live in the ws package.
//
// # Architecture
//
// An Establisher subscribes to a Stream and feeds every chunk it delivers to
// an incremental request parser. Once the header block is complete the
// request is passed to a Validator, a plain function returning auxiliary
// values or an error. Accepted requests get the 101 response and a
// Connection; rejected or malformed ones get nothing written and a failure.
// Each handshake resolves exactly once, and events arriving afterwards are
// ignored.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/wsupgrade/ws"
//	)
//
//	est := ws.NewEstablisher(&ws.EstablisherConfig[[]string]{
//	    Validator: ws.PathPattern(regexp.MustCompile(`^/(\d{4})/(\d{2})$`)),
//	})
//
//	nc, _ := listener.Accept()
//	pending := est.Establish(ws.NewStream(nc))
//
//	conn, groups, err := pending.Wait(ctx)
//	if err != nil {
//	    pending.Abort(err)
//	    nc.Close() // closing is left to the caller
//	    return
//	}
//	log.Printf("year=%s month=%s", groups[0], groups[1])
//
// Or let the bundled server run the accept loop:
//
//	server := ws.NewServer(ws.NewConfig(":8080", ws.DefaultRateLimitConfig(),
//	    func(conn wsupgrade.Connection, typ wsupgrade.MessageType, payload []byte) {
//	        conn.Send(ctx, typ, payload)
//	    }, nil))
//	server.Start(ctx)
//
// # Errors
//
// Failures wrap one of ErrInvalidArgument, ErrHandshakeParse,
// ErrValidationRejected, ErrFatalIO or ErrAborted together with the detail:
//
//	if errors.Is(err, wsupgrade.ErrValidationRejected) {
//	    // the validator refused the request
//	}
//
// Stream warnings, such as an idle read timeout, are logged and never fail a
// handshake.
//
// # Timeouts
//
// The establisher itself never times out. Pending.Wait returns when its
// context expires without resolving the handshake; Pending.Abort resolves it
// with ErrAborted. The server applies ServerConfig.HandshakeTimeout this way.
//
// # Rate Limiting
//
// Each connection has an independent token bucket for inbound messages:
//
//	// Default: 100 messages/second, burst 200
//	rateLimitConfig := ws.DefaultRateLimitConfig()
//
//	// Disabled
//	rateLimitConfig := ws.NoRateLimit()
//
// When the rate limit is exceeded, the peer receives close code 1008 (Policy Violation).
//
// # Important
//
//   - The header block is limited to 8KiB by default (EstablisherConfig.MaxHandshakeSize)
//   - Bytes that arrive right after the request are delivered as WebSocket frames
//   - OnMessage runs on the connection's read loop, in arrival order
//   - Validators must not keep the request or touch the stream
package wsupgrade
