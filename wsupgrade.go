package wsupgrade

import (
	"context"
	"io"
)

// StreamHandler receives the events of a Stream.
//
// Events for one stream are delivered serially, in the order the bytes arrived.
type StreamHandler struct {
	// OnData is called with the bytes that just arrived. The slice is only
	// valid for the duration of the call.
	OnData func(p []byte)

	// OnError is called once when the stream hits an unrecoverable error,
	// including EOF. No events follow it.
	OnError func(err error)

	// OnWarning reports a non-fatal condition such as an idle read timeout.
	// The stream keeps delivering data afterwards.
	OnWarning func(err error)
}

// Stream is an accepted bidirectional byte channel with asynchronous read
// notification.
//
// While a handler is subscribed, the stream owns reading and pushes every
// chunk to OnData. Once unsubscribed, Read may be used directly by the new
// owner of the stream.
type Stream interface {
	io.ReadWriteCloser

	// Subscribe registers h as the single receiver of stream events and
	// starts delivering them. Events must not be delivered before Subscribe
	// returns. The returned function deregisters h; after it returns no
	// further events reach h.
	//
	// Returns ErrInvalidArgument if the stream already has a subscriber or
	// has been closed.
	Subscribe(h StreamHandler) (unsubscribe func(), err error)
}

// MessageType identifies the kind of a WebSocket data message.
type MessageType int

const (
	TextMessage MessageType = iota + 1
	BinaryMessage
)

func (t MessageType) String() string {
	switch t {
	case TextMessage:
		return "text"
	case BinaryMessage:
		return "binary"
	default:
		return "unknown"
	}
}

// Connection is an upgraded WebSocket connection handed to the caller once
// the handshake has been accepted.
//
// Example usage:
//
//	typ, payload, err := conn.Receive(ctx)
//	if err != nil {
//	    return err
//	}
//	conn.Send(ctx, typ, payload)
type Connection interface {
	// ID returns a unique identifier generated when the handshake completed.
	ID() string

	// RemoteAddr returns the peer address, or an empty string when the
	// underlying stream does not expose one.
	RemoteAddr() string

	// Subprotocol returns the subprotocol negotiated during the handshake,
	// or an empty string.
	Subprotocol() string

	// Context returns the connection's lifecycle context. It is cancelled
	// when the connection closes for any reason.
	Context() context.Context

	// Send queues a data message for delivery.
	//
	// Returns an error if the connection is closed or ctx is cancelled
	// before the message could be queued.
	Send(ctx context.Context, typ MessageType, payload []byte) error

	// Receive blocks until the next data message arrives, ctx is done or the
	// connection closes.
	Receive(ctx context.Context) (MessageType, []byte, error)

	// Close closes the connection with the normal closure status.
	Close(ctx context.Context) error

	// CloseWithCode sends a close frame with the given status code and reason,
	// then closes the stream.
	CloseWithCode(ctx context.Context, code int, reason string) error

	// IsAlive reports whether the connection is still open.
	IsAlive() bool
}

// Server accepts TCP connections and upgrades each one to a WebSocket
// connection.
type Server interface {
	// Start binds the listen address and begins accepting connections in the
	// background. It returns once the listener is ready.
	Start(ctx context.Context) error

	// Stop closes the listener and every open connection.
	Stop(ctx context.Context) error

	// Addr returns the bound listen address, or an empty string when the
	// server is not running.
	Addr() string

	// GetConnection returns the open connection with the given ID.
	GetConnection(id string) (Connection, bool)

	// SendToConnection sends a message to a single connection.
	SendToConnection(ctx context.Context, id string, typ MessageType, payload []byte) error

	// Broadcast sends a message to all open connections.
	Broadcast(ctx context.Context, typ MessageType, payload []byte) error
}
