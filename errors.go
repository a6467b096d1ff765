package wsupgrade

import "errors"

// Handshake failures. Every failed handshake wraps exactly one of these
// together with the underlying detail, so both can be matched with errors.Is.
var (
	// ErrInvalidArgument is returned when Establish is called without a
	// usable stream. No I/O is performed.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrHandshakeParse indicates the bytes received do not form a valid
	// WebSocket upgrade request.
	ErrHandshakeParse = errors.New("handshake parse error")

	// ErrValidationRejected indicates the validator refused the request.
	ErrValidationRejected = errors.New("rejected by validator")

	// ErrFatalIO indicates the stream failed before the handshake completed.
	ErrFatalIO = errors.New("i/o error")

	// ErrAborted indicates the handshake was abandoned by its owner, for
	// example after a timeout.
	ErrAborted = errors.New("handshake aborted")
)

// Connection and server errors.
var (
	ErrHandshakeTimeout     = errors.New("handshake timeout")
	ErrConnectionNotFound   = errors.New("connection not found")
	ErrConnectionClosed     = errors.New("connection is closed")
	ErrContextCancelled     = errors.New("connection context cancelled")
	ErrServerAlreadyRunning = errors.New("server already running")
)

// Close reasons sent to peers.
const (
	ReasonRateLimitExceeded = "Rate limit exceeded"
	ReasonUnsupportedData   = "Unsupported data"
	ReasonServerShutdown    = "Server shutting down"
)
