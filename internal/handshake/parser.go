// Package handshake recognises the client side of the WebSocket opening
// handshake in a byte stream that arrives in arbitrary pieces, and builds the
// server response for it.
package handshake

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"

	"github.com/gobwas/httphead"
	"github.com/gobwas/ws"
)

// DefaultMaxSize is the largest header block accepted when Config.MaxSize is zero.
const DefaultMaxSize = 8192

var (
	crlf       = []byte("\r\n")
	terminator = []byte("\r\n\r\n")
)

var (
	ErrTooLarge = errors.New("handshake request too large")
	ErrFinished = errors.New("parser already finished")
)

// Status is the outcome of feeding bytes to a Parser.
type Status int

const (
	// StatusNeedMore means the request is incomplete so far.
	StatusNeedMore Status = iota
	// StatusDone means a complete, valid request was recognised.
	StatusDone
)

func (s Status) String() string {
	if s == StatusDone {
		return "done"
	}
	return "need more"
}

// Config controls what a Parser accepts and what it answers with.
type Config struct {
	// MaxSize bounds the header block, terminator included.
	MaxSize int
	// Protocols lists the subprotocols the server speaks. The first one
	// offered by the client that appears here is selected.
	Protocols []string
	// Header is added to every successful response.
	Header http.Header
}

// Validate reports configuration mistakes.
func (c *Config) Validate() error {
	if c.MaxSize < 0 {
		return fmt.Errorf("negative handshake size limit %d", c.MaxSize)
	}
	for _, p := range c.Protocols {
		if !isToken(p) {
			return fmt.Errorf("invalid subprotocol %q", p)
		}
	}
	return nil
}

// Parser accumulates bytes until a full upgrade request is present.
//
// A Parser handles exactly one request. Once Feed has returned StatusDone
// or an error, further calls return ErrFinished.
type Parser struct {
	maxSize   int
	protocols map[string]struct{}
	header    http.Header

	buf        []byte
	scanned    int
	lineChecks bool
	finished   bool

	req      *Request
	hs       ws.Handshake
	response []byte
	leftover []byte
}

// NewParser returns a Parser for cfg. A nil cfg uses the defaults.
func NewParser(cfg *Config) *Parser {
	if cfg == nil {
		cfg = &Config{}
	}
	p := &Parser{
		maxSize: cfg.MaxSize,
		header:  cfg.Header,
	}
	if p.maxSize == 0 {
		p.maxSize = DefaultMaxSize
	}
	if len(cfg.Protocols) > 0 {
		p.protocols = make(map[string]struct{}, len(cfg.Protocols))
		for _, proto := range cfg.Protocols {
			p.protocols[proto] = struct{}{}
		}
	}
	return p
}

// Feed appends data to the buffered request and reports whether the request
// is now complete. A non-nil error means the bytes can never form a valid
// handshake.
func (p *Parser) Feed(data []byte) (Status, error) {
	if p.finished {
		return StatusNeedMore, ErrFinished
	}
	p.buf = append(p.buf, data...)

	if !p.lineChecks {
		i := bytes.Index(p.buf, crlf)
		if i >= 0 {
			if _, ok := httphead.ParseRequestLine(p.buf[:i]); !ok {
				return p.fail(fmt.Errorf("%w: %q", ErrMalformedRequestLine, clip(p.buf[:i])))
			}
			p.lineChecks = true
		}
	}

	// The terminator may straddle the previous chunk boundary.
	from := max(p.scanned-len(terminator)+1, 0)
	end := bytes.Index(p.buf[from:], terminator)
	if end < 0 {
		if len(p.buf) > p.maxSize {
			return p.fail(fmt.Errorf("%w: more than %d bytes without terminator", ErrTooLarge, p.maxSize))
		}
		p.scanned = len(p.buf)
		return StatusNeedMore, nil
	}

	n := from + end + len(terminator)
	if n > p.maxSize {
		return p.fail(fmt.Errorf("%w: %d bytes", ErrTooLarge, n))
	}
	head := p.buf[:n]

	req, err := parseRequest(head)
	if err != nil {
		return p.fail(err)
	}
	if err := p.upgrade(head); err != nil {
		return p.fail(err)
	}

	p.req = req
	p.leftover = bytes.Clone(p.buf[n:])
	p.buf = nil
	p.finished = true
	return StatusDone, nil
}

// upgrade runs the header block through the protocol checks of the ws
// package and keeps the response it produces.
func (p *Parser) upgrade(head []byte) error {
	var out bytes.Buffer

	u := ws.Upgrader{
		ReadBufferSize: len(head),
	}
	if p.protocols != nil {
		u.Protocol = func(proto []byte) bool {
			_, ok := p.protocols[string(proto)]
			return ok
		}
	}
	if p.header != nil {
		u.Header = ws.HandshakeHeaderHTTP(p.header)
	}

	hs, err := u.Upgrade(&replay{r: bytes.NewReader(head), w: &out})
	if err != nil {
		// out holds an HTTP error response at this point; it is never sent.
		return err
	}

	p.hs = hs
	p.response = out.Bytes()
	return nil
}

func (p *Parser) fail(err error) (Status, error) {
	p.finished = true
	p.buf = nil
	return StatusNeedMore, err
}

// Request returns the parsed request once Feed has returned StatusDone.
func (p *Parser) Request() *Request {
	return p.req
}

// Response returns the handshake response to write on acceptance.
func (p *Parser) Response() []byte {
	return p.response
}

// Subprotocol returns the negotiated subprotocol, if any.
func (p *Parser) Subprotocol() string {
	return p.hs.Protocol
}

// Leftover returns the bytes received after the end of the request. They
// belong to the message layer.
func (p *Parser) Leftover() []byte {
	return p.leftover
}

// Buffered returns the number of bytes held while waiting for the request to
// complete.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

// replay serves a fixed request to the ws upgrader and captures its answer.
type replay struct {
	r *bytes.Reader
	w *bytes.Buffer
}

func (rw *replay) Read(b []byte) (int, error)  { return rw.r.Read(b) }
func (rw *replay) Write(b []byte) (int, error) { return rw.w.Write(b) }

func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !httphead.OctetTypes[s[i]].IsToken() {
			return false
		}
	}
	return true
}
