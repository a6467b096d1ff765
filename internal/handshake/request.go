package handshake

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gobwas/httphead"
	"golang.org/x/net/http/httpguts"
)

var (
	ErrMalformedRequestLine = errors.New("malformed request line")
	ErrMalformedHeader      = errors.New("malformed header line")
	ErrMalformedURI         = errors.New("malformed request URI")
)

// Request is the read-only view of a completed upgrade request.
type Request struct {
	Method     string
	URI        string // request target exactly as sent
	Path       string
	Query      url.Values
	ProtoMajor int
	ProtoMinor int
	Host       string
	Header     http.Header

	// RemoteAddr is filled in by the establisher when the stream exposes a
	// peer address.
	RemoteAddr string
}

// Origin returns the Origin header, if any.
func (r *Request) Origin() string {
	return r.Header.Get("Origin")
}

// HasToken reports whether the comma separated header name contains token,
// compared case-insensitively.
func (r *Request) HasToken(name, token string) bool {
	return httpguts.HeaderValuesContainsToken(r.Header.Values(name), token)
}

// Subprotocols returns the subprotocols offered by the client in the order
// they were listed.
func (r *Request) Subprotocols() []string {
	var protocols []string
	for _, v := range r.Header.Values("Sec-WebSocket-Protocol") {
		httphead.ScanTokens([]byte(v), func(token []byte) bool {
			protocols = append(protocols, string(token))
			return true
		})
	}
	return protocols
}

// parseRequest builds a Request from a complete header block, including the
// terminating empty line.
func parseRequest(head []byte) (*Request, error) {
	// httphead canonicalises header names in place.
	head = bytes.Clone(head)

	lines := bytes.Split(bytes.TrimSuffix(head, terminator), crlf)

	line, ok := httphead.ParseRequestLine(lines[0])
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMalformedRequestLine, clip(lines[0]))
	}

	u, err := url.ParseRequestURI(string(line.URI))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedURI, err)
	}

	req := &Request{
		Method:     string(line.Method),
		URI:        string(line.URI),
		Path:       u.Path,
		Query:      u.Query(),
		ProtoMajor: line.Version.Major,
		ProtoMinor: line.Version.Minor,
		Header:     make(http.Header, len(lines)-1),
	}

	for _, l := range lines[1:] {
		k, v, ok := httphead.ParseHeaderLine(l)
		if !ok || len(k) == 0 {
			return nil, fmt.Errorf("%w: %q", ErrMalformedHeader, clip(l))
		}
		req.Header.Add(string(k), string(v))
	}
	req.Host = req.Header.Get("Host")

	return req, nil
}

// clip shortens b for use in error messages.
func clip(b []byte) []byte {
	const maxLen = 64
	if len(b) > maxLen {
		return b[:maxLen]
	}
	return b
}
