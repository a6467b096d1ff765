package ws_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luciancaetano/wsupgrade"
	"github.com/luciancaetano/wsupgrade/ws"
)

// Helper function to create a WebSocket dialer
func newDialer() *websocket.Dialer {
	return &websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
}

func start(t *testing.T, server wsupgrade.Server) string {
	t.Helper()

	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Stop(stopCtx)
	})
	return "ws://" + server.Addr()
}

func echo(conn wsupgrade.Connection, typ wsupgrade.MessageType, payload []byte) {
	conn.Send(context.Background(), typ, payload)
}

func TestBasicEcho(t *testing.T) {
	t.Parallel()

	url := start(t, ws.NewServer(ws.NewConfig("127.0.0.1:0", ws.DefaultRateLimitConfig(), echo, nil)))

	conn, resp, err := newDialer().Dial(url+"/chat", nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusSwitchingProtocols)
	}

	tests := []struct {
		typ     int
		payload string
	}{
		{websocket.TextMessage, "Hello!"},
		{websocket.BinaryMessage, "\x00\xff"},
	}
	for _, tt := range tests {
		if err := conn.WriteMessage(tt.typ, []byte(tt.payload)); err != nil {
			t.Fatalf("Failed to send: %v", err)
		}

		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		typ, response, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("Failed to read: %v", err)
		}
		if typ != tt.typ {
			t.Errorf("type = %d, want %d", typ, tt.typ)
		}
		if string(response) != tt.payload {
			t.Errorf("got %q, want %q", response, tt.payload)
		}
	}
}

func TestPathPattern(t *testing.T) {
	t.Parallel()

	type date struct{ year, month string }
	got := make(chan date, 1)

	url := start(t, ws.NewServer(&ws.ServerConfig[[]string]{
		Addr:      "127.0.0.1:0",
		Validator: ws.PathPattern(regexp.MustCompile(`^/(\d{4})/(\d{2})$`)),
		OnConnect: func(conn wsupgrade.Connection, groups []string) {
			got <- date{groups[0], groups[1]}
		},
	}))

	conn, _, err := newDialer().Dial(url+"/2013/10", nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	select {
	case d := <-got:
		if d.year != "2013" || d.month != "10" {
			t.Errorf("got %+v, want {2013 10}", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnect not called")
	}

	if _, _, err := newDialer().Dial(url+"/bogus", nil); err == nil {
		t.Error("Dial to /bogus succeeded, want rejection")
	}
}

func TestAllowOrigins(t *testing.T) {
	t.Parallel()

	url := start(t, ws.NewServer(&ws.ServerConfig[ws.NoValues]{
		Addr:      "127.0.0.1:0",
		Validator: ws.AllowOrigins("https://example.com"),
	}))

	tests := []struct {
		name    string
		origin  string
		wantErr bool
	}{
		{"no origin", "", false},
		{"allowed", "https://EXAMPLE.com", false},
		{"foreign", "https://evil.test", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}
			conn, _, err := newDialer().Dial(url+"/", header)
			if conn != nil {
				conn.Close()
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("Dial() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubprotocolNegotiation(t *testing.T) {
	t.Parallel()

	url := start(t, ws.NewServer(&ws.ServerConfig[ws.NoValues]{
		Addr:           "127.0.0.1:0",
		Protocols:      []string{"v2.chat", "v1.chat"},
		ResponseHeader: http.Header{"X-Server": []string{"wsupgrade"}},
		OnConnect: func(conn wsupgrade.Connection, _ ws.NoValues) {
			conn.Send(context.Background(), wsupgrade.TextMessage, []byte(conn.Subprotocol()))
		},
	}))

	dialer := newDialer()
	dialer.Subprotocols = []string{"v1.chat", "v2.chat"}
	conn, resp, err := dialer.Dial(url+"/", nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	if got := conn.Subprotocol(); got != "v1.chat" {
		t.Errorf("client subprotocol = %q, want v1.chat", got)
	}
	if got := resp.Header.Get("X-Server"); got != "wsupgrade" {
		t.Errorf("X-Server = %q, want wsupgrade", got)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	if string(msg) != "v1.chat" {
		t.Errorf("server subprotocol = %q, want v1.chat", msg)
	}
}

func TestRateLimitClosesConnection(t *testing.T) {
	t.Parallel()

	url := start(t, ws.NewServer(ws.NewConfig("127.0.0.1:0", &ws.RateLimitConfig{
		MessagesPerSecond: 1,
		Burst:             2,
		Enabled:           true,
	}, nil, nil)))

	conn, _, err := newDialer().Dial(url+"/", nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	for i := 0; i < 5; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, []byte("spam")); err != nil {
			break
		}
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("ReadMessage() error = %v, want close %d", err, websocket.ClosePolicyViolation)
	}
}

// TestEstablisherOnListener drives the establisher directly from an accept loop
func TestEstablisherOnListener(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	est := ws.NewEstablisher(&ws.EstablisherConfig[ws.NoValues]{
		Connection: &ws.ConnectionConfig{RateLimitConfig: ws.NoRateLimit()},
	})

	errCh := make(chan error, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		pending := est.Establish(ws.NewStream(nc))
		conn, _, err := pending.Wait(ctx)
		if err != nil {
			pending.Abort(err)
			nc.Close()
			errCh <- err
			return
		}
		defer conn.Close(context.Background())

		typ, payload, err := conn.Receive(ctx)
		if err != nil {
			errCh <- err
			return
		}
		errCh <- conn.Send(ctx, typ, append([]byte("re: "), payload...))
		<-conn.Context().Done()
	}()

	conn, _, err := newDialer().Dial("ws://"+ln.Addr().String()+"/", nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("hi")); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("server side error = %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	if string(msg) != "re: hi" {
		t.Errorf("got %q, want %q", msg, "re: hi")
	}
}

// TestConcurrentClients connects many clients and broadcasts every message to all of them
func TestConcurrentClients(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping concurrency test in short mode")
	}
	t.Parallel()

	const (
		numClients        = 20
		messagesPerClient = 5
	)

	var server wsupgrade.Server
	var connected sync.WaitGroup
	connected.Add(numClients)

	server = ws.NewServer(&ws.ServerConfig[ws.NoValues]{
		Addr: "127.0.0.1:0",
		RateLimitConfig: &ws.RateLimitConfig{
			MessagesPerSecond: 1000,
			Burst:             2000,
			Enabled:           true,
		},
		OnConnect: func(wsupgrade.Connection, ws.NoValues) {
			connected.Done()
		},
		OnMessage: func(_ wsupgrade.Connection, typ wsupgrade.MessageType, payload []byte) {
			server.Broadcast(context.Background(), typ, payload)
		},
	})
	url := start(t, server)

	conns := make([]*websocket.Conn, numClients)
	for i := range conns {
		conn, _, err := newDialer().Dial(url+"/", nil)
		if err != nil {
			t.Fatalf("client %d failed to connect: %v", i, err)
		}
		defer conn.Close()
		conns[i] = conn
	}
	connected.Wait()

	var received atomic.Int64
	var readers sync.WaitGroup
	const want = numClients * messagesPerClient
	for _, conn := range conns {
		readers.Add(1)
		go func(conn *websocket.Conn) {
			defer readers.Done()
			conn.SetReadDeadline(time.Now().Add(10 * time.Second))
			for i := 0; i < want; i++ {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
				received.Add(1)
			}
		}(conn)
	}

	for i, conn := range conns {
		for j := 0; j < messagesPerClient; j++ {
			msg := fmt.Sprintf("client %d message %d", i, j)
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				t.Fatalf("client %d failed to send: %v", i, err)
			}
		}
	}

	readers.Wait()

	if got := received.Load(); got != numClients*want {
		t.Errorf("received = %d, want %d", got, numClients*want)
	}
}

func TestServerAlreadyRunning(t *testing.T) {
	t.Parallel()

	server := ws.NewServer(ws.NewConfig("127.0.0.1:0", ws.NoRateLimit(), nil, nil))
	start(t, server)

	if err := server.Start(context.Background()); !errors.Is(err, wsupgrade.ErrServerAlreadyRunning) {
		t.Errorf("Start() error = %v, want %v", err, wsupgrade.ErrServerAlreadyRunning)
	}
}
