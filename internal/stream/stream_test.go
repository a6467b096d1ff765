package stream

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/luciancaetano/wsupgrade"
)

func newPipe(t *testing.T, cfg *Config) (*ConnStream, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return New(server, cfg), client
}

// TestConnStreamDeliversData tests that arriving bytes reach OnData in order
func TestConnStreamDeliversData(t *testing.T) {
	t.Parallel()

	s, client := newPipe(t, nil)

	got := make(chan string, 4)
	unsubscribe, err := s.Subscribe(wsupgrade.StreamHandler{
		OnData: func(p []byte) { got <- string(p) },
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer unsubscribe()

	for _, msg := range []string{"GET ", "/chat"} {
		if _, err := client.Write([]byte(msg)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		select {
		case p := <-got:
			if p != msg {
				t.Errorf("OnData = %q, want %q", p, msg)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for data")
		}
	}
}

// TestConnStreamEOFIsFatal tests that a closed peer is reported through OnError
func TestConnStreamEOFIsFatal(t *testing.T) {
	t.Parallel()

	s, client := newPipe(t, nil)

	errCh := make(chan error, 1)
	if _, err := s.Subscribe(wsupgrade.StreamHandler{
		OnError: func(err error) { errCh <- err },
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	client.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, io.EOF) {
			t.Errorf("OnError = %v, want %v", err, io.EOF)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnError")
	}
}

// TestConnStreamLocalCloseIsFatal tests that closing the stream reports the failed read to the subscriber
func TestConnStreamLocalCloseIsFatal(t *testing.T) {
	t.Parallel()

	s, _ := newPipe(t, nil)

	errCh := make(chan error, 1)
	if _, err := s.Subscribe(wsupgrade.StreamHandler{
		OnError: func(err error) { errCh <- err },
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, io.ErrClosedPipe) {
			t.Errorf("OnError = %v, want %v", err, io.ErrClosedPipe)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnError")
	}
}

// TestConnStreamNilConn tests that a stream without a connection refuses subscribers
func TestConnStreamNilConn(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		stream *ConnStream
	}{
		{"nil conn", New(nil, nil)},
		{"nil stream", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, err := tt.stream.Subscribe(wsupgrade.StreamHandler{}); !errors.Is(err, wsupgrade.ErrInvalidArgument) {
				t.Errorf("Subscribe() error = %v, want %v", err, wsupgrade.ErrInvalidArgument)
			}
			if addr := tt.stream.RemoteAddr(); addr != nil {
				t.Errorf("RemoteAddr() = %v, want nil", addr)
			}
			if err := tt.stream.Close(); err != nil {
				t.Errorf("Close() error = %v", err)
			}
		})
	}
}

// TestConnStreamTimeoutIsWarning tests that idle timeouts do not stop the stream
func TestConnStreamTimeoutIsWarning(t *testing.T) {
	t.Parallel()

	s, client := newPipe(t, &Config{ReadTimeout: 20 * time.Millisecond})

	warnCh := make(chan error, 16)
	dataCh := make(chan string, 1)
	unsubscribe, err := s.Subscribe(wsupgrade.StreamHandler{
		OnData:    func(p []byte) { dataCh <- string(p) },
		OnError:   func(err error) { t.Errorf("unexpected OnError: %v", err) },
		OnWarning: func(err error) { warnCh <- err },
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer unsubscribe()

	select {
	case err := <-warnCh:
		if !errors.Is(err, ErrReadTimeout) {
			t.Errorf("OnWarning = %v, want %v", err, ErrReadTimeout)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnWarning")
	}

	if _, err := client.Write([]byte("late")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	select {
	case p := <-dataCh:
		if p != "late" {
			t.Errorf("OnData = %q, want late", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("data after warning was not delivered")
	}
}

// TestConnStreamSubscribeOnce tests that a stream accepts a single subscriber
func TestConnStreamSubscribeOnce(t *testing.T) {
	t.Parallel()

	s, _ := newPipe(t, nil)

	unsubscribe, err := s.Subscribe(wsupgrade.StreamHandler{})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer unsubscribe()

	if _, err := s.Subscribe(wsupgrade.StreamHandler{}); !errors.Is(err, wsupgrade.ErrInvalidArgument) {
		t.Errorf("second Subscribe() error = %v, want %v", err, wsupgrade.ErrInvalidArgument)
	}
}

// TestConnStreamClosed tests that a closed stream refuses subscribers
func TestConnStreamClosed(t *testing.T) {
	t.Parallel()

	s, _ := newPipe(t, nil)
	s.Close()

	if _, err := s.Subscribe(wsupgrade.StreamHandler{}); !errors.Is(err, wsupgrade.ErrInvalidArgument) {
		t.Errorf("Subscribe() error = %v, want %v", err, wsupgrade.ErrInvalidArgument)
	}
}

// TestConnStreamHandOver tests that unsubscribing from OnData hands reading to the caller
func TestConnStreamHandOver(t *testing.T) {
	t.Parallel()

	s, client := newPipe(t, nil)

	handed := make(chan struct{})
	var unsubscribe func()
	unsubscribe, err := s.Subscribe(wsupgrade.StreamHandler{
		OnData: func(p []byte) {
			unsubscribe()
			close(handed)
		},
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if _, err := client.Write([]byte("first")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	<-handed

	go client.Write([]byte("second"))

	buf := make([]byte, 16)
	n, err := s.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got := string(buf[:n]); got != "second" {
		t.Errorf("Read() = %q, want second", got)
	}
}
