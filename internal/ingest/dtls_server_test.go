package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeForwarder struct {
	payloads [][]byte
	err      error
}

func (f *fakeForwarder) Forward(_ context.Context, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.payloads = append(f.payloads, payload)
	return nil
}

func testServer(t *testing.T, fwd Forwarder) *Server {
	t.Helper()
	cfg := DefaultServerConfig()
	cfg.CertFile = "testdata/server.crt"
	cfg.KeyFile = "testdata/server.key"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := NewServer(cfg, fwd, logger)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return s
}

func TestNewServerConfigValidation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("missing certificate", func(t *testing.T) {
		cfg := DefaultServerConfig()
		if _, err := NewServer(cfg, &fakeForwarder{}, logger); !errors.Is(err, ErrCertRequired) {
			t.Errorf("NewServer() error = %v, want ErrCertRequired", err)
		}
	})

	t.Run("mutual tls without CA", func(t *testing.T) {
		cfg := DefaultServerConfig()
		cfg.CertFile = "testdata/server.crt"
		cfg.KeyFile = "testdata/server.key"
		cfg.RequireClientCert = true
		if _, err := NewServer(cfg, &fakeForwarder{}, logger); !errors.Is(err, ErrClientCertRequired) {
			t.Errorf("NewServer() error = %v, want ErrClientCertRequired", err)
		}
	})
}

func TestProcessSubmission(t *testing.T) {
	t.Run("valid JSON is forwarded", func(t *testing.T) {
		fwd := &fakeForwarder{}
		s := testServer(t, fwd)

		s.processSubmission(context.Background(), submission{
			data:     []byte(`{"id":"abc","category":"bots"}`),
			sourceIP: "198.51.100.7",
		})

		if len(fwd.payloads) != 1 {
			t.Fatalf("forwarded = %d, want 1", len(fwd.payloads))
		}
		if got := s.Metrics(); got.Forwarded != 1 || got.Rejected != 0 {
			t.Errorf("metrics = %+v", got)
		}
	})

	t.Run("malformed payload is rejected", func(t *testing.T) {
		fwd := &fakeForwarder{}
		s := testServer(t, fwd)

		s.processSubmission(context.Background(), submission{
			data:     []byte(`{"id":"abc"`),
			sourceIP: "198.51.100.7",
		})

		if len(fwd.payloads) != 0 {
			t.Fatal("malformed submission must not be forwarded")
		}
		if got := s.Metrics(); got.Rejected != 1 {
			t.Errorf("metrics = %+v, want one rejection", got)
		}
	})

	t.Run("forward failure is counted", func(t *testing.T) {
		fwd := &fakeForwarder{err: errors.New("broker down")}
		s := testServer(t, fwd)

		s.processSubmission(context.Background(), submission{
			data: []byte(`{"id":"abc"}`),
		})

		if got := s.Metrics(); got.Errors != 1 || got.Forwarded != 0 {
			t.Errorf("metrics = %+v, want one error", got)
		}
	})
}

// countingForwarder is safe for the concurrent worker pool.
type countingForwarder struct {
	forwarded uint64
}

func (f *countingForwarder) Forward(context.Context, []byte) error {
	atomic.AddUint64(&f.forwarded, 1)
	return nil
}

// fakeListener hands out prepared connections and times out otherwise,
// like an idle datagram listener.
type fakeListener struct {
	conns chan net.Conn
}

func (l *fakeListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	default:
		time.Sleep(time.Millisecond)
		return nil, timeoutError{}
	}
}

func (l *fakeListener) Close() error   { return nil }
func (l *fakeListener) Addr() net.Addr { return &net.UDPAddr{} }

type timeoutError struct{}

func (timeoutError) Error() string   { return "timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// fakeConn yields the same payload on every read until closed.
type fakeConn struct {
	payload   []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *fakeConn) Read(b []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, io.EOF
	default:
	}
	return copy(b, c.payload), nil
}

func (c *fakeConn) Write(b []byte) (int, error) { return len(b), nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) LocalAddr() net.Addr  { return &net.UDPAddr{} }
func (c *fakeConn) RemoteAddr() net.Addr { return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func (c *fakeConn) SetDeadline(time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func TestStopDrainsActiveConnections(t *testing.T) {
	fwd := &countingForwarder{}
	s := testServer(t, fwd)
	s.config.Workers = 2

	conn := &fakeConn{payload: []byte(`{"id":"abc"}`), closed: make(chan struct{})}
	listener := &fakeListener{conns: make(chan net.Conn, 1)}
	listener.conns <- conn
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadUint64(&fwd.forwarded) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no submission forwarded before shutdown")
		}
		time.Sleep(time.Millisecond)
	}

	// The connection handler is still reading and submitting here. Stop
	// must wait for it before the submission channel closes; a racing
	// send on the closed channel would panic the handler goroutine.
	s.Stop()

	if got := s.Metrics(); got.Forwarded == 0 {
		t.Errorf("metrics = %+v, want forwarded submissions", got)
	}
}
