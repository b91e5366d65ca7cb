package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/valyala/fasthttp"

	"github.com/yourusername/tophat/pkg/tophat/http11"
)

func echoPath() http11.Delegate {
	return http11.DelegateFunc(func(w http11.Responder, req *http11.Request) {
		resp := http11.NewResponse(http11.StatusOK)
		resp.SetHeader("Content-Type", "text/plain")
		resp.Body = []byte(req.Path())
		w.Send(resp)
	})
}

func newTestServer(t *testing.T, config Config, delegate http11.Delegate) *Server {
	t.Helper()

	config.Address = "127.0.0.1"
	config.Port = 0
	if config.BodyDir == "" {
		config.BodyDir = t.TempDir()
	}
	s, err := New(config, delegate)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Port != 8080 {
		t.Errorf("Port = %d, want 8080", config.Port)
	}
	if config.MaxBodySize != http11.DefaultMaxBodySize {
		t.Errorf("MaxBodySize = %d, want %d", config.MaxBodySize, http11.DefaultMaxBodySize)
	}
	if config.MaxHeaderSize != http11.DefaultMaxHeaderSize {
		t.Errorf("MaxHeaderSize = %d, want %d", config.MaxHeaderSize, http11.DefaultMaxHeaderSize)
	}
	if config.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", config.Timeout)
	}
	if config.Tuning == nil {
		t.Error("Tuning = nil, want defaults")
	}
}

func TestNewRequiresDelegate(t *testing.T) {
	if _, err := New(DefaultConfig(), nil); !errors.Is(err, ErrNilDelegate) {
		t.Errorf("New(nil) err = %v, want ErrNilDelegate", err)
	}
}

func TestServerServesRequests(t *testing.T) {
	reg := prometheus.NewRegistry()
	config := DefaultConfig()
	config.Registerer = reg
	s := newTestServer(t, config, echoPath())

	if s.Port() == 0 {
		t.Fatal("Port() = 0")
	}

	for _, path := range []string{"/a", "/b"} {
		code, body, err := fasthttp.Get(nil, fmt.Sprintf("http://127.0.0.1:%d%s", s.Port(), path))
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		if code != 200 {
			t.Errorf("GET %s status = %d, want 200", path, code)
		}
		if string(body) != path {
			t.Errorf("GET %s body = %q", path, body)
		}
	}

	stats := s.Stats()
	if got := stats.TotalRequests.Load(); got != 2 {
		t.Errorf("TotalRequests = %d, want 2", got)
	}
	if stats.TotalConnections.Load() == 0 {
		t.Error("TotalConnections = 0")
	}
	waitFor(t, "responses counted", func() bool { return stats.TotalResponses.Load() == 2 })

	if got := testutil.ToFloat64(s.metrics.requests.WithLabelValues("GET")); got != 2 {
		t.Errorf("requests_total{method=GET} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(s.metrics.responses.WithLabelValues("200")); got != 2 {
		t.Errorf("responses_total{code=200} = %v, want 2", got)
	}
	if n, err := testutil.GatherAndCount(reg, "tophat_connections_accepted_total"); err != nil || n != 1 {
		t.Errorf("GatherAndCount = %d, %v", n, err)
	}
}

func TestServerErrorResponsesCounted(t *testing.T) {
	config := DefaultConfig()
	config.Registerer = prometheus.NewRegistry()
	config.ErrorTimeout = 100 * time.Millisecond
	s := newTestServer(t, config, echoPath())

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	conn.Write([]byte("NOT HTTP\r\n\r\n"))

	var resp fasthttp.Response
	if err := resp.Read(bufio.NewReader(conn)); err != nil {
		t.Fatalf("reading response: %v", err)
	}
	if resp.StatusCode() != 400 {
		t.Errorf("status = %d, want 400", resp.StatusCode())
	}

	waitFor(t, "error counted", func() bool { return s.Stats().ErrorResponses.Load() == 1 })
	if got := testutil.ToFloat64(s.metrics.errors.WithLabelValues("400")); got != 1 {
		t.Errorf("error_responses_total{code=400} = %v, want 1", got)
	}
	if got := s.Stats().TotalRequests.Load(); got != 0 {
		t.Errorf("TotalRequests = %d, want 0", got)
	}
}

func TestServerCloseClosesConnections(t *testing.T) {
	config := DefaultConfig()
	config.Registerer = prometheus.NewRegistry()
	s := newTestServer(t, config, echoPath())

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	waitFor(t, "connection tracked", func() bool { return s.Stats().ActiveConnections.Load() == 1 })
	if got := testutil.ToFloat64(s.metrics.active); got != 1 {
		t.Errorf("connections_active = %v, want 1", got)
	}

	if err := s.Close(); err != nil {
		t.Errorf("Close = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("connection still readable after Close")
	}
	if got := s.Stats().ActiveConnections.Load(); got != 0 {
		t.Errorf("ActiveConnections = %d, want 0", got)
	}

	if _, err := net.DialTimeout("tcp", s.Addr().String(), 200*time.Millisecond); err == nil {
		t.Error("dial succeeded after Close")
	}
}

func TestServerCloseReleasesBodies(t *testing.T) {
	config := DefaultConfig()
	config.Registerer = prometheus.NewRegistry()
	config.BodyDir = t.TempDir()

	// The delegate never answers, so the body stays with the connection.
	dispatched := make(chan struct{}, 1)
	s := newTestServer(t, config, http11.DelegateFunc(func(w http11.Responder, req *http11.Request) {
		dispatched <- struct{}{}
	}))

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	conn.Write([]byte("POST /upload HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhello"))

	select {
	case <-dispatched:
	case <-time.After(2 * time.Second):
		t.Fatal("request not dispatched")
	}
	if entries, _ := os.ReadDir(config.BodyDir); len(entries) != 1 {
		t.Fatalf("BodyDir holds %d files, want 1", len(entries))
	}

	if err := s.Close(); err != nil {
		t.Errorf("Close = %v", err)
	}
	entries, err := os.ReadDir(config.BodyDir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("BodyDir holds %d files after Close, want 0", len(entries))
	}
}

func TestMethodLabel(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{"GET", "GET"},
		{"HEAD", "HEAD"},
		{"PATCH", "PATCH"},
		{"get", "other"},
		{"BREW", "other"},
		{"X-CUSTOM-0001", "other"},
	}

	for _, tt := range tests {
		if got := methodLabel(tt.method); got != tt.want {
			t.Errorf("methodLabel(%q) = %q, want %q", tt.method, got, tt.want)
		}
	}
}

func TestServerUnknownMethodsShareLabel(t *testing.T) {
	config := DefaultConfig()
	config.Registerer = prometheus.NewRegistry()
	s := newTestServer(t, config, echoPath())

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	r := bufio.NewReader(conn)
	for _, method := range []string{"BREW", "PROPFIND", "GET"} {
		fmt.Fprintf(conn, "%s /pot HTTP/1.1\r\nHost: x\r\n\r\n", method)
		var resp fasthttp.Response
		if err := resp.Read(r); err != nil {
			t.Fatalf("%s: reading response: %v", method, err)
		}
	}

	if got := testutil.ToFloat64(s.metrics.requests.WithLabelValues("other")); got != 2 {
		t.Errorf("requests_total{method=other} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(s.metrics.requests.WithLabelValues("GET")); got != 1 {
		t.Errorf("requests_total{method=GET} = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(s.metrics.requests); n != 2 {
		t.Errorf("requests_total series = %d, want 2", n)
	}
}

func TestServerServeStopsOnCancel(t *testing.T) {
	s := newTestServer(t, DefaultConfig(), echoPath())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ctx) }()

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Serve = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServerShutdownDeadline(t *testing.T) {
	config := DefaultConfig()
	config.Timeout = time.Minute
	s := newTestServer(t, config, echoPath())

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	waitFor(t, "connection tracked", func() bool { return s.Stats().ActiveConnections.Load() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := s.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown = %v, want DeadlineExceeded", err)
	}
	if got := s.Stats().ActiveConnections.Load(); got != 0 {
		t.Errorf("ActiveConnections = %d, want 0", got)
	}
}

func TestServerShutdownWaitsForIdle(t *testing.T) {
	config := DefaultConfig()
	config.Timeout = 100 * time.Millisecond
	s := newTestServer(t, config, echoPath())

	if _, _, err := fasthttp.Get(nil, fmt.Sprintf("http://127.0.0.1:%d/", s.Port())); err != nil {
		t.Fatalf("GET failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown = %v, want nil", err)
	}
}

func TestServerPortInUse(t *testing.T) {
	s := newTestServer(t, DefaultConfig(), echoPath())

	config := DefaultConfig()
	config.Address = "127.0.0.1"
	config.Port = s.Port()
	if s2, err := New(config, echoPath()); err == nil {
		s2.Close()
		t.Fatal("New on a bound port succeeded")
	}
}
