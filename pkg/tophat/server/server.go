// Package server wires the tophat pieces together: a socket.Listener
// accepts connections, each one becomes a socket.Socket observed by an
// http11.Protocol, and parsed requests go to a single http11.Delegate.
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/xpwu/go-xnet/connid"

	"github.com/yourusername/tophat/pkg/tophat/http11"
	"github.com/yourusername/tophat/pkg/tophat/socket"
)

// ErrNilDelegate is returned by New without a delegate.
var ErrNilDelegate = errors.New("server: delegate is required")

// Config holds server configuration
type Config struct {
	// Address is the local address to bind, empty for all IPv4 interfaces
	// Default: ""
	Address string

	// Port to listen on, 0 for an ephemeral port (see Server.Port)
	// Default: 8080
	Port int

	// Backlog is passed to listen(2)
	// Default: 128
	Backlog int

	// MaxBodySize is the largest accepted request Content-Length
	// Default: 10 MB
	MaxBodySize int64

	// MaxHeaderSize bounds request-line plus header block
	// Default: 16 KB
	MaxHeaderSize int

	// Timeout is how long a connection may take to deliver a complete
	// request, and how long an idle keep-alive connection is kept
	// Default: 30 seconds
	Timeout time.Duration

	// ErrorTimeout is how long a connection stays open after an error
	// response
	// Default: 2 seconds
	ErrorTimeout time.Duration

	// WriteTimeout bounds each write to a client
	// Default: 60 seconds
	WriteTimeout time.Duration

	// BodyDir is where request bodies are stored
	// Default: os.TempDir()
	BodyDir string

	// Tuning is applied to every accepted connection, nil for none
	// Default: socket.DefaultTuning()
	Tuning *socket.Tuning

	// Logger receives server and per-connection events
	// Default: zerolog.Nop()
	Logger zerolog.Logger

	// Registerer receives the server metrics, nil disables them
	Registerer prometheus.Registerer
}

// DefaultConfig returns the default server configuration
func DefaultConfig() Config {
	return Config{
		Port:          8080,
		Backlog:       socket.DefaultBacklog,
		MaxBodySize:   http11.DefaultMaxBodySize,
		MaxHeaderSize: http11.DefaultMaxHeaderSize,
		Timeout:       30 * time.Second,
		ErrorTimeout:  2 * time.Second,
		WriteTimeout:  60 * time.Second,
		Tuning:        socket.DefaultTuning(),
		Logger:        zerolog.Nop(),
	}
}

// Stats represents server statistics
type Stats struct {
	// Total number of connections accepted
	TotalConnections atomic.Uint64

	// Current number of open connections, upgraded ones included
	ActiveConnections atomic.Int64

	// Total number of requests dispatched to the delegate
	TotalRequests atomic.Uint64

	// Total number of delegate responses written
	TotalResponses atomic.Uint64

	// Number of error responses generated by the engine
	ErrorResponses atomic.Uint64

	// Server start time
	StartTime time.Time
}

// Duration returns the time since the server started
func (s *Stats) Duration() time.Duration {
	return time.Since(s.StartTime)
}

// RequestsPerSecond returns the average requests per second
func (s *Stats) RequestsPerSecond() float64 {
	duration := s.Duration().Seconds()
	if duration == 0 {
		return 0
	}
	return float64(s.TotalRequests.Load()) / duration
}

// Server accepts HTTP/1.1 connections and dispatches their requests.
type Server struct {
	config   Config
	delegate http11.Delegate
	listener *socket.Listener
	logger   zerolog.Logger
	stats    Stats
	metrics  *Metrics

	// Shutdown coordination
	shutdown atomic.Bool
	done     chan struct{}
	wg       sync.WaitGroup

	// Connection tracking
	conns   map[*socket.Socket]struct{}
	connsMu sync.Mutex
}

// New binds the configured address and starts serving. The returned
// Server is accepting connections; Close stops it.
func New(config Config, delegate http11.Delegate) (*Server, error) {
	if delegate == nil {
		return nil, ErrNilDelegate
	}

	// Apply defaults
	def := DefaultConfig()
	if config.Backlog <= 0 {
		config.Backlog = def.Backlog
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = def.MaxBodySize
	}
	if config.MaxHeaderSize <= 0 {
		config.MaxHeaderSize = def.MaxHeaderSize
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.ErrorTimeout <= 0 {
		config.ErrorTimeout = def.ErrorTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}

	s := &Server{
		config:   config,
		delegate: delegate,
		logger:   config.Logger,
		done:     make(chan struct{}),
		conns:    make(map[*socket.Socket]struct{}),
	}
	s.stats.StartTime = time.Now()
	if config.Registerer != nil {
		s.metrics = NewMetrics(config.Registerer)
	}

	ln, err := socket.Listen(config.Address, config.Port, config.Backlog, s.accept,
		socket.WithListenerLogger(s.logger),
		socket.WithTuning(config.Tuning),
	)
	if err != nil {
		return nil, err
	}
	s.listener = ln

	return s, nil
}

// Port returns the port the server is listening on.
func (s *Server) Port() int {
	return s.listener.Port()
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stats returns server statistics
func (s *Server) Stats() *Stats {
	return &s.stats
}

// Serve blocks until ctx is done, then closes the server.
func (s *Server) Serve(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return s.Close()
	case <-s.done:
		return nil
	}
}

// Shutdown stops accepting connections and waits for open connections to
// finish; idle keep-alive connections end after Timeout. When ctx expires
// first the remaining connections are closed and ctx.Err() is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	s.listener.Close()

	shutdownComplete := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(shutdownComplete)
	}()

	var err error
	select {
	case <-shutdownComplete:
	case <-ctx.Done():
		s.closeAllConnections()
		<-shutdownComplete
		err = ctx.Err()
	}
	close(s.done)
	return err
}

// Close immediately closes the listener and all open connections,
// upgraded ones included.
func (s *Server) Close() error {
	if !s.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	err := s.listener.Close()
	s.closeAllConnections()
	s.wg.Wait()
	close(s.done)
	return err
}

// accept runs on the listener goroutine for each new connection.
func (s *Server) accept(conn net.Conn) {
	id := connid.New()
	logger := s.logger.With().
		Str("conn", id.String()).
		Str("remote", conn.RemoteAddr().String()).
		Logger()

	sock := socket.New(conn, s.config.MaxHeaderSize+int(s.config.MaxBodySize),
		socket.WithLogger(logger),
		socket.WithWriteTimeout(s.config.WriteTimeout),
	)
	if !s.trackConnection(sock) {
		sock.Close()
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-sock.Done()
		s.untrackConnection(sock)
	}()

	logger.Debug().Msg("connection accepted")
	http11.NewProtocol(sock, http11.ProtocolConfig{
		MaxBodySize:   s.config.MaxBodySize,
		MaxHeaderSize: s.config.MaxHeaderSize,
		Timeout:       s.config.Timeout,
		ErrorTimeout:  s.config.ErrorTimeout,
		BodyDir:       s.config.BodyDir,
		Logger:        logger,
		OnError:       s.onError,
		OnResponse:    s.onResponse,
	}, http11.DelegateFunc(s.onRequest))
}

func (s *Server) onRequest(w http11.Responder, req *http11.Request) {
	s.stats.TotalRequests.Add(1)
	if s.metrics != nil {
		s.metrics.requests.WithLabelValues(methodLabel(req.Method)).Inc()
	}
	s.delegate.OnRequest(w, req)
}

func (s *Server) onResponse(req *http11.Request, code int) {
	s.stats.TotalResponses.Add(1)
	if s.metrics != nil {
		s.metrics.responses.WithLabelValues(statusLabel(code)).Inc()
	}
}

func (s *Server) onError(code int) {
	s.stats.ErrorResponses.Add(1)
	if s.metrics != nil {
		s.metrics.errors.WithLabelValues(statusLabel(code)).Inc()
	}
}

// trackConnection adds a connection to tracking. It reports false once
// the server is shutting down.
func (s *Server) trackConnection(sock *socket.Socket) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()

	if s.shutdown.Load() {
		return false
	}
	s.conns[sock] = struct{}{}

	s.stats.TotalConnections.Add(1)
	s.stats.ActiveConnections.Add(1)
	if s.metrics != nil {
		s.metrics.accepted.Inc()
		s.metrics.active.Inc()
	}
	return true
}

// untrackConnection removes a connection from tracking
func (s *Server) untrackConnection(sock *socket.Socket) {
	s.connsMu.Lock()
	delete(s.conns, sock)
	s.connsMu.Unlock()

	s.stats.ActiveConnections.Add(-1)
	if s.metrics != nil {
		s.metrics.active.Dec()
	}
}

// closeAllConnections disconnects all tracked connections
func (s *Server) closeAllConnections() {
	s.connsMu.Lock()
	socks := make([]*socket.Socket, 0, len(s.conns))
	for sock := range s.conns {
		socks = append(socks, sock)
	}
	s.connsMu.Unlock()

	// Disconnect lets each observer release what it holds (request bodies)
	for _, sock := range socks {
		sock.Disconnect()
	}
}
