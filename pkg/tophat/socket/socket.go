package socket

import (
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/valyala/bytebufferpool"
)

// maxReadChunk caps a single read from the connection.
const maxReadChunk = 64 << 10

var (
	// ErrClosed is returned by operations on a closed Socket.
	ErrClosed = errors.New("socket: closed")

	// ErrDisconnected is the close cause recorded by Disconnect.
	ErrDisconnected = errors.New("socket: disconnected")
)

// Observer receives socket events. Calls for one Socket are never
// concurrent with each other, with timer callbacks, or with write
// completions of that Socket.
type Observer interface {
	// SocketReceivedData is called after bytes were appended to the buffer.
	// The observer must call SetBuffer with the unconsumed residue (or
	// the whole buffer) to receive more data.
	SocketReceivedData(s *Socket)

	// SocketClosed is called once when the socket closed because of the
	// peer, an I/O error or Disconnect. It is not called when the close
	// was initiated with Close.
	SocketClosed(s *Socket)
}

// Option configures a Socket.
type Option func(*Socket)

// WithLogger sets the logger for socket events.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Socket) {
		s.logger = logger
	}
}

// WithWriteTimeout bounds every write to the connection. A write that does
// not complete in time fails and closes the socket.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Socket) {
		s.writeTimeout = d
	}
}

// Socket owns one connection and turns it into an event source.
//
// Design:
// - One serial execution context per socket (a goroutine draining a FIFO
//   task queue); observer callbacks, timers and write completions run there
// - A reader goroutine reads only while armed, never past maxBuffer
// - A writer goroutine drains queued writes in FIFO order
// - Close is the only cancellation primitive
//
// Received data is appended to the buffer. After each delivery reading is
// suspended until the observer replaces the buffer with SetBuffer; a
// buffer at capacity stays suspended. On a new socket call SetBuffer(nil)
// to start reading.
type Socket struct {
	conn         net.Conn
	maxBuffer    int
	writeTimeout time.Duration
	logger       zerolog.Logger

	// Serial execution context
	mu       sync.Mutex
	tasks    []func()
	timers   map[*Timer]struct{}
	observer Observer
	wake     chan struct{}

	// Owned by the execution context
	buf   *bytebufferpool.ByteBuffer
	armed bool

	// Reader: receives the number of bytes it may read
	arm chan int

	// Writer
	wmu    sync.Mutex
	writes []writeItem
	wwake  chan struct{}

	// Teardown
	closed    atomic.Bool
	notify    bool
	closeOnce sync.Once
	closeErr  error
	closing   chan struct{}
	done      chan struct{}
}

type writeItem struct {
	data []byte
	done func()
}

// New wraps an accepted connection. The Socket owns conn from now on and
// closes it exactly once. maxBuffer bounds the receive buffer.
func New(conn net.Conn, maxBuffer int, opts ...Option) *Socket {
	if maxBuffer <= 0 {
		maxBuffer = 4096
	}

	s := &Socket{
		conn:      conn,
		maxBuffer: maxBuffer,
		logger:    zerolog.Nop(),
		timers:    make(map[*Timer]struct{}),
		wake:      make(chan struct{}, 1),
		buf:       bytebufferpool.Get(),
		arm:       make(chan int, 1),
		wwake:     make(chan struct{}, 1),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.run()
	go s.readLoop()
	go s.writeLoop()

	return s
}

// FromFD adopts a raw, already-accepted connection descriptor. The
// descriptor is consumed: it is closed even when FromFD fails.
func FromFD(fd int, maxBuffer int, opts ...Option) (*Socket, error) {
	f := os.NewFile(uintptr(fd), "tophat-conn")
	if f == nil {
		return nil, os.ErrInvalid
	}
	defer f.Close()

	conn, err := net.FileConn(f)
	if err != nil {
		return nil, err
	}
	return New(conn, maxBuffer, opts...), nil
}

// MaxBuffer returns the receive buffer capacity.
func (s *Socket) MaxBuffer() int {
	return s.maxBuffer
}

// RemoteAddr returns the peer address.
func (s *Socket) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// LocalAddr returns the local address.
func (s *Socket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// SetObserver replaces the observer. A nil observer detaches: events are
// still processed but nobody is told.
func (s *Socket) SetObserver(o Observer) {
	s.mu.Lock()
	s.observer = o
	s.mu.Unlock()
}

func (s *Socket) currentObserver() Observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observer
}

// Buffer returns the received, not yet consumed bytes. It must be called
// from the socket's execution context (an observer callback or Do). The
// slice is valid until the next SetBuffer.
func (s *Socket) Buffer() []byte {
	if s.buf == nil {
		return nil
	}
	return s.buf.B
}

// SetBuffer replaces the buffer with residual, typically a suffix of
// Buffer() left after consuming a prefix, and re-arms reading if the
// buffer is below capacity. It must be called from the socket's execution
// context.
func (s *Socket) SetBuffer(residual []byte) {
	if s.setBuffer(residual) {
		s.armRead()
	}
}

// KeepBuffer replaces the buffer like SetBuffer but leaves reading paused;
// nothing more is read until the next SetBuffer. It must be called from
// the socket's execution context.
func (s *Socket) KeepBuffer(residual []byte) {
	s.setBuffer(residual)
}

func (s *Socket) setBuffer(residual []byte) bool {
	if s.closed.Load() || s.buf == nil {
		return false
	}
	if len(residual) > s.maxBuffer {
		residual = residual[:s.maxBuffer]
	}
	// Set copies with memmove semantics, so residual may alias s.buf.B.
	s.buf.Set(residual)
	return true
}

func (s *Socket) armRead() {
	if s.armed || s.buf.Len() >= s.maxBuffer {
		return
	}
	s.armed = true
	s.arm <- s.maxBuffer - s.buf.Len()
}

// Write queues p for transmission and returns immediately. It may be called
// from any goroutine; writes reach the transport in the order Write was
// called. done, if not nil, runs on the execution context once p has been
// handed to the transport. A failed write closes the socket and notifies
// the observer. Writes on a closed socket are dropped.
func (s *Socket) Write(p []byte, done func()) {
	if s.closed.Load() {
		return
	}

	s.wmu.Lock()
	s.writes = append(s.writes, writeItem{data: p, done: done})
	s.wmu.Unlock()

	select {
	case s.wwake <- struct{}{}:
	default:
	}
}

// Do schedules fn on the socket's execution context. It reports false when
// the socket is closed; fn then never runs.
func (s *Socket) Do(fn func()) bool {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return false
	}
	s.tasks = append(s.tasks, fn)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// Close closes the connection, cancels pending reads, writes and timers.
// The observer is not notified. Close is idempotent; only the first call
// returns the error from closing the connection.
func (s *Socket) Close() error {
	if s.shutdown(nil, false) {
		return s.closeErr
	}
	return nil
}

// Disconnect closes the socket on behalf of someone other than the
// observer, which then receives SocketClosed on the execution context.
// Like Close it is idempotent.
func (s *Socket) Disconnect() error {
	if s.shutdown(ErrDisconnected, true) {
		return s.closeErr
	}
	return nil
}

// Closed reports whether the socket has been closed.
func (s *Socket) Closed() bool {
	return s.closed.Load()
}

// Done returns a channel that is closed once the socket has closed and its
// execution context has finished, the final SocketClosed included.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

// shutdown tears the socket down once. It reports whether this call did it.
// With notify the observer hears about it when the execution context exits.
func (s *Socket) shutdown(cause error, notify bool) bool {
	first := false
	s.closeOnce.Do(func() {
		first = true

		s.mu.Lock()
		s.closed.Store(true)
		s.notify = notify
		timers := s.timers
		s.timers = nil
		s.tasks = nil
		s.mu.Unlock()

		for t := range timers {
			t.stop()
		}

		close(s.closing)
		s.closeErr = s.conn.Close()

		if cause != nil {
			s.logger.Debug().Err(cause).Msg("socket closed")
		} else {
			s.logger.Debug().Msg("socket closed")
		}
	})
	return first
}

// fail runs on the execution context when reading or writing failed.
func (s *Socket) fail(err error) {
	s.shutdown(err, true)
}

// received runs on the execution context with freshly read bytes.
func (s *Socket) received(data []byte) {
	s.armed = false
	s.buf.Write(data)

	if obs := s.currentObserver(); obs != nil {
		obs.SocketReceivedData(s)
	}
}

// run is the execution context.
func (s *Socket) run() {
	defer func() {
		s.mu.Lock()
		notify := s.notify
		s.mu.Unlock()
		if notify {
			if obs := s.currentObserver(); obs != nil {
				obs.SocketClosed(s)
			}
		}

		bytebufferpool.Put(s.buf)
		s.buf = nil
		close(s.done)
	}()

	for {
		select {
		case <-s.wake:
		case <-s.closing:
			return
		}

		for {
			s.mu.Lock()
			if len(s.tasks) == 0 {
				s.mu.Unlock()
				break
			}
			task := s.tasks[0]
			s.tasks[0] = nil
			s.tasks = s.tasks[1:]
			s.mu.Unlock()

			task()

			if s.closed.Load() {
				return
			}
		}
	}
}

func (s *Socket) readLoop() {
	chunk := s.maxBuffer
	if chunk > maxReadChunk {
		chunk = maxReadChunk
	}
	scratch := make([]byte, chunk)

	for {
		var room int
		select {
		case room = <-s.arm:
		case <-s.closing:
			return
		}
		if room > len(scratch) {
			room = len(scratch)
		}

		n, err := s.conn.Read(scratch[:room])
		for n == 0 && err == nil {
			n, err = s.conn.Read(scratch[:room])
		}

		if n > 0 {
			// scratch is not reused before the next arm, which only
			// happens after received has copied the bytes.
			data := scratch[:n]
			if !s.Do(func() { s.received(data) }) {
				return
			}
		}
		if err != nil {
			s.Do(func() { s.fail(err) })
			return
		}
	}
}

func (s *Socket) writeLoop() {
	for {
		select {
		case <-s.wwake:
		case <-s.closing:
			return
		}

		for {
			s.wmu.Lock()
			if len(s.writes) == 0 {
				s.wmu.Unlock()
				break
			}
			item := s.writes[0]
			s.writes[0] = writeItem{}
			s.writes = s.writes[1:]
			s.wmu.Unlock()

			if s.writeTimeout > 0 {
				_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			}
			if _, err := s.conn.Write(item.data); err != nil {
				s.Do(func() { s.fail(err) })
				return
			}
			if item.done != nil {
				s.Do(item.done)
			}
		}
	}
}

// Timer is a callback scheduled on a socket's execution context.
type Timer struct {
	s       *Socket
	t       *time.Timer
	stopped atomic.Bool
}

// AfterFunc runs fn on the execution context after d unless the timer is
// stopped or the socket closes first.
func (s *Socket) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{s: s}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		tm.stopped.Store(true)
		return tm
	}
	tm.t = time.AfterFunc(d, func() {
		s.Do(func() {
			if tm.stopped.Swap(true) {
				return
			}
			s.forget(tm)
			fn()
		})
	})
	s.timers[tm] = struct{}{}
	return tm
}

// Stop cancels the timer. It reports whether the call prevented fn from
// running.
func (t *Timer) Stop() bool {
	if !t.stop() {
		return false
	}
	t.s.forget(t)
	return true
}

func (t *Timer) stop() bool {
	if t.stopped.Swap(true) {
		return false
	}
	if t.t != nil {
		t.t.Stop()
	}
	return true
}

func (s *Socket) forget(t *Timer) {
	s.mu.Lock()
	delete(s.timers, t)
	s.mu.Unlock()
}
