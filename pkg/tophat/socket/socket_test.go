package socket

import (
	"bytes"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valyala/fasthttp/fasthttputil"
)

// recorder is an Observer that collects what it is told.
type recorder struct {
	mu     sync.Mutex
	data   []byte
	events chan int
	closes atomic.Int32
	closed chan struct{}

	// consume decides what stays buffered; nil consumes everything
	consume func(buf []byte) []byte
}

func newRecorder() *recorder {
	return &recorder{
		events: make(chan int, 1024),
		closed: make(chan struct{}),
	}
}

func (r *recorder) SocketReceivedData(s *Socket) {
	buf := s.Buffer()

	r.mu.Lock()
	consume := r.consume
	var residual []byte
	if consume != nil {
		residual = consume(buf)
	}
	r.data = append(r.data, buf[:len(buf)-len(residual)]...)
	r.mu.Unlock()

	r.events <- len(buf)
	s.SetBuffer(residual)
}

func (r *recorder) SocketClosed(s *Socket) {
	if r.closes.Add(1) == 1 {
		close(r.closed)
	}
}

func (r *recorder) received() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.data...)
}

// waitFor polls cond until it holds or the deadline passes.
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

func start(s *Socket, o Observer) {
	s.SetObserver(o)
	s.Do(func() { s.SetBuffer(nil) })
}

func TestSocketReceivesData(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	s := New(server, 1024)
	defer s.Close()
	rec := newRecorder()
	start(s, rec)

	client.Write([]byte("hello "))
	client.Write([]byte("world"))

	waitFor(t, "data", func() bool { return string(rec.received()) == "hello world" })
}

func TestSocketResidualKept(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	s := New(server, 1024)
	defer s.Close()

	rec := newRecorder()
	var (
		mu   sync.Mutex
		seen []string
	)
	// Consume two bytes per delivery.
	rec.consume = func(buf []byte) []byte {
		mu.Lock()
		seen = append(seen, string(buf))
		mu.Unlock()
		if len(buf) < 2 {
			return buf
		}
		return buf[2:]
	}
	start(s, rec)

	client.Write([]byte("abcd"))
	waitFor(t, "first delivery", func() bool { return len(rec.received()) >= 2 })
	client.Write([]byte("ef"))
	waitFor(t, "second delivery", func() bool { return len(rec.received()) >= 4 })

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 2 || seen[0] != "abcd" || seen[1] != "cdef" {
		t.Errorf("buffers seen = %q, want [abcd cdef ...]", seen)
	}
}

func TestSocketMaxBufferBackpressure(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	const maxBuffer = 8
	s := New(server, maxBuffer)
	defer s.Close()

	rec := newRecorder()
	var draining atomic.Bool
	// Keep everything until draining starts.
	rec.consume = func(buf []byte) []byte {
		if draining.Load() {
			return nil
		}
		return buf
	}
	start(s, rec)

	payload := bytes.Repeat([]byte("x"), 20)
	written := make(chan struct{})
	go func() {
		client.Write(payload)
		close(written)
	}()

	// Buffer fills up to exactly maxBuffer and stays there.
	full := false
	for !full {
		select {
		case n := <-rec.events:
			if n > maxBuffer {
				t.Fatalf("buffer grew to %d, max %d", n, maxBuffer)
			}
			full = n == maxBuffer
		case <-time.After(2 * time.Second):
			t.Fatal("buffer never filled")
		}
	}

	select {
	case n := <-rec.events:
		t.Fatalf("delivery of %d bytes while buffer full", n)
	case <-written:
		t.Fatal("peer write completed while buffer full")
	case <-time.After(50 * time.Millisecond):
	}

	draining.Store(true)
	s.Do(func() { rec.SocketReceivedData(s) })

	select {
	case <-written:
	case <-time.After(2 * time.Second):
		t.Fatal("peer write still blocked after draining")
	}
	waitFor(t, "all data", func() bool { return len(rec.received()) == len(payload) })
}

func TestSocketWriteOrder(t *testing.T) {
	pc := fasthttputil.NewPipeConns()
	client, server := pc.Conn1(), pc.Conn2()
	defer client.Close()

	s := New(server, 1024)
	defer s.Close()

	var (
		mu   sync.Mutex
		done []int
	)
	var want bytes.Buffer
	for i := 0; i < 50; i++ {
		i := i
		chunk := []byte{byte('a' + i%26)}
		want.Write(chunk)
		s.Write(chunk, func() {
			mu.Lock()
			done = append(done, i)
			mu.Unlock()
		})
	}

	got := make([]byte, want.Len())
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatalf("ReadFull failed: %v", err)
	}
	if !bytes.Equal(got, want.Bytes()) {
		t.Errorf("received %q, want %q", got, want.Bytes())
	}

	waitFor(t, "completions", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(done) == 50
	})
	mu.Lock()
	defer mu.Unlock()
	for i, v := range done {
		if v != i {
			t.Fatalf("completion %d ran as #%d", v, i)
		}
	}
}

func TestSocketCloseIdempotent(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	s := New(server, 1024)
	rec := newRecorder()
	start(s, rec)

	if err := s.Close(); err != nil {
		t.Errorf("first Close = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
	if !s.Closed() {
		t.Error("Closed() = false after Close")
	}

	select {
	case <-s.Done():
	default:
		t.Error("Done() not closed after Close")
	}

	if s.Do(func() { t.Error("task ran after Close") }) {
		t.Error("Do after Close = true")
	}
	s.Write([]byte("dropped"), nil)

	// The peer sees the close.
	client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Error("peer read succeeded after Close")
	}

	time.Sleep(20 * time.Millisecond)
	if n := rec.closes.Load(); n != 0 {
		t.Errorf("SocketClosed called %d times after Close, want 0", n)
	}
}

func TestSocketPeerClose(t *testing.T) {
	client, server := net.Pipe()

	s := New(server, 1024)
	rec := newRecorder()
	start(s, rec)

	client.Close()

	select {
	case <-rec.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("SocketClosed not called after peer close")
	}
	<-s.Done()

	// Closing again is harmless and does not notify twice.
	s.Close()
	time.Sleep(20 * time.Millisecond)
	if n := rec.closes.Load(); n != 1 {
		t.Errorf("SocketClosed called %d times, want 1", n)
	}
}

func TestSocketDisconnectNotifies(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	s := New(server, 1024)
	rec := newRecorder()
	start(s, rec)

	if err := s.Disconnect(); err != nil {
		t.Errorf("Disconnect = %v", err)
	}
	if !s.Closed() {
		t.Error("Closed() = false after Disconnect")
	}

	// Done waits for the observer to be told.
	<-s.Done()
	if n := rec.closes.Load(); n != 1 {
		t.Errorf("SocketClosed called %d times before Done, want 1", n)
	}

	s.Disconnect()
	s.Close()
	time.Sleep(20 * time.Millisecond)
	if n := rec.closes.Load(); n != 1 {
		t.Errorf("SocketClosed called %d times, want 1", n)
	}
}

// holdObserver keeps everything it is given without asking for more.
type holdObserver struct {
	events chan string
}

func (o *holdObserver) SocketReceivedData(s *Socket) {
	o.events <- string(s.Buffer())
	s.KeepBuffer(nil)
}

func (o *holdObserver) SocketClosed(*Socket) {}

func TestSocketKeepBufferPausesReading(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	s := New(server, 1024)
	defer s.Close()

	o := &holdObserver{events: make(chan string, 4)}
	start(s, o)

	go client.Write([]byte("one"))
	select {
	case got := <-o.events:
		if got != "one" {
			t.Errorf("first delivery = %q, want one", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first delivery missing")
	}

	go client.Write([]byte("two"))
	select {
	case got := <-o.events:
		t.Fatalf("delivered %q while reading was paused", got)
	case <-time.After(50 * time.Millisecond):
	}

	s.Do(func() { s.SetBuffer(s.Buffer()) })
	select {
	case got := <-o.events:
		if got != "two" {
			t.Errorf("second delivery = %q, want two", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reading did not resume after SetBuffer")
	}
}

func TestSocketDetachedObserver(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	s := New(server, 1024)
	defer s.Close()

	rec := newRecorder()
	start(s, rec)
	s.SetObserver(nil)

	client.Write([]byte("held"))

	// Nobody is told; the bytes wait in the buffer for the next owner.
	held := make(chan string, 1)
	waitFor(t, "buffered bytes", func() bool {
		s.Do(func() { held <- string(s.Buffer()) })
		return <-held == "held"
	})
	if len(rec.received()) != 0 {
		t.Errorf("detached observer received %q", rec.received())
	}
}

func TestSocketTimer(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	s := New(server, 1024)

	fired := make(chan struct{})
	s.AfterFunc(10*time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}

	var stoppedRan atomic.Bool
	tm := s.AfterFunc(20*time.Millisecond, func() { stoppedRan.Store(true) })
	if !tm.Stop() {
		t.Error("Stop() = false for pending timer")
	}
	if tm.Stop() {
		t.Error("second Stop() = true")
	}

	var closedRan atomic.Bool
	s.AfterFunc(20*time.Millisecond, func() { closedRan.Store(true) })
	s.Close()

	time.Sleep(60 * time.Millisecond)
	if stoppedRan.Load() {
		t.Error("stopped timer ran")
	}
	if closedRan.Load() {
		t.Error("timer ran after Close")
	}

	// Timers on a closed socket never run.
	late := s.AfterFunc(time.Millisecond, func() { t.Error("timer on closed socket ran") })
	time.Sleep(10 * time.Millisecond)
	if late.Stop() {
		t.Error("Stop() = true for timer on closed socket")
	}
}

func TestSocketAddrs(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	s := New(server, 0)
	defer s.Close()

	if s.MaxBuffer() <= 0 {
		t.Errorf("MaxBuffer() = %d, want default > 0", s.MaxBuffer())
	}
	if s.RemoteAddr() == nil || s.LocalAddr() == nil {
		t.Error("nil address")
	}
}
