package http11

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/tophat/pkg/tophat/socket"
)

// State represents the state of an HTTP connection
type State int32

const (
	// StateAwaitingRequest: buffering bytes until a whole request arrived
	StateAwaitingRequest State = iota

	// StateDispatched: the request is with the delegate, awaiting its response
	StateDispatched

	// StateSending: response bytes are being written
	StateSending

	// StateUpgraded: HTTP framing ended, the socket belongs to someone else
	StateUpgraded

	// StateClosing: an error response was sent, the connection is about to close
	StateClosing

	// StateClosed is terminal
	StateClosed
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateAwaitingRequest:
		return "awaiting-request"
	case StateDispatched:
		return "dispatched"
	case StateSending:
		return "sending"
	case StateUpgraded:
		return "upgraded"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Responder answers a dispatched request. Exactly one of Send or
// SendUpgrade must be called for every request passed to a Delegate.
type Responder interface {
	// Send writes resp and, unless the connection is ending, waits for the
	// next request.
	Send(resp *Response)

	// SendUpgrade writes resp (typically 101 Switching Protocols) and hands
	// the socket over to the caller. No HTTP processing happens on the
	// connection afterwards.
	SendUpgrade(resp *Response) *socket.Socket
}

// Delegate receives parsed requests.
type Delegate interface {
	OnRequest(w Responder, req *Request)
}

// DelegateFunc is an adapter to allow the use of ordinary functions as
// delegates.
type DelegateFunc func(w Responder, req *Request)

// OnRequest calls f(w, req).
func (f DelegateFunc) OnRequest(w Responder, req *Request) {
	f(w, req)
}

// ProtocolConfig holds the limits and hooks of a Protocol
type ProtocolConfig struct {
	// MaxBodySize is the largest accepted Content-Length
	// Default: 10 MB
	MaxBodySize int64

	// MaxHeaderSize bounds request-line plus header block
	// Default: 16 KB
	MaxHeaderSize int

	// Timeout is how long to wait for a complete request before answering
	// 408 Request Timeout
	// Default: 30 seconds
	Timeout time.Duration

	// ErrorTimeout is how long the connection stays open after an error
	// response before it is closed
	// Default: 2 seconds
	ErrorTimeout time.Duration

	// BodyDir is where request bodies are stored
	// Default: os.TempDir()
	BodyDir string

	// Logger receives protocol events
	Logger zerolog.Logger

	// OnError is called with the status of every error response the
	// engine generates on its own (400, 408, 413, 501, 505)
	OnError func(code int)

	// OnResponse is called after a delegate response was written
	OnResponse func(req *Request, code int)
}

// DefaultProtocolConfig returns the default protocol configuration
func DefaultProtocolConfig() ProtocolConfig {
	return ProtocolConfig{
		MaxBodySize:   DefaultMaxBodySize,
		MaxHeaderSize: DefaultMaxHeaderSize,
		Timeout:       30 * time.Second,
		ErrorTimeout:  2 * time.Second,
		Logger:        zerolog.Nop(),
	}
}

// Protocol speaks HTTP/1.1 on one Socket. It observes the socket, finds
// request boundaries in the received bytes, hands complete requests to the
// Delegate and writes the responses back.
//
// Design:
// - All state is touched only on the socket's execution context, so no
//   locking is needed
// - One request in flight: bytes of pipelined requests stay buffered, and
//   reading pauses, until the current response has been written
// - The Protocol owns the socket and the Body of the request in flight;
//   it does not own the Delegate
type Protocol struct {
	sock     *socket.Socket
	cfg      ProtocolConfig
	delegate Delegate
	logger   zerolog.Logger

	// Execution-context state
	state     State
	current   *Request
	timer     *socket.Timer
	served    int
	received  bool
	continued bool

	// Copy of state for State()
	stateView atomic.Int32
}

// NewProtocol starts serving HTTP on sock. All arguments are required; the
// Protocol registers itself as the socket's observer and starts reading.
func NewProtocol(sock *socket.Socket, cfg ProtocolConfig, delegate Delegate) *Protocol {
	if sock == nil {
		panic("http11: nil socket")
	}
	if delegate == nil {
		panic("http11: nil delegate")
	}

	// Apply defaults
	def := DefaultProtocolConfig()
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = def.MaxBodySize
	}
	if cfg.MaxHeaderSize <= 0 {
		cfg.MaxHeaderSize = def.MaxHeaderSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ErrorTimeout <= 0 {
		cfg.ErrorTimeout = def.ErrorTimeout
	}

	p := &Protocol{
		sock:     sock,
		cfg:      cfg,
		delegate: delegate,
		logger:   cfg.Logger,
	}

	sock.SetObserver(p)
	sock.Do(p.awaitRequest)
	return p
}

// State returns the current state. It may be called from any goroutine.
func (p *Protocol) State() State {
	return State(p.stateView.Load())
}

// Socket returns the underlying socket.
func (p *Protocol) Socket() *socket.Socket {
	return p.sock
}

// Send writes resp as the answer to the dispatched request. It may be
// called from any goroutine. The Date header is added when missing, and
// Connection: close when the connection will not be reused; the response
// must not be modified afterwards. Calls outside the dispatched state are
// ignored.
func (p *Protocol) Send(resp *Response) {
	if resp == nil {
		resp = NewErrorResponse(errors.New("no response"), StatusInternalServerError)
	}
	if !p.sock.Do(func() { p.send(resp) }) {
		p.logger.Debug().Int("status", resp.StatusCode).Msg("response dropped: connection closed")
	}
}

// SendUpgrade writes resp and detaches the Protocol from the socket, which
// is returned to the caller. Bytes the client sent after the upgrade
// request are left in the socket buffer; the new owner sets its observer
// and then, on the socket's execution context, consumes Buffer() and calls
// SetBuffer to resume reading. It returns nil when no request is
// dispatched.
func (p *Protocol) SendUpgrade(resp *Response) *socket.Socket {
	if p.State() != StateDispatched {
		p.logger.Warn().Stringer("state", p.State()).Msg("upgrade outside of a dispatched request ignored")
		return nil
	}

	// The response is queued here rather than on the execution context so
	// that it precedes anything the new owner writes after we return.
	p.sock.SetObserver(nil)
	p.sock.Write(resp.Encode(), nil)
	p.sock.Do(func() { p.upgraded(resp.StatusCode) })
	return p.sock
}

// Close closes the connection. Pending responses are abandoned.
func (p *Protocol) Close() {
	p.sock.Do(p.close)
}

// SocketReceivedData implements socket.Observer.
func (p *Protocol) SocketReceivedData(s *socket.Socket) {
	switch p.state {
	case StateAwaitingRequest:
		p.process()
	case StateClosing:
		// Discard; keep reading so that a peer close is noticed.
		s.SetBuffer(nil)
	}
	// Dispatched / Sending: hold the bytes, reading stays paused until the
	// response has been written.
}

// SocketClosed implements socket.Observer.
func (p *Protocol) SocketClosed(s *socket.Socket) {
	if p.state == StateClosed || p.state == StateUpgraded {
		return
	}
	p.logger.Debug().Stringer("state", p.state).Msg("connection closed")
	p.setState(StateClosed)
	p.stopTimer()
	p.releaseBody()
}

func (p *Protocol) setState(s State) {
	p.state = s
	p.stateView.Store(int32(s))
}

// awaitRequest enters StateAwaitingRequest and processes bytes that are
// already buffered.
func (p *Protocol) awaitRequest() {
	p.setState(StateAwaitingRequest)
	p.current = nil
	p.received = false
	p.continued = false
	p.startTimer(p.cfg.Timeout, p.requestTimedOut)
	p.process()
}

// process looks for a complete request in the socket buffer.
func (p *Protocol) process() {
	buf := p.sock.Buffer()
	if len(buf) > 0 {
		p.received = true
	}

	if err := p.checkLimits(buf); err != nil {
		p.sendError(err)
		return
	}

	n := RequestLength(buf)
	if n == 0 {
		p.maybeContinue(buf)
		p.sock.SetBuffer(buf)
		return
	}

	req, n, err := ParseRequest(buf[:n], p.cfg.BodyDir)
	if err != nil {
		if errors.Is(err, ErrBodyStore) {
			p.logger.Error().Err(err).Msg("closing connection")
			p.close()
			return
		}
		p.sendError(err)
		return
	}
	if addr := p.sock.RemoteAddr(); addr != nil {
		req.RemoteAddr = addr.String()
	}

	p.stopTimer()
	p.current = req
	p.served++
	p.setState(StateDispatched)
	// Pipelined bytes wait, unread further, until the response is written.
	p.sock.KeepBuffer(buf[n:])

	p.dispatch(req)
}

// checkLimits rejects requests that cannot fit: a header block over
// MaxHeaderSize, a Content-Length over MaxBodySize, or a request larger
// than the socket buffer.
func (p *Protocol) checkLimits(buf []byte) error {
	f, ok := scanFrame(buf)
	if !ok {
		if len(buf) > p.cfg.MaxHeaderSize || len(buf) >= p.sock.MaxBuffer() {
			return ErrHeadersTooLarge
		}
		return nil
	}
	if f.headerLen > p.cfg.MaxHeaderSize {
		return ErrHeadersTooLarge
	}
	if f.contentLength > p.cfg.MaxBodySize ||
		int64(f.headerLen)+f.contentLength > int64(p.sock.MaxBuffer()) {
		return fmt.Errorf("%w: %d bytes declared", ErrBodyTooLarge, f.contentLength)
	}
	return nil
}

// maybeContinue sends 100 Continue once when a complete header block asks
// for it and the body has not arrived yet (RFC 7231 §5.1.1).
func (p *Protocol) maybeContinue(buf []byte) {
	if p.continued {
		return
	}
	f, ok := scanFrame(buf)
	if !ok || !f.expectContinue || f.contentLength == 0 {
		return
	}
	p.continued = true
	p.sock.Write(continueLine, nil)
}

func (p *Protocol) dispatch(req *Request) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Str("method", req.Method).Str("target", req.Target).Msg("delegate panicked")
			if p.state == StateDispatched {
				p.send(NewErrorResponse(errors.New("internal server error"), StatusInternalServerError))
			}
		}
	}()

	p.logger.Debug().Str("method", req.Method).Str("target", req.Target).Msg("request")
	p.delegate.OnRequest(p, req)
}

// send runs on the execution context.
func (p *Protocol) send(resp *Response) {
	if p.state != StateDispatched {
		p.logger.Warn().Stringer("state", p.state).Int("status", resp.StatusCode).Msg("response outside of a dispatched request ignored")
		return
	}
	req := p.current

	if !resp.Header.Has("Date") {
		resp.SetHeader("Date", time.Now().UTC().Format(TimeFormat))
	}
	keepAlive := req.KeepAlive() && !resp.Header.Contains(headerConnection, "close")
	switch {
	case !keepAlive:
		resp.SetHeader("Connection", "close")
	case req.ProtoMinor == 0:
		resp.SetHeader("Connection", "keep-alive")
	}

	var data []byte
	if req.Method == "HEAD" {
		data = resp.EncodeHeader()
	} else {
		data = resp.Encode()
	}

	code := resp.StatusCode
	p.setState(StateSending)
	p.sock.Write(data, func() { p.responseWritten(code, keepAlive) })
}

// responseWritten runs once the response reached the transport.
func (p *Protocol) responseWritten(code int, keepAlive bool) {
	if p.state != StateSending {
		return
	}
	if p.cfg.OnResponse != nil {
		p.cfg.OnResponse(p.current, code)
	}
	p.releaseBody()

	if !keepAlive {
		p.close()
		return
	}
	p.awaitRequest()
}

// upgraded runs on the execution context after SendUpgrade queued the
// response.
func (p *Protocol) upgraded(code int) {
	if p.state != StateDispatched {
		p.logger.Warn().Stringer("state", p.state).Msg("upgrade outside of a dispatched request")
		return
	}
	p.setState(StateUpgraded)
	p.stopTimer()
	if p.cfg.OnResponse != nil {
		p.cfg.OnResponse(p.current, code)
	}
	p.releaseBody()
	p.current = nil
	p.logger.Debug().Int("status", code).Msg("connection upgraded")
}

func (p *Protocol) requestTimedOut() {
	if p.state != StateAwaitingRequest {
		return
	}
	// An idle keep-alive connection just goes away.
	if p.served > 0 && !p.received {
		p.logger.Debug().Msg("keep-alive connection idle, closing")
		p.close()
		return
	}
	p.sendError(ErrRequestTimeout)
}

// sendError answers with an error response generated by the engine and
// closes the connection after ErrorTimeout.
func (p *Protocol) sendError(err error) {
	code := StatusForError(err)
	p.logger.Debug().Err(err).Int("status", code).Msg("error response")

	p.stopTimer()
	p.releaseBody()
	p.setState(StateClosing)

	resp := NewErrorResponse(err, code)
	resp.SetHeader("Date", time.Now().UTC().Format(TimeFormat))
	p.sock.Write(resp.Encode(), nil)

	if p.cfg.OnError != nil {
		p.cfg.OnError(code)
	}

	p.startTimer(p.cfg.ErrorTimeout, p.close)
	p.sock.SetBuffer(nil)
}

func (p *Protocol) close() {
	if p.state == StateClosed {
		return
	}
	p.setState(StateClosed)
	p.stopTimer()
	p.releaseBody()
	p.sock.Close()
}

func (p *Protocol) startTimer(d time.Duration, fn func()) {
	p.stopTimer()
	p.timer = p.sock.AfterFunc(d, fn)
}

func (p *Protocol) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// releaseBody disposes of the Body of the request in flight.
func (p *Protocol) releaseBody() {
	if p.current == nil || p.current.Body == nil {
		return
	}
	if err := p.current.Body.Close(); err != nil {
		p.logger.Warn().Err(err).Str("path", p.current.Body.Path()).Msg("removing request body")
	}
}
