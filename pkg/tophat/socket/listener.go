package socket

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Acceptor receives each accepted connection. It takes ownership of conn.
type Acceptor func(conn net.Conn)

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithListenerLogger sets the logger for accept errors.
func WithListenerLogger(logger zerolog.Logger) ListenerOption {
	return func(l *Listener) {
		l.logger = logger
	}
}

// WithTuning sets the options applied to every accepted connection.
// A nil Tuning leaves accepted connections untouched.
func WithTuning(cfg *Tuning) ListenerOption {
	return func(l *Listener) {
		l.tuning = cfg
	}
}

// Listener listens on an address and port and runs an Acceptor for every
// accepted connection. It is listening for its entire lifetime; Close
// destroys it.
type Listener struct {
	ln       net.Listener
	port     int
	backlog  int
	acceptor Acceptor
	tuning   *Tuning
	logger   zerolog.Logger

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
	wg        sync.WaitGroup
}

// Listen binds address:port, starts listening with the given backlog and
// accepts connections in the background. Port 0 selects an ephemeral port;
// see Port. An empty address listens on all IPv4 interfaces.
//
// Bind and listen failures are returned and no Listener is created.
func Listen(address string, port int, backlog int, acceptor Acceptor, opts ...ListenerOption) (*Listener, error) {
	if acceptor == nil {
		return nil, errors.New("socket: nil acceptor")
	}
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("socket: invalid port %d", port)
	}
	if backlog <= 0 {
		backlog = DefaultBacklog
	}

	l := &Listener{
		backlog:  backlog,
		acceptor: acceptor,
		tuning:   DefaultTuning(),
		logger:   zerolog.Nop(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	ln, err := listenTCP(address, port, backlog)
	if err != nil {
		return nil, fmt.Errorf("socket: listen on %s: %w", net.JoinHostPort(address, fmt.Sprint(port)), err)
	}
	l.ln = ln
	l.port = ln.Addr().(*net.TCPAddr).Port

	l.wg.Add(1)
	go l.acceptLoop()

	l.logger.Info().Str("addr", ln.Addr().String()).Int("backlog", backlog).Msg("listening")
	return l, nil
}

// DefaultBacklog is used when Listen is given a non-positive backlog.
const DefaultBacklog = 128

// Port returns the listening port: the requested one, or the ephemeral
// port the system selected when 0 was requested.
func (l *Listener) Port() int {
	return l.port
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Backlog returns the backlog passed to listen(2).
func (l *Listener) Backlog() int {
	return l.backlog
}

// Close stops accepting, releases the listening descriptor and waits for
// the accept loop to exit. Connections already handed to the acceptor are
// not affected.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.closeErr = l.ln.Close()
		l.wg.Wait()
	})
	return l.closeErr
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	var delay time.Duration
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() || isTemporary(err) {
				// Back off like net/http: 5ms doubling up to 1s
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else {
					delay *= 2
				}
				if delay > time.Second {
					delay = time.Second
				}
				l.logger.Warn().Err(err).Dur("retry_in", delay).Msg("accept failed")

				select {
				case <-time.After(delay):
				case <-l.done:
					return
				}
				continue
			}

			l.logger.Error().Err(err).Msg("accept loop stopped")
			return
		}
		delay = 0

		if l.tuning != nil {
			if err := Apply(conn, l.tuning); err != nil {
				l.logger.Debug().Err(err).Msg("socket tuning failed")
			}
		}
		l.acceptor(conn)
	}
}
