// Package socket provides the connection socket, the TCP listener and the
// socket options applied to accepted connections.
//
// Platform-specific options live in tuning_linux.go, listen_unix.go and
// their fallbacks.
package socket

import (
	"net"
	"time"
)

// Tuning represents socket tuning configuration for accepted connections.
// Zero values mean "use system defaults".
type Tuning struct {
	// TCP_NODELAY - Disable Nagle's algorithm for low latency
	// Default: true (responses are written in one piece)
	NoDelay bool

	// SO_KEEPALIVE with the given probe period; 0 disables keepalive
	// Default: 60 seconds
	KeepAlive time.Duration

	// SO_RCVBUF - Receive buffer size in bytes
	RecvBuffer int

	// SO_SNDBUF - Send buffer size in bytes
	SendBuffer int

	// TCP_QUICKACK - Send immediate ACKs (Linux only)
	QuickAck bool

	// TCP_USER_TIMEOUT - Drop connections whose sent data stays
	// unacknowledged this long (Linux only); 0 keeps the kernel default
	UserTimeout time.Duration
}

// DefaultTuning returns the recommended configuration for HTTP workloads.
func DefaultTuning() *Tuning {
	return &Tuning{
		NoDelay:   true,
		KeepAlive: 60 * time.Second,
		QuickAck:  true,
	}
}

// Apply applies tuning options to a connection.
// Returns error if TCP_NODELAY fails; the remaining options are best effort.
// Connections that are not TCP are left untouched.
//
// This should be called immediately after accepting a connection.
func Apply(conn net.Conn, cfg *Tuning) error {
	if cfg == nil {
		cfg = DefaultTuning()
	}

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}

	if err := tcpConn.SetNoDelay(cfg.NoDelay); err != nil {
		return err
	}

	if cfg.KeepAlive > 0 {
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(cfg.KeepAlive)
	}
	if cfg.RecvBuffer > 0 {
		_ = tcpConn.SetReadBuffer(cfg.RecvBuffer)
	}
	if cfg.SendBuffer > 0 {
		_ = tcpConn.SetWriteBuffer(cfg.SendBuffer)
	}

	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return nil
	}
	_ = rawConn.Control(func(fd uintptr) {
		applyPlatformOptions(int(fd), cfg)
	})
	return nil
}
