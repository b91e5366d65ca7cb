//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package socket

import (
	"errors"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// listenTCP creates the listening socket by hand so that the backlog passed
// to listen(2) is exactly the requested one, then adopts it into the
// runtime poller with net.FileListener.
func listenTCP(address string, port int, backlog int) (net.Listener, error) {
	ip, err := resolveIP(address)
	if err != nil {
		return nil, err
	}

	var (
		family int
		sa     unix.Sockaddr
	)
	if ip4 := ip.To4(); ip4 != nil {
		family = unix.AF_INET
		sa4 := &unix.SockaddrInet4{Port: port}
		copy(sa4.Addr[:], ip4)
		sa = sa4
	} else {
		family = unix.AF_INET6
		sa6 := &unix.SockaddrInet6{Port: port}
		copy(sa6.Addr[:], ip.To16())
		sa = sa6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	unix.CloseOnExec(fd)

	// SO_REUSEADDR lets a port be bound again while old connections are
	// in TIME_WAIT.
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("setsockopt", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("bind", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("listen", err)
	}

	// FileListener duplicates the descriptor; the original is released here.
	f := os.NewFile(uintptr(fd), "tophat-listener")
	defer f.Close()
	return net.FileListener(f)
}

func resolveIP(address string) (net.IP, error) {
	if address == "" {
		return net.IPv4zero, nil
	}
	if ip := net.ParseIP(address); ip != nil {
		return ip, nil
	}
	addr, err := net.ResolveIPAddr("ip", address)
	if err != nil {
		return nil, err
	}
	return addr.IP, nil
}

// isTemporary reports accept errors caused by resource exhaustion or an
// aborted handshake, which are worth retrying.
func isTemporary(err error) bool {
	return errors.Is(err, unix.EMFILE) ||
		errors.Is(err, unix.ENFILE) ||
		errors.Is(err, unix.ENOBUFS) ||
		errors.Is(err, unix.ENOMEM) ||
		errors.Is(err, unix.ECONNABORTED) ||
		errors.Is(err, unix.EINTR)
}
