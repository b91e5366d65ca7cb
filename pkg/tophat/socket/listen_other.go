//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package socket

import (
	"net"
	"strconv"
)

// listenTCP falls back to the standard listener. The runtime picks the
// backlog on these platforms.
func listenTCP(address string, port int, backlog int) (net.Listener, error) {
	return net.Listen("tcp", net.JoinHostPort(address, strconv.Itoa(port)))
}

func isTemporary(err error) bool {
	return false
}
