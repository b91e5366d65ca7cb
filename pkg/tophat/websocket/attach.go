package websocket

import "github.com/yourusername/tophat/pkg/tophat/socket"

// Attach makes o the observer of a socket returned by Accept and delivers
// the bytes that arrived before the handoff. Reading resumes once o calls
// SetBuffer.
func Attach(sock *socket.Socket, o socket.Observer) {
	sock.SetObserver(o)
	sock.Do(func() {
		if len(sock.Buffer()) > 0 {
			o.SocketReceivedData(sock)
			return
		}
		sock.SetBuffer(nil)
	})
}
