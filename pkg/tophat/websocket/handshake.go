// Package websocket implements the RFC 6455 opening handshake on top of
// the tophat upgrade handoff. Framing is left to whoever takes over the
// socket.
package websocket

import (
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/yourusername/tophat/pkg/tophat/http11"
	"github.com/yourusername/tophat/pkg/tophat/socket"
)

// websocketGUID is the magic string from RFC 6455 Section 1.3
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

var (
	ErrNotWebSocket        = errors.New("websocket: not a websocket handshake")
	ErrBadWebSocketKey     = errors.New("websocket: invalid Sec-WebSocket-Key")
	ErrBadWebSocketVersion = errors.New("websocket: unsupported Sec-WebSocket-Version")
	ErrNotDispatched       = errors.New("websocket: request already answered")
)

// ComputeAcceptKey computes the Sec-WebSocket-Accept value for a
// Sec-WebSocket-Key (RFC 6455 Section 4.2.2).
func ComputeAcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// IsUpgradeRequest checks if a request is a WebSocket upgrade request.
func IsUpgradeRequest(req *http11.Request) bool {
	return req.Method == "GET" &&
		req.Header.Contains("connection", "upgrade") &&
		req.Header.Contains("upgrade", "websocket")
}

// HandshakeResponse validates an opening handshake and returns the
// 101 Switching Protocols response for it. The first subprotocol offered
// by the client that is also in subprotocols is selected.
//
// When the handshake is invalid the returned response is the error
// response to send instead (405, 400, or 426 with the supported version),
// together with the reason.
func HandshakeResponse(req *http11.Request, subprotocols ...string) (*http11.Response, error) {
	// RFC 6455 4.1: GET only
	if req.Method != "GET" {
		resp := http11.NewErrorResponse(ErrNotWebSocket, http11.StatusMethodNotAllowed)
		resp.SetHeader("Allow", "GET")
		return resp, ErrNotWebSocket
	}

	// RFC 6455 4.2.1: required headers
	if !req.Header.Contains("connection", "upgrade") || !req.Header.Contains("upgrade", "websocket") {
		return http11.NewErrorResponse(ErrNotWebSocket, http11.StatusBadRequest), ErrNotWebSocket
	}

	// Only version 13 is defined
	if req.Header.Get("sec-websocket-version") != "13" {
		resp := http11.NewErrorResponse(ErrBadWebSocketVersion, http11.StatusUpgradeRequired)
		resp.SetHeader("Sec-WebSocket-Version", "13")
		return resp, ErrBadWebSocketVersion
	}

	// The key is 16 random bytes, base64-encoded
	key := req.Header.Get("sec-websocket-key")
	if raw, err := base64.StdEncoding.DecodeString(key); err != nil || len(raw) != 16 {
		return http11.NewErrorResponse(ErrBadWebSocketKey, http11.StatusBadRequest), ErrBadWebSocketKey
	}

	resp := http11.NewResponse(http11.StatusSwitchingProtocols)
	resp.SetHeader("Upgrade", "websocket")
	resp.SetHeader("Connection", "Upgrade")
	resp.SetHeader("Sec-WebSocket-Accept", ComputeAcceptKey(key))

	if len(subprotocols) > 0 {
		offered := headerValues(req, "sec-websocket-protocol")
		if proto := selectSubprotocol(offered, subprotocols); proto != "" {
			resp.SetHeader("Sec-WebSocket-Protocol", proto)
		}
	}

	return resp, nil
}

// Accept completes the handshake for req on w. On success the connection
// has left HTTP and its socket is returned; on failure the error response
// has been sent and the error is returned.
func Accept(w http11.Responder, req *http11.Request, subprotocols ...string) (*socket.Socket, error) {
	resp, err := HandshakeResponse(req, subprotocols...)
	if err != nil {
		w.Send(resp)
		return nil, err
	}
	sock := w.SendUpgrade(resp)
	if sock == nil {
		return nil, ErrNotDispatched
	}
	return sock, nil
}

// headerValues returns all comma-separated values for a header.
func headerValues(req *http11.Request, name string) []string {
	var values []string
	v, ok := req.Header.Lookup(name)
	if !ok {
		return nil
	}
	for _, token := range strings.Split(v, ",") {
		if token = strings.TrimSpace(token); token != "" {
			values = append(values, token)
		}
	}
	return values
}

// selectSubprotocol selects the first client protocol that is also supported by the server.
func selectSubprotocol(clientProtos, serverProtos []string) string {
	for _, clientProto := range clientProtos {
		for _, serverProto := range serverProtos {
			if clientProto == serverProto {
				return clientProto
			}
		}
	}
	return ""
}
