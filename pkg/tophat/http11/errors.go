package http11

import "errors"

// Parser errors
var (
	// ErrIncomplete indicates the buffer does not yet hold a complete request.
	// It is not a failure: the caller should wait for more bytes.
	ErrIncomplete = errors.New("http11: incomplete request")

	// ErrInvalidRequestLine indicates the request line is malformed
	// Request line format: METHOD SP request-target SP HTTP-version CRLF
	ErrInvalidRequestLine = errors.New("http11: invalid request line")

	// ErrInvalidMethod indicates the method is not a valid token
	ErrInvalidMethod = errors.New("http11: invalid HTTP method")

	// ErrInvalidTarget indicates the request-target cannot be parsed as a URI
	ErrInvalidTarget = errors.New("http11: invalid request target")

	// ErrInvalidVersion indicates the HTTP-version token is malformed
	ErrInvalidVersion = errors.New("http11: invalid HTTP version")

	// ErrVersionNotSupported indicates a well-formed version other than HTTP/1.x
	ErrVersionNotSupported = errors.New("http11: HTTP version not supported")

	// ErrInvalidHeader indicates a malformed header line
	// Headers must be in format: Name: Value CRLF
	ErrInvalidHeader = errors.New("http11: invalid HTTP header")

	// ErrObsoleteFolding indicates a header line continued with leading whitespace.
	// RFC 7230 §3.2.4 lets a server reject obs-fold with 400.
	ErrObsoleteFolding = errors.New("http11: obsolete header line folding")

	// ErrInvalidContentLength indicates Content-Length header is malformed
	ErrInvalidContentLength = errors.New("http11: invalid Content-Length")

	// ErrDuplicateContentLength indicates multiple Content-Length headers with different values
	ErrDuplicateContentLength = errors.New("http11: conflicting Content-Length headers")

	// ErrMissingHost indicates an HTTP/1.1 request without a Host header
	ErrMissingHost = errors.New("http11: missing Host header")

	// ErrDuplicateHost indicates a request with more than one Host header
	ErrDuplicateHost = errors.New("http11: duplicate Host header")

	// ErrUnsupportedTransferEncoding indicates a Transfer-Encoding header.
	// Only Content-Length framed bodies are supported.
	ErrUnsupportedTransferEncoding = errors.New("http11: transfer encoding not supported")

	// ErrBodyStore indicates the request body could not be stored
	ErrBodyStore = errors.New("http11: cannot store request body")
)

// Limit errors
var (
	// ErrBodyTooLarge indicates the declared Content-Length exceeds the limit
	ErrBodyTooLarge = errors.New("http11: request body too large")

	// ErrHeadersTooLarge indicates the header block exceeds the limit
	ErrHeadersTooLarge = errors.New("http11: request header block too large")

	// ErrRequestTimeout indicates no complete request arrived in time
	ErrRequestTimeout = errors.New("http11: timed out waiting for request")
)

// Body errors
var (
	// ErrBodyClosed indicates the body was already disposed
	ErrBodyClosed = errors.New("http11: body closed")
)

// StatusForError returns the status code of the error response the
// protocol sends for err. Unknown errors map to 400.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, ErrRequestTimeout):
		return StatusRequestTimeout
	case errors.Is(err, ErrBodyTooLarge), errors.Is(err, ErrHeadersTooLarge):
		return StatusRequestEntityTooLarge
	case errors.Is(err, ErrUnsupportedTransferEncoding):
		return StatusNotImplemented
	case errors.Is(err, ErrVersionNotSupported):
		return StatusHTTPVersionNotSupported
	case errors.Is(err, ErrBodyStore):
		return StatusInternalServerError
	default:
		return StatusBadRequest
	}
}
