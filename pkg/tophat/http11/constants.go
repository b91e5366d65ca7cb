// Package http11 implements HTTP/1.1 request framing, response encoding
// and the per-connection protocol state machine of the tophat engine.
package http11

// Status codes used by the engine and its delegates.
const (
	StatusContinue           = 100
	StatusSwitchingProtocols = 101

	StatusOK        = 200
	StatusCreated   = 201
	StatusAccepted  = 202
	StatusNoContent = 204

	StatusMovedPermanently  = 301
	StatusFound             = 302
	StatusNotModified       = 304
	StatusTemporaryRedirect = 307
	StatusPermanentRedirect = 308

	StatusBadRequest            = 400
	StatusForbidden             = 403
	StatusNotFound              = 404
	StatusMethodNotAllowed      = 405
	StatusRequestTimeout        = 408
	StatusLengthRequired        = 411
	StatusRequestEntityTooLarge = 413
	StatusURITooLong            = 414
	StatusUpgradeRequired       = 426

	StatusInternalServerError     = 500
	StatusNotImplemented          = 501
	StatusServiceUnavailable      = 503
	StatusHTTPVersionNotSupported = 505
)

// Header names the engine reads or writes. Request header keys are stored
// lowercased, so these are the lowercase spellings.
const (
	headerContentLength    = "content-length"
	headerTransferEncoding = "transfer-encoding"
	headerConnection       = "connection"
	headerHost             = "host"
	headerExpect           = "expect"
	headerUpgrade          = "upgrade"
)

// Default limits.
const (
	// DefaultMaxHeaderSize bounds the request-line plus header block.
	DefaultMaxHeaderSize = 16 << 10 // 16 KB

	// DefaultMaxBodySize bounds the declared Content-Length.
	DefaultMaxBodySize = 10 << 20 // 10 MB
)

// Wire fragments
var (
	crlf         = []byte("\r\n")
	headerEnd    = []byte("\r\n\r\n")
	colonSpace   = []byte(": ")
	continueLine = []byte("HTTP/1.1 100 Continue\r\n\r\n")
)

// TimeFormat is the IMF-fixdate layout of RFC 7231 §7.1.1.1.
const TimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

var statusText = map[int]string{
	100: "Continue",
	101: "Switching Protocols",
	102: "Processing",
	103: "Early Hints",

	200: "OK",
	201: "Created",
	202: "Accepted",
	203: "Non-Authoritative Information",
	204: "No Content",
	205: "Reset Content",
	206: "Partial Content",

	300: "Multiple Choices",
	301: "Moved Permanently",
	302: "Found",
	303: "See Other",
	304: "Not Modified",
	305: "Use Proxy",
	307: "Temporary Redirect",
	308: "Permanent Redirect",

	400: "Bad Request",
	401: "Unauthorized",
	402: "Payment Required",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	406: "Not Acceptable",
	407: "Proxy Authentication Required",
	408: "Request Timeout",
	409: "Conflict",
	410: "Gone",
	411: "Length Required",
	412: "Precondition Failed",
	413: "Payload Too Large",
	414: "URI Too Long",
	415: "Unsupported Media Type",
	416: "Range Not Satisfiable",
	417: "Expectation Failed",
	421: "Misdirected Request",
	422: "Unprocessable Entity",
	426: "Upgrade Required",
	428: "Precondition Required",
	429: "Too Many Requests",
	431: "Request Header Fields Too Large",

	500: "Internal Server Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	503: "Service Unavailable",
	504: "Gateway Timeout",
	505: "HTTP Version Not Supported",
}

// StatusText returns the reason phrase for code, or "Unknown" when the code
// has no registered phrase.
func StatusText(code int) string {
	if text, ok := statusText[code]; ok {
		return text
	}
	return "Unknown"
}
