package http11

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Request represents a parsed HTTP/1.x request-line, its header fields and
// an optional Body.
//
// A Request is built by ParseRequest and is not modified by the engine
// afterwards. Header keys are lowercased; values keep their case.
type Request struct {
	// Method is the request method token, e.g. "GET"
	Method string

	// Target is the raw request-target from the request-line
	Target string

	// URI is Target parsed. Asterisk-form ("*") yields Path "*";
	// authority-form (CONNECT) yields Host only.
	URI *url.URL

	// Protocol version
	ProtoMajor int
	ProtoMinor int

	// Header fields with lowercased names
	Header Header

	// ContentLength is the declared body size, 0 when absent
	ContentLength int64

	// Body holds the payload, nil when ContentLength is 0
	Body *Body

	// RemoteAddr is the client address, filled in by the Protocol
	RemoteAddr string
}

// Proto returns the version as it appears on the wire, e.g. "HTTP/1.1".
func (r *Request) Proto() string {
	return "HTTP/" + strconv.Itoa(r.ProtoMajor) + "." + strconv.Itoa(r.ProtoMinor)
}

// Path returns the path component of the request-target.
func (r *Request) Path() string {
	if r.URI == nil {
		return ""
	}
	return r.URI.Path
}

// KeepAlive reports whether the client allows the connection to persist
// after this request (RFC 7230 §6.3).
func (r *Request) KeepAlive() bool {
	if r.Header.Contains(headerConnection, "close") {
		return false
	}
	if r.ProtoMajor == 1 && r.ProtoMinor == 0 {
		return r.Header.Contains(headerConnection, "keep-alive")
	}
	return true
}

// frame describes the framing of the first request in a buffer.
type frame struct {
	start          int   // bytes of leading empty lines skipped (RFC 7230 §3.5)
	headerLen      int   // start + request-line + headers + terminating CRLFCRLF
	contentLength  int64 // declared body length, 0 when absent or unusable
	expectContinue bool
}

// scanFrame locates the header block terminator and reads the framing
// headers. It reports false when the header block is not yet complete.
// Malformed framing (bad or conflicting Content-Length, Transfer-Encoding)
// yields a zero-length body so that ParseRequest reports the error.
func scanFrame(buf []byte) (frame, bool) {
	var f frame
	for bytes.HasPrefix(buf[f.start:], crlf) {
		f.start += len(crlf)
	}

	end := bytes.Index(buf[f.start:], headerEnd)
	if end < 0 {
		return f, false
	}
	f.headerLen = f.start + end + len(headerEnd)

	var (
		seenLength bool
		unusable   bool
	)
	block := buf[f.start : f.start+end]
	for first := true; len(block) > 0; first = false {
		var line []byte
		if i := bytes.Index(block, crlf); i >= 0 {
			line, block = block[:i], block[i+len(crlf):]
		} else {
			line, block = block, nil
		}
		if first {
			continue
		}

		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			continue
		}
		name := line[:colon]
		value := trimOWS(line[colon+1:])

		switch {
		case asciiEqualFold(name, headerContentLength):
			n, err := parseContentLength(value)
			if err != nil || (seenLength && n != f.contentLength) {
				unusable = true
				continue
			}
			seenLength = true
			f.contentLength = n
		case asciiEqualFold(name, headerTransferEncoding):
			unusable = true
		case asciiEqualFold(name, headerExpect):
			if asciiEqualFold(value, "100-continue") {
				f.expectContinue = true
			}
		}
	}

	if unusable {
		f.contentLength = 0
	}
	return f, true
}

// RequestLength returns the length in bytes of the first complete request
// in buf: the header block plus the declared Content-Length. It returns 0
// when buf does not yet hold a complete header block or the complete
// declared body. buf is never modified.
func RequestLength(buf []byte) int {
	f, ok := scanFrame(buf)
	if !ok {
		return 0
	}
	total := int64(f.headerLen) + f.contentLength
	if int64(len(buf)) < total {
		return 0
	}
	return int(total)
}

// ParseRequest parses the first request in buf. It returns the request and
// the number of bytes it occupies, ErrIncomplete when buf does not hold a
// whole request yet, or a parse error. When the request declares a body a
// Body is created in bodyDir and filled with the payload.
//
// On a parse error the returned length is still the size of the malformed
// request when it is known.
func ParseRequest(buf []byte, bodyDir string) (*Request, int, error) {
	n := RequestLength(buf)
	if n == 0 {
		return nil, 0, ErrIncomplete
	}
	f, _ := scanFrame(buf)

	head := buf[f.start : f.headerLen-len(headerEnd)]
	line := head
	var rest []byte
	if i := bytes.Index(head, crlf); i >= 0 {
		line, rest = head[:i], head[i+len(crlf):]
	}

	req := &Request{}
	if err := parseRequestLine(req, line); err != nil {
		return nil, n, err
	}
	if err := parseHeaders(req, rest); err != nil {
		return nil, n, err
	}

	if req.ContentLength > 0 {
		body, err := NewBody(bodyDir)
		if err != nil {
			return nil, n, err
		}
		if err := body.Append(buf[f.headerLen:n]); err != nil {
			body.Close()
			return nil, n, err
		}
		req.Body = body
	}

	return req, n, nil
}

// parseRequestLine parses "METHOD SP request-target SP HTTP/d.d".
func parseRequestLine(req *Request, line []byte) error {
	sp := bytes.IndexByte(line, ' ')
	if sp <= 0 {
		return ErrInvalidRequestLine
	}
	method := line[:sp]
	if !isToken(method) {
		return ErrInvalidMethod
	}
	req.Method = string(method)

	line = line[sp+1:]
	sp = bytes.IndexByte(line, ' ')
	if sp <= 0 {
		return ErrInvalidRequestLine
	}
	target, version := line[:sp], line[sp+1:]
	if bytes.IndexByte(version, ' ') >= 0 {
		return ErrInvalidRequestLine
	}

	major, minor, err := parseVersion(version)
	if err != nil {
		return err
	}
	req.ProtoMajor, req.ProtoMinor = major, minor

	uri, err := parseTarget(req.Method, target)
	if err != nil {
		return err
	}
	req.Target = string(target)
	req.URI = uri
	return nil
}

// parseVersion parses "HTTP/" DIGIT "." DIGIT (RFC 7230 §2.6).
func parseVersion(v []byte) (int, int, error) {
	if len(v) != 8 || !bytes.HasPrefix(v, []byte("HTTP/")) || v[6] != '.' ||
		!isDigit(v[5]) || !isDigit(v[7]) {
		return 0, 0, ErrInvalidVersion
	}
	major, minor := int(v[5]-'0'), int(v[7]-'0')
	if major != 1 {
		return major, minor, ErrVersionNotSupported
	}
	return major, minor, nil
}

// parseTarget accepts the four request-target forms of RFC 7230 §5.3.
func parseTarget(method string, target []byte) (*url.URL, error) {
	for _, c := range target {
		if c <= ' ' || c == 0x7f {
			return nil, ErrInvalidTarget
		}
	}

	s := string(target)
	switch {
	case s == "*":
		return &url.URL{Path: "*"}, nil
	case method == "CONNECT" && s[0] != '/':
		return &url.URL{Host: s}, nil
	}

	uri, err := url.ParseRequestURI(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	return uri, nil
}

// parseHeaders parses header lines separated by CRLF.
// Field names are lowercased; repeated fields are combined.
func parseHeaders(req *Request, block []byte) error {
	var (
		hasHost   bool
		hasLength bool
	)

	for len(block) > 0 {
		var line []byte
		if i := bytes.Index(block, crlf); i >= 0 {
			line, block = block[:i], block[i+len(crlf):]
		} else {
			line, block = block, nil
		}

		if line[0] == ' ' || line[0] == '\t' {
			return ErrObsoleteFolding
		}

		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			return fmt.Errorf("%w: missing colon", ErrInvalidHeader)
		}
		// Token check also rejects whitespace between name and colon
		// (RFC 7230 §3.2.4).
		name := line[:colon]
		if !isToken(name) {
			return fmt.Errorf("%w: invalid field name %q", ErrInvalidHeader, name)
		}
		value := trimOWS(line[colon+1:])
		if !isFieldValue(value) {
			return fmt.Errorf("%w: invalid value for %q", ErrInvalidHeader, name)
		}

		key := strings.ToLower(string(name))
		switch key {
		case headerHost:
			if hasHost {
				return ErrDuplicateHost
			}
			hasHost = true
		case headerContentLength:
			n, err := parseContentLength(value)
			if err != nil {
				return err
			}
			if hasLength {
				if n != req.ContentLength {
					return ErrDuplicateContentLength
				}
				continue
			}
			hasLength = true
			req.ContentLength = n
		case headerTransferEncoding:
			return ErrUnsupportedTransferEncoding
		}

		req.Header.Add(key, string(value))
	}

	if req.ProtoMinor >= 1 && !hasHost {
		return ErrMissingHost
	}
	return nil
}

// parseContentLength parses a Content-Length value: 1*DIGIT.
func parseContentLength(b []byte) (int64, error) {
	if len(b) == 0 || len(b) > 18 {
		return 0, ErrInvalidContentLength
	}
	var n int64
	for _, c := range b {
		if !isDigit(c) {
			return 0, ErrInvalidContentLength
		}
		n = n*10 + int64(c-'0')
	}
	return n, nil
}

// trimOWS trims optional whitespace (SP / HTAB) per RFC 7230 §3.2.3.
func trimOWS(b []byte) []byte {
	for len(b) > 0 && (b[0] == ' ' || b[0] == '\t') {
		b = b[1:]
	}
	for len(b) > 0 && (b[len(b)-1] == ' ' || b[len(b)-1] == '\t') {
		b = b[:len(b)-1]
	}
	return b
}

// isToken reports whether b is a non-empty RFC 7230 token.
func isToken(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if !isTokenChar(c) {
			return false
		}
	}
	return true
}

func isTokenChar(c byte) bool {
	if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || isDigit(c) {
		return true
	}
	return strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0
}

// isFieldValue rejects control characters other than HTAB.
func isFieldValue(b []byte) bool {
	for _, c := range b {
		if c < ' ' && c != '\t' || c == 0x7f {
			return false
		}
	}
	return true
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// asciiEqualFold compares b and s case-insensitively (ASCII only).
func asciiEqualFold(b []byte, s string) bool {
	if len(b) != len(s) {
		return false
	}
	for i := 0; i < len(b); i++ {
		if toLower(b[i]) != toLower(s[i]) {
			return false
		}
	}
	return true
}

func toLower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + 'a' - 'A'
	}
	return c
}
