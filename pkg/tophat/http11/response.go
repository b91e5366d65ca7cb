package http11

import (
	"io"
	"strconv"

	"github.com/valyala/bytebufferpool"
)

// Response is an HTTP response ready to be encoded onto the wire.
//
// Encoding is a pure function of the fields: the same Response always
// encodes to the same bytes. Content-Length is computed from Body unless the
// caller set it explicitly.
type Response struct {
	// StatusCode is the numeric status, e.g. 200
	StatusCode int

	// Protocol version written on the status-line (1.1 unless changed)
	ProtoMajor int
	ProtoMinor int

	// Header fields, written in order
	Header Header

	// Body is written verbatim after the header block
	Body []byte
}

// NewResponse returns an HTTP/1.1 response with the given status and no
// header fields.
func NewResponse(code int) *Response {
	return &Response{
		StatusCode: code,
		ProtoMajor: 1,
		ProtoMinor: 1,
	}
}

// NewErrorResponse builds a plain-text response describing err, to be sent
// with the given status. The connection is marked for closing.
func NewErrorResponse(err error, code int) *Response {
	r := NewResponse(code)

	msg := StatusText(code)
	if err != nil {
		msg = err.Error()
	}
	r.Body = []byte(strconv.Itoa(code) + " " + StatusText(code) + ": " + msg + "\n")
	r.SetHeader("Content-Type", "text/plain; charset=utf-8")
	r.SetHeader("Connection", "close")
	return r
}

// SetHeader sets the named header field, replacing a field of the same
// name regardless of case.
func (r *Response) SetHeader(name, value string) {
	r.Header.Set(name, value)
}

// Encode returns the complete wire form of the response:
// status-line, header fields, blank line and body.
func (r *Response) Encode() []byte {
	return r.encode(true)
}

// EncodeHeader returns the status-line and header block without the body.
// Content-Length still describes Body, which is what a HEAD response needs.
func (r *Response) EncodeHeader() []byte {
	return r.encode(false)
}

// WriteTo writes the encoded response to w.
func (r *Response) WriteTo(w io.Writer) (int64, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	r.appendTo(buf, true)
	n, err := w.Write(buf.B)
	return int64(n), err
}

func (r *Response) encode(withBody bool) []byte {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	r.appendTo(buf, withBody)
	out := make([]byte, buf.Len())
	copy(out, buf.B)
	return out
}

func (r *Response) appendTo(buf *bytebufferpool.ByteBuffer, withBody bool) {
	major, minor := r.ProtoMajor, r.ProtoMinor
	if major == 0 && minor == 0 {
		major, minor = 1, 1
	}

	// Status-line
	buf.B = append(buf.B, "HTTP/"...)
	buf.B = strconv.AppendInt(buf.B, int64(major), 10)
	buf.B = append(buf.B, '.')
	buf.B = strconv.AppendInt(buf.B, int64(minor), 10)
	buf.B = append(buf.B, ' ')
	buf.B = strconv.AppendInt(buf.B, int64(r.StatusCode), 10)
	buf.B = append(buf.B, ' ')
	buf.B = append(buf.B, StatusText(r.StatusCode)...)
	buf.B = append(buf.B, crlf...)

	r.Header.VisitAll(func(name, value string) bool {
		buf.B = append(buf.B, name...)
		buf.B = append(buf.B, colonSpace...)
		buf.B = append(buf.B, value...)
		buf.B = append(buf.B, crlf...)
		return true
	})

	// RFC 7230 §3.3.2: no Content-Length in 1xx or 204 responses
	if r.bodyAllowed() && !r.Header.Has(headerContentLength) {
		buf.B = append(buf.B, "Content-Length: "...)
		buf.B = strconv.AppendInt(buf.B, int64(len(r.Body)), 10)
		buf.B = append(buf.B, crlf...)
	}

	buf.B = append(buf.B, crlf...)

	if withBody && r.bodyAllowed() {
		buf.B = append(buf.B, r.Body...)
	}
}

func (r *Response) bodyAllowed() bool {
	return r.StatusCode >= 200 && r.StatusCode != StatusNoContent
}
