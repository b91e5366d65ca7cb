// Package static serves files from a directory as an http11.Delegate.
package static

import (
	"errors"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/valyala/bytebufferpool"

	"github.com/yourusername/tophat/pkg/tophat/http11"
)

var (
	ErrForbidden  = errors.New("static: forbidden")
	ErrNotFound   = errors.New("static: not found")
	ErrMethod     = errors.New("static: method not allowed")
	ErrFileTooBig = errors.New("static: file too large")
)

// Content codings in order of preference
const (
	codingBrotli = "br"
	codingGzip   = "gzip"
)

// Handler serves the files below Root. Only GET and HEAD are answered;
// HEAD bodies are dropped by the protocol.
type Handler struct {
	// Root directory, required
	Root string

	// Index is the file served for a directory
	// Default: index.html
	Index string

	// Compress enables br/gzip coding of compressible types
	Compress bool

	// MinCompressSize is the smallest body worth compressing
	// Default: 256 bytes
	MinCompressSize int

	// MaxFileSize bounds the files read into a response
	// Default: 32 MB
	MaxFileSize int64

	// Logger receives I/O failures
	Logger zerolog.Logger
}

// OnRequest implements http11.Delegate.
func (h *Handler) OnRequest(w http11.Responder, req *http11.Request) {
	w.Send(h.Serve(req))
}

// Serve builds the response for req.
func (h *Handler) Serve(req *http11.Request) *http11.Response {
	if req.Method != "GET" && req.Method != "HEAD" {
		resp := http11.NewErrorResponse(ErrMethod, http11.StatusMethodNotAllowed)
		resp.SetHeader("Allow", "GET, HEAD")
		return resp
	}

	name, target, info, err := h.open(req.Path())
	if err != nil {
		return h.errorResponse(req, err)
	}
	if info.Size() > h.maxFileSize() {
		return h.errorResponse(req, ErrFileTooBig)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		return h.errorResponse(req, err)
	}

	resp := http11.NewResponse(http11.StatusOK)
	contentType := detectContentType(name, data)
	resp.SetHeader("Content-Type", contentType)
	resp.SetHeader("Last-Modified", info.ModTime().UTC().Format(http11.TimeFormat))

	if h.Compress && compressible(contentType) {
		resp.SetHeader("Vary", "Accept-Encoding")
		if len(data) >= h.minCompressSize() {
			if coding := negotiate(req.Header.Get("accept-encoding")); coding != "" {
				if encoded, err := encode(coding, data); err == nil && len(encoded) < len(data) {
					resp.SetHeader("Content-Encoding", coding)
					data = encoded
				} else if err != nil {
					h.Logger.Warn().Err(err).Str("coding", coding).Str("file", name).Msg("compression failed")
				}
			}
		}
	}

	resp.Body = data
	return resp
}

// open maps a request path to a regular file below Root. Directories
// resolve to their index file. It returns the mapped name and the name
// with symlinks resolved; links leading out of Root are forbidden.
func (h *Handler) open(urlPath string) (string, string, fs.FileInfo, error) {
	if strings.IndexByte(urlPath, 0) >= 0 {
		return "", "", nil, ErrForbidden
	}

	// Cleaning a rooted path removes every ".." that would leave Root
	clean := path.Clean("/" + urlPath)
	name := filepath.Join(h.Root, filepath.FromSlash(clean))

	info, err := os.Stat(name)
	if err != nil {
		return "", "", nil, err
	}
	if info.IsDir() {
		name = filepath.Join(name, h.index())
		if _, err = os.Stat(name); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// No directory listings
				return "", "", nil, ErrForbidden
			}
			return "", "", nil, err
		}
	}

	target, err := h.resolve(name)
	if err != nil {
		return "", "", nil, err
	}
	if info, err = os.Stat(target); err != nil {
		return "", "", nil, err
	}
	if !info.Mode().IsRegular() {
		return "", "", nil, ErrForbidden
	}
	return name, target, info, nil
}

// resolve follows the symlinks in name and checks the result is still
// below Root, which may itself be a link.
func (h *Handler) resolve(name string) (string, error) {
	root, err := filepath.EvalSymlinks(h.Root)
	if err != nil {
		return "", err
	}
	target, err := filepath.EvalSymlinks(name)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrForbidden
	}
	return target, nil
}

func (h *Handler) errorResponse(req *http11.Request, err error) *http11.Response {
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, ErrNotFound):
		return http11.NewErrorResponse(ErrNotFound, http11.StatusNotFound)
	case errors.Is(err, fs.ErrPermission), errors.Is(err, ErrForbidden):
		return http11.NewErrorResponse(ErrForbidden, http11.StatusForbidden)
	}

	h.Logger.Error().Err(err).Str("path", req.Path()).Msg("serving file")
	return http11.NewErrorResponse(errors.New("static: cannot read file"), http11.StatusInternalServerError)
}

func (h *Handler) index() string {
	if h.Index == "" {
		return "index.html"
	}
	return h.Index
}

func (h *Handler) minCompressSize() int {
	if h.MinCompressSize <= 0 {
		return 256
	}
	return h.MinCompressSize
}

func (h *Handler) maxFileSize() int64 {
	if h.MaxFileSize <= 0 {
		return 32 << 20
	}
	return h.MaxFileSize
}

// detectContentType uses the file extension and falls back to sniffing
// the content.
func detectContentType(name string, data []byte) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return mimetype.Detect(data).String()
}

func compressible(contentType string) bool {
	if strings.HasPrefix(contentType, "text/") {
		return true
	}
	return mimetype.EqualsAny(contentType,
		"application/json",
		"application/javascript",
		"application/xml",
		"application/wasm",
		"image/svg+xml",
	)
}

// negotiate picks a content coding from an Accept-Encoding value,
// preferring br over gzip. Codings with q=0 are refused.
func negotiate(acceptEncoding string) string {
	if acceptEncoding == "" {
		return ""
	}

	accepted := make(map[string]bool)
	for _, part := range strings.Split(acceptEncoding, ",") {
		coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		coding = strings.ToLower(strings.TrimSpace(coding))
		accepted[coding] = qualityOf(params) > 0
	}

	for _, coding := range []string{codingBrotli, codingGzip} {
		if ok, listed := accepted[coding]; listed {
			if ok {
				return coding
			}
			continue
		}
		if accepted["*"] {
			return coding
		}
	}
	return ""
}

func qualityOf(params string) float64 {
	for _, p := range strings.Split(params, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), "q") {
			continue
		}
		q, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0
		}
		return q
	}
	return 1
}

func encode(coding string, data []byte) ([]byte, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	switch coding {
	case codingBrotli:
		w := brotli.NewWriterLevel(buf, brotli.DefaultCompression)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case codingGzip:
		w, err := gzip.NewWriterLevel(buf, gzip.DefaultCompression)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	}

	out := make([]byte, buf.Len())
	copy(out, buf.B)
	return out, nil
}
