package http11

import (
	"fmt"
	"os"
	"sync"
)

// Body is the payload of a request, stored in a temporary file.
//
// A Body only grows: Append writes at the end of the file and there is no
// way to truncate it. The backing file is removed by Close. The Protocol
// that parsed the request closes its Body once the response has been
// written, the connection was upgraded, or the connection closed, so a
// delegate must finish reading the payload before it calls Send.
type Body struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	length int64
	closed bool
}

// NewBody creates an empty Body backed by a new temporary file in dir.
// An empty dir means os.TempDir().
func NewBody(dir string) (*Body, error) {
	f, err := os.CreateTemp(dir, "tophat-body-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBodyStore, err)
	}
	return &Body{file: f, path: f.Name()}, nil
}

// Append writes p to the end of the backing file and advances Len.
// A short or failed write is reported as ErrBodyStore; Len then counts
// only the bytes that reached the file.
func (b *Body) Append(p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBodyClosed
	}
	n, err := b.file.Write(p)
	b.length += int64(n)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBodyStore, err)
	}
	return nil
}

// Len returns the number of bytes stored.
func (b *Body) Len() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.length
}

// Path returns the path of the backing temporary file.
func (b *Body) Path() string {
	return b.path
}

// Open opens the stored payload for reading from the start.
// The caller closes the returned file.
func (b *Body) Open() (*os.File, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBodyClosed
	}
	return os.Open(b.path)
}

// Close closes and removes the backing file. It is safe to call more than
// once; only the first call does anything.
func (b *Body) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	err := b.file.Close()
	if rmErr := os.Remove(b.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}
