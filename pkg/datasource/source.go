// Package datasource defines the contract shared by every transport and
// decorator in the pipeline: a Spec describing a byte range, a Source that
// opens and drains it, and a Factory that hands out fresh Sources.
package datasource

import (
	"context"
	"io"

	"github.com/NamanBalaji/upstream/internal/logger"
)

// EndOfInput is returned by Read, with a zero count, once the opened range is
// exhausted. It is io.EOF so that io helpers recognise it.
var EndOfInput = io.EOF

// Source provides the bytes described by a Spec.
//
// A Source moves from closed to open with Open and back with Close. Close must
// be called after every Open, including one that failed, and may be called
// any number of times. A single Source is not safe for concurrent use.
type Source interface {
	// Open opens the source for spec and returns the number of bytes that can
	// be read, or LengthUnbounded when that is not yet known. For a bounded
	// spec the result equals spec.Length.
	Open(ctx context.Context, spec Spec) (int64, error)

	// Read blocks until at least one byte is available, the range ends or an
	// error occurs. It never returns (0, nil); the end of the range is
	// reported as (0, EndOfInput).
	Read(ctx context.Context, p []byte) (int, error)

	// URI returns the URI being read from: the spec URI, or the final target
	// after a redirect. It is empty while the source is closed.
	URI() string

	// Close releases the source. It is a no-op on a closed source.
	Close() error
}

// Factory creates independent Sources.
type Factory interface {
	Create() Source
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func() Source

func (f FactoryFunc) Create() Source {
	return f()
}

// CheckRead validates the arguments common to every Read implementation.
func CheckRead(opened bool, p []byte) error {
	if !opened {
		return ErrNotOpen
	}

	if len(p) == 0 {
		return ErrEmptyBuffer
	}

	return nil
}

// CloseQuietly closes src and logs a close failure instead of returning it.
// It is used on error paths where an earlier error must win.
func CloseQuietly(src Source, resource string) {
	if src == nil {
		return
	}

	if err := src.Close(); err != nil {
		logger.Warnf("Failed to close source for %s: %v", resource, err)
	}
}

// Reader adapts a Source to io.ReadCloser. The source is opened on the first
// Read.
type Reader struct {
	ctx    context.Context
	src    Source
	spec   Spec
	opened bool
	length int64
	closed bool
}

func NewReader(ctx context.Context, src Source, spec Spec) *Reader {
	return &Reader{
		ctx:    ctx,
		src:    src,
		spec:   spec,
		length: LengthUnbounded,
	}
}

// Open opens the underlying source if that has not happened yet and returns
// its resolved length.
func (r *Reader) Open() (int64, error) {
	if r.closed {
		return 0, ErrNotOpen
	}

	if r.opened {
		return r.length, nil
	}

	n, err := r.src.Open(r.ctx, r.spec)
	if err != nil {
		return 0, err
	}

	r.opened = true
	r.length = n

	return n, nil
}

// Length returns the open result, or LengthUnbounded before the source was
// opened.
func (r *Reader) Length() int64 {
	return r.length
}

func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	if _, err := r.Open(); err != nil {
		return 0, err
	}

	return r.src.Read(r.ctx, p)
}

func (r *Reader) Close() error {
	if r.closed {
		return nil
	}

	r.closed = true

	return r.src.Close()
}
