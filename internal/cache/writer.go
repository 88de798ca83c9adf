package cache

import (
	"bufio"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/NamanBalaji/upstream/internal/logger"
	"github.com/NamanBalaji/upstream/pkg/datasource"
)

const writeBufferSize = 64 * 1024

// Writer holds the write lock of one key and turns written ranges into cached
// spans. It implements tee.Sink: each Open/Close cycle produces one span.
//
// A failed write discards the span being written and the rest of that range
// is not cached. The failure is logged, not returned, so that reading carries
// on from upstream.
type Writer struct {
	store *Store
	key   string

	file     *os.File
	buf      *bufio.Writer
	id       uuid.UUID
	position int64
	written  int64
	failed   bool
	released bool
}

func newWriter(store *Store, key string) *Writer {
	return &Writer{
		store: store,
		key:   key,
	}
}

// Key returns the key this writer holds the lock for.
func (w *Writer) Key() string {
	return w.key
}

func (w *Writer) Open(spec datasource.Spec) error {
	if w.released {
		return fmt.Errorf("writer for %s already released", w.key)
	}

	if spec.CacheKey() != w.key {
		return fmt.Errorf("%w: %s != %s", ErrKeyMismatch, spec.CacheKey(), w.key)
	}

	if err := w.Close(); err != nil {
		logger.Warnf("Failed to commit previous span of %s: %v", w.key, err)
	}

	w.failed = false
	w.written = 0
	w.position = spec.Position

	if !spec.IsBounded() && spec.HasFlag(datasource.FlagDontCacheIfLengthUnknown) {
		logger.Debugf("Not caching %s at %d: length unknown", w.key, spec.Position)

		w.failed = true

		return nil
	}

	w.id = uuid.New()

	f, err := os.OpenFile(w.store.path(w.id.String()+spanExtension), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create span file: %w", err)
	}

	w.file = f
	w.buf = bufio.NewWriterSize(f, writeBufferSize)

	return nil
}

func (w *Writer) Write(p []byte) error {
	if w.failed || w.file == nil {
		return nil
	}

	if _, err := w.buf.Write(p); err != nil {
		logger.Errorf("Failed to write span of %s at %d: %v", w.key, w.position+w.written, err)
		w.discard()

		return nil
	}

	w.written += int64(len(p))

	return nil
}

// Close commits the bytes written since Open as a span.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}

	name := w.file.Name()

	err := w.buf.Flush()
	if closeErr := w.file.Close(); err == nil {
		err = closeErr
	}

	w.file = nil
	w.buf = nil

	if err != nil || w.written == 0 {
		if rmErr := os.Remove(name); rmErr != nil {
			logger.Warnf("Failed to remove span file %s: %v", name, rmErr)
		}

		return err
	}

	sp := &span{
		id:       w.id,
		key:      w.key,
		position: w.position,
		length:   w.written,
		file:     w.id.String() + spanExtension,
	}

	return w.store.commit(sp)
}

func (w *Writer) discard() {
	w.failed = true

	if w.file == nil {
		return
	}

	name := w.file.Name()

	if err := w.file.Close(); err != nil {
		logger.Warnf("Failed to close span file %s: %v", name, err)
	}

	if err := os.Remove(name); err != nil {
		logger.Warnf("Failed to remove span file %s: %v", name, err)
	}

	w.file = nil
	w.buf = nil
}

// Release commits any open span and gives up the write lock.
func (w *Writer) Release() error {
	if w.released {
		return nil
	}

	err := w.Close()

	w.released = true
	w.store.releaseLock(w.key)

	return err
}
