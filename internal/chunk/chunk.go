// Package chunk loads a byte range in parallel by splitting it into chunks,
// each read by its own Source.
package chunk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/NamanBalaji/upstream/internal/logger"
	"github.com/NamanBalaji/upstream/internal/status"
	"github.com/NamanBalaji/upstream/pkg/datasource"
)

var (
	ErrChunkWriteFailed = errors.New("failed to write chunk data")
	ErrShortChunk       = errors.New("chunk ended before its last byte")
)

const readBufferSize = 32 * 1024

// Chunk is a contiguous part of a load. EndByte is inclusive, or -1 when the
// chunk runs to the end of an unbounded resource.
type Chunk struct {
	ID         uuid.UUID
	StartByte  int64
	EndByte    int64
	Downloaded int64
	Status     status.Status
}

func newChunk(start, end int64) *Chunk {
	return &Chunk{
		ID:        uuid.New(),
		StartByte: start,
		EndByte:   end,
		Status:    status.Pending,
	}
}

// Size returns the number of bytes in the chunk, or -1 if unknown.
func (c *Chunk) Size() int64 {
	if c.EndByte < 0 {
		return -1
	}

	return c.EndByte - c.StartByte + 1
}

func (c *Chunk) GetStatus() status.Status {
	return atomic.LoadInt32(&c.Status)
}

func (c *Chunk) setStatus(s status.Status) {
	atomic.StoreInt32(&c.Status, s)
}

func (c *Chunk) GetDownloaded() int64 {
	return atomic.LoadInt64(&c.Downloaded)
}

func (c *Chunk) updateDownloaded(n int64) int64 {
	return atomic.AddInt64(&c.Downloaded, n)
}

// load reads the chunk from src and writes it to w. base is the resource
// position that maps to offset 0 of w.
func (c *Chunk) load(ctx context.Context, src datasource.Source, spec datasource.Spec, base int64, w io.WriterAt) error {
	c.setStatus(status.Active)

	downloaded := c.GetDownloaded()

	length := datasource.LengthUnbounded
	if size := c.Size(); size >= 0 {
		length = size - downloaded
	}

	sub := spec.Subrange(c.StartByte+downloaded-spec.Position, length)

	if _, err := src.Open(ctx, sub); err != nil {
		return c.fail(err)
	}

	return c.copyLoop(ctx, src, base, w)
}

func (c *Chunk) copyLoop(ctx context.Context, src datasource.Source, base int64, w io.WriterAt) error {
	buffer := make([]byte, readBufferSize)
	size := c.Size()

	for {
		n, err := src.Read(ctx, buffer)
		if n > 0 {
			offset := c.StartByte + c.GetDownloaded() - base

			if _, writeErr := w.WriteAt(buffer[:n], offset); writeErr != nil {
				return c.fail(fmt.Errorf("%w at %d: %w", ErrChunkWriteFailed, offset, writeErr))
			}

			c.updateDownloaded(int64(n))
		}

		if err == nil {
			continue
		}

		if errors.Is(err, datasource.EndOfInput) {
			if size >= 0 && c.GetDownloaded() < size {
				return c.fail(fmt.Errorf("%w: chunk %s got %d of %d bytes", ErrShortChunk, c.ID, c.GetDownloaded(), size))
			}

			c.setStatus(status.Completed)

			return nil
		}

		return c.fail(err)
	}
}

func (c *Chunk) fail(err error) error {
	if datasource.IsCancellation(err) {
		c.setStatus(status.Cancelled)
		logger.Debugf("Chunk %s (%d-%d) %s: %v", c.ID, c.StartByte, c.EndByte, status.String(c.GetStatus()), err)

		return err
	}

	c.setStatus(status.Failed)
	logger.Errorf("Chunk %s (%d-%d) %s: %v", c.ID, c.StartByte, c.EndByte, status.String(c.GetStatus()), err)

	return err
}
