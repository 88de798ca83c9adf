package chunk

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/NamanBalaji/upstream/internal/logger"
	"github.com/NamanBalaji/upstream/pkg/datasource"
)

const (
	DefaultConnections  = 8
	DefaultMaxChunks    = 32
	DefaultMinChunkSize = 256 * 1024
)

var ErrLoadFailed = errors.New("load failed")

type Option func(*Loader)

// WithConnections sets how many chunks are read at the same time.
func WithConnections(n int) Option {
	return func(l *Loader) {
		if n > 0 {
			l.connections = n
		}
	}
}

func WithMaxChunks(n int) Option {
	return func(l *Loader) {
		if n > 0 {
			l.maxChunks = n
		}
	}
}

// WithMinChunkSize sets the smallest chunk worth its own request.
func WithMinChunkSize(n int64) Option {
	return func(l *Loader) {
		if n > 0 {
			l.minChunkSize = n
		}
	}
}

// Loader reads a range through Sources from one factory, several chunks at a
// time, into an io.WriterAt.
type Loader struct {
	factory datasource.Factory

	connections  int
	maxChunks    int
	minChunkSize int64
}

func NewLoader(factory datasource.Factory, opts ...Option) *Loader {
	l := &Loader{
		factory:      factory,
		connections:  DefaultConnections,
		maxChunks:    DefaultMaxChunks,
		minChunkSize: DefaultMinChunkSize,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Load writes the range described by spec to w, with spec.Position at offset
// 0. It returns the number of bytes written.
//
// An unbounded spec is opened once first. If that open resolves the length the
// range is split; otherwise the resource is drained sequentially.
func (l *Loader) Load(ctx context.Context, spec datasource.Spec, w io.WriterAt) (int64, error) {
	length := spec.Length

	if !spec.IsBounded() {
		n, written, err := l.resolveLength(ctx, spec, w)
		if err != nil || n == datasource.LengthUnbounded {
			return written, err
		}

		length = n
	}

	chunks := Split(spec.Position, length, l.maxChunks, l.minChunkSize)
	if len(chunks) == 0 {
		return 0, nil
	}

	logger.Debugf("Loading %s in %d chunks over %d connections", spec, len(chunks), l.connections)

	err := l.process(ctx, spec, chunks, w)

	var total int64
	for _, c := range chunks {
		total += c.GetDownloaded()
	}

	return total, err
}

// resolveLength opens spec to learn its length. When the length stays unknown
// the source is drained into w instead and the bytes written are returned.
func (l *Loader) resolveLength(ctx context.Context, spec datasource.Spec, w io.WriterAt) (length, written int64, err error) {
	src := l.factory.Create()
	defer datasource.CloseQuietly(src, spec.URI)

	n, err := src.Open(ctx, spec)
	if err != nil {
		return 0, 0, err
	}

	if n != datasource.LengthUnbounded {
		return n, 0, nil
	}

	logger.Debugf("Length of %s unknown, loading sequentially", spec)

	c := newChunk(spec.Position, -1)
	err = c.copyLoop(ctx, src, spec.Position, w)

	return datasource.LengthUnbounded, c.GetDownloaded(), err
}

// process loads chunks concurrently, at most l.connections at a time. The
// first failure cancels the rest.
func (l *Loader) process(ctx context.Context, spec datasource.Spec, chunks []*Chunk, w io.WriterAt) error {
	g, groupCtx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, l.connections)

	for _, currentChunk := range chunks {
		c := currentChunk

		g.Go(func() error {
			select {
			case <-groupCtx.Done():
				return groupCtx.Err()
			case sem <- struct{}{}:
				defer func() { <-sem }()
			}

			src := l.factory.Create()
			defer datasource.CloseQuietly(src, spec.URI)

			return c.load(groupCtx, src, spec, spec.Position, w)
		})
	}

	err := g.Wait()
	if err == nil {
		return nil
	}

	if datasource.IsCancellation(err) && ctx.Err() != nil {
		return datasource.NewContextError(datasource.OpRead, ctx.Err(), spec.URI)
	}

	return fmt.Errorf("%w: %w", ErrLoadFailed, err)
}

// Split divides [position, position+length) into at most maxChunks chunks of
// at least minChunkSize bytes. The last chunk takes the remainder.
func Split(position, length int64, maxChunks int, minChunkSize int64) []*Chunk {
	if length <= 0 {
		return nil
	}

	chunkSize := length / int64(max(maxChunks, 1))
	if chunkSize < minChunkSize {
		chunkSize = minChunkSize
	}

	end := position + length

	var chunks []*Chunk

	for start := position; start < end; start += chunkSize {
		last := start + chunkSize - 1
		if last >= end-1 || len(chunks) == maxChunks-1 {
			last = end - 1
		}

		c := newChunk(start, last)
		chunks = append(chunks, c)

		logger.Debugf("Created chunk %d with Id: %s, range: %d-%d", len(chunks), c.ID, start, last)

		if last == end-1 {
			break
		}
	}

	return chunks
}
