package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/NamanBalaji/upstream/internal/file"
	"github.com/NamanBalaji/upstream/internal/logger"
	"github.com/NamanBalaji/upstream/internal/tee"
	"github.com/NamanBalaji/upstream/pkg/datasource"
)

type SourceOption func(*Source)

// WithBlockOnCache makes Open wait for the write lock of the key instead of
// reading uncached while another source is writing it.
func WithBlockOnCache() SourceOption {
	return func(s *Source) {
		s.blockOnCache = true
	}
}

// WithIgnoreCacheOnError makes a failing cached read fall back to upstream
// for the rest of the request.
func WithIgnoreCacheOnError() SourceOption {
	return func(s *Source) {
		s.ignoreCacheOnError = true
	}
}

// Source serves a request from cached spans where possible and from its
// upstream for the holes in between, caching what it reads from upstream.
type Source struct {
	store    *Store
	upstream datasource.Source

	blockOnCache       bool
	ignoreCacheOnError bool

	spec      datasource.Spec
	key       string
	uri       string
	position  int64
	remaining int64 // -1 while unknown
	writer    *Writer
	opened    bool
	bypass    bool

	current          datasource.Source
	currentCached    bool
	currentRemaining int64 // -1 while unknown
}

func NewSource(store *Store, upstream datasource.Source, opts ...SourceOption) *Source {
	s := &Source{
		store:    store,
		upstream: upstream,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// NewFactory returns a factory of caching sources, each owning a fresh
// upstream from upstream.
func NewFactory(store *Store, upstream datasource.Factory, opts ...SourceOption) datasource.Factory {
	return datasource.FactoryFunc(func() datasource.Source {
		return NewSource(store, upstream.Create(), opts...)
	})
}

func (s *Source) Open(ctx context.Context, spec datasource.Spec) (int64, error) {
	if s.opened {
		return 0, datasource.ErrAlreadyOpen
	}

	s.spec = spec
	s.key = spec.CacheKey()
	s.uri = spec.URI
	s.position = spec.Position
	s.remaining = spec.Length
	s.bypass = false
	s.opened = true

	if cl, ok := s.store.ContentLength(s.key); ok {
		end := spec.Position
		if spec.IsBounded() {
			end += spec.Length
		}

		if end > cl {
			s.opened = false

			return 0, datasource.NewResourceError(datasource.OpOpen,
				fmt.Errorf("%w: %d > %d", datasource.ErrPositionOutOfRange, end, cl), spec.URI)
		}

		if !spec.IsBounded() {
			s.remaining = cl - spec.Position
		}
	}

	if err := s.acquireWriter(ctx); err != nil {
		s.opened = false
		return 0, err
	}

	// Resources acquired so far are released by Close.
	if err := s.openNext(ctx); err != nil {
		s.opened = false
		return 0, err
	}

	if spec.IsBounded() {
		return spec.Length, nil
	}

	return s.remaining, nil
}

func (s *Source) acquireWriter(ctx context.Context) error {
	if s.blockOnCache {
		w, err := s.store.StartWrite(ctx, s.key)
		if err != nil {
			return datasource.NewContextError(datasource.OpOpen, err, s.spec.URI)
		}

		s.writer = w

		return nil
	}

	if w, ok := s.store.TryStartWrite(s.key); ok {
		s.writer = w
		return nil
	}

	logger.Debugf("Cache key %s is being written elsewhere, reading through", s.key)

	return nil
}

// openNext opens the segment that starts at the current position.
func (s *Source) openNext(ctx context.Context) error {
	if s.remaining == 0 {
		return nil
	}

	if !s.bypass {
		sp := s.store.Lookup(s.key, s.position)
		if !sp.Cached {
			return s.openHole(ctx, sp)
		}

		err := s.openCached(ctx, sp)
		if errors.Is(err, fs.ErrNotExist) {
			// Evicted or deleted since the lookup.
			logger.Debugf("Span file %s of %s is gone, looking up again", sp.File, s.key)
			s.store.discard(s.key, sp.File)

			sp = s.store.Lookup(s.key, s.position)
			if !sp.Cached {
				return s.openHole(ctx, sp)
			}

			err = s.openCached(ctx, sp)
		}

		if err == nil {
			return nil
		}

		if !s.ignoreCacheOnError || datasource.IsCancellation(err) {
			return err
		}

		logger.Warnf("Cached read of %s failed, falling back to upstream: %v", s.key, err)

		s.bypass = true
	}

	return s.openUpstream(ctx, datasource.LengthUnbounded)
}

func (s *Source) openHole(ctx context.Context, hole Span) error {
	if hole.Length == 0 {
		return datasource.NewResourceError(datasource.OpOpen,
			fmt.Errorf("%w: %d is the end of %s", datasource.ErrPositionOutOfRange, s.position, s.key), s.spec.URI)
	}

	return s.openUpstream(ctx, hole.Length)
}

func (s *Source) openCached(ctx context.Context, sp Span) error {
	length := sp.End() - s.position
	if s.remaining >= 0 && length > s.remaining {
		length = s.remaining
	}

	src := file.New()
	s.current = src
	s.currentCached = true
	s.currentRemaining = length

	spec := datasource.Spec{
		URI:      sp.File,
		Position: s.position - sp.Position,
		Length:   length,
	}

	if _, err := src.Open(ctx, spec); err != nil {
		s.closeCurrent()
		return err
	}

	return nil
}

// openUpstream opens upstream for the hole at the current position. holeLength
// is the distance to the next cached span, or unbounded.
func (s *Source) openUpstream(ctx context.Context, holeLength int64) error {
	length := s.remaining
	if holeLength >= 0 && (length < 0 || holeLength < length) {
		length = holeLength
	}

	var src datasource.Source = s.upstream
	if s.writer != nil && !s.bypass {
		src = tee.New(s.upstream, s.writer)
	}

	s.current = src
	s.currentCached = false

	n, err := src.Open(ctx, s.spec.Subrange(s.position-s.spec.Position, length))
	if err != nil {
		return err
	}

	s.uri = src.URI()
	s.currentRemaining = length

	if length < 0 && n >= 0 {
		// The rest of the resource was requested, so its end is now known.
		s.currentRemaining = n
		s.remaining = n
		s.recordContentLength(s.position + n)
	}

	return nil
}

func (s *Source) recordContentLength(length int64) {
	if err := s.store.SetContentLength(s.key, length); err != nil {
		logger.Warnf("Failed to record content length of %s: %v", s.key, err)
	}
}

func (s *Source) Read(ctx context.Context, p []byte) (int, error) {
	if err := datasource.CheckRead(s.opened, p); err != nil {
		return 0, err
	}

	for {
		if s.remaining == 0 {
			return 0, datasource.EndOfInput
		}

		if s.current == nil || s.currentRemaining == 0 {
			s.closeCurrent()

			if err := s.openNext(ctx); err != nil {
				return 0, err
			}

			continue
		}

		buf := p
		if s.currentRemaining > 0 && int64(len(buf)) > s.currentRemaining {
			buf = buf[:s.currentRemaining]
		}

		n, err := s.current.Read(ctx, buf)
		if n > 0 {
			s.advance(int64(n))
			return n, nil
		}

		if errors.Is(err, datasource.EndOfInput) {
			if s.currentRemaining < 0 {
				s.remaining = 0
				s.recordContentLength(s.position)

				continue
			}

			err = s.shortSegmentError()
		}

		if s.currentCached && s.ignoreCacheOnError && !datasource.IsCancellation(err) {
			logger.Warnf("Cached read of %s failed, falling back to upstream: %v", s.key, err)

			s.bypass = true
			s.closeCurrent()

			continue
		}

		return 0, err
	}
}

func (s *Source) shortSegmentError() error {
	err := fmt.Errorf("segment ended %d bytes early: %w", s.currentRemaining, io.ErrUnexpectedEOF)
	if s.currentCached {
		return datasource.NewIOError(datasource.OpRead, err, s.key)
	}

	return datasource.NewNetworkError(datasource.OpRead, err, s.uri, true)
}

func (s *Source) advance(n int64) {
	s.position += n

	if s.remaining > 0 {
		s.remaining -= n
	}

	if s.currentRemaining > 0 {
		s.currentRemaining -= n
	}
}

// closeCurrent closes the current segment. Failures only affect caching, so
// they are logged.
func (s *Source) closeCurrent() {
	if s.current == nil {
		return
	}

	if err := s.current.Close(); err != nil {
		logger.Warnf("Failed to close segment of %s: %v", s.key, err)
	}

	s.current = nil
	s.currentCached = false
}

func (s *Source) URI() string {
	if !s.opened {
		return ""
	}

	return s.uri
}

func (s *Source) Close() error {
	var err error

	if s.current != nil {
		err = s.current.Close()
		s.current = nil
	}

	if s.writer != nil {
		if releaseErr := s.writer.Release(); releaseErr != nil {
			logger.Warnf("Failed to release cache writer for %s: %v", s.key, releaseErr)
		}

		s.writer = nil
	}

	s.opened = false
	s.uri = ""

	return err
}
