// Package cache keeps byte ranges of resources on local disk and serves them
// back in place of the upstream transport.
package cache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/NamanBalaji/upstream/internal/logger"
	"github.com/NamanBalaji/upstream/internal/repository"
)

const (
	indexFile     = "index.db"
	spanExtension = ".span"
)

var (
	ErrStoreClosed = errors.New("cache store closed")
	ErrKeyMismatch = errors.New("spec key does not match writer key")
)

// Span describes a range of a cached resource. A hole is a range that is not
// cached; its Length is LengthUnbounded when nothing is cached after it and
// the content length is unknown.
type Span struct {
	Key        string
	Position   int64
	Length     int64
	Cached     bool
	File       string
	LastAccess time.Time
}

// End returns the position after the span, or -1 for an open-ended hole.
func (s Span) End() int64 {
	if s.Length < 0 {
		return -1
	}

	return s.Position + s.Length
}

type span struct {
	id         uuid.UUID
	key        string
	position   int64
	length     int64
	file       string
	lastAccess atomic.Int64
}

func (s *span) end() int64 {
	return s.position + s.length
}

func (s *span) touch() {
	s.lastAccess.Store(time.Now().UnixNano())
}

func (s *span) record() *repository.SpanRecord {
	return &repository.SpanRecord{
		ID:         s.id,
		Key:        s.key,
		Position:   s.position,
		Length:     s.length,
		File:       s.file,
		LastAccess: time.Unix(0, s.lastAccess.Load()),
	}
}

type Option func(*Store)

// WithMaxBytes bounds the total size of cached spans. Least recently used
// spans are evicted once it is exceeded. Zero means unbounded.
func WithMaxBytes(n int64) Option {
	return func(s *Store) {
		s.maxBytes = n
	}
}

// Store is a disk cache shared by any number of sources. Reads of the index
// run concurrently; writers of the same key are serialized.
type Store struct {
	dir      string
	repo     repository.Repository
	maxBytes int64

	mu      sync.RWMutex
	spans   map[string][]*span // sorted by position, non-overlapping
	lengths map[string]int64
	size    int64
	closed  bool

	lockMu sync.Mutex
	locks  map[string]chan struct{}

	fetchGroup singleflight.Group
}

// Open opens or creates the cache in dir. Spans whose files are gone are
// dropped from the index.
func Open(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	repo, err := repository.NewBboltRepository(filepath.Join(dir, indexFile))
	if err != nil {
		return nil, err
	}

	s := &Store{
		dir:     dir,
		repo:    repo,
		spans:   make(map[string][]*span),
		lengths: make(map[string]int64),
		locks:   make(map[string]chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if err := s.load(); err != nil {
		repo.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) load() error {
	records, err := s.repo.FindAllSpans()
	if err != nil {
		return fmt.Errorf("failed to load cache index: %w", err)
	}

	for _, rec := range records {
		info, err := os.Stat(s.path(rec.File))
		if err != nil || info.Size() < rec.Length {
			logger.Warnf("Dropping cached span %s of %s: file missing or truncated", rec.ID, rec.Key)

			if err := s.repo.DeleteSpan(rec.ID); err != nil {
				logger.Errorf("Failed to delete span %s from index: %v", rec.ID, err)
			}

			continue
		}

		sp := &span{
			id:       rec.ID,
			key:      rec.Key,
			position: rec.Position,
			length:   rec.Length,
			file:     rec.File,
		}
		sp.lastAccess.Store(rec.LastAccess.UnixNano())

		s.spans[rec.Key] = append(s.spans[rec.Key], sp)
		s.size += rec.Length
	}

	for key := range s.spans {
		sortSpans(s.spans[key])
	}

	lengths, err := s.repo.ContentLengths()
	if err != nil {
		return fmt.Errorf("failed to load content lengths: %w", err)
	}

	s.lengths = lengths

	s.mu.Lock()
	s.evictLocked("")
	s.mu.Unlock()

	logger.Debugf("Loaded cache index from %s: %d keys, %d bytes", s.dir, len(s.spans), s.size)

	return nil
}

func sortSpans(spans []*span) {
	sort.Slice(spans, func(i, j int) bool {
		return spans[i].position < spans[j].position
	})
}

func (s *Store) path(file string) string {
	return filepath.Join(s.dir, file)
}

// Lookup returns the cached span containing position, or the hole that
// starts there and runs up to the next cached span.
func (s *Store) Lookup(key string, position int64) Span {
	s.mu.RLock()
	defer s.mu.RUnlock()

	spans := s.spans[key]

	i := sort.Search(len(spans), func(i int) bool {
		return spans[i].end() > position
	})

	if i < len(spans) && spans[i].position <= position {
		sp := spans[i]
		sp.touch()

		return Span{
			Key:        key,
			Position:   sp.position,
			Length:     sp.length,
			Cached:     true,
			File:       s.path(sp.file),
			LastAccess: time.Unix(0, sp.lastAccess.Load()),
		}
	}

	end := int64(-1)
	if i < len(spans) {
		end = spans[i].position
	} else if cl, ok := s.lengths[key]; ok && cl >= position {
		end = cl
	}

	hole := Span{Key: key, Position: position, Length: -1}
	if end >= 0 {
		hole.Length = end - position
	}

	return hole
}

// CachedBytes returns how many bytes of [position, position+length) are
// cached. A negative length extends the range to the end of the resource.
func (s *Store) CachedBytes(key string, position, length int64) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	end := int64(math.MaxInt64)
	if length >= 0 {
		end = position + length
	} else if cl, ok := s.lengths[key]; ok {
		end = cl
	}

	var total int64

	for _, sp := range s.spans[key] {
		lo := max(sp.position, position)
		hi := min(sp.end(), end)

		if hi > lo {
			total += hi - lo
		}
	}

	return total
}

// ContentLength returns the recorded total length of key.
func (s *Store) ContentLength(key string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.lengths[key]

	return n, ok
}

func (s *Store) SetContentLength(key string, length int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if cur, ok := s.lengths[key]; ok && cur == length {
		return nil
	}

	s.lengths[key] = length

	return s.repo.SaveContentLength(key, length)
}

// Keys returns the cached keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.spans))
	for k := range s.spans {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// Size returns the total number of cached bytes.
func (s *Store) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.size
}

// Remove deletes every span and the content length of key.
func (s *Store) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	var errs []error

	for _, sp := range s.spans[key] {
		errs = append(errs, s.dropLocked(sp))
	}

	delete(s.spans, key)
	delete(s.lengths, key)

	errs = append(errs, s.repo.DeleteContentLength(key))

	return errors.Join(errs...)
}

// dropLocked deletes the file and index record of sp. The caller removes it
// from the span map.
func (s *Store) dropLocked(sp *span) error {
	s.size -= sp.length

	var errs []error

	if err := os.Remove(s.path(sp.file)); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}

	if err := s.repo.DeleteSpan(sp.id); err != nil && !errors.Is(err, repository.ErrSpanNotFound) {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// discard drops the span of key stored in file from the index.
func (s *Store) discard(key, file string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sp := range s.spans[key] {
		if s.path(sp.file) != file {
			continue
		}

		if err := s.dropLocked(sp); err != nil {
			logger.Warnf("Failed to drop span %s: %v", sp.id, err)
		}

		s.removeFromMapLocked(sp)

		return
	}
}

// commit adds a finished span to the index.
func (s *Store) commit(sp *span) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	for _, other := range s.spans[sp.key] {
		if sp.position < other.end() && other.position < sp.end() {
			logger.Debugf("Discarding span %d+%d of %s: overlaps cached data", sp.position, sp.length, sp.key)
			return os.Remove(s.path(sp.file))
		}
	}

	sp.touch()

	if err := s.repo.SaveSpan(sp.record()); err != nil {
		if rmErr := os.Remove(s.path(sp.file)); rmErr != nil {
			logger.Warnf("Failed to remove span file %s: %v", sp.file, rmErr)
		}

		return err
	}

	spans := append(s.spans[sp.key], sp)
	sortSpans(spans)
	s.spans[sp.key] = spans
	s.size += sp.length

	logger.Debugf("Cached %s at %d+%d", sp.key, sp.position, sp.length)

	s.evictLocked(sp.key)

	return nil
}

// evictLocked removes least recently used spans until the cache fits. Spans
// of keep are evicted last.
func (s *Store) evictLocked(keep string) {
	if s.maxBytes <= 0 || s.size <= s.maxBytes {
		return
	}

	var all []*span
	for _, spans := range s.spans {
		all = append(all, spans...)
	}

	sort.SliceStable(all, func(i, j int) bool {
		if (all[i].key == keep) != (all[j].key == keep) {
			return all[j].key == keep
		}

		return all[i].lastAccess.Load() < all[j].lastAccess.Load()
	})

	for _, sp := range all {
		if s.size <= s.maxBytes {
			break
		}

		logger.Debugf("Evicting %s at %d+%d", sp.key, sp.position, sp.length)

		if err := s.dropLocked(sp); err != nil {
			logger.Errorf("Failed to evict span %s: %v", sp.id, err)
		}

		s.removeFromMapLocked(sp)
	}
}

func (s *Store) removeFromMapLocked(sp *span) {
	spans := s.spans[sp.key]
	for i, other := range spans {
		if other == sp {
			spans = append(spans[:i], spans[i+1:]...)
			break
		}
	}

	if len(spans) == 0 {
		delete(s.spans, sp.key)
		return
	}

	s.spans[sp.key] = spans
}

// TryStartWrite takes the write lock of key without waiting. It reports false
// when another writer holds it.
func (s *Store) TryStartWrite(key string) (*Writer, bool) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	if _, held := s.locks[key]; held {
		return nil, false
	}

	s.locks[key] = make(chan struct{})

	return newWriter(s, key), true
}

// StartWrite waits for the write lock of key.
func (s *Store) StartWrite(ctx context.Context, key string) (*Writer, error) {
	for {
		s.lockMu.Lock()

		ch, held := s.locks[key]
		if !held {
			s.locks[key] = make(chan struct{})
			s.lockMu.Unlock()

			return newWriter(s, key), nil
		}

		s.lockMu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
	}
}

func (s *Store) releaseLock(key string) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	if ch, held := s.locks[key]; held {
		close(ch)
		delete(s.locks, key)
	}
}

// Close persists access times and closes the index.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	for _, spans := range s.spans {
		for _, sp := range spans {
			if err := s.repo.SaveSpan(sp.record()); err != nil {
				logger.Warnf("Failed to persist access time of span %s: %v", sp.id, err)
			}
		}
	}

	return s.repo.Close()
}
