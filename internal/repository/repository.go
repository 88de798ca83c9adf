package repository

import "github.com/google/uuid"

// Repository persists the cache index: one record per cached span plus the
// resolved content length of each key.
type Repository interface {
	SaveSpan(span *SpanRecord) error
	FindSpan(id uuid.UUID) (*SpanRecord, error)
	FindAllSpans() ([]*SpanRecord, error)
	DeleteSpan(id uuid.UUID) error
	SaveContentLength(key string, length int64) error
	DeleteContentLength(key string) error
	ContentLengths() (map[string]int64, error)
	Close() error
}
