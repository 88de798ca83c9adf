package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

const (
	spansBucket          = "spans"
	contentLengthsBucket = "content_lengths"
	metadataBucket       = "metadata"
	schemaVersion        = 1
)

var (
	// ErrSpanNotFound is returned when a span record cannot be found
	ErrSpanNotFound = errors.New("span not found")
	ErrEmptyID      = errors.New("span ID cannot be empty")
	ErrEmptyKey     = errors.New("cache key cannot be empty")
)

// SpanRecord is the persisted form of a cached byte range.
type SpanRecord struct {
	ID         uuid.UUID `json:"id"`
	Key        string    `json:"key"`
	Position   int64     `json:"position"`
	Length     int64     `json:"length"`
	File       string    `json:"file"`
	LastAccess time.Time `json:"lastAccess"`
}

// BboltRepository implements Repository on a bbolt database.
type BboltRepository struct {
	db *bbolt.DB
}

var _ Repository = (*BboltRepository)(nil)

// NewBboltRepository creates a new bbolt repository
func NewBboltRepository(dbPath string) (*BboltRepository, error) {
	options := &bbolt.Options{
		Timeout: 1 * time.Second,
	}

	db, err := bbolt.Open(dbPath, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	repo := &BboltRepository{
		db: db,
	}

	if err := repo.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return repo, nil
}

// initialize sets up buckets and schema
func (r *BboltRepository) initialize() error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{spansBucket, contentLengthsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}

		metadataBucket, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}

		versionBytes := []byte(strconv.Itoa(schemaVersion))
		err = metadataBucket.Put([]byte("schema_version"), versionBytes)
		if err != nil {
			return fmt.Errorf("failed to store schema version: %w", err)
		}

		return nil
	})
}

func bucket(tx *bbolt.Tx, name string) (*bbolt.Bucket, error) {
	b := tx.Bucket([]byte(name))
	if b == nil {
		return nil, fmt.Errorf("bucket not found: %s", name)
	}

	return b, nil
}

// SaveSpan persists a span record, replacing any record with the same ID.
func (r *BboltRepository) SaveSpan(span *SpanRecord) error {
	if span == nil {
		return errors.New("cannot save nil span")
	}

	if span.ID == uuid.Nil {
		return ErrEmptyID
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, spansBucket)
		if err != nil {
			return err
		}

		data, err := json.Marshal(span)
		if err != nil {
			return fmt.Errorf("failed to marshal span: %w", err)
		}

		if err := b.Put([]byte(span.ID.String()), data); err != nil {
			return fmt.Errorf("failed to save span: %w", err)
		}

		return nil
	})
}

// FindSpan retrieves a span record by ID
func (r *BboltRepository) FindSpan(id uuid.UUID) (*SpanRecord, error) {
	if id == uuid.Nil {
		return nil, ErrEmptyID
	}

	var data []byte

	err := r.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, spansBucket)
		if err != nil {
			return err
		}

		// Get returns memory owned by the transaction.
		if v := b.Get([]byte(id.String())); v != nil {
			data = append([]byte(nil), v...)
			return nil
		}

		return ErrSpanNotFound
	})
	if err != nil {
		return nil, err
	}

	span := &SpanRecord{}
	if err := json.Unmarshal(data, span); err != nil {
		return nil, fmt.Errorf("failed to unmarshal span: %w", err)
	}

	return span, nil
}

// FindAllSpans retrieves every span record
func (r *BboltRepository) FindAllSpans() ([]*SpanRecord, error) {
	var spans []*SpanRecord

	err := r.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, spansBucket)
		if err != nil {
			return err
		}

		return b.ForEach(func(_, v []byte) error {
			span := &SpanRecord{}
			if err := json.Unmarshal(v, span); err != nil {
				return fmt.Errorf("failed to unmarshal span: %w", err)
			}

			spans = append(spans, span)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return spans, nil
}

// DeleteSpan removes a span record
func (r *BboltRepository) DeleteSpan(id uuid.UUID) error {
	if id == uuid.Nil {
		return ErrEmptyID
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, spansBucket)
		if err != nil {
			return err
		}

		if b.Get([]byte(id.String())) == nil {
			return ErrSpanNotFound
		}

		return b.Delete([]byte(id.String()))
	})
}

// SaveContentLength records the total length of the resource cached under key.
func (r *BboltRepository) SaveContentLength(key string, length int64) error {
	if key == "" {
		return ErrEmptyKey
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, contentLengthsBucket)
		if err != nil {
			return err
		}

		return b.Put([]byte(key), []byte(strconv.FormatInt(length, 10)))
	})
}

func (r *BboltRepository) DeleteContentLength(key string) error {
	if key == "" {
		return ErrEmptyKey
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, contentLengthsBucket)
		if err != nil {
			return err
		}

		return b.Delete([]byte(key))
	})
}

// ContentLengths returns every recorded content length by key.
func (r *BboltRepository) ContentLengths() (map[string]int64, error) {
	lengths := make(map[string]int64)

	err := r.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, contentLengthsBucket)
		if err != nil {
			return err
		}

		return b.ForEach(func(k, v []byte) error {
			n, err := strconv.ParseInt(string(v), 10, 64)
			if err != nil {
				return fmt.Errorf("invalid content length for %s: %w", k, err)
			}

			lengths[string(k)] = n

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return lengths, nil
}

// Close closes the database
func (r *BboltRepository) Close() error {
	return r.db.Close()
}
