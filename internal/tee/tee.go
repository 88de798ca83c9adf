// Package tee copies every byte read from a Source into a Sink.
package tee

import (
	"context"

	"github.com/NamanBalaji/upstream/internal/logger"
	"github.com/NamanBalaji/upstream/pkg/datasource"
)

// Sink receives the bytes of one opened range.
type Sink interface {
	// Open prepares the sink for spec. An unbounded spec whose length the
	// upstream resolved arrives with that length filled in.
	Open(spec datasource.Spec) error
	Write(p []byte) error
	Close() error
}

type Source struct {
	upstream datasource.Source
	sink     Sink

	sinkOpen bool
	sinkErr  error
	opened   bool
}

func New(upstream datasource.Source, sink Sink) *Source {
	return &Source{
		upstream: upstream,
		sink:     sink,
	}
}

func (s *Source) Open(ctx context.Context, spec datasource.Spec) (int64, error) {
	if s.opened {
		return 0, datasource.ErrAlreadyOpen
	}

	n, err := s.upstream.Open(ctx, spec)
	if err != nil {
		return 0, err
	}

	s.opened = true

	if n == 0 {
		return 0, nil
	}

	resolved := spec
	if !spec.IsBounded() && n != datasource.LengthUnbounded {
		resolved = spec.Subrange(0, n)
	}

	if err := s.sink.Open(resolved); err != nil {
		return 0, err
	}

	s.sinkOpen = true

	return n, nil
}

// Read reads from upstream and copies the bytes into the sink. When the sink
// fails the bytes already read are still returned and the sink error is
// reported by the next Read.
func (s *Source) Read(ctx context.Context, p []byte) (int, error) {
	if s.sinkErr != nil {
		return 0, s.sinkErr
	}

	n, err := s.upstream.Read(ctx, p)
	if n > 0 && s.sinkOpen {
		if writeErr := s.sink.Write(p[:n]); writeErr != nil {
			s.sinkErr = writeErr
		}
	}

	return n, err
}

func (s *Source) URI() string {
	return s.upstream.URI()
}

// Close closes the upstream, then the sink. An upstream close error wins.
func (s *Source) Close() error {
	err := s.upstream.Close()

	if s.sinkOpen {
		s.sinkOpen = false

		if sinkErr := s.sink.Close(); sinkErr != nil {
			if err == nil {
				err = sinkErr
			} else {
				logger.Warnf("Failed to close sink after upstream close error: %v", sinkErr)
			}
		}
	}

	s.opened = false
	s.sinkErr = nil

	return err
}
