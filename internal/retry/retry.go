// Package retry re-opens a Source after retryable failures and resumes reading
// where the failed attempt stopped.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/NamanBalaji/upstream/internal/logger"
	"github.com/NamanBalaji/upstream/pkg/datasource"
)

const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 500 * time.Millisecond

	maxDelay = 2 * time.Minute
)

// Classifier reports whether err is worth another attempt.
type Classifier func(err error) bool

type Option func(*Source)

// WithMaxRetries sets how many consecutive failures are retried before the
// last one is returned.
func WithMaxRetries(n int) Option {
	return func(s *Source) {
		s.maxRetries = max(n, 0)
	}
}

// WithRetryDelay sets the base of the exponential backoff.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Source) {
		s.retryDelay = d
	}
}

func WithClassifier(c Classifier) Option {
	return func(s *Source) {
		if c != nil {
			s.classify = c
		}
	}
}

// Source wraps an inner Source. A retryable failure during Open re-opens the
// same range; one during Read re-opens the remainder of the range, so the
// bytes delivered across attempts add up to the Open result with no gap or
// duplicate.
type Source struct {
	inner datasource.Source

	maxRetries int
	retryDelay time.Duration
	classify   Classifier

	spec      datasource.Spec
	length    int64
	delivered int64
	failures  int
	opened    bool
}

func New(inner datasource.Source, opts ...Option) *Source {
	s := &Source{
		inner:      inner,
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
		classify:   datasource.IsRetryable,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// NewFactory returns a factory of retrying sources around sources of inner.
func NewFactory(inner datasource.Factory, opts ...Option) datasource.Factory {
	return datasource.FactoryFunc(func() datasource.Source {
		return New(inner.Create(), opts...)
	})
}

func (s *Source) Open(ctx context.Context, spec datasource.Spec) (int64, error) {
	if s.opened {
		return 0, datasource.ErrAlreadyOpen
	}

	s.spec = spec
	s.delivered = 0
	s.failures = 0

	n, err := s.openInner(ctx, spec)
	if err != nil {
		return 0, err
	}

	s.length = n
	s.opened = true

	return n, nil
}

// openInner opens the inner source, retrying retryable failures.
func (s *Source) openInner(ctx context.Context, spec datasource.Spec) (int64, error) {
	for {
		n, err := s.inner.Open(ctx, spec)
		if err == nil {
			return n, nil
		}

		datasource.CloseQuietly(s.inner, spec.URI)

		if waitErr := s.backoff(ctx, datasource.OpOpen, err); waitErr != nil {
			return 0, waitErr
		}

		logger.Debugf("Retrying open of %s (attempt %d/%d): %v", spec, s.failures+1, s.maxRetries+1, err)
	}
}

// backoff records a failure and waits before the next attempt. It returns the
// error to give up with, if any.
func (s *Source) backoff(ctx context.Context, op datasource.Op, err error) error {
	if datasource.IsCancellation(err) || !s.classify(err) {
		return err
	}

	s.failures++

	if s.failures > s.maxRetries {
		logger.Warnf("Giving up on %s after %d attempts: %v", s.spec.URI, s.failures, err)
		return datasource.WithAttempts(err, s.failures)
	}

	timer := time.NewTimer(calculateBackoff(s.failures-1, s.retryDelay))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return datasource.NewContextError(op, ctx.Err(), s.spec.URI)
	case <-timer.C:
		return nil
	}
}

func (s *Source) Read(ctx context.Context, p []byte) (int, error) {
	if err := datasource.CheckRead(s.opened, p); err != nil {
		return 0, err
	}

	for {
		n, err := s.inner.Read(ctx, p)
		if n > 0 {
			s.delivered += int64(n)
			s.failures = 0

			return n, nil
		}

		if err == nil || errors.Is(err, datasource.EndOfInput) {
			return n, err
		}

		if waitErr := s.backoff(ctx, datasource.OpRead, err); waitErr != nil {
			return 0, waitErr
		}

		if err := s.resume(ctx); err != nil {
			return 0, err
		}
	}
}

// resume re-opens the inner source at the first byte not yet delivered.
func (s *Source) resume(ctx context.Context) error {
	datasource.CloseQuietly(s.inner, s.spec.URI)

	remaining := datasource.LengthUnbounded
	if s.length != datasource.LengthUnbounded {
		remaining = s.length - s.delivered
	}

	spec := s.spec.Subrange(s.delivered, remaining)

	logger.Debugf("Resuming %s at %d (attempt %d/%d)", s.spec.URI, spec.Position, s.failures+1, s.maxRetries+1)

	n, err := s.openInner(ctx, spec)
	if err != nil {
		s.opened = false
		return err
	}

	if remaining != datasource.LengthUnbounded && n != remaining {
		logger.Warnf("Resumed %s reports %d bytes, expected %d", s.spec.URI, n, remaining)
	}

	return nil
}

func (s *Source) URI() string {
	if !s.opened {
		return ""
	}

	return s.inner.URI()
}

func (s *Source) Close() error {
	s.opened = false

	return s.inner.Close()
}

// calculateBackoff calculates a backoff duration with jitter.
func calculateBackoff(retryCount int, baseDelay time.Duration) time.Duration {
	delay := baseDelay * (1 << uint(min(retryCount, 30)))

	jitterFactor := 0.75 + 0.5*rand.Float64()
	jitter := time.Duration(float64(delay) * jitterFactor)

	if jitter > maxDelay || jitter < 0 {
		jitter = maxDelay
	}

	return jitter
}
