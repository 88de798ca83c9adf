// Package throttle caps the rate at which bytes are read from Sources.
package throttle

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/NamanBalaji/upstream/pkg/datasource"
)

// NewLimiter returns a limiter allowing bytesPerSecond with bursts of burst
// bytes. A non-positive burst defaults to one second of traffic.
func NewLimiter(bytesPerSecond int64, burst int) *rate.Limiter {
	if burst <= 0 {
		burst = int(bytesPerSecond)
	}

	return rate.NewLimiter(rate.Limit(bytesPerSecond), max(burst, 1))
}

// Source delays reads from an inner Source so that every Source sharing the
// limiter together stays under its rate.
type Source struct {
	inner   datasource.Source
	limiter *rate.Limiter
}

func New(inner datasource.Source, limiter *rate.Limiter) *Source {
	return &Source{
		inner:   inner,
		limiter: limiter,
	}
}

// NewFactory returns a factory whose sources share limiter.
func NewFactory(inner datasource.Factory, limiter *rate.Limiter) datasource.Factory {
	return datasource.FactoryFunc(func() datasource.Source {
		return New(inner.Create(), limiter)
	})
}

func (s *Source) Open(ctx context.Context, spec datasource.Spec) (int64, error) {
	return s.inner.Open(ctx, spec)
}

// Read reserves len(p) bytes, capped at the burst size, before reading. Bytes
// reserved but not delivered are not returned to the limiter.
func (s *Source) Read(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 || s.limiter.Limit() == rate.Inf {
		return s.inner.Read(ctx, p)
	}

	if burst := s.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}

	if err := s.limiter.WaitN(ctx, len(p)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, datasource.NewContextError(datasource.OpRead, ctxErr, s.inner.URI())
		}

		// The wait would outlast the context deadline.
		return 0, datasource.NewContextError(datasource.OpRead, context.DeadlineExceeded, s.inner.URI())
	}

	return s.inner.Read(ctx, p)
}

func (s *Source) URI() string {
	return s.inner.URI()
}

func (s *Source) Close() error {
	return s.inner.Close()
}
