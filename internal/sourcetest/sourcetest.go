// Package sourcetest provides an in-memory resource with scripted failures and
// handle accounting for testing decorators.
package sourcetest

import (
	"context"
	"errors"
	"sync"

	"github.com/NamanBalaji/upstream/pkg/datasource"
)

// ErrTransient is a retryable read failure.
var ErrTransient = datasource.NewNetworkError(datasource.OpRead, errors.New("connection reset"), "sourcetest", true)

// ErrFatal is a terminal read failure.
var ErrFatal = datasource.NewIOError(datasource.OpRead, errors.New("disk error"), "sourcetest")

type fault struct {
	after int64
	err   error
}

// Server is a resource shared by every Source its Factory creates.
type Server struct {
	mu sync.Mutex

	data       []byte
	redirectTo string
	maxRead    int
	unbounded  bool

	openErrs   []error
	readFaults []fault

	opens   int
	closes  int
	handles int
	specs   []datasource.Spec
}

func New(data []byte) *Server {
	return &Server{data: data}
}

// RedirectTo makes opened sources report target as their URI.
func (s *Server) RedirectTo(target string) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.redirectTo = target

	return s
}

// MaxRead caps the bytes returned by a single Read.
func (s *Server) MaxRead(n int) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.maxRead = n

	return s
}

// Unbounded makes open-ended requests report LengthUnbounded, like a chunked
// HTTP response.
func (s *Server) Unbounded() *Server {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.unbounded = true

	return s
}

// FailOpens queues errors returned by the next Opens, one per call.
func (s *Server) FailOpens(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.openErrs = append(s.openErrs, errs...)
}

// FailReadAfter makes the next successfully opened source fail with err once
// it has delivered n bytes.
func (s *Server) FailReadAfter(n int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.readFaults = append(s.readFaults, fault{after: n, err: err})
}

func (s *Server) Factory() datasource.Factory {
	return datasource.FactoryFunc(func() datasource.Source {
		return &Source{server: s}
	})
}

// Opens returns how many times Open was called.
func (s *Server) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.opens
}

// Closes returns how many times Close was called.
func (s *Server) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closes
}

// Handles returns the number of currently held handles.
func (s *Server) Handles() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.handles
}

// Specs returns every spec passed to Open.
func (s *Server) Specs() []datasource.Spec {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]datasource.Spec(nil), s.specs...)
}

// Source is a Source over a Server's data.
type Source struct {
	server *Server

	spec      datasource.Spec
	opened    bool
	holding   bool
	position  int64
	remaining int64
	delivered int64
	fault     *fault
}

func (src *Source) Open(ctx context.Context, spec datasource.Spec) (int64, error) {
	if src.opened {
		return 0, datasource.ErrAlreadyOpen
	}

	if err := ctx.Err(); err != nil {
		return 0, datasource.NewContextError(datasource.OpOpen, err, spec.URI)
	}

	s := src.server
	s.mu.Lock()
	defer s.mu.Unlock()

	s.opens++
	s.specs = append(s.specs, spec)

	if len(s.openErrs) > 0 {
		err := s.openErrs[0]
		s.openErrs = s.openErrs[1:]

		return 0, err
	}

	size := int64(len(s.data))
	if spec.Position > size || (spec.IsBounded() && spec.Position+spec.Length > size) {
		return 0, datasource.NewResourceError(datasource.OpOpen, datasource.ErrPositionOutOfRange, spec.URI)
	}

	src.holding = true
	s.handles++

	if len(s.readFaults) > 0 {
		f := s.readFaults[0]
		s.readFaults = s.readFaults[1:]
		src.fault = &f
	}

	src.spec = spec
	src.opened = true
	src.position = spec.Position
	src.delivered = 0

	if spec.IsBounded() {
		src.remaining = spec.Length
		return spec.Length, nil
	}

	src.remaining = size - spec.Position
	if s.unbounded {
		return datasource.LengthUnbounded, nil
	}

	return src.remaining, nil
}

func (src *Source) Read(ctx context.Context, p []byte) (int, error) {
	if err := datasource.CheckRead(src.opened, p); err != nil {
		return 0, err
	}

	if err := ctx.Err(); err != nil {
		return 0, datasource.NewContextError(datasource.OpRead, err, src.spec.URI)
	}

	if src.remaining == 0 {
		return 0, datasource.EndOfInput
	}

	n := int64(len(p))
	if n > src.remaining {
		n = src.remaining
	}

	src.server.mu.Lock()
	maxRead := src.server.maxRead
	src.server.mu.Unlock()

	if maxRead > 0 && n > int64(maxRead) {
		n = int64(maxRead)
	}

	if src.fault != nil {
		left := src.fault.after - src.delivered
		if left <= 0 {
			err := src.fault.err
			src.fault = nil

			return 0, err
		}

		if n > left {
			n = left
		}
	}

	copy(p, src.server.data[src.position:src.position+n])
	src.position += n
	src.remaining -= n
	src.delivered += n

	return int(n), nil
}

func (src *Source) URI() string {
	if !src.opened {
		return ""
	}

	src.server.mu.Lock()
	defer src.server.mu.Unlock()

	if src.server.redirectTo != "" {
		return src.server.redirectTo
	}

	return src.spec.URI
}

func (src *Source) Close() error {
	s := src.server
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closes++

	if src.holding {
		src.holding = false
		s.handles--
	}

	src.opened = false
	src.fault = nil

	return nil
}
