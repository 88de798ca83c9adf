// Package http reads byte ranges over HTTP(S) using Range requests.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/NamanBalaji/upstream/internal/logger"
	"github.com/NamanBalaji/upstream/pkg/datasource"
	httpPkg "github.com/NamanBalaji/upstream/pkg/http"
)

const transport = "http"

var (
	ErrRangeMismatch = errors.New("server returned a different range than requested")
	ErrShortSkip     = errors.New("response ended before the requested position")
)

type Option func(*Source)

// WithHeaders sets headers sent with every request. Spec headers take
// precedence.
func WithHeaders(headers map[string]string) Option {
	return func(s *Source) {
		s.headers = maps.Clone(headers)
	}
}

// Source is a Source backed by an HTTP response body.
type Source struct {
	client  *httpPkg.Client
	headers map[string]string

	resp      *http.Response
	body      io.Reader
	gz        *gzip.Reader
	cancel    context.CancelFunc
	spec      datasource.Spec
	uri       string
	remaining int64
	opened    bool
}

func New(client *httpPkg.Client, opts ...Option) *Source {
	s := &Source{client: client}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// NewFactory returns a factory of sources sharing client.
func NewFactory(client *httpPkg.Client, opts ...Option) datasource.Factory {
	return datasource.FactoryFunc(func() datasource.Source {
		return New(client, opts...)
	})
}

func (s *Source) Open(ctx context.Context, spec datasource.Spec) (int64, error) {
	if s.opened {
		return 0, datasource.ErrAlreadyOpen
	}

	if err := ctx.Err(); err != nil {
		return 0, datasource.NewContextError(datasource.OpOpen, err, spec.URI)
	}

	s.spec = spec

	if spec.IsBounded() && spec.Length == 0 {
		s.markOpen(spec.URI, 0)
		return 0, nil
	}

	end := int64(-1)
	if spec.IsBounded() {
		end = spec.Position + spec.Length - 1
	}

	// Compressed bodies cannot be addressed by byte range, so compression is
	// only negotiated for whole-resource requests.
	allowGzip := spec.HasFlag(datasource.FlagAllowGzip) && spec.Position == 0 && !spec.IsBounded()

	headers := s.requestHeaders(spec, allowGzip)

	// The request outlives Open, so it gets its own context. The caller's
	// context only aborts it while Open is in progress.
	reqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)

	resp, err := s.client.Range(reqCtx, spec.Method, spec.URI, spec.Position, end, headers)

	stop()

	if err != nil {
		cancel()

		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, datasource.NewContextError(datasource.OpOpen, ctxErr, spec.URI)
		}

		if s.atEnd(spec, err) {
			logger.Debugf("Position %d is the end of %s", spec.Position, spec.URI)
			s.markOpen(spec.URI, 0)

			return 0, nil
		}

		return 0, classify(datasource.OpOpen, err, spec.URI)
	}

	s.resp = resp
	s.cancel = cancel
	s.body = resp.Body

	length, err := s.prepareBody(ctx, spec, resp)
	if err != nil {
		s.release()
		return 0, err
	}

	s.markOpen(resp.Request.URL.String(), length)

	logger.Debugf("Opened %s (%s) status=%d length=%d", spec.URI, httpPkg.GetFilename(resp), resp.StatusCode, length)

	return length, nil
}

func (s *Source) requestHeaders(spec datasource.Spec, allowGzip bool) map[string]string {
	headers := make(map[string]string, len(s.headers)+len(spec.Headers)+1)
	maps.Copy(headers, s.headers)
	maps.Copy(headers, spec.Headers)

	if allowGzip {
		headers["Accept-Encoding"] = "gzip"
	} else {
		headers["Accept-Encoding"] = "identity"
	}

	return headers
}

// atEnd reports whether err is a 416 for an open-ended request starting
// exactly at the end of the resource.
func (s *Source) atEnd(spec datasource.Spec, err error) bool {
	var statusErr *httpPkg.StatusError
	if spec.IsBounded() || !errors.As(err, &statusErr) || statusErr.Code != http.StatusRequestedRangeNotSatisfiable {
		return false
	}

	_, _, total, parseErr := httpPkg.ParseContentRange(statusErr.Header.Get("Content-Range"))

	return parseErr == nil && total == spec.Position
}

// prepareBody positions the body at spec.Position and resolves the length.
func (s *Source) prepareBody(ctx context.Context, spec datasource.Spec, resp *http.Response) (int64, error) {
	uri := resp.Request.URL.String()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		start, end, total, err := httpPkg.ParseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return 0, protocolError(datasource.OpOpen, err, uri, resp.StatusCode)
		}

		if start != spec.Position {
			return 0, protocolError(datasource.OpOpen,
				fmt.Errorf("%w: wanted %d, got %d", ErrRangeMismatch, spec.Position, start), uri, resp.StatusCode)
		}

		if spec.IsBounded() {
			if err := spec.CheckServed(end, total); err != nil {
				return 0, datasource.NewResourceError(datasource.OpOpen, err, uri)
			}

			return spec.Length, nil
		}

		if resp.ContentLength >= 0 {
			return resp.ContentLength, nil
		}

		if total >= 0 {
			return total - spec.Position, nil
		}

		return datasource.LengthUnbounded, nil

	default:
		if spec.Position > 0 {
			// The server ignored the Range header. Skip ahead manually.
			if err := s.skip(ctx, spec.Position, uri); err != nil {
				return 0, err
			}
		}

		if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
			gz, err := gzip.NewReader(resp.Body)
			if err != nil {
				return 0, protocolError(datasource.OpOpen, err, uri, resp.StatusCode)
			}

			s.gz = gz
			s.body = gz

			if spec.IsBounded() {
				return spec.Length, nil
			}

			return datasource.LengthUnbounded, nil
		}

		if spec.IsBounded() {
			if resp.ContentLength >= 0 && resp.ContentLength-spec.Position < spec.Length {
				return 0, datasource.NewResourceError(datasource.OpOpen,
					fmt.Errorf("%w: %d+%d > %d", datasource.ErrPositionOutOfRange, spec.Position, spec.Length, resp.ContentLength), uri)
			}

			return spec.Length, nil
		}

		if resp.ContentLength >= 0 {
			return resp.ContentLength - spec.Position, nil
		}

		return datasource.LengthUnbounded, nil
	}
}

func (s *Source) skip(ctx context.Context, n int64, uri string) error {
	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()

	skipped, err := io.CopyN(io.Discard, s.resp.Body, n)
	if err == nil {
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return datasource.NewContextError(datasource.OpOpen, ctxErr, uri)
	}

	if errors.Is(err, io.EOF) {
		return datasource.NewResourceError(datasource.OpOpen,
			fmt.Errorf("%w: %w after %d bytes", datasource.ErrPositionOutOfRange, ErrShortSkip, skipped), uri)
	}

	return classify(datasource.OpOpen, err, uri)
}

func (s *Source) markOpen(uri string, length int64) {
	s.uri = uri
	s.remaining = length
	s.opened = true
}

func (s *Source) Read(ctx context.Context, p []byte) (int, error) {
	if err := datasource.CheckRead(s.opened, p); err != nil {
		return 0, err
	}

	if s.remaining == 0 {
		return 0, datasource.EndOfInput
	}

	if err := ctx.Err(); err != nil {
		return 0, datasource.NewContextError(datasource.OpRead, err, s.uri)
	}

	if s.remaining > 0 && int64(len(p)) > s.remaining {
		p = p[:s.remaining]
	}

	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()

	for {
		n, err := s.body.Read(p)
		if n > 0 {
			if s.remaining > 0 {
				s.remaining -= int64(n)
			}

			return n, nil
		}

		if errors.Is(err, io.EOF) {
			if s.remaining > 0 {
				return 0, datasource.NewNetworkError(datasource.OpRead,
					fmt.Errorf("%w: %d bytes missing", httpPkg.ErrUnexpectedEOF, s.remaining), s.uri, true)
			}

			s.remaining = 0

			return 0, datasource.EndOfInput
		}

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return 0, datasource.NewContextError(datasource.OpRead, ctxErr, s.uri)
			}

			return 0, classify(datasource.OpRead, err, s.uri)
		}
	}
}

func (s *Source) URI() string {
	if !s.opened {
		return ""
	}

	return s.uri
}

func (s *Source) Close() error {
	err := s.release()

	s.opened = false
	s.uri = ""
	s.remaining = 0

	return err
}

func (s *Source) release() error {
	var closeErr error

	if s.gz != nil {
		closeErr = s.gz.Close()
		s.gz = nil
	}

	if s.resp != nil {
		if err := s.resp.Body.Close(); err != nil && closeErr == nil {
			closeErr = err
		}

		s.resp = nil
	}

	s.body = nil

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	if closeErr != nil {
		return datasource.NewIOError(datasource.OpClose, closeErr, s.spec.URI)
	}

	return nil
}

// classify maps a client error onto a datasource error.
func classify(op datasource.Op, err error, uri string) error {
	var statusErr *httpPkg.StatusError
	if errors.As(err, &statusErr) {
		return datasource.NewHTTPError(op, err, uri, statusErr.Code)
	}

	classified := httpPkg.ClassifyError(err)
	if errors.Is(classified, context.Canceled) {
		return datasource.NewContextError(op, err, uri)
	}

	e := datasource.NewNetworkError(op, fmt.Errorf("%w: %w", classified, err), uri, httpPkg.IsRetryable(classified))
	e.Transport = transport

	return e
}

func protocolError(op datasource.Op, err error, uri string, statusCode int) error {
	e := datasource.NewHTTPError(op, err, uri, statusCode)
	e.Category = datasource.CategoryProtocol
	e.Retryable = false

	return e
}
