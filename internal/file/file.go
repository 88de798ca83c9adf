// Package file reads byte ranges of local files.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"strings"

	"github.com/NamanBalaji/upstream/internal/logger"
	"github.com/NamanBalaji/upstream/pkg/datasource"
)

const Scheme = "file"

// Source is a Source over a local file.
type Source struct {
	file      *os.File
	uri       string
	remaining int64
}

func New() *Source {
	return &Source{}
}

func Factory() datasource.Factory {
	return datasource.FactoryFunc(func() datasource.Source {
		return New()
	})
}

// PathOf converts a file: URI or a plain path to a filesystem path.
func PathOf(uri string) (string, error) {
	if !strings.HasPrefix(uri, Scheme+":") {
		return uri, nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return "", err
	}

	if u.Path == "" {
		return u.Opaque, nil
	}

	return u.Path, nil
}

func (s *Source) Open(ctx context.Context, spec datasource.Spec) (int64, error) {
	if s.file != nil {
		return 0, datasource.ErrAlreadyOpen
	}

	if err := ctx.Err(); err != nil {
		return 0, datasource.NewContextError(datasource.OpOpen, err, spec.URI)
	}

	path, err := PathOf(spec.URI)
	if err != nil {
		return 0, datasource.NewResourceError(datasource.OpOpen, err, spec.URI)
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, classifyOpenError(err, spec.URI)
	}

	n, err := seek(f, spec)
	if err != nil {
		if closeErr := f.Close(); closeErr != nil {
			logger.Warnf("Failed to close %s after open error: %v", path, closeErr)
		}

		return 0, err
	}

	s.file = f
	s.uri = spec.URI
	s.remaining = n

	logger.Debugf("Opened %s at %d for %d bytes", path, spec.Position, n)

	return n, nil
}

func seek(f *os.File, spec datasource.Spec) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, datasource.NewIOError(datasource.OpOpen, err, spec.URI)
	}

	size := info.Size()
	if spec.Position > size {
		return 0, datasource.NewResourceError(datasource.OpOpen,
			fmt.Errorf("%w: %d > %d", datasource.ErrPositionOutOfRange, spec.Position, size), spec.URI)
	}

	n := size - spec.Position
	if spec.IsBounded() {
		if spec.Length > n {
			return 0, datasource.NewResourceError(datasource.OpOpen,
				fmt.Errorf("%w: %d+%d > %d", datasource.ErrPositionOutOfRange, spec.Position, spec.Length, size), spec.URI)
		}

		n = spec.Length
	}

	if _, err := f.Seek(spec.Position, io.SeekStart); err != nil {
		return 0, datasource.NewIOError(datasource.OpOpen, err, spec.URI)
	}

	return n, nil
}

func classifyOpenError(err error, uri string) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return datasource.NewResourceError(datasource.OpOpen, fmt.Errorf("%w: %w", datasource.ErrResourceNotFound, err), uri)
	case errors.Is(err, fs.ErrPermission):
		e := datasource.NewResourceError(datasource.OpOpen, fmt.Errorf("%w: %w", datasource.ErrAccessDenied, err), uri)
		e.Category = datasource.CategorySecurity

		return e
	default:
		return datasource.NewIOError(datasource.OpOpen, err, uri)
	}
}

func (s *Source) Read(ctx context.Context, p []byte) (int, error) {
	if err := datasource.CheckRead(s.file != nil, p); err != nil {
		return 0, err
	}

	if err := ctx.Err(); err != nil {
		return 0, datasource.NewContextError(datasource.OpRead, err, s.uri)
	}

	if s.remaining == 0 {
		return 0, datasource.EndOfInput
	}

	if int64(len(p)) > s.remaining {
		p = p[:s.remaining]
	}

	for {
		n, err := s.file.Read(p)
		if n > 0 {
			s.remaining -= int64(n)
			return n, nil
		}

		if errors.Is(err, io.EOF) {
			// The file shrank after open.
			return 0, datasource.NewIOError(datasource.OpRead, io.ErrUnexpectedEOF, s.uri)
		}

		if err != nil {
			return 0, datasource.NewIOError(datasource.OpRead, err, s.uri)
		}
	}
}

func (s *Source) URI() string {
	if s.file == nil {
		return ""
	}

	return s.uri
}

func (s *Source) Close() error {
	if s.file == nil {
		return nil
	}

	f := s.file
	s.file = nil
	s.uri = ""
	s.remaining = 0

	if err := f.Close(); err != nil {
		return datasource.NewIOError(datasource.OpClose, err, f.Name())
	}

	return nil
}
