// Package memory serves byte ranges from memory: a fixed byte slice, or the
// payload of a data: URI.
package memory

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/NamanBalaji/upstream/pkg/datasource"
)

const Scheme = "data"

var ErrMalformedDataURI = errors.New("malformed data uri")

// Source reads from an in-memory buffer.
type Source struct {
	// load resolves the buffer for a spec; fixed sources ignore the spec.
	load func(spec datasource.Spec) ([]byte, error)

	data      []byte
	uri       string
	position  int64
	remaining int64
	opened    bool
}

// NewBytes returns a Source serving data for any URI.
func NewBytes(data []byte) *Source {
	return &Source{
		load: func(datasource.Spec) ([]byte, error) {
			return data, nil
		},
	}
}

// NewDataScheme returns a Source that decodes data: URIs.
func NewDataScheme() *Source {
	return &Source{
		load: func(spec datasource.Spec) ([]byte, error) {
			return DecodeDataURI(spec.URI)
		},
	}
}

// Factory returns a factory of data: URI sources.
func Factory() datasource.Factory {
	return datasource.FactoryFunc(func() datasource.Source {
		return NewDataScheme()
	})
}

// BytesFactory returns a factory of sources serving data.
func BytesFactory(data []byte) datasource.Factory {
	return datasource.FactoryFunc(func() datasource.Source {
		return NewBytes(data)
	})
}

func (s *Source) Open(_ context.Context, spec datasource.Spec) (int64, error) {
	if s.opened {
		return 0, datasource.ErrAlreadyOpen
	}

	data, err := s.load(spec)
	if err != nil {
		return 0, datasource.NewResourceError(datasource.OpOpen, err, spec.URI)
	}

	size := int64(len(data))
	if spec.Position > size {
		return 0, datasource.NewResourceError(datasource.OpOpen,
			fmt.Errorf("%w: %d > %d", datasource.ErrPositionOutOfRange, spec.Position, size), spec.URI)
	}

	remaining := size - spec.Position
	if spec.IsBounded() {
		if spec.Length > remaining {
			return 0, datasource.NewResourceError(datasource.OpOpen,
				fmt.Errorf("%w: %d+%d > %d", datasource.ErrPositionOutOfRange, spec.Position, spec.Length, size), spec.URI)
		}

		remaining = spec.Length
	}

	s.data = data
	s.uri = spec.URI
	s.position = spec.Position
	s.remaining = remaining
	s.opened = true

	return remaining, nil
}

func (s *Source) Read(ctx context.Context, p []byte) (int, error) {
	if err := datasource.CheckRead(s.opened, p); err != nil {
		return 0, err
	}

	if err := ctx.Err(); err != nil {
		return 0, datasource.NewContextError(datasource.OpRead, err, s.uri)
	}

	if s.remaining == 0 {
		return 0, datasource.EndOfInput
	}

	n := int64(len(p))
	if n > s.remaining {
		n = s.remaining
	}

	copy(p, s.data[s.position:s.position+n])
	s.position += n
	s.remaining -= n

	return int(n), nil
}

func (s *Source) URI() string {
	if !s.opened {
		return ""
	}

	return s.uri
}

func (s *Source) Close() error {
	s.opened = false
	s.data = nil
	s.uri = ""

	return nil
}

// DecodeDataURI returns the payload of a data: URI (RFC 2397).
func DecodeDataURI(uri string) ([]byte, error) {
	rest, ok := strings.CutPrefix(uri, Scheme+":")
	if !ok {
		return nil, fmt.Errorf("%w: missing %s: prefix", ErrMalformedDataURI, Scheme)
	}

	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, fmt.Errorf("%w: missing comma", ErrMalformedDataURI)
	}

	if strings.HasSuffix(meta, ";base64") {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedDataURI, err)
		}

		return data, nil
	}

	data, err := url.PathUnescape(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedDataURI, err)
	}

	return []byte(data), nil
}
