package datasource

import (
	"fmt"
	"maps"
	"net/http"
	"strconv"
	"strings"
)

// LengthUnbounded marks a request that reads to the end of the resource, or an
// open result whose length could not be resolved.
const LengthUnbounded int64 = -1

// Flags alter how a Spec is served by transports and decorators.
type Flags uint32

const (
	// FlagAllowGzip lets a transport negotiate a compressed response. The
	// decoded length of such a response is unknown up front.
	FlagAllowGzip Flags = 1 << iota
	// FlagDontCacheIfLengthUnknown stops the cache from writing spans for a
	// request whose length is still unresolved after open.
	FlagDontCacheIfLengthUnknown
)

// Spec describes a byte range of a resource. It is immutable once built;
// derive new values with Subrange and WithURI.
type Spec struct {
	URI      string
	Method   string
	Headers  map[string]string
	Position int64
	Length   int64
	Key      string
	Flags    Flags
}

type SpecOption func(*Spec)

func WithPosition(position int64) SpecOption {
	return func(s *Spec) {
		s.Position = position
	}
}

func WithLength(length int64) SpecOption {
	return func(s *Spec) {
		s.Length = length
	}
}

// WithKey sets a cache key independent of the URI.
func WithKey(key string) SpecOption {
	return func(s *Spec) {
		s.Key = key
	}
}

func WithMethod(method string) SpecOption {
	return func(s *Spec) {
		s.Method = method
	}
}

// WithHeaders copies headers into the spec.
func WithHeaders(headers map[string]string) SpecOption {
	return func(s *Spec) {
		s.Headers = maps.Clone(headers)
	}
}

func WithFlags(flags Flags) SpecOption {
	return func(s *Spec) {
		s.Flags = flags
	}
}

// NewSpec builds a Spec for uri. By default it requests the whole resource
// with a GET.
func NewSpec(uri string, opts ...SpecOption) (Spec, error) {
	s := Spec{
		URI:    uri,
		Method: http.MethodGet,
		Length: LengthUnbounded,
	}

	for _, opt := range opts {
		opt(&s)
	}

	if err := s.Validate(); err != nil {
		return Spec{}, err
	}

	return s, nil
}

// MustSpec is like NewSpec but panics on an invalid combination.
func MustSpec(uri string, opts ...SpecOption) Spec {
	s, err := NewSpec(uri, opts...)
	if err != nil {
		panic(err)
	}

	return s
}

// Validate reports whether s satisfies the position and length invariants.
func (s Spec) Validate() error {
	if s.URI == "" {
		return fmt.Errorf("%w: empty uri", ErrInvalidSpec)
	}

	if s.Position < 0 {
		return fmt.Errorf("%w: negative position %d", ErrInvalidSpec, s.Position)
	}

	if s.Length < 0 && s.Length != LengthUnbounded {
		return fmt.Errorf("%w: invalid length %d", ErrInvalidSpec, s.Length)
	}

	return nil
}

// IsBounded reports whether the spec requests a known number of bytes.
func (s Spec) IsBounded() bool {
	return s.Length != LengthUnbounded
}

// CheckServed reports whether a response covering bytes up to end (inclusive)
// of a resource of total bytes satisfies a bounded s. A total of -1 is
// unknown. Short responses fail with ErrPositionOutOfRange.
func (s Spec) CheckServed(end, total int64) error {
	if !s.IsBounded() || s.Length == 0 {
		return nil
	}

	last := s.Position + s.Length - 1

	if end < last || (total >= 0 && total <= last) {
		return fmt.Errorf("%w: %d+%d exceeds served range ending at %d of %d",
			ErrPositionOutOfRange, s.Position, s.Length, end, total)
	}

	return nil
}

// HasFlag reports whether all bits of f are set.
func (s Spec) HasFlag(f Flags) bool {
	return s.Flags&f == f
}

// Subrange returns a copy whose position is advanced by offset and whose
// length is length. The receiver is left untouched.
func (s Spec) Subrange(offset, length int64) Spec {
	out := s
	out.Headers = maps.Clone(s.Headers)
	out.Position = s.Position + offset
	out.Length = length

	return out
}

// WithURI returns a copy addressing uri.
func (s Spec) WithURI(uri string) Spec {
	out := s
	out.Headers = maps.Clone(s.Headers)
	out.URI = uri

	return out
}

// CacheKey returns the key under which the resource is cached.
func (s Spec) CacheKey() string {
	if s.Key != "" {
		return s.Key
	}

	return s.URI
}

// Identity returns a string usable as a map key for this exact request.
func (s Spec) Identity() string {
	return s.CacheKey() + "@" + strconv.FormatInt(s.Position, 10) + "+" + strconv.FormatInt(s.Length, 10)
}

// Equal compares every field, headers included.
func (s Spec) Equal(other Spec) bool {
	return s.URI == other.URI &&
		s.Method == other.Method &&
		s.Position == other.Position &&
		s.Length == other.Length &&
		s.Key == other.Key &&
		s.Flags == other.Flags &&
		maps.Equal(s.Headers, other.Headers)
}

func (s Spec) String() string {
	var b strings.Builder

	b.WriteString("Spec[")
	b.WriteString(s.Method)
	b.WriteByte(' ')
	b.WriteString(s.URI)
	fmt.Fprintf(&b, ", %d, %d", s.Position, s.Length)

	if s.Key != "" {
		b.WriteString(", key=")
		b.WriteString(s.Key)
	}

	if s.Flags != 0 {
		fmt.Fprintf(&b, ", flags=%d", s.Flags)
	}

	b.WriteByte(']')

	return b.String()
}
