package datasource

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/NamanBalaji/upstream/internal/logger"
)

// DefaultScheme is used for URIs without a scheme, which are treated as local
// paths.
const DefaultScheme = "file"

type RegistryOptions struct {
	// AllowOverwrite lets Register replace an existing scheme.
	AllowOverwrite bool
}

// Registry maps URI schemes to transport factories. It is itself a Factory:
// the Sources it creates pick a transport on Open from the spec URI.
type Registry struct {
	factories sync.Map // key: scheme, value: Factory
	options   RegistryOptions
}

func NewRegistry(opts RegistryOptions) *Registry {
	return &Registry{
		options: opts,
	}
}

// Register adds f for scheme. Schemes are case-insensitive.
func (r *Registry) Register(scheme string, f Factory) error {
	scheme = strings.ToLower(scheme)
	if scheme == "" || f == nil {
		return fmt.Errorf("cannot register empty scheme or nil factory")
	}

	if !r.options.AllowOverwrite {
		if _, exists := r.factories.LoadOrStore(scheme, f); exists {
			return fmt.Errorf("%w: %s", ErrDuplicateScheme, scheme)
		}

		return nil
	}

	r.factories.Store(scheme, f)

	return nil
}

// IsRegistered reports whether scheme has a factory.
func (r *Registry) IsRegistered(scheme string) bool {
	_, ok := r.factories.Load(strings.ToLower(scheme))
	return ok
}

// Schemes returns the registered schemes in sorted order.
func (r *Registry) Schemes() []string {
	var schemes []string

	r.factories.Range(func(key, _ any) bool {
		schemes = append(schemes, key.(string))
		return true
	})

	sort.Strings(schemes)

	return schemes
}

// Create returns a routing Source.
func (r *Registry) Create() Source {
	return &routingSource{registry: r}
}

func (r *Registry) factoryFor(uri string) (Factory, error) {
	scheme := SchemeOf(uri)

	f, ok := r.factories.Load(scheme)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}

	return f.(Factory), nil
}

// SchemeOf returns the lower-cased scheme of uri, or DefaultScheme when it has
// none.
func SchemeOf(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Single letter schemes are Windows drive letters.
		return DefaultScheme
	}

	return strings.ToLower(u.Scheme)
}

type routingSource struct {
	registry *Registry
	current  Source
}

func (s *routingSource) Open(ctx context.Context, spec Spec) (int64, error) {
	if s.current != nil {
		return 0, ErrAlreadyOpen
	}

	if err := spec.Validate(); err != nil {
		return 0, NewResourceError(OpOpen, err, spec.URI)
	}

	f, err := s.registry.factoryFor(spec.URI)
	if err != nil {
		return 0, NewResourceError(OpOpen, err, spec.URI)
	}

	logger.Debugf("Routing %s to %s transport", spec.URI, SchemeOf(spec.URI))

	s.current = f.Create()

	return s.current.Open(ctx, spec)
}

func (s *routingSource) Read(ctx context.Context, p []byte) (int, error) {
	if s.current == nil {
		return 0, ErrNotOpen
	}

	return s.current.Read(ctx, p)
}

func (s *routingSource) URI() string {
	if s.current == nil {
		return ""
	}

	return s.current.URI()
}

func (s *routingSource) Close() error {
	if s.current == nil {
		return nil
	}

	src := s.current
	s.current = nil

	return src.Close()
}
