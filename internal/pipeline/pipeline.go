// Package pipeline assembles the transports and decorators described by a
// Config into a single Factory.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/NamanBalaji/upstream/internal/cache"
	"github.com/NamanBalaji/upstream/internal/chunk"
	"github.com/NamanBalaji/upstream/internal/config"
	"github.com/NamanBalaji/upstream/internal/file"
	httpsrc "github.com/NamanBalaji/upstream/internal/http"
	"github.com/NamanBalaji/upstream/internal/logger"
	"github.com/NamanBalaji/upstream/internal/memory"
	"github.com/NamanBalaji/upstream/internal/retry"
	s3src "github.com/NamanBalaji/upstream/internal/s3"
	"github.com/NamanBalaji/upstream/internal/throttle"
	"github.com/NamanBalaji/upstream/internal/transfer"
	"github.com/NamanBalaji/upstream/pkg/datasource"
	httpPkg "github.com/NamanBalaji/upstream/pkg/http"
)

var ErrCacheDisabled = errors.New("cache disabled")

// Pipeline holds the layers built from a Config. From the inside out:
// transports routed by scheme, throttling, retries, the cache and transfer
// listeners.
type Pipeline struct {
	Registry *datasource.Registry
	Limiter  *rate.Limiter
	Store    *cache.Store

	// Upstream is the chain below the cache.
	Upstream datasource.Factory
	// Factory is the complete chain.
	Factory datasource.Factory

	cfg *config.Config
}

// Build creates a pipeline. The cache store, if enabled, stays open until
// Close.
func Build(cfg *config.Config, listeners ...datasource.TransferListener) (*Pipeline, error) {
	registry, err := NewRegistry(cfg)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		Registry: registry,
		cfg:      cfg,
	}

	var f datasource.Factory = registry

	if cfg.Throttle != nil && cfg.Throttle.BytesPerSecond > 0 {
		p.Limiter = throttle.NewLimiter(cfg.Throttle.BytesPerSecond, cfg.Throttle.Burst)
		f = throttle.NewFactory(f, p.Limiter)

		logger.Debugf("Throttling reads to %d B/s", cfg.Throttle.BytesPerSecond)
	}

	if !cfg.Retry.Disabled {
		f = retry.NewFactory(f,
			retry.WithMaxRetries(cfg.Retry.MaxRetries),
			retry.WithRetryDelay(cfg.Retry.RetryDelay),
		)
	}

	p.Upstream = f

	if !cfg.Cache.Disabled {
		store, err := cache.Open(cfg.Cache.Dir, cache.WithMaxBytes(cfg.Cache.MaxBytes))
		if err != nil {
			return nil, fmt.Errorf("opening cache: %w", err)
		}

		p.Store = store

		var opts []cache.SourceOption
		if cfg.Cache.BlockOnCache {
			opts = append(opts, cache.WithBlockOnCache())
		}

		if cfg.Cache.IgnoreCacheOnError {
			opts = append(opts, cache.WithIgnoreCacheOnError())
		}

		f = cache.NewFactory(store, f, opts...)
	}

	if len(listeners) > 0 {
		f = transfer.NewFactory(f, listeners...)
	}

	p.Factory = f

	return p, nil
}

// NewRegistry registers every transport: local files, HTTP(S), data URIs and
// S3.
func NewRegistry(cfg *config.Config) (*datasource.Registry, error) {
	registry := datasource.NewRegistry(datasource.RegistryOptions{})

	client := httpPkg.NewClient(httpPkg.Options{
		UserAgent:                   cfg.Http.UserAgent,
		ConnectTimeout:              cfg.Http.ConnectTimeout,
		MaxRedirects:                cfg.Http.MaxRedirects,
		AllowCrossProtocolRedirects: cfg.Http.AllowCrossProtocolRedirects,
	})
	httpFactory := httpsrc.NewFactory(client, httpsrc.WithHeaders(cfg.Http.Headers))

	var aliases map[string]config.Alias
	if cfg.S3 != nil {
		aliases = cfg.S3.Aliases
	}

	transports := []struct {
		scheme  string
		factory datasource.Factory
	}{
		{file.Scheme, file.Factory()},
		{"http", httpFactory},
		{"https", httpFactory},
		{memory.Scheme, memory.Factory()},
		{s3src.Scheme, s3src.NewFactory(aliases)},
	}

	for _, t := range transports {
		if err := registry.Register(t.scheme, t.factory); err != nil {
			return nil, err
		}
	}

	return registry, nil
}

// Precache fills the cache with the range described by spec.
func (p *Pipeline) Precache(ctx context.Context, spec datasource.Spec) (int64, error) {
	if p.Store == nil {
		return 0, ErrCacheDisabled
	}

	return cache.Precache(ctx, p.Store, p.Upstream, spec)
}

// Loader returns a parallel loader over the complete chain, configured from
// the loader section. opts override the configuration.
func (p *Pipeline) Loader(opts ...chunk.Option) *chunk.Loader {
	base := []chunk.Option{
		chunk.WithConnections(p.cfg.Loader.Connections),
		chunk.WithMaxChunks(p.cfg.Loader.Chunks),
		chunk.WithMinChunkSize(p.cfg.Loader.MinChunkSize),
	}

	return chunk.NewLoader(p.Factory, append(base, opts...)...)
}

// Close closes the cache store.
func (p *Pipeline) Close() error {
	if p.Store == nil {
		return nil
	}

	return p.Store.Close()
}
