package cache

import (
	"context"
	"errors"

	"github.com/NamanBalaji/upstream/internal/logger"
	"github.com/NamanBalaji/upstream/pkg/datasource"
)

const precacheBufferSize = 64 * 1024

// Precache reads the range described by spec through the cache so that later
// requests are served locally. Concurrent calls for the same range share one
// fetch. It returns the number of bytes read from upstream or the cache.
func Precache(ctx context.Context, store *Store, upstream datasource.Factory, spec datasource.Spec) (int64, error) {
	v, err, shared := store.fetchGroup.Do(spec.Identity(), func() (any, error) {
		return precache(ctx, store, upstream, spec)
	})
	if shared {
		logger.Debugf("Joined in-flight precache of %s", spec.Identity())
	}

	n, _ := v.(int64)

	return n, err
}

func precache(ctx context.Context, store *Store, upstream datasource.Factory, spec datasource.Spec) (int64, error) {
	if spec.IsBounded() && store.CachedBytes(spec.CacheKey(), spec.Position, spec.Length) == spec.Length {
		logger.Debugf("%s already cached", spec)
		return spec.Length, nil
	}

	src := NewSource(store, upstream.Create(), WithBlockOnCache())
	defer datasource.CloseQuietly(src, spec.URI)

	if _, err := src.Open(ctx, spec); err != nil {
		return 0, err
	}

	buf := make([]byte, precacheBufferSize)

	var total int64

	for {
		n, err := src.Read(ctx, buf)
		total += int64(n)

		if errors.Is(err, datasource.EndOfInput) {
			return total, nil
		}

		if err != nil {
			return total, err
		}
	}
}
