package keys

import (
	"context"
	"time"

	"github.com/erebus-sh/erebus/pkg/cache"
)

// CachedStore fronts another Store with a short in-process TTL cache keyed
// by fingerprint. Failed resolutions (not-found, disabled, revoked) are
// cached negatively for half the TTL so a hot bad key cannot hammer the
// authoritative store. Revocation calls Invalidate to stay read-your-writes
// ahead of the TTL.
type CachedStore struct {
	inner Store
	cache *cache.Cache
}

// NewCachedStore wraps inner with a cache holding up to maxEntries
// resolutions for ttl.
func NewCachedStore(inner Store, ttl time.Duration, maxEntries int, hooks cache.MetricsHooks) *CachedStore {
	return &CachedStore{
		inner: inner,
		cache: cache.New(cache.Options{
			TTL:         ttl,
			NegativeTTL: ttl / 2,
			MaxEntries:  maxEntries,
		}, hooks),
	}
}

// Resolve implements Store.
func (s *CachedStore) Resolve(ctx context.Context, secretKey string) (*Resolution, error) {
	if err := ValidateFormat(secretKey); err != nil {
		return nil, err
	}

	fingerprint := Fingerprint(secretKey)
	val, ok, err := s.cache.Get(ctx, fingerprint, func(ctx context.Context, _ string) (interface{}, bool, error) {
		rec, err := s.inner.Resolve(ctx, secretKey)
		if err != nil {
			return nil, false, err
		}
		return rec, true, nil
	})
	if !ok {
		return nil, err
	}
	rec := val.(*Resolution)
	out := *rec
	return &out, nil
}

// Invalidate drops a cached fingerprint, forcing the next resolve to hit
// the authoritative store. The console calls this on key revocation.
func (s *CachedStore) Invalidate(fingerprint string) {
	s.cache.Delete(fingerprint)
}
