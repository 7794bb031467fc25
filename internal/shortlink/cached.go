package shortlink

import (
	"context"

	"europa/internal/cache"
	"europa/internal/store"
)

// CachedResolver puts a read-through cache in front of another Resolver.
// Hits are re-set so an entry idles out only after its TTL without reads.
type CachedResolver struct {
	next  Resolver
	cache cache.Cache[string, *store.Transfer]
}

func NewCachedResolver(next Resolver, c cache.Cache[string, *store.Transfer]) *CachedResolver {
	return &CachedResolver{next: next, cache: c}
}

// Shorten is not cached: the token means nothing until its transfer is
// stored. Call Remember once it is.
func (r *CachedResolver) Shorten(ctx context.Context, t *store.Transfer) (string, error) {
	return r.next.Shorten(ctx, t)
}

func (r *CachedResolver) Resolve(ctx context.Context, token string) (*store.Transfer, error) {
	if t, ok := r.cache.Get(token); ok {
		r.cache.Set(token, t)
		return clone(t), nil
	}
	t, err := r.next.Resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	r.cache.Set(token, clone(t))
	return t, nil
}

// Remember caches a transfer that has just been persisted.
func (r *CachedResolver) Remember(t *store.Transfer) {
	if t == nil || t.ShortURL == "" {
		return
	}
	r.cache.Set(t.ShortURL, clone(t))
}

// Invalidate drops the cached entry for t's token.
func (r *CachedResolver) Invalidate(t store.Transfer) {
	r.cache.Remove(t.ShortURL)
}

func clone(t *store.Transfer) *store.Transfer {
	c := *t
	return &c
}

var _ Resolver = (*CachedResolver)(nil)
