package providers

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedDirectory fronts a Directory with an LRU of provider lookups by id.
// Listings always go to the backing directory so candidate selection sees
// fresh ratings.
type CachedDirectory struct {
	Directory
	cache *lru.Cache[string, *Provider]
}

// NewCachedDirectory wraps next with a cache holding up to size providers.
func NewCachedDirectory(next Directory, size int) (*CachedDirectory, error) {
	if size <= 0 {
		size = 512
	}
	cache, err := lru.New[string, *Provider](size)
	if err != nil {
		return nil, fmt.Errorf("providers: create cache: %w", err)
	}
	return &CachedDirectory{Directory: next, cache: cache}, nil
}

func (d *CachedDirectory) Get(ctx context.Context, id string) (*Provider, error) {
	if p, ok := d.cache.Get(id); ok {
		return p.Clone(), nil
	}
	p, err := d.Directory.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	d.cache.Add(id, p.Clone())
	return p, nil
}

func (d *CachedDirectory) Upsert(ctx context.Context, p *Provider) (*Provider, error) {
	stored, err := d.Directory.Upsert(ctx, p)
	if err != nil {
		return nil, err
	}
	d.cache.Remove(stored.ID)
	return stored, nil
}

func (d *CachedDirectory) Delete(ctx context.Context, id string) error {
	d.cache.Remove(id)
	return d.Directory.Delete(ctx, id)
}
