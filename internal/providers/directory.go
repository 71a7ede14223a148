package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Directory is the queryable provider registry.
type Directory interface {
	Get(ctx context.Context, id string) (*Provider, error)
	List(ctx context.Context, filter Filter) ([]*Provider, error)
	Upsert(ctx context.Context, p *Provider) (*Provider, error)
	Delete(ctx context.Context, id string) error
}

// InMemoryDirectory keeps providers in a map. It backs local development and tests.
type InMemoryDirectory struct {
	mu        sync.RWMutex
	providers map[string]*Provider
}

// NewInMemoryDirectory creates an empty directory.
func NewInMemoryDirectory() *InMemoryDirectory {
	return &InMemoryDirectory{providers: make(map[string]*Provider)}
}

var _ Directory = (*InMemoryDirectory)(nil)

func (d *InMemoryDirectory) Get(ctx context.Context, id string) (*Provider, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.providers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (d *InMemoryDirectory) List(ctx context.Context, filter Filter) ([]*Provider, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	category := normalizeCategory(filter.Category)
	out := make([]*Provider, 0, len(d.providers))
	for _, p := range d.providers {
		if category != "" && p.Category != category {
			continue
		}
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Upsert inserts a provider or refreshes an existing one. Identity fields of
// an existing provider are immutable; only rating and hours are refreshed.
func (d *InMemoryDirectory) Upsert(ctx context.Context, p *Provider) (*Provider, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: provider required", ErrInvalidProvider)
	}
	p.Category = normalizeCategory(p.Category)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.providers[p.ID]; ok && p.ID != "" {
		existing.Rating = p.Rating
		existing.Hours = p.Clone().Hours
		existing.UpdatedAt = now
		return existing.Clone(), nil
	}
	stored := p.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.CreatedAt = now
	stored.UpdatedAt = now
	d.providers[stored.ID] = stored
	return stored.Clone(), nil
}

func (d *InMemoryDirectory) Delete(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.providers[id]; !ok {
		return ErrNotFound
	}
	delete(d.providers, id)
	return nil
}

// Seed loads providers from a JSON array file into dir.
func Seed(ctx context.Context, dir Directory, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("providers: read seed file: %w", err)
	}
	var seed []*Provider
	if err := json.Unmarshal(data, &seed); err != nil {
		return 0, fmt.Errorf("providers: decode seed file: %w", err)
	}
	for _, p := range seed {
		if _, err := dir.Upsert(ctx, p); err != nil {
			return 0, fmt.Errorf("providers: seed %q: %w", p.Name, err)
		}
	}
	return len(seed), nil
}

func normalizeCategory(category string) string {
	return strings.ToLower(strings.TrimSpace(category))
}
