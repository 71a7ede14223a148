package providers

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	valid := Provider{Name: "Bright Smiles", Category: "dentist", Phone: "+15551234567", Rating: 4.5}
	require.NoError(t, valid.Validate())

	bad := valid
	bad.Phone = "555-1234"
	assert.ErrorIs(t, bad.Validate(), ErrInvalidProvider)

	bad = valid
	bad.Category = " "
	assert.ErrorIs(t, bad.Validate(), ErrInvalidProvider)

	bad = valid
	bad.Rating = 7
	assert.ErrorIs(t, bad.Validate(), ErrInvalidProvider)
}

func TestDistanceKm(t *testing.T) {
	sf := Coordinates{Lat: 37.7749, Lng: -122.4194}
	oakland := Coordinates{Lat: 37.8044, Lng: -122.2712}
	d := DistanceKm(sf, oakland)
	assert.InDelta(t, 13.4, d, 0.5)
	assert.InDelta(t, 0, DistanceKm(sf, sf), 1e-9)
}

func TestOpenAt(t *testing.T) {
	p := Provider{Hours: Hours{"wednesday": {Open: "09:00", Close: "17:00"}}}
	wed := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	assert.True(t, p.OpenAt(wed))
	assert.False(t, p.OpenAt(wed.Add(8*time.Hour)))
	assert.False(t, p.OpenAt(wed.AddDate(0, 0, 1)))

	always := Provider{}
	assert.True(t, always.OpenAt(wed))
}

func TestInMemoryUpsertRefreshesOnlyRatingAndHours(t *testing.T) {
	ctx := context.Background()
	dir := NewInMemoryDirectory()
	stored, err := dir.Upsert(ctx, &Provider{Name: "Bright Smiles", Category: " Dentist ", Phone: "+15551234567", Rating: 4})
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID)
	assert.Equal(t, "dentist", stored.Category)

	refreshed, err := dir.Upsert(ctx, &Provider{ID: stored.ID, Name: "Renamed", Category: "dentist", Phone: "+15550000000", Rating: 4.8,
		Hours: Hours{"monday": {Open: "08:00", Close: "16:00"}}})
	require.NoError(t, err)
	assert.Equal(t, "Bright Smiles", refreshed.Name)
	assert.Equal(t, "+15551234567", refreshed.Phone)
	assert.InDelta(t, 4.8, refreshed.Rating, 1e-9)
	assert.Contains(t, refreshed.Hours, "monday")
}

func TestInMemoryListFiltersByCategory(t *testing.T) {
	ctx := context.Background()
	dir := NewInMemoryDirectory()
	for _, p := range []*Provider{
		{ID: "a", Name: "A", Category: "dentist", Phone: "+15550000001"},
		{ID: "b", Name: "B", Category: "salon", Phone: "+15550000002"},
		{ID: "c", Name: "C", Category: "dentist", Phone: "+15550000003"},
	} {
		_, err := dir.Upsert(ctx, p)
		require.NoError(t, err)
	}
	list, err := dir.List(ctx, Filter{Category: "DENTIST"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "c", list[1].ID)

	require.NoError(t, dir.Delete(ctx, "a"))
	_, err = dir.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, dir.Delete(ctx, "a"), ErrNotFound)
}

func TestSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"id":"p1","name":"Bright Smiles","category":"dentist","phone":"+15551234567","rating":4.7,
		 "coordinates":{"lat":37.77,"lng":-122.41},"hours":{"monday":{"open":"09:00","close":"17:00"}}}
	]`), 0o600))
	dir := NewInMemoryDirectory()
	n, err := Seed(context.Background(), dir, path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	p, err := dir.Get(context.Background(), "p1")
	require.NoError(t, err)
	require.NotNil(t, p.Coordinates)
	assert.InDelta(t, 37.77, p.Coordinates.Lat, 1e-9)
}

type countingDirectory struct {
	Directory
	gets int
}

func (c *countingDirectory) Get(ctx context.Context, id string) (*Provider, error) {
	c.gets++
	return c.Directory.Get(ctx, id)
}

func TestCachedDirectory(t *testing.T) {
	ctx := context.Background()
	backing := &countingDirectory{Directory: NewInMemoryDirectory()}
	cached, err := NewCachedDirectory(backing, 8)
	require.NoError(t, err)

	_, err = cached.Upsert(ctx, &Provider{ID: "p1", Name: "A", Category: "dentist", Phone: "+15550000001", Rating: 3})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		p, err := cached.Get(ctx, "p1")
		require.NoError(t, err)
		p.Name = "mutated"
	}
	assert.Equal(t, 1, backing.gets)

	_, err = cached.Upsert(ctx, &Provider{ID: "p1", Name: "A", Category: "dentist", Phone: "+15550000001", Rating: 5})
	require.NoError(t, err)
	p, err := cached.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "A", p.Name)
	assert.InDelta(t, 5, p.Rating, 1e-9)
	assert.Equal(t, 2, backing.gets)

	require.NoError(t, cached.Delete(ctx, "p1"))
	_, err = cached.Get(ctx, "p1")
	assert.ErrorIs(t, err, ErrNotFound)
}
