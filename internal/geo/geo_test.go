package geo

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/shopper-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	p := models.Coord{Lat: 40.7128, Lng: -74.0060}
	assert.Equal(t, 0.0, HaversineKm(p, p))
}

func TestHaversineKnownDistance(t *testing.T) {
	// one degree of longitude on the equator
	d := HaversineKm(models.Coord{Lat: 0, Lng: 0}, models.Coord{Lat: 0, Lng: 1})
	assert.InDelta(t, 111.195, d, 0.01)
}

func TestHaversineSymmetricAndTriangle(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	randCoord := func() models.Coord {
		return models.Coord{Lat: rng.Float64()*180 - 90, Lng: rng.Float64()*360 - 180}
	}
	for i := 0; i < 2000; i++ {
		a, b, c := randCoord(), randCoord(), randCoord()
		ab := HaversineKm(a, b)
		require.Equal(t, ab, HaversineKm(b, a), "asymmetric for %v %v", a, b)
		require.Equal(t, 0.0, HaversineKm(a, a))
		require.LessOrEqual(t, HaversineKm(a, c), ab+HaversineKm(b, c)+1e-9)
	}
}

func TestIndexNearbySkipsOfflineAndSorts(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	center := models.Coord{Lat: 52.52, Lng: 13.405}
	near := models.Coord{Lat: 52.521, Lng: 13.406}
	far := models.Coord{Lat: 52.60, Lng: 13.50}

	require.NoError(t, idx.Upsert(ctx, models.Presence{ProviderID: "far", Online: true, Location: &far}))
	require.NoError(t, idx.Upsert(ctx, models.Presence{ProviderID: "near", Online: true, Location: &near}))
	require.NoError(t, idx.Upsert(ctx, models.Presence{ProviderID: "off", Online: false, Location: &near}))
	require.NoError(t, idx.Upsert(ctx, models.Presence{ProviderID: "nowhere", Online: true}))

	got, err := idx.Nearby(ctx, center, 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "near", got[0].ProviderID)
	assert.Equal(t, "far", got[1].ProviderID)

	got, err = idx.Nearby(ctx, center, 1, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "near", got[0].ProviderID)
}
