package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/shopper-dispatch/internal/models"
)

const earthRadiusKm = 6371.0

// Nearby is one online provider returned by a proximity query.
type Nearby struct {
	ProviderID string       `json:"provider_id"`
	Location   models.Coord `json:"location"`
	DistanceKm float64      `json:"distance_km"`
}

// Geo is the presence read/write path used for proximity filtering.
type Geo interface {
	Upsert(ctx context.Context, p models.Presence) error
	Nearby(ctx context.Context, center models.Coord, radiusKm float64, limit int) ([]Nearby, error)
}

// Index is an in-process Geo. Offline providers stay in the map but are
// skipped by Nearby.
type Index struct {
	mu        sync.RWMutex
	providers map[string]models.Presence
}

func NewIndex() *Index {
	return &Index{providers: make(map[string]models.Presence)}
}

func (g *Index) Upsert(_ context.Context, p models.Presence) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	g.providers[p.ProviderID] = p
	return nil
}

// Nearby scans all online providers; radiusKm <= 0 means unbounded.
func (g *Index) Nearby(_ context.Context, center models.Coord, radiusKm float64, limit int) ([]Nearby, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Nearby, 0, len(g.providers))
	for _, p := range g.providers {
		loc, ok := p.KnownLocation()
		if !ok {
			continue
		}
		dist := HaversineKm(center, loc)
		if radiusKm > 0 && dist > radiusKm {
			continue
		}
		out = append(out, Nearby{ProviderID: p.ProviderID, Location: loc, DistanceKm: dist})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm == out[j].DistanceKm {
			return out[i].ProviderID < out[j].ProviderID
		}
		return out[i].DistanceKm < out[j].DistanceKm
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// HaversineKm is the great-circle distance between a and b in kilometres.
// The argument order is canonicalised so the result is bit-for-bit symmetric.
func HaversineKm(a, b models.Coord) float64 {
	if a == b {
		return 0
	}
	if b.Lat < a.Lat || (b.Lat == a.Lat && b.Lng < a.Lng) {
		a, b = b, a
	}
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	if h > 1 {
		h = 1
	}
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}
