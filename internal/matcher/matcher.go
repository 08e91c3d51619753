// Package matcher ranks online providers around a request for operators and
// the simulation; it never assigns anything.
package matcher

import (
	"context"
	"fmt"
	"sort"

	"github.com/example/shopper-dispatch/internal/eta"
	"github.com/example/shopper-dispatch/internal/geo"
	"github.com/example/shopper-dispatch/internal/models"
)

type Candidate struct {
	ProviderID string       `json:"provider_id"`
	Location   models.Coord `json:"location"`
	DistanceKm float64      `json:"distance_km"`
	ETASeconds float64      `json:"eta_seconds"`
}

type Service struct {
	Geo      geo.Geo
	ETA      *eta.Estimator // optional; naive estimate when nil
	RadiusKm float64        // 0 = unbounded
	TopN     int
}

// Origin is where a provider has to go first: the store when known, the
// drop-off otherwise.
func Origin(r models.Request) models.Coord {
	if r.StoreLocation != nil {
		return *r.StoreLocation
	}
	return r.DropoffLocation
}

// Candidates returns up to limit online providers ordered by ETA to the
// request's origin, then distance, then id.
func (s *Service) Candidates(ctx context.Context, r models.Request, limit int) ([]Candidate, error) {
	if limit <= 0 {
		limit = s.TopN
	}
	if limit <= 0 {
		limit = 10
	}
	origin := Origin(r)
	near, err := s.Geo.Nearby(ctx, origin, s.RadiusKm, limit)
	if err != nil {
		return nil, fmt.Errorf("nearby providers: %w", err)
	}
	est := s.ETA
	if est == nil {
		est = &eta.Estimator{}
	}
	out := make([]Candidate, 0, len(near))
	for _, n := range near {
		out = append(out, Candidate{
			ProviderID: n.ProviderID,
			Location:   n.Location,
			DistanceKm: n.DistanceKm,
			ETASeconds: est.Seconds(ctx, n.Location, origin),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ETASeconds != out[j].ETASeconds {
			return out[i].ETASeconds < out[j].ETASeconds
		}
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].ProviderID < out[j].ProviderID
	})
	return out, nil
}
