package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/shopper-dispatch/internal/models"
)

// OSRMClient performs route/eta lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

type osrmResponse struct {
	Routes []struct {
		Duration float64 `json:"duration"`
		Distance float64 `json:"distance"`
		Geometry string  `json:"geometry"`
	} `json:"routes"`
	Code string `json:"code"`
}

// EstimateSeconds queries OSRM /route between points and returns duration in seconds.
func (o *OSRMClient) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	r, err := o.route(ctx, from, to, "overview=false")
	if err != nil {
		return 0, err
	}
	return r.DurationSeconds, nil
}

// Route returns the fastest route with its encoded polyline geometry.
func (o *OSRMClient) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	return o.route(ctx, from, to, "overview=full&geometries=polyline")
}

func (o *OSRMClient) route(ctx context.Context, from, to models.Coord, query string) (Route, error) {
	// OSRM takes lon,lat pairs: /route/v1/driving/{lon1},{lat1};{lon2},{lat2}
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?%s", o.Endpoint, from.Lng, from.Lat, to.Lng, to.Lat, query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Route{}, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return Route{}, err
	}
	defer resp.Body.Close()
	var out osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Route{}, fmt.Errorf("decode osrm response: %w", err)
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return Route{}, fmt.Errorf("osrm no route: %v", out.Code)
	}
	best := out.Routes[0]
	return Route{DurationSeconds: best.Duration, DistanceMeters: best.Distance, Polyline: best.Geometry}, nil
}
