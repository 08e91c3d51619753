package eta

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/shopper-dispatch/internal/models"
)

func TestOSRMRoute(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery = r.URL.Path, r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"duration":321.5,"distance":2400,"geometry":"_p~iF~ps|U_ulLnnqC"}]}`))
	}))
	defer srv.Close()

	c := NewOSRMClient(srv.URL)
	r, err := c.Route(context.Background(), models.Coord{Lat: 52.5, Lng: 13.4}, models.Coord{Lat: 52.52, Lng: 13.41})
	require.NoError(t, err)
	assert.Equal(t, "/route/v1/driving/13.400000,52.500000;13.410000,52.520000", gotPath)
	assert.Equal(t, "overview=full&geometries=polyline", gotQuery)
	assert.Equal(t, 321.5, r.DurationSeconds)
	assert.Equal(t, "_p~iF~ps|U_ulLnnqC", r.Polyline)

	sec, err := c.EstimateSeconds(context.Background(), models.Coord{}, models.Coord{Lat: 1})
	require.NoError(t, err)
	assert.Equal(t, 321.5, sec)
	assert.Equal(t, "overview=false", gotQuery)
}

func TestOSRMNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()

	_, err := NewOSRMClient(srv.URL).Route(context.Background(), models.Coord{}, models.Coord{Lat: 1})
	assert.ErrorContains(t, err, "NoRoute")
}

func TestCacheExpires(t *testing.T) {
	c := NewCache(20 * time.Millisecond)
	a, b := models.Coord{Lat: 1, Lng: 2}, models.Coord{Lat: 3, Lng: 4}
	c.Set(a, b, 42)
	v, ok := c.Get(a, b)
	require.True(t, ok)
	assert.Equal(t, 42.0, v)
	_, ok = c.Get(b, a)
	assert.False(t, ok)

	time.Sleep(30 * time.Millisecond)
	_, ok = c.Get(a, b)
	assert.False(t, ok)
}

type failingClient struct{ calls int }

func (f *failingClient) EstimateSeconds(context.Context, models.Coord, models.Coord) (float64, error) {
	f.calls++
	return 0, errors.New("osrm down")
}

func TestEstimatorFallsBackToNaive(t *testing.T) {
	fc := &failingClient{}
	e := &Estimator{Client: fc, SpeedMps: 10}
	from, to := models.Coord{Lat: 0, Lng: 0}, models.Coord{Lat: 0, Lng: 1}
	// one degree of longitude on the equator is ~111.195 km
	assert.InDelta(t, 11119.5, e.Seconds(context.Background(), from, to), 1)
	assert.Equal(t, 1, fc.calls)
}

type fixedClient float64

func (f fixedClient) EstimateSeconds(context.Context, models.Coord, models.Coord) (float64, error) {
	return float64(f), nil
}

func TestEstimatorCachesClientAnswers(t *testing.T) {
	cache := NewCache(time.Minute)
	e := &Estimator{Client: fixedClient(90), Cache: cache}
	from, to := models.Coord{Lat: 1}, models.Coord{Lat: 2}
	assert.Equal(t, 90.0, e.Seconds(context.Background(), from, to))
	v, ok := cache.Get(from, to)
	require.True(t, ok)
	assert.Equal(t, 90.0, v)
}
