package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/shopper-dispatch/internal/models"
)

// fakeGeo implements GeoUpdater for tests
type fakeGeo struct {
	fail    int // number of times to fail before succeeding
	calls   int
	applied []models.Presence
}

func (f *fakeGeo) Upsert(_ context.Context, p models.Presence) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("geo fail")
	}
	f.applied = append(f.applied, p)
	return nil
}

func presence(id string, at time.Time) models.Presence {
	return models.Presence{ProviderID: id, Online: true, Location: &models.Coord{Lat: 1, Lng: 2}, UpdatedAt: at}
}

func TestUpdateGeoWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeGeo{fail: 2}
	start := time.Now()
	err := updateGeoWithRetry(context.Background(), f, presence("p1", time.Now()), 3, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 3, f.calls)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond, "10ms then 20ms backoff")
}

func TestUpdateGeoWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeGeo{fail: 5}
	err := updateGeoWithRetry(context.Background(), f, presence("p1", time.Now()), 3, time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, 3, f.calls)
}

func newConsumer(g GeoUpdater) *consumer {
	return &consumer{geo: g, attempts: 2, backoff: time.Millisecond, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestConsumerHandle(t *testing.T) {
	f := &fakeGeo{}
	c := newConsumer(f)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	encode := func(p models.Presence) []byte {
		b, err := json.Marshal(p)
		require.NoError(t, err)
		return b
	}

	require.NoError(t, c.handle(ctx, encode(presence("p1", t0.Add(time.Second)))))
	assert.ErrorIs(t, c.handle(ctx, encode(presence("p1", t0))), errStale)
	require.NoError(t, c.handle(ctx, encode(presence("p2", t0))))
	assert.Error(t, c.handle(ctx, []byte("{not json")))
	assert.Error(t, c.handle(ctx, encode(models.Presence{Online: true})))

	require.Len(t, f.applied, 2)
	assert.Equal(t, "p1", f.applied[0].ProviderID)
	assert.Equal(t, "p2", f.applied[1].ProviderID)
}

func TestConsumerDoesNotMarkFailedWrites(t *testing.T) {
	f := &fakeGeo{fail: 2}
	c := newConsumer(f)
	ctx := context.Background()
	t0 := time.Now().UTC()

	b, err := json.Marshal(presence("p1", t0))
	require.NoError(t, err)
	require.Error(t, c.handle(ctx, b))
	// The same message redelivered is still applied.
	require.NoError(t, c.handle(ctx, b))
	assert.Len(t, f.applied, 1)
}
