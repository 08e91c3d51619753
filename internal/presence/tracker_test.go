package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/shopper-dispatch/internal/models"
	"github.com/example/shopper-dispatch/internal/storage"
)

type gatedWriter struct {
	mu      sync.Mutex
	fail    int
	calls   int
	release chan struct{}
	entered chan struct{}
}

func (g *gatedWriter) WritePresence(ctx context.Context, p models.Presence) error {
	if g.entered != nil {
		g.entered <- struct{}{}
		<-g.release
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.calls <= g.fail {
		return errors.New("unavailable")
	}
	return nil
}

func fast() Config { return Config{Attempts: 2, Backoff: time.Millisecond} }

func TestTrackerOnlineOnlyAfterConfirmedWrite(t *testing.T) {
	w := &gatedWriter{entered: make(chan struct{}), release: make(chan struct{})}
	var seen []models.Presence
	tr := NewTracker("p1", w, fast(), nil, nil, func(p models.Presence) { seen = append(seen, p) })

	done := make(chan error)
	go func() { done <- tr.GoOnline(context.Background(), &models.Coord{Lat: 1, Lng: 2}) }()

	<-w.entered
	assert.Equal(t, StateGoingOnline, tr.State())
	assert.False(t, tr.Presence().Online)
	assert.Empty(t, seen)

	close(w.release)
	require.NoError(t, <-done)
	assert.Equal(t, StateOnline, tr.State())
	require.Len(t, seen, 1)
	assert.True(t, seen[0].Online)
	assert.Equal(t, 2.0, seen[0].Location.Lng)
}

func TestTrackerFallsBackToOfflineOnFailure(t *testing.T) {
	w := &gatedWriter{fail: 5}
	called := false
	tr := NewTracker("p1", w, fast(), nil, nil, func(models.Presence) { called = true })

	err := tr.GoOnline(context.Background(), &models.Coord{Lat: 1, Lng: 2})
	require.ErrorIs(t, err, ErrWriteFailed)
	assert.Equal(t, StateOffline, tr.State())
	assert.False(t, called)
	assert.Equal(t, 2, w.calls)
}

func TestTrackerRetriesTransientWrite(t *testing.T) {
	w := &gatedWriter{fail: 1}
	tr := NewTracker("p1", w, fast(), nil, nil, nil)
	require.NoError(t, tr.GoOnline(context.Background(), nil))
	assert.Equal(t, StateOnline, tr.State())
	assert.Equal(t, 2, w.calls)
}

func TestTrackerUpdateLocation(t *testing.T) {
	w := &gatedWriter{}
	tr := NewTracker("p1", w, fast(), nil, nil, nil)
	assert.ErrorIs(t, tr.UpdateLocation(context.Background(), models.Coord{Lat: 3, Lng: 4}), ErrNotOnline)

	require.NoError(t, tr.GoOnline(context.Background(), &models.Coord{Lat: 1, Lng: 2}))
	require.NoError(t, tr.UpdateLocation(context.Background(), models.Coord{Lat: 3, Lng: 4}))
	assert.Equal(t, 4.0, tr.Presence().Location.Lng)

	w.fail = w.calls + 2
	err := tr.UpdateLocation(context.Background(), models.Coord{Lat: 5, Lng: 6})
	require.Error(t, err)
	assert.Equal(t, StateOnline, tr.State())
	assert.Equal(t, 4.0, tr.Presence().Location.Lng)
}

func TestTrackerGoOfflineIsImmediate(t *testing.T) {
	w := &gatedWriter{}
	var seen []models.Presence
	tr := NewTracker("p1", w, fast(), nil, nil, func(p models.Presence) { seen = append(seen, p) })
	require.NoError(t, tr.GoOnline(context.Background(), &models.Coord{Lat: 1, Lng: 2}))

	w.fail = w.calls + 5
	err := tr.GoOffline(context.Background())
	assert.ErrorIs(t, err, ErrWriteFailed)
	assert.Equal(t, StateOffline, tr.State())
	require.Len(t, seen, 2)
	assert.False(t, seen[1].Online)
	assert.Nil(t, seen[1].Location)
}

func TestFanoutPrimaryDecides(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	mirrorCalls := 0
	mirror := WriterFunc(func(context.Context, models.Presence) error {
		mirrorCalls++
		return errors.New("redis down")
	})
	f := &Fanout{Primary: WriterFunc(store.UpsertPresence), Secondary: []Writer{mirror}}
	p := models.Presence{ProviderID: "p1", Online: true, UpdatedAt: time.Now()}
	require.NoError(t, f.WritePresence(context.Background(), p))
	assert.Equal(t, 1, mirrorCalls)
	got, err := store.GetPresence(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, got.Online)

	failing := &Fanout{Primary: WriterFunc(func(context.Context, models.Presence) error { return storage.ErrTransient })}
	assert.ErrorIs(t, failing.WritePresence(context.Background(), p), storage.ErrTransient)
}
