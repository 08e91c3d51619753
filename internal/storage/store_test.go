package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/shopper-dispatch/internal/feed"
	"github.com/example/shopper-dispatch/internal/models"
)

func newRequest() models.Request {
	return models.Request{
		CustomerID:      "cust-1",
		StoreLocation:   &models.Coord{Lat: 52.52, Lng: 13.40},
		DropoffLocation: models.Coord{Lat: 52.50, Lng: 13.42},
		Items:           []models.Item{{Title: "milk", Quantity: 2}},
		BasketEstimate:  5000,
		StoreCount:      1,
	}
}

type storeFactory func(t *testing.T) Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore(feed.NewHub(64, nil))
		},
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "dispatch.db"), feed.NewHub(64, nil))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func TestStoreCreateAndGet(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			created, err := s.CreateRequest(ctx, newRequest())
			require.NoError(t, err)
			assert.NotEmpty(t, created.ID)
			assert.Equal(t, models.StatusPending, created.Status)
			assert.Equal(t, int64(1), created.Version)

			got, err := s.GetRequest(ctx, created.ID)
			require.NoError(t, err)
			assert.Equal(t, created.CustomerID, got.CustomerID)
			assert.Equal(t, created.Items, got.Items)
			require.NotNil(t, got.StoreLocation)
			assert.Equal(t, *created.StoreLocation, *got.StoreLocation)
			assert.Empty(t, got.AssignedProviderID)

			_, err = s.GetRequest(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = s.CreateRequest(ctx, models.Request{ID: created.ID, CustomerID: "x"})
			assert.ErrorIs(t, err, ErrConditionFailed)
		})
	}
}

func TestStoreUpdateIf(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			r, err := s.CreateRequest(ctx, newRequest())
			require.NoError(t, err)

			accepted, err := s.UpdateIf(ctx, r.ID, models.StatusPending, Update{Status: models.StatusAccepted, AssignProvider: "p1"})
			require.NoError(t, err)
			assert.Equal(t, models.StatusAccepted, accepted.Status)
			assert.Equal(t, "p1", accepted.AssignedProviderID)
			assert.Equal(t, int64(2), accepted.Version)

			_, err = s.UpdateIf(ctx, r.ID, models.StatusPending, Update{Status: models.StatusAccepted, AssignProvider: "p2"})
			var ce *ConditionError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, "p1", ce.Current.AssignedProviderID)
			assert.Equal(t, models.StatusAccepted, ce.Current.Status)

			_, err = s.UpdateIf(ctx, "missing", models.StatusPending, Update{Status: models.StatusAccepted})
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = s.UpdateIf(ctx, r.ID, models.StatusAccepted, Update{Status: models.StatusInProgress, RequireVersion: 1})
			assert.ErrorIs(t, err, ErrConditionFailed)

			price := models.Money(4200)
			started, err := s.UpdateIf(ctx, r.ID, models.StatusAccepted, Update{Status: models.StatusInProgress, ProposedPrice: &price, RequireVersion: 2})
			require.NoError(t, err)
			assert.Equal(t, models.Money(4200), started.ProposedPrice)
			assert.Equal(t, "p1", started.AssignedProviderID)

			cancelled, err := s.UpdateIf(ctx, r.ID, models.StatusInProgress, Update{Status: models.StatusCancelled, ClearAssignment: true, CancelReason: "customer"})
			require.NoError(t, err)
			assert.Empty(t, cancelled.AssignedProviderID)
			assert.Equal(t, "customer", cancelled.CancelReason)
			assert.Equal(t, int64(4), cancelled.Version)
		})
	}
}

func TestStoreConcurrentAcceptHasOneWinner(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			r, err := s.CreateRequest(ctx, newRequest())
			require.NoError(t, err)

			const callers = 16
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				winners []string
				losers  int
			)
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(provider string) {
					defer wg.Done()
					_, err := s.UpdateIf(ctx, r.ID, models.StatusPending, Update{Status: models.StatusAccepted, AssignProvider: provider})
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						winners = append(winners, provider)
					case errors.Is(err, ErrConditionFailed):
						losers++
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}(fmt.Sprintf("p%d", i))
			}
			wg.Wait()

			require.Len(t, winners, 1)
			assert.Equal(t, callers-1, losers)
			got, err := s.GetRequest(ctx, r.ID)
			require.NoError(t, err)
			assert.Equal(t, winners[0], got.AssignedProviderID)
		})
	}
}

func TestStoreListByStatus(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			a, err := s.CreateRequest(ctx, newRequest())
			require.NoError(t, err)
			_, err = s.CreateRequest(ctx, newRequest())
			require.NoError(t, err)
			_, err = s.UpdateIf(ctx, a.ID, models.StatusPending, Update{Status: models.StatusAccepted, AssignProvider: "p1"})
			require.NoError(t, err)

			pending, err := s.ListByStatus(ctx, models.StatusPending, time.Now().Add(time.Minute), 10)
			require.NoError(t, err)
			assert.Len(t, pending, 1)

			none, err := s.ListByStatus(ctx, models.StatusPending, time.Now().Add(-time.Hour), 10)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestStorePresenceIgnoresOlderWrites(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			now := time.Now().UTC().Truncate(time.Millisecond)

			require.NoError(t, s.UpsertPresence(ctx, models.Presence{ProviderID: "p1", Online: true, Location: &models.Coord{Lat: 1, Lng: 2}, UpdatedAt: now}))
			require.NoError(t, s.UpsertPresence(ctx, models.Presence{ProviderID: "p1", Online: false, UpdatedAt: now.Add(-time.Second)}))

			p, err := s.GetPresence(ctx, "p1")
			require.NoError(t, err)
			assert.True(t, p.Online)
			require.NotNil(t, p.Location)
			assert.Equal(t, 2.0, p.Location.Lng)

			require.NoError(t, s.UpsertPresence(ctx, models.Presence{ProviderID: "p1", Online: false, UpdatedAt: now.Add(time.Second)}))
			p, err = s.GetPresence(ctx, "p1")
			require.NoError(t, err)
			assert.False(t, p.Online)

			_, err = s.GetPresence(ctx, "nobody")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreChangeFeedFollowsWrites(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			s := factory(t)
			events, err := s.Subscribe(ctx)
			require.NoError(t, err)

			r, err := s.CreateRequest(ctx, newRequest())
			require.NoError(t, err)
			_, err = s.UpdateIf(ctx, r.ID, models.StatusPending, Update{Status: models.StatusAccepted, AssignProvider: "p1"})
			require.NoError(t, err)

			var got []models.ChangeEvent
			for len(got) < 2 {
				select {
				case ev := <-events:
					got = append(got, ev)
				case <-time.After(2 * time.Second):
					t.Fatalf("timed out after %d events", len(got))
				}
			}
			assert.Equal(t, models.OpInsert, got[0].Op)
			assert.Equal(t, models.OpUpdate, got[1].Op)
			assert.Equal(t, int64(2), got[1].Request.Version)
			assert.Equal(t, "p1", got[1].Request.AssignedProviderID)
		})
	}
}

func TestClassifyPostgresTransient(t *testing.T) {
	assert.True(t, IsTransient(classifyPostgres("op", &pq.Error{Code: "08006"})))
	assert.False(t, IsTransient(classifyPostgres("op", &pq.Error{Code: "23505"})))
	assert.False(t, IsTransient(classifyPostgres("op", errors.New("syntax"))))
	assert.Nil(t, classifyPostgres("op", nil))
}
