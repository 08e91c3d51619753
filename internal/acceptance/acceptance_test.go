package acceptance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/shopper-dispatch/internal/models"
	"github.com/example/shopper-dispatch/internal/storage"
)

func seed(t *testing.T, s storage.RequestStore) models.Request {
	t.Helper()
	r, err := s.CreateRequest(context.Background(), models.Request{
		CustomerID:      "cust-1",
		DropoffLocation: models.Coord{Lat: 52.5, Lng: 13.4},
		BasketEstimate:  500,
		StoreCount:      1,
	})
	require.NoError(t, err)
	return r
}

func fastConfig() Config { return Config{Attempts: 3, Backoff: time.Millisecond} }

func TestTryAcceptExactlyOneWinner(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	r := seed(t, store)
	a := New(store, fastConfig(), nil)

	const callers = 25
	results := make([]Result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := a.TryAccept(context.Background(), r.ID, fmt.Sprintf("p%d", i))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	winners := 0
	for i, res := range results {
		if res.Accepted {
			winners++
			assert.Equal(t, fmt.Sprintf("p%d", i), res.Request.AssignedProviderID)
			assert.Equal(t, models.StatusAccepted, res.Request.Status)
			continue
		}
		assert.Equal(t, ReasonAlreadyAssigned, res.Reason)
	}
	assert.Equal(t, 1, winners)
}

func TestTryAcceptCancelledIsNotFound(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	r := seed(t, store)
	_, err := store.UpdateIf(context.Background(), r.ID, models.StatusPending, storage.Update{Status: models.StatusCancelled, ClearAssignment: true})
	require.NoError(t, err)

	res, err := New(store, fastConfig(), nil).TryAccept(context.Background(), r.ID, "p1")
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, ReasonNotFound, res.Reason)
}

func TestTryAcceptMissingIsNotFound(t *testing.T) {
	res, err := New(storage.NewMemoryStore(nil), fastConfig(), nil).TryAccept(context.Background(), "nope", "p1")
	require.NoError(t, err)
	assert.Equal(t, ReasonNotFound, res.Reason)
}

func TestTryAcceptRequiresIDs(t *testing.T) {
	_, err := New(storage.NewMemoryStore(nil), fastConfig(), nil).TryAccept(context.Background(), "r1", "")
	var ve *models.ValidationError
	assert.ErrorAs(t, err, &ve)
}

// flakyStore fails the first failures UpdateIf calls with a transient error.
// When landFirst is set the failing call still applies the write, as when a
// connection drops after commit.
type flakyStore struct {
	storage.RequestStore
	mu        sync.Mutex
	failures  int
	landFirst bool
	calls     int
}

func (f *flakyStore) UpdateIf(ctx context.Context, id string, from models.Status, u storage.Update) (models.Request, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if !fail {
		return f.RequestStore.UpdateIf(ctx, id, from, u)
	}
	if f.landFirst {
		if _, err := f.RequestStore.UpdateIf(ctx, id, from, u); err != nil {
			return models.Request{}, err
		}
	}
	return models.Request{}, fmt.Errorf("update: %w: %w", storage.ErrTransient, errors.New("connection reset"))
}

func TestTryAcceptRetriesTransient(t *testing.T) {
	mem := storage.NewMemoryStore(nil)
	r := seed(t, mem)
	fs := &flakyStore{RequestStore: mem, failures: 2}

	res, err := New(fs, fastConfig(), nil).TryAccept(context.Background(), r.ID, "p1")
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, 3, fs.calls)
}

func TestTryAcceptRecognisesOwnLandedWrite(t *testing.T) {
	mem := storage.NewMemoryStore(nil)
	r := seed(t, mem)
	fs := &flakyStore{RequestStore: mem, failures: 1, landFirst: true}

	res, err := New(fs, fastConfig(), nil).TryAccept(context.Background(), r.ID, "p1")
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "p1", res.Request.AssignedProviderID)
}

func TestTryAcceptTransientExhausted(t *testing.T) {
	mem := storage.NewMemoryStore(nil)
	r := seed(t, mem)
	fs := &flakyStore{RequestStore: mem, failures: 10}

	res, err := New(fs, fastConfig(), nil).TryAccept(context.Background(), r.ID, "p1")
	require.Error(t, err)
	assert.True(t, storage.IsTransient(err))
	assert.False(t, res.Accepted)
	assert.Equal(t, ReasonTransient, res.Reason)
	assert.Equal(t, 3, fs.calls)

	got, err := mem.GetRequest(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
}
