package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/shopper-dispatch/internal/feed"
	"github.com/example/shopper-dispatch/internal/models"
)

// MemoryStore keeps everything in process. Writes and their change events
// are serialised by one mutex, so the feed order equals the write order.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]models.Request
	presence map[string]models.Presence
	hub      *feed.Hub
}

func NewMemoryStore(hub *feed.Hub) *MemoryStore {
	if hub == nil {
		hub = feed.NewHub(0, nil)
	}
	return &MemoryStore{
		requests: make(map[string]models.Request),
		presence: make(map[string]models.Presence),
		hub:      hub,
	}
}

func (m *MemoryStore) CreateRequest(_ context.Context, r models.Request) (models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prepareNew(&r)
	if _, exists := m.requests[r.ID]; exists {
		return models.Request{}, &ConditionError{Current: cloneRequest(m.requests[r.ID])}
	}
	m.requests[r.ID] = cloneRequest(r)
	m.hub.Publish(models.ChangeEvent{Op: models.OpInsert, Request: cloneRequest(r)})
	return r, nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return models.Request{}, ErrNotFound
	}
	return cloneRequest(r), nil
}

func (m *MemoryStore) UpdateIf(_ context.Context, id string, from models.Status, u Update) (models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return models.Request{}, ErrNotFound
	}
	if r.Status != from || (u.RequireVersion > 0 && r.Version != u.RequireVersion) {
		return models.Request{}, &ConditionError{Current: cloneRequest(r)}
	}
	u.apply(&r)
	m.requests[id] = r
	m.hub.Publish(models.ChangeEvent{Op: models.OpUpdate, Request: cloneRequest(r)})
	return cloneRequest(r), nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status models.Status, updatedBefore time.Time, limit int) ([]models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Request
	for _, r := range m.requests {
		if r.Status == status && r.UpdatedAt.Before(updatedBefore) {
			out = append(out, cloneRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UpsertPresence(_ context.Context, p models.Presence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	if cur, ok := m.presence[p.ProviderID]; ok && cur.UpdatedAt.After(p.UpdatedAt) {
		return nil
	}
	m.presence[p.ProviderID] = p
	return nil
}

func (m *MemoryStore) GetPresence(_ context.Context, providerID string) (models.Presence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.presence[providerID]
	if !ok {
		return models.Presence{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) Subscribe(ctx context.Context) (<-chan models.ChangeEvent, error) {
	return m.hub.Subscribe(ctx)
}

func (m *MemoryStore) Close() error { return nil }

// prepareNew fills the fields every new record gets regardless of backend.
func prepareNew(r *models.Request) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = r.CreatedAt
	r.Status = models.StatusPending
	r.AssignedProviderID = ""
	r.Version = 1
}
