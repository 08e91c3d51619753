// Package feed fans request change events out to provider sessions.
package feed

import (
	"context"
	"log/slog"
	"sync"

	"github.com/example/shopper-dispatch/internal/models"
	"github.com/example/shopper-dispatch/internal/observability"
)

// Source is anything that can stream change events.
type Source interface {
	Subscribe(ctx context.Context) (<-chan models.ChangeEvent, error)
}

// Mirror receives a copy of every relayed event.
type Mirror interface {
	PublishChange(ctx context.Context, ev models.ChangeEvent) error
}

// Hub is an in-process broadcaster. Each subscriber has its own buffer; a
// subscriber that falls behind loses events rather than stalling the rest.
// A lost invalidation leaves that session's offer up until it expires; a
// claim on it still fails in the store.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]chan models.ChangeEvent
	next   int
	buffer int
	closed bool
	logger *slog.Logger
}

func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: make(map[int]chan models.ChangeEvent), buffer: buffer, logger: logger}
}

// Publish delivers ev to every current subscriber without blocking.
func (h *Hub) Publish(ev models.ChangeEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			observability.FeedEventsDropped.Inc()
			h.logger.Warn("feed subscriber lagging, event dropped", "subscriber", id, "request_id", ev.Request.ID, "status", ev.Request.Status)
		}
	}
}

// Subscribe returns a channel that is closed when ctx is done or the hub
// is closed.
func (h *Hub) Subscribe(ctx context.Context) (<-chan models.ChangeEvent, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		ch := make(chan models.ChangeEvent)
		close(ch)
		return ch, nil
	}
	id := h.next
	h.next++
	ch := make(chan models.ChangeEvent, h.buffer)
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}()
	return ch, nil
}

// Subscribers is the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

// Relay pumps src into hub, copying each event to mirrors, until ctx is
// done or src closes.
func Relay(ctx context.Context, src Source, hub *Hub, logger *slog.Logger, mirrors ...Mirror) error {
	if logger == nil {
		logger = slog.Default()
	}
	events, err := src.Subscribe(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			hub.Publish(ev)
			observability.FeedEventsRelayed.Inc()
			for _, m := range mirrors {
				if err := m.PublishChange(ctx, ev); err != nil {
					logger.Warn("change mirror failed", "request_id", ev.Request.ID, "error", err)
				}
			}
		}
	}
}
