package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/shopper-dispatch/internal/clock"
	"github.com/example/shopper-dispatch/internal/eta"
	"github.com/example/shopper-dispatch/internal/feed"
	"github.com/example/shopper-dispatch/internal/models"
	"github.com/example/shopper-dispatch/internal/observability"
	"github.com/example/shopper-dispatch/internal/presence"
)

var ErrNoSession = errors.New("no provider session")

// PendingLister finds requests that were pending before a session started.
type PendingLister interface {
	ListByStatus(ctx context.Context, status models.Status, updatedBefore time.Time, limit int) ([]models.Request, error)
}

type RegistryConfig struct {
	Offers   Config
	Presence presence.Config
	// Backfill is how many already-pending requests are considered when a
	// provider comes online. 0 disables backfill.
	Backfill int
	Clock    clock.Clock
	ETA      *eta.Estimator // optional offer enrichment
}

// Session is one connected provider: its presence tracker and its offer
// loop, torn down together.
type Session struct {
	Dispatcher *Dispatcher
	Tracker    *presence.Tracker

	registry *Registry
	cancel   context.CancelFunc
	done     chan struct{}
}

// Close stops the offer loop and marks the provider offline.
func (s *Session) Close() {
	s.cancel()
	<-s.done
	s.registry.remove(s)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.Tracker.State() != presence.StateOffline {
		_ = s.Tracker.GoOffline(ctx)
	}
}

// Done is closed when the offer loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Registry owns the provider sessions of this process. Each session gets
// its own hub subscription, so sessions never share offer state.
type Registry struct {
	hub      *feed.Hub
	acceptor Acceptor
	writer   presence.Writer
	pending  PendingLister
	cfg      RegistryConfig
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(hub *feed.Hub, acceptor Acceptor, writer presence.Writer, pending PendingLister, cfg RegistryConfig, logger *slog.Logger) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		hub:      hub,
		acceptor: acceptor,
		writer:   writer,
		pending:  pending,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Open starts a session for providerID, replacing any previous one (a
// reconnect). The session lives until Close or until ctx is done.
func (r *Registry) Open(ctx context.Context, providerID string, sink Sink) (*Session, error) {
	if old, ok := r.Get(providerID); ok {
		old.Close()
	}

	runCtx, cancel := context.WithCancel(ctx)
	events, err := r.hub.Subscribe(runCtx)
	if err != nil {
		cancel()
		return nil, err
	}
	opts := []Option{WithClock(r.cfg.Clock), WithLogger(r.logger)}
	if r.cfg.ETA != nil {
		opts = append(opts, WithETA(r.cfg.ETA))
	}
	d := New(providerID, r.cfg.Offers, r.acceptor, sink, opts...)
	s := &Session{Dispatcher: d, registry: r, cancel: cancel, done: make(chan struct{})}

	wasOnline := false
	s.Tracker = presence.NewTracker(providerID, r.writer, r.cfg.Presence, r.cfg.Clock, r.logger, func(p models.Presence) {
		if err := d.SetPresence(p); err != nil {
			return
		}
		if p.Online && !wasOnline {
			r.backfill(runCtx, d)
		}
		wasOnline = p.Online
	})

	go func() {
		defer close(s.done)
		if err := d.Run(runCtx, events); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("offer loop stopped", slog.String("provider_id", providerID), slog.Any("err", err))
		}
	}()

	r.mu.Lock()
	r.sessions[providerID] = s
	n := len(r.sessions)
	r.mu.Unlock()
	observability.ActiveSessions.Set(float64(n))
	r.logger.Info("provider session opened", slog.String("provider_id", providerID))
	return s, nil
}

func (r *Registry) backfill(ctx context.Context, d *Dispatcher) {
	if r.pending == nil || r.cfg.Backfill <= 0 {
		return
	}
	reqs, err := r.pending.ListByStatus(ctx, models.StatusPending, r.cfg.Clock.Now().Add(time.Second), r.cfg.Backfill)
	if err != nil {
		r.logger.Warn("backfill failed", slog.String("provider_id", d.ProviderID()), slog.Any("err", err))
		return
	}
	_ = d.Backfill(ctx, reqs)
}

func (r *Registry) Get(providerID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[providerID]
	return s, ok
}

// Lookup returns the session's dispatcher or ErrNoSession.
func (r *Registry) Lookup(providerID string) (*Dispatcher, error) {
	s, ok := r.Get(providerID)
	if !ok {
		return nil, ErrNoSession
	}
	return s.Dispatcher, nil
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	id := s.Dispatcher.ProviderID()
	if cur, ok := r.sessions[id]; ok && cur == s {
		delete(r.sessions, id)
	}
	n := len(r.sessions)
	r.mu.Unlock()
	observability.ActiveSessions.Set(float64(n))
}

// Close tears down every session.
func (r *Registry) Close() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
}
