// Package presence tracks a provider's own availability. Local state only
// reports online once the remote write has been confirmed.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/shopper-dispatch/internal/clock"
	"github.com/example/shopper-dispatch/internal/models"
	"github.com/example/shopper-dispatch/internal/observability"
	"github.com/example/shopper-dispatch/internal/retry"
)

type State string

const (
	StateOffline     State = "offline"
	StateGoingOnline State = "going_online"
	StateOnline      State = "online"
)

var (
	ErrNotOnline   = errors.New("provider is not online")
	ErrWriteFailed = errors.New("presence write failed")
)

type Config struct {
	Attempts int
	Backoff  time.Duration
}

// Tracker is the presence state machine of one provider session. Operations
// are serialised; a second GoOnline waits for the first to finish.
type Tracker struct {
	providerID string
	writer     Writer
	cfg        Config
	clock      clock.Clock
	logger     *slog.Logger
	onChange   func(models.Presence)

	opMu     sync.Mutex
	mu       sync.Mutex
	state    State
	location *models.Coord
}

// NewTracker starts offline. onChange, when set, receives every confirmed
// presence (and the local offline switch) in order.
func NewTracker(providerID string, w Writer, cfg Config, clk clock.Clock, logger *slog.Logger, onChange func(models.Presence)) *Tracker {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		providerID: providerID,
		writer:     w,
		cfg:        cfg,
		clock:      clk,
		logger:     logger.With(slog.String("provider_id", providerID)),
		onChange:   onChange,
		state:      StateOffline,
	}
}

func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Presence is the last confirmed (or locally offline) presence.
func (t *Tracker) Presence() models.Presence {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot()
}

func (t *Tracker) snapshot() models.Presence {
	p := models.Presence{ProviderID: t.providerID, Online: t.state == StateOnline}
	if t.location != nil && p.Online {
		loc := *t.location
		p.Location = &loc
	}
	return p
}

// GoOnline announces the provider at loc. The tracker is goingOnline while
// the write is in flight and only becomes online once it is confirmed; on
// failure it falls back to offline and the error is returned so the caller
// can offer a retry.
func (t *Tracker) GoOnline(ctx context.Context, loc *models.Coord) error {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	t.mu.Lock()
	prev := t.state
	if prev == StateOffline {
		t.state = StateGoingOnline
	}
	t.mu.Unlock()

	p := models.Presence{ProviderID: t.providerID, Online: true, Location: loc, UpdatedAt: t.clock.Now().UTC()}
	if err := t.write(ctx, p); err != nil {
		t.mu.Lock()
		if prev == StateOffline {
			t.state = StateOffline
		}
		t.mu.Unlock()
		return err
	}

	t.mu.Lock()
	t.state = StateOnline
	t.location = loc
	confirmed := t.snapshot()
	t.mu.Unlock()
	if prev != StateOnline {
		observability.ProvidersOnline.Inc()
		t.logger.Info("provider online")
	}
	t.notify(confirmed)
	return nil
}

// UpdateLocation reports a new position while online. A failed write leaves
// both the state and the last confirmed location untouched.
func (t *Tracker) UpdateLocation(ctx context.Context, loc models.Coord) error {
	t.opMu.Lock()
	defer t.opMu.Unlock()
	if t.State() != StateOnline {
		return ErrNotOnline
	}
	p := models.Presence{ProviderID: t.providerID, Online: true, Location: &loc, UpdatedAt: t.clock.Now().UTC()}
	if err := t.write(ctx, p); err != nil {
		return err
	}
	t.mu.Lock()
	t.location = &loc
	confirmed := t.snapshot()
	t.mu.Unlock()
	t.notify(confirmed)
	return nil
}

// GoOffline stops the provider from receiving new offers at once; the
// remote record is updated afterwards. A failed write is returned but does
// not put the provider back online.
func (t *Tracker) GoOffline(ctx context.Context) error {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	t.mu.Lock()
	wasOnline := t.state == StateOnline
	t.state = StateOffline
	off := t.snapshot()
	t.mu.Unlock()
	if wasOnline {
		observability.ProvidersOnline.Dec()
		t.logger.Info("provider offline")
	}
	t.notify(off)

	off.UpdatedAt = t.clock.Now().UTC()
	return t.write(ctx, off)
}

func (t *Tracker) write(ctx context.Context, p models.Presence) error {
	err := retry.Do(ctx, t.cfg.Attempts, t.cfg.Backoff, nil, func(ctx context.Context) error {
		return t.writer.WritePresence(ctx, p)
	})
	if err != nil {
		observability.PresenceWriteFailures.Inc()
		t.logger.Warn("presence write failed", slog.Bool("online", p.Online), slog.Any("err", err))
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	return nil
}

func (t *Tracker) notify(p models.Presence) {
	if t.onChange != nil {
		t.onChange(p)
	}
}
