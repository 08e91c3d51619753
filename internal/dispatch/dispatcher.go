// Package dispatch turns the request change feed into offers for one
// provider session at a time.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/example/shopper-dispatch/internal/acceptance"
	"github.com/example/shopper-dispatch/internal/clock"
	"github.com/example/shopper-dispatch/internal/eta"
	"github.com/example/shopper-dispatch/internal/geo"
	"github.com/example/shopper-dispatch/internal/lifecycle"
	"github.com/example/shopper-dispatch/internal/matcher"
	"github.com/example/shopper-dispatch/internal/models"
	"github.com/example/shopper-dispatch/internal/observability"
	"github.com/example/shopper-dispatch/internal/pricing"
)

type ClearReason string

const (
	ClearExpired         ClearReason = "expired"
	ClearDismissed       ClearReason = "dismissed"
	ClearReplaced        ClearReason = "replaced"
	ClearAccepted        ClearReason = "accepted"
	ClearAlreadyAssigned ClearReason = "already_assigned"
	ClearCancelled       ClearReason = "cancelled"
	ClearNotFound        ClearReason = "not_found"
)

var (
	ErrStopped    = errors.New("dispatcher stopped")
	ErrFeedClosed = errors.New("change feed closed")
)

// Sink receives the dispatcher's output. Calls are made from the dispatcher
// goroutine, one at a time; implementations must not block for long.
type Sink interface {
	OfferShown(o models.Offer)
	OfferCleared(requestID string, reason ClearReason)
	AcceptResult(requestID string, res acceptance.Result)
}

type Acceptor interface {
	TryAccept(ctx context.Context, requestID, providerID string) (acceptance.Result, error)
}

type Config struct {
	// Window is how long an offer stays up without an answer.
	Window time.Duration
	// MaxRadiusKm filters requests farther than this from the provider when
	// both locations are known. 0 disables the filter.
	MaxRadiusKm float64
	// MinNet hides requests whose estimated provider earnings are lower.
	MinNet   models.Money
	Currency string
}

func DefaultConfig() Config {
	return Config{Window: 60 * time.Second, MaxRadiusKm: 15, Currency: "USD"}
}

// observed is the furthest state seen for one request.
type observed struct {
	rank    int
	version int64
}

type acceptOutcome struct {
	requestID string
	res       acceptance.Result
	err       error
}

type etaOutcome struct {
	requestID string
	seconds   float64
}

// Dispatcher is the offer loop of one provider session. Every field below
// cmds is owned by the Run goroutine.
type Dispatcher struct {
	providerID string
	cfg        Config
	acceptor   Acceptor
	sink       Sink
	clock      clock.Clock
	eta        *eta.Estimator
	logger     *slog.Logger

	cmds       chan func()
	acceptDone chan acceptOutcome
	etaDone    chan etaOutcome
	done       chan struct{}

	online   bool
	location *models.Coord
	offer    *models.Offer
	ticker   clock.Ticker
	seen     map[string]observed
	passed   map[string]ClearReason // why each request left the screen

	accepting    string
	acceptTaps   int
	cancelAccept context.CancelFunc
}

type Option func(*Dispatcher)

func WithClock(c clock.Clock) Option   { return func(d *Dispatcher) { d.clock = c } }
func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }
func WithETA(e *eta.Estimator) Option  { return func(d *Dispatcher) { d.eta = e } }

func New(providerID string, cfg Config, acceptor Acceptor, sink Sink, opts ...Option) *Dispatcher {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.Currency == "" {
		cfg.Currency = DefaultConfig().Currency
	}
	d := &Dispatcher{
		providerID: providerID,
		cfg:        cfg,
		acceptor:   acceptor,
		sink:       sink,
		clock:      clock.Real{},
		logger:     slog.Default(),
		cmds:       make(chan func()),
		acceptDone: make(chan acceptOutcome, 1),
		etaDone:    make(chan etaOutcome, 1),
		done:       make(chan struct{}),
		seen:       make(map[string]observed),
		passed:     make(map[string]ClearReason),
	}
	for _, o := range opts {
		o(d)
	}
	d.logger = d.logger.With(slog.String("provider_id", providerID))
	return d
}

func (d *Dispatcher) ProviderID() string { return d.providerID }

// Run processes feed events and commands until ctx is done or the feed is
// closed. It must be called exactly once; the other methods only work while
// it runs.
func (d *Dispatcher) Run(ctx context.Context, feed <-chan models.ChangeEvent) error {
	defer close(d.done)
	defer d.stopTicker()
	defer func() {
		if d.cancelAccept != nil {
			d.cancelAccept()
		}
	}()

	for {
		var tick <-chan time.Time
		if d.ticker != nil {
			tick = d.ticker.C()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-feed:
			if !ok {
				return ErrFeedClosed
			}
			d.handleChange(ctx, ev)
		case fn := <-d.cmds:
			fn()
		case <-tick:
			d.onTick()
		case out := <-d.acceptDone:
			d.onAcceptDone(out)
		case out := <-d.etaDone:
			d.onETA(out)
		}
	}
}

func (d *Dispatcher) do(fn func()) error {
	select {
	case d.cmds <- fn:
		return nil
	case <-d.done:
		return ErrStopped
	}
}

// SetPresence feeds the provider's own confirmed presence. Going offline
// stops new offers but leaves the current one to finish.
func (d *Dispatcher) SetPresence(p models.Presence) error {
	return d.do(func() {
		d.online = p.Online
		if loc, ok := p.KnownLocation(); ok {
			d.location = &loc
		} else if !p.Online {
			d.location = nil
		}
	})
}

// Observe injects a change event outside the feed, e.g. a backfill of
// requests that were pending before the session went online.
func (d *Dispatcher) Observe(ctx context.Context, ev models.ChangeEvent) error {
	return d.do(func() { d.handleChange(ctx, ev) })
}

// Backfill offers the newest eligible request from reqs when nothing is
// shown yet, e.g. requests that were already pending when the provider came
// online. Older requests never replace a shown offer this way.
func (d *Dispatcher) Backfill(ctx context.Context, reqs []models.Request) error {
	return d.do(func() {
		sorted := slices.Clone(reqs)
		slices.SortStableFunc(sorted, func(a, b models.Request) int { return b.CreatedAt.Compare(a.CreatedAt) })
		for _, r := range sorted {
			if d.offer != nil {
				return
			}
			if r.ID == "" || r.Status != models.StatusPending || d.superseded(r) {
				continue
			}
			d.seen[r.ID] = observed{rank: lifecycle.Rank(r.Status), version: r.Version}
			d.consider(ctx, r)
		}
	})
}

// Accept starts a claim on the shown offer. The countdown keeps running
// while the claim is in flight; the outcome arrives through Sink.
func (d *Dispatcher) Accept(ctx context.Context, requestID string) error {
	return d.do(func() { d.startAccept(ctx, requestID) })
}

// Dismiss declines the shown offer locally. Nothing is written.
func (d *Dispatcher) Dismiss(requestID string) error {
	return d.do(func() {
		if d.offer != nil && d.offer.RequestID == requestID {
			d.clear(ClearDismissed)
		}
	})
}

// Offer returns the offer currently shown, if it is still active.
func (d *Dispatcher) Offer() (models.Offer, bool) {
	type reply struct {
		o  models.Offer
		ok bool
	}
	ch := make(chan reply, 1)
	if err := d.do(func() {
		if d.offer != nil && d.offer.Active(d.clock.Now()) {
			ch <- reply{*d.offer, true}
			return
		}
		ch <- reply{}
	}); err != nil {
		return models.Offer{}, false
	}
	r := <-ch
	return r.o, r.ok
}

func (d *Dispatcher) handleChange(ctx context.Context, ev models.ChangeEvent) {
	r := ev.Request
	if r.ID == "" {
		return
	}
	if d.stale(r) {
		observability.StaleEventsIgnored.Inc()
		d.logger.Debug("stale change ignored", slog.String("request_id", r.ID), slog.String("status", string(r.Status)), slog.Int64("version", r.Version))
		return
	}

	if r.Status != models.StatusPending {
		if d.offer != nil && d.offer.RequestID == r.ID {
			d.clear(d.invalidation(r))
		}
		return
	}
	d.consider(ctx, r)
}

// stale records r and reports whether an equal or later state of the same
// request was already seen. Status rank decides first so that a replayed
// pending never overrides an observed assignment.
func (d *Dispatcher) stale(r models.Request) bool {
	rank := lifecycle.Rank(r.Status)
	prev, ok := d.seen[r.ID]
	if ok {
		if rank < prev.rank {
			return true
		}
		if r.Version > 0 && r.Version <= prev.version {
			return true
		}
	}
	d.seen[r.ID] = observed{rank: rank, version: r.Version}
	return false
}

// superseded reports whether a later state of r was already seen. An equal
// state passes: the loop may have seen the row while it could not offer it,
// e.g. before the provider went online.
func (d *Dispatcher) superseded(r models.Request) bool {
	prev, ok := d.seen[r.ID]
	if !ok {
		return false
	}
	return lifecycle.Rank(r.Status) < prev.rank || r.Version < prev.version
}

func (d *Dispatcher) invalidation(r models.Request) ClearReason {
	switch {
	case r.Status == models.StatusCancelled:
		return ClearCancelled
	case r.AssignedProviderID == d.providerID:
		return ClearAccepted
	default:
		return ClearAlreadyAssigned
	}
}

func (d *Dispatcher) skip(r models.Request, reason string) {
	observability.OffersSkipped.WithLabelValues(reason).Inc()
	d.logger.Debug("request not offered", slog.String("request_id", r.ID), slog.String("reason", reason))
}

func (d *Dispatcher) consider(ctx context.Context, r models.Request) {
	if !d.online {
		d.skip(r, "offline")
		return
	}
	if _, ok := d.passed[r.ID]; ok {
		d.skip(r, "already_shown")
		return
	}
	if d.accepting != "" {
		d.skip(r, "accept_in_flight")
		return
	}
	if d.offer != nil && d.offer.RequestID == r.ID {
		return
	}

	now := d.clock.Now()
	net := pricing.NetEarnings(r.FeeBreakdown, r.Tip)
	if net < d.cfg.MinNet {
		d.skip(r, "below_min_net")
		return
	}
	offer := models.Offer{
		RequestID:    r.ID,
		ProviderID:   d.providerID,
		ShownAt:      now,
		ExpiresAt:    now.Add(d.cfg.Window),
		EstimatedNet: net,
		NetDisplay:   pricing.Format(net, d.cfg.Currency),
	}
	origin := matcher.Origin(r)
	if d.location != nil && r.StoreLocation != nil {
		dist := geo.HaversineKm(*d.location, origin)
		if d.cfg.MaxRadiusKm > 0 && dist > d.cfg.MaxRadiusKm {
			d.skip(r, "out_of_radius")
			return
		}
		offer.DistanceKm = &dist
	}

	if d.offer != nil {
		d.clear(ClearReplaced)
	}
	d.offer = &offer
	d.ticker = d.clock.NewTicker(time.Second)
	observability.OffersShown.Inc()
	d.logger.Info("offer shown", slog.String("request_id", r.ID), slog.Int64("estimated_net", int64(net)))
	d.sink.OfferShown(offer)

	if d.eta != nil && d.location != nil {
		d.lookupETA(ctx, r.ID, *d.location, origin)
	}
}

func (d *Dispatcher) lookupETA(ctx context.Context, requestID string, from, to models.Coord) {
	est := d.eta
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		out := etaOutcome{requestID: requestID, seconds: est.Seconds(ctx, from, to)}
		select {
		case d.etaDone <- out:
		case <-d.done:
		}
	}()
}

func (d *Dispatcher) onETA(out etaOutcome) {
	if d.offer == nil || d.offer.RequestID != out.requestID {
		return
	}
	d.offer.ETASeconds = out.seconds
	d.sink.OfferShown(*d.offer)
}

func (d *Dispatcher) onTick() {
	if d.offer == nil {
		d.stopTicker()
		return
	}
	if !d.offer.Active(d.clock.Now()) {
		// an in-flight claim is not given extra time
		if d.accepting == d.offer.RequestID && d.cancelAccept != nil {
			d.cancelAccept()
		}
		d.clear(ClearExpired)
	}
}

func (d *Dispatcher) startAccept(ctx context.Context, requestID string) {
	if d.offer == nil || d.offer.RequestID != requestID || !d.offer.Active(d.clock.Now()) {
		d.sink.AcceptResult(requestID, withdrawnResult(d.passed[requestID]))
		return
	}
	if d.accepting != "" {
		// answered together with the claim already in flight
		d.acceptTaps++
		return
	}
	d.accepting = requestID
	d.acceptTaps = 1
	actx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancelAccept = cancel
	go func() {
		res, err := d.acceptor.TryAccept(actx, requestID, d.providerID)
		select {
		case d.acceptDone <- acceptOutcome{requestID: requestID, res: res, err: err}:
		case <-d.done:
		}
	}()
}

func (d *Dispatcher) onAcceptDone(out acceptOutcome) {
	if d.cancelAccept != nil {
		d.cancelAccept()
		d.cancelAccept = nil
	}
	taps := max(d.acceptTaps, 1)
	d.accepting = ""
	d.acceptTaps = 0
	if out.err != nil && out.res.Reason == "" {
		out.res.Reason = acceptance.ReasonTransient
	}
	for i := 0; i < taps; i++ {
		d.sink.AcceptResult(out.requestID, out.res)
	}

	if d.offer == nil || d.offer.RequestID != out.requestID {
		return
	}
	switch out.res.Reason {
	case acceptance.ReasonAccepted:
		d.clear(ClearAccepted)
	case acceptance.ReasonAlreadyAssigned:
		d.clear(ClearAlreadyAssigned)
	case acceptance.ReasonNotFound:
		d.clear(ClearNotFound)
	default:
		// transient: the offer stays up until it expires so the provider can
		// try again
		d.logger.Warn("accept failed, offer kept", slog.String("request_id", out.requestID), slog.Any("err", out.err))
	}
}

// withdrawnResult answers a claim on a request that is no longer shown. A
// request the feed already reported as taken keeps that outcome.
func withdrawnResult(reason ClearReason) acceptance.Result {
	switch reason {
	case ClearAlreadyAssigned:
		return acceptance.Result{Reason: acceptance.ReasonAlreadyAssigned}
	case ClearAccepted:
		return acceptance.Result{Accepted: true, Reason: acceptance.ReasonAccepted}
	default:
		return acceptance.Result{Reason: acceptance.ReasonNotFound}
	}
}

func (d *Dispatcher) clear(reason ClearReason) {
	if d.offer == nil {
		return
	}
	id := d.offer.RequestID
	d.passed[id] = reason
	d.offer = nil
	d.stopTicker()
	observability.OffersCleared.WithLabelValues(string(reason)).Inc()
	d.logger.Info("offer cleared", slog.String("request_id", id), slog.String("reason", string(reason)))
	d.sink.OfferCleared(id, reason)
}

func (d *Dispatcher) stopTicker() {
	if d.ticker != nil {
		d.ticker.Stop()
		d.ticker = nil
	}
}
