package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/shopper-dispatch/internal/clock"
	"github.com/example/shopper-dispatch/internal/models"
	"github.com/example/shopper-dispatch/internal/observability"
	"github.com/example/shopper-dispatch/internal/pricing"
	"github.com/example/shopper-dispatch/internal/storage"
)

var (
	ErrNotAssignee  = errors.New("provider is not assigned to this request")
	ErrNoProposal   = errors.New("no price proposal to decide on")
	ErrInvalidPrice = errors.New("price must be positive")
)

// PaymentGateway holds customer funds for a request. Payment failures never
// roll back a transition that already committed; they are logged.
type PaymentGateway interface {
	Hold(ctx context.Context, amount models.Money, requestID, customerID string) (string, error)
	Capture(ctx context.Context, paymentIntentID string, amount models.Money) error
	Release(ctx context.Context, paymentIntentID string) error
}

// Service drives requests through their lifecycle. Every mutation is a
// conditional write on the status (and usually the version) the decision was
// made against; a concurrent change surfaces as storage.ErrConditionFailed.
type Service struct {
	store    storage.RequestStore
	schedule pricing.Schedule
	payments PaymentGateway
	clock    clock.Clock
	logger   *slog.Logger
}

type Option func(*Service)

func WithPayments(p PaymentGateway) Option { return func(s *Service) { s.payments = p } }
func WithClock(c clock.Clock) Option       { return func(s *Service) { s.clock = c } }
func WithLogger(l *slog.Logger) Option     { return func(s *Service) { s.logger = l } }

func NewService(store storage.RequestStore, schedule pricing.Schedule, opts ...Option) *Service {
	s := &Service{store: store, schedule: schedule, clock: clock.Real{}, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create validates r, prices it and stores it as pending. When a gateway is
// set, a payment hold for the basket estimate plus fees and tip is placed
// first; a failed hold is logged and the request is created without one.
func (s *Service) Create(ctx context.Context, r models.Request) (models.Request, error) {
	if err := models.ValidateNewRequest(r); err != nil {
		return models.Request{}, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.StoreCount == 0 {
		r.StoreCount = 1
	}
	r.FeeBreakdown = s.schedule.Compute(r.BasketEstimate, r.StoreCount, r.ItemCount())
	r.SubtotalFees = r.FeeBreakdown.Subtotal
	r.CreatedAt = s.clock.Now().UTC()

	if s.payments != nil {
		amount := holdAmount(r)
		if id, err := s.payments.Hold(ctx, amount, r.ID, r.CustomerID); err != nil {
			s.logger.Error("payment hold failed", slog.String("request_id", r.ID), slog.Any("err", err))
		} else {
			r.PaymentIntentID = id
		}
	}

	created, err := s.store.CreateRequest(ctx, r)
	if err != nil {
		return models.Request{}, fmt.Errorf("create request: %w", err)
	}
	s.logger.Info("request created",
		slog.String("request_id", created.ID),
		slog.Int64("basket_estimate", int64(created.BasketEstimate)),
		slog.Int64("subtotal_fees", int64(created.SubtotalFees)))
	return created, nil
}

func (s *Service) Get(ctx context.Context, id string) (models.Request, error) {
	return s.store.GetRequest(ctx, id)
}

// Start moves an accepted request into fulfilment. Only the assignee may
// start it.
func (s *Service) Start(ctx context.Context, id, providerID string) (models.Request, error) {
	cur, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return models.Request{}, err
	}
	if err := CheckTransition(cur.Status, models.StatusInProgress); err != nil {
		return models.Request{}, s.rejected(cur, err)
	}
	if cur.AssignedProviderID != providerID {
		return models.Request{}, ErrNotAssignee
	}
	return s.apply(ctx, cur, storage.Update{Status: models.StatusInProgress, RequireVersion: cur.Version})
}

// ProposePrice records the final basket price the assignee asks the
// customer to approve. The request stays in_progress.
func (s *Service) ProposePrice(ctx context.Context, id, providerID string, price models.Money) (models.Request, error) {
	if price <= 0 {
		return models.Request{}, ErrInvalidPrice
	}
	cur, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return models.Request{}, err
	}
	if cur.Status != models.StatusInProgress {
		return models.Request{}, s.rejected(cur, &TransitionError{From: cur.Status, To: models.StatusInProgress, Err: ErrInvalidTransition})
	}
	if cur.AssignedProviderID != providerID {
		return models.Request{}, ErrNotAssignee
	}
	return s.apply(ctx, cur, storage.Update{Status: models.StatusInProgress, ProposedPrice: &price, RequireVersion: cur.Version})
}

// ApprovePrice confirms the proposed price as final.
func (s *Service) ApprovePrice(ctx context.Context, id string) (models.Request, error) {
	cur, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return models.Request{}, err
	}
	if err := CheckTransition(cur.Status, models.StatusPriceConfirmed); err != nil {
		return models.Request{}, s.rejected(cur, err)
	}
	if cur.ProposedPrice <= 0 {
		return models.Request{}, ErrNoProposal
	}
	final := cur.ProposedPrice
	return s.apply(ctx, cur, storage.Update{Status: models.StatusPriceConfirmed, FinalPrice: &final, RequireVersion: cur.Version})
}

// RejectPrice clears the proposal so the assignee can propose again.
func (s *Service) RejectPrice(ctx context.Context, id string) (models.Request, error) {
	cur, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return models.Request{}, err
	}
	if cur.Status != models.StatusInProgress {
		return models.Request{}, s.rejected(cur, &TransitionError{From: cur.Status, To: models.StatusInProgress, Err: ErrInvalidTransition})
	}
	if cur.ProposedPrice <= 0 {
		return models.Request{}, ErrNoProposal
	}
	var none models.Money
	return s.apply(ctx, cur, storage.Update{Status: models.StatusInProgress, ProposedPrice: &none, RequireVersion: cur.Version})
}

// Complete records the customer's confirmation and captures payment.
func (s *Service) Complete(ctx context.Context, id string) (models.Request, error) {
	cur, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return models.Request{}, err
	}
	if err := CheckTransition(cur.Status, models.StatusCompleted); err != nil {
		return models.Request{}, s.rejected(cur, err)
	}
	done, err := s.apply(ctx, cur, storage.Update{Status: models.StatusCompleted, RequireVersion: cur.Version})
	if err != nil {
		return models.Request{}, err
	}
	s.capture(ctx, done)
	return done, nil
}

const cancelAttempts = 3

// Cancel is idempotent: cancelling a cancelled request returns it unchanged.
// A status change racing the cancel is re-evaluated against the new status.
func (s *Service) Cancel(ctx context.Context, id, reason string) (models.Request, error) {
	if reason == "" {
		reason = "cancelled"
	}
	var lastErr error
	for i := 0; i < cancelAttempts; i++ {
		cur, err := s.store.GetRequest(ctx, id)
		if err != nil {
			return models.Request{}, err
		}
		if cur.Status == models.StatusCancelled {
			return cur, nil
		}
		if err := CheckTransition(cur.Status, models.StatusCancelled); err != nil {
			return models.Request{}, s.rejected(cur, err)
		}
		done, err := s.apply(ctx, cur, storage.Update{Status: models.StatusCancelled, ClearAssignment: true, CancelReason: reason})
		if errors.Is(err, storage.ErrConditionFailed) {
			lastErr = err
			continue
		}
		if err != nil {
			return models.Request{}, err
		}
		s.release(ctx, done)
		return done, nil
	}
	return models.Request{}, lastErr
}

// AutoConfirm completes requests that have sat in price_confirmed for at
// least after. It returns how many were completed. Requests that change
// concurrently are skipped.
func (s *Service) AutoConfirm(ctx context.Context, after time.Duration, batch int) (int, error) {
	due, err := s.store.ListByStatus(ctx, models.StatusPriceConfirmed, s.clock.Now().Add(-after), batch)
	if err != nil {
		return 0, fmt.Errorf("list confirmable requests: %w", err)
	}
	n := 0
	for _, r := range due {
		done, err := s.apply(ctx, r, storage.Update{Status: models.StatusCompleted, RequireVersion: r.Version})
		if errors.Is(err, storage.ErrConditionFailed) {
			continue
		}
		if err != nil {
			return n, err
		}
		s.logger.Info("request auto-confirmed", slog.String("request_id", r.ID))
		s.capture(ctx, done)
		n++
	}
	return n, nil
}

// RunAutoConfirm sweeps every interval until ctx is done.
func (s *Service) RunAutoConfirm(ctx context.Context, after, interval time.Duration) {
	t := s.clock.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			if _, err := s.AutoConfirm(ctx, after, 100); err != nil {
				s.logger.Warn("auto-confirm sweep failed", slog.Any("err", err))
			}
		}
	}
}

func (s *Service) apply(ctx context.Context, cur models.Request, u storage.Update) (models.Request, error) {
	u.At = s.clock.Now()
	next, err := s.store.UpdateIf(ctx, cur.ID, cur.Status, u)
	if err != nil {
		return models.Request{}, fmt.Errorf("%s -> %s: %w", cur.Status, u.Status, err)
	}
	if next.Status != cur.Status {
		observability.Transitions.WithLabelValues(string(next.Status)).Inc()
	}
	s.logger.Info("request transitioned",
		slog.String("request_id", next.ID),
		slog.String("from", string(cur.Status)),
		slog.String("to", string(next.Status)),
		slog.Int64("version", next.Version))
	return next, nil
}

func (s *Service) rejected(cur models.Request, err error) error {
	s.logger.Error("transition rejected", slog.String("request_id", cur.ID), slog.Any("err", err))
	return err
}

// holdAmount is what Create authorises for r.
func holdAmount(r models.Request) models.Money {
	return r.BasketEstimate + r.SubtotalFees + r.Tip
}

// capture charges the final price plus fees and tip, never more than the
// hold: the gateway refuses to capture above the authorised amount. A basket
// that came in over its estimate leaves a shortfall to collect separately.
func (s *Service) capture(ctx context.Context, r models.Request) {
	if s.payments == nil || r.PaymentIntentID == "" {
		return
	}
	amount := r.FinalPrice + r.SubtotalFees + r.Tip
	if held := holdAmount(r); amount > held {
		observability.PaymentShortfall.Add(float64(amount - held))
		s.logger.Warn("final price exceeds payment hold, capturing the hold",
			slog.String("request_id", r.ID),
			slog.Int64("due", int64(amount)),
			slog.Int64("held", int64(held)),
			slog.Int64("shortfall", int64(amount-held)))
		amount = held
	}
	if err := s.payments.Capture(ctx, r.PaymentIntentID, amount); err != nil {
		s.logger.Error("payment capture failed", slog.String("request_id", r.ID), slog.Any("err", err))
	}
}

func (s *Service) release(ctx context.Context, r models.Request) {
	if s.payments == nil || r.PaymentIntentID == "" {
		return
	}
	if err := s.payments.Release(ctx, r.PaymentIntentID); err != nil {
		s.logger.Error("payment release failed", slog.String("request_id", r.ID), slog.Any("err", err))
	}
}
