// Package acceptance resolves concurrent claims on a pending request with a
// single conditional write in the canonical store.
package acceptance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/example/shopper-dispatch/internal/lifecycle"
	"github.com/example/shopper-dispatch/internal/models"
	"github.com/example/shopper-dispatch/internal/observability"
	"github.com/example/shopper-dispatch/internal/retry"
	"github.com/example/shopper-dispatch/internal/storage"
	"github.com/example/shopper-dispatch/internal/tracing"
)

type Reason string

const (
	ReasonAccepted        Reason = "accepted"
	ReasonAlreadyAssigned Reason = "already_assigned"
	ReasonNotFound        Reason = "not_found"
	ReasonTransient       Reason = "transient_error"
)

// Result is the outcome of one claim. Request is set only when Accepted.
type Result struct {
	Accepted bool           `json:"accepted"`
	Request  models.Request `json:"request,omitempty"`
	Reason   Reason         `json:"reason"`
}

type Config struct {
	Attempts int
	Backoff  time.Duration
}

func DefaultConfig() Config {
	return Config{Attempts: 3, Backoff: 200 * time.Millisecond}
}

// Acceptor is safe for concurrent use; all coordination happens in the
// store.
type Acceptor struct {
	store  storage.RequestStore
	cfg    Config
	logger *slog.Logger
}

func New(store storage.RequestStore, cfg Config, logger *slog.Logger) *Acceptor {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Acceptor{store: store, cfg: cfg, logger: logger}
}

// TryAccept claims requestID for providerID. Losing the race is a normal
// outcome and is reported through Result with a nil error. A non-nil error
// is returned only when the store stayed unavailable through every retry;
// the claim may or may not have been applied in that case.
func (a *Acceptor) TryAccept(ctx context.Context, requestID, providerID string) (Result, error) {
	if requestID == "" || providerID == "" {
		return Result{}, &models.ValidationError{Field: "provider_id", Message: "request and provider ids are required"}
	}
	ctx, span := tracing.Tracer("acceptance").Start(ctx, "TryAccept")
	defer span.End()
	span.SetAttributes(attribute.String("request.id", requestID), attribute.String("provider.id", providerID))

	start := time.Now()
	defer func() { observability.AcceptLatency.Observe(time.Since(start).Seconds()) }()

	var updated models.Request
	err := retry.Do(ctx, a.cfg.Attempts, a.cfg.Backoff, storage.IsTransient, func(ctx context.Context) error {
		var err error
		updated, err = a.store.UpdateIf(ctx, requestID, models.StatusPending, storage.Update{
			Status:         models.StatusAccepted,
			AssignProvider: providerID,
		})
		return err
	})

	res, err := a.classify(requestID, providerID, updated, err)
	observability.AcceptAttempts.WithLabelValues(string(res.Reason)).Inc()
	span.SetAttributes(attribute.String("accept.reason", string(res.Reason)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store unavailable")
	}
	return res, err
}

func (a *Acceptor) classify(requestID, providerID string, updated models.Request, err error) (Result, error) {
	log := a.logger.With(slog.String("request_id", requestID), slog.String("provider_id", providerID))
	var ce *storage.ConditionError
	switch {
	case err == nil:
		observability.Transitions.WithLabelValues(string(models.StatusAccepted)).Inc()
		log.Info("request accepted", slog.Int64("version", updated.Version))
		return Result{Accepted: true, Request: updated, Reason: ReasonAccepted}, nil
	case errors.As(err, &ce):
		cur := ce.Current
		// a retried write whose first attempt landed finds its own claim
		if cur.AssignedProviderID == providerID && lifecycle.Assigned(cur.Status) {
			log.Info("request already accepted by this provider", slog.String("status", string(cur.Status)))
			return Result{Accepted: true, Request: cur, Reason: ReasonAccepted}, nil
		}
		if cur.Status == models.StatusCancelled {
			log.Info("accept lost: request cancelled")
			return Result{Reason: ReasonNotFound}, nil
		}
		log.Info("accept lost: already assigned", slog.String("status", string(cur.Status)))
		return Result{Reason: ReasonAlreadyAssigned}, nil
	case errors.Is(err, storage.ErrNotFound):
		log.Info("accept lost: request not found")
		return Result{Reason: ReasonNotFound}, nil
	case storage.IsTransient(err):
		log.Warn("accept failed: store unavailable", slog.Any("err", err))
		return Result{Reason: ReasonTransient}, fmt.Errorf("try accept %s: %w", requestID, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.Warn("accept abandoned", slog.Any("err", err))
		return Result{Reason: ReasonTransient}, fmt.Errorf("try accept %s: %w", requestID, err)
	default:
		log.Error("accept failed", slog.Any("err", err))
		return Result{Reason: ReasonTransient}, fmt.Errorf("try accept %s: %w", requestID, err)
	}
}
