// Package lifecycle owns the allowed status edges of a shopping request and
// the service that drives a request through them with conditional writes.
package lifecycle

import (
	"errors"
	"fmt"

	"github.com/example/shopper-dispatch/internal/models"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrRefundRequired marks a cancellation attempted after the price was
	// confirmed; that path belongs to the refund workflow.
	ErrRefundRequired = errors.New("cancellation after price confirmation requires a refund")
)

type TransitionError struct {
	From models.Status
	To   models.Status
	Err  error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v: %s -> %s", e.Err, e.From, e.To)
}

func (e *TransitionError) Unwrap() []error {
	if e.Err == ErrInvalidTransition {
		return []error{ErrInvalidTransition}
	}
	return []error{e.Err, ErrInvalidTransition}
}

var edges = map[models.Status][]models.Status{
	models.StatusPending:        {models.StatusAccepted, models.StatusCancelled},
	models.StatusAccepted:       {models.StatusInProgress, models.StatusCancelled},
	models.StatusInProgress:     {models.StatusPriceConfirmed, models.StatusCancelled},
	models.StatusPriceConfirmed: {models.StatusCompleted},
}

// Terminal reports whether no transition may leave s.
func Terminal(s models.Status) bool {
	return s == models.StatusCompleted || s == models.StatusCancelled
}

// Assigned reports whether a request in status s carries a provider.
func Assigned(s models.Status) bool {
	switch s {
	case models.StatusAccepted, models.StatusInProgress, models.StatusPriceConfirmed, models.StatusCompleted:
		return true
	}
	return false
}

// CheckTransition validates a single edge.
func CheckTransition(from, to models.Status) error {
	for _, next := range edges[from] {
		if next == to {
			return nil
		}
	}
	if to == models.StatusCancelled && from == models.StatusPriceConfirmed {
		return &TransitionError{From: from, To: to, Err: ErrRefundRequired}
	}
	return &TransitionError{From: from, To: to, Err: ErrInvalidTransition}
}

// Rank orders statuses along the forward path. Terminal states share the
// highest rank so neither can be overtaken by a stale event.
func Rank(s models.Status) int {
	switch s {
	case models.StatusPending:
		return 1
	case models.StatusAccepted:
		return 2
	case models.StatusInProgress:
		return 3
	case models.StatusPriceConfirmed:
		return 4
	case models.StatusCompleted, models.StatusCancelled:
		return 5
	}
	return 0
}
