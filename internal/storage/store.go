package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/example/shopper-dispatch/internal/models"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrConditionFailed = errors.New("condition not met")
	ErrTransient       = errors.New("store unavailable")
)

// ConditionError is returned by UpdateIf when the row exists but did not
// match the expected status or version. Current is the row as it was seen
// right after the failed write, for classification only.
type ConditionError struct {
	Current models.Request
}

func (e *ConditionError) Error() string {
	return fmt.Sprintf("%v: request %s is %s (version %d)", ErrConditionFailed, e.Current.ID, e.Current.Status, e.Current.Version)
}

func (e *ConditionError) Unwrap() error { return ErrConditionFailed }

// IsTransient reports whether err means the store could not be reached and
// the operation may be retried.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

func transient(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}

// Update describes the columns a conditional write sets.
type Update struct {
	Status models.Status
	// AssignProvider sets the assignee when non-empty.
	AssignProvider  string
	ClearAssignment bool
	ProposedPrice   *models.Money
	FinalPrice      *models.Money
	CancelReason    string
	// RequireVersion additionally pins the write to this version when > 0.
	RequireVersion int64
	At             time.Time
}

// apply mutates r the same way the SQL stores do.
func (u Update) apply(r *models.Request) {
	r.Status = u.Status
	switch {
	case u.ClearAssignment:
		r.AssignedProviderID = ""
	case u.AssignProvider != "":
		r.AssignedProviderID = u.AssignProvider
	}
	if u.ProposedPrice != nil {
		r.ProposedPrice = *u.ProposedPrice
	}
	if u.FinalPrice != nil {
		r.FinalPrice = *u.FinalPrice
	}
	if u.CancelReason != "" {
		r.CancelReason = u.CancelReason
	}
	r.Version++
	r.UpdatedAt = u.at()
}

func (u Update) at() time.Time {
	if u.At.IsZero() {
		return time.Now().UTC()
	}
	return u.At.UTC()
}

type RequestStore interface {
	CreateRequest(ctx context.Context, r models.Request) (models.Request, error)
	GetRequest(ctx context.Context, id string) (models.Request, error)
	// UpdateIf applies u in a single atomic write that only matches while the
	// request's status equals from. A non-matching row yields *ConditionError.
	UpdateIf(ctx context.Context, id string, from models.Status, u Update) (models.Request, error)
	ListByStatus(ctx context.Context, status models.Status, updatedBefore time.Time, limit int) ([]models.Request, error)
}

type PresenceStore interface {
	// UpsertPresence ignores writes older than the stored row.
	UpsertPresence(ctx context.Context, p models.Presence) error
	GetPresence(ctx context.Context, providerID string) (models.Presence, error)
}

// Store is the canonical store: requests, presence and the change feed.
type Store interface {
	RequestStore
	PresenceStore
	Subscribe(ctx context.Context) (<-chan models.ChangeEvent, error)
	Close() error
}

func cloneRequest(r models.Request) models.Request {
	r.Items = slices.Clone(r.Items)
	if r.StoreLocation != nil {
		loc := *r.StoreLocation
		r.StoreLocation = &loc
	}
	return r
}
