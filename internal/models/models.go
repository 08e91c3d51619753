package models

import (
	"fmt"
	"time"
)

// Money is an amount in minor currency units (cents).
type Money int64

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinate is within WGS84 bounds.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// Presence is a provider's self-reported availability. Location is only
// meaningful while Online is true.
type Presence struct {
	ProviderID string    `json:"provider_id"`
	Online     bool      `json:"online"`
	Location   *Coord    `json:"location,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// KnownLocation returns the location only when the provider is online.
func (p Presence) KnownLocation() (Coord, bool) {
	if !p.Online || p.Location == nil {
		return Coord{}, false
	}
	return *p.Location, true
}

type Status string

const (
	StatusPending        Status = "pending"
	StatusAccepted       Status = "accepted"
	StatusInProgress     Status = "in_progress"
	StatusPriceConfirmed Status = "price_confirmed"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
)

type Item struct {
	Title    string `json:"title"`
	Quantity int    `json:"quantity"`
}

type Fee struct {
	Amount      Money  `json:"amount"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

type FeeBreakdown struct {
	CommitmentFee       Fee   `json:"commitment_fee"`
	ServiceFee          Fee   `json:"service_fee"`
	MultiStoreSurcharge Fee   `json:"multi_store_surcharge"`
	PickPackFee         Fee   `json:"pick_pack_fee"`
	Subtotal            Money `json:"subtotal"`
}

// Request is the canonical shopping request record.
type Request struct {
	ID                 string       `json:"id"`
	CustomerID         string       `json:"customer_id"`
	StoreLocation      *Coord       `json:"store_location,omitempty"`
	DropoffLocation    Coord        `json:"dropoff_location"`
	Items              []Item       `json:"items"`
	BasketEstimate     Money        `json:"basket_estimate"`
	StoreCount         int          `json:"store_count"`
	Tip                Money        `json:"tip"`
	SubtotalFees       Money        `json:"subtotal_fees"`
	FeeBreakdown       FeeBreakdown `json:"fee_breakdown"`
	Status             Status       `json:"status"`
	AssignedProviderID string       `json:"assigned_provider_id,omitempty"`
	ProposedPrice      Money        `json:"proposed_price,omitempty"`
	FinalPrice         Money        `json:"final_price,omitempty"`
	PaymentIntentID    string       `json:"payment_intent_id,omitempty"`
	CancelReason       string       `json:"cancel_reason,omitempty"`
	Version            int64        `json:"version"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// ItemCount is the total quantity across all items.
func (r Request) ItemCount() int {
	n := 0
	for _, it := range r.Items {
		n += it.Quantity
	}
	return n
}

// Offer is a provider-local, time-bounded view of a pending request. It is
// never persisted.
type Offer struct {
	RequestID    string    `json:"request_id"`
	ProviderID   string    `json:"provider_id"`
	ShownAt      time.Time `json:"shown_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	DistanceKm   *float64  `json:"distance_km,omitempty"`
	EstimatedNet Money     `json:"estimated_net"`
	NetDisplay   string    `json:"net_display,omitempty"`
	ETASeconds   float64   `json:"eta_seconds,omitempty"`
}

// Active reports whether the offer window is still open at now.
func (o Offer) Active(now time.Time) bool {
	return now.Before(o.ExpiresAt)
}

// Remaining is the countdown left at now, never negative.
func (o Offer) Remaining(now time.Time) time.Duration {
	if d := o.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
)

// ChangeEvent is one entry of the request change feed.
type ChangeEvent struct {
	Op      ChangeOp `json:"op"`
	Request Request  `json:"request"`
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}
