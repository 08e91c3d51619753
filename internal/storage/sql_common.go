package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/shopper-dispatch/internal/models"
)

const requestColumns = `id, customer_id, store_lat, store_lng, dropoff_lat, dropoff_lng, items,
	basket_estimate, store_count, tip, subtotal_fees, fee_breakdown, status, assigned_provider_id,
	proposed_price, final_price, payment_intent_id, cancel_reason, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// timeCol scans TIMESTAMPTZ (postgres) and unix-nanosecond INTEGER (sqlite).
type timeCol struct{ t *time.Time }

func (c timeCol) Scan(v any) error {
	switch x := v.(type) {
	case time.Time:
		*c.t = x.UTC()
	case int64:
		*c.t = time.Unix(0, x).UTC()
	case nil:
		*c.t = time.Time{}
	default:
		return fmt.Errorf("unsupported time column type %T", v)
	}
	return nil
}

type jsonCol struct{ dest any }

func (c jsonCol) Scan(v any) error {
	switch x := v.(type) {
	case []byte:
		return json.Unmarshal(x, c.dest)
	case string:
		return json.Unmarshal([]byte(x), c.dest)
	case nil:
		return nil
	}
	return fmt.Errorf("unsupported json column type %T", v)
}

func scanRequest(s rowScanner) (models.Request, error) {
	var (
		r                  models.Request
		storeLat, storeLng sql.NullFloat64
		assigned           sql.NullString
		status             string
		basket, tip, fees  int64
		proposed, final    int64
	)
	err := s.Scan(
		&r.ID, &r.CustomerID, &storeLat, &storeLng, &r.DropoffLocation.Lat, &r.DropoffLocation.Lng,
		jsonCol{&r.Items}, &basket, &r.StoreCount, &tip, &fees, jsonCol{&r.FeeBreakdown},
		&status, &assigned, &proposed, &final, &r.PaymentIntentID, &r.CancelReason, &r.Version,
		timeCol{&r.CreatedAt}, timeCol{&r.UpdatedAt},
	)
	if err != nil {
		return models.Request{}, err
	}
	if storeLat.Valid && storeLng.Valid {
		r.StoreLocation = &models.Coord{Lat: storeLat.Float64, Lng: storeLng.Float64}
	}
	r.Status = models.Status(status)
	r.AssignedProviderID = assigned.String
	r.BasketEstimate = models.Money(basket)
	r.Tip = models.Money(tip)
	r.SubtotalFees = models.Money(fees)
	r.ProposedPrice = models.Money(proposed)
	r.FinalPrice = models.Money(final)
	return r, nil
}

// requestArgs returns the insert arguments in requestColumns order; ts
// converts timestamps to the dialect's representation.
func requestArgs(r models.Request, ts func(time.Time) any) ([]any, error) {
	items, err := json.Marshal(r.Items)
	if err != nil {
		return nil, fmt.Errorf("marshal items: %w", err)
	}
	if r.Items == nil {
		items = []byte("[]")
	}
	breakdown, err := json.Marshal(r.FeeBreakdown)
	if err != nil {
		return nil, fmt.Errorf("marshal fee breakdown: %w", err)
	}
	var storeLat, storeLng sql.NullFloat64
	if r.StoreLocation != nil {
		storeLat = sql.NullFloat64{Float64: r.StoreLocation.Lat, Valid: true}
		storeLng = sql.NullFloat64{Float64: r.StoreLocation.Lng, Valid: true}
	}
	var assigned sql.NullString
	if r.AssignedProviderID != "" {
		assigned = sql.NullString{String: r.AssignedProviderID, Valid: true}
	}
	return []any{
		r.ID, r.CustomerID, storeLat, storeLng, r.DropoffLocation.Lat, r.DropoffLocation.Lng, string(items),
		int64(r.BasketEstimate), r.StoreCount, int64(r.Tip), int64(r.SubtotalFees), string(breakdown), string(r.Status), assigned,
		int64(r.ProposedPrice), int64(r.FinalPrice), r.PaymentIntentID, r.CancelReason, r.Version, ts(r.CreatedAt), ts(r.UpdatedAt),
	}, nil
}

// updateArgs returns the conditional update parameters in ordinal order:
// 1 id, 2 from, 3 status, 4 clear, 5 assign, 6 proposed, 7 final,
// 8 cancel reason, 9 updated_at, 10 required version.
func updateArgs(id string, from models.Status, u Update, ts func(time.Time) any) []any {
	var proposed, final sql.NullInt64
	if u.ProposedPrice != nil {
		proposed = sql.NullInt64{Int64: int64(*u.ProposedPrice), Valid: true}
	}
	if u.FinalPrice != nil {
		final = sql.NullInt64{Int64: int64(*u.FinalPrice), Valid: true}
	}
	return []any{id, string(from), string(u.Status), u.ClearAssignment, u.AssignProvider, proposed, final, u.CancelReason, ts(u.at()), u.RequireVersion}
}

func scanPresence(s rowScanner) (models.Presence, error) {
	var (
		p        models.Presence
		lat, lng sql.NullFloat64
	)
	if err := s.Scan(&p.ProviderID, &p.Online, &lat, &lng, timeCol{&p.UpdatedAt}); err != nil {
		return models.Presence{}, err
	}
	if lat.Valid && lng.Valid {
		p.Location = &models.Coord{Lat: lat.Float64, Lng: lng.Float64}
	}
	return p, nil
}

func presenceArgs(p models.Presence, ts func(time.Time) any) []any {
	var lat, lng sql.NullFloat64
	if p.Location != nil {
		lat = sql.NullFloat64{Float64: p.Location.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: p.Location.Lng, Valid: true}
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	return []any{p.ProviderID, p.Online, lat, lng, ts(p.UpdatedAt)}
}
