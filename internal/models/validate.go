package models

import "fmt"

// Request size limits. They keep fee arithmetic far from overflow.
const (
	MaxItems        = 200
	MaxItemQuantity = 999
	MaxStoreCount   = 20
)

// ValidateNewRequest checks the fields a newly created request must carry.
// Basket contents are not judged, only their shape.
func ValidateNewRequest(r Request) error {
	if r.CustomerID == "" {
		return &ValidationError{Field: "customer_id", Message: "is required"}
	}
	if !r.DropoffLocation.Valid() {
		return &ValidationError{Field: "dropoff_location", Message: "must be a valid coordinate"}
	}
	if r.StoreLocation != nil && !r.StoreLocation.Valid() {
		return &ValidationError{Field: "store_location", Message: "must be a valid coordinate"}
	}
	if r.BasketEstimate < 0 {
		return &ValidationError{Field: "basket_estimate", Message: "must be non-negative"}
	}
	if r.Tip < 0 {
		return &ValidationError{Field: "tip", Message: "must be non-negative"}
	}
	if r.StoreCount < 0 || r.StoreCount > MaxStoreCount {
		return &ValidationError{Field: "store_count", Message: fmt.Sprintf("must be between 0 and %d", MaxStoreCount)}
	}
	if len(r.Items) > MaxItems {
		return &ValidationError{Field: "items", Message: "too many items"}
	}
	for _, it := range r.Items {
		if it.Quantity <= 0 || it.Quantity > MaxItemQuantity {
			return &ValidationError{Field: "items", Message: fmt.Sprintf("quantity must be between 1 and %d", MaxItemQuantity)}
		}
	}
	return nil
}
