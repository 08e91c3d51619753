package payments

import (
	"context"
	"fmt"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"

	"github.com/example/shopper-dispatch/internal/models"
)

// StripeClient holds customer funds with manual-capture PaymentIntents:
// authorised at request creation, captured on completion, released on
// cancellation.
type StripeClient struct {
	api      *client.API
	currency string
}

// NewStripeClient builds a client for apiKey. backends may be nil to use the
// live Stripe endpoints.
func NewStripeClient(apiKey, currency string, backends *stripe.Backends) *StripeClient {
	api := &client.API{}
	api.Init(apiKey, backends)
	if currency == "" {
		currency = "usd"
	}
	return &StripeClient{api: api, currency: currency}
}

// Hold authorises amount without capturing it and returns the PaymentIntent ID.
func (s *StripeClient) Hold(ctx context.Context, amount models.Money, requestID, customerID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(int64(amount)),
		Currency:      stripe.String(s.currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.AddMetadata("request_id", requestID)
	params.AddMetadata("customer_id", customerID)
	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return "", fmt.Errorf("hold payment: %w", err)
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent for amount, which must
// not exceed the held amount.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string, amount models.Money) error {
	params := &stripe.PaymentIntentCaptureParams{AmountToCapture: stripe.Int64(int64(amount))}
	params.Context = ctx
	if _, err := s.api.PaymentIntents.Capture(paymentIntentID, params); err != nil {
		return fmt.Errorf("capture payment %s: %w", paymentIntentID, err)
	}
	return nil
}

// Release cancels the hold on a PaymentIntent.
func (s *StripeClient) Release(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	if _, err := s.api.PaymentIntents.Cancel(paymentIntentID, params); err != nil {
		return fmt.Errorf("release payment %s: %w", paymentIntentID, err)
	}
	return nil
}
