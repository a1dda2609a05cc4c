package payments

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey   string
	Currency string
	Logger   StripeLogger

	// Sessions overrides the Stripe client, used by tests.
	Sessions stripeSessionAPI
}

// StripeProvider creates Stripe Checkout Sessions and surfaces their hosted
// page URL as the payment confirmation URL. It serves deployments where the
// storefront backend has no payment endpoint of its own.
type StripeProvider struct {
	sessions stripeSessionAPI
	currency string
	logger   StripeLogger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Sessions == nil {
		return nil, errors.New("stripe: api key is required")
	}

	sessions := cfg.Sessions
	if sessions == nil {
		sc := client.New(apiKey, nil)
		sessions = sc.CheckoutSessions
	}

	currency := strings.ToLower(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = "rub"
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		sessions: sessions,
		currency: currency,
		logger:   logger,
	}, nil
}

// CreatePayment implements Provider by creating a payment-mode Checkout
// Session for the order amount.
func (p *StripeProvider) CreatePayment(ctx context.Context, req PaymentRequest) (Payment, error) {
	if req.OrderID <= 0 {
		return Payment{}, errors.New("stripe: order id is required")
	}
	if req.Amount <= 0 {
		return Payment{}, errors.New("stripe: amount is required")
	}

	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = fmt.Sprintf("Заказ №%d", req.OrderID)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.ReturnURL),
		CancelURL:         stripe.String(req.ReturnURL),
		ClientReferenceID: stripe.String(strconv.FormatInt(req.OrderID, 10)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(p.currency),
					// Order amounts are whole rubles; Stripe expects kopecks.
					UnitAmount: stripe.Int64(req.Amount * 100),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(description),
					},
				},
			},
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}

	session, err := p.sessions.New(params)
	if err != nil {
		p.logger(ctx, "stripe.session_failed", map[string]any{
			"orderId": req.OrderID,
			"error":   err.Error(),
		})
		return Payment{}, fmt.Errorf("stripe: create session: %w", err)
	}

	return Payment{ConfirmationURL: session.URL}, nil
}
