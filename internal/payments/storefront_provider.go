package payments

import (
	"context"
	"errors"

	"github.com/rosa-flowers/checkout/internal/storefront"
)

// paymentAPI abstracts the storefront client for testing.
type paymentAPI interface {
	CreatePayment(ctx context.Context, orderID int64, returnURL string) (storefront.Payment, error)
}

// StorefrontProvider creates payments through the storefront API's own
// payment endpoint. This is the production path: the storefront backend
// talks to the acquiring bank and hands back a confirmation URL.
type StorefrontProvider struct {
	api paymentAPI
}

// NewStorefrontProvider constructs the provider over the storefront client.
func NewStorefrontProvider(api paymentAPI) (*StorefrontProvider, error) {
	if api == nil {
		return nil, errors.New("payments: storefront client is required")
	}
	return &StorefrontProvider{api: api}, nil
}

// CreatePayment implements Provider. A response without a confirmation URL
// is passed through unchanged; the checkout flow treats it as "no payment
// step available".
func (p *StorefrontProvider) CreatePayment(ctx context.Context, req PaymentRequest) (Payment, error) {
	payment, err := p.api.CreatePayment(ctx, req.OrderID, req.ReturnURL)
	if err != nil {
		return Payment{}, err
	}
	return Payment{ConfirmationURL: payment.ConfirmationURL}, nil
}
