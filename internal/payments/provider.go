package payments

import (
	"context"
	"errors"
	"strings"
)

// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
var ErrUnsupportedProvider = errors.New("payments: unsupported provider")

// PaymentRequest carries what a provider needs to create a payment for an
// existing order. Amount and Description exist for providers that build the
// payment themselves; the storefront provider derives both server-side.
type PaymentRequest struct {
	OrderID        int64
	ReturnURL      string
	Amount         int64
	Description    string
	IdempotencyKey string
}

// Payment is the normalised provider response. An empty ConfirmationURL
// means no payment step is available and drives the degraded completion.
type Payment struct {
	Provider        string
	ConfirmationURL string
}

// Provider is the contract payment adapters implement. Creating a payment is
// independent of order creation: a provider failure never invalidates the
// order it references.
type Provider interface {
	CreatePayment(ctx context.Context, req PaymentRequest) (Payment, error)
}

// Manager routes payment creation to a named provider.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
}

// NewManager constructs a Manager over the supplied providers. The default
// provider must be registered.
func NewManager(providers map[string]Provider, defaultProvider string) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	registry := make(map[string]Provider, len(providers))
	for key, provider := range providers {
		name := strings.ToLower(strings.TrimSpace(key))
		if name == "" || provider == nil {
			return nil, errors.New("payments: invalid provider registration")
		}
		registry[name] = provider
	}
	def := strings.ToLower(strings.TrimSpace(defaultProvider))
	if def == "" && len(registry) == 1 {
		for name := range registry {
			def = name
		}
	}
	if _, ok := registry[def]; !ok {
		return nil, ErrUnsupportedProvider
	}
	return &Manager{providers: registry, defaultProvider: def}, nil
}

// CreatePayment delegates to the default provider and stamps the provider
// name on the result.
func (m *Manager) CreatePayment(ctx context.Context, req PaymentRequest) (Payment, error) {
	if m == nil || len(m.providers) == 0 {
		return Payment{}, ErrUnsupportedProvider
	}
	provider := m.providers[m.defaultProvider]
	payment, err := provider.CreatePayment(ctx, req)
	if err != nil {
		return Payment{}, err
	}
	payment.Provider = m.defaultProvider
	return payment, nil
}
