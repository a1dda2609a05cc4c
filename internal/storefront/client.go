package storefront

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultTimeout    = 8 * time.Second
	authHeader        = "X-Auth-Init-Data"
	idempotencyHeader = "Idempotency-Key"
)

var tracer = otel.Tracer("github.com/rosa-flowers/checkout/internal/storefront")

// ErrUnavailable is returned when the storefront API cannot be reached,
// including while the circuit breaker is open.
var ErrUnavailable = errors.New("storefront: unavailable")

// TokenSource supplies the host-provided init-data token. It is read fresh
// for every request because the host may populate it after page load.
type TokenSource interface {
	AuthToken() (string, bool)
}

// OrderItem is one order line as accepted by POST /orders.
type OrderItem struct {
	BouquetID *int64 `json:"bouquetId"`
	Name      string `json:"name"`
	Price     int64  `json:"price"`
	Quantity  int    `json:"quantity"`
}

// OrderRequest is the POST /orders payload.
type OrderRequest struct {
	Items          []OrderItem `json:"items"`
	AddressID      *int64      `json:"addressId"`
	DeliveryType   string      `json:"deliveryType"`
	DeliveryDate   string      `json:"deliveryDate"`
	DeliveryTime   string      `json:"deliveryTime"`
	RecipientName  string      `json:"recipientName"`
	RecipientPhone string      `json:"recipientPhone"`
	Comment        string      `json:"comment"`
	BonusUsed      int64       `json:"bonusUsed"`
	IsAnonymous    bool        `json:"isAnonymous"`
	CardText       string      `json:"cardText"`

	// IdempotencyKey travels as a header, not in the body.
	IdempotencyKey string `json:"-"`
}

// Order is the subset of the order-create response the checkout flow needs.
type Order struct {
	ID int64 `json:"id"`
}

// Payment mirrors the POST /payment/create response. An absent confirmation
// URL is not an error: it means no payment step is available for the order.
type Payment struct {
	ConfirmationURL string `json:"confirmationUrl"`
}

// ClientConfig configures the storefront API client.
type ClientConfig struct {
	BaseURL    string
	Tokens     TokenSource
	HTTPClient *http.Client
	Logger     *zap.Logger

	// Breaker trips after consecutive upstream failures; zero uses defaults.
	BreakerFailureThreshold uint32
	BreakerOpenFor          time.Duration
}

// Client issues settings, order, and payment calls against the storefront
// API. Every request carries the init-data header when the host provides a
// token; its absence is logged but never blocks the call.
type Client struct {
	baseURL string
	tokens  TokenSource
	http    *http.Client
	logger  *zap.Logger
	breaker *gobreaker.CircuitBreaker[*http.Response]
}

// NewClient constructs a storefront API client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("storefront: base url is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	threshold := cfg.BreakerFailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	openFor := cfg.BreakerOpenFor
	if openFor <= 0 {
		openFor = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:    "storefront",
		Timeout: openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("storefront breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Client{
		baseURL: baseURL,
		tokens:  cfg.Tokens,
		http:    httpClient,
		logger:  logger,
		breaker: breaker,
	}, nil
}

// FetchSettings loads the flat storefront settings map. Defaults for missing
// keys are applied by the domain layer, not here.
func (c *Client) FetchSettings(ctx context.Context) (map[string]string, error) {
	var settings map[string]string
	err := c.doJSON(ctx, http.MethodGet, "/settings", nil, "", &settings)
	if err != nil {
		return nil, err
	}
	return settings, nil
}

// CreateOrder submits the snapshotted draft to POST /orders.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (Order, error) {
	var order Order
	if err := c.doJSON(ctx, http.MethodPost, "/orders", req, req.IdempotencyKey, &order); err != nil {
		return Order{}, err
	}
	if order.ID == 0 {
		return Order{}, errors.New("storefront: order response missing id")
	}
	return order, nil
}

// CreatePayment asks the storefront to create a payment for the order. A
// response without a confirmation URL is returned as-is; the caller decides
// what a missing URL means.
func (c *Client) CreatePayment(ctx context.Context, orderID int64, returnURL string) (Payment, error) {
	body := map[string]any{
		"orderId":   orderID,
		"returnUrl": returnURL,
	}
	var payment Payment
	if err := c.doJSON(ctx, http.MethodPost, "/payment/create", body, "", &payment); err != nil {
		return Payment{}, err
	}
	return payment, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, idempotencyKey string, out any) error {
	ctx, span := tracer.Start(ctx, "storefront"+strings.ReplaceAll(path, "/", "."),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", path),
		))
	defer span.End()

	endpoint, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set(idempotencyHeader, idempotencyKey)
	}
	c.injectAuth(req)

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		resp, err := c.http.Do(req) //nolint:bodyclose // closed below or on the error path
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			defer resp.Body.Close()
			return nil, fmt.Errorf("storefront: %s %s status %d: %s", method, path, resp.StatusCode, drainError(resp.Body))
		}
		return resp, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return err
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("storefront: %s %s status %d: %s", method, path, resp.StatusCode, drainError(resp.Body))
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		span.RecordError(err)
		return fmt.Errorf("storefront: decode %s %s: %w", method, path, err)
	}
	return nil
}

// injectAuth attaches the init-data token read fresh from the host. The host
// may populate it asynchronously, so a missing token is only a warning; the
// backend decides whether to reject unauthenticated requests.
func (c *Client) injectAuth(req *http.Request) {
	if c.tokens == nil {
		return
	}
	token, ok := c.tokens.AuthToken()
	if !ok || token == "" {
		c.logger.Warn("storefront request without init data", zap.String("path", req.URL.Path))
		return
	}
	req.Header.Set(authHeader, token)
}

func drainError(r io.Reader) string {
	if r == nil {
		return ""
	}
	b, _ := io.ReadAll(io.LimitReader(r, 256))
	return strings.TrimSpace(string(b))
}
