package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/rosa-flowers/checkout/internal/domain"
	"github.com/rosa-flowers/checkout/internal/format"
	"github.com/rosa-flowers/checkout/internal/payments"
	"github.com/rosa-flowers/checkout/internal/platform/bridge"
	"github.com/rosa-flowers/checkout/internal/platform/httpx"
	"github.com/rosa-flowers/checkout/internal/platform/observability"
	"github.com/rosa-flowers/checkout/internal/services"
	"github.com/rosa-flowers/checkout/internal/storefront"
)

const maxCheckoutRequestBody = 64 * 1024

var errBodyTooLarge = errors.New("request body too large")

// StorefrontClientFactory builds a storefront client bound to a session's
// token source. Clients are per-session because the init-data token belongs
// to one webview.
type StorefrontClientFactory func(tokens storefront.TokenSource) (*storefront.Client, error)

// PaymentManagerFactory builds the payment manager over a session's
// storefront client.
type PaymentManagerFactory func(client *storefront.Client) (*payments.Manager, error)

// CheckoutHandlersDeps wires the checkout HTTP surface.
type CheckoutHandlersDeps struct {
	Registry *SessionRegistry
	Clients  StorefrontClientFactory
	Payments PaymentManagerFactory

	ReturnURL  string
	OrdersPath string
	Logger     *zap.Logger
}

// CheckoutHandlers exposes the checkout session flow over HTTP. Each session
// mirrors one open checkout screen in the webview.
type CheckoutHandlers struct {
	registry   *SessionRegistry
	clients    StorefrontClientFactory
	payments   PaymentManagerFactory
	returnURL  string
	ordersPath string
	logger     *zap.Logger
}

// NewCheckoutHandlers constructs the handlers validating required dependencies.
func NewCheckoutHandlers(deps CheckoutHandlersDeps) (*CheckoutHandlers, error) {
	if deps.Registry == nil {
		return nil, errors.New("handlers: session registry is required")
	}
	if deps.Clients == nil {
		return nil, errors.New("handlers: storefront client factory is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("handlers: payment manager factory is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CheckoutHandlers{
		registry:   deps.Registry,
		clients:    deps.Clients,
		payments:   deps.Payments,
		returnURL:  strings.TrimSpace(deps.ReturnURL),
		ordersPath: strings.TrimSpace(deps.OrdersPath),
		logger:     logger,
	}, nil
}

// Routes registers the checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/sessions", h.createSession)
	r.Route("/sessions/{sessionId}", func(sr chi.Router) {
		sr.Post("/quote", h.quote)
		sr.Post("/submit", h.submit)
		sr.Post("/payment/open", h.openPayment)
		sr.Post("/pay-later", h.payLater)
		sr.Delete("/", h.teardown)
	})
}

type cartLinePayload struct {
	BouquetID *int64 `json:"bouquetId"`
	Name      string `json:"name"`
	Price     int64  `json:"price"`
	Quantity  int    `json:"quantity"`
	Image     string `json:"image,omitempty"`
}

type addressPayload struct {
	ID        int64  `json:"id"`
	Title     string `json:"title,omitempty"`
	Street    string `json:"street,omitempty"`
	House     string `json:"house,omitempty"`
	Apartment string `json:"apartment,omitempty"`
	IsDefault bool   `json:"isDefault,omitempty"`
}

type userPayload struct {
	ID          int64            `json:"id"`
	Name        string           `json:"name"`
	Phone       string           `json:"phone"`
	BonusPoints int64            `json:"bonusPoints"`
	Addresses   []addressPayload `json:"addresses"`
}

type createSessionRequest struct {
	Cart []cartLinePayload `json:"cart"`
	User *userPayload      `json:"user"`
}

type settingsPayload struct {
	DeliveryPrice    int64  `json:"deliveryPrice"`
	FreeDeliveryFrom int64  `json:"freeDeliveryFrom"`
	MaxBonusPercent  int64  `json:"maxBonusPercent"`
	PickupAddress    string `json:"pickupAddress"`
}

type createSessionResponse struct {
	SessionID     string            `json:"sessionId"`
	Settings      settingsPayload   `json:"settings"`
	TimeSlots     []string          `json:"timeSlots"`
	Cart          []cartLinePayload `json:"cart"`
	Subtotal      int64             `json:"subtotal"`
	SubtotalLabel string            `json:"subtotalLabel"`
	MaxBonus      int64             `json:"maxBonus"`
	MaxBonusLabel string            `json:"maxBonusLabel"`
}

type draftPayload struct {
	DeliveryType   string `json:"deliveryType"`
	AddressID      *int64 `json:"addressId"`
	DeliveryDate   string `json:"deliveryDate"`
	DeliveryTime   string `json:"deliveryTime"`
	RecipientName  string `json:"recipientName"`
	RecipientPhone string `json:"recipientPhone"`
	Comment        string `json:"comment"`
	CardText       string `json:"cardText"`
	IsAnonymous    bool   `json:"isAnonymous"`
	BonusToUse     int64  `json:"bonusToUse"`
}

func (p draftPayload) toDomain() domain.OrderDraft {
	deliveryType := domain.DeliveryType(strings.TrimSpace(p.DeliveryType))
	if deliveryType == "" {
		deliveryType = domain.DeliveryTypeDelivery
	}
	return domain.OrderDraft{
		DeliveryType:   deliveryType,
		AddressID:      p.AddressID,
		DeliveryDate:   strings.TrimSpace(p.DeliveryDate),
		DeliveryTime:   domain.TimeSlot(strings.TrimSpace(p.DeliveryTime)),
		RecipientName:  p.RecipientName,
		RecipientPhone: p.RecipientPhone,
		Comment:        p.Comment,
		CardText:       p.CardText,
		IsAnonymous:    p.IsAnonymous,
		BonusRequested: p.BonusToUse,
	}
}

type quoteResponse struct {
	Subtotal     int64  `json:"subtotal"`
	DeliveryCost int64  `json:"deliveryCost"`
	BonusApplied int64  `json:"bonusApplied"`
	Total        int64  `json:"total"`
	TotalLabel   string `json:"totalLabel"`
	MaxBonus     int64  `json:"maxBonus"`
}

type submitResponse struct {
	State       string      `json:"state"`
	OrderID     int64       `json:"orderId,omitempty"`
	PaymentURL  string      `json:"paymentUrl,omitempty"`
	Notice      string      `json:"notice,omitempty"`
	CartCleared bool        `json:"cartCleared"`
	Directives  []Directive `json:"directives,omitempty"`
}

type openPaymentResponse struct {
	State      string      `json:"state"`
	PaymentURL string      `json:"paymentUrl"`
	Method     string      `json:"method"`
	Directives []Directive `json:"directives,omitempty"`
}

type payLaterResponse struct {
	State      string      `json:"state"`
	Directives []Directive `json:"directives,omitempty"`
}

func (h *CheckoutHandlers) createSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createSessionRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	host := newWebHost()
	host.begin(r)

	brdg, err := bridge.New(host, host, h.logger)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "bridge setup failed", http.StatusInternalServerError))
		return
	}

	client, err := h.clients(brdg)
	if err != nil {
		h.logger.Error("storefront client setup failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "storefront client setup failed", http.StatusInternalServerError))
		return
	}

	// Settings are fetched once per session; a failed fetch degrades to the
	// built-in defaults rather than blocking checkout.
	settings := domain.DefaultDeliverySettings()
	if values, err := client.FetchSettings(ctx); err != nil {
		h.logger.Warn("settings fetch failed, using defaults", zap.Error(err))
	} else {
		settings = domain.ParseDeliverySettings(values)
	}

	manager, err := h.payments(client)
	if err != nil {
		h.logger.Error("payment manager setup failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "payment setup failed", http.StatusInternalServerError))
		return
	}

	lines := make([]domain.CartLine, 0, len(req.Cart))
	for _, line := range req.Cart {
		lines = append(lines, domain.CartLine{
			BouquetID: line.BouquetID,
			Name:      line.Name,
			Price:     line.Price,
			Quantity:  line.Quantity,
			Image:     brdg.ImageURL(line.Image),
		})
	}
	cart := newSnapshotCart(lines)

	user := &snapshotUser{}
	if req.User != nil {
		addresses := make([]domain.Address, 0, len(req.User.Addresses))
		for _, addr := range req.User.Addresses {
			addresses = append(addresses, domain.Address{
				ID:        addr.ID,
				Title:     addr.Title,
				Street:    addr.Street,
				House:     addr.House,
				Apartment: addr.Apartment,
				IsDefault: addr.IsDefault,
			})
		}
		user.user = domain.User{
			ID:          req.User.ID,
			Name:        req.User.Name,
			Phone:       req.User.Phone,
			BonusPoints: req.User.BonusPoints,
			Addresses:   addresses,
		}
		user.ok = true
	}

	session, err := services.NewCheckoutSession(services.CheckoutSessionDeps{
		Cart:       cart,
		User:       user,
		Navigator:  host,
		Bridge:     brdg,
		Orders:     client,
		Payments:   manager,
		Settings:   settings,
		ReturnURL:  h.returnURL,
		OrdersPath: h.ordersPath,
		Logger:     observability.EventLogger(h.logger),
	})
	if err != nil {
		h.logger.Error("checkout session setup failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "checkout session setup failed", http.StatusInternalServerError))
		return
	}

	entry := &sessionEntry{
		id:      ulid.Make().String(),
		session: session,
		host:    host,
		cart:    cart,
	}
	h.registry.Put(entry)

	slots := domain.TimeSlots()
	slotNames := make([]string, 0, len(slots))
	for _, slot := range slots {
		slotNames = append(slotNames, string(slot))
	}

	echo := make([]cartLinePayload, 0, len(lines))
	for _, line := range lines {
		echo = append(echo, cartLinePayload{
			BouquetID: line.BouquetID,
			Name:      line.Name,
			Price:     line.Price,
			Quantity:  line.Quantity,
			Image:     line.Image,
		})
	}

	subtotal := domain.Subtotal(lines)
	maxBonus := session.MaxBonus()
	httpx.WriteJSON(w, http.StatusCreated, createSessionResponse{
		SessionID: entry.id,
		Settings: settingsPayload{
			DeliveryPrice:    settings.DeliveryPrice,
			FreeDeliveryFrom: settings.FreeDeliveryThreshold,
			MaxBonusPercent:  settings.MaxBonusPercent,
			PickupAddress:    settings.PickupAddress,
		},
		TimeSlots:     slotNames,
		Cart:          echo,
		Subtotal:      subtotal,
		SubtotalLabel: format.Rubles(subtotal),
		MaxBonus:      maxBonus,
		MaxBonusLabel: format.Bonus(maxBonus),
	})
}

func (h *CheckoutHandlers) quote(w http.ResponseWriter, r *http.Request) {
	entry, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var payload draftPayload
	if !h.decodeBody(w, r, &payload) {
		return
	}

	breakdown := entry.session.Quote(payload.toDomain())
	httpx.WriteJSON(w, http.StatusOK, quoteResponse{
		Subtotal:     breakdown.Subtotal,
		DeliveryCost: breakdown.DeliveryCost,
		BonusApplied: breakdown.BonusApplied,
		Total:        breakdown.Total,
		TotalLabel:   format.Rubles(breakdown.Total),
		MaxBonus:     entry.session.MaxBonus(),
	})
}

func (h *CheckoutHandlers) submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entry, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var payload draftPayload
	if !h.decodeBody(w, r, &payload) {
		return
	}

	entry.host.begin(r)
	result, err := entry.session.Submit(ctx, payload.toDomain())
	if err != nil {
		h.writeSubmitError(ctx, w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, submitResponse{
		State:       string(result.State),
		OrderID:     result.OrderID,
		PaymentURL:  result.PaymentURL,
		Notice:      result.Notice,
		CartCleared: entry.cart.Empty(),
		Directives:  entry.host.take(),
	})
}

func (h *CheckoutHandlers) writeSubmitError(ctx context.Context, w http.ResponseWriter, err error) {
	var validation *services.ValidationError
	switch {
	case errors.As(err, &validation):
		httpx.WriteError(ctx, w, httpx.NewError("validation_failed", validation.Message, http.StatusUnprocessableEntity).
			WithDetails(map[string]any{"field": validation.Field}))
	case errors.Is(err, services.ErrSubmitInFlight):
		httpx.WriteError(ctx, w, httpx.NewError("submit_in_flight", "submission already in progress", http.StatusConflict))
	case errors.Is(err, services.ErrCartEmpty):
		httpx.WriteError(ctx, w, httpx.NewError("cart_empty", "cart is empty", http.StatusConflict))
	case errors.Is(err, services.ErrOrderCreateFailed):
		httpx.WriteError(ctx, w, httpx.NewError("order_create_failed", services.NoticeOrderFailed, http.StatusBadGateway).
			WithDetails(map[string]any{"retryable": true}))
	case errors.Is(err, services.ErrSessionClosed):
		httpx.WriteError(ctx, w, httpx.NewError("session_closed", "checkout session closed", http.StatusGone))
	default:
		h.logger.Error("submit failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "submit failed", http.StatusInternalServerError))
	}
}

func (h *CheckoutHandlers) openPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entry, ok := h.lookup(w, r)
	if !ok {
		return
	}

	entry.host.begin(r)
	result, err := entry.session.OpenPayment(ctx)
	if err != nil {
		h.writeActionError(ctx, w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, openPaymentResponse{
		State:      string(services.StateCompleted),
		PaymentURL: result.PaymentURL,
		Method:     string(result.Method),
		Directives: entry.host.take(),
	})
}

func (h *CheckoutHandlers) payLater(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entry, ok := h.lookup(w, r)
	if !ok {
		return
	}

	entry.host.begin(r)
	if err := entry.session.PayLater(ctx); err != nil {
		h.writeActionError(ctx, w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, payLaterResponse{
		State:      string(services.StateCompleted),
		Directives: entry.host.take(),
	})
}

func (h *CheckoutHandlers) teardown(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionId")
	h.registry.Delete(id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *CheckoutHandlers) writeActionError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrNoPaymentPending):
		httpx.WriteError(ctx, w, httpx.NewError("no_payment_pending", "no payment is pending for this session", http.StatusConflict))
	case errors.Is(err, services.ErrSessionClosed):
		httpx.WriteError(ctx, w, httpx.NewError("session_closed", "checkout session closed", http.StatusGone))
	default:
		h.logger.Error("payment action failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "payment action failed", http.StatusInternalServerError))
	}
}

func (h *CheckoutHandlers) lookup(w http.ResponseWriter, r *http.Request) (*sessionEntry, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "sessionId"))
	entry, ok := h.registry.Get(id)
	if !ok {
		httpx.WriteError(r.Context(), w, httpx.NewError("session_not_found", "checkout session not found or expired", http.StatusNotFound))
		return nil, false
	}
	return entry, true
}

// decodeBody reads and unmarshals a bounded JSON body. An empty body decodes
// into the zero value.
func (h *CheckoutHandlers) decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	ctx := r.Context()
	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, out); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return false
	}
	return true
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	return body, nil
}
