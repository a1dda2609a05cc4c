package services

import (
	"context"
	"errors"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	"github.com/rosa-flowers/checkout/internal/domain"
	"github.com/rosa-flowers/checkout/internal/payments"
	"github.com/rosa-flowers/checkout/internal/platform/bridge"
	"github.com/rosa-flowers/checkout/internal/storefront"
)

const defaultOrdersPath = "/orders"

// User-facing notices, in the storefront's language.
const (
	// NoticeOrderFailed is the generic order-creation failure message; the
	// cart stays intact so the user can retry.
	NoticeOrderFailed = "Ошибка при создании заказа"
	// NoticePayLater is the degraded-completion message: the order exists
	// but no payment could be created.
	NoticePayLater = "Не удалось создать платёж. Заказ создан, оплатите позже в разделе «Мои заказы»."
)

var (
	// ErrSubmitInFlight rejects a re-entrant submit while one is running.
	ErrSubmitInFlight = errors.New("checkout: submit already in flight")
	// ErrCartEmpty rejects submission of an empty cart.
	ErrCartEmpty = errors.New("checkout: cart is empty")
	// ErrSessionClosed indicates the checkout session was torn down.
	ErrSessionClosed = errors.New("checkout: session closed")
	// ErrOrderCreateFailed indicates the order-creation call failed; the
	// cart is untouched and the full submission may be retried.
	ErrOrderCreateFailed = errors.New("checkout: order creation failed")
	// ErrNoPaymentPending rejects payment actions outside the handoff states.
	ErrNoPaymentPending = errors.New("checkout: no payment pending")
)

// CheckoutState enumerates the payment-handoff states.
type CheckoutState string

const (
	// StateIdle is the initial state; submission has not started.
	StateIdle CheckoutState = "idle"
	// StateSubmitting covers the in-flight order and payment calls.
	StateSubmitting CheckoutState = "submitting"
	// StateAwaitingPayment holds the confirmation URL until the user acts.
	StateAwaitingPayment CheckoutState = "awaiting_payment"
	// StateDegradedCompleted means the order exists but payment creation
	// failed; the user pays later from order history.
	StateDegradedCompleted CheckoutState = "degraded_completed"
	// StateCompleted is the user-initiated exit from the handoff.
	StateCompleted CheckoutState = "completed"
)

// CartStore is the external cart collaborator: synchronous reads plus Clear.
type CartStore interface {
	Lines() []domain.CartLine
	Clear()
}

// UserStore exposes the profile snapshot for the session.
type UserStore interface {
	Current() (domain.User, bool)
}

// orderAPI abstracts the storefront order endpoint for testing.
type orderAPI interface {
	CreateOrder(ctx context.Context, req storefront.OrderRequest) (storefront.Order, error)
}

// paymentManager abstracts payments.Manager for testing.
type paymentManager interface {
	CreatePayment(ctx context.Context, req payments.PaymentRequest) (payments.Payment, error)
}

// CheckoutSessionDeps wires the collaborators of a checkout session.
type CheckoutSessionDeps struct {
	Cart      CartStore
	User      UserStore
	Navigator bridge.Navigator
	Bridge    *bridge.Bridge
	Orders    orderAPI
	Payments  paymentManager
	Settings  domain.DeliverySettings

	// ReturnURL points payment providers back at the order-history view.
	ReturnURL string
	// OrdersPath is the in-app navigation target for order history.
	OrdersPath string

	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
	// IDGen produces client idempotency keys; defaults to ULIDs.
	IDGen func() string
}

// CheckoutSession owns the handoff state machine for one checkout. It is
// created when the user opens checkout and discarded on navigation away.
// All state transitions go through its methods; the paymentURL is never
// unset once committed.
type CheckoutSession struct {
	mu         sync.Mutex
	state      CheckoutState
	paymentURL string
	notice     string
	orderID    int64
	closed     bool

	cart       CartStore
	user       UserStore
	nav        bridge.Navigator
	bridge     *bridge.Bridge
	orders     orderAPI
	payments   paymentManager
	settings   domain.DeliverySettings
	returnURL  string
	ordersPath string

	now       func() time.Time
	logger    func(ctx context.Context, event string, fields map[string]any)
	idGen     func() string
	sanitizer *bluemonday.Policy
}

// NewCheckoutSession constructs a session validating required dependencies.
func NewCheckoutSession(deps CheckoutSessionDeps) (*CheckoutSession, error) {
	if deps.Cart == nil {
		return nil, errors.New("checkout session: cart store is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("checkout session: order api is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("checkout session: payment manager is required")
	}
	if deps.Navigator == nil {
		return nil, errors.New("checkout session: navigator is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	idGen := deps.IDGen
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	ordersPath := strings.TrimSpace(deps.OrdersPath)
	if ordersPath == "" {
		ordersPath = defaultOrdersPath
	}

	return &CheckoutSession{
		state:      StateIdle,
		cart:       deps.Cart,
		user:       deps.User,
		nav:        deps.Navigator,
		bridge:     deps.Bridge,
		orders:     deps.Orders,
		payments:   deps.Payments,
		settings:   deps.Settings,
		returnURL:  strings.TrimSpace(deps.ReturnURL),
		ordersPath: ordersPath,
		now:        func() time.Time { return clock().UTC() },
		logger:     logger,
		idGen:      idGen,
		sanitizer:  bluemonday.StrictPolicy(),
	}, nil
}

// State returns the current handoff state.
func (s *CheckoutSession) State() CheckoutState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PaymentURL returns the committed confirmation URL, empty until the handoff
// reaches awaiting_payment.
func (s *CheckoutSession) PaymentURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paymentURL
}

// Notice returns the last user-facing notice recorded by the flow.
func (s *CheckoutSession) Notice() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notice
}

// Settings returns the immutable session delivery settings.
func (s *CheckoutSession) Settings() domain.DeliverySettings {
	return s.settings
}

// Quote prices the draft against the current cart and user bonus balance.
// Pure and repeatable; safe to call on every draft edit.
func (s *CheckoutSession) Quote(draft domain.OrderDraft) domain.PriceBreakdown {
	return PriceQuote(s.cart.Lines(), s.settings, draft.DeliveryType, s.bonusAvailable(), draft.BonusRequested)
}

// MaxBonus bounds the bonus input control for the current cart.
func (s *CheckoutSession) MaxBonus() int64 {
	return MaxBonusAllowed(domain.Subtotal(s.cart.Lines()), s.bonusAvailable(), s.settings.MaxBonusPercent)
}

// SubmitResult reports the outcome of a submit flow.
type SubmitResult struct {
	State      CheckoutState
	OrderID    int64
	PaymentURL string
	Notice     string
}

// Submit runs the order-submission flow:
//
//	validate → create order → create payment → handoff.
//
// Re-entrant submits while one is in flight are rejected; that guard is the
// only double-submit protection at the UI level, so the order request also
// carries a client-generated idempotency key for network-level retries.
//
// On a payment confirmation URL the state commit strictly precedes the
// cart-clear side effect: a watcher navigates away from checkout the moment
// the cart becomes empty, and the payment screen must already be renderable
// by then. That branch neither navigates nor fires haptics.
func (s *CheckoutSession) Submit(ctx context.Context, draft domain.OrderDraft) (SubmitResult, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return SubmitResult{}, ErrSessionClosed
	}
	if s.state == StateSubmitting {
		s.mu.Unlock()
		return SubmitResult{}, ErrSubmitInFlight
	}

	lines := s.cart.Lines()
	if len(lines) == 0 {
		s.mu.Unlock()
		return SubmitResult{}, ErrCartEmpty
	}

	user, hasUser := s.currentUser()
	if err := ValidateDraft(draft, hasUser && len(user.Addresses) > 0); err != nil {
		// Validation failures never start a submission: no state change,
		// no network call.
		s.mu.Unlock()
		return SubmitResult{}, err
	}

	s.state = StateSubmitting
	s.notice = ""
	s.mu.Unlock()

	breakdown := PriceQuote(lines, s.settings, draft.DeliveryType, user.BonusPoints, draft.BonusRequested)
	req := s.buildOrderRequest(lines, draft, breakdown)

	order, err := s.orders.CreateOrder(ctx, req)
	if err != nil {
		s.logger(ctx, "checkout.order_failed", map[string]any{"error": err.Error()})
		// Back to idle with the cart intact so the user can retry.
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return SubmitResult{}, ErrSessionClosed
		}
		s.state = StateIdle
		s.notice = NoticeOrderFailed
		s.mu.Unlock()
		return SubmitResult{State: StateIdle, Notice: NoticeOrderFailed}, ErrOrderCreateFailed
	}

	s.logger(ctx, "checkout.order_created", map[string]any{
		"orderId": order.ID,
		"total":   breakdown.Total,
	})

	// Payment creation is independent of the order: its failure leaves the
	// order standing and degrades the flow instead of erroring it.
	payment, payErr := s.payments.CreatePayment(ctx, payments.PaymentRequest{
		OrderID:        order.ID,
		ReturnURL:      s.returnURL,
		Amount:         breakdown.Total,
		IdempotencyKey: req.IdempotencyKey,
	})

	if payErr == nil && payment.ConfirmationURL != "" {
		s.mu.Lock()
		if s.closed {
			// Orphaned response after teardown: drop it without touching
			// state or firing side effects.
			s.mu.Unlock()
			return SubmitResult{}, ErrSessionClosed
		}
		s.state = StateAwaitingPayment
		s.paymentURL = payment.ConfirmationURL
		s.orderID = order.ID
		s.mu.Unlock()

		// Commit above, clear below: the empty-cart watcher must observe
		// the payment URL already set.
		s.cart.Clear()
		return SubmitResult{State: StateAwaitingPayment, OrderID: order.ID, PaymentURL: payment.ConfirmationURL}, nil
	}

	if payErr != nil {
		s.logger(ctx, "checkout.payment_failed", map[string]any{
			"orderId": order.ID,
			"error":   payErr.Error(),
		})
	} else {
		s.logger(ctx, "checkout.payment_unavailable", map[string]any{"orderId": order.ID})
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return SubmitResult{}, ErrSessionClosed
	}
	s.state = StateDegradedCompleted
	s.notice = NoticePayLater
	s.orderID = order.ID
	s.mu.Unlock()

	// Order exists, so the cart is done; no haptic in the degraded flow.
	s.cart.Clear()
	s.nav.Go(s.ordersPath)
	return SubmitResult{State: StateDegradedCompleted, OrderID: order.ID, Notice: NoticePayLater}, nil
}

// OpenResult reports how the payment URL was opened.
type OpenResult struct {
	Method     bridge.OpenMethod
	PaymentURL string
}

// OpenPayment handles the explicit "go to payment" action. It never runs
// automatically, never unsets the payment URL, and stays available after the
// first tap so a failed external open can be retried.
func (s *CheckoutSession) OpenPayment(ctx context.Context) (OpenResult, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return OpenResult{}, ErrSessionClosed
	}
	if s.paymentURL == "" || (s.state != StateAwaitingPayment && s.state != StateCompleted) {
		s.mu.Unlock()
		return OpenResult{}, ErrNoPaymentPending
	}
	url := s.paymentURL
	s.state = StateCompleted
	s.mu.Unlock()

	method := s.openURL(url)
	s.logger(ctx, "checkout.payment_opened", map[string]any{"method": string(method)})
	if s.bridge != nil {
		s.bridge.HapticSuccess()
	}
	return OpenResult{Method: method, PaymentURL: url}, nil
}

// PayLater is the explicit exit from the handoff without paying: it
// navigates to order history and leaves the payment status untouched.
func (s *CheckoutSession) PayLater(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state != StateAwaitingPayment && s.state != StateCompleted {
		s.mu.Unlock()
		return ErrNoPaymentPending
	}
	s.state = StateCompleted
	s.mu.Unlock()

	s.logger(ctx, "checkout.pay_later", nil)
	s.nav.Go(s.ordersPath)
	return nil
}

// Close tears the session down when the user navigates away. In-flight
// upstream responses arriving afterwards are discarded.
func (s *CheckoutSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *CheckoutSession) bonusAvailable() int64 {
	user, ok := s.currentUser()
	if !ok {
		return 0
	}
	return user.BonusPoints
}

func (s *CheckoutSession) currentUser() (domain.User, bool) {
	if s.user == nil {
		return domain.User{}, false
	}
	return s.user.Current()
}

func (s *CheckoutSession) openURL(url string) bridge.OpenMethod {
	if s.bridge != nil {
		return s.bridge.OpenURL(url)
	}
	s.nav.Go(url)
	return bridge.OpenMethodNavigate
}

// buildOrderRequest snapshots the cart and draft into the wire payload.
// BonusUsed carries the clamped amount, not the raw request, and free-text
// fields are sanitized before leaving the app.
func (s *CheckoutSession) buildOrderRequest(lines []domain.CartLine, draft domain.OrderDraft, breakdown domain.PriceBreakdown) storefront.OrderRequest {
	items := make([]storefront.OrderItem, 0, len(lines))
	for _, line := range lines {
		items = append(items, storefront.OrderItem{
			BouquetID: line.BouquetID,
			Name:      line.Name,
			Price:     line.Price,
			Quantity:  line.Quantity,
		})
	}

	var addressID *int64
	if draft.DeliveryType == domain.DeliveryTypeDelivery {
		addressID = draft.AddressID
	}

	return storefront.OrderRequest{
		Items:          items,
		AddressID:      addressID,
		DeliveryType:   string(draft.DeliveryType),
		DeliveryDate:   draft.DeliveryDate,
		DeliveryTime:   string(draft.DeliveryTime),
		RecipientName:  s.sanitizeText(draft.RecipientName),
		RecipientPhone: draft.TrimmedPhone(),
		Comment:        s.sanitizeText(draft.Comment),
		BonusUsed:      breakdown.BonusApplied,
		IsAnonymous:    draft.IsAnonymous,
		CardText:       s.sanitizeText(draft.CardText),
		IdempotencyKey: s.idGen(),
	}
}

// sanitizeText strips markup from a free-text field, keeping it plain text.
func (s *CheckoutSession) sanitizeText(value string) string {
	return strings.TrimSpace(html.UnescapeString(s.sanitizer.Sanitize(value)))
}
