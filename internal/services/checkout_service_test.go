package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rosa-flowers/checkout/internal/domain"
	"github.com/rosa-flowers/checkout/internal/payments"
	"github.com/rosa-flowers/checkout/internal/platform/bridge"
	"github.com/rosa-flowers/checkout/internal/storefront"
)

type stubCart struct {
	mu      sync.Mutex
	lines   []domain.CartLine
	cleared bool
	onClear func()
}

func (c *stubCart) Lines() []domain.CartLine {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleared {
		return nil
	}
	return c.lines
}

func (c *stubCart) Clear() {
	c.mu.Lock()
	c.cleared = true
	hook := c.onClear
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (c *stubCart) isCleared() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleared
}

type stubUsers struct {
	user domain.User
	ok   bool
}

func (u *stubUsers) Current() (domain.User, bool) { return u.user, u.ok }

type stubNav struct {
	mu    sync.Mutex
	paths []string
}

func (n *stubNav) Go(path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.paths = append(n.paths, path)
}

func (n *stubNav) last() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.paths) == 0 {
		return ""
	}
	return n.paths[len(n.paths)-1]
}

type stubOrders struct {
	mu    sync.Mutex
	fn    func(ctx context.Context, req storefront.OrderRequest) (storefront.Order, error)
	calls int
	last  storefront.OrderRequest
}

func (o *stubOrders) CreateOrder(ctx context.Context, req storefront.OrderRequest) (storefront.Order, error) {
	o.mu.Lock()
	o.calls++
	o.last = req
	fn := o.fn
	o.mu.Unlock()
	if fn == nil {
		return storefront.Order{ID: 1}, nil
	}
	return fn(ctx, req)
}

func (o *stubOrders) callCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

type stubPayments struct {
	fn   func(ctx context.Context, req payments.PaymentRequest) (payments.Payment, error)
	last payments.PaymentRequest
}

func (p *stubPayments) CreatePayment(ctx context.Context, req payments.PaymentRequest) (payments.Payment, error) {
	p.last = req
	if p.fn == nil {
		return payments.Payment{}, nil
	}
	return p.fn(ctx, req)
}

// hapticHost implements bridge.Host recording haptic notifications.
type hapticHost struct {
	mu      sync.Mutex
	haptics []string
	opened  []string
}

func (h *hapticHost) InitData() (string, bool) { return "", false }

func (h *hapticHost) OpenExternalLink() (bridge.LinkOpener, bool) {
	return func(url string) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.opened = append(h.opened, url)
		return nil
	}, true
}

func (h *hapticHost) OpenLink() (bridge.LinkOpener, bool) { return nil, false }

func (h *hapticHost) HapticNotification() (bridge.HapticFunc, bool) {
	return func(kind string) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.haptics = append(h.haptics, kind)
		return nil
	}, true
}

func (h *hapticHost) hapticCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.haptics)
}

type sessionFixture struct {
	cart     *stubCart
	nav      *stubNav
	orders   *stubOrders
	payments *stubPayments
	host     *hapticHost
	session  *CheckoutSession
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	bouquetID := int64(3)
	f := &sessionFixture{
		cart: &stubCart{lines: []domain.CartLine{
			{BouquetID: &bouquetID, Name: "Розы", Price: 1500, Quantity: 2},
			{Name: "Открытка", Price: 150, Quantity: 1},
		}},
		nav:      &stubNav{},
		orders:   &stubOrders{},
		payments: &stubPayments{},
		host:     &hapticHost{},
	}

	br, err := bridge.New(f.host, f.nav, zap.NewNop())
	if err != nil {
		t.Fatalf("bridge.New: %v", err)
	}

	addressID := int64(7)
	f.session, err = NewCheckoutSession(CheckoutSessionDeps{
		Cart: f.cart,
		User: &stubUsers{ok: true, user: domain.User{
			ID:          1,
			BonusPoints: 500,
			Addresses:   []domain.Address{{ID: addressID, IsDefault: true}},
		}},
		Navigator: f.nav,
		Bridge:    br,
		Orders:    f.orders,
		Payments:  f.payments,
		Settings:  testSettings(),
		ReturnURL: "https://shop.example/orders",
		Clock:     func() time.Time { return time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC) },
		IDGen:     func() string { return "01TESTKEY" },
	})
	if err != nil {
		t.Fatalf("NewCheckoutSession: %v", err)
	}
	return f
}

func fixtureDraft() domain.OrderDraft {
	addressID := int64(7)
	return domain.OrderDraft{
		DeliveryType:   domain.DeliveryTypeDelivery,
		AddressID:      &addressID,
		DeliveryDate:   "2026-09-05",
		DeliveryTime:   domain.SlotMidday,
		RecipientName:  "Анна",
		RecipientPhone: "+7 900 000-00-00",
		BonusRequested: 100,
	}
}

func TestSubmitAwaitingPaymentCommitsURLBeforeCartClear(t *testing.T) {
	f := newSessionFixture(t)
	f.payments.fn = func(context.Context, payments.PaymentRequest) (payments.Payment, error) {
		return payments.Payment{ConfirmationURL: "https://pay/x"}, nil
	}

	// The empty-cart watcher fires on Clear; by then the URL must be set.
	urlAtClear := ""
	f.cart.onClear = func() {
		urlAtClear = f.session.PaymentURL()
	}

	result, err := f.session.Submit(context.Background(), fixtureDraft())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.State != StateAwaitingPayment {
		t.Fatalf("state = %s, want %s", result.State, StateAwaitingPayment)
	}
	if result.PaymentURL != "https://pay/x" {
		t.Fatalf("payment url = %q", result.PaymentURL)
	}
	if !f.cart.isCleared() {
		t.Fatal("cart must be cleared after the URL commit")
	}
	if urlAtClear != "https://pay/x" {
		t.Fatalf("cart cleared before payment url commit (url at clear = %q)", urlAtClear)
	}
	// This branch stops after clearing: no navigation, no haptics.
	if len(f.nav.paths) != 0 {
		t.Fatalf("unexpected navigation %v", f.nav.paths)
	}
	if f.host.hapticCount() != 0 {
		t.Fatal("no haptic may fire while awaiting payment")
	}
}

func TestSubmitDegradedWhenConfirmationURLMissing(t *testing.T) {
	f := newSessionFixture(t)
	// Payment create succeeds but carries no confirmation URL.
	f.payments.fn = func(context.Context, payments.PaymentRequest) (payments.Payment, error) {
		return payments.Payment{}, nil
	}

	result, err := f.session.Submit(context.Background(), fixtureDraft())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.State != StateDegradedCompleted {
		t.Fatalf("state = %s, want %s", result.State, StateDegradedCompleted)
	}
	if result.Notice != NoticePayLater {
		t.Fatalf("notice = %q", result.Notice)
	}
	if !f.cart.isCleared() {
		t.Fatal("cart must be cleared: the order itself succeeded")
	}
	if f.nav.last() != "/orders" {
		t.Fatalf("expected navigation to /orders, got %v", f.nav.paths)
	}
	if f.host.hapticCount() != 0 {
		t.Fatal("no haptic may fire in the degraded flow")
	}
}

func TestSubmitDegradedOnPaymentError(t *testing.T) {
	f := newSessionFixture(t)
	f.payments.fn = func(context.Context, payments.PaymentRequest) (payments.Payment, error) {
		return payments.Payment{}, errors.New("gateway timeout")
	}

	result, err := f.session.Submit(context.Background(), fixtureDraft())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.State != StateDegradedCompleted {
		t.Fatalf("state = %s, want %s", result.State, StateDegradedCompleted)
	}
	if result.OrderID != 1 {
		t.Fatalf("order id = %d; the order must survive payment failure", result.OrderID)
	}
	if !f.cart.isCleared() {
		t.Fatal("cart must be cleared")
	}
}

func TestSubmitOrderFailureKeepsCart(t *testing.T) {
	f := newSessionFixture(t)
	f.orders.fn = func(context.Context, storefront.OrderRequest) (storefront.Order, error) {
		return storefront.Order{}, errors.New("503")
	}

	result, err := f.session.Submit(context.Background(), fixtureDraft())
	if !errors.Is(err, ErrOrderCreateFailed) {
		t.Fatalf("err = %v, want ErrOrderCreateFailed", err)
	}
	if result.Notice != NoticeOrderFailed {
		t.Fatalf("notice = %q", result.Notice)
	}
	if f.cart.isCleared() {
		t.Fatal("cart must stay intact for retry")
	}
	if f.session.State() != StateIdle {
		t.Fatalf("state = %s, want %s", f.session.State(), StateIdle)
	}
	if len(f.nav.paths) != 0 {
		t.Fatalf("unexpected navigation %v", f.nav.paths)
	}

	// The full submission is retryable.
	f.orders.fn = nil
	f.payments.fn = func(context.Context, payments.PaymentRequest) (payments.Payment, error) {
		return payments.Payment{ConfirmationURL: "https://pay/x"}, nil
	}
	if _, err := f.session.Submit(context.Background(), fixtureDraft()); err != nil {
		t.Fatalf("retry Submit: %v", err)
	}
}

func TestSubmitValidationFailureMakesNoNetworkCall(t *testing.T) {
	f := newSessionFixture(t)
	draft := fixtureDraft()
	draft.RecipientPhone = " "

	_, err := f.session.Submit(context.Background(), draft)
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
	if f.orders.callCount() != 0 {
		t.Fatal("validation failure must not reach the network")
	}
	if f.session.State() != StateIdle {
		t.Fatalf("state = %s, want %s", f.session.State(), StateIdle)
	}
}

func TestSubmitEmptyCartRejected(t *testing.T) {
	f := newSessionFixture(t)
	f.cart.lines = nil

	if _, err := f.session.Submit(context.Background(), fixtureDraft()); !errors.Is(err, ErrCartEmpty) {
		t.Fatalf("err = %v, want ErrCartEmpty", err)
	}
}

func TestSubmitGuardsAgainstDoubleTap(t *testing.T) {
	f := newSessionFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	f.orders.fn = func(context.Context, storefront.OrderRequest) (storefront.Order, error) {
		close(started)
		<-release
		return storefront.Order{ID: 1}, nil
	}
	f.payments.fn = func(context.Context, payments.PaymentRequest) (payments.Payment, error) {
		return payments.Payment{ConfirmationURL: "https://pay/x"}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.session.Submit(context.Background(), fixtureDraft())
		done <- err
	}()

	<-started
	if _, err := f.session.Submit(context.Background(), fixtureDraft()); !errors.Is(err, ErrSubmitInFlight) {
		t.Fatalf("second submit err = %v, want ErrSubmitInFlight", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if f.orders.callCount() != 1 {
		t.Fatalf("order calls = %d, want 1", f.orders.callCount())
	}
}

func TestSubmitOrphanedResponseAfterClose(t *testing.T) {
	f := newSessionFixture(t)
	f.payments.fn = func(context.Context, payments.PaymentRequest) (payments.Payment, error) {
		// The user navigates away while the payment call is in flight.
		f.session.Close()
		return payments.Payment{ConfirmationURL: "https://pay/x"}, nil
	}

	_, err := f.session.Submit(context.Background(), fixtureDraft())
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("err = %v, want ErrSessionClosed", err)
	}
	if f.cart.isCleared() {
		t.Fatal("torn-down session must not clear the cart")
	}
	if f.session.PaymentURL() != "" {
		t.Fatal("torn-down session must not accept state writes")
	}
	if len(f.nav.paths) != 0 {
		t.Fatalf("unexpected navigation %v", f.nav.paths)
	}
}

func TestSubmitOrderRequestPayload(t *testing.T) {
	f := newSessionFixture(t)
	draft := fixtureDraft()
	draft.Comment = "<b>Позвоните за час</b>"
	draft.CardText = "С днём рождения! <script>alert(1)</script>"
	draft.BonusRequested = 9999 // display-time clamp bypassed on purpose

	_, err := f.session.Submit(context.Background(), draft)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	req := f.orders.last
	if len(req.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(req.Items))
	}
	if req.Items[0].BouquetID == nil || *req.Items[0].BouquetID != 3 {
		t.Fatalf("bouquet id not snapshotted: %+v", req.Items[0])
	}
	// subtotal 3150, 20% cap => 630, balance 500 binds => 500.
	if req.BonusUsed != 500 {
		t.Fatalf("bonusUsed = %d, want clamped 500", req.BonusUsed)
	}
	if req.Comment != "Позвоните за час" {
		t.Fatalf("comment not sanitized: %q", req.Comment)
	}
	if req.CardText != "С днём рождения!" {
		t.Fatalf("card text not sanitized: %q", req.CardText)
	}
	if req.IdempotencyKey != "01TESTKEY" {
		t.Fatalf("idempotency key = %q", req.IdempotencyKey)
	}
	if req.AddressID == nil || *req.AddressID != 7 {
		t.Fatalf("address id = %v", req.AddressID)
	}

	// Pickup drafts never reference an address.
	f2 := newSessionFixture(t)
	pickup := fixtureDraft()
	pickup.DeliveryType = domain.DeliveryTypePickup
	if _, err := f2.session.Submit(context.Background(), pickup); err != nil {
		t.Fatalf("Submit pickup: %v", err)
	}
	if f2.orders.last.AddressID != nil {
		t.Fatalf("pickup address id = %v, want nil", f2.orders.last.AddressID)
	}
}

func TestOpenPaymentExplicitOnly(t *testing.T) {
	f := newSessionFixture(t)
	f.payments.fn = func(context.Context, payments.PaymentRequest) (payments.Payment, error) {
		return payments.Payment{ConfirmationURL: "https://pay/x"}, nil
	}
	if _, err := f.session.Submit(context.Background(), fixtureDraft()); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Nothing ran automatically after the handoff commit.
	if f.host.hapticCount() != 0 || len(f.host.opened) != 0 || len(f.nav.paths) != 0 {
		t.Fatal("no side effect may run before the explicit go-to-payment action")
	}

	result, err := f.session.OpenPayment(context.Background())
	if err != nil {
		t.Fatalf("OpenPayment: %v", err)
	}
	if result.Method != bridge.OpenMethodExternal {
		t.Fatalf("method = %s, want %s", result.Method, bridge.OpenMethodExternal)
	}
	if result.PaymentURL != "https://pay/x" {
		t.Fatalf("url = %q", result.PaymentURL)
	}
	if f.session.PaymentURL() != "https://pay/x" {
		t.Fatal("payment url must never be unset")
	}
	if f.host.hapticCount() != 1 {
		t.Fatalf("haptic count = %d, want 1", f.host.hapticCount())
	}

	// The action stays available: a failed external open can be retried.
	if _, err := f.session.OpenPayment(context.Background()); err != nil {
		t.Fatalf("second OpenPayment: %v", err)
	}
}

func TestOpenPaymentWithoutHandoffRejected(t *testing.T) {
	f := newSessionFixture(t)
	if _, err := f.session.OpenPayment(context.Background()); !errors.Is(err, ErrNoPaymentPending) {
		t.Fatalf("err = %v, want ErrNoPaymentPending", err)
	}
}

func TestPayLaterNavigatesToOrders(t *testing.T) {
	f := newSessionFixture(t)
	f.payments.fn = func(context.Context, payments.PaymentRequest) (payments.Payment, error) {
		return payments.Payment{ConfirmationURL: "https://pay/x"}, nil
	}
	if _, err := f.session.Submit(context.Background(), fixtureDraft()); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := f.session.PayLater(context.Background()); err != nil {
		t.Fatalf("PayLater: %v", err)
	}
	if f.nav.last() != "/orders" {
		t.Fatalf("expected navigation to /orders, got %v", f.nav.paths)
	}
	if f.session.PaymentURL() != "https://pay/x" {
		t.Fatal("pay later must not change payment status")
	}
	if f.host.hapticCount() != 0 {
		t.Fatal("pay later fires no haptic")
	}
}

func TestQuoteAndMaxBonus(t *testing.T) {
	f := newSessionFixture(t)
	draft := fixtureDraft()
	draft.BonusRequested = 0

	// subtotal 3150 < 5000 => delivery 500.
	got := f.session.Quote(draft)
	if got.Subtotal != 3150 || got.DeliveryCost != 500 || got.Total != 3650 {
		t.Fatalf("quote = %+v", got)
	}

	// 20% of 3150 = 630, balance 500 binds.
	if got := f.session.MaxBonus(); got != 500 {
		t.Fatalf("MaxBonus = %d, want 500", got)
	}
}

func TestPaymentRequestCarriesTotal(t *testing.T) {
	f := newSessionFixture(t)
	f.payments.fn = func(context.Context, payments.PaymentRequest) (payments.Payment, error) {
		return payments.Payment{ConfirmationURL: "https://pay/x"}, nil
	}
	draft := fixtureDraft()
	draft.BonusRequested = 0

	if _, err := f.session.Submit(context.Background(), draft); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if f.payments.last.OrderID != 1 {
		t.Fatalf("payment order id = %d", f.payments.last.OrderID)
	}
	if f.payments.last.ReturnURL != "https://shop.example/orders" {
		t.Fatalf("return url = %q", f.payments.last.ReturnURL)
	}
	if f.payments.last.Amount != 3650 {
		t.Fatalf("amount = %d, want 3650", f.payments.last.Amount)
	}
}
