package services

import (
	"testing"

	"github.com/rosa-flowers/checkout/internal/domain"
)

func testSettings() domain.DeliverySettings {
	return domain.DeliverySettings{
		DeliveryPrice:         500,
		FreeDeliveryThreshold: 5000,
		MaxBonusPercent:       20,
		PickupAddress:         "д. Званка, ул. Приозёрная, д. 58",
	}
}

func linesWithSubtotal(subtotal int64) []domain.CartLine {
	return []domain.CartLine{{Name: "Букет", Price: subtotal, Quantity: 1}}
}

func TestPriceQuoteDeliveryBelowThreshold(t *testing.T) {
	got := PriceQuote(linesWithSubtotal(4000), testSettings(), domain.DeliveryTypeDelivery, 0, 0)
	want := domain.PriceBreakdown{Subtotal: 4000, DeliveryCost: 500, BonusApplied: 0, Total: 4500}
	if got != want {
		t.Fatalf("PriceQuote = %+v, want %+v", got, want)
	}
}

func TestPriceQuoteFreeDeliveryAtThreshold(t *testing.T) {
	got := PriceQuote(linesWithSubtotal(6000), testSettings(), domain.DeliveryTypeDelivery, 0, 0)
	want := domain.PriceBreakdown{Subtotal: 6000, DeliveryCost: 0, BonusApplied: 0, Total: 6000}
	if got != want {
		t.Fatalf("PriceQuote = %+v, want %+v", got, want)
	}

	// Exactly at the threshold is already free.
	got = PriceQuote(linesWithSubtotal(5000), testSettings(), domain.DeliveryTypeDelivery, 0, 0)
	if got.DeliveryCost != 0 {
		t.Fatalf("delivery cost at threshold = %d, want 0", got.DeliveryCost)
	}
}

func TestPriceQuotePickupNeverChargesDelivery(t *testing.T) {
	for _, subtotal := range []int64{0, 100, 4999, 5000, 100000} {
		got := PriceQuote(linesWithSubtotal(subtotal), testSettings(), domain.DeliveryTypePickup, 0, 0)
		if got.DeliveryCost != 0 {
			t.Fatalf("pickup subtotal %d: delivery cost = %d, want 0", subtotal, got.DeliveryCost)
		}
	}
}

func TestPriceQuoteBonusClamp(t *testing.T) {
	settings := testSettings()

	// subtotal 1000, 20% cap => 200; balance 500 does not lift the cap.
	if got := MaxBonusAllowed(1000, 500, settings.MaxBonusPercent); got != 200 {
		t.Fatalf("MaxBonusAllowed = %d, want 200", got)
	}

	got := PriceQuote(linesWithSubtotal(1000), settings, domain.DeliveryTypePickup, 500, 300)
	if got.BonusApplied != 200 {
		t.Fatalf("BonusApplied = %d, want 200", got.BonusApplied)
	}
	if got.Total != 800 {
		t.Fatalf("Total = %d, want 800", got.Total)
	}

	// Balance below the percentage cap binds instead.
	if got := MaxBonusAllowed(1000, 150, settings.MaxBonusPercent); got != 150 {
		t.Fatalf("MaxBonusAllowed = %d, want 150", got)
	}

	// Negative requests are treated as zero.
	got = PriceQuote(linesWithSubtotal(1000), settings, domain.DeliveryTypePickup, 500, -50)
	if got.BonusApplied != 0 {
		t.Fatalf("BonusApplied = %d, want 0", got.BonusApplied)
	}
}

func TestPriceQuoteTotalIdentity(t *testing.T) {
	settings := testSettings()
	lines := []domain.CartLine{
		{Name: "Розы", Price: 1500, Quantity: 2},
		{Name: "Открытка", Price: 150, Quantity: 1},
	}
	for _, tc := range []struct {
		deliveryType domain.DeliveryType
		available    int64
		requested    int64
	}{
		{domain.DeliveryTypeDelivery, 0, 0},
		{domain.DeliveryTypeDelivery, 1000, 1000},
		{domain.DeliveryTypePickup, 300, 120},
		{domain.DeliveryTypePickup, 9999, 9999},
	} {
		got := PriceQuote(lines, settings, tc.deliveryType, tc.available, tc.requested)
		if got.Total != got.Subtotal+got.DeliveryCost-got.BonusApplied {
			t.Fatalf("total identity broken: %+v", got)
		}
		if limit := MaxBonusAllowed(got.Subtotal, tc.available, settings.MaxBonusPercent); got.BonusApplied > limit {
			t.Fatalf("bonus %d exceeds limit %d", got.BonusApplied, limit)
		}
	}
}

func TestPriceQuoteEmptyCart(t *testing.T) {
	got := PriceQuote(nil, testSettings(), domain.DeliveryTypeDelivery, 100, 100)
	// Empty carts are rejected before checkout; the calculator itself still
	// charges delivery below the threshold and applies no bonus.
	want := domain.PriceBreakdown{Subtotal: 0, DeliveryCost: 500, BonusApplied: 0, Total: 500}
	if got != want {
		t.Fatalf("PriceQuote(empty) = %+v, want %+v", got, want)
	}
}
