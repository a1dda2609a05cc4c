package services

import (
	"github.com/rosa-flowers/checkout/internal/domain"
)

// PriceQuote computes the checkout price breakdown from the cart snapshot,
// the session delivery settings, and the requested bonus redemption.
//
// The function is pure: integer arithmetic only, no I/O, no clock. All
// amounts are minor currency units to avoid rounding drift.
//
// Delivery cost applies only to courier delivery below the free-delivery
// threshold; pickup never incurs it. The requested bonus is clamped to
// MaxBonusAllowed even when the caller already clamped at display time.
// Total is NOT floored at zero: the max-bonus clamp is what keeps
// BonusApplied within Subtotal+DeliveryCost, and a negative total would be
// a caller bug, not something to mask here.
func PriceQuote(lines []domain.CartLine, settings domain.DeliverySettings, deliveryType domain.DeliveryType, bonusAvailable, bonusRequested int64) domain.PriceBreakdown {
	subtotal := domain.Subtotal(lines)

	var deliveryCost int64
	if deliveryType == domain.DeliveryTypeDelivery && subtotal < settings.FreeDeliveryThreshold {
		deliveryCost = settings.DeliveryPrice
	}

	bonusApplied := bonusRequested
	if bonusApplied < 0 {
		bonusApplied = 0
	}
	if limit := MaxBonusAllowed(subtotal, bonusAvailable, settings.MaxBonusPercent); bonusApplied > limit {
		bonusApplied = limit
	}

	return domain.PriceBreakdown{
		Subtotal:     subtotal,
		DeliveryCost: deliveryCost,
		BonusApplied: bonusApplied,
		Total:        subtotal + deliveryCost - bonusApplied,
	}
}

// MaxBonusAllowed bounds bonus redemption by both the user's balance and the
// configured share of the subtotal. The UI uses it to cap the slider range;
// PriceQuote re-applies it defensively.
func MaxBonusAllowed(subtotal, bonusAvailable, maxBonusPercent int64) int64 {
	if subtotal <= 0 || bonusAvailable <= 0 || maxBonusPercent <= 0 {
		return 0
	}
	limit := subtotal * maxBonusPercent / 100
	if bonusAvailable < limit {
		return bonusAvailable
	}
	return limit
}
