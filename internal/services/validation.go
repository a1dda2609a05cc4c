package services

import (
	"fmt"

	"github.com/rosa-flowers/checkout/internal/domain"
)

// ValidationError reports the first failing draft check. Message is the
// user-facing text shown inline next to the submit button.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("draft validation: %s: %s", e.Field, e.Message)
}

// User-facing validation messages, in the storefront's language.
const (
	msgPhoneRequired   = "Укажите телефон получателя"
	msgDateRequired    = "Выберите дату доставки"
	msgTimeRequired    = "Выберите время доставки"
	msgAddressRequired = "Выберите адрес доставки"
)

// ValidateDraft runs the ordered pre-submission checks and returns the first
// failure, or nil when the draft is submittable.
//
// The order is part of the contract: the cheapest-to-fix error surfaces
// first, and tests rely on it being deterministic. Checks short-circuit; no
// error collection happens.
//
// The time slot check only requires a non-empty value. The UI offers the
// closed slot set exclusively, so membership is not re-validated here.
//
// The address check applies only to courier delivery and only when the user
// has saved addresses: without any, the recipient supplies an address via
// the free-text comment and the check is skipped.
func ValidateDraft(draft domain.OrderDraft, hasAddresses bool) error {
	if draft.TrimmedPhone() == "" {
		return &ValidationError{Field: "recipientPhone", Message: msgPhoneRequired}
	}
	if draft.DeliveryDate == "" {
		return &ValidationError{Field: "deliveryDate", Message: msgDateRequired}
	}
	if draft.DeliveryTime == "" {
		return &ValidationError{Field: "deliveryTime", Message: msgTimeRequired}
	}
	if draft.DeliveryType == domain.DeliveryTypeDelivery && hasAddresses && !draft.HasDeliveryAddress() {
		return &ValidationError{Field: "addressId", Message: msgAddressRequired}
	}
	return nil
}
