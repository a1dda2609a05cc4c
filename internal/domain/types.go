package domain

import "strings"

// DeliveryType selects how the order reaches the recipient.
type DeliveryType string

const (
	// DeliveryTypeDelivery means courier delivery to a saved address.
	DeliveryTypeDelivery DeliveryType = "delivery"
	// DeliveryTypePickup means the recipient collects the order at the shop.
	DeliveryTypePickup DeliveryType = "pickup"
)

// TimeSlot is one of the fixed delivery windows offered at checkout.
type TimeSlot string

// The closed set of delivery windows. The UI renders exactly these; the
// validation layer only requires a non-empty value because no other value
// can be produced through the UI.
const (
	SlotMorning   TimeSlot = "9:00–12:00"
	SlotMidday    TimeSlot = "12:00–15:00"
	SlotAfternoon TimeSlot = "15:00–18:00"
	SlotEvening   TimeSlot = "18:00–21:00"
)

// TimeSlots lists the delivery windows in display order.
func TimeSlots() []TimeSlot {
	return []TimeSlot{SlotMorning, SlotMidday, SlotAfternoon, SlotEvening}
}

// CartLine is one cart position as exposed by the cart store. Image is
// display-only and never forwarded to the storefront API.
type CartLine struct {
	BouquetID *int64
	Name      string
	Price     int64
	Quantity  int
	Image     string
}

// Address is a saved delivery address from the user profile.
type Address struct {
	ID        int64
	Title     string
	Street    string
	House     string
	Apartment string
	IsDefault bool
}

// User is the profile snapshot the checkout flow reads. Addresses and bonus
// points are owned by the user store; the checkout session never mutates them.
type User struct {
	ID          int64
	Name        string
	Phone       string
	BonusPoints int64
	Addresses   []Address
}

// OrderDraft holds the not-yet-submitted checkout fields. It is owned by the
// UI layer and passed by value into pricing and validation.
type OrderDraft struct {
	DeliveryType   DeliveryType
	AddressID      *int64
	DeliveryDate   string
	DeliveryTime   TimeSlot
	RecipientName  string
	RecipientPhone string
	Comment        string
	CardText       string
	IsAnonymous    bool
	BonusRequested int64
}

// PriceBreakdown is the computed checkout total. Total is intentionally not
// floored at zero: callers must rely on the max-bonus clamp to keep
// BonusApplied within Subtotal+DeliveryCost.
type PriceBreakdown struct {
	Subtotal     int64
	DeliveryCost int64
	BonusApplied int64
	Total        int64
}

// Subtotal sums line price times quantity over all lines. Integer minor
// currency units throughout; an empty cart yields zero.
func Subtotal(lines []CartLine) int64 {
	var total int64
	for _, line := range lines {
		if line.Quantity <= 0 {
			continue
		}
		total += line.Price * int64(line.Quantity)
	}
	return total
}

// HasDeliveryAddress reports whether the draft references a saved address.
func (d OrderDraft) HasDeliveryAddress() bool {
	return d.AddressID != nil && *d.AddressID > 0
}

// TrimmedPhone returns the recipient phone with surrounding whitespace removed.
func (d OrderDraft) TrimmedPhone() string {
	return strings.TrimSpace(d.RecipientPhone)
}
