package domain

import (
	"strconv"
	"strings"
)

// Storefront settings arrive as a flat string-keyed map. Keys and defaults
// match what the admin panel writes; any missing or malformed value falls
// back to the documented default for the session.
const (
	settingDeliveryPrice   = "delivery_price"
	settingFreeDeliveryMin = "free_delivery_from"
	settingMaxBonusPercent = "max_bonus_discount"
	settingPickupAddress   = "address"

	// DefaultDeliveryPrice is charged when the subtotal is below the
	// free-delivery threshold, in minor currency units.
	DefaultDeliveryPrice int64 = 500
	// DefaultFreeDeliveryThreshold is the subtotal from which delivery is free.
	DefaultFreeDeliveryThreshold int64 = 5000
	// DefaultMaxBonusPercent caps bonus redemption as a share of the subtotal.
	DefaultMaxBonusPercent int64 = 20
	// DefaultPickupAddress is shown when the shop has not configured one.
	DefaultPickupAddress = "д. Званка, ул. Приозёрная, д. 58"
)

// DeliverySettings are fetched once per checkout session and treated as
// immutable for its lifetime.
type DeliverySettings struct {
	DeliveryPrice         int64
	FreeDeliveryThreshold int64
	MaxBonusPercent       int64
	PickupAddress         string
}

// DefaultDeliverySettings returns the documented fallback values.
func DefaultDeliverySettings() DeliverySettings {
	return DeliverySettings{
		DeliveryPrice:         DefaultDeliveryPrice,
		FreeDeliveryThreshold: DefaultFreeDeliveryThreshold,
		MaxBonusPercent:       DefaultMaxBonusPercent,
		PickupAddress:         DefaultPickupAddress,
	}
}

// ParseDeliverySettings consumes the flat settings map, falling back to the
// defaults for absent or unparseable keys. MaxBonusPercent is clamped to the
// 0–100 range.
func ParseDeliverySettings(values map[string]string) DeliverySettings {
	settings := DefaultDeliverySettings()
	if len(values) == 0 {
		return settings
	}
	settings.DeliveryPrice = parseSettingInt(values, settingDeliveryPrice, settings.DeliveryPrice)
	settings.FreeDeliveryThreshold = parseSettingInt(values, settingFreeDeliveryMin, settings.FreeDeliveryThreshold)
	settings.MaxBonusPercent = parseSettingInt(values, settingMaxBonusPercent, settings.MaxBonusPercent)
	if settings.MaxBonusPercent < 0 {
		settings.MaxBonusPercent = 0
	}
	if settings.MaxBonusPercent > 100 {
		settings.MaxBonusPercent = 100
	}
	if address := strings.TrimSpace(values[settingPickupAddress]); address != "" {
		settings.PickupAddress = address
	}
	return settings
}

func parseSettingInt(values map[string]string, key string, fallback int64) int64 {
	raw := strings.TrimSpace(values[key])
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}
