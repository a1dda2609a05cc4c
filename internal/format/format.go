// Package format renders customer-facing money and count strings for the
// Russian locale.
package format

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.Russian)

// Rubles renders an integer ruble amount with locale digit grouping and the
// ruble sign, e.g. 12500 becomes "12 500 ₽".
func Rubles(amount int64) string {
	return printer.Sprintf("%d ₽", amount)
}

// RublesBare renders the amount without the currency sign.
func RublesBare(amount int64) string {
	return printer.Sprintf("%d", amount)
}

// Bonus renders a bonus point amount with the proper Russian plural form.
func Bonus(points int64) string {
	return printer.Sprintf("%d %s", points, bonusNoun(points))
}

func bonusNoun(points int64) string {
	n := points % 100
	if n < 0 {
		n = -n
	}
	if n >= 11 && n <= 14 {
		return "бонусов"
	}
	switch n % 10 {
	case 1:
		return "бонус"
	case 2, 3, 4:
		return "бонуса"
	default:
		return "бонусов"
	}
}
