package money

import (
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Currency is the only currency the storefront sells in.
var Currency = currency.IDR

var printer = message.NewPrinter(language.Indonesian)

// FormatIDR renders a whole-Rupiah amount the way Indonesian receipts do,
// e.g. "Rp 20.000".
func FormatIDR(amount int64) string {
	if amount < 0 {
		return "-Rp " + printer.Sprintf("%d", -amount)
	}
	return "Rp " + printer.Sprintf("%d", amount)
}

// Code is the ISO 4217 code sent alongside formatted totals.
func Code() string {
	return Currency.String()
}
