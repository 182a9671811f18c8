package types

import "strings"

// currencyPrecision holds the subunit precision (number of decimal
// digits) for ISO 4217 currency codes that deviate from the default of 2
// (e.g. JPY has no minor unit, BHD has three).
var currencyPrecision = map[string]int32{
	"jpy": 0,
	"krw": 0,
	"vnd": 0,
	"bhd": 3,
	"kwd": 3,
	"omr": 3,
	"tnd": 3,
}

// GetCurrencyPrecision returns the number of decimal digits used for the
// smallest subunit of currency (e.g. 2 for USD cents, 0 for JPY, 3 for
// BHD fils). Unknown currencies default to 2.
func GetCurrencyPrecision(currency string) int32 {
	if p, ok := currencyPrecision[strings.ToLower(currency)]; ok {
		return p
	}
	return 2
}

// CURRENCY_CODES_SYMBOLS mirrors well-known ISO 4217 codes to their
// display symbol; codes with no known symbol render as themselves.
var CURRENCY_CODES_SYMBOLS = map[string]string{
	"usd": "$",
	"eur": "€",
	"gbp": "£",
	"jpy": "¥",
	"inr": "₹",
	"bhd": "BD",
}

// GetCurrencySymbol returns the display symbol for a currency code.
func GetCurrencySymbol(code string) string {
	if symbol, ok := CURRENCY_CODES_SYMBOLS[strings.ToLower(code)]; ok {
		return symbol
	}
	return strings.ToUpper(code)
}
