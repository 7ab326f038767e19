package normalize

import (
	"math"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Matches per-unit price labels such as "$2.50/100g", "$12.99/kg" or "$0.35 / 100mL".
var unitPriceTextPattern = regexp.MustCompile(`\$\s?(\d+(?:\.\d+)?)\s?/\s?(\d+(?:\.\d+)?)?\s?(kg|g|ml|l)\b`)

// NormalizeSize derives a canonical size from the raw size text. When the raw
// text is not a measurable size (empty, "ea", "pk", "10 pack") the size is
// derived from the per-unit price label and the shelf price instead.
//
// The bool reports whether the returned string is a measurable size. When it
// is false the string is the cleaned raw text, which may be empty.
func NormalizeSize(rawSize, unitPriceText string, price float64) (string, bool) {
	cleaned := cleanText(rawSize)
	lower := strings.ToLower(cleaned)

	if isPerKilogram(lower) {
		return unitKilogram, true
	}

	if m, computed, ok := parseMeasure(lower); ok {
		if computed {
			return m.readable().String(), true
		}
		return m.String(), true
	}

	if m, ok := sizeFromUnitPrice(unitPriceText, price); ok {
		return m.readable().String(), true
	}

	return cleaned, false
}

// ExtractSizeFromName finds a size inside a product name, so
// "Anchor Blue Milk Powder 1kg" gives "1kg". It returns "" when the name
// carries no size.
func ExtractSizeFromName(name string) string {
	m, computed, ok := parseMeasure(strings.ToLower(name))
	if !ok {
		return ""
	}
	if computed {
		return m.readable().String()
	}
	return m.String()
}

// sizeFromUnitPrice computes (price / unitAmount) * quantity from a label
// like "$2.50/100g".
func sizeFromUnitPrice(unitPriceText string, price float64) (measure, bool) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return measure{}, false
	}

	match := unitPriceTextPattern.FindStringSubmatch(strings.ToLower(unitPriceText))
	if match == nil {
		return measure{}, false
	}

	amount, err := decimal.NewFromString(match[1])
	if err != nil || !amount.IsPositive() {
		return measure{}, false
	}

	quantity := decimal.NewFromInt(1)
	if match[2] != "" {
		quantity, err = decimal.NewFromString(match[2])
		if err != nil || !quantity.IsPositive() {
			return measure{}, false
		}
	}

	total := decimal.NewFromFloat(price).Div(amount).Mul(quantity)
	return measure{qty: total, unit: match[3]}, true
}
