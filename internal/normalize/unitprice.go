package normalize

import (
	"math"
	"strings"

	"github.com/maltedev/grocery-price-scraper/internal/models"
	"github.com/shopspring/decimal"
)

// DeriveUnitPrice computes the price per kg or per litre for a canonical size.
// Multiplier and pack notation are expanded before g and ml are converted, so
// "72g each 5pack" at 4.50 is 12.50 per kg of a 360 g package.
func DeriveUnitPrice(size string, price float64) (models.UnitPrice, bool) {
	lower := strings.ToLower(strings.TrimSpace(size))
	if len(lower) < 2 || price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return models.UnitPrice{}, false
	}

	var m measure
	if isPerKilogram(lower) {
		m = measure{qty: decimal.NewFromInt(1), unit: unitKilogram}
	} else {
		var ok bool
		m, _, ok = parseMeasure(lower)
		if !ok {
			return models.UnitPrice{}, false
		}
	}

	if !m.qty.IsPositive() {
		return models.UnitPrice{}, false
	}

	std := m.standard()
	amount := decimal.NewFromFloat(price).Div(std.qty).RoundBank(2)

	return models.UnitPrice{
		Amount:           amount.InexactFloat64(),
		Unit:             renderUnit(std.unit),
		OriginalQuantity: m.qty.InexactFloat64(),
		OriginalUnit:     renderUnit(m.unit),
	}, true
}
