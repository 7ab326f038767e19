// Package normalize turns scraped size and price text into canonical values.
package normalize

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	unitGram       = "g"
	unitKilogram   = "kg"
	unitMillilitre = "ml"
	unitLitre      = "l"
)

var (
	multiplierPattern = regexp.MustCompile(`(\d+)\s?x\s?(\d+(?:\.\d+)?)\s?(kg|g|ml|l)\b`)
	eachPackPattern   = regexp.MustCompile(`(\d+(?:\.\d+)?)\s?(kg|g|ml|l)\s+each\s+(\d+)\s?(?:pack|pk)\b`)
	packFirstPattern  = regexp.MustCompile(`(\d+)\s?(?:pack|pk)\s+(\d+(?:\.\d+)?)\s?(kg|g|ml|l)\b`)
	packLastPattern   = regexp.MustCompile(`(\d+(?:\.\d+)?)\s?(kg|g|ml|l)\s+(\d+)\s?(?:pack|pk)\b`)
	simplePattern     = regexp.MustCompile(`(\d+(?:\.\d+)?)\s?(kg|g|ml|l)\b`)

	thousand = decimal.NewFromInt(1000)
)

// measure is a quantity in one of the lowercase units g, kg, ml or l.
type measure struct {
	qty  decimal.Decimal
	unit string
}

// parseMeasure finds the first size in lowercase text. computed is true when
// the quantity was multiplied out of a pack or multiplier notation.
func parseMeasure(text string) (m measure, computed bool, ok bool) {
	if match := multiplierPattern.FindStringSubmatch(text); match != nil {
		return product(match[1], match[2], match[3])
	}

	if match := eachPackPattern.FindStringSubmatch(text); match != nil {
		return product(match[3], match[1], match[2])
	}

	if match := packFirstPattern.FindStringSubmatch(text); match != nil {
		return product(match[1], match[2], match[3])
	}

	if match := packLastPattern.FindStringSubmatch(text); match != nil {
		return product(match[3], match[1], match[2])
	}

	if match := simplePattern.FindStringSubmatch(text); match != nil {
		qty, err := decimal.NewFromString(match[1])
		if err != nil || !qty.IsPositive() {
			return measure{}, false, false
		}
		return measure{qty: qty, unit: match[2]}, false, true
	}

	return measure{}, false, false
}

func product(count, each, unit string) (measure, bool, bool) {
	n, err := decimal.NewFromString(count)
	if err != nil {
		return measure{}, false, false
	}
	q, err := decimal.NewFromString(each)
	if err != nil {
		return measure{}, false, false
	}

	total := n.Mul(q)
	if !total.IsPositive() {
		return measure{}, false, false
	}
	return measure{qty: total, unit: unit}, true, true
}

// standard converts g to kg and ml to l.
func (m measure) standard() measure {
	switch m.unit {
	case unitGram:
		return measure{qty: m.qty.Div(thousand), unit: unitKilogram}
	case unitMillilitre:
		return measure{qty: m.qty.Div(thousand), unit: unitLitre}
	}
	return m
}

// readable rounds the measure for display: whole g/ml, two decimal kg/l,
// with values under one kg/l moved down to g/ml and values of a thousand
// or more g/ml moved up to kg/l.
func (m measure) readable() measure {
	switch m.unit {
	case unitGram, unitMillilitre:
		if m.qty.GreaterThanOrEqual(thousand) {
			return m.standard().readable()
		}
		return measure{qty: m.qty.Round(0), unit: m.unit}
	case unitKilogram, unitLitre:
		rounded := m.qty.Round(2)
		if rounded.LessThan(decimal.NewFromInt(1)) {
			small := unitGram
			if m.unit == unitLitre {
				small = unitMillilitre
			}
			return measure{qty: m.qty.Mul(thousand).Round(0), unit: small}
		}
		return measure{qty: rounded, unit: m.unit}
	}
	return m
}

func (m measure) String() string {
	return m.qty.String() + renderUnit(m.unit)
}

// renderUnit capitalises litres and keeps the other units lowercase.
func renderUnit(unit string) string {
	if unit == unitLitre {
		return "L"
	}
	return unit
}

func isPerKilogram(lower string) bool {
	return lower == "kg" || lower == "per kg"
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
