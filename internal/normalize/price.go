package normalize

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	digitsPattern = regexp.MustCompile(`\d+`)
	pricePattern  = regexp.MustCompile(`\d+(?:\.\d+)?`)
)

// ParsePrice reads a shelf price either from separate dollar and cent
// fragments or, when those are absent, from a single price text like "$3.65".
// Cents fragments are read as two digits, so "5" is 0.05. The result is
// rounded to cents.
func ParsePrice(dollars, cents, priceText string) (float64, bool) {
	var value decimal.Decimal

	if d := digitsPattern.FindString(strings.ReplaceAll(dollars, ",", "")); d != "" {
		c := digitsPattern.FindString(cents)
		switch {
		case c == "":
			c = "00"
		case len(c) == 1:
			c = "0" + c
		case len(c) > 2:
			c = c[:2]
		}
		v, err := decimal.NewFromString(d + "." + c)
		if err != nil {
			return 0, false
		}
		value = v
	} else {
		text := strings.ReplaceAll(priceText, ",", "")
		match := pricePattern.FindString(text)
		if match == "" {
			return 0, false
		}
		v, err := decimal.NewFromString(match)
		if err != nil {
			return 0, false
		}
		value = v
	}

	if !value.IsPositive() {
		return 0, false
	}
	return value.Round(2).InexactFloat64(), true
}
