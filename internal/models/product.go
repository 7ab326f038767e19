package models

import (
	"math"
	"time"
	"unicode/utf8"
)

// Product is the canonical, persisted record of one catalog item.
type Product struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Size         string       `json:"size"`
	CurrentPrice float64      `json:"currentPrice"`
	Category     []string     `json:"category"`
	SourceSite   string       `json:"sourceSite"`
	PriceHistory []DatedPrice `json:"priceHistory"`
	LastUpdated  time.Time    `json:"lastUpdated"`
	LastChecked  time.Time    `json:"lastChecked"`
	UnitPrice    *UnitPrice   `json:"unitPrice,omitempty"`
}

type DatedPrice struct {
	Date  time.Time `json:"date"`
	Price float64   `json:"price"`
}

// UnitPrice is the price per standard unit (kg or L). OriginalQuantity and
// OriginalUnit describe the package before conversion, e.g. 360 g.
type UnitPrice struct {
	Amount           float64 `json:"amount"`
	Unit             string  `json:"unit"`
	OriginalQuantity float64 `json:"originalQuantity"`
	OriginalUnit     string  `json:"originalUnit"`
}

// Equal reports whether both unit prices are absent or carry the same values.
func (u *UnitPrice) Equal(other *UnitPrice) bool {
	if u == nil || other == nil {
		return u == nil && other == nil
	}
	return *u == *other
}

// RawProduct holds the text fragments scraped from one product card.
type RawProduct struct {
	Name          string
	ImageURL      string
	SizeText      string
	Dollars       string
	Cents         string
	PriceText     string
	UnitPriceText string
	CategoryHint  string
	SourceURL     string
}

// Override is a manual correction for a single product identifier.
type Override struct {
	ID       string
	Size     string
	Category string
	Invalid  bool
}

const (
	MinNameLength = 4
	MaxNameLength = 100
	MinIDLength   = 2
	MaxIDLength   = 20
	MaxPrice      = 999.0
)

// LatestPrice returns the most recent history entry.
func (p *Product) LatestPrice() (DatedPrice, bool) {
	if len(p.PriceHistory) == 0 {
		return DatedPrice{}, false
	}
	return p.PriceHistory[len(p.PriceHistory)-1], true
}

// Clone returns a deep copy so callers can build a new version without
// touching slices shared with the original.
func (p *Product) Clone() *Product {
	c := *p
	c.Category = append([]string(nil), p.Category...)
	c.PriceHistory = append([]DatedPrice(nil), p.PriceHistory...)
	if p.UnitPrice != nil {
		up := *p.UnitPrice
		c.UnitPrice = &up
	}
	return &c
}

func (p *Product) Validate() []string {
	var errors []string

	if n := utf8.RuneCountInString(p.Name); n < MinNameLength || n > MaxNameLength {
		errors = append(errors, "name length out of range")
	}

	if n := utf8.RuneCountInString(p.ID); n < MinIDLength || n > MaxIDLength {
		errors = append(errors, "id length out of range")
	}

	if math.IsNaN(p.CurrentPrice) || p.CurrentPrice <= 0 || p.CurrentPrice > MaxPrice {
		errors = append(errors, "price out of range")
	}

	return errors
}

// IsValid bounds-checks a candidate before it may enter the store.
func IsValid(p *Product) (ok bool) {
	if p == nil {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return len(p.Validate()) == 0
}

// SameDay compares calendar dates in UTC.
func SameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
