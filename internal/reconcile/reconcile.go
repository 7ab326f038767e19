// Package reconcile compares a freshly scraped product with the stored
// version and decides what to persist next.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/maltedev/grocery-price-scraper/internal/models"
	"github.com/maltedev/grocery-price-scraper/internal/normalize"
	"github.com/shopspring/decimal"
)

// PriceChangeThreshold is the smallest price movement, exclusive, that is
// recorded as a new history point.
var PriceChangeThreshold = decimal.RequireFromString("0.05")

// ErrNotFound is returned by a Store when no product has the identifier.
var ErrNotFound = errors.New("product not found")

type Outcome int

const (
	Failed Outcome = iota
	NewProduct
	PriceUpdated
	NonPriceUpdated
	AlreadyUpToDate
)

func (o Outcome) String() string {
	switch o {
	case NewProduct:
		return "new_product"
	case PriceUpdated:
		return "price_updated"
	case NonPriceUpdated:
		return "non_price_updated"
	case AlreadyUpToDate:
		return "already_up_to_date"
	default:
		return "failed"
	}
}

// Store is the persistence boundary used by the engine.
type Store interface {
	GetProduct(ctx context.Context, id string) (*models.Product, error)
	UpsertProduct(ctx context.Context, p *models.Product) error
}

// Result describes one reconciliation. Previous is nil for new products.
type Result struct {
	Outcome  Outcome
	Product  *models.Product
	Previous *models.Product
}

// PriceChanged reports whether the stored price moved in this reconciliation.
func (r Result) PriceChanged() bool {
	return r.Outcome == PriceUpdated
}

// Classify decides how scraped relates to prior without building anything.
func Classify(prior, scraped *models.Product, now time.Time) Outcome {
	if prior == nil {
		return NewProduct
	}
	if priceChanged(prior, scraped, now) {
		return PriceUpdated
	}
	if descriptiveChanged(prior, atPrice(scraped, prior.CurrentPrice)) {
		return NonPriceUpdated
	}
	return AlreadyUpToDate
}

// BuildNext returns the version to persist. prior is never modified and the
// returned product never shares slices with it.
func BuildNext(prior, scraped *models.Product, now time.Time) (*models.Product, Outcome) {
	outcome := Classify(prior, scraped, now)

	switch outcome {
	case NewProduct:
		next := scraped.Clone()
		next.PriceHistory = []models.DatedPrice{{Date: now, Price: scraped.CurrentPrice}}
		next.LastUpdated = now
		next.LastChecked = now
		return next, outcome

	case PriceUpdated:
		next := prior.Clone()
		takeDescriptive(next, scraped)
		next.CurrentPrice = scraped.CurrentPrice
		next.PriceHistory = append(next.PriceHistory, models.DatedPrice{Date: now, Price: scraped.CurrentPrice})
		next.LastUpdated = now
		next.LastChecked = latest(prior.LastChecked, now)
		return next, outcome

	case NonPriceUpdated:
		next := prior.Clone()
		takeDescriptive(next, atPrice(scraped, prior.CurrentPrice))
		next.LastChecked = latest(prior.LastChecked, now)
		return next, outcome

	default:
		next := prior.Clone()
		next.LastChecked = latest(prior.LastChecked, now)
		return next, outcome
	}
}

// priceChanged requires a move above the threshold on a day that has no
// history point yet.
func priceChanged(prior, scraped *models.Product, now time.Time) bool {
	delta := decimal.NewFromFloat(scraped.CurrentPrice).Sub(decimal.NewFromFloat(prior.CurrentPrice)).Abs()
	if !delta.GreaterThan(PriceChangeThreshold) {
		return false
	}
	if models.SameDay(prior.LastUpdated, now) {
		return false
	}
	if last, ok := prior.LatestPrice(); ok && models.SameDay(last.Date, now) {
		return false
	}
	return true
}

func descriptiveChanged(prior, scraped *models.Product) bool {
	return prior.Name != scraped.Name ||
		prior.Size != scraped.Size ||
		prior.SourceSite != scraped.SourceSite ||
		!slices.Equal(prior.Category, scraped.Category) ||
		!prior.UnitPrice.Equal(scraped.UnitPrice)
}

// takeDescriptive copies every non-price field from the scrape.
func takeDescriptive(next, scraped *models.Product) {
	next.Name = scraped.Name
	next.Size = scraped.Size
	next.SourceSite = scraped.SourceSite
	next.Category = append([]string(nil), scraped.Category...)
	next.UnitPrice = nil
	if scraped.UnitPrice != nil {
		up := *scraped.UnitPrice
		next.UnitPrice = &up
	}
}

// atPrice returns scraped with its unit price expressed at price. The kept
// price decides the unit price amount whenever the scraped price is rejected.
func atPrice(scraped *models.Product, price float64) *models.Product {
	if scraped.UnitPrice == nil || scraped.CurrentPrice == price {
		return scraped
	}

	c := scraped.Clone()
	if up, ok := normalize.DeriveUnitPrice(scraped.Size, price); ok {
		c.UnitPrice = &up
		return c
	}

	if scraped.CurrentPrice > 0 {
		c.UnitPrice.Amount = decimal.NewFromFloat(scraped.UnitPrice.Amount).
			Mul(decimal.NewFromFloat(price)).
			Div(decimal.NewFromFloat(scraped.CurrentPrice)).
			RoundBank(2).
			InexactFloat64()
	}
	return c
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// Engine runs the read, classify, write cycle for one product at a time.
type Engine struct {
	store Store
	now   func() time.Time
}

func NewEngine(store Store) *Engine {
	return &Engine{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the scrape timestamp source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Reconcile loads the stored version of scraped, builds the next version and
// writes it. Any store error other than ErrNotFound yields Failed and nothing
// is written.
func (e *Engine) Reconcile(ctx context.Context, scraped *models.Product) (Result, error) {
	now := e.now()

	prior, err := e.store.GetProduct(ctx, scraped.ID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return Result{Outcome: Failed}, fmt.Errorf("failed to read product %s: %w", scraped.ID, err)
		}
		prior = nil
	}

	next, outcome := BuildNext(prior, scraped, now)

	if err := e.store.UpsertProduct(ctx, next); err != nil {
		return Result{Outcome: Failed, Previous: prior}, fmt.Errorf("failed to upsert product %s: %w", scraped.ID, err)
	}

	return Result{Outcome: outcome, Product: next, Previous: prior}, nil
}
