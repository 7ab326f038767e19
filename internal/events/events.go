// Package events describes the messages written to the outbox when a
// product is first seen or its price moves.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/maltedev/grocery-price-scraper/internal/database"
	"github.com/maltedev/grocery-price-scraper/internal/models"
	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventTypeNewProductDetected EventType = database.EventNewProductDetected
	EventTypePriceChanged       EventType = database.EventPriceChanged
)

// NewProductDetectedPayload represents the payload for NEW_PRODUCT_DETECTED event
type NewProductDetectedPayload struct {
	EventID    string            `json:"event_id"`
	EventType  string            `json:"event_type"`
	Timestamp  time.Time         `json:"timestamp"`
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Size       string            `json:"size,omitempty"`
	Price      float64           `json:"price"`
	Category   []string          `json:"category,omitempty"`
	SourceSite string            `json:"source_site"`
	UnitPrice  *models.UnitPrice `json:"unit_price,omitempty"`
	Source     string            `json:"source"`
}

// PriceChangedPayload represents the payload for PRICE_CHANGED event
type PriceChangedPayload struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	Timestamp     time.Time `json:"timestamp"`
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	OldPrice      float64   `json:"old_price"`
	NewPrice      float64   `json:"new_price"`
	ChangePercent float64   `json:"change_percent"`
	SourceSite    string    `json:"source_site"`
	Source        string    `json:"source"`
}

// Builder turns product writes into outbox events. It implements
// database.EventBuilder.
type Builder struct {
	stream string
	source string
	now    func() time.Time
}

func NewBuilder(stream, source string) *Builder {
	if stream == "" {
		stream = database.DefaultTargetStream
	}
	if source == "" {
		source = database.DefaultRelaySource
	}
	return &Builder{
		stream: stream,
		source: source,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// BuildEvents emits NEW_PRODUCT_DETECTED for a product without a prior row
// and PRICE_CHANGED when the stored price differs. Other writes emit nothing.
func (b *Builder) BuildEvents(prior, next *models.Product) ([]*database.OutboxEvent, error) {
	switch {
	case prior == nil:
		payload := &NewProductDetectedPayload{
			EventID:    uuid.New().String(),
			EventType:  string(EventTypeNewProductDetected),
			Timestamp:  b.now(),
			ID:         next.ID,
			Name:       next.Name,
			Size:       next.Size,
			Price:      next.CurrentPrice,
			Category:   next.Category,
			SourceSite: next.SourceSite,
			UnitPrice:  next.UnitPrice,
			Source:     b.source,
		}
		event, err := b.event(next.ID, EventTypeNewProductDetected, payload)
		if err != nil {
			return nil, err
		}
		return []*database.OutboxEvent{event}, nil

	case prior.CurrentPrice != next.CurrentPrice:
		payload := &PriceChangedPayload{
			EventID:       uuid.New().String(),
			EventType:     string(EventTypePriceChanged),
			Timestamp:     b.now(),
			ID:            next.ID,
			Name:          next.Name,
			OldPrice:      prior.CurrentPrice,
			NewPrice:      next.CurrentPrice,
			ChangePercent: ChangePercent(prior.CurrentPrice, next.CurrentPrice),
			SourceSite:    next.SourceSite,
			Source:        b.source,
		}
		event, err := b.event(next.ID, EventTypePriceChanged, payload)
		if err != nil {
			return nil, err
		}
		return []*database.OutboxEvent{event}, nil
	}

	return nil, nil
}

func (b *Builder) event(id string, eventType EventType, payload interface{}) (*database.OutboxEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	return &database.OutboxEvent{
		AggregateType: database.AggregateTypeProduct,
		AggregateID:   id,
		EventType:     string(eventType),
		Payload:       data,
		TargetStream:  b.stream,
	}, nil
}

// ChangePercent is the relative move from old to new, rounded to two places.
func ChangePercent(oldPrice, newPrice float64) float64 {
	if oldPrice == 0 {
		return 0
	}
	o := decimal.NewFromFloat(oldPrice)
	n := decimal.NewFromFloat(newPrice)
	return n.Sub(o).Div(o).Mul(decimal.NewFromInt(100)).Round(2).InexactFloat64()
}
