package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/maltedev/grocery-price-scraper/internal/database"
	"github.com/maltedev/grocery-price-scraper/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2023, 1, 5, 8, 0, 0, 0, time.UTC)

func newTestBuilder() *Builder {
	b := NewBuilder("", "")
	b.now = func() time.Time { return fixedNow }
	return b
}

func milk(price float64) *models.Product {
	return &models.Product{
		ID:           "P5012345",
		Name:         "Anchor Blue Milk 2L",
		Size:         "2L",
		CurrentPrice: price,
		Category:     []string{"fresh-milk"},
		SourceSite:   "paknsave.co.nz",
		UnitPrice:    &models.UnitPrice{Amount: price / 2, Unit: "L", OriginalQuantity: 2, OriginalUnit: "L"},
	}
}

func TestBuildEvents_NewProduct(t *testing.T) {
	b := newTestBuilder()

	events, err := b.BuildEvents(nil, milk(6.50))
	require.NoError(t, err)
	require.Len(t, events, 1)

	event := events[0]
	assert.Equal(t, database.AggregateTypeProduct, event.AggregateType)
	assert.Equal(t, "P5012345", event.AggregateID)
	assert.Equal(t, database.EventNewProductDetected, event.EventType)
	assert.Equal(t, database.DefaultTargetStream, event.TargetStream)

	var payload NewProductDetectedPayload
	require.NoError(t, json.Unmarshal(event.Payload, &payload))
	assert.NotEmpty(t, payload.EventID)
	assert.Equal(t, "NEW_PRODUCT_DETECTED", payload.EventType)
	assert.Equal(t, fixedNow, payload.Timestamp)
	assert.Equal(t, "Anchor Blue Milk 2L", payload.Name)
	assert.Equal(t, 6.50, payload.Price)
	assert.Equal(t, []string{"fresh-milk"}, payload.Category)
	require.NotNil(t, payload.UnitPrice)
	assert.Equal(t, 3.25, payload.UnitPrice.Amount)
	assert.Equal(t, "price-scraper", payload.Source)
}

func TestBuildEvents_PriceChanged(t *testing.T) {
	b := NewBuilder("stream:custom", "test")

	events, err := b.BuildEvents(milk(5.00), milk(6.50))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, database.EventPriceChanged, events[0].EventType)
	assert.Equal(t, "stream:custom", events[0].TargetStream)

	var payload PriceChangedPayload
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, 5.00, payload.OldPrice)
	assert.Equal(t, 6.50, payload.NewPrice)
	assert.Equal(t, 30.0, payload.ChangePercent)
	assert.Equal(t, "test", payload.Source)
}

func TestBuildEvents_NoPriceMove(t *testing.T) {
	b := newTestBuilder()

	prior := milk(6.50)
	next := milk(6.50)
	next.Category = []string{"milk"}

	events, err := b.BuildEvents(prior, next)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestChangePercent(t *testing.T) {
	assert.Equal(t, 30.0, ChangePercent(5, 6.5))
	assert.Equal(t, -29.81, ChangePercent(5.20, 3.65))
	assert.Equal(t, 0.0, ChangePercent(0, 3))
}
