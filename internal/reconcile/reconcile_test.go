package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/maltedev/grocery-price-scraper/internal/models"
	"github.com/maltedev/grocery-price-scraper/internal/normalize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockStore is a mock for the product store
type MockStore struct {
	mock.Mock
}

func (m *MockStore) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Product), args.Error(1)
}

func (m *MockStore) UpsertProduct(ctx context.Context, p *models.Product) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

// memStore keeps products in a map, cloning on the way in and out.
type memStore struct {
	products map[string]*models.Product
}

func newMemStore() *memStore {
	return &memStore{products: make(map[string]*models.Product)}
}

func (s *memStore) GetProduct(_ context.Context, id string) (*models.Product, error) {
	p, ok := s.products[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *memStore) UpsertProduct(_ context.Context, p *models.Product) error {
	s.products[p.ID] = p.Clone()
	return nil
}

var (
	d0 = time.Date(2023, 1, 4, 9, 30, 0, 0, time.UTC)
	d1 = time.Date(2023, 1, 5, 8, 0, 0, 0, time.UTC)
)

func milk(price float64) *models.Product {
	return &models.Product{
		ID:           "P1234",
		Name:         "Milk 2L",
		Size:         "2L",
		CurrentPrice: price,
		Category:     []string{"milk"},
		SourceSite:   "paknsave.co.nz",
	}
}

func stored(price float64, at time.Time) *models.Product {
	p := milk(price)
	p.PriceHistory = []models.DatedPrice{{Date: at, Price: price}}
	p.LastUpdated = at
	p.LastChecked = at
	return p
}

// withUnitPrice sets the unit price the pipeline derives from size and price.
func withUnitPrice(p *models.Product) *models.Product {
	if up, ok := normalize.DeriveUnitPrice(p.Size, p.CurrentPrice); ok {
		p.UnitPrice = &up
	}
	return p
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		prior   *models.Product
		scraped *models.Product
		now     time.Time
		want    Outcome
	}{
		{"no prior", nil, milk(3.65), d0, NewProduct},
		{"same data next day", stored(3.65, d0), milk(3.65), d1, AlreadyUpToDate},
		{"price up next day", stored(3.65, d0), milk(5.20), d1, PriceUpdated},
		{"price down next day", stored(5.20, d0), milk(3.65), d1, PriceUpdated},
		{"price change same day", stored(3.65, d0), milk(5.20), d0.Add(3 * time.Hour), AlreadyUpToDate},
		{"delta of exactly threshold", stored(3.65, d0), milk(3.70), d1, AlreadyUpToDate},
		{"delta below threshold", stored(3.65, d0), milk(3.69), d1, AlreadyUpToDate},
		{"delta just above threshold", stored(3.65, d0), milk(3.71), d1, PriceUpdated},
		{"size changed", stored(3.65, d0), func() *models.Product { p := milk(3.65); p.Size = "3L"; return p }(), d1, NonPriceUpdated},
		{"category changed", stored(3.65, d0), func() *models.Product { p := milk(3.65); p.Category = []string{"dairy"}; return p }(), d1, NonPriceUpdated},
		{"name changed", stored(3.65, d0), func() *models.Product { p := milk(3.65); p.Name = "Milk Blue 2L"; return p }(), d1, NonPriceUpdated},
		{"unit price appeared", stored(3.65, d0), func() *models.Product {
			p := milk(3.65)
			p.UnitPrice = &models.UnitPrice{Amount: 1.83, Unit: "L", OriginalQuantity: 2, OriginalUnit: "L"}
			return p
		}(), d1, NonPriceUpdated},
		{"same day price change with unit price", withUnitPrice(stored(3.65, d0)), withUnitPrice(milk(5.20)), d0.Add(time.Hour), AlreadyUpToDate},
		{"delta below threshold with unit price", withUnitPrice(stored(3.65, d0)), withUnitPrice(milk(3.68)), d1, AlreadyUpToDate},
		{"same day price change with other change", stored(3.65, d0), func() *models.Product { p := milk(5.20); p.Size = "3L"; return p }(), d0, NonPriceUpdated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.prior, tt.scraped, tt.now))
		})
	}
}

func TestBuildNext_NewProduct(t *testing.T) {
	next, outcome := BuildNext(nil, milk(3.65), d0)

	assert.Equal(t, NewProduct, outcome)
	require.Len(t, next.PriceHistory, 1)
	assert.Equal(t, models.DatedPrice{Date: d0, Price: 3.65}, next.PriceHistory[0])
	assert.Equal(t, d0, next.LastUpdated)
	assert.Equal(t, d0, next.LastChecked)
}

func TestBuildNext_PriceUpdated(t *testing.T) {
	prior := stored(3.65, d0)
	scraped := milk(5.20)
	scraped.Size = "2.0L"

	next, outcome := BuildNext(prior, scraped, d1)

	assert.Equal(t, PriceUpdated, outcome)
	assert.Equal(t, 5.20, next.CurrentPrice)
	assert.Equal(t, "2.0L", next.Size)
	assert.Equal(t, d1, next.LastUpdated)
	assert.Equal(t, d1, next.LastChecked)
	require.Len(t, next.PriceHistory, 2)
	assert.Equal(t, models.DatedPrice{Date: d0, Price: 3.65}, next.PriceHistory[0])
	assert.Equal(t, models.DatedPrice{Date: d1, Price: 5.20}, next.PriceHistory[1])

	latest, ok := next.LatestPrice()
	require.True(t, ok)
	assert.Equal(t, next.CurrentPrice, latest.Price)

	// prior is untouched
	assert.Len(t, prior.PriceHistory, 1)
	assert.Equal(t, 3.65, prior.CurrentPrice)
}

func TestBuildNext_NonPriceUpdatedKeepsPriceAndHistory(t *testing.T) {
	prior := stored(3.65, d0)
	scraped := milk(3.66)
	scraped.Category = []string{"fresh-milk"}
	scraped.SourceSite = "newsite.co.nz"

	next, outcome := BuildNext(prior, scraped, d1)

	assert.Equal(t, NonPriceUpdated, outcome)
	assert.Equal(t, 3.65, next.CurrentPrice)
	assert.Equal(t, []string{"fresh-milk"}, next.Category)
	assert.Equal(t, "newsite.co.nz", next.SourceSite)
	assert.Equal(t, d0, next.LastUpdated)
	assert.Equal(t, d1, next.LastChecked)
	assert.Equal(t, prior.PriceHistory, next.PriceHistory)
}

func TestBuildNext_LastCheckedNeverMovesBackwards(t *testing.T) {
	prior := stored(3.65, d1)

	next, outcome := BuildNext(prior, milk(3.65), d0)

	assert.Equal(t, AlreadyUpToDate, outcome)
	assert.Equal(t, d1, next.LastChecked)
}

func TestEngine_NewProductScenario(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	engine := NewEngine(store).WithClock(fixedClock(d0))

	result, err := engine.Reconcile(ctx, milk(3.65))
	require.NoError(t, err)

	assert.Equal(t, NewProduct, result.Outcome)
	assert.Nil(t, result.Previous)
	require.Contains(t, store.products, "P1234")
	assert.Len(t, store.products["P1234"].PriceHistory, 1)
}

func TestEngine_Idempotence(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	engine := NewEngine(store).WithClock(fixedClock(d0))

	_, err := engine.Reconcile(ctx, milk(3.65))
	require.NoError(t, err)

	result, err := engine.Reconcile(ctx, milk(3.65))
	require.NoError(t, err)

	assert.Equal(t, AlreadyUpToDate, result.Outcome)
	assert.Len(t, store.products["P1234"].PriceHistory, 1)
}

func TestEngine_SameDaySuppression(t *testing.T) {
	ctx := context.Background()

	t.Run("price", func(t *testing.T) {
		store := newMemStore()
		store.products["P1234"] = stored(3.65, d0)

		sameDay, err := NewEngine(store).WithClock(fixedClock(d0.Add(2*time.Hour))).Reconcile(ctx, milk(5.20))
		require.NoError(t, err)
		assert.NotEqual(t, PriceUpdated, sameDay.Outcome)
		assert.Equal(t, 3.65, store.products["P1234"].CurrentPrice)
		assert.Len(t, store.products["P1234"].PriceHistory, 1)

		nextDay, err := NewEngine(store).WithClock(fixedClock(d1)).Reconcile(ctx, milk(5.20))
		require.NoError(t, err)
		assert.Equal(t, PriceUpdated, nextDay.Outcome)
		assert.True(t, nextDay.PriceChanged())
		assert.Len(t, store.products["P1234"].PriceHistory, 2)
		assert.Equal(t, d1, store.products["P1234"].LastUpdated)
		assert.Equal(t, 5.20, store.products["P1234"].CurrentPrice)
	})

	t.Run("unit price follows the kept price", func(t *testing.T) {
		store := newMemStore()
		store.products["P1234"] = withUnitPrice(stored(3.65, d0))
		kept := *store.products["P1234"].UnitPrice

		sameDay, err := NewEngine(store).WithClock(fixedClock(d0.Add(time.Hour))).Reconcile(ctx, withUnitPrice(milk(5.20)))
		require.NoError(t, err)
		assert.Equal(t, AlreadyUpToDate, sameDay.Outcome)
		assert.Equal(t, 3.65, store.products["P1234"].CurrentPrice)
		assert.Equal(t, kept, *store.products["P1234"].UnitPrice)
		assert.Len(t, store.products["P1234"].PriceHistory, 1)

		jitter, err := NewEngine(store).WithClock(fixedClock(d1)).Reconcile(ctx, withUnitPrice(milk(3.68)))
		require.NoError(t, err)
		assert.Equal(t, AlreadyUpToDate, jitter.Outcome)
		assert.Equal(t, kept, *store.products["P1234"].UnitPrice)

		nextDay, err := NewEngine(store).WithClock(fixedClock(d1.Add(24*time.Hour))).Reconcile(ctx, withUnitPrice(milk(5.20)))
		require.NoError(t, err)
		assert.Equal(t, PriceUpdated, nextDay.Outcome)
		assert.Equal(t, 2.6, store.products["P1234"].UnitPrice.Amount)
	})

	t.Run("descriptive change keeps a consistent unit price", func(t *testing.T) {
		store := newMemStore()
		store.products["P1234"] = withUnitPrice(stored(3.65, d0))

		scraped := withUnitPrice(milk(5.20))
		scraped.Name = "Milk Blue 2L"

		res, err := NewEngine(store).WithClock(fixedClock(d0.Add(time.Hour))).Reconcile(ctx, scraped)
		require.NoError(t, err)
		assert.Equal(t, NonPriceUpdated, res.Outcome)

		p := store.products["P1234"]
		want, ok := normalize.DeriveUnitPrice(p.Size, p.CurrentPrice)
		require.True(t, ok)
		assert.Equal(t, "Milk Blue 2L", p.Name)
		assert.Equal(t, 3.65, p.CurrentPrice)
		assert.Equal(t, want, *p.UnitPrice)
	})
}

func TestEngine_HistoryMonotonicity(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()

	prices := []float64{3.65, 3.65, 5.20, 4.10, 4.10, 4.12, 3.00, 9.99, 9.99}
	start := d0
	prevLen := 0
	days := make(map[string]bool)
	var lastChecked time.Time

	for i, price := range prices {
		// two scrapes per day
		now := start.Add(time.Duration(i/2) * 24 * time.Hour).Add(time.Duration(i%2) * time.Hour)
		days[now.Format("2006-01-02")] = true

		_, err := NewEngine(store).WithClock(fixedClock(now)).Reconcile(ctx, milk(price))
		require.NoError(t, err)

		p := store.products["P1234"]
		assert.GreaterOrEqual(t, len(p.PriceHistory), prevLen)
		assert.LessOrEqual(t, len(p.PriceHistory), len(days))
		assert.False(t, p.LastChecked.Before(lastChecked))
		prevLen = len(p.PriceHistory)
		lastChecked = p.LastChecked

		seen := make(map[string]bool)
		for _, entry := range p.PriceHistory {
			day := entry.Date.Format("2006-01-02")
			assert.False(t, seen[day], "duplicate history day %s", day)
			seen[day] = true
		}
	}
}

func TestEngine_ReadFailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	store := new(MockStore)
	store.On("GetProduct", ctx, "P1234").Return(nil, errors.New("connection reset"))

	result, err := NewEngine(store).WithClock(fixedClock(d0)).Reconcile(ctx, milk(3.65))

	assert.Error(t, err)
	assert.Equal(t, Failed, result.Outcome)
	store.AssertNotCalled(t, "UpsertProduct", mock.Anything, mock.Anything)
	store.AssertExpectations(t)
}

func TestEngine_WriteFailure(t *testing.T) {
	ctx := context.Background()
	store := new(MockStore)
	store.On("GetProduct", ctx, "P1234").Return(nil, ErrNotFound)
	store.On("UpsertProduct", ctx, mock.AnythingOfType("*models.Product")).Return(errors.New("timeout"))

	result, err := NewEngine(store).WithClock(fixedClock(d0)).Reconcile(ctx, milk(3.65))

	assert.Error(t, err)
	assert.Equal(t, Failed, result.Outcome)
	store.AssertExpectations(t)
}

func TestEngine_WrappedNotFoundIsNewProduct(t *testing.T) {
	ctx := context.Background()
	store := new(MockStore)
	store.On("GetProduct", ctx, "P1234").Return(nil, errors.Join(errors.New("no rows"), ErrNotFound))
	store.On("UpsertProduct", ctx, mock.MatchedBy(func(p *models.Product) bool {
		return p.ID == "P1234" && len(p.PriceHistory) == 1
	})).Return(nil)

	result, err := NewEngine(store).WithClock(fixedClock(d0)).Reconcile(ctx, milk(3.65))

	require.NoError(t, err)
	assert.Equal(t, NewProduct, result.Outcome)
	store.AssertExpectations(t)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "new_product", NewProduct.String())
	assert.Equal(t, "price_updated", PriceUpdated.String())
	assert.Equal(t, "non_price_updated", NonPriceUpdated.String())
	assert.Equal(t, "already_up_to_date", AlreadyUpToDate.String())
	assert.Equal(t, "failed", Failed.String())
}
