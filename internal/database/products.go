package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/maltedev/grocery-price-scraper/internal/models"
	"github.com/maltedev/grocery-price-scraper/internal/reconcile"
)

// EventBuilder decides which outbox events a product write produces. prior
// is the row before the write, nil for new products.
type EventBuilder interface {
	BuildEvents(prior, next *models.Product) ([]*OutboxEvent, error)
}

// ProductRepository stores products and implements reconcile.Store. Events
// from the builder are written in the same transaction as the product.
type ProductRepository struct {
	db     *DB
	outbox *OutboxRepository
	events EventBuilder
}

// NewProductRepository creates a repository. events may be nil.
func NewProductRepository(db *DB, events EventBuilder) *ProductRepository {
	return &ProductRepository{
		db:     db,
		outbox: NewOutboxRepository(db),
		events: events,
	}
}

const productColumns = `
	id, name, size, current_price, category, source_site, price_history,
	last_updated, last_checked, unit_price, unit_name, original_unit_quantity, original_unit`

// GetProduct returns reconcile.ErrNotFound when no row has the id.
func (r *ProductRepository) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1`

	p, err := scanProduct(r.db.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("product %s: %w", id, reconcile.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return p, nil
}

// UpsertProduct writes the whole product row and its outbox events.
func (r *ProductRepository) UpsertProduct(ctx context.Context, p *models.Product) error {
	row, err := toRow(p)
	if err != nil {
		return err
	}

	return r.db.Transaction(ctx, func(tx pgx.Tx) error {
		var prior *models.Product
		if r.events != nil {
			query := `SELECT ` + productColumns + ` FROM products WHERE id = $1 FOR UPDATE`
			found, err := scanProduct(tx.QueryRow(ctx, query, p.ID))
			switch {
			case errors.Is(err, pgx.ErrNoRows):
			case err != nil:
				return fmt.Errorf("failed to lock product: %w", err)
			default:
				prior = found
			}
		}

		query := `
			INSERT INTO products (` + productColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				size = EXCLUDED.size,
				current_price = EXCLUDED.current_price,
				category = EXCLUDED.category,
				source_site = EXCLUDED.source_site,
				price_history = EXCLUDED.price_history,
				last_updated = EXCLUDED.last_updated,
				last_checked = EXCLUDED.last_checked,
				unit_price = EXCLUDED.unit_price,
				unit_name = EXCLUDED.unit_name,
				original_unit_quantity = EXCLUDED.original_unit_quantity,
				original_unit = EXCLUDED.original_unit`

		if _, err := tx.Exec(ctx, query, row.args()...); err != nil {
			return fmt.Errorf("failed to upsert product: %w", err)
		}

		if r.events == nil {
			return nil
		}

		events, err := r.events.BuildEvents(prior, p)
		if err != nil {
			return fmt.Errorf("failed to build events: %w", err)
		}
		for _, event := range events {
			if err := r.outbox.InsertWithTx(ctx, tx, event); err != nil {
				return err
			}
		}
		return nil
	})
}

type ListOptions struct {
	Category string
	Limit    int
	Offset   int
}

// ListProducts returns products ordered by most recent price change.
func (r *ProductRepository) ListProducts(ctx context.Context, opts ListOptions) ([]*models.Product, error) {
	if opts.Limit <= 0 || opts.Limit > 500 {
		opts.Limit = 50
	}

	query := `SELECT ` + productColumns + ` FROM products
		WHERE ($1 = '' OR $1 = ANY(category))
		ORDER BY last_updated DESC, id
		LIMIT $2 OFFSET $3`

	rows, err := r.db.pool.Query(ctx, query, opts.Category, opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var products []*models.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return products, nil
}

type ProductCounts struct {
	Total        int64 `json:"total"`
	UpdatedToday int64 `json:"updated_today"`
	CheckedToday int64 `json:"checked_today"`
}

// CountProducts counts all products and those touched since midnight UTC.
func (r *ProductRepository) CountProducts(ctx context.Context) (ProductCounts, error) {
	midnight := time.Now().UTC().Truncate(24 * time.Hour)

	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE last_updated >= $1),
			COUNT(*) FILTER (WHERE last_checked >= $1)
		FROM products`

	var c ProductCounts
	if err := r.db.pool.QueryRow(ctx, query, midnight).Scan(&c.Total, &c.UpdatedToday, &c.CheckedToday); err != nil {
		return ProductCounts{}, fmt.Errorf("failed to count products: %w", err)
	}
	return c, nil
}

// productRow is the column form of models.Product.
type productRow struct {
	ID                   string
	Name                 string
	Size                 string
	CurrentPrice         float64
	Category             []string
	SourceSite           string
	PriceHistory         []byte
	LastUpdated          time.Time
	LastChecked          time.Time
	UnitPrice            *float64
	UnitName             *string
	OriginalUnitQuantity *float64
	OriginalUnit         *string
}

func (row *productRow) args() []interface{} {
	return []interface{}{
		row.ID, row.Name, row.Size, row.CurrentPrice, row.Category, row.SourceSite, row.PriceHistory,
		row.LastUpdated, row.LastChecked, row.UnitPrice, row.UnitName, row.OriginalUnitQuantity, row.OriginalUnit,
	}
}

func toRow(p *models.Product) (*productRow, error) {
	history := p.PriceHistory
	if history == nil {
		history = []models.DatedPrice{}
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal price history: %w", err)
	}

	category := p.Category
	if category == nil {
		category = []string{}
	}

	row := &productRow{
		ID:           p.ID,
		Name:         p.Name,
		Size:         p.Size,
		CurrentPrice: p.CurrentPrice,
		Category:     category,
		SourceSite:   p.SourceSite,
		PriceHistory: historyJSON,
		LastUpdated:  p.LastUpdated.UTC(),
		LastChecked:  p.LastChecked.UTC(),
	}
	if up := p.UnitPrice; up != nil {
		row.UnitPrice = &up.Amount
		row.UnitName = &up.Unit
		row.OriginalUnitQuantity = &up.OriginalQuantity
		row.OriginalUnit = &up.OriginalUnit
	}
	return row, nil
}

func (row *productRow) toProduct() (*models.Product, error) {
	p := &models.Product{
		ID:           row.ID,
		Name:         row.Name,
		Size:         row.Size,
		CurrentPrice: row.CurrentPrice,
		Category:     row.Category,
		SourceSite:   row.SourceSite,
		LastUpdated:  row.LastUpdated.UTC(),
		LastChecked:  row.LastChecked.UTC(),
	}

	if len(row.PriceHistory) > 0 {
		if err := json.Unmarshal(row.PriceHistory, &p.PriceHistory); err != nil {
			return nil, fmt.Errorf("failed to unmarshal price history: %w", err)
		}
	}

	if row.UnitPrice != nil && row.UnitName != nil {
		up := &models.UnitPrice{Amount: *row.UnitPrice, Unit: *row.UnitName}
		if row.OriginalUnitQuantity != nil {
			up.OriginalQuantity = *row.OriginalUnitQuantity
		}
		if row.OriginalUnit != nil {
			up.OriginalUnit = *row.OriginalUnit
		}
		p.UnitPrice = up
	}

	return p, nil
}

func scanProduct(row pgx.Row) (*models.Product, error) {
	var r productRow
	err := row.Scan(
		&r.ID, &r.Name, &r.Size, &r.CurrentPrice, &r.Category, &r.SourceSite, &r.PriceHistory,
		&r.LastUpdated, &r.LastChecked, &r.UnitPrice, &r.UnitName, &r.OriginalUnitQuantity, &r.OriginalUnit,
	)
	if err != nil {
		return nil, err
	}
	return r.toProduct()
}
