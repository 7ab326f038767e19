// Package storage keeps products in a single JSON file for runs without
// Postgres.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/maltedev/grocery-price-scraper/internal/models"
	"github.com/maltedev/grocery-price-scraper/internal/reconcile"
)

// FileStore implements reconcile.Store on top of a JSON file. Every write
// rewrites the whole file.
type FileStore struct {
	mu       sync.RWMutex
	products map[string]*models.Product
	filename string
}

func NewFileStore(filename string) (*FileStore, error) {
	fs := &FileStore{
		products: make(map[string]*models.Product),
		filename: filename,
	}

	// Load existing data if file exists
	if err := fs.Load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	return fs, nil
}

// GetProduct returns a copy so callers cannot modify the stored version.
func (fs *FileStore) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	p, exists := fs.products[id]
	if !exists {
		return nil, fmt.Errorf("product %s: %w", id, reconcile.ErrNotFound)
	}
	return p.Clone(), nil
}

func (fs *FileStore) UpsertProduct(ctx context.Context, p *models.Product) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.ID == "" {
		return fmt.Errorf("product id is required")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	previous, had := fs.products[p.ID]
	fs.products[p.ID] = p.Clone()
	if err := fs.save(); err != nil {
		if had {
			fs.products[p.ID] = previous
		} else {
			delete(fs.products, p.ID)
		}
		return err
	}
	return nil
}

// List returns all products sorted by id.
func (fs *FileStore) List() []*models.Product {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	products := make([]*models.Product, 0, len(fs.products))
	for _, p := range fs.products {
		products = append(products, p.Clone())
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products
}

func (fs *FileStore) Len() int {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return len(fs.products)
}

func (fs *FileStore) save() error {
	data, err := json.MarshalIndent(fs.products, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal products: %w", err)
	}

	// Write to temp file first for atomicity
	tmpFile := fs.filename + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write products: %w", err)
	}

	return os.Rename(tmpFile, fs.filename)
}

func (fs *FileStore) Load() error {
	data, err := os.ReadFile(fs.filename)
	if err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := json.Unmarshal(data, &fs.products); err != nil {
		return fmt.Errorf("failed to parse %s: %w", fs.filename, err)
	}
	return nil
}
