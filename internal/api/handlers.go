package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/maltedev/grocery-price-scraper/internal/database"
	"github.com/maltedev/grocery-price-scraper/internal/models"
	"github.com/maltedev/grocery-price-scraper/internal/reconcile"
)

// ProductReader is satisfied by *database.ProductRepository.
type ProductReader interface {
	GetProduct(ctx context.Context, id string) (*models.Product, error)
	ListProducts(ctx context.Context, opts database.ListOptions) ([]*models.Product, error)
	CountProducts(ctx context.Context) (database.ProductCounts, error)
}

// OutboxStats is satisfied by *database.Relay.
type OutboxStats interface {
	Stats(ctx context.Context) (database.RelayStats, error)
}

const (
	pendingWarnThreshold     = 1000
	deadLetterErrorThreshold = 100
)

type Handlers struct {
	products ProductReader
	outbox   OutboxStats
	logger   *slog.Logger
}

func NewHandlers(products ProductReader, outbox OutboxStats, logger *slog.Logger) *Handlers {
	return &Handlers{
		products: products,
		outbox:   outbox,
		logger:   logger.With("component", "api"),
	}
}

// HealthResponse reports the outbox backlog alongside the service status.
type HealthResponse struct {
	Status  string               `json:"status"`
	Message string               `json:"message,omitempty"`
	Outbox  *database.RelayStats `json:"outbox,omitempty"`
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	status := http.StatusOK

	if h.outbox != nil {
		stats, err := h.outbox.Stats(r.Context())
		if err != nil {
			h.logger.Error("failed to get outbox stats", "error", err)
			h.respondJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "error", Message: "outbox unavailable"})
			return
		}
		resp.Outbox = &stats

		if stats.Pending > pendingWarnThreshold {
			resp.Status = "warning"
			resp.Message = "High number of pending outbox events"
		}
		if stats.DeadLetter > deadLetterErrorThreshold {
			resp.Status = "error"
			resp.Message = "High number of dead letter events"
			status = http.StatusServiceUnavailable
		}
	}

	h.respondJSON(w, status, resp)
}

// ListProductsResponse is one page of products.
type ListProductsResponse struct {
	Products []*models.Product `json:"products"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
}

func (h *Handlers) ListProducts(w http.ResponseWriter, r *http.Request) {
	opts := database.ListOptions{
		Category: r.URL.Query().Get("category"),
	}

	var err error
	if opts.Limit, err = queryInt(r, "limit", 50); err != nil || opts.Limit < 1 || opts.Limit > 500 {
		h.respondError(w, http.StatusBadRequest, "limit must be between 1 and 500")
		return
	}
	if opts.Offset, err = queryInt(r, "offset", 0); err != nil || opts.Offset < 0 {
		h.respondError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	products, err := h.products.ListProducts(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list products", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list products")
		return
	}
	if products == nil {
		products = []*models.Product{}
	}

	h.respondJSON(w, http.StatusOK, ListProductsResponse{
		Products: products,
		Limit:    opts.Limit,
		Offset:   opts.Offset,
	})
}

func (h *Handlers) GetProduct(w http.ResponseWriter, r *http.Request) {
	product, ok := h.loadProduct(w, r)
	if !ok {
		return
	}
	h.respondJSON(w, http.StatusOK, product)
}

// PriceHistoryResponse holds the dated prices of one product, oldest first.
type PriceHistoryResponse struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	CurrentPrice float64             `json:"currentPrice"`
	History      []models.DatedPrice `json:"history"`
}

func (h *Handlers) GetPriceHistory(w http.ResponseWriter, r *http.Request) {
	product, ok := h.loadProduct(w, r)
	if !ok {
		return
	}

	history := product.PriceHistory
	if history == nil {
		history = []models.DatedPrice{}
	}

	h.respondJSON(w, http.StatusOK, PriceHistoryResponse{
		ID:           product.ID,
		Name:         product.Name,
		CurrentPrice: product.CurrentPrice,
		History:      history,
	})
}

// StatsResponse combines product counts and the outbox backlog.
type StatsResponse struct {
	Products database.ProductCounts `json:"products"`
	Outbox   *database.RelayStats   `json:"outbox,omitempty"`
}

func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.products.CountProducts(r.Context())
	if err != nil {
		h.logger.Error("failed to get stats", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	resp := StatsResponse{Products: counts}
	if h.outbox != nil {
		if stats, err := h.outbox.Stats(r.Context()); err == nil {
			resp.Outbox = &stats
		} else {
			h.logger.Warn("failed to get outbox stats", "error", err)
		}
	}

	h.respondJSON(w, http.StatusOK, resp)
}

func (h *Handlers) loadProduct(w http.ResponseWriter, r *http.Request) (*models.Product, bool) {
	id := chi.URLParam(r, "id")
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "product id is required")
		return nil, false
	}

	product, err := h.products.GetProduct(r.Context(), id)
	if errors.Is(err, reconcile.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "product not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error("failed to get product", "id", id, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get product")
		return nil, false
	}

	return product, true
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

// Helper methods
func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
