// Package pipeline turns one scraped product card into a reconciled product:
// price parsing, identifier, size, overrides, unit price, validation and
// finally reconciliation against the store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/maltedev/grocery-price-scraper/internal/catalog"
	"github.com/maltedev/grocery-price-scraper/internal/images"
	"github.com/maltedev/grocery-price-scraper/internal/models"
	"github.com/maltedev/grocery-price-scraper/internal/normalize"
	"github.com/maltedev/grocery-price-scraper/internal/overrides"
	"github.com/maltedev/grocery-price-scraper/internal/reconcile"
)

var (
	ErrParse           = errors.New("failed to parse product")
	ErrValidation      = errors.New("product failed validation")
	ErrOverrideInvalid = errors.New("product marked invalid by override")
)

// ImageUploader receives the hi-res image of products that need one.
type ImageUploader interface {
	Upload(ctx context.Context, imageURL, id, name string) (images.UploadStatus, error)
}

// Reconciler is satisfied by *reconcile.Engine.
type Reconciler interface {
	Reconcile(ctx context.Context, scraped *models.Product) (reconcile.Result, error)
}

type Options struct {
	SourceSite         string
	DryRun             bool
	AlwaysUploadImages bool
}

// Result is the reconciliation result plus what the pipeline did around it.
type Result struct {
	reconcile.Result
	Candidate   *models.Product
	DryRun      bool
	ImageStatus *images.UploadStatus
}

type Pipeline struct {
	resolver *overrides.Resolver
	engine   Reconciler
	uploader ImageUploader
	logger   *slog.Logger
	opts     Options
}

// New wires a pipeline. uploader may be nil to disable image uploads.
func New(resolver *overrides.Resolver, engine Reconciler, uploader ImageUploader, logger *slog.Logger, opts Options) *Pipeline {
	return &Pipeline{
		resolver: resolver,
		engine:   engine,
		uploader: uploader,
		logger:   logger.With("component", "pipeline"),
		opts:     opts,
	}
}

// Process runs one raw product through the pipeline. Discarded records return
// an error wrapping ErrParse, ErrOverrideInvalid or ErrValidation; store
// failures return the reconcile error with a Failed outcome.
func (p *Pipeline) Process(ctx context.Context, raw models.RawProduct) (Result, error) {
	candidate, err := p.Build(raw)
	if err != nil {
		p.logger.Warn("product discarded", "name", raw.Name, "error", err)
		return Result{}, err
	}

	if p.opts.DryRun {
		p.logger.Info("dry run",
			"id", candidate.ID,
			"name", candidate.Name,
			"size", candidate.Size,
			"price", candidate.CurrentPrice,
			"category", candidate.Category)
		return Result{Candidate: candidate, DryRun: true}, nil
	}

	res, err := p.engine.Reconcile(ctx, candidate)
	result := Result{Result: res, Candidate: candidate}
	if err != nil {
		p.logger.Error("failed to reconcile product", "id", candidate.ID, "error", err)
		return result, err
	}

	switch res.Outcome {
	case reconcile.PriceUpdated:
		p.logger.Info("price updated",
			"id", candidate.ID,
			"name", candidate.Name,
			"old_price", res.Previous.CurrentPrice,
			"new_price", res.Product.CurrentPrice)
	case reconcile.NewProduct:
		p.logger.Debug("new product", "id", candidate.ID, "name", candidate.Name)
	}

	if status, ok := p.uploadImage(ctx, raw.ImageURL, res, candidate); ok {
		result.ImageStatus = &status
	}

	return result, nil
}

// Build produces the validated candidate for raw without touching the store.
func (p *Pipeline) Build(raw models.RawProduct) (*models.Product, error) {
	price, ok := normalize.ParsePrice(raw.Dollars, raw.Cents, raw.PriceText)
	if !ok {
		return nil, fmt.Errorf("%w: no price in %q", ErrParse, strings.TrimSpace(raw.Dollars+" "+raw.Cents+" "+raw.PriceText))
	}

	id := IdentifierFromImage(raw.ImageURL)
	if id == "" {
		return nil, fmt.Errorf("%w: no identifier in image url %q", ErrParse, raw.ImageURL)
	}

	name := strings.Join(strings.Fields(raw.Name), " ")

	sizeText := raw.SizeText
	if strings.TrimSpace(sizeText) == "" {
		sizeText = normalize.ExtractSizeFromName(name)
	}
	size, _ := normalize.NormalizeSize(sizeText, raw.UnitPriceText, price)

	override := p.resolver.Resolve(id)
	if override.Invalid {
		return nil, fmt.Errorf("%w: %s", ErrOverrideInvalid, id)
	}
	if override.Size != "" {
		size = override.Size
	}

	category := raw.CategoryHint
	if category == "" {
		category = catalog.DeriveCategory(raw.SourceURL)
	}
	if override.Category != "" {
		category = override.Category
	}

	product := &models.Product{
		ID:           id,
		Name:         name,
		Size:         size,
		CurrentPrice: price,
		Category:     []string{category},
		SourceSite:   p.opts.SourceSite,
	}
	if up, ok := normalize.DeriveUnitPrice(size, price); ok {
		product.UnitPrice = &up
	}

	if !models.IsValid(product) {
		violations := product.Validate()
		return nil, fmt.Errorf("%w: %s: %s", ErrValidation, id, strings.Join(violations, ", "))
	}

	return product, nil
}

func (p *Pipeline) uploadImage(ctx context.Context, imageURL string, res reconcile.Result, product *models.Product) (images.UploadStatus, bool) {
	if p.uploader == nil {
		return images.StatusFailed, false
	}
	if !p.opts.AlwaysUploadImages && res.Outcome != reconcile.NewProduct {
		return images.StatusFailed, false
	}

	hiRes := images.HiResURL(imageURL)
	if hiRes == "" {
		return images.StatusFailed, false
	}

	status, err := p.uploader.Upload(ctx, hiRes, product.ID, product.Name)
	if err != nil {
		p.logger.Warn("failed to upload image", "id", product.ID, "error", err)
	}
	return status, true
}

// IdentifierFromImage derives the product id from the image file name:
// ".../200x200/5012345.png" gives "P5012345".
func IdentifierFromImage(imageURL string) string {
	if i := strings.IndexAny(imageURL, "?#"); i >= 0 {
		imageURL = imageURL[:i]
	}
	if strings.HasSuffix(imageURL, "/") {
		return ""
	}
	file := path.Base(imageURL)
	if file == "." || file == "/" || file == "" {
		return ""
	}
	stem, _, _ := strings.Cut(file, ".")
	if stem == "" {
		return ""
	}
	return "P" + stem
}
