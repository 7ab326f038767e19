// Package scraper drives a full run: pick the store, then load every catalog
// page in turn and feed its product cards through the pipeline.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/maltedev/grocery-price-scraper/internal/catalog"
	"github.com/maltedev/grocery-price-scraper/internal/models"
	"github.com/maltedev/grocery-price-scraper/internal/parser"
	"github.com/maltedev/grocery-price-scraper/internal/pipeline"
	"github.com/maltedev/grocery-price-scraper/internal/queue"
)

var ErrNoProducts = errors.New("no product cards on page")

// PageLoader is satisfied by *browser.Session.
type PageLoader interface {
	SelectStore(ctx context.Context, locationURL, storeSelector string) (string, error)
	Load(ctx context.Context, url, waitSelector string) (string, error)
}

// Processor is satisfied by *pipeline.Pipeline.
type Processor interface {
	Process(ctx context.Context, raw models.RawProduct) (pipeline.Result, error)
}

// Limiter is satisfied by *ratelimit.AdaptiveRateLimiter.
type Limiter interface {
	Wait(ctx context.Context) error
	RecordSuccess()
	RecordError()
}

type Options struct {
	LocationURL   string
	StoreSelector string
	PriceSelector string
	MaxRetries    int
	Reverse       bool
}

// Summary is the outcome of one run.
type Summary struct {
	Store       string
	Pages       int
	FailedPages int
	Stats       pipeline.Stats
	Duration    time.Duration
}

func (s Summary) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("store", s.Store),
		slog.Int("pages", s.Pages),
		slog.Int("failed_pages", s.FailedPages),
		slog.Any("products", s.Stats),
		slog.Duration("duration", s.Duration),
	)
}

type Service struct {
	loader    PageLoader
	parser    parser.Parser
	processor Processor
	limiter   Limiter
	logger    *slog.Logger
	opts      Options
}

func NewService(loader PageLoader, p parser.Parser, processor Processor, limiter Limiter, logger *slog.Logger, opts Options) *Service {
	return &Service{
		loader:    loader,
		parser:    p,
		processor: processor,
		limiter:   limiter,
		logger:    logger.With("component", "scraper"),
		opts:      opts,
	}
}

// Run scrapes pages in order, or reversed when configured. Pages that fail
// to load are retried at the end of the queue up to MaxRetries times. A
// cancelled context stops the run between pages and is returned with the
// summary so far.
func (s *Service) Run(ctx context.Context, pages []catalog.CategorisedURL) (Summary, error) {
	start := time.Now()
	summary := Summary{}

	if s.opts.Reverse {
		pages = slices.Clone(pages)
		slices.Reverse(pages)
	}

	q := queue.NewInMemoryQueue(s.opts.MaxRetries)
	if err := q.PushAll(pages); err != nil {
		return summary, fmt.Errorf("failed to queue pages: %w", err)
	}
	q.Close()

	summary.Store = s.selectStore(ctx)

	s.logger.Info("starting run", "pages", len(pages), "store", summary.Store)

	for {
		task, err := q.Pop(ctx)
		if errors.Is(err, queue.ErrQueueClosed) {
			break
		}
		if err != nil {
			summary.Duration = time.Since(start)
			return summary, err
		}

		if err := s.limiter.Wait(ctx); err != nil {
			summary.Duration = time.Since(start)
			return summary, err
		}

		stats, err := s.scrapePage(ctx, task)
		if err != nil {
			if ctx.Err() != nil {
				summary.Duration = time.Since(start)
				return summary, ctx.Err()
			}

			s.limiter.RecordError()
			if requeueErr := q.Requeue(task, err); requeueErr != nil {
				s.logger.Error("giving up on page", "url", task.URL, "error", requeueErr)
				summary.FailedPages++
			} else {
				s.logger.Warn("page failed, will retry", "url", task.URL, "retry", task.Retries, "error", err)
			}
			continue
		}

		s.limiter.RecordSuccess()
		summary.Pages++
		summary.Stats.Add(stats)
	}

	summary.Duration = time.Since(start)
	s.logger.Info("run complete", "summary", summary)
	return summary, nil
}

func (s *Service) selectStore(ctx context.Context) string {
	if s.opts.LocationURL == "" {
		return "Unknown"
	}

	name, err := s.loader.SelectStore(ctx, s.opts.LocationURL, s.opts.StoreSelector)
	if err != nil || name == "" {
		s.logger.Warn("could not confirm store location", "error", err)
		return "Unknown"
	}

	s.logger.Info("store selected", "store", name)
	return name
}

func (s *Service) scrapePage(ctx context.Context, task *queue.Task) (pipeline.Stats, error) {
	var stats pipeline.Stats

	s.logger.Info("loading page", "url", task.URL, "category", task.Category, "page", task.Page)

	html, err := s.loader.Load(ctx, task.URL, s.opts.PriceSelector)
	if err != nil {
		return stats, fmt.Errorf("failed to load page: %w", err)
	}

	raws, err := s.parser.ParseProductCards(html, task.URL)
	if err != nil {
		return stats, err
	}
	if len(raws) == 0 {
		return stats, ErrNoProducts
	}

	for _, raw := range raws {
		if raw.CategoryHint == "" {
			raw.CategoryHint = task.Category
		}
		res, err := s.processor.Process(ctx, raw)
		stats.Record(res, err)
	}

	s.logger.Info("page complete",
		"url", task.URL,
		"category", task.Category,
		"products", len(raws),
		"stats", stats)

	return stats, nil
}
