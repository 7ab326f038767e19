package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/grocery-price-scraper/internal/browser"
	"github.com/maltedev/grocery-price-scraper/internal/catalog"
	"github.com/maltedev/grocery-price-scraper/internal/config"
	"github.com/maltedev/grocery-price-scraper/internal/database"
	"github.com/maltedev/grocery-price-scraper/internal/events"
	"github.com/maltedev/grocery-price-scraper/internal/images"
	"github.com/maltedev/grocery-price-scraper/internal/logger"
	"github.com/maltedev/grocery-price-scraper/internal/overrides"
	"github.com/maltedev/grocery-price-scraper/internal/parser"
	"github.com/maltedev/grocery-price-scraper/internal/pipeline"
	"github.com/maltedev/grocery-price-scraper/internal/ratelimit"
	"github.com/maltedev/grocery-price-scraper/internal/reconcile"
	"github.com/maltedev/grocery-price-scraper/internal/scraper"
	"github.com/maltedev/grocery-price-scraper/internal/storage"
)

func main() {
	var (
		dryRun    = flag.Bool("dry", false, "Scrape and log products without writing to the store")
		reverse   = flag.Bool("reverse", false, "Scrape the url list in reverse order")
		urlFile   = flag.String("urls", "", "File with catalog urls, overrides SCRAPER_URL_FILE")
		storeType = flag.String("store", "", "Product store: postgres or file, overrides STORE_TYPE")
		headless  = flag.Bool("headless", true, "Run browser in headless mode")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	cfg.Scraper.DryRun = cfg.Scraper.DryRun || *dryRun
	cfg.Scraper.Reverse = cfg.Scraper.Reverse || *reverse
	if *urlFile != "" {
		cfg.Scraper.URLFile = *urlFile
	}
	if *storeType != "" {
		cfg.Store.Type = *storeType
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)
	logger.Info("Starting grocery price scraper", "dry_run", cfg.Scraper.DryRun, "store", cfg.Store.Type)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	lines, err := catalog.ReadLines(cfg.Scraper.URLFile)
	if err != nil {
		logger.Error("Failed to read url file", "error", err)
		os.Exit(1)
	}
	pages := catalog.ParseURLLines(lines, catalog.Options{
		URLShouldContain:   cfg.Scraper.URLShouldContain,
		ReplaceQueryParams: cfg.Scraper.ReplaceQueryParams,
		PageQueryOption:    cfg.Scraper.PageQueryOption,
		IncrementPageBy:    cfg.Scraper.IncrementPageBy,
		Logger:             logger,
	})
	if len(pages) == 0 {
		logger.Error("No valid urls found", "file", cfg.Scraper.URLFile)
		os.Exit(1)
	}

	table := overrides.NewTable(nil)
	if cfg.Scraper.OverridesFile != "" {
		if table, err = overrides.LoadFile(cfg.Scraper.OverridesFile); err != nil {
			logger.Error("Failed to load overrides", "error", err)
			os.Exit(1)
		}
		logger.Info("Loaded overrides", "products", table.Len())
	}

	var engine pipeline.Reconciler
	if !cfg.Scraper.DryRun {
		store, closeStore, err := openStore(ctx, cfg)
		if err != nil {
			logger.Error("Failed to open product store", "error", err)
			os.Exit(1)
		}
		defer closeStore()
		engine = reconcile.NewEngine(store)
	}

	var uploader pipeline.ImageUploader
	if cfg.Images.FunctionURL != "" && !cfg.Scraper.DryRun {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		var seen images.SetClient = redisClient
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unavailable, every image will be sent to the upload function", "error", err)
			seen = nil
		}

		u, err := images.NewUploader(images.Config{
			FunctionURL:       cfg.Images.FunctionURL,
			RequestsPerSecond: cfg.Images.RequestsPerSecond,
			Timeout:           cfg.Images.Timeout,
		}, seen, logger)
		if err != nil {
			logger.Error("Failed to create image uploader", "error", err)
			os.Exit(1)
		}
		uploader = u
	}

	pipe := pipeline.New(overrides.NewResolver(table), engine, uploader, logger, pipeline.Options{
		SourceSite:         cfg.Scraper.SourceSite,
		DryRun:             cfg.Scraper.DryRun,
		AlwaysUploadImages: cfg.Scraper.AlwaysUploadImages,
	})

	browserOpts := browser.DefaultOptions()
	browserOpts.Headless = *headless && cfg.Browser.Headless
	browserOpts.Timeout = cfg.Browser.Timeout
	browserOpts.Locale = cfg.Browser.Locale
	browserOpts.TimezoneID = cfg.Browser.Timezone
	browserOpts.Latitude = cfg.Browser.Latitude
	browserOpts.Longitude = cfg.Browser.Longitude
	browserOpts.ProxyServer = cfg.Browser.Proxy

	b, err := browser.New(browserOpts, logger)
	if err != nil {
		logger.Error("Failed to initialize browser", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	session, err := b.OpenSession()
	if err != nil {
		logger.Error("Failed to open browser page", "error", err)
		os.Exit(1)
	}
	defer session.Close()

	svc := scraper.NewService(
		session,
		parser.NewCardParser(parser.DefaultSelectors()),
		pipe,
		ratelimit.NewPageLimiter(cfg.Scraper.PageDelay, cfg.Scraper.PageDelayJitter),
		logger,
		scraper.Options{
			LocationURL:   cfg.Scraper.LocationURL,
			StoreSelector: cfg.Scraper.StoreSelector,
			PriceSelector: cfg.Scraper.PriceSelector,
			MaxRetries:    cfg.Scraper.MaxRetries,
			Reverse:       cfg.Scraper.Reverse,
		},
	)

	summary, err := svc.Run(ctx, pages)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("Scraping interrupted", "summary", summary)
			return
		}
		logger.Error("Scraping failed", "error", err, "summary", summary)
		os.Exit(1)
	}

	logger.Info("Scraping completed", "summary", summary)
}

// openStore connects the configured product store. Postgres writes go
// through the outbox so the relay can publish them.
func openStore(ctx context.Context, cfg *config.Config) (reconcile.Store, func(), error) {
	if cfg.Store.Type == config.StoreFile {
		fs, err := storage.NewFileStore(cfg.Store.File)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil
	}

	db, err := database.New(ctx, database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		return nil, nil, err
	}

	if err := db.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}

	return database.NewProductRepository(db, events.NewBuilder(cfg.Redis.Stream, "")), db.Close, nil
}
