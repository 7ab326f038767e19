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

	"github.com/maltedev/grocery-price-scraper/internal/config"
	"github.com/maltedev/grocery-price-scraper/internal/logger"
	"github.com/maltedev/grocery-price-scraper/internal/watch"
)

func main() {
	var (
		minDrop  = flag.Float64("min-drop", 10, "Smallest price drop in percent to rank")
		consumer = flag.String("consumer", "consumer-1", "Consumer name within the group")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	logger.Info("Connected to Redis", "addr", cfg.Redis.Addr)

	c := watch.NewConsumer(rdb, watch.Config{
		Stream:         cfg.Redis.Stream,
		Consumer:       *consumer,
		MinDropPercent: *minDrop,
	}, logger)

	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Consumer error", "error", err)
		os.Exit(1)
	}

	logger.Info("Shutting down")
}
