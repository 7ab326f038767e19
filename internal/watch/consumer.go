// Package watch consumes the price event stream written by the outbox relay
// and keeps a ranking of the largest price drops.
package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/grocery-price-scraper/internal/database"
	"github.com/maltedev/grocery-price-scraper/internal/events"
)

const (
	DefaultGroup    = "price-watch-group"
	DefaultDropsKey = "watch:price_drops"
)

// StreamClient is the part of redis the consumer needs.
type StreamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
}

type Config struct {
	Stream   string
	Group    string
	Consumer string
	DropsKey string
	// MinDropPercent is the smallest fall, as a positive percentage, that is
	// ranked and logged.
	MinDropPercent float64
	Block          time.Duration
}

type Consumer struct {
	redis  StreamClient
	cfg    Config
	logger *slog.Logger
}

func NewConsumer(client StreamClient, cfg Config, logger *slog.Logger) *Consumer {
	if cfg.Stream == "" {
		cfg.Stream = database.DefaultTargetStream
	}
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "consumer-1"
	}
	if cfg.DropsKey == "" {
		cfg.DropsKey = DefaultDropsKey
	}
	if cfg.Block == 0 {
		cfg.Block = 5 * time.Second
	}

	return &Consumer{
		redis:  client,
		cfg:    cfg,
		logger: logger.With("component", "watch"),
	}
}

// Run reads the stream until ctx is cancelled. Messages are acknowledged
// once handled. Messages that failed stay pending and are replayed the next
// time Run starts.
func (c *Consumer) Run(ctx context.Context) error {
	err := c.redis.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	c.logger.Info("starting consumer", "stream", c.cfg.Stream, "group", c.cfg.Group)

	if err := c.replayPending(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Error("failed to replay pending messages", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := c.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			Streams:  []string{c.cfg.Stream, ">"},
			Count:    10,
			Block:    c.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("failed to read from stream", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			c.process(ctx, stream.Messages)
		}
	}
}

// replayPending walks the messages delivered to this consumer but never
// acknowledged, oldest first. Each one is attempted once per call.
func (c *Consumer) replayPending(ctx context.Context) error {
	start := "0"
	replayed := 0

	for {
		streams, err := c.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			Streams:  []string{c.cfg.Stream, start},
			Count:    10,
			Block:    -1,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return fmt.Errorf("failed to read pending messages: %w", err)
		}

		var messages []redis.XMessage
		for _, stream := range streams {
			messages = append(messages, stream.Messages...)
		}
		if len(messages) == 0 {
			break
		}

		c.process(ctx, messages)
		replayed += len(messages)
		start = messages[len(messages)-1].ID
	}

	if replayed > 0 {
		c.logger.Info("replayed pending messages", "count", replayed)
	}
	return nil
}

func (c *Consumer) process(ctx context.Context, messages []redis.XMessage) {
	for _, message := range messages {
		if err := c.HandleMessage(ctx, message); err != nil {
			c.logger.Error("failed to process message", "id", message.ID, "error", err)
			continue
		}
		if err := c.redis.XAck(ctx, c.cfg.Stream, c.cfg.Group, message.ID).Err(); err != nil {
			c.logger.Error("failed to acknowledge message", "id", message.ID, "error", err)
		}
	}
}

// streamEnvelope is the JSON document the relay stores under "data".
type streamEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// HandleMessage ranks PRICE_CHANGED events that fall by at least
// MinDropPercent. Other event types are ignored.
func (c *Consumer) HandleMessage(ctx context.Context, msg redis.XMessage) error {
	eventType, _ := msg.Values["event_type"].(string)
	if eventType != string(events.EventTypePriceChanged) {
		return nil
	}

	data, ok := msg.Values["data"].(string)
	if !ok {
		return fmt.Errorf("missing data in event")
	}

	var envelope streamEnvelope
	if err := json.Unmarshal([]byte(data), &envelope); err != nil {
		return fmt.Errorf("failed to parse event: %w", err)
	}

	var payload events.PriceChangedPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		return fmt.Errorf("failed to parse payload: %w", err)
	}
	if payload.ID == "" {
		return fmt.Errorf("missing product id in payload")
	}

	drop := -payload.ChangePercent
	if drop < c.cfg.MinDropPercent || drop <= 0 {
		return nil
	}

	if err := c.redis.ZAdd(ctx, c.cfg.DropsKey, redis.Z{Score: drop, Member: payload.ID}).Err(); err != nil {
		return fmt.Errorf("failed to rank price drop: %w", err)
	}

	c.logger.Info("price drop",
		"id", payload.ID,
		"name", payload.Name,
		"old_price", payload.OldPrice,
		"new_price", payload.NewPrice,
		"drop_percent", drop)

	return nil
}
