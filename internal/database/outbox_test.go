package database

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxRepository_InsertWithTx(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	repo := NewOutboxRepository(db)

	t.Run("successful insert with transaction", func(t *testing.T) {
		event := &OutboxEvent{
			AggregateType: AggregateTypeProduct,
			AggregateID:   "P5001000",
			EventType:     EventNewProductDetected,
			Payload:       json.RawMessage(`{"id":"P5001000","name":"Anchor Blue Milk 2L"}`),
			TargetStream:  "stream:product_prices",
		}

		err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
			return repo.InsertWithTx(ctx, tx, event)
		})

		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, event.ID)
		assert.Equal(t, "pending", event.Status)
		assert.Equal(t, 0, event.RetryCount)
		assert.False(t, event.CreatedAt.IsZero())
	})

	t.Run("rollback on transaction failure", func(t *testing.T) {
		event := &OutboxEvent{
			AggregateType: AggregateTypeProduct,
			AggregateID:   "P5002000",
			EventType:     EventNewProductDetected,
			Payload:       json.RawMessage(`{"id":"P5002000"}`),
			TargetStream:  "stream:product_prices",
		}

		// Start transaction that will be rolled back
		err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
			if err := repo.InsertWithTx(ctx, tx, event); err != nil {
				return err
			}
			// Force rollback
			return pgx.ErrTxClosed
		})

		assert.Error(t, err)

		// Verify event was not persisted
		events, err := repo.GetPending(ctx, 10)
		require.NoError(t, err)
		for _, e := range events {
			assert.NotEqual(t, "P5002000", e.AggregateID)
		}
	})
}

func TestOutboxEvent_Validate(t *testing.T) {
	valid := func() *OutboxEvent {
		return &OutboxEvent{
			AggregateType: AggregateTypeProduct,
			AggregateID:   "P5003000",
			EventType:     EventPriceChanged,
			Payload:       json.RawMessage(`{}`),
		}
	}

	t.Run("fills defaults", func(t *testing.T) {
		event := valid()
		require.NoError(t, event.Validate())
		assert.NotEqual(t, uuid.Nil, event.ID)
		assert.Equal(t, OutboxStatusPending, event.Status)
		assert.Equal(t, DefaultTargetStream, event.TargetStream)
	})

	testCases := []struct {
		name   string
		mutate func(e *OutboxEvent)
	}{
		{"missing aggregate type", func(e *OutboxEvent) { e.AggregateType = "" }},
		{"missing event type", func(e *OutboxEvent) { e.EventType = "" }},
		{"missing payload", func(e *OutboxEvent) { e.Payload = nil }},
		{"price event without product", func(e *OutboxEvent) { e.AggregateID = "" }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			event := valid()
			tc.mutate(event)
			assert.Error(t, event.Validate())
		})
	}
}

func TestNextAttempt(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		retries    int
		wantStatus string
		wantDelay  time.Duration
	}{
		{1, OutboxStatusFailed, 2 * time.Second},
		{3, OutboxStatusFailed, 8 * time.Second},
		{4, OutboxStatusFailed, 16 * time.Second},
		{MaxRetryCount, OutboxStatusDeadLetter, 32 * time.Second},
		{9, OutboxStatusDeadLetter, MaxRetryBackoff},
		{64, OutboxStatusDeadLetter, MaxRetryBackoff},
	}

	for _, tt := range tests {
		status, next := nextAttempt(tt.retries, now)
		assert.Equal(t, tt.wantStatus, status, "retries %d", tt.retries)
		assert.Equal(t, now.Add(tt.wantDelay), next, "retries %d", tt.retries)
	}
}

func TestOutboxRepository_SupersedesPriceEvents(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	repo := NewOutboxRepository(db)
	id := "P" + uuid.NewString()[:8]

	insert := func(eventType string) *OutboxEvent {
		event := &OutboxEvent{
			AggregateType: AggregateTypeProduct,
			AggregateID:   id,
			EventType:     eventType,
			Payload:       json.RawMessage(`{"id":"` + id + `"}`),
		}
		require.NoError(t, pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
			return repo.InsertWithTx(ctx, tx, event)
		}))
		return event
	}

	status := func(event *OutboxEvent) string {
		var s string
		require.NoError(t, db.pool.QueryRow(ctx,
			"SELECT status FROM outbox_event WHERE id = $1", event.ID).Scan(&s))
		return s
	}

	created := insert(EventNewProductDetected)
	first := insert(EventPriceChanged)
	second := insert(EventPriceChanged)

	assert.Equal(t, OutboxStatusPending, status(created))
	assert.Equal(t, OutboxStatusSuperseded, status(first))
	assert.Equal(t, OutboxStatusPending, status(second))

	counts, err := repo.Counts(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, counts.Superseded, int64(1))
}

func TestOutboxRepository_GetPending(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	repo := NewOutboxRepository(db)

	// Insert test events
	now := time.Now()
	events := []*OutboxEvent{
		{
			AggregateType: AggregateTypeProduct,
			AggregateID:   "P5001000",
			EventType:     EventNewProductDetected,
			Payload:       json.RawMessage(`{"id":"P5001000"}`),
			TargetStream:  "stream:product_prices",
			Status:        "pending",
			NextRetryAt:   &now,
		},
		{
			AggregateType: AggregateTypeProduct,
			AggregateID:   "P5002000",
			EventType:     EventNewProductDetected,
			Payload:       json.RawMessage(`{"id":"P5002000"}`),
			TargetStream:  "stream:product_prices",
			Status:        "processed",
			NextRetryAt:   &now,
		},
		{
			AggregateType: AggregateTypeProduct,
			AggregateID:   "P5003000",
			EventType:     EventNewProductDetected,
			Payload:       json.RawMessage(`{"id":"P5003000"}`),
			TargetStream:  "stream:product_prices",
			Status:        "pending",
			NextRetryAt:   &now,
		},
		{
			AggregateType: AggregateTypeProduct,
			AggregateID:   "P5004000",
			EventType:     EventNewProductDetected,
			Payload:       json.RawMessage(`{"id":"P5004000"}`),
			TargetStream:  "stream:product_prices",
			Status:        "failed",
			RetryCount:    2,
			NextRetryAt:   &now,
		},
	}

	for _, event := range events {
		err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
			return repo.InsertWithTx(ctx, tx, event)
		})
		require.NoError(t, err)
	}

	t.Run("get pending events with limit", func(t *testing.T) {
		pending, err := repo.GetPending(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, pending, 2)

		// Should get pending and failed (retry) events
		for _, e := range pending {
			assert.Contains(t, []string{"pending", "failed"}, e.Status)
		}
	})

	t.Run("get pending events ordered by created_at", func(t *testing.T) {
		pending, err := repo.GetPending(ctx, 10)
		require.NoError(t, err)

		// Verify ordering
		for i := 1; i < len(pending); i++ {
			assert.True(t, pending[i-1].CreatedAt.Before(pending[i].CreatedAt) ||
				pending[i-1].CreatedAt.Equal(pending[i].CreatedAt))
		}
	})

	t.Run("respects next_retry_at", func(t *testing.T) {
		// Update one event to have future retry time
		future := time.Now().Add(1 * time.Hour)
		_, err := db.pool.Exec(ctx,
			"UPDATE outbox_event SET next_retry_at = $1 WHERE aggregate_id = $2",
			future, "P5004000")
		require.NoError(t, err)

		pending, err := repo.GetPending(ctx, 10)
		require.NoError(t, err)

		// Should not include the event with future retry time
		for _, e := range pending {
			assert.NotEqual(t, "P5004000", e.AggregateID)
		}
	})
}

func TestOutboxRepository_MarkProcessed(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	repo := NewOutboxRepository(db)

	// Insert test event
	event := &OutboxEvent{
		AggregateType: AggregateTypeProduct,
		AggregateID:   "P5001000",
		EventType:     EventNewProductDetected,
		Payload:       json.RawMessage(`{"id":"P5001000"}`),
		TargetStream:  "stream:product_prices",
	}

	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		return repo.InsertWithTx(ctx, tx, event)
	})
	require.NoError(t, err)

	t.Run("mark as processed", func(t *testing.T) {
		err := repo.MarkProcessed(ctx, event.ID)
		require.NoError(t, err)

		// Verify status change
		var status string
		var processedAt *time.Time
		err = db.pool.QueryRow(ctx,
			"SELECT status, processed_at FROM outbox_event WHERE id = $1",
			event.ID).Scan(&status, &processedAt)
		require.NoError(t, err)

		assert.Equal(t, "processed", status)
		assert.NotNil(t, processedAt)
		assert.True(t, time.Since(*processedAt) < 1*time.Second)
	})

	t.Run("mark non-existent event", func(t *testing.T) {
		err := repo.MarkProcessed(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrEventNotFound)
	})
}

func TestOutboxRepository_MarkFailed(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	repo := NewOutboxRepository(db)

	t.Run("increment retry count and set backoff", func(t *testing.T) {
		event := &OutboxEvent{
			AggregateType: AggregateTypeProduct,
			AggregateID:   "P5001000",
			EventType:     EventNewProductDetected,
			Payload:       json.RawMessage(`{"id":"P5001000"}`),
			TargetStream:  "stream:product_prices",
		}

		err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
			return repo.InsertWithTx(ctx, tx, event)
		})
		require.NoError(t, err)

		// First failure
		err = repo.MarkFailed(ctx, event.ID, assert.AnError)
		require.NoError(t, err)

		var status string
		var retryCount int
		var errorMsg *string
		var nextRetry *time.Time
		err = db.pool.QueryRow(ctx,
			"SELECT status, retry_count, error_message, next_retry_at FROM outbox_event WHERE id = $1",
			event.ID).Scan(&status, &retryCount, &errorMsg, &nextRetry)
		require.NoError(t, err)

		assert.Equal(t, "failed", status)
		assert.Equal(t, 1, retryCount)
		assert.NotNil(t, errorMsg)
		assert.Contains(t, *errorMsg, "assert.AnError")
		assert.NotNil(t, nextRetry)
		assert.True(t, nextRetry.After(time.Now()))
	})

	t.Run("move to dead letter after max retries", func(t *testing.T) {
		event := &OutboxEvent{
			AggregateType: AggregateTypeProduct,
			AggregateID:   "P5002000",
			EventType:     EventNewProductDetected,
			Payload:       json.RawMessage(`{"id":"P5002000"}`),
			TargetStream:  "stream:product_prices",
			RetryCount:    4, // One below max
		}

		err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
			return repo.InsertWithTx(ctx, tx, event)
		})
		require.NoError(t, err)

		// This should move to dead letter
		err = repo.MarkFailed(ctx, event.ID, assert.AnError)
		require.NoError(t, err)

		var status string
		var retryCount int
		err = db.pool.QueryRow(ctx,
			"SELECT status, retry_count FROM outbox_event WHERE id = $1",
			event.ID).Scan(&status, &retryCount)
		require.NoError(t, err)

		assert.Equal(t, "dead_letter", status)
		assert.Equal(t, 5, retryCount)
	})

	t.Run("unknown event", func(t *testing.T) {
		err := repo.MarkFailed(ctx, uuid.New(), assert.AnError)
		assert.ErrorIs(t, err, ErrEventNotFound)
	})
}

// setupTestDB connects to TEST_DATABASE_URL and skips when it is unset.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)

	db := &DB{pool: pool}
	require.NoError(t, db.EnsureSchema(ctx))
	return db
}
