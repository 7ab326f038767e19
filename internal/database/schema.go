package database

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS products (
	id                     TEXT PRIMARY KEY,
	name                   TEXT NOT NULL,
	size                   TEXT NOT NULL DEFAULT '',
	current_price          NUMERIC(10, 2) NOT NULL,
	category               TEXT[] NOT NULL DEFAULT '{}',
	source_site            TEXT NOT NULL,
	price_history          JSONB NOT NULL DEFAULT '[]',
	last_updated           TIMESTAMPTZ NOT NULL,
	last_checked           TIMESTAMPTZ NOT NULL,
	unit_price             NUMERIC(10, 2),
	unit_name              TEXT,
	original_unit_quantity NUMERIC(12, 3),
	original_unit          TEXT
);

CREATE INDEX IF NOT EXISTS idx_products_last_updated ON products (last_updated);

CREATE TABLE IF NOT EXISTS outbox_event (
	id             UUID PRIMARY KEY,
	aggregate_type TEXT NOT NULL,
	aggregate_id   TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	payload        JSONB NOT NULL,
	target_stream  TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'pending',
	retry_count    INT NOT NULL DEFAULT 0,
	error_message  TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at   TIMESTAMPTZ,
	next_retry_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_outbox_event_pending ON outbox_event (status, next_retry_at);
`

// EnsureSchema creates the tables if they do not exist yet.
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}
