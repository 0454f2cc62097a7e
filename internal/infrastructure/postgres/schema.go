package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates every table the service uses. Statements are idempotent.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS evaluation_events (
		id              UUID PRIMARY KEY,
		event_type      TEXT NOT NULL,
		drug_id         TEXT,
		protocol_id     TEXT,
		species         TEXT NOT NULL,
		status          TEXT NOT NULL,
		unevaluable     INT NOT NULL DEFAULT 0,
		request         JSONB NOT NULL,
		result          JSONB NOT NULL,
		client_id       TEXT,
		request_id      TEXT,
		idempotency_key TEXT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS evaluation_events_drug_idx ON evaluation_events (drug_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS outbox (
		id           BIGSERIAL PRIMARY KEY,
		event_id     TEXT NOT NULL,
		event_type   TEXT NOT NULL,
		payload      JSONB NOT NULL,
		topic        TEXT NOT NULL,
		message_key  TEXT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at TIMESTAMPTZ,
		retry_count  INT NOT NULL DEFAULT 0,
		last_error   TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_pending_idx ON outbox (id) WHERE processed_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS inbox (
		idempotency_key TEXT PRIMARY KEY,
		handler_name    TEXT NOT NULL,
		status          TEXT NOT NULL,
		payload         JSONB,
		result          JSONB,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at      TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS drug_profiles (
		name       TEXT PRIMARY KEY,
		document   TEXT NOT NULL,
		active     BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS patients (
		id         UUID PRIMARY KEY,
		data       JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate applies Schema
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range Schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}
	return nil
}
