package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the settlement tables if they do not exist. Idempotent;
// run once at boot.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS allocations (
            id UUID PRIMARY KEY,
            payer TEXT NOT NULL,
            platform TEXT NOT NULL,
            amount NUMERIC NOT NULL CHECK (amount > 0),
            spent NUMERIC NOT NULL DEFAULT 0 CHECK (spent >= 0 AND spent <= amount),
            closed BOOLEAN NOT NULL DEFAULT false,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            expires_at TIMESTAMPTZ
        );
        CREATE TABLE IF NOT EXISTS reservations (
            token UUID PRIMARY KEY,
            allocation_id UUID NOT NULL REFERENCES allocations(id),
            amount NUMERIC NOT NULL CHECK (amount > 0),
            refunded BOOLEAN NOT NULL DEFAULT false,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );
        CREATE TABLE IF NOT EXISTS transactions (
            id UUID PRIMARY KEY,
            idempotency_key TEXT NOT NULL UNIQUE,
            payer TEXT NOT NULL,
            payee TEXT NOT NULL,
            platform TEXT NOT NULL,
            amount NUMERIC NOT NULL CHECK (amount > 0),
            state TEXT NOT NULL,
            driver_tx_id TEXT,
            reservation_token UUID,
            failure_reason TEXT,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            confirmed_at TIMESTAMPTZ
        );
        CREATE INDEX IF NOT EXISTS idx_transactions_state ON transactions(state);
        CREATE INDEX IF NOT EXISTS idx_transactions_platform_state ON transactions(platform, state);
        CREATE TABLE IF NOT EXISTS settlement_events (
            id BIGSERIAL PRIMARY KEY,
            transaction_id UUID NOT NULL,
            outcome TEXT NOT NULL,
            amount NUMERIC NOT NULL,
            platform TEXT NOT NULL,
            reason TEXT,
            occurred_at TIMESTAMPTZ NOT NULL,
            published BOOLEAN NOT NULL DEFAULT false,
            published_at TIMESTAMPTZ
        );
        CREATE INDEX IF NOT EXISTS idx_settlement_events_unpublished
            ON settlement_events(id) WHERE published = false;
    `)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
