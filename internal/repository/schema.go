package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS credit_accounts (
		email               text PRIMARY KEY,
		credits             integer NOT NULL DEFAULT 0,
		held                integer NOT NULL DEFAULT 0,
		free_count          integer NOT NULL DEFAULT 0,
		last_payment_id     text,
		password_hash       text,
		password_salt       text,
		reset_token_hash    text,
		reset_token_salt    text,
		reset_token_expires timestamptz,
		created_at          timestamptz NOT NULL DEFAULT now(),
		updated_at          timestamptz NOT NULL DEFAULT now(),
		CHECK (credits >= 0),
		CHECK (held >= 0 AND held <= credits)
	)`,
	`CREATE TABLE IF NOT EXISTS generations (
		id                   text PRIMARY KEY,
		email                text NOT NULL DEFAULT '',
		status               text NOT NULL DEFAULT 'PENDING',
		raw_input            jsonb,
		output               jsonb,
		credits_held         integer,
		credits_held_by      text NOT NULL DEFAULT '',
		credits_hold_at      timestamptz,
		credits_finalized_at timestamptz,
		credits_deducted     integer,
		credits_released     integer,
		deleted_at           timestamptz,
		created_at           timestamptz NOT NULL DEFAULT now(),
		updated_at           timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS generations_email_idx ON generations (email, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS credit_packs (
		id       text PRIMARY KEY,
		label    text NOT NULL,
		credits  integer NOT NULL,
		amount   numeric NOT NULL,
		currency text NOT NULL DEFAULT 'INR'
	)`,
	`CREATE TABLE IF NOT EXISTS applied_payments (
		account_email text NOT NULL,
		payment_id    text NOT NULL,
		credits       integer NOT NULL,
		created_at    timestamptz NOT NULL DEFAULT now(),
		PRIMARY KEY (account_email, payment_id)
	)`,
}

// EnsureSchema creates the application tables when they don't exist
// yet. River's own tables are handled by rivermigrate at startup.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
