package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inreelio/backend/internal/models"
)

const accountColumns = `email, credits, held, free_count, last_payment_id,
	password_hash, password_salt, reset_token_hash, reset_token_salt, reset_token_expires,
	created_at, updated_at`

// AccountRepo persists credit accounts. Balance mutations must go
// through GetForUpdate/Update inside one transaction so concurrent
// holds and finalizations serialize on the account row.
type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

func (r *AccountRepo) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// Get returns the account, or a zero-balance account when none exists
// yet. Accounts are only materialized on the first write.
func (r *AccountRepo) Get(ctx context.Context, email string) (*models.CreditAccount, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM credit_accounts WHERE email = $1`, email)
	a, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return &models.CreditAccount{Email: email}, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// GetForUpdate lazily creates the account row and locks it for the
// duration of the transaction.
func (r *AccountRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, email string) (*models.CreditAccount, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO credit_accounts (email) VALUES ($1) ON CONFLICT (email) DO NOTHING
	`, email)
	if err != nil {
		return nil, err
	}
	row := tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM credit_accounts WHERE email = $1 FOR UPDATE`, email)
	return scanAccount(row)
}

// Update writes the balance fields back. Call after GetForUpdate in the
// same transaction.
func (r *AccountRepo) Update(ctx context.Context, tx pgx.Tx, a *models.CreditAccount) error {
	_, err := tx.Exec(ctx, `
		UPDATE credit_accounts
		SET credits = $2, held = $3, free_count = $4, last_payment_id = $5, updated_at = now()
		WHERE email = $1
	`, a.Email, a.Credits, a.Held, a.FreeCount, a.LastPaymentID)
	return err
}

// MarkPaymentApplied records a payment id against the account. Returns
// false when the id was already recorded, which means the grant is a
// duplicate and must not be applied again.
func (r *AccountRepo) MarkPaymentApplied(ctx context.Context, tx pgx.Tx, email, paymentID string, credits int) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO applied_payments (account_email, payment_id, credits)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_email, payment_id) DO NOTHING
	`, email, paymentID, credits)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SetCredential enrolls or replaces the account's password hash,
// creating the account if needed.
func (r *AccountRepo) SetCredential(ctx context.Context, email, hash, salt string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO credit_accounts (email, password_hash, password_salt)
		VALUES ($1, $2, $3)
		ON CONFLICT (email) DO UPDATE
		SET password_hash = EXCLUDED.password_hash, password_salt = EXCLUDED.password_salt, updated_at = now()
	`, email, hash, salt)
	return err
}

// SetResetToken stores a hashed password-reset token with its expiry.
func (r *AccountRepo) SetResetToken(ctx context.Context, email, hash, salt string, expires time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO credit_accounts (email, reset_token_hash, reset_token_salt, reset_token_expires)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (email) DO UPDATE
		SET reset_token_hash = EXCLUDED.reset_token_hash,
			reset_token_salt = EXCLUDED.reset_token_salt,
			reset_token_expires = EXCLUDED.reset_token_expires,
			updated_at = now()
	`, email, hash, salt, expires)
	return err
}

// ReplaceCredential swaps the password hash and clears any outstanding
// reset token.
func (r *AccountRepo) ReplaceCredential(ctx context.Context, email, hash, salt string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE credit_accounts
		SET password_hash = $2, password_salt = $3,
			reset_token_hash = NULL, reset_token_salt = NULL, reset_token_expires = NULL,
			updated_at = now()
		WHERE email = $1
	`, email, hash, salt)
	return err
}

func scanAccount(row pgx.Row) (*models.CreditAccount, error) {
	var a models.CreditAccount
	err := row.Scan(&a.Email, &a.Credits, &a.Held, &a.FreeCount, &a.LastPaymentID,
		&a.PasswordHash, &a.PasswordSalt, &a.ResetTokenHash, &a.ResetTokenSalt, &a.ResetTokenExpires,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
