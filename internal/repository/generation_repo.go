package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inreelio/backend/internal/models"
)

const generationColumns = `id, email, status, raw_input, output,
	credits_held, credits_held_by, credits_hold_at,
	credits_finalized_at, credits_deducted, credits_released,
	deleted_at, created_at, updated_at`

// GenerationRepo persists the per-job credit ledger entries.
type GenerationRepo struct {
	pool *pgxpool.Pool
}

func NewGenerationRepo(pool *pgxpool.Pool) *GenerationRepo {
	return &GenerationRepo{pool: pool}
}

// Get returns the ledger entry, or nil when no entry exists for the id.
func (r *GenerationRepo) Get(ctx context.Context, id string) (*models.Generation, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+generationColumns+` FROM generations WHERE id = $1`, id)
	return scanGeneration(row)
}

// GetForUpdate lazily creates the ledger entry and locks it for the
// duration of the transaction. The insert is what makes the row lock
// effective for ids the ledger has never seen: with no row, a plain
// SELECT FOR UPDATE locks nothing and concurrent callers would not
// serialize.
func (r *GenerationRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (*models.Generation, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO generations (id) VALUES ($1) ON CONFLICT (id) DO NOTHING
	`, id)
	if err != nil {
		return nil, err
	}
	row := tx.QueryRow(ctx, `SELECT `+generationColumns+` FROM generations WHERE id = $1 FOR UPDATE`, id)
	return scanGeneration(row)
}

// Upsert writes the full ledger entry.
func (r *GenerationRepo) Upsert(ctx context.Context, tx pgx.Tx, g *models.Generation) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO generations (id, email, status, raw_input, output,
			credits_held, credits_held_by, credits_hold_at,
			credits_finalized_at, credits_deducted, credits_released)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			status = EXCLUDED.status,
			raw_input = EXCLUDED.raw_input,
			output = EXCLUDED.output,
			credits_held = EXCLUDED.credits_held,
			credits_held_by = EXCLUDED.credits_held_by,
			credits_hold_at = EXCLUDED.credits_hold_at,
			credits_finalized_at = EXCLUDED.credits_finalized_at,
			credits_deducted = EXCLUDED.credits_deducted,
			credits_released = EXCLUDED.credits_released,
			updated_at = now()
	`, g.ID, g.Email, g.Status, g.RawInput, g.Output,
		g.CreditsHeld, g.CreditsHeldBy, g.CreditsHoldAt,
		g.CreditsFinalizedAt, g.CreditsDeducted, g.CreditsReleased)
	return err
}

// SetRequest attaches the owning email, raw input, and status to an
// existing ledger entry without touching the credit fields.
func (r *GenerationRepo) SetRequest(ctx context.Context, id, email, status string, rawInput []byte) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE generations SET email = $2, status = $3, raw_input = $4, updated_at = now()
		WHERE id = $1
	`, id, email, status, rawInput)
	return err
}

// UpdateStatus records a non-finalizing lifecycle transition (e.g.
// PENDING -> RUNNING once the worker accepts the job).
func (r *GenerationRepo) UpdateStatus(ctx context.Context, id, status string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE generations SET status = $2, updated_at = now() WHERE id = $1
	`, id, status)
	return err
}

// ListByEmail returns the user's generations, newest first, excluding
// soft-deleted ones.
func (r *GenerationRepo) ListByEmail(ctx context.Context, email string) ([]*models.Generation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+generationColumns+` FROM generations
		WHERE email = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC
	`, email)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, g)
	}
	return list, rows.Err()
}

// SoftDelete hides a generation from listings. The ledger entry itself
// is kept: finalized credit outcomes are never erased.
func (r *GenerationRepo) SoftDelete(ctx context.Context, email, id string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE generations SET deleted_at = now(), updated_at = now()
		WHERE id = $1 AND email = $2 AND deleted_at IS NULL
	`, id, email)
	return err
}

func scanGeneration(row pgx.Row) (*models.Generation, error) {
	var g models.Generation
	err := row.Scan(&g.ID, &g.Email, &g.Status, &g.RawInput, &g.Output,
		&g.CreditsHeld, &g.CreditsHeldBy, &g.CreditsHoldAt,
		&g.CreditsFinalizedAt, &g.CreditsDeducted, &g.CreditsReleased,
		&g.DeletedAt, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}
