package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inreelio/backend/internal/models"
)

// PackRepo persists the credit pack catalog.
type PackRepo struct {
	pool *pgxpool.Pool
}

func NewPackRepo(pool *pgxpool.Pool) *PackRepo {
	return &PackRepo{pool: pool}
}

func (r *PackRepo) List(ctx context.Context) ([]models.Pack, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, label, credits, amount, currency FROM credit_packs ORDER BY credits ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Pack
	for rows.Next() {
		var p models.Pack
		if err := rows.Scan(&p.ID, &p.Label, &p.Credits, &p.Amount, &p.Currency); err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

// Insert seeds a pack. Concurrent seeding of the same pack is a no-op.
func (r *PackRepo) Insert(ctx context.Context, p models.Pack) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO credit_packs (id, label, credits, amount, currency)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, p.ID, p.Label, p.Credits, p.Amount, p.Currency)
	return err
}
