package stock

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads stock levels from PostgreSQL. All writes go through
// the reconciliation engine; this side is read-only.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get returns one ledger entry.
func (r *Repository) Get(ctx context.Context, productKey string) (Entry, error) {
	var entry Entry
	err := r.pool.QueryRow(ctx, `SELECT product_key, quantity, updated_at FROM stock_levels WHERE product_key=$1`, productKey).
		Scan(&entry.ProductKey, &entry.Quantity, &entry.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	return entry, nil
}

// List returns ledger entries ordered by product key, with the total
// count for pagination.
func (r *Repository) List(ctx context.Context, limit, offset int) ([]Entry, int, error) {
	if limit <= 0 {
		limit = 20
	}
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM stock_levels`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT product_key, quantity, updated_at FROM stock_levels ORDER BY product_key ASC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	entries := []Entry{}
	for rows.Next() {
		var entry Entry
		if err := rows.Scan(&entry.ProductKey, &entry.Quantity, &entry.UpdatedAt); err != nil {
			return nil, 0, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}
