package transactions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository persists transaction records and stock levels in PostgreSQL.
type Repository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewRepository constructs Repository. lockTimeout bounds how long a
// transaction waits for per-product row locks before giving up with
// ErrConcurrentModification.
func NewRepository(pool *pgxpool.Pool, lockTimeout time.Duration) *Repository {
	if lockTimeout <= 0 {
		lockTimeout = 3 * time.Second
	}
	return &Repository{pool: pool, lockTimeout: lockTimeout}
}

// TxRepository exposes the operations available inside one database
// transaction. Ledger writes and record writes share the transaction so
// reconciliation is all-or-nothing.
type TxRepository interface {
	LockStockLevel(ctx context.Context, productKey string) (int64, error)
	SetStockLevel(ctx context.Context, productKey string, quantity int64) error
	GetRecordForUpdate(ctx context.Context, id uuid.UUID) (Record, error)
	InsertRecord(ctx context.Context, rec Record) error
	UpdateRecord(ctx context.Context, rec Record) error
	DeleteRecord(ctx context.Context, id uuid.UUID) error
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction with a
// bounded lock wait. Row-lock timeouts, serialization failures and
// deadlocks surface as ErrConcurrentModification.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("transactions repository not initialised")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrStoreUnavailable, err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())); err != nil {
		return translateError(err)
	}
	if err := fn(ctx, &txRepository{tx: tx}); err != nil {
		return translateError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return translateError(err)
	}
	return nil
}

// GetRecord loads one transaction with its lines.
func (r *Repository) GetRecord(ctx context.Context, id uuid.UUID) (Record, error) {
	row := r.pool.QueryRow(ctx, `SELECT id, tx_type, invoice, counterparty_name, counterparty_contact, buyer_gst, subtotal::text, created_by, created_at, updated_at
FROM stock_transactions WHERE id=$1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, translateError(err)
	}
	rec.Lines, err = loadLines(ctx, r.pool, id)
	if err != nil {
		return Record{}, translateError(err)
	}
	return rec, nil
}

// ListFilter narrows and pages List results.
type ListFilter struct {
	Type    Type
	Invoice string
	Limit   int
	Offset  int
}

// ListRecords returns transactions of one kind, newest first, with the
// total count for pagination.
func (r *Repository) ListRecords(ctx context.Context, filter ListFilter) ([]Record, int, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	var total int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM stock_transactions WHERE tx_type=$1 AND ($2='' OR invoice=$2)`, string(filter.Type), filter.Invoice).Scan(&total)
	if err != nil {
		return nil, 0, translateError(err)
	}
	rows, err := r.pool.Query(ctx, `SELECT id, tx_type, invoice, counterparty_name, counterparty_contact, buyer_gst, subtotal::text, created_by, created_at, updated_at
FROM stock_transactions WHERE tx_type=$1 AND ($2='' OR invoice=$2)
ORDER BY created_at DESC, id DESC LIMIT $3 OFFSET $4`, string(filter.Type), filter.Invoice, limit, filter.Offset)
	if err != nil {
		return nil, 0, translateError(err)
	}
	defer rows.Close()
	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, translateError(err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, translateError(err)
	}
	for i := range records {
		records[i].Lines, err = loadLines(ctx, r.pool, records[i].ID)
		if err != nil {
			return nil, 0, translateError(err)
		}
	}
	return records, total, nil
}

// LockStockLevel creates the ledger row if absent and returns its current
// quantity with the row lock held for the rest of the transaction.
func (r *txRepository) LockStockLevel(ctx context.Context, productKey string) (int64, error) {
	if _, err := r.tx.Exec(ctx, `INSERT INTO stock_levels (product_key, quantity, updated_at)
VALUES ($1, 0, NOW()) ON CONFLICT (product_key) DO NOTHING`, productKey); err != nil {
		return 0, err
	}
	var qty int64
	err := r.tx.QueryRow(ctx, `SELECT quantity FROM stock_levels WHERE product_key=$1 FOR UPDATE`, productKey).Scan(&qty)
	if err != nil {
		return 0, err
	}
	return qty, nil
}

func (r *txRepository) SetStockLevel(ctx context.Context, productKey string, quantity int64) error {
	_, err := r.tx.Exec(ctx, `UPDATE stock_levels SET quantity=$2, updated_at=NOW() WHERE product_key=$1`, productKey, quantity)
	return err
}

func (r *txRepository) GetRecordForUpdate(ctx context.Context, id uuid.UUID) (Record, error) {
	row := r.tx.QueryRow(ctx, `SELECT id, tx_type, invoice, counterparty_name, counterparty_contact, buyer_gst, subtotal::text, created_by, created_at, updated_at
FROM stock_transactions WHERE id=$1 FOR UPDATE`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	rec.Lines, err = loadLines(ctx, r.tx, id)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (r *txRepository) InsertRecord(ctx context.Context, rec Record) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_transactions (id, tx_type, invoice, counterparty_name, counterparty_contact, buyer_gst, subtotal, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)`, rec.ID, string(rec.Type), rec.Invoice, rec.CounterpartyName, rec.CounterpartyContact, rec.BuyerGST, decimalText(rec.Subtotal), rec.CreatedBy, rec.CreatedAt)
	if err != nil {
		return err
	}
	return r.insertLines(ctx, rec.ID, rec.Lines)
}

func (r *txRepository) UpdateRecord(ctx context.Context, rec Record) error {
	tag, err := r.tx.Exec(ctx, `UPDATE stock_transactions SET invoice=$2, counterparty_name=$3, counterparty_contact=$4, buyer_gst=$5, subtotal=$6, updated_at=NOW() WHERE id=$1`,
		rec.ID, rec.Invoice, rec.CounterpartyName, rec.CounterpartyContact, rec.BuyerGST, decimalText(rec.Subtotal))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := r.tx.Exec(ctx, `DELETE FROM stock_transaction_lines WHERE transaction_id=$1`, rec.ID); err != nil {
		return err
	}
	return r.insertLines(ctx, rec.ID, rec.Lines)
}

func (r *txRepository) DeleteRecord(ctx context.Context, id uuid.UUID) error {
	if _, err := r.tx.Exec(ctx, `DELETE FROM stock_transaction_lines WHERE transaction_id=$1`, id); err != nil {
		return err
	}
	tag, err := r.tx.Exec(ctx, `DELETE FROM stock_transactions WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepository) insertLines(ctx context.Context, id uuid.UUID, lines []LineItem) error {
	for i, line := range lines {
		_, err := r.tx.Exec(ctx, `INSERT INTO stock_transaction_lines (transaction_id, product_key, quantity, unit_price, total_price, line_order)
VALUES ($1,$2,$3,$4,$5,$6)`, id, line.ProductKey, line.Quantity, decimalText(line.UnitPrice), decimalText(line.TotalPrice), i)
		if err != nil {
			return err
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var txType string
	var subtotal *string
	if err := row.Scan(&rec.ID, &txType, &rec.Invoice, &rec.CounterpartyName, &rec.CounterpartyContact, &rec.BuyerGST, &subtotal, &rec.CreatedBy, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return Record{}, err
	}
	rec.Type = Type(txType)
	var err error
	rec.Subtotal, err = parseDecimal(subtotal)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadLines(ctx context.Context, q querier, id uuid.UUID) ([]LineItem, error) {
	rows, err := q.Query(ctx, `SELECT product_key, quantity, unit_price::text, total_price::text
FROM stock_transaction_lines WHERE transaction_id=$1 ORDER BY line_order ASC, id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	lines := []LineItem{}
	for rows.Next() {
		var line LineItem
		var unitPrice, totalPrice *string
		if err := rows.Scan(&line.ProductKey, &line.Quantity, &unitPrice, &totalPrice); err != nil {
			return nil, err
		}
		if line.UnitPrice, err = parseDecimal(unitPrice); err != nil {
			return nil, err
		}
		if line.TotalPrice, err = parseDecimal(totalPrice); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func decimalText(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func parseDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// translateError maps SQLSTATE codes onto the domain taxonomy. Everything
// unrecognised becomes ErrStoreUnavailable; the original error stays in
// the message for logs.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidUnitPrice) ||
		errors.Is(err, ErrInvalidType) ||
		errors.Is(err, ErrDuplicateInvoice) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	var insufficient *InsufficientStockError
	if errors.As(err, &insufficient) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrDuplicateInvoice
		case "55P03", "40001", "40P01":
			return ErrConcurrentModification
		}
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
