package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stockbook/stockbook/internal/observability"
)

// LedgerIntegrityJob recomputes per-product stock from the transaction
// ledger and compares it against the materialized stock_levels rows.
// Drift is reported, never auto-corrected: clamped reversals make the
// materialized value authoritative, so a mismatch needs a human eye.
type LedgerIntegrityJob struct {
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *observability.Metrics
	clock   func() time.Time
}

// NewLedgerIntegrityJob initialises the integrity scan handler.
func NewLedgerIntegrityJob(pool *pgxpool.Pool, logger *slog.Logger, metrics *observability.Metrics) *LedgerIntegrityJob {
	return &LedgerIntegrityJob{
		Pool:    pool,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// The expected value is the ledger sum floored at zero. That floor is a
// point-in-time approximation of the engine's clamp policy, which applies
// at each reversal: once a clamp has eaten units, later credits make the
// materialized value legitimately exceed GREATEST(sum, 0), and a negative
// ledger sum hides residue below the floor. Warnings from this scan mean
// "look at the stock:clamp audit trail for this product", not "corrupt".
const integrityQuery = `
WITH ledger AS (
    SELECT l.product_key,
           SUM(l.quantity * CASE t.tx_type
               WHEN 'PURCHASE' THEN 1
               WHEN 'SALE_RETURN' THEN 1
               WHEN 'SALE' THEN -1
               WHEN 'PURCHASE_RETURN' THEN -1
               ELSE 0
           END) AS expected
    FROM stock_transaction_lines l
    JOIN stock_transactions t ON t.id = l.transaction_id
    GROUP BY l.product_key
)
SELECT COALESCE(s.product_key, ledger.product_key) AS product_key,
       COALESCE(s.quantity, 0) AS materialized,
       GREATEST(COALESCE(ledger.expected, 0), 0) AS expected
FROM stock_levels s
FULL OUTER JOIN ledger ON ledger.product_key = s.product_key
WHERE COALESCE(s.quantity, 0) <> GREATEST(COALESCE(ledger.expected, 0), 0)`

// Handle executes the integrity scan.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Pool == nil {
		return errors.New("ledger integrity: handler not configured")
	}
	var payload LedgerIntegrityPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	start := j.now()
	logger := j.logger()
	logger.Info("starting ledger integrity scan")

	query := integrityQuery
	args := []any{}
	if payload.ProductKey != "" {
		query += " AND COALESCE(s.product_key, ledger.product_key) = $1"
		args = append(args, payload.ProductKey)
	}

	rows, err := j.Pool.Query(ctx, query, args...)
	if err != nil {
		logger.Error("integrity scan failed", slog.Any("error", err))
		return err
	}
	defer rows.Close()

	var driftUnits int64
	var drifted int
	for rows.Next() {
		var productKey string
		var materialized, expected int64
		if err := rows.Scan(&productKey, &materialized, &expected); err != nil {
			return err
		}
		drifted++
		diff := materialized - expected
		if diff < 0 {
			driftUnits -= diff
		} else {
			driftUnits += diff
		}
		logger.Warn("stock drift detected",
			slog.String("product_key", productKey),
			slog.Int64("materialized", materialized),
			slog.Int64("ledger_expected", expected),
		)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if j.Metrics != nil {
		j.Metrics.SetLedgerDrift(float64(driftUnits))
	}
	logger.Info("completed ledger integrity scan",
		slog.Int("products_drifted", drifted),
		slog.Int64("drift_units", driftUnits),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func (j *LedgerIntegrityJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerIntegrity))
	}
	return slog.Default().With(slog.String("job", TaskLedgerIntegrity))
}

func (j *LedgerIntegrityJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
