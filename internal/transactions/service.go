package transactions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stockbook/stockbook/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetRecord(ctx context.Context, id uuid.UUID) (Record, error)
	ListRecords(ctx context.Context, filter ListFilter) ([]Record, int, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// CacheInvalidator drops cached stock reads after a committed mutation.
type CacheInvalidator interface {
	InvalidateStock(ctx context.Context, productKeys []string) error
}

// MetricsPort records reconciliation outcomes.
type MetricsPort interface {
	ObserveReconcile(txType, op, outcome string)
	ObserveClamp()
}

// Service is the reconciliation engine. It owns the reversal protocol:
// every edit or delete first applies the inverse of the record's original
// deltas, then (for edits) validates and applies the new ones, all inside
// one database transaction.
type Service struct {
	repo    RepositoryPort
	audit   AuditPort
	cache   CacheInvalidator
	metrics MetricsPort
	logger  *slog.Logger
}

// NewService builds Service. audit, cache and metrics may be nil.
func NewService(repo RepositoryPort, audit AuditPort, cache CacheInvalidator, metrics MetricsPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, cache: cache, metrics: metrics, logger: logger}
}

// LineInput is one requested product movement.
type LineInput struct {
	ProductKey string
	Quantity   int64
	UnitPrice  *decimal.Decimal
}

// CreateInput describes a new transaction of any kind.
type CreateInput struct {
	Type                Type
	Invoice             string
	CounterpartyName    string
	CounterpartyContact string
	BuyerGST            string
	Lines               []LineInput
	Actor               string
}

// UpdateInput carries the replacement values for an existing transaction.
// Nil fields keep their current value; a nil Lines leaves the stock ledger
// untouched.
type UpdateInput struct {
	// ExpectedType, when set, requires the stored record to be of this
	// kind; a mismatch surfaces as ErrNotFound. Guards collection routes.
	ExpectedType        Type
	Invoice             *string
	CounterpartyName    *string
	CounterpartyContact *string
	BuyerGST            *string
	Lines               *[]LineInput
	Actor               string
}

type clampEvent struct {
	ProductKey string
	Lost       int64
}

// Create validates, applies deltas to the stock ledger and persists the
// record, all-or-nothing. Validation failure leaves no trace.
func (s *Service) Create(ctx context.Context, input CreateInput) (Record, error) {
	if !input.Type.Valid() {
		return Record{}, fmt.Errorf("%w: %q", ErrInvalidType, input.Type)
	}
	lines, subtotal, err := buildLines(input.Type, input.Lines)
	if err != nil {
		return Record{}, err
	}
	deltas, err := Deltas(input.Type, lines)
	if err != nil {
		return Record{}, err
	}
	now := time.Now().UTC()
	rec := Record{
		ID:                  uuid.New(),
		Type:                input.Type,
		Invoice:             input.Invoice,
		CounterpartyName:    input.CounterpartyName,
		CounterpartyContact: input.CounterpartyContact,
		BuyerGST:            input.BuyerGST,
		Lines:               lines,
		Subtotal:            subtotal,
		CreatedBy:           input.Actor,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := s.applyDeltas(ctx, tx, deltas, false); err != nil {
			return err
		}
		return tx.InsertRecord(ctx, rec)
	})
	s.observe(input.Type, "create", err)
	if err != nil {
		return Record{}, err
	}
	s.afterCommit(ctx, "transaction:create", input.Actor, rec, productKeys(deltas), nil)
	return rec, nil
}

// Update replaces a transaction's line items using reversal-then-reapply:
// the original deltas are inverted, the new lines are validated against
// the reverted stock state, then applied. A failure at any step rolls the
// whole transaction back, leaving the ledger exactly as before the call.
func (s *Service) Update(ctx context.Context, id uuid.UUID, input UpdateInput) (Record, error) {
	var updated Record
	var touched []string
	var clamps []clampEvent
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.GetRecordForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if input.ExpectedType != "" && existing.Type != input.ExpectedType {
			return ErrNotFound
		}
		updated = existing
		if input.Invoice != nil {
			updated.Invoice = *input.Invoice
		}
		if input.CounterpartyName != nil {
			updated.CounterpartyName = *input.CounterpartyName
		}
		if input.CounterpartyContact != nil {
			updated.CounterpartyContact = *input.CounterpartyContact
		}
		if input.BuyerGST != nil {
			updated.BuyerGST = *input.BuyerGST
		}
		if input.Lines != nil {
			oldDeltas, err := Deltas(existing.Type, existing.Lines)
			if err != nil {
				return err
			}
			newLines, subtotal, err := buildLines(existing.Type, *input.Lines)
			if err != nil {
				return err
			}
			newDeltas, err := Deltas(existing.Type, newLines)
			if err != nil {
				return err
			}
			clamps, err = s.applyDeltas(ctx, tx, Reverse(oldDeltas), true)
			if err != nil {
				return err
			}
			if _, err := s.applyDeltas(ctx, tx, newDeltas, false); err != nil {
				return err
			}
			updated.Lines = newLines
			updated.Subtotal = subtotal
			touched = mergeKeys(productKeys(oldDeltas), productKeys(newDeltas))
		}
		updated.UpdatedAt = time.Now().UTC()
		return tx.UpdateRecord(ctx, updated)
	})
	s.observe(updated.Type, "update", err)
	if err != nil {
		return Record{}, err
	}
	s.afterCommit(ctx, "transaction:update", input.Actor, updated, touched, clamps)
	return updated, nil
}

// Delete applies the inverse of the record's deltas and removes it. A
// reversal that would drive a quantity negative is clamped at zero; the
// clamped loss is audited and counted rather than silently discarded.
func (s *Service) Delete(ctx context.Context, id uuid.UUID, expected Type, actor string) error {
	var deleted Record
	var touched []string
	var clamps []clampEvent
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.GetRecordForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if expected != "" && existing.Type != expected {
			return ErrNotFound
		}
		deleted = existing
		deltas, err := Deltas(existing.Type, existing.Lines)
		if err != nil {
			return err
		}
		clamps, err = s.applyDeltas(ctx, tx, Reverse(deltas), true)
		if err != nil {
			return err
		}
		touched = productKeys(deltas)
		return tx.DeleteRecord(ctx, id)
	})
	s.observe(deleted.Type, "delete", err)
	if err != nil {
		return err
	}
	s.afterCommit(ctx, "transaction:delete", actor, deleted, touched, clamps)
	return nil
}

// Get returns one transaction. Never touches the stock ledger.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Record, error) {
	return s.repo.GetRecord(ctx, id)
}

// List returns transactions of one kind plus the total count.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Record, int, error) {
	if !filter.Type.Valid() {
		return nil, 0, fmt.Errorf("%w: %q", ErrInvalidType, filter.Type)
	}
	return s.repo.ListRecords(ctx, filter)
}

// applyDeltas locks every referenced product in sorted key order, runs the
// validation gate against the locked snapshot (unless clamping, i.e. a
// reversal), then writes the new quantities. Lock order plus the bounded
// lock wait in the repository rule out interleaved read-modify-write.
func (s *Service) applyDeltas(ctx context.Context, tx TxRepository, deltas []Delta, clamp bool) ([]clampEvent, error) {
	if len(deltas) == 0 {
		return nil, nil
	}
	sorted := make([]Delta, len(deltas))
	copy(sorted, deltas)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ProductKey < sorted[j].ProductKey })

	available := make(map[string]int64, len(sorted))
	for _, d := range sorted {
		qty, err := tx.LockStockLevel(ctx, d.ProductKey)
		if err != nil {
			return nil, err
		}
		available[d.ProductKey] = qty
	}
	if !clamp {
		if err := validateAvailability(sorted, available); err != nil {
			return nil, err
		}
	}
	var clamps []clampEvent
	for _, d := range sorted {
		next := available[d.ProductKey] + d.Quantity
		if next < 0 {
			clamps = append(clamps, clampEvent{ProductKey: d.ProductKey, Lost: -next})
			next = 0
		}
		if err := tx.SetStockLevel(ctx, d.ProductKey, next); err != nil {
			return nil, err
		}
		available[d.ProductKey] = next
	}
	return clamps, nil
}

func (s *Service) afterCommit(ctx context.Context, action, actor string, rec Record, keys []string, clamps []clampEvent) {
	if s.cache != nil && len(keys) > 0 {
		if err := s.cache.InvalidateStock(ctx, keys); err != nil {
			s.logger.Warn("stock cache invalidation failed", slog.Any("error", err))
		}
	}
	if s.audit != nil {
		err := s.audit.Record(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   action,
			Entity:   "stock_transaction",
			EntityID: rec.ID.String(),
			Meta: map[string]any{
				"tx_type":  string(rec.Type),
				"invoice":  rec.Invoice,
				"products": keys,
			},
		})
		if err != nil {
			s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
		}
	}
	for _, c := range clamps {
		if s.metrics != nil {
			s.metrics.ObserveClamp()
		}
		s.logger.Warn("stock reversal clamped at zero",
			slog.String("product_key", c.ProductKey),
			slog.Int64("lost_quantity", c.Lost),
			slog.String("transaction_id", rec.ID.String()))
		if s.audit != nil {
			_ = s.audit.Record(ctx, shared.AuditLog{
				Actor:    actor,
				Action:   "stock:clamp",
				Entity:   "stock_level",
				EntityID: c.ProductKey,
				Meta:     map[string]any{"lost_quantity": c.Lost, "transaction_id": rec.ID.String()},
			})
		}
	}
}

func (s *Service) observe(txType Type, op string, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "ok"
	var insufficient *InsufficientStockError
	switch {
	case err == nil:
	case errors.As(err, &insufficient):
		outcome = "insufficient_stock"
	case errors.Is(err, ErrConcurrentModification):
		outcome = "conflict"
	case errors.Is(err, ErrNotFound):
		outcome = "not_found"
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidType), errors.Is(err, ErrInvalidUnitPrice), errors.Is(err, ErrDuplicateInvoice):
		outcome = "invalid"
	default:
		outcome = "error"
	}
	s.metrics.ObserveReconcile(string(txType), op, outcome)
}

// buildLines converts inputs to line items, computing per-line totals and,
// for purchases, the derived subtotal.
func buildLines(t Type, inputs []LineInput) ([]LineItem, *decimal.Decimal, error) {
	lines := make([]LineItem, 0, len(inputs))
	subtotal := decimal.Zero
	priced := false
	for _, in := range inputs {
		if in.Quantity <= 0 {
			return nil, nil, fmt.Errorf("%w: product %q", ErrInvalidQuantity, in.ProductKey)
		}
		line := LineItem{ProductKey: in.ProductKey, Quantity: in.Quantity}
		if in.UnitPrice != nil {
			if in.UnitPrice.IsNegative() {
				return nil, nil, fmt.Errorf("%w: product %q", ErrInvalidUnitPrice, in.ProductKey)
			}
			price := *in.UnitPrice
			total := price.Mul(decimal.NewFromInt(in.Quantity))
			line.UnitPrice = &price
			line.TotalPrice = &total
			subtotal = subtotal.Add(total)
			priced = true
		}
		lines = append(lines, line)
	}
	if t == TypePurchase && priced {
		return lines, &subtotal, nil
	}
	return lines, nil, nil
}

func productKeys(deltas []Delta) []string {
	keys := make([]string, len(deltas))
	for i, d := range deltas {
		keys[i] = d.ProductKey
	}
	return keys
}

func mergeKeys(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	merged := make([]string, 0, len(a)+len(b))
	for _, keys := range [][]string{a, b} {
		for _, k := range keys {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			merged = append(merged, k)
		}
	}
	return merged
}
