package transactions

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/stockbook/stockbook/internal/shared"
)

type memoryRepo struct {
	stock   map[string]int64
	records map[uuid.UUID]Record
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{stock: make(map[string]int64), records: make(map[uuid.UUID]Record)}
}

// WithTx gives the callback a view over the repo and restores the prior
// state when it fails, mirroring a database rollback.
func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	stockBefore := make(map[string]int64, len(r.stock))
	for k, v := range r.stock {
		stockBefore[k] = v
	}
	recordsBefore := make(map[uuid.UUID]Record, len(r.records))
	for k, v := range r.records {
		recordsBefore[k] = v
	}
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.stock = stockBefore
		r.records = recordsBefore
		return err
	}
	return nil
}

func (r *memoryRepo) GetRecord(ctx context.Context, id uuid.UUID) (Record, error) {
	rec, ok := r.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (r *memoryRepo) ListRecords(ctx context.Context, filter ListFilter) ([]Record, int, error) {
	var result []Record
	for _, rec := range r.records {
		if rec.Type != filter.Type {
			continue
		}
		if filter.Invoice != "" && rec.Invoice != filter.Invoice {
			continue
		}
		result = append(result, rec)
	}
	return result, len(result), nil
}

func (tx *memoryTx) LockStockLevel(ctx context.Context, productKey string) (int64, error) {
	return tx.repo.stock[productKey], nil
}

func (tx *memoryTx) SetStockLevel(ctx context.Context, productKey string, quantity int64) error {
	tx.repo.stock[productKey] = quantity
	return nil
}

func (tx *memoryTx) GetRecordForUpdate(ctx context.Context, id uuid.UUID) (Record, error) {
	rec, ok := tx.repo.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (tx *memoryTx) InsertRecord(ctx context.Context, rec Record) error {
	for _, existing := range tx.repo.records {
		if existing.Type == rec.Type && existing.Invoice == rec.Invoice {
			return ErrDuplicateInvoice
		}
	}
	tx.repo.records[rec.ID] = rec
	return nil
}

func (tx *memoryTx) UpdateRecord(ctx context.Context, rec Record) error {
	if _, ok := tx.repo.records[rec.ID]; !ok {
		return ErrNotFound
	}
	tx.repo.records[rec.ID] = rec
	return nil
}

func (tx *memoryTx) DeleteRecord(ctx context.Context, id uuid.UUID) error {
	if _, ok := tx.repo.records[id]; !ok {
		return ErrNotFound
	}
	delete(tx.repo.records, id)
	return nil
}

// translatingRepo routes callback errors through the same SQLSTATE
// translation the pg repository applies on commit and rollback paths.
type translatingRepo struct {
	*memoryRepo
}

func (r *translatingRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return translateError(r.memoryRepo.WithTx(ctx, fn))
}

// serialRepo serializes WithTx calls the way per-product row locks do in
// Postgres, so goroutines exercising the service see consistent
// validate-then-apply windows.
type serialRepo struct {
	*memoryRepo
	mu sync.Mutex
}

func (r *serialRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.memoryRepo.WithTx(ctx, fn)
}

type memoryAudit struct {
	entries []shared.AuditLog
}

func (a *memoryAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.entries = append(a.entries, log)
	return nil
}

func (a *memoryAudit) actions() []string {
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Action
	}
	return out
}

func price(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestCreatePurchaseIncrementsStock(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil)
	ctx := context.Background()

	rec, err := svc.Create(ctx, CreateInput{
		Type:             TypePurchase,
		Invoice:          "PUR-001",
		CounterpartyName: "Acme Supplies",
		Lines: []LineInput{
			{ProductKey: "widget", Quantity: 10, UnitPrice: price("12.50")},
			{ProductKey: "gadget", Quantity: 4, UnitPrice: price("3.00")},
		},
		Actor: "alice",
	})
	require.NoError(t, err)
	require.Equal(t, int64(10), repo.stock["widget"])
	require.Equal(t, int64(4), repo.stock["gadget"])
	require.NotNil(t, rec.Subtotal)
	require.True(t, rec.Subtotal.Equal(decimal.RequireFromString("137.00")))
	require.Equal(t, "alice", rec.CreatedBy)
}

func TestCreateSaleValidatesAvailability(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateInput{
		Type:             TypePurchase,
		Invoice:          "PUR-001",
		CounterpartyName: "Acme Supplies",
		Lines:            []LineInput{{ProductKey: "widget", Quantity: 5}},
	})
	require.NoError(t, err)

	_, err = svc.Create(ctx, CreateInput{
		Type:             TypeSale,
		Invoice:          "SAL-001",
		CounterpartyName: "Bob's Hardware",
		Lines:            []LineInput{{ProductKey: "widget", Quantity: 6}},
	})
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, int64(5), insufficient.Available)
	require.Equal(t, int64(6), insufficient.Requested)

	// Rejected sale leaves no trace: stock unchanged, no record stored.
	require.Equal(t, int64(5), repo.stock["widget"])
	_, total, err := svc.List(ctx, ListFilter{Type: TypeSale})
	require.NoError(t, err)
	require.Zero(t, total)
}

func TestDeleteRestoresStock(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateInput{
		Type:             TypePurchase,
		Invoice:          "PUR-001",
		CounterpartyName: "Acme Supplies",
		Lines:            []LineInput{{ProductKey: "widget", Quantity: 10}},
	})
	require.NoError(t, err)

	sale, err := svc.Create(ctx, CreateInput{
		Type:             TypeSale,
		Invoice:          "SAL-001",
		CounterpartyName: "Bob's Hardware",
		Lines:            []LineInput{{ProductKey: "widget", Quantity: 7}},
	})
	require.NoError(t, err)
	require.Equal(t, int64(3), repo.stock["widget"])

	require.NoError(t, svc.Delete(ctx, sale.ID, TypeSale, "alice"))
	require.Equal(t, int64(10), repo.stock["widget"])

	_, err = svc.Get(ctx, sale.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateReconcilesWithoutDoubleCounting(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil)
	ctx := context.Background()

	purchase, err := svc.Create(ctx, CreateInput{
		Type:             TypePurchase,
		Invoice:          "PUR-001",
		CounterpartyName: "Acme Supplies",
		Lines:            []LineInput{{ProductKey: "widget", Quantity: 10}},
	})
	require.NoError(t, err)

	newLines := []LineInput{{ProductKey: "widget", Quantity: 15}}
	updated, err := svc.Update(ctx, purchase.ID, UpdateInput{Lines: &newLines, Actor: "alice"})
	require.NoError(t, err)
	require.Equal(t, int64(15), repo.stock["widget"])
	require.Len(t, updated.Lines, 1)
	require.Equal(t, int64(15), updated.Lines[0].Quantity)
}

func TestUpdateSwapsProducts(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil)
	ctx := context.Background()

	purchase, err := svc.Create(ctx, CreateInput{
		Type:             TypePurchase,
		Invoice:          "PUR-001",
		CounterpartyName: "Acme Supplies",
		Lines:            []LineInput{{ProductKey: "widget", Quantity: 10}},
	})
	require.NoError(t, err)

	newLines := []LineInput{{ProductKey: "gadget", Quantity: 6}}
	_, err = svc.Update(ctx, purchase.ID, UpdateInput{Lines: &newLines})
	require.NoError(t, err)
	require.Equal(t, int64(0), repo.stock["widget"])
	require.Equal(t, int64(6), repo.stock["gadget"])
}

func TestUpdateFailureRollsBackCompletely(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateInput{
		Type:             TypePurchase,
		Invoice:          "PUR-001",
		CounterpartyName: "Acme Supplies",
		Lines:            []LineInput{{ProductKey: "widget", Quantity: 10}},
	})
	require.NoError(t, err)

	sale, err := svc.Create(ctx, CreateInput{
		Type:             TypeSale,
		Invoice:          "SAL-001",
		CounterpartyName: "Bob's Hardware",
		Lines:            []LineInput{{ProductKey: "widget", Quantity: 4}},
	})
	require.NoError(t, err)
	require.Equal(t, int64(6), repo.stock["widget"])

	// Raising the sale beyond reverted availability (10) must fail and
	// leave both the ledger and the record untouched.
	newLines := []LineInput{{ProductKey: "widget", Quantity: 11}}
	_, err = svc.Update(ctx, sale.ID, UpdateInput{Lines: &newLines})
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, int64(6), repo.stock["widget"])

	current, err := svc.Get(ctx, sale.ID)
	require.NoError(t, err)
	require.Equal(t, int64(4), current.Lines[0].Quantity)
}

func TestDamageReturnNeverTouchesStock(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil)
	ctx := context.Background()

	rec, err := svc.Create(ctx, CreateInput{
		Type:             TypeDamageReturn,
		Invoice:          "DMG-001",
		CounterpartyName: "Bob's Hardware",
		Lines:            []LineInput{{ProductKey: "widget", Quantity: 3}},
	})
	require.NoError(t, err)
	require.Empty(t, repo.stock)

	require.NoError(t, svc.Delete(ctx, rec.ID, TypeDamageReturn, "alice"))
	require.Empty(t, repo.stock)
}

func TestDeleteClampsReversalAtZero(t *testing.T) {
	repo := newMemoryRepo()
	audit := &memoryAudit{}
	svc := NewService(repo, audit, nil, nil, nil)
	ctx := context.Background()

	purchase, err := svc.Create(ctx, CreateInput{
		Type:             TypePurchase,
		Invoice:          "PUR-001",
		CounterpartyName: "Acme Supplies",
		Lines:            []LineInput{{ProductKey: "widget", Quantity: 10}},
		Actor:            "alice",
	})
	require.NoError(t, err)

	_, err = svc.Create(ctx, CreateInput{
		Type:             TypeSale,
		Invoice:          "SAL-001",
		CounterpartyName: "Bob's Hardware",
		Lines:            []LineInput{{ProductKey: "widget", Quantity: 8}},
		Actor:            "alice",
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), repo.stock["widget"])

	// Reversing -10 from a balance of 2 clamps at zero; the lost 8
	// units show up in the audit trail.
	require.NoError(t, svc.Delete(ctx, purchase.ID, TypePurchase, "carol"))
	require.Equal(t, int64(0), repo.stock["widget"])
	require.Contains(t, audit.actions(), "stock:clamp")

	var clamp shared.AuditLog
	for _, e := range audit.entries {
		if e.Action == "stock:clamp" {
			clamp = e
		}
	}
	require.Equal(t, "carol", clamp.Actor)
	require.Equal(t, "widget", clamp.EntityID)
	require.EqualValues(t, 8, clamp.Meta["lost_quantity"])
}

func TestCreateRejectsDuplicateInvoicePerType(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateInput{
		Type:             TypePurchase,
		Invoice:          "INV-1",
		CounterpartyName: "Acme Supplies",
		Lines:            []LineInput{{ProductKey: "widget", Quantity: 1}},
	})
	require.NoError(t, err)

	_, err = svc.Create(ctx, CreateInput{
		Type:             TypePurchase,
		Invoice:          "INV-1",
		CounterpartyName: "Acme Supplies",
		Lines:            []LineInput{{ProductKey: "widget", Quantity: 1}},
	})
	require.ErrorIs(t, err, ErrDuplicateInvoice)

	// The duplicate never reaches the ledger.
	require.Equal(t, int64(1), repo.stock["widget"])

	// Same invoice on a different kind is fine.
	_, err = svc.Create(ctx, CreateInput{
		Type:             TypeSale,
		Invoice:          "INV-1",
		CounterpartyName: "Bob's Hardware",
		Lines:            []LineInput{{ProductKey: "widget", Quantity: 1}},
	})
	require.NoError(t, err)
}

func TestUpdateGuardsCollectionType(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil)
	ctx := context.Background()

	purchase, err := svc.Create(ctx, CreateInput{
		Type:             TypePurchase,
		Invoice:          "PUR-001",
		CounterpartyName: "Acme Supplies",
		Lines:            []LineInput{{ProductKey: "widget", Quantity: 10}},
	})
	require.NoError(t, err)

	invoice := "SAL-999"
	_, err = svc.Update(ctx, purchase.ID, UpdateInput{ExpectedType: TypeSale, Invoice: &invoice})
	require.ErrorIs(t, err, ErrNotFound)

	err = svc.Delete(ctx, purchase.ID, TypeSale, "alice")
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, int64(10), repo.stock["widget"])
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateInput{Type: Type("GIFT"), Invoice: "X"})
	require.ErrorIs(t, err, ErrInvalidType)

	_, err = svc.Create(ctx, CreateInput{
		Type:             TypePurchase,
		Invoice:          "PUR-001",
		CounterpartyName: "Acme Supplies",
		Lines:            []LineInput{{ProductKey: "widget", Quantity: 0}},
	})
	require.ErrorIs(t, err, ErrInvalidQuantity)

	negative := decimal.RequireFromString("-1")
	_, err = svc.Create(ctx, CreateInput{
		Type:             TypePurchase,
		Invoice:          "PUR-001",
		CounterpartyName: "Acme Supplies",
		Lines:            []LineInput{{ProductKey: "widget", Quantity: 1, UnitPrice: &negative}},
	})
	require.ErrorIs(t, err, ErrInvalidUnitPrice)
}

func TestUpdateNegativePriceSurvivesErrorTranslation(t *testing.T) {
	// Update builds lines inside the transaction, so its validation
	// errors pass through the repository's error translation. They must
	// come out with the chain intact, not rewrapped as a store failure.
	repo := &translatingRepo{memoryRepo: newMemoryRepo()}
	svc := NewService(repo, nil, nil, nil, nil)
	ctx := context.Background()

	purchase, err := svc.Create(ctx, CreateInput{
		Type:             TypePurchase,
		Invoice:          "PUR-001",
		CounterpartyName: "Acme Supplies",
		Lines:            []LineInput{{ProductKey: "widget", Quantity: 10}},
	})
	require.NoError(t, err)

	negative := decimal.RequireFromString("-2")
	newLines := []LineInput{{ProductKey: "widget", Quantity: 5, UnitPrice: &negative}}
	_, err = svc.Update(ctx, purchase.ID, UpdateInput{Lines: &newLines})
	require.ErrorIs(t, err, ErrInvalidUnitPrice)
	require.NotErrorIs(t, err, ErrStoreUnavailable)

	// The failed update rolled back; stock untouched.
	require.Equal(t, int64(10), repo.stock["widget"])
}

func TestConcurrentSalesNeverOversell(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(&serialRepo{memoryRepo: repo}, nil, nil, nil, nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateInput{
		Type:             TypePurchase,
		Invoice:          "PUR-001",
		CounterpartyName: "Acme Supplies",
		Lines:            []LineInput{{ProductKey: "widget", Quantity: 5}},
	})
	require.NoError(t, err)

	// Two concurrent sales of 3 against 5 on hand: exactly one wins.
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func(n int) {
			_, err := svc.Create(ctx, CreateInput{
				Type:             TypeSale,
				Invoice:          fmt.Sprintf("SAL-%03d", n),
				CounterpartyName: "Bob's Hardware",
				Lines:            []LineInput{{ProductKey: "widget", Quantity: 3}},
			})
			results <- err
		}(i)
	}

	var succeeded, rejected int
	for i := 0; i < 2; i++ {
		err := <-results
		if err == nil {
			succeeded++
			continue
		}
		var insufficient *InsufficientStockError
		require.ErrorAs(t, err, &insufficient)
		rejected++
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 1, rejected)
	require.Equal(t, int64(2), repo.stock["widget"])
	require.GreaterOrEqual(t, repo.stock["widget"], int64(0))
}
