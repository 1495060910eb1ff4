package transactions

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type enumerates the supported stock-affecting transaction kinds.
type Type string

const (
	// TypePurchase records stock bought from a supplier.
	TypePurchase Type = "PURCHASE"
	// TypePurchaseReturn records stock sent back to a supplier.
	TypePurchaseReturn Type = "PURCHASE_RETURN"
	// TypeSale records stock sold to a customer.
	TypeSale Type = "SALE"
	// TypeSaleReturn records stock returned by a customer.
	TypeSaleReturn Type = "SALE_RETURN"
	// TypeDamageReturn records damaged goods returned by a customer.
	// It never touches the stock ledger; the record is the audit trail.
	TypeDamageReturn Type = "DAMAGE_RETURN"
)

// Types lists every transaction kind in a stable order.
var Types = []Type{TypePurchase, TypePurchaseReturn, TypeSale, TypeSaleReturn, TypeDamageReturn}

// Valid reports whether t is a known transaction kind.
func (t Type) Valid() bool {
	switch t {
	case TypePurchase, TypePurchaseReturn, TypeSale, TypeSaleReturn, TypeDamageReturn:
		return true
	}
	return false
}

// Direction returns the sign applied to line quantities when the
// transaction hits the stock ledger: +1 stock in, -1 stock out, 0 none.
func (t Type) Direction() int64 {
	switch t {
	case TypePurchase, TypeSaleReturn:
		return 1
	case TypeSale, TypePurchaseReturn:
		return -1
	default:
		return 0
	}
}

// Debit reports whether the transaction removes stock and therefore
// requires availability validation before it is applied.
func (t Type) Debit() bool {
	return t.Direction() < 0
}

// LineItem is one product movement within a transaction.
type LineItem struct {
	ProductKey string
	Quantity   int64
	UnitPrice  *decimal.Decimal
	TotalPrice *decimal.Decimal
}

// Record is a persisted stock transaction of any kind.
type Record struct {
	ID                  uuid.UUID
	Type                Type
	Invoice             string
	CounterpartyName    string
	CounterpartyContact string
	BuyerGST            string
	Lines               []LineItem
	Subtotal            *decimal.Decimal
	CreatedBy           string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

var (
	// ErrNotFound indicates the transaction id does not exist.
	ErrNotFound = errors.New("transactions: not found")
	// ErrInvalidType indicates an unknown transaction kind.
	ErrInvalidType = errors.New("transactions: unknown transaction type")
	// ErrInvalidQuantity indicates a non-positive line quantity.
	ErrInvalidQuantity = errors.New("transactions: quantity must be positive")
	// ErrInvalidUnitPrice indicates a negative unit price.
	ErrInvalidUnitPrice = errors.New("transactions: unit price must be >= 0")
	// ErrDuplicateInvoice indicates the invoice number is already used
	// by another transaction of the same kind.
	ErrDuplicateInvoice = errors.New("transactions: invoice already exists for this type")
	// ErrConcurrentModification indicates the per-product lock could not
	// be obtained within the configured wait; the caller may retry.
	ErrConcurrentModification = errors.New("transactions: concurrent stock modification")
	// ErrStoreUnavailable indicates an underlying persistence failure.
	ErrStoreUnavailable = errors.New("transactions: store unavailable")
)

// InsufficientStockError rejects a debit transaction whose requested
// quantity exceeds the available stock for a product.
type InsufficientStockError struct {
	ProductKey string
	Available  int64
	Requested  int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %q: available %d, requested %d", e.ProductKey, e.Available, e.Requested)
}
