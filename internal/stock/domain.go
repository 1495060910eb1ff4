package stock

import (
	"errors"
	"time"
)

// Entry is the current on-hand quantity for one product. Entries are
// created lazily by the reconciliation engine and never deleted; a
// quantity of zero is a valid, persistent state.
type Entry struct {
	ProductKey string    `json:"product_key"`
	Quantity   int64     `json:"quantity"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ErrNotFound indicates no ledger entry exists for the product key.
var ErrNotFound = errors.New("stock: entry not found")
