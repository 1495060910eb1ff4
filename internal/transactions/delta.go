package transactions

import (
	"fmt"
	"sort"
)

// Delta is a signed quantity change for one product.
type Delta struct {
	ProductKey string
	Quantity   int64
}

// Deltas maps a transaction kind and its line items to signed per-product
// quantity changes. Pure: no I/O, no ledger access. Lines referencing the
// same product are merged so each product is locked and adjusted once.
// Damage returns produce no deltas.
func Deltas(t Type, lines []LineItem) ([]Delta, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, t)
	}
	for _, line := range lines {
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: product %q", ErrInvalidQuantity, line.ProductKey)
		}
	}
	dir := t.Direction()
	if dir == 0 {
		return nil, nil
	}
	merged := make(map[string]int64, len(lines))
	for _, line := range lines {
		merged[line.ProductKey] += dir * line.Quantity
	}
	deltas := make([]Delta, 0, len(merged))
	for key, qty := range merged {
		deltas = append(deltas, Delta{ProductKey: key, Quantity: qty})
	}
	// Stable product order keeps lock acquisition deterministic.
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].ProductKey < deltas[j].ProductKey })
	return deltas, nil
}

// Reverse negates a set of deltas. Used by Update and Delete to undo a
// transaction's original effect before removing or re-applying it.
func Reverse(deltas []Delta) []Delta {
	reversed := make([]Delta, len(deltas))
	for i, d := range deltas {
		reversed[i] = Delta{ProductKey: d.ProductKey, Quantity: -d.Quantity}
	}
	return reversed
}
