package transactions

// validateAvailability is the gate run before debit deltas are applied.
// available must be a consistent snapshot: the caller holds row locks on
// every referenced product for the duration of validate-then-apply.
// Credit deltas never fail here.
func validateAvailability(deltas []Delta, available map[string]int64) error {
	for _, d := range deltas {
		if d.Quantity >= 0 {
			continue
		}
		requested := -d.Quantity
		if avail := available[d.ProductKey]; avail < requested {
			return &InsufficientStockError{ProductKey: d.ProductKey, Available: avail, Requested: requested}
		}
	}
	return nil
}
