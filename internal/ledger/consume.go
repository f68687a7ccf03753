package ledger

// Consume greedily allocates a requested quantity across the eligible lots in
// policy order. It is pure with respect to its inputs: no storage is touched,
// the caller applies the returned allocations atomically via the repository.
func Consume(lots []Lot, requested float64, policy Policy) (Consumption, error) {
	if requested <= 0 {
		return Consumption{}, ErrInvalidQuantity
	}
	ordered := AvailableLots(lots, policy)
	if len(ordered) == 0 {
		return Consumption{}, ErrNoStockAvailable
	}

	result := Consumption{Allocations: make([]Allocation, 0, len(ordered))}
	remainingNeeded := requested
	for _, lot := range ordered {
		if remainingNeeded == 0 {
			break
		}
		take := remainingNeeded
		if lot.QuantityRemaining < take {
			take = lot.QuantityRemaining
		}
		result.Allocations = append(result.Allocations, Allocation{
			LotID:            lot.ID,
			CostPriceAtTime:  lot.CostPricePerUnit,
			ConsumedQuantity: take,
			RemainingAfter:   lot.QuantityRemaining - take,
		})
		if result.PrimaryLotID == 0 {
			result.PrimaryLotID = lot.ID
		}
		result.TotalCost += take * lot.CostPricePerUnit
		result.TotalConsumed += take
		remainingNeeded -= take
	}

	if remainingNeeded > 0 {
		return Consumption{}, &InsufficientStockError{
			Needed:    requested,
			Available: requested - remainingNeeded,
		}
	}
	if result.TotalConsumed > 0 {
		result.AverageCostPrice = result.TotalCost / result.TotalConsumed
	}
	return result, nil
}
