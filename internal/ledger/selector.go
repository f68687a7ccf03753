package ledger

import "sort"

// AvailableLots filters lots down to those eligible for consumption and
// orders them by policy. FIFO sorts ascending acquisition time, LIFO is the
// exact reverse; the lot ID (insertion sequence) breaks timestamp ties so the
// ordering is deterministic. The input slice is not modified.
func AvailableLots(lots []Lot, policy Policy) []Lot {
	eligible := make([]Lot, 0, len(lots))
	for _, lot := range lots {
		if lot.Status != LotStatusActive || lot.QuantityRemaining <= 0 {
			continue
		}
		eligible = append(eligible, lot)
	}

	switch policy.Normalize() {
	case PolicyLIFO:
		sort.SliceStable(eligible, func(i, j int) bool {
			if !eligible[i].CreatedAt.Equal(eligible[j].CreatedAt) {
				return eligible[i].CreatedAt.After(eligible[j].CreatedAt)
			}
			return eligible[i].ID > eligible[j].ID
		})
	default:
		sort.SliceStable(eligible, func(i, j int) bool {
			if !eligible[i].CreatedAt.Equal(eligible[j].CreatedAt) {
				return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
			}
			return eligible[i].ID < eligible[j].ID
		})
	}
	return eligible
}
