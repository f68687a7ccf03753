package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAvailableLotsFiltersIneligible(t *testing.T) {
	lots := []Lot{
		{ID: 1, Status: LotStatusActive, QuantityRemaining: 5, CreatedAt: time.UnixMilli(100)},
		{ID: 2, Status: LotStatusDepleted, QuantityRemaining: 0, CreatedAt: time.UnixMilli(200)},
		{ID: 3, Status: LotStatusActive, QuantityRemaining: 0, CreatedAt: time.UnixMilli(300)},
		{ID: 4, Status: LotStatusCorrected, QuantityRemaining: 9, CreatedAt: time.UnixMilli(400)},
		{ID: 5, Status: LotStatusActive, QuantityRemaining: 2, CreatedAt: time.UnixMilli(500)},
	}

	eligible := AvailableLots(lots, PolicyFIFO)
	require.Len(t, eligible, 2)
	require.Equal(t, int64(1), eligible[0].ID)
	require.Equal(t, int64(5), eligible[1].ID)
}

func TestAvailableLotsFIFOOrdering(t *testing.T) {
	lots := []Lot{
		{ID: 2, Status: LotStatusActive, QuantityRemaining: 1, CreatedAt: time.UnixMilli(2000)},
		{ID: 3, Status: LotStatusActive, QuantityRemaining: 1, CreatedAt: time.UnixMilli(3000)},
		{ID: 1, Status: LotStatusActive, QuantityRemaining: 1, CreatedAt: time.UnixMilli(1000)},
	}

	fifo := AvailableLots(lots, PolicyFIFO)
	require.Equal(t, []int64{1, 2, 3}, lotIDs(fifo))

	lifo := AvailableLots(lots, PolicyLIFO)
	require.Equal(t, []int64{3, 2, 1}, lotIDs(lifo))
}

func TestAvailableLotsTieBreakByInsertionOrder(t *testing.T) {
	at := time.UnixMilli(5000)
	lots := []Lot{
		{ID: 11, Status: LotStatusActive, QuantityRemaining: 1, CreatedAt: at},
		{ID: 12, Status: LotStatusActive, QuantityRemaining: 1, CreatedAt: at},
		{ID: 13, Status: LotStatusActive, QuantityRemaining: 1, CreatedAt: at},
	}

	fifo := AvailableLots(lots, PolicyFIFO)
	require.Equal(t, []int64{11, 12, 13}, lotIDs(fifo))

	// LIFO is the exact reverse of FIFO, ties included.
	lifo := AvailableLots(lots, PolicyLIFO)
	require.Equal(t, []int64{13, 12, 11}, lotIDs(lifo))
}

func TestAvailableLotsDefaultPolicyIsFIFO(t *testing.T) {
	lots := []Lot{
		{ID: 2, Status: LotStatusActive, QuantityRemaining: 1, CreatedAt: time.UnixMilli(2000)},
		{ID: 1, Status: LotStatusActive, QuantityRemaining: 1, CreatedAt: time.UnixMilli(1000)},
	}

	got := AvailableLots(lots, "")
	require.Equal(t, []int64{1, 2}, lotIDs(got))
	require.Equal(t, PolicyFIFO, Policy("").Normalize())
	require.Equal(t, PolicyFIFO, Policy("weird").Normalize())
}

func TestAvailableLotsDoesNotMutateInput(t *testing.T) {
	lots := []Lot{
		{ID: 2, Status: LotStatusActive, QuantityRemaining: 1, CreatedAt: time.UnixMilli(2000)},
		{ID: 1, Status: LotStatusActive, QuantityRemaining: 1, CreatedAt: time.UnixMilli(1000)},
	}

	_ = AvailableLots(lots, PolicyFIFO)
	require.Equal(t, int64(2), lots[0].ID)
}

func lotIDs(lots []Lot) []int64 {
	ids := make([]int64, 0, len(lots))
	for _, lot := range lots {
		ids = append(ids, lot.ID)
	}
	return ids
}
