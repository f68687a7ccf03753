package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lotledger/lotledger/internal/finance"
	"github.com/lotledger/lotledger/internal/shared"
)

type stockKey struct {
	productID int64
	ownerID   int64
}

type memoryRepo struct {
	lots       map[int64]Lot
	nextLotID  int64
	mutations  []MutationRecord
	nextMutID  int64
	stock      map[stockKey]float64
	entries    []finance.Entry
	nextEntryID int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{lots: make(map[int64]Lot), stock: make(map[stockKey]float64)}
}

type memoryTx struct {
	repo *memoryRepo
}

// WithTx snapshots the state and restores it when fn fails, mirroring the
// all-or-nothing behaviour of the SQL transaction.
func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	snapshot := r.clone()
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		*r = *snapshot
		return err
	}
	return nil
}

func (r *memoryRepo) clone() *memoryRepo {
	c := &memoryRepo{
		lots:        make(map[int64]Lot, len(r.lots)),
		nextLotID:   r.nextLotID,
		mutations:   append([]MutationRecord(nil), r.mutations...),
		nextMutID:   r.nextMutID,
		stock:       make(map[stockKey]float64, len(r.stock)),
		entries:     append([]finance.Entry(nil), r.entries...),
		nextEntryID: r.nextEntryID,
	}
	for id, lot := range r.lots {
		c.lots[id] = lot
	}
	for k, v := range r.stock {
		c.stock[k] = v
	}
	return c
}

func (r *memoryRepo) GetLot(ctx context.Context, lotID int64) (Lot, error) {
	lot, ok := r.lots[lotID]
	if !ok {
		return Lot{}, shared.ErrNotFound
	}
	return lot, nil
}

func (r *memoryRepo) ListLots(ctx context.Context, productID, ownerID int64) ([]Lot, error) {
	var lots []Lot
	for _, lot := range r.lots {
		if lot.ProductID == productID && (ownerID == 0 || lot.OwnerID == ownerID) {
			lots = append(lots, lot)
		}
	}
	return lots, nil
}

func (r *memoryRepo) ListMutations(ctx context.Context, filter MutationFilter) ([]MutationRecord, error) {
	var records []MutationRecord
	for _, rec := range r.mutations {
		if filter.LotID != 0 && rec.LotID != filter.LotID {
			continue
		}
		if filter.ProductID != 0 && rec.ProductID != filter.ProductID {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (r *memoryRepo) GetProductStock(ctx context.Context, productID, ownerID int64) (ProductStock, error) {
	return ProductStock{ProductID: productID, OwnerID: ownerID, Quantity: r.stock[stockKey{productID, ownerID}]}, nil
}

func (t *memoryTx) GetLotForUpdate(ctx context.Context, lotID int64) (Lot, error) {
	return t.repo.GetLot(ctx, lotID)
}

func (t *memoryTx) ListActiveLotsForUpdate(ctx context.Context, productID, ownerID int64) ([]Lot, error) {
	var lots []Lot
	for _, lot := range t.repo.lots {
		if lot.ProductID == productID && lot.OwnerID == ownerID &&
			lot.Status == LotStatusActive && lot.QuantityRemaining > 0 {
			lots = append(lots, lot)
		}
	}
	return lots, nil
}

func (t *memoryTx) InsertLot(ctx context.Context, lot Lot) (int64, error) {
	t.repo.nextLotID++
	lot.ID = t.repo.nextLotID
	t.repo.lots[lot.ID] = lot
	return lot.ID, nil
}

func (t *memoryTx) UpdateLot(ctx context.Context, lot Lot) error {
	current, ok := t.repo.lots[lot.ID]
	if !ok {
		return shared.ErrNotFound
	}
	if current.Version != lot.Version {
		return errVersionConflict
	}
	lot.Version++
	t.repo.lots[lot.ID] = lot
	return nil
}

func (t *memoryTx) AdjustProductStock(ctx context.Context, productID, ownerID int64, delta float64) error {
	t.repo.stock[stockKey{productID, ownerID}] += delta
	return nil
}

func (t *memoryTx) InsertMutation(ctx context.Context, record MutationRecord) (int64, error) {
	t.repo.nextMutID++
	record.ID = t.repo.nextMutID
	t.repo.mutations = append(t.repo.mutations, record)
	return record.ID, nil
}

func (t *memoryTx) InsertFinancialEntry(ctx context.Context, entry finance.Entry) (int64, error) {
	t.repo.nextEntryID++
	entry.ID = t.repo.nextEntryID
	t.repo.entries = append(t.repo.entries, entry)
	return entry.ID, nil
}

type countingMetrics struct {
	consumptions int
	conflicts    int
}

func (m *countingMetrics) IncConsumption() { m.consumptions++ }
func (m *countingMetrics) IncTxConflict()  { m.conflicts++ }

func newTestService(repo *memoryRepo) *Service {
	return NewService(repo, nil, nil, nil, nil)
}

func TestRestockCreatesLotAggregateAndRecord(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	lot, err := svc.Restock(ctx, RestockInput{ProductID: 7, OwnerID: 1, Quantity: 100, CostPrice: 10})
	require.NoError(t, err)
	require.Equal(t, LotStatusActive, lot.Status)
	require.InDelta(t, 100.0, lot.QuantityOriginal, 1e-9)
	require.InDelta(t, 100.0, lot.QuantityRemaining, 1e-9)

	require.InDelta(t, 100.0, repo.stock[stockKey{7, 1}], 1e-9)
	require.Len(t, repo.mutations, 1)
	require.Equal(t, ReasonRestock, repo.mutations[0].Reason)
	require.InDelta(t, 100.0, repo.mutations[0].DeltaQuantity, 1e-9)
	require.Empty(t, repo.entries)
}

func TestRestockValidationRunsBeforeMutation(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)

	_, err := svc.Restock(context.Background(), RestockInput{})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Violations, 4)
	require.Empty(t, repo.lots)
	require.Empty(t, repo.mutations)
}

func TestRestockCreditLotEmitsDebt(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)

	lot, err := svc.Restock(context.Background(), RestockInput{
		ProductID: 7, OwnerID: 1, Quantity: 100, CostPrice: 10,
		SupplierID: 42, IsCredit: true, IsOwnPurchase: false,
	})
	require.NoError(t, err)

	require.Len(t, repo.entries, 1)
	entry := repo.entries[0]
	require.Equal(t, finance.EntryTypeDebt, entry.Type)
	require.InDelta(t, 1000.0, entry.Amount, 1e-9)
	require.Equal(t, int64(42), entry.SupplierID)
	require.Equal(t, lot.ID, entry.LotID)
}

func TestRestockOwnPurchaseEmitsNoDebt(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)

	_, err := svc.Restock(context.Background(), RestockInput{
		ProductID: 7, OwnerID: 1, Quantity: 100, CostPrice: 10,
		SupplierID: 42, IsCredit: true, IsOwnPurchase: true,
	})
	require.NoError(t, err)
	require.Empty(t, repo.entries)
}

func TestRestockThenConsumeDrainsLot(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	lot, err := svc.Restock(ctx, RestockInput{ProductID: 7, OwnerID: 1, Quantity: 40, CostPrice: 5})
	require.NoError(t, err)

	result, err := svc.ConsumeStock(ctx, ConsumeInput{ProductID: 7, OwnerID: 1, Quantity: 40})
	require.NoError(t, err)
	require.Equal(t, lot.ID, result.PrimaryLotID)

	drained := repo.lots[lot.ID]
	require.InDelta(t, 0.0, drained.QuantityRemaining, 1e-9)
	require.Equal(t, LotStatusDepleted, drained.Status)
	require.InDelta(t, 0.0, repo.stock[stockKey{7, 1}], 1e-9)
}

func TestConsumeStockAppendsOneRecordPerLot(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Restock(ctx, RestockInput{ProductID: 7, OwnerID: 1, Quantity: 30, CostPrice: 10})
	require.NoError(t, err)
	_, err = svc.Restock(ctx, RestockInput{ProductID: 7, OwnerID: 1, Quantity: 50, CostPrice: 15})
	require.NoError(t, err)

	result, err := svc.ConsumeStock(ctx, ConsumeInput{ProductID: 7, OwnerID: 1, Quantity: 50})
	require.NoError(t, err)
	require.Len(t, result.Allocations, 2)

	var saleRecords []MutationRecord
	for _, rec := range repo.mutations {
		if rec.Reason == ReasonSaleConsumption {
			saleRecords = append(saleRecords, rec)
		}
	}
	require.Len(t, saleRecords, 2)
	require.InDelta(t, -30.0, saleRecords[0].DeltaQuantity, 1e-9)
	require.InDelta(t, -20.0, saleRecords[1].DeltaQuantity, 1e-9)
	// Consumption never produces supplier bookkeeping.
	require.Empty(t, repo.entries)
	require.InDelta(t, 30.0, repo.stock[stockKey{7, 1}], 1e-9)
}

func TestConsumeStockCountsMetric(t *testing.T) {
	repo := newMemoryRepo()
	metrics := &countingMetrics{}
	svc := NewService(repo, nil, nil, nil, metrics)
	ctx := context.Background()

	_, err := svc.Restock(ctx, RestockInput{ProductID: 7, OwnerID: 1, Quantity: 10, CostPrice: 1})
	require.NoError(t, err)
	_, err = svc.ConsumeStock(ctx, ConsumeInput{ProductID: 7, OwnerID: 1, Quantity: 5})
	require.NoError(t, err)
	require.Equal(t, 1, metrics.consumptions)
}

func TestAdjustNegativeRemainingHardFails(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	lot, err := svc.Restock(ctx, RestockInput{ProductID: 7, OwnerID: 1, Quantity: 10, CostPrice: 2})
	require.NoError(t, err)

	_, err = svc.Adjust(ctx, AdjustInput{LotID: lot.ID, OwnerID: 1, DeltaQuantity: -11})
	require.ErrorIs(t, err, ErrNegativeRemaining)

	// Nothing was clamped or partially applied.
	require.InDelta(t, 10.0, repo.lots[lot.ID].QuantityRemaining, 1e-9)
	require.InDelta(t, 10.0, repo.stock[stockKey{7, 1}], 1e-9)
	require.Len(t, repo.mutations, 1)
}

func TestAdjustEmitsDebtAndRefundForCreditLot(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	lot, err := svc.Restock(ctx, RestockInput{
		ProductID: 7, OwnerID: 1, Quantity: 10, CostPrice: 4,
		SupplierID: 9, IsCredit: true,
	})
	require.NoError(t, err)
	require.Len(t, repo.entries, 1) // restock debt

	_, err = svc.Adjust(ctx, AdjustInput{LotID: lot.ID, OwnerID: 1, DeltaQuantity: 5})
	require.NoError(t, err)
	require.Len(t, repo.entries, 2)
	require.Equal(t, finance.EntryTypeDebt, repo.entries[1].Type)
	require.InDelta(t, 20.0, repo.entries[1].Amount, 1e-9)

	_, err = svc.Adjust(ctx, AdjustInput{LotID: lot.ID, OwnerID: 1, DeltaQuantity: -3})
	require.NoError(t, err)
	require.Len(t, repo.entries, 3)
	require.Equal(t, finance.EntryTypeRefund, repo.entries[2].Type)
	require.InDelta(t, 12.0, repo.entries[2].Amount, 1e-9)
}

func TestAdjustNewCostPriceUsedForRecordAndEntry(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	lot, err := svc.Restock(ctx, RestockInput{
		ProductID: 7, OwnerID: 1, Quantity: 10, CostPrice: 4,
		SupplierID: 9, IsCredit: true,
	})
	require.NoError(t, err)

	newCost := 6.0
	updated, err := svc.Adjust(ctx, AdjustInput{LotID: lot.ID, OwnerID: 1, DeltaQuantity: 2, NewCostPrice: &newCost})
	require.NoError(t, err)
	require.InDelta(t, 6.0, updated.CostPricePerUnit, 1e-9)

	last := repo.mutations[len(repo.mutations)-1]
	require.InDelta(t, 6.0, last.CostPriceAtTime, 1e-9)
	require.InDelta(t, 12.0, repo.entries[len(repo.entries)-1].Amount, 1e-9)
}

func TestAdjustRevivesDepletedLot(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	lot, err := svc.Restock(ctx, RestockInput{ProductID: 7, OwnerID: 1, Quantity: 10, CostPrice: 2})
	require.NoError(t, err)
	_, err = svc.ConsumeStock(ctx, ConsumeInput{ProductID: 7, OwnerID: 1, Quantity: 10})
	require.NoError(t, err)
	require.Equal(t, LotStatusDepleted, repo.lots[lot.ID].Status)

	revived, err := svc.Adjust(ctx, AdjustInput{LotID: lot.ID, OwnerID: 1, DeltaQuantity: 4})
	require.NoError(t, err)
	require.Equal(t, LotStatusActive, revived.Status)
	require.InDelta(t, 4.0, repo.stock[stockKey{7, 1}], 1e-9)
}

func TestAdjustOwnerMismatch(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	lot, err := svc.Restock(ctx, RestockInput{ProductID: 7, OwnerID: 1, Quantity: 10, CostPrice: 2})
	require.NoError(t, err)

	_, err = svc.Adjust(ctx, AdjustInput{LotID: lot.ID, OwnerID: 99, DeltaQuantity: 1})
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestDamageNeverTouchesFinancialEntries(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	lot, err := svc.Restock(ctx, RestockInput{
		ProductID: 7, OwnerID: 1, Quantity: 50, CostPrice: 10,
		SupplierID: 9, IsCredit: true,
	})
	require.NoError(t, err)
	require.Len(t, repo.entries, 1)
	debtBefore := repo.entries[0].Amount

	damaged, err := svc.AdjustForDamage(ctx, DamageInput{LotID: lot.ID, OwnerID: 1, DamagedQuantity: 10})
	require.NoError(t, err)
	require.InDelta(t, 40.0, damaged.QuantityRemaining, 1e-9)

	// Outstanding supplier debt is preserved regardless of damage.
	require.Len(t, repo.entries, 1)
	require.InDelta(t, debtBefore, repo.entries[0].Amount, 1e-9)

	last := repo.mutations[len(repo.mutations)-1]
	require.Equal(t, ReasonDamage, last.Reason)
	require.InDelta(t, -10.0, last.DeltaQuantity, 1e-9)
}

func TestDamageNegativeGuard(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	lot, err := svc.Restock(ctx, RestockInput{ProductID: 7, OwnerID: 1, Quantity: 5, CostPrice: 1})
	require.NoError(t, err)

	_, err = svc.AdjustForDamage(ctx, DamageInput{LotID: lot.ID, OwnerID: 1, DamagedQuantity: 6})
	require.ErrorIs(t, err, ErrNegativeRemaining)

	_, err = svc.AdjustForDamage(ctx, DamageInput{LotID: lot.ID, OwnerID: 1, DamagedQuantity: 0})
	require.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestAdjustManyIsAtomic(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	first, err := svc.Restock(ctx, RestockInput{ProductID: 7, OwnerID: 1, Quantity: 10, CostPrice: 2})
	require.NoError(t, err)
	second, err := svc.Restock(ctx, RestockInput{ProductID: 7, OwnerID: 1, Quantity: 20, CostPrice: 3})
	require.NoError(t, err)
	mutationsBefore := len(repo.mutations)

	// Second adjustment violates the negative guard; the first must roll back.
	_, err = svc.AdjustMany(ctx, BulkAdjustInput{
		ProductID: 7,
		OwnerID:   1,
		Adjustments: []AdjustInput{
			{LotID: first.ID, DeltaQuantity: 5},
			{LotID: second.ID, DeltaQuantity: -21},
		},
	})
	require.ErrorIs(t, err, ErrNegativeRemaining)

	require.InDelta(t, 10.0, repo.lots[first.ID].QuantityRemaining, 1e-9)
	require.InDelta(t, 20.0, repo.lots[second.ID].QuantityRemaining, 1e-9)
	require.InDelta(t, 30.0, repo.stock[stockKey{7, 1}], 1e-9)
	require.Len(t, repo.mutations, mutationsBefore)
}

func TestAdjustManyAppliesInOrder(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	first, err := svc.Restock(ctx, RestockInput{ProductID: 7, OwnerID: 1, Quantity: 10, CostPrice: 2})
	require.NoError(t, err)
	second, err := svc.Restock(ctx, RestockInput{ProductID: 7, OwnerID: 1, Quantity: 20, CostPrice: 3})
	require.NoError(t, err)

	lots, err := svc.AdjustMany(ctx, BulkAdjustInput{
		ProductID: 7,
		OwnerID:   1,
		Adjustments: []AdjustInput{
			{LotID: first.ID, DeltaQuantity: -10},
			{LotID: second.ID, DeltaQuantity: 5},
		},
	})
	require.NoError(t, err)
	require.Len(t, lots, 2)
	require.Equal(t, LotStatusDepleted, lots[0].Status)
	require.InDelta(t, 25.0, lots[1].QuantityRemaining, 1e-9)
	require.InDelta(t, 25.0, repo.stock[stockKey{7, 1}], 1e-9)
}

func TestAdjustManyRejectsForeignProduct(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	other, err := svc.Restock(ctx, RestockInput{ProductID: 8, OwnerID: 1, Quantity: 10, CostPrice: 2})
	require.NoError(t, err)

	_, err = svc.AdjustMany(ctx, BulkAdjustInput{
		ProductID:   7,
		OwnerID:     1,
		Adjustments: []AdjustInput{{LotID: other.ID, DeltaQuantity: 1}},
	})
	require.ErrorIs(t, err, errProductMismatch)
}

func TestCorrectCostWithdrawsLot(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	lot, err := svc.Restock(ctx, RestockInput{ProductID: 7, OwnerID: 1, Quantity: 10, CostPrice: 2})
	require.NoError(t, err)

	corrected, err := svc.CorrectCost(ctx, CorrectionInput{LotID: lot.ID, OwnerID: 1, NewCostPrice: 3})
	require.NoError(t, err)
	require.Equal(t, LotStatusCorrected, corrected.Status)
	require.InDelta(t, 3.0, corrected.CostPricePerUnit, 1e-9)
	require.InDelta(t, 0.0, repo.stock[stockKey{7, 1}], 1e-9)

	// Corrected lots take no further writes.
	_, err = svc.Adjust(ctx, AdjustInput{LotID: lot.ID, OwnerID: 1, DeltaQuantity: 1})
	require.ErrorIs(t, err, ErrLotCorrected)

	// And are invisible to consumption.
	_, err = svc.ConsumeStock(ctx, ConsumeInput{ProductID: 7, OwnerID: 1, Quantity: 1})
	require.ErrorIs(t, err, ErrNoStockAvailable)
}

func TestMutationReplayReproducesRemaining(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	lot, err := svc.Restock(ctx, RestockInput{ProductID: 7, OwnerID: 1, Quantity: 100, CostPrice: 10})
	require.NoError(t, err)
	_, err = svc.ConsumeStock(ctx, ConsumeInput{ProductID: 7, OwnerID: 1, Quantity: 30})
	require.NoError(t, err)
	_, err = svc.Adjust(ctx, AdjustInput{LotID: lot.ID, OwnerID: 1, DeltaQuantity: 7})
	require.NoError(t, err)
	_, err = svc.AdjustForDamage(ctx, DamageInput{LotID: lot.ID, OwnerID: 1, DamagedQuantity: 5})
	require.NoError(t, err)

	replayed := 0.0
	for _, rec := range repo.mutations {
		if rec.LotID != lot.ID || rec.Reason == ReasonRestock {
			continue
		}
		replayed += rec.DeltaQuantity
	}
	final := repo.lots[lot.ID]
	require.InDelta(t, final.QuantityRemaining, final.QuantityOriginal+replayed, 1e-9)
}

func TestGetProductStockReadsThroughRepo(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil)
	ctx := context.Background()

	_, err := svc.Restock(ctx, RestockInput{ProductID: 3, OwnerID: 1, Quantity: 40, CostPrice: 2.5})
	require.NoError(t, err)

	results := make(chan ProductStock, 4)
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			stock, err := svc.GetProductStock(ctx, 3, 1)
			results <- stock
			errs <- err
		}()
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, <-errs)
		require.InDelta(t, 40.0, (<-results).Quantity, 1e-9)
	}
}

// conflictRepo fails every transaction with an exhausted retry budget.
type conflictRepo struct {
	*memoryRepo
}

func (r *conflictRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return ErrTransactionConflict
}

func TestAdjustSurfacesTransactionConflict(t *testing.T) {
	repo := newMemoryRepo()
	metrics := &countingMetrics{}
	svc := NewService(&conflictRepo{memoryRepo: repo}, nil, nil, nil, metrics)

	_, err := svc.Adjust(context.Background(), AdjustInput{LotID: 1, OwnerID: 1, DeltaQuantity: 5})
	require.ErrorIs(t, err, ErrTransactionConflict)
	require.Equal(t, 1, metrics.conflicts)
	require.Empty(t, repo.mutations)
}

func TestConsumeStockSurfacesTransactionConflict(t *testing.T) {
	metrics := &countingMetrics{}
	svc := NewService(&conflictRepo{memoryRepo: newMemoryRepo()}, nil, nil, nil, metrics)

	_, err := svc.ConsumeStock(context.Background(), ConsumeInput{ProductID: 7, OwnerID: 1, Quantity: 10})
	require.ErrorIs(t, err, ErrTransactionConflict)
	require.Equal(t, 1, metrics.conflicts)
	require.Equal(t, 0, metrics.consumptions)
}
