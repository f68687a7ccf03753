package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lotledger/lotledger/internal/finance"
	"github.com/lotledger/lotledger/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetLot(ctx context.Context, lotID int64) (Lot, error)
	ListLots(ctx context.Context, productID, ownerID int64) ([]Lot, error)
	ListMutations(ctx context.Context, filter MutationFilter) ([]MutationRecord, error)
	GetProductStock(ctx context.Context, productID, ownerID int64) (ProductStock, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort receives ledger counters; implementations must tolerate nil.
type MetricsPort interface {
	IncConsumption()
	IncTxConflict()
}

// ErrLotCorrected indicates a write against a lot already withdrawn by the
// correction flow.
var ErrLotCorrected = errors.New("ledger: lot has been corrected and is immutable")

// Service composes the repository, the mutation log and the financial
// side-effect trigger into atomic restock, adjustment, damage, bulk and
// consumption operations.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency *shared.IdempotencyStore
	snapshots   *SnapshotCache
	metrics     MetricsPort
	stockGroup  singleflight.Group
}

// NewService builds Service. Audit, idempotency, snapshots and metrics are
// optional.
func NewService(repo RepositoryPort, audit AuditPort, idem *shared.IdempotencyStore, snapshots *SnapshotCache, metrics MetricsPort) *Service {
	return &Service{repo: repo, audit: audit, idempotency: idem, snapshots: snapshots, metrics: metrics}
}

// Restock creates a new acquisition lot and, for credit-sourced lots, the
// matching supplier debt entry, all in one transaction.
func (s *Service) Restock(ctx context.Context, input RestockInput) (Lot, error) {
	if verr := ValidateLot(input); verr != nil {
		return Lot{}, verr
	}

	insertedKey := false
	if s.idempotency != nil && input.IdempotencyKey != "" {
		if err := s.idempotency.CheckAndInsert(ctx, input.IdempotencyKey, "ledger"); err != nil {
			return Lot{}, err
		}
		insertedKey = true
	}

	now := time.Now().UTC()
	lot := Lot{
		ProductID:         input.ProductID,
		OwnerID:           input.OwnerID,
		QuantityOriginal:  input.Quantity,
		QuantityRemaining: input.Quantity,
		CostPricePerUnit:  input.CostPrice,
		Status:            LotStatusActive,
		SupplierID:        input.SupplierID,
		IsOwnPurchase:     input.IsOwnPurchase,
		IsCredit:          input.IsCredit,
		Notes:             input.Notes,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err := s.withTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertLot(ctx, lot)
		if err != nil {
			return err
		}
		lot.ID = id
		if err := tx.AdjustProductStock(ctx, lot.ProductID, lot.OwnerID, input.Quantity); err != nil {
			return err
		}
		if _, err := tx.InsertMutation(ctx, mutationFor(lot, input.Quantity, ReasonRestock, input.CostPrice, input.Notes, now)); err != nil {
			return err
		}
		if entry, ok := creditEntry(lot, input.Quantity, input.CostPrice, input.Notes, now); ok {
			if _, err := tx.InsertFinancialEntry(ctx, entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, input.IdempotencyKey)
		}
		return Lot{}, err
	}

	s.afterMutation(ctx, "ledger:RESTOCK", lot, map[string]any{
		"quantity":   input.Quantity,
		"cost_price": input.CostPrice,
	})
	return lot, nil
}

// Adjust applies a manual quantity change (and optionally a new cost price)
// to one lot.
func (s *Service) Adjust(ctx context.Context, input AdjustInput) (Lot, error) {
	var lot Lot
	err := s.withTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		lot, err = s.applyAdjustment(ctx, tx, input)
		return err
	})
	if err != nil {
		return Lot{}, err
	}

	s.afterMutation(ctx, "ledger:MANUAL_ADJUSTMENT", lot, map[string]any{
		"delta": input.DeltaQuantity,
	})
	return lot, nil
}

// AdjustForDamage writes off damaged stock. The movement is always negative
// and, deliberately, never touches financial entries: outstanding supplier
// debt survives damage.
func (s *Service) AdjustForDamage(ctx context.Context, input DamageInput) (Lot, error) {
	if input.DamagedQuantity <= 0 {
		return Lot{}, ErrInvalidQuantity
	}

	var lot Lot
	now := time.Now().UTC()
	err := s.withTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		lot, err = s.loadOwnedLot(ctx, tx, input.LotID, input.OwnerID)
		if err != nil {
			return err
		}
		newRemaining := lot.QuantityRemaining - input.DamagedQuantity
		if newRemaining < 0 {
			return ErrNegativeRemaining
		}
		lot.QuantityRemaining = newRemaining
		lot.Status = statusForRemaining(newRemaining)
		if err := tx.UpdateLot(ctx, lot); err != nil {
			return err
		}
		if err := tx.AdjustProductStock(ctx, lot.ProductID, lot.OwnerID, -input.DamagedQuantity); err != nil {
			return err
		}
		_, err = tx.InsertMutation(ctx, mutationFor(lot, -input.DamagedQuantity, ReasonDamage, lot.CostPricePerUnit, input.Notes, now))
		return err
	})
	if err != nil {
		return Lot{}, err
	}

	s.afterMutation(ctx, "ledger:DAMAGE", lot, map[string]any{
		"damaged_quantity": input.DamagedQuantity,
	})
	return lot, nil
}

// AdjustMany applies an ordered list of adjustments as one transaction; all
// succeed or none are applied.
func (s *Service) AdjustMany(ctx context.Context, input BulkAdjustInput) ([]Lot, error) {
	if len(input.Adjustments) == 0 {
		return nil, &ValidationError{Violations: []string{"at least one adjustment is required"}}
	}

	lots := make([]Lot, 0, len(input.Adjustments))
	err := s.withTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lots = lots[:0]
		for _, adj := range input.Adjustments {
			if adj.OwnerID == 0 {
				adj.OwnerID = input.OwnerID
			}
			lot, err := s.applyAdjustment(ctx, tx, adj)
			if err != nil {
				return fmt.Errorf("lot %d: %w", adj.LotID, err)
			}
			if input.ProductID != 0 && lot.ProductID != input.ProductID {
				return fmt.Errorf("lot %d: %w", adj.LotID, errProductMismatch)
			}
			lots = append(lots, lot)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.audit != nil {
		actorID := shared.ActorFromContext(ctx)
		if actorID == 0 {
			actorID = input.OwnerID
		}
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "ledger:BULK_ADJUSTMENT",
			Entity:   "product",
			EntityID: fmt.Sprintf("%d", input.ProductID),
			Meta:     map[string]any{"adjustments": len(input.Adjustments)},
		})
	}
	for _, lot := range lots {
		s.snapshots.Invalidate(ctx, lot.ProductID, lot.OwnerID)
	}
	return lots, nil
}

// ConsumeStock selects the product's eligible lots under the policy, runs the
// pure consumption walk and applies the resulting allocation atomically:
// per-lot drains, the aggregate decrement and one mutation record per drained
// lot commit together or not at all.
func (s *Service) ConsumeStock(ctx context.Context, input ConsumeInput) (Consumption, error) {
	if input.Quantity <= 0 {
		return Consumption{}, ErrInvalidQuantity
	}
	if input.ProductID == 0 || input.OwnerID == 0 {
		return Consumption{}, &ValidationError{Violations: []string{"product is required", "owner is required"}}
	}

	var result Consumption
	now := time.Now().UTC()
	err := s.withTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lots, err := tx.ListActiveLotsForUpdate(ctx, input.ProductID, input.OwnerID)
		if err != nil {
			return err
		}
		result, err = Consume(lots, input.Quantity, input.Policy)
		if err != nil {
			return err
		}

		byID := make(map[int64]Lot, len(lots))
		for _, lot := range lots {
			byID[lot.ID] = lot
		}
		for _, alloc := range result.Allocations {
			lot := byID[alloc.LotID]
			lot.QuantityRemaining = alloc.RemainingAfter
			lot.Status = statusForRemaining(alloc.RemainingAfter)
			if err := tx.UpdateLot(ctx, lot); err != nil {
				return err
			}
			if _, err := tx.InsertMutation(ctx, mutationFor(lot, -alloc.ConsumedQuantity, ReasonSaleConsumption, alloc.CostPriceAtTime, input.Notes, now)); err != nil {
				return err
			}
		}
		return tx.AdjustProductStock(ctx, input.ProductID, input.OwnerID, -result.TotalConsumed)
	})
	if err != nil {
		return Consumption{}, err
	}

	if s.metrics != nil {
		s.metrics.IncConsumption()
	}
	if s.audit != nil {
		actorID := shared.ActorFromContext(ctx)
		if actorID == 0 {
			actorID = input.OwnerID
		}
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "ledger:SALE_CONSUMPTION",
			Entity:   "product",
			EntityID: fmt.Sprintf("%d", input.ProductID),
			Meta: map[string]any{
				"quantity":   input.Quantity,
				"policy":     string(input.Policy.Normalize()),
				"total_cost": result.TotalCost,
			},
		})
	}
	s.snapshots.Invalidate(ctx, input.ProductID, input.OwnerID)
	return result, nil
}

// CorrectCost is the administrative correction flow: it overwrites the unit
// cost, marks the lot CORRECTED and withdraws its remainder from the product
// aggregate. CORRECTED is entered only here, never derived.
func (s *Service) CorrectCost(ctx context.Context, input CorrectionInput) (Lot, error) {
	if input.NewCostPrice <= 0 {
		return Lot{}, &ValidationError{Violations: []string{"cost price must be greater than zero"}}
	}

	var lot Lot
	now := time.Now().UTC()
	err := s.withTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		lot, err = s.loadOwnedLot(ctx, tx, input.LotID, input.OwnerID)
		if err != nil {
			return err
		}
		withdrawn := lot.QuantityRemaining
		lot.CostPricePerUnit = input.NewCostPrice
		lot.Status = LotStatusCorrected
		if err := tx.UpdateLot(ctx, lot); err != nil {
			return err
		}
		if withdrawn != 0 {
			if err := tx.AdjustProductStock(ctx, lot.ProductID, lot.OwnerID, -withdrawn); err != nil {
				return err
			}
		}
		_, err = tx.InsertMutation(ctx, mutationFor(lot, 0, ReasonManualAdjustment, input.NewCostPrice, input.Notes, now))
		return err
	})
	if err != nil {
		return Lot{}, err
	}

	s.afterMutation(ctx, "ledger:CORRECTION", lot, map[string]any{
		"new_cost_price": input.NewCostPrice,
	})
	return lot, nil
}

// GetLot returns one lot, enforcing owner scope when ownerID is non-zero.
func (s *Service) GetLot(ctx context.Context, lotID, ownerID int64) (Lot, error) {
	lot, err := s.repo.GetLot(ctx, lotID)
	if err != nil {
		return Lot{}, err
	}
	if ownerID != 0 && lot.OwnerID != ownerID {
		return Lot{}, ErrUnauthorized
	}
	return lot, nil
}

// ListLots returns a product's lots, oldest first.
func (s *Service) ListLots(ctx context.Context, productID, ownerID int64) ([]Lot, error) {
	if productID == 0 {
		return nil, &ValidationError{Violations: []string{"product is required"}}
	}
	return s.repo.ListLots(ctx, productID, ownerID)
}

// History lists mutation records for valuation and audit reads.
func (s *Service) History(ctx context.Context, filter MutationFilter) ([]MutationRecord, error) {
	if filter.ProductID == 0 && filter.LotID == 0 {
		return nil, &ValidationError{Violations: []string{"product or lot is required"}}
	}
	return s.repo.ListMutations(ctx, filter)
}

// GetProductStock reads the denormalized aggregate through the snapshot
// cache. Concurrent misses for the same product collapse into one query.
func (s *Service) GetProductStock(ctx context.Context, productID, ownerID int64) (ProductStock, error) {
	if stock, ok := s.snapshots.Get(ctx, productID, ownerID); ok {
		return stock, nil
	}
	key := fmt.Sprintf("%d:%d", ownerID, productID)
	resultChan := s.stockGroup.DoChan(key, func() (any, error) {
		stock, err := s.repo.GetProductStock(ctx, productID, ownerID)
		if err != nil {
			return ProductStock{}, err
		}
		s.snapshots.Set(ctx, stock)
		return stock, nil
	})
	select {
	case <-ctx.Done():
		return ProductStock{}, ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			return ProductStock{}, res.Err
		}
		return res.Val.(ProductStock), nil
	}
}

var errProductMismatch = errors.New("ledger: lot belongs to a different product")

// applyAdjustment runs one manual adjustment inside the caller's transaction.
func (s *Service) applyAdjustment(ctx context.Context, tx TxRepository, input AdjustInput) (Lot, error) {
	if input.DeltaQuantity == 0 && input.NewCostPrice == nil {
		return Lot{}, ErrInvalidQuantity
	}
	if input.NewCostPrice != nil && *input.NewCostPrice <= 0 {
		return Lot{}, &ValidationError{Violations: []string{"cost price must be greater than zero"}}
	}

	lot, err := s.loadOwnedLot(ctx, tx, input.LotID, input.OwnerID)
	if err != nil {
		return Lot{}, err
	}
	newRemaining := lot.QuantityRemaining + input.DeltaQuantity
	if newRemaining < 0 {
		return Lot{}, ErrNegativeRemaining
	}

	costAtTime := lot.CostPricePerUnit
	if input.NewCostPrice != nil {
		costAtTime = *input.NewCostPrice
		lot.CostPricePerUnit = *input.NewCostPrice
	}
	lot.QuantityRemaining = newRemaining
	lot.Status = statusForRemaining(newRemaining)

	now := time.Now().UTC()
	if err := tx.UpdateLot(ctx, lot); err != nil {
		return Lot{}, err
	}
	if input.DeltaQuantity != 0 {
		if err := tx.AdjustProductStock(ctx, lot.ProductID, lot.OwnerID, input.DeltaQuantity); err != nil {
			return Lot{}, err
		}
	}
	if _, err := tx.InsertMutation(ctx, mutationFor(lot, input.DeltaQuantity, ReasonManualAdjustment, costAtTime, input.Notes, now)); err != nil {
		return Lot{}, err
	}
	if entry, ok := creditEntry(lot, input.DeltaQuantity, costAtTime, input.Notes, now); ok {
		if _, err := tx.InsertFinancialEntry(ctx, entry); err != nil {
			return Lot{}, err
		}
	}
	return lot, nil
}

func (s *Service) loadOwnedLot(ctx context.Context, tx TxRepository, lotID, ownerID int64) (Lot, error) {
	if lotID == 0 {
		return Lot{}, shared.ErrNotFound
	}
	lot, err := tx.GetLotForUpdate(ctx, lotID)
	if err != nil {
		return Lot{}, err
	}
	if ownerID != 0 && lot.OwnerID != ownerID {
		return Lot{}, ErrUnauthorized
	}
	if lot.Status == LotStatusCorrected {
		return Lot{}, ErrLotCorrected
	}
	return lot, nil
}

// withTx funnels every mutating operation through the repository transaction
// and counts exhausted retry budgets.
func (s *Service) withTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := s.repo.WithTx(ctx, fn)
	if errors.Is(err, ErrTransactionConflict) && s.metrics != nil {
		s.metrics.IncTxConflict()
	}
	return err
}

func (s *Service) afterMutation(ctx context.Context, action string, lot Lot, meta map[string]any) {
	if s.audit != nil {
		if meta == nil {
			meta = map[string]any{}
		}
		meta["product_id"] = lot.ProductID
		actorID := shared.ActorFromContext(ctx)
		if actorID == 0 {
			actorID = lot.OwnerID
		}
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   action,
			Entity:   "lot",
			EntityID: fmt.Sprintf("%d", lot.ID),
			Meta:     meta,
		})
	}
	s.snapshots.Invalidate(ctx, lot.ProductID, lot.OwnerID)
}

// mutationFor builds a mutation record inheriting the lot's supplier fields
// at the time of the change.
func mutationFor(lot Lot, delta float64, reason MutationReason, costAtTime float64, notes string, at time.Time) MutationRecord {
	return MutationRecord{
		ProductID:       lot.ProductID,
		LotID:           lot.ID,
		DeltaQuantity:   delta,
		Reason:          reason,
		CostPriceAtTime: costAtTime,
		OwnerID:         lot.OwnerID,
		SupplierID:      lot.SupplierID,
		IsOwnPurchase:   lot.IsOwnPurchase,
		IsCredit:        lot.IsCredit,
		Notes:           notes,
		CreatedAt:       at,
	}
}

// creditEntry decides whether a mutation owes supplier bookkeeping: only
// credit-sourced lots qualify, the signed amount must be non-zero, and the
// direction follows the sign of the delta.
func creditEntry(lot Lot, delta, costAtTime float64, notes string, at time.Time) (finance.Entry, bool) {
	if !lot.CreditSourced() {
		return finance.Entry{}, false
	}
	if delta*costAtTime == 0 {
		return finance.Entry{}, false
	}
	entryType := finance.EntryTypeDebt
	if delta < 0 {
		entryType = finance.EntryTypeRefund
	}
	return finance.Entry{
		OwnerID:    lot.OwnerID,
		SupplierID: lot.SupplierID,
		ProductID:  lot.ProductID,
		LotID:      lot.ID,
		Type:       entryType,
		Amount:     math.Abs(delta) * costAtTime,
		Notes:      notes,
		CreatedAt:  at,
	}, true
}
