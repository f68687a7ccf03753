package ledger

import (
	"errors"
	"fmt"
	"time"
)

// Policy selects which lot is drawn down first when stock is consumed.
type Policy string

const (
	// PolicyFIFO drains the oldest lot first.
	PolicyFIFO Policy = "FIFO"
	// PolicyLIFO drains the newest lot first.
	PolicyLIFO Policy = "LIFO"
)

// Normalize returns the policy with the FIFO default applied.
func (p Policy) Normalize() Policy {
	if p == PolicyLIFO {
		return PolicyLIFO
	}
	return PolicyFIFO
}

// LotStatus enumerates lot lifecycle states.
type LotStatus string

const (
	// LotStatusActive marks a lot with sellable remainder.
	LotStatusActive LotStatus = "ACTIVE"
	// LotStatusDepleted marks a lot whose remainder reached zero.
	LotStatusDepleted LotStatus = "DEPLETED"
	// LotStatusCorrected marks a lot withdrawn by an administrative correction.
	LotStatusCorrected LotStatus = "CORRECTED"
)

// statusForRemaining derives ACTIVE/DEPLETED from a remainder. CORRECTED is
// never derived; it is set only by the correction flow.
func statusForRemaining(remaining float64) LotStatus {
	if remaining == 0 {
		return LotStatusDepleted
	}
	return LotStatusActive
}

// Lot is a discrete acquisition of a product at a fixed unit cost, tracked
// until fully consumed. Lots are never deleted; their history lives in
// lot_mutations.
type Lot struct {
	ID                int64     `json:"id"`
	ProductID         int64     `json:"product_id"`
	OwnerID           int64     `json:"owner_id"`
	QuantityOriginal  float64   `json:"quantity_original"`
	QuantityRemaining float64   `json:"quantity_remaining"`
	CostPricePerUnit  float64   `json:"cost_price_per_unit"`
	Status            LotStatus `json:"status"`
	SupplierID        int64     `json:"supplier_id"`
	IsOwnPurchase     bool      `json:"is_own_purchase"`
	IsCredit          bool      `json:"is_credit"`
	Notes             string    `json:"notes"`
	Version           int64     `json:"version"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// CreditSourced reports whether mutations of this lot owe supplier-debt
// bookkeeping: supplier set, bought on credit, not self-funded.
func (l Lot) CreditSourced() bool {
	return l.SupplierID != 0 && l.IsCredit && !l.IsOwnPurchase
}

// MutationReason enumerates why a lot quantity changed.
type MutationReason string

const (
	// ReasonRestock records lot creation.
	ReasonRestock MutationReason = "RESTOCK"
	// ReasonSaleConsumption records a sale draining the lot.
	ReasonSaleConsumption MutationReason = "SALE_CONSUMPTION"
	// ReasonManualAdjustment records an operator adjustment or correction.
	ReasonManualAdjustment MutationReason = "MANUAL_ADJUSTMENT"
	// ReasonDamage records written-off damaged stock.
	ReasonDamage MutationReason = "DAMAGE"
)

// MutationRecord is an immutable log entry describing one quantity change
// applied to a lot. Supplier fields are copied from the lot at mutation time.
type MutationRecord struct {
	ID              int64          `json:"id"`
	ProductID       int64          `json:"product_id"`
	LotID           int64          `json:"lot_id"`
	DeltaQuantity   float64        `json:"delta_quantity"`
	Reason          MutationReason `json:"reason"`
	CostPriceAtTime float64        `json:"cost_price_at_time"`
	OwnerID         int64          `json:"owner_id"`
	SupplierID      int64          `json:"supplier_id"`
	IsOwnPurchase   bool           `json:"is_own_purchase"`
	IsCredit        bool           `json:"is_credit"`
	Notes           string         `json:"notes"`
	CreatedAt       time.Time      `json:"created_at"`
}

// ProductStock is the denormalized per-product counter, kept equal to the sum
// of remainders over the product's non-corrected lots by the same atomic unit
// that mutates any lot.
type ProductStock struct {
	ProductID int64     `json:"product_id"`
	OwnerID   int64     `json:"owner_id"`
	Quantity  float64   `json:"quantity"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RestockInput describes a new acquisition lot.
type RestockInput struct {
	ProductID      int64
	OwnerID        int64
	Quantity       float64
	CostPrice      float64
	SupplierID     int64
	IsOwnPurchase  bool
	IsCredit       bool
	Notes          string
	IdempotencyKey string
}

// AdjustInput describes a manual quantity adjustment on a single lot.
// NewCostPrice, when non-nil, overwrites the lot's unit cost.
type AdjustInput struct {
	LotID         int64
	OwnerID       int64
	DeltaQuantity float64
	NewCostPrice  *float64
	Notes         string
}

// DamageInput describes a damage write-off; DamagedQuantity is positive and is
// always applied as a negative delta.
type DamageInput struct {
	LotID           int64
	OwnerID         int64
	DamagedQuantity float64
	Notes           string
}

// BulkAdjustInput applies an ordered list of adjustments as one transaction.
type BulkAdjustInput struct {
	ProductID   int64
	OwnerID     int64
	Adjustments []AdjustInput
}

// CorrectionInput withdraws a lot via the administrative correction flow.
type CorrectionInput struct {
	LotID        int64
	OwnerID      int64
	NewCostPrice float64
	Notes        string
}

// ConsumeInput drains a requested quantity from a product's lots.
type ConsumeInput struct {
	ProductID int64
	OwnerID   int64
	Quantity  float64
	Policy    Policy
	Notes     string
}

// Allocation records how much of one lot a consumption took.
type Allocation struct {
	LotID            int64   `json:"lot_id"`
	CostPriceAtTime  float64 `json:"cost_price_at_time"`
	ConsumedQuantity float64 `json:"consumed_quantity"`
	RemainingAfter   float64 `json:"remaining_after"`
}

// Consumption is the outcome of draining a requested quantity across lots.
// PrimaryLotID is the first lot touched and serves as the canonical reference
// for the calling sale.
type Consumption struct {
	Allocations      []Allocation `json:"allocations"`
	TotalCost        float64      `json:"total_cost"`
	AverageCostPrice float64      `json:"average_cost_price"`
	TotalConsumed    float64      `json:"total_consumed"`
	PrimaryLotID     int64        `json:"primary_lot_id"`
}

// MutationFilter narrows mutation-history reads.
type MutationFilter struct {
	ProductID int64
	LotID     int64
	OwnerID   int64
	Limit     int
}

// ErrNoStockAvailable indicates no eligible lot carries remainder.
var ErrNoStockAvailable = errors.New("ledger: no stock available")

// ErrInvalidQuantity indicates a non-positive requested quantity.
var ErrInvalidQuantity = errors.New("ledger: quantity must be greater than zero")

// ErrNegativeRemaining indicates an adjustment would push a lot below zero.
var ErrNegativeRemaining = errors.New("ledger: adjustment would make remaining quantity negative")

// ErrTransactionConflict indicates concurrent writers exhausted the retry
// budget.
var ErrTransactionConflict = errors.New("ledger: transaction conflict, retries exhausted")

// ErrUnauthorized indicates the caller does not own the lot.
var ErrUnauthorized = errors.New("ledger: owner mismatch")

// InsufficientStockError reports a consumption request exceeding eligible
// stock. Available is the sum of eligible remainders at the time of the walk.
type InsufficientStockError struct {
	Needed    float64
	Available float64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("ledger: insufficient stock: needed %g, available %g", e.Needed, e.Available)
}

// ValidationError aggregates every violated rule; callers translate the
// violations into user-facing text.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ledger: validation failed: %d rule(s) violated", len(e.Violations))
}
