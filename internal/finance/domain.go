package finance

import (
	"errors"
	"time"
)

// EntryType enumerates supplier bookkeeping directions.
type EntryType string

const (
	// EntryTypeDebt records an obligation to a supplier.
	EntryTypeDebt EntryType = "DEBT"
	// EntryTypeRefund records a reduction of an obligation.
	EntryTypeRefund EntryType = "REFUND"
)

// Entry is one supplier debt or refund produced by a credit-sourced lot
// mutation. Amount is always positive; the type carries the direction.
type Entry struct {
	ID         int64     `json:"id"`
	OwnerID    int64     `json:"owner_id"`
	SupplierID int64     `json:"supplier_id"`
	ProductID  int64     `json:"product_id"`
	LotID      int64     `json:"lot_id"`
	Type       EntryType `json:"type"`
	Amount     float64   `json:"amount"`
	Notes      string    `json:"notes"`
	CreatedAt  time.Time `json:"created_at"`
}

// SupplierBalance summarises outstanding debt for one supplier.
type SupplierBalance struct {
	SupplierID  int64   `json:"supplier_id"`
	TotalDebt   float64 `json:"total_debt"`
	TotalRefund float64 `json:"total_refund"`
	Outstanding float64 `json:"outstanding"`
}

// EntryFilter narrows entry listings.
type EntryFilter struct {
	OwnerID    int64
	SupplierID int64
	LotID      int64
	Limit      int
	Offset     int
}

// ErrInvalidAmount indicates a non-positive entry amount.
var ErrInvalidAmount = errors.New("finance: entry amount must be greater than zero")

// ErrSupplierRequired indicates an entry without a supplier reference.
var ErrSupplierRequired = errors.New("finance: supplier is required")
