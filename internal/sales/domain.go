package sales

import (
	"errors"
	"time"
)

// Sale records one checkout that drained stock through the ledger. The cost
// figures come straight from the consumption result; PrimaryLotID is the
// canonical lot reference for the sale.
type Sale struct {
	ID               int64     `json:"id"`
	Code             string    `json:"code"`
	OwnerID          int64     `json:"owner_id"`
	ProductID        int64     `json:"product_id"`
	Quantity         float64   `json:"quantity"`
	TotalCost        float64   `json:"total_cost"`
	AverageCostPrice float64   `json:"average_cost_price"`
	PrimaryLotID     int64     `json:"primary_lot_id"`
	Policy           string    `json:"policy"`
	Notes            string    `json:"notes"`
	CreatedAt        time.Time `json:"created_at"`
}

// SaleLine mirrors one consumption allocation.
type SaleLine struct {
	ID              int64   `json:"id"`
	SaleID          int64   `json:"sale_id"`
	LotID           int64   `json:"lot_id"`
	Quantity        float64 `json:"quantity"`
	CostPriceAtTime float64 `json:"cost_price_at_time"`
}

// CreateSaleInput describes a checkout request.
type CreateSaleInput struct {
	OwnerID   int64
	ProductID int64
	Quantity  float64
	Policy    string
	Notes     string
}

// ErrInvalidSale indicates a checkout with missing product/owner or a
// non-positive quantity.
var ErrInvalidSale = errors.New("sales: product, owner and a positive quantity are required")
