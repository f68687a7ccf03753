package sales

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lotledger/lotledger/internal/ledger"
)

// LedgerPort exposes the required inventory integration.
type LedgerPort interface {
	ConsumeStock(ctx context.Context, input ledger.ConsumeInput) (ledger.Consumption, error)
}

// RepositoryPort abstracts sale persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetSale(ctx context.Context, saleID int64) (Sale, []SaleLine, error)
}

// Service runs the checkout flow: drain stock through the ledger's atomic
// consume-and-apply, then record the sale with its per-lot allocation.
type Service struct {
	repo   RepositoryPort
	ledger LedgerPort
}

// NewService builds Service.
func NewService(repo RepositoryPort, ledgerPort LedgerPort) *Service {
	return &Service{repo: repo, ledger: ledgerPort}
}

// CreateSale consumes the requested quantity and records the resulting sale.
func (s *Service) CreateSale(ctx context.Context, input CreateSaleInput) (Sale, []SaleLine, error) {
	if input.ProductID == 0 || input.OwnerID == 0 || input.Quantity <= 0 {
		return Sale{}, nil, ErrInvalidSale
	}
	policy := ledger.Policy(input.Policy).Normalize()

	result, err := s.ledger.ConsumeStock(ctx, ledger.ConsumeInput{
		ProductID: input.ProductID,
		OwnerID:   input.OwnerID,
		Quantity:  input.Quantity,
		Policy:    policy,
		Notes:     input.Notes,
	})
	if err != nil {
		return Sale{}, nil, err
	}

	sale := Sale{
		Code:             fmt.Sprintf("SALE-%s", uuid.NewString()[:8]),
		OwnerID:          input.OwnerID,
		ProductID:        input.ProductID,
		Quantity:         input.Quantity,
		TotalCost:        result.TotalCost,
		AverageCostPrice: result.AverageCostPrice,
		PrimaryLotID:     result.PrimaryLotID,
		Policy:           string(policy),
		Notes:            input.Notes,
		CreatedAt:        time.Now().UTC(),
	}
	lines := make([]SaleLine, 0, len(result.Allocations))
	for _, alloc := range result.Allocations {
		lines = append(lines, SaleLine{
			LotID:           alloc.LotID,
			Quantity:        alloc.ConsumedQuantity,
			CostPriceAtTime: alloc.CostPriceAtTime,
		})
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertSale(ctx, sale)
		if err != nil {
			return err
		}
		sale.ID = id
		for i := range lines {
			lines[i].SaleID = id
		}
		return tx.InsertSaleLines(ctx, id, lines)
	})
	if err != nil {
		return Sale{}, nil, fmt.Errorf("record sale: %w", err)
	}
	return sale, lines, nil
}

// GetSale loads one sale with its allocation lines.
func (s *Service) GetSale(ctx context.Context, saleID int64) (Sale, []SaleLine, error) {
	return s.repo.GetSale(ctx, saleID)
}
