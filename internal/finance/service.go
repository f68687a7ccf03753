package finance

import (
	"context"
	"errors"

	"github.com/lotledger/lotledger/internal/shared"
)

// RepositoryPort abstracts entry reads for the service.
type RepositoryPort interface {
	ListEntries(ctx context.Context, filter EntryFilter) ([]Entry, error)
	CountEntries(ctx context.Context, filter EntryFilter) (int, error)
	SupplierBalance(ctx context.Context, ownerID, supplierID int64) (SupplierBalance, error)
}

// Service exposes the supplier-debt ledger to reporting and UI callers.
// Writes happen elsewhere: entries are appended inside the inventory ledger's
// transactions via InsertTx.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// ListEntries returns entries matching the filter, newest first.
func (s *Service) ListEntries(ctx context.Context, filter EntryFilter) ([]Entry, error) {
	return s.repo.ListEntries(ctx, filter)
}

// ListEntriesPage returns one page of entries plus paging metadata.
func (s *Service) ListEntriesPage(ctx context.Context, filter EntryFilter, page, perPage int) ([]Entry, shared.Pagination, error) {
	total, err := s.repo.CountEntries(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	pagination := shared.NewPagination(page, perPage, total)
	filter.Limit = pagination.PerPage
	filter.Offset = pagination.Offset()
	entries, err := s.repo.ListEntries(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return entries, pagination, nil
}

// SupplierBalance reports total debt, refunds and the outstanding amount for
// one supplier.
func (s *Service) SupplierBalance(ctx context.Context, ownerID, supplierID int64) (SupplierBalance, error) {
	if supplierID == 0 {
		return SupplierBalance{}, errors.New("finance: supplier is required")
	}
	return s.repo.SupplierBalance(ctx, ownerID, supplierID)
}
