package finance

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the subset of pgx shared by pools and transactions, letting the
// insert helper run inside a caller-owned transaction.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// InsertTx appends one financial entry using the caller's querier, typically a
// transaction opened by the ledger so that the entry commits or rolls back
// with the lot mutation that produced it.
func InsertTx(ctx context.Context, q Querier, entry Entry) (int64, error) {
	if entry.Amount <= 0 {
		return 0, ErrInvalidAmount
	}
	if entry.SupplierID == 0 {
		return 0, ErrSupplierRequired
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	const query = `
		INSERT INTO financial_entries (owner_id, supplier_id, product_id, lot_id, entry_type, amount, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`
	var id int64
	err := q.QueryRow(ctx, query,
		entry.OwnerID, entry.SupplierID, entry.ProductID, entry.LotID,
		string(entry.Type), entry.Amount, entry.Notes, createdAt,
	).Scan(&id)
	return id, err
}

// Repository reads financial entries from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListEntries returns entries matching the filter, newest first.
func (r *Repository) ListEntries(ctx context.Context, filter EntryFilter) ([]Entry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	const query = `
		SELECT id, owner_id, supplier_id, product_id, lot_id, entry_type, amount, notes, created_at
		FROM financial_entries
		WHERE ($1 = 0 OR owner_id = $1)
		  AND ($2 = 0 OR supplier_id = $2)
		  AND ($3 = 0 OR lot_id = $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4 OFFSET $5`
	rows, err := r.pool.Query(ctx, query, filter.OwnerID, filter.SupplierID, filter.LotID, limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var entryType string
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.SupplierID, &e.ProductID, &e.LotID, &entryType, &e.Amount, &e.Notes, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EntryType(entryType)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountEntries reports how many entries match the filter.
func (r *Repository) CountEntries(ctx context.Context, filter EntryFilter) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM financial_entries
		WHERE ($1 = 0 OR owner_id = $1)
		  AND ($2 = 0 OR supplier_id = $2)
		  AND ($3 = 0 OR lot_id = $3)`
	var total int
	err := r.pool.QueryRow(ctx, query, filter.OwnerID, filter.SupplierID, filter.LotID).Scan(&total)
	return total, err
}

// SupplierBalance aggregates outstanding debt for one supplier.
func (r *Repository) SupplierBalance(ctx context.Context, ownerID, supplierID int64) (SupplierBalance, error) {
	const query = `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE entry_type = 'DEBT'), 0),
			COALESCE(SUM(amount) FILTER (WHERE entry_type = 'REFUND'), 0)
		FROM financial_entries
		WHERE supplier_id = $1 AND ($2 = 0 OR owner_id = $2)`
	balance := SupplierBalance{SupplierID: supplierID}
	if err := r.pool.QueryRow(ctx, query, supplierID, ownerID).Scan(&balance.TotalDebt, &balance.TotalRefund); err != nil {
		return SupplierBalance{}, err
	}
	balance.Outstanding = balance.TotalDebt - balance.TotalRefund
	return balance, nil
}
