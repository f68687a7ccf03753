package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lotledger/lotledger/internal/finance"
	"github.com/lotledger/lotledger/internal/platform/db"
	"github.com/lotledger/lotledger/internal/shared"
)

// Repository persists lots, mutation records and the stock aggregate in
// PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the operations available inside one atomic unit.
type TxRepository interface {
	GetLotForUpdate(ctx context.Context, lotID int64) (Lot, error)
	ListActiveLotsForUpdate(ctx context.Context, productID, ownerID int64) ([]Lot, error)
	InsertLot(ctx context.Context, lot Lot) (int64, error)
	UpdateLot(ctx context.Context, lot Lot) error
	AdjustProductStock(ctx context.Context, productID, ownerID int64, delta float64) error
	InsertMutation(ctx context.Context, record MutationRecord) (int64, error)
	InsertFinancialEntry(ctx context.Context, entry finance.Entry) (int64, error)
}

type txRepository struct {
	tx pgx.Tx
}

// errVersionConflict marks a version-checked update that found a stale row;
// WithTx treats it like a serialization failure and retries.
var errVersionConflict = errors.New("ledger: lot version changed")

const txRetryAttempts = 3

// WithTx runs fn inside a repeatable-read transaction, retrying a bounded
// number of times on serialization failures and stale-version writes. When the
// budget is exhausted the caller sees ErrTransactionConflict.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	for attempt := 0; attempt < txRetryAttempts; attempt++ {
		err := r.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
	}
	return ErrTransactionConflict
}

func (r *Repository) runOnce(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

func isRetryable(err error) bool {
	if errors.Is(err, errVersionConflict) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// serialization_failure and deadlock_detected
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

const lotColumns = `id, product_id, owner_id, quantity_original, quantity_remaining,
	cost_price_per_unit, status, supplier_id, is_own_purchase, is_credit, notes,
	version, created_at, updated_at`

func scanLot(row pgx.Row) (Lot, error) {
	var lot Lot
	var status string
	err := row.Scan(
		&lot.ID, &lot.ProductID, &lot.OwnerID, &lot.QuantityOriginal, &lot.QuantityRemaining,
		&lot.CostPricePerUnit, &status, &lot.SupplierID, &lot.IsOwnPurchase, &lot.IsCredit, &lot.Notes,
		&lot.Version, &lot.CreatedAt, &lot.UpdatedAt,
	)
	if err != nil {
		return Lot{}, err
	}
	lot.Status = LotStatus(status)
	return lot, nil
}

// GetLot reads a single lot outside any transaction.
func (r *Repository) GetLot(ctx context.Context, lotID int64) (Lot, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+lotColumns+` FROM lots WHERE id = $1`, lotID)
	lot, err := scanLot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Lot{}, shared.ErrNotFound
	}
	return lot, err
}

// ListLots returns a product's lots, oldest first.
func (r *Repository) ListLots(ctx context.Context, productID, ownerID int64) ([]Lot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+lotColumns+`
		FROM lots
		WHERE product_id = $1 AND ($2 = 0 OR owner_id = $2)
		ORDER BY created_at ASC, id ASC`, productID, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLots(rows)
}

func collectLots(rows pgx.Rows) ([]Lot, error) {
	var lots []Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

// ListMutations returns mutation records matching the filter, newest first.
func (r *Repository) ListMutations(ctx context.Context, filter MutationFilter) ([]MutationRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, product_id, lot_id, delta_quantity, reason, cost_price_at_time,
			owner_id, supplier_id, is_own_purchase, is_credit, notes, created_at
		FROM lot_mutations
		WHERE ($1 = 0 OR product_id = $1)
		  AND ($2 = 0 OR lot_id = $2)
		  AND ($3 = 0 OR owner_id = $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`, filter.ProductID, filter.LotID, filter.OwnerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []MutationRecord
	for rows.Next() {
		var rec MutationRecord
		var reason string
		if err := rows.Scan(
			&rec.ID, &rec.ProductID, &rec.LotID, &rec.DeltaQuantity, &reason, &rec.CostPriceAtTime,
			&rec.OwnerID, &rec.SupplierID, &rec.IsOwnPurchase, &rec.IsCredit, &rec.Notes, &rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		rec.Reason = MutationReason(reason)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetProductStock reads the denormalized counter.
func (r *Repository) GetProductStock(ctx context.Context, productID, ownerID int64) (ProductStock, error) {
	stock := ProductStock{ProductID: productID, OwnerID: ownerID}
	err := r.pool.QueryRow(ctx, `
		SELECT quantity, updated_at FROM product_stock
		WHERE product_id = $1 AND owner_id = $2`, productID, ownerID).
		Scan(&stock.Quantity, &stock.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return stock, nil
	}
	if err != nil {
		return ProductStock{}, err
	}
	return stock, nil
}

func (r *txRepository) GetLotForUpdate(ctx context.Context, lotID int64) (Lot, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+lotColumns+` FROM lots WHERE id = $1 FOR UPDATE`, lotID)
	lot, err := scanLot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Lot{}, shared.ErrNotFound
	}
	return lot, err
}

func (r *txRepository) ListActiveLotsForUpdate(ctx context.Context, productID, ownerID int64) ([]Lot, error) {
	rows, err := r.tx.Query(ctx, `
		SELECT `+lotColumns+`
		FROM lots
		WHERE product_id = $1 AND owner_id = $2 AND status = 'ACTIVE' AND quantity_remaining > 0
		ORDER BY created_at ASC, id ASC
		FOR UPDATE`, productID, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLots(rows)
}

func (r *txRepository) InsertLot(ctx context.Context, lot Lot) (int64, error) {
	createdAt := lot.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var id int64
	err := r.tx.QueryRow(ctx, `
		INSERT INTO lots (product_id, owner_id, quantity_original, quantity_remaining,
			cost_price_per_unit, status, supplier_id, is_own_purchase, is_credit, notes,
			version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11, $11)
		RETURNING id`,
		lot.ProductID, lot.OwnerID, lot.QuantityOriginal, lot.QuantityRemaining,
		lot.CostPricePerUnit, string(lot.Status), lot.SupplierID, lot.IsOwnPurchase,
		lot.IsCredit, lot.Notes, createdAt,
	).Scan(&id)
	return id, err
}

func (r *txRepository) UpdateLot(ctx context.Context, lot Lot) error {
	tag, err := r.tx.Exec(ctx, `
		UPDATE lots
		SET quantity_remaining = $1, cost_price_per_unit = $2, status = $3,
			notes = $4, version = version + 1, updated_at = $5
		WHERE id = $6 AND version = $7`,
		lot.QuantityRemaining, lot.CostPricePerUnit, string(lot.Status),
		lot.Notes, time.Now().UTC(), lot.ID, lot.Version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errVersionConflict
	}
	return nil
}

func (r *txRepository) AdjustProductStock(ctx context.Context, productID, ownerID int64, delta float64) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO product_stock (product_id, owner_id, quantity, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (product_id, owner_id)
		DO UPDATE SET quantity = product_stock.quantity + EXCLUDED.quantity, updated_at = now()`,
		productID, ownerID, delta,
	)
	return err
}

func (r *txRepository) InsertMutation(ctx context.Context, record MutationRecord) (int64, error) {
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var id int64
	err := r.tx.QueryRow(ctx, `
		INSERT INTO lot_mutations (product_id, lot_id, delta_quantity, reason,
			cost_price_at_time, owner_id, supplier_id, is_own_purchase, is_credit, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		record.ProductID, record.LotID, record.DeltaQuantity, string(record.Reason),
		record.CostPriceAtTime, record.OwnerID, record.SupplierID, record.IsOwnPurchase,
		record.IsCredit, record.Notes, createdAt,
	).Scan(&id)
	return id, err
}

func (r *txRepository) InsertFinancialEntry(ctx context.Context, entry finance.Entry) (int64, error) {
	return finance.InsertTx(ctx, r.tx, entry)
}
