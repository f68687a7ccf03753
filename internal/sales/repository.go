package sales

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lotledger/lotledger/internal/platform/db"
	"github.com/lotledger/lotledger/internal/shared"
)

// Repository persists sales in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional sale writes.
type TxRepository interface {
	InsertSale(ctx context.Context, sale Sale) (int64, error)
	InsertSaleLines(ctx context.Context, saleID int64, lines []SaleLine) error
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside one transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetSale loads one sale with its lines.
func (r *Repository) GetSale(ctx context.Context, saleID int64) (Sale, []SaleLine, error) {
	var sale Sale
	err := r.pool.QueryRow(ctx, `
		SELECT id, code, owner_id, product_id, quantity, total_cost, average_cost_price,
			primary_lot_id, policy, notes, created_at
		FROM sales WHERE id = $1`, saleID).Scan(
		&sale.ID, &sale.Code, &sale.OwnerID, &sale.ProductID, &sale.Quantity,
		&sale.TotalCost, &sale.AverageCostPrice, &sale.PrimaryLotID, &sale.Policy,
		&sale.Notes, &sale.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Sale{}, nil, shared.ErrNotFound
	}
	if err != nil {
		return Sale{}, nil, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, sale_id, lot_id, quantity, cost_price_at_time
		FROM sale_lines WHERE sale_id = $1 ORDER BY id ASC`, saleID)
	if err != nil {
		return Sale{}, nil, err
	}
	defer rows.Close()

	var lines []SaleLine
	for rows.Next() {
		var line SaleLine
		if err := rows.Scan(&line.ID, &line.SaleID, &line.LotID, &line.Quantity, &line.CostPriceAtTime); err != nil {
			return Sale{}, nil, err
		}
		lines = append(lines, line)
	}
	return sale, lines, rows.Err()
}

func (r *txRepository) InsertSale(ctx context.Context, sale Sale) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `
		INSERT INTO sales (code, owner_id, product_id, quantity, total_cost,
			average_cost_price, primary_lot_id, policy, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		sale.Code, sale.OwnerID, sale.ProductID, sale.Quantity, sale.TotalCost,
		sale.AverageCostPrice, sale.PrimaryLotID, sale.Policy, sale.Notes, sale.CreatedAt,
	).Scan(&id)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return 0, shared.ErrAlreadyExists
	}
	return id, err
}

func (r *txRepository) InsertSaleLines(ctx context.Context, saleID int64, lines []SaleLine) error {
	for _, line := range lines {
		_, err := r.tx.Exec(ctx, `
			INSERT INTO sale_lines (sale_id, lot_id, quantity, cost_price_at_time)
			VALUES ($1, $2, $3, $4)`,
			saleID, line.LotID, line.Quantity, line.CostPriceAtTime)
		if err != nil {
			return err
		}
	}
	return nil
}
