package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/lotledger/lotledger/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// driftTolerance absorbs float accumulation noise when replaying deltas.
const driftTolerance = 1e-6

// LedgerIntegrityJob replays mutation records against lot remainders and
// cross-checks the per-product stock aggregate.
type LedgerIntegrityJob struct {
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewLedgerIntegrityJob initialises the integrity sweep handler.
func NewLedgerIntegrityJob(pool *pgxpool.Pool, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerIntegrityJob {
	return &LedgerIntegrityJob{
		Pool:    pool,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the integrity sweep.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("ledger integrity: handler not configured")
	}
	var payload LedgerIntegrityPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	start := j.now()
	tracker := j.metrics().Track(TaskLedgerIntegrity)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	logger.Info("starting ledger integrity sweep")

	lotDrift, err := j.checkLotReplay(ctx, logger)
	if err != nil {
		resultErr = err
		logger.Error("lot replay check failed", slog.Any("error", err))
		return resultErr
	}
	aggDrift, err := j.checkStockAggregate(ctx, logger)
	if err != nil {
		resultErr = err
		logger.Error("stock aggregate check failed", slog.Any("error", err))
		return resultErr
	}

	j.metrics().AddDrift("lot_replay", lotDrift)
	j.metrics().AddDrift("stock_aggregate", aggDrift)
	logger.Info("completed ledger integrity sweep",
		slog.Int("lot_drift", lotDrift),
		slog.Int("aggregate_drift", aggDrift),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

// checkLotReplay verifies that original quantity plus every non-restock delta
// reproduces the stored remainder for each lot.
func (j *LedgerIntegrityJob) checkLotReplay(ctx context.Context, logger *slog.Logger) (int, error) {
	if j.Pool == nil {
		return 0, errors.New("ledger integrity: pool not configured")
	}
	rows, err := j.Pool.Query(ctx, `
		SELECT l.id, l.quantity_original, l.quantity_remaining,
		       COALESCE(SUM(m.delta_quantity) FILTER (WHERE m.reason <> 'RESTOCK'), 0)
		FROM lots l
		LEFT JOIN lot_mutations m ON m.lot_id = l.id
		WHERE l.status <> 'CORRECTED'
		GROUP BY l.id, l.quantity_original, l.quantity_remaining`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	drift := 0
	for rows.Next() {
		var lotID int64
		var original, remaining, deltaSum float64
		if err := rows.Scan(&lotID, &original, &remaining, &deltaSum); err != nil {
			return drift, err
		}
		replayed := original + deltaSum
		if math.Abs(replayed-remaining) > driftTolerance {
			drift++
			logger.Warn("lot remainder drift",
				slog.Int64("lot_id", lotID),
				slog.Float64("remaining", remaining),
				slog.Float64("replayed", replayed),
			)
		}
	}
	return drift, rows.Err()
}

// checkStockAggregate verifies product_stock against the sum of remainders
// over non-corrected lots.
func (j *LedgerIntegrityJob) checkStockAggregate(ctx context.Context, logger *slog.Logger) (int, error) {
	if j.Pool == nil {
		return 0, errors.New("ledger integrity: pool not configured")
	}
	rows, err := j.Pool.Query(ctx, `
		SELECT s.product_id, s.owner_id, s.quantity,
		       COALESCE(SUM(l.quantity_remaining) FILTER (WHERE l.status <> 'CORRECTED'), 0)
		FROM product_stock s
		LEFT JOIN lots l ON l.product_id = s.product_id AND l.owner_id = s.owner_id
		GROUP BY s.product_id, s.owner_id, s.quantity`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	drift := 0
	for rows.Next() {
		var productID, ownerID int64
		var aggregate, lotSum float64
		if err := rows.Scan(&productID, &ownerID, &aggregate, &lotSum); err != nil {
			return drift, err
		}
		if math.Abs(aggregate-lotSum) > driftTolerance {
			drift++
			logger.Warn("stock aggregate drift",
				slog.Int64("product_id", productID),
				slog.Int64("owner_id", ownerID),
				slog.Float64("aggregate", aggregate),
				slog.Float64("lot_sum", lotSum),
			)
		}
	}
	return drift, rows.Err()
}

func (j *LedgerIntegrityJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerIntegrity))
	}
	return slog.Default().With(slog.String("job", TaskLedgerIntegrity))
}

func (j *LedgerIntegrityJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *LedgerIntegrityJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
