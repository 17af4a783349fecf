package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"SmartFlow/internal/domain/models"
	domrepo "SmartFlow/internal/domain/repository"
	pkgch "SmartFlow/pkg/clickhouse"
	applogger "SmartFlow/pkg/logger"
)

// CHBucketStore computes bucket aggregates straight from the durable flow
// table. It backs reads that fall outside the in-memory aggregator's
// retention and rehydrates the aggregator after a restart.
type CHBucketStore struct {
	db    *sql.DB
	table string
	l     *applogger.Logger
}

func NewCHBucketStore(ch *pkgch.Client, table string) *CHBucketStore {
	return &CHBucketStore{db: ch.DB(), table: table}
}

// SetLogger injects a structured logger.
func (s *CHBucketStore) SetLogger(l *applogger.Logger) { s.l = l }

func bucketFn(size domrepo.BucketSize) (string, error) {
	switch size {
	case domrepo.SizeHourly:
		return "toStartOfHour(ts)", nil
	case domrepo.SizeDaily:
		return "toStartOfDay(ts)", nil
	default:
		return "", fmt.Errorf("unsupported bucket size: %s", size)
	}
}

// GetBuckets aggregates flow sums per window over [from, to], ordered by
// window start.
func (s *CHBucketStore) GetBuckets(ctx context.Context, instrumentID string, market models.Market, size domrepo.BucketSize, from, to time.Time) ([]models.Bucket, error) {
	start := time.Now()
	fn, err := bucketFn(size)
	if err != nil {
		return nil, err
	}

	const qtpl = `
        SELECT %s AS bucket,
               sum(foreign_buy_amount), sum(foreign_sell_amount), sum(foreign_buy_volume), sum(foreign_sell_volume),
               sum(institution_buy_amount), sum(institution_sell_amount), sum(institution_buy_volume), sum(institution_sell_volume),
               sum(individual_buy_amount), sum(individual_sell_amount), sum(individual_buy_volume), sum(individual_sell_volume),
               sum(program_buy_amount), sum(program_sell_amount),
               count() AS records
        FROM %s FINAL
        WHERE instrument_id = ? AND market = ? AND ts >= ? AND ts <= ?
        GROUP BY bucket
        ORDER BY bucket ASC
    `
	q := fmt.Sprintf(qtpl, fn, s.table)
	rows, err := s.db.QueryContext(ctx, q, instrumentID, string(market), from, to)
	if err != nil {
		if s.l != nil {
			s.l.Error("clickhouse get_buckets query error",
				applogger.String("instrument", instrumentID),
				applogger.String("market", string(market)),
				applogger.String("size", string(size)),
				applogger.Error(err),
			)
		}
		return nil, fmt.Errorf("get buckets: %w", err)
	}
	defer rows.Close()

	out := make([]models.Bucket, 0, 64)
	for rows.Next() {
		var b models.Bucket
		var bucketStart time.Time
		if err := rows.Scan(
			&bucketStart,
			&b.Foreign.BuyAmount, &b.Foreign.SellAmount, &b.Foreign.BuyVolume, &b.Foreign.SellVolume,
			&b.Institution.BuyAmount, &b.Institution.SellAmount, &b.Institution.BuyVolume, &b.Institution.SellVolume,
			&b.Individual.BuyAmount, &b.Individual.SellAmount, &b.Individual.BuyVolume, &b.Individual.SellVolume,
			&b.ProgramBuyAmount, &b.ProgramSellAmount,
			&b.RecordCount,
		); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		b.Key = models.BucketKey{
			InstrumentID: instrumentID,
			Market:       market,
			Size:         size.Duration(),
			Start:        bucketStart,
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	if s.l != nil {
		s.l.Debug("clickhouse get_buckets ok",
			applogger.String("instrument", instrumentID),
			applogger.String("market", string(market)),
			applogger.String("size", string(size)),
			applogger.Int("rows", len(out)),
			applogger.Duration("duration_ms", time.Since(start)),
		)
	}
	return out, nil
}

// Instruments lists the distinct instruments with any flow in the market
// over the trailing retention horizon.
func (s *CHBucketStore) Instruments(ctx context.Context, market models.Market, horizon time.Duration) ([]string, error) {
	q := fmt.Sprintf(
		"SELECT DISTINCT instrument_id FROM %s FINAL WHERE market = ? AND instrument_id != '' AND ts >= ? ORDER BY instrument_id",
		s.table,
	)
	rows, err := s.db.QueryContext(ctx, q, string(market), time.Now().UTC().Add(-horizon))
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan instrument: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetLatestNBuckets returns the most recent n windows in ascending order.
func (s *CHBucketStore) GetLatestNBuckets(ctx context.Context, instrumentID string, market models.Market, size domrepo.BucketSize, n int) ([]models.Bucket, error) {
	to := time.Now().UTC()
	from := to.Add(-time.Duration(n) * size.Duration())
	buckets, err := s.GetBuckets(ctx, instrumentID, market, size, from, to)
	if err != nil {
		return nil, err
	}
	if len(buckets) > n {
		buckets = buckets[len(buckets)-n:]
	}
	return buckets, nil
}
