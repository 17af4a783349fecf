package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"SmartFlow/internal/domain/models"
	"SmartFlow/internal/domain/repository"
)

const flowColumns = "ts, instrument_id, market, " +
	"foreign_buy_amount, foreign_sell_amount, foreign_buy_volume, foreign_sell_volume, " +
	"institution_buy_amount, institution_sell_amount, institution_buy_volume, institution_sell_volume, " +
	"individual_buy_amount, individual_sell_amount, individual_buy_volume, individual_sell_volume, " +
	"program_buy_amount, program_sell_amount, updated_at"

// ClickHouseFlowStore implements FlowSink on a ReplacingMergeTree table
// keyed by (ts, instrument_id, market). Re-upserting a key overwrites the
// measure columns and bumps updated_at; reads go through FINAL so replays
// deduplicate.
type ClickHouseFlowStore struct {
	db    *sql.DB
	table string
}

// NewClickHouseFlowStore creates the ClickHouse-backed sink.
func NewClickHouseFlowStore(db *sql.DB, table string) repository.FlowSink {
	return &ClickHouseFlowStore{db: db, table: table}
}

func (s *ClickHouseFlowStore) Init(ctx context.Context) error {
	return nil // Schema init in pkg
}

func (s *ClickHouseFlowStore) Upsert(ctx context.Context, r *models.FlowRecord) error {
	return s.UpsertBatch(ctx, []*models.FlowRecord{r})
}

func (s *ClickHouseFlowStore) UpsertBatch(ctx context.Context, records []*models.FlowRecord) error {
	if len(records) == 0 {
		return nil
	}
	// Multi-row VALUES insert to reduce round-trips, chunked.
	const chunkSize = 2000
	now := time.Now().UTC()

	for start := 0; start < len(records); start += chunkSize {
		end := start + chunkSize
		if end > len(records) {
			end = len(records)
		}

		values := make([]string, 0, end-start)
		args := make([]interface{}, 0, (end-start)*18)
		for _, r := range records[start:end] {
			if r == nil || r.Market == "" || r.Timestamp.IsZero() {
				continue
			}
			values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
			args = append(args,
				r.Timestamp,
				r.InstrumentID,
				string(r.Market),
				r.Foreign.BuyAmount, r.Foreign.SellAmount, r.Foreign.BuyVolume, r.Foreign.SellVolume,
				r.Institution.BuyAmount, r.Institution.SellAmount, r.Institution.BuyVolume, r.Institution.SellVolume,
				r.Individual.BuyAmount, r.Individual.SellAmount, r.Individual.BuyVolume, r.Individual.SellVolume,
				r.ProgramBuyAmount, r.ProgramSellAmount,
				now,
			)
		}
		if len(values) == 0 {
			continue
		}
		q := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", s.table, flowColumns, strings.Join(values, ","))
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("upsert flow batch: %w", err)
		}
	}
	return nil
}

func (s *ClickHouseFlowStore) Query(ctx context.Context, instrumentID string, market models.Market, from, to time.Time, limit int) ([]*models.FlowRecord, error) {
	q := fmt.Sprintf("SELECT %s FROM %s FINAL WHERE instrument_id = ? AND market = ? AND ts >= ? AND ts <= ? ORDER BY ts ASC LIMIT ?",
		strings.Replace(flowColumns, ", updated_at", "", 1), s.table)

	rows, err := s.db.QueryContext(ctx, q, instrumentID, string(market), from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("query flow records: %w", err)
	}
	defer rows.Close()

	var records []*models.FlowRecord
	for rows.Next() {
		var r models.FlowRecord
		var market string
		if err := rows.Scan(
			&r.Timestamp, &r.InstrumentID, &market,
			&r.Foreign.BuyAmount, &r.Foreign.SellAmount, &r.Foreign.BuyVolume, &r.Foreign.SellVolume,
			&r.Institution.BuyAmount, &r.Institution.SellAmount, &r.Institution.BuyVolume, &r.Institution.SellVolume,
			&r.Individual.BuyAmount, &r.Individual.SellAmount, &r.Individual.BuyVolume, &r.Individual.SellVolume,
			&r.ProgramBuyAmount, &r.ProgramSellAmount,
		); err != nil {
			return nil, err
		}
		r.Market = models.Market(market)
		records = append(records, &r)
	}
	return records, rows.Err()
}

func (s *ClickHouseFlowStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *ClickHouseFlowStore) Close() error {
	return nil // Managed by pkg
}
