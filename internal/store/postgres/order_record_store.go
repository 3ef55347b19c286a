package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vantagebot/tradesync/internal/domain"
)

// OrderRecordStore implements domain.OrderRecordStore using PostgreSQL.
// Decimal columns are NUMERIC and travel as strings so no precision is lost
// between the tracker and the database.
type OrderRecordStore struct {
	pool *pgxpool.Pool
}

// NewOrderRecordStore creates a store backed by the given connection pool.
func NewOrderRecordStore(pool *pgxpool.Pool) *OrderRecordStore {
	return &OrderRecordStore{pool: pool}
}

// terminalStates is the SQL literal list of states that end an order's life.
const terminalStates = `('FILLED', 'CANCELED', 'FAILED')`

const recordCols = `client_order_id, exchange_order_id, exchange, trading_pair,
	side, order_type,
	price::text, amount::text,
	executed_amount_base::text, executed_amount_quote::text,
	fee_asset, fee_paid::text, state, created_at`

// Put inserts or fully replaces the record for a client order id.
func (s *OrderRecordStore) Put(ctx context.Context, rec domain.OrderRecord) error {
	const query = `
		INSERT INTO order_records (
			client_order_id, exchange_order_id, exchange, trading_pair,
			side, order_type, price, amount,
			executed_amount_base, executed_amount_quote,
			fee_asset, fee_paid, state, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW()
		)
		ON CONFLICT (client_order_id) DO UPDATE SET
			exchange_order_id     = EXCLUDED.exchange_order_id,
			executed_amount_base  = EXCLUDED.executed_amount_base,
			executed_amount_quote = EXCLUDED.executed_amount_quote,
			fee_asset             = EXCLUDED.fee_asset,
			fee_paid              = EXCLUDED.fee_paid,
			state                 = EXCLUDED.state,
			updated_at            = NOW()`

	_, err := s.pool.Exec(ctx, query,
		rec.ClientOrderID, rec.ExchangeOrderID, rec.Exchange, rec.TradingPair,
		rec.Side, rec.OrderType, rec.Price, rec.Amount,
		rec.ExecutedAmountBase, rec.ExecutedAmountQuote,
		rec.FeeAsset, rec.FeePaid, rec.State, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: put order record %s: %w", rec.ClientOrderID, err)
	}
	return nil
}

// Get retrieves a single record by client order id.
func (s *OrderRecordStore) Get(ctx context.Context, clientOrderID string) (domain.OrderRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordCols+` FROM order_records WHERE client_order_id = $1`,
		clientOrderID)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OrderRecord{}, domain.ErrNotFound
		}
		return domain.OrderRecord{}, fmt.Errorf("postgres: get order record %s: %w", clientOrderID, err)
	}
	return rec, nil
}

// GetAllOpen returns every non-terminal record for an exchange, oldest
// first, for restart restoration.
func (s *OrderRecordStore) GetAllOpen(ctx context.Context, exchange string) ([]domain.OrderRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordCols+` FROM order_records
		 WHERE exchange = $1 AND state NOT IN `+terminalStates+`
		 ORDER BY created_at ASC`, exchange)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open order records: %w", err)
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open order records: %w", err)
	}
	return recs, nil
}

// ListTerminalBefore returns terminal records created strictly before the
// cutoff, oldest first, for audit archival.
func (s *OrderRecordStore) ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.OrderRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordCols+` FROM order_records
		 WHERE state IN `+terminalStates+` AND created_at < $1
		 ORDER BY created_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal order records: %w", err)
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan terminal order records: %w", err)
	}
	return recs, nil
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (domain.OrderRecord, error) {
	var rec domain.OrderRecord
	err := scanner.Scan(
		&rec.ClientOrderID, &rec.ExchangeOrderID, &rec.Exchange, &rec.TradingPair,
		&rec.Side, &rec.OrderType, &rec.Price, &rec.Amount,
		&rec.ExecutedAmountBase, &rec.ExecutedAmountQuote,
		&rec.FeeAsset, &rec.FeePaid, &rec.State, &rec.CreatedAt,
	)
	if err != nil {
		return domain.OrderRecord{}, err
	}
	return rec, nil
}

func scanRecords(rows pgx.Rows) ([]domain.OrderRecord, error) {
	var recs []domain.OrderRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
