package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
)

// Repo Postgres 仓储，语义与 sqlite.Repo 一致，用于多实例部署
type Repo struct {
	db *sql.DB
}

func New(dsn string) (*Repo, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS opportunities (
  id TEXT PRIMARY KEY,
  symbol TEXT NOT NULL,
  long_exchange TEXT NOT NULL,
  short_exchange TEXT NOT NULL,
  status TEXT NOT NULL,
  detected_at BIGINT NOT NULL,
  ended_at BIGINT NOT NULL DEFAULT 0,
  duration_ms BIGINT NOT NULL DEFAULT 0,
  initial_spread DOUBLE PRECISION NOT NULL,
  current_spread DOUBLE PRECISION NOT NULL,
  max_spread DOUBLE PRECISION NOT NULL,
  max_spread_at BIGINT NOT NULL,
  initial_apy DOUBLE PRECISION NOT NULL,
  current_apy DOUBLE PRECISION NOT NULL,
  max_apy DOUBLE PRECISION NOT NULL,
  long_interval INT NOT NULL,
  short_interval INT NOT NULL,
  price_diff DOUBLE PRECISION NOT NULL DEFAULT 0,
  settlement_count INT NOT NULL DEFAULT 0,
  notify_count INT NOT NULL DEFAULT 0,
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_opp_active_key
  ON opportunities(symbol, long_exchange, short_exchange) WHERE status='ACTIVE';
CREATE INDEX IF NOT EXISTS idx_opp_status ON opportunities(status);

CREATE TABLE IF NOT EXISTS opportunity_end_history (
  id TEXT PRIMARY KEY,
  opportunity_id TEXT NOT NULL,
  symbol TEXT NOT NULL,
  long_exchange TEXT NOT NULL,
  short_exchange TEXT NOT NULL,
  detected_at BIGINT NOT NULL,
  disappeared_at BIGINT NOT NULL,
  duration_ms BIGINT NOT NULL,
  initial_spread DOUBLE PRECISION NOT NULL,
  max_spread DOUBLE PRECISION NOT NULL,
  max_spread_at BIGINT NOT NULL,
  initial_apy DOUBLE PRECISION NOT NULL,
  max_apy DOUBLE PRECISION NOT NULL,
  settlement_count INT NOT NULL,
  realized_profit DOUBLE PRECISION NOT NULL,
  cost DOUBLE PRECISION NOT NULL,
  net_profit DOUBLE PRECISION NOT NULL,
  realized_apy DOUBLE PRECISION NOT NULL,
  notify_count INT NOT NULL,
  reason TEXT NOT NULL,
  created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_end_symbol ON opportunity_end_history(symbol);

CREATE TABLE IF NOT EXISTS positions (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL DEFAULT '',
  symbol TEXT NOT NULL,
  quantity DOUBLE PRECISION NOT NULL,
  leverage INT NOT NULL,
  long_leg JSONB NOT NULL,
  short_leg JSONB NOT NULL,
  status TEXT NOT NULL,
  cond_order_status TEXT NOT NULL,
  cond_order_error TEXT NOT NULL DEFAULT '',
  failure_detail TEXT NOT NULL DEFAULT '',
  entry_spread DOUBLE PRECISION NOT NULL,
  open_time BIGINT NOT NULL,
  close_time BIGINT NOT NULL DEFAULT 0,
  close_reason TEXT NOT NULL DEFAULT '',
  notes TEXT NOT NULL DEFAULT '',
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pos_status ON positions(status);

CREATE TABLE IF NOT EXISTS trades (
  id TEXT PRIMARY KEY,
  position_id TEXT NOT NULL,
  symbol TEXT NOT NULL,
  long_exchange TEXT NOT NULL,
  short_exchange TEXT NOT NULL,
  quantity DOUBLE PRECISION NOT NULL,
  long_entry DOUBLE PRECISION NOT NULL,
  short_entry DOUBLE PRECISION NOT NULL,
  long_close DOUBLE PRECISION NOT NULL,
  short_close DOUBLE PRECISION NOT NULL,
  price_diff_pnl DOUBLE PRECISION NOT NULL,
  funding_pnl DOUBLE PRECISION NOT NULL,
  fees DOUBLE PRECISION NOT NULL,
  net_pnl DOUBLE PRECISION NOT NULL,
  roi DOUBLE PRECISION NOT NULL,
  holding_ms BIGINT NOT NULL,
  close_reason TEXT NOT NULL,
  closed_at BIGINT NOT NULL,
  created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_position ON trades(position_id);
`)
	return err
}

func (r *Repo) UpsertOpportunity(ctx context.Context, opp *model.ArbitrageOpportunity) error {
	now := time.Now().UnixMilli()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO opportunities(
			id, symbol, long_exchange, short_exchange, status,
			detected_at, ended_at, duration_ms,
			initial_spread, current_spread, max_spread, max_spread_at,
			initial_apy, current_apy, max_apy,
			long_interval, short_interval, price_diff,
			settlement_count, notify_count, created_at, updated_at
		) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status, ended_at=excluded.ended_at, duration_ms=excluded.duration_ms,
			current_spread=excluded.current_spread, max_spread=excluded.max_spread,
			max_spread_at=excluded.max_spread_at, current_apy=excluded.current_apy,
			max_apy=excluded.max_apy, long_interval=excluded.long_interval,
			short_interval=excluded.short_interval, price_diff=excluded.price_diff,
			settlement_count=excluded.settlement_count, notify_count=excluded.notify_count,
			updated_at=excluded.updated_at
	`, opp.ID, opp.Symbol, opp.LongExchange, opp.ShortExchange, opp.Status,
		opp.DetectedAt, opp.EndedAt, opp.DurationMs,
		opp.InitialSpread, opp.CurrentSpread, opp.MaxSpread, opp.MaxSpreadAt,
		opp.InitialAPY, opp.CurrentAPY, opp.MaxAPY,
		opp.LongInterval, opp.ShortInterval, opp.PriceDiff,
		opp.SettlementCount, opp.NotifyCount, now, now)
	return err
}

const oppColumns = `id, symbol, long_exchange, short_exchange, status,
	detected_at, ended_at, duration_ms,
	initial_spread, current_spread, max_spread, max_spread_at,
	initial_apy, current_apy, max_apy,
	long_interval, short_interval, price_diff, settlement_count, notify_count`

func scanOpportunity(row interface{ Scan(...any) error }) (*model.ArbitrageOpportunity, error) {
	var o model.ArbitrageOpportunity
	err := row.Scan(&o.ID, &o.Symbol, &o.LongExchange, &o.ShortExchange, &o.Status,
		&o.DetectedAt, &o.EndedAt, &o.DurationMs,
		&o.InitialSpread, &o.CurrentSpread, &o.MaxSpread, &o.MaxSpreadAt,
		&o.InitialAPY, &o.CurrentAPY, &o.MaxAPY,
		&o.LongInterval, &o.ShortInterval, &o.PriceDiff, &o.SettlementCount, &o.NotifyCount)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *Repo) GetActiveOpportunity(ctx context.Context, symbol, longEx, shortEx string) (*model.ArbitrageOpportunity, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+oppColumns+` FROM opportunities
		WHERE symbol=$1 AND long_exchange=$2 AND short_exchange=$3 AND status='ACTIVE'
	`, symbol, longEx, shortEx)
	o, err := scanOpportunity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

func (r *Repo) ListActiveOpportunities(ctx context.Context, symbol string) ([]*model.ArbitrageOpportunity, error) {
	query := `SELECT ` + oppColumns + ` FROM opportunities WHERE status='ACTIVE'`
	args := []any{}
	if symbol != "" {
		query += ` AND symbol=$1`
		args = append(args, symbol)
	}
	query += ` ORDER BY detected_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.ArbitrageOpportunity
	for rows.Next() {
		o, err := scanOpportunity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *Repo) InsertEndHistory(ctx context.Context, h *model.OpportunityEndHistory) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO opportunity_end_history(
			id, opportunity_id, symbol, long_exchange, short_exchange,
			detected_at, disappeared_at, duration_ms,
			initial_spread, max_spread, max_spread_at, initial_apy, max_apy,
			settlement_count, realized_profit, cost, net_profit, realized_apy,
			notify_count, reason, created_at
		) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
	`, h.ID, h.OpportunityID, h.Symbol, h.LongExchange, h.ShortExchange,
		h.DetectedAt, h.DisappearedAt, h.DurationMs,
		h.InitialSpread, h.MaxSpread, h.MaxSpreadAt, h.InitialAPY, h.MaxAPY,
		h.SettlementCount, h.RealizedProfit, h.Cost, h.NetProfit, h.RealizedAPY,
		h.NotifyCount, h.Reason, h.CreatedAt)
	return err
}

func encodeLeg(leg *model.PositionLeg) ([]byte, error) {
	b, err := json.Marshal(leg)
	if err != nil {
		return nil, fmt.Errorf("encode leg: %w", err)
	}
	return b, nil
}

func (r *Repo) CreatePosition(ctx context.Context, pos *model.Position) error {
	longLeg, err := encodeLeg(&pos.Long)
	if err != nil {
		return err
	}
	shortLeg, err := encodeLeg(&pos.Short)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO positions(
			id, user_id, symbol, quantity, leverage, long_leg, short_leg,
			status, cond_order_status, cond_order_error, failure_detail,
			entry_spread, open_time, close_time, close_reason, notes,
			created_at, updated_at
		) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`, pos.ID, pos.UserID, pos.Symbol, pos.Quantity, pos.Leverage, longLeg, shortLeg,
		pos.Status, pos.CondOrderStatus, pos.CondOrderError, pos.FailureDetail,
		pos.EntrySpread, pos.OpenTime, pos.CloseTime, pos.CloseReason, pos.Notes,
		now, now)
	return err
}

func (r *Repo) UpdatePosition(ctx context.Context, pos *model.Position) error {
	longLeg, err := encodeLeg(&pos.Long)
	if err != nil {
		return err
	}
	shortLeg, err := encodeLeg(&pos.Short)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE positions SET
			long_leg=$1, short_leg=$2, status=$3, cond_order_status=$4,
			cond_order_error=$5, failure_detail=$6, close_time=$7, close_reason=$8,
			notes=$9, updated_at=$10
		WHERE id=$11
	`, longLeg, shortLeg, pos.Status, pos.CondOrderStatus,
		pos.CondOrderError, pos.FailureDetail, pos.CloseTime, pos.CloseReason,
		pos.Notes, time.Now().UnixMilli(), pos.ID)
	return err
}

const posColumns = `id, user_id, symbol, quantity, leverage, long_leg, short_leg,
	status, cond_order_status, cond_order_error, failure_detail,
	entry_spread, open_time, close_time, close_reason, notes`

func scanPosition(row interface{ Scan(...any) error }) (*model.Position, error) {
	var p model.Position
	var longLeg, shortLeg []byte
	err := row.Scan(&p.ID, &p.UserID, &p.Symbol, &p.Quantity, &p.Leverage, &longLeg, &shortLeg,
		&p.Status, &p.CondOrderStatus, &p.CondOrderError, &p.FailureDetail,
		&p.EntrySpread, &p.OpenTime, &p.CloseTime, &p.CloseReason, &p.Notes)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(longLeg, &p.Long); err != nil {
		return nil, fmt.Errorf("decode long leg: %w", err)
	}
	if err := json.Unmarshal(shortLeg, &p.Short); err != nil {
		return nil, fmt.Errorf("decode short leg: %w", err)
	}
	return &p, nil
}

func (r *Repo) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+posColumns+` FROM positions WHERE id=$1`, id)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func (r *Repo) ListPositionsByStatus(ctx context.Context, status string) ([]*model.Position, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+posColumns+` FROM positions WHERE status=$1 ORDER BY open_time DESC
	`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repo) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO trades(
			id, position_id, symbol, long_exchange, short_exchange,
			quantity, long_entry, short_entry, long_close, short_close,
			price_diff_pnl, funding_pnl, fees, net_pnl, roi,
			holding_ms, close_reason, closed_at, created_at
		) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`, tr.ID, tr.PositionID, tr.Symbol, tr.LongExchange, tr.ShortExchange,
		tr.Quantity, tr.LongEntry, tr.ShortEntry, tr.LongClose, tr.ShortClose,
		tr.PriceDiffPnL, tr.FundingPnL, tr.Fees, tr.NetPnL, tr.ROI,
		tr.HoldingMs, tr.CloseReason, tr.ClosedAt, time.Now().UnixMilli())
	return err
}

var _ port.Repository = (*Repo)(nil)
