package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
)

// Repo 本地 SQLite 仓储，零部署依赖的默认持久化后端
type Repo struct {
	db *sql.DB
}

func New(path string) (*Repo, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) GetDB() *sql.DB {
	return r.db
}

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS opportunities (
  id TEXT PRIMARY KEY,
  symbol TEXT NOT NULL,
  long_exchange TEXT NOT NULL,
  short_exchange TEXT NOT NULL,
  status TEXT NOT NULL,
  detected_at INTEGER NOT NULL,
  ended_at INTEGER NOT NULL DEFAULT 0,
  duration_ms INTEGER NOT NULL DEFAULT 0,
  initial_spread REAL NOT NULL,
  current_spread REAL NOT NULL,
  max_spread REAL NOT NULL,
  max_spread_at INTEGER NOT NULL,
  initial_apy REAL NOT NULL,
  current_apy REAL NOT NULL,
  max_apy REAL NOT NULL,
  long_interval INTEGER NOT NULL,
  short_interval INTEGER NOT NULL,
  price_diff REAL NOT NULL DEFAULT 0,
  settlement_count INTEGER NOT NULL DEFAULT 0,
  notify_count INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_opp_active_key
  ON opportunities(symbol, long_exchange, short_exchange) WHERE status='ACTIVE';
CREATE INDEX IF NOT EXISTS idx_opp_status ON opportunities(status);
CREATE INDEX IF NOT EXISTS idx_opp_detected ON opportunities(detected_at);

CREATE TABLE IF NOT EXISTS opportunity_end_history (
  id TEXT PRIMARY KEY,
  opportunity_id TEXT NOT NULL,
  symbol TEXT NOT NULL,
  long_exchange TEXT NOT NULL,
  short_exchange TEXT NOT NULL,
  detected_at INTEGER NOT NULL,
  disappeared_at INTEGER NOT NULL,
  duration_ms INTEGER NOT NULL,
  initial_spread REAL NOT NULL,
  max_spread REAL NOT NULL,
  max_spread_at INTEGER NOT NULL,
  initial_apy REAL NOT NULL,
  max_apy REAL NOT NULL,
  settlement_count INTEGER NOT NULL,
  realized_profit REAL NOT NULL,
  cost REAL NOT NULL,
  net_profit REAL NOT NULL,
  realized_apy REAL NOT NULL,
  notify_count INTEGER NOT NULL,
  reason TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_end_symbol ON opportunity_end_history(symbol);
CREATE INDEX IF NOT EXISTS idx_end_disappeared ON opportunity_end_history(disappeared_at);

CREATE TABLE IF NOT EXISTS positions (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL DEFAULT '',
  symbol TEXT NOT NULL,
  quantity REAL NOT NULL,
  leverage INTEGER NOT NULL,
  long_leg TEXT NOT NULL,
  short_leg TEXT NOT NULL,
  status TEXT NOT NULL,
  cond_order_status TEXT NOT NULL,
  cond_order_error TEXT NOT NULL DEFAULT '',
  failure_detail TEXT NOT NULL DEFAULT '',
  entry_spread REAL NOT NULL,
  open_time INTEGER NOT NULL,
  close_time INTEGER NOT NULL DEFAULT 0,
  close_reason TEXT NOT NULL DEFAULT '',
  notes TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pos_status ON positions(status);
CREATE INDEX IF NOT EXISTS idx_pos_symbol ON positions(symbol);
CREATE INDEX IF NOT EXISTS idx_pos_open_time ON positions(open_time);

CREATE TABLE IF NOT EXISTS trades (
  id TEXT PRIMARY KEY,
  position_id TEXT NOT NULL,
  symbol TEXT NOT NULL,
  long_exchange TEXT NOT NULL,
  short_exchange TEXT NOT NULL,
  quantity REAL NOT NULL,
  long_entry REAL NOT NULL,
  short_entry REAL NOT NULL,
  long_close REAL NOT NULL,
  short_close REAL NOT NULL,
  price_diff_pnl REAL NOT NULL,
  funding_pnl REAL NOT NULL,
  fees REAL NOT NULL,
  net_pnl REAL NOT NULL,
  roi REAL NOT NULL,
  holding_ms INTEGER NOT NULL,
  close_reason TEXT NOT NULL,
  closed_at INTEGER NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_position ON trades(position_id);
CREATE INDEX IF NOT EXISTS idx_trades_closed ON trades(closed_at);
`)
	return err
}

// UpsertOpportunity 按 id 写入机会快照
// 部分唯一索引 idx_opp_active_key 兜底保证同键最多一条 ACTIVE
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
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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
		WHERE symbol=? AND long_exchange=? AND short_exchange=? AND status='ACTIVE'
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
		query += ` AND symbol=?`
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
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, h.ID, h.OpportunityID, h.Symbol, h.LongExchange, h.ShortExchange,
		h.DetectedAt, h.DisappearedAt, h.DurationMs,
		h.InitialSpread, h.MaxSpread, h.MaxSpreadAt, h.InitialAPY, h.MaxAPY,
		h.SettlementCount, h.RealizedProfit, h.Cost, h.NetProfit, h.RealizedAPY,
		h.NotifyCount, h.Reason, h.CreatedAt)
	return err
}

// 腿结构以 JSON 直接落列，避免为十几个腿级字段各开一列
func encodeLeg(leg *model.PositionLeg) (string, error) {
	b, err := json.Marshal(leg)
	if err != nil {
		return "", fmt.Errorf("encode leg: %w", err)
	}
	return string(b), nil
}

func decodeLeg(raw string, leg *model.PositionLeg) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), leg)
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
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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
			long_leg=?, short_leg=?, status=?, cond_order_status=?,
			cond_order_error=?, failure_detail=?, close_time=?, close_reason=?,
			notes=?, updated_at=?
		WHERE id=?
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
	var longLeg, shortLeg string
	err := row.Scan(&p.ID, &p.UserID, &p.Symbol, &p.Quantity, &p.Leverage, &longLeg, &shortLeg,
		&p.Status, &p.CondOrderStatus, &p.CondOrderError, &p.FailureDetail,
		&p.EntrySpread, &p.OpenTime, &p.CloseTime, &p.CloseReason, &p.Notes)
	if err != nil {
		return nil, err
	}
	if err := decodeLeg(longLeg, &p.Long); err != nil {
		return nil, fmt.Errorf("decode long leg: %w", err)
	}
	if err := decodeLeg(shortLeg, &p.Short); err != nil {
		return nil, fmt.Errorf("decode short leg: %w", err)
	}
	return &p, nil
}

func (r *Repo) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+posColumns+` FROM positions WHERE id=?`, id)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func (r *Repo) ListPositionsByStatus(ctx context.Context, status string) ([]*model.Position, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+posColumns+` FROM positions WHERE status=? ORDER BY open_time DESC
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
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tr.ID, tr.PositionID, tr.Symbol, tr.LongExchange, tr.ShortExchange,
		tr.Quantity, tr.LongEntry, tr.ShortEntry, tr.LongClose, tr.ShortClose,
		tr.PriceDiffPnL, tr.FundingPnL, tr.Fees, tr.NetPnL, tr.ROI,
		tr.HoldingMs, tr.CloseReason, tr.ClosedAt, time.Now().UnixMilli())
	return err
}

var _ port.Repository = (*Repo)(nil)
