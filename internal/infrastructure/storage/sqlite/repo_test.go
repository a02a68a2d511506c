package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"fundarb/internal/domain/model"
)

func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	repo, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create repo: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func testOpportunity() *model.ArbitrageOpportunity {
	return &model.ArbitrageOpportunity{
		ID:            "BTCUSDT_BINANCE_OKX_1700000000000",
		Symbol:        "BTCUSDT",
		LongExchange:  "BINANCE",
		ShortExchange: "OKX",
		Status:        model.OpportunityActive,
		DetectedAt:    1700000000000,
		InitialSpread: 0.006,
		CurrentSpread: 0.006,
		MaxSpread:     0.006,
		MaxSpreadAt:   1700000000000,
		InitialAPY:    6.57,
		CurrentAPY:    6.57,
		MaxAPY:        6.57,
		LongInterval:  8,
		ShortInterval: 4,
	}
}

func TestOpportunityUpsertAndGet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	opp := testOpportunity()
	if err := repo.UpsertOpportunity(ctx, opp); err != nil {
		t.Fatalf("UpsertOpportunity failed: %v", err)
	}

	got, err := repo.GetActiveOpportunity(ctx, "BTCUSDT", "BINANCE", "OKX")
	if err != nil {
		t.Fatalf("GetActiveOpportunity failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected active opportunity, got nil")
	}
	if got.ID != opp.ID || got.CurrentSpread != 0.006 || got.ShortInterval != 4 {
		t.Errorf("round trip mismatch: %+v", got)
	}

	// 同 id 再写应更新而不是报错
	opp.CurrentSpread = 0.008
	opp.MaxSpread = 0.008
	opp.SettlementCount = 2
	if err := repo.UpsertOpportunity(ctx, opp); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	got, _ = repo.GetActiveOpportunity(ctx, "BTCUSDT", "BINANCE", "OKX")
	if got.CurrentSpread != 0.008 || got.SettlementCount != 2 {
		t.Errorf("update not applied: %+v", got)
	}
}

func TestGetActiveOpportunityNotFound(t *testing.T) {
	repo := newTestRepo(t)

	got, err := repo.GetActiveOpportunity(context.Background(), "BTCUSDT", "BINANCE", "OKX")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing row, got %+v", got)
	}
}

func TestSingleActivePerKey(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	first := testOpportunity()
	if err := repo.UpsertOpportunity(ctx, first); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}

	// 不同 id、同键、同为 ACTIVE：部分唯一索引必须拒绝
	second := testOpportunity()
	second.ID = "BTCUSDT_BINANCE_OKX_1700000099999"
	if err := repo.UpsertOpportunity(ctx, second); err == nil {
		t.Fatal("expected unique violation for second ACTIVE row with same key")
	}

	// 第一条 ENDED 之后同键可以再开新 ACTIVE
	first.Status = model.OpportunityEnded
	first.EndedAt = 1700000100000
	if err := repo.UpsertOpportunity(ctx, first); err != nil {
		t.Fatalf("end first failed: %v", err)
	}
	if err := repo.UpsertOpportunity(ctx, second); err != nil {
		t.Fatalf("new active after end failed: %v", err)
	}

	actives, err := repo.ListActiveOpportunities(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("ListActiveOpportunities failed: %v", err)
	}
	if len(actives) != 1 || actives[0].ID != second.ID {
		t.Fatalf("expected only the new active row, got %d", len(actives))
	}
}

func TestListActiveAllSymbols(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	a := testOpportunity()
	b := testOpportunity()
	b.ID = "ETHUSDT_BINANCE_OKX_1700000000000"
	b.Symbol = "ETHUSDT"
	repo.UpsertOpportunity(ctx, a)
	repo.UpsertOpportunity(ctx, b)

	all, err := repo.ListActiveOpportunities(ctx, "")
	if err != nil {
		t.Fatalf("ListActiveOpportunities failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 actives across symbols, got %d", len(all))
	}

	only, _ := repo.ListActiveOpportunities(ctx, "ETHUSDT")
	if len(only) != 1 || only[0].Symbol != "ETHUSDT" {
		t.Fatalf("symbol filter broken: %+v", only)
	}
}

func TestInsertEndHistory(t *testing.T) {
	repo := newTestRepo(t)

	h := &model.OpportunityEndHistory{
		ID:             "end_1",
		OpportunityID:  "BTCUSDT_BINANCE_OKX_1700000000000",
		Symbol:         "BTCUSDT",
		LongExchange:   "BINANCE",
		ShortExchange:  "OKX",
		DetectedAt:     1700000000000,
		DisappearedAt:  1700064800000,
		DurationMs:     64800000,
		InitialSpread:  0.006,
		MaxSpread:      0.008,
		RealizedProfit: 120,
		Cost:           50,
		NetProfit:      70,
		Reason:         "below_threshold",
		CreatedAt:      1700064800000,
	}
	if err := repo.InsertEndHistory(context.Background(), h); err != nil {
		t.Fatalf("InsertEndHistory failed: %v", err)
	}
}

func testPosition() *model.Position {
	return &model.Position{
		ID:       "pos_1",
		Symbol:   "BTCUSDT",
		Quantity: 0.5,
		Leverage: 3,
		Long: model.PositionLeg{
			Exchange:        "BINANCE",
			Side:            model.SideLong,
			EntryPrice:      100,
			Size:            0.5,
			Contracts:       0.5,
			Leverage:        3,
			OrderID:         "l1",
			StopLossEnabled: true,
			StopLossPrice:   90,
			StopLossOrderID: "sl1",
		},
		Short: model.PositionLeg{
			Exchange:   "OKX",
			Side:       model.SideShort,
			EntryPrice: 101,
			Size:       0.5,
			Contracts:  50,
			Leverage:   3,
			OrderID:    "s1",
		},
		Status:          model.PositionOpen,
		CondOrderStatus: model.CondOrderActive,
		EntrySpread:     0.006,
		OpenTime:        1700000000000,
	}
}

func TestPositionRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	pos := testPosition()
	if err := repo.CreatePosition(ctx, pos); err != nil {
		t.Fatalf("CreatePosition failed: %v", err)
	}

	got, err := repo.GetPosition(ctx, "pos_1")
	if err != nil {
		t.Fatalf("GetPosition failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected position, got nil")
	}
	if got.Long.StopLossOrderID != "sl1" || got.Short.Contracts != 50 {
		t.Errorf("leg JSON round trip mismatch: long=%+v short=%+v", got.Long, got.Short)
	}
	if got.Status != model.PositionOpen || got.CondOrderStatus != model.CondOrderActive {
		t.Errorf("status mismatch: %s/%s", got.Status, got.CondOrderStatus)
	}

	got.Status = model.PositionClosed
	got.CloseTime = 1700003600000
	got.CloseReason = model.CloseReasonManual
	got.Long.ClosePrice = 110
	got.Short.ClosePrice = 111
	if err := repo.UpdatePosition(ctx, got); err != nil {
		t.Fatalf("UpdatePosition failed: %v", err)
	}

	got, _ = repo.GetPosition(ctx, "pos_1")
	if got.Status != model.PositionClosed || got.Long.ClosePrice != 110 {
		t.Errorf("update not applied: %+v", got)
	}
}

func TestGetPositionNotFound(t *testing.T) {
	repo := newTestRepo(t)

	got, err := repo.GetPosition(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing position, got %+v", got)
	}
}

func TestListPositionsByStatus(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	open := testPosition()
	closed := testPosition()
	closed.ID = "pos_2"
	closed.Status = model.PositionClosed
	repo.CreatePosition(ctx, open)
	repo.CreatePosition(ctx, closed)

	got, err := repo.ListPositionsByStatus(ctx, model.PositionOpen)
	if err != nil {
		t.Fatalf("ListPositionsByStatus failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "pos_1" {
		t.Fatalf("expected only pos_1 open, got %d", len(got))
	}
}

func TestInsertTrade(t *testing.T) {
	repo := newTestRepo(t)

	tr := &model.Trade{
		ID:            "trade_1",
		PositionID:    "pos_1",
		Symbol:        "BTCUSDT",
		LongExchange:  "BINANCE",
		ShortExchange: "OKX",
		Quantity:      0.5,
		LongEntry:     100,
		ShortEntry:    101,
		LongClose:     110,
		ShortClose:    111,
		FundingPnL:    12.5,
		Fees:          0.211,
		NetPnL:        12.289,
		ROI:           0.36,
		HoldingMs:     3600000,
		CloseReason:   model.CloseReasonManual,
		ClosedAt:      1700003600000,
	}
	if err := repo.InsertTrade(context.Background(), tr); err != nil {
		t.Fatalf("InsertTrade failed: %v", err)
	}
}
