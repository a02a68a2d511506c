package service

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
)

func openPosition() *model.Position {
	return &model.Position{
		ID:       "pos_1",
		UserID:   "u1",
		Symbol:   "BTCUSDT",
		Quantity: 1,
		Leverage: 2,
		Long: model.PositionLeg{
			Exchange: "BINANCE", Side: model.SideLong,
			EntryPrice: 100, Size: 1, Contracts: 1, OrderID: "lo1",
			StopLossEnabled: true, StopLossPrice: 90, StopLossOrderID: "sl1",
		},
		Short: model.PositionLeg{
			Exchange: "OKX", Side: model.SideShort,
			EntryPrice: 101, Size: 1, Contracts: 1, OrderID: "so1",
		},
		Status:          model.PositionOpen,
		CondOrderStatus: model.CondOrderActive,
		OpenTime:        time.Now().UnixMilli() - 3600_000,
	}
}

func newCloser(long, short *fakeExchange, repo port.Repository) *PositionCloser {
	c := NewPositionCloser(map[string]port.ExchangeClient{
		"BINANCE": long,
		"OKX":     short,
	}, repo)
	c.resolver.sleep = func(time.Duration) {}
	return c
}

func priceOrder(price float64) func(*port.OrderRequest) (*port.Order, error) {
	return func(req *port.OrderRequest) (*port.Order, error) {
		return &port.Order{ID: "c1", Symbol: req.Symbol, Status: "filled", AvgPrice: price, FilledQty: req.Quantity}, nil
	}
}

// pricelessOrder 成交但不带价的订单响应，配合空的查单/成交明细触发三级回退失败
func pricelessOrder(id string) func(*port.OrderRequest) (*port.Order, error) {
	return func(req *port.OrderRequest) (*port.Order, error) {
		return &port.Order{ID: id, Symbol: req.Symbol, Status: "filled", FilledQty: req.Quantity}, nil
	}
}

func TestCloseFullSuccessWritesTrade(t *testing.T) {
	long := &fakeExchange{name: "BINANCE", createOrderFn: priceOrder(110)}
	short := &fakeExchange{name: "OKX", createOrderFn: priceOrder(111)}
	repo := newPosRepo()
	pos := openPosition()
	repo.positions[pos.ID] = pos

	closer := newCloser(long, short, repo)
	got, err := closer.Close(context.Background(), pos.ID, "", 12.5)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.PositionClosed {
		t.Fatalf("status = %s, want CLOSED", got.Status)
	}
	if got.CloseReason != model.CloseReasonManual {
		t.Fatalf("reason = %s, want MANUAL default", got.CloseReason)
	}
	if got.Long.ClosePrice != 110 || got.Short.ClosePrice != 111 {
		t.Fatalf("close prices = %v/%v", got.Long.ClosePrice, got.Short.ClosePrice)
	}

	if len(repo.histories) != 0 {
		t.Fatal("closing a position must not touch opportunity history")
	}
	// 多头 +10，空头 101-111 = -10，价差盈亏归零，净额 = 资金费 - 手续费
	if len(repoTrades(repo)) != 1 {
		t.Fatalf("trades = %d, want 1", len(repoTrades(repo)))
	}
	tr := repoTrades(repo)[0]
	if tr.PriceDiffPnL != 0 {
		t.Fatalf("price diff pnl = %v, want 0", tr.PriceDiffPnL)
	}
	if tr.FundingPnL != 12.5 {
		t.Fatalf("funding pnl = %v", tr.FundingPnL)
	}
	wantFees := (100.0 + 110 + 101 + 111) * 0.0005
	if math.Abs(tr.Fees-wantFees) > 1e-9 {
		t.Fatalf("fees = %v, want %v", tr.Fees, wantFees)
	}
	if math.Abs(tr.NetPnL-(12.5-wantFees)) > 1e-9 {
		t.Fatalf("net pnl = %v", tr.NetPnL)
	}
	if tr.HoldingMs <= 0 {
		t.Fatal("holding duration must be positive")
	}
}

func TestClosePersistsFinalState(t *testing.T) {
	long := &fakeExchange{name: "BINANCE", createOrderFn: priceOrder(110)}
	short := &fakeExchange{name: "OKX", createOrderFn: priceOrder(111)}
	repo := newPosRepo()
	pos := openPosition()
	repo.positions[pos.ID] = pos

	closer := newCloser(long, short, repo)
	if _, err := closer.Close(context.Background(), pos.ID, model.CloseReasonManual, 0); err != nil {
		t.Fatal(err)
	}

	stored := repo.positions[pos.ID]
	if stored.Status != model.PositionClosed {
		t.Fatalf("persisted status = %s, want CLOSED", stored.Status)
	}
	if stored.CloseTime == 0 {
		t.Fatal("close time must be persisted")
	}
	if stored.Long.ClosePrice != 110 || stored.Short.ClosePrice != 111 {
		t.Fatalf("persisted close prices = %v/%v", stored.Long.ClosePrice, stored.Short.ClosePrice)
	}
}

func TestClosePersistsPartialState(t *testing.T) {
	long := &fakeExchange{name: "BINANCE", createOrderFn: priceOrder(110)}
	short := &fakeExchange{name: "OKX"}
	short.createOrderFn = func(*port.OrderRequest) (*port.Order, error) {
		return nil, port.NewTransientError("OKX", "rate_limited", context.DeadlineExceeded)
	}
	repo := newPosRepo()
	pos := openPosition()
	repo.positions[pos.ID] = pos

	closer := newCloser(long, short, repo)
	if _, err := closer.Close(context.Background(), pos.ID, model.CloseReasonManual, 0); err == nil {
		t.Fatal("partial close must surface an error")
	}

	stored := repo.positions[pos.ID]
	if stored.Status != model.PositionPartial {
		t.Fatalf("persisted status = %s, want PARTIAL", stored.Status)
	}
	if stored.FailureDetail == "" {
		t.Fatal("failure detail must be persisted")
	}
}

func TestCloseUnresolvedFillPriceSurfacesDegradedState(t *testing.T) {
	long := &fakeExchange{name: "BINANCE", createOrderFn: priceOrder(110)}
	// 空头腿：下单响应、查单、成交明细都拿不到价格
	short := &fakeExchange{name: "OKX", createOrderFn: pricelessOrder("c2")}
	repo := newPosRepo()
	pos := openPosition()
	repo.positions[pos.ID] = pos

	closer := newCloser(long, short, repo)
	got, err := closer.Close(context.Background(), pos.ID, model.CloseReasonManual, 0)
	if !errors.Is(err, ErrFillPriceUnresolved) {
		t.Fatalf("err = %v, want ErrFillPriceUnresolved", err)
	}
	if got.Status != model.PositionClosed {
		t.Fatalf("status = %s, want CLOSED: both legs really closed", got.Status)
	}
	if !strings.Contains(got.FailureDetail, "SHORT") {
		t.Fatalf("failure detail should name the degraded side, got %q", got.FailureDetail)
	}
	if stored := repo.positions[pos.ID]; stored.FailureDetail == "" {
		t.Fatal("degraded detail must be persisted")
	}

	// 缺价腿的价差项记 0，多头腿照常结算
	if len(repoTrades(repo)) != 1 {
		t.Fatalf("trades = %d, want 1", len(repoTrades(repo)))
	}
	tr := repoTrades(repo)[0]
	if tr.ShortClose != 0 {
		t.Fatalf("short close = %v, want 0 placeholder", tr.ShortClose)
	}
	if tr.PriceDiffPnL != 10 {
		t.Fatalf("price diff pnl = %v, want 10 from the long leg alone", tr.PriceDiffPnL)
	}
}

func TestCloseCancelsConditionalOrdersFirst(t *testing.T) {
	long := &fakeExchange{name: "BINANCE", createOrderFn: priceOrder(110)}
	short := &fakeExchange{name: "OKX", createOrderFn: priceOrder(111)}
	repo := newPosRepo()
	pos := openPosition()
	repo.positions[pos.ID] = pos

	closer := newCloser(long, short, repo)
	if _, err := closer.Close(context.Background(), pos.ID, model.CloseReasonManual, 0); err != nil {
		t.Fatal(err)
	}
	if len(long.canceled) != 1 || long.canceled[0] != "sl1" {
		t.Fatalf("canceled = %v, want [sl1]", long.canceled)
	}
}

func TestCloseCancelFailureIsBestEffort(t *testing.T) {
	long := &fakeExchange{name: "BINANCE", createOrderFn: priceOrder(110), cancelErr: context.DeadlineExceeded}
	short := &fakeExchange{name: "OKX", createOrderFn: priceOrder(111)}
	repo := newPosRepo()
	pos := openPosition()
	repo.positions[pos.ID] = pos

	closer := newCloser(long, short, repo)
	got, err := closer.Close(context.Background(), pos.ID, model.CloseReasonManual, 0)
	if err != nil {
		t.Fatalf("cancel failure must not block the close: %v", err)
	}
	if got.Status != model.PositionClosed {
		t.Fatalf("status = %s, want CLOSED", got.Status)
	}
}

func TestCloseOneLegFailsIsPartialNoTrade(t *testing.T) {
	long := &fakeExchange{name: "BINANCE", createOrderFn: priceOrder(110)}
	short := &fakeExchange{name: "OKX"}
	short.createOrderFn = func(*port.OrderRequest) (*port.Order, error) {
		return nil, port.NewTransientError("OKX", "rate_limited", context.DeadlineExceeded)
	}
	repo := newPosRepo()
	pos := openPosition()
	repo.positions[pos.ID] = pos

	closer := newCloser(long, short, repo)
	got, err := closer.Close(context.Background(), pos.ID, model.CloseReasonManual, 0)
	if err == nil {
		t.Fatal("partial close must surface an error")
	}
	if got.Status != model.PositionPartial {
		t.Fatalf("status = %s, want PARTIAL", got.Status)
	}
	if !strings.Contains(got.FailureDetail, "SHORT") {
		t.Fatalf("failure detail should name the stuck side, got %q", got.FailureDetail)
	}
	if got.Long.ClosePrice != 110 {
		t.Fatal("closed leg must keep its close price")
	}
	if len(repoTrades(repo)) != 0 {
		t.Fatal("partial close must not produce a trade record")
	}
}

func TestCloseRejectsNonOpenStates(t *testing.T) {
	long := &fakeExchange{name: "BINANCE"}
	short := &fakeExchange{name: "OKX"}
	repo := newPosRepo()
	closer := newCloser(long, short, repo)
	ctx := context.Background()

	for _, status := range []string{
		model.PositionPending, model.PositionOpening, model.PositionClosing,
		model.PositionClosed, model.PositionPartial, model.PositionFailed,
	} {
		pos := openPosition()
		pos.ID = "pos_" + status
		pos.Status = status
		repo.positions[pos.ID] = pos

		if _, err := closer.Close(ctx, pos.ID, model.CloseReasonManual, 0); err == nil {
			t.Fatalf("closing a %s position must be rejected", status)
		}
	}
	if len(long.createRequests)+len(short.createRequests) != 0 {
		t.Fatal("rejected closes must not reach any exchange")
	}

	if _, err := closer.Close(ctx, "missing", model.CloseReasonManual, 0); err == nil {
		t.Fatal("unknown position id must error")
	}
}

func TestCloseLegSingleSide(t *testing.T) {
	long := &fakeExchange{name: "BINANCE", createOrderFn: priceOrder(95)}
	short := &fakeExchange{name: "OKX"}
	closer := newCloser(long, short, newPosRepo())

	pos := openPosition()
	if err := closer.CloseLeg(context.Background(), pos, model.SideLong); err != nil {
		t.Fatal(err)
	}
	if pos.Long.ClosePrice != 95 {
		t.Fatalf("long close price = %v, want 95", pos.Long.ClosePrice)
	}
	if len(short.createRequests) != 0 {
		t.Fatal("single-leg close must not touch the other exchange")
	}
	if long.createRequests[0].Side != "sell" {
		t.Fatalf("long exit side = %s, want sell", long.createRequests[0].Side)
	}
}

func TestCloseLegUnresolvedPriceReturnsSentinel(t *testing.T) {
	long := &fakeExchange{name: "BINANCE", createOrderFn: pricelessOrder("c3")}
	short := &fakeExchange{name: "OKX"}
	closer := newCloser(long, short, newPosRepo())

	pos := openPosition()
	err := closer.CloseLeg(context.Background(), pos, model.SideLong)
	if !errors.Is(err, ErrFillPriceUnresolved) {
		t.Fatalf("err = %v, want ErrFillPriceUnresolved", err)
	}
	if pos.Long.ClosePrice != 0 {
		t.Fatalf("close price = %v, want 0 placeholder", pos.Long.ClosePrice)
	}
	// 腿已真实成交，不允许再次下单
	if len(long.createRequests) != 1 {
		t.Fatalf("orders = %d, want exactly 1", len(long.createRequests))
	}
}

// repoTrades 读取仓储桩里积累的 trade 行
func repoTrades(r *posRepo) []*model.Trade {
	return r.trades
}
