package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
)

func condSetup(long, short *fakeExchange) (*ConditionalMonitor, *posRepo) {
	repo := newPosRepo()
	clients := map[string]port.ExchangeClient{"BINANCE": long, "OKX": short}
	closer := NewPositionCloser(clients, repo)
	closer.resolver.sleep = func(time.Duration) {}
	mon := NewConditionalMonitor(CondMonitorConfig{Interval: time.Second, MaxUnknown: 3}, clients, repo, closer)
	return mon, repo
}

func TestCondMonitorStillOpenIsNoop(t *testing.T) {
	long := &fakeExchange{name: "BINANCE", openOrders: []port.Order{{ID: "sl1", Status: "open"}}}
	short := &fakeExchange{name: "OKX"}
	mon, repo := condSetup(long, short)

	pos := openPosition()
	repo.positions[pos.ID] = pos

	mon.CheckOnce(context.Background())

	got := repo.positions[pos.ID]
	if got.Status != model.PositionOpen {
		t.Fatalf("status = %s, want untouched OPEN", got.Status)
	}
	if len(long.createRequests)+len(short.createRequests) != 0 {
		t.Fatal("pending conditional order must not cause any trading")
	}
}

func TestCondMonitorConfirmedTriggerUnwindsOppositeLeg(t *testing.T) {
	long := &fakeExchange{
		name: "BINANCE",
		// 挂单列表为空，历史里已成交：确认触发
		fetchOrderResults: []*port.Order{{ID: "sl1", Status: "filled", AvgPrice: 90}},
	}
	short := &fakeExchange{name: "OKX", createOrderFn: priceOrder(91)}
	mon, repo := condSetup(long, short)

	pos := openPosition() // 多头腿在 BINANCE 挂了止损 sl1
	repo.positions[pos.ID] = pos

	mon.CheckOnce(context.Background())

	got := repo.positions[pos.ID]
	if got.Status != model.PositionClosed {
		t.Fatalf("status = %s, want CLOSED", got.Status)
	}
	if got.CloseReason != model.CloseReasonLongSL {
		t.Fatalf("reason = %s, want LONG_SL_TRIGGERED", got.CloseReason)
	}
	if got.Short.ClosePrice != 91 {
		t.Fatalf("short close price = %v, want 91 from auto-unwind", got.Short.ClosePrice)
	}
	// 对侧平仓 = 空头买回
	if len(short.createRequests) != 1 || short.createRequests[0].Side != "buy" {
		t.Fatalf("expected one buy order on the short exchange, got %+v", short.createRequests)
	}
	if len(repo.trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(repo.trades))
	}
	if repo.trades[0].CloseReason != model.CloseReasonLongSL {
		t.Fatalf("trade reason = %s", repo.trades[0].CloseReason)
	}
}

func TestCondMonitorCanceledDegradesWithoutTrading(t *testing.T) {
	long := &fakeExchange{
		name:              "BINANCE",
		fetchOrderResults: []*port.Order{{ID: "sl1", Status: "canceled"}},
	}
	short := &fakeExchange{name: "OKX"}
	mon, repo := condSetup(long, short)

	pos := openPosition()
	repo.positions[pos.ID] = pos

	mon.CheckOnce(context.Background())

	got := repo.positions[pos.ID]
	if got.Status != model.PositionOpen {
		t.Fatalf("status = %s, canceled protective order must not close the position", got.Status)
	}
	if got.CondOrderStatus != model.CondOrderPartial {
		t.Fatalf("cond status = %s, want PARTIAL", got.CondOrderStatus)
	}
	if got.Long.StopLossOrderID != "" {
		t.Fatal("canceled order id must be cleared")
	}
	if len(short.createRequests) != 0 {
		t.Fatal("no unwind on cancel")
	}
}

func TestCondMonitorUnknownNeedsConsecutiveCycles(t *testing.T) {
	long := &fakeExchange{
		name: "BINANCE",
		// 历史查询始终失败
		fetchOrderErrs: []error{
			errors.New("not found"), errors.New("not found"), errors.New("not found"), errors.New("not found"),
		},
	}
	short := &fakeExchange{name: "OKX", createOrderFn: priceOrder(91)}
	mon, repo := condSetup(long, short)

	pos := openPosition()
	repo.positions[pos.ID] = pos
	ctx := context.Background()

	// 前两轮：UNKNOWN，不动仓位
	mon.CheckOnce(ctx)
	mon.CheckOnce(ctx)
	if got := repo.positions[pos.ID]; got.Status != model.PositionOpen {
		t.Fatalf("status after 2 unknown cycles = %s, want OPEN", got.Status)
	}

	// 第三轮达到阈值：按触发推断，平对侧腿
	mon.CheckOnce(ctx)
	got := repo.positions[pos.ID]
	if got.Status != model.PositionClosed {
		t.Fatalf("status = %s, want CLOSED after inference threshold", got.Status)
	}
	// 推断触发无法区分止损/止盈，原因只能记自动解除
	if got.CloseReason != model.CloseReasonAutoUnwound {
		t.Fatalf("reason = %s, want AUTO_UNWOUND", got.CloseReason)
	}
}

func TestCondMonitorReappearingOrderResetsCounter(t *testing.T) {
	long := &fakeExchange{
		name:           "BINANCE",
		fetchOrderErrs: []error{errors.New("not found"), errors.New("not found")},
	}
	short := &fakeExchange{name: "OKX"}
	mon, repo := condSetup(long, short)

	pos := openPosition()
	repo.positions[pos.ID] = pos
	ctx := context.Background()

	mon.CheckOnce(ctx)
	mon.CheckOnce(ctx)

	// 挂单重新出现：计数清零
	long.openOrders = []port.Order{{ID: "sl1", Status: "open"}}
	mon.CheckOnce(ctx)

	mon.mu.Lock()
	n := mon.unknown["sl1"]
	mon.mu.Unlock()
	if n != 0 {
		t.Fatalf("unknown counter = %d, want reset to 0", n)
	}
	if repo.positions[pos.ID].Status != model.PositionOpen {
		t.Fatal("position must stay open")
	}
}

func TestCondMonitorUnwindFailureLeavesPartial(t *testing.T) {
	long := &fakeExchange{
		name:              "BINANCE",
		fetchOrderResults: []*port.Order{{ID: "sl1", Status: "filled", AvgPrice: 90}},
	}
	short := &fakeExchange{name: "OKX"}
	short.createOrderFn = func(*port.OrderRequest) (*port.Order, error) {
		return nil, port.NewTransientError("OKX", "maintenance", errors.New("down"))
	}
	mon, repo := condSetup(long, short)

	pos := openPosition()
	repo.positions[pos.ID] = pos

	mon.CheckOnce(context.Background())

	got := repo.positions[pos.ID]
	if got.Status != model.PositionPartial {
		t.Fatalf("status = %s, want PARTIAL when the unwind fails", got.Status)
	}
	if got.FailureDetail == "" {
		t.Fatal("failure detail must record the stuck unwind")
	}
	if len(repo.trades) != 0 {
		t.Fatal("no trade on a failed unwind")
	}
}

func TestCondMonitorUnwindUnresolvedPriceStillCloses(t *testing.T) {
	long := &fakeExchange{
		name:              "BINANCE",
		fetchOrderResults: []*port.Order{{ID: "sl1", Status: "filled", AvgPrice: 90}},
	}
	// 对侧平仓成交但三级价格回退全部失败
	short := &fakeExchange{name: "OKX", createOrderFn: pricelessOrder("u1")}
	mon, repo := condSetup(long, short)

	pos := openPosition()
	repo.positions[pos.ID] = pos

	mon.CheckOnce(context.Background())

	got := repo.positions[pos.ID]
	if got.Status != model.PositionClosed {
		t.Fatalf("status = %s, want CLOSED: the leg did close, only the price is missing", got.Status)
	}
	if got.FailureDetail == "" {
		t.Fatal("missing fill price must be recorded on the position")
	}
	if got.Short.ClosePrice != 0 {
		t.Fatalf("short close price = %v, want 0 placeholder", got.Short.ClosePrice)
	}
	if len(repo.trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(repo.trades))
	}
}

func TestCondMonitorEvictsUnknownCountersOnClose(t *testing.T) {
	long := &fakeExchange{
		name:              "BINANCE",
		fetchOrderErrs:    []error{errors.New("not found")},
		fetchOrderResults: []*port.Order{nil, {ID: "sl1", Status: "filled", AvgPrice: 90}},
		openOrders:        []port.Order{{ID: "sl1", Status: "open"}},
	}
	short := &fakeExchange{name: "OKX", createOrderFn: priceOrder(91)}
	mon, repo := condSetup(long, short)

	pos := openPosition()
	pos.Long.TakeProfitOrderID = "tp1"
	repo.positions[pos.ID] = pos
	ctx := context.Background()

	// 第一轮：止损还挂着，止盈查无历史，积一轮 UNKNOWN
	mon.CheckOnce(ctx)
	mon.mu.Lock()
	n := mon.unknown["tp1"]
	mon.mu.Unlock()
	if n != 1 {
		t.Fatalf("unknown counter = %d, want 1", n)
	}

	// 第二轮：止损确认触发并终结持仓，残留计数必须随之清空
	long.openOrders = nil
	mon.CheckOnce(ctx)

	if repo.positions[pos.ID].Status != model.PositionClosed {
		t.Fatal("confirmed trigger should close the position")
	}
	mon.mu.Lock()
	left := len(mon.unknown)
	mon.mu.Unlock()
	if left != 0 {
		t.Fatalf("unknown counters left = %d, want 0 after the position closed", left)
	}
}

func TestCondMonitorSkipsPositionsWithoutActiveCondOrders(t *testing.T) {
	long := &fakeExchange{name: "BINANCE"}
	short := &fakeExchange{name: "OKX"}
	mon, repo := condSetup(long, short)

	pos := openPosition()
	pos.CondOrderStatus = model.CondOrderNone
	repo.positions[pos.ID] = pos

	mon.CheckOnce(context.Background())

	if long.fetchOrderCalls != 0 {
		t.Fatal("positions without conditional orders must not be polled")
	}
}
