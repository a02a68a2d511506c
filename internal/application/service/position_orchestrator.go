package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
)

const (
	// credentialCheckTimeout 开仓前的凭证/行情预检上限
	credentialCheckTimeout = 15 * time.Second

	// openLockTTL 咨询锁存活时间，进程崩溃后由 TTL 兜底释放
	openLockTTL = 30 * time.Second
)

// LegSpec 开仓请求中单腿的风控参数
type LegSpec struct {
	Exchange        string
	StopLossPrice   float64 // 0 表示不挂止损
	TakeProfitPrice float64 // 0 表示不挂止盈
}

// OpenRequest 两腿对冲开仓请求
type OpenRequest struct {
	UserID      string
	Symbol      string
	Quantity    float64 // 币本位数量，每条腿各开这么多
	Leverage    int
	Long        LegSpec
	Short       LegSpec
	EntrySpread float64 // 下单时刻的归一化费率价差，存档用
}

// legOutcome 单腿下单结果
// priceErr 非空表示订单已成交但成交价拿不到：腿保留，价格为 0
type legOutcome struct {
	side      string
	orderID   string
	price     float64
	contracts float64
	err       error
	priceErr  error
}

// PositionOrchestrator 驱动开仓状态机：
// PENDING -> OPENING -> OPEN / PARTIAL / FAILED
// 部分失败永不自动回滚：已成交的腿是真实持仓，回滚等于盲目反向下单
type PositionOrchestrator struct {
	clients  map[string]port.ExchangeClient
	repo     port.Repository
	lock     port.PositionLock
	resolver *PriceResolver
}

func NewPositionOrchestrator(clients map[string]port.ExchangeClient, repo port.Repository, lock port.PositionLock) *PositionOrchestrator {
	norm := make(map[string]port.ExchangeClient, len(clients))
	for name, c := range clients {
		norm[strings.ToUpper(name)] = c
	}
	return &PositionOrchestrator{
		clients:  norm,
		repo:     repo,
		lock:     lock,
		resolver: NewPriceResolver(),
	}
}

// Open 执行一次完整的两腿开仓
// 返回的 Position 反映最终状态；单腿失败时 err 非空且 Position.Status 为 PARTIAL
func (o *PositionOrchestrator) Open(ctx context.Context, req *OpenRequest) (*model.Position, error) {
	if err := o.validate(req); err != nil {
		return nil, err
	}
	longClient := o.clients[strings.ToUpper(req.Long.Exchange)]
	shortClient := o.clients[strings.ToUpper(req.Short.Exchange)]

	token, ok, err := o.lock.TryLock(ctx, req.UserID, req.Symbol, openLockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire open lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("open already in progress for %s/%s", req.UserID, req.Symbol)
	}
	defer func() {
		if err := o.lock.Unlock(context.WithoutCancel(ctx), req.UserID, req.Symbol, token); err != nil {
			log.Warn().Err(err).Str("symbol", req.Symbol).Msg("release open lock failed, ttl will expire it")
		}
	}()

	now := time.Now().UnixMilli()
	pos := &model.Position{
		ID:       fmt.Sprintf("pos_%s_%d", req.Symbol, now),
		UserID:   req.UserID,
		Symbol:   req.Symbol,
		Quantity: req.Quantity,
		Leverage: req.Leverage,
		Long: model.PositionLeg{
			Exchange: strings.ToUpper(req.Long.Exchange), Side: model.SideLong,
			Size: req.Quantity, Leverage: req.Leverage,
			StopLossEnabled: req.Long.StopLossPrice > 0, StopLossPrice: req.Long.StopLossPrice,
			TakeProfitEnabled: req.Long.TakeProfitPrice > 0, TakeProfitPrice: req.Long.TakeProfitPrice,
		},
		Short: model.PositionLeg{
			Exchange: strings.ToUpper(req.Short.Exchange), Side: model.SideShort,
			Size: req.Quantity, Leverage: req.Leverage,
			StopLossEnabled: req.Short.StopLossPrice > 0, StopLossPrice: req.Short.StopLossPrice,
			TakeProfitEnabled: req.Short.TakeProfitPrice > 0, TakeProfitPrice: req.Short.TakeProfitPrice,
		},
		Status:          model.PositionPending,
		CondOrderStatus: model.CondOrderNone,
		EntrySpread:     req.EntrySpread,
		OpenTime:        now,
	}
	if err := o.repo.CreatePosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("persist pending position: %w", err)
	}

	// 预检：凭证和交易对在两边都可用才下真实订单
	if err := o.preflight(ctx, longClient, shortClient, req.Symbol); err != nil {
		pos.Status = model.PositionFailed
		pos.FailureDetail = err.Error()
		o.persist(ctx, pos)
		return pos, err
	}

	// 数量换算为各自交易所的合约张数
	longContracts, err := toContracts(longClient, req.Symbol, req.Quantity)
	if err != nil {
		pos.Status = model.PositionFailed
		pos.FailureDetail = err.Error()
		o.persist(ctx, pos)
		return pos, err
	}
	shortContracts, err := toContracts(shortClient, req.Symbol, req.Quantity)
	if err != nil {
		pos.Status = model.PositionFailed
		pos.FailureDetail = err.Error()
		o.persist(ctx, pos)
		return pos, err
	}
	pos.Long.Contracts = longContracts
	pos.Short.Contracts = shortContracts

	pos.Status = model.PositionOpening
	o.persist(ctx, pos)

	// 两腿并发下单，无论哪条腿先失败都等另一条出结果再定状态
	var wg sync.WaitGroup
	outcomes := make([]*legOutcome, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		outcomes[0] = o.placeLeg(ctx, longClient, req.Symbol, model.SideLong, longContracts)
	}()
	go func() {
		defer wg.Done()
		outcomes[1] = o.placeLeg(ctx, shortClient, req.Symbol, model.SideShort, shortContracts)
	}()
	wg.Wait()

	var failures, degraded []string
	for _, out := range outcomes {
		leg := pos.Leg(out.side)
		if out.err != nil {
			failures = append(failures, fmt.Sprintf("%s(%s): %v", out.side, leg.Exchange, out.err))
			continue
		}
		leg.OrderID = out.orderID
		leg.EntryPrice = out.price
		if out.priceErr != nil {
			degraded = append(degraded, fmt.Sprintf("%s(%s): %v", out.side, leg.Exchange, out.priceErr))
		}
	}

	switch len(failures) {
	case 0:
		pos.Status = model.PositionOpen
	case 1:
		pos.Status = model.PositionPartial
		pos.FailureDetail = failures[0]
	default:
		pos.Status = model.PositionFailed
		pos.FailureDetail = strings.Join(failures, "; ")
	}
	if len(degraded) > 0 {
		// 零价不能悄悄落库：明细记在持仓行上，最后错误上抛
		detail := "entry fill price unresolved: " + strings.Join(degraded, "; ")
		if pos.FailureDetail == "" {
			pos.FailureDetail = detail
		} else {
			pos.FailureDetail += "; " + detail
		}
	}

	if pos.Status == model.PositionOpen {
		o.placeConditionalOrders(ctx, pos, longClient, shortClient)
	}

	o.persist(ctx, pos)

	log.Info().
		Str("position_id", pos.ID).
		Str("symbol", pos.Symbol).
		Str("status", pos.Status).
		Str("long", pos.Long.Exchange).
		Str("short", pos.Short.Exchange).
		Float64("quantity", req.Quantity).
		Msg("open finished")

	if pos.Status == model.PositionOpen {
		if len(degraded) > 0 {
			return pos, fmt.Errorf("open %s: %w: %s", pos.Status, ErrFillPriceUnresolved, strings.Join(degraded, "; "))
		}
		return pos, nil
	}
	return pos, fmt.Errorf("open %s: %s", pos.Status, pos.FailureDetail)
}

func (o *PositionOrchestrator) validate(req *OpenRequest) error {
	if req.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive, got %v", req.Quantity)
	}
	if req.Leverage < 1 {
		return fmt.Errorf("leverage must be >= 1, got %d", req.Leverage)
	}
	long := strings.ToUpper(req.Long.Exchange)
	short := strings.ToUpper(req.Short.Exchange)
	if long == short {
		return fmt.Errorf("long and short legs must be on different exchanges, both %s", long)
	}
	if o.clients[long] == nil {
		return fmt.Errorf("exchange %s not configured", long)
	}
	if o.clients[short] == nil {
		return fmt.Errorf("exchange %s not configured", short)
	}
	return nil
}

// preflight 并发校验两所凭证与交易对，整体限时 15s
func (o *PositionOrchestrator) preflight(ctx context.Context, long, short port.ExchangeClient, symbol string) error {
	ctx, cancel := context.WithTimeout(ctx, credentialCheckTimeout)
	defer cancel()

	errs := make(chan error, 2)
	for _, c := range []port.ExchangeClient{long, short} {
		go func(c port.ExchangeClient) {
			if _, err := c.FetchPositions(ctx, symbol); err != nil {
				errs <- fmt.Errorf("%s credential check: %w", c.Name(), err)
				return
			}
			errs <- nil
		}(c)
	}
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			return err
		}
	}
	return nil
}

// toContracts 用户数量换算合约张数，合约面值未知时按 1 兜底
func toContracts(client port.ExchangeClient, symbol string, quantity float64) (float64, error) {
	size := client.ContractSize(symbol)
	if size <= 0 {
		size = 1
	}
	contracts := quantity / size
	if contracts <= 0 {
		return 0, fmt.Errorf("%s: quantity %v converts to %v contracts (contract size %v)", client.Name(), quantity, contracts, size)
	}
	return contracts, nil
}

func (o *PositionOrchestrator) placeLeg(ctx context.Context, client port.ExchangeClient, symbol, side string, contracts float64) *legOutcome {
	out := &legOutcome{side: side, contracts: contracts}

	order, err := client.CreateOrder(ctx, &port.OrderRequest{
		Symbol:   symbol,
		Type:     "market",
		Side:     entrySide(side),
		Quantity: contracts,
		Params:   legOrderParams(client, side, false),
	})
	if err != nil {
		out.err = err
		return out
	}

	price, err := o.resolver.Resolve(ctx, client, order)
	if err != nil {
		// 订单已成交但价格未知：腿保留，缺价作为降级状态上抛
		log.Warn().Err(err).
			Str("exchange", client.Name()).
			Str("side", side).
			Str("order_id", order.ID).
			Msg("fill price unresolved, leg kept with zero entry price")
		out.orderID = order.ID
		out.priceErr = err
		return out
	}
	out.orderID = order.ID
	out.price = price
	return out
}

// placeConditionalOrders 为已开仓的两腿挂止损/止盈
// 部分失败不回滚已挂的条件单，状态记 PARTIAL 留给对账
func (o *PositionOrchestrator) placeConditionalOrders(ctx context.Context, pos *model.Position, long, short port.ExchangeClient) {
	type condJob struct {
		client port.ExchangeClient
		leg    *model.PositionLeg
		kind   string
		price  float64
	}
	var jobs []condJob
	for _, pair := range []struct {
		client port.ExchangeClient
		leg    *model.PositionLeg
	}{{long, &pos.Long}, {short, &pos.Short}} {
		if pair.leg.StopLossEnabled {
			jobs = append(jobs, condJob{pair.client, pair.leg, "stop_loss", pair.leg.StopLossPrice})
		}
		if pair.leg.TakeProfitEnabled {
			jobs = append(jobs, condJob{pair.client, pair.leg, "take_profit", pair.leg.TakeProfitPrice})
		}
	}
	if len(jobs) == 0 {
		pos.CondOrderStatus = model.CondOrderNone
		return
	}

	pos.CondOrderStatus = model.CondOrderPending
	var placed, failed int
	var firstErr string
	for _, j := range jobs {
		orderType := "stop_market"
		if j.kind == "take_profit" {
			orderType = "take_profit_market"
		}
		params := legOrderParams(j.client, j.leg.Side, true)
		params["stopPrice"] = j.price

		order, err := j.client.CreateOrder(ctx, &port.OrderRequest{
			Symbol:   pos.Symbol,
			Type:     orderType,
			Side:     exitSide(j.leg.Side),
			Quantity: j.leg.Contracts,
			Params:   params,
		})
		if err != nil {
			failed++
			if firstErr == "" {
				firstErr = fmt.Sprintf("%s %s(%s): %v", j.kind, j.leg.Side, j.leg.Exchange, err)
			}
			log.Error().Err(err).
				Str("position_id", pos.ID).
				Str("kind", j.kind).
				Str("side", j.leg.Side).
				Msg("conditional order placement failed")
			continue
		}
		placed++
		if j.kind == "stop_loss" {
			j.leg.StopLossOrderID = order.ID
		} else {
			j.leg.TakeProfitOrderID = order.ID
		}
	}

	switch {
	case failed == 0:
		pos.CondOrderStatus = model.CondOrderActive
	case placed == 0:
		pos.CondOrderStatus = model.CondOrderFailed
		pos.CondOrderError = firstErr
	default:
		pos.CondOrderStatus = model.CondOrderPartial
		pos.CondOrderError = firstErr
	}
}

func (o *PositionOrchestrator) persist(ctx context.Context, pos *model.Position) {
	if err := o.repo.UpdatePosition(ctx, pos); err != nil {
		log.Error().Err(err).Str("position_id", pos.ID).Str("status", pos.Status).Msg("persist position failed")
	}
}

// entrySide 腿方向到开仓委托方向
func entrySide(side string) string {
	if side == model.SideShort {
		return "sell"
	}
	return "buy"
}

// exitSide 腿方向到平仓委托方向
func exitSide(side string) string {
	if side == model.SideShort {
		return "buy"
	}
	return "sell"
}

// legOrderParams 生成通用订单参数，交易所差异由适配器翻译：
// 双向持仓模式下打 positionSide 标，单向模式下平仓单打 reduceOnly
func legOrderParams(client port.ExchangeClient, side string, closing bool) map[string]any {
	params := make(map[string]any, 2)
	if client.HedgeMode() {
		params["positionSide"] = side
	} else if closing {
		params["reduceOnly"] = true
	}
	return params
}
