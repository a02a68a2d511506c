package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
)

// ErrFillPriceUnresolved 订单已成交但三级价格回退全部失败。
// 腿是真实持仓，不能重下，只能带零价降级上抛
var ErrFillPriceUnresolved = errors.New("fill price unresolved")

// PositionCloser 驱动平仓状态机：
// OPEN -> CLOSING -> CLOSED / PARTIAL
// 全平成功生成一条不可变 Trade；单腿失败保持另一腿原样等人工处理
type PositionCloser struct {
	clients  map[string]port.ExchangeClient
	repo     port.Repository
	resolver *PriceResolver
}

func NewPositionCloser(clients map[string]port.ExchangeClient, repo port.Repository) *PositionCloser {
	norm := make(map[string]port.ExchangeClient, len(clients))
	for name, c := range clients {
		norm[strings.ToUpper(name)] = c
	}
	return &PositionCloser{clients: norm, repo: repo, resolver: NewPriceResolver()}
}

// Close 市价平掉两腿
// reason 为空按 MANUAL 处理；fundingPnL 由调用方从结算记录汇总传入
func (c *PositionCloser) Close(ctx context.Context, positionID, reason string, fundingPnL float64) (*model.Position, error) {
	if reason == "" {
		reason = model.CloseReasonManual
	}

	pos, err := c.repo.GetPosition(ctx, positionID)
	if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}
	if pos == nil {
		return nil, fmt.Errorf("position %s not found", positionID)
	}
	if pos.Status != model.PositionOpen {
		return nil, fmt.Errorf("position %s is %s, only OPEN can be closed", positionID, pos.Status)
	}

	longClient := c.clients[pos.Long.Exchange]
	shortClient := c.clients[pos.Short.Exchange]
	if longClient == nil || shortClient == nil {
		return nil, fmt.Errorf("position %s references an unconfigured exchange (%s/%s)", positionID, pos.Long.Exchange, pos.Short.Exchange)
	}

	pos.Status = model.PositionClosing
	c.persist(ctx, pos)

	// 先撤条件单，尽力而为：撤不掉的由对账循环兜底
	c.cancelConditionalOrders(ctx, pos, longClient, shortClient)

	var wg sync.WaitGroup
	outcomes := make([]*legOutcome, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		outcomes[0] = c.closeLeg(ctx, longClient, pos.Symbol, model.SideLong, pos.Long.Contracts)
	}()
	go func() {
		defer wg.Done()
		outcomes[1] = c.closeLeg(ctx, shortClient, pos.Symbol, model.SideShort, pos.Short.Contracts)
	}()
	wg.Wait()

	now := time.Now().UnixMilli()
	var failures, degraded []string
	for _, out := range outcomes {
		leg := pos.Leg(out.side)
		if out.err != nil {
			failures = append(failures, fmt.Sprintf("%s(%s): %v", out.side, leg.Exchange, out.err))
			continue
		}
		leg.ClosePrice = out.price
		if out.priceErr != nil {
			degraded = append(degraded, fmt.Sprintf("%s(%s): %v", out.side, leg.Exchange, out.priceErr))
		}
	}

	if len(failures) > 0 {
		// 任一腿平不掉都是 PARTIAL：已平的腿不能恢复，没平的腿不能强行忽略
		pos.Status = model.PositionPartial
		pos.FailureDetail = strings.Join(append(failures, degraded...), "; ")
		pos.CloseReason = reason
		c.persist(ctx, pos)
		log.Error().
			Str("position_id", pos.ID).
			Str("detail", pos.FailureDetail).
			Msg("close left position partial")
		return pos, fmt.Errorf("close %s: %s", pos.Status, pos.FailureDetail)
	}

	pos.Status = model.PositionClosed
	pos.CloseTime = now
	pos.CloseReason = reason
	if len(degraded) > 0 {
		pos.FailureDetail = "close fill price unresolved: " + strings.Join(degraded, "; ")
	}
	c.persist(ctx, pos)

	trade := buildTrade(pos, fundingPnL, now)
	if err := c.repo.InsertTrade(ctx, trade); err != nil {
		log.Error().Err(err).Str("position_id", pos.ID).Msg("persist trade failed")
	}

	log.Info().
		Str("position_id", pos.ID).
		Str("reason", reason).
		Float64("net_pnl", trade.NetPnL).
		Msg("position closed")
	if len(degraded) > 0 {
		// 两腿都平掉了，但缺价的腿盈亏算不出来：状态记 CLOSED，错误仍上抛
		return pos, fmt.Errorf("close %s: %w: %s", pos.Status, ErrFillPriceUnresolved, strings.Join(degraded, "; "))
	}
	return pos, nil
}

// CloseLeg 只平指定的一条腿，条件单触发后的对侧自动平仓用
func (c *PositionCloser) CloseLeg(ctx context.Context, pos *model.Position, side string) error {
	leg := pos.Leg(side)
	client := c.clients[leg.Exchange]
	if client == nil {
		return fmt.Errorf("exchange %s not configured", leg.Exchange)
	}
	out := c.closeLeg(ctx, client, pos.Symbol, side, leg.Contracts)
	if out.err != nil {
		return out.err
	}
	leg.ClosePrice = out.price
	if out.priceErr != nil {
		return fmt.Errorf("%w: %v", ErrFillPriceUnresolved, out.priceErr)
	}
	return nil
}

func (c *PositionCloser) closeLeg(ctx context.Context, client port.ExchangeClient, symbol, side string, contracts float64) *legOutcome {
	out := &legOutcome{side: side, contracts: contracts}

	order, err := client.CreateOrder(ctx, &port.OrderRequest{
		Symbol:   symbol,
		Type:     "market",
		Side:     exitSide(side),
		Quantity: contracts,
		Params:   legOrderParams(client, side, true),
	})
	if err != nil {
		out.err = err
		return out
	}

	price, err := c.resolver.Resolve(ctx, client, order)
	if err != nil {
		log.Warn().Err(err).
			Str("exchange", client.Name()).
			Str("side", side).
			Msg("close fill price unresolved, kept at zero")
		out.orderID = order.ID
		out.priceErr = err
		return out
	}
	out.orderID = order.ID
	out.price = price
	return out
}

func (c *PositionCloser) persist(ctx context.Context, pos *model.Position) {
	if err := c.repo.UpdatePosition(ctx, pos); err != nil {
		log.Error().Err(err).Str("position_id", pos.ID).Str("status", pos.Status).Msg("persist position failed")
	}
}

// cancelConditionalOrders 撤掉两腿的止损/止盈挂单，失败只告警
func (c *PositionCloser) cancelConditionalOrders(ctx context.Context, pos *model.Position, long, short port.ExchangeClient) {
	for _, pair := range []struct {
		client port.ExchangeClient
		leg    *model.PositionLeg
	}{{long, &pos.Long}, {short, &pos.Short}} {
		for _, id := range []string{pair.leg.StopLossOrderID, pair.leg.TakeProfitOrderID} {
			if id == "" {
				continue
			}
			if err := pair.client.CancelOrder(ctx, id, pos.Symbol); err != nil {
				log.Warn().Err(err).
					Str("position_id", pos.ID).
					Str("exchange", pair.client.Name()).
					Str("order_id", id).
					Msg("cancel conditional order failed")
			}
		}
	}
}

// buildTrade 用两腿的开平价计算已实现盈亏
// 多头赚 close-entry，空头赚 entry-close，任一腿价格缺失的项记 0
func buildTrade(pos *model.Position, fundingPnL float64, closedAt int64) *model.Trade {
	var priceDiffPnL float64
	if pos.Long.EntryPrice > 0 && pos.Long.ClosePrice > 0 {
		priceDiffPnL += (pos.Long.ClosePrice - pos.Long.EntryPrice) * pos.Quantity
	}
	if pos.Short.EntryPrice > 0 && pos.Short.ClosePrice > 0 {
		priceDiffPnL += (pos.Short.EntryPrice - pos.Short.ClosePrice) * pos.Quantity
	}

	// 四次市价单的手续费按 taker 费率估算
	var fees float64
	for _, p := range []float64{pos.Long.EntryPrice, pos.Long.ClosePrice, pos.Short.EntryPrice, pos.Short.ClosePrice} {
		fees += p * pos.Quantity * takerFeeRate
	}

	net := priceDiffPnL + fundingPnL - fees

	var roi float64
	if pos.Long.EntryPrice > 0 && pos.Leverage > 0 && pos.Quantity > 0 {
		margin := pos.Long.EntryPrice * pos.Quantity * 2 / float64(pos.Leverage)
		if margin > 0 {
			roi = net / margin
		}
	}

	return &model.Trade{
		ID:            fmt.Sprintf("trade_%s_%d", pos.ID, closedAt),
		PositionID:    pos.ID,
		Symbol:        pos.Symbol,
		LongExchange:  pos.Long.Exchange,
		ShortExchange: pos.Short.Exchange,
		Quantity:      pos.Quantity,
		LongEntry:     pos.Long.EntryPrice,
		ShortEntry:    pos.Short.EntryPrice,
		LongClose:     pos.Long.ClosePrice,
		ShortClose:    pos.Short.ClosePrice,
		PriceDiffPnL:  priceDiffPnL,
		FundingPnL:    fundingPnL,
		Fees:          fees,
		NetPnL:        net,
		ROI:           roi,
		HoldingMs:     closedAt - pos.OpenTime,
		CloseReason:   pos.CloseReason,
		ClosedAt:      closedAt,
	}
}

// takerFeeRate 市价单费率估算值
const takerFeeRate = 0.0005
