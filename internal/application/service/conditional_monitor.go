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

// CondMonitorConfig 条件单对账配置
type CondMonitorConfig struct {
	Interval   time.Duration // 轮询周期
	MaxUnknown int           // 连续 UNKNOWN 多少轮后按已触发推断
}

// ConditionalMonitor 周期对账两腿的止损/止盈挂单。
// 交易所不推送"条件单已触发"事件，只能反向推断：
// 挂单列表里消失 + 历史订单可查 = 确认触发；历史也查不到时，
// 连续多轮消失后按触发推断（ConfirmedByHistory=false）
type ConditionalMonitor struct {
	cfg     CondMonitorConfig
	clients map[string]port.ExchangeClient
	repo    port.Repository
	closer  *PositionCloser

	mu      sync.Mutex
	unknown map[string]int // 条件单 ID -> 连续 UNKNOWN 轮数
}

func NewConditionalMonitor(cfg CondMonitorConfig, clients map[string]port.ExchangeClient, repo port.Repository, closer *PositionCloser) *ConditionalMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxUnknown <= 0 {
		cfg.MaxUnknown = 3
	}
	norm := make(map[string]port.ExchangeClient, len(clients))
	for name, c := range clients {
		norm[strings.ToUpper(name)] = c
	}
	return &ConditionalMonitor{
		cfg:     cfg,
		clients: norm,
		repo:    repo,
		closer:  closer,
		unknown: make(map[string]int),
	}
}

// Run 轮询直到 ctx 取消
func (m *ConditionalMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	log.Info().Dur("interval", m.cfg.Interval).Msg("conditional order monitor started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("conditional order monitor stopped")
			return
		case <-ticker.C:
			m.CheckOnce(ctx)
		}
	}
}

// CheckOnce 对账一轮所有带活跃条件单的 OPEN 持仓
func (m *ConditionalMonitor) CheckOnce(ctx context.Context) {
	positions, err := m.repo.ListPositionsByStatus(ctx, model.PositionOpen)
	if err != nil {
		log.Error().Err(err).Msg("list open positions failed")
		return
	}
	for _, pos := range positions {
		if pos.CondOrderStatus != model.CondOrderActive && pos.CondOrderStatus != model.CondOrderPartial {
			continue
		}
		m.checkPosition(ctx, pos)
	}
}

// condOrderRef 一条待对账的条件单
type condOrderRef struct {
	side string
	kind string // stop_loss / take_profit
	id   string
}

func (m *ConditionalMonitor) checkPosition(ctx context.Context, pos *model.Position) {
	for _, leg := range []*model.PositionLeg{&pos.Long, &pos.Short} {
		client := m.clients[leg.Exchange]
		if client == nil {
			continue
		}

		var refs []condOrderRef
		if leg.StopLossOrderID != "" {
			refs = append(refs, condOrderRef{leg.Side, "stop_loss", leg.StopLossOrderID})
		}
		if leg.TakeProfitOrderID != "" {
			refs = append(refs, condOrderRef{leg.Side, "take_profit", leg.TakeProfitOrderID})
		}
		if len(refs) == 0 {
			continue
		}

		open, err := client.FetchOpenOrders(ctx, pos.Symbol)
		if err != nil {
			log.Warn().Err(err).Str("exchange", leg.Exchange).Msg("fetch open orders failed, skip this cycle")
			continue
		}
		openIDs := make(map[string]bool, len(open))
		for _, o := range open {
			openIDs[o.ID] = true
		}

		for _, ref := range refs {
			if openIDs[ref.id] {
				m.resetUnknown(ref.id)
				continue
			}
			state := m.classify(ctx, client, pos, ref)
			m.apply(ctx, pos, state)
			if pos.Status != model.PositionOpen {
				return // 触发处理已终结该持仓，剩余条件单由平仓撤单兜底
			}
		}
	}
}

// classify 挂单列表中消失的条件单的状态推断
func (m *ConditionalMonitor) classify(ctx context.Context, client port.ExchangeClient, pos *model.Position, ref condOrderRef) *model.ConditionalOrderState {
	state := &model.ConditionalOrderState{
		PositionID: pos.ID,
		Side:       ref.side,
		OrderID:    ref.id,
		Kind:       ref.kind,
	}

	order, err := client.FetchOrder(ctx, ref.id, pos.Symbol)
	if err == nil && order != nil {
		state.ConfirmedByHistory = true
		switch order.Status {
		case "filled":
			state.State = model.TriggerStateTriggered
		case "canceled":
			state.State = model.TriggerStateCanceled
		case "expired":
			state.State = model.TriggerStateExpired
		default:
			// 历史可查但仍 open：挂单列表的短暂不一致，下轮再看
			state.ConfirmedByHistory = false
			state.State = model.TriggerStateUnknown
			m.resetUnknown(ref.id)
			return state
		}
		m.resetUnknown(ref.id)
		return state
	}

	// 历史查不到：计一轮 UNKNOWN，连续超限后按已触发推断
	n := m.bumpUnknown(ref.id)
	if n >= m.cfg.MaxUnknown {
		log.Warn().
			Str("position_id", pos.ID).
			Str("order_id", ref.id).
			Int("unknown_cycles", n).
			Msg("conditional order vanished without history, inferring triggered")
		state.State = model.TriggerStateTriggered
		state.ConfirmedByHistory = false
		m.resetUnknown(ref.id)
		return state
	}
	state.State = model.TriggerStateUnknown
	return state
}

// apply 根据推断结果推进持仓状态
func (m *ConditionalMonitor) apply(ctx context.Context, pos *model.Position, state *model.ConditionalOrderState) {
	switch state.State {
	case model.TriggerStateUnknown:
		return

	case model.TriggerStateCanceled, model.TriggerStateExpired:
		// 风控单没了但仓还在：清掉 ID 并降级条件单状态，提醒人工补挂
		clearCondOrderID(pos.Leg(state.Side), state.Kind)
		pos.CondOrderStatus = model.CondOrderPartial
		pos.CondOrderError = fmt.Sprintf("%s %s order %s: %s", state.Side, state.Kind, state.OrderID, strings.ToLower(state.State))
		if err := m.repo.UpdatePosition(ctx, pos); err != nil {
			log.Error().Err(err).Str("position_id", pos.ID).Msg("persist degraded conditional state failed")
		}
		log.Warn().
			Str("position_id", pos.ID).
			Str("side", state.Side).
			Str("kind", state.Kind).
			Str("state", state.State).
			Msg("protective order gone without triggering")

	case model.TriggerStateTriggered:
		m.onTriggered(ctx, pos, state)
	}
}

// onTriggered 一腿被风控单平掉后，对冲失衡，立即平对侧腿
func (m *ConditionalMonitor) onTriggered(ctx context.Context, pos *model.Position, state *model.ConditionalOrderState) {
	reason := triggerReason(state)
	opposite := model.SideShort
	if state.Side == model.SideShort {
		opposite = model.SideLong
	}

	log.Info().
		Str("position_id", pos.ID).
		Str("side", state.Side).
		Str("kind", state.Kind).
		Bool("confirmed", state.ConfirmedByHistory).
		Str("reason", reason).
		Msg("conditional order triggered, unwinding opposite leg")

	clearCondOrderID(pos.Leg(state.Side), state.Kind)

	now := time.Now().UnixMilli()
	closeErr := m.closer.CloseLeg(ctx, pos, opposite)
	if closeErr != nil && !errors.Is(closeErr, ErrFillPriceUnresolved) {
		pos.Status = model.PositionPartial
		pos.CloseReason = reason
		pos.FailureDetail = fmt.Sprintf("%s leg auto-unwind: %v", opposite, closeErr)
		if perr := m.repo.UpdatePosition(ctx, pos); perr != nil {
			log.Error().Err(perr).Str("position_id", pos.ID).Msg("persist partial after failed unwind")
		}
		log.Error().Err(closeErr).
			Str("position_id", pos.ID).
			Str("side", opposite).
			Msg("opposite leg auto-unwind failed, position left partial")
		m.evictPosition(pos)
		return
	}

	pos.Status = model.PositionClosed
	pos.CloseTime = now
	pos.CloseReason = reason
	pos.Notes = fmt.Sprintf("%s leg closed by %s, %s leg auto-unwound", state.Side, state.Kind, opposite)
	if closeErr != nil {
		// 对侧腿已平但成交价拿不到：仓位照常终结，缺价记档
		pos.FailureDetail = fmt.Sprintf("%s leg auto-unwind: %v", opposite, closeErr)
		log.Warn().Err(closeErr).Str("position_id", pos.ID).Msg("auto-unwind leg closed with unresolved fill price")
	}
	if err := m.repo.UpdatePosition(ctx, pos); err != nil {
		log.Error().Err(err).Str("position_id", pos.ID).Msg("persist closed position failed")
	}

	// 触发腿的平仓价交易所侧才有，资金费收益此处无从汇总，记 0
	if err := m.repo.InsertTrade(ctx, buildTrade(pos, 0, now)); err != nil {
		log.Error().Err(err).Str("position_id", pos.ID).Msg("persist trade after trigger failed")
	}
	m.evictPosition(pos)
}

// triggerReason 历史确认时给出具体的触发原因，仅凭推断时只能记自动解除
func triggerReason(state *model.ConditionalOrderState) string {
	if !state.ConfirmedByHistory {
		return model.CloseReasonAutoUnwound
	}
	switch {
	case state.Side == model.SideLong && state.Kind == "stop_loss":
		return model.CloseReasonLongSL
	case state.Side == model.SideLong && state.Kind == "take_profit":
		return model.CloseReasonLongTP
	case state.Side == model.SideShort && state.Kind == "stop_loss":
		return model.CloseReasonShortSL
	default:
		return model.CloseReasonShortTP
	}
}

func clearCondOrderID(leg *model.PositionLeg, kind string) {
	if kind == "stop_loss" {
		leg.StopLossOrderID = ""
	} else {
		leg.TakeProfitOrderID = ""
	}
}

func (m *ConditionalMonitor) bumpUnknown(orderID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unknown[orderID]++
	return m.unknown[orderID]
}

func (m *ConditionalMonitor) resetUnknown(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.unknown, orderID)
}

// evictPosition 持仓离开 OPEN 后清掉它全部条件单的 UNKNOWN 计数
func (m *ConditionalMonitor) evictPosition(pos *model.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, leg := range []*model.PositionLeg{&pos.Long, &pos.Short} {
		delete(m.unknown, leg.StopLossOrderID)
		delete(m.unknown, leg.TakeProfitOrderID)
	}
}
