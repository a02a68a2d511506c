package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"fundarb/internal/application/port"
)

// fetchOrderBackoff 订单查询的退避间隔，市价单撮合通常在几百毫秒内完成
var fetchOrderBackoff = []time.Duration{
	50 * time.Millisecond,
	100 * time.Millisecond,
	200 * time.Millisecond,
	400 * time.Millisecond,
}

// PriceResolver 解析市价单的真实成交均价
// 部分交易所的下单响应不带成交价，必须走查单乃至成交明细兜底
type PriceResolver struct {
	// sleep 可替换以便测试，默认 time.Sleep
	sleep func(time.Duration)
}

func NewPriceResolver() *PriceResolver {
	return &PriceResolver{sleep: time.Sleep}
}

// Resolve 按三级回退解析成交价：
// 1. 下单响应自带的均价/价格
// 2. 退避查单（50/100/200/400ms），取已成交订单的均价
// 3. 拉取成交明细按量加权（VWAP）
// 三级全部失败返回永久错误：此时腿已成交但价格未知，重试下单会导致重复开仓
func (r *PriceResolver) Resolve(ctx context.Context, client port.ExchangeClient, order *port.Order) (float64, error) {
	if order == nil {
		return 0, port.NewPermanentError("", "nil_order", fmt.Errorf("no order to resolve price for"))
	}
	if p := orderPrice(order); p > 0 {
		return p, nil
	}

	// 响应缺价：退避查单
	for _, d := range fetchOrderBackoff {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
		r.sleep(d)

		fetched, err := client.FetchOrder(ctx, order.ID, order.Symbol)
		if err != nil {
			log.Debug().Err(err).
				Str("exchange", client.Name()).
				Str("order_id", order.ID).
				Msg("fetch order for fill price failed, will retry")
			continue
		}
		if fetched != nil {
			if p := orderPrice(fetched); p > 0 {
				return p, nil
			}
		}
	}

	// 查单也拿不到：从成交明细按量加权
	since := order.Timestamp - 60_000
	if since < 0 {
		since = 0
	}
	fills, err := client.FetchMyTrades(ctx, order.Symbol, since, 50)
	if err == nil {
		if p := vwapForOrder(fills, order.ID); p > 0 {
			return p, nil
		}
	} else {
		log.Debug().Err(err).
			Str("exchange", client.Name()).
			Str("order_id", order.ID).
			Msg("fetch trades for fill price failed")
	}

	return 0, port.NewPermanentError(client.Name(), "fill_price_unresolved",
		fmt.Errorf("order %s on %s: fill price unresolved after order query and trade lookup", order.ID, order.Symbol))
}

// orderPrice 从订单视图里取可用价格，优先成交均价
func orderPrice(o *port.Order) float64 {
	if o.AvgPrice > 0 {
		return o.AvgPrice
	}
	if o.Price > 0 {
		return o.Price
	}
	return 0
}

// vwapForOrder 按订单号过滤成交明细并计算量加权均价
func vwapForOrder(fills []port.TradeFill, orderID string) float64 {
	var notional, qty float64
	for _, f := range fills {
		if f.OrderID != orderID || f.Quantity <= 0 || f.Price <= 0 {
			continue
		}
		notional += f.Price * f.Quantity
		qty += f.Quantity
	}
	if qty <= 0 {
		return 0
	}
	return notional / qty
}
