package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cast"

	"fundarb/internal/application/port"
)

// BinanceRateFeed Binance markPrice 组合流
// 推送里直接带资金费率和下次结算时间，用于在轮询间隙保持缓存新鲜
type BinanceRateFeed struct {
	wsURL string // e.g. wss://fstream.binance.com
}

func NewBinanceRateFeed(wsURL string) *BinanceRateFeed {
	return &BinanceRateFeed{wsURL: strings.TrimSpace(wsURL)}
}

var _ port.RateFeed = (*BinanceRateFeed)(nil)

func (f *BinanceRateFeed) Name() string { return Binance }

type binanceMarkPriceMsg struct {
	Symbol      string `json:"s"`
	MarkPrice   string `json:"p"`
	IndexPrice  string `json:"i"`
	FundingRate string `json:"r"`
	NextFunding int64  `json:"T"`
	EventTime   int64  `json:"E"`
}

func (f *BinanceRateFeed) Subscribe(ctx context.Context, symbols []string) (<-chan port.RateTick, error) {
	wsURL, err := buildMarkPriceURL(f.wsURL, symbols)
	if err != nil {
		return nil, err
	}
	out := make(chan port.RateTick, 1024)
	go f.run(ctx, wsURL, out)
	return out, nil
}

func buildMarkPriceURL(base string, symbols []string) (string, error) {
	if base == "" {
		return "", errors.New("binance ws url empty")
	}
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		streams = append(streams, fmt.Sprintf("%s@markPrice", s))
	}
	if len(streams) == 0 {
		return "", errors.New("symbols empty")
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	u.Path = "/stream"
	u.RawQuery = "streams=" + strings.Join(streams, "/")
	return u.String(), nil
}

func (f *BinanceRateFeed) run(ctx context.Context, wsURL string, out chan<- port.RateTick) {
	defer close(out)

	backoff := 500 * time.Millisecond
	maxBackoff := 10 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		conn, _, err := websocket.DefaultDialer.DialContext(cctx, wsURL, nil)
		cancel()
		if err != nil {
			log.Error().Str("feed", f.Name()).Err(err).Msg("ws dial failed")
			time.Sleep(backoff)
			backoff = minDur(backoff*2, maxBackoff)
			continue
		}

		backoff = 500 * time.Millisecond
		log.Info().Str("feed", f.Name()).Msg("ws connected")

		err = readLoop(ctx, conn, func(b []byte) {
			var msg struct {
				Stream string              `json:"stream"`
				Data   binanceMarkPriceMsg `json:"data"`
			}
			if e := json.Unmarshal(b, &msg); e != nil {
				log.Error().Str("feed", f.Name()).Err(e).Msg("json unmarshal failed")
				return
			}
			sym := strings.ToUpper(msg.Data.Symbol)
			if sym == "" {
				return
			}
			tick := port.RateTick{
				Exchange:      f.Name(),
				Symbol:        sym,
				Rate:          cast.ToFloat64(msg.Data.FundingRate),
				IntervalHours: 8,
				MarkPrice:     cast.ToFloat64(msg.Data.MarkPrice),
				IndexPrice:    cast.ToFloat64(msg.Data.IndexPrice),
				NextTime:      time.UnixMilli(msg.Data.NextFunding),
				Ts:            msg.Data.EventTime,
			}
			// 关停时消费方可能已停止取数，发送不能无限期阻塞
			select {
			case out <- tick:
			case <-ctx.Done():
			}
		})

		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}

		log.Warn().Str("feed", f.Name()).Err(err).Msg("ws disconnected, reconnecting")
		time.Sleep(backoff)
		backoff = minDur(backoff*2, maxBackoff)
	}
}

func readLoop(ctx context.Context, conn *websocket.Conn, onMsg func([]byte)) error {
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(25 * time.Second)
	defer pingTicker.Stop()

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			onMsg(b)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			// 读协程可能正持有 out 通道的发送权：先断连接逼它退出，
			// 等 errCh 关闭后才返回，调用方此后关 out 才安全
			_ = conn.Close()
			for range errCh {
			}
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-pingTicker.C:
			_ = conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second))
		}
	}
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
