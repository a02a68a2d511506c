package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"fundarb/internal/application/port"
)

// markPriceServer 持续推送 markPrice 帧的测试端
func markPriceServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		msg := []byte(`{"stream":"btcusdt@markPrice","data":{"s":"BTCUSDT","p":"65000","r":"0.0001","T":1700000000000,"E":1700000000000}}`)
		for {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}))
}

func TestReadLoopShutdownWaitsForReader(t *testing.T) {
	srv := markPriceServer(t)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	// 容量压到 1，让读协程大概率正卡在发送上
	out := make(chan port.RateTick, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = readLoop(ctx, conn, func([]byte) {
			select {
			case out <- port.RateTick{Exchange: Binance, Symbol: "BTCUSDT"}:
			case <-ctx.Done():
			}
		})
	}()

	// 确认读协程已在产出后才取消
	select {
	case <-out:
	case <-time.After(2 * time.Second):
		t.Fatal("no tick received from the test server")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("readLoop must return after cancellation")
	}

	// readLoop 返回即读协程已退出，此时关通道不会撞上在途的发送
	close(out)
	time.Sleep(20 * time.Millisecond)
}
