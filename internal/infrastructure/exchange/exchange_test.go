package exchange

import (
	"net/http"
	"testing"

	"fundarb/internal/application/port"
)

func TestSymbolConversions(t *testing.T) {
	cases := []struct {
		unified string
		binance string
		okx     string
		mexc    string
		gate    string
		bingx   string
	}{
		{"BTCUSDT", "BTCUSDT", "BTC-USDT-SWAP", "BTC_USDT", "BTC_USDT", "BTC-USDT"},
		{"ethusdt", "ETHUSDT", "ETH-USDT-SWAP", "ETH_USDT", "ETH_USDT", "ETH-USDT"},
		{" solusdt ", "SOLUSDT", "SOL-USDT-SWAP", "SOL_USDT", "SOL_USDT", "SOL-USDT"},
	}
	for _, tc := range cases {
		if got := BinanceSymbol(tc.unified); got != tc.binance {
			t.Errorf("BinanceSymbol(%q) = %q, want %q", tc.unified, got, tc.binance)
		}
		if got := OKXInstID(tc.unified); got != tc.okx {
			t.Errorf("OKXInstID(%q) = %q, want %q", tc.unified, got, tc.okx)
		}
		if got := MEXCContract(tc.unified); got != tc.mexc {
			t.Errorf("MEXCContract(%q) = %q, want %q", tc.unified, got, tc.mexc)
		}
		if got := GateContract(tc.unified); got != tc.gate {
			t.Errorf("GateContract(%q) = %q, want %q", tc.unified, got, tc.gate)
		}
		if got := BingXSymbol(tc.unified); got != tc.bingx {
			t.Errorf("BingXSymbol(%q) = %q, want %q", tc.unified, got, tc.bingx)
		}
	}
}

func TestUnifySymbolRoundTrip(t *testing.T) {
	for _, raw := range []string{"BTC-USDT-SWAP", "BTC_USDT", "BTC-USDT", "BTCUSDT", "btcusdt"} {
		if got := UnifySymbol(raw); got != "BTCUSDT" {
			t.Errorf("UnifySymbol(%q) = %q, want BTCUSDT", raw, got)
		}
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusRequestTimeout, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusForbidden, false},
		{http.StatusNotFound, false},
	}
	for _, tc := range cases {
		err := classifyStatus(Binance, tc.status, []byte("body"))
		if port.IsTransient(err) != tc.transient {
			t.Errorf("status %d: transient = %v, want %v", tc.status, port.IsTransient(err), tc.transient)
		}
	}
}

func TestMEXCSideCodes(t *testing.T) {
	cases := []struct {
		side   string
		reduce bool
		want   int
	}{
		{"buy", false, mexcOpenLong},
		{"sell", false, mexcOpenShort},
		{"sell", true, mexcCloseLong},
		{"buy", true, mexcCloseShort},
	}
	for _, tc := range cases {
		if got := mexcSideCode(tc.side, tc.reduce); got != tc.want {
			t.Errorf("mexcSideCode(%s, %v) = %d, want %d", tc.side, tc.reduce, got, tc.want)
		}
	}
}

func TestGateOrderMapping(t *testing.T) {
	o := gateOrder{ID: 42, Contract: "BTC_USDT", Size: -3, Status: "finished", FinishAs: "filled", FillPrice: "65000.5"}
	got := o.toPort()
	if got.ID != "42" || got.Symbol != "BTCUSDT" {
		t.Fatalf("id/symbol = %s/%s", got.ID, got.Symbol)
	}
	if got.Side != "sell" || got.FilledQty != 3 {
		t.Fatalf("side/qty = %s/%v, want sell/3 from negative size", got.Side, got.FilledQty)
	}
	if got.Status != "filled" || got.AvgPrice != 65000.5 {
		t.Fatalf("status/avg = %s/%v", got.Status, got.AvgPrice)
	}

	canceled := gateOrder{ID: 1, Contract: "BTC_USDT", Size: 1, Status: "finished", FinishAs: "cancelled"}
	if canceled.toPort().Status != "canceled" {
		t.Fatal("cancelled must map to canceled")
	}
}

func TestBinanceOrderStatusMapping(t *testing.T) {
	cases := map[string]string{
		"NEW":              "open",
		"PARTIALLY_FILLED": "open",
		"FILLED":           "filled",
		"CANCELED":         "canceled",
		"EXPIRED":          "expired",
	}
	for in, want := range cases {
		if got := binanceOrderStatus(in); got != want {
			t.Errorf("binanceOrderStatus(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestBuildMarkPriceURL(t *testing.T) {
	u, err := buildMarkPriceURL("wss://fstream.binance.com", []string{"BTCUSDT", "ethusdt", " "})
	if err != nil {
		t.Fatal(err)
	}
	want := "wss://fstream.binance.com/stream?streams=btcusdt@markPrice/ethusdt@markPrice"
	if u != want {
		t.Fatalf("url = %s, want %s", u, want)
	}

	if _, err := buildMarkPriceURL("", []string{"BTCUSDT"}); err == nil {
		t.Fatal("empty base must error")
	}
	if _, err := buildMarkPriceURL("wss://x", nil); err == nil {
		t.Fatal("empty symbols must error")
	}
}
