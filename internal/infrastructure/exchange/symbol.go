package exchange

import (
	"strings"
)

// 内部统一符号格式为 BASEUSDT（如 BTCUSDT），各交易所在边界转换。
// 这里只处理 USDT 本位永续。

// splitBase 取统一符号的基础币种
// 例: BTCUSDT -> BTC
func splitBase(symbol string) string {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	return strings.TrimSuffix(sym, "USDT")
}

// BinanceSymbol Binance 合约直接用统一格式
// 例: BTCUSDT -> BTCUSDT
func BinanceSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// OKXInstID OKX 永续 instId
// 例: BTCUSDT -> BTC-USDT-SWAP
func OKXInstID(symbol string) string {
	base := splitBase(symbol)
	if base == "" {
		return ""
	}
	return base + "-USDT-SWAP"
}

// MEXCContract MEXC 合约符号
// 例: BTCUSDT -> BTC_USDT
func MEXCContract(symbol string) string {
	base := splitBase(symbol)
	if base == "" {
		return ""
	}
	return base + "_USDT"
}

// GateContract Gate 合约符号，与 MEXC 同形
// 例: BTCUSDT -> BTC_USDT
func GateContract(symbol string) string {
	return MEXCContract(symbol)
}

// BingXSymbol BingX 合约符号
// 例: BTCUSDT -> BTC-USDT
func BingXSymbol(symbol string) string {
	base := splitBase(symbol)
	if base == "" {
		return ""
	}
	return base + "-USDT"
}

// UnifySymbol 交易所符号还原为统一格式
// 例: BTC-USDT-SWAP -> BTCUSDT, BTC_USDT -> BTCUSDT
func UnifySymbol(raw string) string {
	sym := strings.ToUpper(strings.TrimSpace(raw))
	sym = strings.TrimSuffix(sym, "-SWAP")
	sym = strings.ReplaceAll(sym, "-", "")
	sym = strings.ReplaceAll(sym, "_", "")
	return sym
}
