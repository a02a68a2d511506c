package service

// SettlementsPerYear 年化结算次数：每天 3 次 × 365 天
const SettlementsPerYear = 3 * 365

// CostRates 成本费率表，全部为小数（0.001 = 0.1%）
type CostRates struct {
	TradingFee   float64 // 双边开平手续费
	Slippage     float64 // 滑点
	PriceBuffer  float64 // 两所价差缓冲
	SafetyMargin float64 // 安全边际
}

// DefaultCostRates 默认成本表，合计 0.5%
func DefaultCostRates() CostRates {
	return CostRates{
		TradingFee:   0.002,
		Slippage:     0.001,
		PriceBuffer:  0.001,
		SafetyMargin: 0.001,
	}
}

// CostModel 纯计算组件：给定费率价差，推导成本、净利润与年化
// 所有方法无副作用
type CostModel struct {
	rates CostRates
}

func NewCostModel(rates CostRates) *CostModel {
	return &CostModel{rates: rates}
}

// TotalCostRate 合计成本费率
func (cm *CostModel) TotalCostRate() float64 {
	return cm.rates.TradingFee + cm.rates.Slippage + cm.rates.PriceBuffer + cm.rates.SafetyMargin
}

// TotalCost 给定名义仓位的总成本
func (cm *CostModel) TotalCost(positionSize float64) float64 {
	return positionSize * cm.TotalCostRate()
}

// NetProfit 单次结算的净利润 = 毛利 - 成本
func (cm *CostModel) NetProfit(spread, positionSize float64) float64 {
	return spread*positionSize - cm.TotalCost(positionSize)
}

// NetProfitRate 单次结算的净利润率
func (cm *CostModel) NetProfitRate(spread float64) float64 {
	return spread - cm.TotalCostRate()
}

// NetAnnualizedReturn 净利润率按年化结算次数外推
func (cm *CostModel) NetAnnualizedReturn(spread float64) float64 {
	return cm.NetProfitRate(spread) * SettlementsPerYear
}

// IsValidOpportunity 严格大于零才算有效机会，恰好保本视为无效
func (cm *CostModel) IsValidOpportunity(spread float64) bool {
	return cm.NetProfitRate(spread) > 0
}
