package exchange

import "github.com/shopspring/decimal"

// RoundDownToIncrement 将数量向下取整到交易所步长。
// 使用 decimal 避免浮点步长（如0.001）在二进制下的累积误差。
func RoundDownToIncrement(value, increment float64) float64 {
	if increment <= 0 || value <= 0 {
		return value
	}

	v := decimal.NewFromFloat(value)
	inc := decimal.NewFromFloat(increment)

	steps := v.Div(inc).Floor()
	result, _ := steps.Mul(inc).Float64()
	if result < 0 {
		return 0
	}
	return result
}

// MeetsMinNotional 判断订单名义价值是否满足交易所最小限制。
func MeetsMinNotional(price, size, minNotional float64) bool {
	if minNotional <= 0 {
		return true
	}
	if price <= 0 || size <= 0 {
		return false
	}
	notional := decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(size))
	return notional.GreaterThanOrEqual(decimal.NewFromFloat(minNotional))
}
