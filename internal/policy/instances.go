package policy

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// LadderSize 返回并行实例数量。配置了固定数量时直接使用；否则取价格前两位非零数字
// 组成 d1.d2，乘以 dynamicMultiplier 后向上取整。
func LadderSize(fixed int, dynamicMultiplier, price float64) int {
	if fixed > 0 {
		return fixed
	}

	text := strconv.FormatFloat(price, 'f', 8, 64)
	digits := make([]byte, 0, 2)
	for i := 0; i < len(text) && len(digits) < 2; i++ {
		if c := text[i]; c >= '1' && c <= '9' {
			digits = append(digits, c)
		}
	}

	var significant decimal.Decimal
	if len(digits) < 2 {
		significant = decimal.NewFromFloat(price)
	} else {
		significant = decimal.RequireFromString(string(digits[0]) + "." + string(digits[1]))
	}

	size := significant.Mul(decimal.NewFromFloat(dynamicMultiplier)).Ceil().IntPart()
	if size < 1 {
		return 1
	}
	return int(size)
}
