package policy

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"ladder-bot/internal/exchange"
)

var (
	// ErrConfig 表示缺少必要的下单规模配置。
	ErrConfig = errors.New("policy: 配置缺失")
	// ErrDivideByZero 表示限价为零，无法换算数量。
	ErrDivideByZero = errors.New("policy: 限价为零")
	// ErrMissingCarryAmount 表示卖单缺少对应买单的成交数量，本轮跳过即可。
	ErrMissingCarryAmount = errors.New("policy: 缺少买入成交数量")
	// ErrInvalidSide 表示无法识别的下单方向。
	ErrInvalidSide = errors.New("policy: 无效的下单方向")
)

// AmountPolicy 负责把方向与价格换算成下单数量。
type AmountPolicy struct {
	fixedNotional decimal.Decimal
	feeRate       decimal.Decimal
}

// NewAmountPolicy 构造数量策略，fixedNotional 为每笔买单的固定名义金额。
func NewAmountPolicy(fixedNotional, sellFeeRate float64) *AmountPolicy {
	return &AmountPolicy{
		fixedNotional: decimal.NewFromFloat(fixedNotional),
		feeRate:       decimal.NewFromFloat(sellFeeRate),
	}
}

// Amount 计算下单数量：买单按固定名义金额折算，卖单扣除向上取整后的手续费。
func (p *AmountPolicy) Amount(side exchange.OrderSide, limitPrice float64, carry *float64) (float64, error) {
	switch side {
	case exchange.OrderSideBuy:
		if !p.fixedNotional.IsPositive() {
			return 0, fmt.Errorf("%w: fixed_notional 未配置", ErrConfig)
		}
		if limitPrice == 0 {
			return 0, ErrDivideByZero
		}
		return p.fixedNotional.Div(decimal.NewFromFloat(limitPrice)).InexactFloat64(), nil
	case exchange.OrderSideSell:
		if carry == nil {
			return 0, ErrMissingCarryAmount
		}
		held := decimal.NewFromFloat(*carry)
		fee := roundUpToOneSignificant(held.Mul(p.feeRate))
		return held.Sub(fee).InexactFloat64(), nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}
}

// RoundUpToOneSignificant 将正数向上取整到一位有效数字，例如 801 -> 900、0.000801 -> 0.0009。
func RoundUpToOneSignificant(x float64) float64 {
	return roundUpToOneSignificant(decimal.NewFromFloat(x)).InexactFloat64()
}

func roundUpToOneSignificant(d decimal.Decimal) decimal.Decimal {
	if !d.IsPositive() {
		return decimal.Zero
	}
	lead := leadingExponent(d)
	return d.Shift(-lead).Ceil().Shift(lead)
}

// leadingExponent 返回最高有效位所在的十进制指数。
func leadingExponent(d decimal.Decimal) int32 {
	return d.Exponent() + int32(d.NumDigits()) - 1
}
