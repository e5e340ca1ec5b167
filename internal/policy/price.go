package policy

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"ladder-bot/internal/config"
	"ladder-bot/internal/exchange"
)

// PriceCalculator 根据参考价计算触发价与限价，阶梯策略可替换。
type PriceCalculator interface {
	Prices(reference float64, side exchange.OrderSide, instanceOffset int) (trigger, limit float64, err error)
}

// Offsets 为单侧以 tick 计的基础偏移。
type Offsets struct {
	Trigger int
	Limit   int
}

// TickLadder 是默认的阶梯定价：每个实例在基础偏移上再多偏一个 tick。
type TickLadder struct {
	tick   decimal.Decimal
	places int32
	buy    Offsets
	sell   Offsets
}

var _ PriceCalculator = (*TickLadder)(nil)

// NewTickLadder 构造阶梯定价策略。
func NewTickLadder(tickSize float64, buy, sell Offsets) (*TickLadder, error) {
	if tickSize <= 0 || math.IsNaN(tickSize) || math.IsInf(tickSize, 0) {
		return nil, fmt.Errorf("%w: tick_size=%v", ErrConfig, tickSize)
	}
	tick := decimal.NewFromFloat(tickSize)
	return &TickLadder{
		tick:   tick,
		places: TickPlaces(tickSize),
		buy:    buy,
		sell:   sell,
	}, nil
}

// NewTickLadderFromConfig 使用交易配置中的偏移量构造阶梯定价。
func NewTickLadderFromConfig(tickSize float64, cfg config.TradingConfig) (*TickLadder, error) {
	return NewTickLadder(tickSize,
		Offsets{Trigger: cfg.Buy.TriggerOffset, Limit: cfg.Buy.LimitOffset},
		Offsets{Trigger: cfg.Sell.TriggerOffset, Limit: cfg.Sell.LimitOffset},
	)
}

// TickSize 返回当前使用的最小价格变动单位。
func (l *TickLadder) TickSize() float64 {
	return l.tick.InexactFloat64()
}

// Prices 买单在参考价上方挂出，卖单在下方挂出，结果按 tick 精度四舍五入。
func (l *TickLadder) Prices(reference float64, side exchange.OrderSide, instanceOffset int) (float64, float64, error) {
	ref := decimal.NewFromFloat(reference)

	var (
		offsets Offsets
		sign    int64
	)
	switch side {
	case exchange.OrderSideBuy:
		offsets, sign = l.buy, 1
	case exchange.OrderSideSell:
		offsets, sign = l.sell, -1
	default:
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}

	shift := func(base int) decimal.Decimal {
		steps := decimal.NewFromInt(int64(base+instanceOffset) * sign)
		return ref.Add(steps.Mul(l.tick)).Round(l.places)
	}

	return shift(offsets.Trigger).InexactFloat64(), shift(offsets.Limit).InexactFloat64(), nil
}

// TickPlaces 返回 tick 对应的小数位数，0.01 -> 2，0.005 -> 3，5 -> 0。
func TickPlaces(tickSize float64) int32 {
	d := decimal.NewFromFloat(tickSize)
	if !d.IsPositive() {
		return 0
	}
	places := -leadingExponent(d)
	if places < 0 {
		return 0
	}
	return places
}

// ResolveTickSize 依次采用显式配置、交易所市场精度、回退精度确定 tick。
// 市场精度可能是小数位数（>=1 的整数）或直接给出 tick 值。
func ResolveTickSize(configured, marketPrecision float64, fallbackPrecision int) (float64, error) {
	if configured > 0 {
		return configured, nil
	}
	if marketPrecision > 0 {
		if marketPrecision >= 1 && marketPrecision == math.Trunc(marketPrecision) {
			return decimal.New(1, -int32(marketPrecision)).InexactFloat64(), nil
		}
		if marketPrecision < 1 {
			return marketPrecision, nil
		}
	}
	if fallbackPrecision > 0 {
		return decimal.New(1, -int32(fallbackPrecision)).InexactFloat64(), nil
	}
	return 0, fmt.Errorf("%w: 无法确定 tick_size", ErrConfig)
}
