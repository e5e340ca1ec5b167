package policy

import (
	"errors"
	"math"
	"testing"

	"ladder-bot/internal/exchange"
)

func ptr(v float64) *float64 { return &v }

func TestAmount_BuyUsesFixedNotional(t *testing.T) {
	p := NewAmountPolicy(100, 0.001)

	amount, err := p.Amount(exchange.OrderSideBuy, 50000, nil)
	if err != nil {
		t.Fatalf("Amount returned error: %v", err)
	}
	if amount != 0.002 {
		t.Fatalf("expected 0.002, got %v", amount)
	}
}

func TestAmount_BuyErrors(t *testing.T) {
	if _, err := NewAmountPolicy(0, 0.001).Amount(exchange.OrderSideBuy, 100, nil); !errors.Is(err, ErrConfig) {
		t.Errorf("expected ErrConfig, got %v", err)
	}
	if _, err := NewAmountPolicy(100, 0.001).Amount(exchange.OrderSideBuy, 0, nil); !errors.Is(err, ErrDivideByZero) {
		t.Errorf("expected ErrDivideByZero, got %v", err)
	}
	if _, err := NewAmountPolicy(100, 0.001).Amount(exchange.OrderSide("hold"), 10, nil); !errors.Is(err, ErrInvalidSide) {
		t.Errorf("expected ErrInvalidSide, got %v", err)
	}
}

func TestAmount_SellSubtractsRoundedFee(t *testing.T) {
	cases := []struct {
		name  string
		carry float64
		fee   float64
		want  float64
	}{
		{name: "单位数手续费", carry: 1.0, fee: 0.001, want: 0.999},
		{name: "向上取整手续费", carry: 0.0802, fee: 0.01, want: 0.0793},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NewAmountPolicy(100, tc.fee).Amount(exchange.OrderSideSell, 1, ptr(tc.carry))
			if err != nil {
				t.Fatalf("Amount returned error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestAmount_SellWithoutCarry(t *testing.T) {
	_, err := NewAmountPolicy(100, 0.001).Amount(exchange.OrderSideSell, 10, nil)
	if !errors.Is(err, ErrMissingCarryAmount) {
		t.Fatalf("expected ErrMissingCarryAmount, got %v", err)
	}
}

func TestRoundUpToOneSignificant(t *testing.T) {
	cases := map[float64]float64{
		801:      900,
		0.000801: 0.0009,
		0.001:    0.001,
		9.5:      10,
		0:        0,
		12345:    20000,
	}
	for in, want := range cases {
		if got := RoundUpToOneSignificant(in); got != want {
			t.Errorf("RoundUpToOneSignificant(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestRoundUpToOneSignificant_NeverBelowInput(t *testing.T) {
	p := NewAmountPolicy(100, 0.001)
	for _, x := range []float64{0.0000123, 0.37, 1, 7.77, 99.1, 123456.789} {
		if got := RoundUpToOneSignificant(x); got < x {
			t.Errorf("rounded %v below input: %v", x, got)
		}
		sell, err := p.Amount(exchange.OrderSideSell, 1, ptr(x))
		if err != nil {
			t.Fatalf("Amount returned error: %v", err)
		}
		if sell >= x {
			t.Errorf("sell amount %v not below carry %v", sell, x)
		}
	}
}

func TestTickLadder_Prices(t *testing.T) {
	ladder, err := NewTickLadder(0.01, Offsets{Trigger: 5, Limit: 3}, Offsets{Trigger: 5, Limit: 3})
	if err != nil {
		t.Fatalf("NewTickLadder returned error: %v", err)
	}

	trigger, limit, err := ladder.Prices(100, exchange.OrderSideBuy, 2)
	if err != nil {
		t.Fatalf("Prices returned error: %v", err)
	}
	if trigger != 100.07 || limit != 100.05 {
		t.Fatalf("unexpected buy prices trigger=%v limit=%v", trigger, limit)
	}

	trigger, limit, err = ladder.Prices(100, exchange.OrderSideSell, 2)
	if err != nil {
		t.Fatalf("Prices returned error: %v", err)
	}
	if trigger != 99.93 || limit != 99.95 {
		t.Fatalf("unexpected sell prices trigger=%v limit=%v", trigger, limit)
	}

	if _, _, err := ladder.Prices(100, exchange.OrderSide("x"), 0); !errors.Is(err, ErrInvalidSide) {
		t.Fatalf("expected ErrInvalidSide, got %v", err)
	}
}

func TestTickLadder_StaggersInstances(t *testing.T) {
	ladder, err := NewTickLadder(0.5, Offsets{Trigger: 1, Limit: 1}, Offsets{Trigger: 1, Limit: 1})
	if err != nil {
		t.Fatalf("NewTickLadder returned error: %v", err)
	}
	prev := math.Inf(-1)
	for i := 0; i < 4; i++ {
		_, limit, err := ladder.Prices(10, exchange.OrderSideBuy, i)
		if err != nil {
			t.Fatalf("Prices returned error: %v", err)
		}
		if limit <= prev {
			t.Fatalf("instance %d limit %v not above previous %v", i, limit, prev)
		}
		prev = limit
	}
}

func TestResolveTickSize(t *testing.T) {
	cases := []struct {
		name       string
		configured float64
		market     float64
		fallback   int
		want       float64
	}{
		{name: "显式配置", configured: 0.05, market: 2, fallback: 1, want: 0.05},
		{name: "市场小数位", market: 3, fallback: 1, want: 0.001},
		{name: "市场tick", market: 0.01, fallback: 1, want: 0.01},
		{name: "回退精度", fallback: 4, want: 0.0001},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ResolveTickSize(tc.configured, tc.market, tc.fallback)
			if err != nil {
				t.Fatalf("ResolveTickSize returned error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}

	if _, err := ResolveTickSize(0, 0, 0); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestLadderSize(t *testing.T) {
	if got := LadderSize(7, 24, 64000); got != 7 {
		t.Errorf("expected fixed size 7, got %d", got)
	}
	// 6.4 * 24 = 153.6
	if got := LadderSize(0, 24, 64321.5); got != 154 {
		t.Errorf("expected 154, got %d", got)
	}
	// 零被跳过：6.3 * 10 = 63
	if got := LadderSize(0, 10, 60321); got != 63 {
		t.Errorf("expected 63, got %d", got)
	}
	// 0.0025 -> 2.5 * 24 = 60
	if got := LadderSize(0, 24, 0.0025); got != 60 {
		t.Errorf("expected 60, got %d", got)
	}
}
