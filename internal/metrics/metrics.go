package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 通道标签取值。
const (
	PathPush = "push"
	PathREST = "rest"
)

// Metrics 汇总下单通道与实例状态指标。每个实例持有独立 Registry，测试互不干扰。
type Metrics struct {
	registry *prometheus.Registry

	Orders       *prometheus.CounterVec
	Fallbacks    *prometheus.CounterVec
	Retries      *prometheus.CounterVec
	Events       *prometheus.CounterVec
	Fills        *prometheus.CounterVec
	Instances    *prometheus.GaugeVec
	Sweeps       prometheus.Counter
	Recoveries   prometheus.Counter
	LastPrice    prometheus.Gauge
	CycleSeconds prometheus.Histogram
}

// New 创建并注册全部指标。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ladder_orders_total",
				Help: "Order actions by operation, path and outcome",
			},
			[]string{"op", "path", "outcome"},
		),
		Fallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ladder_rest_fallbacks_total",
				Help: "Actions that fell back to the REST path after push retries were exhausted",
			},
			[]string{"op"},
		),
		Retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ladder_push_retries_total",
				Help: "Push send retries",
			},
			[]string{"op"},
		),
		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ladder_order_events_total",
				Help: "Order events received from the push channel",
			},
			[]string{"status", "matched"},
		),
		Fills: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ladder_fills_total",
				Help: "Executed orders by side",
			},
			[]string{"side"},
		),
		Instances: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ladder_instances",
				Help: "Instances by lifecycle state",
			},
			[]string{"state"},
		),
		Sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ladder_pending_sweeps_total",
			Help: "Instances force-released after pending timeout",
		}),
		Recoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ladder_recoveries_total",
			Help: "State recovery runs",
		}),
		LastPrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ladder_last_price",
			Help: "Last traded price seen by the strategy loop",
		}),
		CycleSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ladder_cycle_seconds",
			Help:    "Strategy loop cycle duration",
			Buckets: prometheus.DefBuckets,
		}),
	}

	m.registry.MustRegister(
		m.Orders,
		m.Fallbacks,
		m.Retries,
		m.Events,
		m.Fills,
		m.Instances,
		m.Sweeps,
		m.Recoveries,
		m.LastPrice,
		m.CycleSeconds,
	)
	return m
}

// Registry 返回底层注册表。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 返回 /metrics 处理器。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveOrder 记录一次下单动作。m 为 nil 时忽略。
func (m *Metrics) ObserveOrder(op, path string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Orders.WithLabelValues(op, path, outcome).Inc()
}

// ObserveFallback 记录一次 REST 回退。
func (m *Metrics) ObserveFallback(op string) {
	if m == nil {
		return
	}
	m.Fallbacks.WithLabelValues(op).Inc()
}

// ObserveRetry 记录一次推送重试。
func (m *Metrics) ObserveRetry(op string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(op).Inc()
}

// ObserveEvent 记录一条订单回报。
func (m *Metrics) ObserveEvent(status string, matched bool) {
	if m == nil {
		return
	}
	label := "false"
	if matched {
		label = "true"
	}
	m.Events.WithLabelValues(status, label).Inc()
}

// ObserveFill 记录一笔成交。
func (m *Metrics) ObserveFill(side string) {
	if m == nil {
		return
	}
	m.Fills.WithLabelValues(side).Inc()
}

// SetInstances 更新各状态实例数。
func (m *Metrics) SetInstances(counts map[string]int) {
	if m == nil {
		return
	}
	for state, n := range counts {
		m.Instances.WithLabelValues(state).Set(float64(n))
	}
}

// ObserveSweep 累加强制释放的实例数。
func (m *Metrics) ObserveSweep(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Sweeps.Add(float64(n))
}

// ObserveRecovery 记录一次状态恢复。
func (m *Metrics) ObserveRecovery() {
	if m == nil {
		return
	}
	m.Recoveries.Inc()
}

// SetPrice 更新最新价。
func (m *Metrics) SetPrice(price float64) {
	if m == nil {
		return
	}
	m.LastPrice.Set(price)
}

// ObserveCycle 记录一次循环耗时（秒）。
func (m *Metrics) ObserveCycle(seconds float64) {
	if m == nil {
		return
	}
	m.CycleSeconds.Observe(seconds)
}
