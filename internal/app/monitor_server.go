package app

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"ladder-bot/internal/ledger"
	"ladder-bot/internal/metrics"
	"ladder-bot/internal/monitor"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// instanceView 是 /instances 接口输出的实例快照。
type instanceView struct {
	Index           int       `json:"index"`
	State           string    `json:"state"`
	Side            string    `json:"side,omitempty"`
	NextSide        string    `json:"next_side"`
	ClientOrderID   string    `json:"client_order_id,omitempty"`
	ExchangeOrderID string    `json:"exchange_order_id,omitempty"`
	ReferencePrice  float64   `json:"reference_price,omitempty"`
	TriggerPrice    float64   `json:"trigger_price,omitempty"`
	LimitPrice      float64   `json:"limit_price,omitempty"`
	Amount          float64   `json:"amount,omitempty"`
	ExecutedAmount  *float64  `json:"executed_amount,omitempty"`
	SubmittedAt     time.Time `json:"submitted_at,omitempty"`
}

func newMonitorMux(svc *monitor.Service, m *metrics.Metrics, book *ledger.Ledger, logger *zap.Logger) http.Handler {
	mux := http.NewServeMux()

	writeJSON := func(w http.ResponseWriter, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(v); err != nil {
			logger.Warn("写入监控响应失败", zap.Error(err))
		}
	}

	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			http.Error(w, "事件日志未启用", http.StatusServiceUnavailable)
			return
		}
		q := r.URL.Query()
		limit := 200
		if qs := q.Get("limit"); qs != "" {
			if v, err := strconv.Atoi(qs); err == nil && v > 0 {
				if v > 1000 {
					v = 1000
				}
				limit = v
			}
		}

		instance := -1
		if qs := q.Get("instance"); qs != "" {
			v, err := strconv.Atoi(qs)
			if err != nil || v < 0 {
				http.Error(w, "instance 参数无效", http.StatusBadRequest)
				return
			}
			instance = v
		}

		eventType := monitor.EventType("")
		if typ := strings.TrimSpace(q.Get("type")); typ != "" {
			eventType = monitor.EventType(strings.ToLower(typ))
		}

		events, err := svc.ListEvents(r.Context(), eventType, instance, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, events)
	})

	mux.HandleFunc("/instances", func(w http.ResponseWriter, r *http.Request) {
		snapshot := book.Snapshot()
		views := make([]instanceView, 0, len(snapshot))
		for _, inst := range snapshot {
			views = append(views, instanceView{
				Index:           inst.Index,
				State:           inst.State.String(),
				Side:            string(inst.Side),
				NextSide:        string(inst.NextSide),
				ClientOrderID:   inst.ClientOrderID,
				ExchangeOrderID: inst.ExchangeOrderID,
				ReferencePrice:  inst.ReferencePrice,
				TriggerPrice:    inst.TriggerPrice,
				LimitPrice:      inst.LimitPrice,
				Amount:          inst.Amount,
				ExecutedAmount:  inst.ExecutedAmount,
				SubmittedAt:     inst.SubmittedAt,
			})
		}
		writeJSON(w, views)
	})

	mux.Handle("/metrics", m.Handler())
	return mux
}

func startMonitorServer(ctx context.Context, svc *monitor.Service, m *metrics.Metrics, book *ledger.Ledger, port int, logger *zap.Logger) error {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           newMonitorMux(svc, m, book, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("关闭监控服务失败", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("监控服务异常", zap.Error(err))
		}
	}()

	logger.Info("监控接口已启动", zap.String("addr", addr))
	return nil
}
