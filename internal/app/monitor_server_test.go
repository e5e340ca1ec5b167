package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"ladder-bot/internal/config"
	"ladder-bot/internal/exchange"
	"ladder-bot/internal/ledger"
	"ladder-bot/internal/metrics"
	"ladder-bot/internal/monitor"
	"ladder-bot/internal/store"
)

func newMonitorFixture(t *testing.T) (*httptest.Server, *monitor.Service) {
	t.Helper()
	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		t.Fatalf("NewSQLite returned error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	svc, err := monitor.NewService(st, nil)
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}

	book := ledger.New(2, exchange.OrderSideBuy, nil)
	ticket, ok := book.TryBeginAction(1)
	if !ok {
		t.Fatal("TryBeginAction failed")
	}
	book.Register(1, "t-abc")
	book.CompleteAction(1, ledger.Result{
		Op:            ledger.OpPlace,
		Ticket:        ticket,
		ClientOrderID: "t-abc",
		Side:          exchange.OrderSideBuy,
		LimitPrice:    100.03,
	})

	m := metrics.New()
	m.SetPrice(100)

	srv := httptest.NewServer(newMonitorMux(svc, m, book, zap.NewNop()))
	t.Cleanup(srv.Close)
	return srv, svc
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestMonitorMux_EventsFilter(t *testing.T) {
	srv, svc := newMonitorFixture(t)
	ctx := context.Background()
	svc.RecordPlaced(ctx, monitor.OrderPayload{Instance: 0, ClientOrderID: "t-zero"})
	svc.RecordPlaced(ctx, monitor.OrderPayload{Instance: 1, ClientOrderID: "t-one"})
	svc.RecordFill(ctx, monitor.FillPayload{Instance: 1, ClientOrderID: "t-one", Filled: 1})

	code, body := get(t, srv.URL+"/events?type=PLACED&instance=1")
	if code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", code, body)
	}
	if !strings.Contains(body, "t-one") || strings.Contains(body, "t-zero") {
		t.Fatalf("instance filter not applied: %s", body)
	}
	if strings.Contains(body, `"filled"`) {
		t.Fatalf("type filter not applied: %s", body)
	}

	if code, _ := get(t, srv.URL+"/events?instance=x"); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid instance, got %d", code)
	}
}

func TestMonitorMux_Instances(t *testing.T) {
	srv, _ := newMonitorFixture(t)

	code, body := get(t, srv.URL+"/instances")
	if code != http.StatusOK {
		t.Fatalf("unexpected status %d", code)
	}
	if !strings.Contains(body, `"state":"active"`) || !strings.Contains(body, `"client_order_id":"t-abc"`) {
		t.Fatalf("active instance missing from snapshot: %s", body)
	}
	if !strings.Contains(body, `"state":"empty"`) {
		t.Fatalf("empty instance missing from snapshot: %s", body)
	}
}

func TestMonitorMux_Metrics(t *testing.T) {
	srv, _ := newMonitorFixture(t)

	code, body := get(t, srv.URL+"/metrics")
	if code != http.StatusOK {
		t.Fatalf("unexpected status %d", code)
	}
	if !strings.Contains(body, "ladder_last_price 100") {
		t.Fatalf("price gauge not exported: %s", body)
	}
}

func TestMonitorMux_EventsWithoutJournal(t *testing.T) {
	book := ledger.New(1, exchange.OrderSideBuy, nil)
	srv := httptest.NewServer(newMonitorMux(nil, metrics.New(), book, zap.NewNop()))
	defer srv.Close()

	if code, _ := get(t, srv.URL+"/events"); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without journal, got %d", code)
	}
}
