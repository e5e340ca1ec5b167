package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestObserveOrder_LabelsOutcome(t *testing.T) {
	m := New()
	m.ObserveOrder("place", PathPush, nil)
	m.ObserveOrder("place", PathPush, nil)
	m.ObserveOrder("place", PathREST, errors.New("boom"))

	text := scrape(t, m)
	for _, want := range []string{
		`ladder_orders_total{op="place",outcome="ok",path="push"} 2`,
		`ladder_orders_total{op="place",outcome="error",path="rest"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in output", want)
		}
	}
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveOrder("place", PathPush, nil)
	m.ObserveFallback("amend")
	m.SetInstances(map[string]int{"active": 1})
	m.ObserveSweep(2)
}

func TestHandler_ExposesRegisteredMetrics(t *testing.T) {
	m := New()
	m.SetInstances(map[string]int{"active": 3, "empty": 1})
	m.ObserveFallback("place")

	text := scrape(t, m)
	for _, want := range []string{`ladder_instances{state="active"} 3`, `ladder_rest_fallbacks_total{op="place"} 1`} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in output", want)
		}
	}
}
