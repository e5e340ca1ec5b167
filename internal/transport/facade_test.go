package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"ladder-bot/internal/config"
	"ladder-bot/internal/exchange"
	"ladder-bot/internal/metrics"
)

type mockPush struct {
	mu       sync.Mutex
	errs     []error
	calls    int
	stops    []exchange.StopLimitRequest
	amends   []exchange.AmendRequest
	cancels  []exchange.OrderRef
	markets  []exchange.MarketRequest
	onSend   func()
	register *mockRegistrar
	sawReg   bool
}

func (m *mockPush) next() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.onSend != nil {
		m.onSend()
	}
	if len(m.errs) == 0 {
		return nil
	}
	err := m.errs[0]
	if len(m.errs) > 1 {
		m.errs = m.errs[1:]
	}
	return err
}

func (m *mockPush) SendStopLimit(_ context.Context, _ int, req exchange.StopLimitRequest) error {
	if m.register != nil {
		_, m.sawReg = m.register.get(req.ClientOrderID)
	}
	m.stops = append(m.stops, req)
	return m.next()
}

func (m *mockPush) SendAmend(_ context.Context, _ int, req exchange.AmendRequest) error {
	m.amends = append(m.amends, req)
	return m.next()
}

func (m *mockPush) SendCancel(_ context.Context, _ int, ref exchange.OrderRef) error {
	m.cancels = append(m.cancels, ref)
	return m.next()
}

func (m *mockPush) SendMarket(_ context.Context, _ int, req exchange.MarketRequest) error {
	m.markets = append(m.markets, req)
	return m.next()
}

type mockREST struct {
	err     error
	order   exchange.Order
	stops   []exchange.StopLimitRequest
	amends  []exchange.AmendRequest
	cancels []exchange.OrderRef
	markets []exchange.MarketRequest
}

func (m *mockREST) PlaceStopLimit(_ context.Context, req exchange.StopLimitRequest) (exchange.Order, error) {
	m.stops = append(m.stops, req)
	return m.order, m.err
}

func (m *mockREST) Amend(_ context.Context, req exchange.AmendRequest) (exchange.Order, error) {
	m.amends = append(m.amends, req)
	return m.order, m.err
}

func (m *mockREST) Cancel(_ context.Context, ref exchange.OrderRef) (exchange.Order, error) {
	m.cancels = append(m.cancels, ref)
	return m.order, m.err
}

func (m *mockREST) PlaceMarket(_ context.Context, req exchange.MarketRequest) (exchange.Order, error) {
	m.markets = append(m.markets, req)
	return m.order, m.err
}

type mockRegistrar struct {
	mu  sync.Mutex
	ids map[string]int
}

func (r *mockRegistrar) Register(index int, clientOrderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ids == nil {
		r.ids = make(map[string]int)
	}
	r.ids[clientOrderID] = index
}

func (r *mockRegistrar) get(clientOrderID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.ids[clientOrderID]
	return idx, ok
}

func testConfig() config.TransportConfig {
	return config.TransportConfig{
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
		Multiplier:      2,
		MaxInterval:     5 * time.Millisecond,
	}
}

func transportErr() error {
	return fmt.Errorf("%w: broken pipe", exchange.ErrTransport)
}

func TestPlaceStopLimit_PushRegistersBeforeSend(t *testing.T) {
	reg := &mockRegistrar{}
	push := &mockPush{register: reg}
	f := New(testConfig(), push, &mockREST{}, reg, nil, WithIDGenerator(func() string { return "t-abc" }))

	ack, err := f.PlaceStopLimit(context.Background(), 3, exchange.OrderSideBuy, 100.07, 100.05, 0.002)
	if err != nil {
		t.Fatalf("PlaceStopLimit returned error: %v", err)
	}
	if !ack.Pending || ack.Path != metrics.PathPush || ack.ClientOrderID != "t-abc" {
		t.Fatalf("unexpected ack %+v", ack)
	}
	if !push.sawReg {
		t.Fatalf("client order id must be registered before the push send")
	}
	if idx, _ := reg.get("t-abc"); idx != 3 {
		t.Fatalf("expected registration for instance 3, got %d", idx)
	}
	if push.stops[0].TriggerPrice != 100.07 || push.stops[0].LimitPrice != 100.05 {
		t.Fatalf("unexpected request %+v", push.stops[0])
	}
}

func TestPlaceStopLimit_RetriesThenFallsBack(t *testing.T) {
	push := &mockPush{errs: []error{transportErr()}}
	rest := &mockREST{order: exchange.Order{ID: "9001", Status: exchange.OrderStatusOpen}}
	m := metrics.New()
	f := New(testConfig(), push, rest, nil, nil, WithMetrics(m))

	ack, err := f.PlaceStopLimit(context.Background(), 0, exchange.OrderSideSell, 99.93, 99.95, 1)
	if err != nil {
		t.Fatalf("expected REST fallback to succeed, got %v", err)
	}
	if push.calls != 3 {
		t.Fatalf("expected 1 attempt + 2 retries, got %d", push.calls)
	}
	if len(rest.stops) != 1 || rest.stops[0].ClientOrderID != push.stops[0].ClientOrderID {
		t.Fatalf("REST fallback must reuse the registered client order id")
	}
	if ack.Pending || ack.Path != metrics.PathREST || ack.ExchangeOrderID != "9001" {
		t.Fatalf("unexpected ack %+v", ack)
	}
}

func TestPlaceStopLimit_BusinessRejectionIsPermanent(t *testing.T) {
	push := &mockPush{errs: []error{fmt.Errorf("%w: balance not enough", exchange.ErrBusinessRejection)}}
	rest := &mockREST{}
	f := New(testConfig(), push, rest, nil, nil)

	_, err := f.PlaceStopLimit(context.Background(), 0, exchange.OrderSideBuy, 1, 1, 1)
	if !errors.Is(err, ErrPlacementFailed) || !errors.Is(err, exchange.ErrBusinessRejection) {
		t.Fatalf("expected placement failure caused by rejection, got %v", err)
	}
	if push.calls != 1 {
		t.Fatalf("rejections must not be retried, got %d calls", push.calls)
	}
	if len(rest.stops) != 0 {
		t.Fatalf("rejections must not fall back")
	}
}

func TestPlaceStopLimit_BothPathsFail(t *testing.T) {
	push := &mockPush{errs: []error{transportErr()}}
	rest := &mockREST{err: fmt.Errorf("%w: timeout", exchange.ErrTransport)}
	f := New(testConfig(), push, rest, nil, nil)

	_, err := f.PlaceStopLimit(context.Background(), 0, exchange.OrderSideBuy, 1, 1, 1)
	if !errors.Is(err, ErrPlacementFailed) || !errors.Is(err, exchange.ErrTransport) {
		t.Fatalf("expected combined failure, got %v", err)
	}
}

func TestSendPush_RetryIsCancellable(t *testing.T) {
	cfg := testConfig()
	cfg.InitialInterval = time.Hour
	cfg.MaxInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	push := &mockPush{errs: []error{transportErr()}, onSend: cancel}
	rest := &mockREST{}
	f := New(cfg, push, rest, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := f.Amend(ctx, 0, exchange.OrderRef{ClientOrderID: "t-1"}, exchange.OrderSideBuy, 1, 1, nil)
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("retry wait was not interrupted by context")
	}
	if len(rest.amends) != 0 {
		t.Fatalf("cancelled retry must not fall back")
	}
}

func TestAmend_FallbackKeepsReference(t *testing.T) {
	push := &mockPush{errs: []error{transportErr()}}
	rest := &mockREST{order: exchange.Order{Status: exchange.OrderStatusOpen}}
	cfg := testConfig()
	cfg.MaxRetries = 0
	f := New(cfg, push, rest, nil, nil)

	amount := 0.5
	ref := exchange.OrderRef{ExchangeOrderID: "77", ClientOrderID: "t-1"}
	ack, err := f.Amend(context.Background(), 1, ref, exchange.OrderSideSell, 10, 11, &amount)
	if err != nil {
		t.Fatalf("Amend returned error: %v", err)
	}
	if ack.ExchangeOrderID != "77" || ack.ClientOrderID != "t-1" {
		t.Fatalf("unexpected ack %+v", ack)
	}
	if *rest.amends[0].Amount != 0.5 {
		t.Fatalf("amount not forwarded")
	}
}

func TestCancelAndMarketWithoutPush(t *testing.T) {
	rest := &mockREST{order: exchange.Order{ID: "1", Filled: 0.25}}
	reg := &mockRegistrar{}
	f := New(testConfig(), nil, rest, reg, nil)

	cancelAck, err := f.Cancel(context.Background(), 0, exchange.OrderRef{ClientOrderID: "t-1"})
	if err != nil || cancelAck.Path != metrics.PathREST {
		t.Fatalf("expected cancel via REST, got %+v %v", cancelAck, err)
	}
	if cancelAck.Filled != 0.25 || cancelAck.ExchangeOrderID != "1" {
		t.Fatalf("cancel ack must carry the reported fill, got %+v", cancelAck)
	}
	if _, err := f.Cancel(context.Background(), 0, exchange.OrderRef{}); !errors.Is(err, ErrCancelFailed) {
		t.Fatalf("expected ErrCancelFailed for empty ref, got %v", err)
	}

	ack, err := f.PlaceMarket(context.Background(), 0, exchange.OrderSideSell, 0.999)
	if err != nil {
		t.Fatalf("PlaceMarket returned error: %v", err)
	}
	if ack.Path != metrics.PathREST || rest.markets[0].Amount != 0.999 {
		t.Fatalf("unexpected market ack %+v", ack)
	}
	if len(reg.ids) != 0 {
		t.Fatalf("market orders must not be registered")
	}
}

func TestNewClientOrderID_Format(t *testing.T) {
	id := NewClientOrderID()
	if !strings.HasPrefix(id, "t-") || len(id) > 30 {
		t.Fatalf("unexpected id %q", id)
	}
	if id == NewClientOrderID() {
		t.Fatalf("ids should be unique")
	}
}
