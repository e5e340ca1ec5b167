package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ladder-bot/internal/config"
	"ladder-bot/internal/exchange"
)

type priceRecorder struct {
	ch chan float64
}

func (p *priceRecorder) Update(price float64) {
	select {
	case p.ch <- price:
	default:
	}
}

// newGateServer 启动一个模拟 Gate 推送服务，把收到的消息转发到 received，
// 并把 outbound 中的消息写回客户端。
func newGateServer(t *testing.T, received chan<- request, outbound <-chan string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()

		go func() {
			for msg := range outbound {
				if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
					return
				}
			}
		}()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req request
			if err := json.Unmarshal(data, &req); err == nil {
				received <- req
			}
		}
	}))
}

func testPushConfig(url string) config.PushConfig {
	return config.PushConfig{
		URL:                       strings.Replace(url, "http://", "ws://", 1),
		MaxInstancesPerConnection: 2,
		ReadTimeout:               2 * time.Second,
		EventBuffer:               8,
	}
}

func waitRequest(t *testing.T, received <-chan request, channel, event string) request {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case req := <-received:
			if req.Channel == channel && req.Event == event {
				return req
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s/%s", channel, event)
		}
	}
}

func TestPool_SubscribesAndSignsOrders(t *testing.T) {
	received := make(chan request, 16)
	outbound := make(chan string, 4)
	defer close(outbound)
	server := newGateServer(t, received, outbound)
	defer server.Close()

	creds := Credentials{APIKey: "key", APISecret: "secret"}
	pool := NewPool(testPushConfig(server.URL), creds, "BTC/USDT", 2, nil, nil)
	if pool.Size() != 1 {
		t.Fatalf("expected single connection, got %d", pool.Size())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	sub := waitRequest(t, received, channelOrders, "subscribe")
	if sub.Auth == nil || sub.Auth.Key != "key" {
		t.Fatalf("expected signed order subscription, got %+v", sub)
	}

	err := pool.SendStopLimit(ctx, 1, exchange.StopLimitRequest{
		ClientOrderID: "t-1",
		Side:          exchange.OrderSideBuy,
		TriggerPrice:  100.07,
		LimitPrice:    100.05,
		Amount:        0.002,
	})
	if err != nil {
		t.Fatalf("SendStopLimit returned error: %v", err)
	}

	create := waitRequest(t, received, channelOrder, "create")
	if create.Auth == nil {
		t.Fatalf("expected auth block")
	}
	if want := sign("secret", channelOrder, "create", create.Time); create.Auth.Sign != want {
		t.Errorf("unexpected signature %s", create.Auth.Sign)
	}
	items, ok := create.Payload.([]interface{})
	if !ok || len(items) != 1 {
		t.Fatalf("unexpected payload %#v", create.Payload)
	}
	body := items[0].(map[string]interface{})
	if body["text"] != "t-1" || body["currency_pair"] != "BTC_USDT" || body["stop_price"] != "100.07" {
		t.Errorf("unexpected create payload %v", body)
	}
}

func TestPool_DeliversTickerAndOrderEvents(t *testing.T) {
	received := make(chan request, 16)
	outbound := make(chan string, 4)
	defer close(outbound)
	server := newGateServer(t, received, outbound)
	defer server.Close()

	prices := &priceRecorder{ch: make(chan float64, 4)}
	pool := NewPool(testPushConfig(server.URL), Credentials{}, "BTC/USDT", 1, prices, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	waitRequest(t, received, channelTickers, "subscribe")

	outbound <- `{"time":1,"channel":"spot.tickers","event":"update","result":{"currency_pair":"BTC_USDT","last":"64000.5"}}`
	outbound <- `{"time":2,"channel":"spot.orders","event":"update","result":[{"id":"42","text":"t-9","side":"buy","event":"finish","finish_as":"filled","amount":"0.5","left":"0"}]}`

	select {
	case price := <-prices.ch:
		if price != 64000.5 {
			t.Errorf("expected 64000.5, got %v", price)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("ticker not delivered")
	}

	select {
	case ev := <-pool.Events():
		if ev.ClientOrderID != "t-9" || ev.ExchangeOrderID != "42" {
			t.Errorf("unexpected ids %+v", ev)
		}
		if ev.Status != exchange.OrderStatusClosed || ev.Filled != 0.5 || ev.Side != exchange.OrderSideBuy {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("order event not delivered")
	}
}

func TestPool_SendWithoutConnection(t *testing.T) {
	pool := NewPool(config.PushConfig{URL: "ws://127.0.0.1:1", MaxInstancesPerConnection: 1}, Credentials{}, "BTC/USDT", 3, nil, nil)
	if pool.Size() != 3 {
		t.Fatalf("expected 3 connections, got %d", pool.Size())
	}

	err := pool.SendCancel(context.Background(), 2, exchange.OrderRef{ExchangeOrderID: "1"})
	if !errors.Is(err, exchange.ErrTransport) || !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestOrderResultToEvent_CancelledEnvelope(t *testing.T) {
	items, err := decodeOrders([]byte(`{"id":"5","client_order_id":"t-5","side":"sell","amount":1,"filled":0.25}`))
	if err != nil {
		t.Fatalf("decodeOrders returned error: %v", err)
	}
	ev := items[0].toEvent("order.canceled", time.Now())
	if ev.Status != exchange.OrderStatusCancelled {
		t.Errorf("expected cancelled, got %s", ev.Status)
	}
	if ev.ClientOrderID != "t-5" || ev.Filled != 0.25 {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestPool_ErrorResponseBecomesRejectedEvent(t *testing.T) {
	received := make(chan request, 16)
	outbound := make(chan string, 4)
	defer close(outbound)
	server := newGateServer(t, received, outbound)
	defer server.Close()

	pool := NewPool(testPushConfig(server.URL), Credentials{APIKey: "key", APISecret: "secret"}, "BTC/USDT", 1, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	waitRequest(t, received, channelOrders, "subscribe")

	amount := 0.002
	err := pool.SendAmend(ctx, 0, exchange.AmendRequest{
		Ref:          exchange.OrderRef{ClientOrderID: "t-7", ExchangeOrderID: "77"},
		Side:         exchange.OrderSideSell,
		TriggerPrice: 99.5,
		LimitPrice:   99.4,
		Amount:       &amount,
	})
	if err != nil {
		t.Fatalf("SendAmend returned error: %v", err)
	}
	amend := waitRequest(t, received, channelOrder, "amend")
	if amend.ID == 0 {
		t.Fatalf("expected request id on amend, got %+v", amend)
	}

	// 未登记的 id 不应产生回报。
	outbound <- `{"id":987654,"time":3,"channel":"spot.order","event":"amend","error":{"code":1,"message":"ignored"}}`
	outbound <- fmt.Sprintf(`{"id":%d,"time":3,"channel":"spot.order","event":"amend","error":{"code":2,"message":"ORDER_NOT_FOUND"}}`, amend.ID)

	select {
	case ev := <-pool.Events():
		if ev.Status != exchange.OrderStatusRejected || !ev.Status.Terminal() {
			t.Fatalf("expected terminal rejected status, got %+v", ev)
		}
		if ev.ClientOrderID != "t-7" || ev.ExchangeOrderID != "77" || ev.Side != exchange.OrderSideSell {
			t.Errorf("unexpected ids %+v", ev)
		}
		if ev.Operation != exchange.OperationAmend || !strings.Contains(ev.Reason, "ORDER_NOT_FOUND") {
			t.Errorf("unexpected rejection detail %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("rejected event not delivered")
	}
	if n := pool.conns[0].Inflight(); n != 0 {
		t.Errorf("expected answered request to be released, %d still tracked", n)
	}

	select {
	case ev := <-pool.Events():
		t.Fatalf("unexpected extra event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
