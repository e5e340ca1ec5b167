package push

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"ladder-bot/internal/exchange"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	channelTickers = "spot.tickers"
	channelOrders  = "spot.orders"
	channelOrder   = "spot.order"
	channelPing    = "spot.ping"
)

type auth struct {
	Method string `json:"method"`
	Key    string `json:"KEY"`
	Sign   string `json:"SIGN"`
}

type request struct {
	ID      int64       `json:"id,omitempty"`
	Time    int64       `json:"time"`
	Channel string      `json:"channel"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
	Auth    *auth       `json:"auth,omitempty"`
}

type envelope struct {
	ID      int64               `json:"id"`
	Time    int64               `json:"time"`
	Channel string              `json:"channel"`
	Event   string              `json:"event"`
	Result  jsoniter.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type tickerResult struct {
	CurrencyPair string    `json:"currency_pair"`
	Last         flexFloat `json:"last"`
}

type orderResult struct {
	ID            string     `json:"id"`
	Text          string     `json:"text"`
	ClientOrderID string     `json:"client_order_id"`
	Side          string     `json:"side"`
	Event         string     `json:"event"`
	Status        string     `json:"status"`
	FinishAs      string     `json:"finish_as"`
	Amount        flexFloat  `json:"amount"`
	Left          *flexFloat `json:"left"`
	Filled        *flexFloat `json:"filled"`
	FilledAmount  *flexFloat `json:"filled_amount"`
}

type createPayload struct {
	ClientOrderID string `json:"text"`
	CurrencyPair  string `json:"currency_pair"`
	Type          string `json:"type"`
	Side          string `json:"side"`
	Amount        string `json:"amount"`
	Price         string `json:"price,omitempty"`
	StopPrice     string `json:"stop_price,omitempty"`
	TimeInForce   string `json:"time_in_force"`
}

type amendPayload struct {
	OrderID      string `json:"order_id"`
	CurrencyPair string `json:"currency_pair"`
	Price        string `json:"price"`
	StopPrice    string `json:"stop_price"`
	Amount       string `json:"amount,omitempty"`
}

type cancelPayload struct {
	OrderID      string `json:"order_id"`
	CurrencyPair string `json:"currency_pair"`
}

// flexFloat 兼容字符串与数字两种数值写法。
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	text := strings.Trim(string(data), `"`)
	if text == "" || text == "null" {
		*f = 0
		return nil
	}
	value, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return fmt.Errorf("push: 无法解析数值 %q: %w", text, err)
	}
	*f = flexFloat(value)
	return nil
}

// sign 按 Gate v4 规则对 channel/event/time 做 HMAC-SHA512 签名。
func sign(secret, channel, event string, ts int64) string {
	mac := hmac.New(sha512.New, []byte(secret))
	fmt.Fprintf(mac, "channel=%s&event=%s&time=%d", channel, event, ts)
	return hex.EncodeToString(mac.Sum(nil))
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// GatePair 把 BTC/USDT 转成 Gate 使用的 BTC_USDT。
func GatePair(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", "_"))
}

// decodeOrders 兼容 result 为单个对象或数组两种格式。
func decodeOrders(raw jsoniter.RawMessage) ([]orderResult, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var items []orderResult
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	var item orderResult
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, err
	}
	return []orderResult{item}, nil
}

func (o orderResult) toEvent(envelopeEvent string, receivedAt time.Time) exchange.OrderEvent {
	clientID := o.Text
	if clientID == "" {
		clientID = o.ClientOrderID
	}

	status := exchange.OrderStatusUnknown
	switch {
	case o.FinishAs != "":
		status = exchange.NormalizeStatus(o.FinishAs)
	case o.Status != "":
		status = exchange.NormalizeStatus(o.Status)
	case o.Event != "":
		status = exchange.NormalizeStatus(o.Event)
	}
	if status == exchange.OrderStatusUnknown {
		status = exchange.NormalizeStatus(strings.TrimPrefix(envelopeEvent, "order."))
	}

	amount := float64(o.Amount)
	var filled float64
	switch {
	case o.Filled != nil:
		filled = float64(*o.Filled)
	case o.FilledAmount != nil:
		filled = float64(*o.FilledAmount)
	case o.Left != nil:
		filled = amount - float64(*o.Left)
	case status == exchange.OrderStatusClosed:
		filled = amount
	}
	if filled < 0 {
		filled = 0
	}

	return exchange.OrderEvent{
		ExchangeOrderID: o.ID,
		ClientOrderID:   clientID,
		Side:            exchange.OrderSide(strings.ToLower(o.Side)),
		Status:          status,
		Amount:          amount,
		Filled:          filled,
		ReceivedAt:      receivedAt,
	}
}
