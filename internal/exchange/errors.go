package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

var (
	// ErrTransport 表示网络或连接层失败，可以重试或降级。
	ErrTransport = errors.New("exchange: 传输失败")
	// ErrBusinessRejection 表示交易所以业务原因拒绝（余额不足、价格非法等），不应重试。
	ErrBusinessRejection = errors.New("exchange: 交易所拒绝")
	// ErrMaintenance 表示交易所处于维护状态。
	ErrMaintenance = errors.New("exchange: 交易所维护中")
)

// Classify 把任意错误归类为传输错误或业务拒绝，返回包装后的错误与是否可重试。
func Classify(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}
	if errors.Is(err, ErrTransport) {
		return err, true
	}
	if errors.Is(err, ErrBusinessRejection) || errors.Is(err, ErrMaintenance) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return fmt.Errorf("%w: %w", ErrTransport, err), true
		case ccxt.OnMaintenanceErrType:
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "exchange under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message), false
		default:
			return fmt.Errorf("%w: %w", ErrBusinessRejection, err), false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ErrTransport, err), true
	}

	return fmt.Errorf("%w: %w", ErrBusinessRejection, err), false
}

// IsRetryable 判断错误是否可重试。
func IsRetryable(err error) bool {
	_, retry := Classify(err)
	return retry
}
