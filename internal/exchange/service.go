package exchange

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// startupAPI 是启动阶段需要的只读查询。
type startupAPI interface {
	FetchLastPrice(ctx context.Context) (float64, error)
	FetchOpenOrders(ctx context.Context) ([]Order, error)
	PricePrecision(ctx context.Context) (float64, error)
}

// StartupSnapshot 汇总启动时的行情、精度与遗留挂单。
type StartupSnapshot struct {
	Symbol         string
	LastPrice      float64
	PricePrecision float64
	OpenOrders     []Order
	RetrievedAt    time.Time
}

// SnapshotService 并发拉取启动快照。
type SnapshotService struct {
	client startupAPI
	symbol string
	logger *zap.Logger
}

// NewSnapshotService 创建启动快照服务。
func NewSnapshotService(client startupAPI, symbol string, logger *zap.Logger) *SnapshotService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotService{
		client: client,
		symbol: symbol,
		logger: logger,
	}
}

// GetSnapshot 获取最新价、价格精度与当前挂单。最新价获取失败视为致命错误，
// 其余两项失败只记录告警。
func (s *SnapshotService) GetSnapshot(ctx context.Context) (StartupSnapshot, error) {
	var (
		lastPrice  float64
		precision  float64
		openOrders []Order
	)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		price, err := s.client.FetchLastPrice(groupCtx)
		if err != nil {
			return fmt.Errorf("获取初始价格失败: %w", err)
		}
		lastPrice = price
		return nil
	})

	group.Go(func() error {
		value, err := s.client.PricePrecision(groupCtx)
		if err != nil {
			s.logger.Warn("读取价格精度失败，使用回退精度", zap.Error(err))
			return nil
		}
		precision = value
		return nil
	})

	group.Go(func() error {
		orders, err := s.client.FetchOpenOrders(groupCtx)
		if err != nil {
			s.logger.Warn("查询遗留挂单失败", zap.Error(err))
			return nil
		}
		openOrders = orders
		return nil
	})

	if err := group.Wait(); err != nil {
		return StartupSnapshot{}, err
	}

	return StartupSnapshot{
		Symbol:         s.symbol,
		LastPrice:      lastPrice,
		PricePrecision: precision,
		OpenOrders:     openOrders,
		RetrievedAt:    time.Now().UTC(),
	}, nil
}
