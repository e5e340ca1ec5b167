package ledger

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"ladder-bot/internal/exchange"
)

// record 中 pendingClientID 是本次下单登记但尚未确认的客户端订单号，
// ticket 标识当前持有 pending 标记的动作，为 0 表示没有动作在途。
type record struct {
	inst            Instance
	prior           State
	pendingClientID string
	ticket          Ticket
}

// Ledger 保存全部实例的权威状态。内部互斥锁只保护 map 读写，
// 从不跨越网络调用；单个实例的串行化依靠 pending 标记。
type Ledger struct {
	logger      *zap.Logger
	now         func() time.Time
	defaultSide exchange.OrderSide

	mu            sync.Mutex
	seq           Ticket
	records       []*record
	byClient      map[string]int
	lastBuyAmount *float64
}

// Option 调整 Ledger 的可选行为。
type Option func(*Ledger)

// WithClock 替换时间源，便于测试超时清理。
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// New 创建 size 个空实例，defaultSide 为未持仓时的下单方向。
func New(size int, defaultSide exchange.OrderSide, logger *zap.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultSide == "" {
		defaultSide = exchange.OrderSideBuy
	}
	l := &Ledger{
		logger:      logger,
		now:         time.Now,
		defaultSide: defaultSide,
		byClient:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(l)
	}

	l.records = make([]*record, size)
	for i := range l.records {
		l.records[i] = &record{inst: Instance{Index: i, State: StateEmpty, NextSide: defaultSide}}
	}
	return l
}

// Size 返回实例数量。
func (l *Ledger) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// DefaultSide 返回配置的默认下单方向。
func (l *Ledger) DefaultSide() exchange.OrderSide {
	return l.defaultSide
}

func (l *Ledger) get(index int) *record {
	if index < 0 || index >= len(l.records) {
		return nil
	}
	return l.records[index]
}

// TryBeginAction 仅当实例不处于 pending 时成功，并原子地标记为 pending。
// 返回的 Ticket 必须随 CompleteAction/Release 交回，超时被清理后旧 Ticket 失效。
func (l *Ledger) TryBeginAction(index int) (Ticket, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.get(index)
	if rec == nil || rec.inst.State == StatePending {
		return 0, false
	}
	return l.begin(rec), true
}

// TryBeginIf 与 TryBeginAction 相同，但只在实例处于 want 状态时成功。
func (l *Ledger) TryBeginIf(index int, want State) (Ticket, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.get(index)
	if rec == nil || want == StatePending || rec.inst.State != want {
		return 0, false
	}
	return l.begin(rec), true
}

func (l *Ledger) begin(rec *record) Ticket {
	l.seq++
	rec.ticket = l.seq
	rec.prior = rec.inst.State
	rec.inst.State = StatePending
	rec.inst.PendingSince = l.now()
	rec.pendingClientID = ""
	return rec.ticket
}

// Register 在发送前登记客户端订单号，正向与反向索引同时写入。
func (l *Ledger) Register(index int, clientOrderID string) {
	if clientOrderID == "" {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.get(index)
	if rec == nil {
		return
	}
	if rec.pendingClientID != "" && rec.pendingClientID != rec.inst.ClientOrderID {
		delete(l.byClient, rec.pendingClientID)
	}
	rec.pendingClientID = clientOrderID
	l.byClient[clientOrderID] = index
}

// CompleteAction 结束一次动作：成功时下单转为 active、改单就地更新；
// 失败时恢复到动作前的状态。Ticket 或订单号与当前动作不符的迟到结果被忽略，返回 false。
func (l *Ledger) CompleteAction(index int, result Result) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.get(index)
	if rec == nil || rec.inst.State != StatePending || !rec.matches(result) {
		l.logger.Warn("忽略迟到的动作结果",
			zap.Int("instance", index),
			zap.String("operation", result.Op.String()),
			zap.String("client_order_id", result.ClientOrderID),
			zap.Uint64("ticket", uint64(result.Ticket)),
		)
		return false
	}

	if result.Err != nil {
		l.revert(rec)
		return true
	}

	switch result.Op {
	case OpPlace:
		rec.inst.State = StateActive
		rec.inst.ClientOrderID = result.ClientOrderID
		if result.ExchangeOrderID != "" {
			// 推送确认可能先于结果到达并已绑定
			rec.inst.ExchangeOrderID = result.ExchangeOrderID
		}
		rec.inst.Side = result.Side
		if result.ClientOrderID != "" {
			l.byClient[result.ClientOrderID] = index
		}
	case OpAmend:
		rec.inst.State = StateActive
		if result.ExchangeOrderID != "" {
			rec.inst.ExchangeOrderID = result.ExchangeOrderID
		}
	}
	rec.inst.ReferencePrice = result.ReferencePrice
	rec.inst.TriggerPrice = result.TriggerPrice
	rec.inst.LimitPrice = result.LimitPrice
	rec.inst.Amount = result.Amount
	rec.inst.SubmittedAt = result.SubmittedAt
	rec.inst.PendingSince = time.Time{}
	rec.pendingClientID = ""
	rec.ticket = 0
	return true
}

func (r *record) matches(result Result) bool {
	if result.Ticket == 0 || result.Ticket != r.ticket {
		return false
	}
	switch result.Op {
	case OpPlace:
		return r.prior != StateActive && r.pendingClientID == result.ClientOrderID
	case OpAmend:
		return r.prior == StateActive && r.inst.ClientOrderID == result.ClientOrderID
	default:
		return false
	}
}

// Release 放弃 ticket 对应的动作，恢复到动作前状态。ticket 已失效时不做任何修改。
func (l *Ledger) Release(index int, ticket Ticket) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.get(index)
	if rec == nil || rec.inst.State != StatePending || ticket == 0 || rec.ticket != ticket {
		return false
	}
	l.revert(rec)
	return true
}

func (l *Ledger) revert(rec *record) {
	if rec.pendingClientID != "" && rec.pendingClientID != rec.inst.ClientOrderID {
		delete(l.byClient, rec.pendingClientID)
	}
	rec.pendingClientID = ""
	rec.ticket = 0
	rec.inst.State = rec.prior
	rec.inst.PendingSince = time.Time{}
}

// SweepExpiredPending 强制释放 pending 超过 timeout 的实例并返回其编号。
func (l *Ledger) SweepExpiredPending(timeout time.Duration) []int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var released []int
	for _, rec := range l.records {
		if rec.inst.State != StatePending {
			continue
		}
		if now.Before(rec.inst.PendingSince.Add(timeout)) {
			continue
		}
		l.logger.Warn("实例 pending 超时，强制释放",
			zap.Int("instance", rec.inst.Index),
			zap.Duration("pending", now.Sub(rec.inst.PendingSince)),
			zap.Duration("timeout", timeout),
		)
		l.revert(rec)
		released = append(released, rec.inst.Index)
	}
	return released
}

// Lookup 通过反向索引查找客户端订单号对应的实例。
func (l *Ledger) Lookup(clientOrderID string) (int, bool) {
	if clientOrderID == "" {
		return 0, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	index, ok := l.byClient[clientOrderID]
	return index, ok
}

// Holds 报告实例当前是否持有该客户端订单号（已确认或登记中）。
func (l *Ledger) Holds(index int, clientOrderID string) bool {
	if clientOrderID == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.get(index)
	if rec == nil || rec.inst.State == StateEmpty {
		return false
	}
	return rec.inst.ClientOrderID == clientOrderID || rec.pendingClientID == clientOrderID
}

// Scan 线性扫描实例，作为反向索引缺失时的兜底匹配。
func (l *Ledger) Scan(clientOrderID, exchangeOrderID string) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, rec := range l.records {
		if rec.inst.State == StateEmpty {
			continue
		}
		if clientOrderID != "" && (rec.inst.ClientOrderID == clientOrderID || rec.pendingClientID == clientOrderID) {
			return rec.inst.Index, true
		}
		if exchangeOrderID != "" && rec.inst.ExchangeOrderID == exchangeOrderID {
			return rec.inst.Index, true
		}
	}
	return 0, false
}

// BindExchangeID 在确认回报到达时记录交易所订单号。
func (l *Ledger) BindExchangeID(index int, clientOrderID, exchangeOrderID string) bool {
	if exchangeOrderID == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.get(index)
	if rec == nil || rec.inst.State == StateEmpty {
		return false
	}
	if clientOrderID != "" && clientOrderID != rec.inst.ClientOrderID && clientOrderID != rec.pendingClientID {
		return false
	}
	rec.inst.ExchangeOrderID = exchangeOrderID
	return true
}

// Settle 处理终态回报：买单成交记录数量并切换为卖，卖单成交清空数量，
// 之后实例回到 empty。订单号已不属于该实例时为空操作。
func (l *Ledger) Settle(index int, fill Fill) (Settlement, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.get(index)
	if rec == nil || rec.inst.State == StateEmpty || fill.ClientOrderID == "" {
		return Settlement{}, false
	}
	if rec.inst.ClientOrderID != fill.ClientOrderID && rec.pendingClientID != fill.ClientOrderID {
		return Settlement{}, false
	}

	side := fill.Side
	if side == "" {
		side = rec.inst.Side
	}
	if side == "" {
		side = rec.inst.NextSide
	}

	out := Settlement{Instance: rec.inst}
	switch {
	case side == exchange.OrderSideBuy && fill.Filled > 0:
		filled := fill.Filled
		rec.inst.ExecutedAmount = &filled
		last := filled
		l.lastBuyAmount = &last
		rec.inst.NextSide = exchange.OrderSideSell
		out.BuyExecuted = true
	case side == exchange.OrderSideSell && fill.Filled > 0:
		remaining := 0.0
		if rec.inst.ExecutedAmount != nil && fill.Cancelled {
			remaining = *rec.inst.ExecutedAmount - fill.Filled
		}
		if remaining > 0 {
			rec.inst.ExecutedAmount = &remaining
		} else {
			rec.inst.ExecutedAmount = nil
			rec.inst.NextSide = l.defaultSide
		}
		out.SellExecuted = true
	}

	l.clear(rec)
	return out, true
}

// Forget 把实例恢复为 empty 并清除订单号，持仓数量保留以便下次继续卖出。
func (l *Ledger) Forget(index int) (Instance, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.get(index)
	if rec == nil {
		return Instance{}, false
	}
	before := rec.inst
	l.clear(rec)
	return before, true
}

// Remove 彻底移除实例状态，包括持仓数量，用于退出流程。
func (l *Ledger) Remove(index int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.get(index)
	if rec == nil {
		return
	}
	l.clear(rec)
	rec.inst.ExecutedAmount = nil
	rec.inst.NextSide = l.defaultSide
}

func (l *Ledger) clear(rec *record) {
	if rec.inst.ClientOrderID != "" {
		delete(l.byClient, rec.inst.ClientOrderID)
	}
	if rec.pendingClientID != "" {
		delete(l.byClient, rec.pendingClientID)
	}
	rec.pendingClientID = ""
	rec.ticket = 0
	rec.prior = StateEmpty
	rec.inst = Instance{
		Index:          rec.inst.Index,
		State:          StateEmpty,
		Side:           rec.inst.Side,
		ExecutedAmount: rec.inst.ExecutedAmount,
		NextSide:       rec.inst.NextSide,
	}
}

// LastBuyAmount 返回最近一次买入成交数量，从未成交时为 nil。
func (l *Ledger) LastBuyAmount() *float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastBuyAmount == nil {
		return nil
	}
	v := *l.lastBuyAmount
	return &v
}

// Get 返回实例快照。
func (l *Ledger) Get(index int) (Instance, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.get(index)
	if rec == nil {
		return Instance{}, false
	}
	return rec.inst, true
}

// Snapshot 返回全部实例的副本。
func (l *Ledger) Snapshot() []Instance {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Instance, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, rec.inst)
	}
	return out
}

// Active 返回指定方向的 active 实例，side 为空表示全部。
func (l *Ledger) Active(side exchange.OrderSide) []Instance {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Instance, 0)
	for _, rec := range l.records {
		if rec.inst.State != StateActive {
			continue
		}
		if side != "" && rec.inst.Side != side {
			continue
		}
		out = append(out, rec.inst)
	}
	return out
}

// SortByLimit 按限价升序排列。
func SortByLimit(instances []Instance) {
	sort.SliceStable(instances, func(i, j int) bool {
		return instances[i].LimitPrice < instances[j].LimitPrice
	})
}

// Counts 统计各状态的实例数。
func (l *Ledger) Counts() map[State]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	counts := map[State]int{StateEmpty: 0, StatePending: 0, StateActive: 0}
	for _, rec := range l.records {
		counts[rec.inst.State]++
	}
	return counts
}
