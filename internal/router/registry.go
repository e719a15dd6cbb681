package router

import (
	"sync"
	"time"

	"github.com/tushaar82/velox-engine/internal/domain"
)

// 进程内可变注册表：挂起 paper 订单簿与 live 超时集合
// 都是被 tick 路径与取消路径同时变更的共享资源，这里用显式加锁的
// 容器承载，每个条目单写者（router 内部路径）。

// pendingBook 挂起的 paper limit/stop 订单，按 symbol:mode 索引，
// 供后续价格检查撮合。
type pendingBook struct {
	mu       sync.RWMutex
	orders   map[string]*domain.Order       // orderID -> order
	bySymbol map[string]map[string]struct{} // symbol:mode -> orderID set
}

func newPendingBook() *pendingBook {
	return &pendingBook{
		orders:   make(map[string]*domain.Order),
		bySymbol: make(map[string]map[string]struct{}),
	}
}

func (b *pendingBook) Add(o *domain.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders[o.ID] = o
	sk := symbolKey(o.Symbol, o.Mode)
	if b.bySymbol[sk] == nil {
		b.bySymbol[sk] = make(map[string]struct{})
	}
	b.bySymbol[sk][o.ID] = struct{}{}
}

// Remove 返回 true 表示订单确实在注册表中
func (b *pendingBook) Remove(orderID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return false
	}
	delete(b.orders, orderID)
	if set := b.bySymbol[symbolKey(o.Symbol, o.Mode)]; set != nil {
		delete(set, orderID)
	}
	return true
}

// OrdersFor 返回 (symbol, mode) 下的挂起订单
func (b *pendingBook) OrdersFor(symbol string, mode domain.TradingMode) []*domain.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	set := b.bySymbol[symbolKey(symbol, mode)]
	out := make([]*domain.Order, 0, len(set))
	for id := range set {
		if o, ok := b.orders[id]; ok {
			out = append(out, o)
		}
	}
	return out
}

// Snapshot 全部挂起订单（持久化快照用）
func (b *pendingBook) Snapshot() []*domain.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*domain.Order, 0, len(b.orders))
	for _, o := range b.orders {
		cp := *o
		out = append(out, &cp)
	}
	return out
}

// timeoutSet 已提交、等待 venue 回报的 live 订单集合（超时扫描用）
type timeoutSet struct {
	mu sync.RWMutex
	m  map[string]*domain.Order // externalOrderID -> order
}

func newTimeoutSet() *timeoutSet {
	return &timeoutSet{m: make(map[string]*domain.Order)}
}

func (s *timeoutSet) Add(o *domain.Order) {
	s.mu.Lock()
	s.m[o.ExternalOrderID] = o
	s.mu.Unlock()
}

func (s *timeoutSet) Remove(externalOrderID string) {
	s.mu.Lock()
	delete(s.m, externalOrderID)
	s.mu.Unlock()
}

func (s *timeoutSet) Get(externalOrderID string) (*domain.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.m[externalOrderID]
	return o, ok
}

// Expired 返回提交时间早于 cutoff 的订单（只报告，不动状态）
func (s *timeoutSet) Expired(cutoff time.Time) []*domain.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Order
	for _, o := range s.m {
		if o.SubmittedAt.Before(cutoff) {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out
}

func symbolKey(symbol string, mode domain.TradingMode) string {
	return symbol + ":" + string(mode)
}
