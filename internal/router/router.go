package router

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tushaar82/velox-engine/internal/domain"
	"github.com/tushaar82/velox-engine/internal/ledger"
	"github.com/tushaar82/velox-engine/internal/ports"
	"github.com/tushaar82/velox-engine/internal/sim"
	"github.com/tushaar82/velox-engine/pkg/persistence"
)

var log = logrus.WithField("component", "order_router")

// DefaultSubmitTimeout live 订单提交后无回报的默认告警阈值
const DefaultSubmitTimeout = 30 * time.Second

// Request 下单请求
type Request struct {
	AccountID  string
	StrategyID string
	Symbol     string
	Side       domain.Side
	Quantity   int64
	Kind       domain.OrderKind
	LimitPrice *float64
	StopPrice  *float64
	Mode       domain.TradingMode
}

// Router 订单路由：校验请求并按交易模式路由——
// paper 走撮合模拟器，live 走注入的券商连接器；结果经由仓位台账落地。
type Router struct {
	sim    *sim.Simulator
	ledger *ledger.Ledger
	mapper ports.SymbolMapper

	orderStore ports.OrderStore    // 可为 nil
	tradeStore ports.TradeStore    // 可为 nil
	sink       ports.BroadcastSink // 可为 nil

	submitTimeout time.Duration

	// connMu 保护账户 -> 连接器绑定
	connMu     sync.RWMutex
	connectors map[string]brokerBinding // accountID -> binding

	// ordersMu 保护订单索引与订单字段变更
	ordersMu sync.RWMutex
	orders   map[string]*domain.Order

	pending  *pendingBook // paper limit/stop 挂单（按 symbol 供价格检查）
	awaiting *timeoutSet  // live 已提交待回报

	// priceMu 保护最近成交价缓存（paper market 撮合的输入价）
	priceMu    sync.RWMutex
	lastPrices map[string]float64 // symbol:mode -> price
}

type brokerBinding struct {
	broker string
	conn   ports.BrokerConnector
}

// Options 路由器可选协作者
type Options struct {
	Simulator     *sim.Simulator
	Ledger        *ledger.Ledger
	Mapper        ports.SymbolMapper
	OrderStore    ports.OrderStore
	TradeStore    ports.TradeStore
	Sink          ports.BroadcastSink
	SubmitTimeout time.Duration
}

// New 创建订单路由
func New(opts Options) *Router {
	st := opts.SubmitTimeout
	if st <= 0 {
		st = DefaultSubmitTimeout
	}
	return &Router{
		sim:           opts.Simulator,
		ledger:        opts.Ledger,
		mapper:        opts.Mapper,
		orderStore:    opts.OrderStore,
		tradeStore:    opts.TradeStore,
		sink:          opts.Sink,
		submitTimeout: st,
		connectors:    make(map[string]brokerBinding),
		orders:        make(map[string]*domain.Order),
		pending:       newPendingBook(),
		awaiting:      newTimeoutSet(),
		lastPrices:    make(map[string]float64),
	}
}

// BindConnector 为账户绑定券商连接器（live 路由前提）
func (r *Router) BindConnector(accountID, broker string, conn ports.BrokerConnector) {
	r.connMu.Lock()
	r.connectors[accountID] = brokerBinding{broker: broker, conn: conn}
	r.connMu.Unlock()
}

// SetLastPrice 更新标的最近价格（Tick Dispatcher 每个 tick 调用）
func (r *Router) SetLastPrice(symbol string, mode domain.TradingMode, price float64) {
	r.priceMu.Lock()
	r.lastPrices[symbolKey(symbol, mode)] = price
	r.priceMu.Unlock()
}

func (r *Router) lastPrice(symbol string, mode domain.TradingMode) (float64, bool) {
	r.priceMu.RLock()
	defer r.priceMu.RUnlock()
	p, ok := r.lastPrices[symbolKey(symbol, mode)]
	return p, ok
}

// Submit 校验并路由一笔新订单。
// 校验失败直接返回 ValidationError，什么都不落库；
// live 路由的连接器/映射缺失会把订单置为 rejected 并落库（攻击面可审计），同时返回类型化错误。
func (r *Router) Submit(ctx context.Context, req Request) (*domain.Order, error) {
	now := time.Now()
	order := &domain.Order{
		ID:         domain.NewOrderID(),
		AccountID:  req.AccountID,
		StrategyID: req.StrategyID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Quantity:   req.Quantity,
		Kind:       req.Kind,
		LimitPrice: req.LimitPrice,
		StopPrice:  req.StopPrice,
		Mode:       req.Mode,
		Status:     domain.OrderStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := order.Validate(); err != nil {
		return nil, err
	}

	if r.orderStore != nil {
		if err := r.orderStore.SaveOrder(ctx, order); err != nil {
			log.Errorf("订单落库失败: order=%s err=%v", order.ID, err)
			return nil, err
		}
	}
	r.ordersMu.Lock()
	r.orders[order.ID] = order
	r.ordersMu.Unlock()

	if order.Mode == domain.ModePaper {
		return r.routePaper(ctx, order)
	}
	return r.routeLive(ctx, order)
}

// routePaper paper 路由：委托撮合模拟器。
// 立即成交则状态置 filled 并把成交应用到台账；
// 未成交则状态置 submitted，进入挂单注册表等待后续价格检查。
func (r *Router) routePaper(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	price, ok := r.lastPrice(order.Symbol, order.Mode)
	if ok {
		out := r.sim.AttemptFill(order, price)
		if out.Triggered {
			r.mutate(order, func(o *domain.Order) { o.StopTriggered = true })
		}
		if out.Filled {
			if _, err := r.applyFill(ctx, order, out.Price, out.Commission); err != nil {
				return nil, err
			}
			return r.copyOf(order), nil
		}
	}

	r.mutate(order, func(o *domain.Order) {
		o.Status = domain.OrderStatusSubmitted
		o.SubmittedAt = time.Now()
	})
	r.persistUpdate(ctx, order)
	r.pending.Add(order)
	log.Infof("paper 挂单: order=%s %s %s qty=%d kind=%s", order.ID, order.Side, order.Symbol, order.Quantity, order.Kind)
	return r.copyOf(order), nil
}

// routeLive live 路由：需要账户已绑定且在线的连接器 + venue 标的映射
func (r *Router) routeLive(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	r.connMu.RLock()
	binding, ok := r.connectors[order.AccountID]
	r.connMu.RUnlock()
	if !ok || binding.conn == nil || !binding.conn.IsConnected() {
		err := &domain.ConnectorUnavailableError{Broker: binding.broker, AccountID: order.AccountID}
		r.reject(ctx, order, err.Error())
		return r.copyOf(order), err
	}

	venueSymbol, found, err := r.mapper.GetVenueSymbol(ctx, binding.broker, order.Symbol)
	if err != nil || !found {
		merr := &domain.MappingError{Broker: binding.broker, Symbol: order.Symbol}
		r.reject(ctx, order, merr.Error())
		return r.copyOf(order), merr
	}

	breq := ports.BrokerOrder{
		VenueSymbol: venueSymbol,
		Side:        order.Side,
		Quantity:    order.Quantity,
		Kind:        order.Kind,
		ClientTag:   order.ID,
	}
	if details, derr := r.mapper.GetMappingDetails(ctx, binding.broker, order.Symbol); derr == nil && details != nil {
		breq.Exchange = details.Exchange
	}
	if order.LimitPrice != nil {
		breq.LimitPrice = *order.LimitPrice
	}
	if order.StopPrice != nil {
		breq.StopPrice = *order.StopPrice
	}

	ack, err := binding.conn.PlaceOrder(ctx, breq)
	if err != nil {
		r.reject(ctx, order, err.Error())
		return r.copyOf(order), err
	}

	r.mutate(order, func(o *domain.Order) {
		o.Status = domain.OrderStatusSubmitted
		o.ExternalOrderID = ack.ExternalOrderID
		o.SubmittedAt = time.Now()
	})
	r.persistUpdate(ctx, order)
	r.awaiting.Add(order)
	log.Infof("live 已提交: order=%s external=%s venue_symbol=%s", order.ID, ack.ExternalOrderID, venueSymbol)
	return r.copyOf(order), nil
}

// Cancel 取消订单。只有 pending/submitted 可取消；
// 终态订单返回 false（no-op，不是错误）。
func (r *Router) Cancel(ctx context.Context, orderID string) (bool, error) {
	r.ordersMu.RLock()
	order, ok := r.orders[orderID]
	cancellable := ok && order.IsCancellable()
	r.ordersMu.RUnlock()
	if !ok {
		return false, &domain.NotFoundError{Kind: "order", ID: orderID}
	}
	if !cancellable {
		return false, nil
	}

	if order.Mode == domain.ModeLive {
		r.connMu.RLock()
		binding := r.connectors[order.AccountID]
		r.connMu.RUnlock()
		if binding.conn == nil {
			return false, &domain.ConnectorUnavailableError{Broker: binding.broker, AccountID: order.AccountID}
		}
		if err := binding.conn.CancelOrder(ctx, order.ExternalOrderID); err != nil {
			return false, err
		}
		r.awaiting.Remove(order.ExternalOrderID)
	} else {
		r.pending.Remove(orderID)
	}

	// 取消跃迁在锁内重检终态：取消请求和撮合可能争用同一笔订单，
	// 先完成跃迁者赢，输家 no-op。
	cancelled := false
	r.mutate(order, func(o *domain.Order) {
		if o.IsTerminal() {
			return
		}
		o.Status = domain.OrderStatusCancelled
		cancelled = true
	})
	if !cancelled {
		return false, nil
	}
	r.persistUpdate(ctx, order)
	r.publishOrder(order)
	log.Infof("订单已取消: order=%s", orderID)
	return true, nil
}

// CheckPending tick 路径：对 (symbol, mode) 下所有挂起的 paper 订单重新撮合。
// 返回本次产生的成交。
func (r *Router) CheckPending(ctx context.Context, symbol string, price float64, mode domain.TradingMode) []*domain.Trade {
	var fills []*domain.Trade
	for _, order := range r.pending.OrdersFor(symbol, mode) {
		out := r.sim.AttemptFill(order, price)
		if out.Triggered && !order.StopTriggered {
			r.mutate(order, func(o *domain.Order) { o.StopTriggered = true })
			r.persistUpdate(ctx, order)
		}
		if !out.Filled {
			continue
		}
		r.pending.Remove(order.ID)
		trade, err := r.applyFill(ctx, order, out.Price, out.Commission)
		if err != nil {
			log.Errorf("挂单成交应用失败: order=%s err=%v", order.ID, err)
			continue
		}
		if trade == nil {
			// 订单在快照与撮合之间已被取消
			continue
		}
		fills = append(fills, trade)
	}
	return fills
}

// OnBrokerStatus venue 状态回报：把原生状态串翻译为内部状态并更新成交信息。
// 终态回报会把订单移出超时集合。
func (r *Router) OnBrokerStatus(ctx context.Context, externalOrderID, venueStatus string, filledQty int64, avgPrice float64) error {
	order, ok := r.awaiting.Get(externalOrderID)
	if !ok {
		r.ordersMu.RLock()
		for _, o := range r.orders {
			if o.ExternalOrderID == externalOrderID {
				order, ok = o, true
				break
			}
		}
		r.ordersMu.RUnlock()
	}
	if !ok {
		return &domain.NotFoundError{Kind: "order", ID: externalOrderID}
	}

	status := TranslateVenueStatus(venueStatus)

	if status == domain.OrderStatusFilled && filledQty > 0 && avgPrice > 0 {
		// live 成交仅在 venue 确认 complete 时生成一条 Trade；
		// 重复/迟到的 complete 回报会在 recordFill 的锁内终态重检中被丢弃
		if _, err := r.recordFill(ctx, order, avgPrice, 0, filledQty); err != nil {
			return err
		}
		r.awaiting.Remove(externalOrderID)
		return nil
	}

	terminal := false
	r.mutate(order, func(o *domain.Order) {
		if o.IsTerminal() {
			terminal = true
			return // 终态不可被覆盖
		}
		o.Status = status
		if filledQty > 0 {
			o.FilledQuantity = filledQty
		}
		if avgPrice > 0 {
			o.AvgFillPrice = avgPrice
		}
		terminal = o.IsTerminal()
	})
	r.persistUpdate(ctx, order)

	if terminal {
		r.awaiting.Remove(externalOrderID)
	}
	r.publishOrder(order)
	return nil
}

// TranslateVenueStatus venue 状态串 -> 内部状态
// complete/rejected/cancelled 为终态；open 与 trigger pending 仍是 submitted。
func TranslateVenueStatus(venueStatus string) domain.OrderStatus {
	switch venueStatus {
	case "complete":
		return domain.OrderStatusFilled
	case "rejected":
		return domain.OrderStatusRejected
	case "cancelled":
		return domain.OrderStatusCancelled
	case "open", "trigger pending":
		return domain.OrderStatusSubmitted
	default:
		log.Warnf("未知 venue 状态: %q，按 submitted 处理", venueStatus)
		return domain.OrderStatusSubmitted
	}
}

// SweepTimeouts 报告提交超过阈值仍无回报的 live 订单。
// 路由器不自动撤单——只报告，补救由调用方决定。
func (r *Router) SweepTimeouts(now time.Time) []*domain.Order {
	expired := r.awaiting.Expired(now.Add(-r.submitTimeout))
	for _, o := range expired {
		log.Warnf("live 订单超时未回报: order=%s external=%s submitted_at=%s",
			o.ID, o.ExternalOrderID, o.SubmittedAt.Format(time.RFC3339))
	}
	return expired
}

// StartTimeoutSweeper 启动后台超时扫描循环
func (r *Router) StartTimeoutSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				r.SweepTimeouts(now)
			}
		}
	}()
}

// SnapshotPending 将挂起的 paper 订单写入快照存储（优雅关闭时调用）
func (r *Router) SnapshotPending(store persistence.Store) error {
	orders := r.pending.Snapshot()
	if err := store.Save(orders); err != nil {
		return err
	}
	log.Infof("挂单快照已保存: count=%d", len(orders))
	return nil
}

// RestorePending 启动时恢复挂单注册表；快照不存在不是错误
func (r *Router) RestorePending(store persistence.Store) error {
	var orders []*domain.Order
	if err := store.Load(&orders); err != nil {
		if err == persistence.ErrNotExists {
			return nil
		}
		return err
	}
	restored := 0
	for _, o := range orders {
		if o == nil || !o.IsCancellable() || o.Mode != domain.ModePaper {
			continue
		}
		r.ordersMu.Lock()
		r.orders[o.ID] = o
		r.ordersMu.Unlock()
		r.pending.Add(o)
		restored++
	}
	log.Infof("挂单快照已恢复: count=%d", restored)
	return nil
}

// GetOrder 获取订单快照
func (r *Router) GetOrder(orderID string) (*domain.Order, error) {
	r.ordersMu.RLock()
	order, ok := r.orders[orderID]
	r.ordersMu.RUnlock()
	if !ok {
		return nil, &domain.NotFoundError{Kind: "order", ID: orderID}
	}
	return r.copyOf(order), nil
}

// OpenOrders 非终态订单快照
func (r *Router) OpenOrders() []*domain.Order {
	r.ordersMu.RLock()
	defer r.ordersMu.RUnlock()
	var out []*domain.Order
	for _, o := range r.orders {
		if !o.IsTerminal() {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out
}

// applyFill 成交应用：恰好创建一条 Trade，更新订单终态，推进仓位台账。
func (r *Router) applyFill(ctx context.Context, order *domain.Order, price, commission float64) (*domain.Trade, error) {
	return r.recordFill(ctx, order, price, commission, order.Quantity)
}

// recordFill 成交记录主路径。订单向 filled 的跃迁在锁内完成并重检终态：
// 撮合方持有的订单引用可能来自加锁前的快照，期间订单可能已被取消，
// 终态订单不允许再次成交——放弃时返回 (nil, nil)，调用方按无成交处理。
func (r *Router) recordFill(ctx context.Context, order *domain.Order, price, commission float64, quantity int64) (*domain.Trade, error) {
	claimed := false
	var prev domain.OrderStatus
	r.ordersMu.Lock()
	if !order.IsTerminal() {
		prev = order.Status
		order.Status = domain.OrderStatusFilled
		order.FilledQuantity = quantity
		order.AvgFillPrice = price
		order.UpdatedAt = time.Now()
		claimed = true
	}
	r.ordersMu.Unlock()
	if !claimed {
		log.Infof("放弃成交: 订单已是终态 order=%s", order.ID)
		return nil, nil
	}

	trade := &domain.Trade{
		ID:         domain.NewTradeID(),
		OrderID:    order.ID,
		AccountID:  order.AccountID,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Quantity:   quantity,
		Price:      price,
		Commission: commission,
		Mode:       order.Mode,
		ExecutedAt: time.Now(),
	}

	// 先推进仓位台账——这是唯一可能拒绝成交的环节（如超量平仓）。
	// 台账拒绝则回滚订单状态，不留下任何未发生成交的审计痕迹。
	var lerr error
	if pos, ok := r.ledger.FindOpen(order.AccountID, order.Symbol, order.Mode); ok {
		_, lerr = r.ledger.Update(ctx, pos.ID, trade)
	} else {
		_, lerr = r.ledger.Open(ctx, trade)
	}
	if lerr != nil {
		r.mutate(order, func(o *domain.Order) {
			o.Status = prev
			o.FilledQuantity = 0
			o.AvgFillPrice = 0
		})
		r.persistUpdate(ctx, order)
		return nil, lerr
	}

	// 台账已提交，成交事实成立；审计落库失败只记日志，不回滚成交
	if r.tradeStore != nil {
		if err := r.tradeStore.SaveTrade(ctx, trade); err != nil {
			log.Errorf("成交落库失败: trade=%s err=%v", trade.ID, err)
		}
	}
	r.persistUpdate(ctx, order)

	r.publishOrder(order)
	log.Infof("成交: order=%s %s %s qty=%d price=%.2f commission=%.2f mode=%s",
		order.ID, order.Side, order.Symbol, quantity, price, commission, order.Mode)
	return trade, nil
}

// reject 把订单置为 rejected 并落库（拒绝是可审计事件）
func (r *Router) reject(ctx context.Context, order *domain.Order, reason string) {
	r.mutate(order, func(o *domain.Order) { o.Status = domain.OrderStatusRejected })
	r.persistUpdate(ctx, order)
	r.publishOrder(order)
	log.Warnf("订单拒绝: order=%s symbol=%s reason=%s", order.ID, order.Symbol, reason)
}

func (r *Router) mutate(order *domain.Order, fn func(*domain.Order)) {
	r.ordersMu.Lock()
	fn(order)
	order.UpdatedAt = time.Now()
	r.ordersMu.Unlock()
}

func (r *Router) persistUpdate(ctx context.Context, order *domain.Order) {
	if r.orderStore == nil {
		return
	}
	if err := r.orderStore.UpdateOrder(ctx, order); err != nil {
		log.Errorf("订单更新落库失败: order=%s err=%v", order.ID, err)
	}
}

func (r *Router) publishOrder(order *domain.Order) {
	if r.sink == nil {
		return
	}
	r.sink.PublishOrderUpdate(r.copyOf(order))
}

func (r *Router) copyOf(order *domain.Order) *domain.Order {
	r.ordersMu.RLock()
	defer r.ordersMu.RUnlock()
	cp := *order
	return &cp
}
