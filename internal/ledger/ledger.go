package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tushaar82/velox-engine/internal/domain"
	"github.com/tushaar82/velox-engine/internal/ports"
)

var log = logrus.WithField("component", "ledger")

// Ledger 仓位台账：独占持有仓位生命周期与盈亏计算。
//
// 并发模型：仓位记录是互斥的最小单位——对同一仓位的
// 读-改-写（数量/入场价/止损状态）全部在该仓位自己的锁下串行化；
// 不同仓位互不阻塞。外层读写锁只保护索引 map 本身。
type Ledger struct {
	mu       sync.RWMutex
	entries  map[string]*entry            // positionID -> entry
	bySymbol map[string]map[string]string // symbol:mode -> positionID -> accountID

	risk  ports.RiskChecker   // 可为 nil
	store ports.PositionStore // 可为 nil
}

type entry struct {
	mu  sync.Mutex
	pos *domain.Position
}

// Options 可选协作者：可空引用，使用前显式判空
type Options struct {
	Risk  ports.RiskChecker   // 风控通知（fire-and-forget，可为 nil）
	Store ports.PositionStore // 仓位持久化（可为 nil）
}

// New 创建仓位台账
func New(opts Options) *Ledger {
	return &Ledger{
		entries:  make(map[string]*entry),
		bySymbol: make(map[string]map[string]string),
		risk:     opts.Risk,
		store:    opts.Store,
	}
}

// SetRiskChecker 注入风控检查器：风控闸门以台账为持仓来源，
// 两者互相引用，启动时先建台账再回填。
func (l *Ledger) SetRiskChecker(r ports.RiskChecker) {
	l.risk = r
}

// Open 首笔成交开仓：方向由成交方向推导（buy->long，sell->short），
// 入场价 = 成交价，已实现盈亏初始化为 -手续费。
func (l *Ledger) Open(ctx context.Context, trade *domain.Trade) (*domain.Position, error) {
	now := trade.ExecutedAt
	if now.IsZero() {
		now = time.Now()
	}
	pos := &domain.Position{
		ID:           domain.NewPositionID(),
		AccountID:    trade.AccountID,
		Symbol:       trade.Symbol,
		Side:         domain.PositionSideForFill(trade.Side),
		Quantity:     trade.Quantity,
		EntryPrice:   trade.Price,
		Mode:         trade.Mode,
		Status:       domain.PositionStatusOpen,
		CurrentPrice: trade.Price,
		RealizedPnL:  domain.Round2(-trade.Commission),
		OpenedAt:     now,
		UpdatedAt:    now,
	}

	if l.store != nil {
		if err := l.store.SavePosition(ctx, pos); err != nil {
			log.Errorf("仓位落库失败: position=%s err=%v", pos.ID, err)
			return nil, err
		}
	}

	l.mu.Lock()
	l.entries[pos.ID] = &entry{pos: pos}
	sk := symbolKey(pos.Symbol, pos.Mode)
	if l.bySymbol[sk] == nil {
		l.bySymbol[sk] = make(map[string]string)
	}
	l.bySymbol[sk][pos.ID] = pos.AccountID
	l.mu.Unlock()

	log.Infof("开仓: position=%s account=%s %s %s qty=%d entry=%.2f mode=%s",
		pos.ID, pos.AccountID, pos.Side, pos.Symbol, pos.Quantity, pos.EntryPrice, pos.Mode)

	l.notifyRisk(pos.AccountID, pos.Mode)
	return snapshot(pos), nil
}

// Update 将一笔成交应用到已有仓位：
// 同方向 -> 加仓（数量加权平均入场价）；反方向 -> 减仓/平仓（超量成交报错）。
func (l *Ledger) Update(ctx context.Context, positionID string, trade *domain.Trade) (*domain.Position, error) {
	e, err := l.entry(positionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// 在副本上变更，落库成功后再提交——失败时仓位保持上一个一致状态
	next := snapshot(e.pos)
	sameDirection := domain.PositionSideForFill(trade.Side) == next.Side
	if sameDirection {
		next.AddFill(trade.Quantity, trade.Price, trade.Commission)
	} else {
		at := trade.ExecutedAt
		if at.IsZero() {
			at = time.Now()
		}
		if err := next.ReduceFill(trade.Quantity, trade.Price, trade.Commission, at); err != nil {
			return nil, err
		}
	}
	next.UpdatedAt = time.Now()

	if l.store != nil {
		if err := l.store.UpdatePosition(ctx, next); err != nil {
			log.Errorf("仓位更新落库失败: position=%s err=%v", positionID, err)
			return nil, err
		}
	}
	e.pos = next

	if next.Status == domain.PositionStatusClosed {
		l.unindex(next)
		log.Infof("平仓: position=%s realized=%.2f", next.ID, next.RealizedPnL)
	}

	l.notifyRisk(next.AccountID, next.Mode)
	return snapshot(next), nil
}

// MarkPrice 按最新价重算某仓位的未实现盈亏；已实现盈亏不变。
// 返回（未实现盈亏，总盈亏）。
func (l *Ledger) MarkPrice(positionID string, price float64) (unrealized, total float64, err error) {
	e, err := l.entry(positionID)
	if err != nil {
		return 0, 0, err
	}
	e.mu.Lock()
	unrealized, total = e.pos.Mark(price)
	e.pos.UpdatedAt = time.Now()
	account, mode := e.pos.AccountID, e.pos.Mode
	e.mu.Unlock()

	l.notifyRisk(account, mode)
	return unrealized, total, nil
}

// Close 按给定价格全量平仓
func (l *Ledger) Close(ctx context.Context, positionID string, price, commission float64) (*domain.Position, error) {
	e, err := l.entry(positionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := snapshot(e.pos)
	if err := next.ReduceFill(next.Quantity, price, commission, time.Now()); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now()

	if l.store != nil {
		if err := l.store.UpdatePosition(ctx, next); err != nil {
			log.Errorf("平仓落库失败: position=%s err=%v", positionID, err)
			return nil, err
		}
	}
	e.pos = next
	l.unindex(next)

	log.Infof("平仓: position=%s exit=%.2f realized=%.2f", next.ID, price, next.RealizedPnL)
	l.notifyRisk(next.AccountID, next.Mode)
	return snapshot(next), nil
}

// BatchMark 热路径：一次遍历更新 (symbol, mode) 下所有未平仓仓位的盈亏，
// 返回更新后的仓位快照集合。由 Tick Dispatcher 每个 tick 调用。
func (l *Ledger) BatchMark(symbol string, price float64, mode domain.TradingMode) []*domain.Position {
	updated := make([]*domain.Position, 0, 4)
	accounts := make(map[string]struct{})

	// symbolEntries 的索引快照和并发 Update 的 unindex 之间没有全局顺序，
	// 快照里可能出现刚平掉的仓位；IsOpen 在仓位锁下重检后跳过即可。
	for _, e := range l.symbolEntries(symbol, mode) {
		e.mu.Lock()
		if e.pos.IsOpen() {
			e.pos.Mark(price)
			e.pos.UpdatedAt = time.Now()
			updated = append(updated, snapshot(e.pos))
			accounts[e.pos.AccountID] = struct{}{}
		}
		e.mu.Unlock()
	}

	for account := range accounts {
		l.notifyRisk(account, mode)
	}
	return updated
}

// WithPosition 在仓位锁下执行 fn（Trailing-Stop Engine 推进止损状态用）。
// fn 返回 true 表示仓位被修改。
func (l *Ledger) WithPosition(positionID string, fn func(*domain.Position) bool) error {
	e, err := l.entry(positionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if fn(e.pos) {
		e.pos.UpdatedAt = time.Now()
	}
	return nil
}

// ForEachOpen 对 (symbol, mode) 下每个未平仓仓位在其锁下执行 fn。
// fn 返回 true 表示仓位被修改。用于止损推进等需要读-改-写的遍历。
func (l *Ledger) ForEachOpen(symbol string, mode domain.TradingMode, fn func(*domain.Position) bool) {
	for _, e := range l.symbolEntries(symbol, mode) {
		e.mu.Lock()
		if e.pos.IsOpen() {
			if fn(e.pos) {
				e.pos.UpdatedAt = time.Now()
			}
		}
		e.mu.Unlock()
	}
}

// FindOpen 查找 (account, symbol, mode) 的未平仓仓位
func (l *Ledger) FindOpen(accountID, symbol string, mode domain.TradingMode) (*domain.Position, bool) {
	for _, e := range l.symbolEntries(symbol, mode) {
		e.mu.Lock()
		if e.pos.IsOpen() && e.pos.AccountID == accountID {
			p := snapshot(e.pos)
			e.mu.Unlock()
			return p, true
		}
		e.mu.Unlock()
	}
	return nil, false
}

// Get 获取仓位快照
func (l *Ledger) Get(positionID string) (*domain.Position, error) {
	e, err := l.entry(positionID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(e.pos), nil
}

// OpenPositions 当前所有未平仓仓位快照（mode 为空则不过滤）
func (l *Ledger) OpenPositions(mode domain.TradingMode) []*domain.Position {
	l.mu.RLock()
	es := make([]*entry, 0, len(l.entries))
	for _, e := range l.entries {
		es = append(es, e)
	}
	l.mu.RUnlock()

	out := make([]*domain.Position, 0, len(es))
	for _, e := range es {
		e.mu.Lock()
		if e.pos.IsOpen() && (mode == "" || e.pos.Mode == mode) {
			out = append(out, snapshot(e.pos))
		}
		e.mu.Unlock()
	}
	return out
}

// AccountPositions 某账户的全部仓位快照（含已平仓，风控重算亏损用）
func (l *Ledger) AccountPositions(accountID string, mode domain.TradingMode) []*domain.Position {
	l.mu.RLock()
	es := make([]*entry, 0, len(l.entries))
	for _, e := range l.entries {
		es = append(es, e)
	}
	l.mu.RUnlock()

	var out []*domain.Position
	for _, e := range es {
		e.mu.Lock()
		if e.pos.AccountID == accountID && e.pos.Mode == mode {
			out = append(out, snapshot(e.pos))
		}
		e.mu.Unlock()
	}
	return out
}

// notifyRisk 风控通知：显式解耦（best-effort、非阻塞），
// 风控慢或 panic 都不会拖住仓位更新路径。
func (l *Ledger) notifyRisk(accountID string, mode domain.TradingMode) {
	if l.risk == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("风控检查 panic: account=%s mode=%s err=%v", accountID, mode, r)
			}
		}()
		l.risk.CheckLossLimit(accountID, mode)
	}()
}

func (l *Ledger) entry(positionID string) (*entry, error) {
	l.mu.RLock()
	e, ok := l.entries[positionID]
	l.mu.RUnlock()
	if !ok {
		return nil, &domain.NotFoundError{Kind: "position", ID: positionID}
	}
	return e, nil
}

// symbolEntries 返回 (symbol, mode) 索引下的仓位 entry 列表
func (l *Ledger) symbolEntries(symbol string, mode domain.TradingMode) []*entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := l.bySymbol[symbolKey(symbol, mode)]
	out := make([]*entry, 0, len(ids))
	for id := range ids {
		if e, ok := l.entries[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

// unindex 从 symbol 索引移除已平仓仓位（entry 本身保留，供查询历史）
func (l *Ledger) unindex(pos *domain.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ids := l.bySymbol[symbolKey(pos.Symbol, pos.Mode)]; ids != nil {
		delete(ids, pos.ID)
	}
}

// snapshot 深拷贝仓位（含止损子状态），避免调用方与台账内部状态竞争
func snapshot(p *domain.Position) *domain.Position {
	cp := *p
	if p.TrailingStop != nil {
		ts := *p.TrailingStop
		cp.TrailingStop = &ts
	}
	if p.ClosedAt != nil {
		at := *p.ClosedAt
		cp.ClosedAt = &at
	}
	return &cp
}

func symbolKey(symbol string, mode domain.TradingMode) string {
	return symbol + ":" + string(mode)
}
