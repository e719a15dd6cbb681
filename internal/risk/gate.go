package risk

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/tushaar82/velox-engine/internal/domain"
)

var log = logrus.WithField("component", "risk_gate")

// Gate 账户级亏损上限风控：观察每次仓位变更，重算账户（按交易模式）的
// 已实现+未实现亏损，越限时锁存熔断标志。
//
// 约定：
// - 核心同步路径只“通知”风控（fire-and-forget），风控慢或失败不会阻塞仓位更新
// - 阈值 <= 0 表示关闭该账户的限制
// - 熔断标志一旦锁存，需要人工 Reset 才会解除
type Gate struct {
	source PositionSource

	defaultMaxLoss float64

	mu     sync.RWMutex
	limits map[string]float64 // account:mode -> 最大可容忍亏损（正数）

	breached sync.Map // account:mode -> *atomic.Bool
}

// PositionSource 仓位快照来源（由 Position Ledger 提供）
type PositionSource interface {
	AccountPositions(accountID string, mode domain.TradingMode) []*domain.Position
}

// NewGate 创建风控闸
// defaultMaxLoss: 未单独配置账户时的默认亏损上限（<=0 关闭）
func NewGate(source PositionSource, defaultMaxLoss float64) *Gate {
	return &Gate{
		source:         source,
		defaultMaxLoss: defaultMaxLoss,
		limits:         make(map[string]float64),
	}
}

// SetLimit 配置某账户+模式的亏损上限
func (g *Gate) SetLimit(accountID string, mode domain.TradingMode, maxLoss float64) {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.limits[key(accountID, mode)] = maxLoss
	g.mu.Unlock()
}

// CheckLossLimit 重算账户亏损并在越限时锁存熔断标志。
// 被核心在每次影响盈亏的变更后调用；核心不消费返回值。
func (g *Gate) CheckLossLimit(accountID string, mode domain.TradingMode) {
	if g == nil || g.source == nil {
		return
	}
	limit := g.limitFor(accountID, mode)
	if limit <= 0 {
		return
	}

	var total float64
	for _, p := range g.source.AccountPositions(accountID, mode) {
		total += p.RealizedPnL + p.UnrealizedPnL
	}

	if total <= -limit {
		flag := g.flag(accountID, mode)
		if flag.CompareAndSwap(false, true) {
			log.Warnf("账户亏损越限: account=%s mode=%s pnl=%.2f limit=%.2f",
				accountID, mode, total, limit)
		}
	}
}

// Breached 查询账户是否处于熔断状态
func (g *Gate) Breached(accountID string, mode domain.TradingMode) bool {
	if g == nil {
		return false
	}
	if v, ok := g.breached.Load(key(accountID, mode)); ok {
		return v.(*atomic.Bool).Load()
	}
	return false
}

// Reset 人工解除熔断
func (g *Gate) Reset(accountID string, mode domain.TradingMode) {
	if g == nil {
		return
	}
	g.flag(accountID, mode).Store(false)
}

func (g *Gate) limitFor(accountID string, mode domain.TradingMode) float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if v, ok := g.limits[key(accountID, mode)]; ok {
		return v
	}
	return g.defaultMaxLoss
}

func (g *Gate) flag(accountID string, mode domain.TradingMode) *atomic.Bool {
	v, _ := g.breached.LoadOrStore(key(accountID, mode), &atomic.Bool{})
	return v.(*atomic.Bool)
}

func key(accountID string, mode domain.TradingMode) string {
	return accountID + ":" + string(mode)
}
