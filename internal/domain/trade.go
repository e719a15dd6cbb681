package domain

import (
	"time"

	"github.com/google/uuid"
)

// Trade 成交领域模型
// Order 是订单（可能未成交），Trade 是一次实际的成交执行。
// 每次 fill 事件恰好生成一条 Trade，创建后不可变。
type Trade struct {
	ID         string      // 成交 ID
	OrderID    string      // 关联的订单 ID
	AccountID  string      // 账户 ID
	Symbol     string      // 标的代码
	Side       Side        // 成交方向
	Quantity   int64       // 成交数量
	Price      float64     // 成交价格
	Commission float64     // 手续费
	Mode       TradingMode // 交易模式
	ExecutedAt time.Time   // 成交时间
}

// NewTradeID 生成成交 ID
func NewTradeID() string {
	return "trd_" + uuid.NewString()
}

// Key 返回成交的唯一键（用于去重）
func (t *Trade) Key() string {
	return t.ID
}
