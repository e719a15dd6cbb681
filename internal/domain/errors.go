package domain

import "fmt"

// 类型化错误分类：
// - ValidationError: 请求本身不合法，不落库，调用方修正后重试
// - NotFoundError: 未知订单/仓位 ID，调用方错误
// - ConnectorUnavailableError: 没有可用/已连接的券商连接器，订单标记 rejected（落库可审计）
// - MappingError: venue 不支持该标的，订单标记 rejected
// - OverfillError: 平仓数量超过持仓数量，上游数据不一致，中止本次变更

// ValidationError 订单请求校验失败
type ValidationError struct {
	Field  string
	Symbol string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("invalid order (%s): %s: %s", e.Symbol, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid order: %s: %s", e.Field, e.Reason)
}

// NotFoundError 订单或仓位不存在
type NotFoundError struct {
	Kind string // "order" | "position"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// ConnectorUnavailableError 券商连接器不可用
type ConnectorUnavailableError struct {
	Broker    string
	AccountID string
}

func (e *ConnectorUnavailableError) Error() string {
	return fmt.Sprintf("broker connector unavailable: broker=%s account=%s", e.Broker, e.AccountID)
}

// MappingError 标的没有 venue 侧映射
type MappingError struct {
	Broker string
	Symbol string
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("no venue symbol mapping: broker=%s symbol=%s", e.Broker, e.Symbol)
}

// OverfillError 平仓数量超过持仓数量
type OverfillError struct {
	PositionID string
	Have       int64
	Requested  int64
}

func (e *OverfillError) Error() string {
	return fmt.Sprintf("fill exceeds position quantity: position=%s have=%d requested=%d",
		e.PositionID, e.Have, e.Requested)
}
