package broker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tushaar82/velox-engine/internal/ports"
	"github.com/tushaar82/velox-engine/pkg/ratelimit"
)

var log = logrus.WithField("component", "broker_connector")

// RESTConnector 通用 REST 券商连接器：实现 ports.BrokerConnector。
// 协议细节对核心不可见——Order Router 只看到接口。
// 所有下单/撤单请求先过令牌桶（venue 有订单频率硬限制）。
type RESTConnector struct {
	name    string
	client  *resty.Client
	limiter *ratelimit.TokenBucket

	connected atomic.Bool
	authToken string
}

// NewRESTConnector 创建 REST 连接器
// ordersPerSecond: venue 的订单频率限制
func NewRESTConnector(name, baseURL string, ordersPerSecond int) *RESTConnector {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			// 网络错误与 5xx 可重试；4xx 是调用方错误，不重试
			return err != nil || resp.StatusCode() >= 500
		})
	return &RESTConnector{
		name:    name,
		client:  client,
		limiter: ratelimit.NewTokenBucket(ordersPerSecond, ordersPerSecond),
	}
}

// Name 返回券商名
func (c *RESTConnector) Name() string { return c.name }

type sessionResponse struct {
	Token string `json:"token"`
}

// Connect 建立会话：凭据由外部（secretstore/环境）注入
func (c *RESTConnector) Connect(ctx context.Context, credentials map[string]string) error {
	var out sessionResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(credentials).
		SetResult(&out).
		Post("/session")
	if err != nil {
		return errors.Wrapf(err, "broker %s: connect", c.name)
	}
	if resp.IsError() {
		return errors.Errorf("broker %s: connect: http %d: %s", c.name, resp.StatusCode(), resp.String())
	}
	c.authToken = out.Token
	c.connected.Store(true)
	log.Infof("券商会话已建立: broker=%s", c.name)
	return nil
}

// IsConnected 连接状态
func (c *RESTConnector) IsConnected() bool {
	return c.connected.Load()
}

// Disconnect 断开（测试/关停用）
func (c *RESTConnector) Disconnect() {
	c.connected.Store(false)
}

type placeOrderRequest struct {
	Symbol       string  `json:"tradingsymbol"`
	Exchange     string  `json:"exchange,omitempty"`
	Side         string  `json:"transaction_type"`
	Quantity     int64   `json:"quantity"`
	OrderType    string  `json:"order_type"`
	Price        float64 `json:"price,omitempty"`
	TriggerPrice float64 `json:"trigger_price,omitempty"`
	Tag          string  `json:"tag,omitempty"`
}

type placeOrderResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// PlaceOrder 提交订单，返回 venue 受理回执
func (c *RESTConnector) PlaceOrder(ctx context.Context, req ports.BrokerOrder) (*ports.BrokerAck, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	body := placeOrderRequest{
		Symbol:       req.VenueSymbol,
		Exchange:     req.Exchange,
		Side:         string(req.Side),
		Quantity:     req.Quantity,
		OrderType:    string(req.Kind),
		Price:        req.LimitPrice,
		TriggerPrice: req.StopPrice,
		Tag:          req.ClientTag,
	}
	var out placeOrderResponse
	resp, err := c.authed(ctx).
		SetBody(body).
		SetResult(&out).
		Post("/orders")
	if err != nil {
		return nil, errors.Wrapf(err, "broker %s: place order %s", c.name, req.VenueSymbol)
	}
	if resp.IsError() {
		return nil, errors.Errorf("broker %s: place order: http %d: %s", c.name, resp.StatusCode(), resp.String())
	}
	return &ports.BrokerAck{ExternalOrderID: out.OrderID, Status: out.Status}, nil
}

// CancelOrder 撤单
func (c *RESTConnector) CancelOrder(ctx context.Context, externalOrderID string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	resp, err := c.authed(ctx).Delete(fmt.Sprintf("/orders/%s", externalOrderID))
	if err != nil {
		return errors.Wrapf(err, "broker %s: cancel order %s", c.name, externalOrderID)
	}
	if resp.IsError() {
		return errors.Errorf("broker %s: cancel order: http %d: %s", c.name, resp.StatusCode(), resp.String())
	}
	return nil
}

type orderStatusResponse struct {
	Status string `json:"status"`
}

// GetOrderStatus 查询 venue 原生状态串
func (c *RESTConnector) GetOrderStatus(ctx context.Context, externalOrderID string) (string, error) {
	var out orderStatusResponse
	resp, err := c.authed(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/orders/%s", externalOrderID))
	if err != nil {
		return "", errors.Wrapf(err, "broker %s: order status %s", c.name, externalOrderID)
	}
	if resp.IsError() {
		return "", errors.Errorf("broker %s: order status: http %d: %s", c.name, resp.StatusCode(), resp.String())
	}
	return out.Status, nil
}

func (c *RESTConnector) authed(ctx context.Context) *resty.Request {
	r := c.client.R().SetContext(ctx)
	if c.authToken != "" {
		r.SetHeader("Authorization", "token "+c.authToken)
	}
	return r
}
