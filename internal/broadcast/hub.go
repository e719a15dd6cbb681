package broadcast

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/tushaar82/velox-engine/internal/domain"
	"github.com/tushaar82/velox-engine/internal/events"
)

var log = logrus.WithField("component", "broadcast")

const (
	writeTimeout  = 10 * time.Second
	pingInterval  = 30 * time.Second
	clientBacklog = 64
)

// Hub 仓位/订单更新的 websocket 扇出：实现 ports.BroadcastSink。
// 核心只生产事件；投递是 best-effort——慢客户端会被丢消息甚至断开，
// 绝不反压 tick 路径。
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn  *websocket.Conn
	sendC chan []byte
}

// envelope 下发的统一消息壳。Type 标识 Data 里的事件类型：
// tick | order_filled | order_rejected | order_update |
// position_opened | position_update | position_closed
type envelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"ts"`
}

// NewHub 创建广播 hub
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// HandleWS websocket 升级入口（挂到控制面 HTTP 路由）
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("websocket 升级失败: %v", err)
		return
	}
	c := &client{conn: conn, sendC: make(chan []byte, clientBacklog)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	log.Infof("广播客户端接入: remote=%s", conn.RemoteAddr())

	go h.writeLoop(c)
	go h.readLoop(c)
}

// PublishTick 广播一条行情 tick
func (h *Hub) PublishTick(ev *events.TickEvent) {
	h.publish("tick", ev)
}

// PublishPositionUpdate 广播仓位变更，按仓位状态翻译成类型化事件
func (h *Hub) PublishPositionUpdate(position *domain.Position) {
	h.publish(classifyPosition(position))
}

// PublishOrderUpdate 广播订单变更，按订单状态翻译成类型化事件
func (h *Hub) PublishOrderUpdate(order *domain.Order) {
	h.publish(classifyOrder(order))
}

// classifyOrder 订单快照 -> (envelope type, 类型化事件)
func classifyOrder(o *domain.Order) (string, interface{}) {
	now := time.Now()
	switch o.Status {
	case domain.OrderStatusFilled:
		return "order_filled", &events.OrderFilledEvent{Order: o, Timestamp: now}
	case domain.OrderStatusRejected:
		return "order_rejected", &events.OrderRejectedEvent{Order: o, Timestamp: now}
	default:
		return "order_update", o
	}
}

// classifyPosition 仓位快照 -> (envelope type, 类型化事件)。
// 开仓后的首次发布 UpdatedAt 仍等于 OpenedAt，此后每次变更都会推进
// UpdatedAt，据此区分 opened 和 updated。
func classifyPosition(p *domain.Position) (string, interface{}) {
	now := time.Now()
	switch {
	case p.Status == domain.PositionStatusClosed:
		return "position_closed", &events.PositionClosedEvent{Position: p, RealizedPnL: p.RealizedPnL, Timestamp: now}
	case p.UpdatedAt.Equal(p.OpenedAt):
		return "position_opened", &events.PositionOpenedEvent{Position: p, Timestamp: now}
	default:
		return "position_update", &events.PositionUpdatedEvent{Position: p, Timestamp: now}
	}
}

func (h *Hub) publish(kind string, data interface{}) {
	raw, err := json.Marshal(envelope{Type: kind, Data: data, Timestamp: time.Now()})
	if err != nil {
		log.Errorf("事件序列化失败: type=%s err=%v", kind, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.sendC <- raw:
		default:
			// 客户端积压，丢弃本条（慢消费者不拖累热路径）
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		h.drop(c)
	}()
	for {
		select {
		case msg, ok := <-c.sendC:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop 只为响应 close/pong，收到任何错误即摘除客户端
func (h *Hub) readLoop(c *client) {
	defer h.drop(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.sendC)
	}
	h.mu.Unlock()
	c.conn.Close()
}

// Close 关闭全部客户端连接
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for _, c := range clients {
		close(c.sendC)
		c.conn.Close()
	}
}
