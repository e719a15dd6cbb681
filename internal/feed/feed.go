package feed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/tushaar82/velox-engine/internal/dispatcher"
	"github.com/tushaar82/velox-engine/internal/domain"
	"github.com/tushaar82/velox-engine/pkg/syncgroup"
)

var log = logrus.WithField("component", "price_feed")

const (
	readTimeout  = 30 * time.Second
	pingInterval = 10 * time.Second
	tickBacklog  = 256
)

// Client 行情接入：从上游 websocket 读 (symbol, price, mode) tick，
// 按 symbol 分路送入独立 worker——同一 symbol 的 tick 严格串行，
// 不同 symbol 并发推进。
type Client struct {
	url        string
	reconnect  time.Duration
	dispatcher *dispatcher.Dispatcher

	mu      sync.Mutex
	workers map[string]chan tickMsg

	sg *syncgroup.SyncGroup
}

// tickMsg 上游 tick 消息格式
type tickMsg struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Mode   string  `json:"mode"`
}

// NewClient 创建行情客户端
func NewClient(url string, reconnect time.Duration, d *dispatcher.Dispatcher) *Client {
	if reconnect <= 0 {
		reconnect = 5 * time.Second
	}
	return &Client{
		url:        url,
		reconnect:  reconnect,
		dispatcher: d,
		workers:    make(map[string]chan tickMsg),
		sg:         syncgroup.New(),
	}
}

// Run 阻塞运行：断线后按固定间隔重连，直到 ctx 取消
func (c *Client) Run(ctx context.Context) {
	for {
		if err := c.runOnce(ctx); err != nil {
			log.Warnf("行情连接断开: %v，%s 后重连", err, c.reconnect)
		}
		select {
		case <-ctx.Done():
			c.sg.Wait()
			return
		case <-time.After(c.reconnect):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Infof("行情已连接: %s", c.url)

	// ping 保活
	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg tickMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Warnf("tick 解析失败: %v", err)
			continue
		}
		if msg.Symbol == "" || msg.Price <= 0 {
			continue
		}
		c.route(ctx, msg)
	}
}

// route 把 tick 送入该 symbol 的串行 worker；worker 积压时丢弃最旧语义从简，
// 直接丢弃本条并记日志（行情下一条 tick 很快覆盖）。
func (c *Client) route(ctx context.Context, msg tickMsg) {
	key := msg.Symbol + ":" + msg.Mode
	c.mu.Lock()
	ch, ok := c.workers[key]
	if !ok {
		ch = make(chan tickMsg, tickBacklog)
		c.workers[key] = ch
		c.sg.Go(func() { c.worker(ctx, ch) })
	}
	c.mu.Unlock()

	select {
	case ch <- msg:
	default:
		log.Warnf("tick 队列积压，丢弃: %s@%.2f", msg.Symbol, msg.Price)
	}
}

func (c *Client) worker(ctx context.Context, ch chan tickMsg) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			mode := domain.TradingMode(msg.Mode)
			if mode != domain.ModePaper && mode != domain.ModeLive {
				mode = domain.ModePaper
			}
			c.dispatcher.OnPriceUpdate(ctx, msg.Symbol, msg.Price, mode)
		}
	}
}
