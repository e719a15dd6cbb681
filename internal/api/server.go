package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/tushaar82/velox-engine/internal/broadcast"
	"github.com/tushaar82/velox-engine/internal/domain"
	"github.com/tushaar82/velox-engine/internal/ledger"
	"github.com/tushaar82/velox-engine/internal/router"
	"github.com/tushaar82/velox-engine/internal/trailing"
)

var log = logrus.WithField("component", "api")

// Server 控制面 HTTP：策略调用方提交/撤销订单、查询订单与仓位、
// 配置追踪止损的窄入口。策略逻辑本身不在这里。
type Server struct {
	router *router.Router
	ledger *ledger.Ledger
	stops  *trailing.Engine
	hub    *broadcast.Hub // 可为 nil
}

// NewServer 创建控制面服务
func NewServer(r *router.Router, l *ledger.Ledger, stops *trailing.Engine, hub *broadcast.Hub) *Server {
	return &Server{router: r, ledger: l, stops: stops, hub: hub}
}

// Handler 组装 gin 路由
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	api := r.Group("/api")
	api.POST("/orders", s.handleSubmitOrder)
	api.POST("/orders/:orderID/cancel", s.handleCancelOrder)
	api.GET("/orders/:orderID", s.handleGetOrder)
	api.GET("/orders", s.handleOpenOrders)
	api.GET("/positions", s.handleOpenPositions)
	api.GET("/positions/:positionID", s.handleGetPosition)
	api.POST("/positions/:positionID/trailing-stop", s.handleConfigureStop)
	api.DELETE("/positions/:positionID/trailing-stop", s.handleDisableStop)

	if s.hub != nil {
		r.GET("/ws", func(c *gin.Context) { s.hub.HandleWS(c.Writer, c.Request) })
	}
	return r
}

type submitOrderRequest struct {
	AccountID  string   `json:"account_id"`
	StrategyID string   `json:"strategy_id"`
	Symbol     string   `json:"symbol"`
	Side       string   `json:"side"`
	Quantity   int64    `json:"quantity"`
	Kind       string   `json:"kind"`
	LimitPrice *float64 `json:"limit_price"`
	StopPrice  *float64 `json:"stop_price"`
	Mode       string   `json:"mode"`
}

func (s *Server) handleSubmitOrder(c *gin.Context) {
	var req submitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	order, err := s.router.Submit(c.Request.Context(), router.Request{
		AccountID:  req.AccountID,
		StrategyID: req.StrategyID,
		Symbol:     req.Symbol,
		Side:       domain.Side(req.Side),
		Quantity:   req.Quantity,
		Kind:       domain.OrderKind(req.Kind),
		LimitPrice: req.LimitPrice,
		StopPrice:  req.StopPrice,
		Mode:       domain.TradingMode(req.Mode),
	})
	if err != nil {
		status := statusForError(err)
		// 连接器/映射拒绝时订单已落库，一并返回便于审计
		if order != nil {
			c.JSON(status, gin.H{"error": err.Error(), "order": order})
			return
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	cancelled, err := s.router.Cancel(c.Request.Context(), c.Param("orderID"))
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

func (s *Server) handleGetOrder(c *gin.Context) {
	order, err := s.router.GetOrder(c.Param("orderID"))
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) handleOpenOrders(c *gin.Context) {
	c.JSON(http.StatusOK, s.router.OpenOrders())
}

func (s *Server) handleOpenPositions(c *gin.Context) {
	mode := domain.TradingMode(c.Query("mode"))
	c.JSON(http.StatusOK, s.ledger.OpenPositions(mode))
}

func (s *Server) handleGetPosition(c *gin.Context) {
	pos, err := s.ledger.Get(c.Param("positionID"))
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, pos)
}

type configureStopRequest struct {
	Percent      float64 `json:"percent"`
	CurrentPrice float64 `json:"current_price"`
}

func (s *Server) handleConfigureStop(c *gin.Context) {
	var req configureStopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.stops.Configure(c.Param("positionID"), req.Percent, req.CurrentPrice); err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	pos, err := s.ledger.Get(c.Param("positionID"))
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, pos)
}

func (s *Server) handleDisableStop(c *gin.Context) {
	if err := s.stops.Disable(c.Param("positionID")); err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// statusForError 错误分类 -> HTTP 状态码
func statusForError(err error) int {
	var ve *domain.ValidationError
	var nf *domain.NotFoundError
	var cu *domain.ConnectorUnavailableError
	var me *domain.MappingError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.As(err, &cu), errors.As(err, &me):
		return http.StatusUnprocessableEntity
	default:
		log.Errorf("内部错误: %v", err)
		return http.StatusInternalServerError
	}
}
