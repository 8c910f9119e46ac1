// Package api exposes the exchange over HTTP and WebSocket. Transport
// concerns only; admission rules live in the order service.
package api

import (
	"context"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/clearbook/exchange/internal/exchange/service"
	"github.com/clearbook/exchange/internal/ws"
)

var validate = validator.New()

// Server is the HTTP front of the exchange.
type Server struct {
	router      *gin.Engine
	logger      *zap.Logger
	svc         *service.Service
	broadcaster *ws.Broadcaster
	httpServer  *http.Server
}

// NewServer wires routes over the injected service and broadcaster.
func NewServer(logger *zap.Logger, svc *service.Service, broadcaster *ws.Broadcaster) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))

	s := &Server{router: router, logger: logger, svc: svc, broadcaster: broadcaster}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", gin.WrapH(broadcaster))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", s.submitOrder)
		v1.GET("/orders", s.listOrders)
		v1.GET("/orders/:id", s.getOrder)
		v1.DELETE("/orders/:id", s.cancelOrder)
		v1.GET("/orderbook", s.getOrderbook)
		v1.GET("/trades", s.getRecentTrades)
		v1.GET("/trades/:order_id", s.getTradesByOrder)

		admin := v1.Group("/admin")
		admin.POST("/rebuild", s.rebuildBook)
		admin.GET("/stats", s.getStats)
	}
	return s
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine { return s.router }

// Run serves until the listener fails.
func (s *Server) Run(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("http server listening", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
