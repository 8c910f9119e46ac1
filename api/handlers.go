package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/clearbook/exchange/internal/exchange/errs"
	"github.com/clearbook/exchange/internal/exchange/model"
	"github.com/clearbook/exchange/internal/exchange/service"
)

// submitOrderRequest is the wire shape of an order submission. Numeric
// fields arrive as strings so price and quantity precision survive JSON.
type submitOrderRequest struct {
	ClientID       string `json:"client_id" validate:"required"`
	Side           string `json:"side" validate:"required,oneof=buy sell"`
	Type           string `json:"type" validate:"required,oneof=limit market"`
	Price          string `json:"price,omitempty"`
	Quantity       string `json:"quantity" validate:"required"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

func (s *Server) submitOrder(c *gin.Context) {
	var req submitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := validate.Struct(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	quantity, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "quantity must be a decimal number"})
		return
	}
	var price *decimal.Decimal
	if req.Price != "" {
		p, err := decimal.NewFromString(req.Price)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "price must be a decimal number"})
			return
		}
		price = &p
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	result, err := s.svc.SubmitOrder(c.Request.Context(), service.SubmitRequest{
		ClientID:       req.ClientID,
		Side:           model.Side(req.Side),
		Type:           model.OrderType(req.Type),
		Price:          price,
		Quantity:       quantity,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (s *Server) getOrder(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "order id must be a uuid"})
		return
	}
	order, err := s.svc.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) listOrders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	orders, err := s.svc.ListOrders(c.Request.Context(), model.OrderFilter{
		ClientID: c.Query("client_id"),
		Status:   model.Status(c.Query("status")),
		Limit:    limit,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) cancelOrder(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "order id must be a uuid"})
		return
	}
	result, err := s.svc.CancelOrder(c.Request.Context(), orderID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) getOrderbook(c *gin.Context) {
	levels, err := strconv.Atoi(c.DefaultQuery("levels", "20"))
	if err != nil || levels < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "levels must be a non-negative integer"})
		return
	}
	c.JSON(http.StatusOK, s.svc.GetOrderbook(levels))
}

func (s *Server) getRecentTrades(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	trades, err := s.svc.GetRecentTrades(c.Request.Context(), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) getTradesByOrder(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("order_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "order id must be a uuid"})
		return
	}
	trades, err := s.svc.GetTradesByOrder(c.Request.Context(), orderID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) rebuildBook(c *gin.Context) {
	if err := s.svc.RebuildBook(c.Request.Context()); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rebuilt"})
}

func (s *Server) getStats(c *gin.Context) {
	snap := s.svc.GetOrderbook(0)
	c.JSON(http.StatusOK, gin.H{
		"instrument": snap.Instrument,
		"bid_levels": len(snap.Bids),
		"ask_levels": len(snap.Asks),
		"timestamp":  snap.Timestamp,
	})
}

// writeError maps the domain error taxonomy onto HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	var validationErr *errs.ValidationError
	var conflictErr *errs.IdempotencyConflictError
	var transitionErr *errs.InvalidTransitionError
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":      "validation failed",
			"violations": validationErr.Violations,
		})
	case errors.As(err, &conflictErr):
		c.JSON(http.StatusConflict, gin.H{
			"error":    "idempotency key already used",
			"order_id": conflictErr.OrderID,
		})
	case errors.As(err, &transitionErr):
		c.JSON(http.StatusConflict, gin.H{"error": transitionErr.Error()})
	case errors.Is(err, errs.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
	case errors.Is(err, errs.ErrEngineStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "engine unavailable"})
	default:
		s.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
