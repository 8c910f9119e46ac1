// Package service implements the order admission layer: validation,
// idempotency and the initial pending persistence write, in front of the
// matching engine.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/clearbook/exchange/internal/exchange/errs"
	"github.com/clearbook/exchange/internal/exchange/model"
	"github.com/clearbook/exchange/pkg/metrics"
)

// Matcher is the slice of the engine the service depends on. The engine
// never calls back into the service.
type Matcher interface {
	Instrument() string
	Submit(ctx context.Context, order *model.Order) error
	Cancel(ctx context.Context, orderID uuid.UUID) (*model.Order, error)
	Snapshot(levels int) *model.BookSnapshot
	Rebuild(ctx context.Context) error
}

// SubmitRequest is an admission request. Price is nil for market orders.
type SubmitRequest struct {
	ClientID       string
	Side           model.Side
	Type           model.OrderType
	Price          *decimal.Decimal
	Quantity       decimal.Decimal
	IdempotencyKey string
}

// SubmitResult acknowledges admission. Matching happens asynchronously;
// the caller learns the outcome through events or polling.
type SubmitResult struct {
	OrderID uuid.UUID    `json:"order_id"`
	Status  model.Status `json:"status"`
}

// CancelResult is the synchronous outcome of a cancellation.
type CancelResult struct {
	OrderID        uuid.UUID       `json:"order_id"`
	Status         model.Status    `json:"status"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
}

// Service is the order admission layer.
type Service struct {
	repo           model.Repository
	engine         Matcher
	logger         *zap.Logger
	idempotencyTTL time.Duration
}

// NewService creates the admission layer. ttl bounds idempotency key
// reuse; zero selects the 24h default.
func NewService(repo model.Repository, engine Matcher, logger *zap.Logger, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{repo: repo, engine: engine, logger: logger, idempotencyTTL: ttl}
}

// SubmitOrder validates the request, enforces idempotency, persists the
// order as pending and hands it to the engine. It returns as soon as the
// pending write is durable; it never waits for matching.
func (s *Service) SubmitOrder(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := validate(req); err != nil {
		metrics.OrdersRejected.WithLabelValues("validation_error").Inc()
		return nil, err
	}

	if req.IdempotencyKey != "" {
		record, err := s.repo.GetIdempotencyRecord(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("check idempotency key: %w", err)
		}
		if record != nil && !record.Expired(time.Now().UTC()) {
			s.logger.Warn("idempotency key conflict",
				zap.String("key", req.IdempotencyKey),
				zap.String("order_id", record.OrderID.String()))
			return nil, &errs.IdempotencyConflictError{Key: req.IdempotencyKey, OrderID: record.OrderID}
		}
	}

	now := time.Now().UTC()
	order := &model.Order{
		ID:             uuid.New(),
		ClientID:       req.ClientID,
		Instrument:     s.engine.Instrument(),
		Side:           req.Side,
		Type:           req.Type,
		Quantity:       req.Quantity,
		FilledQuantity: decimal.Zero,
		Status:         model.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.Price != nil {
		order.Price = *req.Price
	}
	result := &SubmitResult{OrderID: order.ID, Status: model.StatusPending}

	// The pending order and the key claim commit together: a losing
	// concurrent writer rolls back both and surfaces the conflict.
	err := s.repo.ExecuteInTransaction(ctx, func(tx *gorm.DB) error {
		if err := s.repo.CreateOrderTx(ctx, tx, order); err != nil {
			return err
		}
		if req.IdempotencyKey == "" {
			return nil
		}
		snapshot, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal response snapshot: %w", err)
		}
		return s.repo.ClaimIdempotencyKeyTx(ctx, tx, &model.IdempotencyRecord{
			Key:       req.IdempotencyKey,
			OrderID:   order.ID,
			Response:  snapshot,
			CreatedAt: now,
			ExpiresAt: now.Add(s.idempotencyTTL),
		})
	})
	if err != nil {
		if errors.Is(err, errs.ErrKeyClaimed) {
			return nil, s.conflictForClaimedKey(ctx, req.IdempotencyKey)
		}
		return nil, fmt.Errorf("persist pending order: %w", err)
	}

	if err := s.engine.Submit(ctx, order); err != nil {
		return nil, fmt.Errorf("submit order to engine: %w", err)
	}

	metrics.OrdersReceived.WithLabelValues(string(req.Type), string(req.Side)).Inc()
	s.logger.Info("order submitted",
		zap.String("order_id", order.ID.String()),
		zap.String("client_id", order.ClientID),
		zap.String("side", string(order.Side)),
		zap.String("type", string(order.Type)),
		zap.String("quantity", order.Quantity.String()))
	return result, nil
}

// conflictForClaimedKey resolves the losing side of a key race to the
// same conflict the loser would have seen on a plain recheck.
func (s *Service) conflictForClaimedKey(ctx context.Context, key string) error {
	record, err := s.repo.GetIdempotencyRecord(ctx, key)
	if err != nil || record == nil {
		return &errs.IdempotencyConflictError{Key: key}
	}
	return &errs.IdempotencyConflictError{Key: key, OrderID: record.OrderID}
}

// GetOrder returns the order or errs.ErrOrderNotFound.
func (s *Service) GetOrder(ctx context.Context, orderID uuid.UUID) (*model.Order, error) {
	return s.repo.GetOrderByID(ctx, orderID)
}

// ListOrders returns recent orders for the instrument.
func (s *Service) ListOrders(ctx context.Context, filter model.OrderFilter) ([]*model.Order, error) {
	return s.repo.ListOrders(ctx, s.engine.Instrument(), filter)
}

// CancelOrder routes the cancellation through the engine's sequencer and
// reports the final state, including any fill settled before the cancel.
func (s *Service) CancelOrder(ctx context.Context, orderID uuid.UUID) (*CancelResult, error) {
	order, err := s.engine.Cancel(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &CancelResult{
		OrderID:        order.ID,
		Status:         order.Status,
		FilledQuantity: order.FilledQuantity,
	}, nil
}

// GetOrderbook serves a depth snapshot truncated to levels per side.
func (s *Service) GetOrderbook(levels int) *model.BookSnapshot {
	return s.engine.Snapshot(levels)
}

// GetRecentTrades returns the newest entries of the trade ledger.
func (s *Service) GetRecentTrades(ctx context.Context, limit int) ([]*model.Trade, error) {
	return s.repo.GetRecentTrades(ctx, s.engine.Instrument(), limit)
}

// GetTradesByOrder returns the trades an order participated in.
func (s *Service) GetTradesByOrder(ctx context.Context, orderID uuid.UUID) ([]*model.Trade, error) {
	return s.repo.GetTradesByOrder(ctx, orderID)
}

// RebuildBook re-runs engine recovery. Admin surface only.
func (s *Service) RebuildBook(ctx context.Context) error {
	return s.engine.Rebuild(ctx)
}

// RunIdempotencyJanitor sweeps expired idempotency records every interval
// until ctx is done. Expiry is not latency sensitive and runs without any
// synchronization with the sequencer.
func (s *Service) RunIdempotencyJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := s.repo.DeleteExpiredIdempotencyRecords(ctx, time.Now().UTC())
			if err != nil {
				s.logger.Error("idempotency sweep failed", zap.Error(err))
				continue
			}
			if purged > 0 {
				metrics.IdempotencyRecordsPurged.Add(float64(purged))
				s.logger.Info("expired idempotency records purged", zap.Int64("count", purged))
			}
		}
	}
}

const (
	maxPriceDecimals    = 2
	maxQuantityDecimals = 8
)

// validate checks every admission rule and reports all violations at
// once.
func validate(req SubmitRequest) error {
	var violations []string
	if req.ClientID == "" {
		violations = append(violations, "client_id is required")
	}
	if !req.Side.Valid() {
		violations = append(violations, `side must be "buy" or "sell"`)
	}
	if !req.Type.Valid() {
		violations = append(violations, `type must be "limit" or "market"`)
	}
	switch req.Type {
	case model.TypeLimit:
		if req.Price == nil || !req.Price.IsPositive() {
			violations = append(violations, "price must be positive for limit orders")
		} else if !withinDecimals(*req.Price, maxPriceDecimals) {
			violations = append(violations, "price precision cannot exceed 2 decimal places")
		}
	case model.TypeMarket:
		if req.Price != nil {
			violations = append(violations, "price must be absent for market orders")
		}
	}
	if !req.Quantity.IsPositive() {
		violations = append(violations, "quantity must be positive")
	} else if !withinDecimals(req.Quantity, maxQuantityDecimals) {
		violations = append(violations, "quantity precision cannot exceed 8 decimal places")
	}
	if len(violations) > 0 {
		return &errs.ValidationError{Violations: violations}
	}
	return nil
}

func withinDecimals(d decimal.Decimal, places int32) bool {
	return d.Equal(d.Truncate(places))
}
