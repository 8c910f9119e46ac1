// Package repository implements the persistence gateway on GORM.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/clearbook/exchange/internal/exchange/errs"
	"github.com/clearbook/exchange/internal/exchange/model"
)

// GormRepository implements model.Repository against any GORM-supported
// database. The database must enforce primary-key uniqueness on
// idempotency keys; the claim path relies on it to resolve races.
type GormRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormRepository creates a GORM-backed repository.
func NewGormRepository(db *gorm.DB, logger *zap.Logger) *GormRepository {
	return &GormRepository{db: db, logger: logger}
}

// CreateOrder persists a new order record.
func (r *GormRepository) CreateOrder(ctx context.Context, order *model.Order) error {
	return r.CreateOrderTx(ctx, r.db, order)
}

// CreateOrderTx persists a new order within the given transaction.
func (r *GormRepository) CreateOrderTx(ctx context.Context, tx *gorm.DB, order *model.Order) error {
	if err := tx.WithContext(ctx).Create(order).Error; err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	r.logger.Debug("order created", zap.String("order_id", order.ID.String()))
	return nil
}

// GetOrderByID retrieves one order, or errs.ErrOrderNotFound.
func (r *GormRepository) GetOrderByID(ctx context.Context, orderID uuid.UUID) (*model.Order, error) {
	var order model.Order
	if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return &order, nil
}

// ListOrders returns orders for the instrument, newest first, narrowed by
// the filter.
func (r *GormRepository) ListOrders(ctx context.Context, instrument string, filter model.OrderFilter) ([]*model.Order, error) {
	q := r.db.WithContext(ctx).Where("instrument = ?", instrument)
	if filter.ClientID != "" {
		q = q.Where("client_id = ?", filter.ClientID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var orders []*model.Order
	if err := q.Order("created_at DESC").Limit(limit).Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

// GetOpenOrders returns open and partially filled orders for the
// instrument, oldest first.
func (r *GormRepository) GetOpenOrders(ctx context.Context, instrument string) ([]*model.Order, error) {
	var orders []*model.Order
	err := r.db.WithContext(ctx).
		Where("instrument = ? AND status IN ?", instrument,
			[]model.Status{model.StatusOpen, model.StatusPartiallyFilled}).
		Order("created_at ASC").
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("get open orders: %w", err)
	}
	return orders, nil
}

// UpdateOrderStatus updates only the status, bumping the version.
func (r *GormRepository) UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, status model.Status) error {
	result := r.db.WithContext(ctx).Model(&model.Order{}).
		Where("order_id = ?", orderID).
		Updates(map[string]interface{}{
			"status":     status,
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("update order status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return errs.ErrOrderNotFound
	}
	return nil
}

// UpdateOrderStatusTx updates status and filled quantity within the given
// transaction.
func (r *GormRepository) UpdateOrderStatusTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, status model.Status, filledQty decimal.Decimal) error {
	result := tx.WithContext(ctx).Model(&model.Order{}).
		Where("order_id = ?", orderID).
		Updates(map[string]interface{}{
			"status":          status,
			"filled_quantity": filledQty,
			"version":         gorm.Expr("version + 1"),
			"updated_at":      time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("update order status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return errs.ErrOrderNotFound
	}
	return nil
}

// CreateTradeTx appends a trade to the ledger within the given
// transaction. Trades are never updated afterwards.
func (r *GormRepository) CreateTradeTx(ctx context.Context, tx *gorm.DB, trade *model.Trade) error {
	if err := tx.WithContext(ctx).Create(trade).Error; err != nil {
		return fmt.Errorf("create trade: %w", err)
	}
	return nil
}

// GetRecentTrades returns the latest trades for the instrument, newest
// first.
func (r *GormRepository) GetRecentTrades(ctx context.Context, instrument string, limit int) ([]*model.Trade, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var trades []*model.Trade
	err := r.db.WithContext(ctx).
		Where("instrument = ?", instrument).
		Order("created_at DESC").
		Limit(limit).
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("get recent trades: %w", err)
	}
	return trades, nil
}

// GetTradesByOrder returns every trade the order participated in, on
// either side.
func (r *GormRepository) GetTradesByOrder(ctx context.Context, orderID uuid.UUID) ([]*model.Trade, error) {
	var trades []*model.Trade
	err := r.db.WithContext(ctx).
		Where("buy_order_id = ? OR sell_order_id = ?", orderID, orderID).
		Order("created_at ASC").
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("get trades by order: %w", err)
	}
	return trades, nil
}

// GetIdempotencyRecord returns the record for the key, or
// gorm.ErrRecordNotFound mapped to a nil record.
func (r *GormRepository) GetIdempotencyRecord(ctx context.Context, key string) (*model.IdempotencyRecord, error) {
	var record model.IdempotencyRecord
	if err := r.db.WithContext(ctx).Where("key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	return &record, nil
}

// ClaimIdempotencyKeyTx inserts the record inside the caller's
// transaction. An expired record under the same key is swept first so the
// key becomes reusable; a live duplicate surfaces as errs.ErrKeyClaimed
// so a concurrent loser is handled, not crashed.
func (r *GormRepository) ClaimIdempotencyKeyTx(ctx context.Context, tx *gorm.DB, record *model.IdempotencyRecord) error {
	if err := tx.WithContext(ctx).
		Where("key = ? AND expires_at <= ?", record.Key, record.CreatedAt).
		Delete(&model.IdempotencyRecord{}).Error; err != nil {
		return fmt.Errorf("sweep expired idempotency key: %w", err)
	}
	if err := tx.WithContext(ctx).Create(record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return errs.ErrKeyClaimed
		}
		return fmt.Errorf("claim idempotency key: %w", err)
	}
	return nil
}

// DeleteExpiredIdempotencyRecords removes records whose TTL passed before
// now. Runs out-of-band; it never synchronizes with the sequencer.
func (r *GormRepository) DeleteExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&model.IdempotencyRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete expired idempotency records: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ExecuteInTransaction runs txFunc inside one database transaction.
func (r *GormRepository) ExecuteInTransaction(ctx context.Context, txFunc func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(txFunc)
}
