package model

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// OrderFilter narrows order listings.
type OrderFilter struct {
	ClientID string
	Status   Status
	Limit    int
}

// Repository is the durable store for orders, trades and idempotency
// records. All money amounts cross this boundary as decimals; the engine
// relies on ExecuteInTransaction plus the Tx variants to commit a whole
// matching pass atomically.
type Repository interface {
	CreateOrder(ctx context.Context, order *Order) error
	CreateOrderTx(ctx context.Context, tx *gorm.DB, order *Order) error
	GetOrderByID(ctx context.Context, orderID uuid.UUID) (*Order, error)
	ListOrders(ctx context.Context, instrument string, filter OrderFilter) ([]*Order, error)
	// GetOpenOrders returns open and partially filled orders for the
	// instrument, ordered by creation time ascending. Book recovery
	// depends on that ordering for time priority.
	GetOpenOrders(ctx context.Context, instrument string) ([]*Order, error)
	UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, status Status) error
	UpdateOrderStatusTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, status Status, filledQty decimal.Decimal) error

	CreateTradeTx(ctx context.Context, tx *gorm.DB, trade *Trade) error
	GetRecentTrades(ctx context.Context, instrument string, limit int) ([]*Trade, error)
	GetTradesByOrder(ctx context.Context, orderID uuid.UUID) ([]*Trade, error)

	GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error)
	// ClaimIdempotencyKeyTx inserts the record, replacing an expired one
	// with the same key. A live duplicate fails with errs.ErrKeyClaimed.
	ClaimIdempotencyKeyTx(ctx context.Context, tx *gorm.DB, record *IdempotencyRecord) error
	DeleteExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int64, error)

	ExecuteInTransaction(ctx context.Context, txFunc func(tx *gorm.DB) error) error
}

// EventSink receives order, trade and book-delta notifications from the
// matching engine. Delivery is best-effort and must never block the
// sequencer; implementations own their buffering and any enrichment.
type EventSink interface {
	PublishOrderUpdate(order *Order)
	PublishTrades(trades []*Trade)
	PublishBookDelta(snapshot *BookSnapshot)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) PublishOrderUpdate(*Order)      {}
func (NopSink) PublishTrades([]*Trade)         {}
func (NopSink) PublishBookDelta(*BookSnapshot) {}
