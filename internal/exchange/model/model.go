package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clearbook/exchange/internal/exchange/errs"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType distinguishes limit and market orders.
type OrderType string

const (
	TypeLimit  OrderType = "limit"
	TypeMarket OrderType = "market"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool { return t == TypeLimit || t == TypeMarket }

// Status is the order lifecycle state. The transition graph is closed:
// pending may move to any first-pass outcome, open/partially_filled may
// advance toward filled or be cancelled, and terminal states never change.
type Status string

const (
	StatusPending         Status = "pending"
	StatusOpen            Status = "open"
	StatusPartiallyFilled Status = "partially_filled"
	StatusFilled          Status = "filled"
	StatusCancelled       Status = "cancelled"
	StatusRejected        Status = "rejected"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

var statusTransitions = map[Status][]Status{
	StatusPending:         {StatusRejected, StatusOpen, StatusPartiallyFilled, StatusFilled},
	StatusOpen:            {StatusPartiallyFilled, StatusFilled, StatusCancelled},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusCancelled},
}

// ValidateTransition returns an InvalidTransitionError unless from -> to is
// an edge of the status state machine.
func ValidateTransition(from, to Status) error {
	for _, next := range statusTransitions[from] {
		if next == to {
			return nil
		}
	}
	return &errs.InvalidTransitionError{From: string(from), To: string(to)}
}

// Order is a trading order. It is created pending by the order service and
// mutated only by the matching engine, or by an explicit cancel, until it
// reaches a terminal status.
type Order struct {
	ID             uuid.UUID       `json:"order_id" gorm:"column:order_id;type:uuid;primaryKey"`
	ClientID       string          `json:"client_id" gorm:"index;not null"`
	Instrument     string          `json:"instrument" gorm:"index:idx_orders_book,priority:1;not null"`
	Side           Side            `json:"side" gorm:"type:varchar(4);not null"`
	Type           OrderType       `json:"type" gorm:"type:varchar(6);not null"`
	Price          decimal.Decimal `json:"price" gorm:"type:decimal(20,8)"`
	Quantity       decimal.Decimal `json:"quantity" gorm:"type:decimal(20,8);not null"`
	FilledQuantity decimal.Decimal `json:"filled_quantity" gorm:"type:decimal(20,8);not null"`
	Status         Status          `json:"status" gorm:"index:idx_orders_book,priority:2;type:varchar(16);not null"`
	Version        int64           `json:"version" gorm:"not null;default:0"`
	CreatedAt      time.Time       `json:"created_at" gorm:"index:idx_orders_book,priority:3"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Remaining is the open quantity still available to match.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// StatusForFill derives the order's status once filled is its total
// executed quantity at the end of a matching pass. Market orders that
// matched nothing are rejected; any fill on a market order is final
// because the remainder is voided, never rested.
func (o *Order) StatusForFill(filled decimal.Decimal) Status {
	switch {
	case o.Type == TypeMarket && filled.IsZero():
		return StatusRejected
	case o.Type == TypeMarket:
		return StatusFilled
	case filled.GreaterThanOrEqual(o.Quantity):
		return StatusFilled
	case filled.IsPositive():
		return StatusPartiallyFilled
	default:
		return StatusOpen
	}
}

// Trade is one execution between a buy and a sell order. The ledger is
// append-only; a trade is never updated after creation.
type Trade struct {
	ID          uuid.UUID       `json:"trade_id" gorm:"column:trade_id;type:uuid;primaryKey"`
	Instrument  string          `json:"instrument" gorm:"index;not null"`
	BuyOrderID  uuid.UUID       `json:"buy_order_id" gorm:"type:uuid;index;not null"`
	SellOrderID uuid.UUID       `json:"sell_order_id" gorm:"type:uuid;index;not null"`
	Price       decimal.Decimal `json:"price" gorm:"type:decimal(20,8);not null"`
	Quantity    decimal.Decimal `json:"quantity" gorm:"type:decimal(20,8);not null"`
	CreatedAt   time.Time       `json:"timestamp" gorm:"index"`
}

// IdempotencyRecord pins a client-supplied key to the order it created.
// Written once; reuse of the key is allowed again only after ExpiresAt.
type IdempotencyRecord struct {
	Key       string          `json:"key" gorm:"primaryKey;type:varchar(128)"`
	OrderID   uuid.UUID       `json:"order_id" gorm:"type:uuid;not null"`
	Response  json.RawMessage `json:"response" gorm:"type:text"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at" gorm:"index;not null"`
}

// Expired reports whether the record's TTL has passed at time now.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// BookLevel is one aggregated price level of a depth snapshot.
type BookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

// BookSnapshot is a point-in-time view of the order book, best price first
// on both sides.
type BookSnapshot struct {
	Instrument string      `json:"instrument"`
	Bids       []BookLevel `json:"bids"`
	Asks       []BookLevel `json:"asks"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Truncate returns a copy of the snapshot limited to the given number of
// levels per side. levels <= 0 means no truncation.
func (s *BookSnapshot) Truncate(levels int) *BookSnapshot {
	out := &BookSnapshot{Instrument: s.Instrument, Timestamp: s.Timestamp, Bids: s.Bids, Asks: s.Asks}
	if levels > 0 {
		if len(out.Bids) > levels {
			out.Bids = out.Bids[:levels]
		}
		if len(out.Asks) > levels {
			out.Asks = out.Asks[:levels]
		}
	}
	return out
}
