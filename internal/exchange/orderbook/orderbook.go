// Package orderbook implements the per-instrument in-memory book of
// resting liquidity. The book is a derived cache over persisted orders:
// it is owned and mutated exclusively by the matching engine's sequencer
// and can always be rebuilt from the durable store.
package orderbook

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/clearbook/exchange/internal/exchange/model"
)

// priceLevel holds the FIFO queue of resting orders at one price. Arrival
// order is time priority; the level is removed as soon as its queue drains.
type priceLevel struct {
	price  decimal.Decimal
	orders []*model.Order
}

func (pl *priceLevel) openQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, o := range pl.orders {
		total = total.Add(o.Remaining())
	}
	return total
}

func byPrice(a, b *priceLevel) bool { return a.price.LessThan(b.price) }

// OrderBook keeps bids and asks in price-sorted B-trees of FIFO levels.
// A price appears in at most one level per side.
type OrderBook struct {
	instrument string
	bids       *btree.BTreeG[*priceLevel]
	asks       *btree.BTreeG[*priceLevel]
}

// New returns an empty book for the instrument.
func New(instrument string) *OrderBook {
	return &OrderBook{
		instrument: instrument,
		bids:       btree.NewBTreeG(byPrice),
		asks:       btree.NewBTreeG(byPrice),
	}
}

// Instrument returns the instrument this book serves.
func (ob *OrderBook) Instrument() string { return ob.instrument }

func (ob *OrderBook) side(s model.Side) *btree.BTreeG[*priceLevel] {
	if s == model.SideBuy {
		return ob.bids
	}
	return ob.asks
}

// Insert appends a resting order to its side and price level, preserving
// time priority within the level. Callers never insert market orders or
// fully filled orders.
func (ob *OrderBook) Insert(order *model.Order) {
	tree := ob.side(order.Side)
	if level, ok := tree.Get(&priceLevel{price: order.Price}); ok {
		level.orders = append(level.orders, order)
		return
	}
	tree.Set(&priceLevel{price: order.Price, orders: []*model.Order{order}})
}

// Remove deletes the order from whichever side holds it and reports
// whether it was found. The scan is linear across both sides: cancels are
// rare relative to matches, so the book carries no id index.
func (ob *OrderBook) Remove(orderID uuid.UUID) bool {
	for _, tree := range []*btree.BTreeG[*priceLevel]{ob.bids, ob.asks} {
		var hit *priceLevel
		idx := -1
		tree.Scan(func(level *priceLevel) bool {
			for i, o := range level.orders {
				if o.ID == orderID {
					hit, idx = level, i
					return false
				}
			}
			return true
		})
		if hit == nil {
			continue
		}
		hit.orders = append(hit.orders[:idx], hit.orders[idx+1:]...)
		if len(hit.orders) == 0 {
			tree.Delete(hit)
		}
		return true
	}
	return false
}

// Prices enumerates the side's distinct prices best-first: descending for
// bids, ascending for asks. That is exactly the crossing order a taker on
// the opposite side walks.
func (ob *OrderBook) Prices(side model.Side) []decimal.Decimal {
	tree := ob.side(side)
	prices := make([]decimal.Decimal, 0, tree.Len())
	iter := func(level *priceLevel) bool {
		prices = append(prices, level.price)
		return true
	}
	if side == model.SideBuy {
		tree.Reverse(iter)
	} else {
		tree.Scan(iter)
	}
	return prices
}

// OrdersAt returns the FIFO queue at the given side and price, earliest
// arrival first. The returned slice is a copy; the orders are shared.
func (ob *OrderBook) OrdersAt(side model.Side, price decimal.Decimal) []*model.Order {
	level, ok := ob.side(side).Get(&priceLevel{price: price})
	if !ok {
		return nil
	}
	out := make([]*model.Order, len(level.orders))
	copy(out, level.orders)
	return out
}

// BestPrice returns the side's best price, if the side has liquidity.
func (ob *OrderBook) BestPrice(side model.Side) (decimal.Decimal, bool) {
	tree := ob.side(side)
	var level *priceLevel
	var ok bool
	if side == model.SideBuy {
		level, ok = tree.Max()
	} else {
		level, ok = tree.Min()
	}
	if !ok {
		return decimal.Zero, false
	}
	return level.price, true
}

// Len reports the total number of resting orders on both sides.
func (ob *OrderBook) Len() int {
	n := 0
	iter := func(level *priceLevel) bool {
		n += len(level.orders)
		return true
	}
	ob.bids.Scan(iter)
	ob.asks.Scan(iter)
	return n
}

// Snapshot aggregates the book into per-level depth, best price first on
// both sides, truncated to levels entries per side. levels <= 0 returns
// the full depth.
func (ob *OrderBook) Snapshot(levels int) *model.BookSnapshot {
	snap := &model.BookSnapshot{
		Instrument: ob.instrument,
		Bids:       make([]model.BookLevel, 0, levels),
		Asks:       make([]model.BookLevel, 0, levels),
		Timestamp:  time.Now().UTC(),
	}
	collect := func(dst *[]model.BookLevel) func(*priceLevel) bool {
		return func(level *priceLevel) bool {
			*dst = append(*dst, model.BookLevel{
				Price:    level.price,
				Quantity: level.openQuantity(),
				Orders:   len(level.orders),
			})
			return levels <= 0 || len(*dst) < levels
		}
	}
	ob.bids.Reverse(collect(&snap.Bids))
	ob.asks.Scan(collect(&snap.Asks))
	return snap
}
