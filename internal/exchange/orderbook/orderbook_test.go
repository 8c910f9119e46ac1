package orderbook

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearbook/exchange/internal/exchange/model"
)

func restingOrder(side model.Side, price, qty string) *model.Order {
	p, _ := decimal.NewFromString(price)
	q, _ := decimal.NewFromString(qty)
	return &model.Order{
		ID:         uuid.New(),
		ClientID:   "client-1",
		Instrument: "BTC-USD",
		Side:       side,
		Type:       model.TypeLimit,
		Price:      p,
		Quantity:   q,
		Status:     model.StatusOpen,
		CreatedAt:  time.Now(),
	}
}

func TestInsertKeepsTimePriorityWithinLevel(t *testing.T) {
	ob := New("BTC-USD")
	first := restingOrder(model.SideSell, "69900", "0.5")
	second := restingOrder(model.SideSell, "69900", "0.7")
	ob.Insert(first)
	ob.Insert(second)

	queue := ob.OrdersAt(model.SideSell, decimal.NewFromInt(69900))
	require.Len(t, queue, 2)
	assert.Equal(t, first.ID, queue[0].ID)
	assert.Equal(t, second.ID, queue[1].ID)
}

func TestPricesAreBestFirst(t *testing.T) {
	ob := New("BTC-USD")
	for _, p := range []string{"69950", "69900", "70000"} {
		ob.Insert(restingOrder(model.SideSell, p, "1"))
		ob.Insert(restingOrder(model.SideBuy, p, "1"))
	}

	asks := ob.Prices(model.SideSell)
	require.Len(t, asks, 3)
	assert.True(t, asks[0].Equal(decimal.NewFromInt(69900)))
	assert.True(t, asks[2].Equal(decimal.NewFromInt(70000)))

	bids := ob.Prices(model.SideBuy)
	require.Len(t, bids, 3)
	assert.True(t, bids[0].Equal(decimal.NewFromInt(70000)))
	assert.True(t, bids[2].Equal(decimal.NewFromInt(69900)))
}

func TestRemoveDeletesEmptyLevel(t *testing.T) {
	ob := New("BTC-USD")
	order := restingOrder(model.SideBuy, "69800", "1")
	ob.Insert(order)

	require.True(t, ob.Remove(order.ID))
	assert.Empty(t, ob.Prices(model.SideBuy))
	assert.Zero(t, ob.Len())

	assert.False(t, ob.Remove(order.ID), "second remove must report not found")
}

func TestRemoveKeepsLevelWithRemainingOrders(t *testing.T) {
	ob := New("BTC-USD")
	first := restingOrder(model.SideBuy, "69800", "1")
	second := restingOrder(model.SideBuy, "69800", "2")
	ob.Insert(first)
	ob.Insert(second)

	require.True(t, ob.Remove(first.ID))
	queue := ob.OrdersAt(model.SideBuy, decimal.NewFromInt(69800))
	require.Len(t, queue, 1)
	assert.Equal(t, second.ID, queue[0].ID)
}

func TestBestPrice(t *testing.T) {
	ob := New("BTC-USD")
	_, ok := ob.BestPrice(model.SideBuy)
	assert.False(t, ok)

	ob.Insert(restingOrder(model.SideBuy, "69800", "1"))
	ob.Insert(restingOrder(model.SideBuy, "69900", "1"))
	ob.Insert(restingOrder(model.SideSell, "70100", "1"))
	ob.Insert(restingOrder(model.SideSell, "70050", "1"))

	bid, ok := ob.BestPrice(model.SideBuy)
	require.True(t, ok)
	assert.True(t, bid.Equal(decimal.NewFromInt(69900)))

	ask, ok := ob.BestPrice(model.SideSell)
	require.True(t, ok)
	assert.True(t, ask.Equal(decimal.NewFromInt(70050)))
}

// The snapshot's aggregate quantity per level must always equal the sum
// of the level's orders' remaining quantities, whatever the insert
// sequence.
func TestSnapshotAggregatesOpenQuantity(t *testing.T) {
	ob := New("BTC-USD")
	for i := 0; i < 10; i++ {
		price := fmt.Sprintf("%d", 69900+(i%3)*10)
		order := restingOrder(model.SideSell, price, "1.5")
		if i%2 == 0 {
			order.FilledQuantity = decimal.RequireFromString("0.5")
		}
		ob.Insert(order)
	}

	snap := ob.Snapshot(0)
	require.Len(t, snap.Asks, 3)
	for _, level := range snap.Asks {
		expected := decimal.Zero
		queue := ob.OrdersAt(model.SideSell, level.Price)
		for _, o := range queue {
			expected = expected.Add(o.Remaining())
		}
		assert.True(t, level.Quantity.Equal(expected),
			"level %s: snapshot %s != sum of remainders %s", level.Price, level.Quantity, expected)
		assert.Equal(t, len(queue), level.Orders)
	}
}

func TestSnapshotTruncatesPerSide(t *testing.T) {
	ob := New("BTC-USD")
	for i := 0; i < 5; i++ {
		ob.Insert(restingOrder(model.SideBuy, fmt.Sprintf("%d", 69800+i), "1"))
		ob.Insert(restingOrder(model.SideSell, fmt.Sprintf("%d", 70000+i), "1"))
	}

	snap := ob.Snapshot(2)
	require.Len(t, snap.Bids, 2)
	require.Len(t, snap.Asks, 2)
	// Best price first on both sides.
	assert.True(t, snap.Bids[0].Price.Equal(decimal.NewFromInt(69804)))
	assert.True(t, snap.Asks[0].Price.Equal(decimal.NewFromInt(70000)))
}
