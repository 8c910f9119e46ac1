// Package engine implements the matching engine: a single sequencer per
// instrument that admits one order at a time, matches it against the book
// with price-time priority, and commits each pass atomically through the
// persistence gateway before touching the in-memory book.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/clearbook/exchange/internal/exchange/errs"
	"github.com/clearbook/exchange/internal/exchange/model"
	"github.com/clearbook/exchange/internal/exchange/orderbook"
	"github.com/clearbook/exchange/pkg/metrics"
)

// Config holds engine tuning knobs.
type Config struct {
	Instrument string
	// QueueSize bounds the submission queue; admission blocks when full.
	QueueSize int
}

type command interface{ isCommand() }

type submitCmd struct{ order *model.Order }

type cancelReply struct {
	order *model.Order
	err   error
}

type cancelCmd struct {
	orderID uuid.UUID
	reply   chan cancelReply
}

type rebuildCmd struct{ reply chan error }

func (submitCmd) isCommand()  {}
func (cancelCmd) isCommand()  {}
func (rebuildCmd) isCommand() {}

// fill is one planned execution against a resting maker. Plans are
// computed without mutating the book so a failed commit leaves the pass
// without a trace.
type fill struct {
	maker *model.Order
	qty   decimal.Decimal
	price decimal.Decimal
}

// Engine owns one order book and serializes every mutating operation for
// its instrument through a single goroutine. Matching is deterministic:
// commands are processed in arrival order and no two passes interleave.
type Engine struct {
	instrument string
	repo       model.Repository
	sink       model.EventSink
	logger     *zap.Logger

	book     *orderbook.OrderBook
	commands chan command
	depth    atomic.Pointer[model.BookSnapshot]

	ctx      context.Context
	cancelFn context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// New creates an engine instance. The caller owns its lifecycle: Start
// rebuilds the book from persisted truth and launches the sequencer,
// Stop drains it.
func New(cfg Config, repo model.Repository, sink model.EventSink, logger *zap.Logger) *Engine {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if sink == nil {
		sink = model.NopSink{}
	}
	return &Engine{
		instrument: cfg.Instrument,
		repo:       repo,
		sink:       sink,
		logger:     logger,
		book:       orderbook.New(cfg.Instrument),
		commands:   make(chan command, cfg.QueueSize),
		done:       make(chan struct{}),
	}
}

// Instrument returns the instrument this engine sequences.
func (e *Engine) Instrument() string { return e.instrument }

// Start recovers the book from the durable store and starts the
// sequencer. It must be called before the first Submit.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancelFn = context.WithCancel(ctx)
	if err := e.rebuild(e.ctx); err != nil {
		return fmt.Errorf("rebuild order book: %w", err)
	}
	go e.run()
	return nil
}

// Stop shuts the sequencer down after the current command finishes.
// Queued commands are abandoned; their orders remain pending and will be
// picked up by the next rebuild only once re-submitted.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.cancelFn()
		<-e.done
	})
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		select {
		case <-e.ctx.Done():
			return
		case cmd := <-e.commands:
			switch c := cmd.(type) {
			case submitCmd:
				e.processSubmit(c.order)
			case cancelCmd:
				order, err := e.processCancel(c.orderID)
				c.reply <- cancelReply{order: order, err: err}
			case rebuildCmd:
				c.reply <- e.rebuild(e.ctx)
			}
		}
	}
}

// Submit enqueues an order for matching and returns without waiting for
// the pass to complete; the admission caller already holds a pending
// acknowledgment. Match results are delivered through the event sink.
func (e *Engine) Submit(ctx context.Context, order *model.Order) error {
	select {
	case e.commands <- submitCmd{order: order}:
		return nil
	case <-e.ctx.Done():
		return errs.ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel routes the cancellation through the sequencer so it can never
// race an in-flight match on the same order, and waits for the outcome.
func (e *Engine) Cancel(ctx context.Context, orderID uuid.UUID) (*model.Order, error) {
	reply := make(chan cancelReply, 1)
	select {
	case e.commands <- cancelCmd{orderID: orderID, reply: reply}:
	case <-e.ctx.Done():
		return nil, errs.ErrEngineStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.order, r.err
	case <-e.done:
		return nil, errs.ErrEngineStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Rebuild re-runs recovery through the sequencer. Exposed for the admin
// surface; startup recovery happens in Start.
func (e *Engine) Rebuild(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case e.commands <- rebuildCmd{reply: reply}:
	case <-e.ctx.Done():
		return errs.ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-e.done:
		return errs.ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot serves the book's depth from the last published stable
// snapshot; readers never contend with the sequencer.
func (e *Engine) Snapshot(levels int) *model.BookSnapshot {
	snap := e.depth.Load()
	if snap == nil {
		return &model.BookSnapshot{Instrument: e.instrument, Timestamp: time.Now().UTC()}
	}
	return snap.Truncate(levels)
}

// processSubmit runs one full matching pass for the taker. Effects are
// committed in a single transaction; the book is mutated only after the
// commit succeeds, so a failed pass leaves it untouched.
func (e *Engine) processSubmit(taker *model.Order) {
	start := time.Now()
	fills := e.buildFills(taker)

	filled := taker.FilledQuantity
	for _, f := range fills {
		filled = filled.Add(f.qty)
	}
	status := taker.StatusForFill(filled)

	now := time.Now().UTC()
	var trades []*model.Trade
	err := e.repo.ExecuteInTransaction(e.ctx, func(tx *gorm.DB) error {
		trades = trades[:0]
		for _, f := range fills {
			trade := &model.Trade{
				ID:         uuid.New(),
				Instrument: e.instrument,
				Price:      f.price,
				Quantity:   f.qty,
				CreatedAt:  now,
			}
			if taker.Side == model.SideBuy {
				trade.BuyOrderID, trade.SellOrderID = taker.ID, f.maker.ID
			} else {
				trade.BuyOrderID, trade.SellOrderID = f.maker.ID, taker.ID
			}
			if err := e.repo.CreateTradeTx(e.ctx, tx, trade); err != nil {
				return err
			}
			trades = append(trades, trade)

			makerFilled := f.maker.FilledQuantity.Add(f.qty)
			if err := e.repo.UpdateOrderStatusTx(e.ctx, tx, f.maker.ID, f.maker.StatusForFill(makerFilled), makerFilled); err != nil {
				return err
			}
		}
		return e.repo.UpdateOrderStatusTx(e.ctx, tx, taker.ID, status, filled)
	})
	if err != nil {
		e.rejectFailedPass(taker, err)
		return
	}

	// Commit succeeded; now apply the pass to the book. A crash here is
	// benign because the book is rebuilt from persisted truth on startup.
	for _, f := range fills {
		f.maker.FilledQuantity = f.maker.FilledQuantity.Add(f.qty)
		f.maker.UpdatedAt = now
		if f.maker.Remaining().IsPositive() {
			f.maker.Status = model.StatusPartiallyFilled
		} else {
			f.maker.Status = model.StatusFilled
			e.book.Remove(f.maker.ID)
		}
	}
	taker.FilledQuantity = filled
	taker.Status = status
	taker.UpdatedAt = now
	if taker.Type == model.TypeLimit && !status.Terminal() {
		e.book.Insert(taker)
	}
	e.refreshDepth()

	if status == model.StatusRejected {
		e.logger.Info("market order rejected",
			zap.String("order_id", taker.ID.String()),
			zap.String("reason", errs.ReasonNoLiquidity))
		metrics.OrdersRejected.WithLabelValues(errs.ReasonNoLiquidity).Inc()
	}

	e.sink.PublishOrderUpdate(taker)
	for _, f := range fills {
		e.sink.PublishOrderUpdate(f.maker)
	}
	if len(trades) > 0 {
		e.sink.PublishTrades(trades)
		metrics.TradesExecuted.WithLabelValues(e.instrument).Add(float64(len(trades)))
	}
	e.sink.PublishBookDelta(e.depth.Load())

	metrics.OrdersMatched.WithLabelValues(string(taker.Side)).Inc()
	metrics.MatchingLatency.Observe(time.Since(start).Seconds())
	e.exportDepthMetrics()

	e.logger.Info("order matched",
		zap.String("order_id", taker.ID.String()),
		zap.String("status", string(status)),
		zap.String("filled_quantity", filled.String()),
		zap.Int("trades", len(trades)))
}

// buildFills walks the opposite side in crossing order and plans fills in
// level FIFO order without touching the book. Trades execute at the
// maker's price: the taker never pays worse than its own limit but may
// get price improvement.
func (e *Engine) buildFills(taker *model.Order) []fill {
	remaining := taker.Remaining()
	opposite := taker.Side.Opposite()
	var fills []fill
	for _, price := range e.book.Prices(opposite) {
		if !remaining.IsPositive() {
			break
		}
		if taker.Type == model.TypeLimit && !crosses(taker, price) {
			break
		}
		for _, maker := range e.book.OrdersAt(opposite, price) {
			if !remaining.IsPositive() {
				break
			}
			qty := decimal.Min(remaining, maker.Remaining())
			if !qty.IsPositive() {
				continue
			}
			fills = append(fills, fill{maker: maker, qty: qty, price: price})
			remaining = remaining.Sub(qty)
		}
	}
	return fills
}

// crosses reports whether a resting price is marketable against the
// taker's limit.
func crosses(taker *model.Order, price decimal.Decimal) bool {
	if taker.Side == model.SideBuy {
		return price.LessThanOrEqual(taker.Price)
	}
	return price.GreaterThanOrEqual(taker.Price)
}

// rejectFailedPass resolves a failed commit: the order is marked rejected
// outside the aborted transaction, the book stays untouched, and the
// sequencer moves on. One order's failure is never fatal to the engine.
func (e *Engine) rejectFailedPass(taker *model.Order, cause error) {
	e.logger.Error("matching pass failed",
		zap.String("order_id", taker.ID.String()),
		zap.Error(cause))
	metrics.OrdersRejected.WithLabelValues("persistence_failure").Inc()

	if err := e.repo.UpdateOrderStatus(e.ctx, taker.ID, model.StatusRejected); err != nil {
		e.logger.Error("failed to mark order rejected",
			zap.String("order_id", taker.ID.String()),
			zap.Error(err))
	}
	taker.Status = model.StatusRejected
	taker.UpdatedAt = time.Now().UTC()
	e.sink.PublishOrderUpdate(taker)
}

// processCancel handles a sequenced cancellation. An already cancelled
// order is a no-op success; any other terminal state refuses the
// transition. A partial fill settled before the cancel is preserved.
func (e *Engine) processCancel(orderID uuid.UUID) (*model.Order, error) {
	order, err := e.repo.GetOrderByID(e.ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status == model.StatusCancelled {
		return order, nil
	}
	if err := model.ValidateTransition(order.Status, model.StatusCancelled); err != nil {
		return nil, err
	}

	e.book.Remove(orderID)
	if err := e.repo.UpdateOrderStatus(e.ctx, orderID, model.StatusCancelled); err != nil {
		return nil, fmt.Errorf("persist cancellation: %w", err)
	}
	order.Status = model.StatusCancelled
	order.UpdatedAt = time.Now().UTC()
	e.refreshDepth()

	e.sink.PublishOrderUpdate(order)
	e.sink.PublishBookDelta(e.depth.Load())

	e.logger.Info("order cancelled",
		zap.String("order_id", orderID.String()),
		zap.String("filled_quantity", order.FilledQuantity.String()))
	return order, nil
}

// rebuild repopulates a fresh book from all open and partially filled
// orders, in creation order so time priority survives a restart. This is
// the only way the book is ever populated at startup.
func (e *Engine) rebuild(ctx context.Context) error {
	orders, err := e.repo.GetOpenOrders(ctx, e.instrument)
	if err != nil {
		return err
	}
	book := orderbook.New(e.instrument)
	for _, o := range orders {
		book.Insert(o)
	}
	e.book = book
	e.refreshDepth()
	e.exportDepthMetrics()
	e.logger.Info("order book rebuilt",
		zap.String("instrument", e.instrument),
		zap.Int("orders", len(orders)))
	return nil
}

func (e *Engine) refreshDepth() {
	e.depth.Store(e.book.Snapshot(0))
}

func (e *Engine) exportDepthMetrics() {
	snap := e.depth.Load()
	if snap == nil {
		return
	}
	var bidDepth, askDepth decimal.Decimal
	for _, l := range snap.Bids {
		bidDepth = bidDepth.Add(l.Quantity)
	}
	for _, l := range snap.Asks {
		askDepth = askDepth.Add(l.Quantity)
	}
	metrics.BookDepth.WithLabelValues(string(model.SideBuy), e.instrument).Set(bidDepth.InexactFloat64())
	metrics.BookDepth.WithLabelValues(string(model.SideSell), e.instrument).Set(askDepth.InexactFloat64())
}
