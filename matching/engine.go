package matching

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/prediqt/clob/events"
	"github.com/prediqt/clob/risk"
	"github.com/prediqt/clob/types"
)

// EmitFunc receives the domain events the engine produces.
type EmitFunc func(t events.Type, data any)

// Engine owns every order book and runs price-time priority matching.
//
// All mutating operations are serialised by the engine mutex; the sequencer
// drives Process and Cancel from its single drain goroutine, while snapshot
// reads take the read side.
type Engine struct {
	mu     sync.RWMutex
	books  map[string]*Book // types.OutcomeKey → book
	owners map[string]*Book // resting order id → its book

	risk   *risk.Engine
	emit   EmitFunc
	logger *slog.Logger

	tradeSeq uint64
}

// NewEngine creates a matching engine. emit may be nil.
func NewEngine(riskEngine *risk.Engine, emit EmitFunc, logger *slog.Logger) *Engine {
	if emit == nil {
		emit = func(events.Type, any) {}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		books:  make(map[string]*Book),
		owners: make(map[string]*Book),
		risk:   riskEngine,
		emit:   emit,
		logger: logger.With("component", "matching"),
	}
}

// book returns the book for (marketID, outcome), creating it on first use.
// Caller holds e.mu.
func (e *Engine) book(marketID string, outcome bool) *Book {
	key := types.OutcomeKey(marketID, outcome)
	b, ok := e.books[key]
	if !ok {
		b = NewBook(marketID, outcome)
		e.books[key] = b
	}
	return b
}

// Process matches an incoming order against the opposite side of its book
// and rests any residual quantity.
//
// A settlement failure aborts the in-flight order immediately: no trade is
// recorded without its ledger change, and the error bubbles to the
// sequencer which rejects the aggressor.
func (e *Engine) Process(o *types.Order) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	b := e.book(o.MarketID, o.Outcome)

	if err := e.matchAggressor(b, o); err != nil {
		return err
	}

	if o.Remaining > 0 {
		if o.Filled > 0 {
			o.Status = types.StatusPartial
		} else {
			o.Status = types.StatusOpen
		}
		b.Add(o)
		e.owners[o.ID] = b
		e.emit(events.TypeOrderBookUpdate, events.BookUpdate{
			MarketID: o.MarketID,
			Outcome:  o.Outcome,
			Kind:     events.BookAdd,
			Side:     o.Side,
			Price:    o.Price,
			Quantity: o.Remaining,
			OrderID:  o.ID,
		})
	} else {
		o.Status = types.StatusFilled
		e.emit(events.TypeOrderFilled, events.OrderFilled{Order: *o})
	}
	return nil
}

// matchAggressor walks the opposite side best-price-first. Within a level
// the FIFO queue is scanned in arrival order; makers owned by the aggressor
// are skipped without advancing any fill. If the level still holds orders
// after a scan (all remaining makers were the aggressor's own), matching
// stops: price priority forbids trading through to a worse level.
func (e *Engine) matchAggressor(b *Book, o *types.Order) error {
	makerSide := types.Sell
	if o.Side == types.Sell {
		makerSide = types.Buy
	}

	for o.Remaining > 0 {
		level := b.bestLevel(makerSide)
		if level == nil || !priceCrosses(o, level.price) {
			return nil
		}

		maker := level.head
		for maker != nil && o.Remaining > 0 {
			next := maker.next
			if maker.order.UserID == o.UserID {
				maker = next
				continue
			}
			if err := e.execute(b, o, maker); err != nil {
				return err
			}
			maker = next
		}

		if level.count > 0 {
			// Only the aggressor's own orders remain at the best price.
			return nil
		}
	}
	return nil
}

// priceCrosses reports whether the aggressor's limit reaches the maker
// level price.
func priceCrosses(o *types.Order, levelPrice decimal.Decimal) bool {
	if o.Side == types.Buy {
		return levelPrice.LessThanOrEqual(o.Price)
	}
	return levelPrice.GreaterThanOrEqual(o.Price)
}

// execute settles one match between the aggressor and a resting maker at
// the maker's price. Caller holds e.mu.
func (e *Engine) execute(b *Book, o *types.Order, maker *bookOrder) error {
	mo := maker.order

	qty := o.Remaining
	if mo.Remaining < qty {
		qty = mo.Remaining
	}
	price := mo.Price

	var buyOrder, sellOrder *types.Order
	if o.Side == types.Buy {
		buyOrder, sellOrder = o, mo
	} else {
		buyOrder, sellOrder = mo, o
	}

	e.tradeSeq++
	trade := &types.Trade{
		ID:          fmt.Sprintf("TRD-%d-%d", o.SequenceNumber, e.tradeSeq),
		MarketID:    o.MarketID,
		Outcome:     o.Outcome,
		BuyOrderID:  buyOrder.ID,
		SellOrderID: sellOrder.ID,
		BuyerID:     buyOrder.UserID,
		SellerID:    sellOrder.UserID,
		Quantity:    qty,
		Price:       price,
		Total:       price.Mul(decimal.NewFromInt(qty)),
		ExecutedAt:  time.Now(),
	}

	if err := e.risk.Settle(trade, buyOrder.Price); err != nil {
		return fmt.Errorf("matching: settling trade %s: %w", trade.ID, err)
	}

	o.Remaining -= qty
	o.Filled += qty
	mo.Remaining -= qty
	mo.Filled += qty
	b.reduce(maker, qty)
	b.RecordTrade(price, qty)

	e.emit(events.TypeTrade, events.TradeExecuted{Trade: *trade, BuyerLimit: buyOrder.Price})
	e.emit(events.TypeOrderBookUpdate, events.BookUpdate{
		MarketID: o.MarketID,
		Outcome:  o.Outcome,
		Kind:     events.BookTrade,
		Side:     mo.Side,
		Price:    price,
		Quantity: qty,
		OrderID:  mo.ID,
	})

	if mo.Remaining == 0 {
		b.removeNode(maker)
		delete(e.owners, mo.ID)
		mo.Status = types.StatusFilled
		e.emit(events.TypeOrderFilled, events.OrderFilled{Order: *mo})
	} else {
		mo.Status = types.StatusPartial
		e.emit(events.TypeOrderPartialFill, events.OrderPartialFill{Order: *mo})
	}
	return nil
}

// Cancel removes a resting order. The caller must own it.
func (e *Engine) Cancel(orderID, userID string) (*types.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.owners[orderID]
	if !ok {
		return nil, types.NewReject(types.RejectNotFound,
			fmt.Sprintf("order %s not found", orderID))
	}
	o := b.Get(orderID)
	if o.UserID != userID {
		return nil, types.NewReject(types.RejectUnauthorized,
			fmt.Sprintf("order %s does not belong to user %s", orderID, userID))
	}

	b.Remove(orderID)
	delete(e.owners, orderID)
	e.risk.Unlock(o)
	o.Status = types.StatusCancelled

	e.emit(events.TypeOrderCancelled, events.OrderCancelled{Order: *o, Reason: "USER_CANCELLED"})
	e.emit(events.TypeOrderBookUpdate, events.BookUpdate{
		MarketID: o.MarketID,
		Outcome:  o.Outcome,
		Kind:     events.BookRemove,
		Side:     o.Side,
		Price:    o.Price,
		Quantity: o.Remaining,
		OrderID:  o.ID,
	})
	return o, nil
}

// GetBook returns a depth-limited snapshot of one book. An untouched
// (market, outcome) yields an empty snapshot.
func (e *Engine) GetBook(marketID string, outcome bool, depth int) types.BookSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if b, ok := e.books[types.OutcomeKey(marketID, outcome)]; ok {
		return b.Snapshot(depth)
	}
	return types.BookSnapshot{
		MarketID: marketID,
		Outcome:  outcome,
		Bids:     []types.PriceLevel{},
		Asks:     []types.PriceLevel{},
	}
}

// MarketStats returns the statistics of both outcome books of a market,
// keyed by "{marketId}:{outcome}".
func (e *Engine) MarketStats(marketID string) map[string]types.BookStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]types.BookStats, 2)
	for _, outcome := range []bool{true, false} {
		key := types.OutcomeKey(marketID, outcome)
		if b, ok := e.books[key]; ok {
			out[key] = b.Stats()
		}
	}
	return out
}

// StatsAll returns the statistics of every book, keyed
// "{marketId}:{outcome}". Cheap: no resting orders are copied.
func (e *Engine) StatsAll() map[string]types.BookStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]types.BookStats, len(e.books))
	for key, b := range e.books {
		out[key] = b.Stats()
	}
	return out
}

// BookDump is the serialisable state of one book for snapshot capture.
type BookDump struct {
	MarketID string          `json:"marketId"`
	Outcome  bool            `json:"outcome"`
	Orders   []types.Order   `json:"orders"`
	Stats    types.BookStats `json:"stats"`
}

// SnapshotBooks returns every book's full resting state in deterministic
// (key-sorted) order. Each resting order is copied in full so the snapshot
// can rebuild it exactly.
func (e *Engine) SnapshotBooks() []BookDump {
	e.mu.RLock()
	defer e.mu.RUnlock()

	keys := make([]string, 0, len(e.books))
	for key := range e.books {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	dumps := make([]BookDump, 0, len(keys))
	for _, key := range keys {
		b := e.books[key]
		resting := b.RestingOrders()
		orders := make([]types.Order, len(resting))
		for i, o := range resting {
			orders[i] = *o
		}
		dumps = append(dumps, BookDump{
			MarketID: b.marketID,
			Outcome:  b.outcome,
			Orders:   orders,
			Stats:    b.Stats(),
		})
	}
	return dumps
}

// RestoreBook rebuilds one book from snapshot state. Orders are re-added in
// their serialised order, which preserves time priority, and re-indexed so
// matching and cancellation behave as on a never-crashed run.
func (e *Engine) RestoreBook(dump BookDump) []*types.Order {
	e.mu.Lock()
	defer e.mu.Unlock()

	b := e.book(dump.MarketID, dump.Outcome)
	restored := make([]*types.Order, 0, len(dump.Orders))
	for i := range dump.Orders {
		o := dump.Orders[i]
		b.Add(&o)
		e.owners[o.ID] = b
		restored = append(restored, &o)
	}
	b.RestoreStats(dump.Stats)
	return restored
}

// Lookup returns a resting order by id, or nil.
func (e *Engine) Lookup(orderID string) *types.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if b, ok := e.owners[orderID]; ok {
		return b.Get(orderID)
	}
	return nil
}

// TradeSequence returns the current trade counter.
func (e *Engine) TradeSequence() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tradeSeq
}

// SetTradeSequence reinstates the trade counter from a snapshot.
func (e *Engine) SetTradeSequence(seq uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tradeSeq = seq
}
