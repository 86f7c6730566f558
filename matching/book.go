// Package matching holds the per-(market, outcome) order books and the
// price-time priority matching engine.
package matching

import (
	"github.com/huandu/skiplist"
	"github.com/shopspring/decimal"

	"github.com/prediqt/clob/types"
)

// priceAsc orders ask levels lowest-first.
type priceAsc struct{}

func (priceAsc) Compare(lhs, rhs interface{}) int {
	l, r := lhs.(int64), rhs.(int64)
	switch {
	case l < r:
		return -1
	case l > r:
		return 1
	default:
		return 0
	}
}

func (priceAsc) CalcScore(key interface{}) float64 {
	return float64(key.(int64))
}

// priceDesc orders bid levels highest-first.
type priceDesc struct{}

func (priceDesc) Compare(lhs, rhs interface{}) int {
	l, r := lhs.(int64), rhs.(int64)
	switch {
	case l > r:
		return -1
	case l < r:
		return 1
	default:
		return 0
	}
}

func (priceDesc) CalcScore(key interface{}) float64 {
	return -float64(key.(int64))
}

// bookOrder is a resting order with intrusive links into its price level's
// FIFO queue.
type bookOrder struct {
	order *types.Order
	next  *bookOrder
	prev  *bookOrder
	level *priceLevel
}

// priceLevel is one price bucket: an insertion-ordered queue of resting
// orders plus the aggregate quantity at that price.
type priceLevel struct {
	side     types.Side
	cents    int64
	price    decimal.Decimal
	head     *bookOrder
	tail     *bookOrder
	count    int
	quantity int64
}

// pushBack appends an order to the level's queue.
func (l *priceLevel) pushBack(bo *bookOrder) {
	bo.next = nil
	bo.prev = l.tail
	if l.tail != nil {
		l.tail.next = bo
	} else {
		l.head = bo
	}
	l.tail = bo
	l.count++
	l.quantity += bo.order.Remaining
	bo.level = l
}

// unlink removes an order from the level's queue. The caller accounts for
// the quantity change separately because a fill and a cancellation remove
// different amounts.
func (l *priceLevel) unlink(bo *bookOrder) {
	if bo.prev != nil {
		bo.prev.next = bo.next
	} else {
		l.head = bo.next
	}
	if bo.next != nil {
		bo.next.prev = bo.prev
	} else {
		l.tail = bo.prev
	}
	bo.next = nil
	bo.prev = nil
	bo.level = nil
	l.count--
}

// Book is the resting-order state for one (market, outcome) pair: two
// price-indexed sides, an order-id index for O(1) removal, and running
// trade statistics.
type Book struct {
	marketID string
	outcome  bool

	bids *skiplist.SkipList // int64 cents → *priceLevel, best (highest) first
	asks *skiplist.SkipList // int64 cents → *priceLevel, best (lowest) first

	index map[string]*bookOrder

	totalBidQty int64
	totalAskQty int64

	tradeCount  int64
	totalVolume int64
	lastPrice   *decimal.Decimal
	highPrice   *decimal.Decimal
	lowPrice    *decimal.Decimal
}

// NewBook creates an empty book.
func NewBook(marketID string, outcome bool) *Book {
	return &Book{
		marketID: marketID,
		outcome:  outcome,
		bids:     skiplist.New(priceDesc{}),
		asks:     skiplist.New(priceAsc{}),
		index:    make(map[string]*bookOrder),
	}
}

// sideList returns the skiplist holding the given side's levels.
func (b *Book) sideList(side types.Side) *skiplist.SkipList {
	if side == types.Buy {
		return b.bids
	}
	return b.asks
}

// Add rests an order on its side of the book, creating the price level if
// needed. Time priority within the level is arrival order.
func (b *Book) Add(o *types.Order) *bookOrder {
	cents := types.PriceCents(o.Price)
	list := b.sideList(o.Side)

	var level *priceLevel
	if elem := list.Get(cents); elem != nil {
		level = elem.Value.(*priceLevel)
	} else {
		level = &priceLevel{side: o.Side, cents: cents, price: o.Price}
		list.Set(cents, level)
	}

	bo := &bookOrder{order: o}
	level.pushBack(bo)
	b.index[o.ID] = bo

	if o.Side == types.Buy {
		b.totalBidQty += o.Remaining
	} else {
		b.totalAskQty += o.Remaining
	}
	return bo
}

// Remove takes an order off the book by id. Returns nil when the id is not
// resting here.
func (b *Book) Remove(orderID string) *types.Order {
	bo, ok := b.index[orderID]
	if !ok {
		return nil
	}
	b.removeNode(bo)
	return bo.order
}

// removeNode unlinks a resting order, drops its level when empty, and
// adjusts the side's resting total by the order's remaining quantity.
func (b *Book) removeNode(bo *bookOrder) {
	level := bo.level
	level.quantity -= bo.order.Remaining
	level.unlink(bo)
	delete(b.index, bo.order.ID)

	if bo.order.Side == types.Buy {
		b.totalBidQty -= bo.order.Remaining
	} else {
		b.totalAskQty -= bo.order.Remaining
	}

	if level.count == 0 {
		b.sideList(level.side).Remove(level.cents)
	}
}

// reduce shrinks a resting order's level and side totals after a fill of
// qty shares. The order's own Remaining has already been decremented.
func (b *Book) reduce(bo *bookOrder, qty int64) {
	bo.level.quantity -= qty
	if bo.order.Side == types.Buy {
		b.totalBidQty -= qty
	} else {
		b.totalAskQty -= qty
	}
}

// bestLevel returns the best price level of a side, or nil when empty.
func (b *Book) bestLevel(side types.Side) *priceLevel {
	elem := b.sideList(side).Front()
	if elem == nil {
		return nil
	}
	return elem.Value.(*priceLevel)
}

// Contains reports whether the order id rests on this book.
func (b *Book) Contains(orderID string) bool {
	_, ok := b.index[orderID]
	return ok
}

// Get returns the resting order with the given id, or nil.
func (b *Book) Get(orderID string) *types.Order {
	if bo, ok := b.index[orderID]; ok {
		return bo.order
	}
	return nil
}

// BestBid returns the highest bid price, or nil when no bids rest.
func (b *Book) BestBid() *decimal.Decimal {
	if l := b.bestLevel(types.Buy); l != nil {
		p := l.price
		return &p
	}
	return nil
}

// BestAsk returns the lowest ask price, or nil when no asks rest.
func (b *Book) BestAsk() *decimal.Decimal {
	if l := b.bestLevel(types.Sell); l != nil {
		p := l.price
		return &p
	}
	return nil
}

// Spread returns bestAsk − bestBid, or nil when either side is empty.
func (b *Book) Spread() *decimal.Decimal {
	bid, ask := b.BestBid(), b.BestAsk()
	if bid == nil || ask == nil {
		return nil
	}
	s := ask.Sub(*bid)
	return &s
}

// RecordTrade updates the book's running statistics after a match.
func (b *Book) RecordTrade(price decimal.Decimal, qty int64) {
	b.tradeCount++
	b.totalVolume += qty
	p := price
	b.lastPrice = &p
	if b.highPrice == nil || price.GreaterThan(*b.highPrice) {
		hp := price
		b.highPrice = &hp
	}
	if b.lowPrice == nil || price.LessThan(*b.lowPrice) {
		lp := price
		b.lowPrice = &lp
	}
}

// Stats returns a copy of the running statistics.
func (b *Book) Stats() types.BookStats {
	return types.BookStats{
		TotalBids:   b.totalBidQty,
		TotalAsks:   b.totalAskQty,
		TradeCount:  b.tradeCount,
		TotalVolume: b.totalVolume,
		LastPrice:   copyDec(b.lastPrice),
		HighPrice:   copyDec(b.highPrice),
		LowPrice:    copyDec(b.lowPrice),
	}
}

// Snapshot returns the top-depth levels per side with aggregate quantities.
// depth <= 0 means all levels.
func (b *Book) Snapshot(depth int) types.BookSnapshot {
	snap := types.BookSnapshot{
		MarketID: b.marketID,
		Outcome:  b.outcome,
		Bids:     levelsOf(b.bids, depth),
		Asks:     levelsOf(b.asks, depth),
		BestBid:  b.BestBid(),
		BestAsk:  b.BestAsk(),
		Spread:   b.Spread(),
		Stats:    b.Stats(),
	}
	return snap
}

// RestingOrders returns every resting order in deterministic order: bids
// best-first then asks best-first, FIFO within each level. Snapshot capture
// depends on this ordering being stable.
func (b *Book) RestingOrders() []*types.Order {
	out := make([]*types.Order, 0, len(b.index))
	for _, list := range []*skiplist.SkipList{b.bids, b.asks} {
		for elem := list.Front(); elem != nil; elem = elem.Next() {
			level := elem.Value.(*priceLevel)
			for bo := level.head; bo != nil; bo = bo.next {
				out = append(out, bo.order)
			}
		}
	}
	return out
}

// Empty reports whether no orders rest on either side.
func (b *Book) Empty() bool {
	return len(b.index) == 0
}

// RestoreStats reinstates statistics from a snapshot.
func (b *Book) RestoreStats(s types.BookStats) {
	b.tradeCount = s.TradeCount
	b.totalVolume = s.TotalVolume
	b.lastPrice = copyDec(s.LastPrice)
	b.highPrice = copyDec(s.HighPrice)
	b.lowPrice = copyDec(s.LowPrice)
}

func levelsOf(list *skiplist.SkipList, depth int) []types.PriceLevel {
	out := make([]types.PriceLevel, 0, list.Len())
	for elem := list.Front(); elem != nil; elem = elem.Next() {
		if depth > 0 && len(out) >= depth {
			break
		}
		level := elem.Value.(*priceLevel)
		out = append(out, types.PriceLevel{
			Price:      level.price,
			Quantity:   level.quantity,
			OrderCount: level.count,
		})
	}
	return out
}

func copyDec(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}
