// Package types defines the shared vocabulary of the order book engine —
// sides, outcomes, order and trade records, balances, positions, and the
// read-surface snapshot structures. It has no dependencies on the other
// engine packages, so it can be imported by any layer.
package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Valid reports whether s is one of the two supported sides.
func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// OrderStatus tracks an order through its lifecycle.
type OrderStatus string

const (
	// StatusQueued means the order is accepted but not yet sequenced.
	StatusQueued OrderStatus = "QUEUED"
	// StatusOpen means the order is resting on the book, unfilled.
	StatusOpen OrderStatus = "OPEN"
	// StatusPartial means the order is resting with a partial fill.
	StatusPartial OrderStatus = "PARTIAL"
	// StatusFilled means the order is completely executed.
	StatusFilled OrderStatus = "FILLED"
	// StatusCancelled means the order was removed before completion.
	StatusCancelled OrderStatus = "CANCELLED"
	// StatusRejected means the order failed a risk or processing check.
	StatusRejected OrderStatus = "REJECTED"
)

// Price bounds for a binary outcome share. Prices are quoted in currency per
// share with two-decimal granularity and must fall inside [MinPrice, MaxPrice].
var (
	MinPrice = decimal.RequireFromString("0.01")
	MaxPrice = decimal.RequireFromString("0.99")

	centsPerUnit = decimal.NewFromInt(100)
)

// ValidPrice reports whether p is a two-decimal price inside the allowed band.
func ValidPrice(p decimal.Decimal) bool {
	if p.LessThan(MinPrice) || p.GreaterThan(MaxPrice) {
		return false
	}
	return p.Mul(centsPerUnit).IsInteger()
}

// PriceCents converts a validated price to integer cents. The two-decimal
// constraint makes the conversion exact.
func PriceCents(p decimal.Decimal) int64 {
	return p.Mul(centsPerUnit).IntPart()
}

// PriceFromCents is the inverse of PriceCents.
func PriceFromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}

// OutcomeKey builds the canonical "{marketId}:{outcome}" key used for
// position lookups and book addressing.
func OutcomeKey(marketID string, outcome bool) string {
	return marketID + ":" + strconv.FormatBool(outcome)
}

// SplitOutcomeKey is the inverse of OutcomeKey. The market id may itself
// contain colons; the outcome is the final segment.
func SplitOutcomeKey(key string) (marketID string, outcome string, ok bool) {
	i := strings.LastIndexByte(key, ':')
	if i < 0 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}

// Order is a limit order for one outcome of a binary market.
//
// Invariants: Filled+Remaining == Quantity at all times; Status == FILLED
// exactly when Remaining == 0; a CANCELLED order is never mutated again.
type Order struct {
	ID       string `json:"id"`
	UserID   string `json:"userId"`
	MarketID string `json:"marketId"`
	// Outcome selects the YES (true) or NO (false) book of the market.
	Outcome bool            `json:"outcome"`
	Side    Side            `json:"side"`
	Price   decimal.Decimal `json:"price"`

	Quantity  int64 `json:"quantity"`
	Remaining int64 `json:"remaining"`
	Filled    int64 `json:"filled"`

	Status OrderStatus `json:"status"`

	ReceivedAt     time.Time `json:"receivedAt"`
	SequenceNumber uint64    `json:"sequenceNumber,omitempty"`
	SequencedAt    time.Time `json:"sequencedAt,omitempty"`
}

// Notional returns price × original quantity.
func (o *Order) Notional() decimal.Decimal {
	return o.Price.Mul(decimal.NewFromInt(o.Quantity))
}

// RemainingNotional returns price × remaining quantity.
func (o *Order) RemainingNotional() decimal.Decimal {
	return o.Price.Mul(decimal.NewFromInt(o.Remaining))
}

// String returns a compact representation for logs.
func (o *Order) String() string {
	return fmt.Sprintf("Order(%s %s %s %d@%s %s)",
		o.ID, o.Side, OutcomeKey(o.MarketID, o.Outcome), o.Remaining, o.Price, o.Status)
}

// Trade is the immutable record of one match. Price is always the resting
// (maker) order's price; the aggressor's improvement is refunded at
// settlement.
type Trade struct {
	ID          string          `json:"id"`
	MarketID    string          `json:"marketId"`
	Outcome     bool            `json:"outcome"`
	BuyOrderID  string          `json:"buyOrderId"`
	SellOrderID string          `json:"sellOrderId"`
	BuyerID     string          `json:"buyerId"`
	SellerID    string          `json:"sellerId"`
	Quantity    int64           `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Total       decimal.Decimal `json:"total"`
	ExecutedAt  time.Time       `json:"executedAt"`
}

// Balance is a user's currency account. Total is always Available+Locked by
// construction.
type Balance struct {
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
}

// Total returns available + locked.
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Locked)
}

// MarshalJSON includes the derived total so readers see
// {available, locked, total}.
func (b Balance) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Available decimal.Decimal `json:"available"`
		Locked    decimal.Decimal `json:"locked"`
		Total     decimal.Decimal `json:"total"`
	}{b.Available, b.Locked, b.Total()})
}

// ZeroBalance returns an empty balance with properly initialised decimals.
func ZeroBalance() Balance {
	return Balance{Available: decimal.Zero, Locked: decimal.Zero}
}

// Position is a user's share holding in one (market, outcome).
type Position struct {
	Available int64 `json:"available"`
	Locked    int64 `json:"locked"`
}

// Total returns available + locked shares.
func (p Position) Total() int64 {
	return p.Available + p.Locked
}

// PriceLevel is one aggregated level of a book snapshot.
type PriceLevel struct {
	Price      decimal.Decimal `json:"price"`
	Quantity   int64           `json:"quantity"`
	OrderCount int             `json:"orderCount"`
}

// BookStats carries the running statistics of one book. LastPrice, HighPrice
// and LowPrice are nil until the first trade.
type BookStats struct {
	TotalBids   int64            `json:"totalBids"`
	TotalAsks   int64            `json:"totalAsks"`
	TradeCount  int64            `json:"tradeCount"`
	TotalVolume int64            `json:"totalVolume"`
	LastPrice   *decimal.Decimal `json:"lastPrice,omitempty"`
	HighPrice   *decimal.Decimal `json:"highPrice,omitempty"`
	LowPrice    *decimal.Decimal `json:"lowPrice,omitempty"`
}

// BookSnapshot is a consistent, depth-limited view of one (market, outcome)
// book.
type BookSnapshot struct {
	MarketID string           `json:"marketId"`
	Outcome  bool             `json:"outcome"`
	Bids     []PriceLevel     `json:"bids"`
	Asks     []PriceLevel     `json:"asks"`
	BestBid  *decimal.Decimal `json:"bestBid,omitempty"`
	BestAsk  *decimal.Decimal `json:"bestAsk,omitempty"`
	Spread   *decimal.Decimal `json:"spread,omitempty"`
	Stats    BookStats        `json:"stats"`
}

// OrderRequest is the submission surface: what a caller provides to place an
// order. Everything else on Order is assigned by the engine.
type OrderRequest struct {
	UserID   string          `json:"userId"`
	MarketID string          `json:"marketId"`
	Side     Side            `json:"type"`
	Outcome  bool            `json:"outcome"`
	Quantity int64           `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// SubmitResult is returned for an accepted submission.
type SubmitResult struct {
	OrderID string `json:"orderId"`
	// QueuePosition is the 1-based position in the intake queue at accept time.
	QueuePosition int `json:"position"`
	// EstimatedProcessing is a best-effort latency hint derived from the
	// queue position and the drain interval.
	EstimatedProcessing time.Duration `json:"estimatedProcessingTime"`
}
