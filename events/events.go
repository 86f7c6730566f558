// Package events defines the typed domain events the engine produces and the
// subscriber bus that fans them out.
//
// Subscribers consume through buffered channels; a subscriber that cannot
// keep up has its messages dropped, never the engine blocked. External
// consumers (market-data publication, follow-up writes) attach here.
package events

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/prediqt/clob/types"
)

// Type identifies a domain event.
type Type string

const (
	TypeOrderSequenced   Type = "orderSequenced"
	TypeOrderRejected    Type = "orderRejected"
	TypeTrade            Type = "trade"
	TypeOrderBookUpdate  Type = "orderBookUpdate"
	TypeOrderFilled      Type = "orderFilled"
	TypeOrderPartialFill Type = "orderPartialFill"
	TypeOrderCancelled   Type = "orderCancelled"
	TypeBalanceUpdated   Type = "balanceUpdated"
	TypePositionUpdated  Type = "positionUpdated"
)

// BookUpdateKind distinguishes the three causes of a book change.
type BookUpdateKind string

const (
	BookAdd    BookUpdateKind = "ADD"
	BookRemove BookUpdateKind = "REMOVE"
	BookTrade  BookUpdateKind = "TRADE"
)

// ChangeKind labels what moved a balance or position.
type ChangeKind string

const (
	ChangeLock      ChangeKind = "LOCK"
	ChangeUnlock    ChangeKind = "UNLOCK"
	ChangeTradeBuy  ChangeKind = "TRADE_BUY"
	ChangeTradeSell ChangeKind = "TRADE_SELL"
	ChangeSet       ChangeKind = "SET"
	ChangeAdd       ChangeKind = "ADD"
)

// Event is the envelope delivered to subscribers. Data holds one of the
// payload types below, keyed by Type.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// OrderSequenced is emitted when an order passes risk and enters matching.
type OrderSequenced struct {
	Order types.Order `json:"order"`
}

// OrderRejected is emitted when an order is rejected after intake.
type OrderRejected struct {
	Order   types.Order        `json:"order"`
	Reason  types.RejectReason `json:"reason"`
	Message string             `json:"message"`
}

// TradeExecuted is emitted once per match. BuyerLimit is the buy order's
// limit price, carried so downstream settlement replay can reproduce the
// price-improvement refund.
type TradeExecuted struct {
	Trade      types.Trade     `json:"trade"`
	BuyerLimit decimal.Decimal `json:"buyerLimit"`
}

// BookUpdate is emitted whenever resting liquidity changes.
type BookUpdate struct {
	MarketID string          `json:"marketId"`
	Outcome  bool            `json:"outcome"`
	Kind     BookUpdateKind  `json:"kind"`
	Side     types.Side      `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
	OrderID  string          `json:"orderId,omitempty"`
}

// OrderFilled is emitted when an order's remaining quantity reaches zero.
type OrderFilled struct {
	Order types.Order `json:"order"`
}

// OrderPartialFill is emitted for the surviving side of a partial match.
type OrderPartialFill struct {
	Order types.Order `json:"order"`
}

// OrderCancelled is emitted when an order is cancelled from the queue or the
// book.
type OrderCancelled struct {
	Order  types.Order `json:"order"`
	Reason string      `json:"reason"`
}

// BalanceUpdated is emitted on every balance mutation.
type BalanceUpdated struct {
	UserID  string        `json:"userId"`
	Kind    ChangeKind    `json:"kind"`
	Balance types.Balance `json:"balance"`
}

// PositionUpdated is emitted on every position mutation.
type PositionUpdated struct {
	UserID   string         `json:"userId"`
	Key      string         `json:"key"` // "{marketId}:{outcome}"
	Kind     ChangeKind     `json:"kind"`
	Position types.Position `json:"position"`
}
