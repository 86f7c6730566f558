// Package risk tracks per-user balances, per-(user, market, outcome) share
// positions, and the per-order lock ledger, and applies trade settlement.
//
// Every mutation preserves the ledger invariants: available and locked are
// never negative, and the sum of lock-ledger entries equals the total locked
// amount for each user. Funds are held as decimals to keep repeated
// lock/refund arithmetic exact; share quantities are integers.
package risk

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/prediqt/clob/events"
	"github.com/prediqt/clob/types"
)

// Limits are the risk-check thresholds, taken from configuration.
type Limits struct {
	// MaxOrderValue caps a single order's notional. Zero disables the cap.
	MaxOrderValue decimal.Decimal
	// MaxPositionSize caps the post-fill share position a BUY may create.
	// Zero disables the cap.
	MaxPositionSize int64
	// MinBalance is the floor a BUY lock may not take available funds below.
	MinBalance decimal.Decimal
}

// lockEntry records exactly what one live order has reserved.
type lockEntry struct {
	side   types.Side
	funds  decimal.Decimal // BUY: price × quantity
	shares int64           // SELL: share count
}

// EmitFunc receives the balance/position events the engine produces.
type EmitFunc func(t events.Type, data any)

// Engine owns all balance and position state. Safe for concurrent use; every
// settlement is atomic under the engine mutex.
type Engine struct {
	mu        sync.Mutex
	limits    Limits
	balances  map[string]*types.Balance
	positions map[string]map[string]*types.Position // userID → outcome key
	locks     map[string]lockEntry                  // orderID → reservation

	emit   EmitFunc
	logger *slog.Logger
}

// NewEngine creates a risk engine. emit may be nil.
func NewEngine(limits Limits, emit EmitFunc, logger *slog.Logger) *Engine {
	if emit == nil {
		emit = func(events.Type, any) {}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		limits:    limits,
		balances:  make(map[string]*types.Balance),
		positions: make(map[string]map[string]*types.Position),
		locks:     make(map[string]lockEntry),
		emit:      emit,
		logger:    logger.With("component", "risk"),
	}
}

// balance returns the user's balance record, creating it lazily.
// Caller holds e.mu.
func (e *Engine) balance(userID string) *types.Balance {
	b, ok := e.balances[userID]
	if !ok {
		nb := types.ZeroBalance()
		b = &nb
		e.balances[userID] = b
	}
	return b
}

// position returns the user's position for key, creating it lazily.
// Caller holds e.mu.
func (e *Engine) position(userID, key string) *types.Position {
	byKey, ok := e.positions[userID]
	if !ok {
		byKey = make(map[string]*types.Position)
		e.positions[userID] = byKey
	}
	p, ok := byKey[key]
	if !ok {
		p = &types.Position{}
		byKey[key] = p
	}
	return p
}

// Check validates an order against the configured limits and the owner's
// available funds or shares. A failure is returned as *types.Reject.
func (e *Engine) Check(o *types.Order) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	notional := o.Notional()
	if !e.limits.MaxOrderValue.IsZero() && notional.GreaterThan(e.limits.MaxOrderValue) {
		return types.NewReject(types.RejectMaxOrderValue,
			fmt.Sprintf("order value %s exceeds maximum %s", notional, e.limits.MaxOrderValue))
	}

	switch o.Side {
	case types.Buy:
		b := e.balance(o.UserID)
		if b.Available.Sub(notional).LessThan(e.limits.MinBalance) {
			return types.NewReject(types.RejectInsufficientBalance,
				fmt.Sprintf("available %s cannot cover %s", b.Available, notional))
		}
		if e.limits.MaxPositionSize > 0 {
			p := e.position(o.UserID, types.OutcomeKey(o.MarketID, o.Outcome))
			if p.Total()+o.Quantity > e.limits.MaxPositionSize {
				return types.NewReject(types.RejectMaxPositionSize,
					fmt.Sprintf("resulting position %d exceeds maximum %d",
						p.Total()+o.Quantity, e.limits.MaxPositionSize))
			}
		}
	case types.Sell:
		p := e.position(o.UserID, types.OutcomeKey(o.MarketID, o.Outcome))
		if p.Available < o.Quantity {
			return types.NewReject(types.RejectInsufficientShares,
				fmt.Sprintf("available shares %d cannot cover %d", p.Available, o.Quantity))
		}
	}
	return nil
}

// Lock reserves funds (BUY) or shares (SELL) for an order and records the
// reservation in the ledger.
func (e *Engine) Lock(o *types.Order) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.locks[o.ID]; exists {
		return fmt.Errorf("risk: lock already held for order %s", o.ID)
	}

	switch o.Side {
	case types.Buy:
		notional := o.Notional()
		b := e.balance(o.UserID)
		if b.Available.LessThan(notional) {
			return fmt.Errorf("risk: insufficient balance locking order %s", o.ID)
		}
		b.Available = b.Available.Sub(notional)
		b.Locked = b.Locked.Add(notional)
		e.locks[o.ID] = lockEntry{side: types.Buy, funds: notional}
		e.emit(events.TypeBalanceUpdated, events.BalanceUpdated{
			UserID: o.UserID, Kind: events.ChangeLock, Balance: *b,
		})
	case types.Sell:
		key := types.OutcomeKey(o.MarketID, o.Outcome)
		p := e.position(o.UserID, key)
		if p.Available < o.Quantity {
			return fmt.Errorf("risk: insufficient shares locking order %s", o.ID)
		}
		p.Available -= o.Quantity
		p.Locked += o.Quantity
		e.locks[o.ID] = lockEntry{side: types.Sell, shares: o.Quantity}
		e.emit(events.TypePositionUpdated, events.PositionUpdated{
			UserID: o.UserID, Key: key, Kind: events.ChangeLock, Position: *p,
		})
	default:
		return fmt.Errorf("risk: unknown side %q", o.Side)
	}
	return nil
}

// Unlock releases whatever remains reserved for an order. It is a no-op when
// no ledger entry exists, so rejection and cancellation paths can call it
// unconditionally.
func (e *Engine) Unlock(o *types.Order) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.locks[o.ID]
	if !ok {
		return
	}
	delete(e.locks, o.ID)

	switch entry.side {
	case types.Buy:
		b := e.balance(o.UserID)
		b.Locked = b.Locked.Sub(entry.funds)
		b.Available = b.Available.Add(entry.funds)
		e.emit(events.TypeBalanceUpdated, events.BalanceUpdated{
			UserID: o.UserID, Kind: events.ChangeUnlock, Balance: *b,
		})
	case types.Sell:
		key := types.OutcomeKey(o.MarketID, o.Outcome)
		p := e.position(o.UserID, key)
		p.Locked -= entry.shares
		p.Available += entry.shares
		e.emit(events.TypePositionUpdated, events.PositionUpdated{
			UserID: o.UserID, Key: key, Kind: events.ChangeUnlock, Position: *p,
		})
	}
}

// Settle applies one trade atomically to both parties.
//
// The buyer pays total from locked funds; the difference between the buyer's
// limit and the execution price is refunded to available. The seller is
// credited total. Quantity shares move from the seller's locked position to
// the buyer's available position. Ledger entries shrink accordingly and are
// deleted when exhausted.
func (e *Engine) Settle(t *types.Trade, buyerLimit decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	qty := decimal.NewFromInt(t.Quantity)
	key := types.OutcomeKey(t.MarketID, t.Outcome)

	// Both sides are checked before anything is mutated, so a failed
	// settlement leaves every balance and position untouched.
	buyer := e.balance(t.BuyerID)
	refund := buyerLimit.Sub(t.Price).Mul(qty)
	if buyer.Locked.LessThan(t.Total) || (refund.IsPositive() && buyer.Locked.Sub(t.Total).LessThan(refund)) {
		return fmt.Errorf("risk: buyer %s locked %s cannot cover trade %s total %s plus refund %s",
			t.BuyerID, buyer.Locked, t.ID, t.Total, refund)
	}
	sellerPos := e.position(t.SellerID, key)
	if sellerPos.Locked < t.Quantity {
		return fmt.Errorf("risk: seller %s locked shares %d cannot cover trade %s qty %d",
			t.SellerID, sellerPos.Locked, t.ID, t.Quantity)
	}

	// Buyer funds: pay total from locked, refund limit improvement.
	buyer.Locked = buyer.Locked.Sub(t.Total)
	released := t.Total
	if refund.IsPositive() {
		buyer.Locked = buyer.Locked.Sub(refund)
		buyer.Available = buyer.Available.Add(refund)
		released = released.Add(refund)
	}
	e.reduceLockFunds(t.BuyOrderID, released)
	e.emit(events.TypeBalanceUpdated, events.BalanceUpdated{
		UserID: t.BuyerID, Kind: events.ChangeTradeBuy, Balance: *buyer,
	})

	// Seller funds: credit the proceeds.
	seller := e.balance(t.SellerID)
	seller.Available = seller.Available.Add(t.Total)
	e.emit(events.TypeBalanceUpdated, events.BalanceUpdated{
		UserID: t.SellerID, Kind: events.ChangeTradeSell, Balance: *seller,
	})

	// Shares: seller's locked position shrinks, buyer's available grows.
	sellerPos.Locked -= t.Quantity
	e.reduceLockShares(t.SellOrderID, t.Quantity)
	e.emit(events.TypePositionUpdated, events.PositionUpdated{
		UserID: t.SellerID, Key: key, Kind: events.ChangeTradeSell, Position: *sellerPos,
	})

	buyerPos := e.position(t.BuyerID, key)
	buyerPos.Available += t.Quantity
	e.emit(events.TypePositionUpdated, events.PositionUpdated{
		UserID: t.BuyerID, Key: key, Kind: events.ChangeTradeBuy, Position: *buyerPos,
	})

	return nil
}

// reduceLockFunds shrinks a BUY ledger entry. Caller holds e.mu.
func (e *Engine) reduceLockFunds(orderID string, amount decimal.Decimal) {
	entry, ok := e.locks[orderID]
	if !ok {
		return
	}
	entry.funds = entry.funds.Sub(amount)
	if entry.funds.IsPositive() {
		e.locks[orderID] = entry
	} else {
		delete(e.locks, orderID)
	}
}

// reduceLockShares shrinks a SELL ledger entry. Caller holds e.mu.
func (e *Engine) reduceLockShares(orderID string, qty int64) {
	entry, ok := e.locks[orderID]
	if !ok {
		return
	}
	entry.shares -= qty
	if entry.shares > 0 {
		e.locks[orderID] = entry
	} else {
		delete(e.locks, orderID)
	}
}

// ─── administrative operations ───────────────────────────────────────────────

// SetBalance sets a user's available funds. Locked funds are untouched.
func (e *Engine) SetBalance(userID string, amount decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.balance(userID)
	b.Available = amount
	e.emit(events.TypeBalanceUpdated, events.BalanceUpdated{
		UserID: userID, Kind: events.ChangeSet, Balance: *b,
	})
}

// AddBalance credits a user's available funds.
func (e *Engine) AddBalance(userID string, amount decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.balance(userID)
	b.Available = b.Available.Add(amount)
	e.emit(events.TypeBalanceUpdated, events.BalanceUpdated{
		UserID: userID, Kind: events.ChangeAdd, Balance: *b,
	})
}

// SetPosition sets a user's available shares for one (market, outcome).
func (e *Engine) SetPosition(userID, marketID string, outcome bool, qty int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := types.OutcomeKey(marketID, outcome)
	p := e.position(userID, key)
	p.Available = qty
	e.emit(events.TypePositionUpdated, events.PositionUpdated{
		UserID: userID, Key: key, Kind: events.ChangeSet, Position: *p,
	})
}

// ─── read surface ────────────────────────────────────────────────────────────

// Balance returns a copy of the user's balance.
func (e *Engine) Balance(userID string) types.Balance {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.balances[userID]
	if !ok {
		return types.ZeroBalance()
	}
	return *b
}

// Positions returns a copy of every position the user holds.
func (e *Engine) Positions(userID string) map[string]types.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]types.Position, len(e.positions[userID]))
	for key, p := range e.positions[userID] {
		out[key] = *p
	}
	return out
}

// Position returns a copy of one position.
func (e *Engine) Position(userID, marketID string, outcome bool) types.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	if byKey, ok := e.positions[userID]; ok {
		if p, ok := byKey[types.OutcomeKey(marketID, outcome)]; ok {
			return *p
		}
	}
	return types.Position{}
}

// TotalBalance returns the sum of available + locked funds across every
// user. Used by gauges and diagnostics.
func (e *Engine) TotalBalance() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	sum := decimal.Zero
	for _, b := range e.balances {
		sum = sum.Add(b.Total())
	}
	return sum
}

// LockedFunds returns the sum of the BUY lock-ledger entries held by orders.
// Used by consistency checks and diagnostics.
func (e *Engine) LockedFunds() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	sum := decimal.Zero
	for _, entry := range e.locks {
		sum = sum.Add(entry.funds)
	}
	return sum
}

// ─── recovery ────────────────────────────────────────────────────────────────

// SnapshotBalances returns a deep copy of the balance table.
func (e *Engine) SnapshotBalances() map[string]types.Balance {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]types.Balance, len(e.balances))
	for id, b := range e.balances {
		out[id] = *b
	}
	return out
}

// SnapshotPositions returns a deep copy of the position table.
func (e *Engine) SnapshotPositions() map[string]map[string]types.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]map[string]types.Position, len(e.positions))
	for id, byKey := range e.positions {
		inner := make(map[string]types.Position, len(byKey))
		for key, p := range byKey {
			inner[key] = *p
		}
		out[id] = inner
	}
	return out
}

// RestoreBalances replaces the balance table from a snapshot.
func (e *Engine) RestoreBalances(balances map[string]types.Balance) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balances = make(map[string]*types.Balance, len(balances))
	for id, b := range balances {
		copied := b
		e.balances[id] = &copied
	}
}

// RestorePositions replaces the position table from a snapshot.
func (e *Engine) RestorePositions(positions map[string]map[string]types.Position) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.positions = make(map[string]map[string]*types.Position, len(positions))
	for id, byKey := range positions {
		inner := make(map[string]*types.Position, len(byKey))
		for key, p := range byKey {
			copied := p
			inner[key] = &copied
		}
		e.positions[id] = inner
	}
}

// RebuildLocks reconstructs the per-order lock ledger from restored resting
// orders. The balance and position tables already carry the locked totals,
// so only the ledger entries are recreated: a resting BUY holds
// price × remaining, a resting SELL holds its remaining shares.
func (e *Engine) RebuildLocks(orders []*types.Order) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.locks = make(map[string]lockEntry, len(orders))
	for _, o := range orders {
		switch o.Side {
		case types.Buy:
			e.locks[o.ID] = lockEntry{side: types.Buy, funds: o.RemainingNotional()}
		case types.Sell:
			e.locks[o.ID] = lockEntry{side: types.Sell, shares: o.Remaining}
		}
	}
}
