package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/prediqt/clob/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(Limits{
		MaxOrderValue:   dec("10000"),
		MaxPositionSize: 100000,
		MinBalance:      decimal.Zero,
	}, nil, nil)
}

func buyOrder(id, user string, price string, qty int64) *types.Order {
	return &types.Order{
		ID:        id,
		UserID:    user,
		MarketID:  "mkt",
		Outcome:   true,
		Side:      types.Buy,
		Price:     dec(price),
		Quantity:  qty,
		Remaining: qty,
		Status:    types.StatusQueued,
	}
}

func sellOrder(id, user string, price string, qty int64) *types.Order {
	o := buyOrder(id, user, price, qty)
	o.Side = types.Sell
	return o
}

// checkInvariants asserts available/locked are non-negative for the users.
func checkInvariants(t *testing.T, e *Engine, users ...string) {
	t.Helper()
	for _, u := range users {
		b := e.Balance(u)
		if b.Available.IsNegative() || b.Locked.IsNegative() {
			t.Errorf("user %s: negative balance component: %+v", u, b)
		}
		for key, p := range e.Positions(u) {
			if p.Available < 0 || p.Locked < 0 {
				t.Errorf("user %s %s: negative position component: %+v", u, key, p)
			}
		}
	}
}

// ─── check ───────────────────────────────────────────────────────────────────

func TestCheck_InsufficientBalance(t *testing.T) {
	e := newEngine(t)
	e.SetBalance("u1", dec("1"))

	err := e.Check(buyOrder("o1", "u1", "0.50", 10)) // needs 5.00
	rej, ok := types.AsReject(err)
	if !ok || rej.Reason != types.RejectInsufficientBalance {
		t.Fatalf("expected INSUFFICIENT_BALANCE, got %v", err)
	}
}

func TestCheck_InsufficientShares(t *testing.T) {
	e := newEngine(t)
	e.SetPosition("u1", "mkt", true, 5)

	err := e.Check(sellOrder("o1", "u1", "0.50", 10))
	rej, ok := types.AsReject(err)
	if !ok || rej.Reason != types.RejectInsufficientShares {
		t.Fatalf("expected INSUFFICIENT_SHARES, got %v", err)
	}
}

func TestCheck_MaxOrderValue(t *testing.T) {
	e := NewEngine(Limits{MaxOrderValue: dec("100")}, nil, nil)
	e.SetBalance("u1", dec("100000"))

	err := e.Check(buyOrder("o1", "u1", "0.50", 1000)) // notional 500
	rej, ok := types.AsReject(err)
	if !ok || rej.Reason != types.RejectMaxOrderValue {
		t.Fatalf("expected MAX_ORDER_VALUE_EXCEEDED, got %v", err)
	}
}

func TestCheck_MaxPositionSize(t *testing.T) {
	e := NewEngine(Limits{MaxOrderValue: dec("10000"), MaxPositionSize: 100}, nil, nil)
	e.SetBalance("u1", dec("10000"))
	e.SetPosition("u1", "mkt", true, 95)

	err := e.Check(buyOrder("o1", "u1", "0.50", 10)) // would reach 105
	rej, ok := types.AsReject(err)
	if !ok || rej.Reason != types.RejectMaxPositionSize {
		t.Fatalf("expected MAX_POSITION_SIZE_EXCEEDED, got %v", err)
	}

	if err := e.Check(buyOrder("o2", "u1", "0.50", 5)); err != nil {
		t.Fatalf("order at the limit should pass, got %v", err)
	}
}

func TestCheck_SellIgnoresBalance(t *testing.T) {
	e := newEngine(t)
	e.SetPosition("u1", "mkt", true, 50)
	// No funds at all; a sell only needs shares.
	if err := e.Check(sellOrder("o1", "u1", "0.60", 50)); err != nil {
		t.Fatalf("sell with shares should pass, got %v", err)
	}
}

// ─── lock / unlock ───────────────────────────────────────────────────────────

func TestLockUnlock_Buy(t *testing.T) {
	e := newEngine(t)
	e.SetBalance("u1", dec("100"))

	o := buyOrder("o1", "u1", "0.50", 10)
	if err := e.Lock(o); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	b := e.Balance("u1")
	if !b.Available.Equal(dec("95")) || !b.Locked.Equal(dec("5")) {
		t.Fatalf("after lock: %+v", b)
	}
	if !e.LockedFunds().Equal(dec("5")) {
		t.Fatalf("ledger: got %s, want 5", e.LockedFunds())
	}

	e.Unlock(o)
	b = e.Balance("u1")
	if !b.Available.Equal(dec("100")) || !b.Locked.IsZero() {
		t.Fatalf("after unlock: %+v", b)
	}
	checkInvariants(t, e, "u1")
}

func TestLockUnlock_Sell(t *testing.T) {
	e := newEngine(t)
	e.SetPosition("u1", "mkt", true, 30)

	o := sellOrder("o1", "u1", "0.65", 30)
	if err := e.Lock(o); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	p := e.Position("u1", "mkt", true)
	if p.Available != 0 || p.Locked != 30 {
		t.Fatalf("after lock: %+v", p)
	}

	e.Unlock(o)
	p = e.Position("u1", "mkt", true)
	if p.Available != 30 || p.Locked != 0 {
		t.Fatalf("after unlock: %+v", p)
	}
}

func TestUnlock_NoLockIsNoop(t *testing.T) {
	e := newEngine(t)
	e.SetBalance("u1", dec("100"))
	e.Unlock(buyOrder("missing", "u1", "0.50", 10))
	if b := e.Balance("u1"); !b.Available.Equal(dec("100")) || !b.Locked.IsZero() {
		t.Fatalf("unexpected balance change: %+v", b)
	}
}

func TestLock_Duplicate(t *testing.T) {
	e := newEngine(t)
	e.SetBalance("u1", dec("100"))
	o := buyOrder("o1", "u1", "0.50", 10)
	if err := e.Lock(o); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := e.Lock(o); err == nil {
		t.Fatal("second lock for the same order must fail")
	}
}

// ─── settle ──────────────────────────────────────────────────────────────────

// settleTrade funds both sides, locks both orders, and settles one trade.
func settleTrade(t *testing.T, e *Engine, buy, sell *types.Order, qty int64, price string) {
	t.Helper()
	trade := &types.Trade{
		ID:          "TRD-1-1",
		MarketID:    "mkt",
		Outcome:     true,
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		BuyerID:     buy.UserID,
		SellerID:    sell.UserID,
		Quantity:    qty,
		Price:       dec(price),
		Total:       dec(price).Mul(decimal.NewFromInt(qty)),
		ExecutedAt:  time.Now(),
	}
	if err := e.Settle(trade, buy.Price); err != nil {
		t.Fatalf("Settle: %v", err)
	}
}

func TestSettle_FullFillAtMakerPrice(t *testing.T) {
	e := newEngine(t)
	e.SetBalance("u1", dec("1000"))
	e.SetBalance("u2", dec("1000"))
	e.SetPosition("u2", "mkt", true, 100)

	sell := sellOrder("s1", "u2", "0.55", 10)
	if err := e.Lock(sell); err != nil {
		t.Fatalf("lock sell: %v", err)
	}
	buy := buyOrder("b1", "u1", "0.60", 10)
	if err := e.Lock(buy); err != nil {
		t.Fatalf("lock buy: %v", err)
	}

	settleTrade(t, e, buy, sell, 10, "0.55")

	b1 := e.Balance("u1")
	if !b1.Available.Equal(dec("994.50")) || !b1.Locked.IsZero() {
		t.Errorf("buyer balance: %+v", b1)
	}
	b2 := e.Balance("u2")
	if !b2.Available.Equal(dec("1005.50")) {
		t.Errorf("seller balance: %+v", b2)
	}
	if p := e.Position("u1", "mkt", true); p.Available != 10 {
		t.Errorf("buyer position: %+v", p)
	}
	if p := e.Position("u2", "mkt", true); p.Available != 90 || p.Locked != 0 {
		t.Errorf("seller position: %+v", p)
	}
	if !e.LockedFunds().IsZero() {
		t.Errorf("ledger should be empty, got %s", e.LockedFunds())
	}
	checkInvariants(t, e, "u1", "u2")
}

func TestSettle_PartialFillRefund(t *testing.T) {
	e := newEngine(t)
	e.SetBalance("u1", dec("1000"))
	e.SetPosition("u2", "mkt", true, 30)

	sell := sellOrder("s1", "u2", "0.65", 30)
	if err := e.Lock(sell); err != nil {
		t.Fatalf("lock sell: %v", err)
	}
	buy := buyOrder("b1", "u1", "0.70", 50)
	if err := e.Lock(buy); err != nil {
		t.Fatalf("lock buy: %v", err)
	}

	// 30 shares execute at the maker's 0.65; improvement 0.05 × 30 refunds.
	settleTrade(t, e, buy, sell, 30, "0.65")

	b1 := e.Balance("u1")
	// 1000 − 35 locked + 1.50 refund
	if !b1.Available.Equal(dec("966.50")) {
		t.Errorf("buyer available: got %s, want 966.50", b1.Available)
	}
	// Residual 20 shares at 0.70 stay locked.
	if !b1.Locked.Equal(dec("14.00")) {
		t.Errorf("buyer locked: got %s, want 14.00", b1.Locked)
	}
	if !e.LockedFunds().Equal(dec("14.00")) {
		t.Errorf("ledger: got %s, want 14.00", e.LockedFunds())
	}
	checkInvariants(t, e, "u1", "u2")
}

// ─── recovery ────────────────────────────────────────────────────────────────

func TestRestoreAndRebuildLocks(t *testing.T) {
	e := newEngine(t)
	e.SetBalance("u1", dec("1000"))
	o := buyOrder("o1", "u1", "0.70", 20)
	if err := e.Lock(o); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	balances := e.SnapshotBalances()
	positions := e.SnapshotPositions()

	restored := newEngine(t)
	restored.RestoreBalances(balances)
	restored.RestorePositions(positions)
	o2 := *o
	o2.Status = types.StatusOpen
	restored.RebuildLocks([]*types.Order{&o2})

	if b := restored.Balance("u1"); !b.Locked.Equal(dec("14")) {
		t.Errorf("restored locked: got %s, want 14", b.Locked)
	}
	if !restored.LockedFunds().Equal(dec("14")) {
		t.Errorf("rebuilt ledger: got %s, want 14", restored.LockedFunds())
	}

	// The rebuilt lock must release cleanly.
	restored.Unlock(&o2)
	if b := restored.Balance("u1"); !b.Locked.IsZero() || !b.Available.Equal(dec("1000")) {
		t.Errorf("after unlock: %+v", b)
	}
}
