// Package core composes the engine: persistence, risk, matching, and the
// sequencer, wired through a single event path. It owns the lifecycle —
// recovery on start, a final snapshot on stop — and multiplexes domain
// events to subscribers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prediqt/clob/config"
	"github.com/prediqt/clob/events"
	"github.com/prediqt/clob/markets"
	"github.com/prediqt/clob/matching"
	"github.com/prediqt/clob/metrics"
	"github.com/prediqt/clob/persistence"
	"github.com/prediqt/clob/risk"
	"github.com/prediqt/clob/sequencer"
	"github.com/prediqt/clob/types"
)

// Engine is the facade over the whole order book core. Construct with New,
// call Start (which recovers any persisted state), and Stop to shut down
// with a final snapshot.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	bus     *events.Bus
	persist *persistence.Manager
	risk    *risk.Engine
	match   *matching.Engine
	seq     *sequencer.Sequencer

	collector *metrics.Collector

	// stateMu makes cancellation atomic with respect to snapshot capture.
	// Order processing needs no such guard: both it and capture run on the
	// sequencer's drain goroutine.
	stateMu sync.Mutex

	// recovering suppresses logging and fanout while the WAL tail is
	// replayed through the matching path.
	recovering atomic.Bool

	lastSnapshotEvent atomic.Uint64
	snapshotInFlight  atomic.Bool

	started bool
}

// Option customises engine construction.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	directory markets.Directory
	collector *metrics.Collector
}

// WithLogger sets the root logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithDirectory sets the market-metadata directory consulted at submit.
func WithDirectory(d markets.Directory) Option {
	return func(o *options) { o.directory = d }
}

// WithMetrics attaches a Prometheus collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.collector = c }
}

// New wires the components together. No goroutines run until Start.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("core: invalid config: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	persist, err := persistence.NewManager(persistence.Config{
		WALPath:       cfg.Persistence.WALPath,
		SnapshotPath:  cfg.Persistence.SnapshotPath,
		BufferSize:    cfg.Persistence.BufferSize,
		FlushInterval: cfg.Persistence.FlushInterval(),
		Metrics:       o.collector,
	}, o.logger)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		logger:    o.logger.With("component", "core"),
		bus:       events.NewBus(),
		persist:   persist,
		collector: o.collector,
	}

	e.risk = risk.NewEngine(risk.Limits{
		MaxOrderValue:   cfg.Risk.MaxOrderValueDec(),
		MaxPositionSize: cfg.Risk.MaxPositionSize,
		MinBalance:      cfg.Risk.MinBalanceDec(),
	}, e.emit, o.logger)

	e.match = matching.NewEngine(e.risk, e.emit, o.logger)

	e.seq = sequencer.New(sequencer.Config{
		BatchSize:          cfg.Sequencer.BatchSize,
		BatchInterval:      cfg.Sequencer.BatchTimeout(),
		MaxOrdersPerSecond: cfg.Sequencer.MaxOrdersPerSecond,
	}, e.risk, e.match, persist, o.directory, e.emit, o.logger)
	e.seq.SetCheckpoint(e.checkpoint)
	if e.collector != nil {
		e.seq.SetLatencyObserver(func(d time.Duration) {
			e.collector.ProcessingTime.Observe(d.Seconds())
		})
	}

	return e, nil
}

// emit is the single event path out of the components: it persists the
// events that belong in the WAL, feeds metrics, and fans out to
// subscribers. During recovery replay everything is suppressed — the WAL
// already holds these events.
func (e *Engine) emit(t events.Type, data any) {
	if e.recovering.Load() {
		return
	}

	switch t {
	case events.TypeTrade:
		te := data.(events.TradeExecuted)
		if _, err := e.persist.LogEvent(persistence.EventTrade, persistence.TradePayload{
			Trade:      te.Trade,
			BuyerLimit: te.BuyerLimit,
		}); err != nil {
			// A trade must never outlive its log entry; abort the
			// in-flight order (the sequencer converts this to a
			// PROCESSING_ERROR rejection).
			panic(fmt.Errorf("core: logging trade %s: %w", te.Trade.ID, err))
		}
		if e.collector != nil {
			e.collector.TradesTotal.Inc()
			e.collector.VolumeTotal.Add(float64(te.Trade.Quantity))
		}
	case events.TypeOrderFilled:
		of := data.(events.OrderFilled)
		if _, err := e.persist.LogEvent(persistence.EventOrderFilled,
			persistence.OrderPayload{Order: of.Order}); err != nil {
			panic(fmt.Errorf("core: logging fill of %s: %w", of.Order.ID, err))
		}
	case events.TypeOrderPartialFill:
		pf := data.(events.OrderPartialFill)
		if _, err := e.persist.LogEvent(persistence.EventOrderPartialFill,
			persistence.OrderPayload{Order: pf.Order}); err != nil {
			panic(fmt.Errorf("core: logging partial fill of %s: %w", pf.Order.ID, err))
		}
	case events.TypeOrderRejected:
		if e.collector != nil {
			e.collector.OrdersRejected.WithLabelValues(string(data.(events.OrderRejected).Reason)).Inc()
		}
	case events.TypeOrderCancelled:
		if e.collector != nil {
			e.collector.OrdersCancelled.Inc()
		}
	}

	e.bus.Publish(t, data)
}

// Start recovers persisted state and launches the sequencer.
func (e *Engine) Start() error {
	if e.started {
		return fmt.Errorf("core: already started")
	}
	if err := e.recover(); err != nil {
		return err
	}
	e.lastSnapshotEvent.Store(e.persist.EventNumber())
	e.seq.Start()
	e.started = true
	e.logger.Info("engine started",
		"sequence", e.seq.LastSequence(),
		"eventNumber", e.persist.EventNumber())
	return nil
}

// Stop shuts the intake down, flushes matching state into a final
// snapshot, and closes persistence.
func (e *Engine) Stop() error {
	if !e.started {
		return nil
	}
	e.seq.Stop()
	e.started = false

	if err := e.persist.Flush(); err != nil {
		return err
	}
	if _, err := e.persist.SaveSnapshot(e.captureSnapshot()); err != nil {
		return err
	}
	if err := e.persist.Close(); err != nil {
		return err
	}
	e.bus.Close()
	e.logger.Info("engine stopped")
	return nil
}

// ─── recovery ────────────────────────────────────────────────────────────────

// recover loads the newest snapshot, rebuilds books, balances, positions
// and the lock ledger, then replays the WAL tail through the matching path
// as commands. Derived events (trades, fills) are skipped: deterministic
// matching regenerates them with identical ids.
func (e *Engine) recover() error {
	snap, tail, err := e.persist.LoadLatest()
	if err != nil {
		return fmt.Errorf("core: loading persisted state: %w", err)
	}
	if snap == nil && len(tail) == 0 {
		return nil
	}

	e.recovering.Store(true)
	defer e.recovering.Store(false)

	lastSeq := uint64(0)
	var resting []*types.Order

	if snap != nil {
		e.risk.RestoreBalances(snap.Balances)
		e.risk.RestorePositions(snap.Positions)
		for _, dump := range snap.Books {
			resting = append(resting, e.match.RestoreBook(dump)...)
		}
		e.risk.RebuildLocks(resting)
		e.match.SetTradeSequence(snap.TradeSequence)
		lastSeq = snap.LastSequence
	}

	// Orders rejected after sequencing are skipped wholesale: their net
	// state effect was nil.
	rejected := make(map[string]bool)
	for _, entry := range tail {
		if entry.Type != persistence.EventOrderRejected {
			continue
		}
		var p persistence.RejectPayload
		if err := entry.DecodeData(&p); err == nil {
			rejected[p.Order.ID] = true
			if p.Order.SequenceNumber > lastSeq {
				lastSeq = p.Order.SequenceNumber
			}
		}
	}

	for _, entry := range tail {
		switch entry.Type {
		case persistence.EventOrderSequenced:
			var p persistence.OrderPayload
			if err := entry.DecodeData(&p); err != nil {
				continue
			}
			o := p.Order
			if o.SequenceNumber > lastSeq {
				lastSeq = o.SequenceNumber
			}
			if rejected[o.ID] {
				continue
			}
			if err := e.risk.Lock(&o); err != nil {
				return fmt.Errorf("core: replaying lock for %s: %w", o.ID, err)
			}
			if err := e.match.Process(&o); err != nil {
				return fmt.Errorf("core: replaying order %s: %w", o.ID, err)
			}
		case persistence.EventOrderCancelled:
			var p persistence.CancelPayload
			if err := entry.DecodeData(&p); err != nil {
				continue
			}
			// Queue-stage cancellations never reached the book; a
			// NOT_FOUND here is expected and ignored.
			if _, err := e.match.Cancel(p.Order.ID, p.Order.UserID); err != nil {
				if rej, ok := types.AsReject(err); !ok || rej.Reason != types.RejectNotFound {
					return fmt.Errorf("core: replaying cancel of %s: %w", p.Order.ID, err)
				}
			}
		default:
			// ORDER_RECEIVED orders that never sequenced died with the
			// intake queue; TRADE / ORDER_FILLED / ORDER_PARTIAL_FILL are
			// derived and regenerate during command replay.
		}
	}

	e.seq.SetLastSequence(lastSeq)
	e.logger.Info("recovery complete",
		"snapshot", snap != nil,
		"tailEvents", len(tail),
		"sequence", lastSeq)
	return nil
}

// captureSnapshot assembles the full-fidelity engine state. Must run on the
// drain goroutine or with the sequencer stopped.
func (e *Engine) captureSnapshot() persistence.Snapshot {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return persistence.Snapshot{
		LastEventNumber: e.persist.EventNumber(),
		Timestamp:       time.Now(),
		LastSequence:    e.seq.LastSequence(),
		TradeSequence:   e.match.TradeSequence(),
		Books:           e.match.SnapshotBooks(),
		Balances:        e.risk.SnapshotBalances(),
		Positions:       e.risk.SnapshotPositions(),
	}
}

// checkpoint runs between sequencer batches: refresh gauges and take a
// periodic snapshot once enough events have accumulated.
func (e *Engine) checkpoint() {
	if e.collector != nil {
		e.collector.QueueDepth.Set(float64(e.seq.QueueDepth()))
		e.collector.WALEventNumber.Set(float64(e.persist.EventNumber()))
		e.collector.EventsDropped.Set(float64(e.bus.Dropped()))
		for key, stats := range e.match.StatsAll() {
			market, outcome, ok := types.SplitOutcomeKey(key)
			if !ok {
				continue
			}
			e.collector.BookDepth.WithLabelValues(market, outcome, "bid").Set(float64(stats.TotalBids))
			e.collector.BookDepth.WithLabelValues(market, outcome, "ask").Set(float64(stats.TotalAsks))
		}
		e.collector.BalancesHeld.Set(e.risk.TotalBalance().InexactFloat64())
	}

	interval := e.cfg.Persistence.SnapshotInterval
	if interval == 0 {
		return
	}
	current := e.persist.EventNumber()
	if current-e.lastSnapshotEvent.Load() < interval {
		return
	}
	if !e.snapshotInFlight.CompareAndSwap(false, true) {
		return
	}
	// Capture synchronously on the drain goroutine for consistency; write
	// in the background.
	snap := e.captureSnapshot()
	e.lastSnapshotEvent.Store(snap.LastEventNumber)
	go func() {
		defer e.snapshotInFlight.Store(false)
		if _, err := e.persist.SaveSnapshot(snap); err != nil {
			e.logger.Error("periodic snapshot failed", "error", err)
		}
	}()
}

// ─── public surface ──────────────────────────────────────────────────────────

// SubmitOrder validates and enqueues an order.
func (e *Engine) SubmitOrder(ctx context.Context, req types.OrderRequest) (*types.SubmitResult, error) {
	res, err := e.seq.Submit(ctx, req)
	if err == nil && e.collector != nil {
		e.collector.OrdersSubmitted.WithLabelValues(string(req.Side)).Inc()
	}
	return res, err
}

// CancelOrder cancels a queued or resting order owned by userID.
func (e *Engine) CancelOrder(orderID, userID string) (*types.Order, error) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.seq.Cancel(orderID, userID)
}

// Book returns a depth-limited snapshot of one (market, outcome) book.
func (e *Engine) Book(marketID string, outcome bool, depth int) types.BookSnapshot {
	return e.match.GetBook(marketID, outcome, depth)
}

// Balance returns a user's balance.
func (e *Engine) Balance(userID string) types.Balance {
	return e.risk.Balance(userID)
}

// Positions returns every position a user holds, keyed
// "{marketId}:{outcome}".
func (e *Engine) Positions(userID string) map[string]types.Position {
	return e.risk.Positions(userID)
}

// MarketStats returns the statistics of a market's outcome books.
func (e *Engine) MarketStats(marketID string) map[string]types.BookStats {
	return e.match.MarketStats(marketID)
}

// Subscribe attaches a domain-event consumer.
func (e *Engine) Subscribe(buffer int) (<-chan events.Event, func()) {
	return e.bus.Subscribe(buffer)
}

// Risk exposes the risk engine for funding operations (operator tooling,
// tests).
func (e *Engine) Risk() *risk.Engine {
	return e.risk
}

// Snapshot forces a checkpoint now. Safe only while the sequencer is idle
// or stopped; the serve path uses the periodic checkpoint instead.
func (e *Engine) Snapshot() (string, error) {
	return e.persist.SaveSnapshot(e.captureSnapshot())
}

// RotateWAL rotates the active WAL segment.
func (e *Engine) RotateWAL() error {
	return e.persist.Rotate()
}

// EventNumber returns the last WAL event number.
func (e *Engine) EventNumber() uint64 {
	return e.persist.EventNumber()
}

// LastSequence returns the last assigned order sequence number.
func (e *Engine) LastSequence() uint64 {
	return e.seq.LastSequence()
}
