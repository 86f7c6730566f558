// Package sequencer is the engine's single-writer intake: it validates and
// rate-limits submissions, assigns monotonically increasing sequence
// numbers, drives risk locks and the write-ahead log, and forwards orders
// to matching.
//
// Orders are accepted into an in-memory FIFO; a drain loop pulls batches
// and processes each order serially, so for any two orders with sequence
// numbers i < j, every step for i completes before any step for j.
package sequencer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prediqt/clob/events"
	"github.com/prediqt/clob/markets"
	"github.com/prediqt/clob/matching"
	"github.com/prediqt/clob/persistence"
	"github.com/prediqt/clob/risk"
	"github.com/prediqt/clob/types"
)

// Config tunes intake batching and the per-user rate limit.
type Config struct {
	// BatchSize is the maximum orders drained per tick.
	BatchSize int
	// BatchInterval is the drain tick period.
	BatchInterval time.Duration
	// MaxOrdersPerSecond caps accepted submissions per user per wall second.
	MaxOrdersPerSecond int
}

// EmitFunc receives the domain events the sequencer produces.
type EmitFunc func(t events.Type, data any)

// Sequencer owns the intake queue and the sequence counter.
type Sequencer struct {
	cfg Config

	risk      *risk.Engine
	engine    *matching.Engine
	wal       *persistence.Manager
	directory markets.Directory
	emit      EmitFunc
	logger    *slog.Logger

	mu     sync.Mutex
	queue  []*types.Order
	queued map[string]*types.Order
	seq    uint64

	limiter *rateLimiter

	// checkpoint, when set, runs after each drained batch on the drain
	// goroutine — the only mutator — so it observes a consistent state.
	checkpoint func()

	// observeLatency, when set, receives the dequeue-to-completion
	// duration of each processed order.
	observeLatency func(time.Duration)

	done    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New creates a sequencer. emit may be nil; directory may be nil to accept
// every market.
func New(
	cfg Config,
	riskEngine *risk.Engine,
	engine *matching.Engine,
	wal *persistence.Manager,
	directory markets.Directory,
	emit EmitFunc,
	logger *slog.Logger,
) *Sequencer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = time.Millisecond
	}
	if emit == nil {
		emit = func(events.Type, any) {}
	}
	if directory == nil {
		directory = markets.NewStaticDirectory()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequencer{
		cfg:       cfg,
		risk:      riskEngine,
		engine:    engine,
		wal:       wal,
		directory: directory,
		emit:      emit,
		logger:    logger.With("component", "sequencer"),
		queued:    make(map[string]*types.Order),
		limiter:   newRateLimiter(cfg.MaxOrdersPerSecond),
		done:      make(chan struct{}),
	}
}

// Submit validates a request synchronously and, if acceptable, enqueues the
// order and logs ORDER_RECEIVED. Validation and rate-limit failures return
// a *types.Reject and leave no trace in engine state or the log.
func (s *Sequencer) Submit(ctx context.Context, req types.OrderRequest) (*types.SubmitResult, error) {
	if err := s.validate(ctx, req); err != nil {
		return nil, err
	}
	if !s.limiter.allow(req.UserID) {
		return nil, types.NewReject(types.RejectRateLimit,
			fmt.Sprintf("user %s exceeded %d orders per second", req.UserID, s.cfg.MaxOrdersPerSecond))
	}

	order := &types.Order{
		ID:         uuid.NewString(),
		UserID:     req.UserID,
		MarketID:   req.MarketID,
		Outcome:    req.Outcome,
		Side:       req.Side,
		Price:      req.Price,
		Quantity:   req.Quantity,
		Remaining:  req.Quantity,
		Status:     types.StatusQueued,
		ReceivedAt: time.Now(),
	}

	if _, err := s.wal.LogEvent(persistence.EventOrderReceived, persistence.OrderPayload{Order: *order}); err != nil {
		return nil, fmt.Errorf("sequencer: logging received order: %w", err)
	}

	s.mu.Lock()
	s.queue = append(s.queue, order)
	s.queued[order.ID] = order
	position := len(s.queue)
	s.mu.Unlock()

	return &types.SubmitResult{
		OrderID:             order.ID,
		QueuePosition:       position,
		EstimatedProcessing: time.Duration(position) * s.cfg.BatchInterval,
	}, nil
}

// validate applies the synchronous submission checks.
func (s *Sequencer) validate(ctx context.Context, req types.OrderRequest) error {
	switch {
	case req.UserID == "":
		return types.NewReject(types.RejectValidation, "userId is required")
	case req.MarketID == "":
		return types.NewReject(types.RejectValidation, "marketId is required")
	case !req.Side.Valid():
		return types.NewReject(types.RejectValidation,
			fmt.Sprintf("type must be BUY or SELL, got %q", req.Side))
	case req.Quantity <= 0:
		return types.NewReject(types.RejectValidation, "quantity must be a positive integer")
	case !types.ValidPrice(req.Price):
		return types.NewReject(types.RejectValidation,
			fmt.Sprintf("price %s must be a two-decimal value in [%s, %s]",
				req.Price, types.MinPrice, types.MaxPrice))
	}

	open, err := s.directory.IsOpen(ctx, req.MarketID)
	if err != nil {
		return types.NewReject(types.RejectValidation,
			fmt.Sprintf("market %s metadata unavailable: %v", req.MarketID, err))
	}
	if !open {
		return types.NewReject(types.RejectValidation,
			fmt.Sprintf("market %s is not open for trading", req.MarketID))
	}
	return nil
}

// Cancel removes a still-queued order directly, or delegates to matching
// for resting orders. Successful cancellations are logged.
func (s *Sequencer) Cancel(orderID, userID string) (*types.Order, error) {
	s.mu.Lock()
	if o, ok := s.queued[orderID]; ok {
		if o.UserID != userID {
			s.mu.Unlock()
			return nil, types.NewReject(types.RejectUnauthorized,
				fmt.Sprintf("order %s does not belong to user %s", orderID, userID))
		}
		delete(s.queued, orderID)
		o.Status = types.StatusCancelled
		s.mu.Unlock()

		if _, err := s.wal.LogEvent(persistence.EventOrderCancelled,
			persistence.CancelPayload{Order: *o, Reason: "USER_CANCELLED"}); err != nil {
			return nil, fmt.Errorf("sequencer: logging queue cancellation: %w", err)
		}
		s.emit(events.TypeOrderCancelled, events.OrderCancelled{Order: *o, Reason: "USER_CANCELLED"})
		return o, nil
	}
	s.mu.Unlock()

	o, err := s.engine.Cancel(orderID, userID)
	if err != nil {
		return nil, err
	}
	if _, err := s.wal.LogEvent(persistence.EventOrderCancelled,
		persistence.CancelPayload{Order: *o, Reason: "USER_CANCELLED"}); err != nil {
		return nil, fmt.Errorf("sequencer: logging cancellation: %w", err)
	}
	return o, nil
}

// SetCheckpoint installs the between-batches hook. Must be called before
// Start.
func (s *Sequencer) SetCheckpoint(fn func()) {
	s.checkpoint = fn
}

// SetLatencyObserver installs the per-order processing-time hook. Must be
// called before Start.
func (s *Sequencer) SetLatencyObserver(fn func(time.Duration)) {
	s.observeLatency = fn
}

// Start launches the drain loop.
func (s *Sequencer) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.drainLoop()
}

// Stop halts the drain loop after the current batch.
func (s *Sequencer) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
}

func (s *Sequencer) drainLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.drainBatch()
		case <-s.done:
			s.drainBatch()
			return
		}
	}
}

// drainBatch pulls up to BatchSize orders off the queue and processes each
// serially. Orders cancelled while queued are skipped.
func (s *Sequencer) drainBatch() {
	defer func() {
		if s.checkpoint != nil {
			s.checkpoint()
		}
	}()
	for i := 0; i < s.cfg.BatchSize; i++ {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		o := s.queue[0]
		s.queue = s.queue[1:]
		if _, live := s.queued[o.ID]; !live {
			s.mu.Unlock()
			continue
		}
		delete(s.queued, o.ID)
		s.seq++
		o.SequenceNumber = s.seq
		o.SequencedAt = time.Now()
		s.mu.Unlock()

		start := time.Now()
		s.process(o)
		if s.observeLatency != nil {
			s.observeLatency(time.Since(start))
		}
	}
}

// process runs one order through risk, logging, and matching.
func (s *Sequencer) process(o *types.Order) {
	if err := s.risk.Check(o); err != nil {
		rej, ok := types.AsReject(err)
		if !ok {
			rej = types.NewReject(types.RejectProcessingError, err.Error())
		}
		s.reject(o, rej)
		return
	}

	if err := s.risk.Lock(o); err != nil {
		s.reject(o, types.NewReject(types.RejectProcessingError, err.Error()))
		return
	}

	if _, err := s.wal.LogEvent(persistence.EventOrderSequenced, persistence.OrderPayload{Order: *o}); err != nil {
		s.risk.Unlock(o)
		s.reject(o, types.NewReject(types.RejectProcessingError,
			fmt.Sprintf("logging sequenced order: %v", err)))
		return
	}
	s.emit(events.TypeOrderSequenced, events.OrderSequenced{Order: *o})

	if err := s.processMatch(o); err != nil {
		s.risk.Unlock(o)
		s.reject(o, types.NewReject(types.RejectProcessingError, err.Error()))
		return
	}
}

// processMatch calls matching and converts a panic into an error so a
// processing failure rejects only the in-flight order.
func (s *Sequencer) processMatch(o *types.Order) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("matching panic: %v", r)
		}
	}()
	return s.engine.Process(o)
}

// reject marks the order rejected, emits, and logs the rejection.
func (s *Sequencer) reject(o *types.Order, rej *types.Reject) {
	o.Status = types.StatusRejected
	s.emit(events.TypeOrderRejected, events.OrderRejected{
		Order: *o, Reason: rej.Reason, Message: rej.Message,
	})
	if _, err := s.wal.LogEvent(persistence.EventOrderRejected, persistence.RejectPayload{
		Order: *o, Reason: rej.Reason, Message: rej.Message,
	}); err != nil {
		s.logger.Error("logging rejection failed", "order", o.ID, "error", err)
	}
}

// QueueDepth returns the number of orders waiting to be sequenced.
func (s *Sequencer) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queued)
}

// LastSequence returns the last assigned sequence number.
func (s *Sequencer) LastSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// SetLastSequence reinstates the counter during recovery, before Start.
func (s *Sequencer) SetLastSequence(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.seq {
		s.seq = n
	}
}
