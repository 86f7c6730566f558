package persistence

import (
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/prediqt/clob/metrics"
	"github.com/prediqt/clob/types"
)

// Event payloads. Each WAL entry's Data field holds one of these, keyed by
// the entry's Type.

// OrderPayload accompanies ORDER_RECEIVED, ORDER_SEQUENCED, ORDER_FILLED
// and ORDER_PARTIAL_FILL.
type OrderPayload struct {
	Order types.Order `json:"order"`
}

// RejectPayload accompanies ORDER_REJECTED.
type RejectPayload struct {
	Order   types.Order        `json:"order"`
	Reason  types.RejectReason `json:"reason"`
	Message string             `json:"message"`
}

// CancelPayload accompanies ORDER_CANCELLED.
type CancelPayload struct {
	Order  types.Order `json:"order"`
	Reason string      `json:"reason"`
}

// TradePayload accompanies TRADE. BuyerLimit carries the buy order's limit
// price, the basis of the settlement refund. Recovery does not apply TRADE
// entries: it regenerates trades by re-running the match.
type TradePayload struct {
	Trade      types.Trade     `json:"trade"`
	BuyerLimit decimal.Decimal `json:"buyerLimit"`
}

// Config holds the persistence paths and flush tuning.
type Config struct {
	WALPath       string
	SnapshotPath  string
	BufferSize    int
	FlushInterval time.Duration
	// Metrics, when set, receives WAL flush instrumentation.
	Metrics *metrics.Collector
}

// Manager is the persistence facade: a WAL for the event stream and a
// snapshotter for periodic full-state checkpoints.
type Manager struct {
	wal    *WAL
	snaps  *Snapshotter
	logger *slog.Logger
}

// NewManager opens (or creates) both stores.
func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := OpenWAL(cfg.WALPath, cfg.BufferSize, cfg.FlushInterval, logger, cfg.Metrics)
	if err != nil {
		return nil, err
	}
	s, err := NewSnapshotter(cfg.SnapshotPath)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	return &Manager{wal: w, snaps: s, logger: logger.With("component", "persistence")}, nil
}

// LogEvent appends one event and returns its number. Logging is part of the
// critical path: an error here must halt the operation that produced the
// event.
func (m *Manager) LogEvent(kind EventKind, payload any) (uint64, error) {
	return m.wal.Append(kind, payload)
}

// EventNumber returns the last assigned event number.
func (m *Manager) EventNumber() uint64 {
	return m.wal.EventNumber()
}

// Flush forces buffered events to disk.
func (m *Manager) Flush() error {
	return m.wal.Flush()
}

// Rotate rotates the active WAL segment.
func (m *Manager) Rotate() error {
	return m.wal.Rotate()
}

// SaveSnapshot persists a checkpoint and returns its file name.
func (m *Manager) SaveSnapshot(snap Snapshot) (string, error) {
	name, err := m.snaps.Save(snap)
	if err != nil {
		return "", err
	}
	m.logger.Info("snapshot saved", "file", name, "events", snap.LastEventNumber)
	return name, nil
}

// ListSnapshots returns snapshot file names, newest last.
func (m *Manager) ListSnapshots() ([]string, error) {
	return m.snaps.List()
}

// LoadLatest returns the newest snapshot (nil when none exists) plus every
// parseable WAL entry recorded after it, in order. It also advances the
// event counter past everything seen so numbering continues gap-free.
func (m *Manager) LoadLatest() (*Snapshot, []Entry, error) {
	snap, err := m.snaps.LoadLatest()
	if err != nil {
		return nil, nil, err
	}

	entries, err := ReadAllEntries(m.wal.dir)
	if err != nil {
		return nil, nil, err
	}

	var since uint64
	if snap != nil {
		since = snap.LastEventNumber
	}
	tail := make([]Entry, 0, len(entries))
	maxSeen := since
	for _, e := range entries {
		if e.EventNumber > maxSeen {
			maxSeen = e.EventNumber
		}
		if e.EventNumber > since {
			tail = append(tail, e)
		}
	}
	m.wal.SetEventNumber(maxSeen)
	return snap, tail, nil
}

// ReplayAll streams every parseable WAL entry to handler, in order. A
// handler error stops the replay. Diagnostics only; state is untouched.
func (m *Manager) ReplayAll(handler func(Entry) error) error {
	entries, err := ReadAllEntries(m.wal.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := handler(e); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes pending writes and releases both stores.
func (m *Manager) Close() error {
	return m.wal.Close()
}
