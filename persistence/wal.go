// Package persistence provides the write-ahead log, periodic snapshots, and
// recovery for the engine.
//
// Architecture:
//
//	Manager           – facade: log events, save/load snapshots, replay
//	  ├── WAL         – append-only newline-delimited JSON log, batch-flushed
//	  └── Snapshotter – full-state JSON snapshots with retention pruning
//
// Events are buffered in memory and flushed when the buffer reaches its
// configured length or on a timer, whichever comes first. Event numbers are
// assigned synchronously under a single-writer discipline, so on-disk order
// matches logical order after a successful flush.
package persistence

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/prediqt/clob/metrics"
)

// EventKind identifies the kind of event stored in the log.
type EventKind string

const (
	EventOrderReceived    EventKind = "ORDER_RECEIVED"
	EventOrderSequenced   EventKind = "ORDER_SEQUENCED"
	EventOrderRejected    EventKind = "ORDER_REJECTED"
	EventOrderCancelled   EventKind = "ORDER_CANCELLED"
	EventTrade            EventKind = "TRADE"
	EventOrderFilled      EventKind = "ORDER_FILLED"
	EventOrderPartialFill EventKind = "ORDER_PARTIAL_FILL"
)

// Entry is one WAL record: a monotonic event number, the kind, a wall
// timestamp, and the kind-specific payload.
type Entry struct {
	EventNumber uint64          `json:"eventNumber"`
	Type        EventKind       `json:"type"`
	Timestamp   time.Time       `json:"timestamp"`
	Data        json.RawMessage `json:"data"`
}

// DecodeData unmarshals the entry payload into v.
func (e Entry) DecodeData(v any) error {
	return json.Unmarshal(e.Data, v)
}

const (
	// rotatedRetention is how many compressed rotated segments survive.
	rotatedRetention = 3

	walPrefix     = "wal-"
	walSuffix     = ".log"
	walZstdSuffix = ".log.zst"
)

// WAL is the append-only event log. Appends buffer in memory; the buffer is
// flushed when it reaches bufferSize entries or every flushInterval.
type WAL struct {
	mu          sync.Mutex
	dir         string
	file        *os.File
	buf         [][]byte
	bufferSize  int
	eventNumber uint64

	ticker *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup

	logger    *slog.Logger
	collector *metrics.Collector
}

// OpenWAL creates the directory if needed, opens a fresh wal-<ts>.log
// segment, and starts the background flush timer. collector may be nil.
func OpenWAL(dir string, bufferSize int, flushInterval time.Duration, logger *slog.Logger, collector *metrics.Collector) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("persistence: creating wal dir: %w", err)
	}
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	f, err := openSegment(dir)
	if err != nil {
		return nil, err
	}

	w := &WAL{
		dir:        dir,
		file:       f,
		buf:        make([][]byte, 0, bufferSize),
		bufferSize: bufferSize,
		ticker:     time.NewTicker(flushInterval),
		done:       make(chan struct{}),
		logger:     logger.With("component", "wal"),
		collector:  collector,
	}
	w.wg.Add(1)
	go w.flushLoop()
	return w, nil
}

func openSegment(dir string) (*os.File, error) {
	name := fmt.Sprintf("%s%d%s", walPrefix, time.Now().UnixNano(), walSuffix)
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("persistence: opening wal segment: %w", err)
	}
	return f, nil
}

// Append assigns the next event number, encodes the entry, and buffers it.
// The write hits disk on the next flush; a flush triggered by a full buffer
// happens synchronously inside this call and its error surfaces here.
func (w *WAL) Append(kind EventKind, payload any) (uint64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("persistence: encoding %s payload: %w", kind, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	entry := Entry{
		EventNumber: w.eventNumber + 1,
		Type:        kind,
		Timestamp:   time.Now(),
		Data:        data,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("persistence: encoding %s entry: %w", kind, err)
	}
	w.eventNumber++
	w.buf = append(w.buf, append(line, '\n'))

	if len(w.buf) >= w.bufferSize {
		if err := w.flushLocked(); err != nil {
			return 0, err
		}
	}
	return entry.EventNumber, nil
}

// Flush forces the buffer to disk.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

// flushLocked writes the whole buffered block in one append. On failure the
// buffer is left intact so no accepted event is silently dropped.
// Caller holds w.mu.
func (w *WAL) flushLocked() error {
	if len(w.buf) == 0 {
		return nil
	}
	var block []byte
	for _, line := range w.buf {
		block = append(block, line...)
	}
	if _, err := w.file.Write(block); err != nil {
		if w.collector != nil {
			w.collector.WALFlushErrors.Inc()
		}
		return fmt.Errorf("persistence: appending wal block: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		if w.collector != nil {
			w.collector.WALFlushErrors.Inc()
		}
		return fmt.Errorf("persistence: syncing wal: %w", err)
	}
	if w.collector != nil {
		w.collector.WALEventsLogged.Add(float64(len(w.buf)))
		w.collector.WALFlushes.Inc()
	}
	w.buf = w.buf[:0]
	return nil
}

func (w *WAL) flushLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ticker.C:
			w.mu.Lock()
			if err := w.flushLocked(); err != nil {
				w.logger.Error("timed flush failed", "error", err)
			}
			w.mu.Unlock()
		case <-w.done:
			return
		}
	}
}

// EventNumber returns the last assigned event number.
func (w *WAL) EventNumber() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.eventNumber
}

// SetEventNumber reinstates the counter after recovery so numbering
// continues gap-free across restarts and rotations.
func (w *WAL) SetEventNumber(n uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n > w.eventNumber {
		w.eventNumber = n
	}
}

// Rotate flushes and closes the active segment, compresses it, opens a
// fresh segment, and prunes compressed segments beyond the retention count.
// Event numbering continues monotonically across the rotation.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(); err != nil {
		return err
	}
	oldPath := w.file.Name()
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("persistence: closing rotated segment: %w", err)
	}
	if err := compressSegment(oldPath); err != nil {
		return err
	}

	f, err := openSegment(w.dir)
	if err != nil {
		return err
	}
	w.file = f

	return pruneRotated(w.dir, rotatedRetention)
}

// compressSegment writes path.zst next to path and removes the original.
func compressSegment(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("persistence: opening segment for compression: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(path + ".zst")
	if err != nil {
		return fmt.Errorf("persistence: creating compressed segment: %w", err)
	}
	enc, err := zstd.NewWriter(dst)
	if err != nil {
		_ = dst.Close()
		return err
	}
	if _, err := io.Copy(enc, src); err != nil {
		_ = enc.Close()
		_ = dst.Close()
		return fmt.Errorf("persistence: compressing segment: %w", err)
	}
	if err := enc.Close(); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// pruneRotated deletes compressed segments beyond the keep newest.
func pruneRotated(dir string, keep int) error {
	names, err := segmentNames(dir, walZstdSuffix)
	if err != nil {
		return err
	}
	if len(names) <= keep {
		return nil
	}
	// names are sorted oldest-first
	for _, name := range names[:len(names)-keep] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("persistence: pruning rotated segment %s: %w", name, err)
		}
	}
	return nil
}

// segmentNames lists wal files with the given suffix sorted by the embedded
// timestamp, oldest first.
func segmentNames(dir, suffix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	type seg struct {
		name string
		ts   int64
	}
	var segs []seg
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, walPrefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		tsStr := strings.TrimSuffix(strings.TrimPrefix(name, walPrefix), suffix)
		ts, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			continue
		}
		segs = append(segs, seg{name: name, ts: ts})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].ts < segs[j].ts })
	names := make([]string, len(segs))
	for i, s := range segs {
		names[i] = s.name
	}
	return names, nil
}

// Close flushes remaining entries, stops the timer, and closes the segment.
func (w *WAL) Close() error {
	w.ticker.Stop()
	close(w.done)
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flushLocked(); err != nil {
		_ = w.file.Close()
		return err
	}
	return w.file.Close()
}

// ReadAllEntries decodes every parseable entry across all segments in dir,
// compressed rotated segments first, in event order. A corrupt line is
// skipped: the recovery contract is "apply every parseable event, in order".
func ReadAllEntries(dir string) ([]Entry, error) {
	var out []Entry

	zstNames, err := segmentNames(dir, walZstdSuffix)
	if err != nil {
		return nil, err
	}
	for _, name := range zstNames {
		entries, err := readCompressedSegment(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}

	logNames, err := segmentNames(dir, walSuffix)
	if err != nil {
		return nil, err
	}
	for _, name := range logNames {
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		entries := decodeLines(f)
		_ = f.Close()
		out = append(out, entries...)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].EventNumber < out[j].EventNumber })
	return out, nil
}

func readCompressedSegment(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return decodeLines(dec), nil
}

// decodeLines parses newline-delimited entries, silently skipping lines
// that do not decode (torn tail writes, corruption).
func decodeLines(r io.Reader) []Entry {
	var out []Entry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		if e.EventNumber == 0 || e.Type == "" {
			continue
		}
		out = append(out, e)
	}
	return out
}
