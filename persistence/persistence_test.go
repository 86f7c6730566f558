package persistence

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/prediqt/clob/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func testOrder(id string, qty int64) types.Order {
	return types.Order{
		ID:        id,
		UserID:    "u1",
		MarketID:  "mkt",
		Outcome:   true,
		Side:      types.Buy,
		Price:     decimal.RequireFromString("0.50"),
		Quantity:  qty,
		Remaining: qty,
		Status:    types.StatusQueued,
	}
}

func openWAL(t *testing.T, dir string, bufferSize int) *WAL {
	t.Helper()
	w, err := OpenWAL(dir, bufferSize, 50*time.Millisecond, nil, nil)
	if err != nil {
		t.Fatalf("OpenWAL: %v", err)
	}
	return w
}

// ─── WAL ─────────────────────────────────────────────────────────────────────

func TestWAL_AppendAndReadAll(t *testing.T) {
	dir := t.TempDir()
	w := openWAL(t, dir, 100)

	for i, id := range []string{"o1", "o2", "o3"} {
		n, err := w.Append(EventOrderReceived, OrderPayload{Order: testOrder(id, int64(i+1))})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if n != uint64(i+1) {
			t.Errorf("event number: got %d, want %d", n, i+1)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := ReadAllEntries(dir)
	if err != nil {
		t.Fatalf("ReadAllEntries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries: got %d, want 3", len(entries))
	}
	for i, e := range entries {
		if e.EventNumber != uint64(i+1) {
			t.Errorf("[%d] event number: got %d", i, e.EventNumber)
		}
		if e.Type != EventOrderReceived {
			t.Errorf("[%d] type: got %s", i, e.Type)
		}
	}

	var p OrderPayload
	if err := entries[1].DecodeData(&p); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if p.Order.ID != "o2" || p.Order.Quantity != 2 {
		t.Errorf("payload: %+v", p.Order)
	}
}

func TestWAL_FlushOnBufferThreshold(t *testing.T) {
	dir := t.TempDir()
	// Buffer of 2: the second append must force a synchronous flush.
	w, err := OpenWAL(dir, 2, time.Hour, nil, nil)
	if err != nil {
		t.Fatalf("OpenWAL: %v", err)
	}
	defer w.Close()

	if _, err := w.Append(EventOrderReceived, OrderPayload{Order: testOrder("o1", 1)}); err != nil {
		t.Fatal(err)
	}
	if entries, _ := ReadAllEntries(dir); len(entries) != 0 {
		t.Fatalf("nothing should be on disk yet, got %d entries", len(entries))
	}

	if _, err := w.Append(EventOrderReceived, OrderPayload{Order: testOrder("o2", 1)}); err != nil {
		t.Fatal(err)
	}
	entries, err := ReadAllEntries(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("threshold flush: got %d entries, want 2", len(entries))
	}
}

func TestWAL_TimedFlush(t *testing.T) {
	dir := t.TempDir()
	w := openWAL(t, dir, 1000)
	defer w.Close()

	if _, err := w.Append(EventOrderReceived, OrderPayload{Order: testOrder("o1", 1)}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if entries, _ := ReadAllEntries(dir); len(entries) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed flush never hit disk")
}

func TestWAL_CorruptLineSkipped(t *testing.T) {
	dir := t.TempDir()
	w := openWAL(t, dir, 10)
	if _, err := w.Append(EventOrderReceived, OrderPayload{Order: testOrder("o1", 1)}); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Append(EventOrderReceived, OrderPayload{Order: testOrder("o2", 1)}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	// Corrupt the segment: garbage before the first record and an
	// unterminated line after the last.
	names, err := segmentNames(dir, walSuffix)
	if err != nil || len(names) != 1 {
		t.Fatalf("segments: %v %v", names, err)
	}
	path := filepath.Join(dir, names[0])
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	corrupted := append([]byte("{{{ not json }}}\n"), data...)
	corrupted = append(corrupted, []byte("tail garbage with no newline")...)
	if err := os.WriteFile(path, corrupted, 0o644); err != nil {
		t.Fatal(err)
	}

	entries, err := ReadAllEntries(dir)
	if err != nil {
		t.Fatalf("ReadAllEntries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("parseable entries: got %d, want 2", len(entries))
	}
}

func TestWAL_RotationRetentionAndReadThrough(t *testing.T) {
	dir := t.TempDir()
	w := openWAL(t, dir, 10)

	// Five rotations leave three compressed segments plus the active one.
	for i := 0; i < 5; i++ {
		if _, err := w.Append(EventOrderReceived, OrderPayload{Order: testOrder("o", int64(i+1))}); err != nil {
			t.Fatal(err)
		}
		if err := w.Rotate(); err != nil {
			t.Fatalf("Rotate %d: %v", i, err)
		}
	}
	if _, err := w.Append(EventOrderReceived, OrderPayload{Order: testOrder("active", 99)}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	zst, err := segmentNames(dir, walZstdSuffix)
	if err != nil {
		t.Fatal(err)
	}
	if len(zst) != 3 {
		t.Fatalf("rotated retention: got %d compressed segments, want 3", len(zst))
	}

	// Event numbering is continuous across rotation, and compressed
	// segments are readable.
	entries, err := ReadAllEntries(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 4 { // events 3,4,5 in retained segments + active
		t.Fatalf("entries: got %d, want 4", len(entries))
	}
	want := uint64(3)
	for _, e := range entries {
		if e.EventNumber != want {
			t.Errorf("event number: got %d, want %d", e.EventNumber, want)
		}
		want++
	}
}

// ─── snapshots ───────────────────────────────────────────────────────────────

func testSnapshot(eventNumber uint64) Snapshot {
	return Snapshot{
		LastEventNumber: eventNumber,
		Timestamp:       time.Now(),
		LastSequence:    7,
		TradeSequence:   3,
		Balances: map[string]types.Balance{
			"u1": {Available: decimal.RequireFromString("966.50"), Locked: decimal.RequireFromString("14.00")},
		},
		Positions: map[string]map[string]types.Position{
			"u2": {"mkt:true": {Available: 70, Locked: 0}},
		},
	}
}

func TestSnapshotter_SaveAndLoadLatest(t *testing.T) {
	dir := t.TempDir()
	sp, err := NewSnapshotter(dir)
	if err != nil {
		t.Fatal(err)
	}

	for _, n := range []uint64{10, 30, 20} {
		if _, err := sp.Save(testSnapshot(n)); err != nil {
			t.Fatalf("Save %d: %v", n, err)
		}
	}

	snap, err := sp.LoadLatest()
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if snap == nil || snap.LastEventNumber != 30 {
		t.Fatalf("newest snapshot: %+v", snap)
	}
	if snap.LastSequence != 7 || snap.TradeSequence != 3 {
		t.Errorf("counters: %+v", snap)
	}
	if !snap.Balances["u1"].Locked.Equal(decimal.RequireFromString("14.00")) {
		t.Errorf("balances: %+v", snap.Balances)
	}
	if snap.Positions["u2"]["mkt:true"].Available != 70 {
		t.Errorf("positions: %+v", snap.Positions)
	}
}

func TestSnapshotter_LoadLatestEmpty(t *testing.T) {
	sp, err := NewSnapshotter(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	snap, err := sp.LoadLatest()
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if snap != nil {
		t.Fatalf("expected nil snapshot, got %+v", snap)
	}
}

func TestSnapshotter_Retention(t *testing.T) {
	dir := t.TempDir()
	sp, err := NewSnapshotter(dir)
	if err != nil {
		t.Fatal(err)
	}
	for n := uint64(1); n <= 8; n++ {
		if _, err := sp.Save(testSnapshot(n)); err != nil {
			t.Fatal(err)
		}
	}
	names, err := sp.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != snapshotRetention {
		t.Fatalf("retention: got %d files, want %d", len(names), snapshotRetention)
	}
	snap, err := sp.LoadLatest()
	if err != nil {
		t.Fatal(err)
	}
	if snap.LastEventNumber != 8 {
		t.Errorf("newest after pruning: got %d, want 8", snap.LastEventNumber)
	}
}

// ─── manager ─────────────────────────────────────────────────────────────────

func newManager(t *testing.T, dir string) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		WALPath:       filepath.Join(dir, "wal"),
		SnapshotPath:  filepath.Join(dir, "snapshots"),
		BufferSize:    10,
		FlushInterval: 20 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestManager_LoadLatestTail(t *testing.T) {
	dir := t.TempDir()

	m := newManager(t, dir)
	for i := 1; i <= 5; i++ {
		if _, err := m.LogEvent(EventOrderReceived, OrderPayload{Order: testOrder("o", int64(i))}); err != nil {
			t.Fatal(err)
		}
	}
	snap := testSnapshot(3) // events 4 and 5 are the tail
	if _, err := m.SaveSnapshot(snap); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	m2 := newManager(t, dir)
	defer m2.Close()
	loaded, tail, err := m2.LoadLatest()
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if loaded == nil || loaded.LastEventNumber != 3 {
		t.Fatalf("snapshot: %+v", loaded)
	}
	if len(tail) != 2 || tail[0].EventNumber != 4 || tail[1].EventNumber != 5 {
		t.Fatalf("tail: %+v", tail)
	}

	// Numbering continues past everything seen.
	n, err := m2.LogEvent(EventOrderReceived, OrderPayload{Order: testOrder("o6", 6)})
	if err != nil {
		t.Fatal(err)
	}
	if n != 6 {
		t.Errorf("next event number: got %d, want 6", n)
	}
}

func TestManager_ReplayAll(t *testing.T) {
	dir := t.TempDir()
	m := newManager(t, dir)
	defer m.Close()

	kinds := []EventKind{EventOrderReceived, EventOrderSequenced, EventTrade}
	for _, k := range kinds {
		if _, err := m.LogEvent(k, map[string]string{"k": string(k)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Flush(); err != nil {
		t.Fatal(err)
	}

	var seen []EventKind
	if err := m.ReplayAll(func(e Entry) error {
		seen = append(seen, e.Type)
		return nil
	}); err != nil {
		t.Fatalf("ReplayAll: %v", err)
	}
	if len(seen) != len(kinds) {
		t.Fatalf("replayed: %v", seen)
	}
	for i := range kinds {
		if seen[i] != kinds[i] {
			t.Errorf("[%d]: got %s, want %s", i, seen[i], kinds[i])
		}
	}
}
