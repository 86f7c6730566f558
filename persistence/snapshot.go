package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prediqt/clob/matching"
	"github.com/prediqt/clob/types"
)

// snapshotRetention is how many snapshot files survive pruning.
const snapshotRetention = 5

// Snapshot is the complete engine state at a single event number. It
// records every resting order in full — id, user, outcome, price, remaining
// and filled quantities, status, timestamps — together with the balance and
// position tables and the sequence counters, so recovery reproduces the
// exact pre-crash state.
type Snapshot struct {
	LastEventNumber uint64    `json:"lastEventNumber"`
	Timestamp       time.Time `json:"timestamp"`

	LastSequence  uint64 `json:"lastSequence"`
	TradeSequence uint64 `json:"tradeSequence"`

	Books     []matching.BookDump                  `json:"books"`
	Balances  map[string]types.Balance             `json:"balances"`
	Positions map[string]map[string]types.Position `json:"positions"`
}

// Snapshotter writes and reads snapshot files in a directory.
type Snapshotter struct {
	dir string
}

// NewSnapshotter creates the directory if it does not exist.
func NewSnapshotter(dir string) (*Snapshotter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("persistence: creating snapshot dir: %w", err)
	}
	return &Snapshotter{dir: dir}, nil
}

// fileName builds snapshot-<eventNumber>-<wallMillis>.json.
func fileName(eventNumber uint64, ts time.Time) string {
	return fmt.Sprintf("snapshot-%d-%d.json", eventNumber, ts.UnixMilli())
}

// Save writes the snapshot atomically (temp file + rename) and prunes
// snapshots beyond the retention count. Returns the file name.
func (s *Snapshotter) Save(snap Snapshot) (string, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("persistence: encoding snapshot: %w", err)
	}

	name := fileName(snap.LastEventNumber, snap.Timestamp)
	dst := filepath.Join(s.dir, name)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("persistence: writing snapshot: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return "", fmt.Errorf("persistence: renaming snapshot: %w", err)
	}

	if err := s.prune(snapshotRetention); err != nil {
		return "", err
	}
	return name, nil
}

// snapshotFile pairs a file name with its parsed event number.
type snapshotFile struct {
	name        string
	eventNumber uint64
}

// list returns snapshot files sorted by event number ascending. A missing
// directory yields an empty list: it means "start clean".
func (s *Snapshotter) list() ([]snapshotFile, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var files []snapshotFile
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "snapshot-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		parts := strings.SplitN(strings.TrimSuffix(strings.TrimPrefix(name, "snapshot-"), ".json"), "-", 2)
		if len(parts) != 2 {
			continue
		}
		num, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			continue
		}
		files = append(files, snapshotFile{name: name, eventNumber: num})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].eventNumber < files[j].eventNumber })
	return files, nil
}

// LoadLatest reads the newest snapshot. Returns nil with no error when no
// snapshot exists yet.
func (s *Snapshotter) LoadLatest() (*Snapshot, error) {
	files, err := s.list()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}
	newest := files[len(files)-1]
	data, err := os.ReadFile(filepath.Join(s.dir, newest.name))
	if err != nil {
		return nil, fmt.Errorf("persistence: reading snapshot %s: %w", newest.name, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("persistence: decoding snapshot %s: %w", newest.name, err)
	}
	return &snap, nil
}

// prune deletes snapshot files beyond the keep newest.
func (s *Snapshotter) prune(keep int) error {
	files, err := s.list()
	if err != nil {
		return err
	}
	if len(files) <= keep {
		return nil
	}
	for _, f := range files[:len(files)-keep] {
		if err := os.Remove(filepath.Join(s.dir, f.name)); err != nil {
			return fmt.Errorf("persistence: pruning snapshot %s: %w", f.name, err)
		}
	}
	return nil
}

// List returns the snapshot file names, newest last. Used by diagnostics.
func (s *Snapshotter) List() ([]string, error) {
	files, err := s.list()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.name
	}
	return names, nil
}
