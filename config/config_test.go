package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Persistence.WALPath != "./data/wal" {
		t.Errorf("walPath: %q", cfg.Persistence.WALPath)
	}
	if cfg.Persistence.SnapshotInterval != 10000 {
		t.Errorf("snapshotInterval: %d", cfg.Persistence.SnapshotInterval)
	}
	if cfg.Persistence.BufferSize != 100 {
		t.Errorf("bufferSize: %d", cfg.Persistence.BufferSize)
	}
	if cfg.Persistence.FlushInterval() != 100*time.Millisecond {
		t.Errorf("flushInterval: %s", cfg.Persistence.FlushInterval())
	}
	if cfg.Sequencer.BatchSize != 100 || cfg.Sequencer.BatchTimeout() != time.Millisecond {
		t.Errorf("sequencer: %+v", cfg.Sequencer)
	}
	if cfg.Sequencer.MaxOrdersPerSecond != 10000 {
		t.Errorf("maxOrdersPerSecond: %d", cfg.Sequencer.MaxOrdersPerSecond)
	}
	if cfg.Risk.MaxOrderValue != 10000 || cfg.Risk.MaxPositionSize != 100000 || cfg.Risk.MinBalance != 0 {
		t.Errorf("risk: %+v", cfg.Risk)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
persistence:
  walPath: /var/lib/clob/wal
  bufferSize: 500
sequencer:
  maxOrdersPerSecond: 50
risk:
  maxOrderValue: 2500.5
logging:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Persistence.WALPath != "/var/lib/clob/wal" {
		t.Errorf("walPath: %q", cfg.Persistence.WALPath)
	}
	if cfg.Persistence.BufferSize != 500 {
		t.Errorf("bufferSize: %d", cfg.Persistence.BufferSize)
	}
	// Unset keys keep their defaults.
	if cfg.Persistence.SnapshotPath != "./data/snapshots" {
		t.Errorf("snapshotPath: %q", cfg.Persistence.SnapshotPath)
	}
	if cfg.Sequencer.MaxOrdersPerSecond != 50 {
		t.Errorf("maxOrdersPerSecond: %d", cfg.Sequencer.MaxOrdersPerSecond)
	}
	if !cfg.Risk.MaxOrderValueDec().Equal(decimal.NewFromFloat(2500.5)) {
		t.Errorf("maxOrderValue: %s", cfg.Risk.MaxOrderValueDec())
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging: %+v", cfg.Logging)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Sequencer.BatchSize = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero batch size must fail validation")
	}

	cfg = Default()
	cfg.Persistence.WALPath = ""
	if err := cfg.Validate(); err == nil {
		t.Error("empty walPath must fail validation")
	}
}
