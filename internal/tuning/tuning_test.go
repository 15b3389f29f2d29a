package tuning

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	got, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file is not an error: %v", err)
	}
	if got.Transport.HeartbeatMs != Default().Transport.HeartbeatMs {
		t.Fatalf("missing file should yield defaults, got %+v", got.Transport)
	}
}

func TestLoadOverridesOnTopOfDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	override := []byte("transport:\n  heartbeat_ms: 5000\nscheduler:\n  hourly_max: 3\n")
	if err := os.WriteFile(path, override, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Transport.HeartbeatMs != 5000 || got.Scheduler.HourlyMax != 3 {
		t.Fatalf("overrides not applied: %+v", got)
	}
	// Untouched sections keep their defaults.
	if got.Transport.BackoffBaseMs != 1000 {
		t.Fatalf("unset key lost its default: %d", got.Transport.BackoffBaseMs)
	}
	if got.Relationship.ImpactTable["betrayed"] != -40 {
		t.Fatalf("impact table default lost: %+v", got.Relationship.ImpactTable)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(path, []byte("transport: [broken"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("malformed yaml must error")
	}
}
