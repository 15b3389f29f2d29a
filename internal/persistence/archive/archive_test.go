package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"undercity.gg/internal/persistence/snapshot"
)

func writeDummy(t *testing.T, path string, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestArchiveSnapshotCopiesAndWritesMeta(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "players", "P1.snap.zst")
	writeDummy(t, src, "dummy")

	snap := snapshot.StateV1{
		Header: snapshot.Header{Version: 1, PlayerID: "P1", SavedMs: 1700000000000},
	}
	archived, err := ArchiveSnapshot(dir, src, snap, 5)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	got, err := os.ReadFile(archived)
	if err != nil {
		t.Fatalf("read archived: %v", err)
	}
	if string(got) != "dummy" {
		t.Fatalf("archived content mismatch: %q", got)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(archived), "meta.json")); err != nil {
		t.Fatalf("expected meta.json: %v", err)
	}
}

func TestArchiveSnapshotPrunesOldEntries(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "players", "P1.snap.zst")
	writeDummy(t, src, "dummy")

	for i := 0; i < 5; i++ {
		snap := snapshot.StateV1{
			Header: snapshot.Header{Version: 1, PlayerID: "P1", SavedMs: 1700000000000 + int64(i)},
		}
		if _, err := ArchiveSnapshot(dir, src, snap, 3); err != nil {
			t.Fatalf("archive %d: %v", i, err)
		}
	}

	paths, err := List(dir, "P1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("expected 3 kept, got %d", len(paths))
	}
	// Newest first, oldest two gone.
	want := fmt.Sprintf("%d.snap.zst", 1700000000004)
	if filepath.Base(paths[0]) != want {
		t.Fatalf("newest=%s want %s", filepath.Base(paths[0]), want)
	}
}

func TestArchiveDisabledWhenKeepZero(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "players", "P1.snap.zst")
	writeDummy(t, src, "dummy")

	archived, err := ArchiveSnapshot(dir, src, snapshot.StateV1{
		Header: snapshot.Header{PlayerID: "P1", SavedMs: 1},
	}, 0)
	if err != nil || archived != "" {
		t.Fatalf("keep=0 should be a no-op, got %q err=%v", archived, err)
	}
}
