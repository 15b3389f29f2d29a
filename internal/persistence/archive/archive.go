// Package archive keeps a bounded history of player snapshots so a bad
// write or a corrupted save never loses the only copy.
package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"undercity.gg/internal/persistence/snapshot"
)

type Meta struct {
	PlayerID      string `json:"player_id"`
	SavedMs       int64  `json:"saved_ms"`
	Snapshot      string `json:"snapshot"`
	CreatedAt     string `json:"created_at"`
	Messages      int    `json:"messages"`
	Relationships int    `json:"relationships"`
}

// ArchiveSnapshot copies a freshly written snapshot into
// `dataDir/archives/<playerID>/<savedMs>.snap.zst` and prunes the archive
// down to `keep` newest entries. keep <= 0 disables archiving.
func ArchiveSnapshot(dataDir, snapshotPath string, snap snapshot.StateV1, keep int) (archivedPath string, err error) {
	if keep <= 0 {
		return "", nil
	}
	dir := filepath.Join(dataDir, "archives", snap.Header.PlayerID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	dst := filepath.Join(dir, fmt.Sprintf("%d.snap.zst", snap.Header.SavedMs))
	if err := copyFile(snapshotPath, dst); err != nil {
		return "", err
	}

	meta := Meta{
		PlayerID:      snap.Header.PlayerID,
		SavedMs:       snap.Header.SavedMs,
		Snapshot:      filepath.Base(dst),
		CreatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
		Messages:      len(snap.Mailbox.Messages),
		Relationships: len(snap.Relationships),
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(dir, "meta.json"), b, 0o644)
	}

	if err := prune(dir, keep); err != nil {
		return dst, err
	}
	return dst, nil
}

// List returns archived snapshot paths for a player, newest first.
func List(dataDir, playerID string) ([]string, error) {
	dir := filepath.Join(dataDir, "archives", playerID)
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var paths []string
	for _, e := range ents {
		if e.IsDir() || filepath.Ext(e.Name()) != ".zst" {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))
	return paths, nil
}

func prune(dir string, keep int) error {
	paths, err := List(filepath.Dir(filepath.Dir(dir)), filepath.Base(dir))
	if err != nil || len(paths) <= keep {
		return err
	}
	for _, p := range paths[keep:] {
		if err := os.Remove(p); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
