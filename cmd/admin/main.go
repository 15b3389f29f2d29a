package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"undercity.gg/internal/persistence/archive"
	"undercity.gg/internal/persistence/snapshot"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "db":
			dbCmd(os.Args[2:])
			return
		case "status":
			statusCmd(os.Args[2:])
			return
		case "inbox":
			inboxCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		case "archives":
			archivesCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

// listCmd prints every player that has a snapshot on disk.
func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	entries, err := os.ReadDir(filepath.Join(*dataDir, "players"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		fmt.Println(strings.TrimSuffix(name, ".snap.zst"))
	}
}

// snapshotCmd summarizes one snapshot file without touching the server.
func snapshotCmd(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	player := fs.String("player", "", "player id")
	snapPath := fs.String("snapshot", "", "snapshot path (overrides -player)")
	_ = fs.Parse(args)

	path := strings.TrimSpace(*snapPath)
	if path == "" {
		if strings.TrimSpace(*player) == "" {
			fmt.Fprintln(os.Stderr, "missing -player or -snapshot")
			os.Exit(2)
		}
		path = snapshot.Path(*dataDir, *player)
	}

	snap, err := snapshot.Read(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}

	printJSON(struct {
		PlayerID      string `json:"player_id"`
		SavedMs       int64  `json:"saved_ms"`
		Cash          int64  `json:"cash"`
		Heat          int64  `json:"heat"`
		Experience    int64  `json:"experience"`
		Energy        int64  `json:"energy"`
		Messages      int    `json:"messages"`
		Relationships int    `json:"relationships"`
		Chains        int    `json:"chains"`
		NextCursor    uint64 `json:"next_cursor"`
	}{
		PlayerID:      snap.Header.PlayerID,
		SavedMs:       snap.Header.SavedMs,
		Cash:          snap.Player.Cash,
		Heat:          snap.Player.Heat,
		Experience:    snap.Player.Experience,
		Energy:        snap.Player.Energy,
		Messages:      len(snap.Mailbox.Messages),
		Relationships: len(snap.Relationships),
		Chains:        len(snap.Chains.Chains),
		NextCursor:    snap.NextCursor,
	})
}

// archivesCmd lists a player's archived snapshots, newest first.
func archivesCmd(args []string) {
	fs := flag.NewFlagSet("archives", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	player := fs.String("player", "", "player id")
	_ = fs.Parse(args)

	if strings.TrimSpace(*player) == "" {
		fmt.Fprintln(os.Stderr, "missing -player")
		os.Exit(2)
	}
	paths, err := archive.List(*dataDir, *player)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list:", err)
		os.Exit(1)
	}
	for _, p := range paths {
		fmt.Println(p)
	}
}
