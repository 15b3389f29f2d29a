// Command replay reconstructs a player's delivery timeline from the
// compressed traffic logs, optionally cross-checking the count against a
// snapshot's mailbox.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	persistlog "undercity.gg/internal/persistence/log"
	"undercity.gg/internal/persistence/snapshot"
)

func main() {
	var (
		dataDir  = flag.String("data", "./data", "runtime data directory")
		player   = flag.String("player", "", "player id filter")
		thread   = flag.String("thread", "", "thread id filter")
		msgType  = flag.String("type", "", "message type filter")
		sinceMs  = flag.Int64("since_ms", 0, "only messages created at or after this ms timestamp")
		untilMs  = flag.Int64("until_ms", 0, "only messages created at or before this ms timestamp (0 = no bound)")
		snapPath = flag.String("snapshot", "", "snapshot to cross-check against (optional)")
		quiet    = flag.Bool("quiet", false, "suppress per-message output")
	)
	flag.Parse()

	files, err := listTrafficFiles(filepath.Join(*dataDir, "traffic"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "list traffic:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no traffic files found under", *dataDir)
		os.Exit(1)
	}

	var matched int
	players := map[string]struct{}{}
	for _, path := range files {
		if err := replayFile(path, func(e persistlog.TrafficEntry) {
			m := e.Message
			if *player != "" && e.PlayerID != *player {
				return
			}
			if *thread != "" && m.ThreadID != *thread {
				return
			}
			if *msgType != "" && m.Type != *msgType {
				return
			}
			if m.CreatedAtMs < *sinceMs {
				return
			}
			if *untilMs != 0 && m.CreatedAtMs > *untilMs {
				return
			}
			matched++
			players[e.PlayerID] = struct{}{}
			if !*quiet {
				printEntry(e)
			}
		}); err != nil {
			fmt.Fprintln(os.Stderr, "replay:", err)
			os.Exit(1)
		}
	}

	fmt.Printf("replay ok: messages=%d players=%d files=%d\n", matched, len(players), len(files))

	if *snapPath != "" {
		crossCheck(*snapPath, *player, matched)
	}
}

// crossCheck warns when the snapshot's mailbox holds messages the traffic
// logs never saw, which points at a lost or rotated-away log file.
func crossCheck(snapPath, player string, matched int) {
	snap, err := snapshot.Read(snapPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	if player != "" && snap.Header.PlayerID != player {
		fmt.Fprintf(os.Stderr, "snapshot is for %s, not %s\n", snap.Header.PlayerID, player)
		os.Exit(2)
	}
	held := len(snap.Mailbox.Messages)
	fmt.Printf("snapshot player=%s saved_ms=%d mailbox=%d replayed=%d\n",
		snap.Header.PlayerID, snap.Header.SavedMs, held, matched)
	if held > matched {
		fmt.Fprintf(os.Stderr, "warning: mailbox holds %d messages but only %d replayed from logs\n", held, matched)
	}
}

func listTrafficFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "traffic-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

func replayFile(path string, visit func(persistlog.TrafficEntry)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)

	for sc.Scan() {
		var entry persistlog.TrafficEntry
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		visit(entry)
	}
	return sc.Err()
}

func printEntry(e persistlog.TrafficEntry) {
	m := e.Message
	text := m.Content.Text
	if text == "" {
		text = m.Content.Template
	}
	fmt.Printf("%d %s %s %s->%s thread=%s %q\n",
		m.CreatedAtMs, m.ID, m.Type, m.From.ID, e.PlayerID, m.ThreadID, text)
}
