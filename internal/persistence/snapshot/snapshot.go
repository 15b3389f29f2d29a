// Package snapshot persists one player's full social state as a
// zstd-compressed gob blob with a JSON header line for quick inspection.
package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"undercity.gg/internal/consequence"
	"undercity.gg/internal/mailbox"
	"undercity.gg/internal/negotiation"
	"undercity.gg/internal/opportunity"
	"undercity.gg/internal/relationship"
)

type Header struct {
	Version  int    `json:"version"`
	PlayerID string `json:"player_id"`
	SavedMs  int64  `json:"saved_ms"`
}

type PlayerV1 struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Cash       int64  `json:"cash"`
	Heat       int64  `json:"heat"`
	Experience int64  `json:"experience"`
	Energy     int64  `json:"energy"`

	Traits []string          `json:"traits,omitempty"`
	Arcs   map[string]string `json:"arcs,omitempty"` // arc -> stage
}

type StateV1 struct {
	Header Header `json:"header"`

	Player        PlayerV1                    `json:"player"`
	Mailbox       mailbox.BoxState            `json:"mailbox"`
	Relationships []relationship.Relationship `json:"relationships,omitempty"`
	Scheduler     opportunity.SchedulerState  `json:"scheduler"`
	Opportunities opportunity.ManagerState    `json:"opportunities"`
	Chains        consequence.EngineState     `json:"chains"`
	Alliances     negotiation.AllianceState   `json:"alliances"`
	Trades        negotiation.TradeState      `json:"trades"`

	// Delivery cursor for the poll fallback.
	NextCursor uint64 `json:"next_cursor"`
}

func Path(baseDir, playerID string) string {
	return filepath.Join(baseDir, "players", playerID+".snap.zst")
}

func Write(path string, snap StateV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 64*1024)
	defer bw.Flush()

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}

	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return nil
}

func Read(path string) (StateV1, error) {
	var snap StateV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)

	// Header line is advisory; gob carries it too.
	_, _ = br.ReadBytes('\n')

	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	return snap, nil
}
