package indexdb

import (
	"path/filepath"
	"testing"

	"undercity.gg/internal/protocol"
)

func openTest(t *testing.T) *SQLiteIndex {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMessageIndexRoundtrip(t *testing.T) {
	s := openTest(t)
	for i, text := range []string{"first", "second", "third"} {
		m, res := protocol.New(protocol.Config{
			Type:     protocol.MsgNPC,
			From:     protocol.EntityRef{ID: "NPC_vince", Kind: protocol.KindNPC},
			Content:  protocol.Content{Text: text},
			NowMs:    int64(1000 * (i + 1)),
			ThreadID: "OP000001",
		})
		if !res.OK {
			t.Fatalf("message: %+v", res)
		}
		if err := s.WriteMessage("P1", m); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	s.Sync()

	got, err := s.RecentMessages("P1", 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 || got[0].Content.Text != "third" {
		t.Fatalf("newest-first limit 2 wrong: %+v", got)
	}

	thread, err := s.ThreadMessages("OP000001")
	if err != nil {
		t.Fatalf("thread: %v", err)
	}
	if len(thread) != 3 || thread[0].Content.Text != "first" {
		t.Fatalf("thread order wrong: %+v", thread)
	}
}

func TestInteractionStats(t *testing.T) {
	s := openTest(t)
	rows := []InteractionRow{
		{PlayerID: "P1", CounterpartyID: "NPC_vince", Type: "job_completed", Delta: 8, AtMs: 1},
		{PlayerID: "P1", CounterpartyID: "NPC_vince", Type: "opportunity_declined", Delta: -2, AtMs: 2},
		{PlayerID: "P1", CounterpartyID: "NPC_mira", Type: "chat", Delta: 1, AtMs: 3},
		{PlayerID: "P2", CounterpartyID: "NPC_vince", Type: "chat", Delta: 1, AtMs: 4},
	}
	for _, r := range rows {
		if err := s.WriteInteraction(r); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	s.Sync()

	stats, err := s.InteractionStats("P1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats["NPC_vince"] != 6 || stats["NPC_mira"] != 1 {
		t.Fatalf("aggregates wrong: %+v", stats)
	}
	if _, ok := stats["P2"]; ok {
		t.Fatalf("stats must be scoped to the player")
	}
}

func TestNegotiationOutcomes(t *testing.T) {
	s := openTest(t)
	_ = s.WriteNegotiation(NegotiationRow{
		ID: "AL000001", PlayerID: "P1", Kind: "alliance",
		CounterpartyID: "NPC_mira", State: "ended", ClosedMs: 100, RawJSON: []byte(`{}`),
	})
	_ = s.WriteNegotiation(NegotiationRow{
		ID: "TR000001", PlayerID: "P1", Kind: "trade",
		CounterpartyID: "NPC_mira", State: "betrayed", ClosedMs: 200, RawJSON: []byte(`{}`),
	})
	s.Sync()

	got, err := s.NegotiationOutcomes("P1", 10)
	if err != nil {
		t.Fatalf("outcomes: %v", err)
	}
	if len(got) != 2 || got[0].ID != "TR000001" || got[1].State != "ended" {
		t.Fatalf("outcomes wrong: %+v", got)
	}
}

func TestNilAndClosedWritesAreSafe(t *testing.T) {
	var s *SQLiteIndex
	if err := s.WriteMessage("P1", protocol.Message{}); err != nil {
		t.Fatalf("nil index write should no-op, got %v", err)
	}

	live := openTest(t)
	_ = live.Close()
	if err := live.WriteInteraction(InteractionRow{}); err != nil {
		t.Fatalf("closed index write should no-op, got %v", err)
	}
}
