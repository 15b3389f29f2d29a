package mailbox

import (
	"testing"

	"undercity.gg/internal/protocol"
)

func msg(t *testing.T, id, typ, from string, createdMs int64, pri protocol.Priority) protocol.Message {
	t.Helper()
	m, res := protocol.New(protocol.Config{
		ID:       id,
		Type:     typ,
		From:     protocol.EntityRef{ID: from, Name: from, Kind: protocol.KindNPC},
		To:       protocol.EntityRef{ID: "P1", Kind: protocol.KindSelf},
		Content:  protocol.Content{Text: "x"},
		Priority: pri,
		NowMs:    createdMs,
	})
	if !res.OK {
		t.Fatalf("msg %s: %+v", id, res)
	}
	return m
}

func TestAdd_RejectsDuplicateID(t *testing.T) {
	b := New("P1")
	m := msg(t, "M1", protocol.MsgChat, "vince", 10, protocol.PriorityNormal)
	if res := b.Add(m); !res.OK {
		t.Fatalf("first add: %+v", res)
	}
	if res := b.Add(m); res.OK || res.Code != protocol.ErrValidation {
		t.Fatalf("duplicate add should fail, got %+v", res)
	}
}

func TestFiltersAndSorts(t *testing.T) {
	b := New("P1")
	b.Add(msg(t, "M1", protocol.MsgChat, "vince", 10, protocol.PriorityLow))
	b.Add(msg(t, "M2", protocol.MsgOpportunity, "rosa", 20, protocol.PriorityUrgent))
	b.Add(msg(t, "M3", protocol.MsgChat, "ash", 30, protocol.PriorityNormal))
	b.MarkRead("M1")

	unread := b.List(Filter{UnreadOnly: true, Sort: SortOldest})
	if len(unread) != 2 || unread[0].ID != "M2" || unread[1].ID != "M3" {
		t.Fatalf("unread filter wrong: %+v", unread)
	}
	chats := b.List(Filter{Type: protocol.MsgChat})
	if len(chats) != 2 || chats[0].ID != "M3" {
		t.Fatalf("type filter / newest sort wrong: %+v", chats)
	}
	byPri := b.List(Filter{Sort: SortPriority})
	if byPri[0].ID != "M2" {
		t.Fatalf("priority sort should lead with urgent, got %s", byPri[0].ID)
	}
	bySender := b.List(Filter{Sort: SortSender})
	if bySender[0].From.Name != "ash" {
		t.Fatalf("sender sort wrong: %s", bySender[0].From.Name)
	}
}

func TestArchiveAndSoftDeleteAreOverlays(t *testing.T) {
	b := New("P1")
	b.Add(msg(t, "M1", protocol.MsgChat, "vince", 10, protocol.PriorityNormal))
	b.Add(msg(t, "M2", protocol.MsgChat, "vince", 20, protocol.PriorityNormal))

	b.Archive("M1")
	if got := b.List(Filter{}); len(got) != 1 || got[0].ID != "M2" {
		t.Fatalf("archived message leaked into inbox: %+v", got)
	}
	if got := b.List(Filter{Archived: true}); len(got) != 1 || got[0].ID != "M1" {
		t.Fatalf("archive view wrong: %+v", got)
	}
	if b.UnreadCount() != 1 {
		t.Fatalf("archived messages must not count unread, got %d", b.UnreadCount())
	}

	b.Delete("M2")
	if _, res := b.Get("M2"); res.OK {
		t.Fatalf("soft-deleted message should be invisible")
	}
	if b.Len() != 2 {
		t.Fatalf("soft delete must not physically remove, len=%d", b.Len())
	}
	if n := b.Purge(); n != 1 {
		t.Fatalf("purge should remove exactly the deleted one, got %d", n)
	}
	if b.Len() != 1 {
		t.Fatalf("purge failed, len=%d", b.Len())
	}
}

func TestThreadGroupingAndUnreadDerived(t *testing.T) {
	b := New("P1")
	m1 := msg(t, "M1", protocol.MsgChat, "vince", 10, protocol.PriorityNormal)
	m1.ThreadID = "T1"
	m2 := msg(t, "M2", protocol.MsgChat, "vince", 20, protocol.PriorityNormal)
	m2.ThreadID = "T1"
	m2.ReplyTo = "M1"
	b.Add(m1)
	b.Add(m2)
	b.Add(msg(t, "M3", protocol.MsgOpportunity, "rosa", 30, protocol.PriorityNormal))

	th := b.Thread("T1")
	if len(th) != 2 || th[0].ID != "M1" || th[1].ID != "M2" {
		t.Fatalf("thread grouping wrong: %+v", th)
	}
	byType := b.UnreadByType()
	if byType[protocol.MsgChat] != 2 || byType[protocol.MsgOpportunity] != 1 {
		t.Fatalf("unread by type wrong: %+v", byType)
	}
	b.MarkRead("M1")
	b.MarkRead("M2")
	b.MarkRead("M3")
	if b.UnreadCount() != 0 {
		t.Fatalf("unread should derive to zero")
	}
}

func TestSweepExpired(t *testing.T) {
	b := New("P1")
	m := msg(t, "M1", protocol.MsgOpportunity, "rosa", 10, protocol.PriorityNormal)
	m.ExpiresAtMs = 100
	b.Add(m)
	b.Add(msg(t, "M2", protocol.MsgChat, "vince", 20, protocol.PriorityNormal))

	swept := b.SweepExpired(100)
	if len(swept) != 1 || swept[0] != "M1" {
		t.Fatalf("sweep wrong: %v", swept)
	}
	if got := b.List(Filter{}); len(got) != 1 || got[0].ID != "M2" {
		t.Fatalf("expired message still visible: %+v", got)
	}
}
