// Package mailbox is the per-owner message store. Archive and delete are
// overlay sets over an append-ordered collection; nothing is physically
// removed until the owner purges.
package mailbox

import (
	"sort"

	"undercity.gg/internal/protocol"
)

type SortMode string

const (
	SortNewest   SortMode = "newest"
	SortOldest   SortMode = "oldest"
	SortPriority SortMode = "priority"
	SortSender   SortMode = "sender"
)

type Filter struct {
	Type           string // empty = all types
	UnreadOnly     bool
	RequiresAction bool
	Archived       bool // list the archive instead of the inbox
	Sort           SortMode
}

type Box struct {
	owner string

	msgs  []protocol.Message
	index map[string]int

	archived map[string]struct{}
	deleted  map[string]struct{}
}

func New(owner string) *Box {
	return &Box{
		owner:    owner,
		index:    map[string]int{},
		archived: map[string]struct{}{},
		deleted:  map[string]struct{}{},
	}
}

func (b *Box) Owner() string { return b.owner }
func (b *Box) Len() int      { return len(b.msgs) }

// Add appends a message. Duplicate ids are refused so redelivery after a
// reconnect cannot double-store.
func (b *Box) Add(m protocol.Message) protocol.Result {
	if res := protocol.Validate(m); !res.OK {
		return res
	}
	if _, dup := b.index[m.ID]; dup {
		return protocol.Fail(protocol.ErrValidation, "duplicate message id: "+m.ID)
	}
	b.index[m.ID] = len(b.msgs)
	b.msgs = append(b.msgs, m)
	return protocol.Ok()
}

func (b *Box) Get(id string) (protocol.Message, protocol.Result) {
	i, ok := b.index[id]
	if !ok {
		return protocol.Message{}, protocol.Fail(protocol.ErrNotFound, "no such message: "+id)
	}
	if _, gone := b.deleted[id]; gone {
		return protocol.Message{}, protocol.Fail(protocol.ErrNotFound, "no such message: "+id)
	}
	return b.msgs[i], protocol.Ok()
}

// MarkRead applies the pure transform atomically inside the store.
func (b *Box) MarkRead(id string) protocol.Result {
	i, ok := b.index[id]
	if !ok {
		return protocol.Fail(protocol.ErrNotFound, "no such message: "+id)
	}
	b.msgs[i] = protocol.MarkRead(b.msgs[i])
	return protocol.Ok()
}

func (b *Box) MarkDelivered(id string) protocol.Result {
	i, ok := b.index[id]
	if !ok {
		return protocol.Fail(protocol.ErrNotFound, "no such message: "+id)
	}
	b.msgs[i] = protocol.MarkDelivered(b.msgs[i])
	return protocol.Ok()
}

func (b *Box) Archive(id string) protocol.Result {
	if _, ok := b.index[id]; !ok {
		return protocol.Fail(protocol.ErrNotFound, "no such message: "+id)
	}
	b.archived[id] = struct{}{}
	return protocol.Ok()
}

func (b *Box) Unarchive(id string) protocol.Result {
	if _, ok := b.index[id]; !ok {
		return protocol.Fail(protocol.ErrNotFound, "no such message: "+id)
	}
	delete(b.archived, id)
	return protocol.Ok()
}

// Delete soft-deletes: the message stays on disk-shaped state until Purge.
func (b *Box) Delete(id string) protocol.Result {
	if _, ok := b.index[id]; !ok {
		return protocol.Fail(protocol.ErrNotFound, "no such message: "+id)
	}
	b.deleted[id] = struct{}{}
	return protocol.Ok()
}

// Purge physically removes soft-deleted messages and returns how many went.
func (b *Box) Purge() int {
	if len(b.deleted) == 0 {
		return 0
	}
	kept := b.msgs[:0]
	for _, m := range b.msgs {
		if _, gone := b.deleted[m.ID]; gone {
			delete(b.archived, m.ID)
			continue
		}
		kept = append(kept, m)
	}
	n := len(b.msgs) - len(kept)
	b.msgs = kept
	b.deleted = map[string]struct{}{}
	b.reindex()
	return n
}

// SweepExpired removes expired, still-unanswered messages. Best-effort per
// item; returns the ids swept.
func (b *Box) SweepExpired(nowMs int64) []string {
	var swept []string
	for _, m := range b.msgs {
		if protocol.IsExpired(m, nowMs) && m.Status != protocol.StatusRead {
			swept = append(swept, m.ID)
			b.deleted[m.ID] = struct{}{}
		}
	}
	return swept
}

// List returns a filtered, sorted copy. Soft-deleted messages never show;
// archived ones show only when the filter asks for the archive.
func (b *Box) List(f Filter) []protocol.Message {
	out := make([]protocol.Message, 0, len(b.msgs))
	for _, m := range b.msgs {
		if _, gone := b.deleted[m.ID]; gone {
			continue
		}
		_, inArchive := b.archived[m.ID]
		if f.Archived != inArchive {
			continue
		}
		if f.Type != "" && m.Type != f.Type {
			continue
		}
		if f.UnreadOnly && m.Status == protocol.StatusRead {
			continue
		}
		if f.RequiresAction && !protocol.RequiresAction(m) {
			continue
		}
		out = append(out, m)
	}
	sortMessages(out, f.Sort)
	return out
}

// Thread returns all visible messages sharing a thread id, oldest first.
func (b *Box) Thread(threadID string) []protocol.Message {
	var out []protocol.Message
	for _, m := range b.msgs {
		if m.ThreadID != threadID {
			continue
		}
		if _, gone := b.deleted[m.ID]; gone {
			continue
		}
		out = append(out, m)
	}
	sortMessages(out, SortOldest)
	return out
}

// UnreadCount is derived on demand, never stored.
func (b *Box) UnreadCount() int {
	n := 0
	for _, m := range b.msgs {
		if _, gone := b.deleted[m.ID]; gone {
			continue
		}
		if _, inArchive := b.archived[m.ID]; inArchive {
			continue
		}
		if m.Status != protocol.StatusRead {
			n++
		}
	}
	return n
}

func (b *Box) UnreadByType() map[string]int {
	out := map[string]int{}
	for _, m := range b.msgs {
		if _, gone := b.deleted[m.ID]; gone {
			continue
		}
		if _, inArchive := b.archived[m.ID]; inArchive {
			continue
		}
		if m.Status != protocol.StatusRead {
			out[m.Type]++
		}
	}
	return out
}

func (b *Box) reindex() {
	b.index = make(map[string]int, len(b.msgs))
	for i, m := range b.msgs {
		b.index[m.ID] = i
	}
}

func sortMessages(ms []protocol.Message, mode SortMode) {
	switch mode {
	case SortOldest:
		sort.SliceStable(ms, func(i, j int) bool { return ms[i].CreatedAtMs < ms[j].CreatedAtMs })
	case SortPriority:
		sort.SliceStable(ms, func(i, j int) bool {
			if ms[i].Priority != ms[j].Priority {
				return ms[i].Priority < ms[j].Priority
			}
			return ms[i].CreatedAtMs > ms[j].CreatedAtMs
		})
	case SortSender:
		sort.SliceStable(ms, func(i, j int) bool {
			a, b := senderKey(ms[i]), senderKey(ms[j])
			if a != b {
				return a < b
			}
			return ms[i].CreatedAtMs > ms[j].CreatedAtMs
		})
	default: // SortNewest
		sort.SliceStable(ms, func(i, j int) bool { return ms[i].CreatedAtMs > ms[j].CreatedAtMs })
	}
}

func senderKey(m protocol.Message) string {
	if m.From.Name != "" {
		return m.From.Name
	}
	return m.From.ID
}
