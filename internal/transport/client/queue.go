package client

import (
	"sort"
	"sync"

	"undercity.gg/internal/protocol"
)

// outFrame is one encoded envelope awaiting delivery. MsgID is set only
// for ack-tracked sends; heartbeats and presence travel with an empty id.
type outFrame struct {
	msgID string
	data  []byte
}

// sendQueue is a bounded FIFO of outbound frames. When full, the oldest
// entry is evicted so a long outage never holds stale traffic ahead of
// fresh state.
type sendQueue struct {
	mu   sync.Mutex
	buf  []outFrame
	max  int
	drop int
}

func newSendQueue(max int) *sendQueue {
	if max <= 0 {
		max = 256
	}
	return &sendQueue{max: max}
}

// push appends; when an older entry had to be evicted it is returned so
// the caller can surface the drop.
func (q *sendQueue) push(f outFrame) (outFrame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var evicted outFrame
	dropped := false
	if len(q.buf) >= q.max {
		evicted = q.buf[0]
		q.buf = q.buf[1:]
		q.drop++
		dropped = true
	}
	q.buf = append(q.buf, f)
	return evicted, dropped
}

func (q *sendQueue) pop() (outFrame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return outFrame{}, false
	}
	f := q.buf[0]
	q.buf = q.buf[1:]
	return f, true
}

// unshift puts a frame back at the head. Requeues bypass the cap; the
// backlog is already bounded by the pending-ack table.
func (q *sendQueue) unshift(f outFrame) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buf = append([]outFrame{f}, q.buf...)
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

func (q *sendQueue) dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drop
}

// ackTable holds sends awaiting server acknowledgement. Each entry keeps
// the encoded frame so an unacked send can be pushed back onto the queue
// when a fresh session starts.
type ackEntry struct {
	fn    func(protocol.AckPayload)
	frame []byte
	seq   uint64
	sent  bool // written to a socket, ack still outstanding
}

type ackTable struct {
	mu      sync.Mutex
	pending map[string]*ackEntry
	seq     uint64
}

func newAckTable() *ackTable {
	return &ackTable{pending: map[string]*ackEntry{}}
}

func (a *ackTable) register(msgID string, frame []byte, fn func(protocol.AckPayload)) {
	a.mu.Lock()
	a.seq++
	a.pending[msgID] = &ackEntry{fn: fn, frame: frame, seq: a.seq}
	a.mu.Unlock()
}

// markSent records that the frame reached a socket.
func (a *ackTable) markSent(msgID string) {
	a.mu.Lock()
	if e, ok := a.pending[msgID]; ok {
		e.sent = true
	}
	a.mu.Unlock()
}

// resolve fires and forgets the callback; unknown ids are ignored so a
// duplicate ack is harmless.
func (a *ackTable) resolve(ack protocol.AckPayload) {
	a.mu.Lock()
	e, ok := a.pending[ack.MessageID]
	if ok {
		delete(a.pending, ack.MessageID)
	}
	a.mu.Unlock()
	if ok && e.fn != nil {
		e.fn(ack)
	}
}

// fail removes an entry without a server ack and tells its callback. Used
// when the frame was evicted from the queue and can never be acked.
func (a *ackTable) fail(msgID, code, msg string) {
	a.mu.Lock()
	e, ok := a.pending[msgID]
	if ok {
		delete(a.pending, msgID)
	}
	a.mu.Unlock()
	if ok && e.fn != nil {
		e.fn(protocol.AckPayload{MessageID: msgID, Accepted: false, Code: code, Message: msg})
	}
}

// takeUnackedSent returns, in send order, every frame that reached a dead
// socket without being acked, and clears the sent flags: the frames go
// back onto the queue and will be marked sent again when rewritten.
func (a *ackTable) takeUnackedSent() []outFrame {
	a.mu.Lock()
	defer a.mu.Unlock()
	type sent struct {
		id string
		e  *ackEntry
	}
	var got []sent
	for id, e := range a.pending {
		if e.sent {
			got = append(got, sent{id, e})
		}
	}
	sort.Slice(got, func(i, j int) bool { return got[i].e.seq < got[j].e.seq })
	frames := make([]outFrame, 0, len(got))
	for _, g := range got {
		g.e.sent = false
		frames = append(frames, outFrame{msgID: g.id, data: g.e.frame})
	}
	return frames
}

func (a *ackTable) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// directory is the last known presence per entity.
type directory struct {
	mu sync.Mutex
	m  map[string]string
}

func newDirectory() *directory {
	return &directory{m: map[string]string{}}
}

func (d *directory) set(entityID, status string) {
	if entityID == "" {
		return
	}
	d.mu.Lock()
	d.m[entityID] = status
	d.mu.Unlock()
}

func (d *directory) get(entityID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.m[entityID]
	return s, ok
}
