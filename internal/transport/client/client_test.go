package client

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"undercity.gg/internal/protocol"
	"undercity.gg/internal/tuning"
)

func testConfig() Config {
	return Config{
		URL:      "ws://test/v1/ws",
		PlayerID: "P1",
		Tuning:   tuning.Default().Transport,
		Rand:     func() float64 { return 0 },
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// scriptConn records writes and blocks reads until closed.
type scriptConn struct {
	mu     sync.Mutex
	writes [][]byte
	closed chan struct{}
	once   sync.Once
}

func newScriptConn() *scriptConn { return &scriptConn{closed: make(chan struct{})} }

func (c *scriptConn) WriteMessage(_ int, b []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}
	c.mu.Lock()
	c.writes = append(c.writes, append([]byte(nil), b...))
	c.mu.Unlock()
	return nil
}

func (c *scriptConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errors.New("connection closed")
}

func (c *scriptConn) SetReadDeadline(time.Time) error  { return nil }
func (c *scriptConn) SetWriteDeadline(time.Time) error { return nil }

func (c *scriptConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *scriptConn) wroteFrameWith(sub string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.writes {
		if strings.Contains(string(w), sub) {
			return true
		}
	}
	return false
}

// deadConn fails every write, so the auth handshake never succeeds.
type deadConn struct{}

func (deadConn) ReadMessage() (int, []byte, error) { return 0, nil, errors.New("dead") }
func (deadConn) WriteMessage(int, []byte) error    { return errors.New("dead") }
func (deadConn) SetReadDeadline(time.Time) error   { return nil }
func (deadConn) SetWriteDeadline(time.Time) error  { return nil }
func (deadConn) Close() error                      { return nil }

func TestBackoffSequence(t *testing.T) {
	c := New(testConfig(), Handlers{})
	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
		30000 * time.Millisecond, // capped
		30000 * time.Millisecond,
	}
	for i, w := range want {
		if got := c.Backoff(i); got != w {
			t.Fatalf("Backoff(%d) = %s, want %s", i, got, w)
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	cfg := testConfig()
	cfg.Rand = func() float64 { return 0.999 }
	c := New(cfg, Handlers{})
	got := c.Backoff(0)
	lo, hi := 1000*time.Millisecond, 1250*time.Millisecond
	if got < lo || got >= hi {
		t.Fatalf("jittered backoff %s outside [%s, %s)", got, lo, hi)
	}
}

func TestSendQueueDropsOldest(t *testing.T) {
	q := newSendQueue(3)
	for _, s := range []string{"a", "b", "c"} {
		if _, dropped := q.push(outFrame{data: []byte(s)}); dropped {
			t.Fatalf("push %q should not evict yet", s)
		}
	}
	evicted, dropped := q.push(outFrame{msgID: "M4", data: []byte("d")})
	if !dropped || string(evicted.data) != "a" {
		t.Fatalf("fourth push into a 3-slot queue must evict the oldest, got %q dropped=%v", evicted.data, dropped)
	}
	var got []string
	for {
		f, ok := q.pop()
		if !ok {
			break
		}
		got = append(got, string(f.data))
	}
	if len(got) != 3 || got[0] != "b" || got[1] != "c" || got[2] != "d" {
		t.Fatalf("queue should keep the newest in order, got %v", got)
	}
	if q.dropped() != 1 {
		t.Fatalf("drop count wrong: %d", q.dropped())
	}
}

func TestSendQueueUnshift(t *testing.T) {
	q := newSendQueue(8)
	q.push(outFrame{data: []byte("second")})
	q.unshift(outFrame{data: []byte("first")})
	f, _ := q.pop()
	if string(f.data) != "first" {
		t.Fatalf("unshift should win the next pop, got %q", f.data)
	}
}

func TestAckTableRequeueOrderAndReset(t *testing.T) {
	a := newAckTable()
	a.register("M1", []byte("one"), nil)
	a.register("M2", []byte("two"), nil)
	a.register("M3", []byte("three"), nil)
	a.markSent("M2")
	a.markSent("M1")
	got := a.takeUnackedSent()
	if len(got) != 2 || got[0].msgID != "M1" || got[1].msgID != "M2" {
		t.Fatalf("requeue should hold sent-unacked frames in send order, got %+v", got)
	}
	if len(a.takeUnackedSent()) != 0 {
		t.Fatalf("sent flags must clear after a take")
	}
	if a.len() != 3 {
		t.Fatalf("entries stay registered until acked, got %d", a.len())
	}
}

func TestAckResolution(t *testing.T) {
	c := New(testConfig(), Handlers{})
	m, res := protocol.New(protocol.Config{
		Type:    protocol.MsgChat,
		From:    protocol.EntityRef{ID: "P1", Kind: protocol.KindSelf},
		Content: protocol.Content{Text: "hey"},
	})
	if !res.OK {
		t.Fatalf("message: %+v", res)
	}
	var got *protocol.AckPayload
	if res := c.SendMessage(m, func(a protocol.AckPayload) { got = &a }); !res.OK {
		t.Fatalf("send: %+v", res)
	}
	if c.PendingAcks() != 1 || c.QueueDepth() != 1 {
		t.Fatalf("send should queue and register: acks=%d depth=%d", c.PendingAcks(), c.QueueDepth())
	}

	payload, _ := json.Marshal(protocol.AckPayload{MessageID: m.ID, Accepted: true})
	c.HandleEnvelope(protocol.Envelope{Type: protocol.EnvAck, Payload: payload})
	if got == nil || !got.Accepted {
		t.Fatalf("ack callback not fired: %+v", got)
	}
	if c.PendingAcks() != 0 {
		t.Fatalf("resolved ack should clear the table")
	}

	// Duplicate ack is ignored.
	got = nil
	c.HandleEnvelope(protocol.Envelope{Type: protocol.EnvAck, Payload: payload})
	if got != nil {
		t.Fatalf("duplicate ack must not refire")
	}
}

func TestSendReportsQueuedWhileDown(t *testing.T) {
	c := New(testConfig(), Handlers{})
	env, err := protocol.NewEnvelope(protocol.EnvPresence,
		protocol.PresencePayload{EntityID: "P1", Status: protocol.PresenceOnline}, 0)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if res := c.Send(env); !res.OK || res.Message != "queued" {
		t.Fatalf("disconnected send should report queued, got %+v", res)
	}
}

func TestQueueEvictionFailsAckAndFiresOnDrop(t *testing.T) {
	cfg := testConfig()
	cfg.Tuning.OutboundQueueMax = 1
	var droppedID string
	c := New(cfg, Handlers{OnDrop: func(id string) { droppedID = id }})

	m1, _ := protocol.New(protocol.Config{
		Type:    protocol.MsgChat,
		From:    protocol.EntityRef{ID: "P1", Kind: protocol.KindSelf},
		Content: protocol.Content{Text: "one"},
	})
	m2, _ := protocol.New(protocol.Config{
		Type:    protocol.MsgChat,
		From:    protocol.EntityRef{ID: "P1", Kind: protocol.KindSelf},
		Content: protocol.Content{Text: "two"},
	})
	var failed *protocol.AckPayload
	if res := c.SendMessage(m1, func(a protocol.AckPayload) { failed = &a }); !res.OK {
		t.Fatalf("send m1: %+v", res)
	}
	if res := c.SendMessage(m2, nil); !res.OK {
		t.Fatalf("send m2: %+v", res)
	}
	if droppedID != m1.ID {
		t.Fatalf("eviction should surface the dropped id, got %q", droppedID)
	}
	if failed == nil || failed.Accepted || failed.Code != protocol.ErrConn {
		t.Fatalf("evicted send must fail its ack callback, got %+v", failed)
	}
	if c.PendingAcks() != 1 || c.QueueDepth() != 1 {
		t.Fatalf("only the surviving send stays tracked: acks=%d depth=%d", c.PendingAcks(), c.QueueDepth())
	}
}

func TestUnackedSendResentOnReconnect(t *testing.T) {
	conn1, conn2 := newScriptConn(), newScriptConn()
	conns := []*scriptConn{conn1, conn2}
	var dials int32
	cfg := testConfig()
	cfg.Tuning.BackoffBaseMs = 1
	cfg.Tuning.BackoffJitterMs = 0
	cfg.Dialer = func(ctx context.Context, url string) (Conn, error) {
		n := atomic.AddInt32(&dials, 1)
		if int(n) > len(conns) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return conns[n-1], nil
	}
	c := New(cfg, Handlers{})

	m, _ := protocol.New(protocol.Config{
		Type:    protocol.MsgChat,
		From:    protocol.EntityRef{ID: "P1", Kind: protocol.KindSelf},
		Content: protocol.Content{Text: "deal's on"},
	})
	if res := c.SendMessage(m, func(protocol.AckPayload) {}); !res.OK {
		t.Fatalf("send: %+v", res)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { c.Run(ctx); close(done) }()

	waitFor(t, "first delivery", func() bool { return conn1.wroteFrameWith(m.ID) })

	// A send while the socket is up reports "sent".
	env, _ := protocol.NewEnvelope(protocol.EnvPresence,
		protocol.PresencePayload{EntityID: "P1", Status: protocol.PresenceOnline}, 0)
	if res := c.Send(env); res.Message != "sent" {
		t.Fatalf("connected send should report sent, got %+v", res)
	}

	// Kill the socket before any ack arrives; the reconnect must replay
	// the pending message on the fresh connection.
	conn1.Close()
	waitFor(t, "redelivery on the new session", func() bool { return conn2.wroteFrameWith(m.ID) })

	if c.PendingAcks() != 1 {
		t.Fatalf("unacked send must stay registered until the server acks, got %d", c.PendingAcks())
	}
	cancel()
	conn2.Close()
	<-done
}

func TestHandshakeFailureCountsTowardRetryBudget(t *testing.T) {
	cfg := testConfig()
	cfg.Tuning.BackoffBaseMs = 1
	cfg.Tuning.BackoffMaxMs = 2
	cfg.Tuning.BackoffJitterMs = 0
	cfg.Tuning.MaxReconnectAttempts = 3
	cfg.Dialer = func(ctx context.Context, url string) (Conn, error) {
		return deadConn{}, nil
	}
	var errCode string
	c := New(cfg, Handlers{
		OnError: func(code, msg string) { errCode = code },
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.Run(ctx)
	if c.State() != StateFailed {
		t.Fatalf("failing handshakes should exhaust the budget, got %s", c.State())
	}
	if errCode != protocol.ErrConn {
		t.Fatalf("expected connection error callback, got %q", errCode)
	}
}

func TestPresenceDirectory(t *testing.T) {
	var updates []string
	c := New(testConfig(), Handlers{
		OnPresence: func(id, status string) { updates = append(updates, id+"="+status) },
	})
	payload, _ := json.Marshal(protocol.PresencePayload{EntityID: "NPC_vince", Status: protocol.PresenceOnline})
	c.HandleEnvelope(protocol.Envelope{Type: protocol.EnvPresenceUpdate, Payload: payload})

	status, ok := c.Presence("NPC_vince")
	if !ok || status != protocol.PresenceOnline {
		t.Fatalf("presence not recorded: %q %v", status, ok)
	}
	payload, _ = json.Marshal(protocol.PresencePayload{EntityID: "NPC_vince", Status: protocol.PresenceOffline})
	c.HandleEnvelope(protocol.Envelope{Type: protocol.EnvPresence, Payload: payload})
	if status, _ := c.Presence("NPC_vince"); status != protocol.PresenceOffline {
		t.Fatalf("presence should track the latest update, got %q", status)
	}
	if len(updates) != 2 {
		t.Fatalf("expected two presence callbacks, got %d", len(updates))
	}
}

func TestReceiveRoutesToHandler(t *testing.T) {
	var got []protocol.Message
	c := New(testConfig(), Handlers{
		OnMessage: func(m protocol.Message) { got = append(got, m) },
	})
	m, _ := protocol.New(protocol.Config{
		Type:    protocol.MsgNPC,
		From:    protocol.EntityRef{ID: "NPC_vince", Kind: protocol.KindNPC},
		Content: protocol.Content{Text: "got a job for you"},
	})
	payload, _ := json.Marshal(m)
	c.HandleEnvelope(protocol.Envelope{Type: protocol.EnvReceive, Payload: payload})
	if len(got) != 1 || got[0].ID != m.ID {
		t.Fatalf("receive should reach the message handler, got %+v", got)
	}
}

func TestApplyPollBatchAdvancesCursor(t *testing.T) {
	var got []protocol.Message
	c := New(testConfig(), Handlers{
		OnMessage: func(m protocol.Message) { got = append(got, m) },
	})
	m1, _ := protocol.New(protocol.Config{Type: protocol.MsgSystem, From: protocol.EntityRef{ID: "sys"}, Content: protocol.Content{Text: "a"}})
	m2, _ := protocol.New(protocol.Config{Type: protocol.MsgSystem, From: protocol.EntityRef{ID: "sys"}, Content: protocol.Content{Text: "b"}})
	c.ApplyPollBatch(protocol.PollBatchPayload{
		Items:      []protocol.PollItem{{Cursor: 7, Message: m1}, {Cursor: 9, Message: m2}},
		NextCursor: 9,
	})
	if len(got) != 2 {
		t.Fatalf("poll batch should deliver both messages, got %d", len(got))
	}
	if c.Cursor() != 9 {
		t.Fatalf("cursor should advance to 9, got %d", c.Cursor())
	}
}

func TestRunExhaustsRetriesToFailed(t *testing.T) {
	cfg := testConfig()
	cfg.Tuning.BackoffBaseMs = 1
	cfg.Tuning.BackoffMaxMs = 2
	cfg.Tuning.BackoffJitterMs = 0
	cfg.Tuning.MaxReconnectAttempts = 3
	cfg.Dialer = func(ctx context.Context, url string) (Conn, error) {
		return nil, errors.New("refused")
	}
	var errCode string
	c := New(cfg, Handlers{
		OnError: func(code, msg string) { errCode = code },
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.Run(ctx)
	if c.State() != StateFailed {
		t.Fatalf("exhausted retries should end failed, got %s", c.State())
	}
	if errCode != protocol.ErrConn {
		t.Fatalf("expected connection error callback, got %q", errCode)
	}
}

func TestSendMessageRejectsInvalid(t *testing.T) {
	c := New(testConfig(), Handlers{})
	if res := c.SendMessage(protocol.Message{}, nil); res.OK || res.Code != protocol.ErrValidation {
		t.Fatalf("invalid message should be refused, got %+v", res)
	}
	if c.QueueDepth() != 0 {
		t.Fatalf("refused message must not queue")
	}
}
