// Package client is the game-facing transport: a reconnecting websocket
// session with heartbeat, acked sends, a presence directory, and an HTTP
// poll fallback when the socket cannot be re-established.
package client

import (
	"context"
	"encoding/json"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"undercity.gg/internal/clock"
	"undercity.gg/internal/protocol"
	"undercity.gg/internal/tuning"
)

// Connection states.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateReconnecting = "reconnecting"
	StateFailed       = "failed" // retries exhausted, poll fallback only
)

// Conn is the slice of *websocket.Conn the client needs.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens a connection; swapped in tests.
type Dialer func(ctx context.Context, url string) (Conn, error)

func DefaultDialer(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	return c, err
}

// PollFunc fetches queued messages when the socket is down.
type PollFunc func(ctx context.Context, sinceCursor uint64, limit int) (protocol.PollBatchPayload, error)

// Handlers receive client-side events. All optional; called from the
// client's run goroutine.
type Handlers struct {
	OnMessage     func(protocol.Message)
	OnEnvelope    func(protocol.Envelope)
	OnStateChange func(oldState, newState string)
	OnPresence    func(entityID, status string)
	OnError       func(code, msg string)
	// OnDrop fires when a full outbound queue evicts a frame. The id is
	// empty for untracked envelopes.
	OnDrop func(messageID string)
}

type Config struct {
	URL      string
	PlayerID string
	Token    string

	Tuning tuning.Transport

	Dialer Dialer
	Poll   PollFunc
	Clock  clock.Clock
	Rand   func() float64

	Log *log.Logger
}

type Client struct {
	cfg tuning.Transport
	url string

	playerID string
	token    string

	dial  Dialer
	poll  PollFunc
	clk   clock.Clock
	rand  func() float64
	log   *log.Logger
	hooks Handlers

	mu       sync.Mutex
	state    string
	queue    *sendQueue
	acks     *ackTable
	presence *directory
	cursor   uint64 // last seen poll cursor, guarded by mu

	// kick wakes the writer so a send does not wait for the flush tick.
	kick chan struct{}

	attempts int
	lastPong int64
}

func New(cfg Config, hooks Handlers) *Client {
	c := &Client{
		cfg:      cfg.Tuning,
		url:      cfg.URL,
		playerID: cfg.PlayerID,
		token:    cfg.Token,
		dial:     cfg.Dialer,
		poll:     cfg.Poll,
		clk:      cfg.Clock,
		rand:     cfg.Rand,
		log:      cfg.Log,
		hooks:    hooks,
		state:    StateDisconnected,
		queue:    newSendQueue(cfg.Tuning.OutboundQueueMax),
		acks:     newAckTable(),
		presence: newDirectory(),
		kick:     make(chan struct{}, 1),
	}
	if c.dial == nil {
		c.dial = DefaultDialer
	}
	if c.clk == nil {
		c.clk = clock.Real()
	}
	if c.rand == nil {
		c.rand = rand.Float64
	}
	if c.log == nil {
		c.log = log.New(discard{}, "", 0)
	}
	return c
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func (c *Client) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s string) {
	c.mu.Lock()
	old := c.state
	c.state = s
	c.mu.Unlock()
	if old != s {
		c.log.Printf("transport %s -> %s", old, s)
		if c.hooks.OnStateChange != nil {
			c.hooks.OnStateChange(old, s)
		}
	}
}

// Presence returns the last known status for an entity.
func (c *Client) Presence(entityID string) (string, bool) {
	return c.presence.get(entityID)
}

// Send queues an envelope and wakes the writer; the result message is
// "sent" when a socket is up, "queued" while reconnecting. A full queue
// evicts the oldest entry and reports it through OnDrop.
func (c *Client) Send(env protocol.Envelope) protocol.Result {
	b, err := json.Marshal(env)
	if err != nil {
		return protocol.Fail(protocol.ErrValidation, "encode: "+err.Error())
	}
	return c.enqueue(outFrame{data: b})
}

// SendMessage wraps a message in a send envelope and registers it for
// acknowledgement. The registered frame survives reconnects: anything
// written to a socket that dies unacked is resent on the next session.
func (c *Client) SendMessage(m protocol.Message, onAck func(protocol.AckPayload)) protocol.Result {
	if res := protocol.Validate(m); !res.OK {
		return res
	}
	env, err := protocol.NewEnvelope(protocol.EnvSend, m, clock.NowMs(c.clk))
	if err != nil {
		return protocol.Fail(protocol.ErrValidation, "encode: "+err.Error())
	}
	env.SenderID = c.playerID
	b, err := json.Marshal(env)
	if err != nil {
		return protocol.Fail(protocol.ErrValidation, "encode: "+err.Error())
	}
	c.acks.register(m.ID, b, onAck)
	return c.enqueue(outFrame{msgID: m.ID, data: b})
}

func (c *Client) enqueue(f outFrame) protocol.Result {
	if evicted, dropped := c.queue.push(f); dropped {
		c.log.Printf("outbound queue full, dropped oldest")
		if evicted.msgID != "" {
			c.acks.fail(evicted.msgID, protocol.ErrConn, "dropped from outbound queue")
		}
		if c.hooks.OnDrop != nil {
			c.hooks.OnDrop(evicted.msgID)
		}
	}
	select {
	case c.kick <- struct{}{}:
	default:
	}
	res := protocol.Ok()
	if c.State() == StateConnected {
		res.Message = "sent"
	} else {
		res.Message = "queued"
	}
	return res
}

// Backoff returns the delay before reconnect attempt n (0-based):
// base*2^n capped at the maximum, plus uniform jitter.
func (c *Client) Backoff(attempt int) time.Duration {
	base := c.cfg.BackoffBaseMs
	if base <= 0 {
		base = 1000
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if c.cfg.BackoffMaxMs > 0 && d >= c.cfg.BackoffMaxMs {
			d = c.cfg.BackoffMaxMs
			break
		}
	}
	if c.cfg.BackoffMaxMs > 0 && d > c.cfg.BackoffMaxMs {
		d = c.cfg.BackoffMaxMs
	}
	jitter := int64(0)
	if c.cfg.BackoffJitterMs > 0 {
		jitter = int64(c.rand() * float64(c.cfg.BackoffJitterMs))
	}
	return time.Duration(d+jitter) * time.Millisecond
}

// Run drives the connect/reconnect loop until the context ends. When the
// socket is down past the retry budget it degrades to polling.
func (c *Client) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}
		if c.attempts == 0 {
			c.setState(StateConnecting)
		} else {
			c.setState(StateReconnecting)
		}
		conn, err := c.dial(ctx, c.url)
		if err != nil {
			if !c.retryBudgetLeft(ctx, err) {
				c.failTerminal(ctx)
				return
			}
			continue
		}

		if err := c.handshake(conn); err != nil {
			_ = conn.Close()
			if !c.retryBudgetLeft(ctx, err) {
				c.failTerminal(ctx)
				return
			}
			continue
		}

		c.attempts = 0
		c.setState(StateConnected)
		c.session(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}
		c.attempts = 1
	}
}

// retryBudgetLeft counts one failed connect attempt (dial or handshake)
// and sleeps the backoff. False means the budget is spent.
func (c *Client) retryBudgetLeft(ctx context.Context, cause error) bool {
	c.attempts++
	if c.cfg.MaxReconnectAttempts > 0 && c.attempts >= c.cfg.MaxReconnectAttempts {
		return false
	}
	delay := c.Backoff(c.attempts - 1)
	c.log.Printf("connect failed (attempt %d): %v, retry in %s", c.attempts, cause, delay)
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
	return true
}

func (c *Client) failTerminal(ctx context.Context) {
	c.setState(StateFailed)
	if c.hooks.OnError != nil {
		c.hooks.OnError(protocol.ErrConn, "reconnect attempts exhausted")
	}
	c.pollLoop(ctx)
}

func (c *Client) handshake(conn Conn) error {
	env, err := protocol.NewEnvelope(protocol.EnvAuth,
		protocol.AuthPayload{PlayerID: c.playerID, Token: c.token}, clock.NowMs(c.clk))
	if err != nil {
		return err
	}
	env.SenderID = c.playerID
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(c.clk.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

// session pumps one live connection; returns when it drops.
func (c *Client) session(ctx context.Context, conn Conn) {
	done := make(chan struct{})
	defer close(done)

	heartbeat := time.Duration(c.cfg.HeartbeatMs) * time.Millisecond
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	c.mu.Lock()
	c.lastPong = clock.NowMs(c.clk)
	c.mu.Unlock()

	// At-least-once: anything written to the previous socket that was
	// never acked goes back to the head of the queue. The server mailbox
	// dedupes by message id, so a late ack only costs a resend.
	requeue := c.acks.takeUnackedSent()
	for i := len(requeue) - 1; i >= 0; i-- {
		c.queue.unshift(requeue[i])
	}

	// Writer: flush the queue and send heartbeats.
	go func() {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		flush := time.NewTicker(50 * time.Millisecond)
		defer flush.Stop()
		flushQueue := func() bool {
			for {
				f, ok := c.queue.pop()
				if !ok {
					return true
				}
				_ = conn.SetWriteDeadline(c.clk.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
					c.queue.unshift(f)
					return false
				}
				if f.msgID != "" {
					c.acks.markSent(f.msgID)
				}
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if c.pongOverdue() {
					_ = conn.Close()
					return
				}
				env, _ := protocol.NewEnvelope(protocol.EnvPing, nil, clock.NowMs(c.clk))
				env.SenderID = c.playerID
				b, _ := json.Marshal(env)
				_ = conn.SetWriteDeadline(c.clk.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					_ = conn.Close()
					return
				}
			case <-c.kick:
				if !flushQueue() {
					_ = conn.Close()
					return
				}
			case <-flush.C:
				if !flushQueue() {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		_ = conn.SetReadDeadline(c.clk.Now().Add(heartbeat + time.Duration(c.cfg.PongTimeoutMs)*time.Millisecond))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleRaw(msg)
	}
}

func (c *Client) pongOverdue() bool {
	if c.cfg.PongTimeoutMs <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return clock.NowMs(c.clk)-c.lastPong > c.cfg.HeartbeatMs+c.cfg.PongTimeoutMs
}

func (c *Client) handleRaw(msg []byte) {
	env, err := protocol.DecodeEnvelope(msg)
	if err != nil {
		c.log.Printf("bad envelope: %v", err)
		return
	}
	c.HandleEnvelope(env)
}

// HandleEnvelope routes one inbound envelope. Exported for the poll path
// and tests.
func (c *Client) HandleEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.EnvPong:
		c.mu.Lock()
		c.lastPong = clock.NowMs(c.clk)
		c.mu.Unlock()

	case protocol.EnvAck:
		var ack protocol.AckPayload
		if err := json.Unmarshal(env.Payload, &ack); err != nil {
			return
		}
		c.acks.resolve(ack)

	case protocol.EnvReceive:
		var m protocol.Message
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return
		}
		if c.hooks.OnMessage != nil {
			c.hooks.OnMessage(m)
		}

	case protocol.EnvPresence, protocol.EnvPresenceUpdate:
		var p protocol.PresencePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		c.presence.set(p.EntityID, p.Status)
		if c.hooks.OnPresence != nil {
			c.hooks.OnPresence(p.EntityID, p.Status)
		}

	case protocol.EnvError:
		var e protocol.ErrorPayload
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return
		}
		if c.hooks.OnError != nil {
			c.hooks.OnError(e.Code, e.Message)
		}

	default:
		if c.hooks.OnEnvelope != nil {
			c.hooks.OnEnvelope(env)
		}
	}
}

// pollLoop is the degraded path: fetch batches on an interval until the
// context ends.
func (c *Client) pollLoop(ctx context.Context) {
	if c.poll == nil {
		return
	}
	interval := time.Duration(c.cfg.PollIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			batch, err := c.poll(ctx, c.Cursor(), 50)
			if err != nil {
				c.log.Printf("poll: %v", err)
				continue
			}
			c.ApplyPollBatch(batch)
		}
	}
}

// ApplyPollBatch feeds polled messages through the normal delivery path
// and advances the cursor.
func (c *Client) ApplyPollBatch(batch protocol.PollBatchPayload) {
	for _, item := range batch.Items {
		if c.hooks.OnMessage != nil {
			c.hooks.OnMessage(item.Message)
		}
		c.advanceCursor(item.Cursor)
	}
	c.advanceCursor(batch.NextCursor)
}

func (c *Client) advanceCursor(to uint64) {
	c.mu.Lock()
	if to > c.cursor {
		c.cursor = to
	}
	c.mu.Unlock()
}

// Cursor is the resume point for the next poll.
func (c *Client) Cursor() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// QueueDepth reports the pending outbound count.
func (c *Client) QueueDepth() int { return c.queue.len() }

// PendingAcks reports unresolved sends.
func (c *Client) PendingAcks() int { return c.acks.len() }
