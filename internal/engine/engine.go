// Package engine runs the authoritative social simulation: one goroutine
// owns all player state, fed by channels from transports and the admin
// surface. Nothing outside the loop touches a playerState.
package engine

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync/atomic"
	"time"

	"undercity.gg/internal/clock"
	"undercity.gg/internal/consequence"
	"undercity.gg/internal/persistence/snapshot"
	"undercity.gg/internal/protocol"
	"undercity.gg/internal/tuning"
)

type Config struct {
	Tuning  tuning.Tuning
	DataDir string

	Log   *log.Logger
	Clock clock.Clock
	Rand  func() float64

	// Chain templates; defaults load when nil.
	Templates []consequence.Template
}

// JoinRequest attaches a transport session to a player.
type JoinRequest struct {
	PlayerID    string
	Name        string
	Token       string
	ResumeToken string
	Out         chan []byte
	Resp        chan JoinResponse
}

type JoinResponse struct {
	Result      protocol.Result
	SessionID   string
	ResumeToken string
	Queued      int
}

// LeaveRequest detaches a session. SessionID guards against a stale
// socket tearing down its replacement after a reconnect.
type LeaveRequest struct {
	PlayerID  string
	SessionID string
}

// CommandEnvelope is one decoded wire frame from a connected session.
type CommandEnvelope struct {
	PlayerID string
	Env      protocol.Envelope
	Out      chan []byte // session writer for direct replies; may be nil
}

// EventSink receives every engine event (JSONL logger).
type EventSink interface {
	WriteEvent(ev protocol.Event) error
}

// TrafficSink receives every delivered message (JSONL logger and the
// sqlite index both satisfy this).
type TrafficSink interface {
	WriteMessage(playerID string, m protocol.Message) error
}

// OutcomeSink records terminal opportunities, negotiations and applied
// interactions for the queryable history index.
type OutcomeSink interface {
	RecordOpportunity(playerID, id, typ, counterpartyID, state string, resolvedMs int64)
	RecordNegotiation(playerID, id, kind, counterpartyID, state string, closedMs int64)
	RecordInteraction(playerID, counterpartyID, interactionType string, delta float64, atMs int64)
}

type Engine struct {
	cfg       tuning.Tuning
	dataDir   string
	log       *log.Logger
	clk       clock.Clock
	rnd       func() float64
	templates []consequence.Template

	players map[string]*playerState

	// NPC presence directory, broadcast to sessions on change.
	presence map[string]string

	inbox chan CommandEnvelope
	join  chan JoinRequest
	leave chan LeaveRequest
	api   chan APIRequest
	stop  chan struct{}

	nextSession uint64
	nextToken   uint64

	metrics atomic.Value // EngineMetrics

	eventSink    EventSink
	trafficSinks []TrafficSink
	outcomeSink  OutcomeSink
	snapshotSink chan<- snapshot.StateV1
}

func New(cfg Config) *Engine {
	e := &Engine{
		cfg:       cfg.Tuning,
		dataDir:   cfg.DataDir,
		log:       cfg.Log,
		clk:       cfg.Clock,
		rnd:       cfg.Rand,
		templates: cfg.Templates,
		players:   map[string]*playerState{},
		presence:  map[string]string{},
		inbox:     make(chan CommandEnvelope, cfg.Tuning.Engine.InboxBuffer),
		join:      make(chan JoinRequest, 16),
		leave:     make(chan LeaveRequest, 16),
		api:       make(chan APIRequest, 64),
		stop:      make(chan struct{}),
	}
	if e.log == nil {
		e.log = log.New(nopWriter{}, "", 0)
	}
	if e.clk == nil {
		e.clk = clock.Real()
	}
	if e.rnd == nil {
		e.rnd = rand.Float64
	}
	if len(e.templates) == 0 {
		e.templates = consequence.DefaultTemplates()
	}
	return e
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func (e *Engine) SetEventSink(s EventSink)                   { e.eventSink = s }
func (e *Engine) AddTrafficSink(s TrafficSink)               { e.trafficSinks = append(e.trafficSinks, s) }
func (e *Engine) SetOutcomeSink(s OutcomeSink)               { e.outcomeSink = s }
func (e *Engine) SetSnapshotSink(ch chan<- snapshot.StateV1) { e.snapshotSink = ch }

func (e *Engine) Inbox() chan<- CommandEnvelope { return e.inbox }
func (e *Engine) Join() chan<- JoinRequest      { return e.join }
func (e *Engine) Leave() chan<- LeaveRequest    { return e.leave }

func (e *Engine) Stop() { close(e.stop) }

// Run is the actor loop. All player state is confined to this goroutine.
func (e *Engine) Run(ctx context.Context) error {
	sweepEvery := time.Duration(e.cfg.Engine.SweepIntervalMs) * time.Millisecond
	if sweepEvery <= 0 {
		sweepEvery = 10 * time.Second
	}
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.snapshotAll()
			return ctx.Err()
		case <-e.stop:
			e.snapshotAll()
			return nil
		case req := <-e.join:
			e.handleJoin(req)
		case req := <-e.leave:
			e.handleLeave(req)
		case cmd := <-e.inbox:
			e.handleCommand(cmd)
		case req := <-e.api:
			e.handleAPI(req)
		case <-ticker.C:
			e.sweep()
		}
	}
}

// sweep runs the periodic maintenance for every player.
func (e *Engine) sweep() {
	started := time.Now()
	nowMs := clock.NowMs(e.clk)
	for _, ps := range e.players {
		if n := ps.opps.Sweep(nowMs); n > 0 {
			e.log.Printf("player=%s expired %d opportunities", ps.id, n)
			ps.muts += n
		}
		ps.muts += ps.alliances.Sweep(nowMs)
		ps.muts += ps.trades.Sweep(nowMs)
		ps.chains.Tick(nowMs)

		if interval := e.cfg.Negotiation.HealthCheckIntervalMs; interval > 0 &&
			nowMs-ps.lastHealthMs >= interval {
			ps.alliances.HealthCheck(nowMs)
			ps.lastHealthMs = nowMs
		}
		if swept := ps.box.SweepExpired(nowMs); len(swept) > 0 {
			ps.muts += len(swept)
		}
		e.maybeSnapshot(ps, nowMs)
	}
	e.publishMetrics(float64(time.Since(started).Microseconds()) / 1000)
}

func (e *Engine) handleJoin(req JoinRequest) {
	res := JoinResponse{}
	if req.PlayerID == "" {
		res.Result = protocol.Fail(protocol.ErrValidation, "player_id required")
		req.Resp <- res
		return
	}
	ps := e.ensurePlayer(req.PlayerID, req.Name)

	// Resume tokens gate reattachment to a live identity.
	if req.ResumeToken != "" && req.ResumeToken != ps.resumeToken {
		res.Result = protocol.Fail(protocol.ErrValidation, "bad resume token")
		req.Resp <- res
		return
	}

	if ps.session != nil {
		// Newest connection wins; the old socket is orphaned.
		close(ps.session.out)
	}
	e.nextSession++
	e.nextToken++
	ps.session = &session{id: fmt.Sprintf("S%06d", e.nextSession), out: req.Out}
	ps.resumeToken = fmt.Sprintf("RT%06d", e.nextToken)

	res.Result = protocol.Ok()
	res.SessionID = ps.session.id
	res.ResumeToken = ps.resumeToken
	res.Queued = len(ps.queued)
	req.Resp <- res

	e.emit(ps, protocol.Event{"type": "session_attached", "player_id": ps.id, "session_id": res.SessionID})

	// Redeliver everything queued while offline. At-least-once: the
	// mailbox refuses duplicate ids so a replayed frame is harmless.
	nowMs := clock.NowMs(e.clk)
	for _, item := range ps.queued {
		e.pushToSession(ps, protocol.EnvReceive, item.Message, nowMs)
		ps.box.MarkDelivered(item.Message.ID)
	}
	ps.queued = nil

	// Presence snapshot for known counterparties.
	for id, status := range e.presence {
		e.pushToSession(ps, protocol.EnvPresence, protocol.PresencePayload{EntityID: id, Status: status}, nowMs)
	}
}

func (e *Engine) handleLeave(req LeaveRequest) {
	ps, ok := e.players[req.PlayerID]
	if !ok || ps.session == nil {
		return
	}
	if req.SessionID != "" && req.SessionID != ps.session.id {
		return // stale socket outlived its replacement
	}
	close(ps.session.out)
	ps.session = nil
	e.emit(ps, protocol.Event{"type": "session_detached", "player_id": ps.id})
}

func (e *Engine) snapshotAll() {
	nowMs := clock.NowMs(e.clk)
	for _, ps := range e.players {
		e.writeSnapshot(ps, nowMs)
	}
}

func (e *Engine) maybeSnapshot(ps *playerState, nowMs int64) {
	every := e.cfg.Engine.SnapshotEveryMuts
	if every <= 0 || ps.muts < every {
		return
	}
	e.writeSnapshot(ps, nowMs)
}

func (e *Engine) writeSnapshot(ps *playerState, nowMs int64) {
	if e.snapshotSink == nil {
		return
	}
	snap := ps.assembleSnapshot(nowMs)
	select {
	case e.snapshotSink <- snap:
		ps.muts = 0
	default:
		// Writer is behind; try again next sweep.
	}
}

func (e *Engine) emit(ps *playerState, ev protocol.Event) {
	if e.eventSink != nil {
		_ = e.eventSink.WriteEvent(ev)
	}
	if ps == nil {
		return
	}
	for _, sub := range ps.subs {
		select {
		case sub <- ev:
		default:
			// Slow subscriber loses events rather than stalling the loop.
		}
	}
}
