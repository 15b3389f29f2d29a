// Package indexdb is the queryable history index: messages, interactions,
// and closed negotiations land here for the admin surface and post-hoc
// queries. Snapshots remain the source of truth for live state.
package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"undercity.gg/internal/protocol"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
}

type reqKind int

const (
	reqMessage reqKind = iota + 1
	reqInteraction
	reqNegotiation
	reqOpportunity
	reqSnapshot
	reqSync
)

type req struct {
	kind reqKind

	message     messageRow
	interaction InteractionRow
	negotiation NegotiationRow
	opportunity OpportunityRow
	snapshot    SnapshotRow

	done chan struct{}
}

type messageRow struct {
	PlayerID string
	Msg      protocol.Message
}

type InteractionRow struct {
	PlayerID       string
	CounterpartyID string
	Type           string
	Delta          float64
	AtMs           int64
}

// NegotiationRow records a terminal alliance or trade.
type NegotiationRow struct {
	ID             string
	PlayerID       string
	Kind           string // alliance | trade
	CounterpartyID string
	State          string
	ClosedMs       int64
	RawJSON        []byte
}

type OpportunityRow struct {
	ID             string
	PlayerID       string
	Type           string
	CounterpartyID string
	State          string
	ResolvedMs     int64
	RawJSON        []byte
}

type SnapshotRow struct {
	PlayerID      string
	SavedMs       int64
	Path          string
	Messages      int
	Relationships int
	Chains        int
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// Generous buffer: message bursts on reconnect must not stall the
		// engine loop.
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads. NORMAL is a decent
	// durability/perf tradeoff for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			player_id TEXT NOT NULL,
			type TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			thread_id TEXT,
			priority INTEGER NOT NULL,
			status TEXT NOT NULL,
			created_ms INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_player_created ON messages(player_id, created_ms);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id);`,
		`CREATE TABLE IF NOT EXISTS interactions (
			player_id TEXT NOT NULL,
			counterparty_id TEXT NOT NULL,
			type TEXT NOT NULL,
			delta REAL NOT NULL,
			at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_pair ON interactions(player_id, counterparty_id, at_ms);`,
		`CREATE TABLE IF NOT EXISTS negotiations (
			id TEXT PRIMARY KEY,
			player_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			counterparty_id TEXT NOT NULL,
			state TEXT NOT NULL,
			closed_ms INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_negotiations_player ON negotiations(player_id, closed_ms);`,
		`CREATE TABLE IF NOT EXISTS opportunities (
			id TEXT PRIMARY KEY,
			player_id TEXT NOT NULL,
			type TEXT NOT NULL,
			counterparty_id TEXT NOT NULL,
			state TEXT NOT NULL,
			resolved_ms INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_opportunities_player ON opportunities(player_id, resolved_ms);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			player_id TEXT NOT NULL,
			saved_ms INTEGER NOT NULL,
			path TEXT NOT NULL,
			messages INTEGER NOT NULL,
			relationships INTEGER NOT NULL,
			chains INTEGER NOT NULL,
			PRIMARY KEY (player_id, saved_ms)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	if _, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// Sync blocks until everything queued before it has been committed.
func (s *SQLiteIndex) Sync() {
	if s == nil || s.closed.Load() {
		return
	}
	done := make(chan struct{})
	s.ch <- req{kind: reqSync, done: done}
	<-done
}

// WriteMessage indexes one delivered message. Drops if the indexer falls
// behind; snapshots remain authoritative.
func (s *SQLiteIndex) WriteMessage(playerID string, m protocol.Message) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqMessage, message: messageRow{PlayerID: playerID, Msg: m}}:
	default:
	}
	return nil
}

func (s *SQLiteIndex) WriteInteraction(row InteractionRow) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqInteraction, interaction: row}:
	default:
	}
	return nil
}

func (s *SQLiteIndex) WriteNegotiation(row NegotiationRow) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqNegotiation, negotiation: row}:
	default:
	}
	return nil
}

func (s *SQLiteIndex) WriteOpportunity(row OpportunityRow) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqOpportunity, opportunity: row}:
	default:
	}
	return nil
}

func (s *SQLiteIndex) RecordSnapshot(row SnapshotRow) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqSnapshot, snapshot: row}:
	default:
	}
}

// RecentMessages returns the newest indexed messages for a player.
func (s *SQLiteIndex) RecentMessages(playerID string, limit int) ([]protocol.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT raw_json FROM messages WHERE player_id = ? ORDER BY created_ms DESC LIMIT ?`,
		playerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ThreadMessages returns a conversation in order.
func (s *SQLiteIndex) ThreadMessages(threadID string) ([]protocol.Message, error) {
	rows, err := s.db.Query(
		`SELECT raw_json FROM messages WHERE thread_id = ? ORDER BY created_ms ASC`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]protocol.Message, error) {
	var out []protocol.Message
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var m protocol.Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// NegotiationOutcomes lists closed alliances/trades for a player, newest
// first.
func (s *SQLiteIndex) NegotiationOutcomes(playerID string, limit int) ([]NegotiationRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, player_id, kind, counterparty_id, state, closed_ms, raw_json
		 FROM negotiations WHERE player_id = ? ORDER BY closed_ms DESC LIMIT ?`,
		playerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []NegotiationRow
	for rows.Next() {
		var r NegotiationRow
		var raw string
		if err := rows.Scan(&r.ID, &r.PlayerID, &r.Kind, &r.CounterpartyID, &r.State, &r.ClosedMs, &raw); err != nil {
			return nil, err
		}
		r.RawJSON = []byte(raw)
		out = append(out, r)
	}
	return out, rows.Err()
}

// InteractionStats aggregates trust movement per counterparty.
func (s *SQLiteIndex) InteractionStats(playerID string) (map[string]float64, error) {
	rows, err := s.db.Query(
		`SELECT counterparty_id, SUM(delta) FROM interactions WHERE player_id = ? GROUP BY counterparty_id`,
		playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]float64{}
	for rows.Next() {
		var id string
		var sum float64
		if err := rows.Scan(&id, &sum); err != nil {
			return nil, err
		}
		out[id] = sum
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertMessage, _ := s.db.Prepare(`INSERT OR REPLACE INTO messages(id,player_id,type,sender_id,thread_id,priority,status,created_ms,raw_json) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertInteraction, _ := s.db.Prepare(`INSERT INTO interactions(player_id,counterparty_id,type,delta,at_ms) VALUES(?,?,?,?,?)`)
	insertNegotiation, _ := s.db.Prepare(`INSERT OR REPLACE INTO negotiations(id,player_id,kind,counterparty_id,state,closed_ms,raw_json) VALUES(?,?,?,?,?,?,?)`)
	insertOpportunity, _ := s.db.Prepare(`INSERT OR REPLACE INTO opportunities(id,player_id,type,counterparty_id,state,resolved_ms,raw_json) VALUES(?,?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(player_id,saved_ms,path,messages,relationships,chains) VALUES(?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertMessage, insertInteraction, insertNegotiation, insertOpportunity, insertSnapshot} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		if r.kind == reqSync {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqMessage:
			m := r.message.Msg
			raw, _ := json.Marshal(m)
			if insertMessage != nil {
				if _, err := tx.Stmt(insertMessage).Exec(
					m.ID, r.message.PlayerID, m.Type, m.From.ID, m.ThreadID,
					int(m.Priority), m.Status, m.CreatedAtMs, string(raw),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqInteraction:
			i := r.interaction
			if insertInteraction != nil {
				if _, err := tx.Stmt(insertInteraction).Exec(
					i.PlayerID, i.CounterpartyID, i.Type, i.Delta, i.AtMs,
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqNegotiation:
			n := r.negotiation
			if insertNegotiation != nil {
				if _, err := tx.Stmt(insertNegotiation).Exec(
					n.ID, n.PlayerID, n.Kind, n.CounterpartyID, n.State, n.ClosedMs, string(n.RawJSON),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqOpportunity:
			o := r.opportunity
			if insertOpportunity != nil {
				if _, err := tx.Stmt(insertOpportunity).Exec(
					o.ID, o.PlayerID, o.Type, o.CounterpartyID, o.State, o.ResolvedMs, string(o.RawJSON),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqSnapshot:
			sn := r.snapshot
			if insertSnapshot != nil {
				if _, err := tx.Stmt(insertSnapshot).Exec(
					sn.PlayerID, sn.SavedMs, sn.Path, sn.Messages, sn.Relationships, sn.Chains,
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		flushIfNeeded()
	}

	commit()
}
