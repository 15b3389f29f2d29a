// Package observer streams a player's engine events to loopback ops
// tooling over a websocket. Read-only; nothing here mutates the engine.
package observer

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"undercity.gg/internal/engine"
	"undercity.gg/internal/observerproto"
	"undercity.gg/internal/protocol"
)

type Server struct {
	eng *engine.Engine
	log *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(eng *engine.Engine, logger *log.Logger) *Server {
	return &Server{
		eng: eng,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		player := r.URL.Query().Get("player")
		if player == "" {
			http.Error(rw, "player required", http.StatusBadRequest)
			return
		}

		statusCh := make(chan engine.PlayerStatus, 1)
		select {
		case s.eng.API() <- engine.StatusQuery{PlayerID: player, Resp: statusCh}:
		case <-time.After(2 * time.Second):
			http.Error(rw, "engine busy", http.StatusServiceUnavailable)
			return
		}
		st := <-statusCh

		resp := observerproto.BootstrapResponse{
			ProtocolVersion:     observerproto.Version,
			PlayerID:            player,
			Known:               st.Known,
			Online:              st.Online,
			Cash:                st.Cash,
			Heat:                st.Heat,
			Level:               st.Level,
			Energy:              st.Energy,
			Unread:              st.Unread,
			ActiveOpportunities: st.ActiveOpps,
			ActiveChains:        st.ActiveChains,
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub observerproto.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil ||
			sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != observerproto.Version || sub.PlayerID == "" {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"),
				time.Now().Add(time.Second))
			return
		}

		events, ok := s.subscribe(sub.PlayerID)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server busy"),
				time.Now().Add(time.Second))
			return
		}
		playerID := sub.PlayerID
		defer func() { s.unsubscribe(playerID, events) }()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case ev, ok := <-events:
					if !ok {
						writeErr <- nil
						return
					}
					frame := observerproto.EventMsg{
						Type:            "EVENT",
						ProtocolVersion: observerproto.Version,
						PlayerID:        playerID,
						Event:           ev,
					}
					b, err := json.Marshal(frame)
					if err != nil {
						continue
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: one player per connection, frames past the handshake
		// only keep the read deadline fresh.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (s *Server) subscribe(playerID string) (chan protocol.Event, bool) {
	resp := make(chan chan protocol.Event, 1)
	select {
	case s.eng.API() <- engine.SubscribeReq{PlayerID: playerID, Resp: resp}:
	case <-time.After(2 * time.Second):
		return nil, false
	}
	return <-resp, true
}

func (s *Server) unsubscribe(playerID string, ch chan protocol.Event) {
	select {
	case s.eng.API() <- engine.UnsubscribeReq{PlayerID: playerID, Ch: ch}:
	case <-time.After(2 * time.Second):
		// Engine is stopping; the channel is orphaned but harmless.
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
