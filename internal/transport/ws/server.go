package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"undercity.gg/internal/engine"
	"undercity.gg/internal/protocol"
	"undercity.gg/internal/tuning"
)

type Server struct {
	eng *engine.Engine
	cfg tuning.Transport
	log *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(eng *engine.Engine, cfg tuning.Transport, logger *log.Logger) *Server {
	s := &Server{
		eng: eng,
		cfg: cfg,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	return s
}

// readTimeout is how long a socket may stay silent before the server drops
// it. Clients heartbeat well inside this window.
func (s *Server) readTimeout() time.Duration {
	ms := s.cfg.HeartbeatMs + 2*s.cfg.PongTimeoutMs
	if ms <= 0 {
		return 60 * time.Second
	}
	return time.Duration(ms) * time.Millisecond
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		playerID, sessionID, out := s.handshake(conn)
		if playerID == "" {
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine. The engine closes out when a newer connection
		// takes over the session.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-out:
					if !ok {
						_ = conn.WriteControl(websocket.CloseMessage,
							websocket.FormatCloseMessage(websocket.CloseGoingAway, "superseded"),
							time.Now().Add(time.Second))
						cancel()
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout()))
			_, frame, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			env, err := protocol.DecodeEnvelope(frame)
			if err != nil {
				s.writeEnvelope(conn, protocol.EnvError, protocol.ErrorPayload{
					Code: protocol.ErrUnparseable, Message: "bad envelope",
				})
				continue
			}
			if env.Type == protocol.EnvAuth {
				// Already authenticated on this socket.
				continue
			}
			s.eng.Inbox() <- engine.CommandEnvelope{PlayerID: playerID, Env: env, Out: out}
		}

		s.eng.Leave() <- engine.LeaveRequest{PlayerID: playerID, SessionID: sessionID}
	}
}

// handshake expects an auth envelope as the first frame and attaches the
// socket to the engine.
func (s *Server) handshake(conn *websocket.Conn) (playerID, sessionID string, out chan []byte) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		return "", "", nil
	}

	env, err := protocol.DecodeEnvelope(frame)
	if err != nil || env.Type != protocol.EnvAuth {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected auth"),
			time.Now().Add(time.Second))
		return "", "", nil
	}

	var auth protocol.AuthPayload
	if err := json.Unmarshal(env.Payload, &auth); err != nil || auth.PlayerID == "" {
		s.writeEnvelope(conn, protocol.EnvError, protocol.ErrorPayload{
			Code: protocol.ErrValidation, Message: "player_id required",
		})
		return "", "", nil
	}

	maxQ := s.cfg.OutboundQueueMax
	if maxQ <= 0 {
		maxQ = 256
	}
	out = make(chan []byte, maxQ)

	respCh := make(chan engine.JoinResponse, 1)
	s.eng.Join() <- engine.JoinRequest{
		PlayerID:    auth.PlayerID,
		Name:        auth.ClientName,
		Token:       auth.Token,
		ResumeToken: auth.ResumeToken,
		Out:         out,
		Resp:        respCh,
	}
	resp := <-respCh
	if !resp.Result.OK {
		s.writeEnvelope(conn, protocol.EnvError, protocol.ErrorPayload{
			Code: resp.Result.Code, Message: resp.Result.Message,
		})
		return "", "", nil
	}

	if err := s.writeEnvelope(conn, protocol.EnvAck, protocol.AuthOKPayload{
		SessionID:   resp.SessionID,
		PlayerID:    auth.PlayerID,
		ResumeToken: resp.ResumeToken,
	}); err != nil {
		s.eng.Leave() <- engine.LeaveRequest{PlayerID: auth.PlayerID, SessionID: resp.SessionID}
		return "", "", nil
	}

	if s.log != nil {
		s.log.Printf("player=%s session=%s attached queued=%d", auth.PlayerID, resp.SessionID, resp.Queued)
	}
	return auth.PlayerID, resp.SessionID, out
}

func (s *Server) writeEnvelope(conn *websocket.Conn, typ string, payload any) error {
	env, err := protocol.NewEnvelope(typ, payload, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
