package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"time"

	"undercity.gg/internal/protocol"
	"undercity.gg/internal/transport/client"
	"undercity.gg/internal/tuning"
)

func main() {
	var (
		wsURL    = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		pollURL  = flag.String("poll_url", "http://localhost:8080/v1/poll", "degraded-mode poll url (empty to disable)")
		playerID = flag.String("player", "bot_1", "player id")
		token    = flag.String("token", "", "auth token")
		chatTo   = flag.String("chat_to", "NPC_vince", "counterparty to chat with")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	self := protocol.EntityRef{ID: *playerID, Name: *playerID, Kind: protocol.KindSelf}

	var c *client.Client
	c = client.New(client.Config{
		URL:      *wsURL,
		PlayerID: *playerID,
		Token:    *token,
		Tuning:   tuning.Default().Transport,
		Poll:     httpPoll(*pollURL, *playerID),
		Log:      logger,
	}, client.Handlers{
		OnStateChange: func(oldState, newState string) {
			logger.Printf("state %s -> %s", oldState, newState)
		},
		OnPresence: func(entityID, status string) {
			logger.Printf("presence %s=%s", entityID, status)
		},
		OnError: func(code, msg string) {
			logger.Printf("server error %s: %s", code, msg)
		},
		OnMessage: func(m protocol.Message) {
			logger.Printf("recv id=%s type=%s from=%s text=%q", m.ID, m.Type, m.From.ID, m.Content.Text)
			oppID := m.Meta["opportunity_id"]
			if oppID == "" {
				return
			}
			// Mostly say yes; keeps the engine busy.
			answer := "accept"
			if rng.Float64() < 0.3 {
				answer = "decline"
			}
			reply, res := protocol.New(protocol.Config{
				Type:     protocol.MsgPlayer,
				From:     self,
				To:       m.From,
				Content:  protocol.Content{Text: answer},
				ThreadID: m.ThreadID,
				Meta:     map[string]string{"opportunity_id": oppID},
				NowMs:    time.Now().UnixMilli(),
			})
			if !res.OK {
				logger.Printf("build reply: %s", res.Message)
				return
			}
			if res := c.SendMessage(reply, func(ack protocol.AckPayload) {
				logger.Printf("opportunity %s %s: accepted=%v %s", oppID, answer, ack.Accepted, ack.Message)
			}); !res.OK {
				logger.Printf("send reply: %s", res.Message)
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	go func() {
		<-stop
		cancel()
	}()

	go c.Run(ctx)

	// Small talk keeps relationships warm.
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	n := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n++
			m, res := protocol.New(protocol.Config{
				Type:    protocol.MsgChat,
				From:    self,
				To:      protocol.EntityRef{ID: *chatTo, Kind: protocol.KindNPC},
				Content: protocol.Content{Text: fmt.Sprintf("checking in (%d)", n)},
				NowMs:   time.Now().UnixMilli(),
			})
			if !res.OK {
				continue
			}
			_ = c.SendMessage(m, nil)
		}
	}
}

// httpPoll fetches queued messages over plain HTTP while the socket is down.
func httpPoll(url, playerID string) client.PollFunc {
	if url == "" {
		return nil
	}
	httpc := &http.Client{Timeout: 10 * time.Second}
	return func(ctx context.Context, sinceCursor uint64, limit int) (protocol.PollBatchPayload, error) {
		body, err := json.Marshal(map[string]any{
			"player_id":    playerID,
			"req_id":       fmt.Sprintf("poll_%d", time.Now().UnixNano()),
			"since_cursor": sinceCursor,
			"limit":        limit,
		})
		if err != nil {
			return protocol.PollBatchPayload{}, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return protocol.PollBatchPayload{}, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := httpc.Do(req)
		if err != nil {
			return protocol.PollBatchPayload{}, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return protocol.PollBatchPayload{}, fmt.Errorf("poll: http %d", resp.StatusCode)
		}
		var batch protocol.PollBatchPayload
		if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
			return protocol.PollBatchPayload{}, err
		}
		return batch, nil
	}
}
