package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browsers hit this from the dashboard origin; access control lives in
	// the auth layer, not the handshake.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientMessage is what a websocket client may send us.
type clientMessage struct {
	Type string `json:"type"`
}

// botStream upgrades the connection and pumps the bot's event topic until
// the client goes away.
func (s *Server) botStream(c *gin.Context) {
	botID, ok := pathID(c)
	if !ok {
		return
	}
	bot, err := s.bots.Get(currentUser(c), botID)
	if err != nil {
		respondErr(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	msgs, cancel := s.bus.Subscribe(botID)
	defer cancel()

	handshake := map[string]any{
		"type":      "connection_established",
		"bot_id":    botID,
		"timestamp": time.Now(),
		"data": map[string]any{
			"bot_id":   bot.ID,
			"bot_name": bot.BotName,
			"status":   bot.Status,
		},
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(handshake); err != nil {
		return
	}

	// Reader: honors app-level pings and surfaces disconnects.
	clientGone := make(chan struct{})
	pings := make(chan struct{}, 1)
	go func() {
		defer close(clientGone)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(wsPongWait))
			return nil
		})
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			conn.SetReadDeadline(time.Now().Add(wsPongWait))
			var msg clientMessage
			if json.Unmarshal(raw, &msg) == nil && msg.Type == "ping" {
				select {
				case pings <- struct{}{}:
				default:
				}
			}
		}
	}()

	keepalive := time.NewTicker(wsPingPeriod)
	defer keepalive.Stop()

	for {
		select {
		case <-clientGone:
			return
		case <-c.Request.Context().Done():
			return
		case <-pings:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(map[string]any{"type": "pong", "timestamp": time.Now()}); err != nil {
				return
			}
		case <-keepalive.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}
