package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	commandJoinPlayer  = "joinPlayer"
	commandLeavePlayer = "leavePlayer"

	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 25 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsCommand struct {
	Command  string `json:"command"`
	PlayerID string `json:"playerId"`
}

type wsEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// handleRealtime upgrades the request to the session's realtime channel. One
// connection serves the whole signed-in session; room commands narrow which
// player's events it observes.
func (h *httpHandler) handleRealtime(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("realtime upgrade failed", zap.Error(err))
		return
	}

	subscription := h.hub.Subscribe(c.Request.Context())
	defer subscription.Close()
	defer conn.Close()

	staffID := c.GetString(staffIDContextKey)
	h.logger.Debug("realtime session opened", zap.String("staff_id", staffID))

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			var command wsCommand
			if err := conn.ReadJSON(&command); err != nil {
				return
			}
			switch command.Command {
			case commandJoinPlayer:
				subscription.JoinPlayer(command.PlayerID)
			case commandLeavePlayer:
				subscription.LeavePlayer(command.PlayerID)
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case event, ok := <-subscription.Stream():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			envelope := wsEnvelope{Event: event.Name(), Payload: event.Payload}
			if err := conn.WriteJSON(envelope); err != nil {
				h.logger.Debug("realtime write failed", zap.String("staff_id", staffID), zap.Error(err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
