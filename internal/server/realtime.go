package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	rentwheel "github.com/rentwheel/rentwheel/sdk/golang"
	"github.com/rentwheel/rentwheel/sdk/golang/internal/hub"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxCommandSize  = 4096
	sseHeartbeat    = 15 * time.Second
	commandDeadline = 5 * time.Second
)

type inboundCommand struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"requestId,omitempty"`
}

func envelopeOf(eventType string, payload any) rentwheel.RealtimeEnvelope {
	raw, _ := json.Marshal(payload)
	return rentwheel.RealtimeEnvelope{Type: eventType, Payload: raw}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.allowAllOrigins {
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// handleWebSocket serves the command/event socket. Clients join the
// conversations they want events for.
func (s *Server) handleWebSocket() gin.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return func(c *gin.Context) {
		userID := currentUser(c)
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade already wrote the response.
			return
		}
		client := s.hub.Register(userID, false)
		log := requestLog(c).With().Str("client_id", client.ID).Logger()
		log.Debug().Msg("websocket connected")

		go s.writePump(conn, client)
		s.hub.Direct(client, envelopeOf(rentwheel.EventAuthenticated, rentwheel.AuthenticatedPayload{UserID: userID}))

		defer func() {
			s.hub.Unregister(client)
			conn.Close()
			log.Debug().Msg("websocket closed")
		}()

		conn.SetReadLimit(maxCommandSize)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
					!errors.Is(err, websocket.ErrCloseSent) {
					log.Debug().Err(err).Msg("websocket read failed")
				}
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))

			var cmd inboundCommand
			if err := json.Unmarshal(data, &cmd); err != nil {
				s.replyError(client, "", "invalid command")
				continue
			}
			s.handleCommand(c.Request.Context(), client, cmd)
		}
	}
}

func (s *Server) handleCommand(ctx context.Context, client *hub.Client, cmd inboundCommand) {
	switch cmd.Type {
	case rentwheel.CommandJoin, rentwheel.CommandLeave:
		var p rentwheel.ConversationPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.ConversationID == "" {
			s.replyError(client, cmd.RequestID, "conversationId is required")
			return
		}
		if cmd.Type == rentwheel.CommandLeave {
			s.hub.Leave(client, p.ConversationID)
			return
		}
		ctx, cancel := context.WithTimeout(ctx, commandDeadline)
		defer cancel()
		conv, err := s.backend.GetConversation(ctx, p.ConversationID)
		if err != nil {
			s.replyError(client, cmd.RequestID, rentwheel.NoticeOf(err))
			return
		}
		if !conv.HasParty(client.UserID) {
			s.replyError(client, cmd.RequestID, "not a party to this conversation")
			return
		}
		s.hub.Join(client, conv.ID)
		s.hub.Direct(client, envelopeOf(rentwheel.EventJoined, rentwheel.JoinedPayload{ConversationID: conv.ID, RequestID: cmd.RequestID}))

	case rentwheel.CommandPing:
		requestID := cmd.RequestID
		if requestID == "" {
			var p rentwheel.PongPayload
			_ = json.Unmarshal(cmd.Payload, &p)
			requestID = p.RequestID
		}
		s.hub.Direct(client, envelopeOf(rentwheel.EventPong, rentwheel.PongPayload{RequestID: requestID}))

	default:
		s.replyError(client, cmd.RequestID, "unknown command "+cmd.Type)
	}
}

func (s *Server) replyError(client *hub.Client, requestID, msg string) {
	s.hub.Direct(client, envelopeOf(rentwheel.EventError, rentwheel.RealtimeErrorPayload{Message: msg, RequestID: requestID}))
}

// writePump is the only writer on conn.
func (s *Server) writePump(conn *websocket.Conn, client *hub.Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case data, ok := <-client.Send():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleSSE streams events for every conversation the caller is a party to.
func (s *Server) handleSSE() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := currentUser(c)
		client := s.hub.Register(userID, true)
		defer s.hub.Unregister(client)

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)

		write := func(line string) bool {
			if _, err := c.Writer.WriteString(line); err != nil {
				return false
			}
			c.Writer.Flush()
			return true
		}

		hello, _ := json.Marshal(envelopeOf(rentwheel.EventAuthenticated, rentwheel.AuthenticatedPayload{UserID: userID}))
		if !write("data: " + string(hello) + "\n\n") {
			return
		}

		ticker := time.NewTicker(sseHeartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-c.Request.Context().Done():
				return
			case data, ok := <-client.Send():
				if !ok || !write("data: "+string(data)+"\n\n") {
					return
				}
			case <-ticker.C:
				if !write(": ping\n\n") {
					return
				}
			}
		}
	}
}
