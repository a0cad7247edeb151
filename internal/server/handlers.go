package server

import (
	"errors"
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/leebenson/conform"

	rentwheel "github.com/rentwheel/rentwheel/sdk/golang"
)

const maxInboxLimit = 50

type createConversationRequest struct {
	CounterpartyID string `json:"counterpartyId" conform:"trim"`
	VehicleID      string `json:"vehicleId" conform:"trim"`
}

type sendMessageRequest struct {
	Content string `json:"content" conform:"trim"`
}

// bind decodes the JSON body into req and trims its string fields.
func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		fail(c, rentwheel.KindValidation, "invalid request body")
		return false
	}
	if err := conform.Strings(req); err != nil {
		fail(c, rentwheel.KindValidation, err.Error())
		return false
	}
	return true
}

// conversationFor loads the conversation named by the :id or
// :conversationId parameter and checks the caller is a party to it.
func (s *Server) conversationFor(c *gin.Context, id string) (*rentwheel.Conversation, bool) {
	conv, err := s.backend.GetConversation(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	if !conv.HasParty(currentUser(c)) {
		fail(c, rentwheel.KindUnauthorized, "not a party to this conversation")
		return nil, false
	}
	return conv, true
}

func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		respond(c, http.StatusOK, gin.H{"status": "ok"})
	}
}

func (s *Server) handleCreateConversation() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createConversationRequest
		if !bind(c, &req) {
			return
		}
		conv, err := s.directory.Resolve(c.Request.Context(), currentUser(c), req.CounterpartyID, rentwheel.Scope(req.VehicleID))
		if err != nil {
			respondError(c, err)
			return
		}
		respond(c, http.StatusOK, conv)
	}
}

func (s *Server) handleListConversations() gin.HandlerFunc {
	return func(c *gin.Context) {
		role := rentwheel.Role(c.DefaultQuery("role", string(rentwheel.RoleOwner)))
		if role != rentwheel.RoleOwner && role != rentwheel.RoleRenter {
			fail(c, rentwheel.KindValidation, "role must be owner or renter")
			return
		}
		limit := rentwheel.DefaultInboxLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				fail(c, rentwheel.KindValidation, "limit must be a positive integer")
				return
			}
			limit = min(n, maxInboxLimit)
		}
		list, err := s.backend.ListConversations(c.Request.Context(), rentwheel.InboxQuery{
			UserID: currentUser(c),
			Role:   role,
			Limit:  limit,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		respond(c, http.StatusOK, list)
	}
}

func (s *Server) handleGetConversation() gin.HandlerFunc {
	return func(c *gin.Context) {
		conv, ok := s.conversationFor(c, c.Param("id"))
		if !ok {
			return
		}
		respond(c, http.StatusOK, conv)
	}
}

func (s *Server) handleMarkRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		conv, ok := s.conversationFor(c, c.Param("id"))
		if !ok {
			return
		}
		n, err := s.backend.MarkRead(c.Request.Context(), conv.ID, currentUser(c))
		if err != nil {
			respondError(c, err)
			return
		}
		respond(c, http.StatusOK, rentwheel.UpdatedData{Updated: n})
	}
}

func (s *Server) handleGetMessages() gin.HandlerFunc {
	return func(c *gin.Context) {
		conv, ok := s.conversationFor(c, c.Param("conversationId"))
		if !ok {
			return
		}
		msgs, err := s.backend.FetchMessages(c.Request.Context(), conv.ID)
		if err != nil {
			respondError(c, err)
			return
		}
		if msgs == nil {
			msgs = []rentwheel.Message{}
		}
		respond(c, http.StatusOK, msgs)
	}
}

func (s *Server) handleSendMessage() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sendMessageRequest
		if !bind(c, &req) {
			return
		}
		if req.Content == "" {
			fail(c, rentwheel.KindValidation, "content is required")
			return
		}
		if utf8.RuneCountInString(req.Content) > rentwheel.MaxMessageRunes {
			fail(c, rentwheel.KindValidation, "content is too long")
			return
		}
		conv, ok := s.conversationFor(c, c.Param("conversationId"))
		if !ok {
			return
		}
		m, err := s.backend.InsertMessage(c.Request.Context(), conv.ID, currentUser(c), req.Content)
		if err != nil {
			respondError(c, err)
			return
		}
		s.hub.MessageCreated(conv, *m)
		respond(c, http.StatusCreated, m)
	}
}

func (s *Server) handleDeleteMessage() gin.HandlerFunc {
	return func(c *gin.Context) {
		conv, ok := s.conversationFor(c, c.Param("conversationId"))
		if !ok {
			return
		}
		id := c.Param("messageId")
		if rentwheel.ParseMessageID(id).IsProvisional() {
			fail(c, rentwheel.KindValidation, "message has no durable id")
			return
		}
		if err := s.backend.DeleteMessage(c.Request.Context(), conv.ID, id, currentUser(c)); err != nil {
			respondError(c, err)
			return
		}
		s.hub.MessageDeleted(conv, id)
		respond(c, http.StatusOK, gin.H{"deleted": id})
	}
}

func (s *Server) handleUnread() gin.HandlerFunc {
	return func(c *gin.Context) {
		q := rentwheel.UnreadQuery{
			ConversationID: c.Query("conversationId"),
			OwnerID:        c.Query("ownerId"),
			Reader:         currentUser(c),
		}
		switch {
		case q.ConversationID == "" && q.OwnerID == "":
			fail(c, rentwheel.KindValidation, "conversationId or ownerId is required")
			return
		case q.OwnerID != "" && q.OwnerID != q.Reader:
			respondError(c, rentwheel.NewError(rentwheel.KindUnauthorized, "", errors.New("owner id must be the caller")))
			return
		case q.ConversationID != "":
			if _, ok := s.conversationFor(c, q.ConversationID); !ok {
				return
			}
		}
		n, err := s.backend.CountUnread(c.Request.Context(), q)
		if err != nil {
			respondError(c, err)
			return
		}
		respond(c, http.StatusOK, rentwheel.CountData{Count: n})
	}
}
