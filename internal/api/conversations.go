package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wuwenbin0122/chatrelay/internal/models"
)

type createConversationRequest struct {
	UserID int64  `json:"userId"`
	Type   string `json:"type"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

var errContentRequired = errors.New("content is required")

func (h *Handler) handleCreateConversation(c *gin.Context) {
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid payload", err)
		return
	}

	claims := claimsFrom(c)
	if req.UserID == 0 {
		req.UserID = claims.UserID
	}
	if req.UserID != claims.UserID {
		writeError(c, http.StatusForbidden, "forbidden", errForbidden)
		return
	}

	conv, err := h.conversations.CreateConversation(c.Request.Context(), req.UserID, strings.TrimSpace(req.Type))
	if err != nil {
		h.writeStoreError(c, "failed to create conversation", err)
		return
	}

	c.JSON(http.StatusCreated, newConversationResponse(*conv))
}

// handleListConversations lists a user's conversations; ?include=messages
// returns each one with its messages.
func (h *Handler) handleListConversations(c *gin.Context) {
	userID, ok := h.ownedUserID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if strings.EqualFold(c.Query("include"), "messages") {
		groups, err := h.conversations.ListConversationsWithMessages(ctx, userID)
		if err != nil {
			h.writeStoreError(c, "failed to list conversations", err)
			return
		}

		out := make([]gin.H, 0, len(groups))
		for _, group := range groups {
			item := newConversationResponse(group.Conversation)
			item["messages"] = newMessageList(group.Messages)
			out = append(out, item)
		}
		c.JSON(http.StatusOK, out)
		return
	}

	convs, err := h.conversations.ListConversations(ctx, userID)
	if err != nil {
		h.writeStoreError(c, "failed to list conversations", err)
		return
	}

	out := make([]gin.H, 0, len(convs))
	for _, conv := range convs {
		out = append(out, newConversationResponse(conv))
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) handleSendMessage(c *gin.Context) {
	conv, ok := h.ownedConversation(c)
	if !ok {
		return
	}

	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid payload", err)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(c, http.StatusBadRequest, errContentRequired.Error(), errContentRequired)
		return
	}

	msg, err := h.conversations.AppendMessage(c.Request.Context(), conv.ID, req.Content, time.Now().UTC())
	if err != nil {
		h.writeStoreError(c, "failed to send message", err)
		return
	}

	c.JSON(http.StatusCreated, newMessageResponse(*msg))
}

func (h *Handler) handleListMessages(c *gin.Context) {
	conv, ok := h.ownedConversation(c)
	if !ok {
		return
	}

	msgs, err := h.conversations.ListMessages(c.Request.Context(), conv.ID)
	if err != nil {
		h.writeStoreError(c, "failed to list messages", err)
		return
	}

	c.JSON(http.StatusOK, newMessageList(msgs))
}

func (h *Handler) ownedConversation(c *gin.Context) (*models.Conversation, bool) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error(), err)
		return nil, false
	}

	conv, err := h.conversations.GetConversation(c.Request.Context(), id)
	if err != nil {
		h.writeStoreError(c, "failed to load conversation", err)
		return nil, false
	}
	if conv.UserID != claimsFrom(c).UserID {
		writeError(c, http.StatusForbidden, "forbidden", errForbidden)
		return nil, false
	}
	return conv, true
}

func newConversationResponse(conv models.Conversation) gin.H {
	return gin.H{
		"id":        conv.ID,
		"userId":    conv.UserID,
		"type":      conv.Type,
		"startDate": conv.StartDate.Format(models.DateLayout),
		"endDate":   conv.EndDate.Format(models.DateLayout),
	}
}

func newMessageResponse(msg models.Message) gin.H {
	return gin.H{
		"id":             msg.ID,
		"conversationId": msg.ConversationID,
		"content":        msg.Content,
		"hour":           msg.Hour(),
		"sentAt":         msg.SentAt.Format(time.RFC3339),
	}
}

func newMessageList(msgs []models.Message) []gin.H {
	out := make([]gin.H, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, newMessageResponse(msg))
	}
	return out
}
