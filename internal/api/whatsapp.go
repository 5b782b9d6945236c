package api

import (
	"context"
	"net/http"

	"whatsapp-inbox/internal/auth"
	"whatsapp-inbox/internal/models"
	"whatsapp-inbox/internal/store"
	"whatsapp-inbox/internal/whatsapp"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// MessageSender delivers outbound text through the Cloud API.
type MessageSender interface {
	SendText(ctx context.Context, phoneNumberID, to, body string) (string, error)
}

type SendMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// SendMessage sends text to the conversation's customer from its business
// phone, stores it and pushes it to the phone room.
func (h *ConversationHandler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	conv, ok := h.loadAccessible(c, c.Param("id"))
	if !ok {
		return
	}

	msg, ok := h.deliver(c, conv, req.Content, "text")
	if !ok {
		return
	}
	c.JSON(http.StatusCreated, msg)
}

type ForwardMessageRequest struct {
	MessageID      uint   `json:"message_id" binding:"required"`
	ConversationID string `json:"conversation_id" binding:"required"`
}

// ForwardMessage copies a stored message of :id into another conversation.
// The caller must be able to open both.
func (h *ConversationHandler) ForwardMessage(c *gin.Context) {
	var req ForwardMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	src, ok := h.loadAccessible(c, c.Param("id"))
	if !ok {
		return
	}
	orig, err := h.Store.Message(c.Request.Context(), req.MessageID)
	if err != nil || orig.ConversationID != src.ID {
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			h.Log.Error("load message", zap.Uint("message_id", req.MessageID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load message"})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "Message not found"})
		return
	}

	if !forwardable(orig) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Only text messages can be forwarded"})
		return
	}

	dst, ok := h.loadAccessible(c, req.ConversationID)
	if !ok {
		return
	}

	msg, ok := h.deliver(c, dst, orig.Content, "forward")
	if !ok {
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// deliver sends body on conv, persists the outbound message and notifies the
// hub. Internal conversations have no customer, so nothing goes to WhatsApp.
// On failure the response has been written.
func (h *ConversationHandler) deliver(c *gin.Context, conv models.Conversation, body, kind string) (models.Message, bool) {
	user := auth.CurrentEmployee(c)
	msg := models.Message{
		ConversationID: conv.ID,
		Direction:      models.DirectionOutbound,
		Sender:         user.ID,
		Content:        body,
		Type:           kind,
		Status:         "sent",
	}

	if !conv.IsInternal() {
		wamid, err := h.Client.SendText(c.Request.Context(), conv.BusinessPhoneID, conv.CustomerWaID, body)
		if err != nil {
			h.Log.Warn("send whatsapp message",
				zap.String("conversation_id", conv.ID),
				zap.String("phone_id", conv.BusinessPhoneID),
				zap.Error(err),
			)
			status, text := sendError(err)
			c.JSON(status, gin.H{"error": text})
			return msg, false
		}
		msg.WaMessageID = wamid
	}

	if err := h.Store.AppendMessage(c.Request.Context(), &msg); err != nil {
		h.Log.Error("store outbound message", zap.String("conversation_id", conv.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Message sent but could not be saved"})
		return msg, false
	}
	h.Hub.NotifyMessage(conv, msg)
	return msg, true
}

// forwardable reports whether m is plain text. Media is stored as a
// placeholder like "[image]:id:caption" and cannot be resent as text.
func forwardable(m models.Message) bool {
	switch m.Type {
	case "", "text", "forward":
		return true
	}
	return false
}

// sendError maps a WhatsApp failure to a status and a message safe to show a
// dashboard user. Upstream detail goes to the log only.
func sendError(err error) (int, string) {
	switch {
	case errors.Is(err, whatsapp.ErrInvalidRecipient):
		return http.StatusBadRequest, "Invalid recipient phone number"
	case errors.Is(err, whatsapp.ErrUnavailable):
		return http.StatusServiceUnavailable, "WhatsApp is temporarily unavailable, try again shortly"
	default:
		return http.StatusBadGateway, "Failed to send message"
	}
}
