package webhook

import (
	"context"
	"net/http"

	"whatsapp-inbox/internal/models"
	"whatsapp-inbox/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Inbox is the part of the conversation store the webhook writes to.
type Inbox interface {
	Get(ctx context.Context, id string) (models.Conversation, error)
	FindOrCreateInbound(ctx context.Context, phoneID, waID string) (models.Conversation, bool, error)
	AppendMessage(ctx context.Context, msg *models.Message) error
	UpdateMessageStatus(ctx context.Context, waMessageID, status string) (models.Message, error)
}

// Notifier pushes stored messages to the phone room of their conversation.
type Notifier interface {
	NotifyMessage(conv models.Conversation, msg models.Message)
	NotifyConversation(conv models.Conversation)
}

type Handler struct {
	VerifyToken string
	Inbox       Inbox
	Hub         Notifier
	Log         *zap.Logger
}

func NewHandler(verifyToken string, inbox Inbox, hub Notifier, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{VerifyToken: verifyToken, Inbox: inbox, Hub: hub, Log: log}
}

func (h *Handler) Register(r gin.IRouter) {
	r.GET("/webhook", h.VerifyWebhook)
	r.POST("/webhook", h.HandleMessage)
}

func (h *Handler) VerifyWebhook(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode == "" || token == "" {
		c.Status(http.StatusBadRequest)
		return
	}
	if mode != "subscribe" || token != h.VerifyToken {
		c.Status(http.StatusForbidden)
		return
	}
	h.Log.Info("webhook verified")
	c.String(http.StatusOK, challenge)
}

// HandleMessage stores every inbound message of the notification in the
// conversation of its business phone and customer, and forwards delivery
// statuses of our own messages. It always answers 200 once the body parses,
// since the Cloud API retries anything else.
func (h *Handler) HandleMessage(c *gin.Context) {
	var payload Payload
	if err := c.ShouldBindJSON(&payload); err != nil {
		h.Log.Warn("invalid webhook payload", zap.Error(err))
		c.Status(http.StatusBadRequest)
		return
	}

	ctx := c.Request.Context()
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			for _, m := range v.Messages {
				if err := h.storeInbound(ctx, v.Metadata.PhoneNumberID, m); err != nil {
					h.Log.Error("store inbound message",
						zap.String("phone_id", v.Metadata.PhoneNumberID),
						zap.String("wa_message_id", m.ID),
						zap.Error(err),
					)
				}
			}
			for _, st := range v.Statuses {
				if err := h.applyStatus(ctx, st); err != nil && !errors.Is(err, errUnknownMessage) {
					h.Log.Error("apply message status", zap.String("wa_message_id", st.ID), zap.Error(err))
				}
			}
		}
	}

	c.Status(http.StatusOK)
}

var errUnknownMessage = errors.New("status for unknown message")

func (h *Handler) storeInbound(ctx context.Context, phoneID string, m InboundMessage) error {
	if phoneID == "" || m.From == "" {
		return errors.New("message without business phone or sender")
	}

	conv, created, err := h.Inbox.FindOrCreateInbound(ctx, phoneID, m.From)
	if err != nil {
		return err
	}
	if created {
		h.Log.Info("conversation opened by customer",
			zap.String("conversation_id", conv.ID),
			zap.String("phone_id", phoneID),
		)
		h.Hub.NotifyConversation(conv)
	}

	msg := models.Message{
		ConversationID: conv.ID,
		WaMessageID:    m.ID,
		Direction:      models.DirectionInbound,
		Sender:         m.From,
		Content:        m.Content(),
		Type:           m.Type,
		Status:         "received",
	}
	if err := h.Inbox.AppendMessage(ctx, &msg); err != nil {
		return err
	}
	h.Log.Debug("inbound message stored",
		zap.String("conversation_id", conv.ID),
		zap.String("type", m.Type),
	)
	h.Hub.NotifyMessage(conv, msg)
	return nil
}

func (h *Handler) applyStatus(ctx context.Context, st Status) error {
	if st.ID == "" {
		return errUnknownMessage
	}
	msg, err := h.Inbox.UpdateMessageStatus(ctx, st.ID, st.Status)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errUnknownMessage
		}
		return err
	}
	conv, err := h.Inbox.Get(ctx, msg.ConversationID)
	if err != nil {
		return errors.Wrap(err, "load conversation for status")
	}
	h.Hub.NotifyMessage(conv, msg)
	return nil
}
