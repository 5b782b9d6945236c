package api

import (
	"net/http"
	"strconv"

	"whatsapp-inbox/internal/access"
	"whatsapp-inbox/internal/auth"
	"whatsapp-inbox/internal/models"
	"whatsapp-inbox/internal/routing"
	"whatsapp-inbox/internal/store"
	"whatsapp-inbox/internal/whatsapp"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// errForbidden is the only thing a denied caller learns.
const errForbidden = "You do not have access to this conversation"

// listBatch is how many rows ListConversations reads per query.
var listBatch = 100

// Notifier pushes conversation events to connected dashboards.
type Notifier interface {
	NotifyMessage(conv models.Conversation, msg models.Message)
	NotifyConversation(conv models.Conversation)
}

type ConversationHandler struct {
	Store  *store.Store
	Access *access.Evaluator
	Phones *routing.Directory
	Client MessageSender
	Hub    Notifier
	Log    *zap.Logger
}

func NewConversationHandler(st *store.Store, ev *access.Evaluator, phones *routing.Directory, client MessageSender, hub Notifier, log *zap.Logger) *ConversationHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ConversationHandler{Store: st, Access: ev, Phones: phones, Client: client, Hub: hub, Log: log}
}

// Register mounts the conversation routes on an authenticated group.
func (h *ConversationHandler) Register(g *gin.RouterGroup) {
	g.GET("/phones", h.ListPhones)
	g.GET("/conversations", h.ListConversations)
	g.POST("/conversations", h.CreateConversation)
	g.GET("/conversations/:id", h.GetConversation)
	g.GET("/conversations/:id/messages", h.GetMessages)
	g.POST("/conversations/:id/messages", h.SendMessage)
	g.POST("/conversations/:id/forward", h.ForwardMessage)
	g.POST("/conversations/:id/stage", h.AdvanceStage)
}

// ListPhones tells the dashboard which business numbers the caller may use.
func (h *ConversationHandler) ListPhones(c *gin.Context) {
	user := auth.CurrentEmployee(c)
	ids := h.Phones.AllowedPhoneIDs(user.Role, user.AllotedArea)
	def, _ := h.Phones.DefaultPhoneID(user.Role, user.AllotedArea)
	c.JSON(http.StatusOK, gin.H{"phone_ids": ids, "default_phone_id": def})
}

// ListConversations returns the conversations the caller may open, newest
// first. Rows are read in batches and filtered before limit is applied, so a
// page is never cut short by conversations the caller cannot see.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	user := auth.CurrentEmployee(c)
	ctx := c.Request.Context()

	filter := store.ListFilter{
		PhoneIDs:        h.Phones.AllowedPhoneIDs(user.Role, user.AllotedArea),
		IncludeInternal: true,
		Limit:           listBatch,
	}
	if v := c.Query("retarget"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "retarget must be true or false"})
			return
		}
		filter.IsRetarget = &b
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive number"})
			return
		}
		limit = n
	}

	seen := make(map[string]bool)
	visible := []models.Conversation{}
	for {
		page, err := h.Store.List(ctx, filter)
		if err != nil {
			h.Log.Error("list conversations", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list conversations"})
			return
		}
		for _, conv := range page {
			if seen[conv.ID] {
				continue
			}
			seen[conv.ID] = true
			if !h.Access.CanAccessConversation(ctx, user, conv) {
				continue
			}
			visible = append(visible, conv)
			if limit > 0 && len(visible) == limit {
				c.JSON(http.StatusOK, visible)
				return
			}
		}
		if len(page) < filter.Limit {
			break
		}
		filter.Offset += len(page)
	}
	c.JSON(http.StatusOK, visible)
}

type CreateConversationRequest struct {
	CustomerWaID    string `json:"customer_wa_id" binding:"required"`
	BusinessPhoneID string `json:"business_phone_id"`
	IsRetarget      bool   `json:"is_retarget"`
	Source          string `json:"source"`
}

func (h *ConversationHandler) CreateConversation(c *gin.Context) {
	user := auth.CurrentEmployee(c)
	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	waID, err := whatsapp.NormalizeRecipient(req.CustomerWaID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "customer_wa_id is not a valid phone number"})
		return
	}

	switch req.Source {
	case "":
	case models.SourceInternal:
		if user.Role != models.RoleSuperAdmin {
			c.JSON(http.StatusForbidden, gin.H{"error": "Only SuperAdmin can open internal conversations"})
			return
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown source"})
		return
	}

	phoneID := req.BusinessPhoneID
	if phoneID == "" {
		def, ok := h.Phones.DefaultPhoneID(user.Role, user.AllotedArea)
		if !ok {
			c.JSON(http.StatusForbidden, gin.H{"error": "No WhatsApp number is available for your role"})
			return
		}
		phoneID = def
	} else if req.Source != models.SourceInternal && !h.Phones.CanAccessPhoneID(phoneID, user.Role, user.AllotedArea) {
		c.JSON(http.StatusForbidden, gin.H{"error": "You cannot use this WhatsApp number"})
		return
	}

	conv := models.Conversation{
		BusinessPhoneID: phoneID,
		CustomerWaID:    waID,
		Source:          req.Source,
	}
	if req.IsRetarget {
		if user.Role != models.RoleAdvert {
			c.JSON(http.StatusForbidden, gin.H{"error": "Only Advert can open retarget conversations"})
			return
		}
		conv.IsRetarget = true
		conv.RetargetStage = models.StageInitiated
		conv.OwnerRole = models.RoleAdvert
	}

	if err := h.Store.Create(c.Request.Context(), &conv); err != nil {
		h.Log.Error("create conversation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create conversation"})
		return
	}
	h.Hub.NotifyConversation(conv)
	c.JSON(http.StatusCreated, conv)
}

func (h *ConversationHandler) GetConversation(c *gin.Context) {
	conv, ok := h.loadAccessible(c, c.Param("id"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *ConversationHandler) GetMessages(c *gin.Context) {
	conv, ok := h.loadAccessible(c, c.Param("id"))
	if !ok {
		return
	}
	msgs, err := h.Store.Messages(c.Request.Context(), conv.ID)
	if err != nil {
		h.Log.Error("list messages", zap.String("conversation_id", conv.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load messages"})
		return
	}
	c.JSON(http.StatusOK, msgs)
}

type AdvanceStageRequest struct {
	Stage         string `json:"stage" binding:"required"`
	AssignedAgent string `json:"assigned_agent"`
}

// AdvanceStage moves a retarget conversation forward; handed_to_sales
// transfers it to Sales.
func (h *ConversationHandler) AdvanceStage(c *gin.Context) {
	var req AdvanceStageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	stage := models.ParseRetargetStage(req.Stage)
	if stage == models.StageUnset {
		c.JSON(http.StatusBadRequest, gin.H{"error": "stage must be initiated, engaged or handed_to_sales"})
		return
	}

	conv, ok := h.loadAccessible(c, c.Param("id"))
	if !ok {
		return
	}

	updated, err := h.Store.AdvanceStage(c.Request.Context(), conv.ID, stage, req.AssignedAgent)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotRetarget):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Conversation is not part of a retarget campaign"})
		return
	case errors.Is(err, store.ErrStageRegression), errors.Is(err, store.ErrConcurrentWrite):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return
	default:
		h.Log.Error("advance stage", zap.String("conversation_id", conv.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update conversation"})
		return
	}

	if updated.RetargetStage.HandedOver() {
		h.Log.Info("retarget conversation handed to sales",
			zap.String("conversation_id", updated.ID),
			zap.String("by", auth.CurrentEmployee(c).ID),
			zap.String("assigned_agent", updated.AssignedAgent),
		)
	}
	h.Hub.NotifyConversation(updated)
	c.JSON(http.StatusOK, updated)
}

// loadAccessible fetches a conversation and runs the access check. On failure
// it has already written the response.
func (h *ConversationHandler) loadAccessible(c *gin.Context, id string) (models.Conversation, bool) {
	conv, err := h.Store.Get(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return conv, false
	}
	if err != nil {
		h.Log.Error("load conversation", zap.String("conversation_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load conversation"})
		return conv, false
	}
	if !h.Access.CanAccessConversation(c.Request.Context(), auth.CurrentEmployee(c), conv) {
		c.JSON(http.StatusForbidden, gin.H{"error": errForbidden})
		return models.Conversation{}, false
	}
	return conv, true
}
