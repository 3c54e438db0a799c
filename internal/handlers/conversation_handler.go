package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tullo/marketchat/internal/models"
	"github.com/tullo/marketchat/internal/repository"
)

type ConversationHandler struct {
	convRepo repository.ConversationStore
	messages *MessageHandler
}

func NewConversationHandler(convRepo repository.ConversationStore, messages *MessageHandler) *ConversationHandler {
	return &ConversationHandler{
		convRepo: convRepo,
		messages: messages,
	}
}

// GetConversations returns all conversations for the current user, most
// recently active first
func (h *ConversationHandler) GetConversations(c *gin.Context) {
	conversations, err := h.convRepo.GetByUserID(c.GetString("user_id"))
	if err != nil {
		ErrorResponse(c, http.StatusInternalServerError, "Failed to get conversations")
		return
	}
	if conversations == nil {
		conversations = []models.Conversation{}
	}

	c.JSON(http.StatusOK, conversations)
}

// MarkRead clears the caller's unread counter, for messages that were
// shown while the conversation was open
func (h *ConversationHandler) MarkRead(c *gin.Context) {
	if err := h.convRepo.MarkAsRead(c.Param("id"), c.GetString("user_id")); err != nil {
		repositoryError(c, err, "Failed to mark conversation read")
		return
	}
	c.Status(http.StatusNoContent)
}

// StartConversation opens (or reuses) the conversation with another user
// about a listing and posts the first message
func (h *ConversationHandler) StartConversation(c *gin.Context) {
	var req models.StartConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Participant and message are required")
		return
	}

	uid := c.GetString("user_id")
	if req.ParticipantID == uid {
		ErrorResponse(c, http.StatusBadRequest, "Cannot start a conversation with yourself")
		return
	}

	conv, created, err := h.convRepo.GetOrCreateDirectConversation(uid, req.ParticipantID, req.ListingRef)
	if err != nil {
		repositoryError(c, err, "Failed to create conversation")
		return
	}

	message, err := h.messages.createMessage(c, conv.ID, uid, req.Message)
	if err != nil {
		repositoryError(c, err, "Failed to send message")
		return
	}

	view, err := h.convRepo.GetByID(conv.ID, uid)
	if err != nil {
		repositoryError(c, err, "Failed to get conversation")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, models.StartConversationResponse{Conversation: *view, Message: *message})
}
