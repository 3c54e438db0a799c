package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tullo/marketchat/internal/models"
	"github.com/tullo/marketchat/internal/repository"
)

type MessageHandler struct {
	msgRepo   repository.MessageStore
	convRepo  repository.ConversationStore
	userRepo  repository.UserStore
	publisher Publisher
	log       *slog.Logger
}

func NewMessageHandler(
	msgRepo repository.MessageStore,
	convRepo repository.ConversationStore,
	userRepo repository.UserStore,
	publisher Publisher,
	log *slog.Logger,
) *MessageHandler {
	return &MessageHandler{
		msgRepo:   msgRepo,
		convRepo:  convRepo,
		userRepo:  userRepo,
		publisher: publisher,
		log:       log,
	}
}

// GetMessages returns a conversation's history oldest first and marks
// it read for the caller
func (h *MessageHandler) GetMessages(c *gin.Context) {
	conversationID := c.Param("id")
	uid := c.GetString("user_id")

	if err := h.convRepo.MarkAsRead(conversationID, uid); err != nil {
		repositoryError(c, err, "Failed to get messages")
		return
	}

	messages, err := h.msgRepo.GetByConversationID(conversationID)
	if err != nil {
		repositoryError(c, err, "Failed to get messages")
		return
	}

	c.JSON(http.StatusOK, messages)
}

// SendMessage stores a message and pushes it to every member, the
// sender included
func (h *MessageHandler) SendMessage(c *gin.Context) {
	var req models.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Message content is required")
		return
	}

	message, err := h.createMessage(c, c.Param("id"), c.GetString("user_id"), req.Content)
	if err != nil {
		repositoryError(c, err, "Failed to send message")
		return
	}

	c.JSON(http.StatusCreated, message)
}

func (h *MessageHandler) createMessage(c *gin.Context, conversationID, senderID, content string) (*models.Message, error) {
	sender, err := h.userRepo.GetByID(senderID)
	if err != nil {
		return nil, err
	}

	message := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Sender:         sender.Participant(),
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	if err := h.msgRepo.Create(message); err != nil {
		return nil, err
	}

	h.broadcast(c, message)
	return message, nil
}

func (h *MessageHandler) broadcast(c *gin.Context, message *models.Message) {
	members, err := h.convRepo.GetMembers(message.ConversationID)
	if err != nil {
		h.log.Error("failed to load members", "conversation_id", message.ConversationID, "error", err)
		return
	}

	event := models.WSMessage{
		Event:   models.EventNewMessage,
		Payload: models.InboundMessage{ConversationID: message.ConversationID, Message: *message},
	}
	if err := h.publisher.Publish(c.Request.Context(), members, event); err != nil {
		h.log.Warn("failed to publish message", "conversation_id", message.ConversationID, "error", err)
	}
}
