//go:generate go run go.uber.org/mock/mockgen -source=ports.go -destination=../mocks/mock_ports.go -package=mocks
package controller

import (
	"context"

	"github.com/tullo/marketchat/internal/models"
	"github.com/tullo/marketchat/internal/transport"
)

// HistoryLoader is the REST boundary, implemented by history.Loader.
type HistoryLoader interface {
	Conversations(ctx context.Context) ([]models.Conversation, error)
	Messages(ctx context.Context, conversationID string) ([]models.Message, error)
	SendMessage(ctx context.Context, conversationID, content string) (*models.Message, error)
	MarkRead(ctx context.Context, conversationID string) error
	StartConversation(ctx context.Context, req models.StartConversationRequest) (*models.StartConversationResponse, error)
}

// Transport is the live event connection, implemented by transport.Session.
type Transport interface {
	SetHandler(h transport.Handler)
	Connect(ctx context.Context, creds transport.Credentials) error
	Close()
}
