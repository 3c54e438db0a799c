// Package history fetches conversations and message histories from the
// chat REST API and sends messages through it.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tullo/marketchat/internal/models"
)

// Loader is a REST client bound to one user's bearer token.
type Loader struct {
	baseURL string
	token   string
	client  *http.Client
	log     *slog.Logger
}

// NewLoader creates a Loader for the API rooted at baseURL, e.g.
// http://localhost:8080/api/v1
func NewLoader(baseURL, token string, timeout time.Duration, log *slog.Logger) *Loader {
	return &Loader{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
		log:     log.With("component", "history"),
	}
}

// Conversations returns the user's conversations, most recent first
func (l *Loader) Conversations(ctx context.Context) ([]models.Conversation, error) {
	var conversations []models.Conversation
	if err := l.do(ctx, http.MethodGet, "/conversations", nil, &conversations); err != nil {
		return nil, fmt.Errorf("failed to load conversations: %w", err)
	}
	return conversations, nil
}

// Messages returns a conversation's history, oldest first
func (l *Loader) Messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"

	var messages []models.Message
	if err := l.do(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, fmt.Errorf("failed to load messages for %s: %w", conversationID, err)
	}
	return messages, nil
}

// SendMessage posts content to a conversation and returns the stored message
func (l *Loader) SendMessage(ctx context.Context, conversationID, content string) (*models.Message, error) {
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"

	var message models.Message
	if err := l.do(ctx, http.MethodPost, path, models.SendMessageRequest{Content: content}, &message); err != nil {
		return nil, fmt.Errorf("failed to send message to %s: %w", conversationID, err)
	}
	return &message, nil
}

// MarkRead tells the server the user has seen everything in the
// conversation so far
func (l *Loader) MarkRead(ctx context.Context, conversationID string) error {
	path := "/conversations/" + url.PathEscape(conversationID) + "/read"
	if err := l.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("failed to mark %s read: %w", conversationID, err)
	}
	return nil
}

// StartConversation opens a conversation with its first message
func (l *Loader) StartConversation(ctx context.Context, req models.StartConversationRequest) (*models.StartConversationResponse, error) {
	var resp models.StartConversationResponse
	if err := l.do(ctx, http.MethodPost, "/conversations/start", req, &resp); err != nil {
		return nil, fmt.Errorf("failed to start conversation with %s: %w", req.ParticipantID, err)
	}
	return &resp, nil
}

func (l *Loader) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, l.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if l.token != "" {
		req.Header.Set("Authorization", "Bearer "+l.token)
	}

	start := time.Now()
	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	l.log.Debug("api request", "method", method, "path", path, "status", resp.StatusCode, "took", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}
