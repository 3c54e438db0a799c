// Package controller turns user intents and live transport events into
// conversation store transitions.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tullo/marketchat/internal/models"
	"github.com/tullo/marketchat/internal/store"
	"github.com/tullo/marketchat/internal/transport"
)

const errorBufferSize = 16

// Controller is the synchronization controller. Every store transition
// it issues runs under mu, so intents and live events are applied one
// at a time in arrival order. I/O never happens under mu.
type Controller struct {
	store     *store.Store
	loader    HistoryLoader
	transport Transport
	log       *slog.Logger

	mu   sync.Mutex
	self string

	errs   chan error
	ctx    context.Context
	cancel context.CancelFunc

	// guards closed and wg.Add against Close
	bgMu   sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New wires a controller and installs it as the transport's handler
func New(st *store.Store, loader HistoryLoader, tr Transport, log *slog.Logger) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		store:     st,
		loader:    loader,
		transport: tr,
		log:       log.With("component", "controller"),
		errs:      make(chan error, errorBufferSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	tr.SetHandler(c)
	return c
}

// Snapshot returns the current store state
func (c *Controller) Snapshot() store.Snapshot {
	return c.store.Snapshot()
}

// Changed signals store changes; see store.Store.Changed
func (c *Controller) Changed() <-chan struct{} {
	return c.store.Changed()
}

// Errors delivers failures of background work: list refreshes, catch-up
// after reconnecting and loss of live updates.
func (c *Controller) Errors() <-chan error {
	return c.errs
}

// Start loads the conversation list, connects the live transport and
// selects the first conversation when none is active.
func (c *Controller) Start(ctx context.Context, creds transport.Credentials) error {
	c.mu.Lock()
	c.self = creds.UserID
	c.mu.Unlock()

	if err := c.refreshConversations(ctx); err != nil {
		return err
	}

	if err := c.transport.Connect(ctx, creds); err != nil {
		return &Error{Op: OpConnect, Err: err}
	}

	snap := c.store.Snapshot()
	if snap.ActiveID == "" && len(snap.Conversations) > 0 {
		return c.Select(ctx, snap.Conversations[0].ID)
	}
	return nil
}

// Select activates a conversation and loads its history. A result that
// arrives after the user selected something else is discarded.
func (c *Controller) Select(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	c.store.SelectConversation(conversationID)
	c.mu.Unlock()

	if conversationID == "" {
		return nil
	}
	return c.loadHistory(ctx, conversationID)
}

// Back deactivates the current conversation
func (c *Controller) Back() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.SelectConversation("")
}

// Send posts content to the active conversation. Nothing is sent and
// the store is untouched when the content is blank, no conversation is
// active, or the request fails.
func (c *Controller) Send(ctx context.Context, content string) (*models.Message, error) {
	req := models.SendMessageRequest{Content: content}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}

	active := c.store.ActiveID()
	if active == "" {
		return nil, ErrNoActiveConversation
	}

	message, err := c.loader.SendMessage(ctx, active, req.Content)
	if err != nil {
		return nil, &Error{Op: OpSendMessage, ConversationID: active, Err: err}
	}
	if message.ConversationID == "" {
		message.ConversationID = active
	}

	c.mu.Lock()
	if c.store.ActiveID() == message.ConversationID {
		c.store.AppendSentMessage(*message)
	} else {
		c.store.NoteSentMessage(*message)
	}
	c.mu.Unlock()

	return message, nil
}

// StartConversation opens a conversation with another user and makes it
// active with its first message as history.
func (c *Controller) StartConversation(ctx context.Context, req models.StartConversationRequest) (*models.Conversation, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}

	resp, err := c.loader.StartConversation(ctx, req)
	if err != nil {
		return nil, &Error{Op: OpStartConversation, Err: err}
	}

	conversation := resp.Conversation
	first := resp.Message
	first.ConversationID = conversation.ID
	if conversation.LastMessage == nil {
		conversation.LastMessage = first.Summary()
	}

	c.mu.Lock()
	c.store.AddConversation(conversation)
	c.store.LoadMessageHistory([]models.Message{first})
	c.mu.Unlock()

	return &conversation, nil
}

// Close stops background work and tears down the transport
func (c *Controller) Close() {
	c.bgMu.Lock()
	c.closed = true
	c.cancel()
	c.bgMu.Unlock()

	c.transport.Close()
	c.wg.Wait()
}

// HandleInbound applies a live message. A message for a conversation
// missing from the list triggers a background list refresh; one shown in
// the active conversation is reported read to the server.
func (c *Controller) HandleInbound(inbound models.InboundMessage) {
	message := inbound.Message
	message.ConversationID = inbound.ConversationID

	c.mu.Lock()
	var known, shown bool
	if message.Sender.ID != "" && message.Sender.ID == c.self {
		// echo of our own message, possibly sent from another device
		known = c.store.NoteSentMessage(message)
	} else {
		shown = inbound.ConversationID != "" && inbound.ConversationID == c.store.ActiveID() &&
			!c.store.Shows(message.ID)
		known = c.store.ReceiveInboundMessage(message, inbound.ConversationID)
	}
	c.mu.Unlock()

	if shown {
		c.background(func(ctx context.Context) {
			if err := c.loader.MarkRead(ctx, inbound.ConversationID); err != nil {
				c.log.Warn("failed to mark conversation read", "conversation_id", inbound.ConversationID, "error", err)
			}
		})
	}

	if !known {
		c.log.Info("message for unknown conversation, refreshing list", "conversation_id", inbound.ConversationID)
		c.background(func(ctx context.Context) {
			if err := c.refreshConversations(ctx); err != nil {
				c.publish(err)
			}
		})
	}
}

// Reconnected catches up on events missed while disconnected by
// reloading the list and the active conversation's history.
func (c *Controller) Reconnected() {
	c.mu.Lock()
	c.store.SetLiveUpdates(true)
	c.mu.Unlock()

	c.background(func(ctx context.Context) {
		if err := c.refreshConversations(ctx); err != nil {
			c.publish(err)
		}
		if active := c.store.ActiveID(); active != "" {
			if err := c.loadHistory(ctx, active); err != nil {
				c.publish(err)
			}
		}
	})
}

// LiveUpdatesUnavailable degrades to REST-only operation
func (c *Controller) LiveUpdatesUnavailable(err error) {
	c.mu.Lock()
	c.store.SetLiveUpdates(false)
	c.mu.Unlock()

	c.log.Warn("live updates unavailable", "error", err)
	c.publish(&Error{Op: OpConnect, Err: fmt.Errorf("%w: %v", ErrLiveUpdatesUnavailable, err)})
}

// refreshConversations fetches the list and merges it over live events
// applied while the fetch was in flight.
func (c *Controller) refreshConversations(ctx context.Context) error {
	since := c.store.Version()
	conversations, err := c.loader.Conversations(ctx)
	if err != nil {
		return &Error{Op: OpLoadConversations, Err: err}
	}

	c.mu.Lock()
	c.store.MergeConversationList(conversations, since)
	c.mu.Unlock()
	return nil
}

// loadHistory fetches a history tagged with conversationID and applies
// it only if that conversation is still active.
func (c *Controller) loadHistory(ctx context.Context, conversationID string) error {
	messages, err := c.loader.Messages(ctx, conversationID)
	if err != nil {
		if c.store.ActiveID() != conversationID {
			c.log.Debug("ignoring failed history fetch for inactive conversation", "conversation_id", conversationID, "error", err)
			return nil
		}
		return &Error{Op: OpLoadHistory, ConversationID: conversationID, Err: err}
	}

	c.mu.Lock()
	applied := c.store.MergeMessageHistory(conversationID, messages)
	c.mu.Unlock()

	if !applied {
		c.log.Debug("discarding stale history", "conversation_id", conversationID, "messages", len(messages))
	}
	return nil
}

func (c *Controller) background(fn func(ctx context.Context)) {
	c.bgMu.Lock()
	defer c.bgMu.Unlock()
	if c.closed {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
}

// publish hands an error to the presentation layer without blocking
func (c *Controller) publish(err error) {
	select {
	case c.errs <- err:
	default:
		c.log.Warn("error channel full, dropping error", "error", err)
	}
}
