// Package store holds the client-side conversation state: the ordered
// conversation list, the active conversation and its message history.
//
// Every exported mutation is a synchronous transition that runs to
// completion under the store lock. Transitions never perform I/O and
// never fail, with the single exception of AppendSentMessage, which
// panics when called without an active conversation.
package store

import (
	"errors"
	"slices"
	"sync"

	"github.com/samber/lo"
	"github.com/tullo/marketchat/internal/models"
)

// ErrNoActiveConversation is the panic value of AppendSentMessage when
// nothing is selected.
var ErrNoActiveConversation = errors.New("store: no active conversation")

// number of recorded message ids remembered for duplicate detection
const seenLimit = 1024

// Snapshot is an immutable copy of the store state handed to readers.
type Snapshot struct {
	Conversations []models.Conversation
	ActiveID      string
	Messages      []models.Message
	LiveUpdates   bool
	Version       uint64
}

// Active returns the active conversation if it is in the list
func (s Snapshot) Active() (models.Conversation, bool) {
	if s.ActiveID == "" {
		return models.Conversation{}, false
	}
	return lo.Find(s.Conversations, func(c models.Conversation) bool {
		return c.ID == s.ActiveID
	})
}

// Store is the single source of truth for conversation state.
type Store struct {
	mu            sync.RWMutex
	conversations []models.Conversation
	activeID      string
	messages      []models.Message
	live          bool
	version       uint64

	// version at which a live event or sent message last touched a
	// conversation
	touched map[string]uint64
	// ids of recorded messages, oldest first in seenOrder
	seen      map[string]struct{}
	seenOrder []string

	// coalesced change notification, capacity 1
	changed chan struct{}
}

// New creates an empty store with live updates assumed available
func New() *Store {
	return &Store{
		live:    true,
		touched: make(map[string]uint64),
		seen:    make(map[string]struct{}),
		changed: make(chan struct{}, 1),
	}
}

// Changed signals after one or more transitions. Notifications are
// coalesced; readers take a Snapshot after receiving.
func (s *Store) Changed() <-chan struct{} {
	return s.changed
}

// Snapshot returns a copy of the current state
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Snapshot{
		Conversations: slices.Clone(s.conversations),
		ActiveID:      s.activeID,
		Messages:      slices.Clone(s.messages),
		LiveUpdates:   s.live,
		Version:       s.version,
	}
}

// Version returns the number of transitions applied so far
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// ActiveID returns the active conversation id, empty when none
func (s *Store) ActiveID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

// LoadConversationList replaces the conversation list. The active
// selection is kept and its unread counter stays at zero.
func (s *Store) LoadConversationList(conversations []models.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversations = slices.Clone(conversations)
	clear(s.touched)
	if i := s.indexOf(s.activeID); i >= 0 {
		s.conversations[i].UnreadCount = 0
	}
	s.touch()
}

// MergeConversationList installs a list whose fetch started when the
// store was at version since. Conversations touched by a live event or
// a sent message after since stay ahead of the others in their current
// order, keep the higher unread counter and keep their preview when it
// is newer than the fetched one. Touched conversations missing from the
// fetch are kept.
func (s *Store) MergeConversationList(conversations []models.Conversation, since uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fetched := slices.Clone(conversations)
	var head []models.Conversation
	for _, local := range s.conversations {
		if s.touched[local.ID] <= since {
			continue
		}
		_, i, ok := lo.FindIndexOf(fetched, func(c models.Conversation) bool {
			return c.ID == local.ID
		})
		if ok {
			local = mergeConversation(local, fetched[i])
			fetched = slices.Delete(fetched, i, i+1)
		}
		head = append(head, local)
	}

	s.conversations = append(head, fetched...)
	if i := s.indexOf(s.activeID); i >= 0 {
		s.conversations[i].UnreadCount = 0
	}
	s.touch()
}

func mergeConversation(local, fetched models.Conversation) models.Conversation {
	merged := fetched
	merged.UnreadCount = max(local.UnreadCount, fetched.UnreadCount)
	if local.UpdatedAt.After(fetched.UpdatedAt) {
		merged.UpdatedAt = local.UpdatedAt
		merged.LastMessage = local.LastMessage
	}
	return merged
}

// LoadMessageHistory replaces the active conversation's messages. The
// caller supplies them oldest first; no sorting happens here. Without
// an active conversation there is no list to replace.
func (s *Store) LoadMessageHistory(messages []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeID == "" {
		return
	}
	s.messages = slices.Clone(messages)
	s.touch()
}

// MergeMessageHistory installs a history fetched for conversationID.
// It returns false and changes nothing when conversationID is no longer
// active. Messages that arrived live while the fetch was in flight and
// are missing from the fetched page are kept after it.
func (s *Store) MergeMessageHistory(conversationID string, messages []models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conversationID == "" || conversationID != s.activeID {
		return false
	}

	fetched := lo.SliceToMap(messages, func(m models.Message) (string, struct{}) {
		return m.ID, struct{}{}
	})
	live := lo.Filter(s.messages, func(m models.Message, _ int) bool {
		_, ok := fetched[m.ID]
		return !ok
	})

	merged := make([]models.Message, 0, len(messages)+len(live))
	merged = append(merged, messages...)
	merged = append(merged, live...)
	s.messages = merged
	s.touch()
	return true
}

// SelectConversation makes id the active conversation and zeroes its
// unread counter. Switching to a different id drops the previous
// conversation's messages. An empty id deactivates without touching
// any counter.
func (s *Store) SelectConversation(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.selectLocked(id)
	s.touch()
}

// AppendSentMessage records a message the local user sent to the
// active conversation. Calling it with nothing active is a programming
// error and panics with ErrNoActiveConversation.
func (s *Store) AppendSentMessage(message models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeID == "" {
		panic(ErrNoActiveConversation)
	}
	if message.ConversationID == "" {
		message.ConversationID = s.activeID
	}
	s.recordLocked(message, false)
	s.touch()
}

// NoteSentMessage records a message the local user sent to any
// conversation, active or not. Only the active conversation's list
// grows; no unread counter changes. It reports whether the
// conversation is known.
func (s *Store) NoteSentMessage(message models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	known := s.recordLocked(message, false)
	s.touch()
	return known
}

// ReceiveInboundMessage reconciles a message pushed by the server. The
// active conversation gets the message appended; any other known
// conversation gets its unread counter incremented. Either way the
// conversation moves to the head of the list with its order relative
// to the others preserved. A message id already recorded is a
// redelivery and changes nothing. It returns false when conversationID
// is not in the list, in which case nothing is reordered.
func (s *Store) ReceiveInboundMessage(message models.Message, conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	message.ConversationID = conversationID
	known := s.recordLocked(message, true)
	s.touch()
	return known
}

// Shows reports whether the active message list holds messageID
func (s *Store) Shows(messageID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return lo.ContainsBy(s.messages, func(m models.Message) bool { return m.ID == messageID })
}

// AddConversation inserts a conversation at the head unless one with
// the same id exists, then makes it active.
func (s *Store) AddConversation(conversation models.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexOf(conversation.ID) < 0 {
		s.conversations = slices.Insert(s.conversations, 0, conversation)
	}
	s.touched[conversation.ID] = s.version + 1
	s.selectLocked(conversation.ID)
	s.touch()
}

// SetLiveUpdates records whether the live transport is delivering events
func (s *Store) SetLiveUpdates(live bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.live == live {
		return
	}
	s.live = live
	s.touch()
}

func (s *Store) selectLocked(id string) {
	if id != s.activeID {
		s.messages = nil
	}
	s.activeID = id
	if i := s.indexOf(id); i >= 0 {
		s.conversations[i].UnreadCount = 0
	}
}

// recordLocked applies a message to the list. A message id recorded
// before changes nothing, so redeliveries never count as unread twice.
func (s *Store) recordLocked(message models.Message, inbound bool) bool {
	id := message.ConversationID
	if id != "" && id == s.activeID {
		s.appendLocked(message)
	}

	i := s.indexOf(id)
	if i < 0 {
		return false
	}
	if !s.remember(message.ID) {
		return true
	}
	s.touched[id] = s.version + 1
	if inbound && id != s.activeID {
		s.conversations[i].UnreadCount++
	}
	s.conversations[i].LastMessage = message.Summary()
	if message.CreatedAt.After(s.conversations[i].UpdatedAt) {
		s.conversations[i].UpdatedAt = message.CreatedAt
	}
	s.moveToHead(i)
	return true
}

// appendLocked skips messages already present, e.g. the live echo of
// a message that the REST send already appended.
func (s *Store) appendLocked(message models.Message) {
	if message.ID != "" && lo.ContainsBy(s.messages, func(m models.Message) bool {
		return m.ID == message.ID
	}) {
		return
	}
	s.messages = append(s.messages, message)
}

// remember records a message id and reports whether it was new
func (s *Store) remember(messageID string) bool {
	if messageID == "" {
		return true
	}
	if _, ok := s.seen[messageID]; ok {
		return false
	}
	s.seen[messageID] = struct{}{}
	s.seenOrder = append(s.seenOrder, messageID)
	if len(s.seenOrder) > seenLimit {
		delete(s.seen, s.seenOrder[0])
		s.seenOrder = s.seenOrder[1:]
	}
	return true
}

func (s *Store) moveToHead(i int) {
	if i <= 0 {
		return
	}
	conversation := s.conversations[i]
	copy(s.conversations[1:i+1], s.conversations[:i])
	s.conversations[0] = conversation
}

func (s *Store) indexOf(id string) int {
	if id == "" {
		return -1
	}
	_, i, ok := lo.FindIndexOf(s.conversations, func(c models.Conversation) bool {
		return c.ID == id
	})
	if !ok {
		return -1
	}
	return i
}

func (s *Store) touch() {
	s.version++
	select {
	case s.changed <- struct{}{}:
	default:
	}
}
