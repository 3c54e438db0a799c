package store

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"github.com/tullo/marketchat/internal/models"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func conv(id string, unread int) models.Conversation {
	return models.Conversation{
		ID:          id,
		Participant: models.Participant{ID: "peer-" + id, DisplayName: "Peer " + id},
		UnreadCount: unread,
	}
}

func msg(id, conversationID string, minute int) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: conversationID,
		Sender:         models.Participant{ID: "peer-" + conversationID, DisplayName: "Peer"},
		Content:        "content " + id,
		CreatedAt:      epoch.Add(time.Duration(minute) * time.Minute),
	}
}

func ids(conversations []models.Conversation) []string {
	return lo.Map(conversations, func(c models.Conversation, _ int) string { return c.ID })
}

func messageIDs(messages []models.Message) []string {
	return lo.Map(messages, func(m models.Message, _ int) string { return m.ID })
}

func TestStore_SelectThenReceive_Scenario(t *testing.T) {
	req := require.New(t)
	s := New()
	s.LoadConversationList([]models.Conversation{conv("1", 0), conv("2", 3)})

	s.SelectConversation("2")
	snap := s.Snapshot()
	req.Equal("2", snap.ActiveID)
	req.Equal(0, snap.Conversations[1].UnreadCount)

	known := s.ReceiveInboundMessage(msg("m1", "1", 1), "1")
	req.True(known)

	snap = s.Snapshot()
	req.Equal([]string{"1", "2"}, ids(snap.Conversations))
	req.Equal(1, snap.Conversations[0].UnreadCount)
	req.Equal(0, snap.Conversations[1].UnreadCount)
	req.Empty(snap.Messages, "message for inactive conversation must not reach the active list")
}

func TestStore_ReceiveInbound_MovesToHeadAndKeepsRelativeOrder(t *testing.T) {
	req := require.New(t)
	s := New()
	s.LoadConversationList([]models.Conversation{conv("a", 0), conv("b", 0), conv("c", 0), conv("d", 0)})

	s.ReceiveInboundMessage(msg("m1", "c", 1), "c")
	req.Equal([]string{"c", "a", "b", "d"}, ids(s.Snapshot().Conversations))

	s.ReceiveInboundMessage(msg("m2", "d", 2), "d")
	req.Equal([]string{"d", "c", "a", "b"}, ids(s.Snapshot().Conversations))

	s.ReceiveInboundMessage(msg("m3", "d", 3), "d")
	snap := s.Snapshot()
	req.Equal([]string{"d", "c", "a", "b"}, ids(snap.Conversations))
	req.Equal(2, snap.Conversations[0].UnreadCount)
	req.Equal("content m3", snap.Conversations[0].LastMessage.Content)
	req.Equal(epoch.Add(3*time.Minute), snap.Conversations[0].UpdatedAt)
}

func TestStore_ReceiveInbound_OrderingInvariantHoldsForRandomSequences(t *testing.T) {
	req := require.New(t)
	rng := rand.New(rand.NewSource(7))

	list := make([]models.Conversation, 8)
	for i := range list {
		list[i] = conv(fmt.Sprintf("c%d", i), 0)
	}
	s := New()
	s.LoadConversationList(list)
	s.SelectConversation("c3")

	for step := 0; step < 500; step++ {
		before := ids(s.Snapshot().Conversations)
		target := before[rng.Intn(len(before))]

		s.ReceiveInboundMessage(msg(fmt.Sprintf("m%d", step), target, step), target)

		after := s.Snapshot()
		req.Equal(target, after.Conversations[0].ID)
		req.Equal(lo.Without(before, target), ids(after.Conversations)[1:])

		for _, c := range after.Conversations {
			if c.UnreadCount > 0 {
				req.NotEqual(after.ActiveID, c.ID, "active conversation must never carry unread messages")
			}
		}
	}
}

func TestStore_ReceiveInbound_ActiveConversationAppends(t *testing.T) {
	req := require.New(t)
	s := New()
	s.LoadConversationList([]models.Conversation{conv("1", 0), conv("2", 0)})
	s.SelectConversation("2")
	s.LoadMessageHistory([]models.Message{msg("h1", "2", 0)})

	s.ReceiveInboundMessage(msg("m1", "2", 1), "2")
	s.ReceiveInboundMessage(msg("m1", "2", 1), "2")

	snap := s.Snapshot()
	req.Equal([]string{"h1", "m1"}, messageIDs(snap.Messages))
	req.Equal([]string{"2", "1"}, ids(snap.Conversations))
	req.Equal(0, snap.Conversations[0].UnreadCount)
}

func TestStore_ReceiveInbound_RedeliveryToInactiveConversationCountsOnce(t *testing.T) {
	req := require.New(t)
	s := New()
	s.LoadConversationList([]models.Conversation{conv("1", 0), conv("2", 0), conv("3", 0)})
	s.SelectConversation("1")

	s.ReceiveInboundMessage(msg("m1", "2", 1), "2")
	s.ReceiveInboundMessage(msg("m2", "3", 2), "3")
	// the overlap after a reconnect delivers m1 again
	known := s.ReceiveInboundMessage(msg("m1", "2", 1), "2")

	req.True(known)
	snap := s.Snapshot()
	req.Equal([]string{"3", "2", "1"}, ids(snap.Conversations))
	req.Equal(1, snap.Conversations[1].UnreadCount)
	req.Equal(1, snap.Conversations[0].UnreadCount)
}

func TestStore_NoteSentMessage_EchoChangesNothing(t *testing.T) {
	req := require.New(t)
	s := New()
	s.LoadConversationList([]models.Conversation{conv("1", 0), conv("2", 0)})

	sent := msg("s1", "2", 1)
	s.NoteSentMessage(sent)
	s.ReceiveInboundMessage(msg("m1", "1", 2), "1")
	s.NoteSentMessage(sent)

	snap := s.Snapshot()
	req.Equal([]string{"1", "2"}, ids(snap.Conversations))
	req.Equal(0, snap.Conversations[1].UnreadCount)
}

func TestStore_Shows(t *testing.T) {
	req := require.New(t)
	s := New()
	s.LoadConversationList([]models.Conversation{conv("1", 0), conv("2", 0)})
	s.SelectConversation("1")

	s.ReceiveInboundMessage(msg("m1", "1", 1), "1")
	s.ReceiveInboundMessage(msg("m2", "2", 2), "2")

	req.True(s.Shows("m1"))
	req.False(s.Shows("m2"))

	s.SelectConversation("2")
	req.False(s.Shows("m1"))
}

func TestStore_ReceiveInbound_UnknownConversation(t *testing.T) {
	req := require.New(t)
	s := New()
	s.LoadConversationList([]models.Conversation{conv("1", 0), conv("2", 0)})
	before := s.Snapshot()

	known := s.ReceiveInboundMessage(msg("m1", "new", 1), "new")

	req.False(known)
	after := s.Snapshot()
	req.Equal(before.Conversations, after.Conversations)
	req.Empty(after.Messages)
}

func TestStore_SelectConversation_NoCrossTalk(t *testing.T) {
	req := require.New(t)
	s := New()
	s.LoadConversationList([]models.Conversation{conv("A", 0), conv("B", 2)})

	s.SelectConversation("A")
	s.LoadMessageHistory([]models.Message{msg("a1", "A", 0), msg("a2", "A", 1)})
	req.Len(s.Snapshot().Messages, 2)

	s.SelectConversation("B")
	snap := s.Snapshot()
	req.Equal("B", snap.ActiveID)
	req.Empty(snap.Messages)
	req.Equal(0, snap.Conversations[1].UnreadCount)
}

func TestStore_SelectConversation_SameIDKeepsMessages(t *testing.T) {
	req := require.New(t)
	s := New()
	s.LoadConversationList([]models.Conversation{conv("A", 0)})
	s.SelectConversation("A")
	s.LoadMessageHistory([]models.Message{msg("a1", "A", 0)})

	s.SelectConversation("A")
	req.Len(s.Snapshot().Messages, 1)
}

func TestStore_SelectNull_KeepsCounters(t *testing.T) {
	req := require.New(t)
	s := New()
	s.LoadConversationList([]models.Conversation{conv("A", 0), conv("B", 4)})
	s.SelectConversation("A")
	s.LoadMessageHistory([]models.Message{msg("a1", "A", 0)})

	s.SelectConversation("")

	snap := s.Snapshot()
	req.Empty(snap.ActiveID)
	req.Empty(snap.Messages)
	req.Equal(4, snap.Conversations[1].UnreadCount)

	s.ReceiveInboundMessage(msg("a2", "A", 1), "A")
	req.Equal(1, s.Snapshot().Conversations[0].UnreadCount)
}

func TestStore_LoadConversationList_IdempotentAndKeepsSelection(t *testing.T) {
	req := require.New(t)
	s := New()
	list := []models.Conversation{conv("1", 0), conv("2", 5)}

	s.SelectConversation("2")
	s.LoadConversationList(list)
	first := s.Snapshot()
	s.LoadConversationList(list)
	second := s.Snapshot()

	req.Equal("2", second.ActiveID)
	req.Equal(first.Conversations, second.Conversations)
	req.Equal(0, second.Conversations[1].UnreadCount)
	req.Equal(5, list[1].UnreadCount, "caller slice must not be mutated")
}

func TestStore_MergeConversationList_KeepsLiveEventsFromDuringFetch(t *testing.T) {
	req := require.New(t)
	s := New()
	s.LoadConversationList([]models.Conversation{conv("A", 0), conv("B", 0), conv("C", 0)})
	s.SelectConversation("C")

	since := s.Version()
	// live event while the refresh is in flight
	s.ReceiveInboundMessage(msg("b1", "B", 5), "B")

	// the fetched list predates b1
	fetchedA := conv("A", 2)
	fetchedA.UpdatedAt = epoch.Add(time.Minute)
	fetchedB := conv("B", 0)
	fetchedB.UpdatedAt = epoch
	s.MergeConversationList([]models.Conversation{fetchedA, fetchedB, conv("C", 3)}, since)

	snap := s.Snapshot()
	req.Equal([]string{"B", "A", "C"}, ids(snap.Conversations))
	req.Equal(1, snap.Conversations[0].UnreadCount)
	req.Equal("content b1", snap.Conversations[0].LastMessage.Content)
	req.Equal(epoch.Add(5*time.Minute), snap.Conversations[0].UpdatedAt)
	req.Equal(2, snap.Conversations[1].UnreadCount, "untouched conversations take the fetched state")
	req.Equal(0, snap.Conversations[2].UnreadCount, "active conversation never carries unread messages")
}

func TestStore_MergeConversationList_PrefersNewerFetchedState(t *testing.T) {
	req := require.New(t)
	s := New()
	s.LoadConversationList([]models.Conversation{conv("A", 0), conv("B", 0)})

	since := s.Version()
	s.ReceiveInboundMessage(msg("b1", "B", 1), "B")

	fetchedB := conv("B", 4)
	fetchedB.UpdatedAt = epoch.Add(9 * time.Minute)
	fetchedB.LastMessage = &models.MessageSummary{Content: "newer", CreatedAt: fetchedB.UpdatedAt}
	s.MergeConversationList([]models.Conversation{conv("A", 0), fetchedB}, since)

	b := s.Snapshot().Conversations[0]
	req.Equal("B", b.ID)
	req.Equal(4, b.UnreadCount)
	req.Equal("newer", b.LastMessage.Content)
}

func TestStore_MergeConversationList_UntouchedSinceFetchIsReplaced(t *testing.T) {
	req := require.New(t)
	s := New()
	s.LoadConversationList([]models.Conversation{conv("A", 0), conv("B", 0)})
	s.ReceiveInboundMessage(msg("b1", "B", 1), "B")
	since := s.Version()

	s.MergeConversationList([]models.Conversation{conv("A", 1)}, since)

	snap := s.Snapshot()
	req.Equal([]string{"A"}, ids(snap.Conversations))
	req.Equal(1, snap.Conversations[0].UnreadCount)
}

func TestStore_MergeConversationList_KeepsConversationStartedDuringFetch(t *testing.T) {
	req := require.New(t)
	s := New()
	s.LoadConversationList([]models.Conversation{conv("A", 0)})

	since := s.Version()
	s.AddConversation(conv("N", 0))
	s.MergeConversationList([]models.Conversation{conv("A", 0)}, since)

	snap := s.Snapshot()
	req.Equal([]string{"N", "A"}, ids(snap.Conversations))
	req.Equal("N", snap.ActiveID)
}

func TestStore_LoadMessageHistory_RequiresActive(t *testing.T) {
	req := require.New(t)
	s := New()
	s.LoadMessageHistory([]models.Message{msg("x", "1", 0)})
	req.Empty(s.Snapshot().Messages)

	s.SelectConversation("1")
	s.LoadMessageHistory([]models.Message{msg("b", "1", 2), msg("a", "1", 1)})
	req.Equal([]string{"b", "a"}, messageIDs(s.Snapshot().Messages), "history is installed as given")
}

func TestStore_AppendSentMessage(t *testing.T) {
	req := require.New(t)
	s := New()
	s.LoadConversationList([]models.Conversation{conv("1", 0), conv("2", 0)})
	s.SelectConversation("2")

	sent := msg("s1", "", 5)
	sent.Sender = models.Participant{ID: "me", DisplayName: "Me"}
	s.AppendSentMessage(sent)

	snap := s.Snapshot()
	req.Equal([]string{"s1"}, messageIDs(snap.Messages))
	req.Equal("2", snap.Messages[0].ConversationID)
	req.Equal([]string{"2", "1"}, ids(snap.Conversations))
	req.Equal("me", snap.Conversations[0].LastMessage.SenderID)
	req.Equal(0, snap.Conversations[0].UnreadCount)
}

func TestStore_AppendSentMessage_PanicsWithoutActive(t *testing.T) {
	s := New()
	s.LoadConversationList([]models.Conversation{conv("1", 0)})

	require.PanicsWithValue(t, ErrNoActiveConversation, func() {
		s.AppendSentMessage(msg("s1", "1", 0))
	})

	// lock must be released after the panic
	require.Equal(t, "", s.ActiveID())
}

func TestStore_NoteSentMessage_InactiveConversation(t *testing.T) {
	req := require.New(t)
	s := New()
	s.LoadConversationList([]models.Conversation{conv("1", 0), conv("2", 0)})
	s.SelectConversation("1")

	known := s.NoteSentMessage(msg("s1", "2", 3))

	req.True(known)
	snap := s.Snapshot()
	req.Equal([]string{"2", "1"}, ids(snap.Conversations))
	req.Equal(0, snap.Conversations[0].UnreadCount)
	req.Empty(snap.Messages)
}

func TestStore_AddConversation(t *testing.T) {
	req := require.New(t)
	s := New()
	s.LoadConversationList([]models.Conversation{conv("1", 0), conv("2", 1)})
	s.SelectConversation("1")
	s.LoadMessageHistory([]models.Message{msg("a", "1", 0)})

	s.AddConversation(conv("3", 0))
	snap := s.Snapshot()
	req.Equal([]string{"3", "1", "2"}, ids(snap.Conversations))
	req.Equal("3", snap.ActiveID)
	req.Empty(snap.Messages)

	s.AddConversation(conv("2", 1))
	snap = s.Snapshot()
	req.Equal([]string{"3", "1", "2"}, ids(snap.Conversations), "existing conversation is not duplicated")
	req.Equal("2", snap.ActiveID)
	req.Equal(0, snap.Conversations[2].UnreadCount)
}

func TestStore_MergeMessageHistory_DiscardsStale(t *testing.T) {
	req := require.New(t)
	s := New()
	s.LoadConversationList([]models.Conversation{conv("A", 0), conv("B", 0)})
	s.SelectConversation("A")
	s.SelectConversation("B")
	s.LoadMessageHistory([]models.Message{msg("b1", "B", 0)})

	applied := s.MergeMessageHistory("A", []models.Message{msg("a1", "A", 0)})

	req.False(applied)
	req.Equal([]string{"b1"}, messageIDs(s.Snapshot().Messages))
}

func TestStore_MergeMessageHistory_KeepsLiveMessagesMissingFromFetch(t *testing.T) {
	req := require.New(t)
	s := New()
	s.LoadConversationList([]models.Conversation{conv("A", 0)})
	s.SelectConversation("A")

	// live events arrive while the fetch is in flight
	s.ReceiveInboundMessage(msg("a2", "A", 2), "A")
	s.ReceiveInboundMessage(msg("a3", "A", 3), "A")

	applied := s.MergeMessageHistory("A", []models.Message{msg("a1", "A", 1), msg("a2", "A", 2)})

	req.True(applied)
	req.Equal([]string{"a1", "a2", "a3"}, messageIDs(s.Snapshot().Messages))
}

func TestStore_ChangedCoalesces(t *testing.T) {
	req := require.New(t)
	s := New()

	s.SelectConversation("1")
	s.SelectConversation("2")
	s.SetLiveUpdates(false)

	select {
	case <-s.Changed():
	default:
		req.Fail("expected a change notification")
	}
	select {
	case <-s.Changed():
		req.Fail("notifications should be coalesced")
	default:
	}

	snap := s.Snapshot()
	req.False(snap.LiveUpdates)
	req.Equal(uint64(3), snap.Version)
}

func TestSnapshot_Active(t *testing.T) {
	req := require.New(t)
	s := New()
	s.LoadConversationList([]models.Conversation{conv("1", 0), conv("2", 0)})

	_, ok := s.Snapshot().Active()
	req.False(ok)

	s.SelectConversation("2")
	active, ok := s.Snapshot().Active()
	req.True(ok)
	req.Equal("2", active.ID)
}
