package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"github.com/tullo/marketchat/internal/history"
	"github.com/tullo/marketchat/internal/mocks"
	"github.com/tullo/marketchat/internal/models"
	"github.com/tullo/marketchat/internal/store"
	"github.com/tullo/marketchat/internal/transport"
	"go.uber.org/mock/gomock"
)

const waitFor = 2 * time.Second

var (
	me     = transport.Credentials{UserID: "me", Token: "token-me"}
	moment = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
)

type fixture struct {
	ctrl      *Controller
	store     *store.Store
	loader    *mocks.MockHistoryLoader
	transport *mocks.MockTransport
}

func newFixture(t *testing.T) *fixture {
	mockCtrl := gomock.NewController(t)
	loader := mocks.NewMockHistoryLoader(mockCtrl)
	tr := mocks.NewMockTransport(mockCtrl)
	st := store.New()

	tr.EXPECT().SetHandler(gomock.Any()).Times(1)
	tr.EXPECT().Close().AnyTimes()

	c := New(st, loader, tr, logs.GetLoggerFromLevel(slog.LevelDebug))
	t.Cleanup(c.Close)
	return &fixture{ctrl: c, store: st, loader: loader, transport: tr}
}

func conversation(id string, unread int) models.Conversation {
	return models.Conversation{
		ID:          id,
		Participant: models.Participant{ID: "peer-" + id, DisplayName: "Peer " + id},
		UnreadCount: unread,
	}
}

func message(id, conversationID, senderID string) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: conversationID,
		Sender:         models.Participant{ID: senderID, DisplayName: senderID},
		Content:        "content " + id,
		CreatedAt:      moment,
	}
}

func conversationIDs(s store.Snapshot) []string {
	return lo.Map(s.Conversations, func(c models.Conversation, _ int) string { return c.ID })
}

func messageIDs(s store.Snapshot) []string {
	return lo.Map(s.Messages, func(m models.Message, _ int) string { return m.ID })
}

func TestController_Start_LoadsListSelectsFirstAndConnects(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	gomock.InOrder(
		f.loader.EXPECT().Conversations(gomock.Any()).
			Return([]models.Conversation{conversation("1", 2), conversation("2", 0)}, nil),
		f.transport.EXPECT().Connect(gomock.Any(), me).Return(nil),
		f.loader.EXPECT().Messages(gomock.Any(), "1").
			Return([]models.Message{message("m1", "1", "peer-1")}, nil),
	)

	req.NoError(f.ctrl.Start(context.Background(), me))

	snap := f.ctrl.Snapshot()
	req.Equal("1", snap.ActiveID)
	req.Equal(0, snap.Conversations[0].UnreadCount)
	req.Equal([]string{"m1"}, messageIDs(snap))
}

func TestController_Start_EmptyListSelectsNothing(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	f.loader.EXPECT().Conversations(gomock.Any()).Return([]models.Conversation{}, nil)
	f.transport.EXPECT().Connect(gomock.Any(), me).Return(nil)

	req.NoError(f.ctrl.Start(context.Background(), me))
	req.Empty(f.ctrl.Snapshot().ActiveID)
}

func TestController_Start_ListFailureIsRetryable(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	f.loader.EXPECT().Conversations(gomock.Any()).
		Return(nil, &history.APIError{StatusCode: http.StatusServiceUnavailable, Message: "down"})

	err := f.ctrl.Start(context.Background(), me)

	var ctrlErr *Error
	req.True(errors.As(err, &ctrlErr))
	req.Equal(OpLoadConversations, ctrlErr.Op)
	req.True(ctrlErr.Retryable())
	req.Equal(uint64(0), f.ctrl.Snapshot().Version)
}

func TestController_Start_ConnectFailure(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	f.loader.EXPECT().Conversations(gomock.Any()).Return(nil, nil)
	f.transport.EXPECT().Connect(gomock.Any(), me).Return(transport.ErrSessionClosed)

	err := f.ctrl.Start(context.Background(), me)

	var ctrlErr *Error
	req.True(errors.As(err, &ctrlErr))
	req.Equal(OpConnect, ctrlErr.Op)
	req.ErrorIs(err, transport.ErrSessionClosed)
}

func TestController_SelectThenInbound_Scenario(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.store.LoadConversationList([]models.Conversation{conversation("1", 0), conversation("2", 3)})

	f.loader.EXPECT().Messages(gomock.Any(), "2").Return(nil, nil)
	req.NoError(f.ctrl.Select(context.Background(), "2"))

	snap := f.ctrl.Snapshot()
	req.Equal("2", snap.ActiveID)
	req.Equal(0, snap.Conversations[1].UnreadCount)

	f.ctrl.HandleInbound(models.InboundMessage{ConversationID: "1", Message: message("x", "1", "peer-1")})

	snap = f.ctrl.Snapshot()
	req.Equal([]string{"1", "2"}, conversationIDs(snap))
	req.Equal(1, snap.Conversations[0].UnreadCount)
	req.Equal(0, snap.Conversations[1].UnreadCount)
}

func TestController_Select_StaleFetchIsDiscarded(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.store.LoadConversationList([]models.Conversation{conversation("A", 0), conversation("B", 0)})

	release := make(chan struct{})
	started := make(chan struct{})
	f.loader.EXPECT().Messages(gomock.Any(), "A").
		DoAndReturn(func(ctx context.Context, id string) ([]models.Message, error) {
			close(started)
			<-release
			return []models.Message{message("a1", "A", "peer-A")}, nil
		})
	f.loader.EXPECT().Messages(gomock.Any(), "B").
		Return([]models.Message{message("b1", "B", "peer-B")}, nil)

	done := make(chan error, 1)
	go func() { done <- f.ctrl.Select(context.Background(), "A") }()
	<-started

	// Given the user moves on before A's history arrives
	req.NoError(f.ctrl.Select(context.Background(), "B"))
	close(release)
	req.NoError(<-done)

	snap := f.ctrl.Snapshot()
	req.Equal("B", snap.ActiveID)
	req.Equal([]string{"b1"}, messageIDs(snap))
}

func TestController_Select_FailureLeavesSelection(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.store.LoadConversationList([]models.Conversation{conversation("A", 4)})

	f.loader.EXPECT().Messages(gomock.Any(), "A").Return(nil, fmt.Errorf("connection reset"))

	err := f.ctrl.Select(context.Background(), "A")

	var ctrlErr *Error
	req.True(errors.As(err, &ctrlErr))
	req.Equal(OpLoadHistory, ctrlErr.Op)
	req.Equal("A", ctrlErr.ConversationID)
	req.True(ctrlErr.Retryable())
	req.Equal("A", f.ctrl.Snapshot().ActiveID)
}

func TestController_Back(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.store.LoadConversationList([]models.Conversation{conversation("A", 0)})
	f.store.SelectConversation("A")

	f.ctrl.Back()

	req.Empty(f.ctrl.Snapshot().ActiveID)
}

func TestController_Send_WithoutActiveConversationIsRejected(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.store.LoadConversationList([]models.Conversation{conversation("A", 0)})
	before := f.ctrl.Snapshot()

	_, err := f.ctrl.Send(context.Background(), "hello")

	req.ErrorIs(err, ErrNoActiveConversation)
	req.Equal(before, f.ctrl.Snapshot())
}

func TestController_Send_BlankContentIsRejected(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.store.SelectConversation("A")

	_, err := f.ctrl.Send(context.Background(), "  \n")

	req.ErrorIs(err, ErrInvalidContent)
}

func TestController_Send_AppendsConfirmedMessage(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.store.LoadConversationList([]models.Conversation{conversation("A", 0), conversation("B", 0)})
	f.store.SelectConversation("B")

	sent := message("s1", "B", "me")
	f.loader.EXPECT().SendMessage(gomock.Any(), "B", "hello").Return(&sent, nil)

	got, err := f.ctrl.Send(context.Background(), " hello ")
	req.NoError(err)
	req.Equal("s1", got.ID)

	snap := f.ctrl.Snapshot()
	req.Equal([]string{"s1"}, messageIDs(snap))
	req.Equal([]string{"B", "A"}, conversationIDs(snap))

	// the live echo of the same message is not appended twice
	f.ctrl.HandleInbound(models.InboundMessage{ConversationID: "B", Message: sent})
	req.Equal([]string{"s1"}, messageIDs(f.ctrl.Snapshot()))
}

func TestController_Send_FailureLeavesStoreUntouched(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.store.LoadConversationList([]models.Conversation{conversation("A", 0)})
	f.store.SelectConversation("A")
	before := f.ctrl.Snapshot()

	f.loader.EXPECT().SendMessage(gomock.Any(), "A", "hello").
		Return(nil, &history.APIError{StatusCode: http.StatusTooManyRequests, Message: "Rate limit exceeded"})

	_, err := f.ctrl.Send(context.Background(), "hello")

	var ctrlErr *Error
	req.True(errors.As(err, &ctrlErr))
	req.Equal(OpSendMessage, ctrlErr.Op)
	req.True(ctrlErr.Retryable())
	req.Equal(before, f.ctrl.Snapshot())
}

func TestController_Send_CompletesAfterNavigatingAway(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.store.LoadConversationList([]models.Conversation{conversation("A", 0), conversation("B", 0)})
	f.store.SelectConversation("A")

	sent := message("s1", "A", "me")
	f.loader.EXPECT().SendMessage(gomock.Any(), "A", "hello").
		DoAndReturn(func(ctx context.Context, id, content string) (*models.Message, error) {
			f.ctrl.Back()
			return &sent, nil
		})

	_, err := f.ctrl.Send(context.Background(), "hello")
	req.NoError(err)

	snap := f.ctrl.Snapshot()
	req.Empty(snap.ActiveID)
	req.Empty(snap.Messages)
	req.Equal("content s1", snap.Conversations[0].LastMessage.Content)
}

func TestController_StartConversation(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.store.LoadConversationList([]models.Conversation{conversation("A", 0)})
	f.store.SelectConversation("A")

	listing := "listing-3"
	request := models.StartConversationRequest{ParticipantID: "peer-N", ListingRef: &listing, Message: "Is this available?"}
	f.loader.EXPECT().StartConversation(gomock.Any(), request).
		Return(&models.StartConversationResponse{
			Conversation: conversation("N", 0),
			Message:      message("n1", "N", "me"),
		}, nil)

	got, err := f.ctrl.StartConversation(context.Background(), request)
	req.NoError(err)
	req.Equal("N", got.ID)

	snap := f.ctrl.Snapshot()
	req.Equal("N", snap.ActiveID)
	req.Equal([]string{"N", "A"}, conversationIDs(snap))
	req.Equal([]string{"n1"}, messageIDs(snap))
	req.Equal("content n1", snap.Conversations[0].LastMessage.Content)
}

func TestController_StartConversation_InvalidRequest(t *testing.T) {
	f := newFixture(t)

	_, err := f.ctrl.StartConversation(context.Background(), models.StartConversationRequest{ParticipantID: "peer-N"})

	require.ErrorIs(t, err, ErrInvalidContent)
}

func TestController_Inbound_UnknownConversationRefreshesList(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.store.LoadConversationList([]models.Conversation{conversation("A", 0)})

	refreshed := make(chan struct{})
	f.loader.EXPECT().Conversations(gomock.Any()).
		DoAndReturn(func(ctx context.Context) ([]models.Conversation, error) {
			defer close(refreshed)
			return []models.Conversation{conversation("new", 1), conversation("A", 0)}, nil
		})

	f.ctrl.HandleInbound(models.InboundMessage{ConversationID: "new", Message: message("x", "new", "peer-new")})

	select {
	case <-refreshed:
	case <-time.After(waitFor):
		req.FailNow("expected a conversation list refresh")
	}
	req.Eventually(func() bool {
		return len(f.ctrl.Snapshot().Conversations) == 2
	}, waitFor, 10*time.Millisecond)
	req.Equal([]string{"new", "A"}, conversationIDs(f.ctrl.Snapshot()))
}

func TestController_Inbound_OwnMessageDoesNotCountAsUnread(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.loader.EXPECT().Conversations(gomock.Any()).
		Return([]models.Conversation{conversation("A", 0), conversation("B", 0)}, nil)
	f.transport.EXPECT().Connect(gomock.Any(), me).Return(nil)
	f.loader.EXPECT().Messages(gomock.Any(), "A").Return(nil, nil)
	req.NoError(f.ctrl.Start(context.Background(), me))

	f.ctrl.HandleInbound(models.InboundMessage{ConversationID: "B", Message: message("o1", "B", "me")})

	snap := f.ctrl.Snapshot()
	req.Equal([]string{"B", "A"}, conversationIDs(snap))
	req.Equal(0, snap.Conversations[0].UnreadCount)
}

func TestController_Inbound_ActiveConversationIsMarkedRead(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.loader.EXPECT().Conversations(gomock.Any()).
		Return([]models.Conversation{conversation("A", 0), conversation("B", 0)}, nil)
	f.transport.EXPECT().Connect(gomock.Any(), me).Return(nil)
	f.loader.EXPECT().Messages(gomock.Any(), "A").Return(nil, nil)
	req.NoError(f.ctrl.Start(context.Background(), me))

	marked := make(chan string, 1)
	f.loader.EXPECT().MarkRead(gomock.Any(), "A").
		DoAndReturn(func(ctx context.Context, id string) error {
			marked <- id
			return nil
		})

	f.ctrl.HandleInbound(models.InboundMessage{ConversationID: "A", Message: message("a1", "A", "peer-A")})
	// redelivery of a message already on screen is not marked again
	f.ctrl.HandleInbound(models.InboundMessage{ConversationID: "A", Message: message("a1", "A", "peer-A")})
	f.ctrl.HandleInbound(models.InboundMessage{ConversationID: "B", Message: message("b1", "B", "peer-B")})

	select {
	case id := <-marked:
		req.Equal("A", id)
	case <-time.After(waitFor):
		req.FailNow("expected the active conversation to be marked read")
	}

	snap := f.ctrl.Snapshot()
	req.Equal([]string{"a1"}, messageIDs(snap))
	req.Equal([]string{"B", "A"}, conversationIDs(snap))
	req.Equal(1, snap.Conversations[0].UnreadCount)
	req.Equal(0, snap.Conversations[1].UnreadCount)
}

func TestController_Inbound_MarkReadFailureIsNotReported(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.store.LoadConversationList([]models.Conversation{conversation("A", 0)})
	f.store.SelectConversation("A")

	called := make(chan struct{})
	f.loader.EXPECT().MarkRead(gomock.Any(), "A").
		DoAndReturn(func(ctx context.Context, id string) error {
			defer close(called)
			return &history.APIError{StatusCode: http.StatusServiceUnavailable, Message: "down"}
		})

	f.ctrl.HandleInbound(models.InboundMessage{ConversationID: "A", Message: message("a1", "A", "peer-A")})

	select {
	case <-called:
	case <-time.After(waitFor):
		req.FailNow("expected a read marker")
	}
	req.Never(func() bool { return len(f.ctrl.Errors()) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	req.Equal([]string{"a1"}, messageIDs(f.ctrl.Snapshot()))
}

func TestController_Reconnected_InboundDuringListFetchSurvives(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.store.LoadConversationList([]models.Conversation{conversation("A", 0), conversation("B", 0)})

	started := make(chan struct{})
	release := make(chan struct{})
	f.loader.EXPECT().Conversations(gomock.Any()).
		DoAndReturn(func(ctx context.Context) ([]models.Conversation, error) {
			close(started)
			<-release
			return []models.Conversation{conversation("A", 0), conversation("B", 0)}, nil
		})

	f.ctrl.Reconnected()
	select {
	case <-started:
	case <-time.After(waitFor):
		req.FailNow("expected a conversation list refresh")
	}

	// Given a message lands while the list request is in flight
	f.ctrl.HandleInbound(models.InboundMessage{ConversationID: "B", Message: message("b1", "B", "peer-B")})
	before := f.ctrl.Snapshot()
	req.Equal([]string{"B", "A"}, conversationIDs(before))
	req.Equal(1, before.Conversations[0].UnreadCount)

	close(release)
	req.Eventually(func() bool {
		return f.ctrl.Snapshot().Version > before.Version
	}, waitFor, 10*time.Millisecond)

	snap := f.ctrl.Snapshot()
	req.Equal([]string{"B", "A"}, conversationIDs(snap))
	req.Equal(1, snap.Conversations[0].UnreadCount)
	req.Equal("content b1", snap.Conversations[0].LastMessage.Content)
}

func TestController_Reconnected_RefetchesActiveHistory(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.store.LoadConversationList([]models.Conversation{conversation("A", 0), conversation("B", 0)})
	f.store.SelectConversation("A")
	f.store.SetLiveUpdates(false)

	fetched := make(chan struct{})
	gomock.InOrder(
		f.loader.EXPECT().Conversations(gomock.Any()).
			Return([]models.Conversation{conversation("B", 2), conversation("A", 0)}, nil),
		f.loader.EXPECT().Messages(gomock.Any(), "A").
			DoAndReturn(func(ctx context.Context, id string) ([]models.Message, error) {
				defer close(fetched)
				return []models.Message{message("missed", "A", "peer-A")}, nil
			}),
	)

	f.ctrl.Reconnected()

	select {
	case <-fetched:
	case <-time.After(waitFor):
		req.FailNow("expected history re-fetch after reconnect")
	}
	req.Eventually(func() bool {
		return len(f.ctrl.Snapshot().Messages) == 1
	}, waitFor, 10*time.Millisecond)

	snap := f.ctrl.Snapshot()
	req.True(snap.LiveUpdates)
	req.Equal([]string{"B", "A"}, conversationIDs(snap))
	req.Equal("A", snap.ActiveID)
	req.Equal([]string{"missed"}, messageIDs(snap))
}

func TestController_LiveUpdatesUnavailable(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	f.ctrl.LiveUpdatesUnavailable(fmt.Errorf("dial refused"))

	req.False(f.ctrl.Snapshot().LiveUpdates)
	select {
	case err := <-f.ctrl.Errors():
		req.ErrorIs(err, ErrLiveUpdatesUnavailable)
		var ctrlErr *Error
		req.True(errors.As(err, &ctrlErr))
		req.False(ctrlErr.Retryable())
	default:
		req.Fail("expected an error for the presentation layer")
	}
}
