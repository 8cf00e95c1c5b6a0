// ABOUTME: Tests for the conversation service: fetch merging, optimistic send, push dedup.
// ABOUTME: Uses a scripted history API fake and a recording realtime fake over a real Store.

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylane/skylane-messaging/internal/dispatch"
	"github.com/skylane/skylane-messaging/internal/event"
	"github.com/skylane/skylane-messaging/internal/transport"
)

type fakeHistory struct {
	mu        sync.Mutex
	summaries []Summary
	threads   map[string]*Thread
	listErr   error
	getErr    error
	createErr error
	created   []CreateMessageRequest
	nextID    string
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{threads: make(map[string]*Thread), nextID: "srv-1"}
}

func (f *fakeHistory) ListConversations(ctx context.Context) ([]Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.summaries, nil
}

func (f *fakeHistory) GetConversation(ctx context.Context, threadID string) (*Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	th, ok := f.threads[threadID]
	if !ok {
		return &Thread{ID: threadID}, nil
	}
	return th, nil
}

func (f *fakeHistory) CreateMessage(ctx context.Context, req CreateMessageRequest) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &Message{
		ID:        f.nextID,
		ThreadID:  req.ThreadID,
		SenderID:  "me",
		Content:   req.Content,
		Type:      TypeMessage,
		CreatedAt: time.Now(),
	}, nil
}

type fakeRealtime struct {
	mu         sync.Mutex
	dispatcher *dispatch.Dispatcher
	sends      []string
	sendErr    error
}

func newFakeRealtime() *fakeRealtime {
	return &fakeRealtime{dispatcher: dispatch.New(nil)}
}

func (f *fakeRealtime) On(cat event.Category, fn dispatch.Handler) func() {
	return f.dispatcher.Register(cat, fn)
}

func (f *fakeRealtime) Send(ctx context.Context, method string, payload any) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, method)
	return nil, f.sendErr
}

func (f *fakeRealtime) sendMethods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sends...)
}

func newTestService(t *testing.T) (*Service, *Store, *fakeHistory, *fakeRealtime) {
	t.Helper()
	store := NewStore("me", nil)
	history := newFakeHistory()
	svc := NewService(store, history, nil)
	rt := newFakeRealtime()
	svc.Attach(rt)
	t.Cleanup(svc.Close)
	return svc, store, history, rt
}

func pushMessage(id, threadID, sender, content string, at time.Time) *event.PushEvent {
	return &event.PushEvent{
		Kind: event.KindMessage,
		Message: &event.MessagePayload{
			ID:         id,
			ThreadID:   threadID,
			SenderID:   sender,
			SenderName: "Dana",
			Content:    content,
			CreatedAt:  at,
		},
	}
}

func TestService_ListConversationsMergesSummaries(t *testing.T) {
	svc, store, history, _ := newTestService(t)

	last := msg("m-1", "them", 0)
	history.summaries = []Summary{{
		ThreadID:    "t-1",
		Other:       Participant{ID: "them", DisplayName: "Dana"},
		LastMessage: &last,
	}}

	list, err := svc.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "t-1", list[0].ThreadID)
	assert.Equal(t, "Dana", list[0].Other.DisplayName)
	assert.Equal(t, 1, list[0].UnreadCount)

	// Refetching does not duplicate the cached last message.
	_, err = svc.ListConversations(context.Background())
	require.NoError(t, err)
	thread, _ := store.Thread("t-1")
	assert.Len(t, thread.Messages, 1)
}

func TestService_ListConversationsError(t *testing.T) {
	svc, _, history, _ := newTestService(t)
	history.listErr = errors.New("boom")

	_, err := svc.ListConversations(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "fetching conversations")
}

func TestService_LoadConversationReplacesHistory(t *testing.T) {
	svc, _, history, _ := newTestService(t)

	history.threads["t-1"] = &Thread{
		ID:    "t-1",
		Other: Participant{ID: "them", DisplayName: "Dana"},
		Messages: []Message{
			msg("srv-1", "them", 0),
			msg("srv-2", "me", time.Minute),
		},
	}

	thread, err := svc.LoadConversation(context.Background(), "t-1")
	require.NoError(t, err)
	require.Len(t, thread.Messages, 2)
	assert.Equal(t, "Dana", thread.Other.DisplayName)
}

func TestService_LoadConversationPreservesPendingSend(t *testing.T) {
	svc, store, history, _ := newTestService(t)

	pending := msg("local-1", "me", 5*time.Minute)
	pending.Pending = true
	store.AppendMessage("t-1", pending)

	history.threads["t-1"] = &Thread{
		ID:       "t-1",
		Other:    Participant{ID: "them"},
		Messages: []Message{msg("srv-1", "them", 0)},
	}

	thread, err := svc.LoadConversation(context.Background(), "t-1")
	require.NoError(t, err)
	require.Len(t, thread.Messages, 2)
	assert.Equal(t, "local-1", thread.Messages[1].ID)
	assert.True(t, thread.Messages[1].Pending)
}

func TestService_SendMessageConfirms(t *testing.T) {
	svc, store, history, _ := newTestService(t)

	sent, err := svc.SendMessage(context.Background(), "t-1", "them", "Hello")
	require.NoError(t, err)
	assert.Equal(t, "srv-1", sent.ID)
	assert.Equal(t, "Hello", sent.Content)
	assert.False(t, sent.Pending)

	require.Len(t, history.created, 1)
	assert.Equal(t, "them", history.created[0].ReceiverID)

	thread, _ := store.Thread("t-1")
	require.Len(t, thread.Messages, 1)
	assert.Equal(t, "srv-1", thread.Messages[0].ID)
	assert.False(t, thread.Messages[0].Pending)
}

func TestService_SendMessageThenListShowsLastMessage(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	before := time.Now()
	_, err := svc.SendMessage(context.Background(), "t-1", "them", "Hello")
	require.NoError(t, err)

	list, err := svc.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, "Hello", list[0].LastMessage.Content)
	assert.False(t, list[0].LastActivity.Before(before))
	assert.Zero(t, list[0].UnreadCount, "own messages never count as unread")
}

func TestService_SendMessageFailureFlagsEntry(t *testing.T) {
	svc, store, history, _ := newTestService(t)
	history.createErr = errors.New("server unavailable")

	_, err := svc.SendMessage(context.Background(), "t-1", "them", "Hello")
	require.Error(t, err)

	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, "t-1", sendErr.ThreadID)
	assert.ErrorContains(t, sendErr, "server unavailable")

	thread, _ := store.Thread("t-1")
	require.Len(t, thread.Messages, 1)
	assert.Equal(t, sendErr.TempID, thread.Messages[0].ID)
	assert.True(t, thread.Messages[0].Failed)
	assert.False(t, thread.Messages[0].Pending)
}

func TestService_EchoOfOwnSendAppearsExactlyOnce(t *testing.T) {
	svc, store, _, _ := newTestService(t)

	sent, err := svc.SendMessage(context.Background(), "t-1", "them", "Hi")
	require.NoError(t, err)

	// The server pushes our own message back after confirming it.
	svc.HandlePush(pushMessage(sent.ID, "t-1", "me", "Hi", sent.CreatedAt))

	thread, _ := store.Thread("t-1")
	require.Len(t, thread.Messages, 1, "echo must not duplicate the confirmed send")
	assert.Equal(t, "Hi", thread.Messages[0].Content)
}

func TestService_HandlePushCreatesUnknownThread(t *testing.T) {
	svc, store, _, _ := newTestService(t)

	svc.HandlePush(pushMessage("m-1", "t-new", "them", "Bonjour", base))

	thread, ok := store.Thread("t-new")
	require.True(t, ok)
	require.Len(t, thread.Messages, 1)
	assert.Equal(t, "Dana", thread.Other.DisplayName)
	assert.Equal(t, 1, store.UnreadCount("t-new"))
}

func TestService_HandlePushDuplicateIDIgnored(t *testing.T) {
	svc, store, _, _ := newTestService(t)

	svc.HandlePush(pushMessage("m-1", "t-1", "them", "Hi", base))
	svc.HandlePush(pushMessage("m-1", "t-1", "them", "Hi", base))

	thread, _ := store.Thread("t-1")
	assert.Len(t, thread.Messages, 1)
	assert.Equal(t, 1, store.UnreadCount("t-1"))
}

func TestService_HandlePushIgnoresNonMessageKinds(t *testing.T) {
	svc, store, _, _ := newTestService(t)

	svc.HandlePush(&event.PushEvent{
		Kind:         event.KindNotification,
		Notification: &event.NotificationPayload{ID: "n-1", Subject: "hello"},
	})
	svc.HandlePush(nil)

	assert.Empty(t, store.List())
}

func TestService_PushRoutedThroughDispatcher(t *testing.T) {
	_, store, _, rt := newTestService(t)

	raw, err := json.Marshal(map[string]any{
		"kind": "message",
		"payload": map[string]any{
			"id":         "m-1",
			"thread_id":  "t-1",
			"sender_id":  "them",
			"content":    "via the wire",
			"created_at": base.Format(time.RFC3339),
		},
	})
	require.NoError(t, err)

	ev, err := event.Decode(raw)
	require.NoError(t, err)
	rt.dispatcher.Dispatch(ev.Category(), ev)

	thread, ok := store.Thread("t-1")
	require.True(t, ok)
	require.Len(t, thread.Messages, 1)
	assert.Equal(t, "via the wire", thread.Messages[0].Content)
}

func TestService_MarkReadSendsReceipt(t *testing.T) {
	svc, store, _, rt := newTestService(t)

	svc.HandlePush(pushMessage("m-1", "t-1", "them", "Hi", base))
	require.Equal(t, 1, store.UnreadCount("t-1"))

	svc.MarkRead(context.Background(), "t-1")

	assert.Zero(t, store.UnreadCount("t-1"))
	assert.Equal(t, []string{"conversations.mark_read"}, rt.sendMethods())
}

func TestService_MarkReadSurvivesDisconnect(t *testing.T) {
	svc, store, _, rt := newTestService(t)
	rt.sendErr = transport.ErrNotConnected

	svc.HandlePush(pushMessage("m-1", "t-1", "them", "Hi", base))
	svc.MarkRead(context.Background(), "t-1")

	// Local state wins even when the receipt could not be delivered.
	assert.Zero(t, store.UnreadCount("t-1"))
}

func TestService_CloseUnsubscribes(t *testing.T) {
	store := NewStore("me", nil)
	svc := NewService(store, newFakeHistory(), nil)
	rt := newFakeRealtime()
	svc.Attach(rt)

	require.Equal(t, 1, rt.dispatcher.HandlerCount(event.CategoryDirectMessage))
	svc.Close()
	assert.Zero(t, rt.dispatcher.HandlerCount(event.CategoryDirectMessage))
}
