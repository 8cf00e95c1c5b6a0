// ABOUTME: ConversationService bridges the push channel and the history API into per-thread logs.
// ABOUTME: Optimistic send with id-based reconciliation; pushed events merge idempotently.

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/skylane/skylane-messaging/internal/dedupe"
	"github.com/skylane/skylane-messaging/internal/dispatch"
	"github.com/skylane/skylane-messaging/internal/event"
	"github.com/skylane/skylane-messaging/internal/transport"
)

const (
	// seenTTL / seenCap bound the push-id dedupe cache. Reconnects replay
	// at most a few minutes of events, so ten minutes is plenty.
	seenTTL = 10 * time.Minute
	seenCap = 4096
)

// HistoryAPI is the request/response collaborator holding authoritative
// conversation history.
type HistoryAPI interface {
	ListConversations(ctx context.Context) ([]Summary, error)
	GetConversation(ctx context.Context, threadID string) (*Thread, error)
	CreateMessage(ctx context.Context, req CreateMessageRequest) (*Message, error)
}

// Realtime is what the service needs from the connection layer.
// *connection.Manager satisfies it.
type Realtime interface {
	On(cat event.Category, fn dispatch.Handler) func()
	Send(ctx context.Context, method string, payload any) ([]byte, error)
}

// CreateMessageRequest is the outbound message creation payload.
type CreateMessageRequest struct {
	ThreadID   string `json:"thread_id"`
	ReceiverID string `json:"receiver_id"`
	Content    string `json:"content"`
}

// SendError is a failure scoped to a single message. The connection is
// unaffected; the optimistic entry stays in the thread flagged Failed so
// the caller can offer retry or removal.
type SendError struct {
	ThreadID string
	TempID   string
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("sending message in thread %s: %v", e.ThreadID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Service exposes the read/send API the UI layer consumes, reconciling
// REST fetches, pushed events, and optimistic sends into the Store.
type Service struct {
	store    *Store
	history  HistoryAPI
	realtime Realtime
	seen     *dedupe.Cache
	logger   *slog.Logger
	unsubs   []func()
}

// NewService creates the service. Pass nil logger for the default.
func NewService(store *Store, history HistoryAPI, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		history: history,
		seen:    dedupe.New(seenTTL, seenCap),
		logger:  logger.With("component", "conversation"),
	}
}

// Attach subscribes the service to pushed direct messages on the given
// connection and enables best-effort read receipts over it.
func (s *Service) Attach(rt Realtime) {
	s.realtime = rt
	s.unsubs = append(s.unsubs, rt.On(event.CategoryDirectMessage, s.HandlePush))
}

// Close unsubscribes from the connection and releases the dedupe cache.
func (s *Service) Close() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	s.seen.Close()
}

// ListConversations fetches summaries from the history API, merges them
// into the store (keeping any locally-pending optimistic messages), and
// returns the store's view sorted by last activity descending.
func (s *Service) ListConversations(ctx context.Context) ([]Summary, error) {
	remote, err := s.history.ListConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching conversations: %w", err)
	}

	for _, sum := range remote {
		s.store.UpsertThread(sum.ThreadID, sum.Other)
		if sum.LastMessage != nil {
			s.store.AppendMessage(sum.ThreadID, *sum.LastMessage)
		}
	}

	return s.store.List(), nil
}

// LoadConversation fetches the full history for a thread, replacing its
// confirmed messages and re-appending any still-unconfirmed optimistic
// ones, so an in-flight send survives the refresh.
func (s *Service) LoadConversation(ctx context.Context, threadID string) (Thread, error) {
	remote, err := s.history.GetConversation(ctx, threadID)
	if err != nil {
		return Thread{}, fmt.Errorf("fetching conversation %s: %w", threadID, err)
	}

	s.store.ReplaceHistory(threadID, remote.Other, remote.Messages)

	thread, _ := s.store.Thread(threadID)
	return thread, nil
}

// SendMessage appends an optimistic pending entry under a temporary id,
// issues the create request, and reconciles. On failure the entry is
// flagged Failed and a *SendError returned; the decision to retry or
// remove belongs to the caller.
func (s *Service) SendMessage(ctx context.Context, threadID, receiverID, content string) (Message, error) {
	tempID := "local-" + uuid.New().String()
	optimistic := Message{
		ID:         tempID,
		ThreadID:   threadID,
		SenderID:   s.store.SelfID(),
		ReceiverID: receiverID,
		Content:    content,
		Type:       TypeMessage,
		CreatedAt:  time.Now(),
		IsRead:     true,
		Pending:    true,
	}
	s.store.AppendMessage(threadID, optimistic)

	confirmed, err := s.history.CreateMessage(ctx, CreateMessageRequest{
		ThreadID:   threadID,
		ReceiverID: receiverID,
		Content:    content,
	})
	if err != nil {
		s.store.MarkFailed(threadID, tempID)
		s.logger.Warn("send failed",
			"thread_id", threadID,
			"temp_id", tempID,
			"error", err)
		return Message{}, &SendError{ThreadID: threadID, TempID: tempID, Err: err}
	}

	// Record the confirmed id so the server's push echo is dropped as a
	// duplicate instead of appended as a second copy.
	s.seen.Observe(confirmed.ID)
	s.store.ConfirmMessage(threadID, tempID, *confirmed)

	s.logger.Debug("message sent",
		"thread_id", threadID,
		"message_id", confirmed.ID)

	result := *confirmed
	result.ThreadID = threadID
	result.Pending = false
	return result, nil
}

// HandlePush merges a validated pushed event into the store. Only
// message-kind events mutate threads; a message whose id has already been
// seen is a no-op, and an unknown thread is created on first push.
func (s *Service) HandlePush(ev *event.PushEvent) {
	if ev == nil || ev.Kind != event.KindMessage || ev.Message == nil {
		return
	}
	p := ev.Message

	if s.seen.Observe(p.ID) {
		s.logger.Debug("duplicate push ignored", "message_id", p.ID)
		return
	}

	ownEcho := p.SenderID == s.store.SelfID()
	if !ownEcho {
		s.store.UpsertThread(p.ThreadID, Participant{
			ID:          p.SenderID,
			DisplayName: p.SenderName,
		})
	}

	appended := s.store.AppendMessage(p.ThreadID, Message{
		ID:         p.ID,
		ThreadID:   p.ThreadID,
		SenderID:   p.SenderID,
		ReceiverID: p.ReceiverID,
		Content:    p.Content,
		Type:       TypeMessage,
		CreatedAt:  p.CreatedAt,
		IsRead:     ownEcho,
	})
	if !appended {
		s.logger.Debug("pushed message already in thread", "message_id", p.ID)
		return
	}

	s.logger.Debug("pushed message merged",
		"thread_id", p.ThreadID,
		"message_id", p.ID)
}

// MarkRead drives the thread's unread count to zero locally and sends a
// best-effort read receipt over the live connection when one is up.
func (s *Service) MarkRead(ctx context.Context, threadID string) {
	s.store.MarkRead(threadID)

	if s.realtime == nil {
		return
	}
	_, err := s.realtime.Send(ctx, "conversations.mark_read", map[string]string{
		"thread_id": threadID,
	})
	if err != nil && !errors.Is(err, transport.ErrNotConnected) {
		s.logger.Warn("read receipt failed", "thread_id", threadID, "error", err)
	}
}
