// ABOUTME: In-memory keyed store of conversation threads, messages, and unread counts.
// ABOUTME: Pure state container, no I/O; all mutation goes through the Service.

package conversation

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// MessageType mirrors the push event kinds a message can carry.
type MessageType string

const (
	TypeMessage      MessageType = "message"
	TypeNotification MessageType = "notification"
	TypeSystem       MessageType = "system"
)

// Participant is the other party of a conversation thread.
type Participant struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	Verified    bool     `json:"verified"`
	Languages   []string `json:"languages,omitempty"`
}

// Message is a single entry in a thread's log. Before the server confirms
// an optimistic send, ID holds a temporary local id and Pending is true.
type Message struct {
	ID         string      `json:"id"`
	ThreadID   string      `json:"thread_id"`
	SenderID   string      `json:"sender_id"`
	ReceiverID string      `json:"receiver_id"`
	Content    string      `json:"content"`
	Type       MessageType `json:"type"`
	CreatedAt  time.Time   `json:"created_at"`
	IsRead     bool        `json:"is_read"`
	Pending    bool        `json:"pending,omitempty"`
	Failed     bool        `json:"failed,omitempty"`
}

// Thread is a conversation between the current user and one other
// participant, messages ordered by CreatedAt ascending.
type Thread struct {
	ID       string      `json:"thread_id"`
	Other    Participant `json:"other_participant"`
	Messages []Message   `json:"messages"`
}

// Summary is the cached projection used for listing threads, recomputed
// whenever its thread mutates.
type Summary struct {
	ThreadID     string      `json:"thread_id"`
	Other        Participant `json:"other_participant"`
	LastMessage  *Message    `json:"last_message,omitempty"`
	UnreadCount  int         `json:"unread_count"`
	LastActivity time.Time   `json:"last_activity"`
}

// threadState is the mutable store record for one thread.
type threadState struct {
	other    Participant
	messages []Message
	ids      map[string]struct{}
}

// Store holds every known thread for the process lifetime. Threads are
// created on first reference and never evicted. A message id appears at
// most once per thread; appending a known id is a no-op.
type Store struct {
	mu      sync.RWMutex
	selfID  string
	threads map[string]*threadState
	logger  *slog.Logger
}

// NewStore creates a store for the given current user. Unread counting
// needs to know which messages are our own. Pass nil logger for default.
func NewStore(selfID string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		selfID:  selfID,
		threads: make(map[string]*threadState),
		logger:  logger.With("component", "store"),
	}
}

// SelfID returns the current user id the store counts unread against.
func (s *Store) SelfID() string { return s.selfID }

// UpsertThread ensures a thread exists and refreshes its participant info.
func (s *Store) UpsertThread(threadID string, other Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.ensureLocked(threadID)
	if other.ID != "" {
		ts.other = other
	}
}

// AppendMessage adds a message to its thread, creating the thread if
// unknown. Idempotent on message id: returns false and changes nothing if
// the id is already present. Messages stay ordered by CreatedAt ascending.
func (s *Store) AppendMessage(threadID string, msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.ensureLocked(threadID)
	if _, dup := ts.ids[msg.ID]; dup {
		return false
	}

	msg.ThreadID = threadID
	ts.insertLocked(msg)
	return true
}

// ConfirmMessage reconciles an optimistic send: the entry under tempID is
// replaced in place by the server-confirmed record. If the confirmed id
// already arrived independently (server echo raced the response), the
// temporary entry is dropped instead so the thread never holds both.
func (s *Store) ConfirmMessage(threadID, tempID string, confirmed Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.threads[threadID]
	if !ok {
		return
	}

	idx := ts.indexLocked(tempID)
	if idx < 0 {
		return
	}

	if _, echoed := ts.ids[confirmed.ID]; echoed && confirmed.ID != tempID {
		ts.removeLocked(idx)
		s.logger.Debug("optimistic message superseded by echo",
			"thread_id", threadID,
			"message_id", confirmed.ID)
		return
	}

	delete(ts.ids, tempID)
	confirmed.ThreadID = threadID
	confirmed.Pending = false
	confirmed.Failed = false
	ts.messages[idx] = confirmed
	ts.ids[confirmed.ID] = struct{}{}
	ts.resortLocked()
}

// MarkFailed flags an unconfirmed optimistic message as failed. The entry
// stays visible so the caller can decide on retry or removal.
func (s *Store) MarkFailed(threadID, tempID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.threads[threadID]
	if !ok {
		return
	}
	if idx := ts.indexLocked(tempID); idx >= 0 {
		ts.messages[idx].Pending = false
		ts.messages[idx].Failed = true
	}
}

// MarkRead sets IsRead on every message in the thread, driving its unread
// count to zero. Other threads are untouched.
func (s *Store) MarkRead(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.threads[threadID]
	if !ok {
		return
	}
	for i := range ts.messages {
		ts.messages[i].IsRead = true
	}
}

// ReplaceHistory swaps a thread's confirmed messages for the
// authoritative server history, then re-appends any still-unconfirmed
// optimistic messages so an in-flight send is never dropped by a refresh.
func (s *Store) ReplaceHistory(threadID string, other Participant, history []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.ensureLocked(threadID)
	if other.ID != "" {
		ts.other = other
	}

	var local []Message
	for _, m := range ts.messages {
		if m.Pending || m.Failed {
			local = append(local, m)
		}
	}

	ts.messages = nil
	ts.ids = make(map[string]struct{})
	for _, m := range history {
		if _, dup := ts.ids[m.ID]; dup {
			continue
		}
		m.ThreadID = threadID
		ts.insertLocked(m)
	}
	for _, m := range local {
		if _, dup := ts.ids[m.ID]; dup {
			continue
		}
		ts.insertLocked(m)
	}
}

// Thread returns a copy of a thread's state.
func (s *Store) Thread(threadID string) (Thread, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts, ok := s.threads[threadID]
	if !ok {
		return Thread{}, false
	}
	msgs := make([]Message, len(ts.messages))
	copy(msgs, ts.messages)
	return Thread{ID: threadID, Other: ts.other, Messages: msgs}, true
}

// UnreadCount returns the thread's current unread count.
func (s *Store) UnreadCount(threadID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts, ok := s.threads[threadID]
	if !ok {
		return 0
	}
	return s.unreadLocked(ts)
}

// List returns a summary per thread, sorted by LastActivity descending.
func (s *Store) List() []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := make([]Summary, 0, len(s.threads))
	for id, ts := range s.threads {
		sum := Summary{
			ThreadID:    id,
			Other:       ts.other,
			UnreadCount: s.unreadLocked(ts),
		}
		if n := len(ts.messages); n > 0 {
			last := ts.messages[n-1]
			sum.LastMessage = &last
			sum.LastActivity = last.CreatedAt
		}
		summaries = append(summaries, sum)
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].LastActivity.After(summaries[j].LastActivity)
	})
	return summaries
}

// unreadLocked counts inbound unread messages. Must hold mu.
func (s *Store) unreadLocked(ts *threadState) int {
	n := 0
	for _, m := range ts.messages {
		if !m.IsRead && m.SenderID != s.selfID {
			n++
		}
	}
	return n
}

// ensureLocked returns the thread record, creating it on first reference.
// Must hold mu.
func (s *Store) ensureLocked(threadID string) *threadState {
	ts, ok := s.threads[threadID]
	if !ok {
		ts = &threadState{ids: make(map[string]struct{})}
		s.threads[threadID] = ts
		s.logger.Debug("thread created", "thread_id", threadID)
	}
	return ts
}

// insertLocked places a message at its CreatedAt position. Most inserts
// land at the tail, so we walk back from the end.
func (ts *threadState) insertLocked(msg Message) {
	pos := len(ts.messages)
	for pos > 0 && ts.messages[pos-1].CreatedAt.After(msg.CreatedAt) {
		pos--
	}
	ts.messages = append(ts.messages, Message{})
	copy(ts.messages[pos+1:], ts.messages[pos:])
	ts.messages[pos] = msg
	ts.ids[msg.ID] = struct{}{}
}

// indexLocked finds a message by id, -1 if absent.
func (ts *threadState) indexLocked(id string) int {
	for i, m := range ts.messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// removeLocked deletes the message at idx.
func (ts *threadState) removeLocked(idx int) {
	delete(ts.ids, ts.messages[idx].ID)
	ts.messages = append(ts.messages[:idx], ts.messages[idx+1:]...)
}

// resortLocked restores CreatedAt order after an in-place replacement.
func (ts *threadState) resortLocked() {
	sort.SliceStable(ts.messages, func(i, j int) bool {
		return ts.messages[i].CreatedAt.Before(ts.messages[j].CreatedAt)
	})
}
