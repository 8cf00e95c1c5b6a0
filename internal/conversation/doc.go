// Package conversation holds the client-side conversation model: an
// in-memory store of threads with read/unread tracking, and the service
// that keeps it consistent across three write paths.
//
// # Store
//
// The Store is a pure state container keyed by thread id. Threads are
// created on first reference (a fetched summary or an inbound push for an
// unknown thread) and live for the process lifetime. Within a
// thread, messages are ordered by CreatedAt and a message id appears at
// most once; appending a known id is a no-op. A thread's unread count is
// the number of its messages that are unread and not our own.
//
// # Service
//
// The Service merges three sources into the Store:
//
//   - REST fetches (ListConversations, LoadConversation): authoritative
//     history; a refresh replaces confirmed messages but never drops a
//     still-unconfirmed optimistic send.
//   - Pushed events (HandlePush): merged idempotently by id, after the
//     dedupe cache has filtered reconnect replays.
//   - Optimistic sends (SendMessage): appended immediately under a
//     temporary id, then reconciled against the server-confirmed record
//     or flagged Failed.
//
// Reconciliation is purely id-based: when a send resolves, the temporary
// id is replaced by the confirmed one, and any independently-arriving push
// with a never-before-seen id is a distinct message.
package conversation
