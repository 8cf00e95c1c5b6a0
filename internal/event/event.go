// ABOUTME: Tagged push event variant decoded and validated at the transport boundary.
// ABOUTME: Maps event kinds to dispatch categories; malformed payloads never enter the dispatcher.

package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Category identifies a dispatch fan-out channel. Every subscriber registers
// for exactly one category.
type Category string

const (
	CategoryPersonalNotification Category = "personal_notification"
	CategoryDirectMessage        Category = "direct_message"
	CategorySystemBroadcast      Category = "system_broadcast"
)

// Kind discriminates the push payload variants.
type Kind string

const (
	KindNotification Kind = "notification"
	KindMessage      Kind = "message"
	KindSystem       Kind = "system"
)

var validate = validator.New()

// MalformedEventError wraps a decode or validation failure for an inbound
// push payload. The event is logged and dropped by the caller; it must not
// reach subscribers.
type MalformedEventError struct {
	Reason string
	Err    error
}

func (e *MalformedEventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed push event: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed push event: %s", e.Reason)
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// envelope is the wire shape of every push event.
type envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// MessagePayload is a direct message pushed into a conversation thread.
type MessagePayload struct {
	ID         string    `json:"id" validate:"required"`
	ThreadID   string    `json:"thread_id" validate:"required"`
	SenderID   string    `json:"sender_id" validate:"required"`
	ReceiverID string    `json:"receiver_id"`
	SenderName string    `json:"sender_name"`
	Content    string    `json:"content" validate:"required"`
	CreatedAt  time.Time `json:"created_at" validate:"required"`
}

// NotificationPayload is a personal notification (offer accepted, pickup
// confirmed, payment released) addressed to the current user.
type NotificationPayload struct {
	ID        string    `json:"id" validate:"required"`
	Subject   string    `json:"subject" validate:"required"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// SystemPayload is a broadcast about the connection or the platform itself.
// Fatal system events tell every subscriber the shared connection is gone
// for good (credential rejected, retries exhausted).
type SystemPayload struct {
	Code   string `json:"code" validate:"required"`
	Reason string `json:"reason"`
	Fatal  bool   `json:"fatal"`
}

// PushEvent is the validated tagged variant over {Notification, Message,
// System}. Exactly one payload field is non-nil, matching Kind.
type PushEvent struct {
	Kind         Kind
	Message      *MessagePayload
	Notification *NotificationPayload
	System       *SystemPayload
}

// Category returns the dispatch category for this event's kind.
func (e *PushEvent) Category() Category {
	switch e.Kind {
	case KindMessage:
		return CategoryDirectMessage
	case KindNotification:
		return CategoryPersonalNotification
	default:
		return CategorySystemBroadcast
	}
}

// Decode parses and validates a raw push frame into a PushEvent.
// Any failure is returned as a *MalformedEventError.
func Decode(data []byte) (*PushEvent, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &MalformedEventError{Reason: "invalid envelope", Err: err}
	}

	switch env.Kind {
	case KindMessage:
		var p MessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, &MalformedEventError{Reason: "invalid message payload", Err: err}
		}
		if err := validate.Struct(&p); err != nil {
			return nil, &MalformedEventError{Reason: "message payload validation", Err: err}
		}
		return &PushEvent{Kind: KindMessage, Message: &p}, nil

	case KindNotification:
		var p NotificationPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, &MalformedEventError{Reason: "invalid notification payload", Err: err}
		}
		if err := validate.Struct(&p); err != nil {
			return nil, &MalformedEventError{Reason: "notification payload validation", Err: err}
		}
		return &PushEvent{Kind: KindNotification, Notification: &p}, nil

	case KindSystem:
		var p SystemPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, &MalformedEventError{Reason: "invalid system payload", Err: err}
		}
		if err := validate.Struct(&p); err != nil {
			return nil, &MalformedEventError{Reason: "system payload validation", Err: err}
		}
		return &PushEvent{Kind: KindSystem, System: &p}, nil

	default:
		return nil, &MalformedEventError{Reason: fmt.Sprintf("unknown kind %q", env.Kind)}
	}
}

// FatalSystem builds the system event dispatched when the shared connection
// fails permanently.
func FatalSystem(code, reason string) *PushEvent {
	return &PushEvent{
		Kind:   KindSystem,
		System: &SystemPayload{Code: code, Reason: reason, Fatal: true},
	}
}
