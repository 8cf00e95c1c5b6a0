// ABOUTME: Abstracted push channel contract consumed by the connection manager.
// ABOUTME: Defines the transport interface, credential supply, and error taxonomy.

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotConnected indicates an operation that requires a live connection.
var ErrNotConnected = errors.New("transport: not connected")

// CredentialFunc supplies a current bearer token. It is invoked on every
// (re)connect so a rotated token is picked up rather than cached statically.
type CredentialFunc func(ctx context.Context) (string, error)

// Handler receives a raw inbound push frame.
type Handler func(data []byte)

// CloseHandler is notified when an established connection drops unexpectedly.
// It is not called for Close initiated by the local side.
type CloseHandler func(err error)

// Transport is a single long-lived push channel with request/response invokes.
type Transport interface {
	// Connect establishes the channel. A failed dial leaves the transport
	// reusable for another attempt.
	Connect(ctx context.Context, creds CredentialFunc) error

	// OnEvent registers the raw event ingress handler. Must be set before
	// Connect; frames arriving with no handler are dropped.
	OnEvent(h Handler)

	// OnClose registers the unexpected-disconnect handler.
	OnClose(h CloseHandler)

	// Invoke sends a method call over the channel and waits for its reply.
	Invoke(ctx context.Context, method string, payload any) (json.RawMessage, error)

	// Close tears the channel down. Idempotent.
	Close(ctx context.Context) error
}

// AuthError indicates the server rejected our credential. Non-retryable:
// the connection manager goes straight to Disconnected and broadcasts a
// fatal system event instead of backing off.
type AuthError struct {
	Status int
	Reason string
}

func (e *AuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport: authentication rejected (HTTP %d): %s", e.Status, e.Reason)
	}
	return fmt.Sprintf("transport: authentication rejected: %s", e.Reason)
}

// IsAuthError reports whether err is credential rejection.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsRetryable reports whether a connect failure should enter the backoff
// path. Auth rejections and local cancellation are terminal; everything
// else is treated as a transient network failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsAuthError(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
