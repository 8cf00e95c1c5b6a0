// ABOUTME: WebSocket implementation of the push channel transport.
// ABOUTME: JSON frames; replies are routed to pending invokes by request id.

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	// invokeTimeout bounds how long a single Invoke waits for its reply.
	invokeTimeout = 10 * time.Second
)

// frame is the wire shape of every WebSocket message in either direction.
type frame struct {
	Type      string          `json:"type"` // "event", "invoke", "reply"
	RequestID string          `json:"request_id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Socket is the production Transport over a WebSocket connection.
type Socket struct {
	endpoint string
	logger   *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	closed  bool // local Close in progress; suppress OnClose
	pending map[string]chan *frame

	onEvent Handler
	onClose CloseHandler
}

// NewSocket creates a WebSocket transport for the given endpoint
// (ws:// or wss:// URL). Pass nil logger for the default.
func NewSocket(endpoint string, logger *slog.Logger) *Socket {
	if logger == nil {
		logger = slog.Default()
	}
	return &Socket{
		endpoint: endpoint,
		logger:   logger.With("component", "transport"),
		pending:  make(map[string]chan *frame),
	}
}

// OnEvent registers the raw event handler.
func (s *Socket) OnEvent(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvent = h
}

// OnClose registers the unexpected-disconnect handler.
func (s *Socket) OnClose(h CloseHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = h
}

// Connect dials the endpoint with a fresh bearer token from creds.
// An HTTP 401/403 on the handshake is reported as *AuthError.
func (s *Socket) Connect(ctx context.Context, creds CredentialFunc) error {
	token, err := creds(ctx)
	if err != nil {
		// A credential source that cannot produce a token is an auth
		// failure, not a network one.
		return &AuthError{Reason: err.Error()}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.Dial(ctx, s.endpoint, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return &AuthError{Status: resp.StatusCode, Reason: "handshake rejected"}
		}
		return fmt.Errorf("websocket dial: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.conn = conn
	s.cancel = cancel
	s.closed = false
	s.mu.Unlock()

	go s.readLoop(readCtx, conn)

	s.logger.Debug("connected", "endpoint", s.endpoint)
	return nil
}

// Invoke sends a method frame and waits for the matching reply.
func (s *Socket) Invoke(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling payload: %w", err)
		}
		raw = data
	}

	requestID := uuid.New().String()
	replyCh := make(chan *frame, 1)

	s.mu.Lock()
	s.pending[requestID] = replyCh
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, requestID)
		s.mu.Unlock()
	}()

	out := frame{Type: "invoke", RequestID: requestID, Method: method, Payload: raw}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshaling frame: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("writing invoke frame: %w", err)
	}

	select {
	case reply, ok := <-replyCh:
		if !ok {
			return nil, ErrNotConnected
		}
		if reply.Error != "" {
			return nil, fmt.Errorf("invoke %s: %s", method, reply.Error)
		}
		return reply.Payload, nil
	case <-time.After(invokeTimeout):
		return nil, fmt.Errorf("invoke %s: timed out", method)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down the connection. Safe to call when not connected.
func (s *Socket) Close(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	cancel := s.cancel
	s.conn = nil
	s.cancel = nil
	s.closed = true
	s.failPendingLocked()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "client closing")
}

// readLoop decodes inbound frames, routing replies to pending invokes and
// everything else to the event handler.
func (s *Socket) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.handleReadError(err)
			return
		}

		var f frame
		if jsonErr := json.Unmarshal(data, &f); jsonErr != nil {
			s.logger.Warn("dropping undecodable frame", "error", jsonErr)
			continue
		}

		if f.Type == "reply" && f.RequestID != "" {
			// Claim the pending entry under the lock: once it is removed
			// from the map, failPendingLocked can no longer close the
			// channel out from under the send. The channel is buffered,
			// so sending while holding the lock cannot block.
			s.mu.Lock()
			ch, ok := s.pending[f.RequestID]
			if ok {
				delete(s.pending, f.RequestID)
				ch <- &f
			}
			s.mu.Unlock()
			if !ok {
				s.logger.Warn("reply for unknown request", "request_id", f.RequestID)
			}
			continue
		}

		s.mu.Lock()
		handler := s.onEvent
		s.mu.Unlock()
		if handler == nil {
			s.logger.Warn("push frame dropped, no event handler registered")
			continue
		}
		handler(f.Payload)
	}
}

// handleReadError distinguishes a local Close from a dropped connection.
func (s *Socket) handleReadError(err error) {
	s.mu.Lock()
	wasLocal := s.closed || errors.Is(err, context.Canceled)
	s.conn = nil
	s.failPendingLocked()
	onClose := s.onClose
	s.mu.Unlock()

	if wasLocal {
		return
	}

	s.logger.Warn("connection dropped", "error", err)
	if onClose != nil {
		onClose(err)
	}
}

// failPendingLocked closes every pending invoke channel. Must hold mu.
func (s *Socket) failPendingLocked() {
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
}
