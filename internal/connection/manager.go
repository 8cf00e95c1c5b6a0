// ABOUTME: Manages the single shared transport connection behind a reference count.
// ABOUTME: Connect/reconnect state machine with backoff, grace-period teardown, raw event ingress.

package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skylane/skylane-messaging/internal/dispatch"
	"github.com/skylane/skylane-messaging/internal/event"
	"github.com/skylane/skylane-messaging/internal/transport"
)

// State is the connection lifecycle phase.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Fatal system event codes dispatched on SystemBroadcast.
const (
	CodeAuthFailed       = "auth_failed"
	CodeConnectionFailed = "connection_failed"
)

// Options tunes connection timing. Zero values take defaults.
type Options struct {
	// ConnectTimeout bounds a single connect attempt.
	ConnectTimeout time.Duration
	// BackoffBase is the delay before the first retry; it doubles per
	// attempt up to BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// MaxAttempts is the total number of connect tries per cycle before
	// giving up and broadcasting a fatal event.
	MaxAttempts int
	// GracePeriod delays teardown after the last release, absorbing rapid
	// remount churn from UI navigation.
	GracePeriod time.Duration
}

func (o *Options) defaults() {
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.BackoffBase == 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffMax == 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 5
	}
	if o.GracePeriod == 0 {
		o.GracePeriod = 2 * time.Second
	}
}

// backoff produces the retry delay sequence: base doubling per attempt,
// capped at max. Delays are non-decreasing.
type backoff struct {
	base, max time.Duration
	attempt   int
}

func (b *backoff) next() time.Duration {
	d := b.base << b.attempt
	if d <= 0 || d > b.max {
		d = b.max
	}
	b.attempt++
	return d
}

// attempt is a single in-flight connect cycle shared by every concurrent
// acquirer: all of them await the same done channel instead of racing to
// open a second connection.
type attempt struct {
	done chan struct{}
	err  error
}

// Manager owns the one transport connection shared by an arbitrary number
// of consumers with independent mount/unmount timing. Consumers hold the
// connection alive through acquired handles; the transport is connected
// exactly when the reference count is positive, modulo the teardown grace
// window.
type Manager struct {
	transport  transport.Transport
	creds      transport.CredentialFunc
	dispatcher *dispatch.Dispatcher
	opts       Options
	logger     *slog.Logger

	mu                sync.Mutex
	refCount          int
	state             State
	inFlight          *attempt
	teardown          *time.Timer
	pendingDisconnect bool
}

// Handle represents one consumer's claim on the shared connection.
type Handle struct {
	m        *Manager
	released atomic.Bool
}

// Release gives up the claim. Idempotent; the first call decrements the
// reference count, further calls are no-ops.
func (h *Handle) Release() {
	if h.released.CompareAndSwap(false, true) {
		h.m.release()
	}
}

// NewManager creates a connection manager over the given transport. The
// credential function is invoked on every (re)connect. Pass nil logger for
// the default.
func NewManager(t transport.Transport, creds transport.CredentialFunc, d *dispatch.Dispatcher, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	opts.defaults()

	m := &Manager{
		transport:  t,
		creds:      creds,
		dispatcher: d,
		opts:       opts,
		logger:     logger.With("component", "connection"),
	}
	t.OnEvent(m.handleRaw)
	t.OnClose(m.handleDrop)
	return m
}

// Acquire claims the shared connection, connecting if this is the first
// acquirer. Concurrent calls while an attempt is in flight await that same
// attempt. On failure (credential rejected, or retries exhausted) the claim
// is rolled back and the error returned; a fatal system event has also been
// dispatched for passive subscribers.
func (m *Manager) Acquire(ctx context.Context) (*Handle, error) {
	m.mu.Lock()
	m.refCount++
	if m.teardown != nil {
		m.teardown.Stop()
		m.teardown = nil
	}
	m.pendingDisconnect = false

	if m.state == StateConnected {
		m.mu.Unlock()
		return &Handle{m: m}, nil
	}

	a := m.inFlight
	if a == nil {
		a = &attempt{done: make(chan struct{})}
		m.inFlight = a
		m.state = StateConnecting
		go m.runConnect(a)
	}
	m.mu.Unlock()

	select {
	case <-a.done:
		if a.err != nil {
			m.release()
			return nil, a.err
		}
		return &Handle{m: m}, nil
	case <-ctx.Done():
		// The attempt itself is never cancelled mid-flight; this caller
		// just stops waiting for it.
		m.release()
		return nil, ctx.Err()
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RefCount returns the number of live handles.
func (m *Manager) RefCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refCount
}

// On registers a handler for a push event category and returns its
// unregister function.
func (m *Manager) On(cat event.Category, fn dispatch.Handler) func() {
	return m.dispatcher.Register(cat, fn)
}

// Send invokes a method over the live connection. Fails with
// transport.ErrNotConnected unless the state is Connected.
func (m *Manager) Send(ctx context.Context, method string, payload any) ([]byte, error) {
	m.mu.Lock()
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected {
		return nil, transport.ErrNotConnected
	}
	return m.transport.Invoke(ctx, method, payload)
}

// Shutdown force-closes the connection regardless of reference count.
// Intended for process exit; outstanding handles become inert.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.teardown != nil {
		m.teardown.Stop()
		m.teardown = nil
	}
	wasConnected := m.state == StateConnected
	m.state = StateDisconnected
	m.refCount = 0
	m.pendingDisconnect = false
	m.mu.Unlock()

	if !wasConnected {
		return nil
	}
	return m.transport.Close(ctx)
}

// release drops one claim. The count never goes negative. Hitting zero
// while connected schedules teardown after the grace period; hitting zero
// while an attempt is in flight defers the disconnect until it settles.
func (m *Manager) release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.refCount == 0 {
		return
	}
	m.refCount--
	if m.refCount > 0 {
		return
	}

	switch {
	case m.inFlight != nil:
		m.pendingDisconnect = true
	case m.state == StateConnected:
		m.scheduleTeardownLocked()
	}
}

// scheduleTeardownLocked arms the grace-period disconnect. Must hold mu.
func (m *Manager) scheduleTeardownLocked() {
	if m.teardown != nil {
		m.teardown.Stop()
	}
	m.teardown = time.AfterFunc(m.opts.GracePeriod, func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.refCount > 0 || m.state != StateConnected {
			return
		}
		m.state = StateDisconnected
		m.teardown = nil

		m.logger.Debug("grace period elapsed, closing connection")
		// Close under the lock: an Acquire landing now blocks until the
		// old connection is fully torn down, so its fresh dial can never
		// be killed by this close.
		m.closeTransport()
	})
}

// runConnect drives one connect cycle: dial with per-try timeout, back off
// on transient failures, stop dead on auth rejection. Exactly one fatal
// system event is dispatched if the cycle fails.
func (m *Manager) runConnect(a *attempt) {
	err := m.connectWithRetry()

	m.mu.Lock()
	m.inFlight = nil
	switch {
	case err != nil:
		m.state = StateDisconnected
		m.pendingDisconnect = false
		a.err = err
	case m.pendingDisconnect && m.refCount == 0:
		// Everyone released while we were connecting; the deferred
		// disconnect executes immediately, no grace. Closing under the
		// lock keeps a concurrent Acquire's redial behind the teardown.
		m.state = StateDisconnected
		m.pendingDisconnect = false
		m.logger.Debug("all handles released during connect, closing")
		m.closeTransport()
	default:
		m.state = StateConnected
	}
	m.mu.Unlock()

	close(a.done)

	if err != nil {
		code := CodeConnectionFailed
		if transport.IsAuthError(err) {
			code = CodeAuthFailed
		}
		m.logger.Error("connection failed", "code", code, "error", err)
		m.dispatcher.Dispatch(event.CategorySystemBroadcast, event.FatalSystem(code, err.Error()))
	}
}

// connectWithRetry performs up to MaxAttempts dials with doubling,
// capped delays between them.
func (m *Manager) connectWithRetry() error {
	bo := backoff{base: m.opts.BackoffBase, max: m.opts.BackoffMax}

	for try := 1; ; try++ {
		err := m.dialOnce()
		if err == nil {
			if try > 1 {
				m.logger.Info("reconnected", "tries", try)
			}
			return nil
		}

		if !transport.IsRetryable(err) {
			return err
		}
		if try >= m.opts.MaxAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", try, err)
		}

		m.setState(StateReconnecting)
		delay := bo.next()
		m.logger.Warn("connect attempt failed, backing off",
			"try", try,
			"delay", delay,
			"error", err)
		time.Sleep(delay)
	}
}

// dialOnce runs a single connect attempt under the configured timeout.
// A timed-out attempt surfaces as a retryable error.
func (m *Manager) dialOnce() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
	defer cancel()
	return m.transport.Connect(ctx, m.creds)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// closeTransport tears the transport down with a bounded context.
func (m *Manager) closeTransport() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.transport.Close(ctx); err != nil {
		m.logger.Warn("transport close failed", "error", err)
	}
}

// handleRaw is the raw event ingress: decode, validate, fan out. Malformed
// events are logged and dropped without affecting anything else.
func (m *Manager) handleRaw(data []byte) {
	ev, err := event.Decode(data)
	if err != nil {
		m.logger.Warn("dropping malformed push event", "error", err)
		return
	}
	m.dispatcher.Dispatch(ev.Category(), ev)
}

// handleDrop reacts to an unexpected transport disconnect. With live
// handles the manager re-enters the backoff path; with none it simply goes
// quiet.
func (m *Manager) handleDrop(cause error) {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	if m.teardown != nil {
		m.teardown.Stop()
		m.teardown = nil
	}
	if m.refCount == 0 {
		m.state = StateDisconnected
		m.mu.Unlock()
		return
	}

	a := &attempt{done: make(chan struct{})}
	m.inFlight = a
	m.state = StateReconnecting
	m.mu.Unlock()

	m.logger.Warn("connection dropped, reconnecting", "error", cause)
	go m.runConnect(a)
}
