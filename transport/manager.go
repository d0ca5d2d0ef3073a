// Package transport owns the single live connection to the chat endpoint.
// Consumers never open their own links; they subscribe to named events and
// emit through the manager, which handles reconnects internally.
package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/marketloop/chatkit/internal/metrics"
	"github.com/marketloop/chatkit/models"
	apperrors "github.com/marketloop/chatkit/pkg/errors"
)

// CredentialSource supplies the current session credential. It is the only
// contact point with the host application's auth layer.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
}

// Options configures a Manager. URL and Credentials are required.
type Options struct {
	URL         string
	Credentials CredentialSource
	Dialer      Dialer
	Logger      zerolog.Logger

	// MaxRetries is the number of consecutive transient failures tolerated
	// before the manager parks in the error state and waits for an
	// explicit Connect.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

const (
	defaultMaxRetries     = 5
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
	tokenTimeout          = 10 * time.Second
	dialTimeout           = 15 * time.Second
)

// attempt is one connection attempt, shared by every caller that was
// waiting when it started. err is immutable once done is closed.
type attempt struct {
	done chan struct{}
	err  error
}

// Manager maintains at most one live connection for the session.
type Manager struct {
	opts   Options
	logger zerolog.Logger

	mu         sync.Mutex
	state      models.ConnState
	conn       Conn
	gen        uint64 // bumped by Disconnect to invalidate loops and timers
	inflight   *attempt
	failures   int
	bo         *backoff.ExponentialBackOff
	retryTimer *time.Timer

	subMu  sync.Mutex
	nextID uint64
	subs   map[string][]*Subscription

	dispatchMu  sync.Mutex
	dispatching bool
	queue       []queuedEvent
}

type queuedEvent struct {
	name string
	data json.RawMessage
}

// NewManager creates a disconnected Manager. Call Connect to bring the
// link up.
func NewManager(opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.InitialBackoff
	bo.MaxInterval = opts.MaxBackoff
	bo.MaxElapsedTime = 0 // retry budget is counted, not timed

	return &Manager{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "transport").Logger(),
		state:  models.StateDisconnected,
		bo:     bo,
		subs:   make(map[string][]*Subscription),
	}
}

// State returns the current connection state.
func (m *Manager) State() models.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect brings the link up. It is idempotent: when already connected it
// returns immediately, and concurrent callers share one attempt instead of
// opening a second link. A missing credential fails with AuthRequired and
// is never retried; transient failures schedule capped, jittered retries
// until the retry budget is spent.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case models.StateConnected:
		m.mu.Unlock()
		return nil
	case models.StateConnecting:
		at := m.inflight
		m.mu.Unlock()
		if at == nil {
			return apperrors.Internal("connecting with no attempt in flight")
		}
		return waitAttempt(ctx, at)
	default:
		// Explicit connect from disconnected or error resets the retry
		// budget.
		m.stopRetryLocked()
		m.failures = 0
		m.bo.Reset()
		at := m.startAttemptLocked()
		m.mu.Unlock()
		return waitAttempt(ctx, at)
	}
}

func waitAttempt(ctx context.Context, at *attempt) error {
	select {
	case <-at.done:
		return at.err
	case <-ctx.Done():
		// The shared attempt keeps running for other callers.
		return ctx.Err()
	}
}

// Disconnect tears the link down deterministically: the pending retry is
// cancelled and no automatic reconnect follows. Safe to call in any state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	m.stopRetryLocked()
	m.inflight = nil
	wasUp := m.state != models.StateDisconnected
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.setStateLocked(models.StateDisconnected)
	m.mu.Unlock()

	if wasUp {
		m.emitLifecycle(EventDisconnected, nil)
	}
}

// Emit sends a named event over the live link. It never buffers: without a
// connected link it fails with NotConnected and the caller decides what to
// do.
func (m *Manager) Emit(event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "marshal event payload", err)
	}

	m.mu.Lock()
	conn := m.conn
	connected := m.state == models.StateConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		return apperrors.NotConnected("emit " + event + ": no live connection")
	}
	if err := conn.WriteJSON(Event{Name: event, Data: data}); err != nil {
		return apperrors.NetworkTransient("emit "+event, err)
	}
	metrics.EventsEmitted.WithLabelValues(event).Inc()
	return nil
}

// On registers a handler for a named event. Handlers run synchronously in
// subscription order on the goroutine that received the event.
func (m *Manager) On(event string, h Handler) *Subscription {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.nextID++
	sub := &Subscription{mgr: m, event: event, id: m.nextID, handler: h}
	m.subs[event] = append(m.subs[event], sub)
	return sub
}

func (m *Manager) off(s *Subscription) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	list := m.subs[s.event]
	for i, cand := range list {
		if cand.id == s.id {
			m.subs[s.event] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// startAttemptLocked transitions to connecting and launches one attempt.
// Caller holds mu.
func (m *Manager) startAttemptLocked() *attempt {
	at := &attempt{done: make(chan struct{})}
	m.inflight = at
	m.setStateLocked(models.StateConnecting)
	go m.run(at, m.gen)
	return at
}

// run performs a single connection attempt.
func (m *Manager) run(at *attempt, gen uint64) {
	tokenCtx, cancel := context.WithTimeout(context.Background(), tokenTimeout)
	token, err := m.opts.Credentials.Token(tokenCtx)
	cancel()
	if err != nil || token == "" {
		authErr := apperrors.AuthRequired("no valid session credential")
		if err != nil {
			authErr = apperrors.Wrap(apperrors.CodeAuthRequired, "credential lookup failed", err)
		}
		metrics.ConnectAttempts.WithLabelValues("auth").Inc()
		m.failAttempt(at, gen, authErr, false)
		return
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	conn, err := m.opts.Dialer.Dial(dialCtx, m.opts.URL, token)
	cancel()
	if err != nil {
		metrics.ConnectAttempts.WithLabelValues("network").Inc()
		m.failAttempt(at, gen, apperrors.NetworkTransient("dial "+m.opts.URL, err), true)
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		// Disconnected while dialing.
		m.mu.Unlock()
		conn.Close()
		m.resolve(at, apperrors.NotConnected("connect cancelled"))
		return
	}
	m.conn = conn
	m.failures = 0
	m.bo.Reset()
	m.inflight = nil
	m.setStateLocked(models.StateConnected)
	m.mu.Unlock()

	metrics.ConnectAttempts.WithLabelValues("ok").Inc()
	m.logger.Info().Str("url", m.opts.URL).Msg("connected")
	go m.readLoop(gen, conn)
	m.emitLifecycle(EventConnected, nil)
	m.resolve(at, nil)
}

// failAttempt records a failed attempt, parks in the error state and, for
// retryable failures with budget left, schedules the next attempt.
func (m *Manager) failAttempt(at *attempt, gen uint64, cause error, retryable bool) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		m.resolve(at, apperrors.NotConnected("connect cancelled"))
		return
	}
	if m.inflight == at {
		m.inflight = nil
	}
	m.failures++
	m.setStateLocked(models.StateError)

	schedule := retryable && m.failures < m.opts.MaxRetries
	var delay time.Duration
	if schedule {
		delay = m.bo.NextBackOff()
		m.retryTimer = time.AfterFunc(delay, func() { m.retry(gen) })
	}
	m.mu.Unlock()

	evt := m.logger.Warn().Err(cause).Int("failures", m.failures)
	if schedule {
		evt = evt.Dur("retry_in", delay)
	}
	evt.Msg("connection attempt failed")

	m.emitLifecycle(EventError, &ErrorPayload{Cause: cause.Error()})
	m.resolve(at, cause)
}

// retry is the backoff timer callback.
func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != models.StateError {
		m.mu.Unlock()
		return
	}
	metrics.Reconnects.Inc()
	m.startAttemptLocked()
	m.mu.Unlock()
}

// readLoop drains the connection and dispatches events until the link
// drops or Disconnect invalidates the generation.
func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.handleDrop(gen, err)
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			m.logger.Warn().Err(err).Str("raw", string(data)).Msg("malformed event frame")
			continue
		}
		metrics.EventsReceived.WithLabelValues(ev.Name).Inc()
		m.dispatch(ev.Name, ev.Data)
	}
}

// handleDrop reacts to a broken link: transition to disconnected and start
// a fresh reconnect cycle, unless the drop was a deliberate Disconnect.
func (m *Manager) handleDrop(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.setStateLocked(models.StateDisconnected)
	m.mu.Unlock()

	m.logger.Warn().Err(cause).Msg("connection dropped")
	m.emitLifecycle(EventDisconnected, nil)

	m.mu.Lock()
	if gen == m.gen && m.state == models.StateDisconnected {
		// Fresh cycle: a drop after a healthy session gets a full budget.
		m.failures = 0
		m.bo.Reset()
		metrics.Reconnects.Inc()
		m.startAttemptLocked()
	}
	m.mu.Unlock()
}

func (m *Manager) setStateLocked(s models.ConnState) {
	m.state = s
	metrics.ConnectionState.Set(float64(s))
}

func (m *Manager) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *Manager) resolve(at *attempt, err error) {
	at.err = err
	close(at.done)
}

// dispatch delivers events to subscribers in subscription order. Delivery
// is serialized through a queue drained by whichever goroutine is
// currently dispatching, so handlers never run concurrently — and an emit
// from inside a handler frame (a handler reacting to an event by calling
// Disconnect, which emits socket:disconnected) enqueues and returns
// instead of deadlocking on its own dispatch.
func (m *Manager) dispatch(event string, data json.RawMessage) {
	m.dispatchMu.Lock()
	m.queue = append(m.queue, queuedEvent{name: event, data: data})
	if m.dispatching {
		m.dispatchMu.Unlock()
		return
	}
	m.dispatching = true
	for len(m.queue) > 0 {
		next := m.queue[0]
		m.queue = m.queue[1:]
		m.dispatchMu.Unlock()

		m.subMu.Lock()
		list := make([]*Subscription, len(m.subs[next.name]))
		copy(list, m.subs[next.name])
		m.subMu.Unlock()

		for _, sub := range list {
			sub.handler(next.name, next.data)
		}
		m.dispatchMu.Lock()
	}
	m.dispatching = false
	m.dispatchMu.Unlock()
}

func (m *Manager) emitLifecycle(event string, payload interface{}) {
	var data json.RawMessage
	if payload != nil {
		data, _ = json.Marshal(payload)
	}
	m.dispatch(event, data)
}
