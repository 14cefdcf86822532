package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lexiqai/doctalk/internal/identity"
	"github.com/lexiqai/doctalk/internal/observability"
	"github.com/lexiqai/doctalk/internal/protocol"
	"github.com/lexiqai/doctalk/internal/resilience"
	"github.com/rs/zerolog"
)

// Handlers receive inbound variants and lifecycle notifications.
// Inbound handlers run on the transport's read goroutine, one frame at a
// time, so they observe arrival order. Nil handlers are skipped.
type Handlers struct {
	OnText           func(protocol.Text)
	OnAudio          func(protocol.Audio)
	OnUserTranscript func(protocol.UserTranscript)
	OnUserQuery      func(protocol.UserQuery)

	OnStateChange func(State)
	// OnError receives ErrNoUser as a warning and ErrRetriesExhausted as fatal.
	OnError func(error)
}

// Options configure a Manager.
type Options struct {
	URL              string
	HandshakeTimeout time.Duration
	Policy           *resilience.ReconnectPolicy
	Identity         identity.Provider
	Header           http.Header

	// Keepalive; zero values use the package defaults.
	PingPeriod time.Duration
	PongWait   time.Duration
}

// Manager owns the duplex connection to the processing service.
type Manager struct {
	url        string
	header     http.Header
	dialer     *websocket.Dialer
	policy     *resilience.ReconnectPolicy
	identity   identity.Provider
	handlers   Handlers
	pingPeriod time.Duration
	pongWait   time.Duration
	logger     zerolog.Logger

	mu         sync.Mutex
	state      State
	current    *transport
	gen        uint64
	attempt    int
	timer      *time.Timer
	userID     string
	handshaken bool
	life       context.Context
	cancel     context.CancelFunc
	pending    []State

	writeMu  sync.Mutex
	notifyMu sync.Mutex
	wg       sync.WaitGroup
}

// New creates an idle Manager. Nothing is dialed until Connect.
func New(opts Options, handlers Handlers) *Manager {
	policy := opts.Policy
	if policy == nil {
		policy = resilience.DefaultReconnectPolicy()
	}
	provider := opts.Identity
	if provider == nil {
		provider = identity.Anonymous{}
	}
	pp, pw := opts.PingPeriod, opts.PongWait
	if pw <= 0 {
		pw = pongWait
	}
	if pp <= 0 {
		pp = pingPeriod
	}
	if pp >= pw {
		pp = (pw * 9) / 10
	}

	return &Manager{
		url:    opts.URL,
		header: opts.Header,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		policy:     policy,
		identity:   provider,
		handlers:   handlers,
		pingPeriod: pp,
		pongWait:   pw,
		logger:     observability.Component("session"),
		state:      StateIdle,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether the transport is open.
func (m *Manager) Connected() bool {
	return m.State() == StateOpen
}

// Ready reports whether the session is open and the handshake was sent,
// i.e. audio and documents will be attributed to a user.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateOpen && m.handshaken
}

// UserID returns the user announced in the last handshake.
func (m *Manager) UserID() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID, m.handshaken
}

// HasUser reports whether the identity provider currently has a user,
// whether or not a handshake has been sent yet.
func (m *Manager) HasUser() bool {
	_, ok := m.identity.CurrentUserID()
	return ok
}

// Connect dials the service unless a connection is already open or being
// established. It blocks until this attempt opens or fails; on failure
// automatic reconnects continue in the background. A manual Connect
// resets the retry budget.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateOpen {
		m.mu.Unlock()
		return nil
	}
	m.attempt = 0
	gen := m.beginAttemptLocked()
	m.mu.Unlock()
	m.flushStates()

	return m.dial(ctx, gen)
}

// Reconnect drops any current transport and dials immediately with a
// fresh retry budget.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	m.attempt = 0
	gen := m.beginAttemptLocked()
	m.mu.Unlock()
	m.flushStates()

	return m.dial(ctx, gen)
}

// Identify sends the handshake on an open session that skipped it because
// no user was available. Returns true when the session is ready.
func (m *Manager) Identify() bool {
	m.mu.Lock()
	if m.state != StateOpen || m.current == nil {
		m.mu.Unlock()
		return false
	}
	if m.handshaken {
		m.mu.Unlock()
		return true
	}
	t := m.current
	m.mu.Unlock()

	userID, ok := m.identity.CurrentUserID()
	if !ok {
		return false
	}
	if err := m.sendSetup(t, userID); err != nil {
		t.logger.Warn().Err(err).Msg("Failed to send handshake")
		t.close()
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != t {
		return false
	}
	m.userID = userID
	m.handshaken = true
	return true
}

// Send writes msg if the session is open. Otherwise the message is
// dropped with a warning and false is returned.
func (m *Manager) Send(msg protocol.Outbound) bool {
	return m.send(msg, false)
}

// SendLive is Send for live capture: a drop while a reconnect is pending
// fires that reconnect immediately instead of waiting out the backoff.
func (m *Manager) SendLive(msg protocol.Outbound) bool {
	return m.send(msg, true)
}

func (m *Manager) send(msg protocol.Outbound, live bool) bool {
	kind := msg.Kind()

	m.mu.Lock()
	t := m.current
	state := m.state
	handshaken := m.handshaken
	m.mu.Unlock()

	// Live audio is only sent once it can be attributed to a user.
	if live && state == StateOpen && t != nil && !handshaken && !m.Identify() {
		observability.RecordMessageDropped(kind)
		m.logger.Warn().
			Err(ErrNoUser).
			Str("kind", kind).
			Msg("Dropping live message on unidentified session")
		return false
	}

	if state != StateOpen || t == nil {
		observability.RecordMessageDropped(kind)
		m.logger.Warn().
			Err(ErrNotOpen).
			Str("kind", kind).
			Str("state", state.String()).
			Msg("Dropping outbound message")
		if live {
			m.reconnectNow()
		}
		return false
	}

	data, err := json.Marshal(msg)
	if err != nil {
		observability.RecordMessageDropped(kind)
		m.logger.Error().Err(err).Str("kind", kind).Msg("Failed to encode outbound message")
		return false
	}

	if err := t.write(&m.writeMu, data); err != nil {
		observability.RecordMessageDropped(kind)
		t.logger.Warn().Err(err).Str("kind", kind).Msg("Write failed, dropping transport")
		t.close()
		return false
	}

	observability.RecordMessageSent(kind)
	return true
}

// Teardown closes the transport with a normal closure, cancels pending
// reconnects, and waits for the transport goroutines. It is idempotent.
// It must not be called from a Handlers callback.
func (m *Manager) Teardown() {
	m.mu.Lock()
	if m.state == StateClosed && m.current == nil && m.timer == nil {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateClosing)
	m.gen++
	m.stopTimerLocked()
	if m.cancel != nil {
		m.cancel()
	}
	t := m.current
	m.current = nil
	m.handshaken = false
	m.mu.Unlock()
	m.flushStates()

	if t != nil {
		t.closeNormal(&m.writeMu)
	}
	m.wg.Wait()

	m.mu.Lock()
	m.setStateLocked(StateClosed)
	m.mu.Unlock()
	m.flushStates()

	m.logger.Info().Msg("Session torn down")
}

// beginAttemptLocked invalidates any prior transport and moves to connecting.
func (m *Manager) beginAttemptLocked() uint64 {
	m.stopTimerLocked()
	m.gen++
	if m.current != nil {
		m.current.close()
		m.current = nil
	}
	m.handshaken = false
	if m.life == nil || m.life.Err() != nil {
		m.life, m.cancel = context.WithCancel(context.Background())
	}
	m.setStateLocked(StateConnecting)
	return m.gen
}

func (m *Manager) dial(ctx context.Context, gen uint64) error {
	m.mu.Lock()
	life := m.life
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(life, cancel)
	defer stop()

	connID := observability.NewCorrelationID()
	logger := observability.WithCorrelationID(m.logger, connID)
	logger.Info().Str("url", m.url).Uint64("generation", gen).Msg("Connecting to processing service")

	conn, resp, err := m.dialer.DialContext(ctx, m.url, m.header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		} else {
			err = fmt.Errorf("websocket dial failed: %w", err)
		}
		logger.Warn().Err(err).Msg("Connection attempt failed")
		observability.RecordError("dial", "session")
		m.handleDrop(gen)
		return err
	}

	return m.open(conn, gen, connID, logger)
}

func (m *Manager) open(conn *websocket.Conn, gen uint64, connID string, logger zerolog.Logger) error {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnecting {
		m.mu.Unlock()
		conn.Close()
		logger.Debug().Msg("Discarding superseded connection")
		return errors.New("connection attempt superseded")
	}
	t := newTransport(conn, gen, connID, logger)
	m.current = t
	m.mu.Unlock()

	userID, hasUser := m.identity.CurrentUserID()
	if hasUser {
		if err := m.sendSetup(t, userID); err != nil {
			err = fmt.Errorf("handshake failed: %w", err)
			logger.Warn().Err(err).Msg("Connection attempt failed")
			m.handleDrop(gen)
			return err
		}
	}

	m.mu.Lock()
	if gen != m.gen || m.current != t {
		m.mu.Unlock()
		t.close()
		return errors.New("connection attempt superseded")
	}
	m.attempt = 0
	m.handshaken = hasUser
	if hasUser {
		m.userID = userID
	}
	m.setStateLocked(StateOpen)
	t.metrics.RecordOpen()
	m.wg.Add(2)
	go m.readLoop(t)
	go m.pingLoop(t)
	m.mu.Unlock()
	m.flushStates()

	if hasUser {
		logger.Info().Str("user_id", userID).Msg("Session open")
	} else {
		logger.Warn().Msg("Session open without a user; audio and documents are inert")
		m.raise(ErrNoUser)
	}
	return nil
}

func (m *Manager) sendSetup(t *transport, userID string) error {
	data, err := json.Marshal(protocol.NewSetup(userID))
	if err != nil {
		return err
	}
	if err := t.write(&m.writeMu, data); err != nil {
		return err
	}
	observability.RecordMessageSent(protocol.KindSetup)
	return nil
}

// handleDrop reacts to the loss of the transport from attempt gen.
func (m *Manager) handleDrop(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state == StateClosing || m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	if m.current != nil && m.current.gen == gen {
		m.current.close()
		m.current = nil
	}
	m.handshaken = false
	m.setStateLocked(StateConnecting)
	fatal := m.scheduleReconnectLocked()
	m.mu.Unlock()
	m.flushStates()

	if fatal {
		observability.RecordError("retries_exhausted", "session")
		m.logger.Error().Err(ErrRetriesExhausted).Int("max_attempts", m.policy.MaxAttempts).Msg("Giving up on reconnecting")
		m.raise(ErrRetriesExhausted)
	}
}

// scheduleReconnectLocked arms the backoff timer, or closes the session
// when the retry budget is spent. Returns true on exhaustion.
func (m *Manager) scheduleReconnectLocked() bool {
	if m.policy.Exhausted(m.attempt) {
		m.gen++
		m.setStateLocked(StateClosed)
		return true
	}

	delay := m.policy.Delay(m.attempt)
	m.attempt++
	gen := m.gen
	m.timer = time.AfterFunc(delay, func() { m.fireReconnect(gen) })

	m.logger.Info().
		Int("attempt", m.attempt).
		Int("max_attempts", m.policy.MaxAttempts).
		Dur("delay", delay).
		Msg("Reconnect scheduled")
	return false
}

func (m *Manager) fireReconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	next := m.beginAttemptLocked()
	m.mu.Unlock()
	m.flushStates()

	observability.RecordReconnectAttempt()
	m.dial(context.Background(), next)
}

// reconnectNow fires a pending backoff timer early.
func (m *Manager) reconnectNow() {
	m.mu.Lock()
	if m.state != StateConnecting || m.timer == nil {
		m.mu.Unlock()
		return
	}
	if !m.timer.Stop() {
		// Already fired; that attempt is under way.
		m.mu.Unlock()
		return
	}
	m.timer = nil
	gen := m.gen
	m.mu.Unlock()

	m.logger.Info().Msg("Live capture waiting on transport, reconnecting now")
	go m.fireReconnect(gen)
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) readLoop(t *transport) {
	defer m.wg.Done()

	conn := t.conn
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(m.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(m.pongWait))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Warn().Err(err).Msg("Transport read error")
			} else {
				t.logger.Info().Err(err).Msg("Transport closed")
			}
			t.close()
			m.handleDrop(t.gen)
			return
		}

		if messageType != websocket.TextMessage {
			t.logger.Debug().Int("type", messageType).Msg("Ignoring non-text frame")
			continue
		}
		if !m.isCurrent(t) {
			return
		}
		m.dispatch(t, data)
	}
}

func (m *Manager) pingLoop(t *transport) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.ping(&m.writeMu); err != nil {
				t.logger.Debug().Err(err).Msg("Ping failed")
				t.close()
				return
			}
		}
	}
}

func (m *Manager) dispatch(t *transport, data []byte) {
	msgs, err := protocol.Decode(data)
	if err != nil {
		observability.RecordMalformedInbound()
		t.logger.Warn().Err(err).Int("bytes", len(data)).Msg("Dropping malformed inbound frame")
		return
	}

	h := m.handlers
	for _, msg := range msgs {
		switch v := msg.(type) {
		case protocol.Text:
			if h.OnText != nil {
				h.OnText(v)
			}
		case protocol.Audio:
			if h.OnAudio != nil {
				h.OnAudio(v)
			}
		case protocol.UserTranscript:
			if h.OnUserTranscript != nil {
				h.OnUserTranscript(v)
			}
		case protocol.UserQuery:
			if h.OnUserQuery != nil {
				h.OnUserQuery(v)
			}
		}
	}
}

func (m *Manager) isCurrent(t *transport) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current == t
}

// setStateLocked records a transition for delivery by flushStates.
func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.logger.Debug().Str("from", m.state.String()).Str("to", s.String()).Msg("State change")
	m.state = s
	observability.SetSessionState(int(s))
	m.pending = append(m.pending, s)
}

// flushStates delivers queued transitions in order, outside m.mu.
func (m *Manager) flushStates() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	for {
		m.mu.Lock()
		if len(m.pending) == 0 {
			m.mu.Unlock()
			return
		}
		s := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()

		if m.handlers.OnStateChange != nil {
			m.handlers.OnStateChange(s)
		}
	}
}

func (m *Manager) raise(err error) {
	if m.handlers.OnError != nil {
		m.handlers.OnError(err)
	}
}
