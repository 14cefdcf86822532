// Package client composes the session, capture, playback, and ingestion
// components into one voice-and-documents client.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lexiqai/doctalk/internal/capture"
	"github.com/lexiqai/doctalk/internal/config"
	"github.com/lexiqai/doctalk/internal/docstore"
	"github.com/lexiqai/doctalk/internal/identity"
	"github.com/lexiqai/doctalk/internal/ingestion"
	"github.com/lexiqai/doctalk/internal/observability"
	"github.com/lexiqai/doctalk/internal/playback"
	"github.com/lexiqai/doctalk/internal/protocol"
	"github.com/lexiqai/doctalk/internal/resilience"
	"github.com/lexiqai/doctalk/internal/session"
	"github.com/lexiqai/doctalk/internal/transcript"
	"github.com/rs/zerolog"
)

const (
	eventBuffer     = 256
	transcriptLimit = 1000
)

// Deps are the platform endpoints the client drives.
type Deps struct {
	Microphone capture.Microphone
	Output     playback.Opener
	// Store is optional; without it documents are sent inline.
	Store docstore.Store
	// Identity defaults to one built from the config.
	Identity identity.Provider
}

// Client is one logical voice session with its document actions.
type Client struct {
	session    *session.Manager
	capture    *capture.Pipeline
	playback   *playback.Pipeline
	ingest     *ingestion.Coordinator
	transcript *transcript.Log
	logger     zerolog.Logger

	emitMu sync.RWMutex
	events chan Event
	closed bool

	closeOnce sync.Once
}

// New builds a Client from cfg. Nothing connects until Connect.
func New(cfg *config.Config, deps Deps) *Client {
	provider := deps.Identity
	if provider == nil {
		provider = identity.New(cfg.UserID, cfg.AccessToken, cfg.JWTSecret)
	}

	c := &Client{
		transcript: transcript.NewLog(transcriptLimit),
		logger:     observability.Component("client"),
		events:     make(chan Event, eventBuffer),
	}

	c.session = session.New(session.Options{
		URL:              cfg.ServiceURL,
		HandshakeTimeout: cfg.ConnectTimeoutDuration(),
		Policy:           resilience.NewReconnectPolicy(cfg.ReconnectMaxAttempts, cfg.ReconnectBackoff, cfg.ReconnectMaxBackoff),
		Identity:         provider,
	}, session.Handlers{
		OnText:           c.onText,
		OnAudio:          c.onAudio,
		OnUserTranscript: c.onUserTranscript,
		OnUserQuery:      c.onUserQuery,
		OnStateChange:    c.onStateChange,
		OnError:          c.onSessionError,
	})

	c.capture = capture.New(deps.Microphone, c.session, capture.Options{
		FlushInterval: cfg.FlushInterval(),
		OnError:       c.onCaptureError,
	})

	c.playback = playback.New(deps.Output, playback.Options{})

	c.ingest = ingestion.New(c.session, ingestion.Options{
		Store:      deps.Store,
		AckTimeout: cfg.AckTimeout(),
		Retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.StoreRetryAttempts,
			InitialBackoff:    time.Duration(cfg.StoreRetryBackoff) * time.Millisecond,
			MaxBackoff:        2 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
	})

	return c
}

// Events delivers state changes, warnings, and outcomes. The channel is
// closed by Close. Events are dropped when the buffer is full.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Connect opens the session. See session.Manager.Connect.
func (c *Client) Connect(ctx context.Context) error {
	return c.session.Connect(ctx)
}

// Reconnect drops the transport and dials again with a fresh retry budget.
func (c *Client) Reconnect(ctx context.Context) error {
	return c.session.Reconnect(ctx)
}

// StartRecording starts streaming the microphone, connecting first if
// the session is idle. Recording may start while the session is still
// connecting; ticks before it opens are dropped. It fails with
// session.ErrNoUser only when no user is available at all.
func (c *Client) StartRecording(ctx context.Context) error {
	if !c.session.HasUser() {
		return session.ErrNoUser
	}
	if !c.session.Connected() {
		if err := c.session.Connect(ctx); err != nil {
			// A failed dial keeps retrying in the background.
			if c.session.State() != session.StateConnecting {
				return err
			}
			c.logger.Warn().Err(err).Msg("Recording while the session reconnects")
		}
	}
	if c.session.Connected() {
		c.session.Identify()
	}

	if err := c.capture.Start(ctx); err != nil {
		c.emit(Event{Type: EventDeviceError, Err: err})
		return err
	}
	return nil
}

// StopRecording releases the microphone. No audio is sent after it returns.
func (c *Client) StopRecording() {
	c.capture.Stop()
}

// Upload sends a PDF. The outcome arrives as an EventIngestion.
func (c *Client) Upload(ctx context.Context, req ingestion.UploadRequest) error {
	return c.ingest.Upload(ctx, req, c.onOutcome)
}

// Delete removes a document. The outcome arrives as an EventIngestion.
func (c *Client) Delete(ctx context.Context, filename string) error {
	return c.ingest.Delete(ctx, filename, c.onOutcome)
}

// Documents returns the cached document listing.
func (c *Client) Documents() []docstore.Document {
	return c.ingest.Documents()
}

// RefreshDocuments reloads the listing from the document store.
func (c *Client) RefreshDocuments(ctx context.Context) error {
	return c.ingest.Refresh(ctx)
}

// Ingestion exposes the coordinator, e.g. for a folder watcher.
func (c *Client) Ingestion() *ingestion.Coordinator {
	return c.ingest
}

// Transcript returns the conversation transcript.
func (c *Client) Transcript() *transcript.Log {
	return c.transcript
}

// Recording reports whether the microphone is streaming.
func (c *Client) Recording() bool {
	return c.capture.Capturing()
}

// Connected reports whether the session is open.
func (c *Client) Connected() bool {
	return c.session.Connected()
}

// Ready reports whether the session is open and identified.
func (c *Client) Ready() bool {
	return c.session.Ready()
}

// State returns the session state.
func (c *Client) State() session.State {
	return c.session.State()
}

// UserID returns the identified user, if any.
func (c *Client) UserID() (string, bool) {
	return c.session.UserID()
}

// Close stops capture, drops pending ingestion requests, tears the
// session down, and releases audio output. It is idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.capture.Stop()
		c.ingest.Close()
		c.session.Teardown()
		if err := c.playback.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("Error closing audio output")
		}

		c.emitMu.Lock()
		c.closed = true
		close(c.events)
		c.emitMu.Unlock()
		c.logger.Info().Msg("Client closed")
	})
}

func (c *Client) onText(m protocol.Text) {
	c.ingest.HandleText(m.Text)
	c.record(transcript.RoleAssistant, m.Text, false)
}

func (c *Client) onAudio(m protocol.Audio) {
	c.playback.Ingest(m.Data)
}

func (c *Client) onUserTranscript(m protocol.UserTranscript) {
	if m.Partial {
		return
	}
	c.record(transcript.RoleUser, m.Text, false)
}

func (c *Client) onUserQuery(m protocol.UserQuery) {
	c.record(transcript.RoleUser, m.Text, true)
}

func (c *Client) record(role transcript.Role, text string, tool bool) {
	if e, ok := c.transcript.Append(role, text, tool); ok {
		c.emit(Event{Type: EventTranscript, Entry: e})
	}
}

func (c *Client) onStateChange(s session.State) {
	c.emit(Event{Type: EventState, State: s})
	if s == session.StateOpen {
		go c.refreshListing()
	}
}

func (c *Client) refreshListing() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.ingest.Refresh(ctx); err != nil && !errors.Is(err, session.ErrNoUser) {
		c.logger.Warn().Err(err).Msg("Failed to load document listing")
	}
}

func (c *Client) onSessionError(err error) {
	if errors.Is(err, session.ErrRetriesExhausted) {
		go c.capture.Stop()
		c.emit(Event{Type: EventFatal, Err: err})
		return
	}
	c.emit(Event{Type: EventWarning, Err: err})
}

// onCaptureError runs on the capture read goroutine, which Stop waits
// for, so Stop is called asynchronously.
func (c *Client) onCaptureError(err error) {
	go c.capture.Stop()
	c.emit(Event{Type: EventDeviceError, Err: err})
}

func (c *Client) onOutcome(out ingestion.Outcome) {
	c.emit(Event{Type: EventIngestion, Outcome: out})
}

func (c *Client) emit(ev Event) {
	ev.Time = time.Now()

	c.emitMu.RLock()
	defer c.emitMu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.logger.Warn().Str("event", string(ev.Type)).Msg("Event buffer full, dropping event")
	}
}
