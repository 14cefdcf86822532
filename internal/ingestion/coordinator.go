// Package ingestion turns document actions into protocol messages and
// correlates the service's text acknowledgements back to one outcome per
// request.
package ingestion

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/lexiqai/doctalk/internal/docstore"
	"github.com/lexiqai/doctalk/internal/observability"
	"github.com/lexiqai/doctalk/internal/protocol"
	"github.com/lexiqai/doctalk/internal/resilience"
	"github.com/lexiqai/doctalk/internal/session"
	"github.com/rs/zerolog"
)

var (
	ErrUnsupportedType = errors.New("only PDF documents are supported")
	ErrEmptyDocument   = errors.New("document has no data or locator")
	ErrAlreadyPending  = errors.New("a request for this document is already pending")
	ErrTimeout         = errors.New("no acknowledgement before timeout")
	ErrRejected        = errors.New("service reported failure")
	ErrClosed          = errors.New("ingestion coordinator closed")
)

// Action is the kind of document request.
type Action string

const (
	ActionUpload Action = "upload"
	ActionDelete Action = "delete"
)

// Status is the terminal state of a request.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	// StatusReconciled means no acknowledgement arrived and the listing
	// was refreshed from the store instead.
	StatusReconciled Status = "reconciled"
)

// Outcome is delivered to a request's callback exactly once.
type Outcome struct {
	Action   Action
	Filename string
	Status   Status
	// Message is the acknowledgement text, if any.
	Message string
	// Listed reports whether the document is in the listing after the
	// request resolved.
	Listed bool
	Err    error
}

// Callback receives the outcome of a request. It runs on the goroutine
// that resolved the request and must not block.
type Callback func(Outcome)

// UploadRequest describes one document upload. Data is stored (or inlined)
// when present; otherwise Locator must name an already stored document.
type UploadRequest struct {
	Filename string
	Data     []byte
	Locator  string
	OCR      bool
}

// Sender is the part of the session the coordinator needs.
type Sender interface {
	Send(msg protocol.Outbound) bool
	UserID() (string, bool)
}

// Options configure a Coordinator.
type Options struct {
	// Store holds payloads and the authoritative listing. May be nil, in
	// which case payloads are sent inline and the listing is local only.
	Store      docstore.Store
	AckTimeout time.Duration
	Retry      *resilience.RetryConfig
	// Breaker guards store calls. Defaults to opening after five
	// consecutive transient failures for thirty seconds.
	Breaker *resilience.CircuitBreaker
}

type pending struct {
	id       string
	action   Action
	filename string
	size     int64
	locator  string
	callback Callback
	timer    *time.Timer
	logger   zerolog.Logger
}

// Coordinator tracks in-flight document requests by filename.
type Coordinator struct {
	sender     Sender
	store      docstore.Store
	ackTimeout time.Duration
	retry      *resilience.RetryConfig
	breaker    *resilience.CircuitBreaker
	logger     zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pending
	docs    map[string]docstore.Document
	closed  bool
}

// New creates a Coordinator.
func New(sender Sender, opts Options) *Coordinator {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 5 * time.Second
	}
	if opts.Retry == nil {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	logger := observability.Component("ingestion")
	if opts.Breaker == nil {
		opts.Breaker = resilience.NewCircuitBreaker("docstore", 5, 30*time.Second)
		opts.Breaker.OnStateChange = func(name string, state resilience.CircuitState) {
			observability.SetCircuitState(name, int(state))
			logger.Warn().Str("breaker", name).Str("state", state.String()).Msg("Store circuit changed state")
		}
	}
	return &Coordinator{
		sender:     sender,
		store:      opts.Store,
		ackTimeout: opts.AckTimeout,
		retry:      opts.Retry,
		breaker:    opts.Breaker,
		logger:     logger,
		pending:    make(map[string]*pending),
		docs:       make(map[string]docstore.Document),
	}
}

// storeCall retries fn on transient store errors. Once the breaker opens,
// calls fail with resilience.ErrCircuitOpen without touching the store.
func (c *Coordinator) storeCall(ctx context.Context, fn func() error) error {
	return c.breaker.Call(func() error {
		return resilience.Retry(ctx, fn, c.retry, resilience.IsRetryable)
	}, resilience.IsRetryable)
}

// Upload stores the document (when a store is configured) and announces
// it to the service. A returned error means nothing was sent and cb will
// not be called; otherwise cb receives exactly one Outcome.
func (c *Coordinator) Upload(ctx context.Context, req UploadRequest, cb Callback) error {
	if err := checkPDF(req); err != nil {
		return err
	}
	userID, ok := c.sender.UserID()
	if !ok {
		return session.ErrNoUser
	}

	p, err := c.reserve(ActionUpload, req.Filename, cb)
	if err != nil {
		return err
	}
	p.size = int64(len(req.Data))

	msg, err := c.uploadMessage(ctx, userID, req, p)
	if err != nil {
		c.release(p)
		p.logger.Error().Err(err).Msg("Upload failed before send")
		observability.RecordIngestion(string(ActionUpload), "error")
		return err
	}

	if !c.sender.Send(msg) {
		c.release(p)
		observability.RecordIngestion(string(ActionUpload), "error")
		return session.ErrNotOpen
	}

	c.arm(p)
	p.logger.Info().Int64("size", p.size).Bool("ocr", req.OCR).Msg("Upload sent")
	return nil
}

func (c *Coordinator) uploadMessage(ctx context.Context, userID string, req UploadRequest, p *pending) (protocol.Outbound, error) {
	if len(req.Data) == 0 {
		p.locator = req.Locator
		return protocol.NewDocumentMetadata(req.Filename, req.Locator, req.OCR), nil
	}

	if c.store == nil {
		encoded := base64.StdEncoding.EncodeToString(req.Data)
		return protocol.NewInlineDocument(req.Filename, encoded, req.OCR), nil
	}

	var locator string
	err := c.storeCall(ctx, func() error {
		var err error
		locator, err = c.store.Put(ctx, userID, req.Filename, req.Data)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store %s: %w", req.Filename, err)
	}
	p.locator = locator
	return protocol.NewDocumentMetadata(req.Filename, locator, req.OCR), nil
}

// Delete asks the service to delete filename and removes it from the local
// listing right away. If no acknowledgement arrives in time the listing is
// reconciled against the store.
func (c *Coordinator) Delete(ctx context.Context, filename string, cb Callback) error {
	if filename == "" {
		return ErrEmptyDocument
	}
	if _, ok := c.sender.UserID(); !ok {
		return session.ErrNoUser
	}

	p, err := c.reserve(ActionDelete, filename, cb)
	if err != nil {
		return err
	}

	// Remove before sending so a fast failure ack's refresh is not undone.
	c.mu.Lock()
	prev, listed := c.docs[filename]
	delete(c.docs, filename)
	c.mu.Unlock()

	if !c.sender.Send(protocol.NewDeleteDocument(filename)) {
		c.mu.Lock()
		if _, ok := c.docs[filename]; listed && !ok {
			c.docs[filename] = prev
		}
		c.mu.Unlock()
		c.release(p)
		observability.RecordIngestion(string(ActionDelete), "error")
		return session.ErrNotOpen
	}

	c.arm(p)
	p.logger.Info().Msg("Delete sent")
	return nil
}

func (c *Coordinator) reserve(action Action, filename string, cb Callback) (*pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if _, busy := c.pending[filename]; busy {
		return nil, fmt.Errorf("%s %s: %w", action, filename, ErrAlreadyPending)
	}

	id := observability.NewCorrelationID()
	p := &pending{
		id:       id,
		action:   action,
		filename: filename,
		callback: cb,
		logger: observability.WithCorrelationID(c.logger, id).With().
			Str("action", string(action)).
			Str("filename", filename).
			Logger(),
	}
	c.pending[filename] = p
	return p, nil
}

func (c *Coordinator) release(p *pending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[p.filename] == p {
		delete(c.pending, p.filename)
	}
}

func (c *Coordinator) arm(p *pending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[p.filename] != p {
		return
	}
	p.timer = time.AfterFunc(c.ackTimeout, func() { c.expire(p) })
}

// take removes p from the pending set. Only the first caller gets true.
func (c *Coordinator) take(p *pending) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[p.filename] != p {
		return false
	}
	delete(c.pending, p.filename)
	if p.timer != nil {
		p.timer.Stop()
	}
	return true
}

// HandleText correlates an inbound text message with a pending request.
// It reports whether a request was resolved.
func (c *Coordinator) HandleText(text string) bool {
	c.mu.Lock()
	p := c.matchLocked(text)
	c.mu.Unlock()
	if p == nil {
		return false
	}

	status, ok := classify(p.action, p.filename, text)
	if !ok {
		return false
	}
	if !c.take(p) {
		return false
	}

	out := Outcome{Action: p.action, Filename: p.filename, Status: status, Message: text}
	if status == StatusConfirmed {
		c.confirm(p)
		out.Listed = p.action == ActionUpload
	} else {
		out.Err = ErrRejected
		out.Listed = c.reconcileAfterFailure(p)
	}
	c.finish(p, out)
	return true
}

// matchLocked returns the pending request whose filename appears in text
// as a whole name, preferring the longest so "data.pdf" never resolves
// "a.pdf".
func (c *Coordinator) matchLocked(text string) *pending {
	var best *pending
	for name, p := range c.pending {
		if !containsName(text, name) {
			continue
		}
		if best == nil || len(name) > len(best.filename) {
			best = p
		}
	}
	return best
}

const (
	successGlyph = "✅"
	failureGlyph = "❌"
)

var (
	uploadWords = []string{"uploaded", "indexed"}
	deleteWords = []string{"deleted"}
	// Failure shapes without a glyph: "<prefix> <file>".
	failurePrefixes = []string{"failed to upload", "failed to index", "failed to delete", "error uploading", "error deleting"}
)

// classify recognises an acknowledgement for filename. Only these shapes
// count; text that merely mentions the file is ignored:
//
//	✅ '<file>' uploaded & indexed
//	✅ ... <file> ... deleted
//	❌ ... <file> ...
//	Deleted <file>
//	Failed to delete <file>
//
// A leading glyph decides the outcome before any words are read, and the
// filename is cut out before matching words so names like
// "error_budget.pdf" cannot look like a marker.
func classify(action Action, filename, text string) (Status, bool) {
	t := strings.TrimSpace(text)

	switch {
	case strings.HasPrefix(t, failureGlyph):
		return StatusFailed, true

	case strings.HasPrefix(t, successGlyph):
		rest := strings.ToLower(strings.ReplaceAll(t, filename, " "))
		words := uploadWords
		if action == ActionDelete {
			words = deleteWords
		}
		if containsAny(rest, words) {
			return StatusConfirmed, true
		}
		return "", false
	}

	for _, prefix := range failurePrefixes {
		if namedAfter(t, prefix, filename) {
			return StatusFailed, true
		}
	}
	if action == ActionDelete && namedAfter(t, "deleted", filename) {
		return StatusConfirmed, true
	}
	return "", false
}

// namedAfter reports whether t starts with prefix (case-insensitive)
// followed by filename, optionally quoted.
func namedAfter(t, prefix, filename string) bool {
	if len(t) < len(prefix) || !strings.EqualFold(t[:len(prefix)], prefix) {
		return false
	}
	rest := strings.TrimLeft(t[len(prefix):], " \t")
	if rest == t[len(prefix):] && rest != "" {
		// prefix must be a whole word
		return false
	}
	rest = strings.TrimLeft(rest, "'\"`")
	return strings.HasPrefix(rest, filename)
}

// containsName reports whether name occurs in text not preceded or
// followed by another filename character.
func containsName(text, name string) bool {
	for i := 0; ; {
		j := strings.Index(text[i:], name)
		if j < 0 {
			return false
		}
		start := i + j
		end := start + len(name)
		before, _ := utf8.DecodeLastRuneInString(text[:start])
		after, _ := utf8.DecodeRuneInString(text[end:])
		if (start == 0 || !isNameRune(before)) && (end == len(text) || !isNameRune(after)) {
			return true
		}
		i = start + 1
	}
}

func isNameRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-'
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func (c *Coordinator) confirm(p *pending) {
	switch p.action {
	case ActionUpload:
		userID, _ := c.sender.UserID()
		locator := p.locator
		if locator == "" {
			locator = docstore.StoragePath(userID, p.filename)
		}
		c.mu.Lock()
		c.docs[p.filename] = docstore.Document{
			UserID:      userID,
			Filename:    p.filename,
			StoragePath: locator,
			Size:        p.size,
			CreatedAt:   time.Now().UTC(),
		}
		c.mu.Unlock()

	case ActionDelete:
		if c.store == nil {
			return
		}
		userID, _ := c.sender.UserID()
		ctx, cancel := context.WithTimeout(context.Background(), c.ackTimeout)
		defer cancel()
		err := c.storeCall(ctx, func() error {
			return c.store.Delete(ctx, userID, p.filename)
		})
		if err != nil && !errors.Is(err, docstore.ErrNotFound) {
			p.logger.Warn().Err(err).Msg("Failed to remove confirmed deletion from store")
		}
	}
}

// reconcileAfterFailure restores the listing after a rejected delete and
// reports whether the document is listed.
func (c *Coordinator) reconcileAfterFailure(p *pending) bool {
	if p.action == ActionDelete {
		if err := c.refresh(); err != nil {
			p.logger.Warn().Err(err).Msg("Listing refresh failed")
		}
	}
	return c.listed(p.filename)
}

func (c *Coordinator) expire(p *pending) {
	if !c.take(p) {
		return
	}
	p.logger.Warn().Dur("timeout", c.ackTimeout).Msg("No acknowledgement, reconciling")

	out := Outcome{Action: p.action, Filename: p.filename, Status: StatusReconciled, Err: ErrTimeout}
	if err := c.refresh(); err != nil {
		out.Status = StatusFailed
		out.Err = errors.Join(ErrTimeout, err)
	}
	out.Listed = c.listed(p.filename)
	c.finish(p, out)
}

func (c *Coordinator) finish(p *pending, out Outcome) {
	observability.RecordIngestion(string(out.Action), string(out.Status))
	ev := p.logger.Info()
	if out.Err != nil {
		ev = p.logger.Warn().Err(out.Err)
	}
	ev.Str("status", string(out.Status)).Bool("listed", out.Listed).Msg("Request resolved")

	if p.callback != nil {
		p.callback(out)
	}
}

func (c *Coordinator) listed(filename string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.docs[filename]
	return ok
}

// Documents returns the cached listing ordered by filename.
func (c *Coordinator) Documents() []docstore.Document {
	c.mu.Lock()
	docs := make([]docstore.Document, 0, len(c.docs))
	for _, d := range c.docs {
		docs = append(docs, d)
	}
	c.mu.Unlock()

	sort.Slice(docs, func(i, j int) bool { return docs[i].Filename < docs[j].Filename })
	return docs
}

// Refresh replaces the cached listing with the store's. Without a store
// the local listing is kept as is.
func (c *Coordinator) Refresh(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	userID, ok := c.sender.UserID()
	if !ok {
		return session.ErrNoUser
	}

	var docs []docstore.Document
	err := c.storeCall(ctx, func() error {
		var err error
		docs, err = c.store.List(ctx, userID)
		return err
	})
	if err != nil {
		return fmt.Errorf("list documents: %w", err)
	}

	fresh := make(map[string]docstore.Document, len(docs))
	for _, d := range docs {
		fresh[d.Filename] = d
	}
	c.mu.Lock()
	c.docs = fresh
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) refresh() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.ackTimeout)
	defer cancel()
	return c.Refresh(ctx)
}

// Pending returns the filenames awaiting acknowledgement.
func (c *Coordinator) Pending() []string {
	c.mu.Lock()
	names := make([]string, 0, len(c.pending))
	for name := range c.pending {
		names = append(names, name)
	}
	c.mu.Unlock()
	sort.Strings(names)
	return names
}

// Close stops all timers. Pending requests are dropped without callbacks.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for name, p := range c.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(c.pending, name)
	}
}

func checkPDF(req UploadRequest) error {
	if req.Filename == "" || (len(req.Data) == 0 && req.Locator == "") {
		return ErrEmptyDocument
	}
	if !strings.EqualFold(filepath.Ext(req.Filename), ".pdf") {
		return fmt.Errorf("%s: %w", req.Filename, ErrUnsupportedType)
	}
	if len(req.Data) > 0 && http.DetectContentType(req.Data) != protocol.MimePDF {
		return fmt.Errorf("%s: %w", req.Filename, ErrUnsupportedType)
	}
	return nil
}
