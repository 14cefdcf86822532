package ingestion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/lexiqai/doctalk/internal/observability"
	"github.com/rs/zerolog"
)

const defaultDebounce = 500 * time.Millisecond

// Uploader is what the watcher hands new files to.
type Uploader interface {
	Upload(ctx context.Context, req UploadRequest, cb Callback) error
}

// WatcherOptions configure a Watcher.
type WatcherOptions struct {
	OCR      bool
	Debounce time.Duration
	// OnOutcome receives the outcome of each upload the watcher starts.
	OnOutcome Callback
	// OnError receives uploads that could not be started.
	OnError func(filename string, err error)
}

// Watcher uploads PDF files created or rewritten in a directory.
type Watcher struct {
	dir       string
	uploader  Uploader
	opts      WatcherOptions
	fs        *fsnotify.Watcher
	closeOnce sync.Once
	logger    zerolog.Logger
}

// NewWatcher starts watching dir. Call Run to process events.
func NewWatcher(dir string, uploader Uploader, opts WatcherOptions) (*Watcher, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("watch dir: %w", err)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	return &Watcher{
		dir:      dir,
		uploader: uploader,
		opts:     opts,
		fs:       fw,
		logger:   observability.Component("watcher").With().Str("dir", dir).Logger(),
	}, nil
}

// Run processes file events until ctx is cancelled or the watcher is
// closed. Bursts of events are coalesced; each changed file is uploaded
// once per burst.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.Close()

	timer := newDebounceTimer()
	defer timer.Stop()
	changed := make(map[string]struct{})

	w.logger.Info().Msg("Watching for documents")
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if !relevant(event) {
				continue
			}
			changed[event.Name] = struct{}{}
			resetDebounceTimer(timer, w.opts.Debounce)

		case <-timer.C:
			w.flush(ctx, changed)
			changed = make(map[string]struct{})

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("Watcher error")
		}
	}
}

// Close stops watching. It is safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() { err = w.fs.Close() })
	return err
}

func relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return false
	}
	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return strings.EqualFold(filepath.Ext(base), ".pdf")
}

func (w *Watcher) flush(ctx context.Context, changed map[string]struct{}) {
	paths := make([]string, 0, len(changed))
	for p := range changed {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		name := filepath.Base(path)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err == nil {
			err = w.uploader.Upload(ctx, UploadRequest{Filename: name, Data: data, OCR: w.opts.OCR}, w.opts.OnOutcome)
		}
		if err != nil {
			w.logger.Warn().Err(err).Str("filename", name).Msg("Upload not started")
			if w.opts.OnError != nil {
				w.opts.OnError(name, err)
			}
			continue
		}
		w.logger.Info().Str("filename", name).Msg("Uploading new document")
	}
}

func newDebounceTimer() *time.Timer {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	return timer
}

func resetDebounceTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}
