package playback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lexiqai/doctalk/internal/audio"
	"github.com/lexiqai/doctalk/internal/observability"
	"github.com/rs/zerolog"
)

// ErrClosed is returned by Init after Close.
var ErrClosed = errors.New("playback closed")

// OutputContext is an audio sink with its own FIFO sample queue.
type OutputContext interface {
	// Suspended reports whether the sink is not currently rendering.
	Suspended() bool
	Resume(ctx context.Context) error
	// Enqueue appends samples and returns how many were accepted.
	Enqueue(samples []float32) (int, error)
	// Queued returns the number of samples not yet rendered.
	Queued() int
	Close() error
}

// Opener creates an output context at sampleRate.
type Opener func(ctx context.Context, sampleRate int) (OutputContext, error)

// Options configure a Pipeline.
type Options struct {
	SampleRate    int
	ResumeTimeout time.Duration
}

// Pipeline decodes inbound response audio and feeds it, in arrival order,
// to a lazily opened output context.
type Pipeline struct {
	open          Opener
	sampleRate    int
	resumeTimeout time.Duration
	logger        zerolog.Logger

	mu     sync.Mutex
	out    OutputContext
	closed bool
}

// New creates a Pipeline. No output is opened until Init or the first frame.
func New(open Opener, opts Options) *Pipeline {
	if opts.SampleRate <= 0 {
		opts.SampleRate = audio.PlaybackSampleRate
	}
	if opts.ResumeTimeout <= 0 {
		opts.ResumeTimeout = 2 * time.Second
	}
	return &Pipeline{
		open:          open,
		sampleRate:    opts.SampleRate,
		resumeTimeout: opts.ResumeTimeout,
		logger:        observability.Component("playback"),
	}
}

// Init opens the output context if it is not open yet.
func (p *Pipeline) Init(ctx context.Context) error {
	_, err := p.output(ctx)
	return err
}

func (p *Pipeline) output(ctx context.Context) (OutputContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	if p.out != nil {
		return p.out, nil
	}

	out, err := p.open(ctx, p.sampleRate)
	if err != nil {
		return nil, err
	}
	p.out = out
	p.logger.Info().Int("sample_rate", p.sampleRate).Msg("Output context opened")
	return out, nil
}

// Ingest plays one base64 PCM16LE chunk. Failures drop only this chunk
// and are logged, never returned.
func (p *Pipeline) Ingest(b64 string) {
	samples, err := audio.DecodeFrame(b64)
	if err != nil {
		p.drop(err, "Dropping undecodable audio chunk")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.resumeTimeout)
	defer cancel()

	out, err := p.output(ctx)
	if errors.Is(err, ErrClosed) {
		return
	}
	if err != nil {
		p.drop(err, "Output context unavailable, dropping audio chunk")
		return
	}

	if out.Suspended() {
		if err := out.Resume(ctx); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to resume output context")
		}
	}

	n, err := out.Enqueue(samples)
	if err != nil {
		p.drop(err, "Failed to enqueue audio chunk")
		return
	}
	if n < len(samples) {
		p.logger.Warn().
			Int("accepted", n).
			Int("samples", len(samples)).
			Msg("Output queue full, audio truncated")
	}

	observability.RecordAudioBytes("in", n*audio.BytesPerSample)
	observability.SetPlaybackQueueDepth(out.Queued())
}

func (p *Pipeline) drop(err error, msg string) {
	observability.RecordPlaybackDropped()
	p.logger.Warn().Err(err).Msg(msg)
}

// Close releases the output context. Later chunks are ignored.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.out == nil {
		return nil
	}
	err := p.out.Close()
	p.out = nil
	observability.SetPlaybackQueueDepth(0)
	return err
}
