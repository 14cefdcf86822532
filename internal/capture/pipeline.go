package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lexiqai/doctalk/internal/audio"
	"github.com/lexiqai/doctalk/internal/observability"
	"github.com/lexiqai/doctalk/internal/protocol"
	"github.com/rs/zerolog"
)

// ErrDeviceUnavailable is matched by every DeviceUnavailableError.
var ErrDeviceUnavailable = errors.New("audio input device unavailable")

// DeviceUnavailableError reports why the microphone could not be acquired.
type DeviceUnavailableError struct {
	Device string
	Err    error
}

func (e *DeviceUnavailableError) Error() string {
	if e.Device == "" {
		return fmt.Sprintf("%v: %v", ErrDeviceUnavailable, e.Err)
	}
	return fmt.Sprintf("%v (%s): %v", ErrDeviceUnavailable, e.Device, e.Err)
}

func (e *DeviceUnavailableError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrDeviceUnavailable) true.
func (e *DeviceUnavailableError) Is(target error) bool {
	return target == ErrDeviceUnavailable
}

// Microphone opens an input stream of normalized mono samples.
type Microphone interface {
	Open(ctx context.Context, sampleRate int) (Stream, error)
}

// Stream is an open microphone. Read blocks until samples arrive; after
// Close it returns an error.
type Stream interface {
	Read(buf []float32) (int, error)
	Close() error
}

// Sender accepts encoded frames. It returns false when the frame was
// discarded because the session is not open.
type Sender interface {
	SendLive(msg protocol.Outbound) bool
}

// Options configure a Pipeline.
type Options struct {
	SampleRate    int
	FlushInterval time.Duration
	// OnError is told when the stream fails while capturing.
	OnError func(error)
}

// Pipeline turns microphone samples into periodic media-chunk frames.
type Pipeline struct {
	mic        Microphone
	sender     Sender
	sampleRate int
	interval   time.Duration
	maxSamples int
	onError    func(error)
	logger     zerolog.Logger

	runMu     sync.Mutex // serializes Start and Stop
	mu        sync.Mutex
	capturing bool
	stream    Stream
	acc       []int16
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates a stopped Pipeline.
func New(mic Microphone, sender Sender, opts Options) *Pipeline {
	if opts.SampleRate <= 0 {
		opts.SampleRate = audio.CaptureSampleRate
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 3 * time.Second
	}
	maxSamples := int(int64(opts.SampleRate) * int64(opts.FlushInterval) / int64(time.Second))
	if maxSamples < 1 {
		maxSamples = 1
	}

	return &Pipeline{
		mic:        mic,
		sender:     sender,
		sampleRate: opts.SampleRate,
		interval:   opts.FlushInterval,
		maxSamples: maxSamples,
		onError:    opts.OnError,
		logger:     observability.Component("capture"),
	}
}

// Start acquires the microphone and begins periodic flushing.
// It is a no-op while already capturing.
func (p *Pipeline) Start(ctx context.Context) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if p.Capturing() {
		return nil
	}

	stream, err := p.mic.Open(ctx, p.sampleRate)
	if err != nil {
		var devErr *DeviceUnavailableError
		if !errors.As(err, &devErr) {
			devErr = &DeviceUnavailableError{Err: err}
		}
		observability.RecordError("device_unavailable", "capture")
		p.logger.Error().Err(devErr).Msg("Failed to acquire microphone")
		return devErr
	}

	stopCh := make(chan struct{})
	p.mu.Lock()
	p.capturing = true
	p.stream = stream
	p.acc = make([]int16, 0, p.maxSamples)
	p.stopCh = stopCh
	p.mu.Unlock()

	p.wg.Add(2)
	go p.readLoop(stream, stopCh)
	go p.flushLoop(stopCh)

	p.logger.Info().
		Int("sample_rate", p.sampleRate).
		Dur("flush_interval", p.interval).
		Msg("Capture started")
	return nil
}

// Stop releases the microphone and discards unsent audio. Nothing is sent
// after Stop returns. It is idempotent.
func (p *Pipeline) Stop() {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	p.mu.Lock()
	if !p.capturing {
		p.mu.Unlock()
		return
	}
	p.capturing = false
	close(p.stopCh)
	stream := p.stream
	p.stream = nil
	p.mu.Unlock()

	if err := stream.Close(); err != nil {
		p.logger.Warn().Err(err).Msg("Error closing microphone")
	}
	p.wg.Wait()

	p.mu.Lock()
	p.acc = p.acc[:0]
	p.mu.Unlock()

	p.logger.Info().Msg("Capture stopped")
}

// Capturing reports whether the microphone is held.
func (p *Pipeline) Capturing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capturing
}

func (p *Pipeline) readLoop(stream Stream, stopCh chan struct{}) {
	defer p.wg.Done()

	buf := make([]float32, 4096)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			p.appendSamples(buf[:n])
		}
		if err != nil {
			select {
			case <-stopCh:
			default:
				observability.RecordError("stream", "capture")
				p.logger.Warn().Err(err).Msg("Microphone stream ended")
				if p.onError != nil {
					p.onError(&DeviceUnavailableError{Err: err})
				}
			}
			return
		}
	}
}

// appendSamples clamps and accumulates samples, keeping at most one
// flush interval of audio by dropping the oldest.
func (p *Pipeline) appendSamples(samples []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range samples {
		p.acc = append(p.acc, audio.FloatToPCM16(s))
	}
	if overflow := len(p.acc) - p.maxSamples; overflow > 0 {
		copy(p.acc, p.acc[overflow:])
		p.acc = p.acc[:p.maxSamples]
		observability.RecordCaptureOverflow(overflow)
	}
}

func (p *Pipeline) flushLoop(stopCh chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			p.flush()
		}
	}
}

// flush hands the accumulated frame to the sender and clears the
// accumulator whether or not the send was accepted.
func (p *Pipeline) flush() {
	p.mu.Lock()
	if len(p.acc) == 0 {
		p.mu.Unlock()
		return
	}
	frame := make([]int16, len(p.acc))
	copy(frame, p.acc)
	p.acc = p.acc[:0]
	p.mu.Unlock()

	observability.SetCaptureLevel(audio.CalculateRMS(frame))

	if !p.sender.SendLive(protocol.NewAudioChunk(audio.EncodeFrame(frame))) {
		p.logger.Debug().Int("samples", len(frame)).Msg("Frame discarded, session not open")
		return
	}
	observability.RecordAudioBytes("out", len(frame)*audio.BytesPerSample)
}
