package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/lexiqai/doctalk/internal/audio"
	"github.com/lexiqai/doctalk/internal/observability"
	"github.com/lexiqai/doctalk/internal/playback"
	"github.com/rs/zerolog"
)

var errSpeakerClosed = errors.New("speaker closed")

const drainChunk = 2048

// process is a running output player fed PCM16LE on Write.
type process interface {
	io.Writer
	Close() error
}

type launchFunc func(sampleRate int) (process, error)

// Speaker is a playback.OutputContext backed by an ffplay process. Samples
// are buffered in a ring and drained to the process in order. The speaker
// is suspended until Resume starts the process, and again if it dies.
type Speaker struct {
	sampleRate int
	launch     launchFunc
	queue      *audio.RingBuffer[float32]
	logger     zerolog.Logger

	mu     sync.Mutex
	proc   process
	closed bool
	wake   chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewSpeakerOpener returns a playback.Opener that creates speakers using
// the ffplay binary at path, buffering up to queueSeconds of audio.
func NewSpeakerOpener(path string, queueSeconds int) playback.Opener {
	if path == "" {
		path = "ffplay"
	}
	if queueSeconds <= 0 {
		queueSeconds = 120
	}
	return func(ctx context.Context, sampleRate int) (playback.OutputContext, error) {
		bin, err := exec.LookPath(path)
		if err != nil {
			return nil, fmt.Errorf("audio output unavailable: %w", err)
		}
		return newSpeaker(sampleRate, sampleRate*queueSeconds, launchFFplay(bin)), nil
	}
}

func newSpeaker(sampleRate, queueSamples int, launch launchFunc) *Speaker {
	return &Speaker{
		sampleRate: sampleRate,
		launch:     launch,
		queue:      audio.NewRingBuffer[float32](queueSamples + 1),
		logger:     observability.Component("speaker"),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
}

// Suspended reports whether no player process is running.
func (s *Speaker) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc == nil
}

// Resume starts the player process if it is not running.
func (s *Speaker) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSpeakerClosed
	}
	if s.proc != nil {
		return nil
	}

	proc, err := s.launch(s.sampleRate)
	if err != nil {
		return err
	}
	s.proc = proc
	s.wg.Add(1)
	go s.drain(proc)
	s.logger.Info().Int("sample_rate", s.sampleRate).Msg("Audio output started")
	return nil
}

// Enqueue buffers samples for playback and returns how many fit.
func (s *Speaker) Enqueue(samples []float32) (int, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, errSpeakerClosed
	}

	n := s.queue.Write(samples)
	if n < len(samples) {
		s.logger.Debug().
			Int("dropped", len(samples)-n).
			Int("space", s.queue.Space()).
			Msg("Playback queue full")
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return n, nil
}

// Queued returns the number of buffered samples not yet handed to the
// player.
func (s *Speaker) Queued() int {
	return s.queue.Available()
}

// Close stops the player and discards buffered audio.
func (s *Speaker) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stop)
	proc := s.proc
	s.proc = nil
	s.mu.Unlock()

	var err error
	if proc != nil {
		err = proc.Close()
	}
	s.wg.Wait()
	s.queue.Clear()
	return err
}

func (s *Speaker) drain(proc process) {
	defer s.wg.Done()

	buf := make([]float32, drainChunk)
	pcm := make([]int16, drainChunk)
	for {
		n := s.queue.Read(buf)
		if n == 0 {
			select {
			case <-s.wake:
				continue
			case <-s.stop:
				return
			}
		}

		for i := 0; i < n; i++ {
			pcm[i] = audio.FloatToPCM16(buf[i])
		}
		if _, err := proc.Write(audio.EncodePCM16LE(pcm[:n])); err != nil {
			s.mu.Lock()
			if s.proc == proc {
				s.proc = nil
			}
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.logger.Warn().Err(err).Msg("Audio output stopped")
			}
			_ = proc.Close()
			return
		}
	}
}

func ffplayArgs(sampleRate int) []string {
	return []string{
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", "1",
		"-i", "pipe:0",
	}
}

type ffplayProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	once  sync.Once
}

func launchFFplay(bin string) launchFunc {
	return func(sampleRate int) (process, error) {
		cmd := exec.Command(bin, ffplayArgs(sampleRate)...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("open ffplay stdin: %w", err)
		}
		cmd.Stdout = io.Discard
		cmd.Stderr = io.Discard
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start ffplay: %w", err)
		}
		return &ffplayProcess{cmd: cmd, stdin: stdin}, nil
	}
}

func (p *ffplayProcess) Write(data []byte) (int, error) {
	return p.stdin.Write(data)
}

func (p *ffplayProcess) Close() error {
	p.once.Do(func() {
		_ = p.stdin.Close()
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
			_ = p.cmd.Wait()
		}
	})
	return nil
}
