// Package device provides the local audio endpoints: an ffmpeg-backed
// microphone and an ffplay-backed speaker.
package device

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/lexiqai/doctalk/internal/audio"
	"github.com/lexiqai/doctalk/internal/capture"
)

const float32Bytes = 4

// Microphone captures the default input device through ffmpeg as mono
// float32 samples.
type Microphone struct {
	Path   string
	GOOS   string
	Device string
}

// NewMicrophone returns a Microphone using the ffmpeg binary at path.
func NewMicrophone(path string) *Microphone {
	if path == "" {
		path = "ffmpeg"
	}
	return &Microphone{Path: path, GOOS: runtime.GOOS}
}

// Open implements capture.Microphone. The process outlives ctx; it is
// stopped by closing the stream.
func (m *Microphone) Open(ctx context.Context, sampleRate int) (capture.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bin, err := exec.LookPath(m.Path)
	if err != nil {
		return nil, &capture.DeviceUnavailableError{Device: m.Path, Err: err}
	}
	args, err := micArgs(m.GOOS, m.Device, sampleRate)
	if err != nil {
		return nil, &capture.DeviceUnavailableError{Device: m.GOOS, Err: err}
	}

	cmd := exec.Command(bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open ffmpeg stdout: %w", err)
	}
	stderr := &tailWriter{max: 512}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, &capture.DeviceUnavailableError{Device: m.Path, Err: err}
	}
	return &micStream{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

func micArgs(goos, device string, sampleRate int) ([]string, error) {
	var input []string
	switch goos {
	case "darwin":
		if device == "" {
			device = ":0"
		}
		input = []string{"-f", "avfoundation", "-i", device}
	case "linux":
		if device == "" {
			device = "default"
		}
		input = []string{"-f", "pulse", "-i", device}
	default:
		return nil, fmt.Errorf("microphone capture is not supported on %s", goos)
	}

	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, input...)
	args = append(args,
		"-ac", "1",
		"-ar", strconv.Itoa(sampleRate),
		"-f", "f32le", "-",
	)
	return args, nil
}

type micStream struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr *tailWriter

	raw       []byte
	carry     []byte
	closeOnce sync.Once
}

// Read returns whole samples only; a partial trailing sample is kept for
// the next call.
func (s *micStream) Read(buf []float32) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	need := len(buf) * float32Bytes
	if cap(s.raw) < need {
		s.raw = make([]byte, need)
	}
	raw := s.raw[:need]

	n := copy(raw, s.carry)
	s.carry = s.carry[:0]
	for n < float32Bytes {
		m, err := s.stdout.Read(raw[n:])
		n += m
		if err != nil {
			if n >= float32Bytes {
				break
			}
			return 0, s.exitError(err)
		}
	}

	whole := n - n%float32Bytes
	s.carry = append(s.carry, raw[whole:n]...)
	return copy(buf, audio.DecodeFloat32LE(raw[:whole])), nil
}

func (s *micStream) exitError(err error) error {
	if msg := s.stderr.String(); msg != "" {
		return fmt.Errorf("ffmpeg: %s: %w", msg, err)
	}
	return err
}

func (s *micStream) Close() error {
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
			_ = s.cmd.Wait()
		}
	})
	return nil
}

// tailWriter keeps the last max bytes written to it.
type tailWriter struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	if len(w.buf) > w.max {
		w.buf = append(w.buf[:0:0], w.buf[len(w.buf)-w.max:]...)
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.TrimSpace(string(w.buf))
}
