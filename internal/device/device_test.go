package device

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"
)

func TestMicArgs(t *testing.T) {
	linux, err := micArgs("linux", "", 16000)
	if err != nil {
		t.Fatalf("micArgs(linux) failed: %v", err)
	}
	joined := strings.Join(linux, " ")
	for _, want := range []string{"-f pulse -i default", "-ac 1", "-ar 16000", "-f f32le -"} {
		if !strings.Contains(joined, want) {
			t.Errorf("Expected %q in linux args: %s", want, joined)
		}
	}

	darwin, err := micArgs("darwin", "", 16000)
	if err != nil {
		t.Fatalf("micArgs(darwin) failed: %v", err)
	}
	if !strings.Contains(strings.Join(darwin, " "), "-f avfoundation -i :0") {
		t.Errorf("Expected avfoundation input, got %v", darwin)
	}

	custom, _ := micArgs("linux", "alsa_input.usb", 16000)
	if !strings.Contains(strings.Join(custom, " "), "-i alsa_input.usb") {
		t.Errorf("Expected custom device, got %v", custom)
	}

	if _, err := micArgs("plan9", "", 16000); err == nil {
		t.Error("Expected error for unsupported platform")
	}
}

func TestFFplayArgs(t *testing.T) {
	joined := strings.Join(ffplayArgs(24000), " ")
	for _, want := range []string{"-nodisp", "-f s16le", "-ar 24000", "-ac 1", "-i pipe:0"} {
		if !strings.Contains(joined, want) {
			t.Errorf("Expected %q in ffplay args: %s", want, joined)
		}
	}
}

func floatBytes(samples ...float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

func TestMicStream_ReassemblesPartialSamples(t *testing.T) {
	expected := []float32{0.25, -0.5, 1, 0.125}
	s := &micStream{
		cmd:    &exec.Cmd{},
		stdout: iotest.OneByteReader(bytes.NewReader(floatBytes(expected...))),
		stderr: &tailWriter{max: 64},
	}

	var got []float32
	buf := make([]float32, 3)
	for {
		n, err := s.Read(buf)
		got = append(got, buf[:n]...)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.Fatalf("Expected io.EOF, got %v", err)
			}
			break
		}
	}

	if len(got) != len(expected) {
		t.Fatalf("Expected %d samples, got %d", len(expected), len(got))
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("Sample %d: expected %v, got %v", i, expected[i], got[i])
		}
	}
}

func TestMicStream_ExitIncludesStderr(t *testing.T) {
	stderr := &tailWriter{max: 64}
	stderr.Write([]byte("default: Connection refused\n"))
	s := &micStream{cmd: &exec.Cmd{}, stdout: bytes.NewReader(nil), stderr: stderr}

	_, err := s.Read(make([]float32, 4))
	if !errors.Is(err, io.EOF) {
		t.Errorf("Expected wrapped io.EOF, got %v", err)
	}
	if err == nil || !strings.Contains(err.Error(), "Connection refused") {
		t.Errorf("Expected stderr in error, got %v", err)
	}
}

func TestTailWriter_KeepsTail(t *testing.T) {
	w := &tailWriter{max: 4}
	w.Write([]byte("abcdef"))
	w.Write([]byte("gh"))
	if got := w.String(); got != "efgh" {
		t.Errorf("Expected 'efgh', got '%s'", got)
	}
}

type fakeProcess struct {
	mu      sync.Mutex
	data    bytes.Buffer
	fail    bool
	closed  bool
	written chan struct{}
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{written: make(chan struct{}, 1)}
}

func (p *fakeProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail || p.closed {
		return 0, io.ErrClosedPipe
	}
	p.data.Write(b)
	select {
	case p.written <- struct{}{}:
	default:
	}
	return len(b), nil
}

func (p *fakeProcess) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakeProcess) samples() []int16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	raw := p.data.Bytes()
	out := make([]int16, len(raw)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return out
}

func waitSamples(t *testing.T, p *fakeProcess, n int) []int16 {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if got := p.samples(); len(got) >= n {
			return got
		}
		select {
		case <-p.written:
		case <-deadline:
			t.Fatalf("Timed out waiting for %d samples", n)
			return nil
		}
	}
}

func TestSpeaker_SuspendedUntilResumed(t *testing.T) {
	proc := newFakeProcess()
	launches := 0
	s := newSpeaker(24000, 100, func(rate int) (process, error) {
		launches++
		return proc, nil
	})
	defer s.Close()

	if !s.Suspended() {
		t.Error("Expected speaker suspended before Resume")
	}
	if n, _ := s.Enqueue([]float32{0.5, -0.5}); n != 2 {
		t.Errorf("Expected 2 samples queued, got %d", n)
	}
	if s.Queued() != 2 {
		t.Errorf("Expected 2 queued samples while suspended, got %d", s.Queued())
	}

	if err := s.Resume(context.Background()); err != nil {
		t.Fatalf("Resume() failed: %v", err)
	}
	if err := s.Resume(context.Background()); err != nil {
		t.Fatalf("Second Resume() failed: %v", err)
	}
	if launches != 1 {
		t.Errorf("Expected one launch, got %d", launches)
	}

	got := waitSamples(t, proc, 2)
	if got[0] != 16383 || got[1] != -16384 {
		t.Errorf("Expected [16383 -16384], got %v", got[:2])
	}
}

func TestSpeaker_PreservesOrder(t *testing.T) {
	proc := newFakeProcess()
	s := newSpeaker(24000, 10000, func(int) (process, error) { return proc, nil })
	defer s.Close()
	s.Resume(context.Background())

	for i := 0; i < 50; i++ {
		s.Enqueue([]float32{float32(i) / 100})
	}

	got := waitSamples(t, proc, 50)
	for i := 1; i < 50; i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("Expected increasing samples, got %d after %d at %d", got[i], got[i-1], i)
		}
	}
}

func TestSpeaker_QueueBounded(t *testing.T) {
	s := newSpeaker(24000, 3, func(int) (process, error) { return newFakeProcess(), nil })
	defer s.Close()

	if n, _ := s.Enqueue([]float32{1, 2, 3, 4, 5}); n != 3 {
		t.Errorf("Expected 3 samples accepted, got %d", n)
	}
}

func TestSpeaker_ProcessFailureSuspends(t *testing.T) {
	proc := newFakeProcess()
	proc.fail = true
	s := newSpeaker(24000, 100, func(int) (process, error) { return proc, nil })
	defer s.Close()

	s.Resume(context.Background())
	s.Enqueue([]float32{0.1})

	deadline := time.Now().Add(2 * time.Second)
	for !s.Suspended() {
		if time.Now().After(deadline) {
			t.Fatal("Expected speaker suspended after write failure")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSpeaker_LaunchError(t *testing.T) {
	s := newSpeaker(24000, 100, func(int) (process, error) { return nil, errors.New("no audio server") })
	defer s.Close()

	if err := s.Resume(context.Background()); err == nil {
		t.Error("Expected launch error from Resume")
	}
	if !s.Suspended() {
		t.Error("Expected speaker still suspended")
	}
}

func TestSpeaker_Close(t *testing.T) {
	proc := newFakeProcess()
	s := newSpeaker(24000, 100, func(int) (process, error) { return proc, nil })
	s.Resume(context.Background())

	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if !proc.closed {
		t.Error("Expected process closed")
	}
	if _, err := s.Enqueue([]float32{1}); !errors.Is(err, errSpeakerClosed) {
		t.Errorf("Expected errSpeakerClosed, got %v", err)
	}
	if err := s.Resume(context.Background()); !errors.Is(err, errSpeakerClosed) {
		t.Errorf("Expected errSpeakerClosed from Resume, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Expected second Close to be a no-op, got %v", err)
	}
}
