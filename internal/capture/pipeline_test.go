package capture

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/lexiqai/doctalk/internal/protocol"
)

type fakeStream struct {
	ch     chan []float32
	closed chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{ch: make(chan []float32, 16), closed: make(chan struct{})}
}

func (s *fakeStream) Read(buf []float32) (int, error) {
	select {
	case b := <-s.ch:
		return copy(buf, b), nil
	case <-s.closed:
		return 0, io.EOF
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type fakeMic struct {
	mu     sync.Mutex
	opens  int
	err    error
	stream *fakeStream
}

func (m *fakeMic) Open(ctx context.Context, sampleRate int) (Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens++
	if m.err != nil {
		return nil, m.err
	}
	m.stream = newFakeStream()
	return m.stream, nil
}

type fakeSender struct {
	mu     sync.Mutex
	accept bool
	frames chan []int16
}

func newFakeSender(accept bool) *fakeSender {
	return &fakeSender{accept: accept, frames: make(chan []int16, 64)}
}

func (s *fakeSender) SendLive(msg protocol.Outbound) bool {
	m, ok := msg.(protocol.RealtimeInputMessage)
	if !ok || len(m.RealtimeInput.MediaChunks) != 1 {
		return false
	}
	chunk := m.RealtimeInput.MediaChunks[0]
	raw, _ := base64.StdEncoding.DecodeString(chunk.Data)
	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	s.frames <- samples

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accept
}

func waitFrame(t *testing.T, s *fakeSender) []int16 {
	t.Helper()
	select {
	case f := <-s.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for frame")
		return nil
	}
}

func TestStart_DeviceUnavailable(t *testing.T) {
	mic := &fakeMic{err: errors.New("permission denied")}
	p := New(mic, newFakeSender(true), Options{FlushInterval: 20 * time.Millisecond})

	err := p.Start(context.Background())
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("Expected ErrDeviceUnavailable, got %v", err)
	}
	var devErr *DeviceUnavailableError
	if !errors.As(err, &devErr) {
		t.Fatalf("Expected *DeviceUnavailableError, got %T", err)
	}
	if devErr.Err.Error() != "permission denied" {
		t.Errorf("Expected wrapped cause, got %v", devErr.Err)
	}
	if p.Capturing() {
		t.Error("Expected capture not to start")
	}
}

func TestStart_Idempotent(t *testing.T) {
	mic := &fakeMic{}
	p := New(mic, newFakeSender(true), Options{FlushInterval: 20 * time.Millisecond})
	defer p.Stop()

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Second Start() failed: %v", err)
	}
	if mic.opens != 1 {
		t.Errorf("Expected microphone opened once, got %d", mic.opens)
	}
}

func TestFlush_ClampsAndEncodes(t *testing.T) {
	mic := &fakeMic{}
	sender := newFakeSender(true)
	p := New(mic, sender, Options{FlushInterval: 20 * time.Millisecond})
	defer p.Stop()

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	mic.stream.ch <- []float32{0.5, -0.5, 2.0, -7}

	frame := waitFrame(t, sender)
	expected := []int16{16383, -16384, 32767, -32768}
	if len(frame) != len(expected) {
		t.Fatalf("Expected %d samples, got %d", len(expected), len(frame))
	}
	for i := range expected {
		if frame[i] != expected[i] {
			t.Errorf("Sample %d: expected %d, got %d", i, expected[i], frame[i])
		}
	}
}

func TestFlush_ClearsEvenWhenNotSent(t *testing.T) {
	mic := &fakeMic{}
	sender := newFakeSender(false)
	p := New(mic, sender, Options{FlushInterval: 20 * time.Millisecond})
	defer p.Stop()

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	mic.stream.ch <- []float32{0.1, 0.1, 0.1}
	if first := waitFrame(t, sender); len(first) != 3 {
		t.Fatalf("Expected 3 samples in first frame, got %d", len(first))
	}

	mic.stream.ch <- []float32{0.2}
	if second := waitFrame(t, sender); len(second) != 1 {
		t.Errorf("Expected rejected frame to be discarded, second frame has %d samples", len(second))
	}
}

func TestAppendSamples_BoundedToOneInterval(t *testing.T) {
	p := New(&fakeMic{}, newFakeSender(true), Options{SampleRate: 100, FlushInterval: 100 * time.Millisecond})

	samples := make([]float32, 25)
	for i := range samples {
		samples[i] = float32(i) / 100
	}
	p.appendSamples(samples)

	if len(p.acc) != 10 {
		t.Fatalf("Expected accumulator bounded to 10 samples, got %d", len(p.acc))
	}
	// Oldest samples are dropped; the newest survive.
	if p.acc[9] != 7864 { // 0.24 * 32767 truncated
		t.Errorf("Expected newest sample 7864 last, got %d", p.acc[9])
	}
	if p.acc[0] != 4915 { // 0.15 * 32767 truncated
		t.Errorf("Expected sample 4915 first, got %d", p.acc[0])
	}
}

func TestStop_IdempotentAndSilent(t *testing.T) {
	mic := &fakeMic{}
	sender := newFakeSender(true)
	p := New(mic, sender, Options{FlushInterval: 20 * time.Millisecond})

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	mic.stream.ch <- []float32{0.3, 0.3}
	waitFrame(t, sender)

	p.Stop()
	p.Stop()

	if p.Capturing() {
		t.Error("Expected capture stopped")
	}
	select {
	case <-mic.stream.closed:
	default:
		t.Error("Expected microphone stream closed")
	}

	select {
	case f := <-sender.frames:
		t.Errorf("Expected no frames after Stop, got %d samples", len(f))
	case <-time.After(80 * time.Millisecond):
	}
}

func TestStreamFailure_ReportsDeviceError(t *testing.T) {
	mic := &fakeMic{}
	errs := make(chan error, 1)
	p := New(mic, newFakeSender(true), Options{
		FlushInterval: 20 * time.Millisecond,
		OnError:       func(err error) { errs <- err },
	})
	defer p.Stop()

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	mic.stream.Close()

	select {
	case err := <-errs:
		if !errors.Is(err, ErrDeviceUnavailable) {
			t.Errorf("Expected ErrDeviceUnavailable, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for stream error")
	}
}
