package playback

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/lexiqai/doctalk/internal/audio"
)

type fakeOutput struct {
	mu        sync.Mutex
	suspended bool
	resumeErr error
	resumes   int
	samples   []float32
	capacity  int
	closed    bool
}

func (o *fakeOutput) Suspended() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.suspended
}

func (o *fakeOutput) Resume(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resumes++
	if o.resumeErr != nil {
		return o.resumeErr
	}
	o.suspended = false
	return nil
}

func (o *fakeOutput) Enqueue(samples []float32) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(samples)
	if o.capacity > 0 && len(o.samples)+n > o.capacity {
		n = o.capacity - len(o.samples)
	}
	o.samples = append(o.samples, samples[:n]...)
	return n, nil
}

func (o *fakeOutput) Queued() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.samples)
}

func (o *fakeOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}

type fakeOpener struct {
	out   *fakeOutput
	err   error
	opens int
	rate  int
}

func (f *fakeOpener) open(ctx context.Context, sampleRate int) (OutputContext, error) {
	f.opens++
	f.rate = sampleRate
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}

func TestIngest_LazyInitAtPlaybackRate(t *testing.T) {
	opener := &fakeOpener{out: &fakeOutput{}}
	p := New(opener.open, Options{})

	if opener.opens != 0 {
		t.Fatal("Expected no output before the first chunk")
	}

	p.Ingest(audio.EncodeFrame([]int16{1}))
	p.Ingest(audio.EncodeFrame([]int16{2}))

	if opener.opens != 1 {
		t.Errorf("Expected output opened once, got %d", opener.opens)
	}
	if opener.rate != 24000 {
		t.Errorf("Expected 24000 Hz output, got %d", opener.rate)
	}
}

func TestIngest_PreservesArrivalOrder(t *testing.T) {
	out := &fakeOutput{}
	p := New((&fakeOpener{out: out}).open, Options{})

	p.Ingest(audio.EncodeFrame([]int16{16384, -16384}))
	p.Ingest(audio.EncodeFrame([]int16{8192}))
	p.Ingest(audio.EncodeFrame([]int16{-32768}))

	expected := []float32{0.5, -0.5, 0.25, -1}
	if len(out.samples) != len(expected) {
		t.Fatalf("Expected %d samples, got %d", len(expected), len(out.samples))
	}
	for i := range expected {
		if out.samples[i] != expected[i] {
			t.Errorf("Sample %d: expected %v, got %v", i, expected[i], out.samples[i])
		}
	}
}

func TestIngest_ResumesSuspendedOutput(t *testing.T) {
	out := &fakeOutput{suspended: true, resumeErr: errors.New("not allowed yet")}
	p := New((&fakeOpener{out: out}).open, Options{})

	p.Ingest(audio.EncodeFrame([]int16{1}))
	p.Ingest(audio.EncodeFrame([]int16{2}))

	if out.resumes != 2 {
		t.Errorf("Expected a resume attempt per chunk while suspended, got %d", out.resumes)
	}
	if len(out.samples) != 2 {
		t.Errorf("Expected chunks enqueued despite resume failure, got %d samples", len(out.samples))
	}

	out.mu.Lock()
	out.resumeErr = nil
	out.mu.Unlock()
	p.Ingest(audio.EncodeFrame([]int16{3}))
	p.Ingest(audio.EncodeFrame([]int16{4}))

	if out.resumes != 3 {
		t.Errorf("Expected no resume once running, got %d attempts", out.resumes)
	}
}

func TestIngest_BadChunkDropsOnlyItself(t *testing.T) {
	out := &fakeOutput{}
	p := New((&fakeOpener{out: out}).open, Options{})

	p.Ingest(audio.EncodeFrame([]int16{100}))
	p.Ingest("%%% not base64 %%%")
	p.Ingest("AAAAA") // truncated base64
	p.Ingest("AAAA")  // three bytes, not whole samples
	p.Ingest(audio.EncodeFrame([]int16{200}))

	if len(out.samples) != 2 {
		t.Fatalf("Expected 2 samples from good chunks, got %d", len(out.samples))
	}
	if out.samples[1] != audio.PCM16ToFloat(200) {
		t.Errorf("Expected chunk after bad one intact, got %v", out.samples[1])
	}
}

func TestIngest_OpenFailureRetriesNextChunk(t *testing.T) {
	opener := &fakeOpener{out: &fakeOutput{}, err: errors.New("no output device")}
	p := New(opener.open, Options{})

	p.Ingest(audio.EncodeFrame([]int16{1}))
	opener.err = nil
	p.Ingest(audio.EncodeFrame([]int16{2}))

	if opener.opens != 2 {
		t.Errorf("Expected a second open attempt, got %d", opener.opens)
	}
	if len(opener.out.samples) != 1 || opener.out.samples[0] != audio.PCM16ToFloat(2) {
		t.Errorf("Expected only the second chunk queued, got %v", opener.out.samples)
	}
}

func TestIngest_TruncatesWhenQueueFull(t *testing.T) {
	out := &fakeOutput{capacity: 3}
	p := New((&fakeOpener{out: out}).open, Options{})

	p.Ingest(audio.EncodeFrame([]int16{1, 2, 3, 4, 5}))

	if out.Queued() != 3 {
		t.Errorf("Expected 3 queued samples, got %d", out.Queued())
	}
}

func TestClose(t *testing.T) {
	out := &fakeOutput{}
	opener := &fakeOpener{out: out}
	p := New(opener.open, Options{})

	if err := p.Init(context.Background()); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if !out.closed {
		t.Error("Expected output context closed")
	}
	if err := p.Close(); err != nil {
		t.Errorf("Expected second Close to be a no-op, got %v", err)
	}

	p.Ingest(audio.EncodeFrame([]int16{1}))
	if opener.opens != 1 {
		t.Errorf("Expected no reopen after Close, got %d opens", opener.opens)
	}
	if !errors.Is(p.Init(context.Background()), ErrClosed) {
		t.Error("Expected ErrClosed from Init after Close")
	}
}
