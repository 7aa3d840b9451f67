package audio

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeDevice hands out a stream whose callback the test drives by hand.
type fakeDevice struct {
	format  StreamFormat
	openErr error

	mu     sync.Mutex
	stream *fakeStream
}

type fakeStream struct {
	format  StreamFormat
	render  RenderFunc
	started bool
	closed  bool
	mu      sync.Mutex
}

func (d *fakeDevice) Open(render RenderFunc) (Stream, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	s := &fakeStream{format: d.format, render: render}
	d.mu.Lock()
	d.stream = s
	d.mu.Unlock()
	return s, nil
}

func (s *fakeStream) Format() StreamFormat { return s.format }

func (s *fakeStream) Start() error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeStream) pull(frames int) []float32 {
	out := make([]byte, frames*s.format.FrameBytes())
	s.render(out, frames)
	return BytesToFloat32(out)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestPlayer(t *testing.T) (*Player, *fakeStream) {
	t.Helper()
	dev := &fakeDevice{format: StreamFormat{SampleRate: 48000, Channels: 2, Format: FormatF32}}
	p, err := NewPlayer(dev, PlayerConfig{SourceRate: 32000, BufferSeconds: 10}, nil)
	if err != nil {
		t.Fatalf("NewPlayer: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p, dev.stream
}

// --- Player ---

func TestPlayerStartsStream(t *testing.T) {
	_, s := newTestPlayer(t)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		t.Error("stream not started")
	}
}

func TestPlayerDeviceErrorSurfaces(t *testing.T) {
	dev := &fakeDevice{openErr: ErrNoDevice}
	_, err := NewPlayer(dev, PlayerConfig{}, nil)
	if !errors.Is(err, ErrNoDevice) {
		t.Errorf("err = %v, want ErrNoDevice", err)
	}
}

func TestPlayerUnsupportedFormatClosesStream(t *testing.T) {
	dev := &fakeDevice{format: StreamFormat{SampleRate: 48000, Channels: 2, Format: FormatUnknown}}
	_, err := NewPlayer(dev, PlayerConfig{}, nil)
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("err = %v, want ErrUnsupportedFormat", err)
	}
	if !dev.stream.isClosed() {
		t.Error("stream left open after failed construction")
	}
}

func TestPlayerWritePlaysAndFinishes(t *testing.T) {
	p, s := newTestPlayer(t)
	if p.IsPlaying() {
		t.Fatal("new player reports playing")
	}
	if err := p.WriteAudio(sine(20000, 32000, 440, 0.5)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "auto-start", p.IsPlaying)

	if fill := p.BufferFillPercentage(); fill < 0.06 || fill > 0.07 {
		t.Errorf("BufferFillPercentage = %v, want 20000/320000", fill)
	}

	for i := 0; i < 200 && p.Snapshot().State == Playing; i++ {
		s.pull(480)
	}
	if !p.CheckAndClearFinished() {
		t.Fatal("finished not raised after drain")
	}
	if p.CheckAndClearFinished() {
		t.Error("finished raised twice")
	}
	if p.IsPlaying() {
		t.Error("still playing after drain")
	}
}

func TestPlayerWriteCopiesInput(t *testing.T) {
	p, s := newTestPlayer(t)
	in := make([]float32, 17000)
	for i := range in {
		in[i] = 0.5
	}
	p.WriteAudio(in)
	for i := range in {
		in[i] = 0
	}
	waitFor(t, "auto-start", p.IsPlaying)
	out := s.pull(16)
	if out[4] == 0 {
		t.Error("player played the caller's mutated slice")
	}
}

func TestPlayerPauseResumeStop(t *testing.T) {
	p, _ := newTestPlayer(t)
	p.WriteAudio(sine(20000, 32000, 440, 0.5))
	waitFor(t, "auto-start", p.IsPlaying)

	p.Pause()
	waitFor(t, "pause", func() bool { return p.Snapshot().State == Paused })

	p.Resume()
	waitFor(t, "resume", p.IsPlaying)

	p.Stop()
	waitFor(t, "stop", func() bool {
		snap := p.Snapshot()
		return snap.State == Stopped && snap.BufferFill == 0
	})
	if p.CheckAndClearFinished() {
		t.Error("Stop raised finished")
	}
}

func TestPlayerCommandsAreOrdered(t *testing.T) {
	p, _ := newTestPlayer(t)
	for i := 0; i < 50; i++ {
		p.WriteAudio(make([]float32, 1000))
	}
	p.Stop()
	p.WriteAudio(make([]float32, 100))
	waitFor(t, "last write", func() bool {
		return p.BufferFillPercentage() > 0 && p.BufferFillPercentage() < 0.001
	})
}

func TestPlayerCloseTearsDownStream(t *testing.T) {
	p, s := newTestPlayer(t)
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if !s.isClosed() {
		t.Error("stream not closed")
	}
	if err := p.WriteAudio([]float32{1}); !errors.Is(err, ErrClosed) {
		t.Errorf("WriteAudio after Close = %v, want ErrClosed", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestPlayerWaveformSubscribers(t *testing.T) {
	p, s := newTestPlayer(t)
	sub := p.Subscribe()
	defer p.Unsubscribe(sub)

	p.WriteAudio(sine(20000, 32000, 440, 0.5))
	waitFor(t, "auto-start", p.IsPlaying)
	s.pull(960)

	select {
	case block := <-sub.C:
		if len(block) != WaveformSize {
			t.Errorf("block len = %d, want %d", len(block), WaveformSize)
		}
	case <-time.After(time.Second):
		t.Fatal("no waveform block delivered")
	}
	if len(p.Waveform()) != WaveformSize {
		t.Errorf("Waveform len = %d", len(p.Waveform()))
	}
}
