package audio

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/satindergrewal/voicebridge/internal/metrics"
)

// EngineConfig sizes an Engine for one opened stream.
type EngineConfig struct {
	SourceRate    int          // rate of samples passed to Write
	BufferSeconds float64      // ring capacity in seconds of source audio
	Output        StreamFormat // negotiated device format
	Metrics       *metrics.Collector
	Logger        *zap.Logger
}

// Engine owns the ring buffer and renders it into device buffers.
//
// Render runs on the device thread and never waits: it takes the buffer lock
// with TryLock and emits silence when the lock is held by a writer. All other
// methods are called from the player's control goroutine.
type Engine struct {
	sourceRate int
	out        StreamFormat
	step       float64 // source samples per output frame
	autoStart  int
	write      pcmWriter

	mu       sync.Mutex // guards buf, the scratch slices and lastLost
	buf      *RingBuffer
	source   []float32
	mixed    []float32
	lastLost uint64

	state    atomic.Int32
	finished atomic.Bool

	snapMu sync.Mutex
	snap   Snapshot

	waveCh   chan []float32
	wavePool chan []float32 // free waveform blocks, refilled by RecycleWaveform

	metrics     *metrics.Collector
	logger      *zap.Logger
	overflowLog rate.Sometimes
}

// NewEngine validates cfg and allocates the buffer and scratch space.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.SourceRate <= 0 {
		return nil, fmt.Errorf("source rate must be positive, got %d", cfg.SourceRate)
	}
	if cfg.Output.SampleRate <= 0 || cfg.Output.Channels <= 0 {
		return nil, fmt.Errorf("%w: %d Hz, %d channels", ErrUnsupportedFormat, cfg.Output.SampleRate, cfg.Output.Channels)
	}
	w, err := newPCMWriter(cfg.Output.Format)
	if err != nil {
		return nil, err
	}
	if cfg.BufferSeconds <= 0 {
		cfg.BufferSeconds = BufferSeconds
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		sourceRate:  cfg.SourceRate,
		out:         cfg.Output,
		step:        float64(cfg.SourceRate) / float64(cfg.Output.SampleRate),
		autoStart:   int(float64(cfg.SourceRate) * AutoStartSeconds),
		write:       w,
		buf:         NewRingBuffer(int(cfg.BufferSeconds * float64(cfg.SourceRate))),
		waveCh:      make(chan []float32, WaveformFrames),
		wavePool:    make(chan []float32, WaveformFrames),
		metrics:     cfg.Metrics,
		logger:      logger.With(zap.String("component", "engine")),
		overflowLog: rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
	e.snap.Waveform = make([]float32, WaveformSize)
	for i := 0; i < WaveformFrames; i++ {
		e.wavePool <- make([]float32, WaveformSize)
	}

	// The device callback never allocates for periods up to MaxPeriodSeconds;
	// larger periods grow the scratch once.
	e.growScratch(int(float64(cfg.Output.SampleRate) * MaxPeriodSeconds))
	return e, nil
}

// Format returns the output stream format the engine renders for.
func (e *Engine) Format() StreamFormat { return e.out }

// PlaybackRate returns source_rate/device_rate.
func (e *Engine) PlaybackRate() float64 { return e.step }

// Capacity returns the ring buffer size in samples.
func (e *Engine) Capacity() int { return e.buf.Capacity() }

// State returns the current playback state.
func (e *Engine) State() PlaybackState { return PlaybackState(e.state.Load()) }

// Write appends source samples and auto-starts a stopped engine once more
// than AutoStartSeconds of audio is buffered.
func (e *Engine) Write(samples []float32) {
	if len(samples) == 0 {
		return
	}
	e.mu.Lock()
	e.buf.Write(samples)
	total := e.buf.Overwritten()
	lost := total - e.lastLost
	e.lastLost = total
	available := e.buf.Available()
	fill := e.buf.Fill()
	e.mu.Unlock()

	e.metrics.AddSamplesWritten(len(samples))
	if lost > 0 {
		e.metrics.AddSamplesOverwritten(lost)
		e.overflowLog.Do(func() {
			e.logger.Warn("ring buffer full, overwrote unread audio",
				zap.Uint64("lost_samples", lost),
				zap.Uint64("lost_total", total))
		})
	}

	if available > e.autoStart && e.state.CompareAndSwap(int32(Stopped), int32(Playing)) {
		e.logger.Debug("auto-start", zap.Int("available", available))
	}
	e.publish(fill)
}

// Reset clears the buffer and stops playback from any state.
func (e *Engine) Reset() {
	e.state.Store(int32(Stopped))
	e.mu.Lock()
	e.buf.Reset()
	e.mu.Unlock()
	e.publish(0)
}

// Pause moves Playing to Paused.
func (e *Engine) Pause() bool {
	ok := e.state.CompareAndSwap(int32(Playing), int32(Paused))
	e.publish(e.fill())
	return ok
}

// Resume moves Paused to Playing.
func (e *Engine) Resume() bool {
	ok := e.state.CompareAndSwap(int32(Paused), int32(Playing))
	e.publish(e.fill())
	return ok
}

// CheckAndClearFinished reports whether the buffer drained since the last
// call. Multiple drains between calls coalesce into one true.
func (e *Engine) CheckAndClearFinished() bool {
	return e.finished.Swap(false)
}

// Snapshot returns a copy of the last published state.
func (e *Engine) Snapshot() Snapshot {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()
	s := e.snap
	s.Waveform = append([]float32(nil), e.snap.Waveform...)
	return s
}

// Waveforms delivers snapshots of rendered mono blocks, drawn from a fixed
// pool. Receivers hand each block back with RecycleWaveform once done with
// it; while the pool is empty no blocks are published. Blocks are dropped when
// the channel is full.
func (e *Engine) Waveforms() <-chan []float32 { return e.waveCh }

// RecycleWaveform returns a block received from Waveforms to the pool.
func (e *Engine) RecycleWaveform(block []float32) {
	if cap(block) < WaveformSize {
		return
	}
	select {
	case e.wavePool <- block[:WaveformSize]:
	default:
	}
}

// Render fills out with frames interleaved frames. It is the body of the
// device callback.
func (e *Engine) Render(out []byte, frames int) {
	if frames <= 0 {
		return
	}
	if e.State() != Playing {
		clear(out)
		e.publishNonBlocking(-1, nil)
		return
	}
	if !e.mu.TryLock() {
		clear(out)
		e.metrics.IncCallbackContended()
		return
	}

	needed := int(math.Ceil(float64(frames)*e.step)) + ResampleMargin
	e.growScratch(frames)
	src := e.source[:needed]
	n := e.buf.Read(src)
	fill := e.buf.Fill()

	if n == 0 {
		e.mu.Unlock()
		clear(out)
		if e.state.CompareAndSwap(int32(Playing), int32(Stopped)) {
			e.finished.Store(true)
			e.metrics.IncDrained()
		}
		e.publishNonBlocking(fill, nil)
		return
	}

	channels := e.out.Channels
	mixed := e.mixed[:frames*channels]
	resampleLinear(mixed, src[:n], frames, channels, e.step)
	e.write(out, mixed)
	e.mu.Unlock()

	e.publishNonBlocking(fill, mixed)
}

// growScratch makes the scratch slices large enough for frames output frames.
// Must be called with mu held or before the stream starts.
func (e *Engine) growScratch(frames int) {
	needed := int(math.Ceil(float64(frames)*e.step)) + ResampleMargin
	if cap(e.source) < needed {
		e.source = make([]float32, needed)
	}
	e.source = e.source[:cap(e.source)]
	if cap(e.mixed) < frames*e.out.Channels {
		e.mixed = make([]float32, frames*e.out.Channels)
	}
	e.mixed = e.mixed[:cap(e.mixed)]
}

func (e *Engine) fill() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buf.Fill()
}

// publish updates the snapshot from the control goroutine.
func (e *Engine) publish(fill float64) {
	state := e.State()
	e.snapMu.Lock()
	e.snap.State = state
	e.snap.IsPlaying = state == Playing
	e.snap.BufferFill = fill
	e.snapMu.Unlock()
	e.metrics.SetBufferFill(fill)
	e.metrics.SetPlaying(state == Playing)
}

// publishNonBlocking updates the snapshot from the device thread. A negative
// fill leaves the stored ratio untouched. Skipped entirely on contention.
func (e *Engine) publishNonBlocking(fill float64, mixed []float32) {
	if !e.snapMu.TryLock() {
		return
	}
	state := e.State()
	e.snap.State = state
	e.snap.IsPlaying = state == Playing
	if fill >= 0 {
		e.snap.BufferFill = fill
		e.metrics.SetBufferFill(fill)
	}
	var block []float32
	if mixed != nil {
		e.captureWaveform(mixed)
		select {
		case block = <-e.wavePool:
			copy(block, e.snap.Waveform)
		default:
		}
	}
	e.snapMu.Unlock()

	if block != nil {
		select {
		case e.waveCh <- block:
		default:
			e.RecycleWaveform(block)
		}
	}
}

// captureWaveform keeps the most recent mono output samples. Must be called
// with snapMu held.
func (e *Engine) captureWaveform(mixed []float32) {
	channels := e.out.Channels
	frames := len(mixed) / channels
	wave := e.snap.Waveform
	if frames >= len(wave) {
		start := frames - len(wave)
		for i := range wave {
			wave[i] = mixed[(start+i)*channels]
		}
		return
	}
	copy(wave, wave[frames:])
	off := len(wave) - frames
	for i := 0; i < frames; i++ {
		wave[off+i] = mixed[i*channels]
	}
}

// resampleLinear converts mono src to frames interleaved output frames,
// advancing step source samples per frame and copying each value to every
// channel. Positions past the end of src read as silence.
func resampleLinear(dst, src []float32, frames, channels int, step float64) {
	for i := 0; i < frames; i++ {
		pos := float64(i) * step
		idx := int(pos)
		frac := float32(pos - float64(idx))
		v := sampleAt(src, idx)*(1-frac) + sampleAt(src, idx+1)*frac
		base := i * channels
		for ch := 0; ch < channels; ch++ {
			dst[base+ch] = v
		}
	}
}

func sampleAt(src []float32, i int) float32 {
	if i < len(src) {
		return src[i]
	}
	return 0
}

// Resample converts mono samples between rates by linear interpolation.
// Samples already at the target rate, or with a non-positive rate, are
// returned as a copy.
func Resample(samples []float32, from, to int) []float32 {
	if from <= 0 || to <= 0 || from == to || len(samples) == 0 {
		return append([]float32(nil), samples...)
	}
	step := float64(from) / float64(to)
	n := int(math.Ceil(float64(len(samples)) / step))
	out := make([]float32, n)
	resampleLinear(out, samples, n, 1, step)
	return out
}
