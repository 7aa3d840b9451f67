package audio

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/satindergrewal/voicebridge/internal/metrics"
)

// PlayerConfig holds streaming player parameters.
type PlayerConfig struct {
	SourceRate    int     // Hz of samples passed to WriteAudio
	BufferSeconds float64 // ring capacity
	Metrics       *metrics.Collector
}

type commandKind int

const (
	cmdWrite commandKind = iota
	cmdReset
	cmdPause
	cmdResume
)

type command struct {
	kind    commandKind
	samples []float32
}

// Player is the thread-safe handle to a playback engine. Commands are queued
// without blocking the caller and applied in order by the player's goroutine,
// which owns the device stream until Close.
type Player struct {
	engine *Engine
	stream Stream
	queue  *commandQueue
	waves  *Broadcaster
	logger *zap.Logger

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewPlayer opens an output stream on dev, sizes an engine for the negotiated
// format and starts playback processing. Device errors are returned as is;
// the caller may retry with a new Player.
func NewPlayer(dev Device, cfg PlayerConfig, logger *zap.Logger) (*Player, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SourceRate <= 0 {
		cfg.SourceRate = SourceRate
	}
	p := &Player{
		queue:  newCommandQueue(),
		waves:  NewBroadcaster(),
		logger: logger.With(zap.String("component", "player")),
		done:   make(chan struct{}),
	}

	stream, err := dev.Open(func(out []byte, frames int) {
		p.engine.Render(out, frames)
	})
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}

	engine, err := NewEngine(EngineConfig{
		SourceRate:    cfg.SourceRate,
		BufferSeconds: cfg.BufferSeconds,
		Output:        stream.Format(),
		Metrics:       cfg.Metrics,
		Logger:        logger,
	})
	if err != nil {
		stream.Close()
		return nil, err
	}
	p.engine = engine
	p.stream = stream

	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, err
	}

	f := stream.Format()
	p.logger.Info("player started",
		zap.Int("source_rate", cfg.SourceRate),
		zap.Int("device_rate", f.SampleRate),
		zap.Int("channels", f.Channels),
		zap.Stringer("format", f.Format),
		zap.Int("capacity", engine.Capacity()))

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.waves.Run(ctx, engine.Waveforms(), engine.RecycleWaveform)
	go p.run(ctx)
	return p, nil
}

// WriteAudio queues samples for playback. The slice is copied.
func (p *Player) WriteAudio(samples []float32) error {
	if len(samples) == 0 {
		return nil
	}
	return p.send(command{kind: cmdWrite, samples: append([]float32(nil), samples...)})
}

// Stop clears buffered audio and halts playback.
func (p *Player) Stop() error { return p.send(command{kind: cmdReset}) }

// Pause halts playback, keeping buffered audio.
func (p *Player) Pause() error { return p.send(command{kind: cmdPause}) }

// Resume continues paused playback.
func (p *Player) Resume() error { return p.send(command{kind: cmdResume}) }

// IsPlaying reports whether the engine is in the Playing state.
func (p *Player) IsPlaying() bool { return p.engine.Snapshot().IsPlaying }

// BufferFillPercentage returns the ring buffer fill ratio in [0,1].
func (p *Player) BufferFillPercentage() float64 { return p.engine.Snapshot().BufferFill }

// CheckAndClearFinished returns true once per drain of the buffer.
func (p *Player) CheckAndClearFinished() bool { return p.engine.CheckAndClearFinished() }

// Snapshot returns the polled engine state.
func (p *Player) Snapshot() Snapshot { return p.engine.Snapshot() }

// Waveform returns the most recent output samples.
func (p *Player) Waveform() []float32 { return p.engine.Snapshot().Waveform }

// Format returns the negotiated output format.
func (p *Player) Format() StreamFormat { return p.engine.Format() }

// Subscribe registers a waveform visualizer.
func (p *Player) Subscribe() *Subscriber { return p.waves.Subscribe() }

// Unsubscribe removes a waveform visualizer.
func (p *Player) Unsubscribe(s *Subscriber) { p.waves.Unsubscribe(s) }

// Close stops the player goroutine and tears down the device stream.
func (p *Player) Close() error {
	p.closeOnce.Do(func() {
		p.queue.close()
		p.cancel()
		<-p.done
	})
	return nil
}

func (p *Player) send(c command) error {
	if !p.queue.push(c) {
		return ErrClosed
	}
	return nil
}

func (p *Player) run(ctx context.Context) {
	defer close(p.done)
	defer func() {
		if err := p.stream.Close(); err != nil {
			p.logger.Warn("close stream", zap.Error(err))
		}
		p.logger.Info("player stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.queue.ready:
			for _, c := range p.queue.drain() {
				p.apply(c)
			}
		}
	}
}

func (p *Player) apply(c command) {
	switch c.kind {
	case cmdWrite:
		p.engine.Write(c.samples)
	case cmdReset:
		p.engine.Reset()
	case cmdPause:
		p.engine.Pause()
	case cmdResume:
		p.engine.Resume()
	}
}

// commandQueue is an unbounded FIFO with a one-slot wakeup channel.
type commandQueue struct {
	mu     sync.Mutex
	items  []command
	closed bool
	ready  chan struct{}
}

func newCommandQueue() *commandQueue {
	return &commandQueue{ready: make(chan struct{}, 1)}
}

func (q *commandQueue) push(c command) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, c)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

func (q *commandQueue) drain() []command {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *commandQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
}
