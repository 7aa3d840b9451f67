// Package backpressure closes the loop between playback and the pipeline:
// it samples the player's buffer fill and reports it upstream so the
// producer can slow down.
package backpressure

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/satindergrewal/voicebridge/internal/metrics"
)

// FillSource reports the playback buffer fill ratio in [0,1].
type FillSource interface {
	BufferFillPercentage() float64
}

// StatusSink accepts fill reports. It returns false when the report could
// not be queued.
type StatusSink interface {
	UpdateBufferStatus(fill float64) bool
}

// Config controls sampling.
type Config struct {
	Interval  time.Duration // sampling period
	MinDelta  float64       // changes smaller than this are not forwarded; 0 forwards every sample
	Heartbeat time.Duration // forward an unchanged value at least this often when MinDelta > 0
}

// DefaultConfig samples every 50 ms and forwards every sample.
func DefaultConfig() Config {
	return Config{Interval: 50 * time.Millisecond, Heartbeat: time.Second}
}

// Bridge periodically forwards a FillSource's ratio to a StatusSink.
type Bridge struct {
	source  FillSource
	sink    StatusSink
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Collector
	dropLog rate.Sometimes

	last     float64
	lastSent time.Time
	sent     bool
}

// New creates a bridge. Call Run to start sampling.
func New(source FillSource, sink StatusSink, cfg Config, logger *zap.Logger, m *metrics.Collector) *Bridge {
	d := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = d.Heartbeat
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		source:  source,
		sink:    sink,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "backpressure")),
		metrics: m,
		dropLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// Run samples until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("backpressure bridge started", zap.Duration("interval", b.cfg.Interval))
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("backpressure bridge stopped")
			return nil
		case now := <-ticker.C:
			b.Tick(now)
		}
	}
}

// Tick takes one sample and forwards it if due. It reports whether a value
// was handed to the sink.
func (b *Bridge) Tick(now time.Time) bool {
	fill := clamp01(b.source.BufferFillPercentage())
	if b.sent && b.cfg.MinDelta > 0 &&
		math.Abs(fill-b.last) < b.cfg.MinDelta &&
		now.Sub(b.lastSent) < b.cfg.Heartbeat {
		return false
	}

	if !b.sink.UpdateBufferStatus(fill) {
		b.metrics.IncStatusDropped()
		b.dropLog.Do(func() {
			b.logger.Warn("buffer status not queued", zap.Float64("fill", fill))
		})
		return false
	}

	b.metrics.IncStatusForwarded()
	b.last = fill
	b.lastSent = now
	b.sent = true
	return true
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
