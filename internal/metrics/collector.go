// Package metrics exposes prometheus instruments for the playback engine,
// the pipeline control worker and the backpressure bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector holds every instrument. A nil *Collector is valid and records
// nothing, so components can run without metrics in tests.
type Collector struct {
	// Playback
	bufferFill         prometheus.Gauge
	playing            prometheus.Gauge
	samplesWritten     prometheus.Counter
	samplesOverwritten prometheus.Counter
	underruns          prometheus.Counter
	callbackContended  prometheus.Counter

	// Pipeline control
	sessionActive  prometheus.Gauge
	sessionEvents  *prometheus.CounterVec
	sendAttempts   *prometheus.CounterVec
	sendFailures   *prometheus.CounterVec
	eventsDropped  prometheus.Counter
	healthChecks   *prometheus.CounterVec
	bindingsActive prometheus.Gauge

	// Backpressure
	statusForwarded prometheus.Counter
	statusDropped   prometheus.Counter

	logger *zap.Logger
}

// NewCollector registers all instruments on reg under namespace.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := promauto.With(reg)
	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}

	c.bufferFill = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "playback",
		Name:      "buffer_fill_ratio",
		Help:      "Fraction of the ring buffer holding unread samples",
	})
	c.playing = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "playback",
		Name:      "playing",
		Help:      "1 while the engine is in the Playing state",
	})
	c.samplesWritten = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "playback",
		Name:      "samples_written_total",
		Help:      "Source samples written into the ring buffer",
	})
	c.samplesOverwritten = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "playback",
		Name:      "samples_overwritten_total",
		Help:      "Unread samples discarded because the ring buffer was full",
	})
	c.underruns = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "playback",
		Name:      "drained_total",
		Help:      "Transitions from Playing to Stopped on buffer exhaustion",
	})
	c.callbackContended = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "playback",
		Name:      "callback_contended_total",
		Help:      "Device callbacks that emitted silence because the buffer was locked",
	})

	c.sessionActive = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "session_active",
		Help:      "1 while a pipeline session is running",
	})
	c.sessionEvents = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "session_events_total",
		Help:      "Session lifecycle transitions",
	}, []string{"event"})
	c.sendAttempts = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "send_attempts_total",
		Help:      "Send attempts per pipeline node",
	}, []string{"node"})
	c.sendFailures = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "send_failures_total",
		Help:      "Sends that failed after all attempts",
	}, []string{"node"})
	c.eventsDropped = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "events_dropped_total",
		Help:      "Control events dropped because the event queue was full",
	})
	c.healthChecks = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "health_checks_total",
		Help:      "Pipeline status queries by outcome",
	}, []string{"result"})
	c.bindingsActive = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "bindings_connected",
		Help:      "Connected pipeline bindings in the active session",
	})

	c.statusForwarded = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backpressure",
		Name:      "status_forwarded_total",
		Help:      "Buffer status samples forwarded to the control worker",
	})
	c.statusDropped = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backpressure",
		Name:      "status_dropped_total",
		Help:      "Buffer status samples the control worker did not accept",
	})

	c.logger.Debug("metrics registered", zap.String("namespace", namespace))
	return c
}

// SetBufferFill records the current fill ratio.
func (c *Collector) SetBufferFill(ratio float64) {
	if c == nil {
		return
	}
	c.bufferFill.Set(ratio)
}

// SetPlaying records whether the engine is playing.
func (c *Collector) SetPlaying(playing bool) {
	if c == nil {
		return
	}
	c.playing.Set(boolGauge(playing))
}

// AddSamplesWritten counts samples accepted by the ring buffer.
func (c *Collector) AddSamplesWritten(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.samplesWritten.Add(float64(n))
}

// AddSamplesOverwritten counts samples lost to overwrite-on-full.
func (c *Collector) AddSamplesOverwritten(n uint64) {
	if c == nil || n == 0 {
		return
	}
	c.samplesOverwritten.Add(float64(n))
}

// IncDrained counts a buffer-exhaustion stop.
func (c *Collector) IncDrained() {
	if c == nil {
		return
	}
	c.underruns.Inc()
}

// IncCallbackContended counts a callback that lost the buffer lock.
func (c *Collector) IncCallbackContended() {
	if c == nil {
		return
	}
	c.callbackContended.Inc()
}

// SetSessionActive records whether a pipeline session is running.
func (c *Collector) SetSessionActive(active bool) {
	if c == nil {
		return
	}
	c.sessionActive.Set(boolGauge(active))
}

// IncSessionEvent counts a lifecycle transition: started, start_failed,
// stopped or terminated.
func (c *Collector) IncSessionEvent(event string) {
	if c == nil {
		return
	}
	c.sessionEvents.WithLabelValues(event).Inc()
}

// IncSendAttempt counts one send attempt to node.
func (c *Collector) IncSendAttempt(node string) {
	if c == nil {
		return
	}
	c.sendAttempts.WithLabelValues(node).Inc()
}

// IncSendFailure counts a send to node that exhausted its attempts.
func (c *Collector) IncSendFailure(node string) {
	if c == nil {
		return
	}
	c.sendFailures.WithLabelValues(node).Inc()
}

// IncEventDropped counts an event lost to a full queue.
func (c *Collector) IncEventDropped() {
	if c == nil {
		return
	}
	c.eventsDropped.Inc()
}

// IncHealthCheck counts a status query by result: running, stopped or error.
func (c *Collector) IncHealthCheck(result string) {
	if c == nil {
		return
	}
	c.healthChecks.WithLabelValues(result).Inc()
}

// SetBindingsConnected records the connected binding count.
func (c *Collector) SetBindingsConnected(n int) {
	if c == nil {
		return
	}
	c.bindingsActive.Set(float64(n))
}

// IncStatusForwarded counts a buffer status accepted by the worker.
func (c *Collector) IncStatusForwarded() {
	if c == nil {
		return
	}
	c.statusForwarded.Inc()
}

// IncStatusDropped counts a buffer status the worker rejected.
func (c *Collector) IncStatusDropped() {
	if c == nil {
		return
	}
	c.statusDropped.Inc()
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
