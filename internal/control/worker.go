package control

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/satindergrewal/voicebridge/internal/dataflow"
	"github.com/satindergrewal/voicebridge/internal/metrics"
)

// WorkerConfig holds the worker's timing and queue parameters.
type WorkerConfig struct {
	Tick            time.Duration // health check resolution
	HealthInterval  time.Duration
	StartupGrace    time.Duration // no health checks this long after a start
	RestartTeardown time.Duration // pause after stopping the old session on restart
	StopTeardown    time.Duration // pause after StopSession
	SendAttempts    int
	SendDelay       time.Duration
	QueueSize       int           // command and event queue capacity
	CallTimeout     time.Duration // bound on each call into the pipeline
}

// DefaultWorkerConfig returns the stock timings.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Tick:            10 * time.Millisecond,
		HealthInterval:  2 * time.Second,
		StartupGrace:    10 * time.Second,
		RestartTeardown: 500 * time.Millisecond,
		StopTeardown:    300 * time.Millisecond,
		SendAttempts:    20,
		SendDelay:       150 * time.Millisecond,
		QueueSize:       100,
		CallTimeout:     15 * time.Second,
	}
}

func (c *WorkerConfig) applyDefaults() {
	d := DefaultWorkerConfig()
	if c.Tick <= 0 {
		c.Tick = d.Tick
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = d.HealthInterval
	}
	if c.StartupGrace < 0 {
		c.StartupGrace = 0
	}
	if c.RestartTeardown < 0 {
		c.RestartTeardown = 0
	}
	if c.StopTeardown < 0 {
		c.StopTeardown = 0
	}
	if c.SendAttempts <= 0 {
		c.SendAttempts = d.SendAttempts
	}
	if c.SendDelay < 0 {
		c.SendDelay = 0
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
}

// Worker owns the external dataflow. Commands go in through a bounded queue
// and are handled in order on the worker goroutine; events come out through a
// bounded queue drained by PollEvents. Sends that retry hold up the commands
// queued behind them.
//
// Buffer status bypasses the queue: only the latest fill is kept, and it is
// delivered before any command queued after it.
type Worker struct {
	launcher dataflow.Launcher
	cfg      WorkerConfig
	logger   *zap.Logger
	metrics  *metrics.Collector

	cmds   chan Command
	events chan Event

	statusMu    sync.Mutex // guards pendingFill and hasFill
	pendingFill float64
	hasFill     bool
	statusWake  chan struct{}

	running atomic.Bool
	closed  atomic.Bool

	mu      sync.Mutex // guards session and lastErr
	session *Session
	lastErr string

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// loop state, owned by the worker goroutine
	df          dataflow.Dataflow
	inbound     <-chan dataflow.Message
	lastHealth  time.Time
	healthStart time.Time
}

// NewWorker starts the worker goroutine. Nothing is launched until
// StartSession.
func NewWorker(launcher dataflow.Launcher, cfg WorkerConfig, logger *zap.Logger, m *metrics.Collector) *Worker {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		launcher:   launcher,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "control")),
		metrics:    m,
		cmds:       make(chan Command, cfg.QueueSize),
		events:     make(chan Event, cfg.QueueSize),
		statusWake: make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go w.run()
	return w
}

// Send queues c without blocking. It returns false when the queue is full or
// the worker is closed. UpdateBufferStatus replaces any fill not yet sent.
func (w *Worker) Send(c Command) bool {
	if w.closed.Load() {
		return false
	}
	if st, ok := c.(UpdateBufferStatus); ok {
		w.setStatus(st.FillPercentage)
		return true
	}
	select {
	case w.cmds <- c:
		return true
	default:
		w.logger.Warn("command queue full, dropping command", zap.String("command", fmt.Sprintf("%T", c)))
		return false
	}
}

func (w *Worker) StartSession(path string, env map[string]string) bool {
	return w.Send(StartSession{Path: path, Env: env})
}

func (w *Worker) StopSession() bool { return w.Send(StopSession{}) }

func (w *Worker) SendText(text string) bool { return w.Send(SendText{Payload: text}) }

func (w *Worker) SendAudio(samples []float32, sampleRate int, language string) bool {
	return w.Send(SendAudio{Samples: samples, SampleRate: sampleRate, Language: language})
}

func (w *Worker) UpdateBufferStatus(fill float64) bool {
	return w.Send(UpdateBufferStatus{FillPercentage: fill})
}

func (w *Worker) setStatus(fill float64) {
	w.statusMu.Lock()
	w.pendingFill = fill
	w.hasFill = true
	w.statusMu.Unlock()
	select {
	case w.statusWake <- struct{}{}:
	default:
	}
}

// flushStatus sends the pending fill, if any.
func (w *Worker) flushStatus() {
	w.statusMu.Lock()
	fill, ok := w.pendingFill, w.hasFill
	w.hasFill = false
	w.statusMu.Unlock()
	if ok {
		w.updateBufferStatus(UpdateBufferStatus{FillPercentage: fill})
	}
}

// PollEvents drains every queued event without blocking.
func (w *Worker) PollEvents() []Event {
	var out []Event
	for {
		select {
		case ev := <-w.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

// IsRunning reports whether a session is active and believed healthy.
func (w *Worker) IsRunning() bool { return w.running.Load() }

// Session returns a copy of the active session. With no active session it
// returns the last start failure, if any, and false.
func (w *Worker) Session() (Session, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.session == nil {
		return Session{LastError: w.lastErr}, false
	}
	return w.session.clone(), true
}

// Close stops the worker, waits for the command in progress to finish and
// tears down any active session.
func (w *Worker) Close() {
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		close(w.stop)
		<-w.done
	})
}

func (w *Worker) run() {
	defer close(w.done)
	w.logger.Info("control worker started")

	ticker := time.NewTicker(w.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			if w.df != nil {
				w.teardown("worker shutdown")
			}
			w.logger.Info("control worker stopped")
			return
		case c := <-w.cmds:
			w.flushStatus()
			w.handle(c)
		case <-w.statusWake:
			w.flushStatus()
		case msg, ok := <-w.inbound:
			if !ok {
				w.inbound = nil
				continue
			}
			w.dispatch(msg)
		case now := <-ticker.C:
			w.refreshBindings()
			w.checkHealth(now)
		}
	}
}

func (w *Worker) handle(c Command) {
	switch c := c.(type) {
	case StartSession:
		w.startSession(c)
	case StopSession:
		w.stopSession()
	case SendText:
		w.sendText(c)
	case SendAudio:
		w.sendAudio(c)
	case UpdateBufferStatus:
		w.updateBufferStatus(c)
	default:
		w.logger.Warn("unknown command", zap.String("command", fmt.Sprintf("%T", c)))
	}
}

func (w *Worker) callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), w.cfg.CallTimeout)
}

func (w *Worker) startSession(c StartSession) {
	w.logger.Info("starting session", zap.String("path", c.Path))

	// The pipeline rejects duplicate registrations, so the old session must
	// be gone before the new one launches.
	if w.df != nil {
		w.logger.Warn("stopping existing session before starting a new one")
		w.teardown("restart")
		time.Sleep(w.cfg.RestartTeardown)
	}

	ctx, cancel := w.callCtx()
	defer cancel()

	df, err := w.launcher.Launch(ctx, c.Path, c.Env)
	if err != nil {
		w.failStart(fmt.Errorf("create dataflow: %w", err))
		return
	}
	id, err := df.Start(ctx)
	if err != nil {
		w.failStart(fmt.Errorf("start dataflow: %w", err))
		return
	}

	now := time.Now()
	w.df = df
	w.inbound = df.Inbound()
	w.healthStart = now
	w.lastHealth = now

	w.mu.Lock()
	w.session = &Session{ID: id, StartTime: now, ActiveBindings: connected(df.Bindings())}
	w.lastErr = ""
	w.mu.Unlock()

	for _, b := range df.Bindings() {
		w.logger.Info("binding", zap.String("node", b.NodeID), zap.Stringer("state", b.State))
	}

	w.running.Store(true)
	w.metrics.SetSessionActive(true)
	w.metrics.IncSessionEvent("started")
	w.logger.Info("session started", zap.String("id", id))
	w.emit(SessionStarted{ID: id})
}

func (w *Worker) failStart(err error) {
	w.logger.Error("failed to start session", zap.Error(err))
	w.mu.Lock()
	w.session = nil
	w.lastErr = err.Error()
	w.mu.Unlock()
	w.metrics.IncSessionEvent("start_failed")
	w.emit(Error{Message: err.Error()})
}

func (w *Worker) stopSession() {
	w.logger.Info("stopping session")
	if w.df != nil {
		w.teardown("stop requested")
		time.Sleep(w.cfg.StopTeardown)
	}
	w.metrics.IncSessionEvent("stopped")
	w.emit(SessionStopped{})
}

// teardown stops the dataflow and clears all session state.
func (w *Worker) teardown(reason string) {
	df := w.df
	w.df = nil
	w.inbound = nil
	w.running.Store(false)

	ctx, cancel := w.callCtx()
	if err := df.Stop(ctx); err != nil {
		w.logger.Error("failed to stop dataflow", zap.String("reason", reason), zap.Error(err))
	}
	cancel()

	w.mu.Lock()
	w.session = nil
	w.mu.Unlock()
	w.metrics.SetSessionActive(false)
	w.metrics.SetBindingsConnected(0)
}

func (w *Worker) sendText(c SendText) {
	if w.df == nil {
		w.logger.Warn("no active session, dropping text")
		return
	}
	b, ok := w.df.Bridge(dataflow.NodePromptInputTTS)
	if !ok {
		b, ok = w.df.Bridge(dataflow.NodePromptInput)
	}
	if !ok {
		w.logger.Warn("prompt input binding not found",
			zap.Error(fmt.Errorf("%s: %w", dataflow.NodePromptInputTTS, dataflow.ErrUnknownNode)))
		return
	}

	w.logger.Info("sending text to TTS", zap.Int("chars", len(c.Payload)))
	if err := w.sendWithRetry(b, dataflow.OutputPrompt, dataflow.Text{Value: c.Payload}); err != nil {
		w.logger.Error("failed to send text", zap.Error(err))
		w.emit(Error{Message: fmt.Sprintf("failed to send text to TTS: %v", err)})
	}
}

func (w *Worker) sendAudio(c SendAudio) {
	if w.df == nil {
		w.logger.Warn("no active session, dropping audio")
		return
	}
	b, ok := w.df.Bridge(dataflow.NodeAudioInput)
	if !ok {
		err := fmt.Errorf("%s: %w", dataflow.NodeAudioInput, dataflow.ErrUnknownNode)
		w.logger.Warn("audio input binding not found", zap.Error(err))
		w.emit(Error{Message: fmt.Sprintf("ASR not available: %v", err)})
		return
	}

	w.logger.Info("sending audio to ASR",
		zap.Int("samples", len(c.Samples)),
		zap.Int("sample_rate", c.SampleRate),
		zap.String("language", c.Language))
	p := dataflow.Audio{Samples: c.Samples, SampleRate: c.SampleRate, Channels: 1, Language: c.Language}
	if err := w.sendWithRetry(b, dataflow.OutputAudio, p); err != nil {
		w.logger.Error("failed to send audio", zap.Error(err))
		w.emit(Error{Message: fmt.Sprintf("failed to send audio to ASR: %v", err)})
	}
}

// updateBufferStatus is best effort: one attempt, the next sample supersedes
// a lost one.
func (w *Worker) updateBufferStatus(c UpdateBufferStatus) {
	if w.df == nil {
		return
	}
	b, ok := w.df.Bridge(dataflow.NodeAudioPlayer)
	if !ok {
		return
	}
	ctx, cancel := w.callCtx()
	defer cancel()
	if err := b.Send(ctx, dataflow.OutputBufferStatus, dataflow.Status{FillPercentage: c.FillPercentage}); err != nil {
		w.logger.Debug("buffer status not delivered", zap.Error(err))
	}
}

// sendWithRetry makes up to SendAttempts attempts, SendDelay apart.
func (w *Worker) sendWithRetry(b dataflow.Bridge, output string, p dataflow.Payload) error {
	var err error
	for attempt := 1; attempt <= w.cfg.SendAttempts; attempt++ {
		w.metrics.IncSendAttempt(b.NodeID())
		ctx, cancel := w.callCtx()
		err = b.Send(ctx, output, p)
		cancel()
		if err == nil {
			w.logger.Debug("sent", zap.String("node", b.NodeID()), zap.Int("attempt", attempt))
			return nil
		}
		if attempt < w.cfg.SendAttempts {
			time.Sleep(w.cfg.SendDelay)
		}
	}
	w.metrics.IncSendFailure(b.NodeID())
	return fmt.Errorf("%s after %d attempts: %w: %w", b.NodeID(), w.cfg.SendAttempts, ErrRetryExhausted, err)
}

func (w *Worker) dispatch(msg dataflow.Message) {
	switch p := msg.Payload.(type) {
	case dataflow.Text:
		text, lang := dataflow.ParseTranscription(p.Value)
		w.logger.Info("transcription", zap.String("node", msg.NodeID), zap.String("language", lang))
		w.emit(TranscriptionReady{Text: text, Language: lang})
	case dataflow.Audio:
		w.emit(AudioReady{Samples: p.Samples, SampleRate: p.SampleRate})
	default:
		w.logger.Debug("ignoring inbound payload",
			zap.String("node", msg.NodeID),
			zap.String("output", msg.Output),
			zap.String("kind", msg.Payload.Kind()))
	}
}

func (w *Worker) refreshBindings() {
	if w.df == nil {
		return
	}
	active := connected(w.df.Bindings())
	w.mu.Lock()
	if w.session != nil {
		w.session.ActiveBindings = active
	}
	w.mu.Unlock()
	w.metrics.SetBindingsConnected(len(active))
}

// checkHealth polls the pipeline every HealthInterval once the startup grace
// has passed. A session that stops on its own is torn down and reported; it
// is not restarted.
func (w *Worker) checkHealth(now time.Time) {
	if w.df == nil {
		return
	}
	if now.Sub(w.healthStart) < w.cfg.StartupGrace || now.Sub(w.lastHealth) < w.cfg.HealthInterval {
		return
	}
	w.lastHealth = now

	ctx, cancel := w.callCtx()
	alive, err := w.df.Running(ctx)
	cancel()
	if err != nil {
		w.metrics.IncHealthCheck("error")
		w.logger.Debug("status check failed", zap.Error(err))
		return
	}
	if alive {
		w.metrics.IncHealthCheck("running")
		return
	}

	w.metrics.IncHealthCheck("stopped")
	if w.running.Load() {
		w.logger.Warn("dataflow stopped unexpectedly")
		w.teardown("unexpected termination")
		w.metrics.IncSessionEvent("terminated")
		w.emit(SessionStopped{})
	}
}

func (w *Worker) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
		w.metrics.IncEventDropped()
		w.logger.Warn("event queue full, dropping event", zap.String("event", fmt.Sprintf("%T", ev)))
	}
}

func connected(bindings []dataflow.Binding) map[string]struct{} {
	out := make(map[string]struct{})
	for _, b := range bindings {
		if b.State == dataflow.Connected {
			out[b.NodeID] = struct{}{}
		}
	}
	return out
}
