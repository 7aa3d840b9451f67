package dataflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// CoordinatorConfig configures the coordinator client.
type CoordinatorConfig struct {
	URL          string
	APIKey       string
	Opus         bool          // compress audio payloads at opus rates
	OpusBitrate  int           // bits per second, 0 for the encoder default
	DialInterval time.Duration // pause between websocket dial attempts
	Timeout      time.Duration // HTTP request timeout
}

// Coordinator talks to the daemon that runs dataflows: REST for lifecycle
// and status, one websocket per node binding for payloads.
type Coordinator struct {
	baseURL      string
	apiKey       string
	http         *http.Client
	dialer       *websocket.Dialer
	codec        *OpusCodec
	dialInterval time.Duration
	logger       *zap.Logger
}

// NewCoordinator creates a coordinator client.
func NewCoordinator(cfg CoordinatorConfig, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DialInterval <= 0 {
		cfg.DialInterval = 250 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := &Coordinator{
		baseURL:      strings.TrimRight(cfg.URL, "/"),
		apiKey:       cfg.APIKey,
		http:         &http.Client{Timeout: cfg.Timeout},
		dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		dialInterval: cfg.DialInterval,
		logger:       logger.With(zap.String("component", "coordinator")),
	}
	if cfg.Opus {
		c.codec = &OpusCodec{Bitrate: cfg.OpusBitrate}
	}
	return c
}

type startRequest struct {
	Path string            `json:"path"`
	Env  map[string]string `json:"env,omitempty"`
}

type startResponse struct {
	ID    string   `json:"id"`
	Nodes []string `json:"nodes"`
	Error string   `json:"error"`
}

type statusResponse struct {
	Running bool `json:"running"`
}

// WaitForHealthy blocks until the coordinator answers its health check.
func (c *Coordinator) WaitForHealthy(ctx context.Context, interval time.Duration) error {
	c.logger.Info("waiting for coordinator", zap.String("url", c.baseURL))
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		resp, err := c.http.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				c.logger.Info("coordinator is healthy")
				return nil
			}
		}

		c.logger.Debug("coordinator not ready", zap.Error(err), zap.Duration("retry_in", interval))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Launch prepares a dataflow for path. Nothing is started until Start.
func (c *Coordinator) Launch(_ context.Context, path string, env map[string]string) (Dataflow, error) {
	if path == "" {
		return nil, fmt.Errorf("dataflow path is empty")
	}
	envCopy := make(map[string]string, len(env))
	for k, v := range env {
		envCopy[k] = v
	}
	return &remoteDataflow{
		c:       c,
		path:    path,
		env:     envCopy,
		bridges: make(map[string]*wsBridge),
		inbound: make(chan Message, 64),
	}, nil
}

func (c *Coordinator) do(ctx context.Context, method, path string, body, out any) error {
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e startResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, e.Error)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Coordinator) authorize(h http.Header) {
	if c.apiKey != "" {
		h.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Coordinator) nodeURL(id, node string) string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return fmt.Sprintf("%s/dataflows/%s/nodes/%s/ws", u, url.PathEscape(id), url.PathEscape(node))
}

// remoteDataflow is a dataflow running on the coordinator.
type remoteDataflow struct {
	c    *Coordinator
	path string
	env  map[string]string

	mu      sync.RWMutex
	id      string
	nodes   []string
	bridges map[string]*wsBridge
	cancel  context.CancelFunc
	started bool
	stopped bool

	inbound   chan Message
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func (d *remoteDataflow) Start(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return "", fmt.Errorf("dataflow %s already started", d.id)
	}

	var resp startResponse
	if err := d.c.do(ctx, http.MethodPost, "/dataflows", startRequest{Path: d.path, Env: d.env}, &resp); err != nil {
		return "", fmt.Errorf("start dataflow: %w", err)
	}
	d.id = resp.ID
	if d.id == "" {
		d.id = uuid.NewString()
	}
	d.nodes = resp.Nodes
	d.started = true

	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	for _, node := range d.nodes {
		b := &wsBridge{df: d, nodeID: node, state: Connecting}
		d.bridges[node] = b
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			b.run(runCtx)
		}()
	}

	d.c.logger.Info("dataflow started",
		zap.String("id", d.id),
		zap.String("path", d.path),
		zap.Strings("nodes", d.nodes))
	return d.id, nil
}

func (d *remoteDataflow) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started || d.stopped {
		d.mu.Unlock()
		d.closeInbound()
		return nil
	}
	d.stopped = true
	id := d.id
	cancel := d.cancel
	bridges := make([]*wsBridge, 0, len(d.bridges))
	for _, b := range d.bridges {
		bridges = append(bridges, b)
	}
	d.mu.Unlock()

	cancel()
	for _, b := range bridges {
		b.close()
	}
	err := d.c.do(ctx, http.MethodDelete, "/dataflows/"+url.PathEscape(id), nil, nil)
	d.wg.Wait()
	d.closeInbound()

	if err != nil {
		return fmt.Errorf("stop dataflow %s: %w", id, err)
	}
	d.c.logger.Info("dataflow stopped", zap.String("id", id))
	return nil
}

func (d *remoteDataflow) closeInbound() {
	d.closeOnce.Do(func() { close(d.inbound) })
}

func (d *remoteDataflow) Running(ctx context.Context) (bool, error) {
	d.mu.RLock()
	id, started, stopped := d.id, d.started, d.stopped
	d.mu.RUnlock()
	if !started || stopped {
		return false, nil
	}

	var st statusResponse
	if err := d.c.do(ctx, http.MethodGet, "/dataflows/"+url.PathEscape(id), nil, &st); err != nil {
		return false, err
	}
	return st.Running, nil
}

func (d *remoteDataflow) Bindings() []Binding {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Binding, 0, len(d.nodes))
	for _, node := range d.nodes {
		out = append(out, Binding{NodeID: node, State: d.bridges[node].State()})
	}
	return out
}

func (d *remoteDataflow) Bridge(nodeID string) (Bridge, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.bridges[nodeID]
	if !ok {
		return nil, false
	}
	return b, true
}

func (d *remoteDataflow) Inbound() <-chan Message { return d.inbound }

// wsBridge is one node's websocket binding. It dials until connected, then
// reads frames into the dataflow's inbound channel.
type wsBridge struct {
	df     *remoteDataflow
	nodeID string

	mu    sync.Mutex
	state BindingState
	conn  *websocket.Conn

	writeMu sync.Mutex
}

func (b *wsBridge) NodeID() string { return b.nodeID }

func (b *wsBridge) State() BindingState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *wsBridge) setState(s BindingState) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

func (b *wsBridge) Send(ctx context.Context, output string, p Payload) error {
	b.mu.Lock()
	conn, state := b.conn, b.state
	b.mu.Unlock()
	if state != Connected || conn == nil {
		return fmt.Errorf("%s: %w (%s)", b.nodeID, ErrNotConnected, state)
	}

	env, err := newEnvelope(b.df.c.codec, output, p)
	if err != nil {
		return err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("send %s/%s: %w", b.nodeID, output, err)
	}
	return nil
}

func (b *wsBridge) run(ctx context.Context) {
	logger := b.df.c.logger.With(zap.String("node", b.nodeID))
	header := http.Header{}
	b.df.c.authorize(header)
	target := b.df.c.nodeURL(b.df.id, b.nodeID)

	var conn *websocket.Conn
	for conn == nil {
		var err error
		conn, _, err = b.df.c.dialer.DialContext(ctx, target, header)
		if err == nil {
			break
		}
		logger.Debug("dial node", zap.Error(err))
		select {
		case <-ctx.Done():
			b.setState(Disconnected)
			return
		case <-time.After(b.df.c.dialInterval):
		}
	}

	b.mu.Lock()
	if ctx.Err() != nil {
		b.state = Disconnected
		b.mu.Unlock()
		conn.Close()
		return
	}
	b.conn = conn
	b.state = Connected
	b.mu.Unlock()
	logger.Info("binding connected")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.setState(Disconnected)
			} else {
				logger.Warn("binding read failed", zap.Error(err))
				b.setState(Error)
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warn("bad frame", zap.Error(err))
			continue
		}
		p, err := env.payload(b.df.c.codec)
		if err != nil {
			logger.Warn("bad payload", zap.Error(err))
			continue
		}
		select {
		case b.df.inbound <- Message{NodeID: b.nodeID, Output: env.Output, Payload: p}:
		case <-ctx.Done():
			b.setState(Disconnected)
			return
		}
	}
}

func (b *wsBridge) close() {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.state = Disconnected
	b.mu.Unlock()
	if conn == nil {
		return
	}

	b.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	b.writeMu.Unlock()
	conn.Close()
}
