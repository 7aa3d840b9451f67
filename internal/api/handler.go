// Package api serves the HTTP surface: playback and session status, session
// and playback control, prometheus metrics and a live waveform websocket.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/satindergrewal/voicebridge/internal/audio"
	"github.com/satindergrewal/voicebridge/internal/control"
)

// Player is the playback side the API reports on and controls.
type Player interface {
	Snapshot() audio.Snapshot
	Format() audio.StreamFormat
	Pause() error
	Resume() error
	Stop() error
	Subscribe() *audio.Subscriber
	Unsubscribe(*audio.Subscriber)
}

// Control is the pipeline side.
type Control interface {
	StartSession(path string, env map[string]string) bool
	StopSession() bool
	SendText(text string) bool
	IsRunning() bool
	Session() (control.Session, bool)
}

// Handler routes API requests.
type Handler struct {
	player       Player
	control      Control
	dataflowPath string
	logger       *zap.Logger
	upgrader     websocket.Upgrader
	mux          *http.ServeMux
}

// NewHandler builds the router. dataflowPath is used when a session start
// request names no path. gatherer may be nil to omit /metrics.
func NewHandler(p Player, c Control, gatherer prometheus.Gatherer, dataflowPath string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		player:       p,
		control:      c,
		dataflowPath: dataflowPath,
		logger:       logger.With(zap.String("component", "api")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		mux: http.NewServeMux(),
	}

	h.mux.HandleFunc("GET /api/status", h.status)
	h.mux.HandleFunc("POST /api/session", h.startSession)
	h.mux.HandleFunc("DELETE /api/session", h.stopSession)
	h.mux.HandleFunc("POST /api/speak", h.speak)
	h.mux.HandleFunc("POST /api/playback/{action}", h.playback)
	h.mux.HandleFunc("GET /ws/waveform", h.waveform)
	if gatherer != nil {
		h.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	snap := h.player.Snapshot()
	f := h.player.Format()

	session := map[string]any{"running": h.control.IsRunning()}
	if s, ok := h.control.Session(); ok {
		bindings := make([]string, 0, len(s.ActiveBindings))
		for id := range s.ActiveBindings {
			bindings = append(bindings, id)
		}
		sort.Strings(bindings)
		session["id"] = s.ID
		session["uptime"] = time.Since(s.StartTime).Seconds()
		session["active_bindings"] = bindings
	} else if s.LastError != "" {
		session["last_error"] = s.LastError
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"playback": map[string]any{
			"state":       snap.State.String(),
			"is_playing":  snap.IsPlaying,
			"buffer_fill": snap.BufferFill,
		},
		"device": map[string]any{
			"sample_rate": f.SampleRate,
			"channels":    f.Channels,
			"format":      f.Format.String(),
		},
		"session": session,
	})
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string            `json:"path"`
		Env  map[string]string `json:"env"`
	}
	// An empty body, chunked or not, starts the configured dataflow.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Path == "" {
		req.Path = h.dataflowPath
	}
	if req.Path == "" {
		http.Error(w, "path required", http.StatusBadRequest)
		return
	}
	if !h.control.StartSession(req.Path, req.Env) {
		http.Error(w, "control queue full", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "path": req.Path})
}

func (h *Handler) stopSession(w http.ResponseWriter, r *http.Request) {
	if !h.control.StopSession() {
		http.Error(w, "control queue full", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (h *Handler) speak(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		http.Error(w, "invalid text", http.StatusBadRequest)
		return
	}
	if !h.control.SendText(req.Text) {
		http.Error(w, "control queue full", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (h *Handler) playback(w http.ResponseWriter, r *http.Request) {
	var err error
	action := r.PathValue("action")
	switch action {
	case "pause":
		err = h.player.Pause()
	case "resume":
		err = h.player.Resume()
	case "stop":
		err = h.player.Stop()
	default:
		http.Error(w, "unknown action", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "action": action})
}

// waveform streams mono output blocks as binary little-endian float32
// frames until the client goes away.
func (h *Handler) waveform(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("waveform upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := h.player.Subscribe()
	defer h.player.Unsubscribe(sub)
	h.logger.Debug("waveform listener connected")

	// Reader detects the client closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-sub.Done():
			return
		case <-r.Context().Done():
			return
		case block := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.BinaryMessage, audio.Float32ToBytes(block)); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
