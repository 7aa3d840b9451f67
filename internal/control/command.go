// Package control supervises one external dataflow at a time: it starts and
// stops sessions, relays text, audio and buffer status into the pipeline with
// bounded retries, watches the pipeline's health and reports what happened as
// polled events.
package control

import (
	"errors"
	"time"
)

// ErrRetryExhausted is wrapped by send failures that used every attempt.
var ErrRetryExhausted = errors.New("retry exhausted")

// Command is a request to the worker. It is one of StartSession,
// StopSession, SendText, SendAudio or UpdateBufferStatus.
type Command interface {
	command()
}

// StartSession launches the dataflow at Path, stopping any active session
// first.
type StartSession struct {
	Path string
	Env  map[string]string
}

// StopSession tears down the active session.
type StopSession struct{}

// SendText delivers a prompt to the TTS input node.
type SendText struct {
	Payload string
}

// SendAudio delivers recorded speech to the ASR input node.
type SendAudio struct {
	Samples    []float32
	SampleRate int
	Language   string
}

// UpdateBufferStatus reports the playback buffer fill ratio in [0,1].
type UpdateBufferStatus struct {
	FillPercentage float64
}

func (StartSession) command()       {}
func (StopSession) command()        {}
func (SendText) command()           {}
func (SendAudio) command()          {}
func (UpdateBufferStatus) command() {}

// Event is something the worker reports. It is one of SessionStarted,
// SessionStopped, Error, TranscriptionReady or AudioReady.
type Event interface {
	event()
}

type SessionStarted struct {
	ID string
}

type SessionStopped struct{}

// Error is a non-fatal failure. The worker stays usable.
type Error struct {
	Message string
}

type TranscriptionReady struct {
	Text     string
	Language string
}

// AudioReady carries synthesized speech from the pipeline.
type AudioReady struct {
	Samples    []float32
	SampleRate int
}

func (SessionStarted) event()     {}
func (SessionStopped) event()     {}
func (Error) event()              {}
func (TranscriptionReady) event() {}
func (AudioReady) event()         {}

// Session describes the active dataflow.
type Session struct {
	ID             string
	StartTime      time.Time
	ActiveBindings map[string]struct{}
	LastError      string
}

func (s Session) clone() Session {
	c := s
	c.ActiveBindings = make(map[string]struct{}, len(s.ActiveBindings))
	for k := range s.ActiveBindings {
		c.ActiveBindings[k] = struct{}{}
	}
	return c
}
