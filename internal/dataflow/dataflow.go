// Package dataflow is the boundary to the external compute pipeline: a
// dataflow of nodes, each reachable through a named binding that carries
// typed payloads in both directions.
package dataflow

import (
	"context"
	"errors"
)

// Well-known node IDs and outputs in the speech dataflow.
const (
	NodePromptInputTTS = "mofa-prompt-input-tts"
	NodePromptInput    = "mofa-prompt-input"
	NodeAudioInput     = "mofa-audio-input"
	NodeAudioPlayer    = "mofa-audio-player"
	NodeASRListener    = "mofa-asr-listener"

	OutputPrompt       = "prompt"
	OutputAudio        = "audio"
	OutputBufferStatus = "buffer_status"
	OutputTranscript   = "transcription"
)

var (
	ErrNotConnected = errors.New("binding not connected")
	ErrUnknownNode  = errors.New("unknown node")
)

// BindingState is the connection state of one node binding.
type BindingState int

const (
	Disconnected BindingState = iota
	Connecting
	Connected
	Error
)

func (s BindingState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Binding is a point-in-time view of one node's connection.
type Binding struct {
	NodeID string
	State  BindingState
}

// Payload is one of Text, Audio or Status.
type Payload interface {
	Kind() string
}

// Text is a prompt or transcription string.
type Text struct {
	Value string
}

// Audio is a block of float samples.
type Audio struct {
	Samples    []float32
	SampleRate int
	Channels   int
	Language   string
}

// Status is buffer telemetry used for backpressure.
type Status struct {
	FillPercentage float64
}

func (Text) Kind() string   { return "text" }
func (Audio) Kind() string  { return "audio" }
func (Status) Kind() string { return "status" }

// Message is a payload received from a node.
type Message struct {
	NodeID  string
	Output  string
	Payload Payload
}

// Bridge sends payloads to one node.
type Bridge interface {
	NodeID() string
	State() BindingState
	Send(ctx context.Context, output string, p Payload) error
}

// Dataflow is one running instance of the external pipeline.
type Dataflow interface {
	// Start launches the dataflow and begins connecting its bindings.
	Start(ctx context.Context) (id string, err error)
	// Stop asks the pipeline to terminate and disconnects all bindings.
	Stop(ctx context.Context) error
	// Running queries the pipeline's own view of whether it is alive.
	Running(ctx context.Context) (bool, error)
	Bindings() []Binding
	Bridge(nodeID string) (Bridge, bool)
	// Inbound delivers node outputs. It is closed after Stop.
	Inbound() <-chan Message
}

// Launcher prepares a dataflow from a descriptor path and environment.
type Launcher interface {
	Launch(ctx context.Context, path string, env map[string]string) (Dataflow, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, path string, env map[string]string) (Dataflow, error)

func (f LauncherFunc) Launch(ctx context.Context, path string, env map[string]string) (Dataflow, error) {
	return f(ctx, path, env)
}
