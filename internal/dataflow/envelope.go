package dataflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/satindergrewal/voicebridge/internal/audio"
)

// Audio sample encodings on the wire.
const (
	EncodingF32LE = "f32le"
	EncodingOpus  = "opus"
)

// envelope is the JSON frame exchanged on a node websocket.
type envelope struct {
	ID         string   `json:"id,omitempty"`
	Output     string   `json:"output"`
	Kind       string   `json:"kind"`
	Text       string   `json:"text,omitempty"`
	Encoding   string   `json:"encoding,omitempty"`
	Data       []byte   `json:"data,omitempty"`
	Packets    [][]byte `json:"packets,omitempty"`
	Samples    int      `json:"samples,omitempty"`
	SampleRate int      `json:"sample_rate,omitempty"`
	Channels   int      `json:"channels,omitempty"`
	Language   string   `json:"language,omitempty"`
	Fill       *float64 `json:"fill,omitempty"`
}

// newEnvelope frames p for output. Mono audio at an opus rate is compressed
// when codec is non-nil; everything else travels as raw float32.
func newEnvelope(codec *OpusCodec, output string, p Payload) (envelope, error) {
	env := envelope{ID: uuid.NewString(), Output: output, Kind: p.Kind()}
	switch v := p.(type) {
	case Text:
		env.Text = v.Value
	case Status:
		fill := v.FillPercentage
		env.Fill = &fill
	case Audio:
		channels := v.Channels
		if channels == 0 {
			channels = 1
		}
		env.SampleRate = v.SampleRate
		env.Channels = channels
		env.Language = v.Language
		env.Samples = len(v.Samples)
		if codec != nil && channels == 1 && OpusSupported(v.SampleRate) {
			packets, err := codec.Encode(v.Samples, v.SampleRate)
			if err != nil {
				return envelope{}, err
			}
			env.Encoding = EncodingOpus
			env.Packets = packets
		} else {
			env.Encoding = EncodingF32LE
			env.Data = audio.Float32ToBytes(v.Samples)
		}
	default:
		return envelope{}, fmt.Errorf("unsupported payload %T", p)
	}
	return env, nil
}

func (e envelope) payload(codec *OpusCodec) (Payload, error) {
	switch e.Kind {
	case "text":
		return Text{Value: e.Text}, nil
	case "status":
		if e.Fill == nil {
			return nil, fmt.Errorf("status frame without fill")
		}
		return Status{FillPercentage: *e.Fill}, nil
	case "audio":
		a := Audio{SampleRate: e.SampleRate, Channels: e.Channels, Language: e.Language}
		switch e.Encoding {
		case EncodingOpus:
			if codec == nil {
				codec = &OpusCodec{}
			}
			samples, err := codec.Decode(e.Packets, e.SampleRate, e.Samples)
			if err != nil {
				return nil, err
			}
			a.Samples = samples
		case EncodingF32LE, "":
			a.Samples = audio.BytesToFloat32(e.Data)
		default:
			return nil, fmt.Errorf("unknown audio encoding %q", e.Encoding)
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown frame kind %q", e.Kind)
	}
}

// ParseTranscription extracts text and language from an ASR output, which is
// either a JSON object {"text", "language"} or plain text.
func ParseTranscription(raw string) (text, language string) {
	var v struct {
		Text     string `json:"text"`
		Language string `json:"language"`
	}
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") && json.Unmarshal([]byte(trimmed), &v) == nil {
		if v.Language == "" {
			v.Language = "auto"
		}
		return v.Text, v.Language
	}
	return raw, "auto"
}
