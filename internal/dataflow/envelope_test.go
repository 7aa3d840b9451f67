package dataflow

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/hraban/opus.v2"
)

func TestEnvelopeText(t *testing.T) {
	env, err := newEnvelope(nil, OutputPrompt, Text{Value: "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, env.ID)
	assert.Equal(t, "text", env.Kind)

	p, err := roundTrip(t, env).payload(nil)
	require.NoError(t, err)
	assert.Equal(t, Text{Value: "hello"}, p)
}

func TestEnvelopeStatus(t *testing.T) {
	env, err := newEnvelope(nil, OutputBufferStatus, Status{FillPercentage: 0})
	require.NoError(t, err)

	// Zero fill must survive omitempty.
	p, err := roundTrip(t, env).payload(nil)
	require.NoError(t, err)
	assert.Equal(t, Status{FillPercentage: 0}, p)
}

func TestEnvelopeAudioRaw(t *testing.T) {
	in := Audio{Samples: []float32{0.5, -0.25, 1}, SampleRate: 32000, Channels: 1, Language: "en"}
	codec := &OpusCodec{}

	// 32 kHz is not an opus rate, so the raw encoding is used even with a codec.
	env, err := newEnvelope(codec, OutputAudio, in)
	require.NoError(t, err)
	assert.Equal(t, EncodingF32LE, env.Encoding)

	p, err := roundTrip(t, env).payload(codec)
	require.NoError(t, err)
	assert.Equal(t, in, p)
}

func TestEnvelopeAudioDefaultsMono(t *testing.T) {
	env, err := newEnvelope(nil, OutputAudio, Audio{Samples: []float32{0.1}, SampleRate: 16000})
	require.NoError(t, err)
	assert.Equal(t, 1, env.Channels)
}

func TestEnvelopeAudioOpus(t *testing.T) {
	const rate = 16000
	samples := make([]float32, rate/2+37) // not a whole number of frames
	for i := range samples {
		samples[i] = 0.4 * float32(math.Sin(2*math.Pi*440*float64(i)/rate))
	}
	codec := &OpusCodec{Bitrate: 32000}

	env, err := newEnvelope(codec, OutputAudio, Audio{Samples: samples, SampleRate: rate, Channels: 1})
	require.NoError(t, err)
	assert.Equal(t, EncodingOpus, env.Encoding)
	assert.Len(t, env.Packets, 26)

	p, err := roundTrip(t, env).payload(codec)
	require.NoError(t, err)
	a, ok := p.(Audio)
	require.True(t, ok)
	assert.Len(t, a.Samples, len(samples))
	assert.Equal(t, rate, a.SampleRate)
}

func TestEnvelopeAudioOpusWithoutSampleCount(t *testing.T) {
	const rate = 24000
	packets, err := OpusCodec{}.Encode(tone(rate, rate/25), rate) // two 20 ms frames
	require.NoError(t, err)
	require.Len(t, packets, 2)

	// Peers may leave out the sample count; everything decoded is kept.
	raw := `{"output":"audio","kind":"audio","encoding":"opus","sample_rate":24000}`
	var env envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))
	env.Packets = packets

	p, err := env.payload(nil)
	require.NoError(t, err)
	a := p.(Audio)
	assert.Len(t, a.Samples, rate/25)
	assert.Equal(t, rate, a.SampleRate)
}

func TestOpusDecodesLongPackets(t *testing.T) {
	const rate = 48000
	frame := rate * 60 / 1000
	enc, err := opus.NewEncoder(rate, 1, opus.AppVoIP)
	require.NoError(t, err)

	buf := make([]byte, 4000)
	var packets [][]byte
	for i := 0; i < 2; i++ {
		n, err := enc.EncodeFloat32(tone(rate, frame), buf)
		require.NoError(t, err)
		packets = append(packets, append([]byte(nil), buf[:n]...))
	}

	out, err := OpusCodec{}.Decode(packets, rate, 0)
	require.NoError(t, err)
	assert.Len(t, out, 2*frame)

	out, err = OpusCodec{}.Decode(packets, rate, frame+10)
	require.NoError(t, err)
	assert.Len(t, out, frame+10)
}

func tone(rate, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 0.3 * float32(math.Sin(2*math.Pi*220*float64(i)/float64(rate)))
	}
	return out
}

func TestEnvelopeUnknownKind(t *testing.T) {
	_, err := envelope{Kind: "video"}.payload(nil)
	assert.Error(t, err)

	_, err = envelope{Kind: "audio", Encoding: "mp3"}.payload(nil)
	assert.Error(t, err)

	_, err = envelope{Kind: "status"}.payload(nil)
	assert.Error(t, err)
}

func TestOpusRejectsRate(t *testing.T) {
	_, err := OpusCodec{}.Encode([]float32{0}, 44100)
	assert.ErrorIs(t, err, errOpusRate)
	_, err = OpusCodec{}.Decode(nil, 32000, 0)
	assert.ErrorIs(t, err, errOpusRate)
}

func TestParseTranscription(t *testing.T) {
	tests := []struct {
		raw      string
		text     string
		language string
	}{
		{`{"text":"bonjour","language":"fr"}`, "bonjour", "fr"},
		{`{"text":"hi"}`, "hi", "auto"},
		{"plain words", "plain words", "auto"},
		{"{not json", "{not json", "auto"},
		{"", "", "auto"},
	}
	for _, tt := range tests {
		text, lang := ParseTranscription(tt.raw)
		assert.Equal(t, tt.text, text, tt.raw)
		assert.Equal(t, tt.language, lang, tt.raw)
	}
}

func roundTrip(t *testing.T, env envelope) envelope {
	t.Helper()
	b, err := json.Marshal(env)
	require.NoError(t, err)
	var out envelope
	require.NoError(t, json.Unmarshal(b, &out))
	return out
}
