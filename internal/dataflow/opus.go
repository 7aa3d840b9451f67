package dataflow

import (
	"errors"
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// Audio payloads are packetized in 20 ms frames. Peers may send packets of
// up to 120 ms.
const (
	opusFramesPerSecond = 50
	opusMaxPacketMillis = 120
)

var errOpusRate = errors.New("sample rate not supported by opus")

// OpusCodec compresses mono audio payloads for the wire.
type OpusCodec struct {
	Bitrate int // bits per second; 0 keeps the encoder default
}

// OpusSupported reports whether rate is one of opus's native rates.
func OpusSupported(rate int) bool {
	switch rate {
	case 8000, 12000, 16000, 24000, 48000:
		return true
	}
	return false
}

// Encode splits samples into 20 ms frames, zero-padding the last one, and
// returns one opus packet per frame.
func (c OpusCodec) Encode(samples []float32, rate int) ([][]byte, error) {
	if !OpusSupported(rate) {
		return nil, fmt.Errorf("%w: %d", errOpusRate, rate)
	}
	enc, err := opus.NewEncoder(rate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	if c.Bitrate > 0 {
		if err := enc.SetBitrate(c.Bitrate); err != nil {
			return nil, fmt.Errorf("opus bitrate: %w", err)
		}
	}

	frameSize := rate / opusFramesPerSecond
	frame := make([]float32, frameSize)
	buf := make([]byte, 4000)
	var packets [][]byte
	for off := 0; off < len(samples); off += frameSize {
		n := copy(frame, samples[off:])
		clear(frame[n:])
		size, err := enc.EncodeFloat32(frame, buf)
		if err != nil {
			return nil, fmt.Errorf("opus encode: %w", err)
		}
		packets = append(packets, append([]byte(nil), buf[:size]...))
	}
	return packets, nil
}

// Decode reverses Encode. A positive total trims the padded tail; zero keeps
// everything decoded.
func (c OpusCodec) Decode(packets [][]byte, rate, total int) ([]float32, error) {
	if !OpusSupported(rate) {
		return nil, fmt.Errorf("%w: %d", errOpusRate, rate)
	}
	dec, err := opus.NewDecoder(rate, 1)
	if err != nil {
		return nil, fmt.Errorf("opus decoder: %w", err)
	}

	pcm := make([]float32, rate*opusMaxPacketMillis/1000)
	out := make([]float32, 0, len(packets)*(rate/opusFramesPerSecond))
	for _, pkt := range packets {
		n, err := dec.DecodeFloat32(pkt, pcm)
		if err != nil {
			return nil, fmt.Errorf("opus decode: %w", err)
		}
		out = append(out, pcm[:n]...)
	}
	if total > 0 && total < len(out) {
		out = out[:total]
	}
	return out, nil
}
