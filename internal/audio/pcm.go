package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// pcmWriter encodes interleaved float samples into a device buffer.
type pcmWriter func(dst []byte, src []float32)

// pcmSample is the closed set of device sample types.
type pcmSample interface {
	~float32 | ~int16 | ~int32 | ~uint8
}

// sampleCodec converts floats to one concrete device sample type.
type sampleCodec[T pcmSample] struct {
	width int
	conv  func(float32) T
	put   func([]byte, T)
}

func (c sampleCodec[T]) write(dst []byte, src []float32) {
	for i, v := range src {
		off := i * c.width
		if off+c.width > len(dst) {
			return
		}
		c.put(dst[off:], c.conv(v))
	}
}

// newPCMWriter picks the encoder for a negotiated format. Called once per
// stream, never from the callback.
func newPCMWriter(f SampleFormat) (pcmWriter, error) {
	switch f {
	case FormatF32:
		return sampleCodec[float32]{width: 4, conv: identity, put: putF32}.write, nil
	case FormatS16:
		return sampleCodec[int16]{width: 2, conv: toS16, put: putS16}.write, nil
	case FormatS32:
		return sampleCodec[int32]{width: 4, conv: toS32, put: putS32}.write, nil
	case FormatU8:
		return sampleCodec[uint8]{width: 1, conv: toU8, put: putU8}.write, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, f)
	}
}

func clamp(v float32) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

func identity(v float32) float32 { return v }

func toS16(v float32) int16 { return int16(clamp(v) * math.MaxInt16) }

func toS32(v float32) int32 { return int32(float64(clamp(v)) * math.MaxInt32) }

func toU8(v float32) uint8 { return uint8(clamp(v)*127 + 128) }

func putF32(b []byte, v float32) { binary.LittleEndian.PutUint32(b, math.Float32bits(v)) }

func putS16(b []byte, v int16) { binary.LittleEndian.PutUint16(b, uint16(v)) }

func putS32(b []byte, v int32) { binary.LittleEndian.PutUint32(b, uint32(v)) }

func putU8(b []byte, v uint8) { b[0] = v }

// Float32ToBytes encodes samples as little-endian float32.
func Float32ToBytes(samples []float32) []byte {
	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		putF32(buf[i*4:], s)
	}
	return buf
}

// BytesToFloat32 decodes little-endian float32 samples. A trailing partial
// sample is ignored.
func BytesToFloat32(buf []byte) []float32 {
	samples := make([]float32, len(buf)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4 : i*4+4]))
	}
	return samples
}
