package audio

const (
	SourceRate     = 32000 // PrimeSpeech (GPT-SoVITS) output rate
	BufferSeconds  = 60    // ring capacity in seconds of source audio
	ResampleMargin = 1     // extra source samples read per callback for interpolation
	WaveformSize   = 512   // samples kept in the visualization snapshot
	WaveformFrames = 32    // waveform blocks buffered per broadcaster subscriber

	// AutoStartSeconds of buffered audio flips a stopped engine to Playing.
	AutoStartSeconds = 0.5

	// MaxPeriodSeconds is the largest device period rendered without
	// growing the scratch buffers.
	MaxPeriodSeconds = 0.5
)

// PlaybackState is the engine's transport state.
type PlaybackState int32

const (
	Stopped PlaybackState = iota
	Playing
	Paused
)

func (s PlaybackState) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

// SampleFormat is the device's negotiated sample encoding.
type SampleFormat int

const (
	FormatUnknown SampleFormat = iota
	FormatF32
	FormatS16
	FormatS32
	FormatU8
)

func (f SampleFormat) String() string {
	switch f {
	case FormatF32:
		return "f32"
	case FormatS16:
		return "s16"
	case FormatS32:
		return "s32"
	case FormatU8:
		return "u8"
	default:
		return "unknown"
	}
}

// BytesPerSample returns the width of one encoded sample, or 0 if unknown.
func (f SampleFormat) BytesPerSample() int {
	switch f {
	case FormatF32, FormatS32:
		return 4
	case FormatS16:
		return 2
	case FormatU8:
		return 1
	default:
		return 0
	}
}

// StreamFormat describes an opened output stream.
type StreamFormat struct {
	SampleRate int
	Channels   int
	Format     SampleFormat
}

// FrameBytes is the size of one interleaved frame across all channels.
func (f StreamFormat) FrameBytes() int {
	return f.Channels * f.Format.BytesPerSample()
}

// Snapshot is the polled view of engine state.
type Snapshot struct {
	State      PlaybackState
	IsPlaying  bool
	BufferFill float64 // available/capacity, in [0,1]
	Waveform   []float32
}
