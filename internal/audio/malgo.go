package audio

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

// MalgoDevice opens playback streams on the default output device through
// miniaudio. Zero SampleRate or Channels keeps the device's native value.
type MalgoDevice struct {
	SampleRate int
	Channels   int
	Logger     *zap.Logger
}

type malgoStream struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	format StreamFormat

	closeOnce sync.Once
}

// Open initializes the context and device. Device errors are returned here
// and never retried.
func (d MalgoDevice) Open(render RenderFunc) (Stream, error) {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "malgo"))

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		logger.Debug("miniaudio", zap.String("msg", msg))
	})
	if err != nil {
		return nil, fmt.Errorf("%w: init context: %v", ErrStreamBuild, err)
	}

	devices, err := mctx.Devices(malgo.Playback)
	if err != nil || len(devices) == 0 {
		freeContext(mctx)
		return nil, ErrNoDevice
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(out, _ []byte, frameCount uint32) {
			render(out, int(frameCount))
		},
	}

	device, format, err := d.initDevice(mctx, callbacks, malgo.FormatUnknown)
	if err == nil && format.Format == FormatUnknown {
		// native encoding is outside the supported set; ask miniaudio to convert
		device.Uninit()
		device, format, err = d.initDevice(mctx, callbacks, malgo.FormatF32)
	}
	if err != nil {
		freeContext(mctx)
		return nil, err
	}
	if format.Format == FormatUnknown {
		native := device.PlaybackFormat()
		device.Uninit()
		freeContext(mctx)
		return nil, fmt.Errorf("%w: device format %v", ErrUnsupportedFormat, native)
	}

	logger.Info("output stream opened",
		zap.String("device", defaultDeviceName(devices)),
		zap.Int("sample_rate", format.SampleRate),
		zap.Int("channels", format.Channels),
		zap.Stringer("format", format.Format))

	return &malgoStream{ctx: mctx, device: device, format: format}, nil
}

func (d MalgoDevice) initDevice(mctx *malgo.AllocatedContext, callbacks malgo.DeviceCallbacks, want malgo.FormatType) (*malgo.Device, StreamFormat, error) {
	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = want
	cfg.Playback.Channels = uint32(max(d.Channels, 0))
	cfg.SampleRate = uint32(max(d.SampleRate, 0))

	device, err := malgo.InitDevice(mctx.Context, cfg, callbacks)
	if err != nil {
		return nil, StreamFormat{}, fmt.Errorf("%w: %v", ErrStreamBuild, err)
	}
	return device, StreamFormat{
		SampleRate: int(device.SampleRate()),
		Channels:   int(device.PlaybackChannels()),
		Format:     fromMalgoFormat(device.PlaybackFormat()),
	}, nil
}

func fromMalgoFormat(f malgo.FormatType) SampleFormat {
	switch f {
	case malgo.FormatF32:
		return FormatF32
	case malgo.FormatS16:
		return FormatS16
	case malgo.FormatS32:
		return FormatS32
	case malgo.FormatU8:
		return FormatU8
	default:
		return FormatUnknown
	}
}

func defaultDeviceName(devices []malgo.DeviceInfo) string {
	for _, d := range devices {
		if d.IsDefault != 0 {
			return d.Name()
		}
	}
	return devices[0].Name()
}

func freeContext(mctx *malgo.AllocatedContext) {
	_ = mctx.Uninit()
	mctx.Free()
}

func (s *malgoStream) Format() StreamFormat { return s.format }

func (s *malgoStream) Start() error {
	if err := s.device.Start(); err != nil {
		return fmt.Errorf("%w: start: %v", ErrStreamBuild, err)
	}
	return nil
}

func (s *malgoStream) Close() error {
	s.closeOnce.Do(func() {
		_ = s.device.Stop()
		s.device.Uninit()
		freeContext(s.ctx)
	})
	return nil
}
