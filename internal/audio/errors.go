package audio

import "errors"

var (
	ErrNoDevice          = errors.New("no audio output device found")
	ErrUnsupportedFormat = errors.New("unsupported stream format")
	ErrStreamBuild       = errors.New("build output stream")
	ErrClosed            = errors.New("player closed")
)
