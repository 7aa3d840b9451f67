package audio

// RenderFunc fills out with frames interleaved frames in the stream's format.
// It runs on the device's real-time thread and must not block.
type RenderFunc func(out []byte, frames int)

// Device opens output streams. Open negotiates the stream format; the render
// callback must not be invoked before Start.
type Device interface {
	Open(render RenderFunc) (Stream, error)
}

// Stream is an opened output stream owned by a single Player.
type Stream interface {
	Format() StreamFormat
	Start() error
	Close() error
}
