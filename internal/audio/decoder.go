package audio

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
)

// DecodeFile runs FFmpeg to decode an audio file to mono float32 samples at
// sampleRate, ready for Player.WriteAudio.
func DecodeFile(ctx context.Context, path string, sampleRate int) ([]float32, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-i", path,
		"-f", "f32le",
		"-acodec", "pcm_f32le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", "1",
		"-loglevel", "error",
		"pipe:1",
	)

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg decode %s: %w", path, err)
	}

	return BytesToFloat32(out), nil
}
