package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/satindergrewal/voicebridge/internal/audio"
	"github.com/satindergrewal/voicebridge/internal/control"
)

// eventSource is the polled side of the control worker.
type eventSource interface {
	PollEvents() []control.Event
}

// sink is where synthesized speech goes.
type sink interface {
	WriteAudio(samples []float32) error
	CheckAndClearFinished() bool
}

const pollInterval = 20 * time.Millisecond

// pumpEvents drains worker events until ctx is done: synthesized audio is
// resampled to the player's source rate and queued, everything else is
// logged.
func pumpEvents(ctx context.Context, events eventSource, player sink, sourceRate int, logger *zap.Logger) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		for _, ev := range events.PollEvents() {
			handleEvent(ev, player, sourceRate, logger)
		}
		if player.CheckAndClearFinished() {
			logger.Info("playback finished")
		}
	}
}

func handleEvent(ev control.Event, player sink, sourceRate int, logger *zap.Logger) {
	switch ev := ev.(type) {
	case control.SessionStarted:
		logger.Info("session started", zap.String("id", ev.ID))
	case control.SessionStopped:
		logger.Info("session stopped")
	case control.Error:
		logger.Warn("pipeline error", zap.String("message", ev.Message))
	case control.TranscriptionReady:
		logger.Info("transcription", zap.String("text", ev.Text), zap.String("language", ev.Language))
	case control.AudioReady:
		samples := ev.Samples
		if ev.SampleRate > 0 && ev.SampleRate != sourceRate {
			samples = audio.Resample(samples, ev.SampleRate, sourceRate)
		}
		if err := player.WriteAudio(samples); err != nil {
			logger.Warn("dropping synthesized audio", zap.Error(err))
		}
	}
}
