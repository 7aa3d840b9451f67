package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	// Clear any env vars that might interfere
	envVars := []string{
		"VB_SOURCE_RATE", "VB_BUFFER_SECONDS", "VB_DEVICE_RATE",
		"VB_DEVICE_CHANNELS", "VB_PRIME_FILE", "VB_COORDINATOR_URL",
		"VB_COORDINATOR_API_KEY", "VB_DATAFLOW_PATH", "VB_OPUS",
		"VB_OPUS_BITRATE", "VB_BACKPRESSURE_INTERVAL", "VB_HEALTH_INTERVAL",
		"VB_STARTUP_GRACE", "VB_SEND_ATTEMPTS", "VB_SEND_DELAY",
		"VB_HTTP_PORT", "LOG_LEVEL", "LOG_FORMAT",
	}
	for _, k := range envVars {
		os.Unsetenv(k)
	}

	cfg := Load()

	if cfg.SourceRate != 32000 {
		t.Errorf("SourceRate = %d, want 32000", cfg.SourceRate)
	}
	if cfg.BufferSeconds != 60 {
		t.Errorf("BufferSeconds = %f, want 60", cfg.BufferSeconds)
	}
	if cfg.DeviceRate != 0 || cfg.DeviceChannels != 0 {
		t.Errorf("device = %d Hz/%d ch, want native (0/0)", cfg.DeviceRate, cfg.DeviceChannels)
	}
	if cfg.CoordinatorURL != "http://localhost:6012" {
		t.Errorf("CoordinatorURL = %q, want default", cfg.CoordinatorURL)
	}
	if cfg.CoordinatorAPIKey != "" {
		t.Errorf("CoordinatorAPIKey = %q, want empty default", cfg.CoordinatorAPIKey)
	}
	if cfg.DataflowPath != "" {
		t.Errorf("DataflowPath = %q, want empty default", cfg.DataflowPath)
	}
	if !cfg.Opus {
		t.Error("Opus should default to true")
	}
	if cfg.BackpressureInterval != 50*time.Millisecond {
		t.Errorf("BackpressureInterval = %v, want 50ms", cfg.BackpressureInterval)
	}
	if cfg.HealthInterval != 2*time.Second {
		t.Errorf("HealthInterval = %v, want 2s", cfg.HealthInterval)
	}
	if cfg.StartupGrace != 10*time.Second {
		t.Errorf("StartupGrace = %v, want 10s", cfg.StartupGrace)
	}
	if cfg.SendAttempts != 20 {
		t.Errorf("SendAttempts = %d, want 20", cfg.SendAttempts)
	}
	if cfg.SendDelay != 150*time.Millisecond {
		t.Errorf("SendDelay = %v, want 150ms", cfg.SendDelay)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "console" {
		t.Errorf("log = %s/%s, want info/console", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("VB_SOURCE_RATE", "24000")
	t.Setenv("VB_BUFFER_SECONDS", "12.5")
	t.Setenv("VB_DEVICE_RATE", "44100")
	t.Setenv("VB_DEVICE_CHANNELS", "2")
	t.Setenv("VB_PRIME_FILE", "/tmp/hello.wav")
	t.Setenv("VB_COORDINATOR_URL", "http://dora:9000")
	t.Setenv("VB_COORDINATOR_API_KEY", "test-key-123")
	t.Setenv("VB_DATAFLOW_PATH", "/flows/tts.yml")
	t.Setenv("VB_OPUS", "false")
	t.Setenv("VB_OPUS_BITRATE", "64000")
	t.Setenv("VB_BACKPRESSURE_INTERVAL", "100ms")
	t.Setenv("VB_HEALTH_INTERVAL", "5s")
	t.Setenv("VB_STARTUP_GRACE", "1m")
	t.Setenv("VB_SEND_ATTEMPTS", "3")
	t.Setenv("VB_SEND_DELAY", "1s")
	t.Setenv("VB_HTTP_PORT", "3000")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "json")

	cfg := Load()

	if cfg.SourceRate != 24000 {
		t.Errorf("SourceRate = %d, want 24000", cfg.SourceRate)
	}
	if cfg.BufferSeconds != 12.5 {
		t.Errorf("BufferSeconds = %f, want 12.5", cfg.BufferSeconds)
	}
	if cfg.DeviceRate != 44100 || cfg.DeviceChannels != 2 {
		t.Errorf("device = %d Hz/%d ch, want 44100/2", cfg.DeviceRate, cfg.DeviceChannels)
	}
	if cfg.PrimeFile != "/tmp/hello.wav" {
		t.Errorf("PrimeFile = %q, want env override", cfg.PrimeFile)
	}
	if cfg.CoordinatorURL != "http://dora:9000" {
		t.Errorf("CoordinatorURL = %q, want env override", cfg.CoordinatorURL)
	}
	if cfg.CoordinatorAPIKey != "test-key-123" {
		t.Errorf("CoordinatorAPIKey = %q, want env override", cfg.CoordinatorAPIKey)
	}
	if cfg.DataflowPath != "/flows/tts.yml" {
		t.Errorf("DataflowPath = %q, want env override", cfg.DataflowPath)
	}
	if cfg.Opus {
		t.Error("Opus = true, want false")
	}
	if cfg.OpusBitrate != 64000 {
		t.Errorf("OpusBitrate = %d, want 64000", cfg.OpusBitrate)
	}
	if cfg.BackpressureInterval != 100*time.Millisecond {
		t.Errorf("BackpressureInterval = %v, want 100ms", cfg.BackpressureInterval)
	}
	if cfg.HealthInterval != 5*time.Second {
		t.Errorf("HealthInterval = %v, want 5s", cfg.HealthInterval)
	}
	if cfg.StartupGrace != time.Minute {
		t.Errorf("StartupGrace = %v, want 1m", cfg.StartupGrace)
	}
	if cfg.SendAttempts != 3 {
		t.Errorf("SendAttempts = %d, want 3", cfg.SendAttempts)
	}
	if cfg.SendDelay != time.Second {
		t.Errorf("SendDelay = %v, want 1s", cfg.SendDelay)
	}
	if cfg.Port != 3000 {
		t.Errorf("Port = %d, want 3000", cfg.Port)
	}
	if cfg.LogLevel != "debug" || cfg.LogFormat != "json" {
		t.Errorf("log = %s/%s, want debug/json", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestEnvIntInvalidFallsBack(t *testing.T) {
	t.Setenv("VB_HTTP_PORT", "not-a-number")
	cfg := Load()
	if cfg.Port != 8080 {
		t.Errorf("Invalid int env should fallback to default: got %d, want 8080", cfg.Port)
	}
}

func TestEnvDurationInvalidFallsBack(t *testing.T) {
	// Bare numbers carry no unit and are rejected
	t.Setenv("VB_SEND_DELAY", "150")
	cfg := Load()
	if cfg.SendDelay != 150*time.Millisecond {
		t.Errorf("SendDelay = %v, want fallback 150ms", cfg.SendDelay)
	}
}

func TestEnvBoolInvalidFallsBack(t *testing.T) {
	t.Setenv("VB_OPUS", "maybe")
	cfg := Load()
	if !cfg.Opus {
		t.Error("invalid bool should fall back to true")
	}
}

func TestEnvStrEmpty(t *testing.T) {
	// Empty string should use fallback
	os.Unsetenv("VB_COORDINATOR_URL")
	cfg := Load()
	if cfg.CoordinatorURL != "http://localhost:6012" {
		t.Errorf("Unset env should use fallback: got %q", cfg.CoordinatorURL)
	}
}
