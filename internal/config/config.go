package config

import (
	"os"
	"strconv"
	"time"
)

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// Config holds all runtime configuration, loaded from environment variables.
type Config struct {
	// Playback
	SourceRate     int     // Hz of audio written to the player
	BufferSeconds  float64 // ring buffer length
	DeviceRate     int     // requested device rate, 0 for the device's native rate
	DeviceChannels int     // requested channel count, 0 for native
	PrimeFile      string  // optional audio file played at startup

	// Coordinator connection
	CoordinatorURL    string
	CoordinatorAPIKey string
	DataflowPath      string // dataflow descriptor started at boot, empty to wait for a command
	Opus              bool   // opus-compress audio payloads
	OpusBitrate       int

	// Control loop
	BackpressureInterval time.Duration
	HealthInterval       time.Duration
	StartupGrace         time.Duration
	SendAttempts         int
	SendDelay            time.Duration

	// Server
	Port int

	// Logging
	LogLevel  string // debug, info, warn, error
	LogFormat string // console or json
}

// Load reads configuration from environment variables with sane defaults.
func Load() Config {
	return Config{
		SourceRate:     envInt("VB_SOURCE_RATE", 32000),
		BufferSeconds:  envFloat("VB_BUFFER_SECONDS", 60),
		DeviceRate:     envInt("VB_DEVICE_RATE", 0),
		DeviceChannels: envInt("VB_DEVICE_CHANNELS", 0),
		PrimeFile:      envStr("VB_PRIME_FILE", ""),

		CoordinatorURL:    envStr("VB_COORDINATOR_URL", "http://localhost:6012"),
		CoordinatorAPIKey: envStr("VB_COORDINATOR_API_KEY", ""),
		DataflowPath:      envStr("VB_DATAFLOW_PATH", ""),
		Opus:              envBool("VB_OPUS", true),
		OpusBitrate:       envInt("VB_OPUS_BITRATE", 32000),

		BackpressureInterval: envDuration("VB_BACKPRESSURE_INTERVAL", 50*time.Millisecond),
		HealthInterval:       envDuration("VB_HEALTH_INTERVAL", 2*time.Second),
		StartupGrace:         envDuration("VB_STARTUP_GRACE", 10*time.Second),
		SendAttempts:         envInt("VB_SEND_ATTEMPTS", 20),
		SendDelay:            envDuration("VB_SEND_DELAY", 150*time.Millisecond),

		Port: envInt("VB_HTTP_PORT", 8080),

		LogLevel:  envStr("LOG_LEVEL", "info"),
		LogFormat: envStr("LOG_FORMAT", "console"),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envDuration accepts Go duration strings ("250ms", "2s").
func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
