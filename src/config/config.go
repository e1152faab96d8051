// Package config loads client settings from the environment, with defaults
// that match a local backend on port 8000.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/square-key-labs/callgo-ai/src/audio/vad"
)

// Config holds everything the voice client needs to place a call.
type Config struct {
	// ServerURL is the HTTP origin of the backend, e.g. "http://localhost:8000".
	ServerURL string
	// Token is the Bearer token used for both the initiate endpoint and the
	// WebSocket auth handshake.
	Token string

	// SampleRate is the microphone capture rate in Hz.
	SampleRate int
	// BlockSize is the number of samples per captured frame.
	BlockSize int

	// VAD holds the end-of-utterance detection thresholds.
	VAD vad.Params
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		ServerURL:  "http://localhost:8000",
		SampleRate: 16000,
		BlockSize:  4096,
		VAD:        vad.DefaultParams(),
	}
}

// FromEnv builds a Config from environment variables, falling back to
// defaults for anything unset:
//
//	VOICE_SERVER_URL        backend origin
//	VOICE_TOKEN             Bearer token (required)
//	VOICE_SAMPLE_RATE       capture rate in Hz
//	VOICE_BLOCK_SIZE        samples per frame
//	VOICE_SPEECH_THRESHOLD  RMS level that counts as speech
//	VOICE_SILENCE_THRESHOLD RMS level that counts as silence
//	VOICE_SILENCE_MS        silence duration before end-of-speech fires
func FromEnv() (Config, error) {
	cfg := Default()

	if v := os.Getenv("VOICE_SERVER_URL"); v != "" {
		cfg.ServerURL = strings.TrimRight(v, "/")
	}
	cfg.Token = os.Getenv("VOICE_TOKEN")
	if cfg.Token == "" {
		return cfg, fmt.Errorf("VOICE_TOKEN environment variable is required")
	}

	var err error
	if cfg.SampleRate, err = envInt("VOICE_SAMPLE_RATE", cfg.SampleRate); err != nil {
		return cfg, err
	}
	if cfg.BlockSize, err = envInt("VOICE_BLOCK_SIZE", cfg.BlockSize); err != nil {
		return cfg, err
	}
	if cfg.VAD.SpeechThreshold, err = envFloat("VOICE_SPEECH_THRESHOLD", cfg.VAD.SpeechThreshold); err != nil {
		return cfg, err
	}
	if cfg.VAD.SilenceThreshold, err = envFloat("VOICE_SILENCE_THRESHOLD", cfg.VAD.SilenceThreshold); err != nil {
		return cfg, err
	}

	silenceMs, err := envInt("VOICE_SILENCE_MS", int(cfg.VAD.SilenceDuration/time.Millisecond))
	if err != nil {
		return cfg, err
	}
	cfg.VAD.SilenceDuration = time.Duration(silenceMs) * time.Millisecond

	return cfg, nil
}

// WebSocketURL derives the session socket endpoint from the server origin.
func (c Config) WebSocketURL() string {
	url := c.ServerURL
	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url + "/ws/voice"
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}
