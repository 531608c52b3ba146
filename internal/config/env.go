// Package config provides configuration helpers for mitra-voice commands.
package config

import (
	"fmt"
	"os"
	"strings"
)

// Defaults for the wellness backend.
const (
	DefaultBackendURL = "https://api.mitra.app"
	DefaultVoice      = "Puck"
	DefaultLanguage   = "en"
)

// BackendURL returns the backend base URL from MITRA_BACKEND_URL.
// Falls back to the production default if not set.
func BackendURL() string {
	if url := os.Getenv("MITRA_BACKEND_URL"); url != "" {
		return strings.TrimRight(url, "/")
	}
	return DefaultBackendURL
}

// AuthToken returns the bearer token from MITRA_AUTH_TOKEN.
// Exits with a usage hint if not set.
func AuthToken() string {
	token := os.Getenv("MITRA_AUTH_TOKEN")
	if token == "" {
		fmt.Fprintln(os.Stderr, "Error: MITRA_AUTH_TOKEN environment variable is required")
		fmt.Fprintln(os.Stderr, "Usage: MITRA_AUTH_TOKEN=<firebase-id-token> go run ./cmd/mitra-voice")
		os.Exit(1)
	}
	return token
}

// Voice returns the synthetic voice from MITRA_VOICE or the default.
func Voice() string {
	if v := os.Getenv("MITRA_VOICE"); v != "" {
		return v
	}
	return DefaultVoice
}

// Language returns the language tag from MITRA_LANGUAGE or the default.
func Language() string {
	if l := os.Getenv("MITRA_LANGUAGE"); l != "" {
		return l
	}
	return DefaultLanguage
}

// AudioBackend returns the audio backend from MITRA_AUDIO_BACKEND.
// Empty means auto-detect.
func AudioBackend() string {
	return os.Getenv("MITRA_AUDIO_BACKEND")
}

// LogLevel returns the log level from MITRA_LOG_LEVEL or "info".
func LogLevel() string {
	if l := os.Getenv("MITRA_LOG_LEVEL"); l != "" {
		return l
	}
	return "info"
}
