package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected default config to be valid, got: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:        "valid configuration",
			mutate:      func(c *Config) {},
			expectError: false,
		},
		{
			name:        "invalid server port",
			mutate:      func(c *Config) { c.Server.Port = 70000 },
			expectError: true,
			errorMsg:    "port must be between 1 and 65535",
		},
		{
			name:        "capture path without slash",
			mutate:      func(c *Config) { c.Server.CapturePath = "capture" },
			expectError: true,
			errorMsg:    "capture_path",
		},
		{
			name:        "sample rate too low",
			mutate:      func(c *Config) { c.Capture.TargetSampleRate = 4000 },
			expectError: true,
			errorMsg:    "target_sample_rate",
		},
		{
			name:        "origin without scheme",
			mutate:      func(c *Config) { c.Capture.AllowedOrigins = []string{"coach.example.com"} },
			expectError: true,
			errorMsg:    "allowed_origins",
		},
		{
			name:        "wildcard origin",
			mutate:      func(c *Config) { c.Capture.AllowedOrigins = []string{"*"} },
			expectError: false,
		},
		{
			name:        "block size too small",
			mutate:      func(c *Config) { c.Audio.BlockSize = 16 },
			expectError: true,
			errorMsg:    "block_size",
		},
		{
			name:        "zero buffer duration",
			mutate:      func(c *Config) { c.Audio.MaxBufferDuration = 0 },
			expectError: true,
			errorMsg:    "max_buffer_duration",
		},
		{
			name:        "zero stream timeout",
			mutate:      func(c *Config) { c.Audio.StreamTimeout = 0 },
			expectError: true,
			errorMsg:    "stream_timeout",
		},
		{
			name: "speech threshold below silence threshold",
			mutate: func(c *Config) {
				c.VAD.SpeechThreshold = 0.001
				c.VAD.SilenceThreshold = 0.005
			},
			expectError: true,
			errorMsg:    "speech_threshold",
		},
		{
			name:        "negative phrase length",
			mutate:      func(c *Config) { c.VAD.MinPhraseLength = -1 },
			expectError: true,
			errorMsg:    "min_phrase_length",
		},
		{
			name:        "empty backend url",
			mutate:      func(c *Config) { c.Delivery.BackendURL = "" },
			expectError: true,
			errorMsg:    "backend_url",
		},
		{
			name:        "backoff multiplier below one",
			mutate:      func(c *Config) { c.Delivery.BackoffMultiplier = 0.5 },
			expectError: true,
			errorMsg:    "backoff_multiplier",
		},
		{
			name:        "zero retries allowed",
			mutate:      func(c *Config) { c.Delivery.MaxRetries = 0 },
			expectError: false,
		},
		{
			name:        "invalid log level",
			mutate:      func(c *Config) { c.Logging.Level = "trace" },
			expectError: true,
			errorMsg:    "level must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.expectError {
				if err == nil {
					t.Fatal("Expected validation error but got none")
				}
				if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error containing '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("Expected no validation error but got: %v", err)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	configContent := `
server:
  port: 9090
  address: "127.0.0.1"
  capture_path: "/agent"
  max_active_sessions: 4
  read_timeout: 5

capture:
  target_sample_rate: 48000
  echo_cancellation: true
  noise_suppression: false
  open_timeout: 10
  track_queue_size: 64
  allowed_origins:
    - "chrome-extension://coach"

audio:
  block_size: 2048
  max_buffer_duration: 8

vad:
  speech_threshold: 0.03
  silence_threshold: 0.004
  energy_window: 3
  silence_before_send: 1.0
  min_speech_duration: 0.4
  max_wait_time: 5
  natural_pause_threshold: 0.8
  min_phrase_length: 1.0
  short_phrase_extension: 1.5

delivery:
  backend_url: "https://coach.example.com/api"
  api_key: "secret"
  timeout: 20
  max_retries: 2
  base_delay: 500
  backoff_multiplier: 3
  max_concurrent: 4

logging:
  level: "debug"
  format: "json"
  output: "stderr"
`

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Server.CapturePath != "/agent" {
		t.Errorf("Expected capture path /agent, got %s", cfg.Server.CapturePath)
	}
	if cfg.Capture.TargetSampleRate != 48000 {
		t.Errorf("Expected target sample rate 48000, got %d", cfg.Capture.TargetSampleRate)
	}
	if cfg.Capture.NoiseSuppression {
		t.Error("Expected noise suppression to be disabled")
	}
	if len(cfg.Capture.AllowedOrigins) != 1 || cfg.Capture.AllowedOrigins[0] != "chrome-extension://coach" {
		t.Errorf("Expected one allowed origin, got %v", cfg.Capture.AllowedOrigins)
	}
	if cfg.Audio.BlockSize != 2048 {
		t.Errorf("Expected block size 2048, got %d", cfg.Audio.BlockSize)
	}
	if cfg.VAD.EnergyWindow != 3 {
		t.Errorf("Expected energy window 3, got %d", cfg.VAD.EnergyWindow)
	}
	if cfg.Delivery.BackendURL != "https://coach.example.com/api" {
		t.Errorf("Expected backend url, got %s", cfg.Delivery.BackendURL)
	}
	if cfg.Delivery.BackoffMultiplier != 3 {
		t.Errorf("Expected multiplier 3, got %f", cfg.Delivery.BackoffMultiplier)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Expected log format json, got %s", cfg.Logging.Format)
	}
}

func TestLoadConfigKeepsDefaults(t *testing.T) {
	configContent := `
delivery:
  backend_url: "http://backend:8000"
`
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Delivery.MaxRetries != 3 {
		t.Errorf("Expected default max retries 3, got %d", cfg.Delivery.MaxRetries)
	}
	if cfg.VAD.SilenceBeforeSend != 1.2 {
		t.Errorf("Expected default silence before send 1.2, got %f", cfg.VAD.SilenceBeforeSend)
	}
	if cfg.Capture.TargetSampleRate != 44100 {
		t.Errorf("Expected default sample rate 44100, got %d", cfg.Capture.TargetSampleRate)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing config file")
	}

	configPath := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(configPath, []byte("server: [unclosed"), 0644); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}
	if _, err := Load(configPath); err == nil {
		t.Error("Expected error for malformed YAML")
	}

	invalidPath := filepath.Join(t.TempDir(), "invalid.yaml")
	if err := os.WriteFile(invalidPath, []byte("delivery:\n  timeout: 0\n"), 0644); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}
	if _, err := Load(invalidPath); err == nil {
		t.Error("Expected validation error for zero timeout")
	}
}

func TestDurationGetters(t *testing.T) {
	cfg := Default()

	if got := cfg.VAD.GetSilenceBeforeSend(); got != 1200*time.Millisecond {
		t.Errorf("Expected 1.2s, got %v", got)
	}
	if got := cfg.VAD.GetMaxWaitTime(); got != 6*time.Second {
		t.Errorf("Expected 6s, got %v", got)
	}
	if got := cfg.VAD.GetShortPhraseExtension(); got != 1500*time.Millisecond {
		t.Errorf("Expected 1.5s, got %v", got)
	}
	if got := cfg.Audio.GetMaxBufferDuration(); got != 10*time.Second {
		t.Errorf("Expected 10s, got %v", got)
	}
	if got := cfg.Audio.GetStreamTimeoutDuration(); got != 30*time.Second {
		t.Errorf("Expected 30s, got %v", got)
	}
	if got := cfg.Delivery.GetTimeoutDuration(); got != 30*time.Second {
		t.Errorf("Expected 30s, got %v", got)
	}
	if got := cfg.Delivery.GetBaseDelayDuration(); got != time.Second {
		t.Errorf("Expected 1s, got %v", got)
	}
	if got := cfg.Capture.GetOpenTimeoutDuration(); got != 30*time.Second {
		t.Errorf("Expected 30s, got %v", got)
	}
}
