package config

import (
	"fmt"
	"math"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Capture  CaptureConfig  `yaml:"capture"`
	Audio    AudioConfig    `yaml:"audio"`
	VAD      VADConfig      `yaml:"vad"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig contains HTTP API and capture ingest configuration
type ServerConfig struct {
	Port              int    `yaml:"port"`
	Address           string `yaml:"address"`
	CapturePath       string `yaml:"capture_path"`
	MaxActiveSessions int    `yaml:"max_active_sessions"`
	ReadTimeout       int    `yaml:"read_timeout"` // seconds
}

// CaptureConfig contains capture agent and media constraint parameters
type CaptureConfig struct {
	TargetSampleRate int  `yaml:"target_sample_rate"`
	EchoCancellation bool `yaml:"echo_cancellation"`
	NoiseSuppression bool `yaml:"noise_suppression"`
	OpenTimeout      int  `yaml:"open_timeout"`     // seconds
	TrackQueueSize   int  `yaml:"track_queue_size"` // frames buffered per track

	// Browser origins allowed to connect as capture agents, "*" for any
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// AudioConfig contains buffering parameters
type AudioConfig struct {
	BlockSize         int     `yaml:"block_size"`          // samples per block
	MaxBufferDuration float64 `yaml:"max_buffer_duration"` // seconds
	StreamTimeout     int     `yaml:"stream_timeout"`      // seconds without blocks before a session is stopped
}

// VADConfig contains voice activity detection thresholds
type VADConfig struct {
	SpeechThreshold       float64 `yaml:"speech_threshold"`
	SilenceThreshold      float64 `yaml:"silence_threshold"`
	EnergyWindow          int     `yaml:"energy_window"`           // blocks
	SilenceBeforeSend     float64 `yaml:"silence_before_send"`     // seconds
	MinSpeechDuration     float64 `yaml:"min_speech_duration"`     // seconds
	MaxWaitTime           float64 `yaml:"max_wait_time"`           // seconds
	NaturalPauseThreshold float64 `yaml:"natural_pause_threshold"` // seconds
	MinPhraseLength       float64 `yaml:"min_phrase_length"`       // seconds
	ShortPhraseExtension  float64 `yaml:"short_phrase_extension"`  // seconds
}

// DeliveryConfig contains analysis backend parameters
type DeliveryConfig struct {
	BackendURL        string  `yaml:"backend_url"`
	APIKey            string  `yaml:"api_key"`
	Timeout           int     `yaml:"timeout"` // seconds
	MaxRetries        int     `yaml:"max_retries"`
	BaseDelay         int     `yaml:"base_delay"` // milliseconds
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	MaxConcurrent     int     `yaml:"max_concurrent"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration populated with the reference values
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:              8080,
			Address:           "0.0.0.0",
			CapturePath:       "/capture",
			MaxActiveSessions: 16,
			ReadTimeout:       10,
		},
		Capture: CaptureConfig{
			TargetSampleRate: 44100,
			EchoCancellation: true,
			NoiseSuppression: true,
			OpenTimeout:      30,
			TrackQueueSize:   256,
		},
		Audio: AudioConfig{
			BlockSize:         4096,
			MaxBufferDuration: 10,
			StreamTimeout:     30,
		},
		VAD: VADConfig{
			SpeechThreshold:       0.02,
			SilenceThreshold:      0.005,
			EnergyWindow:          5,
			SilenceBeforeSend:     1.2,
			MinSpeechDuration:     0.5,
			MaxWaitTime:           6,
			NaturalPauseThreshold: 0.8,
			MinPhraseLength:       1.0,
			ShortPhraseExtension:  1.5,
		},
		Delivery: DeliveryConfig{
			BackendURL:        "http://localhost:8000",
			Timeout:           30,
			MaxRetries:        3,
			BaseDelay:         1000,
			BackoffMultiplier: 2,
			MaxConcurrent:     8,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file on top of the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs validation of every configuration section
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Delivery.Validate(); err != nil {
		return fmt.Errorf("delivery config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if len(s.CapturePath) == 0 || s.CapturePath[0] != '/' {
		return fmt.Errorf("capture_path must start with '/', got '%s'", s.CapturePath)
	}

	if s.MaxActiveSessions < 1 {
		return fmt.Errorf("max_active_sessions must be at least 1, got %d", s.MaxActiveSessions)
	}

	if s.ReadTimeout < 1 {
		return fmt.Errorf("read_timeout must be at least 1 second, got %d", s.ReadTimeout)
	}

	return nil
}

// Validate validates capture configuration
func (c *CaptureConfig) Validate() error {
	if c.TargetSampleRate < 8000 || c.TargetSampleRate > 192000 {
		return fmt.Errorf("target_sample_rate must be between 8000 and 192000 Hz, got %d", c.TargetSampleRate)
	}

	if c.OpenTimeout < 1 {
		return fmt.Errorf("open_timeout must be at least 1 second, got %d", c.OpenTimeout)
	}

	if c.TrackQueueSize < 1 {
		return fmt.Errorf("track_queue_size must be at least 1, got %d", c.TrackQueueSize)
	}

	for _, origin := range c.AllowedOrigins {
		if origin == "*" {
			continue
		}
		if u, err := url.Parse(origin); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("allowed_origins entry %q must be scheme://host", origin)
		}
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.BlockSize < 128 || a.BlockSize > 16384 {
		return fmt.Errorf("block_size must be between 128 and 16384 samples, got %d", a.BlockSize)
	}

	if a.MaxBufferDuration <= 0 {
		return fmt.Errorf("max_buffer_duration must be positive, got %f", a.MaxBufferDuration)
	}

	if a.StreamTimeout < 1 {
		return fmt.Errorf("stream_timeout must be at least 1 second, got %d", a.StreamTimeout)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.SilenceThreshold <= 0 {
		return fmt.Errorf("silence_threshold must be positive, got %f", v.SilenceThreshold)
	}

	if v.SpeechThreshold < v.SilenceThreshold {
		return fmt.Errorf("speech_threshold (%f) must not be below silence_threshold (%f)",
			v.SpeechThreshold, v.SilenceThreshold)
	}

	if v.EnergyWindow < 1 {
		return fmt.Errorf("energy_window must be at least 1, got %d", v.EnergyWindow)
	}

	durations := map[string]float64{
		"silence_before_send":     v.SilenceBeforeSend,
		"min_speech_duration":     v.MinSpeechDuration,
		"max_wait_time":           v.MaxWaitTime,
		"natural_pause_threshold": v.NaturalPauseThreshold,
		"min_phrase_length":       v.MinPhraseLength,
		"short_phrase_extension":  v.ShortPhraseExtension,
	}
	for name, value := range durations {
		if value < 0 {
			return fmt.Errorf("%s cannot be negative, got %f", name, value)
		}
	}

	if v.MaxWaitTime <= 0 {
		return fmt.Errorf("max_wait_time must be positive, got %f", v.MaxWaitTime)
	}

	return nil
}

// Validate validates delivery configuration
func (d *DeliveryConfig) Validate() error {
	if d.BackendURL == "" {
		return fmt.Errorf("backend_url cannot be empty")
	}

	if d.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", d.Timeout)
	}

	if d.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", d.MaxRetries)
	}

	if d.BaseDelay < 0 {
		return fmt.Errorf("base_delay cannot be negative, got %d", d.BaseDelay)
	}

	if d.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be at least 1, got %f", d.BackoffMultiplier)
	}

	if d.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", d.MaxConcurrent)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetReadTimeoutDuration returns the HTTP read timeout as a time.Duration
func (s *ServerConfig) GetReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// GetOpenTimeoutDuration returns how long an agent may take to answer an open request
func (c *CaptureConfig) GetOpenTimeoutDuration() time.Duration {
	return time.Duration(c.OpenTimeout) * time.Second
}

// GetMaxBufferDuration returns the channel buffer bound as a time.Duration
func (a *AudioConfig) GetMaxBufferDuration() time.Duration {
	return seconds(a.MaxBufferDuration)
}

// GetStreamTimeoutDuration returns the session inactivity timeout as a time.Duration
func (a *AudioConfig) GetStreamTimeoutDuration() time.Duration {
	return time.Duration(a.StreamTimeout) * time.Second
}

// GetSilenceBeforeSend returns the trailing silence that ends an utterance
func (v *VADConfig) GetSilenceBeforeSend() time.Duration {
	return seconds(v.SilenceBeforeSend)
}

// GetMinSpeechDuration returns the minimum speech duration as a time.Duration
func (v *VADConfig) GetMinSpeechDuration() time.Duration {
	return seconds(v.MinSpeechDuration)
}

// GetMaxWaitTime returns the maximum segment window as a time.Duration
func (v *VADConfig) GetMaxWaitTime() time.Duration {
	return seconds(v.MaxWaitTime)
}

// GetNaturalPauseThreshold returns the natural pause threshold as a time.Duration
func (v *VADConfig) GetNaturalPauseThreshold() time.Duration {
	return seconds(v.NaturalPauseThreshold)
}

// GetMinPhraseLength returns the minimum phrase length as a time.Duration
func (v *VADConfig) GetMinPhraseLength() time.Duration {
	return seconds(v.MinPhraseLength)
}

// GetShortPhraseExtension returns the short phrase extension as a time.Duration
func (v *VADConfig) GetShortPhraseExtension() time.Duration {
	return seconds(v.ShortPhraseExtension)
}

// GetTimeoutDuration returns the delivery request timeout as a time.Duration
func (d *DeliveryConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(d.Timeout) * time.Second
}

// GetBaseDelayDuration returns the first retry delay as a time.Duration
func (d *DeliveryConfig) GetBaseDelayDuration() time.Duration {
	return time.Duration(d.BaseDelay) * time.Millisecond
}

func seconds(v float64) time.Duration {
	return time.Duration(math.Round(v * float64(time.Second)))
}
