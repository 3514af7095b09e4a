// Package config holds the file-based configuration of the RepoRecon backend.
// Secrets (API keys, tokens) never live here; they come from the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Gemini GeminiConfig `yaml:"gemini"`
	GitHub GitHubConfig `yaml:"github"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig contains the HTTP/WebSocket listener configuration.
type ServerConfig struct {
	Host                   string `yaml:"host"`
	Port                   int    `yaml:"port"`
	ReadHeaderTimeoutSecs  int    `yaml:"read_header_timeout_seconds"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
}

// GeminiConfig describes the upstream live session. InputMIMEType tags every
// audio chunk sent upstream; it must match the rate the client captures at.
type GeminiConfig struct {
	Model         string `yaml:"model"`
	Host          string `yaml:"host"`
	InputMIMEType string `yaml:"input_mime_type"`
}

// GitHubConfig configures the issue lookup tools.
type GitHubConfig struct {
	APIBaseURL            string `yaml:"api_base_url"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
}

// LogConfig selects stdout logging (empty file) or a rotated log file.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Default returns the configuration the service runs with when no file is
// given. Every value is valid on its own.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                   "0.0.0.0",
			Port:                   8000,
			ReadHeaderTimeoutSecs:  10,
			ShutdownTimeoutSeconds: 15,
		},
		Gemini: GeminiConfig{
			Model:         "gemini-2.5-flash-native-audio-latest",
			InputMIMEType: "audio/pcm;rate=24000",
		},
		GitHub: GitHubConfig{
			APIBaseURL:            "https://api.github.com",
			RequestTimeoutSeconds: 10,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 2,
			MaxAgeDays: 3,
		},
	}
}

// Load reads and parses the configuration file. An empty path yields the
// defaults. File values override defaults field by field.
func Load(path string) (*Config, error) {
	config := Default()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Gemini.Validate(); err != nil {
		return fmt.Errorf("gemini config: %w", err)
	}
	if err := c.GitHub.Validate(); err != nil {
		return fmt.Errorf("github config: %w", err)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log config: %w", err)
	}
	return nil
}

func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}
	if s.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if s.ReadHeaderTimeoutSecs < 1 {
		return fmt.Errorf("read_header_timeout_seconds must be at least 1, got %d", s.ReadHeaderTimeoutSecs)
	}
	if s.ShutdownTimeoutSeconds < 1 {
		return fmt.Errorf("shutdown_timeout_seconds must be at least 1, got %d", s.ShutdownTimeoutSeconds)
	}
	return nil
}

func (g *GeminiConfig) Validate() error {
	if g.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}
	if g.InputMIMEType == "" {
		return fmt.Errorf("input_mime_type cannot be empty")
	}
	return nil
}

func (g *GitHubConfig) Validate() error {
	if g.APIBaseURL == "" {
		return fmt.Errorf("api_base_url cannot be empty")
	}
	if g.RequestTimeoutSeconds < 1 {
		return fmt.Errorf("request_timeout_seconds must be at least 1 second, got %d", g.RequestTimeoutSeconds)
	}
	return nil
}

func (l *LogConfig) Validate() error {
	if l.File == "" {
		return nil
	}
	if l.MaxSizeMB < 1 {
		return fmt.Errorf("max_size_mb must be at least 1, got %d", l.MaxSizeMB)
	}
	if l.MaxBackups < 0 {
		return fmt.Errorf("max_backups cannot be negative, got %d", l.MaxBackups)
	}
	if l.MaxAgeDays < 0 {
		return fmt.Errorf("max_age_days cannot be negative, got %d", l.MaxAgeDays)
	}
	return nil
}

// Addr returns the host:port the HTTP server binds to.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GetReadHeaderTimeout returns the header read timeout as a time.Duration.
func (s *ServerConfig) GetReadHeaderTimeout() time.Duration {
	return time.Duration(s.ReadHeaderTimeoutSecs) * time.Second
}

// GetShutdownTimeout returns the graceful drain window as a time.Duration.
func (s *ServerConfig) GetShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

// GetRequestTimeout returns the GitHub request timeout as a time.Duration.
func (g *GitHubConfig) GetRequestTimeout() time.Duration {
	return time.Duration(g.RequestTimeoutSeconds) * time.Second
}
