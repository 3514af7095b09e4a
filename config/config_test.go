package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "0.0.0.0:8000", cfg.Server.Addr())
	assert.Equal(t, "gemini-2.5-flash-native-audio-latest", cfg.Gemini.Model)
	assert.Equal(t, "audio/pcm;rate=24000", cfg.Gemini.InputMIMEType)
	assert.Equal(t, "https://api.github.com", cfg.GitHub.APIBaseURL)
	assert.Equal(t, 10*time.Second, cfg.GitHub.GetRequestTimeout())
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	data := `
server:
  host: 127.0.0.1
  port: 9001
gemini:
  model: gemini-test-model
github:
  request_timeout_seconds: 3
log:
  file: /tmp/reporecon.log
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9001", cfg.Server.Addr())
	assert.Equal(t, "gemini-test-model", cfg.Gemini.Model)
	// untouched fields keep their defaults
	assert.Equal(t, "audio/pcm;rate=24000", cfg.Gemini.InputMIMEType)
	assert.Equal(t, 3*time.Second, cfg.GitHub.GetRequestTimeout())
	assert.Equal(t, "/tmp/reporecon.log", cfg.Log.File)
	assert.Equal(t, 10, cfg.Log.MaxSizeMB)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "port must be between",
		},
		{
			name:    "empty host",
			mutate:  func(c *Config) { c.Server.Host = "" },
			wantErr: "host cannot be empty",
		},
		{
			name:    "empty model",
			mutate:  func(c *Config) { c.Gemini.Model = "" },
			wantErr: "model cannot be empty",
		},
		{
			name:    "empty input mime type",
			mutate:  func(c *Config) { c.Gemini.InputMIMEType = "" },
			wantErr: "input_mime_type cannot be empty",
		},
		{
			name:    "empty github base url",
			mutate:  func(c *Config) { c.GitHub.APIBaseURL = "" },
			wantErr: "api_base_url cannot be empty",
		},
		{
			name:    "zero github timeout",
			mutate:  func(c *Config) { c.GitHub.RequestTimeoutSeconds = 0 },
			wantErr: "request_timeout_seconds must be at least 1",
		},
		{
			name:    "file logging with zero max size",
			mutate:  func(c *Config) { c.Log.File = "x.log"; c.Log.MaxSizeMB = 0 },
			wantErr: "max_size_mb must be at least 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
