package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/stylefang/pkg/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "stylefang.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadConfig_EmptyFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadConfig(writeConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, config.DefaultLogLevel, cfg.Logging.Level)
	assert.Equal(t, config.DefaultLogFormat, cfg.Logging.Format)
	assert.Equal(t, config.DefaultExtensions, cfg.Resolver.Extensions)
	assert.Equal(t, config.DefaultStrict, cfg.Output.Strict)
	assert.Equal(t, config.DefaultMinify, cfg.Output.Minify)
	assert.Empty(t, cfg.Output.CacheDir)
	assert.Empty(t, cfg.Telemetry.OTLPEndpoint)
}

func TestLoadConfig_FromFile(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
logging:
  level: debug
  format: json
resolver:
  root_dir: /srv/site
  extensions: [".less", ".css"]
output:
  public_url: /assets/
  minify: true
  cache_dir: /tmp/stylefang
telemetry:
  sample_ratio: 0.5
`)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/site", cfg.Resolver.RootDir)
	assert.Equal(t, []string{".less", ".css"}, cfg.Resolver.Extensions)
	assert.Equal(t, "/assets/", cfg.Output.PublicURL)
	assert.True(t, cfg.Output.Minify)
	assert.Equal(t, "/tmp/stylefang", cfg.Output.CacheDir)
	assert.True(t, cfg.Logging.JSON())
	assert.InDelta(t, 0.5, cfg.Telemetry.SampleRatio, 1e-9)

	level, err := cfg.Logging.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	t.Setenv("STYLEFANG_OUTPUT_PUBLIC_URL", "/static/")
	t.Setenv("STYLEFANG_LOGGING_LEVEL", "warn")

	cfg, err := config.LoadConfig(writeConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, "/static/", cfg.Output.PublicURL)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadConfig_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{"bad level", "logging:\n  level: loud\n", config.ErrInvalidLogLevel},
		{"bad format", "logging:\n  format: xml\n", config.ErrInvalidLogFormat},
		{"bad extension", "resolver:\n  extensions: [less]\n", config.ErrInvalidExtension},
		{"bad ratio", "telemetry:\n  sample_ratio: 2\n", config.ErrInvalidSampleRatio},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := config.LoadConfig(writeConfig(t, tt.content))
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLoadConfig_MalformedFile(t *testing.T) {
	t.Parallel()

	_, err := config.LoadConfig(writeConfig(t, "logging: [unclosed\n"))
	require.Error(t, err)
}
