package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, int64(200*mb), cfg.Source.DirectMaxBytes)
	assert.Equal(t, int64(500*mb), cfg.Source.RangedMaxBytes)
	assert.Equal(t, 30*time.Second, cfg.Source.QuiescenceTimeout)
	assert.Equal(t, int64(150*mb), cfg.Publish.SingleShotMaxBytes)
	assert.Equal(t, int64(8*mb), cfg.Publish.ChunkSize)
	assert.Equal(t, int64(95*mb), cfg.Transcode.TargetMaxBytes)
	assert.Equal(t, "ffmpeg", cfg.Transcode.FFmpegPath)
	assert.Equal(t, "0.0.0.0:8080", cfg.Web.BindAddress)
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("SOURCE_MAX_STALLS", "9")
	t.Setenv("PUBLISH_CHUNK_SIZE", "1048576")
	t.Setenv("BUDGETS_UPLOAD", "5m")
	t.Setenv("TRANSCODE_FFMPEG_PATH", "/opt/bin/ffmpeg")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.False(t, cfg.IsProduction())
	assert.Equal(t, 9, cfg.Source.MaxStalls)
	assert.Equal(t, int64(mb), cfg.Publish.ChunkSize)
	assert.Equal(t, 5*time.Minute, cfg.Budgets.Upload)
	assert.Equal(t, "/opt/bin/ffmpeg", cfg.Transcode.FFmpegPath)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
}

func TestLoadConfig_InvalidEnvironment(t *testing.T) {
	t.Setenv("ENVIRONMENT", "staging")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid environment")
}

func TestLoadConfig_PolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[source]
direct_max_mb = 50
ranged_max_mb = 100

[publish]
single_shot_max_mb = 100
chunk_size_mb = 4

[transcode]
target_max_mb = 90
container = "mov"
enforce_size = true
`), 0o600))

	t.Setenv("POLICY_FILE", path)
	t.Setenv("SOURCE_MAX_STALLS", "7")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, int64(50*mb), cfg.Source.DirectMaxBytes)
	assert.Equal(t, int64(100*mb), cfg.Source.RangedMaxBytes)
	assert.Equal(t, 7, cfg.Source.MaxStalls, "keys absent from the policy keep the env value")
	assert.Equal(t, int64(100*mb), cfg.Publish.SingleShotMaxBytes)
	assert.Equal(t, int64(4*mb), cfg.Publish.ChunkSize)
	assert.Equal(t, int64(90*mb), cfg.Transcode.TargetMaxBytes)
	assert.Equal(t, "mov", cfg.Transcode.Container)
	assert.True(t, cfg.Transcode.EnforceSize)
}

func TestLoadConfig_PolicyBreaksTierOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.toml")
	require.NoError(t, os.WriteFile(path, []byte("[source]\ndirect_max_mb = 900\n"), 0o600))

	t.Setenv("POLICY_FILE", path)

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds ranged tier")
}

func TestParsePolicy_Invalid(t *testing.T) {
	_, err := ParsePolicy([]byte("[source\n"))
	require.Error(t, err)
}

func TestSlogLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"Warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"bogus": slog.LevelInfo,
	} {
		cfg := &Config{LogLevel: in}
		assert.Equal(t, want, cfg.SlogLevel(), in)
	}
}
