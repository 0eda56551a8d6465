package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

// Config struct for environment variables.
type Config struct {
	Environment       string        `envconfig:"ENVIRONMENT" default:"production"`
	WorkDir           string        `envconfig:"WORK_DIR" default:"/tmp/video_relay"`
	DBPath            string        `envconfig:"DB_PATH" default:"video_relay.db"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	PolicyFile        string        `envconfig:"POLICY_FILE"`
	MaxParallel       int           `envconfig:"MAX_PARALLEL" default:"3"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`
	KeepJobsFor       time.Duration `envconfig:"KEEP_JOBS_FOR" default:"168h"`
	TempMaxAge        time.Duration `envconfig:"TEMP_MAX_AGE" default:"6h"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	PutioToken        string        `envconfig:"PUTIO_TOKEN"`

	Source struct {
		DirectMaxBytes       int64         `split_words:"true" default:"209715200"`
		RangedMaxBytes       int64         `split_words:"true" default:"524288000"`
		BufferSize           int           `split_words:"true" default:"1048576"`
		MaxRetries           int           `split_words:"true" default:"5"`
		MaxStalls            int           `split_words:"true" default:"5"`
		QuiescenceTimeout    time.Duration `split_words:"true" default:"30s"`
		RetryInitialInterval time.Duration `split_words:"true" default:"1s"`
		RetryMaxElapsed      time.Duration `split_words:"true" default:"0s"`
		DriveBaseURL         string        `split_words:"true" default:"https://drive.google.com"`
		DriveContentURL      string        `split_words:"true" default:"https://drive.usercontent.google.com"`
	}

	Transcode struct {
		FFmpegPath       string        `envconfig:"FFMPEG_PATH" default:"ffmpeg"`
		FFprobePath      string        `envconfig:"FFPROBE_PATH" default:"ffprobe"`
		VideoCodec       string        `split_words:"true" default:"h264"`
		AudioCodec       string        `split_words:"true" default:"aac"`
		Container        string        `split_words:"true" default:"mp4"`
		MaxWidth         int           `split_words:"true" default:"1920"`
		MaxHeight        int           `split_words:"true" default:"1080"`
		MinBitrateKbps   int           `split_words:"true" default:"500"`
		MaxBitrateKbps   int           `split_words:"true" default:"8000"`
		AudioBitrateKbps int           `split_words:"true" default:"128"`
		TargetMaxBytes   int64         `split_words:"true" default:"99614720"`
		EnforceSize      bool          `split_words:"true" default:"false"`
		MinOutputBytes   int64         `split_words:"true" default:"1024"`
		StderrLimit      int           `split_words:"true" default:"65536"`
		GracePeriod      time.Duration `split_words:"true" default:"5s"`
	}

	Publish struct {
		BaseURL              string        `split_words:"true" default:"https://graph.facebook.com/v19.0"`
		SingleShotMaxBytes   int64         `split_words:"true" default:"157286400"`
		ResumableMaxBytes    int64         `split_words:"true" default:"10737418240"`
		ChunkSize            int64         `split_words:"true" default:"8388608"`
		MaxRetries           int           `split_words:"true" default:"5"`
		RetryInitialInterval time.Duration `split_words:"true" default:"1s"`
		RetryMaxElapsed      time.Duration `split_words:"true" default:"0s"`
		VerifyWindow         time.Duration `split_words:"true" default:"30s"`
		VerifyInterval       time.Duration `split_words:"true" default:"3s"`
		VerifyTolerance      time.Duration `split_words:"true" default:"2m"`
	}

	Budgets struct {
		Download  time.Duration `split_words:"true" default:"30m"`
		Transcode time.Duration `split_words:"true" default:"20m"`
		Upload    time.Duration `split_words:"true" default:"60m"`
		Verify    time.Duration `split_words:"true" default:"1m"`
	}

	Progress struct {
		GracePeriod   time.Duration `split_words:"true" default:"10m"`
		SweepInterval time.Duration `split_words:"true" default:"1m"`
	}

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"video_relay"`
		OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
		OTLPInsecure bool   `envconfig:"OTEL_EXPORTER_OTLP_INSECURE" default:"false"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8080"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"0s"`
		IdleTimeout     time.Duration `split_words:"true" default:"60s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}
}

// LoadConfig reads environment variables and populates the Config struct. When
// POLICY_FILE is set the policy overrides are applied on top.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.PolicyFile != "" {
		if err := cfg.ApplyPolicyFile(cfg.PolicyFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the tier ordering the pipeline relies on.
func (c *Config) Validate() error {
	if c.Environment != EnvProduction && c.Environment != EnvDevelopment {
		return fmt.Errorf("invalid environment %q: must be %s or %s", c.Environment, EnvProduction, EnvDevelopment)
	}

	if c.Source.DirectMaxBytes > c.Source.RangedMaxBytes {
		return fmt.Errorf("source direct tier (%d) exceeds ranged tier (%d)", c.Source.DirectMaxBytes, c.Source.RangedMaxBytes)
	}

	if c.Publish.SingleShotMaxBytes > c.Publish.ResumableMaxBytes {
		return fmt.Errorf("publish single-shot tier (%d) exceeds resumable tier (%d)", c.Publish.SingleShotMaxBytes, c.Publish.ResumableMaxBytes)
	}

	if c.Publish.ChunkSize <= 0 {
		return fmt.Errorf("publish chunk size must be positive")
	}

	if c.MaxParallel < 1 {
		return fmt.Errorf("max parallel must be at least 1")
	}

	return nil
}

// IsProduction reports whether the production disk thresholds apply.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
