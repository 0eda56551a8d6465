package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

const mb = 1024 * 1024

// Policy holds the platform-dependent thresholds that operators tune without a
// redeploy. Absent keys leave the environment value untouched.
type Policy struct {
	Source struct {
		DirectMaxMB *int64 `toml:"direct_max_mb"`
		RangedMaxMB *int64 `toml:"ranged_max_mb"`
		MaxStalls   *int   `toml:"max_stalls"`
	} `toml:"source"`

	Publish struct {
		SingleShotMaxMB *int64 `toml:"single_shot_max_mb"`
		ResumableMaxMB  *int64 `toml:"resumable_max_mb"`
		ChunkSizeMB     *int64 `toml:"chunk_size_mb"`
		MaxRetries      *int   `toml:"max_retries"`
	} `toml:"publish"`

	Transcode struct {
		VideoCodec       *string `toml:"video_codec"`
		AudioCodec       *string `toml:"audio_codec"`
		Container        *string `toml:"container"`
		MaxWidth         *int    `toml:"max_width"`
		MaxHeight        *int    `toml:"max_height"`
		MinBitrateKbps   *int    `toml:"min_bitrate_kbps"`
		MaxBitrateKbps   *int    `toml:"max_bitrate_kbps"`
		AudioBitrateKbps *int    `toml:"audio_bitrate_kbps"`
		TargetMaxMB      *int64  `toml:"target_max_mb"`
		EnforceSize      *bool   `toml:"enforce_size"`
	} `toml:"transcode"`
}

// ParsePolicy decodes a TOML policy document.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := toml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	return &p, nil
}

// ApplyPolicyFile reads path and applies it to c.
func (c *Config) ApplyPolicyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read policy file: %w", err)
	}

	p, err := ParsePolicy(data)
	if err != nil {
		return err
	}

	c.ApplyPolicy(p)

	return nil
}

// ApplyPolicy overrides c with every key set in p.
func (c *Config) ApplyPolicy(p *Policy) {
	setMB(&c.Source.DirectMaxBytes, p.Source.DirectMaxMB)
	setMB(&c.Source.RangedMaxBytes, p.Source.RangedMaxMB)
	set(&c.Source.MaxStalls, p.Source.MaxStalls)

	setMB(&c.Publish.SingleShotMaxBytes, p.Publish.SingleShotMaxMB)
	setMB(&c.Publish.ResumableMaxBytes, p.Publish.ResumableMaxMB)
	setMB(&c.Publish.ChunkSize, p.Publish.ChunkSizeMB)
	set(&c.Publish.MaxRetries, p.Publish.MaxRetries)

	set(&c.Transcode.VideoCodec, p.Transcode.VideoCodec)
	set(&c.Transcode.AudioCodec, p.Transcode.AudioCodec)
	set(&c.Transcode.Container, p.Transcode.Container)
	set(&c.Transcode.MaxWidth, p.Transcode.MaxWidth)
	set(&c.Transcode.MaxHeight, p.Transcode.MaxHeight)
	set(&c.Transcode.MinBitrateKbps, p.Transcode.MinBitrateKbps)
	set(&c.Transcode.MaxBitrateKbps, p.Transcode.MaxBitrateKbps)
	set(&c.Transcode.AudioBitrateKbps, p.Transcode.AudioBitrateKbps)
	setMB(&c.Transcode.TargetMaxBytes, p.Transcode.TargetMaxMB)
	set(&c.Transcode.EnforceSize, p.Transcode.EnforceSize)
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func setMB(dst *int64, v *int64) {
	if v != nil {
		*dst = *v * mb
	}
}
