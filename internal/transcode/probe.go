package transcode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Info is what the prober reports about a media file.
type Info struct {
	FormatName string
	Duration   float64 // seconds
	Size       int64
	BitRate    int64
	VideoCodec string
	AudioCodec string
	Width      int
	Height     int
}

// HasAudio reports whether the file carries an audio stream.
func (i Info) HasAudio() bool { return i.AudioCodec != "" }

type probeResult struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

type probeStream struct {
	CodecName string `json:"codec_name"`
	CodecType string `json:"codec_type"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

type probeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

// Probe runs ffprobe against path and decodes its JSON report.
func (t *Transcoder) Probe(ctx context.Context, path string) (Info, error) {
	var stdout bytes.Buffer

	stderr := newTailBuffer(t.cfg.StderrLimit)

	args := []string{"-v", "error", "-hide_banner", "-print_format", "json", "-show_format", "-show_streams", "--", path}
	if err := t.runner.Run(ctx, t.cfg.FFprobePath, args, &stdout, stderr); err != nil {
		return Info{}, fmt.Errorf("ffprobe failed: %w: %s", err, stderr.String())
	}

	return parseProbe(stdout.Bytes())
}

func parseProbe(data []byte) (Info, error) {
	var res probeResult
	if err := json.Unmarshal(data, &res); err != nil {
		return Info{}, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	info := Info{
		FormatName: res.Format.FormatName,
		Duration:   parseFloat(res.Format.Duration),
		Size:       int64(parseFloat(res.Format.Size)),
		BitRate:    int64(parseFloat(res.Format.BitRate)),
	}

	for _, s := range res.Streams {
		switch strings.ToLower(s.CodecType) {
		case "video":
			if info.VideoCodec == "" {
				info.VideoCodec = strings.ToLower(s.CodecName)
				info.Width = s.Width
				info.Height = s.Height
			}
		case "audio":
			if info.AudioCodec == "" {
				info.AudioCodec = strings.ToLower(s.CodecName)
			}
		}
	}

	if info.VideoCodec == "" {
		return info, fmt.Errorf("no video stream found")
	}

	return info, nil
}

func parseFloat(value string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || math.IsNaN(v) || v < 0 {
		return 0
	}

	return v
}
