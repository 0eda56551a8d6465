// Package transcode normalizes downloaded media to the publishing platform's
// codec and container using ffmpeg.
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/video_relay/internal/logctx"
	"github.com/italolelis/video_relay/internal/transfer"
)

// Profile describes what the platform accepts.
type Profile struct {
	VideoCodec       string
	AudioCodec       string
	Container        string
	MaxWidth         int
	MaxHeight        int
	MinBitrateKbps   int
	MaxBitrateKbps   int
	AudioBitrateKbps int
	// TargetMaxBytes is the approximate output ceiling used to derive the bitrate.
	TargetMaxBytes int64
	// EnforceSize makes files above TargetMaxBytes non-compliant.
	EnforceSize bool
}

// Config configures a Transcoder.
type Config struct {
	WorkDir        string
	FFmpegPath     string
	FFprobePath    string
	MinOutputBytes int64
	StderrLimit    int
	Profile        Profile
}

// Output is the file to upload next.
type Output struct {
	Path    string
	Size    int64
	Skipped bool
	Cleanup func() error
}

type Transcoder struct {
	cfg    Config
	runner Runner
}

func New(cfg Config, runner Runner) *Transcoder {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}

	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}

	if runner == nil {
		runner = ExecRunner{}
	}

	return &Transcoder{cfg: cfg, runner: runner}
}

// Compliance returns an empty string when info satisfies the profile and the
// first violated constraint otherwise.
func (p Profile) Compliance(info Info, path string) string {
	if !strings.EqualFold(info.VideoCodec, p.VideoCodec) {
		return fmt.Sprintf("video codec %s, want %s", info.VideoCodec, p.VideoCodec)
	}

	if info.HasAudio() && !strings.EqualFold(info.AudioCodec, p.AudioCodec) {
		return fmt.Sprintf("audio codec %s, want %s", info.AudioCodec, p.AudioCodec)
	}

	if !p.containerMatches(info.FormatName, path) {
		return fmt.Sprintf("container %s, want %s", info.FormatName, p.Container)
	}

	if !p.fits(info.Width, info.Height) {
		return fmt.Sprintf("resolution %dx%d exceeds %dx%d", info.Width, info.Height, p.MaxWidth, p.MaxHeight)
	}

	if p.EnforceSize && p.TargetMaxBytes > 0 && info.Size > p.TargetMaxBytes {
		return fmt.Sprintf("size %s exceeds %s", humanize.IBytes(uint64(info.Size)), humanize.IBytes(uint64(p.TargetMaxBytes)))
	}

	return ""
}

func (p Profile) containerMatches(formatName, path string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if ext != p.Container {
		return false
	}

	for _, name := range strings.Split(formatName, ",") {
		if strings.EqualFold(strings.TrimSpace(name), p.Container) {
			return true
		}
	}

	return false
}

// fits accepts either orientation inside the bounding box.
func (p Profile) fits(w, h int) bool {
	if p.MaxWidth <= 0 || p.MaxHeight <= 0 {
		return true
	}

	long, short := max(w, h), min(w, h)

	return long <= max(p.MaxWidth, p.MaxHeight) && short <= min(p.MaxWidth, p.MaxHeight)
}

// VideoBitrateKbps derives the video bitrate that keeps a file of the given
// duration near TargetMaxBytes.
func (p Profile) VideoBitrateKbps(duration float64) int {
	if duration <= 0 || p.TargetMaxBytes <= 0 {
		return p.MaxBitrateKbps
	}

	total := float64(p.TargetMaxBytes) * 8 / duration / 1000
	kbps := int(total) - p.AudioBitrateKbps

	if p.MinBitrateKbps > 0 && kbps < p.MinBitrateKbps {
		kbps = p.MinBitrateKbps
	}

	if p.MaxBitrateKbps > 0 && kbps > p.MaxBitrateKbps {
		kbps = p.MaxBitrateKbps
	}

	return kbps
}

// Transcode converts path to the profile. Compliant inputs are returned as-is
// with a no-op cleanup. Every failure is a *transfer.TranscodeError.
func (t *Transcoder) Transcode(ctx context.Context, jobID, path string, onProgress func(pct float64)) (*Output, error) {
	logger := logctx.LoggerFromContext(ctx).With("step", "transcode")

	info, err := t.Probe(ctx, path)
	if err != nil {
		return nil, &transfer.TranscodeError{Path: path, Reason: "probe failed", Err: err}
	}

	reason := t.cfg.Profile.Compliance(info, path)
	if reason == "" {
		logger.Info("media already compliant, skipping transcode", "codec", info.VideoCodec, "width", info.Width, "height", info.Height)

		return &Output{Path: path, Size: info.Size, Skipped: true, Cleanup: func() error { return nil }}, nil
	}

	out, err := transfer.TempPath(t.cfg.WorkDir, jobID, "transcode", t.cfg.Profile.Container)
	if err != nil {
		return nil, &transfer.TranscodeError{Path: path, Reason: "invalid output path", Err: err}
	}

	cleanup := func() error {
		if err := os.Remove(out); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}

		return nil
	}

	kbps := t.cfg.Profile.VideoBitrateKbps(info.Duration)

	logger.Info("transcoding media", "reason", reason, "video_kbps", kbps, "duration", info.Duration)

	stderr := newTailBuffer(t.cfg.StderrLimit)
	stdout := &progressWriter{duration: info.Duration, onProgress: onProgress}

	runErr := t.runner.Run(ctx, t.cfg.FFmpegPath, t.args(path, out, kbps), stdout, stderr)
	if runErr != nil {
		_ = cleanup()

		if ctx.Err() != nil {
			return nil, &transfer.TranscodeError{Path: path, Reason: "encoder timed out", Err: ctx.Err()}
		}

		return nil, &transfer.TranscodeError{Path: path, Reason: "encoder failed: " + lastLine(stderr.String()), Err: runErr}
	}

	stat, err := os.Stat(out)
	if err != nil {
		_ = cleanup()

		return nil, &transfer.TranscodeError{Path: path, Reason: "encoder produced no output", Err: err}
	}

	if stat.Size() <= t.cfg.MinOutputBytes {
		_ = cleanup()

		return nil, &transfer.TranscodeError{Path: path, Reason: fmt.Sprintf("degenerate output of %d bytes", stat.Size())}
	}

	logger.Info("transcode finished", "size", humanize.IBytes(uint64(stat.Size())))

	return &Output{Path: out, Size: stat.Size(), Cleanup: cleanup}, nil
}

func (t *Transcoder) args(in, out string, kbps int) []string {
	p := t.cfg.Profile
	rate := strconv.Itoa(kbps) + "k"

	args := []string{
		"-hide_banner", "-nostdin", "-y",
		"-i", in,
		"-c:v", encoderFor(p.VideoCodec),
		"-preset", "veryfast",
		"-b:v", rate,
		"-maxrate", rate,
		"-bufsize", strconv.Itoa(kbps*2) + "k",
		"-pix_fmt", "yuv420p",
	}

	if p.MaxWidth > 0 && p.MaxHeight > 0 {
		args = append(args, "-vf", fmt.Sprintf(
			"scale=w=%d:h=%d:force_original_aspect_ratio=decrease:force_divisible_by=2", p.MaxWidth, p.MaxHeight))
	}

	args = append(args,
		"-c:a", p.AudioCodec,
		"-b:a", strconv.Itoa(p.AudioBitrateKbps)+"k",
		"-movflags", "+faststart",
		"-progress", "pipe:1", "-nostats",
		"-f", p.Container,
		out,
	)

	return args
}

func encoderFor(codec string) string {
	switch strings.ToLower(codec) {
	case "h264":
		return "libx264"
	case "hevc", "h265":
		return "libx265"
	case "vp9":
		return "libvpx-vp9"
	default:
		return codec
	}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}

	return s
}

// progressWriter parses ffmpeg -progress output into a completion percentage.
type progressWriter struct {
	duration   float64
	onProgress func(pct float64)
	partial    []byte
}

func (w *progressWriter) Write(p []byte) (int, error) {
	if w.onProgress == nil || w.duration <= 0 {
		return len(p), nil
	}

	w.partial = append(w.partial, p...)

	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}

		line := strings.TrimSpace(string(w.partial[:i]))
		w.partial = w.partial[i+1:]

		key, value, ok := strings.Cut(line, "=")
		if !ok || (key != "out_time_us" && key != "out_time_ms") {
			continue
		}

		// both keys carry microseconds
		us, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}

		w.onProgress(min(float64(us)/1e6/w.duration*100, 100))
	}

	return len(p), nil
}
