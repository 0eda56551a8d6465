package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/italolelis/video_relay/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const probeMP4 = `{
  "streams": [
    {"index": 0, "codec_name": "h264", "codec_type": "video", "width": 1280, "height": 720},
    {"index": 1, "codec_name": "aac", "codec_type": "audio"}
  ],
  "format": {"format_name": "mov,mp4,m4a,3gp,3g2,mj2", "duration": "120.5", "size": "52428800", "bit_rate": "3480000"}
}`

const probeMKV = `{
  "streams": [
    {"index": 0, "codec_name": "hevc", "codec_type": "video", "width": 3840, "height": 2160},
    {"index": 1, "codec_name": "opus", "codec_type": "audio"}
  ],
  "format": {"format_name": "matroska,webm", "duration": "200", "size": "734003200"}
}`

// fakeRunner answers ffprobe with a canned report and simulates ffmpeg by
// writing outputSize bytes to the last argument.
type fakeRunner struct {
	probe      string
	outputSize int
	ffmpegErr  error
	stderr     string
	progress   string
	block      bool

	calls [][]string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args []string, stdout, stderr io.Writer) error {
	f.calls = append(f.calls, append([]string{name}, args...))

	if name == "ffprobe" {
		if f.probe == "" {
			_, _ = io.WriteString(stderr, "Invalid data found when processing input\n")

			return errors.New("exit status 1")
		}

		_, _ = io.WriteString(stdout, f.probe)

		return nil
	}

	out := args[len(args)-1]
	if err := os.WriteFile(out, make([]byte, f.outputSize), 0o600); err != nil {
		return err
	}

	_, _ = io.WriteString(stdout, f.progress)
	_, _ = io.WriteString(stderr, f.stderr)

	if f.block {
		<-ctx.Done()

		return ctx.Err()
	}

	return f.ffmpegErr
}

func defaultProfile() Profile {
	return Profile{
		VideoCodec:       "h264",
		AudioCodec:       "aac",
		Container:        "mp4",
		MaxWidth:         1920,
		MaxHeight:        1080,
		MinBitrateKbps:   500,
		MaxBitrateKbps:   8000,
		AudioBitrateKbps: 128,
		TargetMaxBytes:   95 * 1024 * 1024,
	}
}

func newTestTranscoder(t *testing.T, runner Runner) (*Transcoder, string) {
	t.Helper()

	dir := t.TempDir()

	return New(Config{WorkDir: dir, MinOutputBytes: 1024, StderrLimit: 128, Profile: defaultProfile()}, runner), dir
}

func writeInput(t *testing.T, dir, name string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("input"), 0o600))

	return path
}

func transcodeFiles(t *testing.T, dir string) []string {
	t.Helper()

	matches, err := filepath.Glob(filepath.Join(dir, "*-transcode-*"))
	require.NoError(t, err)

	return matches
}

func TestParseProbe(t *testing.T) {
	info, err := parseProbe([]byte(probeMP4))
	require.NoError(t, err)

	assert.Equal(t, "h264", info.VideoCodec)
	assert.Equal(t, "aac", info.AudioCodec)
	assert.Equal(t, 1280, info.Width)
	assert.Equal(t, 720, info.Height)
	assert.InDelta(t, 120.5, info.Duration, 0.001)
	assert.Equal(t, int64(52428800), info.Size)

	_, err = parseProbe([]byte(`{"streams":[{"codec_type":"audio","codec_name":"aac"}],"format":{}}`))
	require.Error(t, err)

	_, err = parseProbe([]byte("not json"))
	require.Error(t, err)
}

func TestProfile_Compliance(t *testing.T) {
	p := defaultProfile()
	base := Info{FormatName: "mov,mp4,m4a,3gp,3g2,mj2", VideoCodec: "h264", AudioCodec: "aac", Width: 1920, Height: 1080, Size: 200 << 20}

	assert.Empty(t, p.Compliance(base, "/w/a.mp4"))

	portrait := base
	portrait.Width, portrait.Height = 1080, 1920
	assert.Empty(t, p.Compliance(portrait, "/w/a.mp4"))

	silent := base
	silent.AudioCodec = ""
	assert.Empty(t, p.Compliance(silent, "/w/a.mp4"))

	tests := []struct {
		name   string
		mutate func(*Info)
		path   string
		want   string
	}{
		{"video codec", func(i *Info) { i.VideoCodec = "hevc" }, "/w/a.mp4", "video codec"},
		{"audio codec", func(i *Info) { i.AudioCodec = "opus" }, "/w/a.mp4", "audio codec"},
		{"container", func(i *Info) { i.FormatName = "matroska,webm" }, "/w/a.mp4", "container"},
		{"extension", func(*Info) {}, "/w/a.mov", "container"},
		{"resolution", func(i *Info) { i.Width, i.Height = 3840, 2160 }, "/w/a.mp4", "resolution"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := base
			tt.mutate(&info)

			assert.Contains(t, p.Compliance(info, tt.path), tt.want)
		})
	}

	p.EnforceSize = true
	assert.Contains(t, p.Compliance(base, "/w/a.mp4"), "size")
}

func TestProfile_VideoBitrateKbps(t *testing.T) {
	p := defaultProfile()

	// 95MiB over 200s is ~3984kbps total
	assert.Equal(t, 3984-128, p.VideoBitrateKbps(200))
	assert.Equal(t, 8000, p.VideoBitrateKbps(10), "clamped to max")
	assert.Equal(t, 500, p.VideoBitrateKbps(36000), "clamped to min")
	assert.Equal(t, 8000, p.VideoBitrateKbps(0), "unknown duration")
}

func TestTranscode_SkipsCompliant(t *testing.T) {
	runner := &fakeRunner{probe: probeMP4}
	tr, dir := newTestTranscoder(t, runner)
	in := writeInput(t, dir, "job-download-1.mp4")

	out, err := tr.Transcode(context.Background(), "job", in, nil)
	require.NoError(t, err)

	assert.True(t, out.Skipped)
	assert.Equal(t, in, out.Path)
	require.NoError(t, out.Cleanup())
	assert.FileExists(t, in, "no-op cleanup keeps the original")
	assert.Len(t, runner.calls, 1, "ffmpeg never ran")
}

func TestTranscode_Converts(t *testing.T) {
	runner := &fakeRunner{probe: probeMKV, outputSize: 4096, progress: "frame=10\nout_time_us=50000000\nprogress=continue\nout_time_us=100000000\nout_ti"}
	tr, dir := newTestTranscoder(t, runner)
	in := writeInput(t, dir, "job-download-1.mkv")

	var reports []float64

	out, err := tr.Transcode(context.Background(), "job", in, func(pct float64) { reports = append(reports, pct) })
	require.NoError(t, err)

	assert.False(t, out.Skipped)
	assert.Equal(t, int64(4096), out.Size)
	assert.True(t, strings.HasPrefix(filepath.Base(out.Path), "job-transcode-"))
	assert.Equal(t, ".mp4", filepath.Ext(out.Path))
	assert.Equal(t, []float64{25, 50}, reports)

	ffmpeg := strings.Join(runner.calls[1], " ")
	assert.Contains(t, ffmpeg, "-c:v libx264")
	assert.Contains(t, ffmpeg, "-c:a aac")
	assert.Contains(t, ffmpeg, "-b:v 3856k")
	assert.Contains(t, ffmpeg, "force_original_aspect_ratio=decrease")

	require.NoError(t, out.Cleanup())
	assert.Empty(t, transcodeFiles(t, dir))
	assert.FileExists(t, in)
}

func TestTranscode_Failures(t *testing.T) {
	tests := []struct {
		name   string
		runner *fakeRunner
		reason string
	}{
		{"probe fails", &fakeRunner{}, "probe failed"},
		{"encoder exits non-zero", &fakeRunner{probe: probeMKV, outputSize: 4096, ffmpegErr: errors.New("exit status 1"), stderr: strings.Repeat("x", 500) + "\nConversion failed!\n"}, "Conversion failed!"},
		{"degenerate output", &fakeRunner{probe: probeMKV, outputSize: 100}, "degenerate output"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, dir := newTestTranscoder(t, tt.runner)
			in := writeInput(t, dir, "job-download-1.mkv")

			_, err := tr.Transcode(context.Background(), "job", in, nil)

			var tErr *transfer.TranscodeError
			require.ErrorAs(t, err, &tErr)
			assert.Contains(t, tErr.Reason, tt.reason)
			assert.Equal(t, transfer.TagTranscode, transfer.Classify(err))
			assert.Empty(t, transcodeFiles(t, dir), "partial output removed")
		})
	}
}

func TestTranscode_RejectsUnsafeJobID(t *testing.T) {
	runner := &fakeRunner{probe: probeMKV, outputSize: 4096}
	tr, dir := newTestTranscoder(t, runner)
	in := writeInput(t, dir, "job-download-1.mkv")

	_, err := tr.Transcode(context.Background(), "../escaped", in, nil)

	var tErr *transfer.TranscodeError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, "invalid output path", tErr.Reason)
	assert.Len(t, runner.calls, 1, "ffmpeg never ran")

	escaped, err := filepath.Glob(filepath.Join(filepath.Dir(dir), "escaped-transcode-*"))
	require.NoError(t, err)
	assert.Empty(t, escaped)
}

func TestTranscode_Timeout(t *testing.T) {
	tr, dir := newTestTranscoder(t, &fakeRunner{probe: probeMKV, outputSize: 4096, block: true})
	in := writeInput(t, dir, "job-download-1.mkv")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := tr.Transcode(ctx, "job", in, nil)

	var tErr *transfer.TranscodeError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, "encoder timed out", tErr.Reason)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, transcodeFiles(t, dir))
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(8)

	_, _ = b.Write([]byte("abc"))
	_, _ = b.Write([]byte("defgh"))
	assert.Equal(t, "abcdefgh", b.String())

	_, _ = b.Write([]byte("ij"))
	assert.Equal(t, "cdefghij", b.String())

	_, _ = fmt.Fprint(b, "0123456789")
	assert.Equal(t, "23456789", b.String())
}
